// Package repocache bounds the number of archive git working trees kept
// open (a plain directory handle plus a verified worktree, since the
// archive mirror shells out to the git CLI rather than holding a native
// repository object). Generalizes the jra3-linear-fuse TTL cache's
// mutex-protected map into a true LRU (size-bounded, not time-bounded,
// since a repo's usefulness doesn't expire), and adds singleflight so
// concurrent requests for the same path collapse into one open.
package repocache

import (
	"container/list"
	"context"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/agentmail-dev/agentmail/internal/apierr"
)

const DefaultCapacity = 8

// Repo is a verified, opened git working tree.
type Repo struct {
	Path string
}

type entry struct {
	path string
	repo *Repo
}

// Cache is a bounded LRU of opened Repo handles, keyed by absolute path.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
	group    singleflight.Group
}

func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Peek returns a cached Repo without opening it, for callers that want
// to avoid blocking on a cold path (e.g. a health check).
func (c *Cache) Peek(path string) (*Repo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[path]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).repo, true
}

// Open returns the cached Repo for path, opening (verifying it is a git
// working tree) and inserting it if not already cached. Concurrent Open
// calls for the same path collapse into a single filesystem touch.
func (c *Cache) Open(ctx context.Context, path string) (*Repo, error) {
	if r, ok := c.Peek(path); ok {
		return r, nil
	}

	v, err, _ := c.group.Do(path, func() (interface{}, error) {
		if r, ok := c.Peek(path); ok {
			return r, nil
		}
		repo, err := openRepo(ctx, path)
		if err != nil {
			return nil, err
		}
		c.insert(path, repo)
		return repo, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Repo), nil
}

func (c *Cache) insert(path string, repo *Repo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[path]; ok {
		c.order.MoveToFront(el)
		el.Value.(*entry).repo = repo
		return
	}
	el := c.order.PushFront(&entry{path: path, repo: repo})
	c.items[path] = el

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*entry).path)
		}
	}
}

func (c *Cache) Evict(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[path]; ok {
		c.order.Remove(el)
		delete(c.items, path)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func openRepo(ctx context.Context, path string) (*Repo, error) {
	if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, apierr.Wrap("create archive repo dir", apierr.KindGit, err)
		}
	}
	if _, err := os.Stat(path + "/.git"); err != nil {
		cmd := exec.CommandContext(ctx, "git", "-C", path, "init")
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, apierr.Wrap("git init archive repo", apierr.KindGit, errWithOutput(err, out))
		}
	}
	return &Repo{Path: path}, nil
}

func errWithOutput(err error, out []byte) error {
	if len(out) == 0 {
		return err
	}
	return &outputError{underlying: err, output: string(out)}
}

type outputError struct {
	underlying error
	output     string
}

func (e *outputError) Error() string { return e.underlying.Error() + ": " + e.output }
func (e *outputError) Unwrap() error { return e.underlying }

// Package archivelock implements the advisory lock guarding concurrent
// writes to a project's git archive mirror (spec §4.2): a lock file plus
// a JSON owner record, with stale-lock detection via a liveness probe on
// the recorded pid. Grounded in the git-bug RepoCache lock/repoIsAvailable
// pattern (PID lockfile, crash-recovery cleanup of an abandoned lock),
// extended with owner metadata and a bounded busy-wait acquire.
package archivelock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agentmail-dev/agentmail/internal/apierr"
)

const (
	lockFileName  = ".archive.lock"
	ownerFileName = ".archive.lock.owner"
	pollInterval  = 100 * time.Millisecond

	// staleLockAge bounds how long a lock can be held before it is reclaimed
	// regardless of liveness, guarding against a holder that is alive but
	// stuck (spec §4.2).
	staleLockAge = time.Hour
)

// Owner is written alongside the lock file so a stuck lock can be
// diagnosed and, if the owning process is dead, reclaimed.
type Owner struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	Agent     string    `json:"agent"`
	Timestamp time.Time `json:"timestamp"`
}

// Lock guards a single project directory. Not re-entrant: a held Lock
// must be Released before it is acquired again by the same process.
type Lock struct {
	dir        string
	lockPath   string
	ownerPath  string
	held       bool
}

func New(projectDir string) *Lock {
	return &Lock{
		dir:       projectDir,
		lockPath:  filepath.Join(projectDir, lockFileName),
		ownerPath: filepath.Join(projectDir, ownerFileName),
	}
}

// Acquire busy-waits in pollInterval increments until the lock is free,
// the owning process is found dead (and the lock reclaimed), or ctx's
// deadline elapses, in which case it returns a LockTimeout error naming
// the last observed holder pid.
func (l *Lock) Acquire(ctx context.Context, agentName string) error {
	if l.held {
		return nil
	}
	for {
		ok, holderPID, err := l.tryAcquire(agentName)
		if err != nil {
			return err
		}
		if ok {
			l.held = true
			return nil
		}
		select {
		case <-ctx.Done():
			return apierr.LockTimeout(holderPID)
		case <-time.After(pollInterval):
		}
	}
}

func (l *Lock) tryAcquire(agentName string) (ok bool, holderPID int, err error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return false, 0, apierr.Wrap("mkdir archive dir", apierr.KindGit, err)
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return false, 0, apierr.Wrap("create archive lock", apierr.KindGit, err)
		}
		owner, rerr := l.readOwner()
		if rerr != nil {
			// owner file missing or unreadable: treat the lock as orphaned
			l.forceClear()
			return false, 0, nil
		}
		if !l.isStale(*owner) {
			return false, owner.PID, nil
		}
		// holder is stale (dead on this host, or past staleLockAge); reclaim
		l.forceClear()
		return false, owner.PID, nil
	}
	defer f.Close()

	hostname, _ := os.Hostname()
	owner := Owner{PID: os.Getpid(), Hostname: hostname, Agent: agentName, Timestamp: time.Now()}
	data, merr := json.Marshal(owner)
	if merr != nil {
		return false, 0, apierr.Wrap("marshal lock owner", apierr.KindInternal, merr)
	}
	if werr := os.WriteFile(l.ownerPath, data, 0o644); werr != nil {
		return false, 0, apierr.Wrap("write lock owner", apierr.KindGit, werr)
	}
	return true, 0, nil
}

// isStale reports whether owner's lock may be reclaimed: either its
// timestamp is older than staleLockAge, or it was recorded on this host and
// its PID is no longer alive. A lock recorded on a different host is never
// presumed dead from a PID check alone, since PID numbers are only
// meaningful within the host that assigned them.
func (l *Lock) isStale(owner Owner) bool {
	if time.Since(owner.Timestamp) > staleLockAge {
		return true
	}
	hostname, err := os.Hostname()
	if err == nil && owner.Hostname != "" && owner.Hostname != hostname {
		return false
	}
	return !processAlive(owner.PID)
}

func (l *Lock) readOwner() (*Owner, error) {
	data, err := os.ReadFile(l.ownerPath)
	if err != nil {
		return nil, err
	}
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (l *Lock) forceClear() {
	os.Remove(l.lockPath)
	os.Remove(l.ownerPath)
}

// Release is a no-op if the lock is not held by this Lock value.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
		return apierr.Wrap("release archive lock", apierr.KindGit, err)
	}
	os.Remove(l.ownerPath)
	return nil
}

// processAlive reports whether pid names a live process, using the
// standard Unix signal-0 liveness probe (sending signal 0 performs
// error checking without actually delivering a signal).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	return true
}

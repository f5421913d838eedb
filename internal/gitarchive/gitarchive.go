// Package gitarchive implements the dual-write archive mirror (spec §4.4,
// §6, §9 "archive vs truth"): every committed message is also rendered to
// a markdown file under a per-project git working tree and committed.
// SQL is the source of truth; a failure here is logged and surfaced as a
// response warning, never rolled back.
package gitarchive

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/agentmail-dev/agentmail/internal/apierr"
	"github.com/agentmail-dev/agentmail/internal/archivelock"
	"github.com/agentmail-dev/agentmail/internal/markdown"
	"github.com/agentmail-dev/agentmail/internal/message"
	"github.com/agentmail-dev/agentmail/internal/repocache"
)

const lockTimeout = 5 * time.Second

// Archiver satisfies message.Archiver. Its root is the directory passed to
// New (the server passes $DATA_DIR/archive); each project gets its own
// subdirectory, projects/<slug>, and its own lock (archive writes across
// different projects never contend with each other).
type Archiver struct {
	root  string
	repos *repocache.Cache
	log   *slog.Logger
}

func New(root string, repos *repocache.Cache, log *slog.Logger) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{root: root, repos: repos, log: log}
}

var _ message.Archiver = (*Archiver)(nil)

func (a *Archiver) projectDir(slug string) string {
	return filepath.Join(a.root, "projects", slug)
}

// ArchiveMessage renders and commits a message file plus per-recipient
// mailbox links. Errors are wrapped as apierr.ArchiveWriteFailed so the
// caller can surface them as a non-fatal response warning.
func (a *Archiver) ArchiveMessage(ctx context.Context, projectSlug string, msg *message.Message, senderName string, to, cc []string) error {
	dir := a.projectDir(projectSlug)
	if _, err := a.repos.Open(ctx, dir); err != nil {
		return apierr.ArchiveWriteFailed(err.Error())
	}

	lock := archivelock.New(dir)
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	if err := lock.Acquire(lockCtx, senderName); err != nil {
		return apierr.ArchiveWriteFailed(err.Error())
	}
	defer lock.Release()

	relPath, err := a.writeMessageFile(dir, msg, senderName, to, cc)
	if err != nil {
		return apierr.ArchiveWriteFailed(err.Error())
	}

	mailboxPaths, err := a.writeMailboxLinks(dir, msg, senderName, to, cc)
	if err != nil {
		return apierr.ArchiveWriteFailed(err.Error())
	}

	paths := append([]string{relPath}, mailboxPaths...)
	if err := commitFiles(ctx, dir, paths, fmt.Sprintf("msg:%d from %s", msg.ID, senderName)); err != nil {
		a.log.Warn("archive commit failed", "project", projectSlug, "message_id", msg.ID, "error", err)
		return apierr.ArchiveWriteFailed(err.Error())
	}
	return nil
}

func (a *Archiver) writeMessageFile(dir string, msg *message.Message, senderName string, to, cc []string) (string, error) {
	fm := markdown.FrontMatter{
		ID: msg.ID, ThreadID: msg.ThreadID, Sender: senderName,
		To: to, CC: cc, Importance: string(msg.Importance), CreatedTS: msg.CreatedTS,
	}
	rendered, err := markdown.Render(fm, msg.Subject, msg.BodyMD)
	if err != nil {
		return "", err
	}

	relPath := filepath.Join("messages",
		msg.CreatedTS.Format("2006"), msg.CreatedTS.Format("01"),
		fmt.Sprintf("%d__%s__%d.md", msg.CreatedTS.Unix(), markdown.Slugify(msg.Subject), msg.ID))
	fullPath := filepath.Join(dir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(fullPath, []byte(rendered), 0o644); err != nil {
		return "", err
	}
	return relPath, nil
}

func (a *Archiver) writeMailboxLinks(dir string, msg *message.Message, senderName string, to, cc []string) ([]string, error) {
	var paths []string

	outboxRel := filepath.Join("mailboxes", senderName, "outbox", fmt.Sprintf("%d.md", msg.ID))
	if err := a.writeLink(dir, outboxRel, msg); err != nil {
		return nil, err
	}
	paths = append(paths, outboxRel)

	recipients := append(append([]string{}, to...), cc...)
	for _, name := range recipients {
		rel := filepath.Join("mailboxes", name, "inbox", fmt.Sprintf("%d.md", msg.ID))
		if err := a.writeLink(dir, rel, msg); err != nil {
			return nil, err
		}
		paths = append(paths, rel)
	}
	return paths, nil
}

// AgentProfile is the agents/<name>/profile.json payload (spec §6).
type AgentProfile struct {
	Name            string    `json:"name"`
	Program         string    `json:"program"`
	Model           string    `json:"model"`
	TaskDescription string    `json:"task_description"`
	ContactPolicy   string    `json:"contact_policy"`
	LastActiveTS    time.Time `json:"last_active_ts"`
}

// ArchiveAgentProfile mirrors an agent's current profile to
// agents/<name>/profile.json, overwriting the previous snapshot. The
// register_agent tool calls it after each registration; no other activity
// refreshes the file.
func (a *Archiver) ArchiveAgentProfile(ctx context.Context, projectSlug string, p AgentProfile) error {
	dir := a.projectDir(projectSlug)
	if _, err := a.repos.Open(ctx, dir); err != nil {
		return apierr.ArchiveWriteFailed(err.Error())
	}

	lock := archivelock.New(dir)
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	if err := lock.Acquire(lockCtx, p.Name); err != nil {
		return apierr.ArchiveWriteFailed(err.Error())
	}
	defer lock.Release()

	relPath := filepath.Join("agents", p.Name, "profile.json")
	if err := writeJSONFile(dir, relPath, p); err != nil {
		return apierr.ArchiveWriteFailed(err.Error())
	}
	if err := commitFiles(ctx, dir, []string{relPath}, fmt.Sprintf("agent:%s profile", p.Name)); err != nil {
		a.log.Warn("archive commit failed", "project", projectSlug, "agent", p.Name, "error", err)
		return apierr.ArchiveWriteFailed(err.Error())
	}
	return nil
}

// ReservationRecord is the file_reservations/<sha1>.json payload (spec §6),
// keyed by the sha1 of its path pattern so repeated reservations on the
// same path overwrite a single stable file rather than accumulating one
// per call.
type ReservationRecord struct {
	ID          int64      `json:"id"`
	AgentName   string     `json:"agent_name"`
	PathPattern string     `json:"path_pattern"`
	Exclusive   bool       `json:"exclusive"`
	Reason      string     `json:"reason"`
	CreatedTS   time.Time  `json:"created_ts"`
	ExpiresTS   time.Time  `json:"expires_ts"`
	ReleasedTS  *time.Time `json:"released_ts,omitempty"`
}

// ArchiveReservation mirrors a reservation's current state to
// file_reservations/<sha1-of-path-pattern>.json. Called on grant, release,
// force-release, and renew so the file always reflects the holder/expiry
// SQL currently has, without keeping a full history of past holders.
func (a *Archiver) ArchiveReservation(ctx context.Context, projectSlug string, r ReservationRecord) error {
	dir := a.projectDir(projectSlug)
	if _, err := a.repos.Open(ctx, dir); err != nil {
		return apierr.ArchiveWriteFailed(err.Error())
	}

	lock := archivelock.New(dir)
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	if err := lock.Acquire(lockCtx, r.AgentName); err != nil {
		return apierr.ArchiveWriteFailed(err.Error())
	}
	defer lock.Release()

	relPath := filepath.Join("file_reservations", reservationFileName(r.PathPattern))
	if err := writeJSONFile(dir, relPath, r); err != nil {
		return apierr.ArchiveWriteFailed(err.Error())
	}
	verb := "reserved"
	if r.ReleasedTS != nil {
		verb = "released"
	}
	if err := commitFiles(ctx, dir, []string{relPath}, fmt.Sprintf("reservation:%d %s by %s", r.ID, verb, r.AgentName)); err != nil {
		a.log.Warn("archive commit failed", "project", projectSlug, "reservation_id", r.ID, "error", err)
		return apierr.ArchiveWriteFailed(err.Error())
	}
	return nil
}

func reservationFileName(pathPattern string) string {
	sum := sha1.Sum([]byte(pathPattern))
	return fmt.Sprintf("%x.json", sum)
}

func writeJSONFile(dir, rel string, v any) error {
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(full, append(b, '\n'), 0o644)
}

// writeLink writes a tiny marker file (not a symlink: git archive mirrors
// are expected to be portable to non-POSIX checkouts too) pointing at the
// canonical message file.
func (a *Archiver) writeLink(dir, rel string, msg *message.Message) error {
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	target := filepath.Join("messages",
		msg.CreatedTS.Format("2006"), msg.CreatedTS.Format("01"),
		fmt.Sprintf("%d__%s__%d.md", msg.CreatedTS.Unix(), markdown.Slugify(msg.Subject), msg.ID))
	return os.WriteFile(full, []byte(target+"\n"), 0o644)
}

func commitFiles(ctx context.Context, dir string, relPaths []string, message string) error {
	args := append([]string{"-C", dir, "add"}, relPaths...)
	if out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("git add: %w: %s", err, out)
	}
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "commit",
		"--allow-empty-message", "--no-gpg-sign", "-m", message)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=agentmail", "GIT_AUTHOR_EMAIL=agentmail@localhost",
		"GIT_COMMITTER_NAME=agentmail", "GIT_COMMITTER_EMAIL=agentmail@localhost")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git commit: %w: %s", err, out)
	}
	return nil
}

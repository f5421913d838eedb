// Package guard renders and installs the pre-commit/pre-push hook scripts
// that consult the reservation engine's check endpoint before allowing a
// commit to land (spec §4.7). Grounded in teacher internal/hooks's
// Manager shape (NewManager/HooksDir/Status/Install/Uninstall,
// findGitRoot, generateHookScript, the NTM_MANAGED_HOOK marker convention)
// — renamed to the two hook types this service actually renders and
// rewritten to call a mail-service HTTP endpoint instead of shelling to
// the ntm binary.
package guard

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type HookType string

const (
	HookPreCommit HookType = "pre-commit"
	HookPrePush   HookType = "pre-push"
)

const managedMarker = "AGENTMAIL_MANAGED_HOOK"

var (
	ErrNotGitRepo       = errors.New("guard: not a git repository")
	ErrHookExists       = errors.New("guard: a foreign hook already exists")
	ErrHookNotInstalled = errors.New("guard: hook is not installed")
)

// Manager installs/uninstalls hook scripts into a single repository's
// effective hooks directory (respecting core.hooksPath).
type Manager struct {
	repoRoot string
	hooksDir string
}

func NewManager(repoRoot string) (*Manager, error) {
	root, err := findGitRoot(repoRoot)
	if err != nil {
		return nil, err
	}
	hooksDir, err := effectiveHooksDir(root)
	if err != nil {
		return nil, err
	}
	return &Manager{repoRoot: root, hooksDir: hooksDir}, nil
}

func (m *Manager) RepoRoot() string { return m.repoRoot }
func (m *Manager) HooksDir() string { return m.hooksDir }

type HookInfo struct {
	Type      HookType
	Installed bool
	IsManaged bool
	HasBackup bool
}

func (m *Manager) Status(t HookType) (HookInfo, error) {
	path := filepath.Join(m.hooksDir, string(t))
	info := HookInfo{Type: t}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, err
	}
	info.Installed = true
	info.IsManaged = isManagedHook(string(content))
	if _, err := os.Stat(path + ".backup"); err == nil {
		info.HasBackup = true
	}
	return info, nil
}

func (m *Manager) ListAll() ([]HookInfo, error) {
	var out []HookInfo
	for _, t := range []HookType{HookPreCommit, HookPrePush} {
		info, err := m.Status(t)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Install writes the rendered hook script. If a foreign (non-managed)
// hook already exists, it is backed up only when force is set; otherwise
// ErrHookExists is returned.
func (m *Manager) Install(t HookType, serverURL string, mode, force bool) error {
	path := filepath.Join(m.hooksDir, string(t))
	if content, err := os.ReadFile(path); err == nil {
		if !isManagedHook(string(content)) {
			if !force {
				return ErrHookExists
			}
			if err := os.WriteFile(path+".backup", content, 0o755); err != nil {
				return err
			}
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	script, err := generateHookScript(t, serverURL)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.hooksDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(script), 0o755)
}

// Uninstall removes a managed hook, optionally restoring a prior backup.
func (m *Manager) Uninstall(t HookType, restore bool) error {
	path := filepath.Join(m.hooksDir, string(t))
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrHookNotInstalled
		}
		return err
	}
	if !isManagedHook(string(content)) {
		return fmt.Errorf("guard: refusing to remove foreign hook at %s", path)
	}

	backupPath := path + ".backup"
	if restore {
		if backup, err := os.ReadFile(backupPath); err == nil {
			if err := os.WriteFile(path, backup, 0o755); err != nil {
				return err
			}
			os.Remove(backupPath)
			return nil
		}
	}
	return os.Remove(path)
}

func isManagedHook(content string) bool {
	return strings.Contains(content, managedMarker)
}

// generateHookScript renders the shell script for t. The script itself
// implements the server-unreachable fail-open and BYPASS short-circuit
// described in spec §4.7; it is plain POSIX sh so it runs without any
// language runtime installed in the repo.
func generateHookScript(t HookType, serverURL string) (string, error) {
	switch t {
	case HookPreCommit:
		return preCommitScript(serverURL), nil
	case HookPrePush:
		return prePushScript(serverURL), nil
	default:
		return "", fmt.Errorf("guard: unsupported hook type %q", t)
	}
}

func preCommitScript(serverURL string) string {
	return fmt.Sprintf(`#!/bin/sh
# %s
set -eu
if [ -n "${BYPASS:-}" ]; then exit 0; fi
if [ "${AGENT_MAIL_GUARD_MODE:-warn}" = "bypass" ]; then exit 0; fi

agent="${AGENT_MAIL_AGENT_NAME:-unknown}"
paths=$(git diff --cached --name-only --diff-filter=ACMR)
if [ -z "$paths" ]; then exit 0; fi

payload=$(printf '%%s\n' "$paths" | awk 'BEGIN{printf "["} {printf "%%s\"%%s\"", sep, $0; sep=","} END{printf "]"}')
body=$(printf '{"requesting_agent":"%%s","candidate_paths":%%s}' "$agent" "$payload")

response=$(curl -fsS -m 5 -X POST "%s/api/file_reservations/check" \
  -H 'content-type: application/json' -d "$body" 2>/dev/null) || {
  echo "agentmail: guard server unreachable, allowing commit" >&2
  exit 0
}

conflicts=$(printf '%%s' "$response" | grep -c '"path"' || true)
if [ "$conflicts" -gt 0 ]; then
  echo "agentmail: reservation conflicts detected:" >&2
  echo "$response" >&2
  if [ "${AGENT_MAIL_GUARD_MODE:-warn}" = "enforce" ]; then
    exit 1
  fi
fi
exit 0
`, managedMarker, serverURL)
}

func prePushScript(serverURL string) string {
	return fmt.Sprintf(`#!/bin/sh
# %s
set -eu
if [ -n "${BYPASS:-}" ]; then exit 0; fi
if [ "${AGENT_MAIL_GUARD_MODE:-warn}" = "bypass" ]; then exit 0; fi

agent="${AGENT_MAIL_AGENT_NAME:-unknown}"
while read -r local_ref local_sha remote_ref remote_sha; do
  if [ "$local_sha" = "0000000000000000000000000000000000000000" ]; then continue; fi
  paths=$(git diff --name-only "$remote_sha..$local_sha" 2>/dev/null || true)
  if [ -z "$paths" ]; then continue; fi

  payload=$(printf '%%s\n' "$paths" | awk 'BEGIN{printf "["} {printf "%%s\"%%s\"", sep, $0; sep=","} END{printf "]"}')
  body=$(printf '{"requesting_agent":"%%s","candidate_paths":%%s}' "$agent" "$payload")

  response=$(curl -fsS -m 5 -X POST "%s/api/file_reservations/check" \
    -H 'content-type: application/json' -d "$body" 2>/dev/null) || {
    echo "agentmail: guard server unreachable, allowing push" >&2
    continue
  }

  conflicts=$(printf '%%s' "$response" | grep -c '"path"' || true)
  if [ "$conflicts" -gt 0 ]; then
    echo "agentmail: reservation conflicts detected for push of $local_ref:" >&2
    echo "$response" >&2
    if [ "${AGENT_MAIL_GUARD_MODE:-warn}" = "enforce" ]; then
      exit 1
    fi
  fi
done
exit 0
`, managedMarker, serverURL)
}

func findGitRoot(start string) (string, error) {
	out, err := exec.Command("git", "-C", start, "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return "", ErrNotGitRepo
	}
	return strings.TrimSpace(string(out)), nil
}

// effectiveHooksDir resolves core.hooksPath if set (relative paths are
// resolved against the repo root), falling back to .git/hooks.
func effectiveHooksDir(root string) (string, error) {
	out, err := exec.Command("git", "-C", root, "config", "--get", "core.hooksPath").Output()
	if err == nil {
		hp := strings.TrimSpace(string(out))
		if hp != "" {
			if filepath.IsAbs(hp) {
				return hp, nil
			}
			return filepath.Join(root, hp), nil
		}
	}
	return filepath.Join(root, ".git", "hooks"), nil
}

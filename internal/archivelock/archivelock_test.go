package archivelock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireRelease_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := l.Acquire(ctx, "BlueMountain"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); err != nil {
		t.Errorf("expected lock file to exist: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); !os.IsNotExist(err) {
		t.Error("expected lock file removed after release")
	}
}

func TestAcquire_TimesOutWhenHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	holder := New(dir)
	ctx := context.Background()
	if err := holder.Acquire(ctx, "BlueMountain"); err != nil {
		t.Fatalf("holder acquire: %v", err)
	}
	defer holder.Release()

	waiter := New(dir)
	waitCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := waiter.Acquire(waitCtx, "GreenCastle"); err == nil {
		t.Error("expected timeout while lock is held by a live process")
	}
}

func TestAcquire_ReclaimsStaleLockFromDeadProcess(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, lockFileName)
	ownerPath := filepath.Join(dir, ownerFileName)

	if err := os.WriteFile(lockPath, []byte{}, 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	// PID 999999 is extremely unlikely to be alive in any test environment.
	if err := os.WriteFile(ownerPath, []byte(`{"pid":999999,"hostname":"x","agent":"dead","timestamp":"2020-01-01T00:00:00Z"}`), 0o644); err != nil {
		t.Fatalf("seed owner: %v", err)
	}

	l := New(dir)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Acquire(ctx, "GreenCastle"); err != nil {
		t.Fatalf("expected reclaim of stale lock, got: %v", err)
	}
}

func TestAcquire_WaitsOutLockHeldByLiveProcessOnForeignHost(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, lockFileName)
	ownerPath := filepath.Join(dir, ownerFileName)

	if err := os.WriteFile(lockPath, []byte{}, 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	// Owner PID matches this test process, so a host-blind liveness check
	// would find it alive; only the foreign hostname should prevent reclaim.
	owner := Owner{PID: os.Getpid(), Hostname: "some-other-machine", Agent: "BlueMountain", Timestamp: time.Now()}
	data, err := json.Marshal(owner)
	if err != nil {
		t.Fatalf("marshal owner: %v", err)
	}
	if err := os.WriteFile(ownerPath, data, 0o644); err != nil {
		t.Fatalf("seed owner: %v", err)
	}

	l := New(dir)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "GreenCastle"); err == nil {
		t.Error("expected timeout: a foreign-host owner must never be presumed dead from a local PID match")
	}
}

func TestAcquire_ReclaimsLockPastStaleAgeEvenWhenOwnerIsAlive(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, lockFileName)
	ownerPath := filepath.Join(dir, ownerFileName)

	if err := os.WriteFile(lockPath, []byte{}, 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		t.Fatalf("hostname: %v", err)
	}
	// Owner is this very process on this very host, so it is genuinely
	// alive; only its age should force reclamation.
	owner := Owner{PID: os.Getpid(), Hostname: hostname, Agent: "BlueMountain", Timestamp: time.Now().Add(-2 * time.Hour)}
	data, err := json.Marshal(owner)
	if err != nil {
		t.Fatalf("marshal owner: %v", err)
	}
	if err := os.WriteFile(ownerPath, data, 0o644); err != nil {
		t.Fatalf("seed owner: %v", err)
	}

	l := New(dir)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Acquire(ctx, "GreenCastle"); err != nil {
		t.Fatalf("expected reclaim of an owner past staleLockAge, got: %v", err)
	}
}

func TestRelease_NoopWhenNotHeld(t *testing.T) {
	l := New(t.TempDir())
	if err := l.Release(); err != nil {
		t.Errorf("release on unheld lock should be a no-op, got: %v", err)
	}
}

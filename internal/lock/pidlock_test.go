package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestPathFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		db   string
		want string
	}{
		{"/var/lib/sharegate/state.db", "/var/lib/sharegate/state.pid"},
		{"data/sharegate.sqlite3", "data/sharegate.pid"},
		{"noext", "noext.pid"},
	}
	for _, tt := range tests {
		if got := PathFor(tt.db); got != tt.want {
			t.Errorf("PathFor(%q) = %q, want %q", tt.db, got, tt.want)
		}
	}
}

func TestAcquirePIDLockBesideDatabase(t *testing.T) {
	t.Parallel()

	lockPath := PathFor(filepath.Join(t.TempDir(), "nested", "state.db"))
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.TrimSpace(string(b)); got != strconv.Itoa(os.Getpid()) {
		t.Fatalf("lock file holds %q, want our PID", got)
	}

	if _, err := AcquirePIDLock(lockPath); !errors.Is(err, ErrLocked) {
		t.Fatalf("second acquire: got %v, want ErrLocked", err)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	_ = again.Release()
}

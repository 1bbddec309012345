package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestSafeJoin(t *testing.T) {
	root := "/repo"

	tests := []struct {
		name    string
		rel     string
		wantErr error
	}{
		{"simple file", "main.go", nil},
		{"nested path", "internal/api/server.go", nil},
		{"dot path", "./main.go", nil},
		{"double dot in name", "file..go", nil},
		{"parent escape", "../etc/passwd", ErrPathEscape},
		{"hidden parent escape", "src/../../etc/passwd", ErrPathEscape},
		{"absolute", "/etc/passwd", ErrAbsolutePath},
		{"null byte", "a\x00.go", ErrInvalidPath},
		{"empty path", "", ErrInvalidPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SafeJoin(root, tt.rel)
			if err != tt.wantErr {
				t.Errorf("SafeJoin(%q, %q) error = %v, want %v", root, tt.rel, err, tt.wantErr)
			}
		})
	}
}

func TestSafeJoinReturnsAbsolutePath(t *testing.T) {
	got, err := SafeJoin("/repo", "src/main.go")
	if err != nil {
		t.Fatalf("SafeJoin failed: %v", err)
	}
	want, _ := filepath.Abs("/repo/src/main.go")
	if got != want {
		t.Errorf("SafeJoin = %q, want %q", got, want)
	}
}

func TestRel(t *testing.T) {
	got, err := Rel("/repo", "/repo/src/a.go")
	if err != nil || got != "src/a.go" {
		t.Errorf("Rel = %q, %v", got, err)
	}
	if _, err := Rel("/repo", "/other/a.go"); err != ErrPathEscape {
		t.Errorf("Rel outside root error = %v, want %v", err, ErrPathEscape)
	}
}

func TestIsWithinReal(t *testing.T) {
	root := t.TempDir()
	within, err := IsWithinReal(root, filepath.Join(root, "nested", "file.go"))
	if err != nil {
		t.Fatalf("IsWithinReal returned error: %v", err)
	}
	if !within {
		t.Fatalf("expected path to be within root")
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	if _, err := Resolve(root, "link/escape.go"); err != ErrPathEscape {
		t.Fatalf("Resolve error = %v, want %v", err, ErrPathEscape)
	}
	if _, err := Resolve(root, "plain/new.go"); err != nil {
		t.Fatalf("Resolve of a new nested file failed: %v", err)
	}
}

func TestLockUnlock(t *testing.T) {
	root := t.TempDir()

	if err := Lock(root); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	data, err := os.ReadFile(lockPath(root))
	if err != nil {
		t.Fatalf("lock file not created: %v", err)
	}
	if pid, _ := strconv.Atoi(string(data)); pid != os.Getpid() {
		t.Errorf("lock PID = %d, want %d", pid, os.Getpid())
	}
	if IsLocked(root) {
		t.Error("own lock should not count as locked")
	}

	if err := Unlock(root); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if _, err := os.Stat(lockPath(root)); !os.IsNotExist(err) {
		t.Error("lock file still exists after Unlock")
	}
	if err := Unlock(root); err != nil {
		t.Errorf("second Unlock should be a no-op, got %v", err)
	}
}

func TestStaleLockTakenOver(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(lockPath(root), []byte("999999999"), 0644)

	if IsLocked(root) {
		t.Error("dead PID should not hold the lock")
	}
	if _, err := os.Stat(lockPath(root)); !os.IsNotExist(err) {
		t.Error("stale lock file not removed")
	}
	if err := Lock(root); err != nil {
		t.Fatalf("Lock after stale lock failed: %v", err)
	}
	Unlock(root)
}

func TestLockHeldByLiveProcess(t *testing.T) {
	root := t.TempDir()
	// The parent of the test binary is alive for the duration of the test.
	ppid := os.Getppid()
	if ppid <= 1 {
		t.Skip("no usable parent process")
	}
	os.WriteFile(lockPath(root), []byte(strconv.Itoa(ppid)), 0644)

	err := Lock(root)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("Lock error = %v, want ErrLocked", err)
	}
}

func TestCorruptLockRemoved(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(lockPath(root), []byte("not-a-pid"), 0644)
	if IsLocked(root) {
		t.Error("corrupt lock should not count as locked")
	}
}

func TestHashContent(t *testing.T) {
	a := HashContent("package main")
	if len(a) != 32 {
		t.Errorf("len(HashContent) = %d, want 32", len(a))
	}
	if a != HashContent("package main") {
		t.Error("HashContent not stable")
	}
	if a == HashContent("package main\n") {
		t.Error("different content should hash differently")
	}
}

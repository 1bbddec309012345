package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockName is the lock file created in a workspace root while a change set
// is being written.
const LockName = ".patchwork.lock"

// ErrLocked is returned when another live process holds the workspace lock.
var ErrLocked = errors.New("workspace is locked by another process")

func lockPath(root string) string {
	return filepath.Join(root, LockName)
}

// Lock creates the lock file holding the current PID. A lock left by a dead
// process is taken over.
func Lock(root string) error {
	if pid := holder(lockPath(root)); pid != 0 {
		return fmt.Errorf("%w (pid %d)", ErrLocked, pid)
	}
	return os.WriteFile(lockPath(root), []byte(strconv.Itoa(os.Getpid())), 0644)
}

// Unlock removes the lock file. A missing file is not an error.
func Unlock(root string) error {
	err := os.Remove(lockPath(root))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsLocked reports whether another live process holds the lock.
func IsLocked(root string) bool {
	return holder(lockPath(root)) != 0
}

// holder returns the PID of a live process other than this one that holds
// the lock, or 0. Stale and corrupt lock files are removed.
func holder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		os.Remove(path)
		return 0
	}
	if pid == os.Getpid() {
		return 0
	}
	if !alive(pid) {
		os.Remove(path)
		return 0
	}
	return pid
}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence.
	return proc.Signal(syscall.Signal(0)) == nil
}

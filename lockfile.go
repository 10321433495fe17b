package litecask

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// lockFileName is the sentinel file spec.md §6 places at the store root
// to reject concurrent openers.
const lockFileName = "lockfile"

// acquireLock creates dbPath/lockfile exclusively and writes the current
// PID into it (SPEC_FULL §4). If the file already exists, its PID is
// checked for liveness, so the PID decides whether an existing lockfile
// means StoreAlreadyInUse: a stale lock left by a
// crashed process is reclaimed silently, a live one yields
// StatusStoreAlreadyInUse.
func acquireLock(dbPath string) (string, Status) {
	path := filepath.Join(dbPath, lockFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return "", StatusCannotOpenStore
		}
		if pid, ok := readLockPID(path); ok && pidIsAlive(pid) {
			return "", StatusStoreAlreadyInUse
		}
		// Stale lock: the owning process is gone. Reclaim it.
		if err := os.Remove(path); err != nil {
			return "", StatusCannotOpenStore
		}
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return "", StatusStoreAlreadyInUse
		}
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		return "", StatusBadDiskAccess
	}
	return path, StatusOk
}

func releaseLock(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

func readLockPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidIsAlive signals a process by 0, which performs the existence check
// without actually delivering anything.
func pidIsAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}

func lockfileDiagnostic(path string) string {
	pid, ok := readLockPID(path)
	if !ok {
		return fmt.Sprintf("lockfile %s present, owner unknown", path)
	}
	return fmt.Sprintf("lockfile %s held by pid %d", path, pid)
}

package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
)

// LockFileName is the run-lock artifact inside the vault
const LockFileName = ".taskvault.lock"

// RunLock guarantees a single concurrent cycle per vault
type RunLock struct {
	path string
}

// AcquireLock takes the run lock for a vault. The lock file holds the
// owning PID; a lock left by a dead process is broken and re-acquired.
func AcquireLock(vaultDir string) (*RunLock, error) {
	path := filepath.Join(vaultDir, LockFileName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &RunLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create run lock: %w", err)
		}

		pid, rerr := readLockPID(path)
		if rerr == nil && pid > 0 {
			alive, perr := process.PidExists(int32(pid))
			if perr == nil && alive {
				return nil, fmt.Errorf("vault locked by running process %d", pid)
			}
		}

		// Stale or unreadable lock from a dead process
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("break stale run lock: %w", err)
		}
	}
	return nil, fmt.Errorf("could not acquire run lock at %s", path)
}

// Release removes the lock file
func (l *RunLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// CheckDisk fails the cycle before any write when the vault's volume is
// nearly full. The error message carries the critical-class marker so
// the taxonomy routes it to tier 3.
func CheckDisk(vaultDir string, limitPct float64) error {
	usage, err := disk.Usage(vaultDir)
	if err != nil {
		return fmt.Errorf("disk preflight: %w", err)
	}
	if usage.UsedPercent >= limitPct {
		return fmt.Errorf("disk exhaustion: %s is %.1f%% used (limit %.1f%%)",
			vaultDir, usage.UsedPercent, limitPct)
	}
	return nil
}

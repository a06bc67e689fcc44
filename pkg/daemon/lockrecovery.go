package daemon

import (
	"os"
	"path/filepath"

	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// RecoverFromStaleDaemon cleans up after a daemon that died without removing
// its PID file, socket and badger directory locks. It returns
// ErrDaemonAlreadyRunning if the recorded process is alive.
func RecoverFromStaleDaemon(pidPath, socketPath string, dbDirs ...string) error {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		// No PID file or invalid PID means nothing to recover
		return nil //nolint:nilerr // missing/invalid PID file is not an error condition
	}

	if IsProcessRunning(pid) {
		return ErrDaemonAlreadyRunning
	}

	log := logging.Get("daemon")
	log.Warn("cleaning up stale daemon files", "stale_pid", pid)

	// Remove stale files (ignore errors - files may not exist)
	_ = os.Remove(pidPath)
	_ = os.Remove(socketPath)
	_ = os.Remove(StatusPath(socketPath))
	for _, dir := range dbDirs {
		if dir != "" {
			_ = os.Remove(filepath.Join(dir, "LOCK"))
		}
	}

	return nil
}

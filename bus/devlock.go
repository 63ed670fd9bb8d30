package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/openchassis/canbus/internal/buslog"
)

// deviceLockRetry is the interval between consecutive attempts to acquire a
// device lock. 50ms keeps the wait after the holder releases short without
// busy-polling.
const deviceLockRetry = 50 * time.Millisecond

// deviceLockTimeout bounds how long Start waits for the device lock. A CAN
// interface held by another process for longer than this is treated as a
// startup failure, not something to wait out.
const deviceLockTimeout = 2 * time.Second

// acquireDeviceLock takes an exclusive flock on a per-interface lock file
// under dir, preventing two processes from claiming the same CAN interface.
// The lock file is named after the interface with path separators flattened.
func acquireDeviceLock(dir, iface string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir %s: %w", dir, err)
	}
	name := strings.ReplaceAll(iface, string(os.PathSeparator), "_")
	lockPath := filepath.Join(dir, name+".lock")
	fl := flock.New(lockPath)

	deadline := time.Now().Add(deviceLockTimeout)
	for {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire device lock %s: %w", lockPath, err)
		}
		if locked {
			return fl, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire device lock %s: interface %s held by another process", lockPath, iface)
		}
		time.Sleep(deviceLockRetry)
	}
}

// releaseDeviceLock releases the lock and closes its file descriptor. The
// lock file is intentionally left on disk: removing it could invalidate a
// lock concurrently acquired by another process. Best-effort cleanup, errors
// are logged, not returned.
func releaseDeviceLock(fl *flock.Flock) {
	if fl == nil {
		return
	}
	if err := fl.Close(); err != nil {
		buslog.Logger().Debug("release device lock", "path", fl.Path(), "error", err)
	}
}

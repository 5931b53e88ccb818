package docstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	lockDirName   = ".ytdl-hub.lock"
	lockOwnerFile = "owner.json"
)

// ErrLocked is returned when another live service owns the data directory.
var ErrLocked = errors.New("data directory is in use")

// LockOwner identifies the service holding a data directory. Listen lets a
// second instance or the doctor point at the running API.
type LockOwner struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	Listen     string    `json:"listen,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (o LockOwner) String() string {
	s := fmt.Sprintf("pid %d on %s", o.PID, o.Hostname)
	if o.Listen != "" {
		s += " listening on " + o.Listen
	}
	return s
}

// DirLock marks a data directory as owned by one running service.
type DirLock struct {
	dir   string
	Owner LockOwner
}

// AcquireLock claims dataDir for this process. A lock left behind by a
// process on this host that no longer runs is reclaimed.
func AcquireLock(dataDir, listen string) (DirLock, error) {
	target := strings.TrimSpace(dataDir)
	if target == "" {
		return DirLock{}, errors.New("data directory is required")
	}
	if err := Mkdir(target); err != nil {
		return DirLock{}, err
	}
	owner := LockOwner{
		PID:        os.Getpid(),
		Hostname:   hostname(),
		Listen:     strings.TrimSpace(listen),
		AcquiredAt: time.Now().UTC(),
	}

	dir := filepath.Join(target, lockDirName)
	err := os.Mkdir(dir, 0o755)
	if os.IsExist(err) {
		cur, ok := readOwner(dir)
		if !ok || !cur.stale(owner.Hostname) {
			return DirLock{}, lockedError(target, cur, ok)
		}
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return DirLock{}, fmt.Errorf("reclaim stale lock of %s: %w", cur, rmErr)
		}
		err = os.Mkdir(dir, 0o755)
		if os.IsExist(err) {
			// Another instance reclaimed it first.
			cur, ok = readOwner(dir)
			return DirLock{}, lockedError(target, cur, ok)
		}
	}
	if err != nil {
		return DirLock{}, fmt.Errorf("acquire data lock for %s: %w", target, err)
	}

	if err := WriteJSON(filepath.Join(dir, lockOwnerFile), owner); err != nil {
		_ = os.RemoveAll(dir)
		return DirLock{}, fmt.Errorf("write data lock owner for %s: %w", target, err)
	}
	return DirLock{dir: dir, Owner: owner}, nil
}

// ReadLockOwner reports who holds dataDir, if anyone does.
func ReadLockOwner(dataDir string) (LockOwner, bool) {
	return readOwner(filepath.Join(dataDir, lockDirName))
}

// Release drops the lock. It is a no-op on the zero DirLock.
func (l DirLock) Release() error {
	if l.dir == "" {
		return nil
	}
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("release data lock %s: %w", l.dir, err)
	}
	return nil
}

func readOwner(dir string) (LockOwner, bool) {
	var owner LockOwner
	if err := ReadJSON(filepath.Join(dir, lockOwnerFile), &owner); err != nil || owner.PID <= 0 {
		return LockOwner{}, false
	}
	return owner, true
}

// stale is only decided for owners on this host; a remote pid says nothing.
func (o LockOwner) stale(host string) bool {
	return o.Hostname == host && o.PID != os.Getpid() && !processAlive(o.PID)
}

func lockedError(target string, owner LockOwner, known bool) error {
	if !known {
		return fmt.Errorf("%w: %s", ErrLocked, target)
	}
	return fmt.Errorf("%w: %s (%s since %s)", ErrLocked, target, owner, owner.AcquiredAt.Format(time.RFC3339))
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown"
	}
	return strings.TrimSpace(host)
}

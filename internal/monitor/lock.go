package monitor

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrAlreadyRunning means another live monitor holds the lock file.
var ErrAlreadyRunning = errors.New("another monitor is running")

// StaleAfter is how old a lock file must be before a new monitor may
// take it over from a crashed predecessor.
const StaleAfter = 5 * time.Minute

type lockPayload struct {
	PID        int   `json:"pid"`
	AcquiredAt int64 `json:"acquiredAt"`
}

// FileLock is an exclusive-create lock file holding the owner's pid and
// acquisition time.
type FileLock struct {
	path string
}

// AcquireLock takes the monitor singleton lock. A leftover file from a
// crashed monitor is taken over once it is older than StaleAfter.
func AcquireLock(path string) (*FileLock, error) {
	if err := tryCreate(path); err == nil {
		return &FileLock{path: path}, nil
	} else if !os.IsExist(err) {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// holder released between our create and read; try once more
			if cerr := tryCreate(path); cerr == nil {
				return &FileLock{path: path}, nil
			}
		}
		return nil, ErrAlreadyRunning
	}

	var payload lockPayload
	if jerr := json.Unmarshal(raw, &payload); jerr == nil && payload.AcquiredAt > 0 {
		age := time.Since(time.UnixMilli(payload.AcquiredAt))
		if age < StaleAfter {
			return nil, ErrAlreadyRunning
		}
		log.Warn().
			Int("stale_pid", payload.PID).
			Dur("age", age).
			Msg("taking over stale monitor lock")
	}
	// Unreadable or stale. Claim it by renaming it aside: when several
	// takers race, rename succeeds for exactly one of them, and creation
	// stays O_EXCL throughout, so a taker can never remove another
	// taker's fresh lock.
	claimed := path + ".stale"
	if rerr := os.Rename(path, claimed); rerr != nil {
		// someone else claimed it first; their exclusive create decides
		if cerr := tryCreate(path); cerr == nil {
			return &FileLock{path: path}, nil
		}
		return nil, ErrAlreadyRunning
	}
	os.Remove(claimed)
	if cerr := tryCreate(path); cerr != nil {
		return nil, ErrAlreadyRunning
	}
	return &FileLock{path: path}, nil
}

func tryCreate(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(lockPayload{
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UnixMilli(),
	})
	if _, werr := f.Write(payload); werr != nil {
		f.Close()
		os.Remove(path)
		return werr
	}
	if serr := f.Sync(); serr != nil {
		f.Close()
		os.Remove(path)
		return serr
	}
	return f.Close()
}

// Release removes the lock file. Safe to call once on shutdown.
func (l *FileLock) Release() error {
	return os.Remove(l.path)
}

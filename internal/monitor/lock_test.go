package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.lock")

	lock, err := AcquireLock(path)
	require.NoError(t, err)

	_, err = AcquireLock(path)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, lock.Release())

	again, err := AcquireLock(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestLockRecordsOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.lock")

	lock, err := AcquireLock(path)
	require.NoError(t, err)
	defer lock.Release()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var payload lockPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Equal(t, os.Getpid(), payload.PID)
	require.InDelta(t, time.Now().UnixMilli(), payload.AcquiredAt, float64(5*time.Second/time.Millisecond))
}

func TestStaleLockTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.lock")

	stale, err := json.Marshal(lockPayload{
		PID:        99999,
		AcquiredAt: time.Now().Add(-6 * time.Minute).UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, stale, 0o644))

	lock, err := AcquireLock(path)
	require.NoError(t, err, "a lock older than StaleAfter belongs to a dead monitor")
	defer lock.Release()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var payload lockPayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Equal(t, os.Getpid(), payload.PID)
}

func TestStaleLockTakenOverByExactlyOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.lock")

	stale, err := json.Marshal(lockPayload{
		PID:        99999,
		AcquiredAt: time.Now().Add(-6 * time.Minute).UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, stale, 0o644))

	const takers = 8
	results := make(chan error, takers)
	var wg sync.WaitGroup
	for i := 0; i < takers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := AcquireLock(path)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for err := range results {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, ErrAlreadyRunning)
		}
	}
	require.Equal(t, 1, won, "a stale lock admits exactly one new monitor")
}

func TestFreshLockNotTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.lock")

	fresh, err := json.Marshal(lockPayload{
		PID:        99999,
		AcquiredAt: time.Now().Add(-time.Minute).UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, fresh, 0o644))

	_, err = AcquireLock(path)
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

// Package filestore provides atomic JSON file I/O guarded by advisory
// locks. The task board, prompt library, analysis caches, and daemon
// configuration all persist through it.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentctl/agentd/pkg/log"
)

// LockOptions controls lock acquisition behavior
type LockOptions struct {
	// Retries is the number of attempts after the first try
	Retries int
	// BaseDelay is the backoff unit; actual delay is jittered
	BaseDelay time.Duration
	// StaleTTL is the age past which a held lock is reclaimed
	StaleTTL time.Duration
}

// DefaultLockOptions mirror the tuning the board writers use.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Retries:   20,
		BaseDelay: 25 * time.Millisecond,
		StaleTTL:  10 * time.Second,
	}
}

// ErrLockContended is returned when every retry found the lock held.
var ErrLockContended = errors.New("lock contended after retries")

func lockPath(path string) string {
	return path + ".lock"
}

// AcquireLock takes the advisory lock for path. The lock is a
// directory created atomically; locks older than StaleTTL are
// reclaimed, as are legacy plain-file locks.
func AcquireLock(path string, opts LockOptions) error {
	lp := lockPath(path)
	if err := os.MkdirAll(filepath.Dir(lp), 0o755); err != nil {
		return fmt.Errorf("creating lock parent: %w", err)
	}

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		err := os.Mkdir(lp, 0o755)
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock %s: %w", lp, err)
		}

		if reclaimStale(lp, opts.StaleTTL) {
			continue
		}

		if attempt == opts.Retries {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(opts.BaseDelay)))
		time.Sleep(opts.BaseDelay + jitter)
	}
	return fmt.Errorf("%w: %s", ErrLockContended, lp)
}

// reclaimStale removes the lock entry when it is older than ttl.
// Handles both the directory form and the legacy lock file.
func reclaimStale(lp string, ttl time.Duration) bool {
	info, err := os.Stat(lp)
	if err != nil {
		// Holder released between our Mkdir and Stat.
		return true
	}
	if time.Since(info.ModTime()) < ttl {
		return false
	}
	logger := log.WithComponent("filestore")
	if err := os.RemoveAll(lp); err != nil {
		logger.Warn().Err(err).Str("lock", lp).
			Msg("failed to reclaim stale lock")
		return false
	}
	logger.Warn().Str("lock", lp).
		Msg("reclaimed stale lock")
	return true
}

// ReleaseLock drops the advisory lock. Idempotent.
func ReleaseLock(path string) {
	if err := os.RemoveAll(lockPath(path)); err != nil {
		logger := log.WithComponent("filestore")
		logger.Warn().Err(err).
			Str("lock", lockPath(path)).Msg("failed to release lock")
	}
}

// AtomicWrite marshals value and replaces path atomically under the
// advisory lock. Parent directories are created on demand.
func AtomicWrite(path string, value interface{}) error {
	return AtomicWriteOpts(path, value, DefaultLockOptions())
}

// AtomicWriteOpts is AtomicWrite with explicit lock tuning.
func AtomicWriteOpts(path string, value interface{}, opts LockOptions) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", path, err)
	}

	if err := AcquireLock(path, opts); err != nil {
		return err
	}
	defer ReleaseLock(path)

	tmp := fmt.Sprintf("%s.tmp.%d.%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s over %s: %w", tmp, path, err)
	}
	return nil
}

// AtomicRead unmarshals path into out. Returns (false, nil) when the
// file is missing, empty, or unparsable: callers treat all three as
// "no value".
func AtomicRead(path string, out interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		logger := log.WithComponent("filestore")
		logger.Warn().Err(err).Str("path", path).
			Msg("unparsable JSON file, treating as absent")
		return false, nil
	}
	return true, nil
}

// BackupFile copies path to <path>.backup.v<version>.<nanos> and
// returns the new path.
func BackupFile(path string, version int) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer src.Close()

	dst := fmt.Sprintf("%s.backup.v%d.%d", path, version, time.Now().UnixNano())
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("copying to %s: %w", dst, err)
	}
	return dst, nil
}

// CleanTempFiles removes leftover temp files in dir and returns how
// many were deleted. Residue appears only after a crash mid-write.
func CleanTempFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading %s: %w", dir, err)
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), ".tmp.") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			count++
		}
	}
	return count, nil
}

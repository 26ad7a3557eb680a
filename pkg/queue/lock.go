package queue

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/daviddao/gaia/pkg/model"
)

// fileLock is an exclusive advisory lock on a sidecar file. flock locks
// belong to the open file description, so two goroutines in one process
// holding separate fileLocks exclude each other just like two processes.
type fileLock struct {
	path string
	file *os.File
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

// lock blocks until the lock is held or timeout elapses, in which case the
// error wraps model.ErrContention. A non-positive timeout tries once.
func (fl *fileLock) lock(timeout time.Duration) error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	backoff := 2 * time.Millisecond
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !time.Now().Before(deadline) {
			f.Close()
			return fmt.Errorf("%w: %s held for more than %s", model.ErrContention, fl.path, timeout)
		}
		time.Sleep(backoff)
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}

	// Record the holder for operators inspecting a stuck lock.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)
	}
	fl.file = f
	return nil
}

func (fl *fileLock) unlock() error {
	if fl.file == nil {
		return nil
	}
	defer func() { fl.file = nil }()
	if err := unix.Flock(int(fl.file.Fd()), unix.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

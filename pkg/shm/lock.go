package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const maxLockBackoff = 25 * time.Millisecond

// Lock is an advisory flock(2) on the lock file of a segment set.
//
// Segments have no lock of their own: a process creating a set takes the
// lock exclusively, processes attaching take it shared, so nobody maps a
// set while it is being replaced. Never remove the lock file while locks
// may be held.
type Lock struct {
	mu sync.Mutex
	f  *os.File
}

// LockSet locks the file at path, creating it and its directory if
// needed. It polls with backoff until timeout; a zero timeout tries once.
// It returns [ErrWouldBlock] when the lock stays busy.
func LockSet(path string, exclusive bool, timeout time.Duration) (*Lock, error) {
	if path == "" || timeout < 0 {
		return nil, fmt.Errorf("lock %q timeout %v: %w", path, timeout, ErrInvalidInput)
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond

	for {
		lk, err := tryLock(path, how)
		if err == nil {
			return lk, nil
		}

		if !errors.Is(err, ErrWouldBlock) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%s: %w", path, ErrWouldBlock)
		}

		time.Sleep(min(backoff, remaining))
		backoff = min(2*backoff, maxLockBackoff)
	}
}

func tryLock(path string, how int) (*Lock, error) {
	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	fd := int(f.Fd()) //nolint:gosec

	err = flockRetryEINTR(fd, how|unix.LOCK_NB)
	if err != nil {
		_ = f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock: %w", err)
	}

	// The file may have been replaced between open and flock; then the
	// lock guards nothing and we start over.
	same, err := sameInode(path, fd)
	if err != nil || !same {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)
		_ = f.Close()

		if err != nil {
			return nil, err
		}

		return nil, ErrWouldBlock
	}

	return &Lock{f: f}, nil
}

func sameInode(path string, fd int) (bool, error) {
	var byPath, byFd unix.Stat_t

	err := unix.Stat(path, &byPath)
	if errors.Is(err, unix.ENOENT) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("stat lock file: %w", err)
	}

	err = unix.Fstat(fd, &byFd)
	if err != nil {
		return false, fmt.Errorf("fstat lock file: %w", err)
	}

	return byPath.Dev == byFd.Dev && byPath.Ino == byFd.Ino, nil
}

func flockRetryEINTR(fd, how int) error {
	for {
		err := unix.Flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// Close releases the lock. It is safe to call more than once.
func (l *Lock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}

	unlockErr := flockRetryEINTR(int(l.f.Fd()), unix.LOCK_UN) //nolint:gosec
	closeErr := l.f.Close()
	l.f = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking: %w", unlockErr)
	}

	return errors.Join(unlockErr, closeErr)
}

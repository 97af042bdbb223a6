// Package filelock provides advisory locks on sidecar ".lock" files.
//
// Rather than locking a file directly, callers lock an adjacent file:
//
//	err := filelock.WithLock(path+".lock", filelock.Exclusive, func() error {
//		// read or write path
//	})
//
// Exclusive locks are used by writers, shared locks by readers.
package filelock

import (
	"os"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/armadaproject/hither/internal/common/hithererrors"
)

type Mode int

const (
	Shared Mode = iota
	Exclusive
)

const (
	// DefaultMaxAttempts bounds the time spent waiting for a contended lock to roughly five minutes.
	DefaultMaxAttempts = 6000
	maxBackoff         = 100 * time.Millisecond
	reportAfterTries   = 10
)

// Contention on the coordination files of a busy batch can be heavy; report it at most once a second.
var contentionLimiter = rate.NewLimiter(rate.Every(time.Second), 1)

var errWouldBlock = errors.New("lock is held by another process")

type FileLock struct {
	path        string
	mode        Mode
	maxAttempts uint
	file        *os.File
}

func New(path string, mode Mode) *FileLock {
	return &FileLock{path: path, mode: mode, maxAttempts: DefaultMaxAttempts}
}

// WithMaxAttempts sets the number of non-blocking attempts made before Lock gives up.
func (l *FileLock) WithMaxAttempts(n uint) *FileLock {
	l.maxAttempts = n
	return l
}

// Lock acquires the lock, retrying with a random backoff between 0 and 100ms while another holder has it.
// An ErrFramework is returned if the lock cannot be acquired within the attempt bound.
func (l *FileLock) Lock() error {
	if l.file != nil {
		return errors.Errorf("lock %s is already held", l.path)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening lock file %s", l.path)
	}
	how := unix.LOCK_SH
	if l.mode == Exclusive {
		how = unix.LOCK_EX
	}
	tries := 0
	err = retry.Do(
		func() error {
			tries++
			err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
			if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
				return errWouldBlock
			}
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(l.maxAttempts),
		retry.DelayType(retry.RandomDelay),
		retry.MaxJitter(maxBackoff),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return &hithererrors.ErrFramework{
				Component: "filelock",
				Message:   "timed out waiting for lock " + l.path,
			}
		}
		return errors.Wrapf(err, "locking %s", l.path)
	}
	if tries > reportAfterTries && contentionLimiter.Allow() {
		log.Debugf("Locked file %s after %d tries (exclusive=%t)", l.path, tries, l.mode == Exclusive)
	}
	l.file = f
	return nil
}

func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return errors.Wrapf(err, "unlocking %s", l.path)
	}
	return errors.WithStack(f.Close())
}

// WithLock runs fn while holding a lock on path.
func WithLock(path string, mode Mode, fn func() error) (err error) {
	l := New(path, mode)
	if err := l.Lock(); err != nil {
		return err
	}
	defer func() {
		if unlockErr := l.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}()
	return fn()
}

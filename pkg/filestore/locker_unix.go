//go:build !windows

package filestore

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// flock(2) locks belong to the open file description, so two descriptors
// in the same process exclude each other just like two processes do
type platformLocker struct{}

func (platformLocker) Lock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

func (platformLocker) Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

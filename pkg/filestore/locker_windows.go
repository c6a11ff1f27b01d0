//go:build windows

package filestore

import (
	"os"

	"golang.org/x/sys/windows"
)

// LockFileEx on the first byte, the lock file is never written so the range
// does not need to cover its content
type platformLocker struct{}

func (platformLocker) Lock(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(windows.Handle(f.Fd()), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, ol)
}

func (platformLocker) Unlock(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol)
}

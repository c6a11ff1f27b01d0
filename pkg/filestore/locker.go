package filestore

import "os"

// Locker takes and drops an exclusive advisory lock on an open file.
// The implementation is picked at build time, see locker_unix.go and
// locker_windows.go.
type Locker interface {
	Lock(f *os.File) error
	Unlock(f *os.File) error
}

// returns the locker for the platform this binary was built for
func NewLocker() Locker {
	return platformLocker{}
}

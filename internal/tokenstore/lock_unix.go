//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package tokenstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive advisory lock on the sidecar lock file so
// read-modify-write cycles from different processes do not interleave.
func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, storeFilePerm)
	if err != nil {
		return nil, unavailable("opening lock file", err)
	}

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}

	if err != nil {
		f.Close()
		return nil, unavailable("locking session file", err)
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

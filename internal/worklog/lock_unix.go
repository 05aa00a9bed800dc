//go:build unix

package worklog

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile blocks until it holds an exclusive lock on f
func lockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

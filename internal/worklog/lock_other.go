//go:build !unix

package worklog

import (
	"os"
	"sync"
)

// Without flock only writers inside this process are serialized
var processLock sync.Mutex

func lockFile(*os.File) error {
	processLock.Lock()
	return nil
}

func unlockFile(*os.File) error {
	processLock.Unlock()
	return nil
}

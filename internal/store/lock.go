package store

import (
	"math/rand"
	"time"

	"github.com/gofrs/flock"

	"github.com/kadefs/kadefs/internal/dfserr"
)

// boundedWait caps how long withFileLock retries before giving up
// (spec.md §5: "bounded wait").
const boundedWait = 30 * time.Second

// randomBackoff returns a uniform random delay in [2s, 10s), the retry
// interval spec.md §5 mandates for contended file locks.
func randomBackoff() time.Duration {
	return 2*time.Second + time.Duration(rand.Int63n(int64(8*time.Second)))
}

// withFileLock takes an exclusive lock on path (creating it if necessary)
// with bounded wait, sleeping a uniform random 2-10s between attempts
// (randomBackoff; the delay does not grow between retries), runs fn while holding
// it, and always releases it afterward. Used for the integrity-flip and
// chunk-cascade-delete paths that must not observe a torn read (spec.md
// §4.3 "Locking").
func withFileLock(path string, fn func() error) error {
	fl := flock.New(path)
	defer fl.Close()

	deadline := time.Now().Add(boundedWait)
	for {
		locked, err := fl.TryLock()
		if err != nil {
			return dfserr.Wrap(dfserr.CodeFatal, "file lock acquisition failed", err).WithContext("path", path)
		}
		if locked {
			break
		}
		if time.Now().After(deadline) {
			return dfserr.New(dfserr.CodeFatal, "timed out acquiring file lock").WithContext("path", path)
		}
		time.Sleep(randomBackoff())
	}
	defer fl.Unlock()

	return fn()
}

package driver

import "sync"

// VolumeLocks provides per-volume mutex management for serializing
// operations on individual volumes while allowing concurrent operations
// on different volumes.
type VolumeLocks struct {
	// mu protects the locks map itself
	mu sync.Mutex

	// locks maps volumeID to its mutex and the number of holders and waiters
	locks map[string]*volumeLock
}

type volumeLock struct {
	sync.Mutex
	refs int
}

// NewVolumeLocks creates a new VolumeLocks
func NewVolumeLocks() *VolumeLocks {
	return &VolumeLocks{
		locks: make(map[string]*volumeLock),
	}
}

// Lock acquires the lock for volumeID and returns the function that
// releases it
func (vl *VolumeLocks) Lock(volumeID string) func() {
	vl.mu.Lock()
	lock, exists := vl.locks[volumeID]
	if !exists {
		lock = &volumeLock{}
		vl.locks[volumeID] = lock
	}
	lock.refs++
	// Release the map lock before blocking on the volume
	vl.mu.Unlock()

	lock.Lock()

	return func() {
		lock.Unlock()

		vl.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(vl.locks, volumeID)
		}
		vl.mu.Unlock()
	}
}

// Len returns the number of volumes currently locked or waited on
func (vl *VolumeLocks) Len() int {
	vl.mu.Lock()
	defer vl.mu.Unlock()
	return len(vl.locks)
}

// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package smp

import "sync"

// refCount releases a resource exactly once, after its last reference was dropped.
//
// The creator holds the first reference. Once the count reached zero, no new references can be acquired.
type refCount struct {
	mutex    sync.Mutex
	refs     int
	released bool
	release  func()
}

func newRefCount(release func()) *refCount {
	return &refCount{refs: 1, release: release}
}

// tryAcquire a new reference, which fails for an already released resource.
func (rc *refCount) tryAcquire() bool {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	if rc.released {
		return false
	}
	rc.refs++
	return true
}

// drop a reference. The last drop calls the release function, outside the lock.
func (rc *refCount) drop() {
	rc.mutex.Lock()
	if rc.released {
		rc.mutex.Unlock()
		panic("refCount: drop after release")
	}

	rc.refs--
	last := rc.refs == 0
	if last {
		rc.released = true
	}
	rc.mutex.Unlock()

	if last {
		rc.release()
	}
}

// isReleased reports if the release function was already called.
func (rc *refCount) isReleased() bool {
	rc.mutex.Lock()
	defer rc.mutex.Unlock()
	return rc.released
}

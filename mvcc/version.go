// Package mvcc implements the snapshot and visibility bookkeeping that backs
// nitrite's transaction isolation levels.
//
// It provides:
// - Version Chains: linked lists of a key's historical values, oldest writes
//   reachable through Next, for storage layers that keep more than the
//   latest value per key.
// - Snapshots: a transaction's fixed view of which writers it can see.
// - Visibility Rules: whether a given version is visible under a snapshot's
//   isolation level.
// - Garbage Collection: reclaiming versions no snapshot can see anymore.
//
// The document engine itself uses only SnapshotManager, Snapshot and
// IsolationLevel: a Session's overlay (see transaction.go) tracks a single
// current value per key plus an undo journal rather than a full version
// chain, so Version/GarbageCollector exist here as the lower-level
// machinery a disk-resident B+Tree page version chain would consume.
package mvcc

import (
	"sync/atomic"
	"time"
)

// Timestamp represents a unique, monotonically increasing point in time.
type Timestamp uint64

// Version represents a single historical state of a record.
// Versions are linked in a reverse-chronological chain (newest first).
type Version struct {
	Timestamp Timestamp // Creation time of this version
	Data      []byte    // The actual data content
	TxnID     uint64    // ID of the transaction that created this version
	Next      *Version  // Pointer to the previous (older) version
}

// VersionManager manages timestamps and version chains
type VersionManager struct {
	currentTimestamp atomic.Uint64
}

// NewVersionManager creates a new version manager
func NewVersionManager() *VersionManager {
	vm := &VersionManager{}
	// Initialize with current Unix nanosecond timestamp
	vm.currentTimestamp.Store(uint64(time.Now().UnixNano()))
	return vm
}

// NewTimestamp generates a new unique timestamp
func (vm *VersionManager) NewTimestamp() Timestamp {
	// Atomically increment and return
	ts := vm.currentTimestamp.Add(1)
	return Timestamp(ts)
}

// GetCurrentTimestamp returns the current timestamp without incrementing
func (vm *VersionManager) GetCurrentTimestamp() Timestamp {
	return Timestamp(vm.currentTimestamp.Load())
}

// CreateVersion creates a new version with the given data
func (vm *VersionManager) CreateVersion(data []byte, txnID uint64) *Version {
	return &Version{
		Timestamp: vm.NewTimestamp(),
		Data:      data,
		TxnID:     txnID,
		Next:      nil,
	}
}

// AddVersion adds a new version to the front of a version chain
func (vm *VersionManager) AddVersion(head *Version, newVersion *Version) *Version {
	newVersion.Next = head
	return newVersion
}

// FindVersion finds the appropriate version for a given snapshot
// Returns the most recent version that is visible to the snapshot
func FindVersion(head *Version, snapshot *Snapshot) *Version {
	current := head

	for current != nil {
		// Check if this version is visible to the snapshot
		if snapshot.IsVisible(current) {
			return current
		}
		current = current.Next
	}

	return nil // No visible version found
}

// GarbageCollect removes old versions that are no longer needed.
// It keeps every version newer than oldestActiveSnapshot plus the newest
// version at or before it (the one the oldest snapshot reads), and drops
// everything older than that.
func GarbageCollect(head *Version, oldestActiveSnapshot Timestamp) *Version {
	if head == nil {
		return nil
	}

	// Keep the head
	current := head

	// Traverse and remove old versions
	for current.Next != nil {
		// Once current is at or before the oldest active snapshot, it is
		// the newest version that snapshot can see, so the next (older)
		// version is unreachable and can be removed
		if current.Timestamp <= oldestActiveSnapshot {
			// Skip the next version (remove it from chain)
			current.Next = current.Next.Next
		} else {
			current = current.Next
		}
	}

	return head
}

// CountVersions counts the number of versions in a version chain
func CountVersions(head *Version) int {
	count := 0
	current := head
	for current != nil {
		count++
		current = current.Next
	}
	return count
}

// CopyData creates a deep copy of version data so a journal entry or
// write-set value is immune to the caller mutating its source slice later.
func CopyData(data []byte) []byte {
	if data == nil {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

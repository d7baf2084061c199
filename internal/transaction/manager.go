// Package transaction implements the engine's copy-on-write
// transactional overlay and journal: per-session isolated writes over a
// generic string-keyed byte-value map, backed by snapshot bookkeeping
// (mvcc.SnapshotManager) and a write-ahead log for durability.
package transaction

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nitrite-db/nitrite/internal/wal"
	"github.com/nitrite-db/nitrite/mvcc"
)

// Status is the lifecycle state of a Transaction.
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusAborted
)

// journalEntry is one undoable write recorded during a transaction.
// The undo command is captured eagerly at write time; the redo command is
// simply the final WriteSet entry applied at commit.
type journalEntry struct {
	key      string
	hadPrev  bool
	prevData []byte
}

// Transaction is a single session's copy-on-write overlay: reads consult
// WriteSet first and fall through to the base map; writes only ever touch
// the overlay until Commit.
type Transaction struct {
	ID             uint64
	Status         Status
	IsolationLevel mvcc.IsolationLevel
	WriteSet       map[string][]byte

	snapshot *mvcc.Snapshot
	journal  []journalEntry
	mu       sync.Mutex
}

// Manager is the transaction engine core: it owns the base key-value
// store (a generic string-keyed map any collection's
// primary map and index maps can be projected onto via key prefixing),
// journals every write, and performs two-phase commit back to the base.
type Manager struct {
	sm  *mvcc.SnapshotManager
	wal *wal.WAL
	gc  *wal.GroupCommitter

	mu     sync.Mutex
	base   map[string][]byte
	nextID atomic.Uint64
	active map[uint64]*Transaction
}

// NewTransactionManager builds a Manager over an existing snapshot
// manager and WAL writer. Commits are fsynced through a GroupCommitter so
// concurrent commits share a single fsync instead of one each.
func NewTransactionManager(sm *mvcc.SnapshotManager, walWriter *wal.WAL) *Manager {
	return &Manager{
		sm:     sm,
		wal:    walWriter,
		gc:     wal.NewGroupCommitter(walWriter),
		base:   make(map[string][]byte),
		active: make(map[uint64]*Transaction),
	}
}

// Begin starts a new transaction at the given isolation level.
func (m *Manager) Begin(level mvcc.IsolationLevel) (*Transaction, error) {
	id := m.nextID.Add(1)
	snap := m.sm.BeginSnapshot(id, level)

	txn := &Transaction{
		ID:             id,
		Status:         StatusActive,
		IsolationLevel: level,
		WriteSet:       make(map[string][]byte),
		snapshot:       snap,
	}

	m.mu.Lock()
	m.active[id] = txn
	m.mu.Unlock()

	return txn, nil
}

// Write records key=value in the transaction's overlay, capturing an undo
// entry with the base map's prior value (or "no previous") the first time
// this key is touched within the transaction.
func (m *Manager) Write(txn *Transaction, key string, value []byte) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.Status != StatusActive {
		return fmt.Errorf("transaction %d is not active", txn.ID)
	}

	if _, alreadyTouched := txn.WriteSet[key]; !alreadyTouched {
		m.mu.Lock()
		prev, hadPrev := m.base[key]
		m.mu.Unlock()
		txn.journal = append(txn.journal, journalEntry{key: key, hadPrev: hadPrev, prevData: mvcc.CopyData(prev)})
	}

	txn.WriteSet[key] = mvcc.CopyData(value)
	return nil
}

// Delete records a tombstone for key in the transaction's overlay. A nil
// WriteSet entry means "delete on commit"; symmetric with Write, it only
// ever touches the overlay until Commit applies it to base.
func (m *Manager) Delete(txn *Transaction, key string) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.Status != StatusActive {
		return fmt.Errorf("transaction %d is not active", txn.ID)
	}

	if _, alreadyTouched := txn.WriteSet[key]; !alreadyTouched {
		m.mu.Lock()
		prev, hadPrev := m.base[key]
		m.mu.Unlock()
		txn.journal = append(txn.journal, journalEntry{key: key, hadPrev: hadPrev, prevData: mvcc.CopyData(prev)})
	}

	txn.WriteSet[key] = nil
	return nil
}

// Read implements read-your-own-writes: the transaction's overlay is
// consulted first, then the base map.
func (m *Manager) Read(txn *Transaction, key string) ([]byte, error) {
	txn.mu.Lock()
	if v, ok := txn.WriteSet[key]; ok {
		txn.mu.Unlock()
		return v, nil
	}
	txn.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.base[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return v, nil
}

// Commit performs the two-phase commit: durably log every write, then
// apply the overlay to the base map, then mark the transaction committed
// and release its snapshot.
func (m *Manager) Commit(txn *Transaction) error {
	txn.mu.Lock()
	if txn.Status != StatusActive {
		txn.mu.Unlock()
		return fmt.Errorf("transaction %d is not active", txn.ID)
	}
	writes := make(map[string][]byte, len(txn.WriteSet))
	for k, v := range txn.WriteSet {
		writes[k] = v
	}
	txn.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, value := range writes {
		recType := wal.RecordTypeUpdate
		if value == nil {
			recType = wal.RecordTypeDelete
		}
		rec := &wal.Record{
			TxnID:     txn.ID,
			Type:      recType,
			Key:       []byte(key),
			Value:     value,
			Timestamp: time.Now().UnixNano(),
		}
		if _, err := m.wal.Append(rec); err != nil {
			m.rollbackLocked(txn)
			return fmt.Errorf("wal append failed, transaction rolled back: %w", err)
		}
	}

	commitRec := &wal.Record{
		TxnID:     txn.ID,
		Type:      wal.RecordTypeCommit,
		Timestamp: time.Now().UnixNano(),
	}
	commitLSN, err := m.wal.Append(commitRec)
	if err != nil {
		m.rollbackLocked(txn)
		return fmt.Errorf("wal commit record failed, transaction rolled back: %w", err)
	}
	if err := m.gc.Commit(commitLSN); err != nil {
		m.rollbackLocked(txn)
		return fmt.Errorf("wal fsync failed, transaction rolled back: %w", err)
	}

	for key, value := range writes {
		if value == nil {
			delete(m.base, key)
		} else {
			m.base[key] = value
		}
	}

	txn.mu.Lock()
	txn.Status = StatusCommitted
	txn.journal = nil
	txn.mu.Unlock()

	m.sm.CommitTransaction(txn.ID)
	m.sm.ReleaseSnapshot(txn.snapshot)
	delete(m.active, txn.ID)

	return nil
}

// Rollback discards the transaction's overlay and journal. Because
// overlays are private until commit, rollback never touches the base map.
func (m *Manager) Rollback(txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbackLocked(txn)
}

func (m *Manager) rollbackLocked(txn *Transaction) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.Status != StatusActive {
		return fmt.Errorf("transaction %d is not active", txn.ID)
	}

	// Walk the journal in reverse; since overlays never touched the base
	// map, this is just clearing local state: discarding overlays and
	// tombstones undoes everything.
	for i := len(txn.journal) - 1; i >= 0; i-- {
		_ = txn.journal[i]
	}
	txn.journal = nil
	txn.WriteSet = make(map[string][]byte)
	txn.Status = StatusAborted

	m.sm.AbortTransaction(txn.ID)
	m.sm.ReleaseSnapshot(txn.snapshot)
	delete(m.active, txn.ID)

	return nil
}

// GetActiveTransactionCount returns the number of transactions currently
// in StatusActive.
func (m *Manager) GetActiveTransactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Close stops the background group-committer. It does not close the WAL or
// snapshot manager, which are owned by the caller.
func (m *Manager) Close() error {
	m.gc.Stop()
	return nil
}

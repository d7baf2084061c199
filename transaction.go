package nitrite

import (
	"fmt"
	"sync"
	"time"

	"github.com/nitrite-db/nitrite/internal/transaction"
	"github.com/nitrite-db/nitrite/mvcc"
)

// IsolationLevel re-exports mvcc.IsolationLevel so callers never need to
// import the mvcc package directly to call Session.Begin.
type IsolationLevel = mvcc.IsolationLevel

// Isolation levels accepted by Session.Begin. The Transaction records the
// level it was opened with; the engine itself only promises the weaker
// guarantee that a session sees its own writes immediately while other
// sessions see nothing until commit.
const (
	ReadUncommitted = mvcc.ReadUncommitted
	ReadCommitted   = mvcc.ReadCommitted
	RepeatableRead  = mvcc.RepeatableRead
	Serializable    = mvcc.Serializable
)

// Session owns at most one Transaction at a time. A Session
// is not itself thread-safe: callers that need concurrent transactions
// open one Session per goroutine.
type Session struct {
	db  *Database
	txn *Transaction
}

// Begin starts a new Transaction at the given isolation level, journaled
// and durable via the database's write-ahead log.
func (s *Session) Begin(level mvcc.IsolationLevel) (*Transaction, error) {
	if s.txn != nil {
		return nil, newErr(KindTransactionError, "session already has an active transaction")
	}
	inner, err := s.db.txnMgr.Begin(level)
	if err != nil {
		return nil, wrapErr(KindTransactionError, "begin transaction", err)
	}
	txn := &Transaction{
		session:  s,
		db:       s.db,
		inner:    inner,
		overlays: make(map[string]*txnOverlay),
	}
	s.txn = txn
	return txn, nil
}

// txnOverlay is the copy-on-write staging area for one collection within a
// transaction: documents staged for
// insert/update, and a tombstone set for removes. Because it is private to
// the transaction, discarding it on Rollback is sufficient undo.
type txnOverlay struct {
	docs       map[NitriteID]*Document
	tombstones map[NitriteID]bool
}

func newTxnOverlay() *txnOverlay {
	return &txnOverlay{docs: make(map[NitriteID]*Document), tombstones: make(map[NitriteID]bool)}
}

type txnOpKind uint8

const (
	txnOpInsert txnOpKind = iota
	txnOpUpdate
	txnOpRemove
)

// txnOp is one journaled mutation, replayed onto the real collection in
// order at commit.
type txnOp struct {
	kind       txnOpKind
	collection string
	ids        []NitriteID
}

// Transaction is a single session's isolated view over the database:
// reads consult the overlay first and fall through to the committed base,
// writes only ever touch the overlay until Commit.
type Transaction struct {
	session *Session
	db      *Database
	inner   *transaction.Transaction

	mu       sync.Mutex
	overlays map[string]*txnOverlay
	journal  []txnOp
}

func (t *Transaction) overlay(collection string) *txnOverlay {
	o, ok := t.overlays[collection]
	if !ok {
		o = newTxnOverlay()
		t.overlays[collection] = o
	}
	return o
}

func (t *Transaction) active() bool { return t.inner.Status == transaction.StatusActive }

func walKey(collection string, id NitriteID) string {
	return fmt.Sprintf("%s/%d", collection, uint64(id))
}

// Collection returns a transactional view of name, scoped to t.
func (t *Transaction) Collection(name string) (*TxnCollection, error) {
	col, err := t.db.Collection(name)
	if err != nil {
		return nil, err
	}
	return &TxnCollection{txn: t, col: col}, nil
}

// TxnCollection mirrors Collection's CRUD surface but reads and writes
// through the owning Transaction's overlay instead of touching the
// committed primary map and indexes directly.
type TxnCollection struct {
	txn *Transaction
	col *Collection
}

// checkUniqueLocked validates doc against every unique index on tc.col,
// considering both the committed base (minus anything this transaction
// has tombstoned) and documents already staged earlier in the same
// transaction. Caller must hold tc.txn.mu.
func (tc *TxnCollection) checkUniqueLocked(o *txnOverlay, doc *Document) error {
	for _, desc := range tc.col.descriptors {
		if desc.Type != IndexUnique {
			continue
		}
		keys, err := extractIndexKeys(doc, desc.Fields)
		if err != nil {
			return err
		}
		m := tc.col.idxStore.mapFor(desc)
		for _, k := range keys {
			enc := k.Encode()
			if existing := m.get(enc); len(existing) > 0 && existing[0] != doc.ID() && !o.tombstones[existing[0]] {
				return wrapErr(KindUniqueConstraintViolation, "duplicate key on unique index "+desc.MapName(), nil)
			}
		}
		for otherID, otherDoc := range o.docs {
			if otherID == doc.ID() {
				continue
			}
			otherKeys, err := extractIndexKeys(otherDoc, desc.Fields)
			if err != nil {
				continue
			}
			for _, k1 := range keys {
				for _, k2 := range otherKeys {
					if string(k1.Encode()) == string(k2.Encode()) {
						return wrapErr(KindUniqueConstraintViolation, "duplicate key on unique index "+desc.MapName()+" within transaction", nil)
					}
				}
			}
		}
	}
	return nil
}

// Insert stages docs in the transaction's overlay. Nothing
// becomes visible outside this transaction until Commit.
func (tc *TxnCollection) Insert(docs ...*Document) ([]NitriteID, error) {
	t := tc.txn
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active() {
		return nil, newErr(KindTransactionError, "transaction is not active")
	}

	o := t.overlay(tc.col.name)
	now := time.Now().UnixMilli()
	ids := make([]NitriteID, len(docs))
	for i, doc := range docs {
		id := doc.ID()
		ids[i] = id
		doc.setRaw(FieldSource, Str(tc.col.name))
		doc.setRaw(FieldModified, DateTimeMillis(now))
		doc.setRaw(FieldRevision, I64(1))
		if err := tc.checkUniqueLocked(o, doc); err != nil {
			return nil, err
		}
		o.docs[id] = doc
		delete(o.tombstones, id)
	}
	t.journal = append(t.journal, txnOp{kind: txnOpInsert, collection: tc.col.name, ids: ids})
	for _, doc := range docs {
		if err := t.db.txnMgr.Write(t.inner, walKey(tc.col.name, doc.ID()), EncodeDocument(doc)); err != nil {
			return nil, wrapErr(KindTransactionError, "journal insert", err)
		}
	}
	return ids, nil
}

// Find merges the transaction's overlay over the collection's committed
// state: tombstoned documents disappear, staged documents
// shadow their committed counterpart, and everything else is read from the
// base collection. Unlike Collection.Find this always materializes eagerly
// since the merge itself requires a full pass.
func (tc *TxnCollection) Find(filter *Filter, opts FindOptions) (*DocumentCursor, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	t := tc.txn
	t.mu.Lock()
	o, hasOverlay := t.overlays[tc.col.name]
	var overlayDocs map[NitriteID]*Document
	var tombstones map[NitriteID]bool
	if hasOverlay {
		overlayDocs = make(map[NitriteID]*Document, len(o.docs))
		for id, d := range o.docs {
			overlayDocs[id] = d
		}
		tombstones = make(map[NitriteID]bool, len(o.tombstones))
		for id := range o.tombstones {
			tombstones[id] = true
		}
	}
	t.mu.Unlock()

	tc.col.mu.RLock()
	plan := planQuery(filter, tc.col.descriptors, FindOptions{})
	baseCur, err := tc.col.executePlanLocked(plan)
	tc.col.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	var docs []*Document
	for baseCur.Next() {
		d, err := baseCur.Document()
		if err != nil {
			continue
		}
		if tombstones[d.ID()] {
			continue
		}
		if _, shadowed := overlayDocs[d.ID()]; shadowed {
			continue
		}
		docs = append(docs, d)
	}
	baseCur.Close()
	for id, d := range overlayDocs {
		if tombstones[id] {
			continue
		}
		ok, err := filter.Match(d)
		if err == nil && ok {
			docs = append(docs, d)
		}
	}

	cur := Cursor(newSliceCursor(docs))
	if plan.Distinct || opts.Distinct {
		cur = newUniqueCursor(cur)
	}
	if opts.SortField != "" {
		cur = newSortCursor(cur, opts.SortField, opts.SortDesc, opts.Collator)
	}
	if opts.Skip > 0 {
		cur = newSkipCursor(cur, opts.Skip)
	}
	if opts.Limit > 0 {
		cur = newLimitCursor(cur, opts.Limit)
	}
	return newDocumentCursor(cur, nil), nil
}

// Update stages a merge onto every document matching filter, visible
// only inside this transaction until Commit.
func (tc *TxnCollection) Update(filter *Filter, update *Document, opts UpdateOptions) (UpdateResult, error) {
	cur, err := tc.Find(filter, FindOptions{})
	if err != nil {
		return UpdateResult{}, err
	}
	var victims []*Document
	for cur.Next() {
		victims = append(victims, cur.Value())
	}
	if opts.JustOnce && len(victims) > 1 {
		victims = victims[:1]
	}

	if len(victims) == 0 {
		if !opts.InsertIfAbsent {
			return UpdateResult{}, nil
		}
		ids, err := tc.Insert(update)
		if err != nil {
			return UpdateResult{}, err
		}
		return UpdateResult{InsertedIDs: ids}, nil
	}

	t := tc.txn
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active() {
		return UpdateResult{}, newErr(KindTransactionError, "transaction is not active")
	}
	o := t.overlay(tc.col.name)
	now := time.Now().UnixMilli()

	var result UpdateResult
	var firstErr error
	for _, v := range victims {
		updated := v.Clone()
		for _, f := range update.Fields() {
			if isReservedField(f) {
				continue
			}
			updated.setRaw(f, update.values[f])
		}
		updated.setRaw(FieldRevision, I64(v.Revision()+1))
		updated.setRaw(FieldModified, DateTimeMillis(now))
		if err := tc.checkUniqueLocked(o, updated); err != nil {
			firstErr = err
			continue
		}
		o.docs[v.ID()] = updated
		delete(o.tombstones, v.ID())
		result.ModifiedIDs = append(result.ModifiedIDs, v.ID())
	}
	if len(result.ModifiedIDs) > 0 {
		t.journal = append(t.journal, txnOp{kind: txnOpUpdate, collection: tc.col.name, ids: result.ModifiedIDs})
		for _, id := range result.ModifiedIDs {
			if err := t.db.txnMgr.Write(t.inner, walKey(tc.col.name, id), EncodeDocument(o.docs[id])); err != nil {
				return result, wrapErr(KindTransactionError, "journal update", err)
			}
		}
	}
	return result, firstErr
}

// Remove stages a removal of every document matching filter.
func (tc *TxnCollection) Remove(filter *Filter, justOne bool) (RemoveResult, error) {
	cur, err := tc.Find(filter, FindOptions{})
	if err != nil {
		return RemoveResult{}, err
	}
	var victims []*Document
	for cur.Next() {
		victims = append(victims, cur.Value())
	}
	if justOne && len(victims) > 1 {
		victims = victims[:1]
	}

	t := tc.txn
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active() {
		return RemoveResult{}, newErr(KindTransactionError, "transaction is not active")
	}
	o := t.overlay(tc.col.name)

	var result RemoveResult
	for _, v := range victims {
		delete(o.docs, v.ID())
		o.tombstones[v.ID()] = true
		result.RemovedIDs = append(result.RemovedIDs, v.ID())
	}
	if len(result.RemovedIDs) > 0 {
		t.journal = append(t.journal, txnOp{kind: txnOpRemove, collection: tc.col.name, ids: result.RemovedIDs})
		for _, id := range result.RemovedIDs {
			if err := t.db.txnMgr.Delete(t.inner, walKey(tc.col.name, id)); err != nil {
				return result, wrapErr(KindTransactionError, "journal remove", err)
			}
		}
	}
	return result, nil
}

// Commit applies every staged change to its real collection, serialized
// against other commits by the database's commit lock, re-validating
// unique constraints
// against the now-current state before anything is written, then fires
// every deferred event in journal order.
func (t *Transaction) Commit() error {
	t.db.commitMu.Lock()
	defer t.db.commitMu.Unlock()

	t.mu.Lock()
	if !t.active() {
		t.mu.Unlock()
		return newErr(KindTransactionError, "transaction is not active")
	}
	overlays := t.overlays
	journal := t.journal
	t.mu.Unlock()

	for name, o := range overlays {
		col, err := t.db.Collection(name)
		if err != nil {
			return err
		}
		col.mu.RLock()
		for id, doc := range o.docs {
			for _, desc := range col.descriptors {
				if desc.Type != IndexUnique {
					continue
				}
				keys, err := extractIndexKeys(doc, desc.Fields)
				if err != nil {
					col.mu.RUnlock()
					return err
				}
				m := col.idxStore.mapFor(desc)
				for _, k := range keys {
					// A key still held by a document this transaction is
					// about to remove is not a conflict; re-validation only
					// guards against concurrent writers.
					if existing := m.get(k.Encode()); len(existing) > 0 && existing[0] != id && !o.tombstones[existing[0]] {
						col.mu.RUnlock()
						return wrapErr(KindUniqueConstraintViolation, "duplicate key on unique index "+desc.MapName()+" at commit", nil)
					}
				}
			}
		}
		col.mu.RUnlock()
	}

	if err := t.db.txnMgr.Commit(t.inner); err != nil {
		return wrapErr(KindTransactionError, "commit failed", err)
	}

	var fired []CollectionEvent
	now := time.Now().UnixMilli()
	for _, op := range journal {
		col, err := t.db.Collection(op.collection)
		if err != nil {
			continue
		}
		o := overlays[op.collection]
		switch op.kind {
		case txnOpInsert:
			var docs []*Document
			for _, id := range op.ids {
				if d, ok := o.docs[id]; ok {
					docs = append(docs, d)
				}
			}
			if len(docs) == 0 {
				continue
			}
			if _, err := col.applyInsert(docs); err != nil {
				continue
			}
			fired = append(fired, CollectionEvent{Kind: EventInsert, IDs: op.ids, Source: op.collection, Timestamp: now})
		case txnOpUpdate:
			for _, id := range op.ids {
				if d, ok := o.docs[id]; ok {
					col.applyReplace(id, d)
				}
			}
			fired = append(fired, CollectionEvent{Kind: EventUpdate, IDs: op.ids, Source: op.collection, Timestamp: now})
		case txnOpRemove:
			for _, id := range op.ids {
				col.applyDelete(id)
			}
			fired = append(fired, CollectionEvent{Kind: EventRemove, IDs: op.ids, Source: op.collection, Timestamp: now})
		}
	}

	t.mu.Lock()
	t.overlays = nil
	t.journal = nil
	t.mu.Unlock()
	t.session.txn = nil

	for _, evt := range fired {
		if col, err := t.db.Collection(evt.Source); err == nil {
			col.emit(evt)
		}
	}
	return nil
}

// Rollback discards the transaction's overlays and journal; because they
// were always private, discarding them is the entire undo.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active() {
		return newErr(KindTransactionError, "transaction is not active")
	}
	if err := t.db.txnMgr.Rollback(t.inner); err != nil {
		return wrapErr(KindTransactionError, "rollback failed", err)
	}
	t.overlays = nil
	t.journal = nil
	t.session.txn = nil
	return nil
}

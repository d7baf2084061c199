package nitrite

import (
	"strings"
	"sync"
	"time"

	"github.com/nitrite-db/nitrite/storage"
	"github.com/rs/zerolog"
)

// EventKind tags the kind of mutation a CollectionEvent reports.
type EventKind uint8

const (
	EventInsert EventKind = iota
	EventUpdate
	EventRemove
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "Insert"
	case EventUpdate:
		return "Update"
	case EventRemove:
		return "Remove"
	default:
		return "Unknown"
	}
}

// CollectionEvent is delivered synchronously to listeners after a mutation
// commits locally.
type CollectionEvent struct {
	Kind      EventKind
	IDs       []NitriteID
	Source    string
	Timestamp int64
}

// UpdateOptions controls Collection.Update.
type UpdateOptions struct {
	JustOnce       bool
	InsertIfAbsent bool
}

// UpdateResult reports the outcome of a Collection.Update call.
type UpdateResult struct {
	ModifiedIDs []NitriteID
	InsertedIDs []NitriteID
}

// RemoveResult reports the outcome of a Collection.Remove call.
type RemoveResult struct {
	RemovedIDs []NitriteID
}

// CollectionAttributes is the engine-managed attribute bag for a collection.
type CollectionAttributes struct {
	CreatedAt  time.Time
	ModifiedAt time.Time
	Owner      string
	UUID       string
}

// Collection is a named, persistent container of documents: a
// primary NitriteId->Document map, an index registry, and a local event
// bus. Writers serialize through the collection's own read-write lock;
// readers may iterate concurrently with each other.
type Collection struct {
	name    string
	db      *Database
	primary storage.Map
	logger  zerolog.Logger

	mu          sync.RWMutex
	descriptors []*IndexDescriptor
	idxStore    *indexStore
	listeners   []func(CollectionEvent)
	processors  []Processor
}

func newCollection(db *Database, name string, primary storage.Map) *Collection {
	c := &Collection{
		name:     name,
		db:       db,
		primary:  primary,
		logger:   db.logger.With().Str("collection", name).Logger(),
		idxStore: newIndexStore(),
	}
	for _, desc := range db.metadata.Indexes(name) {
		c.descriptors = append(c.descriptors, desc)
		// Materialize the index map up front so read paths never allocate
		// it lazily under a shared lock.
		c.idxStore.mapFor(desc)
	}
	c.rebuildIndexes()
	return c
}

// rebuildIndexes back-populates every registered index descriptor from
// the current primary map contents, used when a collection already known
// to the catalog is reopened.
func (c *Collection) rebuildIndexes() {
	if len(c.descriptors) == 0 {
		return
	}
	entries, err := c.primary.Entries()
	if err != nil {
		return
	}
	for _, e := range entries {
		doc, err := DecodeDocument(e.Value)
		if err != nil {
			continue
		}
		for _, desc := range c.descriptors {
			indexerFor(desc.Type).WriteEntry(c.idxStore, desc, doc)
		}
	}
}

func indexerFor(t IndexType) Indexer { return defaultIndexerFor(t) }

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// Size returns the number of live documents in the collection.
func (c *Collection) Size() (int, error) { return c.primary.Size() }

// Listen registers fn to be invoked synchronously after every local
// mutation. The returned func unsubscribes it.
func (c *Collection) Listen(fn func(CollectionEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := len(c.listeners)
	c.listeners = append(c.listeners, fn)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.listeners) {
			c.listeners[idx] = nil
		}
	}
}

func (c *Collection) emit(evt CollectionEvent) {
	c.mu.RLock()
	listeners := append([]func(CollectionEvent){}, c.listeners...)
	c.mu.RUnlock()
	deliver(listeners, evt)
}

// emitLocked delivers evt to listeners while the caller already holds
// c.mu; c.mu is not reentrant, so the mutation paths must not go through
// emit. Listeners run synchronously before the mutating call returns
// and must not call back into the collection's mutators.
func (c *Collection) emitLocked(evt CollectionEvent) {
	deliver(append([]func(CollectionEvent){}, c.listeners...), evt)
}

func deliver(listeners []func(CollectionEvent), evt CollectionEvent) {
	for _, l := range listeners {
		if l != nil {
			l(evt)
		}
	}
}

// AddProcessor appends p to the chain applied to every document a Find
// cursor hands back, after projection.
func (c *Collection) AddProcessor(p Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processors = append(c.processors, p)
}

// Attributes returns the engine-managed attribute bag.
func (c *Collection) Attributes() CollectionAttributes {
	created, modified, owner, uuid, _ := c.db.metadata.Attributes(c.name)
	return CollectionAttributes{CreatedAt: created, ModifiedAt: modified, Owner: owner, UUID: uuid}
}

// SetAttribute writes one entry of the user attribute bag, persisted as
// a Document under the primary map's reserved attribute key.
func (c *Collection) SetAttribute(key string, v Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := NewDocument()
	if blob, ok := c.primary.Attributes(); ok && len(blob) > 0 {
		if existing, err := DecodeDocument(blob); err == nil {
			doc = existing
		}
	}
	doc.putUnchecked(key, v)
	if err := c.primary.SetAttributes(EncodeDocument(doc)); err != nil {
		return wrapErr(KindIOError, "persist collection attributes", err)
	}
	return nil
}

// Attribute reads one entry of the user attribute bag; missing keys yield
// Null.
func (c *Collection) Attribute(key string) (Value, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	blob, ok := c.primary.Attributes()
	if !ok || len(blob) == 0 {
		return Null, nil
	}
	doc, err := DecodeDocument(blob)
	if err != nil {
		return Null, wrapErr(KindIOError, "decode collection attributes", err)
	}
	return doc.Get(key), nil
}

// ListIndexes returns every index descriptor registered on this collection.
func (c *Collection) ListIndexes() []*IndexDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*IndexDescriptor(nil), c.descriptors...)
}

func primaryKey(id NitriteID) []byte { return IDValue(id).EncodeKey() }

// GetByID is the O(1) primary-map read. Absence is not an
// error; the second return reports it. An id outside the documented range
// is rejected outright.
func (c *Collection) GetByID(id NitriteID) (*Document, bool, error) {
	if !id.Valid() {
		return nil, false, newErr(KindInvalidID, "id outside the valid NitriteID range")
	}
	doc, ok := c.getByID(id)
	return doc, ok, nil
}

func (c *Collection) getByID(id NitriteID) (*Document, bool) {
	raw, ok, err := c.primary.Get(primaryKey(id))
	if err != nil || !ok {
		return nil, false
	}
	doc, err := DecodeDocument(raw)
	if err != nil {
		return nil, false
	}
	return doc, true
}

// CreateIndex registers a new index descriptor and back-populates it from
// every existing document. It
// is idempotent: re-declaring the same (type, fields) pair is a no-op.
func (c *Collection) CreateIndex(indexType IndexType, fields ...string) error {
	indexer := indexerFor(indexType)
	if err := indexer.ValidateFields(fields); err != nil {
		return err
	}
	for _, f := range fields {
		if strings.Contains(f, indexFieldSeparator) || strings.Contains(f, "|") {
			return newErr(KindValidationError, "index field name contains a reserved separator: "+f)
		}
	}
	desc := &IndexDescriptor{Collection: c.name, Type: indexType, Fields: fields}

	c.mu.Lock()
	for _, existing := range c.descriptors {
		if descriptorEqual(existing, desc) {
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()

	entries, err := c.primary.Entries()
	if err != nil {
		return wrapErr(KindIOError, "scan primary map for index back-population", err)
	}
	staged := newIndexStore()
	for _, e := range entries {
		doc, err := DecodeDocument(e.Value)
		if err != nil {
			return wrapErr(KindIOError, "decode document during index back-population", err)
		}
		if err := indexer.WriteEntry(staged, desc, doc); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.idxStore.maps[desc.MapName()] = staged.mapFor(desc)
	c.descriptors = append(c.descriptors, desc)
	if _, err := c.db.metadata.AddIndex(c.name, desc); err != nil {
		return err
	}
	return nil
}

// DropIndex erases the index map for (indexType, fields).
func (c *Collection) DropIndex(indexType IndexType, fields ...string) error {
	desc := &IndexDescriptor{Collection: c.name, Type: indexType, Fields: fields}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.descriptors[:0]
	found := false
	for _, existing := range c.descriptors {
		if descriptorEqual(existing, desc) {
			found = true
			indexerFor(existing.Type).DropIndex(c.idxStore, existing)
			continue
		}
		out = append(out, existing)
	}
	c.descriptors = out
	if !found {
		return newErr(KindIndexingError, "no such index to drop")
	}
	return c.db.metadata.RemoveIndex(c.name, desc)
}

// Insert accepts every document in docs together or none of them: index
// validation happens on a staged copy before any primary-map mutation.
func (c *Collection) Insert(docs ...*Document) ([]NitriteID, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	ids := make([]NitriteID, len(docs))
	for i, doc := range docs {
		id := doc.ID()
		ids[i] = id
		doc.setRaw(FieldSource, Str(c.name))
		doc.setRaw(FieldModified, DateTimeMillis(now))
		doc.setRaw(FieldRevision, I64(1))
	}

	staged := c.idxStore.clone()
	for _, desc := range c.descriptors {
		indexer := indexerFor(desc.Type)
		for _, doc := range docs {
			if err := indexer.WriteEntry(staged, desc, doc); err != nil {
				c.logger.Debug().Err(err).Int("batch_size", len(docs)).Msg("insert rejected by index constraint")
				return nil, err
			}
		}
	}

	for _, doc := range docs {
		if err := c.primary.Put(primaryKey(doc.ID()), EncodeDocument(doc)); err != nil {
			return nil, wrapErr(KindIOError, "write document to primary map", err)
		}
	}
	c.idxStore = staged

	c.emitLocked(CollectionEvent{Kind: EventInsert, IDs: ids, Source: c.name, Timestamp: now})
	c.logger.Debug().Int("count", len(ids)).Msg("documents inserted")
	return ids, nil
}

// Update merges update into every document matching filter. Index
// reconciliation is attempted per victim; a unique-conflict aborts that
// victim only (others still progress) and is surfaced via the returned
// error.
func (c *Collection) Update(filter *Filter, update *Document, opts UpdateOptions) (UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	victims, err := c.matchLocked(filter)
	if err != nil {
		return UpdateResult{}, err
	}
	if opts.JustOnce && len(victims) > 1 {
		victims = victims[:1]
	}

	if len(victims) == 0 {
		if !opts.InsertIfAbsent {
			return UpdateResult{}, nil
		}
		c.mu.Unlock()
		ids, err := c.Insert(update)
		c.mu.Lock()
		if err != nil {
			return UpdateResult{}, err
		}
		return UpdateResult{InsertedIDs: ids}, nil
	}

	now := time.Now().UnixMilli()
	var result UpdateResult
	var firstErr error
	for _, v := range victims {
		updated := v.doc.Clone()
		changedFields := map[string]bool{}
		for _, f := range update.Fields() {
			if isReservedField(f) {
				continue
			}
			updated.setRaw(f, update.values[f])
			changedFields[f] = true
		}
		updated.setRaw(FieldRevision, I64(v.doc.Revision()+1))
		updated.setRaw(FieldModified, DateTimeMillis(now))

		// An index is touched when any of its field paths starts at an
		// updated top-level field.
		var touched []*IndexDescriptor
		for _, desc := range c.descriptors {
			for _, f := range desc.Fields {
				if changedFields[strings.Split(f, FieldSeparator)[0]] {
					touched = append(touched, desc)
					break
				}
			}
		}

		// Reconcile indexes on a staged clone so a rejected victim leaves
		// every index untouched: old keys out first, new keys in, swap on
		// success.
		staged := c.idxStore
		if len(touched) > 0 {
			staged = c.idxStore.clone()
			for _, desc := range touched {
				indexerFor(desc.Type).RemoveEntry(staged, desc, v.doc)
			}
			conflict := false
			for _, desc := range touched {
				if err := indexerFor(desc.Type).WriteEntry(staged, desc, updated); err != nil {
					firstErr = err
					conflict = true
					break
				}
			}
			if conflict {
				continue
			}
		}

		if err := c.primary.Put(primaryKey(v.id), EncodeDocument(updated)); err != nil {
			firstErr = wrapErr(KindIOError, "write updated document", err)
			continue
		}
		c.idxStore = staged
		result.ModifiedIDs = append(result.ModifiedIDs, v.id)
		c.emitLocked(CollectionEvent{Kind: EventUpdate, IDs: []NitriteID{v.id}, Source: c.name, Timestamp: now})
	}
	return result, firstErr
}

// UpdateByID bypasses the planner for an O(1) primary-map update.
func (c *Collection) UpdateByID(id NitriteID, update *Document, insertIfAbsent bool) (UpdateResult, error) {
	return c.Update(ByID(id), update, UpdateOptions{JustOnce: true, InsertIfAbsent: insertIfAbsent})
}

// Remove deletes every document matching filter, reconciling every
// index before the primary map.
func (c *Collection) Remove(filter *Filter, justOne bool) (RemoveResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	victims, err := c.matchLocked(filter)
	if err != nil {
		return RemoveResult{}, err
	}
	if justOne && len(victims) > 1 {
		victims = victims[:1]
	}

	now := time.Now().UnixMilli()
	var result RemoveResult
	for _, v := range victims {
		for _, desc := range c.descriptors {
			indexerFor(desc.Type).RemoveEntry(c.idxStore, desc, v.doc)
		}
		if _, _, err := c.primary.Remove(primaryKey(v.id)); err != nil {
			return result, wrapErr(KindIOError, "remove document from primary map", err)
		}
		result.RemovedIDs = append(result.RemovedIDs, v.id)
		c.emitLocked(CollectionEvent{Kind: EventRemove, IDs: []NitriteID{v.id}, Source: c.name, Timestamp: now})
	}
	return result, nil
}

// applyInsert writes docs directly to the primary map and every index,
// bypassing the metadata-stamping Insert does for fresh documents. Used by
// Transaction.Commit to replay a staged batch onto the real collection.
func (c *Collection) applyInsert(docs []*Document) ([]NitriteID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]NitriteID, len(docs))
	for i, d := range docs {
		ids[i] = d.ID()
	}
	for _, desc := range c.descriptors {
		indexer := indexerFor(desc.Type)
		for _, doc := range docs {
			if err := indexer.WriteEntry(c.idxStore, desc, doc); err != nil {
				return nil, err
			}
		}
	}
	for _, doc := range docs {
		if err := c.primary.Put(primaryKey(doc.ID()), EncodeDocument(doc)); err != nil {
			return nil, wrapErr(KindIOError, "write document to primary map", err)
		}
	}
	return ids, nil
}

// applyReplace swaps the document stored at id for updated, reconciling
// every index. Used by Transaction.Commit.
func (c *Collection) applyReplace(id NitriteID, updated *Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, hadOld := c.getByID(id)
	for _, desc := range c.descriptors {
		indexer := indexerFor(desc.Type)
		if hadOld {
			indexer.RemoveEntry(c.idxStore, desc, old)
		}
		if err := indexer.WriteEntry(c.idxStore, desc, updated); err != nil {
			return err
		}
	}
	return c.primary.Put(primaryKey(id), EncodeDocument(updated))
}

// applyDelete removes id from the primary map and every index. Used by
// Transaction.Commit.
func (c *Collection) applyDelete(id NitriteID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.getByID(id)
	if !ok {
		return nil
	}
	for _, desc := range c.descriptors {
		indexerFor(desc.Type).RemoveEntry(c.idxStore, desc, doc)
	}
	_, _, err := c.primary.Remove(primaryKey(id))
	return err
}

type victim struct {
	id  NitriteID
	doc *Document
}

// matchLocked evaluates filter under the caller's already-held lock and
// returns every matching (id, document) pair in the order the plan's
// cursor yields them (index-key order for an index scan).
func (c *Collection) matchLocked(filter *Filter) ([]victim, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	plan := planQuery(filter, c.descriptors, FindOptions{})
	cur, err := c.executePlanLocked(plan)
	if err != nil {
		return nil, err
	}
	var out []victim
	for cur.Next() {
		doc, err := cur.Document()
		if err != nil {
			continue
		}
		out = append(out, victim{id: doc.ID(), doc: doc})
	}
	cur.Close()
	return out, nil
}

// Find plans and executes filter, returning the terminal cursor handle.
func (c *Collection) Find(filter *Filter, opts FindOptions) (*DocumentCursor, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	plan := planQuery(filter, c.descriptors, opts)
	cur, err := c.executePlanLocked(plan)
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if plan.Distinct {
		cur = newUniqueCursor(cur)
	}
	if plan.SortBy != "" {
		cur = newSortCursor(cur, plan.SortBy, plan.SortDesc, plan.Collator)
	}
	if plan.Skip > 0 {
		cur = newSkipCursor(cur, plan.Skip)
	}
	if plan.Limit > 0 {
		cur = newLimitCursor(cur, plan.Limit)
	}
	c.mu.RLock()
	processors := append([]Processor(nil), c.processors...)
	c.mu.RUnlock()
	return newDocumentCursor(cur, processors), nil
}

// executePlanLocked materializes the cursor pipeline for plan; callers
// must hold at least a read lock on c for the duration of the call so a
// single operation sees a consistent view.
func (c *Collection) executePlanLocked(plan *FindPlan) (Cursor, error) {
	if plan.ByID != nil {
		var docs []*Document
		if doc, ok := c.getByID(*plan.ByID); ok {
			docs = append(docs, doc)
		}
		cur := Cursor(newSliceCursor(docs))
		if plan.FullScanFilter != nil {
			cur = newFilterCursor(cur, plan.FullScanFilter)
		}
		return cur, nil
	}

	if plan.SubPlans != nil {
		var subs []Cursor
		for _, sp := range plan.SubPlans {
			sub, err := c.executePlanLocked(sp)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
		return newUnionCursor(subs...), nil
	}

	if plan.IndexDescriptor != nil {
		indexer := indexerFor(plan.IndexDescriptor.Type)
		ids, err := indexer.FindByPlan(c.idxStore, plan.IndexDescriptor, plan)
		if err != nil {
			return nil, err
		}
		cur := Cursor(newIDLookupCursor(ids, c.getByID))
		if plan.FullScanFilter != nil {
			cur = newFilterCursor(cur, plan.FullScanFilter)
		}
		return cur, nil
	}

	entries, err := c.primary.Entries()
	if err != nil {
		return nil, wrapErr(KindIOError, "scan primary map", err)
	}
	docs := make([]*Document, 0, len(entries))
	for _, e := range entries {
		doc, err := DecodeDocument(e.Value)
		if err != nil {
			return nil, wrapErr(KindIOError, "decode document during full scan", err)
		}
		docs = append(docs, doc)
	}
	cur := Cursor(newSliceCursor(docs))
	if plan.FullScanFilter != nil {
		cur = newFilterCursor(cur, plan.FullScanFilter)
	}
	return cur, nil
}

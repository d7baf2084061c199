package nitrite

import "sort"

// Cursor is the minimal lazy-iteration contract every pipeline stage
// implements: intermediate stages own their upstream and present the same
// shape so they compose freely.
type Cursor interface {
	Next() bool
	Document() (*Document, error)
	Close() error
}

// sliceCursor is the terminal producer for stages that must materialize
// their source first (sort, unique) or that start from an already
// materialized result set.
type sliceCursor struct {
	docs []*Document
	idx  int
}

func newSliceCursor(docs []*Document) *sliceCursor { return &sliceCursor{docs: docs, idx: -1} }

func (c *sliceCursor) Next() bool { c.idx++; return c.idx < len(c.docs) }
func (c *sliceCursor) Document() (*Document, error) {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return nil, wrapErr(KindInternalError, "cursor out of bounds", nil)
	}
	return c.docs[c.idx], nil
}
func (c *sliceCursor) Close() error { c.docs = nil; return nil }

// idLookupCursor drives a stream of NitriteIDs (the output of an index
// scan) through the primary map to materialize documents.
type idLookupCursor struct {
	ids    []NitriteID
	idx    int
	lookup func(NitriteID) (*Document, bool)
}

func newIDLookupCursor(ids []NitriteID, lookup func(NitriteID) (*Document, bool)) *idLookupCursor {
	return &idLookupCursor{ids: ids, idx: -1, lookup: lookup}
}

func (c *idLookupCursor) Next() bool {
	for {
		c.idx++
		if c.idx >= len(c.ids) {
			return false
		}
		if _, ok := c.lookup(c.ids[c.idx]); ok {
			return true
		}
	}
}

func (c *idLookupCursor) Document() (*Document, error) {
	doc, ok := c.lookup(c.ids[c.idx])
	if !ok {
		return nil, wrapErr(KindInternalError, "id vanished mid-scan", nil)
	}
	return doc, nil
}

func (c *idLookupCursor) Close() error { return nil }

// filterCursor applies a residual predicate post-index.
type filterCursor struct {
	src    Cursor
	filter *Filter
	cur    *Document
}

func newFilterCursor(src Cursor, f *Filter) *filterCursor { return &filterCursor{src: src, filter: f} }

func (c *filterCursor) Next() bool {
	for c.src.Next() {
		doc, err := c.src.Document()
		if err != nil {
			continue
		}
		ok, err := c.filter.Match(doc)
		if err != nil {
			continue
		}
		if ok {
			c.cur = doc
			return true
		}
	}
	return false
}

func (c *filterCursor) Document() (*Document, error) { return c.cur, nil }
func (c *filterCursor) Close() error                  { return c.src.Close() }

// limitCursor stops after n documents.
type limitCursor struct {
	src Cursor
	n   int
	cnt int
}

func newLimitCursor(src Cursor, n int) *limitCursor { return &limitCursor{src: src, n: n} }

func (c *limitCursor) Next() bool {
	if c.cnt >= c.n {
		return false
	}
	if c.src.Next() {
		c.cnt++
		return true
	}
	return false
}
func (c *limitCursor) Document() (*Document, error) { return c.src.Document() }
func (c *limitCursor) Close() error                 { return c.src.Close() }

// skipCursor drops the first n documents.
type skipCursor struct {
	src     Cursor
	n       int
	skipped bool
}

func newSkipCursor(src Cursor, n int) *skipCursor { return &skipCursor{src: src, n: n} }

func (c *skipCursor) Next() bool {
	if !c.skipped {
		for i := 0; i < c.n; i++ {
			if !c.src.Next() {
				return false
			}
		}
		c.skipped = true
	}
	return c.src.Next()
}
func (c *skipCursor) Document() (*Document, error) { return c.src.Document() }
func (c *skipCursor) Close() error                 { return c.src.Close() }

// Collator compares two Values for ordering purposes, used by the sort
// stage. The default is byte-wise; a locale-aware collator can be
// substituted without touching the sort cursor.
type Collator func(a, b Value) int

// DefaultCollator is the total order defined by Compare.
func DefaultCollator(a, b Value) int { return Compare(a, b) }

// sortCursor buffers its source and orders it.
func newSortCursor(src Cursor, field string, desc bool, collator Collator) Cursor {
	if collator == nil {
		collator = DefaultCollator
	}
	var docs []*Document
	for src.Next() {
		if d, err := src.Document(); err == nil {
			docs = append(docs, d)
		}
	}
	src.Close()
	if field != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			cmp := collator(docs[i].Get(field), docs[j].Get(field))
			if desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}
	return newSliceCursor(docs)
}

// uniqueCursor de-duplicates by _id, preserving first-seen order (used
// after a union of OR sub-plans).
func newUniqueCursor(src Cursor) Cursor {
	seen := make(map[NitriteID]bool)
	var docs []*Document
	for src.Next() {
		d, err := src.Document()
		if err != nil {
			continue
		}
		id := d.ID()
		if seen[id] {
			continue
		}
		seen[id] = true
		docs = append(docs, d)
	}
	src.Close()
	return newSliceCursor(docs)
}

// unionCursor concatenates multiple OR sub-plan cursors; the
// caller typically wraps the result in a uniqueCursor to dedup by _id.
type unionCursor struct {
	srcs []Cursor
	i    int
}

func newUnionCursor(srcs ...Cursor) *unionCursor { return &unionCursor{srcs: srcs, i: 0} }

func (c *unionCursor) Next() bool {
	for c.i < len(c.srcs) {
		if c.srcs[c.i].Next() {
			return true
		}
		c.srcs[c.i].Close()
		c.i++
	}
	return false
}
func (c *unionCursor) Document() (*Document, error) { return c.srcs[c.i].Document() }
func (c *unionCursor) Close() error {
	var firstErr error
	for ; c.i < len(c.srcs); c.i++ {
		if err := c.srcs[c.i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// projectCursor retains only the named top-level fields of each result
// document, always keeping _id.
type projectCursor struct {
	src    Cursor
	fields []string
}

func newProjectCursor(src Cursor, fields []string) *projectCursor {
	return &projectCursor{src: src, fields: fields}
}

func (c *projectCursor) Next() bool { return c.src.Next() }
func (c *projectCursor) Document() (*Document, error) {
	d, err := c.src.Document()
	if err != nil {
		return nil, err
	}
	out := NewDocument()
	out.putUnchecked(FieldID, d.Get(FieldID))
	for _, f := range c.fields {
		if f == FieldID {
			continue
		}
		if d.ContainsKey(f) {
			out.putUnchecked(f, d.Get(f))
		}
	}
	return out, nil
}
func (c *projectCursor) Close() error { return c.src.Close() }

// Lookup describes a left join embedding: for each document
// from the driving cursor, documents from the foreign cursor whose
// ForeignField equals the driving document's LocalField are embedded as an
// Array under TargetField.
type Lookup struct {
	LocalField   string
	ForeignField string
	TargetField  string
}

// joinCursor implements Lookup. It snapshots the foreign cursor once
// so it can be replayed
// per driving document.
type joinCursor struct {
	src     Cursor
	foreign []*Document
	lookup  Lookup
}

func newJoinCursor(src Cursor, foreign Cursor, lookup Lookup) *joinCursor {
	var snap []*Document
	for foreign.Next() {
		if d, err := foreign.Document(); err == nil {
			snap = append(snap, d)
		}
	}
	foreign.Close()
	return &joinCursor{src: src, foreign: snap, lookup: lookup}
}

func (c *joinCursor) Next() bool { return c.src.Next() }
func (c *joinCursor) Document() (*Document, error) {
	d, err := c.src.Document()
	if err != nil {
		return nil, err
	}
	localVal := d.Get(c.lookup.LocalField)
	var matches []Value
	for _, fd := range c.foreign {
		if fd.Get(c.lookup.ForeignField).Equal(localVal) {
			matches = append(matches, DocumentValue(fd))
		}
	}
	out := d.Clone()
	out.putUnchecked(c.lookup.TargetField, Array(matches...))
	return out, nil
}
func (c *joinCursor) Close() error { return c.src.Close() }

// Processor transforms a Document after projection and before the caller
// sees it.
type Processor func(*Document) (*Document, error)

// DocumentCursor is the terminal handle returned to callers of Find. It
// wraps the internal pipeline and applies the processor chain.
type DocumentCursor struct {
	src        Cursor
	processors []Processor
	cur        *Document
}

func newDocumentCursor(src Cursor, processors []Processor) *DocumentCursor {
	return &DocumentCursor{src: src, processors: processors}
}

func (c *DocumentCursor) Next() bool {
	for c.src.Next() {
		doc, err := c.src.Document()
		if err != nil {
			continue
		}
		for _, p := range c.processors {
			doc, err = p(doc)
			if err != nil {
				doc = nil
				break
			}
		}
		if doc == nil {
			continue
		}
		c.cur = doc
		return true
	}
	return false
}

func (c *DocumentCursor) Value() *Document { return c.cur }
func (c *DocumentCursor) Close() error     { return c.src.Close() }

// Count consumes the cursor entirely and returns the number of matching
// documents.
func (c *DocumentCursor) Count() int {
	n := 0
	for c.Next() {
		n++
	}
	c.Close()
	return n
}

// Size is restart-safe: it counts without leaving the cursor consumed.
// The snapshot it rebinds internally holds the pre-processor documents,
// so a later iteration applies the processor chain exactly once per
// document, same as a fresh cursor.
func (c *DocumentCursor) Size() int {
	var raw []*Document
	for c.src.Next() {
		if doc, err := c.src.Document(); err == nil {
			raw = append(raw, doc)
		}
	}
	c.src.Close()
	c.src = newSliceCursor(raw)

	n := 0
	for _, doc := range raw {
		out := doc
		var err error
		for _, p := range c.processors {
			out, err = p(out)
			if err != nil {
				out = nil
				break
			}
		}
		if out != nil {
			n++
		}
	}
	return n
}

// First returns the first matching document, or nil if there are none.
func (c *DocumentCursor) First() *Document {
	if c.Next() {
		return c.Value()
	}
	return nil
}

// Collect materializes every remaining document.
func (c *DocumentCursor) Collect() []*Document {
	var docs []*Document
	for c.Next() {
		docs = append(docs, c.Value())
	}
	c.Close()
	return docs
}

// Project narrows each result document to the named fields (plus _id).
func (c *DocumentCursor) Project(fields ...string) *DocumentCursor {
	return &DocumentCursor{src: newProjectCursor(c.src, fields), processors: c.processors}
}

// Join embeds matching foreign documents per Lookup.
func (c *DocumentCursor) Join(foreign *DocumentCursor, lookup Lookup) *DocumentCursor {
	return &DocumentCursor{src: newJoinCursor(c.src, foreign.src, lookup), processors: c.processors}
}

package nitrite

import (
	"bytes"
	"sort"
	"strings"
)

// IndexType names a pluggable indexer kind. Spatial and
// full-text-inverted indexers register through the same contract but are
// out of scope here; only Unique, NonUnique and Text are
// implemented.
type IndexType uint8

const (
	IndexUnique IndexType = iota
	IndexNonUnique
	IndexFullText
)

func (t IndexType) String() string {
	switch t {
	case IndexUnique:
		return "Unique"
	case IndexNonUnique:
		return "NonUnique"
	case IndexFullText:
		return "FullText"
	default:
		return "Unknown"
	}
}

// indexFieldSeparator joins field names inside an encoded index-map name.
// CreateIndex refuses index field names containing it or "|", and
// isReservedCollectionName refuses both in collection names.
const indexFieldSeparator = "+"

// IndexDescriptor is the tuple (collection, type, fields) identifying one
// index.
type IndexDescriptor struct {
	Collection string
	Type       IndexType
	Fields     []string
}

// IsUnique reports whether this descriptor's type enforces uniqueness.
func (d *IndexDescriptor) IsUnique() bool { return d.Type == IndexUnique }

// MapName is the deterministic on-disk map name encoding
// "$nitrite_index|<type>|<encoded-fields>|<collection>".
func (d *IndexDescriptor) MapName() string {
	return "$nitrite_index|" + d.Type.String() + "|" + strings.Join(d.Fields, indexFieldSeparator) + "|" + d.Collection
}

// IndexKey is the composite ordered tuple of indexed field values for one
// document.
type IndexKey struct {
	Values []Value
}

// Encode produces the canonical sortable byte key for this composite,
// concatenating each component's EncodeKey with a length prefix so
// components cannot bleed into each other.
func (k IndexKey) Encode() []byte {
	var out []byte
	for _, v := range k.Values {
		enc := v.EncodeKey()
		out = append(out, byte(len(enc)>>8), byte(len(enc)))
		out = append(out, enc...)
	}
	return out
}

// extractIndexKeys computes every index-key tuple a document contributes
// to descriptor's index: one key per field, or the
// cartesian product of keys when an indexed field holds an Array (one
// entry per array element). Non-comparable field values (Bytes, nested
// Array, Document) fail with IndexingError.
func extractIndexKeys(doc *Document, fields []string) ([]IndexKey, error) {
	keys := []IndexKey{{}}
	for _, field := range fields {
		v := doc.Get(field)
		var options []Value
		if v.Kind() == KindArray {
			for _, elem := range v.AsArray() {
				if !elem.IsComparable() {
					return nil, wrapErr(KindIndexingError, "non-comparable value in indexed array field "+field, nil)
				}
				options = append(options, elem)
			}
			if len(options) == 0 {
				options = []Value{Null}
			}
		} else {
			if !v.IsComparable() {
				return nil, wrapErr(KindIndexingError, "non-comparable value for indexed field "+field, nil)
			}
			options = []Value{v}
		}
		var next []IndexKey
		for _, existing := range keys {
			for _, opt := range options {
				k := IndexKey{Values: append(append([]Value(nil), existing.Values...), opt)}
				next = append(next, k)
			}
		}
		keys = next
	}
	return keys, nil
}

// Indexer is the plugin contract every index kind implements.
type Indexer interface {
	Type() IndexType
	IsUnique() bool
	ValidateFields(fields []string) error
	WriteEntry(store *indexStore, desc *IndexDescriptor, doc *Document) error
	RemoveEntry(store *indexStore, desc *IndexDescriptor, doc *Document) error
	DropIndex(store *indexStore, desc *IndexDescriptor) error
	FindByPlan(store *indexStore, desc *IndexDescriptor, plan *FindPlan) ([]NitriteID, error)
}

// indexStore is the narrow storage surface an Indexer needs: a named,
// ordered byte-keyed map per descriptor.
type indexStore struct {
	maps map[string]*orderedIDSetMap
}

func newIndexStore() *indexStore { return &indexStore{maps: make(map[string]*orderedIDSetMap)} }

func (s *indexStore) mapFor(desc *IndexDescriptor) *orderedIDSetMap {
	name := desc.MapName()
	m, ok := s.maps[name]
	if !ok {
		m = newOrderedIDSetMap()
		s.maps[name] = m
	}
	return m
}

func (s *indexStore) drop(desc *IndexDescriptor) { delete(s.maps, desc.MapName()) }

// clone deep-copies every index map. Mutations are staged on a clone and
// the clone swapped in only once the whole operation has succeeded, so a
// rejected write never leaves an index partially updated.
func (s *indexStore) clone() *indexStore {
	out := newIndexStore()
	for name, m := range s.maps {
		cp := newOrderedIDSetMap()
		for k, v := range m.entries {
			cp.entries[k] = append([]NitriteID(nil), v...)
		}
		cp.keys = append([][]byte(nil), m.keys...)
		out.maps[name] = cp
	}
	return out
}

// orderedIDSetMap is a byte-keyed map from an encoded IndexKey to a set
// of NitriteIds; unique indexes simply keep that set at size <= 1. keys
// is kept sorted under compareEncodedKeys so index scans yield ids in
// index-key order.
type orderedIDSetMap struct {
	entries map[string][]NitriteID
	keys    [][]byte
}

func newOrderedIDSetMap() *orderedIDSetMap {
	return &orderedIDSetMap{entries: make(map[string][]NitriteID)}
}

// splitKeyComponents reverses IndexKey.Encode's length-prefixed framing,
// returning each component's EncodeKey bytes.
func splitKeyComponents(key []byte) [][]byte {
	var out [][]byte
	for i := 0; i+2 <= len(key); {
		n := int(key[i])<<8 | int(key[i+1])
		i += 2
		if i+n > len(key) {
			break
		}
		out = append(out, key[i:i+n])
		i += n
	}
	return out
}

// compareEncodedKeys orders two encoded composite keys component-wise. A
// key that is a strict prefix of another sorts first, so an eq-prefix
// bound built from fewer components than the index declares still lands
// before every key it covers.
func compareEncodedKeys(a, b []byte) int {
	ac, bc := splitKeyComponents(a), splitKeyComponents(b)
	for i := 0; i < len(ac) && i < len(bc); i++ {
		if c := bytes.Compare(ac[i], bc[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(ac) < len(bc):
		return -1
	case len(ac) > len(bc):
		return 1
	default:
		return 0
	}
}

func (m *orderedIDSetMap) add(key []byte, id NitriteID) {
	k := string(key)
	if _, exists := m.entries[k]; !exists {
		idx := sort.Search(len(m.keys), func(i int) bool { return compareEncodedKeys(m.keys[i], key) >= 0 })
		m.keys = append(m.keys, nil)
		copy(m.keys[idx+1:], m.keys[idx:])
		m.keys[idx] = key
	}
	ids := m.entries[k]
	for _, existing := range ids {
		if existing == id {
			return
		}
	}
	m.entries[k] = append(ids, id)
}

func (m *orderedIDSetMap) remove(key []byte, id NitriteID) {
	k := string(key)
	ids, ok := m.entries[k]
	if !ok {
		return
	}
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	if len(out) == 0 {
		delete(m.entries, k)
		for i, existing := range m.keys {
			if string(existing) == k {
				m.keys = append(m.keys[:i], m.keys[i+1:]...)
				break
			}
		}
		return
	}
	m.entries[k] = out
}

func (m *orderedIDSetMap) get(key []byte) []NitriteID { return m.entries[string(key)] }

// uniqueIndexer enforces at most one NitriteId per key.
type uniqueIndexer struct{}

func (uniqueIndexer) Type() IndexType { return IndexUnique }
func (uniqueIndexer) IsUnique() bool  { return true }
func (uniqueIndexer) ValidateFields(fields []string) error {
	if len(fields) == 0 {
		return newErr(KindIndexingError, "index requires at least one field")
	}
	return nil
}

func (uniqueIndexer) WriteEntry(store *indexStore, desc *IndexDescriptor, doc *Document) error {
	keys, err := extractIndexKeys(doc, desc.Fields)
	if err != nil {
		return err
	}
	m := store.mapFor(desc)
	id := doc.ID()
	for _, k := range keys {
		enc := k.Encode()
		if existing := m.get(enc); len(existing) > 0 && existing[0] != id {
			return wrapErr(KindUniqueConstraintViolation, "duplicate key on unique index "+desc.MapName(), nil)
		}
	}
	for _, k := range keys {
		m.add(k.Encode(), id)
	}
	return nil
}

func (uniqueIndexer) RemoveEntry(store *indexStore, desc *IndexDescriptor, doc *Document) error {
	keys, err := extractIndexKeys(doc, desc.Fields)
	if err != nil {
		return err
	}
	m := store.mapFor(desc)
	id := doc.ID()
	for _, k := range keys {
		m.remove(k.Encode(), id)
	}
	return nil
}

func (uniqueIndexer) DropIndex(store *indexStore, desc *IndexDescriptor) error {
	store.drop(desc)
	return nil
}

func (uniqueIndexer) FindByPlan(store *indexStore, desc *IndexDescriptor, plan *FindPlan) ([]NitriteID, error) {
	return scanIndexMap(store.mapFor(desc), desc, plan)
}

// nonUniqueIndexer allows many NitriteIds per key.
type nonUniqueIndexer struct{}

func (nonUniqueIndexer) Type() IndexType { return IndexNonUnique }
func (nonUniqueIndexer) IsUnique() bool  { return false }
func (nonUniqueIndexer) ValidateFields(fields []string) error {
	if len(fields) == 0 {
		return newErr(KindIndexingError, "index requires at least one field")
	}
	return nil
}

func (nonUniqueIndexer) WriteEntry(store *indexStore, desc *IndexDescriptor, doc *Document) error {
	keys, err := extractIndexKeys(doc, desc.Fields)
	if err != nil {
		return err
	}
	m := store.mapFor(desc)
	id := doc.ID()
	for _, k := range keys {
		m.add(k.Encode(), id)
	}
	return nil
}

func (nonUniqueIndexer) RemoveEntry(store *indexStore, desc *IndexDescriptor, doc *Document) error {
	keys, err := extractIndexKeys(doc, desc.Fields)
	if err != nil {
		return err
	}
	m := store.mapFor(desc)
	id := doc.ID()
	for _, k := range keys {
		m.remove(k.Encode(), id)
	}
	return nil
}

func (nonUniqueIndexer) DropIndex(store *indexStore, desc *IndexDescriptor) error {
	store.drop(desc)
	return nil
}

func (nonUniqueIndexer) FindByPlan(store *indexStore, desc *IndexDescriptor, plan *FindPlan) ([]NitriteID, error) {
	return scanIndexMap(store.mapFor(desc), desc, plan)
}

// textIndexer tokenizes a single String field and stores tokens as
// non-unique keys.
type textIndexer struct{}

func (textIndexer) Type() IndexType { return IndexFullText }
func (textIndexer) IsUnique() bool  { return false }
func (textIndexer) ValidateFields(fields []string) error {
	if len(fields) != 1 {
		return newErr(KindIndexingError, "full-text index supports exactly one field")
	}
	return nil
}

func (textIndexer) WriteEntry(store *indexStore, desc *IndexDescriptor, doc *Document) error {
	v := doc.Get(desc.Fields[0])
	if v.Kind() != KindString {
		return nil
	}
	m := store.mapFor(desc)
	id := doc.ID()
	for _, tok := range tokenize(v.AsString(), true) {
		m.add(IndexKey{Values: []Value{Str(tok)}}.Encode(), id)
	}
	return nil
}

func (textIndexer) RemoveEntry(store *indexStore, desc *IndexDescriptor, doc *Document) error {
	v := doc.Get(desc.Fields[0])
	if v.Kind() != KindString {
		return nil
	}
	m := store.mapFor(desc)
	id := doc.ID()
	for _, tok := range tokenize(v.AsString(), true) {
		m.remove(IndexKey{Values: []Value{Str(tok)}}.Encode(), id)
	}
	return nil
}

func (textIndexer) DropIndex(store *indexStore, desc *IndexDescriptor) error {
	store.drop(desc)
	return nil
}

// FindByPlan for a text indexer runs against the single-token equality
// the planner's text-query rewrite produces; wildcard queries never reach
// here (they plan as full scans).
func (textIndexer) FindByPlan(store *indexStore, desc *IndexDescriptor, plan *FindPlan) ([]NitriteID, error) {
	return scanIndexMap(store.mapFor(desc), desc, plan)
}

// scanIndexMap walks the index scan filter in plan against m and returns
// the union of matching NitriteIds in index-key order, deduplicated. A
// point key (every index field equality-constrained) is a direct map
// lookup; otherwise the sorted key list is walked from the lower bound
// with every scan conjunct evaluated per key component, so range, Ne and
// In predicates all apply at the index level.
func scanIndexMap(m *orderedIDSetMap, desc *IndexDescriptor, plan *FindPlan) ([]NitriteID, error) {
	if plan.IndexScanFilter == nil {
		return nil, wrapErr(KindInternalError, "index scan requested without a scan filter", nil)
	}
	var ids []NitriteID
	seen := map[NitriteID]bool{}
	collect := func(key []byte) {
		for _, id := range m.entries[string(key)] {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	lo, _, point, err := boundsFor(desc.Fields, plan.IndexScanFilter)
	if err != nil {
		// No seekable bound (e.g. an Ne-only scan filter): walk every key.
		lo, point = nil, nil
	}
	if point != nil {
		collect(point)
		return ids, nil
	}

	start := 0
	if lo != nil {
		start = sort.Search(len(m.keys), func(i int) bool { return compareEncodedKeys(m.keys[i], lo) >= 0 })
	}
	for _, key := range m.keys[start:] {
		if keyMatchesScanFilter(splitKeyComponents(key), desc.Fields, plan.IndexScanFilter) {
			collect(key)
		}
	}
	return ids, nil
}

// keyMatchesScanFilter evaluates every conjunct of scan against the key
// component belonging to the conjunct's field. Comparisons run on the
// canonical EncodeKey bytes, whose lexicographic order matches the Value
// total order.
func keyMatchesScanFilter(comps [][]byte, fields []string, scan *Filter) bool {
	var conjuncts []*Filter
	if scan.kind == FilterAnd {
		conjuncts = scan.subs
	} else {
		conjuncts = []*Filter{scan}
	}
	for _, c := range conjuncts {
		idx := -1
		for i, f := range fields {
			if f == c.field {
				idx = i
				break
			}
		}
		if idx < 0 || idx >= len(comps) {
			return false
		}
		comp := comps[idx]
		switch c.kind {
		case FilterEq:
			if !bytes.Equal(comp, c.value.EncodeKey()) {
				return false
			}
		case FilterNe:
			if bytes.Equal(comp, c.value.EncodeKey()) {
				return false
			}
		case FilterLt:
			if bytes.Compare(comp, c.value.EncodeKey()) >= 0 {
				return false
			}
		case FilterLte:
			if bytes.Compare(comp, c.value.EncodeKey()) > 0 {
				return false
			}
		case FilterGt:
			if bytes.Compare(comp, c.value.EncodeKey()) <= 0 {
				return false
			}
		case FilterGte:
			if bytes.Compare(comp, c.value.EncodeKey()) < 0 {
				return false
			}
		case FilterIn:
			found := false
			for _, v := range c.values {
				if bytes.Equal(comp, v.EncodeKey()) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case FilterNotIn:
			for _, v := range c.values {
				if bytes.Equal(comp, v.EncodeKey()) {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

// boundsFor computes the byte-key range (or exact point key) implied by an
// AND-group of equality/range predicates over a compound index's declared
// field order.
func boundsFor(fields []string, group *Filter) (lo, hi, point []byte, err error) {
	eqs := make(map[string]Value)
	var lower, upper *Value
	var lowerField, upperField string

	var conjuncts []*Filter
	if group.kind == FilterAnd {
		conjuncts = group.subs
	} else {
		conjuncts = []*Filter{group}
	}
	for _, c := range conjuncts {
		switch c.kind {
		case FilterEq, FilterByID:
			if c.kind == FilterByID {
				continue
			}
			eqs[c.field] = c.value
		case FilterGt, FilterGte:
			v := c.value
			lower = &v
			lowerField = c.field
		case FilterLt, FilterLte:
			v := c.value
			upper = &v
			upperField = c.field
		}
	}

	allEq := true
	vals := make([]Value, 0, len(fields))
	for _, f := range fields {
		v, ok := eqs[f]
		if !ok {
			allEq = false
			break
		}
		vals = append(vals, v)
	}
	if allEq && len(vals) == len(fields) {
		return nil, nil, IndexKey{Values: vals}.Encode(), nil
	}

	// Prefix of equalities followed by one range on the next field.
	prefix := make([]Value, 0, len(fields))
	for _, f := range fields {
		if v, ok := eqs[f]; ok {
			prefix = append(prefix, v)
			continue
		}
		if lower != nil && lowerField == f {
			loKey := IndexKey{Values: append(append([]Value(nil), prefix...), *lower)}.Encode()
			var hiKey []byte
			if upper != nil && upperField == f {
				hiKey = IndexKey{Values: append(append([]Value(nil), prefix...), *upper)}.Encode()
			}
			return loKey, hiKey, nil, nil
		}
		if upper != nil && upperField == f {
			hiKey := IndexKey{Values: append(append([]Value(nil), prefix...), *upper)}.Encode()
			return nil, hiKey, nil, nil
		}
		break
	}
	if len(prefix) > 0 {
		loKey := IndexKey{Values: prefix}.Encode()
		return loKey, nil, nil, nil
	}
	return nil, nil, nil, wrapErr(KindInternalError, "index scan filter did not resolve to a usable bound", nil)
}

func defaultIndexerFor(t IndexType) Indexer {
	switch t {
	case IndexUnique:
		return uniqueIndexer{}
	case IndexNonUnique:
		return nonUniqueIndexer{}
	case IndexFullText:
		return textIndexer{}
	default:
		return nonUniqueIndexer{}
	}
}

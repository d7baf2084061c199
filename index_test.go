package nitrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexDescriptorMapName(t *testing.T) {
	desc := &IndexDescriptor{Collection: "people", Type: IndexUnique, Fields: []string{"a", "b"}}
	assert.Equal(t, "$nitrite_index|Unique|a+b|people", desc.MapName())
}

func TestExtractIndexKeysScalar(t *testing.T) {
	doc := DocumentFrom(map[string]Value{"name": Str("Alice")})
	keys, err := extractIndexKeys(doc, []string{"name"})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, Str("Alice"), keys[0].Values[0])
}

func TestExtractIndexKeysArrayCartesianProduct(t *testing.T) {
	doc := DocumentFrom(map[string]Value{"tags": Array(Str("a"), Str("b"))})
	keys, err := extractIndexKeys(doc, []string{"tags"})
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "a", keys[0].Values[0].AsString())
	assert.Equal(t, "b", keys[1].Values[0].AsString())
}

func TestExtractIndexKeysRejectsNonComparable(t *testing.T) {
	doc := DocumentFrom(map[string]Value{"blob": Binary([]byte{1, 2, 3})})
	_, err := extractIndexKeys(doc, []string{"blob"})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindIndexingError, kind)
}

func TestExtractIndexKeysNullField(t *testing.T) {
	doc := NewDocument()
	keys, err := extractIndexKeys(doc, []string{"missing"})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, keys[0].Values[0].IsNull())
}

func TestOrderedIDSetMapAddRemove(t *testing.T) {
	m := newOrderedIDSetMap()
	key := []byte("k")
	m.add(key, 1)
	m.add(key, 2)
	m.add(key, 1) // duplicate, no-op
	assert.ElementsMatch(t, []NitriteID{1, 2}, m.get(key))
	assert.Len(t, m.keys, 1)

	m.remove(key, 1)
	assert.Equal(t, []NitriteID{2}, m.get(key))

	m.remove(key, 2)
	assert.Empty(t, m.get(key))
	assert.Len(t, m.keys, 0)
}

func TestCompareEncodedKeysComponentwise(t *testing.T) {
	ab := IndexKey{Values: []Value{Str("ab")}}.Encode()
	b := IndexKey{Values: []Value{Str("b")}}.Encode()
	assert.Negative(t, compareEncodedKeys(ab, b))

	// A strict prefix sorts before every key it covers.
	prefix := IndexKey{Values: []Value{Str("x")}}.Encode()
	full := IndexKey{Values: []Value{Str("x"), I64(1)}}.Encode()
	assert.Negative(t, compareEncodedKeys(prefix, full))
	assert.Positive(t, compareEncodedKeys(full, prefix))
}

func TestOrderedIDSetMapKeepsKeysSorted(t *testing.T) {
	m := newOrderedIDSetMap()
	for i, s := range []string{"c", "a", "b"} {
		m.add(IndexKey{Values: []Value{Str(s)}}.Encode(), NitriteID(i+1))
	}
	require.Len(t, m.keys, 3)
	for i := 1; i < len(m.keys); i++ {
		assert.Negative(t, compareEncodedKeys(m.keys[i-1], m.keys[i]))
	}
}

func TestScanIndexMapAppliesNonBoundsPredicates(t *testing.T) {
	store := newIndexStore()
	desc := &IndexDescriptor{Collection: "c", Type: IndexNonUnique, Fields: []string{"last_name", "first_name"}}
	indexer := nonUniqueIndexer{}

	for _, pair := range [][2]string{{"ln2", "fn1"}, {"ln2", "fn2"}, {"ln1", "fn1"}} {
		doc := DocumentFrom(map[string]Value{"last_name": Str(pair[0]), "first_name": Str(pair[1])})
		doc.ID()
		require.NoError(t, indexer.WriteEntry(store, desc, doc))
	}

	plan := &FindPlan{
		IndexDescriptor: desc,
		IndexScanFilter: And(Eq("last_name", Str("ln2")), Ne("first_name", Str("fn1"))),
	}
	ids, err := indexer.FindByPlan(store, desc, plan)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	plan.IndexScanFilter = And(Eq("last_name", Str("ln2")), In("first_name", Str("fn1"), Str("fn2")))
	ids, err = indexer.FindByPlan(store, desc, plan)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestUniqueIndexerRejectsDuplicateKey(t *testing.T) {
	store := newIndexStore()
	desc := &IndexDescriptor{Collection: "c", Type: IndexUnique, Fields: []string{"email"}}
	indexer := uniqueIndexer{}

	doc1 := DocumentFrom(map[string]Value{"email": Str("a@x")})
	doc2 := DocumentFrom(map[string]Value{"email": Str("a@x")})
	doc1.ID()
	doc2.ID()

	require.NoError(t, indexer.WriteEntry(store, desc, doc1))
	err := indexer.WriteEntry(store, desc, doc2)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindUniqueConstraintViolation, kind)
}

func TestTextIndexerTokenizesAndRemoves(t *testing.T) {
	store := newIndexStore()
	desc := &IndexDescriptor{Collection: "articles", Type: IndexFullText, Fields: []string{"body"}}
	indexer := textIndexer{}

	doc := DocumentFrom(map[string]Value{"body": Str("Lorem ipsum")})
	doc.ID()
	require.NoError(t, indexer.WriteEntry(store, desc, doc))

	m := store.mapFor(desc)
	assert.NotEmpty(t, m.keys)

	require.NoError(t, indexer.RemoveEntry(store, desc, doc))
	for _, k := range m.keys {
		assert.Empty(t, m.get(k))
	}
}

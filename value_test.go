package nitrite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValueCompareTotalOrder(t *testing.T) {
	assert.Equal(t, 0, Compare(Null, Null))
	assert.Equal(t, -1, Compare(Null, I64(1)))
	assert.Equal(t, 1, Compare(I64(1), Null))
	assert.Equal(t, -1, Compare(I32(1), I64(2)))
	assert.Equal(t, 0, Compare(I32(5), F64(5)))
	assert.Equal(t, -1, Compare(Str("a"), Str("b")))
}

func TestValueEqual(t *testing.T) {
	assert.True(t, I32(3).Equal(I64(3)))
	assert.True(t, F64(2.5).Equal(F64(2.5)))
	assert.False(t, Str("a").Equal(Str("b")))
	assert.True(t, Array(I64(1), Str("x")).Equal(Array(I64(1), Str("x"))))
	assert.False(t, Array(I64(1)).Equal(Array(I64(2))))
}

func TestValueIsComparable(t *testing.T) {
	assert.True(t, Null.IsComparable())
	assert.True(t, I64(1).IsComparable())
	assert.True(t, DateTime(time.Now()).IsComparable())
	assert.False(t, Array(I64(1)).IsComparable())
	assert.False(t, Binary([]byte("x")).IsComparable())
	assert.False(t, DocumentValue(NewDocument()).IsComparable())
}

func TestValueEncodeKeyPreservesOrder(t *testing.T) {
	vals := []Value{Null, I64(-5), I64(0), I64(5), I64(100), Str("a"), Str("b")}
	for i := 0; i < len(vals); i++ {
		for j := i + 1; j < len(vals); j++ {
			cmp := Compare(vals[i], vals[j])
			if cmp >= 0 {
				continue
			}
			assert.True(t, string(vals[i].EncodeKey()) < string(vals[j].EncodeKey()),
				"expected EncodeKey(%v) < EncodeKey(%v)", vals[i], vals[j])
		}
	}
}

func TestValueEncodeKeyPanicsOnNonComparable(t *testing.T) {
	assert.Panics(t, func() { Array(I64(1)).EncodeKey() })
}

func TestDocumentFieldPathNavigation(t *testing.T) {
	doc := NewDocument()
	require := assert.New(t)
	require.NoError(doc.Put("address.city", Str("Springfield")))
	require.Equal("Springfield", doc.Get("address.city").AsString())
	require.True(doc.ContainsKey("address.city"))
	require.False(doc.ContainsKey("address.zip"))
	require.True(doc.Get("address.zip").IsNull())
}

func TestDocumentArrayOfDocumentsProjection(t *testing.T) {
	child1 := NewDocument()
	_ = child1.Put("n", I64(1))
	child2 := NewDocument()
	_ = child2.Put("n", I64(2))

	doc := NewDocument()
	_ = doc.Put("items", Array(DocumentValue(child1), DocumentValue(child2)))

	projected := doc.Get("items.n")
	assert.Equal(t, KindArray, projected.Kind())
	assert.Equal(t, 2, len(projected.AsArray()))
	assert.Equal(t, int64(1), projected.AsArray()[0].AsI64())
	assert.Equal(t, int64(2), projected.AsArray()[1].AsI64())
}

func TestDocumentPutRejectsReservedField(t *testing.T) {
	doc := NewDocument()
	err := doc.Put(FieldID, I64(1))
	assert.Error(t, err)
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindValidationError, kind)
}

func TestDocumentCloneIsDeep(t *testing.T) {
	doc := NewDocument()
	_ = doc.Put("arr", Array(I64(1), I64(2)))
	clone := doc.Clone()
	assert.True(t, doc.Equal(clone))

	clone.setRaw("arr", Array(I64(9)))
	assert.False(t, doc.Equal(clone))
	assert.Equal(t, int64(1), doc.Get("arr").AsArray()[0].AsI64())
}

package nitrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatchScalarComparisons(t *testing.T) {
	doc := DocumentFrom(map[string]Value{"age": I64(30)})

	ok, err := Eq("age", I64(30)).Match(doc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Gt("age", I64(18)).Match(doc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Lt("age", I64(18)).Match(doc)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = In("age", I64(10), I64(30)).Match(doc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = NotIn("age", I64(10), I64(30)).Match(doc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterElemMatchOverArrayOfDocuments(t *testing.T) {
	item1 := DocumentFrom(map[string]Value{"sku": Str("a"), "qty": I64(1)})
	item2 := DocumentFrom(map[string]Value{"sku": Str("b"), "qty": I64(5)})
	doc := DocumentFrom(map[string]Value{"items": Array(DocumentValue(item1), DocumentValue(item2))})

	ok, err := ElemMatch("items", Gte("qty", I64(5))).Match(doc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ElemMatch("items", Eq("sku", Str("z"))).Match(doc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterElemMatchOverScalarArray(t *testing.T) {
	doc := DocumentFrom(map[string]Value{"tags": Array(I64(1), I64(2), I64(3))})

	ok, err := ElemMatch("tags", Gt("_elem", I64(2))).Match(doc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ElemMatch("tags", Gt("_elem", I64(10))).Match(doc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterAndOrNot(t *testing.T) {
	doc := DocumentFrom(map[string]Value{"a": I64(1), "b": I64(2)})

	ok, err := And(Eq("a", I64(1)), Eq("b", I64(2))).Match(doc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Or(Eq("a", I64(99)), Eq("b", I64(2))).Match(doc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Not(Eq("a", I64(1))).Match(doc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterExprEvaluatesCELAgainstDocument(t *testing.T) {
	doc := DocumentFrom(map[string]Value{"age": I64(42), "name": Str("Alice")})

	ok, err := Expr(`resource.age > 18 && resource.name == "Alice"`).Match(doc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Expr(`resource.age < 18`).Match(doc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterExprCompileErrorSurfacesAsFilterError(t *testing.T) {
	doc := NewDocument()
	_, err := Expr(`resource.age >`).Match(doc)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindFilterError, kind)
}

func TestFilterFieldsCollectsLeafPaths(t *testing.T) {
	f := And(Eq("a", I64(1)), Or(Eq("b", I64(2)), Gt("c", I64(3))))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, f.Fields())
}

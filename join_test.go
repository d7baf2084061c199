package nitrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentCursorJoinEmbedsMatches(t *testing.T) {
	db := openTestDB(t)
	orders, err := db.Collection("orders")
	require.NoError(t, err)
	customers, err := db.Collection("customers")
	require.NoError(t, err)

	_, err = customers.Insert(
		DocumentFrom(map[string]Value{"cid": Str("c1"), "name": Str("Alice")}),
		DocumentFrom(map[string]Value{"cid": Str("c2"), "name": Str("Bob")}),
	)
	require.NoError(t, err)

	_, err = orders.Insert(
		DocumentFrom(map[string]Value{"customer_id": Str("c1"), "total": I64(10)}),
		DocumentFrom(map[string]Value{"customer_id": Str("c1"), "total": I64(20)}),
		DocumentFrom(map[string]Value{"customer_id": Str("c2"), "total": I64(5)}),
	)
	require.NoError(t, err)

	orderCur, err := orders.Find(All(), FindOptions{SortField: "total"})
	require.NoError(t, err)
	customerCur, err := customers.Find(All(), FindOptions{})
	require.NoError(t, err)

	joined := orderCur.Join(customerCur, Lookup{LocalField: "customer_id", ForeignField: "cid", TargetField: "customer"})
	results := joined.Collect()
	require.Len(t, results, 3)

	for _, doc := range results {
		embedded := doc.Get("customer")
		require.Equal(t, KindArray, embedded.Kind())
		require.Len(t, embedded.AsArray(), 1)
		matched := embedded.AsArray()[0].AsDocument()
		assert.Equal(t, doc.Get("customer_id").AsString(), matched.Get("cid").AsString())
	}
}

func TestDocumentCursorProjectKeepsIDAndNamedFields(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("projectables")
	require.NoError(t, err)
	ids, err := col.Insert(DocumentFrom(map[string]Value{"a": I64(1), "b": I64(2), "c": I64(3)}))
	require.NoError(t, err)

	cur, err := col.Find(All(), FindOptions{})
	require.NoError(t, err)
	projected := cur.Project("a")
	results := projected.Collect()
	require.Len(t, results, 1)

	doc := results[0]
	assert.Equal(t, ids[0], doc.ID())
	assert.True(t, doc.ContainsKey("a"))
	assert.False(t, doc.ContainsKey("b"))
	assert.False(t, doc.ContainsKey("c"))
}

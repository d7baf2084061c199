package nitrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInsertAndFindByEq(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("people")
	require.NoError(t, err)

	alice := DocumentFrom(map[string]Value{"name": Str("Alice"), "age": I64(30)})
	bob := DocumentFrom(map[string]Value{"name": Str("Bob"), "age": I64(25)})
	_, err = col.Insert(alice, bob)
	require.NoError(t, err)

	cur, err := col.Find(Eq("name", Str("Alice")), FindOptions{})
	require.NoError(t, err)
	results := cur.Collect()
	require.Len(t, results, 1)
	assert.True(t, results[0].HasID())
	assert.Equal(t, int64(1), results[0].Revision())
	assert.Equal(t, "Alice", results[0].Get("name").AsString())
}

func TestUniqueIndexConflict(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("users")
	require.NoError(t, err)
	require.NoError(t, col.CreateIndex(IndexUnique, "email"))

	_, err = col.Insert(DocumentFrom(map[string]Value{"email": Str("a@x")}))
	require.NoError(t, err)

	_, err = col.Insert(DocumentFrom(map[string]Value{"email": Str("a@x")}))
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindUniqueConstraintViolation, kind)

	size, err := col.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	m := col.idxStore.mapFor(&IndexDescriptor{Collection: "users", Type: IndexUnique, Fields: []string{"email"}})
	assert.Len(t, m.keys, 1)
}

func docFields(list, lastName, firstName, body string) *Document {
	return DocumentFrom(map[string]Value{
		"list":       Str(list),
		"last_name":  Str(lastName),
		"first_name": Str(firstName),
		"body":       Str(body),
	})
}

func TestCompoundIndexPlanner(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("contacts")
	require.NoError(t, err)
	require.NoError(t, col.CreateIndex(IndexUnique, "list", "last_name", "first_name"))

	_, err = col.Insert(
		docFields("four", "ln2", "fn1", "alpha"),
		docFields("four", "ln2", "fn2", "beta"),
		docFields("four", "ln1", "fn1", "gamma"),
	)
	require.NoError(t, err)

	filter := And(Eq("list", Str("four")), Eq("last_name", Str("ln2")), Ne("first_name", Str("fn1")))
	col.mu.RLock()
	plan := planQuery(filter, col.descriptors, FindOptions{})
	col.mu.RUnlock()

	require.NotNil(t, plan.IndexDescriptor)
	assert.Equal(t, []string{"list", "last_name", "first_name"}, plan.IndexDescriptor.Fields)
	require.NotNil(t, plan.IndexScanFilter)
	assert.Nil(t, plan.FullScanFilter)

	cur, err := col.Find(filter, FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Count())
}

func TestOrOfAndUnionDedup(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("contacts2")
	require.NoError(t, err)
	require.NoError(t, col.CreateIndex(IndexUnique, "last_name", "first_name"))

	_, err = col.Insert(
		docFields("x", "ln2", "fn1", "a"),
		docFields("x", "ln2", "fn2", "b"),
		docFields("x", "ln2", "fn3", "c"),
	)
	require.NoError(t, err)

	filter := Or(
		And(Eq("last_name", Str("ln2")), Ne("first_name", Str("fn1"))),
		And(Eq("first_name", Str("fn3")), Eq("last_name", Str("ln2"))),
	)

	col.mu.RLock()
	plan := planQuery(filter, col.descriptors, FindOptions{})
	col.mu.RUnlock()
	require.Len(t, plan.SubPlans, 2)

	cur, err := col.Find(filter, FindOptions{})
	require.NoError(t, err)
	results := cur.Collect()

	names := map[string]bool{}
	for _, d := range results {
		names[d.Get("first_name").AsString()+"/"+d.Get("last_name").AsString()] = true
	}
	assert.Equal(t, 2, len(results))
	assert.True(t, names["fn2/ln2"])
	assert.True(t, names["fn3/ln2"])
}

func TestTextIndexWildcards(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("articles")
	require.NoError(t, err)
	require.NoError(t, col.CreateIndex(IndexFullText, "body"))

	_, err = col.Insert(DocumentFrom(map[string]Value{"body": Str("Lorem ipsum dolor sit amet")}))
	require.NoError(t, err)

	cur, err := col.Find(Text("body", "Lo*"), FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Count())

	_, err = col.Find(Text("body", "*"), FindOptions{})
	requireFilterError(t, err)

	_, err = col.Find(Text("body", "*ipsum dolor*"), FindOptions{})
	requireFilterError(t, err)
}

func requireFilterError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindFilterError, kind)
}

func TestTransactionRollbackThenCommit(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Collection("X")
	require.NoError(t, err)

	session := db.BeginSession()
	txn, err := session.Begin(ReadCommitted)
	require.NoError(t, err)
	txCol, err := txn.Collection("X")
	require.NoError(t, err)

	docs := make([]*Document, 5)
	for i := range docs {
		docs[i] = NewDocument()
	}
	ids, err := txCol.Insert(docs...)
	require.NoError(t, err)
	require.Len(t, ids, 5)

	cur, err := txCol.Find(All(), FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, cur.Count())

	require.NoError(t, txn.Rollback())

	outside, err := db.Collection("X")
	require.NoError(t, err)
	size, err := outside.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, size)

	session2 := db.BeginSession()
	txn2, err := session2.Begin(ReadCommitted)
	require.NoError(t, err)
	txCol2, err := txn2.Collection("X")
	require.NoError(t, err)

	more := make([]*Document, 3)
	for i := range more {
		more[i] = NewDocument()
	}
	_, err = txCol2.Insert(more...)
	require.NoError(t, err)
	require.NoError(t, txn2.Commit())

	size, err = outside.Size()
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	cur, err = outside.Find(All(), FindOptions{})
	require.NoError(t, err)
	for _, d := range cur.Collect() {
		assert.Equal(t, "X", d.Source())
	}
}

func TestInsertThenGetByIDRoundTrip(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("roundtrip")
	require.NoError(t, err)

	ids, err := col.Insert(DocumentFrom(map[string]Value{"k": Str("v")}))
	require.NoError(t, err)

	doc, ok, err := col.GetByID(ids[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ids[0], doc.ID())
	assert.Equal(t, int64(1), doc.Revision())
	assert.Equal(t, "v", doc.Get("k").AsString())

	_, _, err = col.GetByID(NitriteID(42))
	require.Error(t, err)
	kind, hasKind := KindOf(err)
	require.True(t, hasKind)
	assert.Equal(t, KindInvalidID, kind)
}

func TestCollectionAttributeBagRoundTrip(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("attributed")
	require.NoError(t, err)

	v, err := col.Attribute("missing")
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	require.NoError(t, col.SetAttribute("region", Str("eu-west")))
	require.NoError(t, col.SetAttribute("replicas", I64(3)))

	v, err = col.Attribute("region")
	require.NoError(t, err)
	assert.Equal(t, "eu-west", v.AsString())
	v, err = col.Attribute("replicas")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.AsI64())
}

func TestProcessorChainAppliedToFindResults(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("processed")
	require.NoError(t, err)

	col.AddProcessor(func(d *Document) (*Document, error) {
		out := d.Clone()
		out.putUnchecked("seen", Bool(true))
		return out, nil
	})

	_, err = col.Insert(DocumentFrom(map[string]Value{"n": I64(1)}))
	require.NoError(t, err)

	cur, err := col.Find(All(), FindOptions{})
	require.NoError(t, err)
	results := cur.Collect()
	require.Len(t, results, 1)
	assert.True(t, results[0].Get("seen").AsBool())
}

func TestCursorSizeIsRestartSafeWithProcessors(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("restartable")
	require.NoError(t, err)

	// A stamping processor makes double application observable: each run
	// increments the stamp count on the document it hands back.
	col.AddProcessor(func(d *Document) (*Document, error) {
		out := d.Clone()
		out.putUnchecked("stamps", I64(d.Get("stamps").AsI64()+1))
		return out, nil
	})

	_, err = col.Insert(
		DocumentFrom(map[string]Value{"n": I64(1)}),
		DocumentFrom(map[string]Value{"n": I64(2)}),
	)
	require.NoError(t, err)

	cur, err := col.Find(All(), FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Size())

	// Iterating after Size must yield the same logical result as a fresh
	// cursor: the chain applied exactly once per document.
	results := cur.Collect()
	require.Len(t, results, 2)
	for _, d := range results {
		assert.Equal(t, int64(1), d.Get("stamps").AsI64())
	}
}

func TestListenersReceiveMutationEventsSynchronously(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("watched")
	require.NoError(t, err)

	var events []CollectionEvent
	unsubscribe := col.Listen(func(evt CollectionEvent) { events = append(events, evt) })

	ids, err := col.Insert(DocumentFrom(map[string]Value{"n": I64(1)}))
	require.NoError(t, err)
	_, err = col.Update(ByID(ids[0]), DocumentFrom(map[string]Value{"n": I64(2)}), UpdateOptions{})
	require.NoError(t, err)
	_, err = col.Remove(ByID(ids[0]), true)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, EventInsert, events[0].Kind)
	assert.Equal(t, EventUpdate, events[1].Kind)
	assert.Equal(t, EventRemove, events[2].Kind)
	for _, evt := range events {
		assert.Equal(t, []NitriteID{ids[0]}, evt.IDs)
		assert.Equal(t, "watched", evt.Source)
	}

	unsubscribe()
	_, err = col.Insert(NewDocument())
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestRangeQueryUsesCompoundIndex(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("readings")
	require.NoError(t, err)
	require.NoError(t, col.CreateIndex(IndexNonUnique, "sensor", "value"))

	for i := 0; i < 10; i++ {
		_, err = col.Insert(DocumentFrom(map[string]Value{"sensor": Str("s1"), "value": I64(int64(i))}))
		require.NoError(t, err)
	}

	filter := And(Eq("sensor", Str("s1")), Gte("value", I64(3)), Lt("value", I64(7)))
	col.mu.RLock()
	plan := planQuery(filter, col.descriptors, FindOptions{})
	col.mu.RUnlock()
	require.NotNil(t, plan.IndexDescriptor)

	cur, err := col.Find(filter, FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, cur.Count())
}

func TestArrayValuedIndexedFieldMatchesByElement(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("tagged")
	require.NoError(t, err)
	require.NoError(t, col.CreateIndex(IndexNonUnique, "tags"))

	_, err = col.Insert(
		DocumentFrom(map[string]Value{"tags": Array(Str("red"), Str("blue"))}),
		DocumentFrom(map[string]Value{"tags": Array(Str("green"))}),
	)
	require.NoError(t, err)

	cur, err := col.Find(Eq("tags", Str("blue")), FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Count())

	// The same query without the index must agree (full-scan parity).
	require.NoError(t, col.DropIndex(IndexNonUnique, "tags"))
	cur, err = col.Find(Eq("tags", Str("blue")), FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Count())
}

func TestNullValuedIndexedFieldRetrievableByEqNull(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("sparse")
	require.NoError(t, err)
	require.NoError(t, col.CreateIndex(IndexNonUnique, "optional"))

	_, err = col.Insert(
		DocumentFrom(map[string]Value{"optional": Str("set")}),
		DocumentFrom(map[string]Value{"other": I64(1)}),
	)
	require.NoError(t, err)

	cur, err := col.Find(Eq("optional", Null), FindOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Count())
}

func TestUpdateByIDAndRemove(t *testing.T) {
	db := openTestDB(t)
	col, err := db.Collection("things")
	require.NoError(t, err)

	ids, err := col.Insert(DocumentFrom(map[string]Value{"n": I64(1)}))
	require.NoError(t, err)
	id := ids[0]

	res, err := col.UpdateByID(id, DocumentFrom(map[string]Value{"n": I64(2)}), false)
	require.NoError(t, err)
	assert.Equal(t, []NitriteID{id}, res.ModifiedIDs)

	doc, ok := col.getByID(id)
	require.True(t, ok)
	assert.Equal(t, int64(2), doc.Get("n").AsI64())
	assert.Equal(t, int64(2), doc.Revision())

	rres, err := col.Remove(ByID(id), true)
	require.NoError(t, err)
	assert.Equal(t, []NitriteID{id}, rres.RemovedIDs)

	size, err := col.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package query

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/catalog"
	"github.com/oakleaf-io/oakleaf/docstore/cursor"
	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/engine"
	"github.com/oakleaf-io/oakleaf/docstore/lock"
	"github.com/oakleaf-io/oakleaf/docstore/operation"
	"github.com/oakleaf-io/oakleaf/docstore/status"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
)

// queryFixture wires a Runner to a real engine, catalog, lock manager and
// cursor table, the way the daemon assembles them.
type queryFixture struct {
	eng     *engine.Engine
	cat     *catalog.Catalog
	reg     *operation.Registry
	cursors *cursor.Manager
	runner  *Runner
}

func newQueryFixture(t *testing.T) *queryFixture {
	t.Helper()
	return newQueryFixtureOpts(t, Options{})
}

func newQueryFixtureOpts(t *testing.T, opts Options) *queryFixture {
	t.Helper()
	require.NoError(t, logger.Init(logger.Logging{Env: "dev", Level: "warn"}))
	engOpts := engine.DefaultOptions(t.TempDir())
	engOpts.FlushInterval = 5 * time.Millisecond
	engOpts.CheckpointInterval = time.Hour
	eng, err := engine.Open(engOpts)
	require.NoError(t, err)
	cat, err := catalog.Open(eng, catalog.Options{TextRoot: t.TempDir()})
	require.NoError(t, err)
	cursors := cursor.NewManager(eng, cursor.Options{})
	f := &queryFixture{
		eng:     eng,
		cat:     cat,
		reg:     operation.NewRegistry(eng, lock.NewManager(lock.DefaultOptions())),
		cursors: cursors,
		runner:  NewRunner(cat, cursors, opts),
	}
	t.Cleanup(func() {
		cursors.CloseAll()
		require.NoError(t, cat.Close())
		require.NoError(t, eng.Close())
	})
	return f
}

func (f *queryFixture) create(t *testing.T, ns string) *catalog.Collection {
	t.Helper()
	parsed, err := docmodel.ParseNamespace(ns)
	require.NoError(t, err)
	ru := f.eng.BeginWrite()
	defer ru.Abort()
	coll, err := f.cat.Create(ru, parsed)
	require.NoError(t, err)
	_, err = ru.Commit()
	require.NoError(t, err)
	return coll
}

func (f *queryFixture) createIndexes(t *testing.T, ns string, defs ...catalog.IndexDef) *catalog.Collection {
	t.Helper()
	parsed, err := docmodel.ParseNamespace(ns)
	require.NoError(t, err)
	ru := f.eng.BeginWrite()
	defer ru.Abort()
	_, err = f.cat.CreateIndexes(ru, parsed, defs)
	require.NoError(t, err)
	_, err = ru.Commit()
	require.NoError(t, err)
	coll, ok := f.cat.Get(ns)
	require.True(t, ok)
	return coll
}

func (f *queryFixture) insert(t *testing.T, coll *catalog.Collection, docs ...bson.D) {
	t.Helper()
	ru := f.eng.BeginWrite()
	defer ru.Abort()
	for _, doc := range docs {
		raw, err := bson.Marshal(doc)
		require.NoError(t, err)
		_, _, err = coll.InsertDocument(ru, raw)
		require.NoError(t, err)
	}
	_, err := ru.Commit()
	require.NoError(t, err)
}

func (f *queryFixture) find(db, session string, req *FindRequest) (*CursorReply, error) {
	op := f.reg.Start(context.Background(), "find", 0)
	defer op.Finish()
	op.SetSessionID(session)
	return f.runner.Find(op, db, req)
}

func (f *queryFixture) getMore(db, session string, req *GetMoreRequest) (*CursorReply, error) {
	op := f.reg.Start(context.Background(), "getMore", 0)
	defer op.Finish()
	op.SetSessionID(session)
	return f.runner.GetMore(op, db, req)
}

func (f *queryFixture) killCursors(db, session string, req *KillCursorsRequest) (*KillCursorsReply, error) {
	op := f.reg.Start(context.Background(), "killCursors", 0)
	defer op.Finish()
	op.SetSessionID(session)
	return f.runner.KillCursors(op, db, req)
}

func (f *queryFixture) count(db string, req *CountRequest) (int64, error) {
	op := f.reg.Start(context.Background(), "count", 0)
	defer op.Finish()
	return f.runner.Count(op, db, req)
}

// numberedDocs builds documents whose _id and n both run 0..n-1, so scan
// order and content are easy to assert on.
func numberedDocs(n int) []bson.D {
	docs := make([]bson.D, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, bson.D{{Key: "_id", Value: int32(i)}, {Key: "n", Value: int32(i)}})
	}
	return docs
}

func int32Range(from, to int32) []int32 {
	out := make([]int32, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

// batchInts extracts the named int32 field from every document of a batch.
func batchInts(t *testing.T, batch []bson.Raw, field string) []int32 {
	t.Helper()
	vals := make([]int32, 0, len(batch))
	for _, doc := range batch {
		v, err := doc.LookupErr(field)
		require.NoError(t, err)
		i, ok := v.Int32OK()
		require.True(t, ok, "field %s is %s, not int32", field, v.Type)
		vals = append(vals, i)
	}
	return vals
}

func docKeys(t *testing.T, doc bson.Raw) []string {
	t.Helper()
	elems, err := doc.Elements()
	require.NoError(t, err)
	keys := make([]string, 0, len(elems))
	for _, e := range elems {
		keys = append(keys, e.Key())
	}
	return keys
}

func TestFindCollectionScan(t *testing.T) {
	f := newQueryFixture(t)
	coll := f.create(t, "app.items")
	f.insert(t, coll, numberedDocs(4)...)

	reply, err := f.find("app", "", &FindRequest{Collection: "items"})
	require.NoError(t, err)
	assert.Equal(t, "app.items", reply.Namespace)
	assert.True(t, reply.FirstBatch)
	assert.Zero(t, reply.ID)
	assert.Equal(t, int32Range(0, 4), batchInts(t, reply.Batch, "n"))

	reply, err = f.find("app", "", &FindRequest{
		Collection: "items",
		Filter:     mustRaw(t, bson.D{{Key: "n", Value: bson.D{{Key: "$gte", Value: int32(2)}}}}),
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 3}, batchInts(t, reply.Batch, "n"))
}

func TestFindMissingCollection(t *testing.T) {
	f := newQueryFixture(t)

	reply, err := f.find("app", "", &FindRequest{Collection: "ghost"})
	require.NoError(t, err)
	assert.Zero(t, reply.ID)
	assert.Empty(t, reply.Batch)
	assert.True(t, reply.FirstBatch)
}

func TestFindValidation(t *testing.T) {
	f := newQueryFixture(t)
	f.create(t, "app.v")

	_, err := f.find("app", "", &FindRequest{Collection: "v", Skip: -1})
	assert.True(t, status.IsCode(err, status.BadValue), "got %v", err)

	neg := int32(-1)
	_, err = f.find("app", "", &FindRequest{Collection: "v", BatchSize: &neg})
	assert.True(t, status.IsCode(err, status.BadValue), "got %v", err)

	_, err = f.find("app", "", &FindRequest{Collection: ""})
	assert.True(t, status.IsCode(err, status.BadValue), "got %v", err)

	_, err = f.find("app", "", &FindRequest{
		Collection: "v",
		Filter:     mustRaw(t, bson.D{{Key: "n", Value: bson.D{{Key: "$frob", Value: int32(1)}}}}),
	})
	assert.True(t, status.IsCode(err, status.BadValue), "got %v", err)

	_, err = f.find("app", "", &FindRequest{
		Collection: "v",
		Sort:       mustRaw(t, bson.D{{Key: "n", Value: int32(0)}}),
	})
	assert.True(t, status.IsCode(err, status.BadValue), "got %v", err)

	_, err = f.find("app", "", &FindRequest{
		Collection: "v",
		Projection: mustRaw(t, bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(0)}}),
	})
	assert.True(t, status.IsCode(err, status.BadValue), "got %v", err)
}

func TestFindBatchingAndGetMore(t *testing.T) {
	f := newQueryFixture(t)
	coll := f.create(t, "app.stream")
	f.insert(t, coll, numberedDocs(250)...)

	reply, err := f.find("app", "", &FindRequest{Collection: "stream"})
	require.NoError(t, err)
	require.NotZero(t, reply.ID)
	assert.True(t, reply.FirstBatch)
	assert.Equal(t, int32Range(0, 101), batchInts(t, reply.Batch, "n"))
	assert.Equal(t, 1, f.cursors.Stats().Open)

	size := int32(100)
	more, err := f.getMore("app", "", &GetMoreRequest{CursorID: reply.ID, Collection: "stream", BatchSize: &size})
	require.NoError(t, err)
	assert.Equal(t, reply.ID, more.ID)
	assert.False(t, more.FirstBatch)
	assert.Equal(t, int32Range(101, 201), batchInts(t, more.Batch, "n"))

	// A continuation without batchSize drains up to the byte budget.
	last, err := f.getMore("app", "", &GetMoreRequest{CursorID: reply.ID, Collection: "stream"})
	require.NoError(t, err)
	assert.Zero(t, last.ID)
	assert.Equal(t, int32Range(201, 250), batchInts(t, last.Batch, "n"))
	assert.Zero(t, f.cursors.Stats().Open)

	_, err = f.getMore("app", "", &GetMoreRequest{CursorID: reply.ID, Collection: "stream"})
	assert.True(t, status.IsCode(err, status.CursorNotFound), "got %v", err)
}

func TestFindSingleBatch(t *testing.T) {
	f := newQueryFixture(t)
	coll := f.create(t, "app.single")
	f.insert(t, coll, numberedDocs(10)...)

	size := int32(3)
	reply, err := f.find("app", "", &FindRequest{Collection: "single", BatchSize: &size, SingleBatch: true})
	require.NoError(t, err)
	assert.Zero(t, reply.ID)
	assert.Equal(t, int32Range(0, 3), batchInts(t, reply.Batch, "n"))
	assert.Zero(t, f.cursors.Stats().Open)
}

func TestFindBatchSizeZeroParks(t *testing.T) {
	f := newQueryFixture(t)
	coll := f.create(t, "app.lazy")
	f.insert(t, coll, numberedDocs(3)...)

	zero := int32(0)
	reply, err := f.find("app", "", &FindRequest{Collection: "lazy", BatchSize: &zero})
	require.NoError(t, err)
	require.NotZero(t, reply.ID)
	assert.Empty(t, reply.Batch)

	more, err := f.getMore("app", "", &GetMoreRequest{CursorID: reply.ID, Collection: "lazy"})
	require.NoError(t, err)
	assert.Zero(t, more.ID)
	assert.Equal(t, int32Range(0, 3), batchInts(t, more.Batch, "n"))
}

func TestFindSkipAndLimit(t *testing.T) {
	f := newQueryFixture(t)
	coll := f.create(t, "app.window")
	f.insert(t, coll, numberedDocs(10)...)

	reply, err := f.find("app", "", &FindRequest{Collection: "window", Skip: 3})
	require.NoError(t, err)
	assert.Equal(t, int32Range(3, 10), batchInts(t, reply.Batch, "n"))

	reply, err = f.find("app", "", &FindRequest{Collection: "window", Limit: 4})
	require.NoError(t, err)
	assert.Zero(t, reply.ID)
	assert.Equal(t, int32Range(0, 4), batchInts(t, reply.Batch, "n"))

	reply, err = f.find("app", "", &FindRequest{Collection: "window", Skip: 2, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, int32Range(2, 5), batchInts(t, reply.Batch, "n"))

	// A negative limit caps the result and closes the cursor in one batch.
	reply, err = f.find("app", "", &FindRequest{Collection: "window", Limit: -2})
	require.NoError(t, err)
	assert.Zero(t, reply.ID)
	assert.Equal(t, int32Range(0, 2), batchInts(t, reply.Batch, "n"))

	reply, err = f.find("app", "", &FindRequest{Collection: "window", Skip: 50})
	require.NoError(t, err)
	assert.Zero(t, reply.ID)
	assert.Empty(t, reply.Batch)
}

func TestFindSort(t *testing.T) {
	f := newQueryFixture(t)
	coll := f.create(t, "app.ranked")
	f.insert(t, coll,
		bson.D{{Key: "_id", Value: int32(0)}, {Key: "v", Value: int32(7)}},
		bson.D{{Key: "_id", Value: int32(1)}, {Key: "v", Value: int32(2)}},
		bson.D{{Key: "_id", Value: int32(2)}},
		bson.D{{Key: "_id", Value: int32(3)}, {Key: "v", Value: int32(9)}},
		bson.D{{Key: "_id", Value: int32(4)}, {Key: "v", Value: int32(2)}},
	)

	// The missing field sorts as null; the tied pair keeps insertion order.
	reply, err := f.find("app", "", &FindRequest{
		Collection: "ranked",
		Sort:       mustRaw(t, bson.D{{Key: "v", Value: int32(1)}}),
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 1, 4, 0, 3}, batchInts(t, reply.Batch, "_id"))

	reply, err = f.find("app", "", &FindRequest{
		Collection: "ranked",
		Sort:       mustRaw(t, bson.D{{Key: "v", Value: int32(-1)}}),
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 0, 1, 4, 2}, batchInts(t, reply.Batch, "_id"))
}

func TestFindSortMemoryLimit(t *testing.T) {
	f := newQueryFixtureOpts(t, Options{SortMaxBytes: 64})
	coll := f.create(t, "app.big")
	f.insert(t, coll, numberedDocs(16)...)

	_, err := f.find("app", "", &FindRequest{
		Collection: "big",
		Sort:       mustRaw(t, bson.D{{Key: "n", Value: int32(1)}}),
	})
	assert.True(t, status.IsCode(err, status.SortExceededMemoryLimit), "got %v", err)
}

func TestFindUsesIndexBounds(t *testing.T) {
	f := newQueryFixture(t)
	f.create(t, "app.scored")
	coll := f.createIndexes(t, "app.scored",
		catalog.IndexDef{Key: bson.D{{Key: "score", Value: int32(1)}}})
	f.insert(t, coll,
		bson.D{{Key: "_id", Value: int32(0)}, {Key: "score", Value: int32(50)}},
		bson.D{{Key: "_id", Value: int32(1)}, {Key: "score", Value: 7.0}},
		bson.D{{Key: "_id", Value: int32(2)}, {Key: "score", Value: int32(7)}},
		bson.D{{Key: "_id", Value: int32(3)}, {Key: "score", Value: "high"}},
		bson.D{{Key: "_id", Value: int32(4)}, {Key: "score", Value: bson.A{int32(3), int32(7)}}},
		bson.D{{Key: "_id", Value: int32(5)}},
	)

	// Equality matches across numeric widths and once per multikey document.
	reply, err := f.find("app", "", &FindRequest{
		Collection: "scored",
		Filter:     mustRaw(t, bson.D{{Key: "score", Value: int32(7)}}),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{1, 2, 4}, batchInts(t, reply.Batch, "_id"))

	// Range bounds stay inside the numeric type class.
	reply, err = f.find("app", "", &FindRequest{
		Collection: "scored",
		Filter: mustRaw(t, bson.D{{Key: "score", Value: bson.D{
			{Key: "$gt", Value: int32(5)}, {Key: "$lte", Value: int32(50)},
		}}}),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{0, 1, 2, 4}, batchInts(t, reply.Batch, "_id"))

	// A multikey document with several in-range elements yields once.
	reply, err = f.find("app", "", &FindRequest{
		Collection: "scored",
		Filter:     mustRaw(t, bson.D{{Key: "score", Value: bson.D{{Key: "$gt", Value: int32(2)}}}}),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{0, 1, 2, 4}, batchInts(t, reply.Batch, "_id"))

	// $in probes one range per element.
	reply, err = f.find("app", "", &FindRequest{
		Collection: "scored",
		Filter: mustRaw(t, bson.D{{Key: "score", Value: bson.D{
			{Key: "$in", Value: bson.A{int32(50), "high"}},
		}}}),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{0, 3}, batchInts(t, reply.Batch, "_id"))
}

func TestFindSortByIndexOrder(t *testing.T) {
	f := newQueryFixture(t)
	f.create(t, "app.events")
	coll := f.createIndexes(t, "app.events",
		catalog.IndexDef{Key: bson.D{{Key: "at", Value: int32(1)}}})
	f.insert(t, coll,
		bson.D{{Key: "_id", Value: int32(0)}, {Key: "at", Value: int32(30)}},
		bson.D{{Key: "_id", Value: int32(1)}, {Key: "at", Value: int32(10)}},
		bson.D{{Key: "_id", Value: int32(2)}, {Key: "at", Value: int32(20)}},
	)

	reply, err := f.find("app", "", &FindRequest{
		Collection: "events",
		Sort:       mustRaw(t, bson.D{{Key: "at", Value: int32(1)}}),
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 0}, batchInts(t, reply.Batch, "_id"))

	reply, err = f.find("app", "", &FindRequest{
		Collection: "events",
		Sort:       mustRaw(t, bson.D{{Key: "at", Value: int32(-1)}}),
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 2, 1}, batchInts(t, reply.Batch, "_id"))
}

func TestPlanSelection(t *testing.T) {
	f := newQueryFixture(t)
	f.create(t, "app.plans")
	coll := f.createIndexes(t, "app.plans",
		catalog.IndexDef{Key: bson.D{{Key: "a", Value: int32(1)}}},
		catalog.IndexDef{Key: bson.D{{Key: "b", Value: int32(1)}}},
		catalog.IndexDef{Key: bson.D{{Key: "d", Value: int32(-1)}}},
	)

	plan := func(filter, sort bson.D) stage {
		t.Helper()
		op := f.reg.Start(context.Background(), "find", 0)
		t.Cleanup(op.Finish)
		m, err := ParseFilter(mustRaw(t, filter))
		require.NoError(t, err)
		var fields []SortField
		if sort != nil {
			fields, err = ParseSort(mustRaw(t, sort))
			require.NoError(t, err)
		}
		exec, err := newExecutor(op, coll, m, planOpts{sort: fields, sortMax: DefaultSortMaxBytes})
		require.NoError(t, err)
		t.Cleanup(exec.Close)
		return exec.root
	}
	unwrapFilter := func(root stage) stage {
		t.Helper()
		fs, ok := root.(*filterStage)
		require.True(t, ok, "got %T", root)
		return fs.child
	}
	unwrapFetch := func(root stage) stage {
		t.Helper()
		fs, ok := root.(*fetchStage)
		require.True(t, ok, "got %T", root)
		return fs.child
	}

	// No usable predicate walks the records.
	root := plan(bson.D{}, nil)
	_, ok := root.(*collScanStage)
	assert.True(t, ok, "got %T", root)

	// One equality conjunct scans its index, then re-filters.
	root = plan(bson.D{{Key: "a", Value: int32(1)}}, nil)
	_, ok = unwrapFetch(unwrapFilter(root)).(*ixScanStage)
	assert.True(t, ok)

	// Conjuncts over two indexes intersect record-id bitmaps.
	root = plan(bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(2)}}, nil)
	_, ok = unwrapFetch(unwrapFilter(root)).(*bitmapScanStage)
	assert.True(t, ok)

	// A predicate under $or does not narrow the scan.
	root = plan(bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "a", Value: int32(1)}},
		bson.D{{Key: "b", Value: int32(2)}},
	}}}, nil)
	_, ok = unwrapFilter(root).(*collScanStage)
	assert.True(t, ok)

	// An index covering the sort replaces the blocking stage.
	root = plan(bson.D{}, bson.D{{Key: "a", Value: int32(1)}})
	scan, ok := unwrapFetch(root).(*ixScanStage)
	require.True(t, ok)
	assert.False(t, scan.reverse)

	root = plan(bson.D{}, bson.D{{Key: "a", Value: int32(-1)}})
	scan, ok = unwrapFetch(root).(*ixScanStage)
	require.True(t, ok)
	assert.True(t, scan.reverse)

	// A range scan already on the sort field flips direction instead.
	root = plan(bson.D{{Key: "a", Value: bson.D{{Key: "$gte", Value: int32(0)}}}},
		bson.D{{Key: "a", Value: int32(-1)}})
	scan, ok = unwrapFetch(unwrapFilter(root)).(*ixScanStage)
	require.True(t, ok)
	assert.True(t, scan.reverse)

	// A sort no index serves buffers and sorts.
	root = plan(bson.D{}, bson.D{{Key: "z", Value: int32(1)}})
	_, ok = root.(*sortStage)
	assert.True(t, ok, "got %T", root)

	// A descending leading field serves equality probes but not ranges.
	root = plan(bson.D{{Key: "d", Value: int32(5)}}, nil)
	_, ok = unwrapFetch(unwrapFilter(root)).(*ixScanStage)
	assert.True(t, ok)

	root = plan(bson.D{{Key: "d", Value: bson.D{{Key: "$gt", Value: int32(5)}}}}, nil)
	_, ok = unwrapFilter(root).(*collScanStage)
	assert.True(t, ok)
}

func TestGetMoreOwnership(t *testing.T) {
	f := newQueryFixture(t)
	coll := f.create(t, "app.mine")
	f.insert(t, coll, numberedDocs(5)...)

	size := int32(2)
	reply, err := f.find("app", "alice", &FindRequest{Collection: "mine", BatchSize: &size})
	require.NoError(t, err)
	require.NotZero(t, reply.ID)

	_, err = f.getMore("app", "mallory", &GetMoreRequest{CursorID: reply.ID, Collection: "mine"})
	assert.True(t, status.IsCode(err, status.Unauthorized), "got %v", err)

	_, err = f.getMore("app", "alice", &GetMoreRequest{CursorID: reply.ID, Collection: "other"})
	assert.True(t, status.IsCode(err, status.Unauthorized), "got %v", err)

	_, err = f.getMore("app", "alice", &GetMoreRequest{CursorID: 404, Collection: "mine"})
	assert.True(t, status.IsCode(err, status.CursorNotFound), "got %v", err)

	neg := int32(-5)
	_, err = f.getMore("app", "alice", &GetMoreRequest{CursorID: reply.ID, Collection: "mine", BatchSize: &neg})
	assert.True(t, status.IsCode(err, status.BadValue), "got %v", err)

	// A cursor pinned by a running operation cannot be taken over.
	cc, err := f.cursors.Pin(reply.ID, "app.mine", "alice")
	require.NoError(t, err)
	_, err = f.getMore("app", "alice", &GetMoreRequest{CursorID: reply.ID, Collection: "mine"})
	assert.True(t, status.IsCode(err, status.CursorInUse), "got %v", err)
	f.cursors.Unpin(cc, false)

	more, err := f.getMore("app", "alice", &GetMoreRequest{CursorID: reply.ID, Collection: "mine"})
	require.NoError(t, err)
	assert.Zero(t, more.ID)
	assert.Equal(t, int32Range(2, 5), batchInts(t, more.Batch, "n"))
}

func TestGetMoreReadsItsSnapshot(t *testing.T) {
	f := newQueryFixture(t)
	coll := f.create(t, "app.iso")
	f.insert(t, coll, numberedDocs(5)...)

	size := int32(2)
	reply, err := f.find("app", "", &FindRequest{Collection: "iso", BatchSize: &size})
	require.NoError(t, err)
	require.NotZero(t, reply.ID)

	// Rows committed after the cursor opened stay invisible to it.
	f.insert(t, coll, bson.D{{Key: "_id", Value: int32(100)}, {Key: "n", Value: int32(100)}})

	more, err := f.getMore("app", "", &GetMoreRequest{CursorID: reply.ID, Collection: "iso"})
	require.NoError(t, err)
	assert.Zero(t, more.ID)
	assert.Equal(t, int32Range(2, 5), batchInts(t, more.Batch, "n"))

	all, err := f.find("app", "", &FindRequest{Collection: "iso"})
	require.NoError(t, err)
	assert.Len(t, all.Batch, 6)
}

func TestGetMoreSurvivesDrop(t *testing.T) {
	f := newQueryFixture(t)
	coll := f.create(t, "app.doomed")
	f.insert(t, coll, numberedDocs(5)...)

	size := int32(2)
	reply, err := f.find("app", "", &FindRequest{Collection: "doomed", BatchSize: &size})
	require.NoError(t, err)
	require.NotZero(t, reply.ID)

	ru := f.eng.BeginWrite()
	require.NoError(t, f.cat.Drop(ru, docmodel.NewNamespace("app", "doomed")))
	_, err = ru.Commit()
	require.NoError(t, err)
	_, ok := f.cat.Get("app.doomed")
	require.False(t, ok)

	// The parked cursor pinned its keyspaces, so it drains its snapshot
	// even though the collection is gone from the catalog.
	more, err := f.getMore("app", "", &GetMoreRequest{CursorID: reply.ID, Collection: "doomed"})
	require.NoError(t, err)
	assert.Zero(t, more.ID)
	assert.Equal(t, int32Range(2, 5), batchInts(t, more.Batch, "n"))
}

func TestKillCursors(t *testing.T) {
	f := newQueryFixture(t)
	coll := f.create(t, "app.kc")
	f.insert(t, coll, numberedDocs(6)...)

	size := int32(1)
	mine, err := f.find("app", "alice", &FindRequest{Collection: "kc", BatchSize: &size})
	require.NoError(t, err)
	theirs, err := f.find("app", "bob", &FindRequest{Collection: "kc", BatchSize: &size})
	require.NoError(t, err)

	_, err = f.killCursors("app", "alice", &KillCursorsRequest{Collection: "kc"})
	assert.True(t, status.IsCode(err, status.BadValue), "got %v", err)

	// Another session's cursor reports not found, exactly like a bogus id.
	reply, err := f.killCursors("app", "alice", &KillCursorsRequest{
		Collection: "kc",
		IDs:        []int64{mine.ID, theirs.ID, 404},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{mine.ID}, reply.Killed)
	assert.Equal(t, []int64{theirs.ID, 404}, reply.NotFound)

	_, err = f.getMore("app", "alice", &GetMoreRequest{CursorID: mine.ID, Collection: "kc"})
	assert.True(t, status.IsCode(err, status.CursorNotFound), "got %v", err)

	// The surviving cursor still serves its own session.
	more, err := f.getMore("app", "bob", &GetMoreRequest{CursorID: theirs.ID, Collection: "kc"})
	require.NoError(t, err)
	assert.Len(t, more.Batch, 5)
}

func TestCount(t *testing.T) {
	f := newQueryFixture(t)
	coll := f.create(t, "app.tally")
	docs := make([]bson.D, 0, 10)
	for i := 0; i < 10; i++ {
		docs = append(docs, bson.D{{Key: "n", Value: int32(i)}, {Key: "even", Value: i%2 == 0}})
	}
	f.insert(t, coll, docs...)

	n, err := f.count("app", &CountRequest{Collection: "tally"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	n, err = f.count("app", &CountRequest{
		Collection: "tally",
		Query:      mustRaw(t, bson.D{{Key: "even", Value: true}}),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = f.count("app", &CountRequest{Collection: "tally", Skip: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	n, err = f.count("app", &CountRequest{Collection: "tally", Limit: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	n, err = f.count("app", &CountRequest{Collection: "nothing"})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.count("app", &CountRequest{Collection: "tally", Skip: -2})
	assert.True(t, status.IsCode(err, status.BadValue), "got %v", err)
}

func TestFindProjection(t *testing.T) {
	f := newQueryFixture(t)
	coll := f.create(t, "app.cards")
	f.insert(t, coll, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "name", Value: "ace"},
		{Key: "suit", Value: "spades"},
		{Key: "rank", Value: int32(14)},
	})

	reply, err := f.find("app", "", &FindRequest{
		Collection: "cards",
		Projection: mustRaw(t, bson.D{{Key: "name", Value: int32(1)}}),
	})
	require.NoError(t, err)
	require.Len(t, reply.Batch, 1)
	assert.Equal(t, []string{"_id", "name"}, docKeys(t, reply.Batch[0]))

	reply, err = f.find("app", "", &FindRequest{
		Collection: "cards",
		Projection: mustRaw(t, bson.D{{Key: "_id", Value: int32(0)}, {Key: "suit", Value: int32(1)}}),
	})
	require.NoError(t, err)
	require.Len(t, reply.Batch, 1)
	assert.Equal(t, []string{"suit"}, docKeys(t, reply.Batch[0]))
}

func TestFindTextSearch(t *testing.T) {
	f := newQueryFixture(t)
	f.create(t, "app.posts")
	coll := f.createIndexes(t, "app.posts",
		catalog.IndexDef{Key: bson.D{{Key: "body", Value: "text"}}})
	f.insert(t, coll,
		bson.D{{Key: "_id", Value: int32(0)}, {Key: "body", Value: "the quick brown fox"}, {Key: "lang", Value: "en"}},
		bson.D{{Key: "_id", Value: int32(1)}, {Key: "body", Value: "jumped over the lazy dog"}, {Key: "lang", Value: "en"}},
		bson.D{{Key: "_id", Value: int32(2)}, {Key: "body", Value: "der schnelle braune fuchs"}, {Key: "lang", Value: "de"}},
	)

	reply, err := f.find("app", "", &FindRequest{
		Collection: "posts",
		Filter:     mustRaw(t, bson.D{{Key: "$text", Value: bson.D{{Key: "$search", Value: "fox dog"}}}}),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{0, 1}, batchInts(t, reply.Batch, "_id"))

	// The remaining predicates filter the text matches.
	reply, err = f.find("app", "", &FindRequest{
		Collection: "posts",
		Filter: mustRaw(t, bson.D{
			{Key: "$text", Value: bson.D{{Key: "$search", Value: "fuchs fox"}}},
			{Key: "lang", Value: "de"},
		}),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{2}, batchInts(t, reply.Batch, "_id"))

	// Without a text index the predicate cannot run.
	other := f.create(t, "app.untexted")
	f.insert(t, other, bson.D{{Key: "body", Value: "fox"}})
	_, err = f.find("app", "", &FindRequest{
		Collection: "untexted",
		Filter:     mustRaw(t, bson.D{{Key: "$text", Value: bson.D{{Key: "$search", Value: "fox"}}}}),
	})
	assert.True(t, status.IsCode(err, status.BadValue), "got %v", err)
}

func TestFindBatchByteCap(t *testing.T) {
	f := newQueryFixtureOpts(t, Options{BatchMaxBytes: 600})
	coll := f.create(t, "app.bulky")
	pad := strings.Repeat("x", 200)
	docs := make([]bson.D, 0, 6)
	for i := 0; i < 6; i++ {
		docs = append(docs, bson.D{{Key: "_id", Value: int32(i)}, {Key: "pad", Value: pad}})
	}
	f.insert(t, coll, docs...)

	reply, err := f.find("app", "", &FindRequest{Collection: "bulky"})
	require.NoError(t, err)
	require.NotZero(t, reply.ID)
	got := batchInts(t, reply.Batch, "_id")
	assert.Less(t, len(got), 6)

	// The overflowing document leads the next batch; nothing is lost.
	for id := reply.ID; id != 0; {
		more, mErr := f.getMore("app", "", &GetMoreRequest{CursorID: id, Collection: "bulky"})
		require.NoError(t, mErr)
		got = append(got, batchInts(t, more.Batch, "_id")...)
		id = more.ID
	}
	assert.Equal(t, int32Range(0, 6), got)
}

func TestFindInterruption(t *testing.T) {
	f := newQueryFixture(t)
	coll := f.create(t, "app.halt")
	f.insert(t, coll, numberedDocs(3)...)

	op := f.reg.Start(context.Background(), "find", 0)
	defer op.Finish()
	op.Kill(status.Interrupted)
	_, err := f.runner.Find(op, "app", &FindRequest{Collection: "halt"})
	assert.True(t, status.IsCode(err, status.Interrupted), "got %v", err)

	timed := f.reg.Start(context.Background(), "find", time.Nanosecond)
	defer timed.Finish()
	<-timed.Context().Done()
	_, err = f.runner.Find(timed, "app", &FindRequest{Collection: "halt"})
	assert.True(t, status.IsCode(err, status.ExceededTimeLimit), "got %v", err)
}

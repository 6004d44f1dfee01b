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

package wire

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/catalog"
	"github.com/oakleaf-io/oakleaf/docstore/cursor"
	"github.com/oakleaf-io/oakleaf/docstore/engine"
	"github.com/oakleaf-io/oakleaf/docstore/lock"
	"github.com/oakleaf-io/oakleaf/docstore/operation"
	"github.com/oakleaf-io/oakleaf/docstore/pipeline"
	"github.com/oakleaf-io/oakleaf/docstore/query"
	"github.com/oakleaf-io/oakleaf/docstore/session"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
)

// wireFixture drives the full command stack through the HTTP handler,
// no listener involved.
type wireFixture struct {
	srv      *Server
	handler  http.Handler
	sessions *session.Catalog
	cursors  *cursor.Manager
}

func newWireFixture(t *testing.T) *wireFixture {
	t.Helper()
	require.NoError(t, logger.Init(logger.Logging{Env: "dev", Level: "warn"}))
	engOpts := engine.DefaultOptions(t.TempDir())
	engOpts.FlushInterval = 5 * time.Millisecond
	engOpts.CheckpointInterval = time.Hour
	eng, err := engine.Open(engOpts)
	require.NoError(t, err)
	cat, err := catalog.Open(eng, catalog.Options{TextRoot: t.TempDir()})
	require.NoError(t, err)
	locks := lock.NewManager(lock.DefaultOptions())
	cursors := cursor.NewManager(eng, cursor.Options{})
	sessions := session.NewCatalog(session.Options{})
	srv := NewServer(&Deps{
		Engine:    eng,
		Catalog:   cat,
		Locks:     locks,
		Ops:       operation.NewRegistry(eng, locks),
		Sessions:  sessions,
		Cursors:   cursors,
		Queries:   query.NewRunner(cat, cursors, query.Options{}),
		Pipelines: pipeline.NewRunner(cat, cursors, pipeline.Options{}),
	})
	require.NoError(t, srv.PreRun(context.Background()))
	t.Cleanup(func() {
		cursors.CloseAll()
		require.NoError(t, cat.Close())
		require.NoError(t, eng.Close())
	})
	return &wireFixture{srv: srv, handler: srv.Handler(), sessions: sessions, cursors: cursors}
}

// run posts one command and returns the decoded reply document.
func (f *wireFixture) run(t *testing.T, db string, cmd bson.D) bson.Raw {
	t.Helper()
	payload, err := bson.MarshalExtJSON(cmd, true, false)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/"+db+"/command", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var reply bson.Raw
	require.NoError(t, bson.UnmarshalExtJSON(w.Body.Bytes(), true, &reply))
	return reply
}

func (f *wireFixture) runOK(t *testing.T, db string, cmd bson.D) bson.Raw {
	t.Helper()
	reply := f.run(t, db, cmd)
	require.EqualValues(t, 1, reply.Lookup("ok").Int32(), "reply: %s", reply)
	return reply
}

func lsidDoc(id uuid.UUID) bson.D {
	return bson.D{{Key: "id", Value: bson.Binary{Subtype: 0x04, Data: id[:]}}}
}

// batch unpacks cursor.firstBatch or cursor.nextBatch of a reply.
func batch(t *testing.T, reply bson.Raw, key string) []bson.Raw {
	t.Helper()
	arr, ok := reply.Lookup("cursor", key).ArrayOK()
	require.True(t, ok, "reply %s has no cursor.%s", reply, key)
	vals, err := arr.Values()
	require.NoError(t, err)
	docs := make([]bson.Raw, 0, len(vals))
	for _, v := range vals {
		docs = append(docs, bson.Raw(v.Value))
	}
	return docs
}

func cursorID(t *testing.T, reply bson.Raw) int64 {
	t.Helper()
	id, ok := reply.Lookup("cursor", "id").Int64OK()
	require.True(t, ok, "reply %s has no cursor.id", reply)
	return id
}

func TestWirePing(t *testing.T) {
	f := newWireFixture(t)
	f.runOK(t, "admin", bson.D{{Key: "ping", Value: int32(1)}})
}

func TestWireUnknownCommand(t *testing.T) {
	f := newWireFixture(t)
	reply := f.run(t, "admin", bson.D{{Key: "frobnicate", Value: int32(1)}})
	assert.EqualValues(t, 0, reply.Lookup("ok").Int32())
	assert.Equal(t, "CommandNotFound", reply.Lookup("codeName").StringValue())
}

func TestWireFindMissingCollection(t *testing.T) {
	f := newWireFixture(t)
	reply := f.runOK(t, "app", bson.D{{Key: "find", Value: "nope"}})
	assert.Empty(t, batch(t, reply, "firstBatch"))
	assert.Zero(t, cursorID(t, reply))
	assert.Equal(t, "app.nope", reply.Lookup("cursor", "ns").StringValue())
}

func TestWireInsertFind(t *testing.T) {
	f := newWireFixture(t)
	f.runOK(t, "app", bson.D{
		{Key: "insert", Value: "users"},
		{Key: "documents", Value: bson.A{
			bson.D{{Key: "_id", Value: int32(1)}, {Key: "name", Value: "ada"}, {Key: "age", Value: int32(36)}},
			bson.D{{Key: "_id", Value: int32(2)}, {Key: "name", Value: "grace"}, {Key: "age", Value: int32(45)}},
			bson.D{{Key: "_id", Value: int32(3)}, {Key: "name", Value: "edsger"}, {Key: "age", Value: int32(72)}},
		}},
	})

	reply := f.runOK(t, "app", bson.D{
		{Key: "find", Value: "users"},
		{Key: "filter", Value: bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: int32(40)}}}}},
		{Key: "sort", Value: bson.D{{Key: "age", Value: int32(-1)}}},
		{Key: "projection", Value: bson.D{{Key: "name", Value: int32(1)}}},
	})
	docs := batch(t, reply, "firstBatch")
	require.Len(t, docs, 2)
	assert.Equal(t, "edsger", docs[0].Lookup("name").StringValue())
	assert.Equal(t, "grace", docs[1].Lookup("name").StringValue())
	assert.Zero(t, cursorID(t, reply))
}

func TestWireInsertDuplicateKeyOrdered(t *testing.T) {
	f := newWireFixture(t)
	reply := f.runOK(t, "app", bson.D{
		{Key: "insert", Value: "users"},
		{Key: "documents", Value: bson.A{
			bson.D{{Key: "_id", Value: int32(1)}},
			bson.D{{Key: "_id", Value: int32(1)}},
			bson.D{{Key: "_id", Value: int32(2)}},
		}},
	})
	assert.EqualValues(t, 1, reply.Lookup("n").Int32())
	errs, ok := reply.Lookup("writeErrors").ArrayOK()
	require.True(t, ok)
	vals, err := errs.Values()
	require.NoError(t, err)
	require.Len(t, vals, 1)
	we := bson.Raw(vals[0].Value)
	assert.EqualValues(t, 1, we.Lookup("index").Int32())
	assert.Equal(t, "DuplicateKey", we.Lookup("codeName").StringValue())
}

func TestWireUpdate(t *testing.T) {
	f := newWireFixture(t)
	f.runOK(t, "app", bson.D{
		{Key: "insert", Value: "inv"},
		{Key: "documents", Value: bson.A{
			bson.D{{Key: "_id", Value: int32(1)}, {Key: "sku", Value: "a"}, {Key: "qty", Value: int32(5)}},
			bson.D{{Key: "_id", Value: int32(2)}, {Key: "sku", Value: "a"}, {Key: "qty", Value: int32(7)}},
			bson.D{{Key: "_id", Value: int32(3)}, {Key: "sku", Value: "b"}, {Key: "qty", Value: int32(2)}},
		}},
	})

	reply := f.runOK(t, "app", bson.D{
		{Key: "update", Value: "inv"},
		{Key: "updates", Value: bson.A{
			bson.D{
				{Key: "q", Value: bson.D{{Key: "sku", Value: "a"}}},
				{Key: "u", Value: bson.D{{Key: "$inc", Value: bson.D{{Key: "qty", Value: int32(1)}}}}},
				{Key: "multi", Value: true},
			},
		}},
	})
	assert.EqualValues(t, 2, reply.Lookup("n").Int32())
	assert.EqualValues(t, 2, reply.Lookup("nModified").Int32())

	found := f.runOK(t, "app", bson.D{
		{Key: "find", Value: "inv"},
		{Key: "filter", Value: bson.D{{Key: "_id", Value: int32(1)}}},
	})
	docs := batch(t, found, "firstBatch")
	require.Len(t, docs, 1)
	assert.EqualValues(t, 6, docs[0].Lookup("qty").Int32())
}

func TestWireUpdateUpsert(t *testing.T) {
	f := newWireFixture(t)
	reply := f.runOK(t, "app", bson.D{
		{Key: "update", Value: "prefs"},
		{Key: "updates", Value: bson.A{
			bson.D{
				{Key: "q", Value: bson.D{{Key: "_id", Value: "theme"}}},
				{Key: "u", Value: bson.D{{Key: "$set", Value: bson.D{{Key: "value", Value: "dark"}}}}},
				{Key: "upsert", Value: true},
			},
		}},
	})
	assert.EqualValues(t, 1, reply.Lookup("n").Int32())
	assert.EqualValues(t, 0, reply.Lookup("nModified").Int32())
	ups, ok := reply.Lookup("upserted").ArrayOK()
	require.True(t, ok)
	vals, err := ups.Values()
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "theme", bson.Raw(vals[0].Value).Lookup("_id").StringValue())

	found := f.runOK(t, "app", bson.D{{Key: "find", Value: "prefs"}})
	docs := batch(t, found, "firstBatch")
	require.Len(t, docs, 1)
	assert.Equal(t, "dark", docs[0].Lookup("value").StringValue())
}

func TestWireDelete(t *testing.T) {
	f := newWireFixture(t)
	f.runOK(t, "app", bson.D{
		{Key: "insert", Value: "logs"},
		{Key: "documents", Value: bson.A{
			bson.D{{Key: "level", Value: "info"}},
			bson.D{{Key: "level", Value: "debug"}},
			bson.D{{Key: "level", Value: "debug"}},
		}},
	})

	one := f.runOK(t, "app", bson.D{
		{Key: "delete", Value: "logs"},
		{Key: "deletes", Value: bson.A{
			bson.D{{Key: "q", Value: bson.D{{Key: "level", Value: "debug"}}}, {Key: "limit", Value: int64(1)}},
		}},
	})
	assert.EqualValues(t, 1, one.Lookup("n").Int32())

	all := f.runOK(t, "app", bson.D{
		{Key: "delete", Value: "logs"},
		{Key: "deletes", Value: bson.A{
			bson.D{{Key: "q", Value: bson.D{}}, {Key: "limit", Value: int64(0)}},
		}},
	})
	assert.EqualValues(t, 2, all.Lookup("n").Int32())

	n := f.runOK(t, "app", bson.D{{Key: "count", Value: "logs"}})
	assert.EqualValues(t, 0, n.Lookup("n").Int64())
}

func TestWireGetMoreAndKillCursors(t *testing.T) {
	f := newWireFixture(t)
	docs := make(bson.A, 0, 20)
	for i := 0; i < 20; i++ {
		docs = append(docs, bson.D{{Key: "_id", Value: int32(i)}})
	}
	f.runOK(t, "app", bson.D{{Key: "insert", Value: "seq"}, {Key: "documents", Value: docs}})

	first := f.runOK(t, "app", bson.D{
		{Key: "find", Value: "seq"},
		{Key: "sort", Value: bson.D{{Key: "_id", Value: int32(1)}}},
		{Key: "batchSize", Value: int32(8)},
	})
	require.Len(t, batch(t, first, "firstBatch"), 8)
	id := cursorID(t, first)
	require.NotZero(t, id)

	next := f.runOK(t, "app", bson.D{
		{Key: "getMore", Value: id},
		{Key: "collection", Value: "seq"},
		{Key: "batchSize", Value: int32(8)},
	})
	require.Len(t, batch(t, next, "nextBatch"), 8)
	require.Equal(t, id, cursorID(t, next))

	killed := f.runOK(t, "app", bson.D{
		{Key: "killCursors", Value: "seq"},
		{Key: "cursors", Value: bson.A{id, int64(12345)}},
	})
	kv, err := killed.Lookup("cursorsKilled").Array().Values()
	require.NoError(t, err)
	require.Len(t, kv, 1)
	assert.Equal(t, id, kv[0].Int64())
	nf, err := killed.Lookup("cursorsNotFound").Array().Values()
	require.NoError(t, err)
	require.Len(t, nf, 1)

	exhausted := f.run(t, "app", bson.D{
		{Key: "getMore", Value: id},
		{Key: "collection", Value: "seq"},
	})
	assert.EqualValues(t, 0, exhausted.Lookup("ok").Int32())
	assert.Equal(t, "CursorNotFound", exhausted.Lookup("codeName").StringValue())
}

func TestWireAggregate(t *testing.T) {
	f := newWireFixture(t)
	f.runOK(t, "app", bson.D{
		{Key: "insert", Value: "sales"},
		{Key: "documents", Value: bson.A{
			bson.D{{Key: "item", Value: "a"}, {Key: "qty", Value: int32(5)}},
			bson.D{{Key: "item", Value: "a"}, {Key: "qty", Value: int32(10)}},
			bson.D{{Key: "item", Value: "b"}, {Key: "qty", Value: int32(2)}},
		}},
	})

	reply := f.runOK(t, "app", bson.D{
		{Key: "aggregate", Value: "sales"},
		{Key: "pipeline", Value: bson.A{
			bson.D{{Key: "$group", Value: bson.D{
				{Key: "_id", Value: "$item"},
				{Key: "total", Value: bson.D{{Key: "$sum", Value: "$qty"}}},
			}}},
			bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: int32(1)}}}},
		}},
		{Key: "cursor", Value: bson.D{}},
	})
	docs := batch(t, reply, "firstBatch")
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Lookup("_id").StringValue())
	assert.EqualValues(t, 15, docs[0].Lookup("total").Int64())
	assert.Equal(t, "b", docs[1].Lookup("_id").StringValue())
}

func TestWireAdminDDL(t *testing.T) {
	f := newWireFixture(t)
	f.runOK(t, "app", bson.D{{Key: "create", Value: "events"}})

	reply := f.run(t, "app", bson.D{{Key: "create", Value: "events"}})
	assert.EqualValues(t, 0, reply.Lookup("ok").Int32())
	assert.Equal(t, "NamespaceExists", reply.Lookup("codeName").StringValue())

	f.runOK(t, "app", bson.D{
		{Key: "createIndexes", Value: "events"},
		{Key: "indexes", Value: bson.A{
			bson.D{
				{Key: "key", Value: bson.D{{Key: "kind", Value: int32(1)}}},
				{Key: "name", Value: "kind_1"},
			},
		}},
	})

	idx := f.runOK(t, "app", bson.D{{Key: "listIndexes", Value: "events"}})
	names := []string{}
	for _, d := range batch(t, idx, "firstBatch") {
		names = append(names, d.Lookup("name").StringValue())
	}
	assert.Contains(t, names, "_id_")
	assert.Contains(t, names, "kind_1")

	colls := f.runOK(t, "app", bson.D{{Key: "listCollections", Value: int32(1)}})
	require.Len(t, batch(t, colls, "firstBatch"), 1)

	f.runOK(t, "app", bson.D{{Key: "drop", Value: "events"}})
	colls = f.runOK(t, "app", bson.D{{Key: "listCollections", Value: int32(1)}})
	assert.Empty(t, batch(t, colls, "firstBatch"))
}

func TestWireServerStatus(t *testing.T) {
	f := newWireFixture(t)
	f.runOK(t, "app", bson.D{
		{Key: "insert", Value: "t"},
		{Key: "documents", Value: bson.A{bson.D{{Key: "x", Value: int32(1)}}}},
	})
	reply := f.runOK(t, "admin", bson.D{{Key: "serverStatus", Value: int32(1)}})
	_, ok := reply.Lookup("locks").DocumentOK()
	assert.True(t, ok)
	_, ok = reply.Lookup("cursors").DocumentOK()
	assert.True(t, ok)
	total, ok := reply.Lookup("sessions", "total").Int32OK()
	assert.True(t, ok)
	assert.GreaterOrEqual(t, total, int32(0))
}

func TestWireSessions(t *testing.T) {
	f := newWireFixture(t)
	sid := uuid.New()

	docs := make(bson.A, 0, 10)
	for i := 0; i < 10; i++ {
		docs = append(docs, bson.D{{Key: "_id", Value: int32(i)}})
	}
	f.runOK(t, "app", bson.D{
		{Key: "insert", Value: "s"},
		{Key: "documents", Value: docs},
		{Key: "lsid", Value: lsidDoc(sid)},
	})
	require.True(t, f.sessions.Has(sid))

	// Park a cursor on the session, then kill the session; the scrub
	// takes the cursor with it.
	first := f.runOK(t, "app", bson.D{
		{Key: "find", Value: "s"},
		{Key: "batchSize", Value: int32(4)},
		{Key: "lsid", Value: lsidDoc(sid)},
	})
	require.NotZero(t, cursorID(t, first))
	require.Equal(t, 1, f.cursors.Stats().Open)

	f.runOK(t, "admin", bson.D{
		{Key: "killSessions", Value: bson.A{bson.D{{Key: "id", Value: bson.Binary{Subtype: 0x04, Data: sid[:]}}}}},
	})
	assert.Equal(t, 0, f.cursors.Stats().Open)
	assert.False(t, f.sessions.Has(sid))

	// A foreign session cannot continue another session's cursor.
	other := uuid.New()
	mine := f.runOK(t, "app", bson.D{
		{Key: "find", Value: "s"},
		{Key: "batchSize", Value: int32(4)},
		{Key: "lsid", Value: lsidDoc(other)},
	})
	stolen := f.run(t, "app", bson.D{
		{Key: "getMore", Value: cursorID(t, mine)},
		{Key: "collection", Value: "s"},
	})
	assert.EqualValues(t, 0, stolen.Lookup("ok").Int32())
	assert.Equal(t, "Unauthorized", stolen.Lookup("codeName").StringValue())

	f.runOK(t, "admin", bson.D{
		{Key: "endSessions", Value: bson.A{bson.D{{Key: "id", Value: bson.Binary{Subtype: 0x04, Data: other[:]}}}}},
	})
	assert.False(t, f.sessions.Has(other))
}

func TestWireHealthz(t *testing.T) {
	f := newWireFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

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
	"runtime"
	"time"

	"github.com/montanaflynn/stats"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/catalog"
	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/lock"
	"github.com/oakleaf-io/oakleaf/docstore/status"
	"github.com/oakleaf-io/oakleaf/pkg/version"
)

func (c *commandCtx) ping() (bson.D, error) {
	return okDoc(), nil
}

func (c *commandCtx) buildInfo() (bson.D, error) {
	return okDoc(
		bson.E{Key: "name", Value: "oakleaf"},
		bson.E{Key: "version", Value: version.Build()},
		bson.E{Key: "goVersion", Value: runtime.Version()},
		bson.E{Key: "maxBsonObjectSize", Value: int32(docmodel.MaxDocumentSize)},
	), nil
}

func (c *commandCtx) serverStatus() (bson.D, error) {
	locks := c.d.deps.Locks.Stats()
	sessions := c.d.deps.Sessions.Stats()
	cursors := c.d.deps.Cursors.Stats()

	byMode := bson.D{}
	for mode, ms := range locks.ByMode {
		byMode = append(byMode, bson.E{Key: mode, Value: bson.D{
			{Key: "acquires", Value: ms.Acquires},
			{Key: "waits", Value: ms.Waits},
		}})
	}
	waits := make([]float64, 0, len(locks.WaitMicros))
	for _, w := range locks.WaitMicros {
		if w > 0 {
			waits = append(waits, w)
		}
	}
	waitSummary := bson.D{{Key: "samples", Value: int64(len(waits))}}
	if len(waits) > 0 {
		for _, pct := range []float64{50, 95, 99} {
			v, err := stats.Percentile(waits, pct)
			if err != nil {
				continue
			}
			waitSummary = append(waitSummary, bson.E{Key: percentileKey(pct), Value: v})
		}
	}

	return okDoc(
		bson.E{Key: "host", Value: "localhost"},
		bson.E{Key: "version", Value: version.Build()},
		bson.E{Key: "uptime", Value: int64(time.Since(c.d.startedAt).Seconds())},
		bson.E{Key: "operations", Value: bson.D{
			{Key: "active", Value: int32(c.d.deps.Ops.ActiveCount())},
		}},
		bson.E{Key: "sessions", Value: bson.D{
			{Key: "total", Value: int32(sessions.Total)},
			{Key: "checkedOut", Value: int32(sessions.CheckedOut)},
			{Key: "killed", Value: int32(sessions.Killed)},
		}},
		bson.E{Key: "cursors", Value: bson.D{
			{Key: "open", Value: int32(cursors.Open)},
			{Key: "pinned", Value: int32(cursors.Pinned)},
			{Key: "timedOut", Value: int64(cursors.TimedOut)},
		}},
		bson.E{Key: "locks", Value: bson.D{
			{Key: "byMode", Value: byMode},
			{Key: "deadlocks", Value: locks.Deadlocks},
			{Key: "waitMicros", Value: waitSummary},
			{Key: "tickets", Value: bson.D{
				{Key: "readInUse", Value: locks.ReadTicketsInUse},
				{Key: "readTotal", Value: locks.ReadTicketsTotal},
				{Key: "writeInUse", Value: locks.WriteTicketsInUse},
				{Key: "writeTotal", Value: locks.WriteTicketsTotal},
			}},
		}},
		bson.E{Key: "storage", Value: bson.D{
			{Key: "stableTimestamp", Value: int64(c.d.deps.Engine.StableTimestamp())},
			{Key: "checkpointTimestamp", Value: int64(c.d.deps.Engine.CheckpointTimestamp())},
			{Key: "oldestTimestamp", Value: int64(c.d.deps.Engine.OldestTimestamp())},
		}},
	), nil
}

func percentileKey(pct float64) string {
	switch pct {
	case 50:
		return "p50"
	case 95:
		return "p95"
	default:
		return "p99"
	}
}

func (c *commandCtx) create() (bson.D, error) {
	var req struct {
		Collection string `bson:"create"`
	}
	if err := bson.Unmarshal(c.body, &req); err != nil {
		return nil, status.Err(status.BadValue, "malformed create command")
	}
	ns := docmodel.NewNamespace(c.db, req.Collection)
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	c.op.SetNamespace(ns.String())
	err := c.inWUOW(ns, lock.ModeX, func() error {
		_, err := c.d.deps.Catalog.Create(c.op.RecoveryUnit(), ns)
		return err
	})
	if err != nil {
		return nil, err
	}
	return okDoc(), nil
}

func (c *commandCtx) drop() (bson.D, error) {
	var req struct {
		Collection string `bson:"drop"`
	}
	if err := bson.Unmarshal(c.body, &req); err != nil {
		return nil, status.Err(status.BadValue, "malformed drop command")
	}
	ns := docmodel.NewNamespace(c.db, req.Collection)
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	c.op.SetNamespace(ns.String())
	err := c.inWUOW(ns, lock.ModeX, func() error {
		return c.d.deps.Catalog.Drop(c.op.RecoveryUnit(), ns)
	})
	if err != nil {
		return nil, err
	}
	return okDoc(bson.E{Key: "ns", Value: ns.String()}), nil
}

func (c *commandCtx) listDatabases() (bson.D, error) {
	names := c.d.deps.Catalog.ListDatabases()
	dbs := make(bson.A, 0, len(names))
	for _, name := range names {
		dbs = append(dbs, bson.D{{Key: "name", Value: name}})
	}
	return okDoc(bson.E{Key: "databases", Value: dbs}), nil
}

func (c *commandCtx) listCollections() (bson.D, error) {
	names := c.d.deps.Catalog.ListCollections(c.db)
	batch := make([]bson.Raw, 0, len(names))
	for _, ns := range names {
		parsed, err := docmodel.ParseNamespace(ns)
		if err != nil {
			continue
		}
		doc, err := bson.Marshal(bson.D{
			{Key: "name", Value: parsed.Coll},
			{Key: "type", Value: "collection"},
		})
		if err != nil {
			return nil, err
		}
		batch = append(batch, doc)
	}
	return okDoc(cursorDoc(0, c.db+".$cmd.listCollections", batch, true)), nil
}

func (c *commandCtx) createIndexes() (bson.D, error) {
	var req struct {
		Collection string `bson:"createIndexes"`
		Indexes    []struct {
			Name   string   `bson:"name,omitempty"`
			Key    bson.Raw `bson:"key"`
			Unique bool     `bson:"unique,omitempty"`
		} `bson:"indexes"`
	}
	if err := bson.Unmarshal(c.body, &req); err != nil {
		return nil, status.Err(status.BadValue, "malformed createIndexes command")
	}
	ns := docmodel.NewNamespace(c.db, req.Collection)
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	c.op.SetNamespace(ns.String())
	if len(req.Indexes) == 0 {
		return nil, status.Err(status.BadValue, "createIndexes requires at least one index")
	}
	defs := make([]catalog.IndexDef, 0, len(req.Indexes))
	for _, ix := range req.Indexes {
		var key bson.D
		if err := bson.Unmarshal(ix.Key, &key); err != nil || len(key) == 0 {
			return nil, status.Errf(status.BadValue, "index %q has no key pattern", ix.Name)
		}
		defs = append(defs, catalog.IndexDef{Name: ix.Name, Key: key, Unique: ix.Unique})
	}
	var created int
	err := c.inWUOW(ns, lock.ModeX, func() error {
		var err error
		created, err = c.d.deps.Catalog.CreateIndexes(c.op.RecoveryUnit(), ns, defs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return okDoc(bson.E{Key: "numIndexesCreated", Value: int32(created)}), nil
}

func (c *commandCtx) listIndexes() (bson.D, error) {
	var req struct {
		Collection string `bson:"listIndexes"`
	}
	if err := bson.Unmarshal(c.body, &req); err != nil {
		return nil, status.Err(status.BadValue, "malformed listIndexes command")
	}
	ns := docmodel.NewNamespace(c.db, req.Collection)
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	c.op.SetNamespace(ns.String())
	indexes, err := c.d.deps.Catalog.ListIndexes(ns)
	if err != nil {
		return nil, err
	}
	batch := make([]bson.Raw, 0, len(indexes))
	for _, ix := range indexes {
		entry := bson.D{
			{Key: "name", Value: ix.Name()},
			{Key: "key", Value: ix.Key()},
		}
		if ix.Unique() {
			entry = append(entry, bson.E{Key: "unique", Value: true})
		}
		doc, err := bson.Marshal(entry)
		if err != nil {
			return nil, err
		}
		batch = append(batch, doc)
	}
	return okDoc(cursorDoc(0, ns.String()+".$cmd.listIndexes", batch, true)), nil
}

func (c *commandCtx) dropIndexes() (bson.D, error) {
	var req struct {
		Collection string `bson:"dropIndexes"`
		Index      string `bson:"index"`
	}
	if err := bson.Unmarshal(c.body, &req); err != nil {
		return nil, status.Err(status.BadValue, "malformed dropIndexes command")
	}
	ns := docmodel.NewNamespace(c.db, req.Collection)
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	c.op.SetNamespace(ns.String())
	if req.Index == "" {
		return nil, status.Err(status.BadValue, "dropIndexes requires an index name")
	}
	err := c.inWUOW(ns, lock.ModeX, func() error {
		return c.d.deps.Catalog.DropIndex(c.op.RecoveryUnit(), ns, req.Index)
	})
	if err != nil {
		return nil, err
	}
	return okDoc(), nil
}

// inWUOW runs fn inside a write unit of work under the write lock
// hierarchy, retrying the whole unit on write conflicts and deadlocks.
func (c *commandCtx) inWUOW(ns docmodel.Namespace, collMode lock.Mode, fn func() error) error {
	return status.RetryOnConflict(c.op.Context(), func() error {
		if err := c.lockForWrite(ns, collMode); err != nil {
			return err
		}
		if err := c.op.BeginWUOW(); err != nil {
			return err
		}
		if err := fn(); err != nil {
			c.op.AbortWUOW()
			return err
		}
		if _, err := c.op.CommitWUOW(); err != nil {
			return err
		}
		return nil
	})
}

func (c *commandCtx) lockForWrite(ns docmodel.Namespace, collMode lock.Mode) error {
	lk := c.op.Locker()
	ctx := c.op.Context()
	if err := lk.Acquire(ctx, lock.GlobalResource(), lock.ModeIX); err != nil {
		return err
	}
	if err := lk.Acquire(ctx, lock.DatabaseResource(ns.DB), lock.ModeIX); err != nil {
		return err
	}
	return lk.Acquire(ctx, lock.CollectionResource(ns.String()), collMode)
}

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

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/catalog"
	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/lock"
	"github.com/oakleaf-io/oakleaf/docstore/query"
	"github.com/oakleaf-io/oakleaf/docstore/status"
)

func (c *commandCtx) insert() (bson.D, error) {
	var req struct {
		Collection string     `bson:"insert"`
		Documents  []bson.Raw `bson:"documents"`
		Ordered    *bool      `bson:"ordered,omitempty"`
	}
	if err := bson.Unmarshal(c.body, &req); err != nil {
		return nil, status.Err(status.BadValue, "malformed insert command")
	}
	ns := docmodel.NewNamespace(c.db, req.Collection)
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	c.op.SetNamespace(ns.String())
	if len(req.Documents) == 0 {
		return nil, status.Err(status.BadValue, "insert requires at least one document")
	}
	ordered := req.Ordered == nil || *req.Ordered

	coll, err := c.ensureCollection(ns)
	if err != nil {
		return nil, err
	}

	inserted := int32(0)
	var writeErrors bson.A
	for i, doc := range req.Documents {
		err := c.inWUOW(ns, lock.ModeIX, func() error {
			_, _, err := coll.InsertDocument(c.op.RecoveryUnit(), doc)
			return err
		})
		if err == nil {
			inserted++
			continue
		}
		writeErrors = append(writeErrors, writeErrorDoc(i, err))
		if ordered {
			break
		}
	}
	reply := okDoc(bson.E{Key: "n", Value: inserted})
	if len(writeErrors) > 0 {
		reply = append(reply, bson.E{Key: "writeErrors", Value: writeErrors})
	}
	return reply, nil
}

func (c *commandCtx) update() (bson.D, error) {
	var req struct {
		Collection string `bson:"update"`
		Updates    []struct {
			Q      bson.Raw `bson:"q"`
			U      bson.Raw `bson:"u"`
			Upsert bool     `bson:"upsert,omitempty"`
			Multi  bool     `bson:"multi,omitempty"`
		} `bson:"updates"`
	}
	if err := bson.Unmarshal(c.body, &req); err != nil {
		return nil, status.Err(status.BadValue, "malformed update command")
	}
	ns := docmodel.NewNamespace(c.db, req.Collection)
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	c.op.SetNamespace(ns.String())
	if len(req.Updates) == 0 {
		return nil, status.Err(status.BadValue, "update requires at least one statement")
	}

	matched := int32(0)
	modified := int32(0)
	var upserted bson.A
	var writeErrors bson.A
	for i, u := range req.Updates {
		m, err := query.ParseFilter(u.Q)
		if err != nil {
			return nil, err
		}
		stmtMatched := int32(0)
		stmtModified := int32(0)
		var upsertedID interface{}
		err = c.inWUOW(ns, lock.ModeIX, func() error {
			stmtMatched, stmtModified, upsertedID = 0, 0, nil
			coll, ok := c.d.deps.Catalog.Get(ns.String())
			if ok {
				limit := int64(1)
				if u.Multi {
					limit = 0
				}
				err := c.matchRecords(coll, m, limit, func(rid uint64, doc bson.Raw) error {
					updated, err := docmodel.ApplyUpdate(doc, u.U)
					if err != nil {
						return err
					}
					stmtMatched++
					if bytes.Equal(updated, doc) {
						return nil
					}
					if err := coll.UpdateDocument(c.op.RecoveryUnit(), rid, updated); err != nil {
						return err
					}
					stmtModified++
					return nil
				})
				if err != nil {
					return err
				}
			}
			if stmtMatched > 0 || !u.Upsert {
				return nil
			}
			id, err := c.upsert(ns, u.Q, u.U)
			if err != nil {
				return err
			}
			upsertedID = id
			return nil
		})
		if err != nil {
			if status.CodeOf(err) == status.BadValue {
				return nil, err
			}
			writeErrors = append(writeErrors, writeErrorDoc(i, err))
			break
		}
		matched += stmtMatched
		modified += stmtModified
		if upsertedID != nil {
			upserted = append(upserted, bson.D{
				{Key: "index", Value: int32(i)},
				{Key: "_id", Value: upsertedID},
			})
		}
	}
	reply := okDoc(
		bson.E{Key: "n", Value: matched + int32(len(upserted))},
		bson.E{Key: "nModified", Value: modified},
	)
	if len(upserted) > 0 {
		reply = append(reply, bson.E{Key: "upserted", Value: upserted})
	}
	if len(writeErrors) > 0 {
		reply = append(reply, bson.E{Key: "writeErrors", Value: writeErrors})
	}
	return reply, nil
}

// upsert builds the new document from the filter's equality fields plus
// the update, creating the collection when this is its first document.
// The caller holds the write unit of work.
func (c *commandCtx) upsert(ns docmodel.Namespace, q, u bson.Raw) (interface{}, error) {
	base, err := equalityFields(q)
	if err != nil {
		return nil, err
	}
	doc, err := docmodel.ApplyUpdate(base, u)
	if err != nil {
		return nil, err
	}
	coll, ok := c.d.deps.Catalog.Get(ns.String())
	if !ok {
		if err := c.op.Locker().Acquire(c.op.Context(), lock.CollectionResource(ns.String()), lock.ModeX); err != nil {
			return nil, err
		}
		coll, err = c.d.deps.Catalog.Create(c.op.RecoveryUnit(), ns)
		if err != nil {
			return nil, err
		}
	}
	_, stored, err := coll.InsertDocument(c.op.RecoveryUnit(), doc)
	if err != nil {
		return nil, err
	}
	return stored.Lookup(docmodel.IDField), nil
}

// equalityFields extracts the plain top-level equality conjuncts of a
// filter as the seed document of an upsert.
func equalityFields(q bson.Raw) (bson.Raw, error) {
	seed := bson.D{}
	if len(q) > 0 {
		elems, err := q.Elements()
		if err != nil {
			return nil, status.Err(status.BadValue, "malformed filter document")
		}
		for _, el := range elems {
			if el.Key() == "" || el.Key()[0] == '$' {
				continue
			}
			if d, ok := el.Value().DocumentOK(); ok {
				if inner, err := d.Elements(); err == nil && len(inner) > 0 && inner[0].Key()[0] == '$' {
					continue
				}
			}
			seed = append(seed, bson.E{Key: el.Key(), Value: el.Value()})
		}
	}
	return bson.Marshal(seed)
}

func (c *commandCtx) del() (bson.D, error) {
	var req struct {
		Collection string `bson:"delete"`
		Deletes    []struct {
			Q     bson.Raw `bson:"q"`
			Limit int64    `bson:"limit"`
		} `bson:"deletes"`
	}
	if err := bson.Unmarshal(c.body, &req); err != nil {
		return nil, status.Err(status.BadValue, "malformed delete command")
	}
	ns := docmodel.NewNamespace(c.db, req.Collection)
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	c.op.SetNamespace(ns.String())
	if len(req.Deletes) == 0 {
		return nil, status.Err(status.BadValue, "delete requires at least one statement")
	}

	deleted := int32(0)
	var writeErrors bson.A
	for i, d := range req.Deletes {
		if d.Limit != 0 && d.Limit != 1 {
			return nil, status.Err(status.BadValue, "delete limit must be 0 or 1")
		}
		m, err := query.ParseFilter(d.Q)
		if err != nil {
			return nil, err
		}
		stmtDeleted := int32(0)
		err = c.inWUOW(ns, lock.ModeIX, func() error {
			stmtDeleted = 0
			coll, ok := c.d.deps.Catalog.Get(ns.String())
			if !ok {
				return nil
			}
			return c.matchRecords(coll, m, d.Limit, func(rid uint64, _ bson.Raw) error {
				if err := coll.DeleteDocument(c.op.RecoveryUnit(), rid); err != nil {
					return err
				}
				stmtDeleted++
				return nil
			})
		})
		if err != nil {
			writeErrors = append(writeErrors, writeErrorDoc(i, err))
			break
		}
		deleted += stmtDeleted
	}
	reply := okDoc(bson.E{Key: "n", Value: deleted})
	if len(writeErrors) > 0 {
		reply = append(reply, bson.E{Key: "writeErrors", Value: writeErrors})
	}
	return reply, nil
}

// matchRecords walks the record store inside the current recovery unit
// and calls fn for each matching document, up to limit matches (zero
// means all). Reads ride the write unit, so a concurrent writer
// surfaces as a write conflict at commit.
func (c *commandCtx) matchRecords(coll *catalog.Collection, m *query.Matcher, limit int64, fn func(rid uint64, doc bson.Raw) error) error {
	cur := coll.Records().NewCursor(c.op.RecoveryUnit(), false)
	defer cur.Close()
	var matched int64
	for cur.Rewind(); cur.Valid(); cur.Next() {
		if err := c.op.CheckForInterrupt(); err != nil {
			return err
		}
		rid, doc, err := cur.Record()
		if err != nil {
			return err
		}
		if !m.Matches(doc) {
			continue
		}
		if err := fn(rid, bson.Raw(doc)); err != nil {
			return err
		}
		matched++
		if limit > 0 && matched >= limit {
			return nil
		}
	}
	return nil
}

// ensureCollection returns the collection, creating it in its own write
// unit when the namespace is new.
func (c *commandCtx) ensureCollection(ns docmodel.Namespace) (*catalog.Collection, error) {
	if coll, ok := c.d.deps.Catalog.Get(ns.String()); ok {
		return coll, nil
	}
	err := c.inWUOW(ns, lock.ModeX, func() error {
		_, err := c.d.deps.Catalog.Create(c.op.RecoveryUnit(), ns)
		return err
	})
	if err != nil && status.CodeOf(err) != status.NamespaceExists {
		return nil, err
	}
	coll, ok := c.d.deps.Catalog.Get(ns.String())
	if !ok {
		return nil, status.Errf(status.NamespaceNotFound, "collection %s vanished during create", ns)
	}
	return coll, nil
}

func writeErrorDoc(index int, err error) bson.D {
	code := status.CodeOf(err)
	return bson.D{
		{Key: "index", Value: int32(index)},
		{Key: "code", Value: int32(code)},
		{Key: "codeName", Value: code.String()},
		{Key: "errmsg", Value: status.MessageOf(err)},
	}
}

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

package catalog

import (
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/engine"
	"github.com/oakleaf-io/oakleaf/docstore/status"
	"github.com/oakleaf-io/oakleaf/docstore/textindex"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
)

// Collection binds a record store to its secondary indexes. Document
// mutations go through it so every index entry and the record mutate in
// the same recovery unit; the full-text index trails the commit instead,
// through an OnCommit batch.
//
// The catalog publishes a fresh Collection on every index DDL, so the
// index set of a published object never changes. Only the text handle is
// mutable, guarded by mu.
type Collection struct {
	l         *logger.Logger
	records   *engine.RecordStore
	textDef   *Index
	ns        docmodel.Namespace
	indexes   []*Index
	ident     uint64
	textIdent uint64

	mu   sync.Mutex
	text *textindex.Index
}

// Namespace returns the collection's namespace.
func (c *Collection) Namespace() docmodel.Namespace {
	return c.ns
}

// Records returns the record store holding the documents.
func (c *Collection) Records() *engine.RecordStore {
	return c.records
}

// Indexes returns the ordered indexes, the primary-key index first.
func (c *Collection) Indexes() []*Index {
	return c.indexes
}

// IDIndex returns the mandatory primary-key index.
func (c *Collection) IDIndex() *Index {
	return c.indexes[0]
}

// IndexByName returns the named index, ordered or text.
func (c *Collection) IndexByName(name string) (*Index, bool) {
	for _, idx := range c.AllIndexes() {
		if idx.name == name {
			return idx, true
		}
	}
	return nil, false
}

// AllIndexes returns every index definition, the text index last.
func (c *Collection) AllIndexes() []*Index {
	if c.textDef == nil {
		return c.indexes
	}
	all := make([]*Index, 0, len(c.indexes)+1)
	all = append(all, c.indexes...)
	return append(all, c.textDef)
}

// TextDefinition returns the text index definition, if declared.
func (c *Collection) TextDefinition() *Index {
	return c.textDef
}

// Text returns the open full-text index, or nil when none is declared or
// it failed to open.
func (c *Collection) Text() *textindex.Index {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Idents returns every keyspace ident the collection owns: the record
// store, each ordered index and the text directory.
func (c *Collection) Idents() []uint64 {
	idents := make([]uint64, 0, len(c.indexes)+2)
	idents = append(idents, c.ident)
	for _, idx := range c.indexes {
		idents = append(idents, idx.ident)
	}
	if c.textDef != nil {
		idents = append(idents, c.textIdent)
	}
	return idents
}

// clone copies the collection sharing the record store and text handle,
// so index DDL can publish an updated index set without resetting the
// record-id counter.
func (c *Collection) clone() *Collection {
	n := &Collection{
		l:         c.l,
		ns:        c.ns,
		ident:     c.ident,
		records:   c.records,
		textDef:   c.textDef,
		textIdent: c.textIdent,
		indexes:   append([]*Index(nil), c.indexes...),
	}
	n.text = c.Text()
	return n
}

// InsertDocument validates the document, assigns an _id when absent, and
// writes the record plus every index entry into the recovery unit. The
// returned raw document is the stored form, _id included.
func (c *Collection) InsertDocument(ru *engine.RecoveryUnit, doc bson.Raw) (uint64, bson.Raw, error) {
	if err := docmodel.Validate(doc); err != nil {
		return 0, nil, err
	}
	doc, id, err := docmodel.EnsureID(doc)
	if err != nil {
		return 0, nil, err
	}
	if err := validateID(id); err != nil {
		return 0, nil, err
	}
	rid, err := c.records.Insert(ru, doc)
	if err != nil {
		return 0, nil, err
	}
	if err := c.insertIndexEntries(ru, rid, doc); err != nil {
		return 0, nil, err
	}
	c.queueTextPut(ru, rid, doc)
	return rid, doc, nil
}

// UpdateDocument replaces the record's document and reconciles every
// index: entries only the old document owes are removed, entries only the
// new one owes are added. The _id must not change.
func (c *Collection) UpdateDocument(ru *engine.RecoveryUnit, rid uint64, doc bson.Raw) error {
	if err := docmodel.Validate(doc); err != nil {
		return err
	}
	oldBytes, err := c.records.Get(ru, rid)
	if err != nil {
		return err
	}
	old := bson.Raw(oldBytes)
	newID, err := doc.LookupErr(docmodel.IDField)
	if err != nil {
		return status.Err(status.BadValue, "replacement document has no _id")
	}
	if oldID, lErr := old.LookupErr(docmodel.IDField); lErr == nil && !docmodel.ValuesEqual(oldID, newID) {
		return status.Err(status.BadValue, "the _id field cannot be changed")
	}
	if err := c.records.Update(ru, rid, doc); err != nil {
		return err
	}
	for _, idx := range c.indexes {
		oldEntries, eErr := idx.entriesFor(old)
		if eErr != nil {
			return eErr
		}
		newEntries, eErr := idx.entriesFor(doc)
		if eErr != nil {
			return eErr
		}
		added, removed := diffEntries(oldEntries, newEntries)
		for _, key := range removed {
			if dErr := idx.store.Delete(ru, key, rid); dErr != nil {
				return dErr
			}
		}
		for _, key := range added {
			if iErr := idx.store.Insert(ru, key, rid); iErr != nil {
				return c.mapIndexErr(iErr, idx)
			}
		}
	}
	c.queueTextPut(ru, rid, doc)
	return nil
}

// DeleteDocument removes the record and every index entry it owes.
func (c *Collection) DeleteDocument(ru *engine.RecoveryUnit, rid uint64) error {
	oldBytes, err := c.records.Get(ru, rid)
	if err != nil {
		return err
	}
	old := bson.Raw(oldBytes)
	if err := c.records.Delete(ru, rid); err != nil {
		return err
	}
	for _, idx := range c.indexes {
		entries, eErr := idx.entriesFor(old)
		if eErr != nil {
			return eErr
		}
		for _, key := range entries {
			if dErr := idx.store.Delete(ru, key, rid); dErr != nil {
				return dErr
			}
		}
	}
	c.queueTextDelete(ru, rid)
	return nil
}

// Document returns the stored document under the record id.
func (c *Collection) Document(ru *engine.RecoveryUnit, rid uint64) (bson.Raw, error) {
	b, err := c.records.Get(ru, rid)
	if err != nil {
		return nil, err
	}
	return bson.Raw(b), nil
}

// LookupID resolves an _id value to its record id through the primary-key
// index.
func (c *Collection) LookupID(ru *engine.RecoveryUnit, id bson.RawValue) (uint64, bool, error) {
	key, err := EncodeKey([]bson.RawValue{id}, c.IDIndex().descending)
	if err != nil {
		return 0, false, err
	}
	found, rid, err := c.IDIndex().store.AnyWithKey(ru, key)
	return rid, found, err
}

func (c *Collection) insertIndexEntries(ru *engine.RecoveryUnit, rid uint64, doc bson.Raw) error {
	for _, idx := range c.indexes {
		entries, err := idx.entriesFor(doc)
		if err != nil {
			return err
		}
		for _, key := range entries {
			if err := idx.store.Insert(ru, key, rid); err != nil {
				return c.mapIndexErr(err, idx)
			}
		}
	}
	return nil
}

func (c *Collection) mapIndexErr(err error, idx *Index) error {
	if errors.Is(err, engine.ErrDuplicateKey) {
		return status.Errf(status.DuplicateKey,
			"E11000 duplicate key error collection: %s index: %s", c.ns, idx.name)
	}
	return err
}

// queueTextPut schedules the record's text content for indexing once the
// unit commits. Text maintenance is deliberately outside the storage
// transaction; a failed batch degrades search, not the write.
func (c *Collection) queueTextPut(ru *engine.RecoveryUnit, rid uint64, doc bson.Raw) {
	if c.textDef == nil {
		return
	}
	text := c.Text()
	if text == nil {
		return
	}
	content := c.textDef.textContentOf(doc)
	ru.OnCommit(func(uint64) {
		b := textindex.NewBatch()
		if len(content) == 0 {
			b.Delete(rid)
		} else {
			b.Put(rid, content)
		}
		if err := text.Apply(b); err != nil {
			c.l.Warn().Err(err).Str("ns", c.ns.String()).Uint64("record", rid).
				Msg("text index update failed")
		}
	})
}

func (c *Collection) queueTextDelete(ru *engine.RecoveryUnit, rid uint64) {
	if c.textDef == nil {
		return
	}
	text := c.Text()
	if text == nil {
		return
	}
	ru.OnCommit(func(uint64) {
		b := textindex.NewBatch()
		b.Delete(rid)
		if err := text.Apply(b); err != nil {
			c.l.Warn().Err(err).Str("ns", c.ns.String()).Uint64("record", rid).
				Msg("text index delete failed")
		}
	})
}

// diffEntries splits new entries into those to add and old ones into
// those to remove, keeping shared keys untouched.
func diffEntries(oldEntries, newEntries [][]byte) (added, removed [][]byte) {
	oldSet := make(map[string]struct{}, len(oldEntries))
	for _, k := range oldEntries {
		oldSet[string(k)] = struct{}{}
	}
	for _, k := range newEntries {
		if _, ok := oldSet[string(k)]; ok {
			delete(oldSet, string(k))
			continue
		}
		added = append(added, k)
	}
	for _, k := range oldEntries {
		if _, ok := oldSet[string(k)]; ok {
			removed = append(removed, k)
		}
	}
	return added, removed
}

func validateID(id bson.RawValue) error {
	switch id.Type {
	case bson.TypeArray, bson.TypeRegex, bson.TypeUndefined:
		return status.Errf(status.BadValue, "the _id field cannot be of type %s", id.Type)
	default:
		return nil
	}
}

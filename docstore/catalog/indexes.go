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
	"bytes"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/engine"
	"github.com/oakleaf-io/oakleaf/docstore/status"
	"github.com/oakleaf-io/oakleaf/docstore/textindex"
)

// IndexDef is one index requested by createIndexes, before normalization.
type IndexDef struct {
	Name   string
	Key    bson.D
	Unique bool
}

// CreateIndexes adds the requested indexes to the collection, backfilling
// ordered ones from existing documents inside the caller's recovery unit.
// A request matching an existing index definition is skipped; the return
// value counts the indexes actually created. The caller holds the
// collection exclusively.
func (c *Catalog) CreateIndexes(ru *engine.RecoveryUnit, ns docmodel.Namespace, defs []IndexDef) (int, error) {
	name := ns.String()
	coll, ok := c.Get(name)
	if !ok {
		return 0, status.Errf(status.NamespaceNotFound, "collection %s does not exist", name)
	}
	entry, err := c.readEntry(ru, name)
	if err != nil {
		return 0, err
	}
	var fresh []*Index
	var freshText *Index
	created := 0
	for _, def := range defs {
		ne, nErr := normalizeIndexDef(def)
		if nErr != nil {
			return 0, nErr
		}
		if existing := findEntryByName(entry.Indexes, ne.Name); existing != nil {
			if keysEqual(existing.Key, ne.Key) && existing.Unique == ne.Unique && existing.Text == ne.Text {
				continue
			}
			return 0, status.Errf(status.IndexAlreadyExists,
				"index %s already exists with a different definition", ne.Name)
		}
		if other := findEntryByKey(entry.Indexes, ne.Key); other != nil {
			return 0, status.Errf(status.IndexAlreadyExists,
				"index with the same key pattern already exists as %s", other.Name)
		}
		if ne.Text && (hasTextEntry(entry.Indexes) || freshText != nil) {
			return 0, status.Errf(status.BadValue,
				"collection %s can have at most one text index", name)
		}
		ident, aErr := c.eng.AllocateIdent()
		if aErr != nil {
			return 0, aErr
		}
		ne.Ident = ident
		idx, iErr := newIndex(ne)
		if iErr != nil {
			return 0, iErr
		}
		entry.Indexes = append(entry.Indexes, ne)
		if ne.Text {
			freshText = idx
		} else {
			idx.store = c.eng.NewSortedStore(ident, ne.Unique)
			fresh = append(fresh, idx)
		}
		created++
	}
	if created == 0 {
		return 0, nil
	}
	if err := c.putEntry(ru, entry); err != nil {
		return 0, err
	}
	if err := c.backfill(ru, coll, fresh); err != nil {
		return 0, err
	}
	textIdx := freshText
	ru.OnCommit(func(uint64) {
		next := coll.clone()
		next.indexes = append(next.indexes, fresh...)
		if textIdx != nil {
			next.textDef = textIdx
			next.textIdent = textIdx.ident
			c.openAndBackfillText(next)
		}
		c.publish(next)
		c.l.Info().Str("ns", name).Int("created", created).Msg("indexes created")
	})
	return created, nil
}

// DropIndex removes the named index. The primary-key index cannot be
// dropped.
func (c *Catalog) DropIndex(ru *engine.RecoveryUnit, ns docmodel.Namespace, name string) error {
	nsName := ns.String()
	coll, ok := c.Get(nsName)
	if !ok {
		return status.Errf(status.NamespaceNotFound, "collection %s does not exist", nsName)
	}
	if name == IDIndexName {
		return status.Err(status.BadValue, "cannot drop the _id index")
	}
	entry, err := c.readEntry(ru, nsName)
	if err != nil {
		return err
	}
	at := -1
	for i, ie := range entry.Indexes {
		if ie.Name == name {
			at = i
			break
		}
	}
	if at < 0 {
		return status.Errf(status.IndexNotFound, "index %s not found on %s", name, nsName)
	}
	dropped := entry.Indexes[at]
	entry.Indexes = append(entry.Indexes[:at:at], entry.Indexes[at+1:]...)
	if err := c.putEntry(ru, entry); err != nil {
		return err
	}
	ru.OnCommit(func(uint64) {
		next := coll.clone()
		if dropped.Text {
			next.textDef = nil
			next.textIdent = 0
			next.text = nil
			c.dropText(coll)
		} else {
			keep := next.indexes[:0]
			for _, idx := range next.indexes {
				if idx.ident != dropped.Ident {
					keep = append(keep, idx)
				}
			}
			next.indexes = keep
		}
		c.eng.QueueDropIdent(dropped.Ident)
		c.publish(next)
		c.l.Info().Str("ns", nsName).Str("index", name).Msg("index dropped")
	})
	return nil
}

// ListIndexes returns the collection's index definitions.
func (c *Catalog) ListIndexes(ns docmodel.Namespace) ([]*Index, error) {
	coll, ok := c.Get(ns.String())
	if !ok {
		return nil, status.Errf(status.NamespaceNotFound, "collection %s does not exist", ns)
	}
	return coll.AllIndexes(), nil
}

func (c *Catalog) readEntry(ru *engine.RecoveryUnit, ns string) (collectionEntry, error) {
	raw, err := ru.GetMeta(catalogKey(ns))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return collectionEntry{}, status.Errf(status.NamespaceNotFound, "collection %s does not exist", ns)
		}
		return collectionEntry{}, err
	}
	var entry collectionEntry
	if err := bson.Unmarshal(raw, &entry); err != nil {
		return collectionEntry{}, errors.Wrap(err, "corrupt catalog document")
	}
	return entry, nil
}

// backfill writes index entries for every document already in the
// collection through the DDL's own recovery unit, so the new indexes and
// the catalog document commit together. A unique violation among existing
// documents fails the whole DDL.
func (c *Catalog) backfill(ru *engine.RecoveryUnit, coll *Collection, fresh []*Index) error {
	if len(fresh) == 0 {
		return nil
	}
	cur := coll.records.NewCursor(ru, false)
	defer cur.Close()
	for cur.Rewind(); cur.Valid(); cur.Next() {
		rid, docBytes, err := cur.Record()
		if err != nil {
			return err
		}
		doc := bson.Raw(docBytes)
		for _, idx := range fresh {
			entries, eErr := idx.entriesFor(doc)
			if eErr != nil {
				return eErr
			}
			for _, key := range entries {
				if iErr := idx.store.Insert(ru, key, rid); iErr != nil {
					return coll.mapIndexErr(iErr, idx)
				}
			}
		}
	}
	return nil
}

// openAndBackfillText opens the collection's text index and feeds it the
// documents committed so far. Runs after the DDL commit; a failure leaves
// the collection without text search rather than failing the DDL.
func (c *Catalog) openAndBackfillText(coll *Collection) {
	text, err := textindex.Open(textindex.Options{
		Logger: c.l.Named("textindex"),
		Path:   c.textPath(coll.textIdent),
	})
	if err != nil {
		c.l.Error().Err(err).Str("ns", coll.ns.String()).Msg("failed to open text index")
		return
	}
	coll.text = text
	b := textindex.NewBatch()
	ru := c.eng.BeginRead()
	defer ru.Abort()
	cur := coll.records.NewCursor(ru, false)
	defer cur.Close()
	n := 0
	for cur.Rewind(); cur.Valid(); cur.Next() {
		rid, docBytes, rErr := cur.Record()
		if rErr != nil {
			c.l.Warn().Err(rErr).Str("ns", coll.ns.String()).Msg("skipping unreadable record in text backfill")
			continue
		}
		if content := coll.textDef.textContentOf(bson.Raw(docBytes)); len(content) > 0 {
			b.Put(rid, content)
			n++
		}
	}
	if err := text.Apply(b); err != nil {
		c.l.Warn().Err(err).Str("ns", coll.ns.String()).Msg("text index backfill failed")
		return
	}
	c.l.Info().Str("ns", coll.ns.String()).Int("records", n).Msg("text index backfilled")
}

// normalizeIndexDef validates a requested definition and renders it in
// stored form: directions collapse to ±1, text components to "text", and
// a missing name derives from the key pattern.
func normalizeIndexDef(def IndexDef) (indexEntry, error) {
	if len(def.Key) == 0 {
		return indexEntry{}, status.Err(status.BadValue, "index key pattern is empty")
	}
	key := make(bson.D, 0, len(def.Key))
	seen := make(map[string]struct{}, len(def.Key))
	text, ordered := false, false
	for _, elem := range def.Key {
		if elem.Key == "" {
			return indexEntry{}, status.Err(status.BadValue, "index key pattern has an empty field name")
		}
		if _, dup := seen[elem.Key]; dup {
			return indexEntry{}, status.Errf(status.BadValue, "field %s repeats in index key pattern", elem.Key)
		}
		seen[elem.Key] = struct{}{}
		desc, isText, err := parseDirection(elem.Value)
		if err != nil {
			return indexEntry{}, err
		}
		if isText {
			text = true
			key = append(key, bson.E{Key: elem.Key, Value: "text"})
			continue
		}
		ordered = true
		dir := int32(1)
		if desc {
			dir = -1
		}
		key = append(key, bson.E{Key: elem.Key, Value: dir})
	}
	if text && ordered {
		return indexEntry{}, status.Err(status.BadValue, "cannot mix text and ordered components in one index")
	}
	if text && def.Unique {
		return indexEntry{}, status.Err(status.BadValue, "text indexes cannot be unique")
	}
	name := def.Name
	if name == "" {
		name = nameForKey(key)
	}
	if name == IDIndexName {
		return indexEntry{}, status.Errf(status.BadValue, "the name %s is reserved", IDIndexName)
	}
	return indexEntry{Name: name, Key: key, Unique: def.Unique, Text: text}, nil
}

func nameForKey(key bson.D) string {
	parts := make([]string, 0, len(key))
	for _, elem := range key {
		switch v := elem.Value.(type) {
		case string:
			parts = append(parts, elem.Key+"_"+v)
		case int32:
			parts = append(parts, elem.Key+"_"+strconv.Itoa(int(v)))
		}
	}
	return strings.Join(parts, "_")
}

func findEntryByName(entries []indexEntry, name string) *indexEntry {
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i]
		}
	}
	return nil
}

func findEntryByKey(entries []indexEntry, key bson.D) *indexEntry {
	for i := range entries {
		if keysEqual(entries[i].Key, key) {
			return &entries[i]
		}
	}
	return nil
}

func hasTextEntry(entries []indexEntry) bool {
	for _, ie := range entries {
		if ie.Text {
			return true
		}
	}
	return false
}

// keysEqual compares normalized key patterns by their canonical encoding.
func keysEqual(a, b bson.D) bool {
	ab, aErr := bson.Marshal(a)
	bb, bErr := bson.Marshal(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

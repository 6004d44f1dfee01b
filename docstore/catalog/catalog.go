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

// Package catalog keeps the durable map from namespaces to storage
// keyspaces. Every collection has one catalog document in the engine
// metadata keyspace naming its record-store ident and index definitions;
// an in-memory snapshot serves lookups. Catalog mutations write through
// the caller's recovery unit and publish to the snapshot only once that
// unit commits, so a conflicting or aborted DDL leaves no trace.
package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/multierr"

	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/engine"
	"github.com/oakleaf-io/oakleaf/docstore/status"
	"github.com/oakleaf-io/oakleaf/docstore/textindex"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
)

// metaTagCollection prefixes every catalog document in the engine
// metadata keyspace.
const metaTagCollection = 'c'

// IDIndexName is the name of the mandatory primary-key index.
const IDIndexName = "_id_"

// Options tunes a Catalog.
type Options struct {
	Logger *logger.Logger
	// TextRoot is the directory full-text indexes live under, one
	// subdirectory per index ident.
	TextRoot string
}

// Catalog is the durable collection registry.
type Catalog struct {
	l        *logger.Logger
	eng      *engine.Engine
	textRoot string

	mu    sync.RWMutex
	colls map[string]*Collection
	gen   uint64
}

// collectionEntry is the persisted catalog document.
type collectionEntry struct {
	Namespace string       `bson:"ns"`
	Indexes   []indexEntry `bson:"indexes"`
	Ident     uint64       `bson:"ident"`
}

type indexEntry struct {
	Name   string `bson:"name"`
	Key    bson.D `bson:"key"`
	Ident  uint64 `bson:"ident"`
	Unique bool   `bson:"unique,omitempty"`
	Text   bool   `bson:"text,omitempty"`
}

func catalogKey(ns string) []byte {
	return append([]byte{metaTagCollection}, ns...)
}

// Open loads the catalog from the engine metadata keyspace and reclaims
// keyspaces no catalog document references anymore.
func Open(eng *engine.Engine, opts Options) (*Catalog, error) {
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger("catalog")
	}
	c := &Catalog{
		l:        opts.Logger,
		eng:      eng,
		textRoot: opts.TextRoot,
		colls:    make(map[string]*Collection),
	}
	err := eng.ScanMeta([]byte{metaTagCollection}, func(_, val []byte) error {
		var entry collectionEntry
		if uErr := bson.Unmarshal(val, &entry); uErr != nil {
			return errors.Wrap(uErr, "corrupt catalog document")
		}
		coll, bErr := c.buildCollection(entry)
		if bErr != nil {
			return bErr
		}
		c.colls[entry.Namespace] = coll
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.sweepOrphans(); err != nil {
		return nil, err
	}
	c.l.Info().Int("collections", len(c.colls)).Msg("catalog loaded")
	return c, nil
}

// sweepOrphans queues drops for allocated idents no catalog document
// references: leftovers of DDL that allocated a keyspace but never
// committed its entry.
func (c *Catalog) sweepOrphans() error {
	last, err := c.eng.LastIdent()
	if err != nil {
		return errors.Wrap(err, "failed to read ident counter")
	}
	referenced := make(map[uint64]struct{}, len(c.colls)*2)
	for _, coll := range c.colls {
		for _, ident := range coll.Idents() {
			referenced[ident] = struct{}{}
		}
	}
	var orphans []uint64
	for ident := uint64(1); ident <= last; ident++ {
		if _, ok := referenced[ident]; !ok {
			orphans = append(orphans, ident)
		}
	}
	if len(orphans) > 0 {
		c.l.Info().Int("count", len(orphans)).Msg("reclaiming unreferenced keyspaces")
		c.eng.QueueDropIdent(orphans...)
	}
	c.sweepTextDirs(referenced)
	return nil
}

// sweepTextDirs removes text-index directories whose ident no catalog
// document references, leftovers of a drop that crashed before the file
// removal.
func (c *Catalog) sweepTextDirs(referenced map[uint64]struct{}) {
	entries, err := os.ReadDir(c.textRoot)
	if err != nil {
		return
	}
	for _, e := range entries {
		ident, pErr := strconv.ParseUint(e.Name(), 10, 64)
		if pErr != nil {
			continue
		}
		if _, ok := referenced[ident]; ok {
			continue
		}
		if rErr := os.RemoveAll(c.textPath(ident)); rErr != nil {
			c.l.Warn().Err(rErr).Uint64("ident", ident).Msg("failed to remove stale text index files")
			continue
		}
		c.l.Info().Uint64("ident", ident).Msg("removed stale text index files")
	}
}

// Close closes every open full-text index.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	for _, coll := range c.colls {
		if coll.text != nil {
			err = multierr.Append(err, coll.text.Close())
			coll.text = nil
		}
	}
	return err
}

// Get returns the collection for the namespace, if it exists.
func (c *Catalog) Get(ns string) (*Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coll, ok := c.colls[ns]
	return coll, ok
}

// ListCollections returns the names of the database's collections in
// lexical order.
func (c *Catalog) ListCollections(db string) []string {
	prefix := db + "."
	c.mu.RLock()
	var names []string
	for ns := range c.colls {
		if strings.HasPrefix(ns, prefix) {
			names = append(names, ns[len(prefix):])
		}
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ListDatabases returns the names of every database holding at least one
// collection, in lexical order.
func (c *Catalog) ListDatabases() []string {
	seen := make(map[string]struct{})
	c.mu.RLock()
	for ns := range c.colls {
		if i := strings.Index(ns, "."); i > 0 {
			seen[ns[:i]] = struct{}{}
		}
	}
	c.mu.RUnlock()
	names := make([]string, 0, len(seen))
	for db := range seen {
		names = append(names, db)
	}
	sort.Strings(names)
	return names
}

// Generation returns the snapshot generation; it bumps on every published
// catalog change so cached plans can notice staleness.
func (c *Catalog) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Create registers a new collection with its primary-key index. The
// catalog document rides the caller's recovery unit; the collection is
// visible once that unit commits.
func (c *Catalog) Create(ru *engine.RecoveryUnit, ns docmodel.Namespace) (*Collection, error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	name := ns.String()
	if _, ok := c.Get(name); ok {
		return nil, status.Errf(status.NamespaceExists, "collection %s already exists", name)
	}
	// The read lands the catalog key in the unit's read set, so a racing
	// create of the same namespace turns into a write conflict.
	if _, err := ru.GetMeta(catalogKey(name)); err == nil {
		return nil, status.Errf(status.NamespaceExists, "collection %s already exists", name)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, err
	}
	recordIdent, err := c.eng.AllocateIdent()
	if err != nil {
		return nil, err
	}
	idIdent, err := c.eng.AllocateIdent()
	if err != nil {
		return nil, err
	}
	entry := collectionEntry{
		Namespace: name,
		Ident:     recordIdent,
		Indexes: []indexEntry{{
			Name:   IDIndexName,
			Key:    bson.D{{Key: docmodel.IDField, Value: int32(1)}},
			Ident:  idIdent,
			Unique: true,
		}},
	}
	if err := c.putEntry(ru, entry); err != nil {
		return nil, err
	}
	coll, err := c.buildCollection(entry)
	if err != nil {
		return nil, err
	}
	ru.OnCommit(func(uint64) {
		c.publish(coll)
		c.l.Info().Str("ns", name).Uint64("ident", recordIdent).Msg("collection created")
	})
	return coll, nil
}

// Drop removes the collection's catalog document and queues its keyspaces
// for physical reclamation once no cursor pins them.
func (c *Catalog) Drop(ru *engine.RecoveryUnit, ns docmodel.Namespace) error {
	name := ns.String()
	if _, err := ru.GetMeta(catalogKey(name)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return status.Errf(status.NamespaceNotFound, "collection %s does not exist", name)
		}
		return err
	}
	if err := ru.DeleteMeta(catalogKey(name)); err != nil {
		return err
	}
	ru.OnCommit(func(uint64) {
		c.mu.Lock()
		coll := c.colls[name]
		delete(c.colls, name)
		c.gen++
		c.mu.Unlock()
		if coll == nil {
			return
		}
		c.eng.QueueDropIdent(coll.Idents()...)
		c.dropText(coll)
		c.l.Info().Str("ns", name).Msg("collection dropped")
	})
	return nil
}

func (c *Catalog) dropText(coll *Collection) {
	coll.mu.Lock()
	text := coll.text
	textIdent := coll.textIdent
	coll.text = nil
	coll.mu.Unlock()
	if text == nil {
		return
	}
	if err := text.Close(); err != nil {
		c.l.Warn().Err(err).Str("ns", coll.ns.String()).Msg("failed to close text index")
	}
	if err := os.RemoveAll(c.textPath(textIdent)); err != nil {
		c.l.Warn().Err(err).Str("ns", coll.ns.String()).Msg("failed to remove text index files")
	}
}

func (c *Catalog) putEntry(ru *engine.RecoveryUnit, entry collectionEntry) error {
	raw, err := bson.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to encode catalog document")
	}
	return ru.SetMeta(catalogKey(entry.Namespace), raw)
}

func (c *Catalog) publish(coll *Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.colls[coll.ns.String()] = coll
	c.gen++
}

func (c *Catalog) textPath(ident uint64) string {
	return filepath.Join(c.textRoot, strconv.FormatUint(ident, 10))
}

// buildCollection materializes the runtime object for a catalog entry.
// A text index that fails to open degrades to queries erroring on it;
// the collection itself stays serviceable.
func (c *Catalog) buildCollection(entry collectionEntry) (*Collection, error) {
	ns, err := docmodel.ParseNamespace(entry.Namespace)
	if err != nil {
		return nil, err
	}
	coll := &Collection{
		l:       c.l,
		ns:      ns,
		ident:   entry.Ident,
		records: c.eng.NewRecordStore(entry.Ident),
	}
	for _, ie := range entry.Indexes {
		idx, iErr := newIndex(ie)
		if iErr != nil {
			return nil, iErr
		}
		if !ie.Text {
			idx.store = c.eng.NewSortedStore(ie.Ident, ie.Unique)
			coll.indexes = append(coll.indexes, idx)
			continue
		}
		coll.textDef = idx
		coll.textIdent = ie.Ident
		text, tErr := textindex.Open(textindex.Options{
			Logger: c.l.Named("textindex"),
			Path:   c.textPath(ie.Ident),
		})
		if tErr != nil {
			c.l.Error().Err(tErr).Str("ns", entry.Namespace).Msg("failed to open text index")
			continue
		}
		coll.text = text
	}
	return coll, nil
}

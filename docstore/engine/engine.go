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

// Package engine wraps an embedded key-value engine in managed-timestamp
// mode behind record-store and sorted-data factories. Each operation reads
// or writes through a recovery unit pinned to a snapshot timestamp.
package engine

import (
	"io"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/options"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/run"
)

var (
	// ErrRecordNotFound indicates the record id has no document.
	ErrRecordNotFound = errors.New("engine: record not found")
	// ErrDuplicateKey indicates an insert would put a second entry under a
	// key of a unique sorted store.
	ErrDuplicateKey = errors.New("engine: duplicate key in unique keyspace")
	// ErrSnapshotExpired indicates a stashed read timestamp has fallen
	// behind the oldest retained version.
	ErrSnapshotExpired = errors.New("engine: snapshot timestamp is older than the retained history")
	// ErrShutdown indicates the engine is closed or closing.
	ErrShutdown = errors.New("engine: shutting down")
)

// metaIdent is the reserved keyspace holding engine and catalog metadata.
const metaIdent uint64 = 0

// Options tunes an Engine.
type Options struct {
	Logger             *logger.Logger
	Dir                string
	FlushInterval      time.Duration
	CheckpointInterval time.Duration
	HistoryWindow      time.Duration
	InMemory           bool
}

// DefaultOptions returns the options the daemon starts from.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                dir,
		FlushInterval:      100 * time.Millisecond,
		CheckpointInterval: 60 * time.Second,
		HistoryWindow:      15 * time.Minute,
	}
}

// Engine owns the long-lived connection to the embedded store, the
// timestamp oracle above it, and the background journal and checkpoint
// loops.
type Engine struct {
	db     *badger.DB
	l      *logger.Logger
	oracle *oracle
	closer *run.Closer

	flushMu              sync.Mutex
	flushNotify          chan struct{}
	durableTs            uint64
	checkpointTs         uint64
	lastCheckpointCommit uint64
	discardTs            uint64

	identMu   sync.Mutex
	identRefs map[uint64]int
	dropQueue []uint64

	readMu      sync.Mutex
	activeReads map[uint64]int

	samples []tsSample

	opts Options
}

type tsSample struct {
	at time.Time
	ts uint64
}

// Open opens the engine at root, recovers the checkpoint timestamp from the
// metadata keyspace and starts the background loops.
func Open(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger("engine")
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 100 * time.Millisecond
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 60 * time.Second
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 15 * time.Minute
	}
	dbOpts := badger.DefaultOptions(opts.Dir).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(int(^uint32(0) >> 1)).
		WithLogger(&badgerLog{delegated: opts.Logger.Named("badger")})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.OpenManaged(dbOpts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open storage engine")
	}
	e := &Engine{
		db:          db,
		l:           opts.Logger,
		opts:        opts,
		closer:      run.NewCloser(2),
		flushNotify: make(chan struct{}),
		identRefs:   make(map[uint64]int),
		activeReads: make(map[uint64]int),
	}
	e.oracle = newOracle(db.MaxVersion())
	if err := e.recoverCheckpoint(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go e.flushLoop()
	go e.checkpointLoop()
	return e, nil
}

func (e *Engine) recoverCheckpoint() error {
	v, err := e.getMetaAt(e.oracle.ReadTs(), metaCheckpointKey())
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil
	case err != nil:
		return errors.Wrap(err, "failed to recover checkpoint timestamp")
	}
	e.checkpointTs = decodeTs(v)
	e.l.Info().Uint64("checkpointTs", e.checkpointTs).Uint64("stableTs", e.oracle.ReadTs()).Msg("recovered")
	return nil
}

// Close stops the background loops, drains what it can of the drop queue
// and closes the engine.
func (e *Engine) Close() error {
	e.closer.CloseThenWait()
	var err error
	if cErr := e.checkpoint(); cErr != nil {
		err = multierr.Append(err, cErr)
	}
	e.identMu.Lock()
	remaining := len(e.dropQueue)
	e.identMu.Unlock()
	if remaining > 0 {
		e.l.Warn().Int("idents", remaining).Msg("drop queue not fully drained at close")
	}
	return multierr.Append(err, e.db.Close())
}

// StableTimestamp returns the latest committed timestamp.
func (e *Engine) StableTimestamp() uint64 {
	return e.oracle.ReadTs()
}

// CheckpointTimestamp returns the timestamp persisted by the last
// checkpoint.
func (e *Engine) CheckpointTimestamp() uint64 {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	return e.checkpointTs
}

// Backup streams a consistent backup of everything committed after sinceTs
// and returns the timestamp the stream covers up to.
func (e *Engine) Backup(w io.Writer, sinceTs uint64) (uint64, error) {
	return e.db.Backup(w, sinceTs)
}

// NewRecordStore returns a record store over the ident's keyspace.
func (e *Engine) NewRecordStore(ident uint64) *RecordStore {
	return &RecordStore{e: e, ident: ident}
}

// NewSortedStore returns a sorted-data store over the ident's keyspace.
// Unique stores keep at most one entry per key.
func (e *Engine) NewSortedStore(ident uint64, unique bool) *SortedStore {
	return &SortedStore{e: e, ident: ident, unique: unique}
}

// LastIdent returns the highest keyspace ident handed out so far.
func (e *Engine) LastIdent() (uint64, error) {
	v, err := e.getMetaAt(e.oracle.ReadTs(), metaIdentCounterKey())
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	}
	return decodeTs(v), nil
}

// AllocateIdent hands out the next unused keyspace ident. Ident zero is
// reserved for metadata.
func (e *Engine) AllocateIdent() (uint64, error) {
	e.identMu.Lock()
	defer e.identMu.Unlock()
	ru := e.BeginWrite()
	defer ru.Abort()
	next := uint64(1)
	v, err := ru.Get(metaIdentCounterKey())
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		next = decodeTs(v) + 1
	}
	if err := ru.Set(metaIdentCounterKey(), encodeTs(next)); err != nil {
		return 0, err
	}
	if _, err := ru.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// PinIdent marks the ident's keyspace as referenced so a queued drop is
// deferred until the pin is released.
func (e *Engine) PinIdent(ident uint64) {
	e.identMu.Lock()
	defer e.identMu.Unlock()
	e.identRefs[ident]++
}

// UnpinIdent releases a PinIdent reference.
func (e *Engine) UnpinIdent(ident uint64) {
	e.identMu.Lock()
	defer e.identMu.Unlock()
	if e.identRefs[ident] <= 1 {
		delete(e.identRefs, ident)
		return
	}
	e.identRefs[ident]--
}

// QueueDropIdent records an ident whose catalog entry is gone. The
// checkpointer physically drops the keyspace once no reference pins it.
func (e *Engine) QueueDropIdent(idents ...uint64) {
	e.identMu.Lock()
	defer e.identMu.Unlock()
	e.dropQueue = append(e.dropQueue, idents...)
	e.l.Debug().Uints64("idents", idents).Msg("queued keyspace drops")
}

// drainDropQueue drops every queued ident whose reference count reached
// zero. Called from the checkpointer and from Close.
func (e *Engine) drainDropQueue() error {
	e.identMu.Lock()
	var droppable, still []uint64
	for _, ident := range e.dropQueue {
		if e.identRefs[ident] > 0 {
			still = append(still, ident)
			continue
		}
		droppable = append(droppable, ident)
	}
	e.dropQueue = still
	e.identMu.Unlock()
	var err error
	for _, ident := range droppable {
		if dErr := e.db.DropPrefix(identPrefix(ident)); dErr != nil {
			err = multierr.Append(err, errors.Wrapf(dErr, "failed to drop keyspace %d", ident))
			e.QueueDropIdent(ident)
			continue
		}
		e.l.Info().Uint64("ident", ident).Msg("dropped keyspace")
	}
	return err
}

// getMetaAt reads a metadata key at the given snapshot.
func (e *Engine) getMetaAt(ts uint64, key []byte) ([]byte, error) {
	txn := e.db.NewTransactionAt(ts, false)
	defer txn.Discard()
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// GetMeta reads a metadata key at the stable snapshot.
func (e *Engine) GetMeta(key []byte) ([]byte, error) {
	return e.getMetaAt(e.oracle.ReadTs(), metaKey(key))
}

// PutMeta durably stores a metadata key in its own commit.
func (e *Engine) PutMeta(key, val []byte) error {
	ru := e.BeginWrite()
	defer ru.Abort()
	if err := ru.Set(metaKey(key), val); err != nil {
		return err
	}
	_, err := ru.Commit()
	return err
}

// DeleteMeta removes a metadata key in its own commit.
func (e *Engine) DeleteMeta(key []byte) error {
	ru := e.BeginWrite()
	defer ru.Abort()
	if err := ru.Delete(metaKey(key)); err != nil {
		return err
	}
	_, err := ru.Commit()
	return err
}

// ScanMeta iterates all metadata keys with the given prefix at the stable
// snapshot. The callback receives the key without the metadata prefix.
func (e *Engine) ScanMeta(prefix []byte, f func(key, val []byte) error) error {
	txn := e.db.NewTransactionAt(e.oracle.ReadTs(), false)
	defer txn.Discard()
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.Prefix = metaKey(prefix)
	it := txn.NewIterator(iterOpts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := f(item.Key()[len(metaKey(nil)):], val); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) trackRead(ts uint64) {
	e.readMu.Lock()
	defer e.readMu.Unlock()
	e.activeReads[ts]++
}

func (e *Engine) untrackRead(ts uint64) {
	e.readMu.Lock()
	defer e.readMu.Unlock()
	if e.activeReads[ts] <= 1 {
		delete(e.activeReads, ts)
		return
	}
	e.activeReads[ts]--
}

func (e *Engine) minActiveRead() (uint64, bool) {
	e.readMu.Lock()
	defer e.readMu.Unlock()
	var minTs uint64
	var found bool
	for ts := range e.activeReads {
		if !found || ts < minTs {
			minTs = ts
			found = true
		}
	}
	return minTs, found
}

// OldestTimestamp returns the lower bound of retained history, the highest
// timestamp ever handed to the store as discardable. Reads pinned at or
// above it stay valid; a stashed snapshot below it is gone.
func (e *Engine) OldestTimestamp() uint64 {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	return e.discardTs
}

// oldestLocked picks the newest stable-timestamp sample taken before the
// history window opened; reads pinned inside the window stay above it.
func (e *Engine) oldestLocked(now time.Time) uint64 {
	cut := now.Add(-e.opts.HistoryWindow)
	var oldest uint64
	keepFrom := 0
	for i, s := range e.samples {
		if s.at.After(cut) {
			break
		}
		oldest = s.ts
		keepFrom = i
	}
	if keepFrom > 0 {
		e.samples = e.samples[keepFrom:]
	}
	if minRead, ok := e.minActiveRead(); ok && minRead < oldest {
		oldest = minRead
	}
	return oldest
}

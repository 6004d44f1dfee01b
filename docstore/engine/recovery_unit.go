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

package engine

import (
	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/docstore/status"
)

// RecoveryUnit brackets one consistent read or write over the engine. A
// read unit pins a snapshot timestamp; a write unit buffers mutations that
// commit atomically at an oracle-allocated timestamp.
type RecoveryUnit struct {
	e        *Engine
	txn      *badger.Txn
	onCommit []func(ts uint64)
	readTs   uint64
	update   bool
	done     bool
	stashed  bool
}

// BeginRead opens a recovery unit pinned at the stable snapshot.
func (e *Engine) BeginRead() *RecoveryUnit {
	ts := e.oracle.ReadTs()
	e.trackRead(ts)
	return &RecoveryUnit{
		e:      e,
		txn:    e.db.NewTransactionAt(ts, false),
		readTs: ts,
	}
}

// BeginWrite opens a recovery unit that reads the stable snapshot and
// buffers mutations until Commit.
func (e *Engine) BeginWrite() *RecoveryUnit {
	ts := e.oracle.ReadTs()
	e.trackRead(ts)
	return &RecoveryUnit{
		e:      e,
		txn:    e.db.NewTransactionAt(ts, true),
		readTs: ts,
		update: true,
	}
}

// ReadTimestamp reports the snapshot the unit is pinned at.
func (ru *RecoveryUnit) ReadTimestamp() uint64 {
	return ru.readTs
}

// IsWrite reports whether the unit buffers mutations.
func (ru *RecoveryUnit) IsWrite() bool {
	return ru.update
}

// Get reads a key at the unit's snapshot.
func (ru *RecoveryUnit) Get(key []byte) ([]byte, error) {
	item, err := ru.txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// Set buffers a key write.
func (ru *RecoveryUnit) Set(key, val []byte) error {
	if !ru.update {
		return errors.New("engine: set on a read-only recovery unit")
	}
	return ru.txn.Set(key, val)
}

// Delete buffers a key removal.
func (ru *RecoveryUnit) Delete(key []byte) error {
	if !ru.update {
		return errors.New("engine: delete on a read-only recovery unit")
	}
	return ru.txn.Delete(key)
}

// GetMeta reads a key of the reserved metadata keyspace at the unit's
// snapshot.
func (ru *RecoveryUnit) GetMeta(key []byte) ([]byte, error) {
	return ru.Get(metaKey(key))
}

// SetMeta buffers a write to the reserved metadata keyspace.
func (ru *RecoveryUnit) SetMeta(key, val []byte) error {
	return ru.Set(metaKey(key), val)
}

// DeleteMeta buffers a removal from the reserved metadata keyspace.
func (ru *RecoveryUnit) DeleteMeta(key []byte) error {
	return ru.Delete(metaKey(key))
}

// OnCommit queues f to run with the commit timestamp once the unit commits
// successfully. An aborted or conflicting unit drops its hooks unrun.
func (ru *RecoveryUnit) OnCommit(f func(ts uint64)) {
	ru.onCommit = append(ru.onCommit, f)
}

// Commit applies the buffered mutations at the next commit timestamp and
// returns it. A conflicting concurrent commit surfaces as WriteConflict.
func (ru *RecoveryUnit) Commit() (uint64, error) {
	if ru.done {
		return 0, errors.New("engine: recovery unit already closed")
	}
	if !ru.update {
		return 0, errors.New("engine: commit on a read-only recovery unit")
	}
	ts, err := ru.e.oracle.commit(func(ts uint64) error {
		return ru.txn.CommitAt(ts, nil)
	})
	ru.finish()
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return 0, status.Err(status.WriteConflict, "write conflict on commit")
		}
		return 0, errors.Wrap(err, "engine commit")
	}
	for _, f := range ru.onCommit {
		f(ts)
	}
	ru.onCommit = nil
	return ts, nil
}

// Abort discards the unit. Safe to call after Commit.
func (ru *RecoveryUnit) Abort() {
	if ru.done {
		return
	}
	ru.finish()
}

func (ru *RecoveryUnit) finish() {
	ru.txn.Discard()
	if !ru.stashed {
		ru.e.untrackRead(ru.readTs)
	}
	ru.done = true
	ru.stashed = false
}

// Stash parks a read unit with a client cursor. The snapshot is released
// from the retention bound while parked, so a long-idle cursor can lose it;
// iterators must be reopened after Restore.
func (ru *RecoveryUnit) Stash() error {
	if ru.update {
		return errors.New("engine: cannot stash a write recovery unit")
	}
	if ru.done {
		return errors.New("engine: cannot stash a closed recovery unit")
	}
	if ru.stashed {
		return nil
	}
	ru.stashed = true
	ru.e.untrackRead(ru.readTs)
	return nil
}

// Restore revives a stashed unit for the continuing operation. The stashed
// snapshot must still be inside the retained history window.
func (ru *RecoveryUnit) Restore() error {
	if ru.done {
		return errors.New("engine: cannot restore a closed recovery unit")
	}
	if !ru.stashed {
		return nil
	}
	// Pin before validating so the retention floor cannot move past the
	// snapshot between the check and the first read.
	ru.e.trackRead(ru.readTs)
	if ru.readTs < ru.e.OldestTimestamp() {
		ru.e.untrackRead(ru.readTs)
		ru.finish()
		return ErrSnapshotExpired
	}
	ru.stashed = false
	return nil
}

// Iterator walks a keyspace prefix at the unit's snapshot.
type Iterator struct {
	it      *badger.Iterator
	prefix  []byte
	reverse bool
}

// NewIterator opens an iterator over the prefix. Reverse iterators walk
// from the largest key down.
func (ru *RecoveryUnit) NewIterator(prefix []byte, reverse bool) *Iterator {
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.Prefix = prefix
	iterOpts.Reverse = reverse
	it := ru.txn.NewIterator(iterOpts)
	return &Iterator{it: it, prefix: prefix, reverse: reverse}
}

// keyUpperBound is past every real key under a prefix: record ids are
// 8-byte values below all-0xFF and sorted keys start with a small tag byte.
func keyUpperBound(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
}

// Rewind positions at the first key of the prefix in iteration order.
func (i *Iterator) Rewind() {
	if i.reverse {
		i.it.Seek(keyUpperBound(i.prefix))
		return
	}
	i.it.Rewind()
}

// Seek positions at the given full key, or the next one in iteration
// order.
func (i *Iterator) Seek(key []byte) {
	i.it.Seek(key)
}

// Valid reports whether the iterator is positioned inside the prefix.
func (i *Iterator) Valid() bool {
	return i.it.Valid()
}

// Next advances in iteration order.
func (i *Iterator) Next() {
	i.it.Next()
}

// Key copies the current full key.
func (i *Iterator) Key() []byte {
	return i.it.Item().KeyCopy(nil)
}

// Value copies the current value.
func (i *Iterator) Value() ([]byte, error) {
	return i.it.Item().ValueCopy(nil)
}

// Close releases the iterator.
func (i *Iterator) Close() {
	i.it.Close()
}

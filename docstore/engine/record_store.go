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
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/pkg/convert"
)

// RecordStore stores documents keyed by auto-increment record ids inside
// one keyspace ident.
type RecordStore struct {
	e      *Engine
	ident  uint64
	nextID atomic.Uint64
	initID sync.Once
}

// Ident returns the keyspace ident.
func (s *RecordStore) Ident() uint64 {
	return s.ident
}

// initNextID seeds the auto-increment counter from the largest stored
// record id.
func (s *RecordStore) initNextID() {
	s.initID.Do(func() {
		ru := s.e.BeginRead()
		defer ru.Abort()
		it := ru.NewIterator(identPrefix(s.ident), true)
		defer it.Close()
		it.Rewind()
		if it.Valid() {
			key := it.Key()
			s.nextID.Store(convert.BytesToUint64(key[8:]) + 1)
			return
		}
		s.nextID.Store(1)
	})
}

// Insert appends the document under a fresh record id.
func (s *RecordStore) Insert(ru *RecoveryUnit, doc []byte) (uint64, error) {
	s.initNextID()
	id := s.nextID.Add(1) - 1
	if err := ru.Set(recordKey(s.ident, id), doc); err != nil {
		return 0, err
	}
	return id, nil
}

// Get returns the document bytes stored under the record id.
func (s *RecordStore) Get(ru *RecoveryUnit, id uint64) ([]byte, error) {
	v, err := ru.Get(recordKey(s.ident, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	}
	return v, err
}

// Update replaces the document stored under the record id.
func (s *RecordStore) Update(ru *RecoveryUnit, id uint64, doc []byte) error {
	if _, err := s.Get(ru, id); err != nil {
		return err
	}
	return ru.Set(recordKey(s.ident, id), doc)
}

// Delete removes the record.
func (s *RecordStore) Delete(ru *RecoveryUnit, id uint64) error {
	if _, err := s.Get(ru, id); err != nil {
		return err
	}
	return ru.Delete(recordKey(s.ident, id))
}

// RecordCursor iterates documents in record-id order.
type RecordCursor struct {
	it    *Iterator
	ident uint64
}

// NewCursor opens a cursor over the store at the unit's snapshot.
func (s *RecordStore) NewCursor(ru *RecoveryUnit, reverse bool) *RecordCursor {
	return &RecordCursor{
		it:    ru.NewIterator(identPrefix(s.ident), reverse),
		ident: s.ident,
	}
}

// Rewind positions at the first record in iteration order.
func (c *RecordCursor) Rewind() {
	c.it.Rewind()
}

// Seek positions at the record id, or the next one in iteration order.
func (c *RecordCursor) Seek(id uint64) {
	c.it.Seek(recordKey(c.ident, id))
}

// Valid reports whether the cursor points at a record.
func (c *RecordCursor) Valid() bool {
	return c.it.Valid()
}

// Next advances the cursor.
func (c *RecordCursor) Next() {
	c.it.Next()
}

// Record returns the current record id and document bytes.
func (c *RecordCursor) Record() (uint64, []byte, error) {
	key := c.it.Key()
	val, err := c.it.Value()
	if err != nil {
		return 0, nil, err
	}
	return convert.BytesToUint64(key[8:]), val, nil
}

// Close releases the cursor.
func (c *RecordCursor) Close() {
	c.it.Close()
}

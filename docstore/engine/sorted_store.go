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
	"bytes"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/pkg/convert"
)

// SortedStore keeps index entries ordered by an opaque key encoding.
//
// A non-unique store appends the record id to the stored key, so duplicate
// keys coexist as distinct entries. A unique store keeps the record id in
// the value instead: two writers of the same key then touch the same
// engine key, and the point Get preceding every unique insert lands the
// key in the transaction's read set, so a concurrent duplicate surfaces as
// a write conflict instead of slipping past the check.
type SortedStore struct {
	e      *Engine
	ident  uint64
	unique bool
}

// Ident returns the keyspace ident.
func (s *SortedStore) Ident() uint64 {
	return s.ident
}

// IsUnique reports whether the store enforces at most one entry per key.
func (s *SortedStore) IsUnique() bool {
	return s.unique
}

// Insert adds an entry for the key and record id. On a unique store an
// entry under the same key for a different record fails with
// ErrDuplicateKey.
func (s *SortedStore) Insert(ru *RecoveryUnit, key []byte, recordID uint64) error {
	if !s.unique {
		return ru.Set(sortedKey(s.ident, key, recordID), nil)
	}
	stored := sortedKeyPrefix(s.ident, key)
	v, err := ru.Get(stored)
	switch {
	case err == nil:
		if convert.BytesToUint64(v) == recordID {
			return nil
		}
		return ErrDuplicateKey
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return err
	}
	return ru.Set(stored, convert.Uint64ToBytes(recordID))
}

// Delete removes the entry for the key and record id. Deleting an absent
// entry, or a unique entry now owned by another record, is a no-op.
func (s *SortedStore) Delete(ru *RecoveryUnit, key []byte, recordID uint64) error {
	if !s.unique {
		return ru.Delete(sortedKey(s.ident, key, recordID))
	}
	stored := sortedKeyPrefix(s.ident, key)
	v, err := ru.Get(stored)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil
	case err != nil:
		return err
	case convert.BytesToUint64(v) != recordID:
		return nil
	}
	return ru.Delete(stored)
}

// AnyWithKey reports whether at least one entry carries exactly the key,
// and if so which record the first one points at.
func (s *SortedStore) AnyWithKey(ru *RecoveryUnit, key []byte) (bool, uint64, error) {
	prefix := sortedKeyPrefix(s.ident, key)
	if s.unique {
		v, err := ru.Get(prefix)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			return false, 0, nil
		case err != nil:
			return false, 0, err
		}
		return true, convert.BytesToUint64(v), nil
	}
	it := ru.NewIterator(prefix, false)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		stored := it.Key()
		if len(stored) == len(prefix)+8 {
			return true, convert.BytesToUint64(stored[len(prefix):]), nil
		}
	}
	return false, 0, nil
}

// SortedCursor iterates entries in key order.
type SortedCursor struct {
	it     *Iterator
	ident  uint64
	unique bool
}

// NewCursor opens a cursor over the store at the unit's snapshot.
func (s *SortedStore) NewCursor(ru *RecoveryUnit, reverse bool) *SortedCursor {
	return &SortedCursor{
		it:     ru.NewIterator(identPrefix(s.ident), reverse),
		ident:  s.ident,
		unique: s.unique,
	}
}

// Rewind positions at the first entry in iteration order.
func (c *SortedCursor) Rewind() {
	c.it.Rewind()
}

// SeekKey positions at the first entry whose key is >= key (or <= key when
// iterating in reverse).
func (c *SortedCursor) SeekKey(key []byte) {
	target := sortedKeyPrefix(c.ident, key)
	if c.it.reverse {
		// Land on the last entry sharing the key before walking backwards.
		target = keyUpperBound(target)
	}
	c.it.Seek(target)
}

// Valid reports whether the cursor points at an entry.
func (c *SortedCursor) Valid() bool {
	return c.it.Valid()
}

// Next advances the cursor.
func (c *SortedCursor) Next() {
	c.it.Next()
}

// Entry returns the current key bytes and record id. The key slice is only
// valid until the cursor moves.
func (c *SortedCursor) Entry() ([]byte, uint64, error) {
	stored := c.it.Key()
	if c.unique {
		v, err := c.it.Value()
		if err != nil {
			return nil, 0, err
		}
		return stored[8:], convert.BytesToUint64(v), nil
	}
	return stored[8 : len(stored)-8], convert.BytesToUint64(stored[len(stored)-8:]), nil
}

// KeyHasPrefix reports whether the current entry's key starts with prefix.
// Range scans use it as their stop condition.
func (c *SortedCursor) KeyHasPrefix(prefix []byte) bool {
	return bytes.HasPrefix(c.key(), prefix)
}

// CompareKey orders the current entry's key against other, after the
// fashion of bytes.Compare. Bounded range scans stop on it.
func (c *SortedCursor) CompareKey(other []byte) int {
	return bytes.Compare(c.key(), other)
}

func (c *SortedCursor) key() []byte {
	stored := c.it.Key()
	if c.unique {
		return stored[8:]
	}
	return stored[8 : len(stored)-8]
}

// Close releases the cursor.
func (c *SortedCursor) Close() {
	c.it.Close()
}

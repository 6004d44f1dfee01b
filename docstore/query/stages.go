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

package query

import (
	"bytes"
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/catalog"
	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/status"
	"github.com/oakleaf-io/oakleaf/pkg/convert"
)

// SortField is one component of a sort specification.
type SortField struct {
	Path string
	Desc bool
}

// ParseSort parses a sort specification document. Each field must order by
// 1 or -1.
func ParseSort(spec bson.Raw) ([]SortField, error) {
	if len(spec) == 0 {
		return nil, nil
	}
	elems, err := spec.Elements()
	if err != nil {
		return nil, status.Err(status.BadValue, "sort is not a valid document")
	}
	fields := make([]SortField, 0, len(elems))
	for _, el := range elems {
		dir, ok := intDirection(el.Value())
		if !ok || (dir != 1 && dir != -1) {
			return nil, status.Errf(status.BadValue, "sort key %s ordering must be 1 or -1", el.Key())
		}
		fields = append(fields, SortField{Path: el.Key(), Desc: dir < 0})
	}
	return fields, nil
}

func intDirection(v bson.RawValue) (int64, bool) {
	switch v.Type {
	case bson.TypeInt32:
		i, _ := v.Int32OK()
		return int64(i), true
	case bson.TypeInt64:
		i, _ := v.Int64OK()
		return i, true
	case bson.TypeDouble:
		f, _ := v.DoubleOK()
		if f != float64(int64(f)) {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

// SortKey builds the order-preserving key a document sorts by. An array
// field sorts by its smallest element ascending and its largest
// descending; a missing field sorts as null.
func SortKey(doc bson.Raw, fields []SortField) ([]byte, error) {
	vals := make([]bson.RawValue, len(fields))
	desc := make([]bool, len(fields))
	for i, f := range fields {
		vals[i] = sortValueOf(doc, f.Path, f.Desc)
		desc[i] = f.Desc
	}
	key, err := catalog.EncodeKey(vals, desc)
	if err != nil {
		return nil, status.Errf(status.BadValue, "cannot sort: %v", err)
	}
	return key, nil
}

func sortValueOf(doc bson.Raw, path string, desc bool) bson.RawValue {
	var cands []bson.RawValue
	for _, v := range docmodel.PathValues(doc, path) {
		if v.Type != bson.TypeArray {
			cands = append(cands, v)
			continue
		}
		elems, err := bson.Raw(v.Value).Values()
		if err != nil {
			continue
		}
		if len(elems) == 0 {
			cands = append(cands, docmodel.NullValue())
			continue
		}
		cands = append(cands, elems...)
	}
	if len(cands) == 0 {
		return docmodel.NullValue()
	}
	best := cands[0]
	for _, c := range cands[1:] {
		cmp := docmodel.CompareValues(c, best)
		if (!desc && cmp < 0) || (desc && cmp > 0) {
			best = c
		}
	}
	return best
}

// sortStage drains its child and emits in key order. The buffered bytes
// are bounded; overflowing fails the query with SortExceededMemoryLimit.
type sortStage struct {
	e        *Executor
	child    stage
	fields   []SortField
	maxBytes int
	buf      []sortedItem
	pos      int
	drained  bool
}

type sortedItem struct {
	key []byte
	it  item
}

func (s *sortStage) next() (item, bool, error) {
	if !s.drained {
		if err := s.drain(); err != nil {
			return item{}, false, err
		}
	}
	if s.pos >= len(s.buf) {
		return item{}, false, nil
	}
	it := s.buf[s.pos].it
	s.pos++
	return it, true, nil
}

func (s *sortStage) drain() error {
	total := 0
	for {
		if err := s.e.checkInterrupt(); err != nil {
			return err
		}
		it, ok, err := s.child.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		key, err := SortKey(it.doc, s.fields)
		if err != nil {
			return err
		}
		// The record id breaks ties so the order is stable across runs.
		key = append(key, convert.Uint64ToBytes(it.rid)...)
		total += len(key) + len(it.doc)
		if s.maxBytes > 0 && total > s.maxBytes {
			return status.Errf(status.SortExceededMemoryLimit,
				"sort exceeded memory limit of %d bytes", s.maxBytes)
		}
		s.buf = append(s.buf, sortedItem{key: key, it: it})
	}
	sort.Slice(s.buf, func(i, j int) bool {
		return bytes.Compare(s.buf[i].key, s.buf[j].key) < 0
	})
	s.drained = true
	return nil
}

func (s *sortStage) detach() {
	s.child.detach()
}

func (s *sortStage) close() {
	s.child.close()
}

type skipStage struct {
	child   stage
	n       int64
	skipped int64
}

func (s *skipStage) next() (item, bool, error) {
	for s.skipped < s.n {
		_, ok, err := s.child.next()
		if err != nil || !ok {
			return item{}, false, err
		}
		s.skipped++
	}
	return s.child.next()
}

func (s *skipStage) detach() {
	s.child.detach()
}

func (s *skipStage) close() {
	s.child.close()
}

type limitStage struct {
	child stage
	n     int64
	sent  int64
}

func (s *limitStage) next() (item, bool, error) {
	if s.sent >= s.n {
		return item{}, false, nil
	}
	it, ok, err := s.child.next()
	if err != nil || !ok {
		return item{}, false, err
	}
	s.sent++
	return it, true, nil
}

func (s *limitStage) detach() {
	s.child.detach()
}

func (s *limitStage) close() {
	s.child.close()
}

type projectStage struct {
	child stage
	proj  *Projection
}

func (s *projectStage) next() (item, bool, error) {
	it, ok, err := s.child.next()
	if err != nil || !ok {
		return item{}, false, err
	}
	doc, err := s.proj.Apply(it.doc)
	if err != nil {
		return item{}, false, err
	}
	it.doc = doc
	return it, true, nil
}

func (s *projectStage) detach() {
	s.child.detach()
}

func (s *projectStage) close() {
	s.child.close()
}

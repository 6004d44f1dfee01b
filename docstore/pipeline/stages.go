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

package pipeline

import (
	"bytes"
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/operation"
	"github.com/oakleaf-io/oakleaf/docstore/query"
	"github.com/oakleaf-io/oakleaf/docstore/status"
)

// pushback buffers documents a consumer returned to the stage. Every
// stage serves its pushback before pulling again, so CollectBatch's
// byte-budget overflow never reorders the stream.
type pushback struct {
	docs []bson.Raw
}

func (p *pushback) push(doc bson.Raw) {
	p.docs = append(p.docs, doc)
}

func (p *pushback) pop() (bson.Raw, bool) {
	if len(p.docs) == 0 {
		return nil, false
	}
	doc := p.docs[len(p.docs)-1]
	p.docs = p.docs[:len(p.docs)-1]
	return doc, true
}

// matchStage filters the stream.
type matchStage struct {
	src query.Cursorable
	m   *query.Matcher
	pb  pushback
}

func (s *matchStage) Next() (bson.Raw, bool, error) {
	if doc, ok := s.pb.pop(); ok {
		return doc, true, nil
	}
	for {
		doc, ok, err := s.src.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		if s.m.Matches(doc) {
			return doc, true, nil
		}
	}
}

func (s *matchStage) Push(doc bson.Raw)                 { s.pb.push(doc) }
func (s *matchStage) Detach() error                     { return s.src.Detach() }
func (s *matchStage) Reattach(op *operation.Op) error   { return s.src.Reattach(op) }
func (s *matchStage) Close()                            { s.src.Close() }

// projectStage reshapes each document.
type projectStage struct {
	src query.Cursorable
	p   *query.Projection
	pb  pushback
}

func (s *projectStage) Next() (bson.Raw, bool, error) {
	if doc, ok := s.pb.pop(); ok {
		return doc, true, nil
	}
	doc, ok, err := s.src.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	out, err := s.p.Apply(doc)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *projectStage) Push(doc bson.Raw)               { s.pb.push(doc) }
func (s *projectStage) Detach() error                   { return s.src.Detach() }
func (s *projectStage) Reattach(op *operation.Op) error { return s.src.Reattach(op) }
func (s *projectStage) Close()                          { s.src.Close() }

// skipStage discards the first n documents.
type skipStage struct {
	src  query.Cursorable
	n    int64
	seen int64
	pb   pushback
}

func (s *skipStage) Next() (bson.Raw, bool, error) {
	if doc, ok := s.pb.pop(); ok {
		return doc, true, nil
	}
	for s.seen < s.n {
		_, ok, err := s.src.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		s.seen++
	}
	return s.src.Next()
}

func (s *skipStage) Push(doc bson.Raw)                 { s.pb.push(doc) }
func (s *skipStage) Detach() error                     { return s.src.Detach() }
func (s *skipStage) Reattach(op *operation.Op) error   { return s.src.Reattach(op) }
func (s *skipStage) Close()                            { s.src.Close() }

// limitStage truncates the stream after n documents.
type limitStage struct {
	src    query.Cursorable
	n      int64
	passed int64
	pb     pushback
}

func (s *limitStage) Next() (bson.Raw, bool, error) {
	if doc, ok := s.pb.pop(); ok {
		s.passed++
		return doc, true, nil
	}
	if s.passed >= s.n {
		return nil, false, nil
	}
	doc, ok, err := s.src.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	s.passed++
	return doc, true, nil
}

func (s *limitStage) Push(doc bson.Raw) {
	s.passed--
	s.pb.push(doc)
}
func (s *limitStage) Detach() error                   { return s.src.Detach() }
func (s *limitStage) Reattach(op *operation.Op) error { return s.src.Reattach(op) }
func (s *limitStage) Close()                          { s.src.Close() }

// unwindStage emits one document per array element of the path. A
// missing path or an empty array drops the document.
type unwindStage struct {
	src     query.Cursorable
	path    string
	pending []bson.Raw
	pb      pushback
}

func (s *unwindStage) Next() (bson.Raw, bool, error) {
	if doc, ok := s.pb.pop(); ok {
		return doc, true, nil
	}
	for {
		if len(s.pending) > 0 {
			doc := s.pending[0]
			s.pending = s.pending[1:]
			return doc, true, nil
		}
		doc, ok, err := s.src.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		if err := s.expand(doc); err != nil {
			return nil, false, err
		}
	}
}

func (s *unwindStage) expand(doc bson.Raw) error {
	v, err := doc.LookupErr(s.path)
	if err != nil {
		return nil
	}
	if v.Type != bson.TypeArray {
		s.pending = append(s.pending, doc)
		return nil
	}
	elems, err := bson.Raw(v.Value).Values()
	if err != nil {
		return status.Errf(status.BadValue, "$unwind: corrupt array at %s", s.path)
	}
	for _, el := range elems {
		var d bson.D
		if err := bson.Unmarshal(doc, &d); err != nil {
			return err
		}
		for i := range d {
			if d[i].Key == s.path {
				d[i].Value = el
			}
		}
		out, err := bson.Marshal(d)
		if err != nil {
			return err
		}
		s.pending = append(s.pending, out)
	}
	return nil
}

func (s *unwindStage) Push(doc bson.Raw)                 { s.pb.push(doc) }
func (s *unwindStage) Detach() error                     { return s.src.Detach() }
func (s *unwindStage) Reattach(op *operation.Op) error   { return s.src.Reattach(op) }
func (s *unwindStage) Close()                            { s.src.Close() }

// blocking is the shared shape of the stages that must see the whole
// input before emitting: they drain the source once, close it, and
// continue from memory. Detach and Reattach become no-ops because no
// engine state is held after the drain.
type blocking struct {
	out     []bson.Raw
	pos     int
	drained bool
}

func (b *blocking) emit() (bson.Raw, bool, error) {
	if b.pos >= len(b.out) {
		return nil, false, nil
	}
	doc := b.out[b.pos]
	b.pos++
	return doc, true, nil
}

func (b *blocking) Push(bson.Raw) {
	if b.pos > 0 {
		b.pos--
	}
}

// sortStage buffers the input and emits it in key order, bounded by the
// stage memory budget.
type sortStage struct {
	blocking
	src    query.Cursorable
	fields []query.SortField
	memMax int
}

func newSortStage(src query.Cursorable, fields []query.SortField, memMax int) *sortStage {
	return &sortStage{src: src, fields: fields, memMax: memMax}
}

func (s *sortStage) Next() (bson.Raw, bool, error) {
	if !s.drained {
		if err := s.drain(); err != nil {
			return nil, false, err
		}
	}
	return s.emit()
}

func (s *sortStage) drain() error {
	defer func() {
		s.src.Close()
		s.src = nil
		s.drained = true
	}()
	type entry struct {
		key []byte
		doc bson.Raw
	}
	var entries []entry
	used := 0
	for {
		doc, ok, err := s.src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		key, err := query.SortKey(doc, s.fields)
		if err != nil {
			return err
		}
		used += len(doc) + len(key)
		if used > s.memMax {
			return status.Err(status.SortExceededMemoryLimit, "$sort exceeded its memory limit")
		}
		entries = append(entries, entry{key: key, doc: doc})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})
	s.out = make([]bson.Raw, len(entries))
	for i, e := range entries {
		s.out[i] = e.doc
	}
	return nil
}

func (s *sortStage) Detach() error { return s.detachBlocking(s.src) }
func (s *sortStage) Reattach(op *operation.Op) error {
	return s.reattachBlocking(s.src, op)
}
func (s *sortStage) Close() {
	if s.src != nil {
		s.src.Close()
	}
}

// countStage reduces the stream to one {field: n} document.
type countStage struct {
	blocking
	src   query.Cursorable
	field string
}

func (s *countStage) Next() (bson.Raw, bool, error) {
	if !s.drained {
		var n int64
		for {
			_, ok, err := s.src.Next()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				break
			}
			n++
		}
		s.src.Close()
		s.src = nil
		s.drained = true
		doc, err := bson.Marshal(bson.D{{Key: s.field, Value: n}})
		if err != nil {
			return nil, false, err
		}
		s.out = []bson.Raw{doc}
	}
	return s.emit()
}

func (s *countStage) Detach() error { return s.detachBlocking(s.src) }
func (s *countStage) Reattach(op *operation.Op) error {
	return s.reattachBlocking(s.src, op)
}
func (s *countStage) Close() {
	if s.src != nil {
		s.src.Close()
	}
}

// detachBlocking forwards a park to the source while the drain has not
// happened yet; after it the stage holds no engine state.
func (b *blocking) detachBlocking(src query.Cursorable) error {
	if src != nil && !b.drained {
		return src.Detach()
	}
	return nil
}

func (b *blocking) reattachBlocking(src query.Cursorable, op *operation.Op) error {
	if src != nil && !b.drained {
		return src.Reattach(op)
	}
	return nil
}

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
	"context"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/catalog"
	"github.com/oakleaf-io/oakleaf/docstore/cursor"
	"github.com/oakleaf-io/oakleaf/docstore/engine"
	"github.com/oakleaf-io/oakleaf/docstore/operation"
	"github.com/oakleaf-io/oakleaf/docstore/status"
)

// Cursorable is the contract a parked executor offers the continuation
// commands. Both the plan executor and the aggregation pipeline satisfy it.
type Cursorable interface {
	cursor.Executor
	Next() (bson.Raw, bool, error)
	Push(doc bson.Raw)
	Detach() error
	Reattach(op *operation.Op) error
}

// item is one unit of work flowing up the stage tree. Scan stages yield a
// record id; the fetch stage fills in the document.
type item struct {
	rid uint64
	doc bson.Raw
}

// stage is one node of the pull-based plan tree. detach releases engine
// iterators ahead of a stash; they reopen lazily at the saved position on
// the next call.
type stage interface {
	next() (item, bool, error)
	detach()
	close()
}

// Executor runs one plan tree over a collection snapshot. Between batches
// it detaches from its operation and parks with a client cursor; Reattach
// revives it for the continuation.
type Executor struct {
	coll     *catalog.Collection
	matcher  *Matcher
	root     stage
	ru       *engine.RecoveryUnit
	op       *operation.Op
	pushed   bson.Raw
	detached bool
	done     bool
	closed   bool
}

// newExecutor plans the query and binds the executor to the operation's
// read snapshot.
func newExecutor(op *operation.Op, coll *catalog.Collection, m *Matcher, opts planOpts) (*Executor, error) {
	e := &Executor{
		coll:    coll,
		matcher: m,
		op:      op,
		ru:      op.EnsureReadUnit(),
	}
	root, err := e.buildPlan(opts)
	if err != nil {
		return nil, err
	}
	e.root = root
	return e, nil
}

// NewScan plans a filtered read of the collection for an external
// document consumer such as the aggregation pipeline. The filter rides
// through the planner the same way a find filter does, so an indexable
// predicate scans an index rather than the collection.
func NewScan(op *operation.Op, coll *catalog.Collection, filter bson.Raw) (*Executor, error) {
	m, err := ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	return newExecutor(op, coll, m, planOpts{})
}

// Next yields the next result document. ok is false once the plan is
// exhausted; after that the executor stays exhausted.
func (e *Executor) Next() (bson.Raw, bool, error) {
	if e.done {
		return nil, false, nil
	}
	if e.pushed != nil {
		doc := e.pushed
		e.pushed = nil
		return doc, true, nil
	}
	if e.detached {
		return nil, false, errors.New("query: next on a detached executor")
	}
	it, ok, err := e.root.next()
	if err != nil {
		e.done = true
		return nil, false, err
	}
	if !ok {
		e.done = true
		return nil, false, nil
	}
	return it.doc, true, nil
}

// Push hands one document back to the executor. The next call to Next
// returns it first; batch assembly uses it when a document overflows the
// size cap.
func (e *Executor) Push(doc bson.Raw) {
	e.pushed = doc
	e.done = false
}

// Detach parks the executor: engine iterators close at their saved
// positions, the recovery unit leaves the operation and stashes its
// snapshot.
func (e *Executor) Detach() error {
	if e.detached {
		return nil
	}
	e.root.detach()
	if e.op != nil {
		e.op.DetachUnit()
		e.op = nil
	}
	if err := e.ru.Stash(); err != nil {
		return err
	}
	e.detached = true
	return nil
}

// Reattach revives a parked executor under the continuing operation. A
// snapshot that fell out of the retained history surfaces as
// engine.ErrSnapshotExpired.
func (e *Executor) Reattach(op *operation.Op) error {
	if !e.detached {
		return errors.New("query: reattach on an attached executor")
	}
	if err := e.ru.Restore(); err != nil {
		return err
	}
	if err := op.AttachUnit(e.ru); err != nil {
		return err
	}
	e.op = op
	e.detached = false
	return nil
}

// Close releases the executor's resources. A detached executor owns its
// recovery unit and aborts it; an attached one leaves that to the
// operation.
func (e *Executor) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.done = true
	e.root.close()
	if e.detached {
		e.ru.Abort()
		e.detached = false
	}
}

func (e *Executor) checkInterrupt() error {
	if e.op == nil {
		return nil
	}
	return e.op.CheckForInterrupt()
}

func (e *Executor) ctx() context.Context {
	if e.op != nil {
		return e.op.Context()
	}
	return context.Background()
}

// collScanStage walks the record store in record-id order.
type collScanStage struct {
	e       *Executor
	cur     *engine.RecordCursor
	lastRid uint64
	started bool
	eof     bool
}

func (s *collScanStage) next() (item, bool, error) {
	if s.eof {
		return item{}, false, nil
	}
	if err := s.e.checkInterrupt(); err != nil {
		return item{}, false, err
	}
	if s.cur == nil {
		s.cur = s.e.coll.Records().NewCursor(s.e.ru, false)
		if s.started {
			s.cur.Seek(s.lastRid + 1)
		} else {
			s.cur.Rewind()
		}
	}
	if !s.cur.Valid() {
		s.eof = true
		return item{}, false, nil
	}
	rid, doc, err := s.cur.Record()
	if err != nil {
		return item{}, false, err
	}
	s.cur.Next()
	s.lastRid = rid
	s.started = true
	return item{rid: rid, doc: bson.Raw(doc)}, true, nil
}

func (s *collScanStage) detach() {
	if s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}
}

func (s *collScanStage) close() {
	s.detach()
}

// ixScanStage walks one ordered index over a key range, forward or in
// reverse, de-duplicating record ids so multikey fan-out yields each
// document once.
type ixScanStage struct {
	e       *Executor
	idx     *catalog.Index
	rng     keyRange
	reverse bool
	cur     *engine.SortedCursor
	seen    *roaring64.Bitmap
	lastKey []byte
	lastRid uint64
	started bool
	eof     bool
}

func (s *ixScanStage) next() (item, bool, error) {
	if s.eof {
		return item{}, false, nil
	}
	if err := s.e.checkInterrupt(); err != nil {
		return item{}, false, err
	}
	if s.seen == nil {
		s.seen = roaring64.New()
	}
	if s.cur == nil {
		if err := s.open(); err != nil {
			return item{}, false, err
		}
	}
	for {
		if !s.cur.Valid() || s.pastEnd() {
			s.eof = true
			return item{}, false, nil
		}
		key, rid, err := s.cur.Entry()
		if err != nil {
			return item{}, false, err
		}
		s.lastKey = append(s.lastKey[:0], key...)
		s.lastRid = rid
		s.started = true
		s.cur.Next()
		if s.seen.Contains(rid) {
			continue
		}
		s.seen.Add(rid)
		return item{rid: rid}, true, nil
	}
}

// open positions a fresh engine cursor, either at the range start or just
// past the last entry consumed before a detach.
func (s *ixScanStage) open() error {
	s.cur = s.idx.Store().NewCursor(s.e.ru, s.reverse)
	if s.started {
		s.cur.SeekKey(s.lastKey)
		for s.cur.Valid() && s.cur.CompareKey(s.lastKey) == 0 {
			if !s.idx.Store().IsUnique() {
				_, rid, err := s.cur.Entry()
				if err != nil {
					return err
				}
				if (!s.reverse && rid > s.lastRid) || (s.reverse && rid < s.lastRid) {
					break
				}
			}
			s.cur.Next()
		}
		return nil
	}
	start := s.rng.low
	startIncl := s.rng.lowIncl
	if s.reverse {
		start = s.rng.high
		startIncl = s.rng.highIncl
	}
	if start == nil {
		s.cur.Rewind()
		return nil
	}
	s.cur.SeekKey(start)
	if !startIncl {
		for s.cur.Valid() && s.cur.KeyHasPrefix(start) {
			s.cur.Next()
		}
	}
	return nil
}

// pastEnd reports whether the current entry lies beyond the range bound in
// scan direction. A bound encodes a leading key component, so entries it
// prefixes sit inside an inclusive bound and outside an exclusive one.
func (s *ixScanStage) pastEnd() bool {
	if s.reverse {
		if s.rng.low == nil {
			return false
		}
		if s.rng.lowIncl {
			return s.cur.CompareKey(s.rng.low) < 0
		}
		return s.cur.CompareKey(s.rng.low) < 0 || s.cur.KeyHasPrefix(s.rng.low)
	}
	if s.rng.high == nil {
		return false
	}
	if s.rng.highIncl {
		return s.cur.CompareKey(s.rng.high) > 0 && !s.cur.KeyHasPrefix(s.rng.high)
	}
	return s.cur.CompareKey(s.rng.high) >= 0
}

func (s *ixScanStage) detach() {
	if s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}
}

func (s *ixScanStage) close() {
	s.detach()
}

// bitmapScanStage intersects the record-id sets of several index ranges
// and yields the survivors in ascending record-id order. The bitmaps are
// plain memory, so a detach costs nothing.
type bitmapScanStage struct {
	e     *Executor
	parts []indexRanges
	iter  roaring64.IntPeekable64
	built bool
}

func (s *bitmapScanStage) next() (item, bool, error) {
	if err := s.e.checkInterrupt(); err != nil {
		return item{}, false, err
	}
	if !s.built {
		if err := s.build(); err != nil {
			return item{}, false, err
		}
	}
	if !s.iter.HasNext() {
		return item{}, false, nil
	}
	return item{rid: s.iter.Next()}, true, nil
}

func (s *bitmapScanStage) build() error {
	acc := roaring64.New()
	for i, part := range s.parts {
		bm, err := s.collect(part)
		if err != nil {
			return err
		}
		if i == 0 {
			acc = bm
		} else {
			acc.And(bm)
		}
		if acc.IsEmpty() {
			break
		}
	}
	s.iter = acc.Iterator()
	s.built = true
	return nil
}

// collect scans every range of one index into a record-id bitmap.
func (s *bitmapScanStage) collect(part indexRanges) (*roaring64.Bitmap, error) {
	bm := roaring64.New()
	for _, rng := range part.ranges {
		scan := &ixScanStage{e: s.e, idx: part.idx, rng: rng}
		for {
			it, ok, err := scan.next()
			if err != nil {
				scan.close()
				return nil, err
			}
			if !ok {
				break
			}
			bm.Add(it.rid)
		}
		scan.close()
	}
	return bm, nil
}

func (s *bitmapScanStage) detach() {}

func (s *bitmapScanStage) close() {}

// textScanStage resolves a $text predicate through the collection's text
// index into a record-id set.
type textScanStage struct {
	e      *Executor
	search string
	iter   roaring64.IntPeekable64
	built  bool
}

func (s *textScanStage) next() (item, bool, error) {
	if err := s.e.checkInterrupt(); err != nil {
		return item{}, false, err
	}
	if !s.built {
		text := s.e.coll.Text()
		if text == nil {
			return item{}, false, status.Errf(status.BadValue, "text index on %s is unavailable", s.e.coll.Namespace())
		}
		bm, err := text.Match(s.e.ctx(), s.search)
		if err != nil {
			return item{}, false, errors.Wrap(err, "text index search")
		}
		s.iter = bm.Iterator()
		s.built = true
	}
	if !s.iter.HasNext() {
		return item{}, false, nil
	}
	return item{rid: s.iter.Next()}, true, nil
}

func (s *textScanStage) detach() {}

func (s *textScanStage) close() {}

// fetchStage resolves record ids to documents. An id the snapshot does not
// hold is skipped; the text index trails storage commits and may hand back
// ids from either side of the snapshot.
type fetchStage struct {
	e     *Executor
	child stage
}

func (s *fetchStage) next() (item, bool, error) {
	for {
		it, ok, err := s.child.next()
		if err != nil || !ok {
			return item{}, false, err
		}
		doc, err := s.e.coll.Document(s.e.ru, it.rid)
		if errors.Is(err, engine.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return item{}, false, err
		}
		it.doc = doc
		return it, true, nil
	}
}

func (s *fetchStage) detach() {
	s.child.detach()
}

func (s *fetchStage) close() {
	s.child.close()
}

// filterStage re-checks every document against the full matcher. Index
// keys unify numeric types, so an index narrowing is a superset of the
// exact answer.
type filterStage struct {
	e     *Executor
	child stage
}

func (s *filterStage) next() (item, bool, error) {
	for {
		it, ok, err := s.child.next()
		if err != nil || !ok {
			return item{}, false, err
		}
		if s.e.matcher.Matches(it.doc) {
			return it, true, nil
		}
	}
}

func (s *filterStage) detach() {
	s.child.detach()
}

func (s *filterStage) close() {
	s.child.close()
}

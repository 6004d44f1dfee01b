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
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/catalog"
	"github.com/oakleaf-io/oakleaf/docstore/cursor"
	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/engine"
	"github.com/oakleaf-io/oakleaf/docstore/lock"
	"github.com/oakleaf-io/oakleaf/docstore/operation"
	"github.com/oakleaf-io/oakleaf/docstore/status"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
)

const (
	// DefaultBatchMaxBytes caps the BSON bytes of one reply batch.
	DefaultBatchMaxBytes = 16 << 20
	// DefaultSortMaxBytes bounds the buffer of a blocking sort.
	DefaultSortMaxBytes = 32 << 20

	// DefaultFirstBatchDocs is the document count of a first batch when
	// the request names no batchSize.
	DefaultFirstBatchDocs = 101
)

// Options tunes a Runner.
type Options struct {
	Logger *logger.Logger
	// BatchMaxBytes caps the BSON bytes of one reply batch.
	BatchMaxBytes int
	// SortMaxBytes bounds the buffer of a blocking sort.
	SortMaxBytes int
}

// Runner executes the read commands against the catalog, parking
// unfinished executors with the client-cursor manager between batches.
type Runner struct {
	l       *logger.Logger
	cat     *catalog.Catalog
	cursors *cursor.Manager
	opts    Options
}

// NewRunner builds a Runner over the catalog and cursor manager.
func NewRunner(cat *catalog.Catalog, cursors *cursor.Manager, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger("query")
	}
	if opts.BatchMaxBytes <= 0 {
		opts.BatchMaxBytes = DefaultBatchMaxBytes
	}
	if opts.SortMaxBytes <= 0 {
		opts.SortMaxBytes = DefaultSortMaxBytes
	}
	return &Runner{
		l:       opts.Logger,
		cat:     cat,
		cursors: cursors,
		opts:    opts,
	}
}

// FindRequest is the find command document.
type FindRequest struct {
	Collection  string   `bson:"find"`
	Filter      bson.Raw `bson:"filter,omitempty"`
	Sort        bson.Raw `bson:"sort,omitempty"`
	Projection  bson.Raw `bson:"projection,omitempty"`
	Skip        int64    `bson:"skip,omitempty"`
	Limit       int64    `bson:"limit,omitempty"`
	BatchSize   *int32   `bson:"batchSize,omitempty"`
	SingleBatch bool     `bson:"singleBatch,omitempty"`
}

// GetMoreRequest is the getMore command document.
type GetMoreRequest struct {
	CursorID   int64  `bson:"getMore"`
	Collection string `bson:"collection"`
	BatchSize  *int32 `bson:"batchSize,omitempty"`
}

// KillCursorsRequest is the killCursors command document.
type KillCursorsRequest struct {
	Collection string  `bson:"killCursors"`
	IDs        []int64 `bson:"cursors"`
}

// KillCursorsReply partitions the requested ids. An id the caller does
// not own reports as not found, the same as one that never existed.
type KillCursorsReply struct {
	Killed   []int64
	NotFound []int64
}

// CountRequest is the count command document.
type CountRequest struct {
	Collection string   `bson:"count"`
	Query      bson.Raw `bson:"query,omitempty"`
	Skip       int64    `bson:"skip,omitempty"`
	Limit      int64    `bson:"limit,omitempty"`
}

// CursorReply is one batch of results plus the cursor to continue from.
// ID zero means the result stream is complete.
type CursorReply struct {
	Namespace  string
	Batch      []bson.Raw
	ID         int64
	FirstBatch bool
}

// Find runs a find command: plan the query under the collection's
// intent-shared locks, fill the first batch and either finish or park
// the executor with a client cursor.
func (r *Runner) Find(op *operation.Op, db string, req *FindRequest) (*CursorReply, error) {
	ns := docmodel.NewNamespace(db, req.Collection)
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	op.SetNamespace(ns.String())
	if req.Skip < 0 {
		return nil, status.Err(status.BadValue, "skip must be non-negative")
	}
	if req.BatchSize != nil && *req.BatchSize < 0 {
		return nil, status.Err(status.BadValue, "batchSize must be non-negative")
	}
	limit := req.Limit
	singleBatch := req.SingleBatch
	if limit < 0 {
		limit = -limit
		singleBatch = true
	}
	if err := r.lockForRead(op, ns); err != nil {
		return nil, err
	}
	coll, ok := r.cat.Get(ns.String())
	if !ok {
		return &CursorReply{Namespace: ns.String(), Batch: []bson.Raw{}, FirstBatch: true}, nil
	}
	m, err := ParseFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	sortFields, err := ParseSort(req.Sort)
	if err != nil {
		return nil, err
	}
	proj, err := ParseProjection(req.Projection)
	if err != nil {
		return nil, err
	}
	exec, err := newExecutor(op, coll, m, planOpts{
		sort:    sortFields,
		proj:    proj,
		skip:    req.Skip,
		limit:   limit,
		sortMax: r.opts.SortMaxBytes,
	})
	if err != nil {
		return nil, err
	}
	want := int64(DefaultFirstBatchDocs)
	if req.BatchSize != nil {
		want = int64(*req.BatchSize)
	}
	batch, exhausted, err := CollectBatch(exec, want, r.opts.BatchMaxBytes)
	if err != nil {
		exec.Close()
		return nil, err
	}
	if exhausted || singleBatch {
		exec.Close()
		return &CursorReply{Namespace: ns.String(), Batch: batch, FirstBatch: true}, nil
	}
	cc, err := r.park(op, ns.String(), exec, coll.Idents())
	if err != nil {
		return nil, err
	}
	return &CursorReply{ID: cc.ID(), Namespace: ns.String(), Batch: batch, FirstBatch: true}, nil
}

// park detaches the executor from the operation and registers it with
// the cursor manager, pinning the collection's keyspaces.
func (r *Runner) park(op *operation.Op, ns string, exec Cursorable, idents []uint64) (*cursor.Cursor, error) {
	if err := exec.Detach(); err != nil {
		exec.Close()
		return nil, err
	}
	cc, err := r.cursors.Register(ns, op.SessionID(), exec, idents)
	if err != nil {
		exec.Close()
		return nil, err
	}
	return cc, nil
}

// GetMore continues a parked cursor. The cursor must live in the named
// namespace and belong to the request's session; the reply carries id
// zero once the stream completes and the cursor is gone.
func (r *Runner) GetMore(op *operation.Op, db string, req *GetMoreRequest) (*CursorReply, error) {
	ns := docmodel.NewNamespace(db, req.Collection)
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	op.SetNamespace(ns.String())
	want := int64(-1)
	if req.BatchSize != nil {
		if *req.BatchSize < 0 {
			return nil, status.Err(status.BadValue, "batchSize must be non-negative")
		}
		if *req.BatchSize > 0 {
			want = int64(*req.BatchSize)
		}
	}
	if err := r.lockForRead(op, ns); err != nil {
		return nil, err
	}
	cc, err := r.cursors.Pin(req.CursorID, ns.String(), op.SessionID())
	if err != nil {
		return nil, err
	}
	exec, ok := cc.Executor().(Cursorable)
	if !ok {
		r.cursors.Unpin(cc, true)
		return nil, errors.Errorf("cursor id %d does not support continuation", cc.ID())
	}
	if err := exec.Reattach(op); err != nil {
		r.cursors.Unpin(cc, true)
		if errors.Is(err, engine.ErrSnapshotExpired) {
			r.l.Info().Int64("cursor", cc.ID()).Str("ns", ns.String()).Msg("cursor snapshot expired")
			return nil, status.Errf(status.CursorNotFound,
				"the snapshot behind cursor id %d has expired", cc.ID())
		}
		return nil, err
	}
	batch, exhausted, err := CollectBatch(exec, want, r.opts.BatchMaxBytes)
	if err != nil {
		r.cursors.Unpin(cc, true)
		return nil, err
	}
	if exhausted {
		r.cursors.Unpin(cc, true)
		return &CursorReply{Namespace: ns.String(), Batch: batch}, nil
	}
	if err := exec.Detach(); err != nil {
		r.cursors.Unpin(cc, true)
		return nil, err
	}
	r.cursors.Unpin(cc, false)
	return &CursorReply{ID: cc.ID(), Namespace: ns.String(), Batch: batch}, nil
}

// KillCursors kills the session's cursors among the requested ids. Ids
// the session does not own are reported not found rather than revealing
// that another session holds them.
func (r *Runner) KillCursors(op *operation.Op, db string, req *KillCursorsRequest) (*KillCursorsReply, error) {
	ns := docmodel.NewNamespace(db, req.Collection)
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	op.SetNamespace(ns.String())
	if len(req.IDs) == 0 {
		return nil, status.Err(status.BadValue, "killCursors requires at least one cursor id")
	}
	reply := &KillCursorsReply{Killed: []int64{}, NotFound: []int64{}}
	for _, id := range req.IDs {
		if err := r.cursors.Kill(id, op.SessionID()); err != nil {
			reply.NotFound = append(reply.NotFound, id)
			continue
		}
		reply.Killed = append(reply.Killed, id)
	}
	return reply, nil
}

// Count runs a count command by draining a plan over the filter.
func (r *Runner) Count(op *operation.Op, db string, req *CountRequest) (int64, error) {
	ns := docmodel.NewNamespace(db, req.Collection)
	if err := ns.Validate(); err != nil {
		return 0, err
	}
	op.SetNamespace(ns.String())
	if req.Skip < 0 {
		return 0, status.Err(status.BadValue, "skip must be non-negative")
	}
	limit := req.Limit
	if limit < 0 {
		limit = -limit
	}
	if err := r.lockForRead(op, ns); err != nil {
		return 0, err
	}
	coll, ok := r.cat.Get(ns.String())
	if !ok {
		return 0, nil
	}
	m, err := ParseFilter(req.Query)
	if err != nil {
		return 0, err
	}
	exec, err := newExecutor(op, coll, m, planOpts{skip: req.Skip, limit: limit})
	if err != nil {
		return 0, err
	}
	defer exec.Close()
	var n int64
	for {
		_, ok, err := exec.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// lockForRead takes the intent-shared hierarchy down to the collection.
func (r *Runner) lockForRead(op *operation.Op, ns docmodel.Namespace) error {
	lk := op.Locker()
	ctx := op.Context()
	if err := lk.Acquire(ctx, lock.GlobalResource(), lock.ModeIS); err != nil {
		return err
	}
	if err := lk.Acquire(ctx, lock.DatabaseResource(ns.DB), lock.ModeIS); err != nil {
		return err
	}
	return lk.Acquire(ctx, lock.CollectionResource(ns.String()), lock.ModeIS)
}

// CollectBatch pulls documents until the count or byte budget fills.
// want zero collects nothing, negative leaves the count unbounded. A
// document overflowing the byte budget goes back to the executor for the
// next batch; exhausted reports a drained stream.
func CollectBatch(exec Cursorable, want int64, maxBytes int) (batch []bson.Raw, exhausted bool, err error) {
	batch = []bson.Raw{}
	if want == 0 {
		return batch, false, nil
	}
	size := 0
	for want < 0 || int64(len(batch)) < want {
		doc, ok, nErr := exec.Next()
		if nErr != nil {
			return nil, false, nErr
		}
		if !ok {
			return batch, true, nil
		}
		if len(batch) > 0 && size+len(doc) > maxBytes {
			exec.Push(doc)
			return batch, false, nil
		}
		batch = append(batch, doc)
		size += len(doc)
	}
	return batch, false, nil
}

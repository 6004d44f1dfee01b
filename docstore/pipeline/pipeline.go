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

// Package pipeline runs aggregation pipelines. Stages wrap the plan
// executor's document stream, so an unfinished aggregation parks in a
// client cursor and continues through getMore exactly like a find.
package pipeline

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/catalog"
	"github.com/oakleaf-io/oakleaf/docstore/cursor"
	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/lock"
	"github.com/oakleaf-io/oakleaf/docstore/operation"
	"github.com/oakleaf-io/oakleaf/docstore/query"
	"github.com/oakleaf-io/oakleaf/docstore/status"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
)

// DefaultMemoryMaxBytes bounds the buffer of a blocking stage when the
// options name no cap.
const DefaultMemoryMaxBytes = 100 << 20

// Options tunes a Runner.
type Options struct {
	Logger *logger.Logger
	// BatchMaxBytes caps the BSON bytes of one reply batch.
	BatchMaxBytes int
	// MemoryMaxBytes bounds the buffer of a blocking stage.
	MemoryMaxBytes int
}

// Runner executes the aggregate command.
type Runner struct {
	l       *logger.Logger
	cat     *catalog.Catalog
	cursors *cursor.Manager
	opts    Options
}

// NewRunner builds a Runner over the catalog and cursor manager.
func NewRunner(cat *catalog.Catalog, cursors *cursor.Manager, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger("pipeline")
	}
	if opts.BatchMaxBytes <= 0 {
		opts.BatchMaxBytes = query.DefaultBatchMaxBytes
	}
	if opts.MemoryMaxBytes <= 0 {
		opts.MemoryMaxBytes = DefaultMemoryMaxBytes
	}
	return &Runner{
		l:       opts.Logger,
		cat:     cat,
		cursors: cursors,
		opts:    opts,
	}
}

// Request is the aggregate command document.
type Request struct {
	Collection string   `bson:"aggregate"`
	Pipeline   []bson.Raw `bson:"pipeline"`
	Cursor     struct {
		BatchSize *int32 `bson:"batchSize,omitempty"`
	} `bson:"cursor,omitempty"`
}

// Aggregate plans the pipeline over a collection scan, fills the first
// batch and parks the rest with a client cursor. A non-existent
// collection aggregates to an empty stream.
func (r *Runner) Aggregate(op *operation.Op, db string, req *Request) (*query.CursorReply, error) {
	ns := docmodel.NewNamespace(db, req.Collection)
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	op.SetNamespace(ns.String())
	stages, err := parse(req.Pipeline)
	if err != nil {
		return nil, err
	}
	if err := r.lockForRead(op, ns); err != nil {
		return nil, err
	}
	coll, ok := r.cat.Get(ns.String())
	if !ok {
		return &query.CursorReply{Namespace: ns.String(), Batch: []bson.Raw{}, FirstBatch: true}, nil
	}
	exec, err := r.build(op, coll, stages)
	if err != nil {
		return nil, err
	}
	want := int64(query.DefaultFirstBatchDocs)
	if req.Cursor.BatchSize != nil {
		if *req.Cursor.BatchSize < 0 {
			exec.Close()
			return nil, status.Err(status.BadValue, "batchSize must be non-negative")
		}
		want = int64(*req.Cursor.BatchSize)
	}
	batch, exhausted, err := query.CollectBatch(exec, want, r.opts.BatchMaxBytes)
	if err != nil {
		exec.Close()
		return nil, err
	}
	if exhausted {
		exec.Close()
		return &query.CursorReply{Namespace: ns.String(), Batch: batch, FirstBatch: true}, nil
	}
	if err := exec.Detach(); err != nil {
		exec.Close()
		return nil, err
	}
	cc, err := r.cursors.Register(ns.String(), op.SessionID(), exec, coll.Idents())
	if err != nil {
		exec.Close()
		return nil, err
	}
	return &query.CursorReply{ID: cc.ID(), Namespace: ns.String(), Batch: batch, FirstBatch: true}, nil
}

// build chains the parsed stages over a full collection scan. A leading
// $match instead seeds the scan so an index can serve it.
func (r *Runner) build(op *operation.Op, coll *catalog.Collection, stages []stageDef) (query.Cursorable, error) {
	filter := bson.Raw(nil)
	if len(stages) > 0 && stages[0].name == "$match" {
		filter = stages[0].spec
		stages = stages[1:]
	}
	src, err := query.NewScan(op, coll, filter)
	if err != nil {
		return nil, err
	}
	var out query.Cursorable = src
	for _, def := range stages {
		out, err = def.build(out, r.opts.MemoryMaxBytes)
		if err != nil {
			out.Close()
			return nil, err
		}
	}
	return out, nil
}

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

type stageDef struct {
	name  string
	spec  bson.Raw
	build func(src query.Cursorable, memMax int) (query.Cursorable, error)
}

// parse validates the pipeline shape up front so a bad stage fails the
// command before any lock is taken.
func parse(pipeline []bson.Raw) ([]stageDef, error) {
	defs := make([]stageDef, 0, len(pipeline))
	for i, raw := range pipeline {
		elems, err := raw.Elements()
		if err != nil || len(elems) != 1 {
			return nil, status.Errf(status.BadValue, "pipeline stage %d must be a single-field document", i)
		}
		el := elems[0]
		def := stageDef{name: el.Key()}
		switch el.Key() {
		case "$match":
			spec, ok := el.Value().DocumentOK()
			if !ok {
				return nil, status.Err(status.BadValue, "$match requires a document")
			}
			m, err := query.ParseFilter(spec)
			if err != nil {
				return nil, err
			}
			def.spec = spec
			def.build = func(src query.Cursorable, _ int) (query.Cursorable, error) {
				return &matchStage{src: src, m: m}, nil
			}
		case "$project":
			spec, ok := el.Value().DocumentOK()
			if !ok {
				return nil, status.Err(status.BadValue, "$project requires a document")
			}
			p, err := query.ParseProjection(spec)
			if err != nil {
				return nil, err
			}
			def.build = func(src query.Cursorable, _ int) (query.Cursorable, error) {
				return &projectStage{src: src, p: p}, nil
			}
		case "$sort":
			spec, ok := el.Value().DocumentOK()
			if !ok {
				return nil, status.Err(status.BadValue, "$sort requires a document")
			}
			fields, err := query.ParseSort(spec)
			if err != nil {
				return nil, err
			}
			if len(fields) == 0 {
				return nil, status.Err(status.BadValue, "$sort requires at least one field")
			}
			def.build = func(src query.Cursorable, memMax int) (query.Cursorable, error) {
				return newSortStage(src, fields, memMax), nil
			}
		case "$skip":
			n, ok := nonNegativeInt(el.Value())
			if !ok {
				return nil, status.Err(status.BadValue, "$skip requires a non-negative integer")
			}
			def.build = func(src query.Cursorable, _ int) (query.Cursorable, error) {
				return &skipStage{src: src, n: n}, nil
			}
		case "$limit":
			n, ok := nonNegativeInt(el.Value())
			if !ok || n == 0 {
				return nil, status.Err(status.BadValue, "$limit requires a positive integer")
			}
			def.build = func(src query.Cursorable, _ int) (query.Cursorable, error) {
				return &limitStage{src: src, n: n}, nil
			}
		case "$count":
			field, ok := el.Value().StringValueOK()
			if !ok || field == "" {
				return nil, status.Err(status.BadValue, "$count requires a non-empty field name")
			}
			def.build = func(src query.Cursorable, _ int) (query.Cursorable, error) {
				return &countStage{src: src, field: field}, nil
			}
		case "$unwind":
			path, ok := el.Value().StringValueOK()
			if !ok || len(path) < 2 || path[0] != '$' {
				return nil, status.Err(status.BadValue, "$unwind requires a $-prefixed field path")
			}
			if strings.Contains(path, ".") {
				return nil, status.Err(status.BadValue, "$unwind supports top-level fields only")
			}
			def.build = func(src query.Cursorable, _ int) (query.Cursorable, error) {
				return &unwindStage{src: src, path: path[1:]}, nil
			}
		case "$group":
			spec, ok := el.Value().DocumentOK()
			if !ok {
				return nil, status.Err(status.BadValue, "$group requires a document")
			}
			g, err := parseGroup(spec)
			if err != nil {
				return nil, err
			}
			def.build = func(src query.Cursorable, memMax int) (query.Cursorable, error) {
				return &groupStage{src: src, spec: g, memMax: memMax}, nil
			}
		default:
			return nil, status.Errf(status.BadValue, "unrecognized pipeline stage %q", el.Key())
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func nonNegativeInt(v bson.RawValue) (int64, bool) {
	var n int64
	switch v.Type {
	case bson.TypeInt32:
		i, _ := v.Int32OK()
		n = int64(i)
	case bson.TypeInt64:
		n, _ = v.Int64OK()
	case bson.TypeDouble:
		f, _ := v.DoubleOK()
		if f != float64(int64(f)) {
			return 0, false
		}
		n = int64(f)
	default:
		return 0, false
	}
	if n < 0 {
		return 0, false
	}
	return n, true
}

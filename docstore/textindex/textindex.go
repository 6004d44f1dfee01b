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

// Package textindex maintains per-collection full-text indexes. Each index
// is a bluge shard keyed by record id; text-search predicates resolve to
// record-id sets the query layer interleaves with the storage scan.
package textindex

import (
	"context"
	"log"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/blugelabs/bluge"
	"github.com/blugelabs/bluge/analysis/analyzer"
	blugeIndex "github.com/blugelabs/bluge/index"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/oakleaf-io/oakleaf/pkg/convert"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/pool"
	"github.com/oakleaf-io/oakleaf/pkg/run"
)

const contentField = "content"

// Options wraps what an Index needs to open.
type Options struct {
	Logger *logger.Logger
	Path   string
}

// Index is one collection's full-text index.
type Index struct {
	writer *bluge.Writer
	l      *logger.Logger
	closer *run.Closer
}

var batchPool = pool.Register[*blugeIndex.Batch]("textindex-bluge-batch")

func generateBatch() *blugeIndex.Batch {
	b := batchPool.Get()
	if b == nil {
		return bluge.NewBatch()
	}
	return b
}

func releaseBatch(b *blugeIndex.Batch) {
	b.Reset()
	batchPool.Put(b)
}

// Open opens or creates the index at the given path.
func Open(opts Options) (*Index, error) {
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger("textindex")
	}
	config := bluge.DefaultConfig(opts.Path)
	config.DefaultSearchAnalyzer = analyzer.NewStandardAnalyzer()
	config.Logger = log.New(opts.Logger, opts.Logger.Module(), 0)
	w, err := bluge.OpenWriter(config)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open text index at %s", opts.Path)
	}
	return &Index{
		writer: w,
		l:      opts.Logger,
		closer: run.NewCloser(1),
	}, nil
}

// Batch collects record updates applied in one writer round trip.
type Batch struct {
	b *blugeIndex.Batch
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{b: generateBatch()}
}

// Put indexes the record's text content, replacing whatever the index held
// for the record before.
func (b *Batch) Put(recordID uint64, content []string) {
	doc := bluge.NewDocument(docTerm(recordID))
	for _, c := range content {
		doc.AddField(bluge.NewTextField(contentField, c))
	}
	b.b.Update(doc.ID(), doc)
}

// Delete drops the record from the index.
func (b *Batch) Delete(recordID uint64) {
	b.b.Delete(bluge.Identifier(docTerm(recordID)))
}

func docTerm(recordID uint64) string {
	return convert.BytesToString(convert.Uint64ToBytes(recordID))
}

// Apply writes the batch. Batches arriving while the index closes are
// dropped.
func (i *Index) Apply(b *Batch) error {
	if !i.closer.AddRunning() {
		return nil
	}
	defer i.closer.Done()
	defer releaseBatch(b.b)
	return i.writer.Batch(b.b)
}

// Match analyzes the search string and returns the ids of records matching
// at least one of its terms.
func (i *Index) Match(ctx context.Context, search string) (list *roaring64.Bitmap, err error) {
	list = roaring64.New()
	if !i.closer.AddRunning() {
		return list, nil
	}
	defer i.closer.Done()
	reader, err := i.writer.Reader()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open text index reader")
	}
	defer func() {
		err = multierr.Append(err, reader.Close())
	}()
	query := bluge.NewMatchQuery(search).
		SetField(contentField).
		SetOperator(bluge.MatchQueryOperatorOr)
	it, err := reader.Search(ctx, bluge.NewAllMatches(query))
	if err != nil {
		return nil, err
	}
	for {
		match, mErr := it.Next()
		if mErr != nil {
			return nil, errors.Wrap(mErr, "failed to get next text match")
		}
		if match == nil {
			break
		}
		vErr := match.VisitStoredFields(func(field string, value []byte) bool {
			if field == "_id" && len(value) == 8 {
				list.Add(convert.BytesToUint64(value))
				return false
			}
			return true
		})
		if vErr != nil {
			return nil, vErr
		}
	}
	return list, nil
}

// Count returns the number of records the index holds.
func (i *Index) Count() (uint64, error) {
	if !i.closer.AddRunning() {
		return 0, nil
	}
	defer i.closer.Done()
	reader, err := i.writer.Reader()
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = reader.Close()
	}()
	return reader.Count()
}

// Close flushes and closes the index. In-flight batches finish first.
func (i *Index) Close() error {
	i.closer.Done()
	i.closer.CloseThenWait()
	return i.writer.Close()
}

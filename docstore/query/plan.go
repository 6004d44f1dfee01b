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
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/catalog"
	"github.com/oakleaf-io/oakleaf/docstore/status"
)

// keyRange bounds an index scan. The bounds encode a leading key
// component; nil means the end of the store on that side.
type keyRange struct {
	low      []byte
	lowIncl  bool
	high     []byte
	highIncl bool
}

// indexRanges is one index's contribution to a plan: the ranges whose
// record-id union covers one predicate.
type indexRanges struct {
	idx    *catalog.Index
	ranges []keyRange
}

type planOpts struct {
	sort    []SortField
	proj    *Projection
	skip    int64
	limit   int64
	sortMax int
}

// buildPlan lowers the matcher and the find options into a stage tree.
//
// A $text predicate routes through the text index. One indexable conjunct
// becomes an order-preserving range scan; several intersect their
// record-id sets as bitmaps. Everything else walks the records. Documents
// always pass the full matcher again: index keys unify numeric types, so
// a scan may overshoot the exact answer.
func (e *Executor) buildPlan(opts planOpts) (stage, error) {
	m := e.matcher
	var base stage
	var scan *ixScanStage
	needFetch := false

	if m.TextSearch() != "" {
		if e.coll.TextDefinition() == nil {
			return nil, status.Errf(status.BadValue,
				"text index required to run a $text query on %s", e.coll.Namespace())
		}
		base = &textScanStage{e: e, search: m.TextSearch()}
		needFetch = true
	} else {
		parts := indexableParts(e.coll, m.sargs)
		switch {
		case len(parts) == 0:
		case len(parts) == 1 && len(parts[0].ranges) == 1:
			scan = &ixScanStage{e: e, idx: parts[0].idx, rng: parts[0].ranges[0]}
			base = scan
			needFetch = true
		default:
			base = &bitmapScanStage{e: e, parts: parts}
			needFetch = true
		}
	}

	sorted := false
	if base == nil {
		if len(opts.sort) > 0 {
			if idx, reverse, ok := sortIndex(e.coll, opts.sort); ok {
				base = &ixScanStage{e: e, idx: idx, reverse: reverse}
				needFetch = true
				sorted = true
			}
		}
		if base == nil {
			base = &collScanStage{e: e}
		}
	} else if scan != nil && len(opts.sort) > 0 {
		if reverse, ok := sortCoveredBy(scan.idx, opts.sort); ok {
			scan.reverse = reverse
			sorted = true
		}
	}

	root := base
	if needFetch {
		root = &fetchStage{e: e, child: root}
	}
	if !m.alwaysTrue() {
		root = &filterStage{e: e, child: root}
	}
	if len(opts.sort) > 0 && !sorted {
		root = &sortStage{e: e, child: root, fields: opts.sort, maxBytes: opts.sortMax}
	}
	if opts.skip > 0 {
		root = &skipStage{child: root, n: opts.skip}
	}
	if opts.limit > 0 {
		root = &limitStage{child: root, n: opts.limit}
	}
	if opts.proj != nil {
		root = &projectStage{child: root, proj: opts.proj}
	}
	return root, nil
}

// indexableParts pairs each servable conjunct with an index and its scan
// ranges. Conjuncts no index serves fall through to the residual filter.
func indexableParts(coll *catalog.Collection, sargs []sarg) []indexRanges {
	var parts []indexRanges
	for _, s := range sargs {
		idx := indexForSarg(coll, s)
		if idx == nil {
			continue
		}
		ranges, err := rangesForSarg(idx, s)
		if err != nil {
			continue
		}
		parts = append(parts, indexRanges{idx: idx, ranges: ranges})
	}
	return parts
}

// indexForSarg picks the first index whose leading field carries the
// conjunct. A descending leading field serves equality probes only; range
// bounds are computed in ascending key space.
func indexForSarg(coll *catalog.Collection, s sarg) *catalog.Index {
	rangeOp := s.op != "$eq" && s.op != "$in"
	for _, idx := range coll.Indexes() {
		if idx.Fields()[0] != s.path {
			continue
		}
		if rangeOp && idx.Descending()[0] {
			continue
		}
		return idx
	}
	return nil
}

// rangesForSarg lowers one conjunct into scan ranges over the index. An
// error marks the conjunct unservable, not the query failed. Array
// operands are left to the residual filter: a multikey index holds
// element entries, not whole-array ones.
func rangesForSarg(idx *catalog.Index, s sarg) ([]keyRange, error) {
	lead := idx.Descending()[:1]
	enc := func(v bson.RawValue) ([]byte, error) {
		return catalog.EncodeKey([]bson.RawValue{v}, lead)
	}
	switch s.op {
	case "$eq":
		if s.rhs.Type == bson.TypeArray {
			return nil, status.Err(status.BadValue, "array equality is not index-servable")
		}
		k, err := enc(s.rhs)
		if err != nil {
			return nil, err
		}
		return []keyRange{{low: k, lowIncl: true, high: k, highIncl: true}}, nil
	case "$in":
		ranges := make([]keyRange, 0, len(s.vals))
		for _, v := range s.vals {
			if v.Type == bson.TypeArray {
				return nil, status.Err(status.BadValue, "array equality is not index-servable")
			}
			k, err := enc(v)
			if err != nil {
				return nil, err
			}
			ranges = append(ranges, keyRange{low: k, lowIncl: true, high: k, highIncl: true})
		}
		return ranges, nil
	}
	if s.rhs.Type == bson.TypeArray {
		return nil, status.Err(status.BadValue, "array ranges are not index-servable")
	}
	k, err := enc(s.rhs)
	if err != nil {
		return nil, err
	}
	switch s.op {
	case "$gt":
		if s.rhs.Type == bson.TypeMinKey || s.rhs.Type == bson.TypeMaxKey {
			return []keyRange{{low: k, lowIncl: false}}, nil
		}
		hi, err := catalog.TypeUpperBound(s.rhs)
		if err != nil {
			return nil, err
		}
		return []keyRange{{low: k, lowIncl: false, high: hi, highIncl: false}}, nil
	case "$gte":
		if s.rhs.Type == bson.TypeMinKey || s.rhs.Type == bson.TypeMaxKey {
			return []keyRange{{low: k, lowIncl: true}}, nil
		}
		hi, err := catalog.TypeUpperBound(s.rhs)
		if err != nil {
			return nil, err
		}
		return []keyRange{{low: k, lowIncl: true, high: hi, highIncl: false}}, nil
	case "$lt":
		if s.rhs.Type == bson.TypeMinKey || s.rhs.Type == bson.TypeMaxKey {
			return []keyRange{{high: k, highIncl: false}}, nil
		}
		lo, err := catalog.TypeLowerBound(s.rhs)
		if err != nil {
			return nil, err
		}
		return []keyRange{{low: lo, lowIncl: true, high: k, highIncl: false}}, nil
	case "$lte":
		if s.rhs.Type == bson.TypeMinKey || s.rhs.Type == bson.TypeMaxKey {
			return []keyRange{{high: k, highIncl: true}}, nil
		}
		lo, err := catalog.TypeLowerBound(s.rhs)
		if err != nil {
			return nil, err
		}
		return []keyRange{{low: lo, lowIncl: true, high: k, highIncl: true}}, nil
	}
	return nil, status.Errf(status.BadValue, "operator %s is not index-servable", s.op)
}

// sortCoveredBy reports whether scanning the index yields the sort order,
// and in which direction. Every sort field must line up with the index
// prefix, all parallel or all flipped.
func sortCoveredBy(idx *catalog.Index, fields []SortField) (reverse, ok bool) {
	if len(fields) == 0 || len(fields) > len(idx.Fields()) {
		return false, false
	}
	forward, backward := true, true
	for i, f := range fields {
		if idx.Fields()[i] != f.Path {
			return false, false
		}
		if idx.Descending()[i] == f.Desc {
			backward = false
		} else {
			forward = false
		}
	}
	switch {
	case forward:
		return false, true
	case backward:
		return true, true
	default:
		return false, false
	}
}

// sortIndex finds an index whose order serves the sort without a blocking
// stage.
func sortIndex(coll *catalog.Collection, fields []SortField) (*catalog.Index, bool, bool) {
	for _, idx := range coll.Indexes() {
		if reverse, ok := sortCoveredBy(idx, fields); ok {
			return idx, reverse, true
		}
	}
	return nil, false, false
}

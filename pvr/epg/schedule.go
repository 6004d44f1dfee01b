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

package epg

import (
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
)

// Schedule is one channel's programme timeline, keyed by start time.
// It is not safe for concurrent use; the container serializes access.
type Schedule struct {
	tags *treemap.Map // unix-nano start -> *Tag
}

// NewSchedule returns an empty schedule.
func NewSchedule() *Schedule {
	return &Schedule{tags: treemap.NewWith(utils.Int64Comparator)}
}

// Len returns the number of programmes.
func (s *Schedule) Len() int {
	return s.tags.Size()
}

// Insert places the tag, resolving overlaps in its favor: an earlier
// neighbor reaching into the tag is clipped at the tag's start, a
// programme fully covered is evicted, and one reaching past the end is
// clipped to start at the end. Invalid tags are ignored.
func (s *Schedule) Insert(tag Tag) bool {
	if !tag.Valid() {
		return false
	}
	startKey := tag.Start.UnixNano()
	if k, v := s.tags.Floor(startKey - 1); k != nil {
		prev := v.(*Tag)
		if prev.End.After(tag.Start) {
			if prev.End.After(tag.End) {
				// The new tag splits a longer neighbor; keep the tail.
				tail := *prev
				tail.Start = tag.End
				s.tags.Put(tail.Start.UnixNano(), &tail)
			}
			prev.End = tag.Start
		}
	}
	for {
		k, v := s.tags.Ceiling(startKey)
		if k == nil || k.(int64) >= tag.End.UnixNano() {
			break
		}
		cur := v.(*Tag)
		s.tags.Remove(k)
		if cur.End.After(tag.End) {
			clipped := *cur
			clipped.Start = tag.End
			s.tags.Put(clipped.Start.UnixNano(), &clipped)
		}
	}
	cp := tag
	s.tags.Put(startKey, &cp)
	return true
}

// Remove drops the programme with the exact start time.
func (s *Schedule) Remove(start time.Time) bool {
	key := start.UnixNano()
	if _, ok := s.tags.Get(key); !ok {
		return false
	}
	s.tags.Remove(key)
	return true
}

// TagAt returns the programme running at the instant.
func (s *Schedule) TagAt(at time.Time) (Tag, bool) {
	_, v := s.tags.Floor(at.UnixNano())
	if v == nil {
		return Tag{}, false
	}
	tag := v.(*Tag)
	if !tag.Contains(at) {
		return Tag{}, false
	}
	return *tag, true
}

// TagNext returns the first programme starting at or after the instant.
func (s *Schedule) TagNext(at time.Time) (Tag, bool) {
	_, v := s.tags.Ceiling(at.UnixNano())
	if v == nil {
		return Tag{}, false
	}
	return *v.(*Tag), true
}

// TagPrevious returns the last programme starting strictly before the
// instant.
func (s *Schedule) TagPrevious(at time.Time) (Tag, bool) {
	_, v := s.tags.Floor(at.UnixNano() - 1)
	if v == nil {
		return Tag{}, false
	}
	return *v.(*Tag), true
}

// TagsBetween returns the programmes overlapping the range, in start
// order.
func (s *Schedule) TagsBetween(tr timestamp.TimeRange) []Tag {
	var out []Tag
	// A programme starting before the range can still reach into it.
	if _, v := s.tags.Floor(tr.Start.UnixNano() - 1); v != nil {
		tag := v.(*Tag)
		if tag.End.After(tr.Start) {
			out = append(out, *tag)
		}
	}
	it := s.tags.Iterator()
	for it.Next() {
		if it.Key().(int64) < tr.Start.UnixNano() {
			continue
		}
		tag := it.Value().(*Tag)
		if !tag.Start.Before(tr.End) {
			break
		}
		out = append(out, *tag)
	}
	return out
}

// Gaps returns the stretches of the range no programme covers.
func (s *Schedule) Gaps(tr timestamp.TimeRange) []timestamp.TimeRange {
	var gaps []timestamp.TimeRange
	cursor := tr.Start
	for _, tag := range s.TagsBetween(tr) {
		if tag.Start.After(cursor) {
			gaps = append(gaps, timestamp.NewSectionTimeRange(cursor, tag.Start))
		}
		if tag.End.After(cursor) {
			cursor = tag.End
		}
	}
	if cursor.Before(tr.End) {
		gaps = append(gaps, timestamp.NewSectionTimeRange(cursor, tr.End))
	}
	return gaps
}

// All returns every programme in start order.
func (s *Schedule) All() []Tag {
	out := make([]Tag, 0, s.tags.Size())
	it := s.tags.Iterator()
	for it.Next() {
		out = append(out, *it.Value().(*Tag))
	}
	return out
}

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
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
)

const (
	// DefaultBlockDuration is the width of one grid column.
	DefaultBlockDuration = 5 * time.Minute
	// DefaultPastWindow is how far back the grid reaches.
	DefaultPastWindow = 24 * time.Hour
	// DefaultFutureWindow is how far forward the grid reaches.
	DefaultFutureWindow = 48 * time.Hour
	// DefaultRowCacheSize bounds the number of cached channel rows.
	DefaultRowCacheSize = 128
)

// GridOptions tunes the timeline grid.
type GridOptions struct {
	Clock         timestamp.Clock
	BlockDuration time.Duration
	PastWindow    time.Duration
	FutureWindow  time.Duration
	RowCacheSize  int
}

// DefaultGridOptions returns the grid defaults.
func DefaultGridOptions() GridOptions {
	return GridOptions{
		BlockDuration: DefaultBlockDuration,
		PastWindow:    DefaultPastWindow,
		FutureWindow:  DefaultFutureWindow,
		RowCacheSize:  DefaultRowCacheSize,
	}
}

// Grid projects the schedules onto a fixed-width block timeline. Rows
// are rendered per channel with gap programmes synthesized over empty
// stretches, and cached until the channel's schedule changes or the
// window slides.
type Grid struct {
	l      *logger.Logger
	source *Container
	clock  timestamp.Clock
	opts   GridOptions

	mu    sync.RWMutex
	start time.Time
	end   time.Time
	rows  *lru.Cache
}

// NewGrid builds a grid over the container. The window is anchored on
// the clock's current time.
func NewGrid(source *Container, opts GridOptions) (*Grid, error) {
	if opts.BlockDuration <= 0 {
		opts.BlockDuration = DefaultBlockDuration
	}
	if opts.PastWindow <= 0 {
		opts.PastWindow = DefaultPastWindow
	}
	if opts.FutureWindow <= 0 {
		opts.FutureWindow = DefaultFutureWindow
	}
	if opts.RowCacheSize <= 0 {
		opts.RowCacheSize = DefaultRowCacheSize
	}
	clock := opts.Clock
	if clock == nil {
		clock = timestamp.NewClock()
	}
	rows, err := lru.New(opts.RowCacheSize)
	if err != nil {
		return nil, err
	}
	g := &Grid{
		l:      logger.GetLogger("epg-grid"),
		source: source,
		clock:  clock,
		opts:   opts,
		rows:   rows,
	}
	g.slide(clock.Now())
	return g, nil
}

// slide re-anchors the window on now. Caller must not hold g.mu.
func (g *Grid) slide(now time.Time) {
	start := now.Add(-g.opts.PastWindow).Truncate(g.opts.BlockDuration)
	end := now.Add(g.opts.FutureWindow)
	if rem := end.Sub(start) % g.opts.BlockDuration; rem != 0 {
		end = end.Add(g.opts.BlockDuration - rem)
	}
	g.mu.Lock()
	g.start = start
	g.end = end
	g.mu.Unlock()
	g.rows.Purge()
}

// Advance slides the window forward to cover now and drops every
// cached row. It is a no-op while now is still inside the window's
// anchor block.
func (g *Grid) Advance(now time.Time) {
	g.mu.RLock()
	anchored := g.start.Add(g.opts.PastWindow)
	g.mu.RUnlock()
	if now.Truncate(g.opts.BlockDuration).Equal(anchored.Truncate(g.opts.BlockDuration)) {
		return
	}
	g.slide(now)
}

// Window returns the current grid range.
func (g *Grid) Window() timestamp.TimeRange {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return timestamp.NewSectionTimeRange(g.start, g.end)
}

// ClampRange narrows a requested range to what the grid serves. A
// start later than now minus the past window is pulled back to exactly
// that boundary, and the end is stretched to cover at least the future
// window past the start.
func (g *Grid) ClampRange(tr timestamp.TimeRange) timestamp.TimeRange {
	now := g.clock.Now()
	earliest := now.Add(-g.opts.PastWindow)
	start := tr.Start
	if start.After(earliest) {
		start = earliest
	}
	end := tr.End
	if min := start.Add(g.opts.FutureWindow); end.Before(min) {
		end = min
	}
	return timestamp.NewSectionTimeRange(start, end)
}

// Blocks returns how many columns the window spans.
func (g *Grid) Blocks() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return int(g.end.Sub(g.start) / g.opts.BlockDuration)
}

// BlockIndex maps an instant to its column, clamped to the window.
func (g *Grid) BlockIndex(t time.Time) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.blockIndexLocked(t)
}

func (g *Grid) blockIndexLocked(t time.Time) int {
	idx := int(t.Sub(g.start) / g.opts.BlockDuration)
	last := int(g.end.Sub(g.start)/g.opts.BlockDuration) - 1
	if idx < 0 {
		return 0
	}
	if idx > last {
		return last
	}
	return idx
}

// BlockTime returns the start instant of a column.
func (g *Grid) BlockTime(idx int) time.Time {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.start.Add(time.Duration(idx) * g.opts.BlockDuration)
}

// FirstBlock returns the first column a programme occupies.
func (g *Grid) FirstBlock(tag Tag) int {
	return g.BlockIndex(tag.Start)
}

// LastBlock returns the last column a programme occupies. The
// programme end is exclusive, so a tag ending exactly on a block
// boundary does not spill into the next column.
func (g *Grid) LastBlock(tag Tag) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.blockIndexLocked(tag.End.Add(-time.Nanosecond))
}

// Row renders the channel's programmes over the whole window, filling
// empty stretches with gap programmes. Rows are cached per channel.
func (g *Grid) Row(channelID int) []Tag {
	if cached, ok := g.rows.Get(channelID); ok {
		return cached.([]Tag)
	}
	g.mu.RLock()
	window := timestamp.NewSectionTimeRange(g.start, g.end)
	g.mu.RUnlock()
	row := g.buildRow(channelID, window)
	g.rows.Add(channelID, row)
	return row
}

func (g *Grid) buildRow(channelID int, window timestamp.TimeRange) []Tag {
	tags := g.source.TagsBetween(channelID, window)
	row := make([]Tag, 0, len(tags)*2+1)
	cursor := window.Start
	for _, tag := range tags {
		// Clip to the window so rows never leak past the edges.
		if tag.Start.Before(window.Start) {
			tag.Start = window.Start
		}
		if tag.End.After(window.End) {
			tag.End = window.End
		}
		if tag.Start.After(cursor) {
			row = append(row, gapTag(channelID, cursor, tag.Start))
		}
		row = append(row, tag)
		if tag.End.After(cursor) {
			cursor = tag.End
		}
	}
	if cursor.Before(window.End) {
		row = append(row, gapTag(channelID, cursor, window.End))
	}
	return row
}

func gapTag(channelID int, start, end time.Time) Tag {
	return Tag{
		ChannelID: channelID,
		Start:     start,
		End:       end,
		Gap:       true,
	}
}

// Invalidate drops the channel's cached row after a schedule change.
func (g *Grid) Invalidate(channelID int) {
	g.rows.Remove(channelID)
}

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

// Package epg holds the programme guide: per-channel schedules of
// broadcast tags and a grid view over channels and fixed-duration time
// blocks.
package epg

import (
	"time"

	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
)

// Tag is one programme. A programme occupies [Start, End); back-to-back
// programmes share an instant without overlapping.
type Tag struct {
	BroadcastID    int       `json:"broadcastId"`
	ChannelID      int       `json:"channelId"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Title          string    `json:"title"`
	Plot           string    `json:"plot,omitempty"`
	Genre          string    `json:"genre,omitempty"`
	SeriesNumber   int       `json:"seriesNumber,omitempty"`
	EpisodeNumber  int       `json:"episodeNumber,omitempty"`
	EpisodeName    string    `json:"episodeName,omitempty"`
	ParentalRating int       `json:"parentalRating,omitempty"`
	// Gap marks a synthesized filler tag produced by the grid for a
	// stretch no programme covers. Gap tags never enter a schedule.
	Gap bool `json:"gap,omitempty"`
}

// Range returns the programme's half-open time range.
func (t Tag) Range() timestamp.TimeRange {
	return timestamp.NewSectionTimeRange(t.Start, t.End)
}

// Contains reports whether the instant falls inside the programme.
func (t Tag) Contains(at time.Time) bool {
	return !at.Before(t.Start) && at.Before(t.End)
}

// Overlaps reports whether two programmes share any instant.
func (t Tag) Overlaps(other Tag) bool {
	return t.Start.Before(other.End) && other.Start.Before(t.End)
}

// Valid reports whether the tag has a positive duration.
func (t Tag) Valid() bool {
	return t.End.After(t.Start)
}

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

// Package mock is a deterministic in-process backend used for demos
// and tests. Its guide repeats every half hour and its timers march
// through their lifecycle as the clock passes their windows.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
	"github.com/oakleaf-io/oakleaf/pvr/channels"
	"github.com/oakleaf-io/oakleaf/pvr/client"
	"github.com/oakleaf-io/oakleaf/pvr/epg"
	"github.com/oakleaf-io/oakleaf/pvr/timers"
)

const programmeSlot = 30 * time.Minute

// Simulator is a fake backend. All state lives in memory.
type Simulator struct {
	clock timestamp.Clock
	name  string
	id    int

	mu     sync.Mutex
	timers map[int]timers.Timer
	nextID int
}

// New builds a Simulator with a fixed channel lineup.
func New(id int, name string, clock timestamp.Clock) *Simulator {
	if clock == nil {
		clock = timestamp.NewClock()
	}
	return &Simulator{
		clock:  clock,
		name:   name,
		id:     id,
		timers: make(map[int]timers.Timer),
		nextID: 1,
	}
}

// ID implements client.Client.
func (s *Simulator) ID() int { return s.id }

// Name implements client.Client.
func (s *Simulator) Name() string { return s.name }

// Capabilities implements client.Client.
func (s *Simulator) Capabilities() client.Capabilities {
	return client.Capabilities{TV: true, Radio: true, EPG: true, Timers: true, ChannelGroups: true}
}

// GetChannels returns the fixed lineup. Unique ids are offset by the
// simulator id so two simulators never collide.
func (s *Simulator) GetChannels(_ context.Context) ([]channels.Channel, error) {
	base := s.id * 1000
	return []channels.Channel{
		{ClientID: s.id, UniqueID: base + 1, Name: "Oak One", Number: channels.Number{Major: 1}, EPGEnabled: true},
		{ClientID: s.id, UniqueID: base + 2, Name: "Oak Two", Number: channels.Number{Major: 2}, EPGEnabled: true},
		{ClientID: s.id, UniqueID: base + 3, Name: "Oak News", Number: channels.Number{Major: 3}, EPGEnabled: true},
		{ClientID: s.id, UniqueID: base + 4, Name: "Oak FM", Number: channels.Number{Major: 1}, Radio: true, EPGEnabled: true},
	}, nil
}

// GetChannelGroups implements client.Client.
func (s *Simulator) GetChannelGroups(_ context.Context) ([]client.GroupDef, error) {
	base := s.id * 1000
	return []client.GroupDef{
		{Name: "Entertainment", Members: []int{base + 1, base + 2}, Position: 1},
		{Name: "News", Members: []int{base + 3}, Position: 2},
	}, nil
}

// GetEPGForChannel synthesizes back-to-back half-hour programmes over
// the range. The same range always yields the same programmes.
func (s *Simulator) GetEPGForChannel(_ context.Context, channelUID int, tr timestamp.TimeRange) ([]epg.Tag, error) {
	start := tr.Start.Truncate(programmeSlot)
	var out []epg.Tag
	for cur := start; cur.Before(tr.End); cur = cur.Add(programmeSlot) {
		slot := int(cur.Unix() / int64(programmeSlot/time.Second))
		out = append(out, epg.Tag{
			BroadcastID: channelUID*100000 + slot%100000,
			Start:       cur,
			End:         cur.Add(programmeSlot),
			Title:       fmt.Sprintf("Programme %d on %d", slot, channelUID),
			Genre:       "General",
		})
	}
	return out, nil
}

// GetTimers reports the stored timers with their state derived from
// the clock: scheduled before the window, recording inside it and
// completed after it.
func (s *Simulator) GetTimers(_ context.Context) ([]timers.Timer, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]timers.Timer, 0, len(s.timers))
	for _, t := range s.timers {
		switch {
		case !now.Before(t.End):
			t.State = timers.StateCompleted
		case t.Covers(now):
			t.State = timers.StateRecording
		default:
			t.State = timers.StateScheduled
		}
		out = append(out, t)
	}
	return out, nil
}

// AddTimer accepts the timer and assigns it a backend id.
func (s *Simulator) AddTimer(_ context.Context, t timers.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ClientID = s.id
	t.ClientTimerID = s.nextID
	s.nextID++
	t.State = timers.StateScheduled
	s.timers[t.ClientTimerID] = t
	return nil
}

// UpdateTimer replaces the stored timer.
func (s *Simulator) UpdateTimer(_ context.Context, t timers.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[t.ClientTimerID]; !ok {
		return fmt.Errorf("mock: no timer %d", t.ClientTimerID)
	}
	s.timers[t.ClientTimerID] = t
	return nil
}

// DeleteTimer drops the stored timer.
func (s *Simulator) DeleteTimer(_ context.Context, t timers.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, t.ClientTimerID)
	return nil
}

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
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/pkg/bus"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
)

// TopicEPGUpdated announces a channel whose schedule changed; the
// payload is the channel id.
var TopicEPGUpdated = bus.UniTopic("pvr-epg-updated")

// Container owns the per-channel schedules. Schedules materialize
// lazily: referencing a channel creates its empty schedule on the spot.
type Container struct {
	l     *logger.Logger
	pub   bus.Publisher
	clock timestamp.Clock
	msgID atomic.Uint64

	mu        sync.RWMutex
	schedules map[int]*Schedule
	stamps    map[int]time.Time
}

// NewContainer builds a Container publishing on pub. A nil publisher
// disables notifications.
func NewContainer(pub bus.Publisher, clock timestamp.Clock) *Container {
	if clock == nil {
		clock = timestamp.NewClock()
	}
	return &Container{
		l:         logger.GetLogger("epg"),
		pub:       pub,
		clock:     clock,
		schedules: make(map[int]*Schedule),
		stamps:    make(map[int]time.Time),
	}
}

func (c *Container) scheduleLocked(channelID int) *Schedule {
	s, ok := c.schedules[channelID]
	if !ok {
		s = NewSchedule()
		c.schedules[channelID] = s
	}
	return s
}

// Merge inserts the tags into the channel's schedule, bumps its update
// stamp and announces the change. It returns how many tags landed.
func (c *Container) Merge(channelID int, tags []Tag) int {
	c.mu.Lock()
	s := c.scheduleLocked(channelID)
	n := 0
	for _, tag := range tags {
		tag.ChannelID = channelID
		if s.Insert(tag) {
			n++
		}
	}
	if n > 0 {
		c.stamps[channelID] = c.clock.Now()
	}
	c.mu.Unlock()
	if n > 0 {
		c.publish(channelID)
	}
	return n
}

// Restore loads persisted tags without bumping stamps or notifying.
func (c *Container) Restore(tags []Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range tags {
		c.scheduleLocked(tag.ChannelID).Insert(tag)
	}
}

// LastUpdated returns when the channel's schedule last changed.
func (c *Container) LastUpdated(channelID int) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.stamps[channelID]
	return t, ok
}

// TagAt returns the programme running on the channel at the instant.
func (c *Container) TagAt(channelID int, at time.Time) (Tag, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schedules[channelID]
	if !ok {
		return Tag{}, false
	}
	return s.TagAt(at)
}

// TagNext returns the channel's first programme at or after the instant.
func (c *Container) TagNext(channelID int, at time.Time) (Tag, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schedules[channelID]
	if !ok {
		return Tag{}, false
	}
	return s.TagNext(at)
}

// TagPrevious returns the channel's last programme before the instant.
func (c *Container) TagPrevious(channelID int, at time.Time) (Tag, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schedules[channelID]
	if !ok {
		return Tag{}, false
	}
	return s.TagPrevious(at)
}

// TagsBetween returns the channel's programmes overlapping the range.
func (c *Container) TagsBetween(channelID int, tr timestamp.TimeRange) []Tag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schedules[channelID]
	if !ok {
		return nil
	}
	return s.TagsBetween(tr)
}

// TagByBroadcast finds a programme by its broadcast id.
func (c *Container) TagByBroadcast(channelID, broadcastID int) (Tag, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schedules[channelID]
	if !ok {
		return Tag{}, false
	}
	for _, tag := range s.All() {
		if tag.BroadcastID == broadcastID {
			return tag, true
		}
	}
	return Tag{}, false
}

// Snapshot returns every stored programme, channels in ascending order,
// for persistence.
func (c *Container) Snapshot() []Tag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int, 0, len(c.schedules))
	for id := range c.schedules {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var out []Tag
	for _, id := range ids {
		out = append(out, c.schedules[id].All()...)
	}
	return out
}

// Channels returns the ids of materialized schedules.
func (c *Container) Channels() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int, 0, len(c.schedules))
	for id := range c.schedules {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (c *Container) publish(channelID int) {
	if c.pub == nil {
		return
	}
	_, err := c.pub.Publish(context.Background(), TopicEPGUpdated,
		bus.NewMessage(bus.MessageID(c.msgID.Add(1)), channelID))
	if err != nil && !errors.Is(err, bus.ErrTopicNotExist) {
		c.l.Warn().Err(err).Int("channel", channelID).Msg("publish failed")
	}
}

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

package channels

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/pkg/bus"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
)

// Bus topics the manager announces on.
var (
	TopicChannelsUpdated = bus.UniTopic("pvr-channels-updated")
	TopicGroupsUpdated   = bus.UniTopic("pvr-groups-updated")
)

// Errors of the group manager.
var (
	ErrChannelNotFound   = errors.New("channel not found")
	ErrGroupNotFound     = errors.New("channel group not found")
	ErrGroupExists       = errors.New("channel group already exists")
	ErrAllGroupImmutable = errors.New("the all-channels group cannot be changed")
	ErrMediumMismatch    = errors.New("channel and group medium differ")
)

// Manager owns the channel table and its groups. All accessors return
// copies; mutation happens under the manager lock.
type Manager struct {
	l        *logger.Logger
	pub      bus.Publisher
	mu       sync.RWMutex
	channels map[int]*Channel
	groups   map[int]*Group
	nextChan int
	nextGrp  int
	msgID    atomic.Uint64
}

// NewManager builds a Manager publishing on pub. A nil publisher
// disables notifications.
func NewManager(pub bus.Publisher) *Manager {
	m := &Manager{
		l:        logger.GetLogger("channels"),
		pub:      pub,
		channels: make(map[int]*Channel),
		groups:   make(map[int]*Group),
		nextChan: 1,
		nextGrp:  1,
	}
	// The two all-groups exist from the start and never go away.
	for _, radio := range []bool{false, true} {
		g := &Group{ID: m.nextGrp, Name: allGroupName(radio), Radio: radio, All: true}
		m.groups[g.ID] = g
		m.nextGrp++
	}
	return m
}

func allGroupName(radio bool) string {
	if radio {
		return AllRadioGroupName
	}
	return AllTVGroupName
}

// UpdateChannels reconciles the manager's view of one client's channels
// with a fresh snapshot: new channels get ids, known ones (matched by
// client-unique id) are updated in place, vanished ones are dropped
// from the table and every group.
func (m *Manager) UpdateChannels(clientID int, snapshot []Channel) {
	m.mu.Lock()
	seen := make(map[int]bool, len(snapshot))
	byUnique := make(map[int]*Channel)
	for _, ch := range m.channels {
		if ch.ClientID == clientID {
			byUnique[ch.UniqueID] = ch
		}
	}
	for _, in := range snapshot {
		in.ClientID = clientID
		if cur, ok := byUnique[in.UniqueID]; ok {
			in.ID = cur.ID
			*cur = in
		} else {
			in.ID = m.nextChan
			m.nextChan++
			cp := in
			m.channels[in.ID] = &cp
		}
		seen[in.UniqueID] = true
	}
	for id, ch := range m.channels {
		if ch.ClientID == clientID && !seen[ch.UniqueID] {
			delete(m.channels, id)
			for _, g := range m.groups {
				m.removeMemberLocked(g, id)
			}
		}
	}
	m.syncAllGroupsLocked()
	m.mu.Unlock()
	m.publish(TopicChannelsUpdated, clientID)
	m.publish(TopicGroupsUpdated, clientID)
}

// syncAllGroupsLocked rebuilds both all-groups from the channel table:
// every non-hidden channel of the medium, ordered by channel number.
func (m *Manager) syncAllGroupsLocked() {
	for _, g := range m.groups {
		if !g.All {
			continue
		}
		var chans []*Channel
		for _, ch := range m.channels {
			if ch.Radio == g.Radio && !ch.Hidden {
				chans = append(chans, ch)
			}
		}
		sort.Slice(chans, func(i, j int) bool {
			if c := chans[i].Number.Compare(chans[j].Number); c != 0 {
				return c < 0
			}
			return chans[i].ID < chans[j].ID
		})
		g.Members = g.Members[:0]
		for i, ch := range chans {
			g.Members = append(g.Members, Member{ChannelID: ch.ID, Order: i + 1})
		}
	}
}

// Channel returns a copy of the channel.
func (m *Manager) Channel(id int) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	if !ok {
		return Channel{}, false
	}
	return *ch, true
}

// Channels returns every channel of the medium, ordered by number.
// Hidden channels are included; callers filter.
func (m *Manager) Channels(radio bool) []Channel {
	m.mu.RLock()
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if ch.Radio == radio {
			out = append(out, *ch)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Number.Compare(out[j].Number); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AllChannels returns every channel of both media, TV first.
func (m *Manager) AllChannels() []Channel {
	return append(m.Channels(false), m.Channels(true)...)
}

// CreateGroup adds an empty group of the medium. Names are unique per
// medium, the all-group names included.
func (m *Manager) CreateGroup(name string, radio bool) (Group, error) {
	m.mu.Lock()
	for _, g := range m.groups {
		if g.Radio == radio && g.Name == name {
			m.mu.Unlock()
			return Group{}, ErrGroupExists
		}
	}
	g := &Group{ID: m.nextGrp, Name: name, Radio: radio, Position: m.groupCountLocked(radio)}
	m.nextGrp++
	m.groups[g.ID] = g
	cp := *g.clone()
	m.mu.Unlock()
	m.publish(TopicGroupsUpdated, g.ID)
	return cp, nil
}

func (m *Manager) groupCountLocked(radio bool) int {
	n := 0
	for _, g := range m.groups {
		if g.Radio == radio {
			n++
		}
	}
	return n
}

// DeleteGroup removes a group. The all-group refuses.
func (m *Manager) DeleteGroup(id int) error {
	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return ErrGroupNotFound
	}
	if g.All {
		m.mu.Unlock()
		return ErrAllGroupImmutable
	}
	delete(m.groups, id)
	m.mu.Unlock()
	m.publish(TopicGroupsUpdated, id)
	return nil
}

// RenameGroup renames a group. The all-group refuses.
func (m *Manager) RenameGroup(id int, name string) error {
	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return ErrGroupNotFound
	}
	if g.All {
		m.mu.Unlock()
		return ErrAllGroupImmutable
	}
	for _, other := range m.groups {
		if other.ID != id && other.Radio == g.Radio && other.Name == name {
			m.mu.Unlock()
			return ErrGroupExists
		}
	}
	g.Name = name
	m.mu.Unlock()
	m.publish(TopicGroupsUpdated, id)
	return nil
}

// AddMember appends the channel to the group. Membership in the
// all-group is derived, not assignable.
func (m *Manager) AddMember(groupID, channelID int) error {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return ErrGroupNotFound
	}
	if g.All {
		m.mu.Unlock()
		return ErrAllGroupImmutable
	}
	ch, ok := m.channels[channelID]
	if !ok {
		m.mu.Unlock()
		return ErrChannelNotFound
	}
	if ch.Radio != g.Radio {
		m.mu.Unlock()
		return ErrMediumMismatch
	}
	if g.index(channelID) < 0 {
		g.Members = append(g.Members, Member{ChannelID: channelID, Order: len(g.Members) + 1})
	}
	m.mu.Unlock()
	m.publish(TopicGroupsUpdated, groupID)
	return nil
}

// RemoveMember drops the channel from the group.
func (m *Manager) RemoveMember(groupID, channelID int) error {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return ErrGroupNotFound
	}
	if g.All {
		m.mu.Unlock()
		return ErrAllGroupImmutable
	}
	if !m.removeMemberLocked(g, channelID) {
		m.mu.Unlock()
		return ErrChannelNotFound
	}
	m.mu.Unlock()
	m.publish(TopicGroupsUpdated, groupID)
	return nil
}

func (m *Manager) removeMemberLocked(g *Group, channelID int) bool {
	i := g.index(channelID)
	if i < 0 {
		return false
	}
	g.Members = append(g.Members[:i], g.Members[i+1:]...)
	for j := range g.Members {
		g.Members[j].Order = j + 1
	}
	return true
}

// MoveMember moves the channel to a zero-based target index within the
// group, renumbering every member.
func (m *Manager) MoveMember(groupID, channelID, target int) error {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	if !ok {
		m.mu.Unlock()
		return ErrGroupNotFound
	}
	if g.All {
		m.mu.Unlock()
		return ErrAllGroupImmutable
	}
	i := g.index(channelID)
	if i < 0 {
		m.mu.Unlock()
		return ErrChannelNotFound
	}
	if target < 0 {
		target = 0
	}
	if target >= len(g.Members) {
		target = len(g.Members) - 1
	}
	mem := g.Members[i]
	g.Members = append(g.Members[:i], g.Members[i+1:]...)
	g.Members = append(g.Members[:target], append([]Member{mem}, g.Members[target:]...)...)
	for j := range g.Members {
		g.Members[j].Order = j + 1
	}
	m.mu.Unlock()
	m.publish(TopicGroupsUpdated, groupID)
	return nil
}

// Group returns a copy of the group.
func (m *Manager) Group(id int) (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, false
	}
	return *g.clone(), true
}

// GroupByName looks a group up by name within the medium.
func (m *Manager) GroupByName(name string, radio bool) (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.groups {
		if g.Radio == radio && g.Name == name {
			return *g.clone(), true
		}
	}
	return Group{}, false
}

// GroupAll returns the distinguished all-group of the medium.
func (m *Manager) GroupAll(radio bool) Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.groups {
		if g.All && g.Radio == radio {
			return *g.clone()
		}
	}
	// Unreachable: the constructor seeds both.
	return Group{}
}

// Groups returns the medium's groups ordered by position, the all-group
// first.
func (m *Manager) Groups(radio bool) []Group {
	m.mu.RLock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		if g.Radio == radio {
			out = append(out, *g.clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].All != out[j].All {
			return out[i].All
		}
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore replaces the manager state from persisted channels and
// groups, keeping id counters ahead of every loaded id. All-groups are
// re-derived rather than trusted.
func (m *Manager) Restore(chans []Channel, groups []Group) {
	m.mu.Lock()
	for _, ch := range chans {
		cp := ch
		m.channels[ch.ID] = &cp
		if ch.ID >= m.nextChan {
			m.nextChan = ch.ID + 1
		}
	}
	for _, g := range groups {
		if g.All {
			continue
		}
		cp := g.clone()
		m.groups[g.ID] = cp
		if g.ID >= m.nextGrp {
			m.nextGrp = g.ID + 1
		}
	}
	m.syncAllGroupsLocked()
	m.mu.Unlock()
}

func (m *Manager) publish(topic bus.Topic, data interface{}) {
	if m.pub == nil {
		return
	}
	_, err := m.pub.Publish(context.Background(), topic, bus.NewMessage(bus.MessageID(m.msgID.Add(1)), data))
	if err != nil && !errors.Is(err, bus.ErrTopicNotExist) {
		m.l.Warn().Err(err).Str("topic", topic.String()).Msg("publish failed")
	}
}

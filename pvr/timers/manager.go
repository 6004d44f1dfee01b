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

package timers

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/pkg/bus"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
)

var (
	// TopicTimersUpdated announces that the timer table changed.
	TopicTimersUpdated = bus.UniTopic("pvr-timers-updated")
	// TopicRecordingStarted announces a timer that began recording.
	TopicRecordingStarted = bus.UniTopic("pvr-recording-started")
	// TopicRecordingStopped announces a timer that stopped recording.
	TopicRecordingStopped = bus.UniTopic("pvr-recording-stopped")
	// TopicTimerReminder announces a timer about to start.
	TopicTimerReminder = bus.UniTopic("pvr-timer-reminder")
)

var (
	// ErrTimerNotFound indicates an unknown timer id.
	ErrTimerNotFound = errors.New("timer not found")
	// ErrNoRouter indicates no backend route was configured.
	ErrNoRouter = errors.New("no timer router")
)

// DefaultReminderLead is how far ahead of the start a reminder fires.
const DefaultReminderLead = 5 * time.Minute

// Router carries timer changes to the owning backend.
type Router interface {
	AddTimer(ctx context.Context, t Timer) error
	UpdateTimer(ctx context.Context, t Timer) error
	DeleteTimer(ctx context.Context, t Timer) error
}

// Occurrence is one programme a repeating rule matched.
type Occurrence struct {
	Start       time.Time
	End         time.Time
	Title       string
	BroadcastID int
}

// Options tunes the manager.
type Options struct {
	Clock        timestamp.Clock
	Router       Router
	ReminderLead time.Duration
}

// Manager holds the timer table. Timers are kept in start order plus
// id and per-client indexes so the recording queries stay cheap.
type Manager struct {
	l      *logger.Logger
	pub    bus.Publisher
	clock  timestamp.Clock
	router Router
	lead   time.Duration
	msgID  atomic.Uint64

	mu       sync.RWMutex
	byStart  *treemap.Map
	byID     map[int]*Timer
	byClient map[int]map[int]int
	reminded map[int]bool
	nextID   int
}

// NewManager builds a Manager publishing on pub. A nil publisher
// disables notifications.
func NewManager(pub bus.Publisher, opts Options) *Manager {
	clock := opts.Clock
	if clock == nil {
		clock = timestamp.NewClock()
	}
	lead := opts.ReminderLead
	if lead <= 0 {
		lead = DefaultReminderLead
	}
	return &Manager{
		l:        logger.GetLogger("timers"),
		pub:      pub,
		clock:    clock,
		router:   opts.Router,
		lead:     lead,
		byStart:  treemap.NewWith(utils.Int64Comparator),
		byID:     make(map[int]*Timer),
		byClient: make(map[int]map[int]int),
		reminded: make(map[int]bool),
		nextID:   1,
	}
}

// bucket returns the timers sharing a start instant.
func (m *Manager) bucketLocked(key int64) []*Timer {
	if v, ok := m.byStart.Get(key); ok {
		return v.([]*Timer)
	}
	return nil
}

func (m *Manager) insertLocked(t *Timer) {
	key := t.Start.UnixNano()
	m.byStart.Put(key, append(m.bucketLocked(key), t))
	m.byID[t.ID] = t
	if t.ClientTimerID != 0 {
		idx, ok := m.byClient[t.ClientID]
		if !ok {
			idx = make(map[int]int)
			m.byClient[t.ClientID] = idx
		}
		idx[t.ClientTimerID] = t.ID
	}
}

func (m *Manager) removeLocked(t *Timer) {
	key := t.Start.UnixNano()
	bucket := m.bucketLocked(key)
	for i, cand := range bucket {
		if cand.ID == t.ID {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		m.byStart.Remove(key)
	} else {
		m.byStart.Put(key, bucket)
	}
	delete(m.byID, t.ID)
	delete(m.reminded, t.ID)
	if idx, ok := m.byClient[t.ClientID]; ok {
		delete(idx, t.ClientTimerID)
	}
}

// Add registers a timer and routes it to its backend. The timer stays
// in the new state until the backend confirms it through a snapshot.
func (m *Manager) Add(ctx context.Context, t Timer) (Timer, error) {
	if t.End.Before(t.Start) || (t.Kind != KindRule && !t.End.After(t.Start)) {
		return Timer{}, errors.New("timer window is empty")
	}
	if m.router == nil {
		return Timer{}, ErrNoRouter
	}
	m.mu.Lock()
	t.ID = m.nextID
	m.nextID++
	t.State = StateNew
	t.ClientTimerID = 0
	stored := t
	m.insertLocked(&stored)
	m.mu.Unlock()

	if err := m.router.AddTimer(ctx, t); err != nil {
		m.mu.Lock()
		m.removeLocked(&stored)
		m.mu.Unlock()
		return Timer{}, errors.Wrap(err, "route timer add")
	}
	m.publish(TopicTimersUpdated, t.ID)
	return t, nil
}

// Update routes changed fields to the backend. The local entry keeps
// its state until the backend's next snapshot confirms the change.
func (m *Manager) Update(ctx context.Context, t Timer) error {
	if m.router == nil {
		return ErrNoRouter
	}
	m.mu.RLock()
	cur, ok := m.byID[t.ID]
	if ok {
		t.ClientID = cur.ClientID
		t.ClientTimerID = cur.ClientTimerID
	}
	m.mu.RUnlock()
	if !ok {
		return ErrTimerNotFound
	}
	return errors.Wrap(m.router.UpdateTimer(ctx, t), "route timer update")
}

// Delete routes a removal to the backend. The entry disappears once
// the backend's snapshot no longer carries it.
func (m *Manager) Delete(ctx context.Context, id int) error {
	if m.router == nil {
		return ErrNoRouter
	}
	m.mu.RLock()
	cur, ok := m.byID[id]
	var snapshot Timer
	if ok {
		snapshot = *cur
	}
	m.mu.RUnlock()
	if !ok {
		return ErrTimerNotFound
	}
	return errors.Wrap(m.router.DeleteTimer(ctx, snapshot), "route timer delete")
}

// UpdateEntries reconciles the client's snapshot against the table.
// Confirmed adds bind the backend id, state transitions fire recording
// notifications, and entries the backend no longer reports vanish.
func (m *Manager) UpdateEntries(clientID int, snapshot []Timer) {
	var started, stopped, changed []int

	m.mu.Lock()
	seen := make(map[int]bool, len(snapshot))
	for _, in := range snapshot {
		in.ClientID = clientID
		seen[in.ClientTimerID] = true
		cur := m.matchLocked(clientID, in)
		if cur == nil {
			in.ID = m.nextID
			m.nextID++
			m.insertLocked(&in)
			changed = append(changed, in.ID)
			if in.State == StateRecording {
				started = append(started, in.ID)
			}
			continue
		}
		prev := cur.State
		if cur.State != in.State || cur.ClientTimerID != in.ClientTimerID ||
			!cur.Start.Equal(in.Start) || !cur.End.Equal(in.End) || cur.Title != in.Title {
			changed = append(changed, cur.ID)
		}
		m.removeLocked(cur)
		in.ID = cur.ID
		in.ParentID = cur.ParentID
		m.insertLocked(&in)
		if prev != StateRecording && in.State == StateRecording {
			started = append(started, in.ID)
		}
		if prev == StateRecording && in.State != StateRecording {
			stopped = append(stopped, in.ID)
		}
	}
	// Drop confirmed timers the backend stopped reporting.
	var gone []*Timer
	for _, t := range m.byID {
		if t.ClientID == clientID && t.ClientTimerID != 0 && !seen[t.ClientTimerID] {
			gone = append(gone, t)
		}
	}
	for _, t := range gone {
		if t.State == StateRecording {
			stopped = append(stopped, t.ID)
		}
		changed = append(changed, t.ID)
		m.removeLocked(t)
	}
	m.mu.Unlock()

	for _, id := range started {
		m.publish(TopicRecordingStarted, id)
	}
	for _, id := range stopped {
		m.publish(TopicRecordingStopped, id)
	}
	if len(changed) > 0 {
		m.publish(TopicTimersUpdated, clientID)
	}
}

// matchLocked finds the local entry a snapshot timer corresponds to:
// by backend id first, then an unconfirmed add on the same channel.
// The backend may hand the window back adjusted (recording padding,
// schedule shifts), so unconfirmed adds match on overlap, not on the
// exact start key; an exact window still wins over an adjusted one.
func (m *Manager) matchLocked(clientID int, in Timer) *Timer {
	if idx, ok := m.byClient[clientID]; ok {
		if id, ok := idx[in.ClientTimerID]; ok {
			return m.byID[id]
		}
	}
	var exact, overlap *Timer
	for _, cand := range m.byID {
		if cand.ClientID != clientID || cand.ClientTimerID != 0 ||
			cand.ChannelID != in.ChannelID || cand.Kind != in.Kind {
			continue
		}
		if cand.Start.Equal(in.Start) && cand.End.Equal(in.End) {
			if exact == nil || cand.ID < exact.ID {
				exact = cand
			}
			continue
		}
		if cand.Start.Before(in.End) && in.Start.Before(cand.End) {
			if overlap == nil || cand.ID < overlap.ID {
				overlap = cand
			}
		}
	}
	if exact != nil {
		return exact
	}
	return overlap
}

// SpawnChildren materializes child timers for a repeating rule from
// matched guide programmes. Occurrences already covered by a child or
// on a day the rule skips are ignored.
func (m *Manager) SpawnChildren(ctx context.Context, ruleID int, occ []Occurrence) (int, error) {
	m.mu.RLock()
	rule, ok := m.byID[ruleID]
	var pending []Occurrence
	if ok && rule.Kind == KindRule && rule.Active() {
		for _, o := range occ {
			if !rule.FiresOn(o.Start.Weekday()) {
				continue
			}
			if m.childExistsLocked(ruleID, o.Start) {
				continue
			}
			pending = append(pending, o)
		}
	}
	var snapshot Timer
	if ok {
		snapshot = *rule
	}
	m.mu.RUnlock()
	if !ok {
		return 0, ErrTimerNotFound
	}
	if snapshot.Kind != KindRule {
		return 0, errors.Errorf("timer %d is not a rule", ruleID)
	}

	n := 0
	for _, o := range pending {
		child := Timer{
			ClientID:    snapshot.ClientID,
			ParentID:    ruleID,
			Kind:        KindEPG,
			ChannelID:   snapshot.ChannelID,
			BroadcastID: o.BroadcastID,
			Title:       o.Title,
			Start:       o.Start,
			End:         o.End,
			Priority:    snapshot.Priority,
			Lifetime:    snapshot.Lifetime,
			Folder:      snapshot.Folder,
		}
		if _, err := m.Add(ctx, child); err != nil {
			m.l.Warn().Err(err).Int("rule", ruleID).Time("start", o.Start).
				Msg("spawn child timer failed")
			continue
		}
		n++
	}
	return n, nil
}

func (m *Manager) childExistsLocked(ruleID int, start time.Time) bool {
	for _, cand := range m.bucketLocked(start.UnixNano()) {
		if cand.ParentID == ruleID {
			return true
		}
	}
	return false
}

// Timer returns a timer by id.
func (m *Manager) Timer(id int) (Timer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return Timer{}, ErrTimerNotFound
	}
	return *t, nil
}

// Timers returns every timer in start order.
func (m *Manager) Timers() []Timer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Timer, 0, len(m.byID))
	it := m.byStart.Iterator()
	for it.Next() {
		for _, t := range it.Value().([]*Timer) {
			out = append(out, *t)
		}
	}
	return out
}

// ActiveTimers returns the timers still expecting to record, rules
// excluded, in start order.
func (m *Manager) ActiveTimers() []Timer {
	var out []Timer
	for _, t := range m.Timers() {
		if t.Kind != KindRule && t.Active() {
			out = append(out, t)
		}
	}
	return out
}

// NextActiveTimer returns the earliest active timer starting at or
// after now.
func (m *Manager) NextActiveTimer() (Timer, bool) {
	now := m.clock.Now()
	for _, t := range m.ActiveTimers() {
		if !t.Start.Before(now) {
			return t, true
		}
	}
	return Timer{}, false
}

// ActiveRecordings returns the timers currently recording.
func (m *Manager) ActiveRecordings() []Timer {
	var out []Timer
	for _, t := range m.Timers() {
		if t.State == StateRecording {
			out = append(out, t)
		}
	}
	return out
}

// IsRecordingOnChannel reports whether any timer records the channel
// right now.
func (m *Manager) IsRecordingOnChannel(channelID int) bool {
	for _, t := range m.ActiveRecordings() {
		if t.ChannelID == channelID {
			return true
		}
	}
	return false
}

// TimerForEPGTag returns the timer bound to a guide programme.
func (m *Manager) TimerForEPGTag(channelID, broadcastID int) (Timer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.byID {
		if t.Kind == KindEPG && t.ChannelID == channelID && t.BroadcastID == broadcastID {
			return *t, true
		}
	}
	return Timer{}, false
}

// TimersForChannel returns the channel's timers in start order.
func (m *Manager) TimersForChannel(channelID int) []Timer {
	var out []Timer
	for _, t := range m.Timers() {
		if t.ChannelID == channelID {
			out = append(out, t)
		}
	}
	return out
}

// CheckReminders fires a reminder for each active timer starting
// within the lead window. Each timer reminds at most once.
func (m *Manager) CheckReminders(now time.Time) int {
	var due []int
	m.mu.Lock()
	it := m.byStart.Iterator()
	for it.Next() {
		if it.Key().(int64) > now.Add(m.lead).UnixNano() {
			break
		}
		for _, t := range it.Value().([]*Timer) {
			if t.Kind == KindRule || !t.Active() || m.reminded[t.ID] {
				continue
			}
			if t.Start.Before(now) {
				continue
			}
			m.reminded[t.ID] = true
			due = append(due, t.ID)
		}
	}
	m.mu.Unlock()
	for _, id := range due {
		m.publish(TopicTimerReminder, id)
	}
	return len(due)
}

// Snapshot returns every timer for persistence, id order.
func (m *Manager) Snapshot() []Timer {
	out := m.Timers()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads persisted timers and advances the id counter. No
// notifications fire.
func (m *Manager) Restore(ts []Timer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range ts {
		stored := t
		m.insertLocked(&stored)
		if t.ID >= m.nextID {
			m.nextID = t.ID + 1
		}
	}
}

func (m *Manager) publish(topic bus.Topic, id int) {
	if m.pub == nil {
		return
	}
	_, err := m.pub.Publish(context.Background(), topic,
		bus.NewMessage(bus.MessageID(m.msgID.Add(1)), id))
	if err != nil && !errors.Is(err, bus.ErrTopicNotExist) {
		m.l.Warn().Err(err).Str("topic", topic.String()).Msg("publish failed")
	}
}

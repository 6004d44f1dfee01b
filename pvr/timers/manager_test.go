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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakleaf-io/oakleaf/pkg/bus"
	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
)

var timerEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingRouter struct {
	mu      sync.Mutex
	added   []Timer
	updated []Timer
	deleted []Timer
	fail    error
}

func (r *recordingRouter) AddTimer(_ context.Context, t Timer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.added = append(r.added, t)
	return nil
}

func (r *recordingRouter) UpdateTimer(_ context.Context, t Timer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, t)
	return nil
}

func (r *recordingRouter) DeleteTimer(_ context.Context, t Timer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, t)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *recordingRouter, timestamp.MockClock) {
	t.Helper()
	clock := timestamp.NewMockClock()
	clock.Set(timerEpoch)
	router := &recordingRouter{}
	m := NewManager(nil, Options{Clock: clock, Router: router})
	return m, router, clock
}

func oneShot(channelID int, startMin, endMin int) Timer {
	return Timer{
		ClientID:  1,
		Kind:      KindOneShot,
		ChannelID: channelID,
		Title:     "rec",
		Start:     timerEpoch.Add(time.Duration(startMin) * time.Minute),
		End:       timerEpoch.Add(time.Duration(endMin) * time.Minute),
	}
}

// confirmed mirrors a backend snapshot entry for an accepted timer.
func confirmed(t Timer, clientTimerID int, state State) Timer {
	t.ClientTimerID = clientTimerID
	t.State = state
	return t
}

func TestAddRoutesAndStaysNew(t *testing.T) {
	m, router, _ := newTestManager(t)

	added, err := m.Add(context.Background(), oneShot(5, 10, 70))
	require.NoError(t, err)
	require.NotZero(t, added.ID)
	assert.Equal(t, StateNew, added.State)
	require.Len(t, router.added, 1)

	got, err := m.Timer(added.ID)
	require.NoError(t, err)
	assert.Equal(t, StateNew, got.State)
	assert.Zero(t, got.ClientTimerID)
}

func TestAddRollsBackOnRouteFailure(t *testing.T) {
	m, router, _ := newTestManager(t)
	router.fail = assert.AnError

	_, err := m.Add(context.Background(), oneShot(5, 10, 70))
	require.Error(t, err)
	assert.Empty(t, m.Timers())
}

func TestConfirmationBindsBackendID(t *testing.T) {
	m, _, _ := newTestManager(t)

	added, err := m.Add(context.Background(), oneShot(5, 10, 70))
	require.NoError(t, err)

	m.UpdateEntries(1, []Timer{confirmed(added, 101, StateScheduled)})

	got, err := m.Timer(added.ID)
	require.NoError(t, err)
	assert.Equal(t, 101, got.ClientTimerID)
	assert.Equal(t, StateScheduled, got.State)

	// The confirmed timer is visible to channel queries.
	forChannel := m.TimersForChannel(5)
	require.Len(t, forChannel, 1)
	assert.Equal(t, added.ID, forChannel[0].ID)

	next, ok := m.NextActiveTimer()
	require.True(t, ok)
	assert.Equal(t, added.ID, next.ID)
}

func TestConfirmationWithAdjustedWindowStillBinds(t *testing.T) {
	m, _, _ := newTestManager(t)

	added, err := m.Add(context.Background(), oneShot(5, 10, 70))
	require.NoError(t, err)

	// The backend padded the recording window before accepting it.
	m.UpdateEntries(1, []Timer{confirmed(oneShot(5, 8, 75), 42, StateScheduled)})

	all := m.Timers()
	require.Len(t, all, 1)
	got := all[0]
	assert.Equal(t, added.ID, got.ID)
	assert.Equal(t, 42, got.ClientTimerID)
	assert.Equal(t, StateScheduled, got.State)
	assert.True(t, got.Start.Equal(timerEpoch.Add(8*time.Minute)))
	assert.True(t, got.End.Equal(timerEpoch.Add(75*time.Minute)))

	// Once bound, a snapshot without the timer collects it.
	m.UpdateEntries(1, nil)
	assert.Empty(t, m.Timers())
}

func TestSnapshotDrivesRecordingNotifications(t *testing.T) {
	clock := timestamp.NewMockClock()
	clock.Set(timerEpoch)
	router := &recordingRouter{}

	e := bus.NewBus()
	var started, stopped int
	require.NoError(t, e.Subscribe(TopicRecordingStarted, bus.ListenerFunc(func(_ context.Context, msg bus.Message) bus.Message {
		started++
		return msg
	})))
	require.NoError(t, e.Subscribe(TopicRecordingStopped, bus.ListenerFunc(func(_ context.Context, msg bus.Message) bus.Message {
		stopped++
		return msg
	})))

	m := NewManager(e, Options{Clock: clock, Router: router})
	added, err := m.Add(context.Background(), oneShot(5, 0, 60))
	require.NoError(t, err)

	m.UpdateEntries(1, []Timer{confirmed(added, 7, StateScheduled)})
	m.UpdateEntries(1, []Timer{confirmed(added, 7, StateRecording)})
	assert.Equal(t, 1, started)
	assert.True(t, m.IsRecordingOnChannel(5))
	assert.False(t, m.IsRecordingOnChannel(6))
	require.Len(t, m.ActiveRecordings(), 1)

	m.UpdateEntries(1, []Timer{confirmed(added, 7, StateCompleted)})
	assert.Equal(t, 1, stopped)
	assert.False(t, m.IsRecordingOnChannel(5))
}

func TestSnapshotDropsVanishedTimers(t *testing.T) {
	m, _, _ := newTestManager(t)

	added, err := m.Add(context.Background(), oneShot(5, 10, 70))
	require.NoError(t, err)
	m.UpdateEntries(1, []Timer{confirmed(added, 7, StateScheduled)})

	// Backend-originated timer shows up too.
	foreign := confirmed(oneShot(9, 120, 180), 8, StateScheduled)
	m.UpdateEntries(1, []Timer{confirmed(added, 7, StateScheduled), foreign})
	require.Len(t, m.Timers(), 2)

	// Next snapshot no longer reports the first one.
	m.UpdateEntries(1, []Timer{foreign})
	all := m.Timers()
	require.Len(t, all, 1)
	assert.Equal(t, 9, all[0].ChannelID)

	_, err = m.Timer(added.ID)
	assert.ErrorIs(t, err, ErrTimerNotFound)
}

func TestUpdateAndDeleteRouteOnly(t *testing.T) {
	m, router, _ := newTestManager(t)

	added, err := m.Add(context.Background(), oneShot(5, 10, 70))
	require.NoError(t, err)
	m.UpdateEntries(1, []Timer{confirmed(added, 7, StateScheduled)})

	changed, err := m.Timer(added.ID)
	require.NoError(t, err)
	changed.Title = "renamed"
	require.NoError(t, m.Update(context.Background(), changed))
	require.Len(t, router.updated, 1)
	assert.Equal(t, 7, router.updated[0].ClientTimerID)

	// Local state untouched until the backend confirms.
	got, err := m.Timer(added.ID)
	require.NoError(t, err)
	assert.Equal(t, "rec", got.Title)

	require.NoError(t, m.Delete(context.Background(), added.ID))
	require.Len(t, router.deleted, 1)
	_, err = m.Timer(added.ID)
	assert.NoError(t, err)

	assert.ErrorIs(t, m.Delete(context.Background(), 404), ErrTimerNotFound)
}

func TestRuleSpawnsChildren(t *testing.T) {
	m, router, _ := newTestManager(t)

	rule := Timer{
		ClientID:  1,
		Kind:      KindRule,
		ChannelID: 5,
		Title:     "daily news",
		Start:     timerEpoch,
		End:       timerEpoch,
		Weekdays:  WeekdaysOf(time.Friday),
	}
	added, err := m.Add(context.Background(), rule)
	require.NoError(t, err)

	friday := time.Date(2024, 3, 1, 19, 0, 0, 0, time.UTC) // a Friday
	saturday := friday.Add(24 * time.Hour)
	n, err := m.SpawnChildren(context.Background(), added.ID, []Occurrence{
		{BroadcastID: 11, Start: friday, End: friday.Add(time.Hour), Title: "news"},
		{BroadcastID: 12, Start: saturday, End: saturday.Add(time.Hour), Title: "news"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, router.added, 2) // rule + one child

	child, ok := m.TimerForEPGTag(5, 11)
	require.True(t, ok)
	assert.Equal(t, added.ID, child.ParentID)
	assert.Equal(t, KindEPG, child.Kind)

	// Same occurrence again is not spawned twice.
	n, err = m.SpawnChildren(context.Background(), added.ID, []Occurrence{
		{BroadcastID: 11, Start: friday, End: friday.Add(time.Hour), Title: "news"},
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReminders(t *testing.T) {
	clock := timestamp.NewMockClock()
	clock.Set(timerEpoch)
	e := bus.NewBus()
	var reminders int
	require.NoError(t, e.Subscribe(TopicTimerReminder, bus.ListenerFunc(func(_ context.Context, msg bus.Message) bus.Message {
		reminders++
		return msg
	})))
	m := NewManager(e, Options{Clock: clock, Router: &recordingRouter{}, ReminderLead: 5 * time.Minute})

	added, err := m.Add(context.Background(), oneShot(5, 10, 70))
	require.NoError(t, err)
	m.UpdateEntries(1, []Timer{confirmed(added, 7, StateScheduled)})

	assert.Zero(t, m.CheckReminders(timerEpoch))
	assert.Equal(t, 1, m.CheckReminders(timerEpoch.Add(6*time.Minute)))
	// Fires once only.
	assert.Zero(t, m.CheckReminders(timerEpoch.Add(7*time.Minute)))
	assert.Equal(t, 1, reminders)
}

func TestSnapshotRestore(t *testing.T) {
	m, _, _ := newTestManager(t)
	added, err := m.Add(context.Background(), oneShot(5, 10, 70))
	require.NoError(t, err)
	m.UpdateEntries(1, []Timer{confirmed(added, 7, StateScheduled)})

	snap := m.Snapshot()
	require.Len(t, snap, 1)

	clock := timestamp.NewMockClock()
	clock.Set(timerEpoch)
	restored := NewManager(nil, Options{Clock: clock, Router: &recordingRouter{}})
	restored.Restore(snap)
	got, err := restored.Timer(added.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.ClientTimerID)

	next, err := restored.Add(context.Background(), oneShot(6, 200, 260))
	require.NoError(t, err)
	assert.Greater(t, next.ID, added.ID)
}

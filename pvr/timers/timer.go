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

// Package timers tracks recording timers across the backends. The
// backends own the truth: a local change is routed to the owning
// client and only takes effect once the client confirms it through a
// snapshot.
package timers

import "time"

// State is a timer's lifecycle phase as reported by its backend.
type State int

// Timer states.
const (
	StateNew State = iota
	StateScheduled
	StateRecording
	StateCompleted
	StateAborted
	StateCancelled
	StateConflict
	StateError
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateScheduled:
		return "scheduled"
	case StateRecording:
		return "recording"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateCancelled:
		return "cancelled"
	case StateConflict:
		return "conflict"
	case StateError:
		return "error"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Active reports whether the timer still expects to record.
func (s State) Active() bool {
	switch s {
	case StateNew, StateScheduled, StateRecording:
		return true
	default:
		return false
	}
}

// Kind distinguishes the timer flavours.
type Kind int

// Timer kinds.
const (
	// KindOneShot records a fixed time window once.
	KindOneShot Kind = iota
	// KindEPG records one guide programme.
	KindEPG
	// KindRule is a repeating rule that spawns child timers.
	KindRule
)

func (k Kind) String() string {
	switch k {
	case KindOneShot:
		return "one-shot"
	case KindEPG:
		return "epg"
	case KindRule:
		return "rule"
	default:
		return "unknown"
	}
}

// Weekdays is a bit mask of days a rule fires on, bit 0 = Sunday.
type Weekdays uint8

// AllWeekdays fires every day.
const AllWeekdays Weekdays = 0x7f

// WeekdaysOf builds a mask from days.
func WeekdaysOf(days ...time.Weekday) Weekdays {
	var w Weekdays
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

// Contains reports whether the mask covers the day.
func (w Weekdays) Contains(d time.Weekday) bool {
	return w&(1<<uint(d)) != 0
}

// Timer is one recording order. ClientTimerID is the backend's handle
// and stays zero until the backend confirms the timer.
type Timer struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Title         string    `json:"title"`
	Folder        string    `json:"folder,omitempty"`
	ID            int       `json:"id"`
	ClientID      int       `json:"clientId"`
	ClientTimerID int       `json:"clientTimerId,omitempty"`
	ParentID      int       `json:"parentId,omitempty"`
	ChannelID     int       `json:"channelId"`
	BroadcastID   int       `json:"broadcastId,omitempty"`
	Priority      int       `json:"priority,omitempty"`
	Lifetime      int       `json:"lifetime,omitempty"`
	Kind          Kind      `json:"kind"`
	State         State     `json:"state"`
	Weekdays      Weekdays  `json:"weekdays,omitempty"`
}

// Active reports whether the timer still expects to record. Rules are
// active as long as they are not disabled or in error.
func (t Timer) Active() bool {
	if t.Kind == KindRule {
		return t.State != StateDisabled && t.State != StateError && t.State != StateCancelled
	}
	return t.State.Active()
}

// Covers reports whether the timer's window contains the instant. The
// end is exclusive.
func (t Timer) Covers(at time.Time) bool {
	return !at.Before(t.Start) && at.Before(t.End)
}

// FiresOn reports whether a rule would spawn a recording on the day.
func (t Timer) FiresOn(d time.Weekday) bool {
	if t.Kind != KindRule {
		return false
	}
	if t.Weekdays == 0 {
		return true
	}
	return t.Weekdays.Contains(d)
}

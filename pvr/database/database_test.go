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

package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakleaf-io/oakleaf/pvr/channels"
	"github.com/oakleaf-io/oakleaf/pvr/epg"
	"github.com/oakleaf-io/oakleaf/pvr/timers"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "pvr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Close()) })
	return d
}

func TestChannelsRoundTrip(t *testing.T) {
	d := openTestDB(t)

	in := []channels.Channel{
		{ID: 1, ClientID: 1, UniqueID: 1001, Name: "One", Number: channels.Number{Major: 1}, EPGEnabled: true},
		{ID: 2, ClientID: 1, UniqueID: 1002, Name: "FM", Number: channels.Number{Major: 1, Minor: 2}, Radio: true, Hidden: true},
	}
	require.NoError(t, d.SaveChannels(in))
	got, err := d.LoadChannels()
	require.NoError(t, err)
	assert.Equal(t, in, got)

	// Replacement, not accumulation.
	require.NoError(t, d.SaveChannels(in[:1]))
	got, err = d.LoadChannels()
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestGroupsSkipAllGroups(t *testing.T) {
	d := openTestDB(t)

	in := []channels.Group{
		{ID: 1, Name: channels.AllTVGroupName, All: true, Members: []channels.Member{{ChannelID: 1, Order: 1}}},
		{ID: 3, Name: "Sports", Position: 1, Members: []channels.Member{
			{ChannelID: 1, Order: 1}, {ChannelID: 2, Order: 2},
		}},
	}
	require.NoError(t, d.SaveGroups(in))
	got, err := d.LoadGroups()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Sports", got[0].Name)
	assert.Equal(t, []channels.Member{{ChannelID: 1, Order: 1}, {ChannelID: 2, Order: 2}}, got[0].Members)
}

func TestTimersRoundTrip(t *testing.T) {
	d := openTestDB(t)
	start := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

	in := []timers.Timer{{
		ID:            4,
		ClientID:      1,
		ClientTimerID: 9,
		Kind:          timers.KindEPG,
		State:         timers.StateScheduled,
		ChannelID:     2,
		BroadcastID:   77,
		Title:         "film",
		Start:         start,
		End:           start.Add(2 * time.Hour),
		Weekdays:      timers.WeekdaysOf(time.Monday, time.Friday),
	}}
	require.NoError(t, d.SaveTimers(in))
	got, err := d.LoadTimers()
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestEPGRoundTripAndPrune(t *testing.T) {
	d := openTestDB(t)
	start := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

	in := []epg.Tag{
		{ChannelID: 1, BroadcastID: 1, Start: start, End: start.Add(time.Hour), Title: "a"},
		{ChannelID: 1, BroadcastID: 2, Start: start.Add(time.Hour), End: start.Add(2 * time.Hour), Title: "b"},
		{ChannelID: 2, BroadcastID: 3, Start: start, End: start.Add(time.Hour), Title: "c"},
		// Gap fillers never persist.
		{ChannelID: 2, Start: start.Add(time.Hour), End: start.Add(2 * time.Hour), Gap: true},
	}
	require.NoError(t, d.SaveEPG(in))
	got, err := d.LoadEPG()
	require.NoError(t, err)
	assert.Equal(t, in[:3], got)

	require.NoError(t, d.SaveEPGForChannel(1, []epg.Tag{in[0]}))
	got, err = d.LoadEPG()
	require.NoError(t, err)
	require.Len(t, got, 2)

	n, err := d.PruneEPGBefore(start.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	got, err = d.LoadEPG()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReopenKeepsSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pvr.db")
	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.SaveChannels([]channels.Channel{{ID: 1, Name: "One"}}))
	require.NoError(t, d.Close())

	d, err = Open(path)
	require.NoError(t, err)
	defer d.Close()
	got, err := d.LoadChannels()
	require.NoError(t, err)
	require.Len(t, got, 1)
}

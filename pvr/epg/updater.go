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

	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
)

// Target names one channel the updater pulls guide data for.
type Target struct {
	UniqueID  int
	ChannelID int
	ClientID  int
}

// FetchFunc pulls guide data for one target over a time range.
type FetchFunc func(ctx context.Context, target Target, tr timestamp.TimeRange) ([]Tag, error)

// PersistFunc stores a channel's merged programmes.
type PersistFunc func(channelID int, tags []Tag) error

// Updater refreshes the guide from the backends. A backend failure is
// logged and skipped so one broken client never starves the rest.
type Updater struct {
	l       *logger.Logger
	source  *Container
	grid    *Grid
	clock   timestamp.Clock
	targets func() []Target
	fetch   FetchFunc
	persist PersistFunc
}

// NewUpdater wires the refresh path. persist may be nil when nothing
// is stored.
func NewUpdater(source *Container, grid *Grid, clock timestamp.Clock,
	targets func() []Target, fetch FetchFunc, persist PersistFunc,
) *Updater {
	if clock == nil {
		clock = timestamp.NewClock()
	}
	return &Updater{
		l:       logger.GetLogger("epg-updater"),
		source:  source,
		grid:    grid,
		clock:   clock,
		targets: targets,
		fetch:   fetch,
		persist: persist,
	}
}

// Refresh pulls guide data for every target over the grid window and
// merges it in. It returns how many programmes landed.
func (u *Updater) Refresh(ctx context.Context) (int, error) {
	total := 0
	for _, target := range u.targets() {
		n, err := u.refreshTarget(ctx, target)
		if err != nil {
			u.l.Warn().Err(err).Int("channel", target.ChannelID).
				Int("client", target.ClientID).Msg("guide pull failed")
			continue
		}
		total += n
	}
	return total, nil
}

// RefreshChannel pulls guide data for one channel only.
func (u *Updater) RefreshChannel(ctx context.Context, channelID int) (int, error) {
	for _, target := range u.targets() {
		if target.ChannelID != channelID {
			continue
		}
		return u.refreshTarget(ctx, target)
	}
	return 0, errors.Errorf("no guide source for channel %d", channelID)
}

func (u *Updater) refreshTarget(ctx context.Context, target Target) (int, error) {
	tr := u.grid.ClampRange(timestamp.NewSectionTimeRange(u.clock.Now(), u.clock.Now()))
	tags, err := u.fetch(ctx, target, tr)
	if err != nil {
		return 0, err
	}
	n := u.source.Merge(target.ChannelID, tags)
	if n == 0 {
		return 0, nil
	}
	u.grid.Invalidate(target.ChannelID)
	if u.persist != nil {
		stored := u.source.TagsBetween(target.ChannelID, tr)
		if err := u.persist(target.ChannelID, stored); err != nil {
			u.l.Warn().Err(err).Int("channel", target.ChannelID).Msg("guide persist failed")
		}
	}
	return n, nil
}

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

// Package manager assembles the PVR runtime: backends, channel table,
// guide, timers, persistence and the periodic jobs that keep them in
// sync.
package manager

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/pkg/bus"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/run"
	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
	"github.com/oakleaf-io/oakleaf/pvr/channels"
	"github.com/oakleaf-io/oakleaf/pvr/client"
	"github.com/oakleaf-io/oakleaf/pvr/client/mock"
	"github.com/oakleaf-io/oakleaf/pvr/client/remote"
	"github.com/oakleaf-io/oakleaf/pvr/database"
	"github.com/oakleaf-io/oakleaf/pvr/epg"
	"github.com/oakleaf-io/oakleaf/pvr/jobs"
	"github.com/oakleaf-io/oakleaf/pvr/timers"
)

var (
	_ run.Config  = (*Manager)(nil)
	_ run.Service = (*Manager)(nil)

	errEmptyDBPath = errors.New("pvr: database path is empty")
)

// Manager is the run unit owning the whole PVR engine.
type Manager struct {
	l     *logger.Logger
	clock timestamp.Clock
	b     *bus.Bus

	registry *client.Registry
	chans    *channels.Manager
	guide    *epg.Container
	grid     *epg.Grid
	timers   *timers.Manager
	db       *database.DB
	jobs     *jobs.Runner
	updater  *epg.Updater
	closer   *run.ChannelCloser

	dbPath          string
	clientsFile     string
	mockClients     int
	reminderLead    time.Duration
	epgRefresh      time.Duration
	channelSync     time.Duration
	timerSync       time.Duration
	persistInterval time.Duration
	epgPast         time.Duration
	epgFuture       time.Duration
	epgBlock        time.Duration
}

// New builds the PVR unit.
func New() *Manager {
	return &Manager{
		clock:  timestamp.NewClock(),
		closer: run.NewChannelCloser(),
	}
}

// FlagSet implements run.Config.
func (m *Manager) FlagSet() *run.FlagSet {
	fs := run.NewFlagSet("pvr")
	fs.StringVar(&m.dbPath, "pvr-db", "/tmp/oakleaf-pvr/pvr.db", "the sqlite database file")
	fs.StringVar(&m.clientsFile, "pvr-clients-file", "", "YAML file listing the remote backends; empty runs the built-in simulators")
	fs.IntVar(&m.mockClients, "pvr-mock-clients", 1, "number of built-in simulator backends when no clients file is given")
	fs.DurationVar(&m.reminderLead, "pvr-reminder-lead", timers.DefaultReminderLead, "how far ahead of a timer start the reminder fires")
	fs.DurationVar(&m.epgRefresh, "pvr-epg-refresh-interval", time.Hour, "interval between guide pulls")
	fs.DurationVar(&m.channelSync, "pvr-channel-sync-interval", 10*time.Minute, "interval between channel lineup syncs")
	fs.DurationVar(&m.timerSync, "pvr-timer-sync-interval", time.Minute, "interval between timer snapshot syncs")
	fs.DurationVar(&m.persistInterval, "pvr-persist-interval", 5*time.Minute, "interval between state snapshots to the database")
	fs.Var(timestamp.NewDurationFlag(&m.epgPast, epg.DefaultPastWindow), "pvr-epg-past-window", "how far back the guide reaches; accepts day and week units")
	fs.Var(timestamp.NewDurationFlag(&m.epgFuture, epg.DefaultFutureWindow), "pvr-epg-future-window", "how far forward the guide reaches; accepts day and week units")
	fs.DurationVar(&m.epgBlock, "pvr-epg-block", epg.DefaultBlockDuration, "width of one guide grid block")
	return fs
}

// Validate implements run.Config.
func (m *Manager) Validate() error {
	if m.dbPath == "" {
		return errEmptyDBPath
	}
	if m.clientsFile == "" && m.mockClients <= 0 {
		return errors.New("pvr: no clients file and no simulators configured")
	}
	return nil
}

// Name implements run.Unit.
func (m *Manager) Name() string {
	return "pvr"
}

// PreRun implements run.PreRunner. A database that cannot be loaded
// fails startup; later write-backs only log.
func (m *Manager) PreRun(_ context.Context) error {
	m.l = logger.GetLogger(m.Name())
	if err := os.MkdirAll(filepath.Dir(m.dbPath), 0o700); err != nil {
		return errors.Wrap(err, "create database dir")
	}
	db, err := database.Open(m.dbPath)
	if err != nil {
		return err
	}
	m.db = db

	m.registry = client.NewRegistry()
	if m.clientsFile != "" {
		cfg, err := remote.LoadConfig(m.clientsFile)
		if err != nil {
			return err
		}
		if err := remote.Register(m.registry, cfg); err != nil {
			return err
		}
	} else {
		for i := 1; i <= m.mockClients; i++ {
			if err := m.registry.Register(mock.New(i, "simulator", m.clock)); err != nil {
				return err
			}
		}
	}

	m.b = bus.NewBus()
	m.chans = channels.NewManager(m.b)
	m.guide = epg.NewContainer(m.b, m.clock)
	gridOpts := epg.GridOptions{
		Clock:         m.clock,
		BlockDuration: m.epgBlock,
		PastWindow:    m.epgPast,
		FutureWindow:  m.epgFuture,
	}
	if m.grid, err = epg.NewGrid(m.guide, gridOpts); err != nil {
		return err
	}
	m.timers = timers.NewManager(m.b, timers.Options{
		Clock:        m.clock,
		Router:       m.registry,
		ReminderLead: m.reminderLead,
	})
	m.updater = epg.NewUpdater(m.guide, m.grid, m.clock, m.epgTargets, m.fetchEPG, m.db.SaveEPGForChannel)

	// A guide change must drop the channel's cached grid row.
	err = m.b.Subscribe(epg.TopicEPGUpdated, bus.ListenerFunc(func(_ context.Context, msg bus.Message) bus.Message {
		if channelID, ok := msg.Data().(int); ok {
			m.grid.Invalidate(channelID)
		}
		return msg
	}))
	if err != nil {
		return errors.Wrap(err, "subscribe guide updates")
	}

	if err := m.load(); err != nil {
		return err
	}
	m.jobs = jobs.NewRunner(m.clock)
	return nil
}

// load restores the persisted state.
func (m *Manager) load() error {
	chans, err := m.db.LoadChannels()
	if err != nil {
		return err
	}
	groups, err := m.db.LoadGroups()
	if err != nil {
		return err
	}
	m.chans.Restore(chans, groups)
	tags, err := m.db.LoadEPG()
	if err != nil {
		return err
	}
	m.guide.Restore(tags)
	ts, err := m.db.LoadTimers()
	if err != nil {
		return err
	}
	m.timers.Restore(ts)
	m.l.Info().Int("channels", len(chans)).Int("groups", len(groups)).
		Int("tags", len(tags)).Int("timers", len(ts)).Msg("restored state")
	return nil
}

// Serve implements run.Service. The sync jobs also run once up front
// so a fresh start has data before the first tick.
func (m *Manager) Serve() run.StopNotify {
	register := func(name string, interval time.Duration, action jobs.Action) {
		if err := m.jobs.Register(name, interval, action); err != nil {
			m.l.Error().Err(err).Str("job", name).Msg("cannot register job")
		}
	}
	register("channel-sync", m.channelSync, m.syncChannels)
	register("epg-refresh", m.epgRefresh, m.refreshGuide)
	register("timer-sync", m.timerSync, m.syncTimers)
	register("reminders", 30*time.Second, func(_ context.Context, now time.Time) error {
		m.timers.CheckReminders(now)
		return nil
	})
	register("persist", m.persistInterval, func(ctx context.Context, _ time.Time) error {
		return m.persist()
	})

	// The guide refresh writes through the database, so the startup
	// sync is tracked by the closer and GracefulStop waits for it
	// before the final persist and the database close.
	if m.closer.AddReceiver() {
		go func() {
			defer m.closer.ReceiverDone()
			ctx := context.Background()
			steps := []struct {
				fn   jobs.Action
				name string
			}{
				{m.syncChannels, "channel sync"},
				{m.refreshGuide, "guide refresh"},
				{m.syncTimers, "timer sync"},
			}
			for _, s := range steps {
				select {
				case <-m.closer.CloseNotify():
					return
				default:
				}
				if err := s.fn(ctx, m.clock.Now()); err != nil {
					m.l.Warn().Err(err).Str("step", s.name).Msg("initial sync step failed")
				}
			}
		}()
	}
	m.l.Info().Int("clients", m.registry.Len()).Msg("pvr engine is ready")
	return m.closer.CloseNotify()
}

// GracefulStop implements run.Service.
func (m *Manager) GracefulStop() {
	m.jobs.Close()
	m.closer.CloseThenWait()
	if err := m.persist(); err != nil {
		m.l.Error().Err(err).Msg("final persist failed")
	}
	if err := m.db.Close(); err != nil {
		m.l.Error().Err(err).Msg("database close failed")
	}
}

// Channels exposes the channel table.
func (m *Manager) Channels() *channels.Manager { return m.chans }

// Guide exposes the programme guide.
func (m *Manager) Guide() *epg.Container { return m.guide }

// Grid exposes the guide grid.
func (m *Manager) Grid() *epg.Grid { return m.grid }

// Timers exposes the timer table.
func (m *Manager) Timers() *timers.Manager { return m.timers }

// Jobs exposes the job runner.
func (m *Manager) Jobs() *jobs.Runner { return m.jobs }

// Clients exposes the backend registry.
func (m *Manager) Clients() *client.Registry { return m.registry }

// SyncNow runs the channel, guide and timer syncs immediately instead
// of waiting for their jobs.
func (m *Manager) SyncNow(ctx context.Context) error {
	if err := m.syncChannels(ctx, m.clock.Now()); err != nil {
		return err
	}
	if err := m.refreshGuide(ctx, m.clock.Now()); err != nil {
		return err
	}
	return m.syncTimers(ctx, m.clock.Now())
}

// RefreshGuide pulls the guide outside the schedule, for the API.
func (m *Manager) RefreshGuide(ctx context.Context) (int, error) {
	n, err := m.updater.Refresh(ctx)
	if err != nil {
		return n, err
	}
	m.spawnRuleChildren(ctx)
	return n, nil
}

func (m *Manager) epgTargets() []epg.Target {
	var out []epg.Target
	for _, c := range m.chans.AllChannels() {
		if !c.EPGEnabled || c.Hidden {
			continue
		}
		out = append(out, epg.Target{
			ChannelID: c.ID,
			ClientID:  c.ClientID,
			UniqueID:  c.UniqueID,
		})
	}
	return out
}

func (m *Manager) fetchEPG(ctx context.Context, target epg.Target, tr timestamp.TimeRange) ([]epg.Tag, error) {
	c, err := m.registry.Get(target.ClientID)
	if err != nil {
		return nil, err
	}
	return c.GetEPGForChannel(ctx, target.UniqueID, tr)
}

// syncChannels pulls the lineup and groups from every backend. A
// backend failure is logged and skipped.
func (m *Manager) syncChannels(ctx context.Context, _ time.Time) error {
	for _, c := range m.registry.All() {
		lineup, err := c.GetChannels(ctx)
		if err != nil {
			m.l.Warn().Err(err).Int("client", c.ID()).Msg("channel pull failed")
			continue
		}
		m.chans.UpdateChannels(c.ID(), lineup)
		defs, err := c.GetChannelGroups(ctx)
		if err != nil {
			m.l.Warn().Err(err).Int("client", c.ID()).Msg("group pull failed")
			continue
		}
		m.applyGroupDefs(c.ID(), defs)
	}
	return nil
}

// applyGroupDefs maps backend groups onto the container: groups are
// created on first sight and missing members are added. Members the
// backend no longer lists are left alone, the user may have added them.
func (m *Manager) applyGroupDefs(clientID int, defs []client.GroupDef) {
	byUnique := make(map[int]int)
	for _, c := range m.chans.AllChannels() {
		if c.ClientID == clientID {
			byUnique[c.UniqueID] = c.ID
		}
	}
	for _, def := range defs {
		g, ok := m.chans.GroupByName(def.Name, def.Radio)
		if !ok {
			created, err := m.chans.CreateGroup(def.Name, def.Radio)
			if err != nil {
				m.l.Warn().Err(err).Str("group", def.Name).Msg("create group failed")
				continue
			}
			g = created
		}
		for _, uid := range def.Members {
			channelID, ok := byUnique[uid]
			if !ok {
				continue
			}
			if err := m.chans.AddMember(g.ID, channelID); err != nil &&
				!errors.Is(err, channels.ErrChannelNotFound) {
				m.l.Debug().Err(err).Str("group", def.Name).Int("channel", channelID).
					Msg("add member skipped")
			}
		}
	}
}

func (m *Manager) refreshGuide(ctx context.Context, _ time.Time) error {
	m.grid.Advance(m.clock.Now())
	if _, err := m.updater.Refresh(ctx); err != nil {
		return err
	}
	m.spawnRuleChildren(ctx)
	return nil
}

// spawnRuleChildren materializes child timers for every repeating rule
// from the freshly merged guide.
func (m *Manager) spawnRuleChildren(ctx context.Context) {
	for _, t := range m.timers.Timers() {
		if t.Kind != timers.KindRule || !t.Active() {
			continue
		}
		window := m.grid.Window()
		var occ []timers.Occurrence
		for _, tag := range m.guide.TagsBetween(t.ChannelID, window) {
			if tag.Start.Before(m.clock.Now()) {
				continue
			}
			occ = append(occ, timers.Occurrence{
				BroadcastID: tag.BroadcastID,
				Start:       tag.Start,
				End:         tag.End,
				Title:       tag.Title,
			})
		}
		if len(occ) == 0 {
			continue
		}
		if _, err := m.timers.SpawnChildren(ctx, t.ID, occ); err != nil {
			m.l.Warn().Err(err).Int("rule", t.ID).Msg("spawn children failed")
		}
	}
}

func (m *Manager) syncTimers(ctx context.Context, _ time.Time) error {
	for _, c := range m.registry.All() {
		snapshot, err := c.GetTimers(ctx)
		if err != nil {
			m.l.Warn().Err(err).Int("client", c.ID()).Msg("timer pull failed")
			continue
		}
		m.timers.UpdateEntries(c.ID(), snapshot)
	}
	return nil
}

// persist snapshots the full state into the database.
func (m *Manager) persist() error {
	if err := m.db.SaveChannels(m.chans.AllChannels()); err != nil {
		return err
	}
	groups := append(m.chans.Groups(false), m.chans.Groups(true)...)
	if err := m.db.SaveGroups(groups); err != nil {
		return err
	}
	if err := m.db.SaveTimers(m.timers.Snapshot()); err != nil {
		return err
	}
	return m.db.SaveEPG(m.guide.Snapshot())
}

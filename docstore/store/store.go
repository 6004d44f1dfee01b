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

// Package store assembles the document store runtime: engine, catalog,
// lock manager, operation registry, session and cursor tables and the
// query runners, plus the reaper jobs that keep the tables trim.
package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/oakleaf-io/oakleaf/docstore/catalog"
	"github.com/oakleaf-io/oakleaf/docstore/cursor"
	"github.com/oakleaf-io/oakleaf/docstore/engine"
	"github.com/oakleaf-io/oakleaf/docstore/lock"
	"github.com/oakleaf-io/oakleaf/docstore/operation"
	"github.com/oakleaf-io/oakleaf/docstore/pipeline"
	"github.com/oakleaf-io/oakleaf/docstore/query"
	"github.com/oakleaf-io/oakleaf/docstore/session"
	"github.com/oakleaf-io/oakleaf/docstore/status"
	"github.com/oakleaf-io/oakleaf/docstore/wire"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/run"
	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
)

var (
	_ run.Config  = (*Store)(nil)
	_ run.Service = (*Store)(nil)

	errEmptyRootPath = errors.New("store: root path is empty")
)

// Store is the run unit owning the storage stack. It fills the wire
// server's Deps at PreRun; register it ahead of the server.
type Store struct {
	l      *logger.Logger
	deps   *wire.Deps
	sched  *timestamp.Scheduler
	stopCh chan struct{}

	root               string
	flushInterval      time.Duration
	checkpointInterval time.Duration
	historyWindow      time.Duration
	deadlockTimeout    time.Duration
	sessionTimeout     time.Duration
	cursorTimeout      time.Duration
	readTickets        int64
	writeTickets       int64
	batchMaxBytes      run.Bytes
	sortMaxBytes       run.Bytes
	aggMemoryMaxBytes  run.Bytes
}

// New builds the storage unit around the shared Deps the wire server
// reads at its own PreRun.
func New(deps *wire.Deps) *Store {
	return &Store{
		deps:   deps,
		stopCh: make(chan struct{}),
	}
}

// FlagSet implements run.Config.
func (s *Store) FlagSet() *run.FlagSet {
	fs := run.NewFlagSet("store")
	fs.StringVar(&s.root, "store-root", "/tmp/oakleaf-docstore", "the root path of the document store")
	fs.DurationVar(&s.flushInterval, "store-flush-interval", 100*time.Millisecond, "interval between journal flushes")
	fs.DurationVar(&s.checkpointInterval, "store-checkpoint-interval", time.Minute, "interval between durable checkpoints")
	fs.Var(timestamp.NewDurationFlag(&s.historyWindow, 15*time.Minute), "store-history-window", "how long committed history stays readable; accepts day and week units")
	fs.Int64Var(&s.readTickets, "lock-read-tickets", 128, "concurrent read admissions")
	fs.Int64Var(&s.writeTickets, "lock-write-tickets", 128, "concurrent write admissions")
	fs.DurationVar(&s.deadlockTimeout, "lock-deadlock-timeout", 500*time.Millisecond, "wait before a blocked lock request searches for a deadlock")
	fs.DurationVar(&s.sessionTimeout, "session-timeout", session.DefaultTimeout, "idle time before a session is reaped")
	fs.DurationVar(&s.cursorTimeout, "cursor-timeout", cursor.DefaultTimeout, "idle time before a cursor is reaped")
	s.batchMaxBytes = run.Bytes(query.DefaultBatchMaxBytes)
	fs.Var(&s.batchMaxBytes, "find-batch-max-bytes", "max BSON bytes of one reply batch")
	s.sortMaxBytes = run.Bytes(query.DefaultSortMaxBytes)
	fs.Var(&s.sortMaxBytes, "sort-max-bytes", "max memory of a blocking sort")
	s.aggMemoryMaxBytes = run.Bytes(pipeline.DefaultMemoryMaxBytes)
	fs.Var(&s.aggMemoryMaxBytes, "agg-memory-max-bytes", "max memory of a blocking aggregation stage")
	return fs
}

// Validate implements run.Config.
func (s *Store) Validate() error {
	if s.root == "" {
		return errEmptyRootPath
	}
	return nil
}

// Name implements run.Unit.
func (s *Store) Name() string {
	return "store"
}

// PreRun implements run.PreRunner.
func (s *Store) PreRun(_ context.Context) error {
	s.l = logger.GetLogger(s.Name())
	dataDir := filepath.Join(s.root, "data")
	textDir := filepath.Join(s.root, "text")
	for _, dir := range []string{dataDir, textDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}
	engOpts := engine.DefaultOptions(dataDir)
	engOpts.FlushInterval = s.flushInterval
	engOpts.CheckpointInterval = s.checkpointInterval
	engOpts.HistoryWindow = s.historyWindow
	eng, err := engine.Open(engOpts)
	if err != nil {
		return err
	}
	cat, err := catalog.Open(eng, catalog.Options{TextRoot: textDir})
	if err != nil {
		_ = eng.Close()
		return err
	}
	locks := lock.NewManager(lock.Options{
		DeadlockTimeout: s.deadlockTimeout,
		ReadTickets:     s.readTickets,
		WriteTickets:    s.writeTickets,
	})
	cursors := cursor.NewManager(eng, cursor.Options{Timeout: s.cursorTimeout})
	s.deps.Engine = eng
	s.deps.Catalog = cat
	s.deps.Locks = locks
	s.deps.Ops = operation.NewRegistry(eng, locks)
	s.deps.Sessions = session.NewCatalog(session.Options{Timeout: s.sessionTimeout})
	s.deps.Cursors = cursors
	s.deps.Queries = query.NewRunner(cat, cursors, query.Options{
		BatchMaxBytes: int(s.batchMaxBytes),
		SortMaxBytes:  int(s.sortMaxBytes),
	})
	s.deps.Pipelines = pipeline.NewRunner(cat, cursors, pipeline.Options{
		BatchMaxBytes:  int(s.batchMaxBytes),
		MemoryMaxBytes: int(s.aggMemoryMaxBytes),
	})
	s.sched = timestamp.NewScheduler(s.l, timestamp.NewClock())
	return nil
}

// Serve implements run.Service. The reapers run on the shared scheduler
// so a mock clock can drive them in tests.
func (s *Store) Serve() run.StopNotify {
	err := s.sched.Register("session-reap", cron.Descriptor, "@every 1m", func(_ time.Time, l *logger.Logger) bool {
		if n := s.deps.Sessions.Reap(); n > 0 {
			l.Info().Int("sessions", n).Msg("reaped idle sessions")
		}
		return true
	})
	if err != nil {
		s.l.Error().Err(err).Msg("cannot register session reaper")
	}
	err = s.sched.Register("cursor-reap", cron.Descriptor, "@every 1m", func(_ time.Time, _ *logger.Logger) bool {
		s.deps.Cursors.Reap()
		return true
	})
	if err != nil {
		s.l.Error().Err(err).Msg("cannot register cursor reaper")
	}
	s.l.Info().Str("root", s.root).Msg("document store is ready")
	return s.stopCh
}

// GracefulStop implements run.Service.
func (s *Store) GracefulStop() {
	s.sched.Close()
	s.deps.Ops.KillAll(status.ShutdownInProgress)
	s.deps.Cursors.CloseAll()
	if err := s.deps.Catalog.Close(); err != nil {
		s.l.Error().Err(err).Msg("catalog close")
	}
	if err := s.deps.Engine.Close(); err != nil {
		s.l.Error().Err(err).Msg("engine close")
	}
	close(s.stopCh)
}

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

package engine

import (
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

// checkpointLoop persists the stable timestamp on every tick and releases
// history the retention window no longer covers.
func (e *Engine) checkpointLoop() {
	defer e.closer.Done()
	ticker := time.NewTicker(e.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.checkpoint(); err != nil {
				e.l.Error().Err(err).Msg("checkpoint failed")
			}
		case <-e.closer.CloseNotify():
			return
		}
	}
}

// checkpoint records the stable timestamp in the metadata keyspace, syncs,
// then advances the retention floor and applies queued keyspace drops.
// A quiescent engine, where nothing committed since the last checkpoint's
// own record, skips the write so the timestamp does not creep on idle.
func (e *Engine) checkpoint() error {
	stable := e.oracle.ReadTs()
	e.flushMu.Lock()
	quiescent := stable == e.lastCheckpointCommit
	e.flushMu.Unlock()
	if !quiescent && stable > 0 {
		committedAt, err := e.putCheckpoint(stable)
		if err != nil {
			return errors.Wrap(err, "failed to persist checkpoint timestamp")
		}
		if err := e.flush(); err != nil {
			return err
		}
		e.flushMu.Lock()
		e.checkpointTs = stable
		e.lastCheckpointCommit = committedAt
		e.flushMu.Unlock()
		e.l.Debug().Uint64("checkpointTs", stable).Msg("checkpoint")
	}
	now := time.Now()
	e.flushMu.Lock()
	e.samples = append(e.samples, tsSample{at: now, ts: stable})
	oldest := e.oldestLocked(now)
	advanced := oldest > e.discardTs
	if advanced {
		e.discardTs = oldest
	}
	e.flushMu.Unlock()
	if advanced {
		e.db.SetDiscardTs(oldest)
	}
	if err := e.drainDropQueue(); err != nil {
		e.l.Warn().Err(err).Msg("keyspace drops deferred")
	}
	if !e.opts.InMemory {
		if err := e.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			e.l.Warn().Err(err).Msg("value log gc failed")
		}
	}
	return nil
}

// putCheckpoint commits the stable timestamp under the checkpoint metadata
// key and returns the timestamp of that commit.
func (e *Engine) putCheckpoint(stable uint64) (uint64, error) {
	ru := e.BeginWrite()
	defer ru.Abort()
	if err := ru.Set(metaCheckpointKey(), encodeTs(stable)); err != nil {
		return 0, err
	}
	return ru.Commit()
}

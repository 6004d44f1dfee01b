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
	"context"
	"time"

	"github.com/pkg/errors"
)

// flushLoop syncs the journal on every tick so commits become durable
// shortly after they land, then once more on shutdown.
func (e *Engine) flushLoop() {
	defer e.closer.Done()
	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.flush(); err != nil {
				e.l.Error().Err(err).Msg("journal flush failed")
			}
		case <-e.closer.CloseNotify():
			if err := e.flush(); err != nil {
				e.l.Error().Err(err).Msg("final journal flush failed")
			}
			return
		}
	}
}

// flush makes everything committed at the current stable timestamp durable
// and wakes WaitUntilDurable callers.
func (e *Engine) flush() error {
	target := e.oracle.ReadTs()
	e.flushMu.Lock()
	caughtUp := e.durableTs >= target
	e.flushMu.Unlock()
	if caughtUp {
		return nil
	}
	if err := e.db.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync journal")
	}
	e.flushMu.Lock()
	if target > e.durableTs {
		e.durableTs = target
	}
	notify := e.flushNotify
	e.flushNotify = make(chan struct{})
	e.flushMu.Unlock()
	close(notify)
	return nil
}

// DurableTimestamp returns the highest timestamp known to be flushed.
func (e *Engine) DurableTimestamp() uint64 {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	return e.durableTs
}

// WaitUntilDurable blocks until everything committed at or before ts is
// flushed to disk, the context ends, or the engine shuts down.
func (e *Engine) WaitUntilDurable(ctx context.Context, ts uint64) error {
	for {
		e.flushMu.Lock()
		if e.durableTs >= ts {
			e.flushMu.Unlock()
			return nil
		}
		notify := e.flushNotify
		e.flushMu.Unlock()
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		case <-e.closer.CloseNotify():
			return ErrShutdown
		}
	}
}

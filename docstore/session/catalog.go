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

// Package session tracks logical sessions. A session is checked out by at
// most one operation at a time; contending operations queue FIFO. Killing
// a session interrupts its holder and hands a token to the killer so it can
// scrub the session state ahead of normal waiters.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oakleaf-io/oakleaf/docstore/operation"
	"github.com/oakleaf-io/oakleaf/docstore/status"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
)

// DefaultTimeout is how long an idle session survives before the reaper
// removes it.
const DefaultTimeout = 30 * time.Minute

// Options tunes a Catalog.
type Options struct {
	Logger  *logger.Logger
	Clock   timestamp.Clock
	Timeout time.Duration
}

// Catalog is the in-memory session table.
type Catalog struct {
	l         *logger.Logger
	clock     timestamp.Clock
	timeout   time.Duration
	mu        sync.Mutex
	sessions  map[uuid.UUID]*record
	nextToken atomic.Uint64
}

type record struct {
	id            uuid.UUID
	holder        *operation.Op
	waiters       []*waiter
	lastUse       time.Time
	killCode      status.Code
	killToken     uint64
	checkedOut    bool
	holderForKill bool
	killed        bool
	endPending    bool
}

type waiter struct {
	op      *operation.Op
	ch      chan error
	token   uint64
	forKill bool
}

// KillToken authorizes one CheckOutForKill of the killed session.
type KillToken struct {
	ID    uuid.UUID
	token uint64
}

// NewCatalog builds a Catalog from options.
func NewCatalog(opts Options) *Catalog {
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger("session")
	}
	if opts.Clock == nil {
		opts.Clock = timestamp.NewClock()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Catalog{
		l:        opts.Logger,
		clock:    opts.Clock,
		timeout:  opts.Timeout,
		sessions: make(map[uuid.UUID]*record),
	}
}

// CheckOut pins the session to the operation, creating it on first use.
// When another operation holds it, the caller queues FIFO until the holder
// checks in; the wait is interruptible. Checkouts of a killed session fail
// with SessionKilled.
func (c *Catalog) CheckOut(op *operation.Op, id uuid.UUID) error {
	c.mu.Lock()
	rec, ok := c.sessions[id]
	if !ok {
		rec = &record{id: id, lastUse: c.clock.Now()}
		c.sessions[id] = rec
	}
	if rec.holder == op {
		c.mu.Unlock()
		return status.Errf(status.SessionAlreadyCheckedOut, "session %s is already checked out by this operation", id)
	}
	if rec.killed {
		c.mu.Unlock()
		return status.Errf(status.SessionKilled, "session %s has been killed", id)
	}
	if !rec.checkedOut {
		c.grantLocked(rec, op, false)
		c.mu.Unlock()
		op.SetSessionID(id.String())
		return nil
	}
	w := &waiter{op: op, ch: make(chan error, 1)}
	rec.waiters = append(rec.waiters, w)
	c.mu.Unlock()
	return c.wait(op, rec, w)
}

// CheckOutForKill pins the killed session to the killer's operation. It
// bypasses the FIFO queue so session state gets scrubbed before normal
// waiters run, and it is the only checkout a killed session admits.
func (c *Catalog) CheckOutForKill(op *operation.Op, tok KillToken) error {
	c.mu.Lock()
	rec, ok := c.sessions[tok.ID]
	if !ok {
		c.mu.Unlock()
		return status.Errf(status.NoSuchSession, "session %s not found", tok.ID)
	}
	if !rec.killed || rec.killToken != tok.token {
		c.mu.Unlock()
		return status.Errf(status.NoSuchSession, "kill token for session %s is stale", tok.ID)
	}
	if rec.holder == op {
		c.mu.Unlock()
		return status.Errf(status.SessionAlreadyCheckedOut, "session %s is already checked out by this operation", tok.ID)
	}
	if !rec.checkedOut {
		c.grantLocked(rec, op, true)
		c.mu.Unlock()
		op.SetSessionID(tok.ID.String())
		return nil
	}
	w := &waiter{op: op, ch: make(chan error, 1), forKill: true, token: tok.token}
	rec.waiters = append([]*waiter{w}, rec.waiters...)
	c.mu.Unlock()
	return c.wait(op, rec, w)
}

func (c *Catalog) wait(op *operation.Op, rec *record, w *waiter) error {
	select {
	case err := <-w.ch:
		if err != nil {
			return err
		}
		op.SetSessionID(rec.id.String())
		return nil
	case <-op.Context().Done():
		c.mu.Lock()
		if removeWaiter(rec, w) {
			c.mu.Unlock()
			return status.Errf(status.Interrupted, "interrupted while waiting for session %s", rec.id)
		}
		// Granted concurrently with the interruption; give the grant back.
		c.releaseLocked(rec, op)
		c.mu.Unlock()
		<-w.ch
		return status.Errf(status.Interrupted, "interrupted while waiting for session %s", rec.id)
	}
}

func removeWaiter(rec *record, w *waiter) bool {
	for i, queued := range rec.waiters {
		if queued == w {
			rec.waiters = append(rec.waiters[:i], rec.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// grantLocked hands the session to op.
func (c *Catalog) grantLocked(rec *record, op *operation.Op, forKill bool) {
	rec.checkedOut = true
	rec.holder = op
	rec.holderForKill = forKill
	rec.lastUse = c.clock.Now()
}

// releaseLocked restores the record to its pre-checkout state and hands the
// session to the next eligible waiter.
func (c *Catalog) releaseLocked(rec *record, op *operation.Op) {
	if rec.holder != op {
		return
	}
	if rec.holderForKill {
		// Completing the kill clears the killed mark.
		rec.killed = false
		rec.killCode = status.OK
		rec.killToken = 0
	}
	rec.checkedOut = false
	rec.holder = nil
	rec.holderForKill = false
	rec.lastUse = c.clock.Now()
	for len(rec.waiters) > 0 {
		w := rec.waiters[0]
		rec.waiters = rec.waiters[1:]
		if rec.killed && !w.forKill {
			w.ch <- status.Errf(status.SessionKilled, "session %s has been killed", rec.id)
			continue
		}
		if w.forKill && (!rec.killed || w.token != rec.killToken) {
			w.ch <- status.Errf(status.NoSuchSession, "kill token for session %s is stale", rec.id)
			continue
		}
		c.grantLocked(rec, w.op, w.forKill)
		w.ch <- nil
		return
	}
	if rec.endPending {
		delete(c.sessions, rec.id)
	}
}

// CheckIn returns the session. The catalog ends up exactly as before the
// matching checkout, and the next queued waiter takes over.
func (c *Catalog) CheckIn(op *operation.Op, id uuid.UUID) error {
	c.mu.Lock()
	rec, ok := c.sessions[id]
	if !ok || rec.holder != op {
		c.mu.Unlock()
		return status.Errf(status.NoSuchSession, "session %s is not checked out by this operation", id)
	}
	c.releaseLocked(rec, op)
	c.mu.Unlock()
	op.SetSessionID("")
	return nil
}

// Kill marks the session killed, interrupts its current holder and returns
// a token the killer uses to check the session out ahead of the queue.
func (c *Catalog) Kill(id uuid.UUID, code status.Code) (KillToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.sessions[id]
	if !ok {
		return KillToken{}, status.Errf(status.NoSuchSession, "session %s not found", id)
	}
	rec.killed = true
	rec.killCode = code
	rec.killToken = c.nextToken.Add(1)
	if rec.checkedOut && rec.holder != nil && !rec.holderForKill {
		rec.holder.Kill(code)
	}
	// Queued normal checkouts observe the kill instead of inheriting the
	// session.
	kept := rec.waiters[:0]
	for _, w := range rec.waiters {
		if w.forKill {
			kept = append(kept, w)
			continue
		}
		w.ch <- status.Errf(status.SessionKilled, "session %s has been killed", id)
	}
	rec.waiters = kept
	c.l.Info().Str("session", id.String()).Stringer("code", code).Msg("session killed")
	return KillToken{ID: id, token: rec.killToken}, nil
}

// End removes the session. A checked-out session is removed when its holder
// checks in instead.
func (c *Catalog) End(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.sessions[id]
	if !ok {
		return
	}
	if rec.checkedOut || len(rec.waiters) > 0 {
		rec.endPending = true
		return
	}
	delete(c.sessions, id)
}

// Reap removes sessions idle past the timeout and returns how many went.
func (c *Catalog) Reap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cut := c.clock.Now().Add(-c.timeout)
	reaped := 0
	for id, rec := range c.sessions {
		if rec.checkedOut || len(rec.waiters) > 0 {
			continue
		}
		if rec.lastUse.After(cut) {
			continue
		}
		delete(c.sessions, id)
		reaped++
	}
	if reaped > 0 {
		c.l.Info().Int("sessions", reaped).Msg("reaped idle sessions")
	}
	return reaped
}

// Snapshot reports catalog counters for status reporting.
type Snapshot struct {
	Total      int
	CheckedOut int
	Killed     int
}

// Stats returns a snapshot of the catalog.
func (c *Catalog) Stats() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{Total: len(c.sessions)}
	for _, rec := range c.sessions {
		if rec.checkedOut {
			s.CheckedOut++
		}
		if rec.killed {
			s.Killed++
		}
	}
	return s
}

// Has reports whether the session exists, for tests and diagnostics.
func (c *Catalog) Has(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[id]
	return ok
}

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

package lock

import (
	"context"
	"time"

	"github.com/oakleaf-io/oakleaf/docstore/status"
)

type ticketKind uint8

const (
	ticketNone ticketKind = iota
	ticketRead
	ticketWrite
)

// Locker holds one operation's locks. While a write unit of work is open,
// releases are deferred and performed exactly once when the unit commits or
// aborts, giving two-phase locking. A Locker must only be used from the
// operation's own goroutine.
type Locker struct {
	mgr      *Manager
	held     map[ResourceID]Mode
	order    []ResourceID
	deferred map[ResourceID]struct{}
	wuow     int
	ticket   ticketKind
}

// Acquire takes the resource in the given mode, waiting behind conflicting
// holders. The first Global acquisition also takes an admission ticket,
// read for intent-shared and write for intent-exclusive requests. A wait
// that forms a cycle fails with DeadlockDetected and the initiating waiter
// is the victim. Context cancellation interrupts the wait.
func (l *Locker) Acquire(ctx context.Context, res ResourceID, mode Mode) error {
	m := l.mgr
	m.acquires[mode].Add(1)
	if held, ok := l.held[res]; ok && Covers(held, mode) {
		delete(l.deferred, res)
		return nil
	}

	freshTicket := ticketNone
	if res.Type == ResourceGlobal && l.ticket == ticketNone {
		freshTicket = ticketRead
		if mode == ModeIX || mode == ModeX {
			freshTicket = ticketWrite
		}
		if err := l.acquireTicket(ctx, freshTicket); err != nil {
			return err
		}
		l.ticket = freshTicket
	}

	p := m.partition(res)
	p.mu.Lock()
	h := p.head(res)
	heldMode, convert := l.held[res]
	if convert {
		mode = Combine(heldMode, mode)
	}
	exclude := (*Locker)(nil)
	if convert {
		exclude = l
	}
	// Fast path: no conflict and, for fresh requests, nobody already queued.
	if h.compatibleWithGranted(mode, exclude) && (convert || len(h.queue) == 0) {
		h.granted[l] = mode
		p.mu.Unlock()
		l.noteHeld(res, mode, convert)
		return nil
	}
	w := &waiter{locker: l, mode: mode, convert: convert, grantCh: make(chan struct{})}
	if convert {
		// Upgrades queue ahead of fresh requests; the holder cannot retreat.
		h.queue = append([]*waiter{w}, h.queue...)
	} else {
		h.queue = append(h.queue, w)
	}
	p.mu.Unlock()

	m.registerWaiting(l, res, mode)
	defer m.unregisterWaiting(l)
	start := time.Now()
	timer := time.NewTimer(m.deadlockTimeout)
	defer timer.Stop()
	for {
		select {
		case <-w.grantCh:
			l.noteHeld(res, mode, convert)
			m.recordWait(mode, time.Since(start))
			return nil
		case <-ctx.Done():
			if m.cancelWait(res, w) {
				l.dropTicketUnlessGlobalHeld(freshTicket)
				return interruptErr(ctx, res)
			}
			// Granted concurrently with the cancellation; record the hold so
			// the operation's release path cleans it up.
			l.noteHeld(res, mode, convert)
			return interruptErr(ctx, res)
		case <-timer.C:
			if m.wouldDeadlock(l) {
				if m.cancelWait(res, w) {
					m.deadlocks.Add(1)
					m.l.Warn().Stringer("resource", res).Stringer("mode", mode).Msg("deadlock detected, aborting waiter")
					l.dropTicketUnlessGlobalHeld(freshTicket)
					return status.Errf(status.DeadlockDetected, "deadlock while waiting for %s in mode %s", res, mode)
				}
				l.noteHeld(res, mode, convert)
				m.recordWait(mode, time.Since(start))
				return nil
			}
			timer.Reset(m.deadlockTimeout)
		}
	}
}

func (l *Locker) acquireTicket(ctx context.Context, kind ticketKind) error {
	var err error
	if kind == ticketWrite {
		err = l.mgr.AcquireWriteTicket(ctx)
	} else {
		err = l.mgr.AcquireReadTicket(ctx)
	}
	if err == nil {
		return nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return status.Err(status.ExceededTimeLimit, "timed out waiting for an admission ticket")
	}
	return status.Err(status.Interrupted, "interrupted while waiting for an admission ticket")
}

// dropTicketUnlessGlobalHeld returns the ticket taken by a failed Global
// acquisition. Failed waits below Global keep the ticket because the Global
// lock is still held.
func (l *Locker) dropTicketUnlessGlobalHeld(fresh ticketKind) {
	if fresh == ticketNone {
		return
	}
	if _, ok := l.held[GlobalResource()]; ok {
		return
	}
	l.releaseTicket()
}

func (l *Locker) releaseTicket() {
	switch l.ticket {
	case ticketRead:
		l.mgr.ReleaseReadTicket()
	case ticketWrite:
		l.mgr.ReleaseWriteTicket()
	}
	l.ticket = ticketNone
}

func interruptErr(ctx context.Context, res ResourceID) error {
	if ctx.Err() == context.DeadlineExceeded {
		return status.Errf(status.ExceededTimeLimit, "timed out waiting for lock on %s", res)
	}
	return status.Errf(status.Interrupted, "interrupted while waiting for lock on %s", res)
}

func (l *Locker) noteHeld(res ResourceID, mode Mode, convert bool) {
	l.held[res] = mode
	// A fresh grant supersedes any release deferred earlier in the unit.
	delete(l.deferred, res)
	if !convert {
		l.order = append(l.order, res)
	}
}

// BeginWUOW opens a write unit of work. Units nest; releases stay deferred
// until the outermost one ends.
func (l *Locker) BeginWUOW() {
	if l.wuow == 0 && l.deferred == nil {
		l.deferred = make(map[ResourceID]struct{})
	}
	l.wuow++
}

// WUOWCommit closes one unit level. Closing the outermost level performs
// every deferred release exactly once.
func (l *Locker) WUOWCommit() {
	l.endWUOW()
}

// WUOWAbort closes one unit level on the failure path. Lock releases behave
// exactly as on commit; undoing data is the recovery unit's concern.
func (l *Locker) WUOWAbort() {
	l.endWUOW()
}

func (l *Locker) endWUOW() {
	if l.wuow == 0 {
		return
	}
	l.wuow--
	if l.wuow > 0 {
		return
	}
	for res := range l.deferred {
		delete(l.deferred, res)
		l.performRelease(res)
	}
}

// InWUOW reports whether a write unit of work is open.
func (l *Locker) InWUOW() bool {
	return l.wuow > 0
}

// Release gives up the resource and wakes whatever its departure unblocks.
// Inside a write unit of work the release is deferred to the unit's end.
// Releasing an unheld resource is a no-op.
func (l *Locker) Release(res ResourceID) {
	if _, ok := l.held[res]; !ok {
		return
	}
	if l.wuow > 0 {
		l.deferred[res] = struct{}{}
		return
	}
	l.performRelease(res)
}

func (l *Locker) performRelease(res ResourceID) {
	if _, ok := l.held[res]; !ok {
		return
	}
	delete(l.held, res)
	for i := len(l.order) - 1; i >= 0; i-- {
		if l.order[i] == res {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	p := l.mgr.partition(res)
	p.mu.Lock()
	h := p.heads[res]
	if h != nil {
		delete(h.granted, l)
		h.grantWaiters()
		if h.empty() {
			delete(p.heads, res)
		}
	}
	p.mu.Unlock()
	if res.Type == ResourceGlobal {
		l.releaseTicket()
	}
}

// ReleaseAll gives up every held resource in reverse acquisition order,
// ignoring any deferral. Operation teardown calls this after the last unit
// of work has closed.
func (l *Locker) ReleaseAll() {
	for i := len(l.order) - 1; i >= 0; i-- {
		l.performRelease(l.order[i])
	}
	l.order = l.order[:0]
	for res := range l.deferred {
		delete(l.deferred, res)
	}
	l.wuow = 0
}

// Held reports the mode currently held on the resource.
func (l *Locker) Held(res ResourceID) (Mode, bool) {
	mode, ok := l.held[res]
	return mode, ok
}

// HoldsAny reports whether the locker holds anything at all.
func (l *Locker) HoldsAny() bool {
	return len(l.held) > 0
}

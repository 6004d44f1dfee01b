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

// Package cursor keeps partially consumed query executors alive between an
// initial read and its continuations. A cursor is pinned by at most one
// operation at a time; while parked it pins the idents it reads so queued
// keyspace drops wait for it.
package cursor

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/docstore/status"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
)

// DefaultTimeout is how long an idle cursor survives before the reaper
// disposes it.
const DefaultTimeout = 10 * time.Minute

// Executor is the parked query machine a cursor resumes. Close must release
// every resource it holds, including a stashed recovery unit, and must be
// safe to call in the detached state.
type Executor interface {
	Close()
}

// IdentPinner defers keyspace drops for idents a parked cursor still reads.
// *engine.Engine implements it.
type IdentPinner interface {
	PinIdent(ident uint64)
	UnpinIdent(ident uint64)
}

// Options tunes a Manager.
type Options struct {
	Logger  *logger.Logger
	Clock   timestamp.Clock
	Timeout time.Duration
}

// Manager is the in-memory client cursor table.
type Manager struct {
	l        *logger.Logger
	pinner   IdentPinner
	clock    timestamp.Clock
	timeout  time.Duration
	mu       sync.Mutex
	cursors  map[int64]*Cursor
	timedOut uint64
	closed   bool
}

// Cursor is one parked query continuation. Its fields are fixed at
// registration; the pin state belongs to the manager.
type Cursor struct {
	id        int64
	ns        string
	sessionID string
	exec      Executor
	idents    []uint64
	lastUse   time.Time
	pinned    bool
	killed    bool
}

// ID returns the cursor id handed to the client.
func (c *Cursor) ID() int64 {
	return c.id
}

// Namespace returns the namespace the cursor was created against.
func (c *Cursor) Namespace() string {
	return c.ns
}

// SessionID returns the logical session the cursor belongs to, or empty.
func (c *Cursor) SessionID() string {
	return c.sessionID
}

// Executor returns the parked executor. Only the pinning operation may use
// it.
func (c *Cursor) Executor() Executor {
	return c.exec
}

// NewManager builds a Manager over the given ident pinner.
func NewManager(pinner IdentPinner, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger("cursor")
	}
	if opts.Clock == nil {
		opts.Clock = timestamp.NewClock()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Manager{
		l:       opts.Logger,
		pinner:  pinner,
		clock:   opts.Clock,
		timeout: opts.Timeout,
		cursors: make(map[int64]*Cursor),
	}
}

// Register parks an executor under a fresh cursor id. The cursor starts
// unpinned with its idents pinned against drops; it stays invisible to
// clients until the id reaches them in the reply.
func (m *Manager) Register(ns, sessionID string, exec Executor, idents []uint64) (*Cursor, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, status.Err(status.ShutdownInProgress, "cursor manager is shutting down")
	}
	id, err := m.newIDLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	cc := &Cursor{
		id:        id,
		ns:        ns,
		sessionID: sessionID,
		exec:      exec,
		idents:    idents,
		lastUse:   m.clock.Now(),
	}
	m.cursors[id] = cc
	for _, ident := range idents {
		m.pinner.PinIdent(ident)
	}
	m.mu.Unlock()
	m.l.Debug().Int64("cursorID", id).Str("ns", ns).Msg("registered cursor")
	return cc, nil
}

// newIDLocked draws a random positive int64 free in the table. Ids come
// from crypto/rand so clients cannot walk other clients' cursors.
func (m *Manager) newIDLocked() (int64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, errors.Wrap(err, "cursor id entropy")
		}
		id := int64(binary.BigEndian.Uint64(buf[:]) &^ (1 << 63))
		if id == 0 {
			continue
		}
		if _, dup := m.cursors[id]; dup {
			continue
		}
		return id, nil
	}
}

// Pin hands the cursor to one continuing operation. The namespace and
// session must match the ones the cursor was created under; a cursor
// already pinned elsewhere fails with CursorInUse.
func (m *Manager) Pin(id int64, ns, sessionID string) (*Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cc, ok := m.cursors[id]
	if !ok {
		return nil, status.Errf(status.CursorNotFound, "cursor id %d not found", id)
	}
	if cc.ns != ns {
		return nil, status.Errf(status.Unauthorized, "cursor id %d was created in namespace %s", id, cc.ns)
	}
	if cc.sessionID != sessionID {
		return nil, status.Errf(status.Unauthorized, "cursor id %d belongs to a different session", id)
	}
	if cc.pinned {
		return nil, status.Errf(status.CursorInUse, "cursor id %d is already in use", id)
	}
	cc.pinned = true
	cc.lastUse = m.clock.Now()
	return cc, nil
}

// Unpin returns a pinned cursor. With dispose, or when a kill arrived while
// the cursor was pinned, the cursor is torn down instead.
func (m *Manager) Unpin(cc *Cursor, dispose bool) {
	m.mu.Lock()
	cc.pinned = false
	cc.lastUse = m.clock.Now()
	if !dispose && !cc.killed {
		m.mu.Unlock()
		return
	}
	delete(m.cursors, cc.id)
	m.mu.Unlock()
	m.finalize(cc)
}

// Kill removes the cursor, subject to the same ownership checks as Pin. A
// cursor pinned by a running operation is marked and dies at unpin.
func (m *Manager) Kill(id int64, sessionID string) error {
	m.mu.Lock()
	cc, ok := m.cursors[id]
	if !ok {
		m.mu.Unlock()
		return status.Errf(status.CursorNotFound, "cursor id %d not found", id)
	}
	if cc.sessionID != sessionID {
		m.mu.Unlock()
		return status.Errf(status.Unauthorized, "cursor id %d belongs to a different session", id)
	}
	if cc.pinned {
		cc.killed = true
		m.mu.Unlock()
		return nil
	}
	delete(m.cursors, id)
	m.mu.Unlock()
	m.finalize(cc)
	m.l.Debug().Int64("cursorID", id).Msg("killed cursor")
	return nil
}

// KillSession disposes every cursor the session owns and returns how
// many went. Cursors pinned by a running operation are marked and die
// at unpin.
func (m *Manager) KillSession(sessionID string) int {
	m.mu.Lock()
	var dead []*Cursor
	n := 0
	for id, cc := range m.cursors {
		if cc.sessionID != sessionID {
			continue
		}
		n++
		if cc.pinned {
			cc.killed = true
			continue
		}
		delete(m.cursors, id)
		dead = append(dead, cc)
	}
	m.mu.Unlock()
	for _, cc := range dead {
		m.finalize(cc)
	}
	if n > 0 {
		m.l.Debug().Str("sessionID", sessionID).Int("cursors", n).Msg("killed session cursors")
	}
	return n
}

// Reap disposes cursors idle past the timeout and returns how many went.
// Pinned cursors never time out.
func (m *Manager) Reap() int {
	cut := m.clock.Now().Add(-m.timeout)
	m.mu.Lock()
	var idle []*Cursor
	for id, cc := range m.cursors {
		if cc.pinned || cc.lastUse.After(cut) {
			continue
		}
		delete(m.cursors, id)
		idle = append(idle, cc)
	}
	m.timedOut += uint64(len(idle))
	m.mu.Unlock()
	for _, cc := range idle {
		m.finalize(cc)
	}
	if len(idle) > 0 {
		m.l.Info().Int("cursors", len(idle)).Msg("reaped idle cursors")
	}
	return len(idle)
}

// CloseAll disposes every cursor, pinned or not. Call it on shutdown after
// the operation registry has drained.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Cursor, 0, len(m.cursors))
	for id, cc := range m.cursors {
		delete(m.cursors, id)
		all = append(all, cc)
	}
	m.mu.Unlock()
	for _, cc := range all {
		m.finalize(cc)
	}
}

// finalize releases a cursor's resources outside the manager lock.
func (m *Manager) finalize(cc *Cursor) {
	if cc.exec != nil {
		cc.exec.Close()
	}
	for _, ident := range cc.idents {
		m.pinner.UnpinIdent(ident)
	}
}

// Snapshot reports manager counters for status reporting.
type Snapshot struct {
	Open     int
	Pinned   int
	TimedOut uint64
}

// Stats returns a snapshot of the manager.
func (m *Manager) Stats() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{Open: len(m.cursors), TimedOut: m.timedOut}
	for _, cc := range m.cursors {
		if cc.pinned {
			s.Pinned++
		}
	}
	return s
}

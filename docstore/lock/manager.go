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
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/oakleaf-io/oakleaf/pkg/logger"
)

const (
	partitionCount = 16

	// waitSampleCap bounds the rolling window of wait-time samples kept
	// for status reporting.
	waitSampleCap = 1024
)

// Options tunes a Manager.
type Options struct {
	Logger          *logger.Logger
	DeadlockTimeout time.Duration
	ReadTickets     int64
	WriteTickets    int64
}

// DefaultOptions returns the options the daemon starts from.
func DefaultOptions() Options {
	return Options{
		DeadlockTimeout: 500 * time.Millisecond,
		ReadTickets:     128,
		WriteTickets:    128,
	}
}

// Manager hands out hierarchical locks. The lock table is partitioned by
// resource hash so unrelated resources never contend on one mutex.
type Manager struct {
	l          *logger.Logger
	partitions [partitionCount]*partition

	// waitMu guards the wait-for registry. When both a partition mutex and
	// waitMu are needed, waitMu is taken first.
	waitMu  sync.Mutex
	waiting map[*Locker]waitInfo

	readTickets  *semaphore.Weighted
	writeTickets *semaphore.Weighted

	deadlockTimeout time.Duration

	acquires     [modeCount]atomic.Int64
	waits        [modeCount]atomic.Int64
	deadlocks    atomic.Int64
	readsInUse   atomic.Int64
	writesInUse  atomic.Int64
	readTotal    int64
	writeTotal   int64
	sampleMu     sync.Mutex
	waitSamples  []float64
	sampleCursor int
}

type waitInfo struct {
	res  ResourceID
	mode Mode
}

type partition struct {
	mu    sync.Mutex
	heads map[ResourceID]*lockHead
}

type lockHead struct {
	granted map[*Locker]Mode
	queue   []*waiter
}

type waiter struct {
	locker  *Locker
	grantCh chan struct{}
	mode    Mode
	convert bool
	granted bool
}

// NewManager builds a Manager from options.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger("lock")
	}
	if opts.DeadlockTimeout <= 0 {
		opts.DeadlockTimeout = 500 * time.Millisecond
	}
	if opts.ReadTickets <= 0 {
		opts.ReadTickets = 128
	}
	if opts.WriteTickets <= 0 {
		opts.WriteTickets = 128
	}
	m := &Manager{
		l:               opts.Logger,
		waiting:         make(map[*Locker]waitInfo),
		readTickets:     semaphore.NewWeighted(opts.ReadTickets),
		writeTickets:    semaphore.NewWeighted(opts.WriteTickets),
		deadlockTimeout: opts.DeadlockTimeout,
		readTotal:       opts.ReadTickets,
		writeTotal:      opts.WriteTickets,
	}
	for i := range m.partitions {
		m.partitions[i] = &partition{heads: make(map[ResourceID]*lockHead)}
	}
	return m
}

// NewLocker returns a lock client for one operation. A Locker must only be
// used from the operation's own goroutine.
func (m *Manager) NewLocker() *Locker {
	return &Locker{mgr: m, held: make(map[ResourceID]Mode)}
}

func (m *Manager) partition(res ResourceID) *partition {
	return m.partitions[res.hash()%partitionCount]
}

func (p *partition) head(res ResourceID) *lockHead {
	h := p.heads[res]
	if h == nil {
		h = &lockHead{granted: make(map[*Locker]Mode)}
		p.heads[res] = h
	}
	return h
}

// compatibleWithGranted reports whether a grant of mode may join the
// currently granted set, ignoring the excluded holder when it upgrades its
// own grant.
func (h *lockHead) compatibleWithGranted(mode Mode, exclude *Locker) bool {
	for holder, held := range h.granted {
		if holder == exclude {
			continue
		}
		if !Compatible(held, mode) {
			return false
		}
	}
	return true
}

// grantWaiters promotes queued waiters in FIFO order, stopping at the first
// one that still conflicts so later arrivals cannot starve it.
func (h *lockHead) grantWaiters() {
	for len(h.queue) > 0 {
		w := h.queue[0]
		exclude := (*Locker)(nil)
		if w.convert {
			exclude = w.locker
		}
		if !h.compatibleWithGranted(w.mode, exclude) {
			return
		}
		h.queue = h.queue[1:]
		h.granted[w.locker] = w.mode
		w.granted = true
		close(w.grantCh)
	}
}

func (h *lockHead) removeWaiter(w *waiter) {
	for i, queued := range h.queue {
		if queued == w {
			h.queue = append(h.queue[:i], h.queue[i+1:]...)
			return
		}
	}
}

func (h *lockHead) empty() bool {
	return len(h.granted) == 0 && len(h.queue) == 0
}

func (m *Manager) registerWaiting(l *Locker, res ResourceID, mode Mode) {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	m.waiting[l] = waitInfo{res: res, mode: mode}
}

func (m *Manager) unregisterWaiting(l *Locker) {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	delete(m.waiting, l)
}

// cancelWait removes the waiter from the queue. It reports false when a
// concurrent release already granted it, in which case the caller owns the
// lock after all.
func (m *Manager) cancelWait(res ResourceID, w *waiter) bool {
	p := m.partition(res)
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.granted {
		return false
	}
	h := p.heads[res]
	if h == nil {
		return true
	}
	h.removeWaiter(w)
	// Removing a conflicting waiter can unblock the ones queued behind it.
	h.grantWaiters()
	if h.empty() {
		delete(p.heads, res)
	}
	return true
}

// wouldDeadlock walks the wait-for graph from the initiating waiter and
// reports whether a cycle leads back to it. Edges run from a waiting locker
// to every holder blocking its request.
func (m *Manager) wouldDeadlock(self *Locker) bool {
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	visited := make(map[*Locker]bool)
	var visit func(l *Locker) bool
	visit = func(l *Locker) bool {
		info, ok := m.waiting[l]
		if !ok {
			return false
		}
		for _, holder := range m.holdersBlocking(info.res, info.mode, l) {
			if holder == self {
				return true
			}
			if visited[holder] {
				continue
			}
			visited[holder] = true
			if visit(holder) {
				return true
			}
		}
		return false
	}
	return visit(self)
}

func (m *Manager) holdersBlocking(res ResourceID, mode Mode, waiting *Locker) []*Locker {
	p := m.partition(res)
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.heads[res]
	if h == nil {
		return nil
	}
	var out []*Locker
	for holder, held := range h.granted {
		if holder == waiting {
			continue
		}
		if !Compatible(held, mode) {
			out = append(out, holder)
		}
	}
	return out
}

// AcquireReadTicket admits a read operation to the storage engine. Tickets
// bound engine concurrency independently of lock contention.
func (m *Manager) AcquireReadTicket(ctx context.Context) error {
	if err := m.readTickets.Acquire(ctx, 1); err != nil {
		return err
	}
	m.readsInUse.Add(1)
	return nil
}

// ReleaseReadTicket returns a read ticket.
func (m *Manager) ReleaseReadTicket() {
	m.readsInUse.Add(-1)
	m.readTickets.Release(1)
}

// AcquireWriteTicket admits a write operation to the storage engine.
func (m *Manager) AcquireWriteTicket(ctx context.Context) error {
	if err := m.writeTickets.Acquire(ctx, 1); err != nil {
		return err
	}
	m.writesInUse.Add(1)
	return nil
}

// ReleaseWriteTicket returns a write ticket.
func (m *Manager) ReleaseWriteTicket() {
	m.writesInUse.Add(-1)
	m.writeTickets.Release(1)
}

func (m *Manager) recordWait(mode Mode, d time.Duration) {
	m.waits[mode].Add(1)
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()
	micros := float64(d.Microseconds())
	if len(m.waitSamples) < waitSampleCap {
		m.waitSamples = append(m.waitSamples, micros)
		return
	}
	m.waitSamples[m.sampleCursor] = micros
	m.sampleCursor = (m.sampleCursor + 1) % waitSampleCap
}

// ModeStats counts grants and waits for one mode.
type ModeStats struct {
	Acquires int64 `json:"acquires"`
	Waits    int64 `json:"waits"`
}

// Snapshot is a point-in-time view of manager activity for status
// reporting.
type Snapshot struct {
	ByMode            map[string]ModeStats
	WaitMicros        []float64
	Deadlocks         int64
	ReadTicketsInUse  int64
	ReadTicketsTotal  int64
	WriteTicketsInUse int64
	WriteTicketsTotal int64
}

// Stats returns a snapshot of counters and the rolling wait-time samples.
func (m *Manager) Stats() Snapshot {
	s := Snapshot{
		ByMode:            make(map[string]ModeStats, modeCount),
		Deadlocks:         m.deadlocks.Load(),
		ReadTicketsInUse:  m.readsInUse.Load(),
		ReadTicketsTotal:  m.readTotal,
		WriteTicketsInUse: m.writesInUse.Load(),
		WriteTicketsTotal: m.writeTotal,
	}
	for mode := Mode(0); mode < modeCount; mode++ {
		s.ByMode[mode.String()] = ModeStats{
			Acquires: m.acquires[mode].Load(),
			Waits:    m.waits[mode].Load(),
		}
	}
	m.sampleMu.Lock()
	s.WaitMicros = append(s.WaitMicros, m.waitSamples...)
	m.sampleMu.Unlock()
	return s
}

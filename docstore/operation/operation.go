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

// Package operation carries the per-request state every command runs
// under: a cancellable context, the operation's locks, its recovery unit
// and the write-unit-of-work stack. A registry keeps the live set for
// inspection and kill propagation.
package operation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/docstore/engine"
	"github.com/oakleaf-io/oakleaf/docstore/lock"
	"github.com/oakleaf-io/oakleaf/docstore/status"
)

// Op is one operation's context. It must only be used from the operation's
// own goroutine; Kill is the one exception and may be called from anywhere.
type Op struct {
	reg       *Registry
	ctx       context.Context
	cancel    context.CancelFunc
	locker    *lock.Locker
	ru        *engine.RecoveryUnit
	id        uint64
	command   string
	startedAt time.Time
	killCode  atomic.Int32
	wuow      int
	wuowBad   bool
	finished  bool

	// metaMu guards fields the registry reads from other goroutines.
	metaMu    sync.Mutex
	ns        string
	sessionID string
}

// Context returns the operation's context. Lock waits and other blocking
// calls select on it.
func (o *Op) Context() context.Context {
	return o.ctx
}

// ID returns the operation id.
func (o *Op) ID() uint64 {
	return o.id
}

// Command returns the command name the operation runs.
func (o *Op) Command() string {
	return o.command
}

// Namespace returns the namespace recorded for the operation.
func (o *Op) Namespace() string {
	o.metaMu.Lock()
	defer o.metaMu.Unlock()
	return o.ns
}

// SetNamespace records the namespace once the command has parsed it.
func (o *Op) SetNamespace(ns string) {
	o.metaMu.Lock()
	defer o.metaMu.Unlock()
	o.ns = ns
}

// SessionID returns the logical session pinned to the operation, if any.
func (o *Op) SessionID() string {
	o.metaMu.Lock()
	defer o.metaMu.Unlock()
	return o.sessionID
}

// SetSessionID pins a logical session to the operation. The session catalog
// clears it again at check-in.
func (o *Op) SetSessionID(id string) {
	o.metaMu.Lock()
	defer o.metaMu.Unlock()
	o.sessionID = id
}

// StartedAt returns when the operation was admitted.
func (o *Op) StartedAt() time.Time {
	return o.startedAt
}

// Locker returns the operation's lock client.
func (o *Op) Locker() *lock.Locker {
	return o.locker
}

// Kill marks the operation killed with the given code and cancels its
// context. The first kill wins; later codes are dropped.
func (o *Op) Kill(code status.Code) {
	if code == status.OK {
		code = status.Interrupted
	}
	if o.killCode.CompareAndSwap(int32(status.OK), int32(code)) {
		o.cancel()
	}
}

// Killed reports the kill code, or OK when the operation is live.
func (o *Op) Killed() status.Code {
	return status.Code(o.killCode.Load())
}

// CheckForInterrupt is the cooperative interruption point. Long-running
// work calls it at iteration boundaries.
func (o *Op) CheckForInterrupt() error {
	if code := status.Code(o.killCode.Load()); code != status.OK {
		return status.Errf(code, "operation %d killed", o.id)
	}
	switch o.ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return status.Errf(status.ExceededTimeLimit, "operation %d exceeded its time limit", o.id)
	default:
		return status.Errf(status.Interrupted, "operation %d interrupted", o.id)
	}
}

// RecoveryUnit returns the active recovery unit, or nil.
func (o *Op) RecoveryUnit() *engine.RecoveryUnit {
	return o.ru
}

// EnsureReadUnit returns the active recovery unit, opening a read unit at
// the stable snapshot if none is active.
func (o *Op) EnsureReadUnit() *engine.RecoveryUnit {
	if o.ru == nil {
		o.ru = o.reg.eng.BeginRead()
	}
	return o.ru
}

// DetachUnit hands the active recovery unit to the caller, typically to
// stash it with a client cursor, and leaves the operation without one.
func (o *Op) DetachUnit() *engine.RecoveryUnit {
	ru := o.ru
	o.ru = nil
	return ru
}

// AttachUnit installs a recovery unit, typically one restored from a
// stashed cursor.
func (o *Op) AttachUnit(ru *engine.RecoveryUnit) error {
	if o.ru != nil {
		return errors.New("operation already has an active recovery unit")
	}
	o.ru = ru
	return nil
}

// BeginWUOW opens a write unit of work. The outermost unit opens a write
// recovery unit; nested units only deepen the stack. Lock releases during
// the unit are deferred to its end.
func (o *Op) BeginWUOW() error {
	if o.wuow == 0 {
		if o.ru != nil {
			return errors.New("cannot open a write unit over an active read unit")
		}
		o.ru = o.reg.eng.BeginWrite()
		o.wuowBad = false
	}
	o.wuow++
	o.locker.BeginWUOW()
	return nil
}

// CommitWUOW closes one unit level. Closing the outermost level commits the
// write recovery unit and performs the deferred lock releases; it returns
// the commit timestamp. A commit after an aborted inner unit fails.
func (o *Op) CommitWUOW() (uint64, error) {
	if o.wuow == 0 {
		return 0, errors.New("no write unit of work is open")
	}
	o.wuow--
	o.locker.WUOWCommit()
	if o.wuow > 0 {
		return 0, nil
	}
	ru := o.ru
	o.ru = nil
	if o.wuowBad {
		ru.Abort()
		return 0, errors.New("write unit of work had an aborted inner unit")
	}
	ts, err := ru.Commit()
	if err != nil {
		return 0, err
	}
	return ts, nil
}

// AbortWUOW closes one unit level on the failure path. The outermost level
// rolls the write recovery unit back; an aborted inner level poisons the
// outer commit.
func (o *Op) AbortWUOW() {
	if o.wuow == 0 {
		return
	}
	o.wuow--
	o.locker.WUOWAbort()
	if o.wuow > 0 {
		o.wuowBad = true
		return
	}
	ru := o.ru
	o.ru = nil
	if ru != nil {
		ru.Abort()
	}
}

// InWUOW reports whether a write unit of work is open.
func (o *Op) InWUOW() bool {
	return o.wuow > 0
}

// Finish tears the operation down: any active recovery unit is aborted,
// all locks release, the context is cancelled and the registry forgets the
// operation. Finish is idempotent.
func (o *Op) Finish() {
	if o.finished {
		return
	}
	o.finished = true
	for o.wuow > 0 {
		o.AbortWUOW()
	}
	if o.ru != nil {
		o.ru.Abort()
		o.ru = nil
	}
	o.locker.ReleaseAll()
	o.cancel()
	o.reg.remove(o.id)
}

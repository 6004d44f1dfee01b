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

package operation

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oakleaf-io/oakleaf/docstore/engine"
	"github.com/oakleaf-io/oakleaf/docstore/lock"
	"github.com/oakleaf-io/oakleaf/docstore/status"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
)

// Registry tracks every live operation.
type Registry struct {
	l      *logger.Logger
	eng    *engine.Engine
	locks  *lock.Manager
	mu     sync.RWMutex
	ops    map[uint64]*Op
	nextID atomic.Uint64
}

// NewRegistry builds a registry over the engine and lock manager the
// operations will use.
func NewRegistry(eng *engine.Engine, locks *lock.Manager) *Registry {
	return &Registry{
		l:     logger.GetLogger("operation"),
		eng:   eng,
		locks: locks,
		ops:   make(map[uint64]*Op),
	}
}

// Start admits an operation. A positive maxTime bounds it with a deadline;
// cancelling the parent context interrupts it.
func (r *Registry) Start(ctx context.Context, command string, maxTime time.Duration) *Op {
	var cancel context.CancelFunc
	if maxTime > 0 {
		ctx, cancel = context.WithTimeout(ctx, maxTime)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	op := &Op{
		reg:       r,
		ctx:       ctx,
		cancel:    cancel,
		locker:    r.locks.NewLocker(),
		id:        r.nextID.Add(1),
		command:   command,
		startedAt: time.Now(),
	}
	r.mu.Lock()
	r.ops[op.id] = op
	r.mu.Unlock()
	return op
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.ops, id)
	r.mu.Unlock()
}

// Get returns a live operation by id.
func (r *Registry) Get(id uint64) (*Op, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[id]
	return op, ok
}

// Kill interrupts a live operation. It reports whether the id was found.
func (r *Registry) Kill(id uint64, code status.Code) bool {
	op, ok := r.Get(id)
	if !ok {
		return false
	}
	r.l.Info().Uint64("opID", id).Str("command", op.command).Stringer("code", code).Msg("killing operation")
	op.Kill(code)
	return true
}

// KillAll interrupts every live operation, used on shutdown.
func (r *Registry) KillAll(code status.Code) {
	r.mu.RLock()
	ops := make([]*Op, 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, op)
	}
	r.mu.RUnlock()
	for _, op := range ops {
		op.Kill(code)
	}
}

// ActiveCount returns the number of live operations.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

// Info describes a live operation for currentOp-style inspection.
type Info struct {
	OpID      uint64
	Command   string
	Namespace string
	SessionID string
	Running   time.Duration
	Killed    status.Code
}

// CurrentOps lists live operations ordered by id.
func (r *Registry) CurrentOps() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.ops))
	for _, op := range r.ops {
		infos = append(infos, Info{
			OpID:      op.id,
			Command:   op.command,
			Namespace: op.Namespace(),
			SessionID: op.SessionID(),
			Running:   time.Since(op.startedAt),
			Killed:    op.Killed(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].OpID < infos[j].OpID })
	return infos
}

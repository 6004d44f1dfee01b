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

package client

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pvr/timers"
)

var (
	// ErrClientNotFound indicates an unknown client id.
	ErrClientNotFound = errors.New("client not found")
	// ErrClientExists indicates a duplicate client id.
	ErrClientExists = errors.New("client already registered")
)

// Registry holds the configured backends. It also routes timer
// changes, so it satisfies timers.Router.
type Registry struct {
	l       *logger.Logger
	mu      sync.RWMutex
	clients map[int]Client
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		l:       logger.GetLogger("pvr-clients"),
		clients: make(map[int]Client),
	}
}

// Register adds a backend.
func (r *Registry) Register(c Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.ID()]; ok {
		return errors.Wrapf(ErrClientExists, "id %d", c.ID())
	}
	r.clients[c.ID()] = c
	return nil
}

// Get returns a backend by id.
func (r *Registry) Get(id int) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, errors.Wrapf(ErrClientNotFound, "id %d", id)
	}
	return c, nil
}

// All returns the backends in id order.
func (r *Registry) All() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// AddTimer routes a timer add to the owning backend.
func (r *Registry) AddTimer(ctx context.Context, t timers.Timer) error {
	c, err := r.Get(t.ClientID)
	if err != nil {
		return err
	}
	return c.AddTimer(ctx, t)
}

// UpdateTimer routes a timer update to the owning backend.
func (r *Registry) UpdateTimer(ctx context.Context, t timers.Timer) error {
	c, err := r.Get(t.ClientID)
	if err != nil {
		return err
	}
	return c.UpdateTimer(ctx, t)
}

// DeleteTimer routes a timer removal to the owning backend.
func (r *Registry) DeleteTimer(ctx context.Context, t timers.Timer) error {
	c, err := r.Get(t.ClientID)
	if err != nil {
		return err
	}
	return c.DeleteTimer(ctx, t)
}

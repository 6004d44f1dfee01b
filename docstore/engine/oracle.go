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
	"sync"
	"sync/atomic"
)

// oracle allocates monotonic commit timestamps. Commits are serialized so
// the stable timestamp never exposes a snapshot with a hole in it.
type oracle struct {
	mu     sync.Mutex
	next   uint64
	stable atomic.Uint64
}

func newOracle(maxCommitted uint64) *oracle {
	o := &oracle{next: maxCommitted + 1}
	o.stable.Store(maxCommitted)
	return o
}

// ReadTs returns the latest committed timestamp; snapshot reads pin it.
func (o *oracle) ReadTs() uint64 {
	return o.stable.Load()
}

// commit allocates the next timestamp, runs the commit function under the
// commit lock and advances the stable timestamp on success.
func (o *oracle) commit(apply func(ts uint64) error) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts := o.next
	if err := apply(ts); err != nil {
		return 0, err
	}
	o.next++
	o.stable.Store(ts)
	return ts, nil
}

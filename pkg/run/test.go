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

package run

import (
	"fmt"
	"sync"
)

var _ Service = (*tester)(nil)

type tester struct {
	started chan struct{}
	stopCh  chan struct{}
	name    string
	once    sync.Once
}

// NewTester returns a service unit that only signals lifecycle points,
// plus a func that stops the hosting group programmatically. Meant for
// tests that drive a run.Group end to end.
func NewTester(name string) (Unit, func()) {
	t := &tester{
		name:    name,
		started: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
	return t, t.GracefulStop
}

// WaitUntilStarted blocks until Serve ran, or errors if the unit was
// stopped first.
func (t *tester) WaitUntilStarted() error {
	select {
	case <-t.stopCh:
		return fmt.Errorf("%s stopped before it started", t.name)
	case <-t.started:
		return nil
	}
}

func (t *tester) Name() string {
	return t.name
}

func (t *tester) Serve() StopNotify {
	close(t.started)
	return t.stopCh
}

func (t *tester) GracefulStop() {
	t.once.Do(func() {
		close(t.stopCh)
	})
}

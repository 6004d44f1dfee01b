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

// Package jobs runs the engine's named periodic jobs. A job can be
// paused, resumed and cancelled at runtime, and a panic inside a job
// body is contained and counted instead of taking the process down.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
)

var (
	// ErrJobNotFound indicates an unknown job name.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists indicates a duplicate job name.
	ErrJobExists = errors.New("job already registered")
)

// State is a job's runtime state.
type State int

// Job states.
const (
	StateRunning State = iota
	StatePaused
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Action is one job body.
type Action func(ctx context.Context, now time.Time) error

// Info describes a job's state for the API.
type Info struct {
	LastRun  time.Time     `json:"lastRun"`
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Interval time.Duration `json:"interval"`
	Runs     int           `json:"runs"`
	Failures int           `json:"failures"`
}

type job struct {
	lastRun  time.Time
	action   Action
	name     string
	interval time.Duration
	state    State
	runs     int
	failures int
}

// Runner owns the jobs. Ticks come from the shared clock so tests can
// drive them with a mock.
type Runner struct {
	l      *logger.Logger
	sched  *timestamp.Scheduler
	clock  timestamp.Clock
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	jobs map[string]*job
}

// NewRunner builds a Runner on the clock.
func NewRunner(clock timestamp.Clock) *Runner {
	if clock == nil {
		clock = timestamp.NewClock()
	}
	l := logger.GetLogger("pvr-jobs")
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		l:      l,
		sched:  timestamp.NewScheduler(l, clock),
		clock:  clock,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Register schedules a job every interval. The first run happens one
// interval after registration.
func (r *Runner) Register(name string, interval time.Duration, action Action) error {
	if interval <= 0 {
		return errors.Errorf("job %s: interval must be positive", name)
	}
	r.mu.Lock()
	if _, ok := r.jobs[name]; ok {
		r.mu.Unlock()
		return errors.Wrap(ErrJobExists, name)
	}
	j := &job{name: name, interval: interval, action: action}
	r.jobs[name] = j
	r.mu.Unlock()

	err := r.sched.Register(name, cron.Descriptor, fmt.Sprintf("@every %s", interval),
		func(now time.Time, l *logger.Logger) bool {
			return r.tick(j, now, l)
		})
	if err != nil {
		r.mu.Lock()
		delete(r.jobs, name)
		r.mu.Unlock()
		return errors.Wrapf(err, "schedule job %s", name)
	}
	return nil
}

// tick runs one job cycle; returning false unschedules the job.
func (r *Runner) tick(j *job, now time.Time, l *logger.Logger) bool {
	r.mu.Lock()
	state := j.state
	if state == StateRunning {
		j.runs++
		j.lastRun = now
	}
	r.mu.Unlock()
	switch state {
	case StateCancelled:
		return false
	case StatePaused:
		return true
	}
	if err := r.invoke(j, now); err != nil {
		r.mu.Lock()
		j.failures++
		r.mu.Unlock()
		l.Warn().Err(err).Time("now", now).Msg("job failed")
	}
	return true
}

func (r *Runner) invoke(j *job, now time.Time) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("job panicked: %v", rec)
		}
	}()
	return j.action(r.ctx, now)
}

// RunNow executes the job body immediately, regardless of its
// schedule. A paused job can be run this way.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	j, ok := r.jobs[name]
	if ok && j.state == StateCancelled {
		ok = false
	}
	if ok {
		j.runs++
		j.lastRun = r.clockNow()
	}
	r.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrJobNotFound, name)
	}
	if err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = errors.Errorf("job panicked: %v", rec)
			}
		}()
		return j.action(ctx, r.clockNow())
	}(); err != nil {
		r.mu.Lock()
		j.failures++
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Runner) clockNow() time.Time {
	return r.clock.Now()
}

// Trigger fires a job scheduled on a mock clock. It returns false for
// real-clock runners and unknown jobs.
func (r *Runner) Trigger(name string) bool {
	return r.sched.Trigger(name)
}

// Pause stops a job's scheduled runs without unscheduling it.
func (r *Runner) Pause(name string) error {
	return r.setState(name, StatePaused, StateRunning)
}

// Resume re-enables a paused job.
func (r *Runner) Resume(name string) error {
	return r.setState(name, StateRunning, StatePaused)
}

// Cancel unschedules a job permanently.
func (r *Runner) Cancel(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[name]
	if !ok || j.state == StateCancelled {
		return errors.Wrap(ErrJobNotFound, name)
	}
	j.state = StateCancelled
	return nil
}

func (r *Runner) setState(name string, to, from State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[name]
	if !ok || j.state == StateCancelled {
		return errors.Wrap(ErrJobNotFound, name)
	}
	if j.state == from {
		j.state = to
	}
	return nil
}

// Jobs returns every job's state, name order.
func (r *Runner) Jobs() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, Info{
			Name:     j.name,
			State:    j.state.String(),
			Interval: j.interval,
			Runs:     j.runs,
			Failures: j.failures,
			LastRun:  j.lastRun,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Job returns one job's state.
func (r *Runner) Job(name string) (Info, error) {
	for _, info := range r.Jobs() {
		if info.Name == name {
			return info, nil
		}
	}
	return Info{}, errors.Wrap(ErrJobNotFound, name)
}

// Close cancels every job and stops the scheduler.
func (r *Runner) Close() {
	r.cancel()
	r.sched.Close()
}

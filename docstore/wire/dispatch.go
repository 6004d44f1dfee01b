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

package wire

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/operation"
	"github.com/oakleaf-io/oakleaf/docstore/status"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/observability"
)

// maxCommandBytes bounds a command document; the largest legal command
// is an insert batch of 16 MiB documents plus envelope.
const maxCommandBytes = 48 << 20

// command is one entry of the dispatch table.
type command struct {
	run func(c *commandCtx) (bson.D, error)
	// requiresDatabase rejects dispatch against the reserved empty
	// database segment.
	requiresDatabase bool
}

// commandCtx carries one request through its handler.
type commandCtx struct {
	d    *dispatcher
	op   *operation.Op
	db   string
	body bson.Raw
}

// The metric vectors are process-wide; every dispatcher shares them.
var (
	metricsOnce sync.Once
	opCounter   *prometheus.CounterVec
	opLatency   *prometheus.HistogramVec
	opsInFlight *prometheus.GaugeVec
)

func wireMetrics() {
	metricsOnce.Do(func() {
		fac := observability.NewFactory("docstore")
		opCounter = fac.NewCounter("commands_total",
			"commands processed, by command name and result code name", "command", "code")
		opLatency = fac.NewHistogram("command_seconds",
			"command handling latency", prometheus.DefBuckets, "command")
		opsInFlight = fac.NewGauge("commands_in_flight",
			"commands currently being handled", "command")
	})
}

type dispatcher struct {
	l         *logger.Logger
	deps      Deps
	commands  map[string]command
	startedAt time.Time
}

func newDispatcher(l *logger.Logger, deps Deps, startedAt time.Time) *dispatcher {
	wireMetrics()
	d := &dispatcher{
		l:         l,
		deps:      deps,
		startedAt: startedAt,
	}
	d.commands = map[string]command{
		"ping":            {run: (*commandCtx).ping},
		"buildInfo":       {run: (*commandCtx).buildInfo},
		"serverStatus":    {run: (*commandCtx).serverStatus},
		"create":          {run: (*commandCtx).create, requiresDatabase: true},
		"drop":            {run: (*commandCtx).drop, requiresDatabase: true},
		"listDatabases":   {run: (*commandCtx).listDatabases},
		"listCollections": {run: (*commandCtx).listCollections, requiresDatabase: true},
		"createIndexes":   {run: (*commandCtx).createIndexes, requiresDatabase: true},
		"listIndexes":     {run: (*commandCtx).listIndexes, requiresDatabase: true},
		"dropIndexes":     {run: (*commandCtx).dropIndexes, requiresDatabase: true},
		"insert":          {run: (*commandCtx).insert, requiresDatabase: true},
		"update":          {run: (*commandCtx).update, requiresDatabase: true},
		"delete":          {run: (*commandCtx).del, requiresDatabase: true},
		"find":            {run: (*commandCtx).find, requiresDatabase: true},
		"getMore":         {run: (*commandCtx).getMore, requiresDatabase: true},
		"killCursors":     {run: (*commandCtx).killCursors, requiresDatabase: true},
		"aggregate":       {run: (*commandCtx).aggregate, requiresDatabase: true},
		"count":           {run: (*commandCtx).count, requiresDatabase: true},
		"endSessions":     {run: (*commandCtx).endSessions},
		"killSessions":    {run: (*commandCtx).killSessions},
	}
	return d
}

// envelope is the part of every command document the dispatcher itself
// consumes.
type envelope struct {
	MaxTimeMS int64 `bson:"maxTimeMS,omitempty"`
	LSID      *struct {
		ID bson.Binary `bson:"id"`
	} `bson:"lsid,omitempty"`
}

func (d *dispatcher) handle(w http.ResponseWriter, r *http.Request) {
	db := chi.URLParam(r, "db")
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
	if err != nil {
		d.reply(w, "", errorDoc(status.Err(status.BadValue, "cannot read request body")))
		return
	}
	var body bson.Raw
	if err := bson.UnmarshalExtJSON(payload, true, &body); err != nil {
		d.reply(w, "", errorDoc(status.Errf(status.BadValue, "malformed command document: %v", err)))
		return
	}
	elems, err := body.Elements()
	if err != nil || len(elems) == 0 {
		d.reply(w, "", errorDoc(status.Err(status.BadValue, "empty command document")))
		return
	}
	name := elems[0].Key()
	doc, reqErr := d.dispatch(r, name, db, body)
	if reqErr != nil {
		doc = errorDoc(reqErr)
	}
	opCounter.WithLabelValues(name, status.CodeOf(reqErr).String()).Inc()
	d.reply(w, name, doc)
}

func (d *dispatcher) dispatch(r *http.Request, name, db string, body bson.Raw) (bson.D, error) {
	cmd, ok := d.commands[name]
	if !ok {
		return nil, status.Errf(status.CommandNotFound, "no such command: %q", name)
	}
	if cmd.requiresDatabase && db == "" {
		return nil, status.Errf(status.BadValue, "command %s requires a database", name)
	}
	var env envelope
	if err := bson.Unmarshal(body, &env); err != nil {
		return nil, status.Errf(status.BadValue, "malformed command envelope: %v", err)
	}
	if env.MaxTimeMS < 0 {
		return nil, status.Err(status.BadValue, "maxTimeMS must be non-negative")
	}

	opsInFlight.WithLabelValues(name).Inc()
	timer := prometheus.NewTimer(opLatency.WithLabelValues(name))
	defer func() {
		timer.ObserveDuration()
		opsInFlight.WithLabelValues(name).Dec()
	}()

	op := d.deps.Ops.Start(r.Context(), name, time.Duration(env.MaxTimeMS)*time.Millisecond)
	defer op.Finish()

	if env.LSID != nil {
		lsid, err := uuid.FromBytes(env.LSID.ID.Data)
		if err != nil {
			return nil, status.Err(status.BadValue, "lsid.id must be a 16-byte UUID")
		}
		if err := d.deps.Sessions.CheckOut(op, lsid); err != nil {
			return nil, err
		}
		defer func() {
			if err := d.deps.Sessions.CheckIn(op, lsid); err != nil {
				d.l.Warn().Err(err).Str("session", lsid.String()).Msg("session check-in failed")
			}
		}()
	}

	c := &commandCtx{d: d, op: op, db: db, body: body}
	return cmd.run(c)
}

func (d *dispatcher) reply(w http.ResponseWriter, name string, doc bson.D) {
	out, err := bson.MarshalExtJSON(doc, true, false)
	if err != nil {
		d.l.Error().Err(err).Str("command", name).Msg("cannot render reply")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		d.l.Debug().Err(err).Msg("client went away mid-reply")
	}
}

// errorDoc renders a failure the way the command protocol spells it.
// Every failure is a normal HTTP 200; ok:0 plus the code carries it.
func errorDoc(err error) bson.D {
	code := status.CodeOf(err)
	return bson.D{
		{Key: "ok", Value: int32(0)},
		{Key: "errmsg", Value: status.MessageOf(err)},
		{Key: "code", Value: int32(code)},
		{Key: "codeName", Value: code.String()},
	}
}

func okDoc(fields ...bson.E) bson.D {
	doc := bson.D{{Key: "ok", Value: int32(1)}}
	return append(doc, fields...)
}

// cursorDoc renders a batch reply in the find/getMore shape.
func cursorDoc(id int64, ns string, batch []bson.Raw, first bool) bson.E {
	key := "nextBatch"
	if first {
		key = "firstBatch"
	}
	docs := make(bson.A, 0, len(batch))
	for _, doc := range batch {
		docs = append(docs, doc)
	}
	return bson.E{Key: "cursor", Value: bson.D{
		{Key: "id", Value: id},
		{Key: "ns", Value: ns},
		{Key: key, Value: docs},
	}}
}

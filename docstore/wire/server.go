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

// Package wire is the document store's command surface: an HTTP endpoint
// accepting canonical extended JSON command documents and replying in
// kind, backed by a command registry.
package wire

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/docstore/catalog"
	"github.com/oakleaf-io/oakleaf/docstore/cursor"
	"github.com/oakleaf-io/oakleaf/docstore/engine"
	"github.com/oakleaf-io/oakleaf/docstore/lock"
	"github.com/oakleaf-io/oakleaf/docstore/operation"
	"github.com/oakleaf-io/oakleaf/docstore/pipeline"
	"github.com/oakleaf-io/oakleaf/docstore/query"
	"github.com/oakleaf-io/oakleaf/docstore/session"
	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/run"
)

var (
	_ run.Config  = (*Server)(nil)
	_ run.Service = (*Server)(nil)

	errServerCert = errors.New("wire: invalid server cert file")
	errServerKey  = errors.New("wire: invalid server key file")
	errNoAddr     = errors.New("wire: no address")
)

// Deps are the subsystems the command handlers run against.
type Deps struct {
	Engine    *engine.Engine
	Catalog   *catalog.Catalog
	Locks     *lock.Manager
	Ops       *operation.Registry
	Sessions  *session.Catalog
	Cursors   *cursor.Manager
	Queries   *query.Runner
	Pipelines *pipeline.Runner
}

// Server is the HTTP command endpoint, a run service owned by the
// docstore group.
type Server struct {
	l          *logger.Logger
	deps       *Deps
	dispatcher *dispatcher
	mux        *chi.Mux
	srv        *http.Server
	stopCh     chan struct{}
	host       string
	listenAddr string
	certFile   string
	keyFile    string
	port       uint32
	tls        bool
	startedAt  time.Time
}

// NewServer builds the command server. Deps is read at PreRun, so the
// unit that owns the storage stack may fill it in its own PreRun as
// long as it registers ahead of the server in the run group.
func NewServer(deps *Deps) *Server {
	return &Server{
		deps:   deps,
		stopCh: make(chan struct{}),
	}
}

// FlagSet implements run.Config.
func (s *Server) FlagSet() *run.FlagSet {
	fs := run.NewFlagSet("wire")
	fs.StringVar(&s.host, "http-host", "localhost", "listen host for the command endpoint")
	fs.Uint32Var(&s.port, "http-port", 27917, "listen port for the command endpoint")
	fs.StringVar(&s.certFile, "http-cert-file", "", "the TLS cert file of the command endpoint")
	fs.StringVar(&s.keyFile, "http-key-file", "", "the TLS key file of the command endpoint")
	fs.BoolVar(&s.tls, "http-tls", false, "connection uses TLS if true, else plain HTTP")
	return fs
}

// Validate implements run.Config.
func (s *Server) Validate() error {
	s.listenAddr = net.JoinHostPort(s.host, strconv.FormatUint(uint64(s.port), 10))
	if s.listenAddr == ":" {
		return errNoAddr
	}
	if !s.tls {
		return nil
	}
	if s.certFile == "" {
		return errServerCert
	}
	if s.keyFile == "" {
		return errServerKey
	}
	return nil
}

// Name implements run.Unit.
func (s *Server) Name() string {
	return "wire"
}

// PreRun implements run.PreRunner.
func (s *Server) PreRun(_ context.Context) error {
	s.l = logger.GetLogger(s.Name())
	s.startedAt = time.Now()
	s.dispatcher = newDispatcher(s.l, *s.deps, s.startedAt)
	s.mux = chi.NewRouter()
	s.mux.Post("/v1/{db}/command", s.dispatcher.handle)
	s.mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.srv = &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	return nil
}

// Handler exposes the router so tests drive the full stack through
// httptest without a listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve implements run.Service.
func (s *Server) Serve() run.StopNotify {
	go func() {
		s.l.Info().Str("listenAddr", s.listenAddr).Msg("start command endpoint")
		var err error
		if s.tls {
			err = s.srv.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			err = s.srv.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			s.l.Error().Err(err).Msg("command endpoint stopped")
		}
		close(s.stopCh)
	}()
	return s.stopCh
}

// GracefulStop implements run.Service.
func (s *Server) GracefulStop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		_ = s.srv.Close()
	}
}

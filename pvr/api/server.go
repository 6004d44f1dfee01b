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

// Package api serves the PVR engine's REST surface.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/pkg/logger"
	"github.com/oakleaf-io/oakleaf/pkg/run"
	"github.com/oakleaf-io/oakleaf/pvr/manager"
)

var (
	_ run.Config  = (*Server)(nil)
	_ run.Service = (*Server)(nil)

	errNoAddr = errors.New("api: no address")
)

// Server is the REST endpoint, a run service owned by the pvr group.
type Server struct {
	l          *logger.Logger
	engine     *manager.Manager
	mux        *chi.Mux
	srv        *http.Server
	stopCh     chan struct{}
	host       string
	listenAddr string
	port       uint32
}

// NewServer builds the REST server over the engine. The engine is read
// at PreRun; register its unit ahead of this one.
func NewServer(engine *manager.Manager) *Server {
	return &Server{
		engine: engine,
		stopCh: make(chan struct{}),
	}
}

// FlagSet implements run.Config.
func (s *Server) FlagSet() *run.FlagSet {
	fs := run.NewFlagSet("api")
	fs.StringVar(&s.host, "http-host", "localhost", "listen host for the REST endpoint")
	fs.Uint32Var(&s.port, "http-port", 27918, "listen port for the REST endpoint")
	return fs
}

// Validate implements run.Config.
func (s *Server) Validate() error {
	s.listenAddr = net.JoinHostPort(s.host, strconv.FormatUint(uint64(s.port), 10))
	if s.listenAddr == ":" {
		return errNoAddr
	}
	return nil
}

// Name implements run.Unit.
func (s *Server) Name() string {
	return "api"
}

// PreRun implements run.PreRunner.
func (s *Server) PreRun(_ context.Context) error {
	s.l = logger.GetLogger(s.Name())
	s.mux = chi.NewRouter()
	s.routes()
	s.srv = &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	return nil
}

func (s *Server) routes() {
	s.mux.Route("/v1", func(r chi.Router) {
		r.Get("/channels", s.listChannels)
		r.Get("/channels/{id}", s.getChannel)

		r.Get("/channelgroups", s.listGroups)
		r.Post("/channelgroups", s.createGroup)
		r.Get("/channelgroups/{id}", s.getGroup)
		r.Put("/channelgroups/{id}", s.renameGroup)
		r.Delete("/channelgroups/{id}", s.deleteGroup)
		r.Put("/channelgroups/{id}/members/{channelID}", s.addMember)
		r.Delete("/channelgroups/{id}/members/{channelID}", s.removeMember)

		r.Get("/guide", s.getGuide)
		r.Get("/epg/{channelID}", s.getChannelEPG)
		r.Post("/epg/refresh", s.refreshEPG)

		r.Get("/timers", s.listTimers)
		r.Post("/timers", s.addTimer)
		r.Get("/timers/next", s.nextTimer)
		r.Get("/timers/{id}", s.getTimer)
		r.Put("/timers/{id}", s.updateTimer)
		r.Delete("/timers/{id}", s.deleteTimer)

		r.Get("/jobs", s.listJobs)
		r.Post("/jobs/{name}/pause", s.pauseJob)
		r.Post("/jobs/{name}/resume", s.resumeJob)
		r.Post("/jobs/{name}/run", s.runJob)
	})
	s.mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// Handler exposes the router so tests drive the full stack through
// httptest without a listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve implements run.Service.
func (s *Server) Serve() run.StopNotify {
	go func() {
		s.l.Info().Str("listenAddr", s.listenAddr).Msg("start REST endpoint")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.l.Error().Err(err).Msg("REST endpoint stopped")
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

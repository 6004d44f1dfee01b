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

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
	"github.com/oakleaf-io/oakleaf/pvr/channels"
	"github.com/oakleaf-io/oakleaf/pvr/epg"
	"github.com/oakleaf-io/oakleaf/pvr/jobs"
	"github.com/oakleaf-io/oakleaf/pvr/timers"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, channels.ErrChannelNotFound),
		errors.Is(err, channels.ErrGroupNotFound),
		errors.Is(err, timers.ErrTimerNotFound),
		errors.Is(err, jobs.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, channels.ErrGroupExists):
		status = http.StatusConflict
	case errors.Is(err, channels.ErrAllGroupImmutable),
		errors.Is(err, channels.ErrMediumMismatch):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func pathInt(r *http.Request, name string) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, name))
	return n, err == nil
}

func radioParam(r *http.Request) bool {
	return r.URL.Query().Get("radio") == "true"
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Channels().Channels(radioParam(r)))
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(r, "id")
	if !ok {
		writeBadRequest(w, "invalid channel id")
		return
	}
	c, ok := s.engine.Channels().Channel(id)
	if !ok {
		writeError(w, channels.ErrChannelNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Channels().Groups(radioParam(r)))
}

type groupRequest struct {
	Name  string `json:"name"`
	Radio bool   `json:"radio"`
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}
	g, err := s.engine.Channels().CreateGroup(req.Name, req.Radio)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(r, "id")
	if !ok {
		writeBadRequest(w, "invalid group id")
		return
	}
	g, ok := s.engine.Channels().Group(id)
	if !ok {
		writeError(w, channels.ErrGroupNotFound)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) renameGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(r, "id")
	if !ok {
		writeBadRequest(w, "invalid group id")
		return
	}
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeBadRequest(w, "name is required")
		return
	}
	if err := s.engine.Channels().RenameGroup(id, req.Name); err != nil {
		writeError(w, err)
		return
	}
	g, _ := s.engine.Channels().Group(id)
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(r, "id")
	if !ok {
		writeBadRequest(w, "invalid group id")
		return
	}
	if err := s.engine.Channels().DeleteGroup(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok1 := pathInt(r, "id")
	channelID, ok2 := pathInt(r, "channelID")
	if !ok1 || !ok2 {
		writeBadRequest(w, "invalid group or channel id")
		return
	}
	if err := s.engine.Channels().AddMember(groupID, channelID); err != nil {
		writeError(w, err)
		return
	}
	g, _ := s.engine.Channels().Group(groupID)
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	groupID, ok1 := pathInt(r, "id")
	channelID, ok2 := pathInt(r, "channelID")
	if !ok1 || !ok2 {
		writeBadRequest(w, "invalid group or channel id")
		return
	}
	if err := s.engine.Channels().RemoveMember(groupID, channelID); err != nil {
		writeError(w, err)
		return
	}
	g, _ := s.engine.Channels().Group(groupID)
	writeJSON(w, http.StatusOK, g)
}

// guideRow is one channel's rendered grid row.
type guideRow struct {
	Channel channels.Channel `json:"channel"`
	Tags    []epg.Tag        `json:"tags"`
}

type guideReply struct {
	Start time.Time  `json:"start"`
	End   time.Time  `json:"end"`
	Rows  []guideRow `json:"rows"`
}

func (s *Server) getGuide(w http.ResponseWriter, r *http.Request) {
	window := s.engine.Grid().Window()
	reply := guideReply{Start: window.Start, End: window.End}
	for _, c := range s.engine.Channels().Channels(radioParam(r)) {
		reply.Rows = append(reply.Rows, guideRow{
			Channel: c,
			Tags:    s.engine.Grid().Row(c.ID),
		})
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) getChannelEPG(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathInt(r, "channelID")
	if !ok {
		writeBadRequest(w, "invalid channel id")
		return
	}
	if _, ok := s.engine.Channels().Channel(channelID); !ok {
		writeError(w, channels.ErrChannelNotFound)
		return
	}
	window := s.engine.Grid().Window()
	tr, err := rangeParams(r, window)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	tr = s.engine.Grid().ClampRange(tr)
	tags := s.engine.Guide().TagsBetween(channelID, tr)
	if tags == nil {
		tags = []epg.Tag{}
	}
	writeJSON(w, http.StatusOK, tags)
}

func rangeParams(r *http.Request, fallback timestamp.TimeRange) (timestamp.TimeRange, error) {
	start, end := fallback.Start, fallback.End
	if raw := r.URL.Query().Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return timestamp.TimeRange{}, errors.New("invalid start")
		}
		start = t
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return timestamp.TimeRange{}, errors.New("invalid end")
		}
		end = t
	}
	if !end.After(start) {
		return timestamp.TimeRange{}, errors.New("end must be after start")
	}
	return timestamp.NewSectionTimeRange(start, end), nil
}

func (s *Server) refreshEPG(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RefreshGuide(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"merged": n})
}

func (s *Server) listTimers(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("channel"); raw != "" {
		channelID, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "invalid channel")
			return
		}
		writeJSON(w, http.StatusOK, s.engine.Timers().TimersForChannel(channelID))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Timers().Timers())
}

func (s *Server) addTimer(w http.ResponseWriter, r *http.Request) {
	var t timers.Timer
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeBadRequest(w, "invalid timer body")
		return
	}
	added, err := s.engine.Timers().Add(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) nextTimer(w http.ResponseWriter, _ *http.Request) {
	t, ok := s.engine.Timers().NextActiveTimer()
	if !ok {
		writeError(w, timers.ErrTimerNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) getTimer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(r, "id")
	if !ok {
		writeBadRequest(w, "invalid timer id")
		return
	}
	t, err := s.engine.Timers().Timer(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateTimer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(r, "id")
	if !ok {
		writeBadRequest(w, "invalid timer id")
		return
	}
	var t timers.Timer
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeBadRequest(w, "invalid timer body")
		return
	}
	t.ID = id
	if err := s.engine.Timers().Update(r.Context(), t); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) deleteTimer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(r, "id")
	if !ok {
		writeBadRequest(w, "invalid timer id")
		return
	}
	if err := s.engine.Timers().Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Jobs().Jobs())
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Jobs().Pause(chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Jobs().Resume(chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Jobs().RunNow(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

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

// Package remote talks to PVR backends over their JSON HTTP API.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
	"github.com/oakleaf-io/oakleaf/pvr/channels"
	"github.com/oakleaf-io/oakleaf/pvr/client"
	"github.com/oakleaf-io/oakleaf/pvr/epg"
	"github.com/oakleaf-io/oakleaf/pvr/timers"
)

const defaultTimeout = 10 * time.Second

// Remote is one backend reached over HTTP.
type Remote struct {
	rc   *resty.Client
	name string
	id   int

	capsOnce sync.Once
	caps     client.Capabilities
}

// New builds a Remote for the backend.
func New(b Backend) *Remote {
	timeout := defaultTimeout
	if b.TimeoutSeconds > 0 {
		timeout = time.Duration(b.TimeoutSeconds) * time.Second
	}
	rc := resty.New().
		SetBaseURL(b.URL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if b.Token != "" {
		rc.SetAuthToken(b.Token)
	}
	return &Remote{id: b.ID, name: b.Name, rc: rc}
}

// ID implements client.Client.
func (r *Remote) ID() int { return r.id }

// Name implements client.Client.
func (r *Remote) Name() string { return r.name }

// Capabilities fetches the backend's capabilities once and caches
// them. A backend that cannot be reached advertises nothing.
func (r *Remote) Capabilities() client.Capabilities {
	r.capsOnce.Do(func() {
		resp, err := r.rc.R().SetResult(&r.caps).Get("/v1/capabilities")
		if err != nil || resp.IsError() {
			r.caps = client.Capabilities{}
		}
	})
	return r.caps
}

func checkStatus(resp *resty.Response, err error, what string) error {
	if err != nil {
		return errors.Wrap(err, what)
	}
	if resp.IsError() {
		return errors.Errorf("%s: backend returned %s", what, resp.Status())
	}
	return nil
}

// GetChannels implements client.Client.
func (r *Remote) GetChannels(ctx context.Context) ([]channels.Channel, error) {
	var out []channels.Channel
	resp, err := r.rc.R().SetContext(ctx).SetResult(&out).Get("/v1/channels")
	if err := checkStatus(resp, err, "get channels"); err != nil {
		return nil, err
	}
	return out, nil
}

// GetChannelGroups implements client.Client.
func (r *Remote) GetChannelGroups(ctx context.Context) ([]client.GroupDef, error) {
	var out []client.GroupDef
	resp, err := r.rc.R().SetContext(ctx).SetResult(&out).Get("/v1/channelgroups")
	if err := checkStatus(resp, err, "get channel groups"); err != nil {
		return nil, err
	}
	return out, nil
}

// GetEPGForChannel implements client.Client.
func (r *Remote) GetEPGForChannel(ctx context.Context, channelUID int, tr timestamp.TimeRange) ([]epg.Tag, error) {
	var out []epg.Tag
	resp, err := r.rc.R().SetContext(ctx).
		SetQueryParam("start", tr.Start.UTC().Format(time.RFC3339)).
		SetQueryParam("end", tr.End.UTC().Format(time.RFC3339)).
		SetResult(&out).
		Get(fmt.Sprintf("/v1/epg/%d", channelUID))
	if err := checkStatus(resp, err, "get epg"); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTimers implements client.Client.
func (r *Remote) GetTimers(ctx context.Context) ([]timers.Timer, error) {
	var out []timers.Timer
	resp, err := r.rc.R().SetContext(ctx).SetResult(&out).Get("/v1/timers")
	if err := checkStatus(resp, err, "get timers"); err != nil {
		return nil, err
	}
	return out, nil
}

// AddTimer implements client.Client.
func (r *Remote) AddTimer(ctx context.Context, t timers.Timer) error {
	resp, err := r.rc.R().SetContext(ctx).SetBody(t).Post("/v1/timers")
	return checkStatus(resp, err, "add timer")
}

// UpdateTimer implements client.Client.
func (r *Remote) UpdateTimer(ctx context.Context, t timers.Timer) error {
	resp, err := r.rc.R().SetContext(ctx).SetBody(t).
		Put(fmt.Sprintf("/v1/timers/%d", t.ClientTimerID))
	return checkStatus(resp, err, "update timer")
}

// DeleteTimer implements client.Client.
func (r *Remote) DeleteTimer(ctx context.Context, t timers.Timer) error {
	resp, err := r.rc.R().SetContext(ctx).
		Delete(fmt.Sprintf("/v1/timers/%d", t.ClientTimerID))
	if err := checkStatus(resp, err, "delete timer"); err != nil {
		// A timer already gone on the backend is not a failure.
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil
		}
		return err
	}
	return nil
}

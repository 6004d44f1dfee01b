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

// Package client defines the backend contract and the registry the
// rest of the engine talks through.
package client

import (
	"context"

	"github.com/oakleaf-io/oakleaf/pkg/timestamp"
	"github.com/oakleaf-io/oakleaf/pvr/channels"
	"github.com/oakleaf-io/oakleaf/pvr/epg"
	"github.com/oakleaf-io/oakleaf/pvr/timers"
)

// Capabilities advertises what a backend supports.
type Capabilities struct {
	TV            bool `json:"tv"`
	Radio         bool `json:"radio"`
	EPG           bool `json:"epg"`
	Timers        bool `json:"timers"`
	ChannelGroups bool `json:"channelGroups"`
}

// GroupDef is a channel group as a backend reports it: named channel
// unique ids rather than container ids.
type GroupDef struct {
	Name     string `json:"name"`
	Members  []int  `json:"members"`
	Position int    `json:"position"`
	Radio    bool   `json:"radio"`
}

// Client is one PVR backend.
type Client interface {
	ID() int
	Name() string
	Capabilities() Capabilities

	GetChannels(ctx context.Context) ([]channels.Channel, error)
	GetChannelGroups(ctx context.Context) ([]GroupDef, error)
	GetEPGForChannel(ctx context.Context, channelUID int, tr timestamp.TimeRange) ([]epg.Tag, error)

	GetTimers(ctx context.Context) ([]timers.Timer, error)
	AddTimer(ctx context.Context, t timers.Timer) error
	UpdateTimer(ctx context.Context, t timers.Timer) error
	DeleteTimer(ctx context.Context, t timers.Timer) error
}

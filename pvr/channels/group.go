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

package channels

// Names of the distinguished groups, one per medium.
const (
	AllTVGroupName    = "All channels"
	AllRadioGroupName = "All radio channels"
)

// Member ties a channel into a group at a position.
type Member struct {
	ChannelID int `json:"channelId"`
	Order     int `json:"order"`
}

// Group is an ordered set of channels of one medium. The distinguished
// all-group of a medium cannot be renamed or deleted and always holds
// every non-hidden channel of that medium.
type Group struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Radio    bool     `json:"radio"`
	Position int      `json:"position"`
	All      bool     `json:"all"`
	Members  []Member `json:"members"`
}

// MemberIDs returns the channel ids in group order.
func (g *Group) MemberIDs() []int {
	ids := make([]int, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.ChannelID)
	}
	return ids
}

func (g *Group) index(channelID int) int {
	for i, m := range g.Members {
		if m.ChannelID == channelID {
			return i
		}
	}
	return -1
}

func (g *Group) clone() *Group {
	n := *g
	n.Members = append([]Member(nil), g.Members...)
	return &n
}

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

// Package channels models TV and radio channels and their ordered
// groups. Every channel belongs to exactly one backend client; the
// group manager keeps one distinguished "all channels" group per medium
// consistent with the channel table.
package channels

import "fmt"

// Number is a channel number in major.minor form. A zero minor renders
// as the plain major.
type Number struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// Compare orders numbers major first, minor second.
func (n Number) Compare(other Number) int {
	if n.Major != other.Major {
		if n.Major < other.Major {
			return -1
		}
		return 1
	}
	if n.Minor != other.Minor {
		if n.Minor < other.Minor {
			return -1
		}
		return 1
	}
	return 0
}

func (n Number) String() string {
	if n.Minor == 0 {
		return fmt.Sprintf("%d", n.Major)
	}
	return fmt.Sprintf("%d.%d", n.Major, n.Minor)
}

// Channel is one playable channel as reported by a backend client.
type Channel struct {
	ID         int    `json:"id"`
	ClientID   int    `json:"clientId"`
	UniqueID   int    `json:"uniqueId"`
	Name       string `json:"name"`
	Number     Number `json:"number"`
	IconPath   string `json:"iconPath,omitempty"`
	Radio      bool   `json:"radio"`
	Hidden     bool   `json:"hidden"`
	EPGEnabled bool   `json:"epgEnabled"`
}

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

// Package lock provides a hierarchical intent lock manager. Operations take
// intent locks on the global and database levels and full locks on the
// collection level, so readers and writers on different collections never
// queue behind each other.
package lock

import "fmt"

// Mode is a lock strength. Intent modes announce a stronger lock further
// down the hierarchy.
type Mode uint8

const (
	// ModeIS marks an intent to read below this resource.
	ModeIS Mode = iota
	// ModeIX marks an intent to write below this resource.
	ModeIX
	// ModeS locks the resource and everything below it for reading.
	ModeS
	// ModeX locks the resource and everything below it exclusively.
	ModeX
	modeCount
)

var modeNames = [modeCount]string{"IS", "IX", "S", "X"}

func (m Mode) String() string {
	if m >= modeCount {
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
	return modeNames[m]
}

// compatibility[held][requested] reports whether a grant of requested may
// coexist with a grant of held.
var compatibility = [modeCount][modeCount]bool{
	ModeIS: {ModeIS: true, ModeIX: true, ModeS: true, ModeX: false},
	ModeIX: {ModeIS: true, ModeIX: true, ModeS: false, ModeX: false},
	ModeS:  {ModeIS: true, ModeIX: false, ModeS: true, ModeX: false},
	ModeX:  {ModeIS: false, ModeIX: false, ModeS: false, ModeX: false},
}

// Compatible reports whether the two modes may be granted simultaneously.
func Compatible(held, requested Mode) bool {
	return compatibility[held][requested]
}

// covers[held][requested] reports whether holding held already satisfies a
// request for requested.
var covers = [modeCount][modeCount]bool{
	ModeIS: {ModeIS: true},
	ModeIX: {ModeIS: true, ModeIX: true},
	ModeS:  {ModeIS: true, ModeS: true},
	ModeX:  {ModeIS: true, ModeIX: true, ModeS: true, ModeX: true},
}

// Covers reports whether a holder of held needs no new grant for requested.
func Covers(held, requested Mode) bool {
	return covers[held][requested]
}

// combine[held][requested] is the weakest mode satisfying both, used when a
// holder upgrades its grant.
var combine = [modeCount][modeCount]Mode{
	ModeIS: {ModeIS: ModeIS, ModeIX: ModeIX, ModeS: ModeS, ModeX: ModeX},
	ModeIX: {ModeIS: ModeIX, ModeIX: ModeIX, ModeS: ModeX, ModeX: ModeX},
	ModeS:  {ModeIS: ModeS, ModeIX: ModeX, ModeS: ModeS, ModeX: ModeX},
	ModeX:  {ModeIS: ModeX, ModeIX: ModeX, ModeS: ModeX, ModeX: ModeX},
}

// Combine returns the weakest single mode satisfying both arguments.
func Combine(held, requested Mode) Mode {
	return combine[held][requested]
}

// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package timestamp

import (
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// ParseDuration parses a duration string that, on top of the units
// supported by time.ParseDuration, accepts days ("d") and weeks ("w").
func ParseDuration(s string) (time.Duration, error) {
	return str2duration.ParseDuration(s)
}

// DurationFlag is a pflag.Value that fills a time.Duration through
// ParseDuration, so day and week units work on the command line.
type DurationFlag struct {
	d *time.Duration
}

// NewDurationFlag binds d to the flag and seeds it with def.
func NewDurationFlag(d *time.Duration, def time.Duration) *DurationFlag {
	*d = def
	return &DurationFlag{d: d}
}

// Set implements pflag.Value.
func (f *DurationFlag) Set(s string) error {
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*f.d = v
	return nil
}

// String implements pflag.Value.
func (f *DurationFlag) String() string {
	if f == nil || f.d == nil {
		return "0s"
	}
	return f.d.String()
}

// Type implements pflag.Value.
func (f *DurationFlag) Type() string {
	return "duration"
}

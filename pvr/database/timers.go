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

package database

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/pvr/timers"
)

// SaveTimers replaces the timer table.
func (d *DB) SaveTimers(ts []timers.Timer) error {
	return d.replaceAll([]string{"timers"}, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO timers
			(id, client_id, client_timer_id, parent_id, kind, state, channel_id,
			 broadcast_id, title, folder, start_ns, end_ns, priority, lifetime, weekdays)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return errors.Wrap(err, "prepare timer insert")
		}
		defer stmt.Close()
		for _, t := range ts {
			if _, err := stmt.Exec(t.ID, t.ClientID, t.ClientTimerID, t.ParentID,
				int(t.Kind), int(t.State), t.ChannelID, t.BroadcastID,
				t.Title, t.Folder, t.Start.UnixNano(), t.End.UnixNano(),
				t.Priority, t.Lifetime, int(t.Weekdays)); err != nil {
				return errors.Wrapf(err, "insert timer %d", t.ID)
			}
		}
		return nil
	})
}

// LoadTimers reads the timer table in id order.
func (d *DB) LoadTimers() ([]timers.Timer, error) {
	rows, err := d.db.Query(`SELECT id, client_id, client_timer_id, parent_id, kind,
		state, channel_id, broadcast_id, title, folder, start_ns, end_ns,
		priority, lifetime, weekdays FROM timers ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query timers")
	}
	defer rows.Close()
	var out []timers.Timer
	for rows.Next() {
		var t timers.Timer
		var kind, state, weekdays int
		var startNs, endNs int64
		if err := rows.Scan(&t.ID, &t.ClientID, &t.ClientTimerID, &t.ParentID,
			&kind, &state, &t.ChannelID, &t.BroadcastID, &t.Title, &t.Folder,
			&startNs, &endNs, &t.Priority, &t.Lifetime, &weekdays); err != nil {
			return nil, errors.Wrap(err, "scan timer")
		}
		t.Kind = timers.Kind(kind)
		t.State = timers.State(state)
		t.Weekdays = timers.Weekdays(weekdays)
		t.Start = time.Unix(0, startNs).UTC()
		t.End = time.Unix(0, endNs).UTC()
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate timers")
}

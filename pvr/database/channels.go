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

	"github.com/pkg/errors"

	"github.com/oakleaf-io/oakleaf/pvr/channels"
)

// SaveChannels replaces the channel table.
func (d *DB) SaveChannels(chans []channels.Channel) error {
	return d.replaceAll([]string{"channels"}, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO channels
			(id, client_id, unique_id, name, major, minor, icon_path, radio, hidden, epg_enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return errors.Wrap(err, "prepare channel insert")
		}
		defer stmt.Close()
		for _, c := range chans {
			if _, err := stmt.Exec(c.ID, c.ClientID, c.UniqueID, c.Name,
				c.Number.Major, c.Number.Minor, c.IconPath,
				c.Radio, c.Hidden, c.EPGEnabled); err != nil {
				return errors.Wrapf(err, "insert channel %d", c.ID)
			}
		}
		return nil
	})
}

// LoadChannels reads the channel table in id order.
func (d *DB) LoadChannels() ([]channels.Channel, error) {
	rows, err := d.db.Query(`SELECT id, client_id, unique_id, name, major, minor,
		icon_path, radio, hidden, epg_enabled FROM channels ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query channels")
	}
	defer rows.Close()
	var out []channels.Channel
	for rows.Next() {
		var c channels.Channel
		if err := rows.Scan(&c.ID, &c.ClientID, &c.UniqueID, &c.Name,
			&c.Number.Major, &c.Number.Minor, &c.IconPath,
			&c.Radio, &c.Hidden, &c.EPGEnabled); err != nil {
			return nil, errors.Wrap(err, "scan channel")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate channels")
}

// SaveGroups replaces the group tables. The derived all-groups are
// skipped: they are rebuilt from the channel table on load.
func (d *DB) SaveGroups(groups []channels.Group) error {
	return d.replaceAll([]string{"channel_groups", "group_members"}, func(tx *sql.Tx) error {
		gstmt, err := tx.Prepare(`INSERT INTO channel_groups (id, name, radio, position)
			VALUES (?, ?, ?, ?)`)
		if err != nil {
			return errors.Wrap(err, "prepare group insert")
		}
		defer gstmt.Close()
		mstmt, err := tx.Prepare(`INSERT INTO group_members (group_id, channel_id, ord)
			VALUES (?, ?, ?)`)
		if err != nil {
			return errors.Wrap(err, "prepare member insert")
		}
		defer mstmt.Close()
		for _, g := range groups {
			if g.All {
				continue
			}
			if _, err := gstmt.Exec(g.ID, g.Name, g.Radio, g.Position); err != nil {
				return errors.Wrapf(err, "insert group %d", g.ID)
			}
			for _, m := range g.Members {
				if _, err := mstmt.Exec(g.ID, m.ChannelID, m.Order); err != nil {
					return errors.Wrapf(err, "insert member %d of group %d", m.ChannelID, g.ID)
				}
			}
		}
		return nil
	})
}

// LoadGroups reads the group tables.
func (d *DB) LoadGroups() ([]channels.Group, error) {
	rows, err := d.db.Query(`SELECT id, name, radio, position FROM channel_groups ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query groups")
	}
	defer rows.Close()
	var out []channels.Group
	byID := make(map[int]int)
	for rows.Next() {
		var g channels.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Radio, &g.Position); err != nil {
			return nil, errors.Wrap(err, "scan group")
		}
		byID[g.ID] = len(out)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate groups")
	}

	mrows, err := d.db.Query(`SELECT group_id, channel_id, ord FROM group_members ORDER BY group_id, ord`)
	if err != nil {
		return nil, errors.Wrap(err, "query members")
	}
	defer mrows.Close()
	for mrows.Next() {
		var groupID int
		var m channels.Member
		if err := mrows.Scan(&groupID, &m.ChannelID, &m.Order); err != nil {
			return nil, errors.Wrap(err, "scan member")
		}
		if idx, ok := byID[groupID]; ok {
			out[idx].Members = append(out[idx].Members, m)
		}
	}
	return out, errors.Wrap(mrows.Err(), "iterate members")
}

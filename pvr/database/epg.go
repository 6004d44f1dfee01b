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

	"github.com/oakleaf-io/oakleaf/pvr/epg"
)

// SaveEPGForChannel replaces one channel's stored guide.
func (d *DB) SaveEPGForChannel(channelID int, tags []epg.Tag) error {
	tx, err := d.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if _, err := tx.Exec(`DELETE FROM epg_tags WHERE channel_id = ?`, channelID); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "clear channel guide")
	}
	if err := insertTags(tx, tags); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// SaveEPG replaces the whole guide table.
func (d *DB) SaveEPG(tags []epg.Tag) error {
	return d.replaceAll([]string{"epg_tags"}, func(tx *sql.Tx) error {
		return insertTags(tx, tags)
	})
}

func insertTags(tx *sql.Tx, tags []epg.Tag) error {
	stmt, err := tx.Prepare(`INSERT INTO epg_tags
		(channel_id, start_ns, end_ns, broadcast_id, title, plot, genre,
		 series_number, episode_number, episode_name, parental_rating)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare tag insert")
	}
	defer stmt.Close()
	for _, t := range tags {
		if t.Gap {
			continue
		}
		if _, err := stmt.Exec(t.ChannelID, t.Start.UnixNano(), t.End.UnixNano(),
			t.BroadcastID, t.Title, t.Plot, t.Genre,
			t.SeriesNumber, t.EpisodeNumber, t.EpisodeName, t.ParentalRating); err != nil {
			return errors.Wrapf(err, "insert tag %d/%d", t.ChannelID, t.BroadcastID)
		}
	}
	return nil
}

// PruneEPGBefore drops programmes ending before the cutoff.
func (d *DB) PruneEPGBefore(cutoff time.Time) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM epg_tags WHERE end_ns <= ?`, cutoff.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "prune guide")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LoadEPG reads the whole guide table in channel then start order.
func (d *DB) LoadEPG() ([]epg.Tag, error) {
	rows, err := d.db.Query(`SELECT channel_id, start_ns, end_ns, broadcast_id, title,
		plot, genre, series_number, episode_number, episode_name, parental_rating
		FROM epg_tags ORDER BY channel_id, start_ns`)
	if err != nil {
		return nil, errors.Wrap(err, "query guide")
	}
	defer rows.Close()
	var out []epg.Tag
	for rows.Next() {
		var t epg.Tag
		var startNs, endNs int64
		if err := rows.Scan(&t.ChannelID, &startNs, &endNs, &t.BroadcastID, &t.Title,
			&t.Plot, &t.Genre, &t.SeriesNumber, &t.EpisodeNumber,
			&t.EpisodeName, &t.ParentalRating); err != nil {
			return nil, errors.Wrap(err, "scan tag")
		}
		t.Start = time.Unix(0, startNs).UTC()
		t.End = time.Unix(0, endNs).UTC()
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate guide")
}

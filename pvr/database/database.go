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

// Package database persists the engine state in a sqlite file. Every
// saver replaces its whole table inside one transaction, so the file
// always holds a consistent snapshot.
package database

import (
	"database/sql"

	"github.com/pkg/errors"
	// Pure-Go sqlite driver.
	_ "modernc.org/sqlite"

	"github.com/oakleaf-io/oakleaf/pkg/logger"
)

const schemaVersion = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id          INTEGER PRIMARY KEY,
		client_id   INTEGER NOT NULL,
		unique_id   INTEGER NOT NULL,
		name        TEXT NOT NULL,
		major       INTEGER NOT NULL,
		minor       INTEGER NOT NULL,
		icon_path   TEXT NOT NULL DEFAULT '',
		radio       INTEGER NOT NULL,
		hidden      INTEGER NOT NULL,
		epg_enabled INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channel_groups (
		id       INTEGER PRIMARY KEY,
		name     TEXT NOT NULL,
		radio    INTEGER NOT NULL,
		position INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id   INTEGER NOT NULL,
		channel_id INTEGER NOT NULL,
		ord        INTEGER NOT NULL,
		PRIMARY KEY (group_id, channel_id)
	)`,
	`CREATE TABLE IF NOT EXISTS timers (
		id              INTEGER PRIMARY KEY,
		client_id       INTEGER NOT NULL,
		client_timer_id INTEGER NOT NULL,
		parent_id       INTEGER NOT NULL,
		kind            INTEGER NOT NULL,
		state           INTEGER NOT NULL,
		channel_id      INTEGER NOT NULL,
		broadcast_id    INTEGER NOT NULL,
		title           TEXT NOT NULL,
		folder          TEXT NOT NULL DEFAULT '',
		start_ns        INTEGER NOT NULL,
		end_ns          INTEGER NOT NULL,
		priority        INTEGER NOT NULL,
		lifetime        INTEGER NOT NULL,
		weekdays        INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS epg_tags (
		channel_id      INTEGER NOT NULL,
		start_ns        INTEGER NOT NULL,
		end_ns          INTEGER NOT NULL,
		broadcast_id    INTEGER NOT NULL,
		title           TEXT NOT NULL,
		plot            TEXT NOT NULL DEFAULT '',
		genre           TEXT NOT NULL DEFAULT '',
		series_number   INTEGER NOT NULL,
		episode_number  INTEGER NOT NULL,
		episode_name    TEXT NOT NULL DEFAULT '',
		parental_rating INTEGER NOT NULL,
		PRIMARY KEY (channel_id, start_ns)
	)`,
}

// DB wraps the sqlite handle.
type DB struct {
	l  *logger.Logger
	db *sql.DB
}

// Open opens or creates the database file and migrates the schema.
func Open(path string) (*DB, error) {
	h, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// The driver serializes writers; one connection keeps the
	// transactions from tripping over each other.
	h.SetMaxOpenConns(1)
	d := &DB{l: logger.GetLogger("pvr-db"), db: h}
	if err := d.migrate(); err != nil {
		_ = h.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate() error {
	if _, err := d.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return errors.Wrap(err, "set journal mode")
	}
	var version int
	if err := d.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}
	if version > schemaVersion {
		return errors.Errorf("database schema %d is newer than supported %d", version, schemaVersion)
	}
	if version == schemaVersion {
		return nil
	}
	for _, stmt := range schema {
		if _, err := d.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "create schema")
		}
	}
	if _, err := d.db.Exec(`PRAGMA user_version = 1`); err != nil {
		return errors.Wrap(err, "stamp schema version")
	}
	d.l.Info().Int("from", version).Int("to", schemaVersion).Msg("migrated schema")
	return nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) replaceAll(tables []string, fill func(tx *sql.Tx) error) error {
	tx, err := d.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	for _, table := range tables {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "clear %s", table)
		}
	}
	if err := fill(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

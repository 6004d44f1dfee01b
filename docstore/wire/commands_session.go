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

package wire

import (
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/status"
)

type sessionIDList struct {
	IDs []struct {
		ID bson.Binary `bson:"id"`
	}
}

func parseSessionIDs(body bson.Raw, key string) ([]uuid.UUID, error) {
	var list sessionIDList
	raw, err := body.LookupErr(key)
	if err != nil {
		return nil, status.Errf(status.BadValue, "%s requires an array of session ids", key)
	}
	if err := raw.Unmarshal(&list.IDs); err != nil {
		return nil, status.Errf(status.BadValue, "%s requires an array of session ids", key)
	}
	out := make([]uuid.UUID, 0, len(list.IDs))
	for _, el := range list.IDs {
		id, err := uuid.FromBytes(el.ID.Data)
		if err != nil {
			return nil, status.Err(status.BadValue, "session id must be a 16-byte UUID")
		}
		out = append(out, id)
	}
	return out, nil
}

// endSessions retires the named sessions. A session still checked out
// ends when its holder checks in; unknown sessions are ignored.
func (c *commandCtx) endSessions() (bson.D, error) {
	ids, err := parseSessionIDs(c.body, "endSessions")
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		c.d.deps.Sessions.End(id)
	}
	return okDoc(), nil
}

// killSessions interrupts whatever each named session is running, then
// checks the session out ahead of its queue to scrub its cursors before
// ending it. Sessions this server has never seen are ignored.
func (c *commandCtx) killSessions() (bson.D, error) {
	ids, err := parseSessionIDs(c.body, "killSessions")
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		tok, err := c.d.deps.Sessions.Kill(id, status.SessionKilled)
		if err != nil {
			if status.IsCode(err, status.NoSuchSession) {
				continue
			}
			return nil, err
		}
		if err := c.d.deps.Sessions.CheckOutForKill(c.op, tok); err != nil {
			if status.IsCode(err, status.NoSuchSession) {
				continue
			}
			return nil, err
		}
		c.d.deps.Cursors.KillSession(id.String())
		if err := c.d.deps.Sessions.CheckIn(c.op, id); err != nil {
			return nil, err
		}
		c.d.deps.Sessions.End(id)
	}
	return okDoc(), nil
}

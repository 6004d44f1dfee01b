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
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/pipeline"
	"github.com/oakleaf-io/oakleaf/docstore/query"
	"github.com/oakleaf-io/oakleaf/docstore/status"
)

func (c *commandCtx) find() (bson.D, error) {
	var req query.FindRequest
	if err := bson.Unmarshal(c.body, &req); err != nil {
		return nil, status.Err(status.BadValue, "malformed find command")
	}
	reply, err := c.d.deps.Queries.Find(c.op, c.db, &req)
	if err != nil {
		return nil, err
	}
	return okDoc(cursorDoc(reply.ID, reply.Namespace, reply.Batch, reply.FirstBatch)), nil
}

func (c *commandCtx) getMore() (bson.D, error) {
	var req query.GetMoreRequest
	if err := bson.Unmarshal(c.body, &req); err != nil {
		return nil, status.Err(status.BadValue, "malformed getMore command")
	}
	reply, err := c.d.deps.Queries.GetMore(c.op, c.db, &req)
	if err != nil {
		return nil, err
	}
	return okDoc(cursorDoc(reply.ID, reply.Namespace, reply.Batch, reply.FirstBatch)), nil
}

func (c *commandCtx) killCursors() (bson.D, error) {
	var req query.KillCursorsRequest
	if err := bson.Unmarshal(c.body, &req); err != nil {
		return nil, status.Err(status.BadValue, "malformed killCursors command")
	}
	reply, err := c.d.deps.Queries.KillCursors(c.op, c.db, &req)
	if err != nil {
		return nil, err
	}
	return okDoc(
		bson.E{Key: "cursorsKilled", Value: int64Array(reply.Killed)},
		bson.E{Key: "cursorsNotFound", Value: int64Array(reply.NotFound)},
	), nil
}

func (c *commandCtx) aggregate() (bson.D, error) {
	var req pipeline.Request
	if err := bson.Unmarshal(c.body, &req); err != nil {
		return nil, status.Err(status.BadValue, "malformed aggregate command")
	}
	reply, err := c.d.deps.Pipelines.Aggregate(c.op, c.db, &req)
	if err != nil {
		return nil, err
	}
	return okDoc(cursorDoc(reply.ID, reply.Namespace, reply.Batch, reply.FirstBatch)), nil
}

func (c *commandCtx) count() (bson.D, error) {
	var req query.CountRequest
	if err := bson.Unmarshal(c.body, &req); err != nil {
		return nil, status.Err(status.BadValue, "malformed count command")
	}
	n, err := c.d.deps.Queries.Count(c.op, c.db, &req)
	if err != nil {
		return nil, err
	}
	return okDoc(bson.E{Key: "n", Value: n}), nil
}

func int64Array(ids []int64) bson.A {
	out := make(bson.A, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}

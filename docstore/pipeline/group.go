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

package pipeline

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/catalog"
	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/operation"
	"github.com/oakleaf-io/oakleaf/docstore/query"
	"github.com/oakleaf-io/oakleaf/docstore/status"
)

// expr is the tiny expression language $group understands: a "$path"
// field reference or a constant.
type expr struct {
	path  string
	value bson.RawValue
}

func parseExpr(v bson.RawValue) expr {
	if s, ok := v.StringValueOK(); ok && strings.HasPrefix(s, "$") {
		return expr{path: s[1:]}
	}
	return expr{value: v}
}

// eval resolves the expression against a document. A field reference
// that misses resolves to null, so every group key and accumulator
// input is a usable BSON value.
func (e expr) eval(doc bson.Raw) bson.RawValue {
	if e.path == "" {
		return e.value
	}
	vals := docmodel.PathValues(doc, e.path)
	if len(vals) == 0 {
		return docmodel.NullValue()
	}
	return vals[0]
}

type accumKind int

const (
	accumSum accumKind = iota
	accumAvg
	accumMin
	accumMax
	accumFirst
	accumLast
	accumPush
)

var accumNames = map[string]accumKind{
	"$sum":   accumSum,
	"$avg":   accumAvg,
	"$min":   accumMin,
	"$max":   accumMax,
	"$first": accumFirst,
	"$last":  accumLast,
	"$push":  accumPush,
}

type accumDef struct {
	field string
	kind  accumKind
	arg   expr
}

type groupSpec struct {
	id     expr
	idDoc  []struct {
		field string
		arg   expr
	}
	accums []accumDef
}

func parseGroup(spec bson.Raw) (*groupSpec, error) {
	elems, err := spec.Elements()
	if err != nil {
		return nil, status.Err(status.BadValue, "$group is not a valid document")
	}
	g := &groupSpec{}
	sawID := false
	for _, el := range elems {
		if el.Key() == "_id" {
			sawID = true
			v := el.Value()
			if d, ok := v.DocumentOK(); ok {
				fields, err := d.Elements()
				if err != nil {
					return nil, status.Err(status.BadValue, "$group _id is not a valid document")
				}
				for _, f := range fields {
					g.idDoc = append(g.idDoc, struct {
						field string
						arg   expr
					}{field: f.Key(), arg: parseExpr(f.Value())})
				}
				continue
			}
			g.id = parseExpr(v)
			continue
		}
		body, ok := el.Value().DocumentOK()
		if !ok {
			return nil, status.Errf(status.BadValue, "$group field %s must be an accumulator document", el.Key())
		}
		ops, err := body.Elements()
		if err != nil || len(ops) != 1 {
			return nil, status.Errf(status.BadValue, "$group field %s must hold exactly one accumulator", el.Key())
		}
		kind, ok := accumNames[ops[0].Key()]
		if !ok {
			return nil, status.Errf(status.BadValue, "unrecognized accumulator %q", ops[0].Key())
		}
		g.accums = append(g.accums, accumDef{field: el.Key(), kind: kind, arg: parseExpr(ops[0].Value())})
	}
	if !sawID {
		return nil, status.Err(status.BadValue, "$group requires an _id expression")
	}
	return g, nil
}

// numeric carries a sum that stays integral until a double joins in,
// matching the BSON arithmetic of the stored values.
type numeric struct {
	i       int64
	f       float64
	isFloat bool
	n       int64
}

func (a *numeric) add(v bson.RawValue) {
	switch v.Type {
	case bson.TypeInt32:
		i, _ := v.Int32OK()
		a.addInt(int64(i))
	case bson.TypeInt64:
		i, _ := v.Int64OK()
		a.addInt(i)
	case bson.TypeDouble:
		f, _ := v.DoubleOK()
		if !a.isFloat {
			a.isFloat = true
			a.f = float64(a.i)
		}
		a.f += f
		a.n++
	}
}

func (a *numeric) addInt(i int64) {
	if a.isFloat {
		a.f += float64(i)
	} else {
		a.i += i
	}
	a.n++
}

func (a *numeric) sum() interface{} {
	if a.isFloat {
		return a.f
	}
	return a.i
}

func (a *numeric) avg() interface{} {
	if a.n == 0 {
		return nil
	}
	if a.isFloat {
		return a.f / float64(a.n)
	}
	return float64(a.i) / float64(a.n)
}

type accumState struct {
	num   numeric
	best  bson.RawValue
	seen  bool
	items bson.A
}

type groupBucket struct {
	id     interface{}
	states []accumState
}

// groupStage drains its input into buckets keyed by the _id expression
// and emits one document per bucket in first-seen order.
type groupStage struct {
	blocking
	src    query.Cursorable
	spec   *groupSpec
	memMax int
}

func (s *groupStage) Next() (bson.Raw, bool, error) {
	if !s.drained {
		if err := s.drain(); err != nil {
			return nil, false, err
		}
	}
	return s.emit()
}

func (s *groupStage) drain() error {
	defer func() {
		s.src.Close()
		s.src = nil
		s.drained = true
	}()
	buckets := make(map[string]*groupBucket)
	var order []string
	used := 0
	for {
		doc, ok, err := s.src.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		key, id, err := s.keyOf(doc)
		if err != nil {
			return err
		}
		b, ok := buckets[key]
		if !ok {
			b = &groupBucket{id: id, states: make([]accumState, len(s.spec.accums))}
			buckets[key] = b
			order = append(order, key)
			used += len(key)
		}
		for i, def := range s.spec.accums {
			used += s.accumulate(&b.states[i], def, doc)
		}
		if used > s.memMax {
			return status.Err(status.SortExceededMemoryLimit, "$group exceeded its memory limit")
		}
	}
	s.out = make([]bson.Raw, 0, len(order))
	for _, key := range order {
		doc, err := s.render(buckets[key])
		if err != nil {
			return err
		}
		s.out = append(s.out, doc)
	}
	return nil
}

// keyOf evaluates the _id expression and returns both the bucket key
// (the order-preserving encoding, used for equality only) and the value
// rendered into the output document.
func (s *groupStage) keyOf(doc bson.Raw) (string, interface{}, error) {
	if s.spec.idDoc != nil {
		var key []byte
		id := make(bson.D, 0, len(s.spec.idDoc))
		for _, f := range s.spec.idDoc {
			v := f.arg.eval(doc)
			enc, err := catalog.EncodeValue(v)
			if err != nil {
				return "", nil, status.Errf(status.BadValue, "cannot group by %s: %v", f.field, err)
			}
			key = append(key, enc...)
			id = append(id, bson.E{Key: f.field, Value: v})
		}
		return string(key), id, nil
	}
	v := s.spec.id.eval(doc)
	enc, err := catalog.EncodeValue(v)
	if err != nil {
		return "", nil, status.Errf(status.BadValue, "cannot group by _id: %v", err)
	}
	return string(enc), v, nil
}

// accumulate folds one document into a state and reports the bytes the
// state grew by, for the memory budget.
func (s *groupStage) accumulate(st *accumState, def accumDef, doc bson.Raw) int {
	v := def.arg.eval(doc)
	switch def.kind {
	case accumSum, accumAvg:
		st.num.add(v)
		return 0
	case accumMin:
		if v.Type == bson.TypeNull {
			return 0
		}
		if !st.seen || docmodel.CompareValues(v, st.best) < 0 {
			st.best = v
			st.seen = true
		}
		return 0
	case accumMax:
		if v.Type == bson.TypeNull {
			return 0
		}
		if !st.seen || docmodel.CompareValues(v, st.best) > 0 {
			st.best = v
			st.seen = true
		}
		return 0
	case accumFirst:
		if !st.seen {
			st.best = v
			st.seen = true
		}
		return 0
	case accumLast:
		st.best = v
		st.seen = true
		return 0
	case accumPush:
		st.items = append(st.items, v)
		return len(v.Value) + 1
	}
	return 0
}

func (s *groupStage) render(b *groupBucket) (bson.Raw, error) {
	out := bson.D{{Key: "_id", Value: b.id}}
	for i, def := range s.spec.accums {
		st := &b.states[i]
		var v interface{}
		switch def.kind {
		case accumSum:
			v = st.num.sum()
		case accumAvg:
			v = st.num.avg()
		case accumMin, accumMax, accumFirst, accumLast:
			if st.seen {
				v = st.best
			}
		case accumPush:
			items := st.items
			if items == nil {
				items = bson.A{}
			}
			v = items
		}
		out = append(out, bson.E{Key: def.field, Value: v})
	}
	return bson.Marshal(out)
}

func (s *groupStage) Detach() error { return s.detachBlocking(s.src) }
func (s *groupStage) Reattach(op *operation.Op) error {
	return s.reattachBlocking(s.src, op)
}
func (s *groupStage) Close() {
	if s.src != nil {
		s.src.Close()
	}
}

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

package query

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/status"
)

func mustRaw(t *testing.T, d bson.D) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(d)
	require.NoError(t, err)
	return raw
}

func mustFilter(t *testing.T, filter bson.D) *Matcher {
	t.Helper()
	m, err := ParseFilter(mustRaw(t, filter))
	require.NoError(t, err)
	return m
}

func matches(t *testing.T, filter, doc bson.D) bool {
	t.Helper()
	return mustFilter(t, filter).Matches(mustRaw(t, doc))
}

func filterErr(t *testing.T, filter bson.D) error {
	t.Helper()
	_, err := ParseFilter(mustRaw(t, filter))
	require.Error(t, err)
	return err
}

func TestMatchEquality(t *testing.T) {
	assert.True(t, matches(t, bson.D{{Key: "name", Value: "ada"}}, bson.D{{Key: "name", Value: "ada"}}))
	assert.False(t, matches(t, bson.D{{Key: "name", Value: "ada"}}, bson.D{{Key: "name", Value: "bob"}}))

	// Numbers compare across widths.
	assert.True(t, matches(t, bson.D{{Key: "n", Value: int64(3)}}, bson.D{{Key: "n", Value: 3.0}}))
	assert.True(t, matches(t, bson.D{{Key: "n", Value: 3.0}}, bson.D{{Key: "n", Value: int32(3)}}))
	assert.False(t, matches(t, bson.D{{Key: "n", Value: int32(3)}}, bson.D{{Key: "n", Value: "3"}}))

	// Dotted paths descend documents.
	assert.True(t, matches(t,
		bson.D{{Key: "a.b", Value: int32(1)}},
		bson.D{{Key: "a", Value: bson.D{{Key: "b", Value: int32(1)}}}}))
	assert.False(t, matches(t,
		bson.D{{Key: "a.b", Value: int32(1)}},
		bson.D{{Key: "a", Value: int32(1)}}))

	// Array fields match by element or by the whole array.
	tagged := bson.D{{Key: "tags", Value: bson.A{"go", "db"}}}
	assert.True(t, matches(t, bson.D{{Key: "tags", Value: "go"}}, tagged))
	assert.False(t, matches(t, bson.D{{Key: "tags", Value: "rust"}}, tagged))
	assert.True(t, matches(t, bson.D{{Key: "tags", Value: bson.A{"go", "db"}}}, tagged))
	assert.False(t, matches(t, bson.D{{Key: "tags", Value: bson.A{"db", "go"}}}, tagged))

	// Document equality is order-sensitive.
	assert.True(t, matches(t,
		bson.D{{Key: "p", Value: bson.D{{Key: "x", Value: int32(1)}, {Key: "y", Value: int32(2)}}}},
		bson.D{{Key: "p", Value: bson.D{{Key: "x", Value: int32(1)}, {Key: "y", Value: int32(2)}}}}))
	assert.False(t, matches(t,
		bson.D{{Key: "p", Value: bson.D{{Key: "y", Value: int32(2)}, {Key: "x", Value: int32(1)}}}},
		bson.D{{Key: "p", Value: bson.D{{Key: "x", Value: int32(1)}, {Key: "y", Value: int32(2)}}}}))
}

func TestMatchNullAndMissing(t *testing.T) {
	// Equality with null matches both explicit null and a missing field.
	assert.True(t, matches(t, bson.D{{Key: "n", Value: nil}}, bson.D{{Key: "n", Value: nil}}))
	assert.True(t, matches(t, bson.D{{Key: "n", Value: nil}}, bson.D{{Key: "other", Value: int32(1)}}))
	assert.False(t, matches(t, bson.D{{Key: "n", Value: nil}}, bson.D{{Key: "n", Value: int32(0)}}))

	// $ne null rejects both.
	ne := bson.D{{Key: "n", Value: bson.D{{Key: "$ne", Value: nil}}}}
	assert.False(t, matches(t, ne, bson.D{{Key: "n", Value: nil}}))
	assert.False(t, matches(t, ne, bson.D{}))
	assert.True(t, matches(t, ne, bson.D{{Key: "n", Value: int32(1)}}))

	// A non-null comparison never matches a missing field.
	assert.False(t, matches(t, bson.D{{Key: "n", Value: bson.D{{Key: "$gte", Value: int32(0)}}}}, bson.D{}))

	// $in with a null element admits a missing field.
	inNull := bson.D{{Key: "n", Value: bson.D{{Key: "$in", Value: bson.A{nil, int32(7)}}}}}
	assert.True(t, matches(t, inNull, bson.D{}))
	assert.True(t, matches(t, inNull, bson.D{{Key: "n", Value: int32(7)}}))
	assert.False(t, matches(t, inNull, bson.D{{Key: "n", Value: int32(8)}}))
}

func TestMatchComparisonOperators(t *testing.T) {
	gt5 := bson.D{{Key: "n", Value: bson.D{{Key: "$gt", Value: int32(5)}}}}
	assert.True(t, matches(t, gt5, bson.D{{Key: "n", Value: int32(6)}}))
	assert.True(t, matches(t, gt5, bson.D{{Key: "n", Value: 5.5}}))
	assert.False(t, matches(t, gt5, bson.D{{Key: "n", Value: int32(5)}}))
	// Range operators stay inside the comparison class.
	assert.False(t, matches(t, gt5, bson.D{{Key: "n", Value: "x"}}))
	assert.False(t, matches(t, gt5, bson.D{{Key: "n", Value: true}}))

	gte := bson.D{{Key: "n", Value: bson.D{{Key: "$gte", Value: int32(5)}}}}
	assert.True(t, matches(t, gte, bson.D{{Key: "n", Value: int32(5)}}))
	lt := bson.D{{Key: "n", Value: bson.D{{Key: "$lt", Value: 5.5}}}}
	assert.True(t, matches(t, lt, bson.D{{Key: "n", Value: int32(5)}}))
	assert.False(t, matches(t, lt, bson.D{{Key: "n", Value: int32(6)}}))
	lte := bson.D{{Key: "n", Value: bson.D{{Key: "$lte", Value: int32(5)}}}}
	assert.True(t, matches(t, lte, bson.D{{Key: "n", Value: int64(5)}}))

	// Bounds combine on one path.
	between := bson.D{{Key: "n", Value: bson.D{
		{Key: "$gt", Value: int32(2)},
		{Key: "$lt", Value: int32(8)},
	}}}
	assert.True(t, matches(t, between, bson.D{{Key: "n", Value: int32(5)}}))
	assert.False(t, matches(t, between, bson.D{{Key: "n", Value: int32(9)}}))

	// MinKey and MaxKey range over every class.
	gtMin := bson.D{{Key: "n", Value: bson.D{{Key: "$gt", Value: bson.MinKey{}}}}}
	assert.True(t, matches(t, gtMin, bson.D{{Key: "n", Value: "s"}}))
	assert.True(t, matches(t, gtMin, bson.D{{Key: "n", Value: int32(0)}}))
	ltMax := bson.D{{Key: "n", Value: bson.D{{Key: "$lt", Value: bson.MaxKey{}}}}}
	assert.True(t, matches(t, ltMax, bson.D{{Key: "n", Value: true}}))
}

func TestMatchInNin(t *testing.T) {
	in := bson.D{{Key: "k", Value: bson.D{{Key: "$in", Value: bson.A{int32(1), "two"}}}}}
	assert.True(t, matches(t, in, bson.D{{Key: "k", Value: int64(1)}}))
	assert.True(t, matches(t, in, bson.D{{Key: "k", Value: "two"}}))
	assert.False(t, matches(t, in, bson.D{{Key: "k", Value: int32(3)}}))
	// An array field matches through its elements.
	assert.True(t, matches(t, in, bson.D{{Key: "k", Value: bson.A{int32(9), "two"}}}))

	// Regex elements match string candidates.
	inRe := bson.D{{Key: "k", Value: bson.D{{Key: "$in", Value: bson.A{
		int32(1), bson.Regex{Pattern: "^ab"},
	}}}}}
	assert.True(t, matches(t, inRe, bson.D{{Key: "k", Value: "abc"}}))
	assert.False(t, matches(t, inRe, bson.D{{Key: "k", Value: "xabc"}}))

	nin := bson.D{{Key: "k", Value: bson.D{{Key: "$nin", Value: bson.A{int32(1), int32(2)}}}}}
	assert.True(t, matches(t, nin, bson.D{{Key: "k", Value: int32(3)}}))
	assert.False(t, matches(t, nin, bson.D{{Key: "k", Value: int32(2)}}))
	// Missing is not in the list, so $nin matches.
	assert.True(t, matches(t, nin, bson.D{}))
}

func TestMatchExists(t *testing.T) {
	ex := bson.D{{Key: "k", Value: bson.D{{Key: "$exists", Value: true}}}}
	assert.True(t, matches(t, ex, bson.D{{Key: "k", Value: nil}}))
	assert.False(t, matches(t, ex, bson.D{{Key: "other", Value: int32(1)}}))

	nex := bson.D{{Key: "k", Value: bson.D{{Key: "$exists", Value: int32(0)}}}}
	assert.True(t, matches(t, nex, bson.D{}))
	assert.False(t, matches(t, nex, bson.D{{Key: "k", Value: int32(1)}}))

	// Exists descends dotted paths.
	deep := bson.D{{Key: "a.b", Value: bson.D{{Key: "$exists", Value: true}}}}
	assert.True(t, matches(t, deep, bson.D{{Key: "a", Value: bson.D{{Key: "b", Value: int32(1)}}}}))
	assert.False(t, matches(t, deep, bson.D{{Key: "a", Value: bson.D{{Key: "c", Value: int32(1)}}}}))
}

func TestMatchLogicalOperators(t *testing.T) {
	and := bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "a", Value: int32(1)}},
		bson.D{{Key: "b", Value: bson.D{{Key: "$gt", Value: int32(5)}}}},
	}}}
	assert.True(t, matches(t, and, bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(6)}}))
	assert.False(t, matches(t, and, bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(5)}}))

	or := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "a", Value: int32(1)}},
		bson.D{{Key: "b", Value: int32(2)}},
	}}}
	assert.True(t, matches(t, or, bson.D{{Key: "b", Value: int32(2)}}))
	assert.False(t, matches(t, or, bson.D{{Key: "a", Value: int32(2)}}))

	nor := bson.D{{Key: "$nor", Value: bson.A{
		bson.D{{Key: "a", Value: int32(1)}},
		bson.D{{Key: "b", Value: int32(2)}},
	}}}
	assert.True(t, matches(t, nor, bson.D{{Key: "a", Value: int32(9)}}))
	assert.False(t, matches(t, nor, bson.D{{Key: "b", Value: int32(2)}}))

	not := bson.D{{Key: "n", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$gt", Value: int32(5)}}}}}}
	assert.True(t, matches(t, not, bson.D{{Key: "n", Value: int32(3)}}))
	// $not also matches where the inner predicate cannot.
	assert.True(t, matches(t, not, bson.D{}))
	assert.False(t, matches(t, not, bson.D{{Key: "n", Value: int32(7)}}))
}

func TestMatchRegex(t *testing.T) {
	re := bson.D{{Key: "name", Value: bson.D{
		{Key: "$regex", Value: "^jo"},
		{Key: "$options", Value: "i"},
	}}}
	assert.True(t, matches(t, re, bson.D{{Key: "name", Value: "Jonah"}}))
	assert.False(t, matches(t, re, bson.D{{Key: "name", Value: "ajo"}}))
	assert.False(t, matches(t, re, bson.D{{Key: "name", Value: int32(1)}}))

	bare := bson.D{{Key: "name", Value: bson.Regex{Pattern: "^jo"}}}
	assert.True(t, matches(t, bare, bson.D{{Key: "name", Value: "jonah"}}))
	assert.False(t, matches(t, bare, bson.D{{Key: "name", Value: "Jonah"}}))

	// Array elements are candidates.
	assert.True(t, matches(t, bare, bson.D{{Key: "name", Value: bson.A{"xx", "jon"}}}))

	err := filterErr(t, bson.D{{Key: "name", Value: bson.D{
		{Key: "$regex", Value: "^jo"},
		{Key: "$options", Value: "ix"},
	}}})
	assert.True(t, status.IsCode(err, status.BadValue))

	err = filterErr(t, bson.D{{Key: "name", Value: bson.D{{Key: "$options", Value: "i"}}}})
	assert.True(t, status.IsCode(err, status.BadValue))

	err = filterErr(t, bson.D{{Key: "name", Value: bson.D{{Key: "$regex", Value: "["}}}})
	assert.True(t, status.IsCode(err, status.BadValue))
}

func TestMatchArrayElementPredicates(t *testing.T) {
	scores := bson.D{{Key: "scores", Value: bson.A{int32(85), int32(95)}}}
	assert.True(t, matches(t, bson.D{{Key: "scores", Value: bson.D{{Key: "$gt", Value: int32(90)}}}}, scores))
	assert.False(t, matches(t, bson.D{{Key: "scores", Value: bson.D{{Key: "$gt", Value: int32(99)}}}}, scores))

	// Documents inside arrays fan out on dotted paths.
	items := bson.D{{Key: "items", Value: bson.A{
		bson.D{{Key: "sku", Value: "a"}},
		bson.D{{Key: "sku", Value: "b"}},
	}}}
	assert.True(t, matches(t, bson.D{{Key: "items.sku", Value: "b"}}, items))
	assert.False(t, matches(t, bson.D{{Key: "items.sku", Value: "c"}}, items))

	// A numeric path component indexes the array.
	assert.True(t, matches(t, bson.D{{Key: "items.1.sku", Value: "b"}}, items))
	assert.False(t, matches(t, bson.D{{Key: "items.2.sku", Value: "b"}}, items))

	// Nested arrays are not descended a second level.
	nested := bson.D{{Key: "m", Value: bson.A{bson.A{int32(5)}}}}
	assert.False(t, matches(t, bson.D{{Key: "m", Value: int32(5)}}, nested))
}

func TestParseFilterErrors(t *testing.T) {
	for name, filter := range map[string]bson.D{
		"unknown top-level": {{Key: "$fancy", Value: int32(1)}},
		"unknown operator":  {{Key: "a", Value: bson.D{{Key: "$near", Value: int32(1)}}}},
		"and not array":     {{Key: "$and", Value: int32(1)}},
		"and empty":         {{Key: "$and", Value: bson.A{}}},
		"or bad element":    {{Key: "$or", Value: bson.A{int32(1)}}},
		"in not array":      {{Key: "a", Value: bson.D{{Key: "$in", Value: int32(1)}}}},
		"not bad argument":  {{Key: "a", Value: bson.D{{Key: "$not", Value: int32(1)}}}},
		"empty field name":  {{Key: "", Value: int32(1)}},
	} {
		err := filterErr(t, filter)
		assert.True(t, status.IsCode(err, status.BadValue), "%s: got %v", name, err)
	}
}

func TestTextExtraction(t *testing.T) {
	m := mustFilter(t, bson.D{
		{Key: "$text", Value: bson.D{{Key: "$search", Value: "quick fox"}}},
		{Key: "lang", Value: "en"},
	})
	assert.Equal(t, "quick fox", m.TextSearch())
	// The residual matcher evaluates everything but $text.
	assert.True(t, m.Matches(mustRaw(t, bson.D{{Key: "lang", Value: "en"}})))
	assert.False(t, m.Matches(mustRaw(t, bson.D{{Key: "lang", Value: "de"}})))

	err := filterErr(t, bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "$text", Value: bson.D{{Key: "$search", Value: "x"}}}},
	}}})
	assert.True(t, status.IsCode(err, status.BadValue))

	err = filterErr(t, bson.D{
		{Key: "$text", Value: bson.D{{Key: "$search", Value: "a"}}},
		{Key: "$and", Value: bson.A{bson.D{{Key: "$text", Value: bson.D{{Key: "$search", Value: "b"}}}}}},
	})
	assert.True(t, status.IsCode(err, status.BadValue))

	err = filterErr(t, bson.D{{Key: "$text", Value: bson.D{{Key: "$search", Value: ""}}}})
	assert.True(t, status.IsCode(err, status.BadValue))
}

func TestSargCollection(t *testing.T) {
	m := mustFilter(t, bson.D{
		{Key: "a", Value: int32(1)},
		{Key: "b", Value: bson.D{{Key: "$gt", Value: int32(5)}, {Key: "$lt", Value: int32(9)}}},
	})
	require.Len(t, m.sargs, 3)
	assert.Equal(t, "$eq", m.sargs[0].op)
	assert.Equal(t, "a", m.sargs[0].path)
	assert.Equal(t, "$gt", m.sargs[1].op)
	assert.Equal(t, "$lt", m.sargs[2].op)

	// Top-level $and arms flatten and stay sargable.
	m = mustFilter(t, bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "a", Value: int32(1)}},
		bson.D{{Key: "b", Value: int32(2)}},
	}}})
	assert.Len(t, m.sargs, 2)

	// Disjuncts must not narrow the whole query.
	m = mustFilter(t, bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "a", Value: int32(1)}},
		bson.D{{Key: "b", Value: int32(2)}},
	}}})
	assert.Empty(t, m.sargs)

	m = mustFilter(t, bson.D{{Key: "$nor", Value: bson.A{bson.D{{Key: "a", Value: int32(1)}}}}})
	assert.Empty(t, m.sargs)

	// Negated predicates are not sargable either.
	m = mustFilter(t, bson.D{{Key: "a", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$eq", Value: int32(1)}}}}}})
	assert.Empty(t, m.sargs)

	m = mustFilter(t, bson.D{{Key: "a", Value: bson.D{{Key: "$in", Value: bson.A{int32(1), int32(2)}}}}})
	require.Len(t, m.sargs, 1)
	assert.Equal(t, "$in", m.sargs[0].op)
	assert.Len(t, m.sargs[0].vals, 2)

	// A regex element makes $in unservable by point lookups.
	m = mustFilter(t, bson.D{{Key: "a", Value: bson.D{{Key: "$in", Value: bson.A{
		int32(1), bson.Regex{Pattern: "x"},
	}}}}})
	assert.Empty(t, m.sargs)
}

func TestParseSort(t *testing.T) {
	fields, err := ParseSort(mustRaw(t, bson.D{
		{Key: "age", Value: int32(-1)},
		{Key: "name", Value: 1.0},
	}))
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, SortField{Path: "age", Desc: true}, fields[0])
	assert.Equal(t, SortField{Path: "name", Desc: false}, fields[1])

	fields, err = ParseSort(nil)
	require.NoError(t, err)
	assert.Empty(t, fields)

	for name, spec := range map[string]bson.D{
		"zero":       {{Key: "a", Value: int32(0)}},
		"two":        {{Key: "a", Value: int32(2)}},
		"fractional": {{Key: "a", Value: 1.5}},
		"string":     {{Key: "a", Value: "asc"}},
	} {
		_, err := ParseSort(mustRaw(t, spec))
		assert.True(t, status.IsCode(err, status.BadValue), "%s: got %v", name, err)
	}
}

func sortedOrder(t *testing.T, fields []SortField, docs []bson.D) []int {
	t.Helper()
	type keyed struct {
		key []byte
		pos int
	}
	keys := make([]keyed, len(docs))
	for i, d := range docs {
		key, err := SortKey(mustRaw(t, d), fields)
		require.NoError(t, err)
		keys[i] = keyed{key: key, pos: i}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return bytes.Compare(keys[i].key, keys[j].key) < 0
	})
	order := make([]int, len(keys))
	for i, k := range keys {
		order[i] = k.pos
	}
	return order
}

func TestSortKeyOrder(t *testing.T) {
	asc := []SortField{{Path: "v"}}
	// Index 2 misses the field and sorts as null; index 5 is an array and
	// sorts by its min element ascending, max element descending.
	docs := []bson.D{
		{{Key: "v", Value: "pear"}},
		{{Key: "v", Value: int32(3)}},
		{},
		{{Key: "v", Value: 7.5}},
		{{Key: "v", Value: "apple"}},
		{{Key: "v", Value: bson.A{9, 2}}},
	}
	assert.Equal(t, []int{2, 5, 1, 3, 4, 0}, sortedOrder(t, asc, docs))

	desc := []SortField{{Path: "v", Desc: true}}
	assert.Equal(t, []int{0, 4, 5, 3, 1, 2}, sortedOrder(t, desc, docs))

	// An empty array sorts with null.
	kEmpty, err := SortKey(mustRaw(t, bson.D{{Key: "v", Value: bson.A{}}}), asc)
	require.NoError(t, err)
	kMissing, err := SortKey(mustRaw(t, bson.D{}), asc)
	require.NoError(t, err)
	assert.Equal(t, kMissing, kEmpty)

	mixed := []SortField{{Path: "a"}, {Path: "b", Desc: true}}
	multi := []bson.D{
		{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(1)}}, // 0
		{{Key: "a", Value: int32(2)}, {Key: "b", Value: int32(0)}}, // 1
		{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(2)}}, // 2
	}
	assert.Equal(t, []int{2, 0, 1}, sortedOrder(t, mixed, multi))
}

func TestParseProjectionErrors(t *testing.T) {
	for name, spec := range map[string]bson.D{
		"mixed modes":       {{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(0)}},
		"path collision":    {{Key: "a", Value: int32(1)}, {Key: "a.b", Value: int32(1)}},
		"reverse collision": {{Key: "a.b", Value: int32(1)}, {Key: "a", Value: int32(1)}},
		"bad value":         {{Key: "a", Value: "yes"}},
		"empty part":        {{Key: "a..b", Value: int32(1)}},
	} {
		_, err := ParseProjection(mustRaw(t, spec))
		assert.True(t, status.IsCode(err, status.BadValue), "%s: got %v", name, err)
	}

	p, err := ParseProjection(nil)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func applyProjection(t *testing.T, spec, doc bson.D) bson.Raw {
	t.Helper()
	p, err := ParseProjection(mustRaw(t, spec))
	require.NoError(t, err)
	require.NotNil(t, p)
	out, err := p.Apply(mustRaw(t, doc))
	require.NoError(t, err)
	return out
}

func TestProjectionApply(t *testing.T) {
	doc := bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "a", Value: int32(2)},
		{Key: "b", Value: bson.D{{Key: "x", Value: int32(3)}, {Key: "y", Value: int32(4)}}},
	}

	assert.Equal(t, mustRaw(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "a", Value: int32(2)}}),
		applyProjection(t, bson.D{{Key: "a", Value: int32(1)}}, doc))

	assert.Equal(t, mustRaw(t, bson.D{{Key: "a", Value: int32(2)}}),
		applyProjection(t, bson.D{{Key: "a", Value: int32(1)}, {Key: "_id", Value: int32(0)}}, doc))

	assert.Equal(t, mustRaw(t, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "b", Value: bson.D{{Key: "x", Value: int32(3)}, {Key: "y", Value: int32(4)}}},
	}), applyProjection(t, bson.D{{Key: "a", Value: int32(0)}}, doc))

	// Dotted inclusion keeps the named branch only.
	assert.Equal(t, mustRaw(t, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "b", Value: bson.D{{Key: "x", Value: int32(3)}}},
	}), applyProjection(t, bson.D{{Key: "b.x", Value: int32(1)}}, doc))

	// Dotted exclusion removes the named branch only.
	assert.Equal(t, mustRaw(t, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "a", Value: int32(2)},
		{Key: "b", Value: bson.D{{Key: "y", Value: int32(4)}}},
	}), applyProjection(t, bson.D{{Key: "b.x", Value: int32(0)}}, doc))

	// An interior path without a match leaves an empty document.
	assert.Equal(t, mustRaw(t, bson.D{{Key: "b", Value: bson.D{}}}),
		applyProjection(t, bson.D{{Key: "b.z", Value: int32(1)}, {Key: "_id", Value: int32(0)}},
			bson.D{{Key: "b", Value: bson.D{{Key: "x", Value: int32(3)}}}}))

	// A lone _id field decides the mode.
	assert.Equal(t, mustRaw(t, bson.D{{Key: "_id", Value: int32(1)}}),
		applyProjection(t, bson.D{{Key: "_id", Value: int32(1)}}, doc))
	assert.Equal(t, mustRaw(t, bson.D{
		{Key: "a", Value: int32(2)},
		{Key: "b", Value: bson.D{{Key: "x", Value: int32(3)}, {Key: "y", Value: int32(4)}}},
	}), applyProjection(t, bson.D{{Key: "_id", Value: int32(0)}}, doc))
}

func TestProjectionApplyArrays(t *testing.T) {
	doc := bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "items", Value: bson.A{
			bson.D{{Key: "name", Value: "x"}, {Key: "qty", Value: int32(2)}},
			bson.D{{Key: "name", Value: "y"}},
			int32(5),
		}},
	}

	// Inclusion maps document elements and drops scalars.
	assert.Equal(t, mustRaw(t, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "items", Value: bson.A{
			bson.D{{Key: "name", Value: "x"}},
			bson.D{{Key: "name", Value: "y"}},
		}},
	}), applyProjection(t, bson.D{{Key: "items.name", Value: int32(1)}}, doc))

	// Exclusion edits document elements and keeps scalars.
	assert.Equal(t, mustRaw(t, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "items", Value: bson.A{
			bson.D{{Key: "name", Value: "x"}},
			bson.D{{Key: "name", Value: "y"}},
			int32(5),
		}},
	}), applyProjection(t, bson.D{{Key: "items.qty", Value: int32(0)}}, doc))
}

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

package catalog

import (
	"bytes"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/status"
)

func rawValue(t *testing.T, v interface{}) bson.RawValue {
	t.Helper()
	raw, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	require.NoError(t, err)
	return bson.Raw(raw).Lookup("v")
}

func encodeOne(t *testing.T, v interface{}) []byte {
	t.Helper()
	key, err := EncodeKey([]bson.RawValue{rawValue(t, v)}, []bool{false})
	require.NoError(t, err)
	return key
}

// orderedGroups lists values in ascending key order; values inside one
// group must encode identically.
func orderedGroups(t *testing.T) [][]bson.RawValue {
	t.Helper()
	groups := [][]interface{}{
		{bson.MinKey{}},
		{nil},
		{math.NaN()},
		{math.Inf(-1)},
		{-1e300},
		{int64(-5)},
		{-2.5},
		{int32(0), 0.0, math.Copysign(0, -1)},
		{0.5},
		{int32(7), int64(7), 7.0},
		{1e300},
		{math.Inf(1)},
		{""},
		{"a"},
		{"a\x00b"},
		{"ab"},
		{"b"},
		{bson.D{}},
		{bson.D{{Key: "a", Value: int32(1)}}},
		{bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(1)}}},
		{bson.D{{Key: "a", Value: int32(2)}}},
		{bson.D{{Key: "b", Value: int32(0)}}},
		{bson.A{}},
		{bson.A{int32(1)}},
		{bson.A{int32(1), int32(2)}},
		{bson.A{int32(2)}},
		{bson.Binary{Subtype: 0x00, Data: []byte{0x01}}},
		{bson.Binary{Subtype: 0x01, Data: []byte{0x00}}},
		{bson.Binary{Subtype: 0x00, Data: []byte{0x01, 0x02}}},
		{bson.ObjectID{0x01}},
		{bson.ObjectID{0x02}},
		{false},
		{true},
		{bson.DateTime(-5)},
		{bson.DateTime(0)},
		{bson.DateTime(1000)},
		{bson.Timestamp{T: 1, I: 1}},
		{bson.Timestamp{T: 1, I: 2}},
		{bson.Timestamp{T: 2, I: 0}},
		{bson.Regex{Pattern: "a"}},
		{bson.Regex{Pattern: "b"}},
		{bson.Regex{Pattern: "b", Options: "i"}},
		{bson.MaxKey{}},
	}
	out := make([][]bson.RawValue, len(groups))
	for i, g := range groups {
		for _, v := range g {
			out[i] = append(out[i], rawValue(t, v))
		}
	}
	return out
}

func TestKeyOrderMatchesValueOrder(t *testing.T) {
	groups := orderedGroups(t)
	type entry struct {
		val   bson.RawValue
		key   []byte
		group int
	}
	var entries []entry
	for gi, group := range groups {
		for _, v := range group {
			key, err := EncodeKey([]bson.RawValue{v}, []bool{false})
			require.NoError(t, err, "encoding %v", v)
			entries = append(entries, entry{val: v, key: key, group: gi})
		}
	}
	for i := range entries {
		for j := range entries {
			want := 0
			switch {
			case entries[i].group < entries[j].group:
				want = -1
			case entries[i].group > entries[j].group:
				want = 1
			}
			got := bytes.Compare(entries[i].key, entries[j].key)
			assert.Equal(t, want, got, "key order of %v vs %v", entries[i].val, entries[j].val)
			cmp := docmodel.CompareValues(entries[i].val, entries[j].val)
			assert.Equal(t, want, sign(cmp), "value order of %v vs %v", entries[i].val, entries[j].val)
		}
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

func TestKeysArePrefixFree(t *testing.T) {
	groups := orderedGroups(t)
	keys := make([][]byte, len(groups))
	for i, g := range groups {
		keys[i] = encodeRaw(t, g[0])
	}
	for i := range keys {
		for j := range keys {
			if i == j {
				continue
			}
			assert.False(t, bytes.HasPrefix(keys[j], keys[i]),
				"key of group %d is a prefix of group %d", i, j)
		}
	}
}

func encodeRaw(t *testing.T, v bson.RawValue) []byte {
	t.Helper()
	key, err := EncodeKey([]bson.RawValue{v}, []bool{false})
	require.NoError(t, err)
	return key
}

func TestDescendingReversesOrder(t *testing.T) {
	groups := orderedGroups(t)
	for i := 0; i+1 < len(groups); i++ {
		a := groups[i][0]
		b := groups[i+1][0]
		ka, err := EncodeKey([]bson.RawValue{a}, []bool{true})
		require.NoError(t, err)
		kb, err := EncodeKey([]bson.RawValue{b}, []bool{true})
		require.NoError(t, err)
		assert.Positive(t, bytes.Compare(ka, kb), "descending order of group %d vs %d", i, i+1)
	}
}

func TestCompoundKeyOrder(t *testing.T) {
	enc := func(a int32, b string) []byte {
		key, err := EncodeKey(
			[]bson.RawValue{rawValue(t, a), rawValue(t, b)},
			[]bool{false, true},
		)
		require.NoError(t, err)
		return key
	}
	// Second component descends, so within one a the larger b sorts first.
	assert.Negative(t, bytes.Compare(enc(1, "y"), enc(1, "x")))
	assert.Negative(t, bytes.Compare(enc(1, "x"), enc(2, "z")))
	assert.Negative(t, bytes.Compare(enc(1, "a"), enc(2, "a")))
	assert.Zero(t, bytes.Compare(enc(3, "q"), enc(3, "q")))
}

func TestNumericUnification(t *testing.T) {
	assert.Equal(t, encodeOne(t, int32(42)), encodeOne(t, 42.0))
	assert.Equal(t, encodeOne(t, int64(42)), encodeOne(t, 42.0))
	d, err := bson.ParseDecimal128("2.5")
	require.NoError(t, err)
	assert.Equal(t, encodeOne(t, 2.5), encodeOne(t, d))
	assert.Equal(t, encodeOne(t, 0.0), encodeOne(t, math.Copysign(0, -1)))
}

func TestTypeBounds(t *testing.T) {
	str := rawValue(t, "hello")
	lower, err := TypeLowerBound(str)
	require.NoError(t, err)
	upper, err := TypeUpperBound(str)
	require.NoError(t, err)
	for _, s := range []string{"", "a", "hello", "\xff\xff\xff"} {
		key := encodeOne(t, s)
		assert.True(t, bytes.Compare(lower, key) <= 0, "lower bound vs %q", s)
		assert.Negative(t, bytes.Compare(key, upper), "%q vs upper bound", s)
	}
	num := encodeOne(t, int32(5))
	assert.Negative(t, bytes.Compare(num, lower))
	doc := encodeOne(t, bson.D{})
	assert.True(t, bytes.Compare(upper, doc) <= 0)
}

func TestUnsupportedKeyTypes(t *testing.T) {
	for _, v := range []interface{}{
		bson.JavaScript("function() {}"),
		bson.CodeWithScope{Code: "f()", Scope: bson.D{}},
	} {
		_, err := EncodeKey([]bson.RawValue{rawValue(t, v)}, []bool{false})
		assert.True(t, status.IsCode(err, status.BadValue), "expected BadValue for %T", v)
	}
}

func TestNestedContainerKeys(t *testing.T) {
	inner := bson.A{bson.D{{Key: "x", Value: "y"}}, bson.A{int32(1)}}
	key := encodeOne(t, inner)
	require.NotEmpty(t, key)
	again := encodeOne(t, inner)
	assert.Equal(t, key, again)
	other := encodeOne(t, bson.A{bson.D{{Key: "x", Value: "z"}}, bson.A{int32(1)}})
	assert.NotEqual(t, key, other)
	if !assert.Negative(t, bytes.Compare(key, other)) {
		fmt.Printf("key=%x other=%x\n", key, other)
	}
}

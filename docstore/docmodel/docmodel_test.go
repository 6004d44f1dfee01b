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

package docmodel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/status"
)

func value(t *testing.T, v interface{}) bson.RawValue {
	t.Helper()
	raw, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	require.NoError(t, err)
	return bson.Raw(raw).Lookup("v")
}

func document(t *testing.T, d bson.D) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(d)
	require.NoError(t, err)
	return raw
}

func TestParseNamespace(t *testing.T) {
	ns, err := ParseNamespace("app.users.archive")
	require.NoError(t, err)
	assert.Equal(t, "app", ns.DB)
	assert.Equal(t, "users.archive", ns.Coll)
	assert.Equal(t, "app.users.archive", ns.String())

	for _, bad := range []string{"", "app", ".users", "app."} {
		_, err := ParseNamespace(bad)
		assert.True(t, status.IsCode(err, status.BadValue), "namespace %q", bad)
	}
	assert.Error(t, Namespace{DB: "a.b", Coll: "c"}.Validate())
	assert.Error(t, Namespace{DB: "a", Coll: "c$d"}.Validate())
	assert.NoError(t, Namespace{DB: "a", Coll: "c.d"}.Validate())
}

func TestEnsureID(t *testing.T) {
	withID := document(t, bson.D{{Key: "_id", Value: int32(7)}, {Key: "x", Value: "y"}})
	out, id, err := EnsureID(withID)
	require.NoError(t, err)
	assert.Equal(t, withID, out)
	assert.Equal(t, bson.TypeInt32, id.Type)

	withoutID := document(t, bson.D{{Key: "x", Value: "y"}})
	out, id, err = EnsureID(withoutID)
	require.NoError(t, err)
	assert.Equal(t, bson.TypeObjectID, id.Type)
	elems, err := bson.Raw(out).Elements()
	require.NoError(t, err)
	require.NotEmpty(t, elems)
	assert.Equal(t, IDField, elems[0].Key())
}

func TestCompareValuesClassOrder(t *testing.T) {
	ordered := []interface{}{
		bson.MinKey{},
		nil,
		int32(5),
		"str",
		bson.D{{Key: "a", Value: int32(1)}},
		bson.A{int32(1)},
		bson.Binary{Data: []byte{1}},
		bson.ObjectID{0x01},
		true,
		bson.DateTime(17),
		bson.Timestamp{T: 1, I: 1},
		bson.Regex{Pattern: "p"},
		bson.JavaScript("f()"),
		bson.MaxKey{},
	}
	for i := 0; i < len(ordered); i++ {
		for j := 0; j < len(ordered); j++ {
			got := CompareValues(value(t, ordered[i]), value(t, ordered[j]))
			switch {
			case i < j:
				assert.Negative(t, got, "%v vs %v", ordered[i], ordered[j])
			case i > j:
				assert.Positive(t, got, "%v vs %v", ordered[i], ordered[j])
			default:
				assert.Zero(t, got, "%v vs itself", ordered[i])
			}
		}
	}
}

func TestCompareNumbersExactly(t *testing.T) {
	cmp := func(a, b interface{}) int {
		return CompareValues(value(t, a), value(t, b))
	}
	assert.Zero(t, cmp(int32(7), 7.0))
	assert.Zero(t, cmp(int64(7), int32(7)))
	assert.Negative(t, cmp(int64(3), 3.5))
	assert.Positive(t, cmp(int64(4), 3.5))
	assert.Negative(t, cmp(int64(-4), -3.5))

	// Distinguishable beyond the 2^53 double precision limit.
	big := int64(1) << 60
	assert.Positive(t, cmp(big+1, float64(big)))
	assert.Negative(t, cmp(big-1, float64(big)))
	assert.Zero(t, cmp(big, float64(big)))

	assert.Negative(t, cmp(int64(math.MaxInt64), math.Inf(1)))
	assert.Positive(t, cmp(int64(math.MinInt64), math.Inf(-1)))
	// 2^63 rounds out of int64 range.
	assert.Negative(t, cmp(int64(math.MaxInt64), 9223372036854775808.0))
	assert.Zero(t, cmp(int64(math.MinInt64), -9223372036854775808.0))

	// NaN is one value below every other number.
	assert.Zero(t, cmp(math.NaN(), math.NaN()))
	assert.Negative(t, cmp(math.NaN(), math.Inf(-1)))
	assert.Positive(t, cmp(int32(0), math.NaN()))
}

func TestCompareStringsAndSymbols(t *testing.T) {
	assert.Zero(t, CompareValues(value(t, "abc"), value(t, bson.Symbol("abc"))))
	assert.Negative(t, CompareValues(value(t, "abc"), value(t, "abd")))
}

func TestCompareContainers(t *testing.T) {
	cmp := func(a, b interface{}) int {
		return CompareValues(value(t, a), value(t, b))
	}
	assert.Negative(t, cmp(bson.D{}, bson.D{{Key: "a", Value: int32(1)}}))
	assert.Negative(t, cmp(
		bson.D{{Key: "a", Value: int32(1)}},
		bson.D{{Key: "a", Value: int32(1)}, {Key: "b", Value: int32(0)}},
	))
	assert.Positive(t, cmp(
		bson.D{{Key: "b", Value: int32(0)}},
		bson.D{{Key: "a", Value: int32(9)}},
	))
	assert.Negative(t, cmp(bson.A{int32(1), int32(2)}, bson.A{int32(2)}))
	assert.Zero(t, cmp(bson.A{int32(1), "x"}, bson.A{int64(1), "x"}))

	// Binary orders by length before subtype before bytes.
	assert.Negative(t, cmp(
		bson.Binary{Subtype: 0x05, Data: []byte{0xFF}},
		bson.Binary{Subtype: 0x00, Data: []byte{0x00, 0x00}},
	))
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, ValuesEqual(value(t, int32(3)), value(t, 3.0)))
	assert.False(t, ValuesEqual(value(t, int32(3)), value(t, "3")))
}

func TestPathValuesScalars(t *testing.T) {
	doc := document(t, bson.D{
		{Key: "a", Value: bson.D{{Key: "b", Value: int32(1)}}},
		{Key: "x", Value: int32(9)},
	})
	got := PathValues(doc, "a.b")
	require.Len(t, got, 1)
	assert.Equal(t, int32(1), mustInt32(t, got[0]))
	assert.Empty(t, PathValues(doc, "a.c"))
	assert.Empty(t, PathValues(doc, "x.y"))
	got = PathValues(doc, "x")
	require.Len(t, got, 1)
	assert.Equal(t, int32(9), mustInt32(t, got[0]))
}

func TestPathValuesFanOut(t *testing.T) {
	doc := document(t, bson.D{{Key: "a", Value: bson.A{
		bson.D{{Key: "b", Value: int32(1)}},
		bson.D{{Key: "b", Value: int32(2)}},
		int32(99),
	}}})
	got := PathValues(doc, "a.b")
	require.Len(t, got, 2)
	assert.Equal(t, int32(1), mustInt32(t, got[0]))
	assert.Equal(t, int32(2), mustInt32(t, got[1]))

	// A trailing array comes back whole.
	whole := PathValues(doc, "a")
	require.Len(t, whole, 1)
	assert.Equal(t, bson.TypeArray, whole[0].Type)
}

func TestPathValuesNumericComponents(t *testing.T) {
	doc := document(t, bson.D{{Key: "a", Value: bson.A{
		int32(10),
		bson.D{{Key: "0", Value: "field-not-index"}},
	}}})
	got := PathValues(doc, "a.0")
	require.Len(t, got, 2)
	assert.Equal(t, int32(10), mustInt32(t, got[0]))
	assert.Equal(t, "field-not-index", got[1].StringValue())

	assert.Empty(t, PathValues(doc, "a.7"))
}

func TestPathValuesSkipsNestedArrays(t *testing.T) {
	doc := document(t, bson.D{{Key: "a", Value: bson.A{
		bson.A{bson.D{{Key: "b", Value: int32(1)}}},
		bson.D{{Key: "b", Value: int32(2)}},
	}}})
	got := PathValues(doc, "a.b")
	require.Len(t, got, 1)
	assert.Equal(t, int32(2), mustInt32(t, got[0]))
}

func mustInt32(t *testing.T, v bson.RawValue) int32 {
	t.Helper()
	n, ok := v.Int32OK()
	require.True(t, ok, "value %v is not an int32", v)
	return n
}

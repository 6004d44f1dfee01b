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
	"math"
	"strconv"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/status"
)

// Index keys are stored as byte strings whose memcmp order equals the
// document comparison order, so the sorted store can answer range
// predicates without decoding. Two invariants carry the whole scheme:
//
//   - order: for values a < b, enc(a) < enc(b) bytewise. Each value starts
//     with a tag byte in comparison-class order; ints, longs, doubles and
//     decimals share one tag and one transformed-float64 body so numbers
//     compare across types.
//   - prefix-freedom: no encoding is a proper prefix of another, so the
//     bytes following a key (record id, further components) never bleed
//     into a comparison. Fixed-width bodies get it for free; strings
//     escape 0x00 as 0x00 0xFF and close with 0x00 0x01; documents and
//     arrays close each nesting level with a 0x00 end marker below the
//     0x01 element marker.
//
// A descending component stores the complement of its ascending bytes,
// which reverses its order while keeping both invariants.
const (
	tagMinKey    = 0x04
	tagNull      = 0x08
	tagNumber    = 0x0C
	tagString    = 0x10
	tagObject    = 0x14
	tagArray     = 0x18
	tagBinary    = 0x1C
	tagObjectID  = 0x20
	tagBool      = 0x24
	tagDate      = 0x28
	tagTimestamp = 0x2C
	tagRegex     = 0x30
	tagMaxKey    = 0x34
)

// EncodeKey encodes a tuple of values as one index key, one component per
// key-pattern field. descending may be nil when every component ascends.
func EncodeKey(vals []bson.RawValue, descending []bool) ([]byte, error) {
	out := make([]byte, 0, 16*len(vals))
	for i, v := range vals {
		start := len(out)
		var err error
		out, err = appendValue(out, v)
		if err != nil {
			return nil, err
		}
		if descending != nil && descending[i] {
			for j := start; j < len(out); j++ {
				out[j] = ^out[j]
			}
		}
	}
	return out, nil
}

// EncodeValue encodes a single value in ascending order.
func EncodeValue(v bson.RawValue) ([]byte, error) {
	return appendValue(make([]byte, 0, 16), v)
}

// TypeLowerBound returns a key below every encoding of v's comparison
// class, and at it for the classes encoded as a bare tag.
func TypeLowerBound(v bson.RawValue) ([]byte, error) {
	tag, err := tagOf(v.Type)
	if err != nil {
		return nil, err
	}
	return []byte{tag}, nil
}

// TypeUpperBound returns a key above every encoding of v's comparison
// class.
func TypeUpperBound(v bson.RawValue) ([]byte, error) {
	tag, err := tagOf(v.Type)
	if err != nil {
		return nil, err
	}
	return []byte{tag + 1}, nil
}

func tagOf(t bson.Type) (byte, error) {
	switch t {
	case bson.TypeMinKey:
		return tagMinKey, nil
	case bson.TypeNull, bson.TypeUndefined:
		return tagNull, nil
	case bson.TypeDouble, bson.TypeInt32, bson.TypeInt64, bson.TypeDecimal128:
		return tagNumber, nil
	case bson.TypeString, bson.TypeSymbol:
		return tagString, nil
	case bson.TypeEmbeddedDocument:
		return tagObject, nil
	case bson.TypeArray:
		return tagArray, nil
	case bson.TypeBinary:
		return tagBinary, nil
	case bson.TypeObjectID:
		return tagObjectID, nil
	case bson.TypeBoolean:
		return tagBool, nil
	case bson.TypeDateTime:
		return tagDate, nil
	case bson.TypeTimestamp:
		return tagTimestamp, nil
	case bson.TypeRegex:
		return tagRegex, nil
	case bson.TypeMaxKey:
		return tagMaxKey, nil
	default:
		return 0, status.Errf(status.BadValue, "cannot index values of type %s", t)
	}
}

func appendValue(dst []byte, v bson.RawValue) ([]byte, error) {
	tag, err := tagOf(v.Type)
	if err != nil {
		return nil, err
	}
	dst = append(dst, tag)
	switch v.Type {
	case bson.TypeMinKey, bson.TypeNull, bson.TypeUndefined, bson.TypeMaxKey:
		return dst, nil
	case bson.TypeDouble:
		return appendNumber(dst, v.Double()), nil
	case bson.TypeInt32:
		return appendNumber(dst, float64(v.Int32())), nil
	case bson.TypeInt64:
		return appendNumber(dst, float64(v.Int64())), nil
	case bson.TypeDecimal128:
		f, pErr := strconv.ParseFloat(v.Decimal128().String(), 64)
		if pErr != nil {
			f = math.NaN()
		}
		return appendNumber(dst, f), nil
	case bson.TypeString:
		return appendEscaped(dst, v.StringValue()), nil
	case bson.TypeSymbol:
		return appendEscaped(dst, v.Symbol()), nil
	case bson.TypeEmbeddedDocument:
		return appendDocument(dst, bson.Raw(v.Value), true)
	case bson.TypeArray:
		return appendDocument(dst, bson.Raw(v.Value), false)
	case bson.TypeBinary:
		sub, data := v.Binary()
		dst = appendUint32(dst, uint32(len(data)))
		dst = append(dst, sub)
		return append(dst, data...), nil
	case bson.TypeObjectID:
		oid := v.ObjectID()
		return append(dst, oid[:]...), nil
	case bson.TypeBoolean:
		if v.Boolean() {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case bson.TypeDateTime:
		return appendUint64(dst, uint64(v.DateTime())^(1<<63)), nil
	case bson.TypeTimestamp:
		t, i := v.Timestamp()
		return appendUint64(dst, uint64(t)<<32|uint64(i)), nil
	case bson.TypeRegex:
		pattern, options := v.Regex()
		dst = appendEscaped(dst, pattern)
		return appendEscaped(dst, options), nil
	default:
		return nil, status.Errf(status.BadValue, "cannot index values of type %s", v.Type)
	}
}

// appendNumber writes the transformed IEEE bits: positives get the sign
// bit set, negatives get every bit flipped, so unsigned byte order equals
// numeric order. NaN canonically sorts below every number.
func appendNumber(dst []byte, f float64) []byte {
	if math.IsNaN(f) {
		return append(dst, 0, 0, 0, 0, 0, 0, 0, 0)
	}
	if f == 0 {
		// Collapse -0 into +0; they are equal.
		f = 0
	}
	b := math.Float64bits(f)
	if b&(1<<63) != 0 {
		b = ^b
	} else {
		b |= 1 << 63
	}
	return appendUint64(dst, b)
}

// appendEscaped writes the string body with 0x00 escaped as 0x00 0xFF and
// a 0x00 0x01 terminator. The terminator stays below every escaped byte
// pair, so extensions of a string sort after it and no encoding prefixes
// another.
func appendEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			dst = append(dst, 0x00, 0xFF)
			continue
		}
		dst = append(dst, s[i])
	}
	return append(dst, 0x00, 0x01)
}

// appendDocument walks the elements in order: a 0x01 marker opens each
// element, a 0x00 closes the level, so a document that runs out of fields
// first sorts first. Array element positions stay implicit.
func appendDocument(dst []byte, doc bson.Raw, withNames bool) ([]byte, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, status.Errf(status.BadValue, "corrupt document in index key: %v", err)
	}
	for _, el := range elems {
		dst = append(dst, 0x01)
		if withNames {
			dst = appendEscaped(dst, el.Key())
		}
		dst, err = appendValue(dst, el.Value())
		if err != nil {
			return nil, err
		}
	}
	return append(dst, 0x00), nil
}

func appendUint32(dst []byte, u uint32) []byte {
	return append(dst, byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}

func appendUint64(dst []byte, u uint64) []byte {
	return append(dst,
		byte(u>>56), byte(u>>48), byte(u>>40), byte(u>>32),
		byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}

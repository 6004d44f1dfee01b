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
	"bytes"
	"math"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Comparison classes in canonical order. Values of different classes
// compare by class alone; numbers of any width share one class.
const (
	classMinKey = iota
	classNull
	classNumber
	classString
	classObject
	classArray
	classBinary
	classObjectID
	classBool
	classDate
	classTimestamp
	classRegex
	classDBPointer
	classJavaScript
	classCodeWithScope
	classMaxKey
)

// TypeClass returns the comparison class of a type.
func TypeClass(t bson.Type) int {
	switch t {
	case bson.TypeMinKey:
		return classMinKey
	case bson.TypeNull, bson.TypeUndefined:
		return classNull
	case bson.TypeDouble, bson.TypeInt32, bson.TypeInt64, bson.TypeDecimal128:
		return classNumber
	case bson.TypeString, bson.TypeSymbol:
		return classString
	case bson.TypeEmbeddedDocument:
		return classObject
	case bson.TypeArray:
		return classArray
	case bson.TypeBinary:
		return classBinary
	case bson.TypeObjectID:
		return classObjectID
	case bson.TypeBoolean:
		return classBool
	case bson.TypeDateTime:
		return classDate
	case bson.TypeTimestamp:
		return classTimestamp
	case bson.TypeRegex:
		return classRegex
	case bson.TypeDBPointer:
		return classDBPointer
	case bson.TypeJavaScript:
		return classJavaScript
	case bson.TypeCodeWithScope:
		return classCodeWithScope
	case bson.TypeMaxKey:
		return classMaxKey
	default:
		return classMaxKey
	}
}

// CompareValues orders two values by the canonical document comparison:
// class first, then the class's own rule. Numbers compare exactly across
// int32, int64 and double; NaN equals NaN and sorts below every other
// number.
func CompareValues(a, b bson.RawValue) int {
	ca, cb := TypeClass(a.Type), TypeClass(b.Type)
	if ca != cb {
		return cmpOrdered(ca, cb)
	}
	switch ca {
	case classMinKey, classNull, classMaxKey:
		return 0
	case classNumber:
		return compareNumbers(a, b)
	case classString:
		return strings.Compare(stringOf(a), stringOf(b))
	case classObject:
		return compareDocuments(bson.Raw(a.Value), bson.Raw(b.Value), true)
	case classArray:
		return compareDocuments(bson.Raw(a.Value), bson.Raw(b.Value), false)
	case classBinary:
		aSub, aData := a.Binary()
		bSub, bData := b.Binary()
		if c := cmpOrdered(len(aData), len(bData)); c != 0 {
			return c
		}
		if c := cmpOrdered(aSub, bSub); c != 0 {
			return c
		}
		return bytes.Compare(aData, bData)
	case classObjectID:
		aID, bID := a.ObjectID(), b.ObjectID()
		return bytes.Compare(aID[:], bID[:])
	case classBool:
		return cmpOrdered(boolByte(a.Boolean()), boolByte(b.Boolean()))
	case classDate:
		return cmpOrdered(a.DateTime(), b.DateTime())
	case classTimestamp:
		aT, aI := a.Timestamp()
		bT, bI := b.Timestamp()
		if c := cmpOrdered(aT, bT); c != 0 {
			return c
		}
		return cmpOrdered(aI, bI)
	case classRegex:
		aP, aO := a.Regex()
		bP, bO := b.Regex()
		if c := strings.Compare(aP, bP); c != 0 {
			return c
		}
		return strings.Compare(aO, bO)
	default:
		// Deprecated code and pointer types order by their raw bodies.
		return bytes.Compare(a.Value, b.Value)
	}
}

// ValuesEqual reports whether the two values compare equal.
func ValuesEqual(a, b bson.RawValue) bool {
	return CompareValues(a, b) == 0
}

func stringOf(v bson.RawValue) string {
	if v.Type == bson.TypeSymbol {
		return v.Symbol()
	}
	return v.StringValue()
}

func boolByte(b bool) int {
	if b {
		return 1
	}
	return 0
}

func cmpOrdered[T int | int64 | uint32 | byte](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareDocuments(a, b bson.Raw, withNames bool) int {
	aElems, aErr := a.Elements()
	bElems, bErr := b.Elements()
	if aErr != nil || bErr != nil {
		return bytes.Compare(a, b)
	}
	for i := 0; i < len(aElems) && i < len(bElems); i++ {
		if withNames {
			if c := strings.Compare(aElems[i].Key(), bElems[i].Key()); c != 0 {
				return c
			}
		}
		if c := CompareValues(aElems[i].Value(), bElems[i].Value()); c != 0 {
			return c
		}
	}
	return cmpOrdered(len(aElems), len(bElems))
}

const maxInt64AsFloat = 9223372036854775808.0 // 2^63

func compareNumbers(a, b bson.RawValue) int {
	if a.Type == bson.TypeDecimal128 || b.Type == bson.TypeDecimal128 {
		return compareFloats(floatOf(a), floatOf(b))
	}
	aIsDouble := a.Type == bson.TypeDouble
	bIsDouble := b.Type == bson.TypeDouble
	switch {
	case !aIsDouble && !bIsDouble:
		return cmpOrdered(intOf(a), intOf(b))
	case aIsDouble && bIsDouble:
		return compareFloats(a.Double(), b.Double())
	case aIsDouble:
		return -compareInt64Double(intOf(b), a.Double())
	default:
		return compareInt64Double(intOf(a), b.Double())
	}
}

func intOf(v bson.RawValue) int64 {
	if v.Type == bson.TypeInt32 {
		return int64(v.Int32())
	}
	return v.Int64()
}

func floatOf(v bson.RawValue) float64 {
	switch v.Type {
	case bson.TypeDouble:
		return v.Double()
	case bson.TypeInt32:
		return float64(v.Int32())
	case bson.TypeInt64:
		return float64(v.Int64())
	default:
		f, err := strconv.ParseFloat(v.Decimal128().String(), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
}

func compareFloats(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareInt64Double compares an integer against a double without going
// through a lossy common type.
func compareInt64Double(i int64, f float64) int {
	if math.IsNaN(f) {
		return 1
	}
	if f >= maxInt64AsFloat {
		return -1
	}
	if f < -maxInt64AsFloat {
		return 1
	}
	t := int64(math.Trunc(f))
	if c := cmpOrdered(i, t); c != 0 {
		return c
	}
	frac := f - math.Trunc(f)
	switch {
	case frac > 0:
		return -1
	case frac < 0:
		return 1
	default:
		return 0
	}
}

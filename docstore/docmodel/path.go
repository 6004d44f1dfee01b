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
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// PathValues returns every value a dotted path reaches in the document.
// An array along the path fans out over its document elements; a numeric
// component additionally indexes into the array. Arrays of arrays are not
// descended implicitly. A missing path yields an empty slice; a trailing
// array is returned whole, expansion is the caller's choice.
func PathValues(doc bson.Raw, path string) []bson.RawValue {
	root := bson.RawValue{Type: bson.TypeEmbeddedDocument, Value: doc}
	var out []bson.RawValue
	walkPath(root, strings.Split(path, "."), &out)
	return out
}

func walkPath(v bson.RawValue, parts []string, out *[]bson.RawValue) {
	if len(parts) == 0 {
		*out = append(*out, v)
		return
	}
	switch v.Type {
	case bson.TypeEmbeddedDocument:
		if fv, err := bson.Raw(v.Value).LookupErr(parts[0]); err == nil {
			walkPath(fv, parts[1:], out)
		}
	case bson.TypeArray:
		arr := bson.Raw(v.Value)
		if isArrayIndex(parts[0]) {
			if ev, err := arr.LookupErr(parts[0]); err == nil {
				walkPath(ev, parts[1:], out)
			}
		}
		vals, err := arr.Values()
		if err != nil {
			return
		}
		for _, ev := range vals {
			if ev.Type == bson.TypeEmbeddedDocument {
				walkPath(ev, parts, out)
			}
		}
	}
}

func isArrayIndex(part string) bool {
	if part == "" {
		return false
	}
	for i := 0; i < len(part); i++ {
		if part[i] < '0' || part[i] > '9' {
			return false
		}
	}
	return true
}

// NullValue is the value a missing field compares and indexes as.
func NullValue() bson.RawValue {
	return bson.RawValue{Type: bson.TypeNull}
}

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
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/engine"
	"github.com/oakleaf-io/oakleaf/docstore/status"
)

// Index is one secondary index of a collection: a parsed key pattern plus,
// for ordered indexes, the sorted store holding its entries.
type Index struct {
	store      *engine.SortedStore
	name       string
	fields     []string
	descending []bool
	key        bson.D
	ident      uint64
	unique     bool
	text       bool
}

func newIndex(ie indexEntry) (*Index, error) {
	idx := &Index{
		name:   ie.Name,
		key:    ie.Key,
		ident:  ie.Ident,
		unique: ie.Unique,
		text:   ie.Text,
	}
	for _, elem := range ie.Key {
		desc, text, err := parseDirection(elem.Value)
		if err != nil {
			return nil, status.Errf(status.BadValue, "index %s: %v", ie.Name, err)
		}
		if text != ie.Text {
			return nil, status.Errf(status.BadValue, "index %s mixes text and ordered components", ie.Name)
		}
		idx.fields = append(idx.fields, elem.Key)
		idx.descending = append(idx.descending, desc)
	}
	if len(idx.fields) == 0 {
		return nil, status.Errf(status.BadValue, "index %s has an empty key pattern", ie.Name)
	}
	return idx, nil
}

func parseDirection(v interface{}) (descending, text bool, _ error) {
	switch d := v.(type) {
	case int32:
		if d != 0 {
			return d < 0, false, nil
		}
	case int64:
		if d != 0 {
			return d < 0, false, nil
		}
	case float64:
		if d != 0 {
			return d < 0, false, nil
		}
	case string:
		if d == "text" {
			return false, true, nil
		}
	}
	return false, false, status.Errf(status.BadValue, "bad index direction %v", v)
}

// Name returns the index name.
func (i *Index) Name() string {
	return i.name
}

// Key returns the key pattern the index was declared with.
func (i *Index) Key() bson.D {
	return i.key
}

// Ident returns the keyspace (or text-directory) ident.
func (i *Index) Ident() uint64 {
	return i.ident
}

// Unique reports whether the index enforces key uniqueness.
func (i *Index) Unique() bool {
	return i.unique
}

// IsText reports whether the index is the collection's full-text index.
func (i *Index) IsText() bool {
	return i.text
}

// Store returns the sorted store holding the index entries. Nil for a text
// index.
func (i *Index) Store() *engine.SortedStore {
	return i.store
}

// Fields returns the indexed field paths in key-pattern order.
func (i *Index) Fields() []string {
	return i.fields
}

// Descending reports the sort direction per field, aligned with Fields.
func (i *Index) Descending() []bool {
	return i.descending
}

// entriesFor computes the encoded index keys a document owes the index.
// An array-valued field fans out to one entry per element, so a key may
// repeat per record only through distinct elements; duplicates collapse.
// Two array-valued fields in one compound key cannot be indexed.
func (i *Index) entriesFor(doc bson.Raw) ([][]byte, error) {
	cols := make([][]bson.RawValue, len(i.fields))
	arrayFields := 0
	for n, f := range i.fields {
		vals := docmodel.PathValues(doc, f)
		if len(vals) == 0 {
			vals = []bson.RawValue{docmodel.NullValue()}
		}
		expanded, multikey := expandArrays(vals)
		if multikey {
			arrayFields++
			if arrayFields > 1 {
				return nil, status.Errf(status.BadValue,
					"cannot index parallel arrays in compound index %s", i.name)
			}
		}
		cols[n] = expanded
	}
	// At most one column fans out, so the product degenerates to varying
	// that column against a fixed tuple.
	wide, n := -1, 1
	tuple := make([]bson.RawValue, len(cols))
	for k, col := range cols {
		tuple[k] = col[0]
		if len(col) > 1 {
			wide, n = k, len(col)
		}
	}
	entries := make([][]byte, 0, n)
	seen := make(map[string]struct{}, n)
	for k := 0; k < n; k++ {
		if wide >= 0 {
			tuple[wide] = cols[wide][k]
		}
		key, err := EncodeKey(tuple, i.descending)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[string(key)]; dup {
			continue
		}
		seen[string(key)] = struct{}{}
		entries = append(entries, key)
	}
	return entries, nil
}

// expandArrays replaces terminal array values with their elements, one
// level deep. An empty array indexes as null, like a missing field.
func expandArrays(vals []bson.RawValue) (out []bson.RawValue, multikey bool) {
	if len(vals) > 1 {
		multikey = true
	}
	for _, v := range vals {
		if v.Type != bson.TypeArray {
			out = append(out, v)
			continue
		}
		multikey = true
		elems, err := bson.Raw(v.Value).Values()
		if err != nil || len(elems) == 0 {
			out = append(out, docmodel.NullValue())
			continue
		}
		out = append(out, elems...)
	}
	return out, multikey
}

// textContentOf collects the string content the text index holds for a
// document: string values at any of the indexed paths, including string
// elements of arrays there. Non-string values are skipped.
func (i *Index) textContentOf(doc bson.Raw) []string {
	var content []string
	for _, f := range i.fields {
		for _, v := range docmodel.PathValues(doc, f) {
			switch v.Type {
			case bson.TypeString:
				content = append(content, v.StringValue())
			case bson.TypeArray:
				elems, err := bson.Raw(v.Value).Values()
				if err != nil {
					continue
				}
				for _, el := range elems {
					if el.Type == bson.TypeString {
						content = append(content, el.StringValue())
					}
				}
			}
		}
	}
	return content
}

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
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/status"
)

// IsOperatorUpdate reports whether the update document drives operators
// rather than replacing the document wholesale. The first field decides.
func IsOperatorUpdate(update bson.Raw) bool {
	elems, err := update.Elements()
	if err != nil || len(elems) == 0 {
		return false
	}
	return strings.HasPrefix(elems[0].Key(), "$")
}

// ApplyUpdate computes the post-image of applying update to old. Updates
// starting with an operator field apply $set, $unset and $inc in document
// order; anything else replaces the document. Either way the _id of old
// survives unchanged, and changing it is an error.
func ApplyUpdate(old, update bson.Raw) (bson.Raw, error) {
	var out bson.Raw
	var err error
	if IsOperatorUpdate(update) {
		out, err = applyOperators(old, update)
	} else {
		out, err = applyReplacement(old, update)
	}
	if err != nil {
		return nil, err
	}
	oldID, oldErr := old.LookupErr(IDField)
	newID, newErr := out.LookupErr(IDField)
	if oldErr == nil && (newErr != nil || !ValuesEqual(oldID, newID)) {
		return nil, status.Err(status.BadValue, "the _id field cannot be changed")
	}
	return out, nil
}

func applyReplacement(old, update bson.Raw) (bson.Raw, error) {
	elems, err := update.Elements()
	if err != nil {
		return nil, status.Errf(status.BadValue, "invalid update document: %v", err)
	}
	for _, elem := range elems {
		if strings.HasPrefix(elem.Key(), "$") {
			return nil, status.Err(status.BadValue, "update document mixes operators and replacement fields")
		}
	}
	if _, err := update.LookupErr(IDField); err == nil {
		return update, nil
	}
	oldID, err := old.LookupErr(IDField)
	if err != nil {
		return update, nil
	}
	var d bson.D
	if err := bson.Unmarshal(update, &d); err != nil {
		return nil, status.Errf(status.BadValue, "invalid update document: %v", err)
	}
	d = append(bson.D{{Key: IDField, Value: oldID}}, d...)
	raw, err := bson.Marshal(d)
	if err != nil {
		return nil, status.Errf(status.BadValue, "re-encode document: %v", err)
	}
	return raw, nil
}

func applyOperators(old, update bson.Raw) (bson.Raw, error) {
	var doc bson.D
	if err := bson.Unmarshal(old, &doc); err != nil {
		return nil, status.Errf(status.BadValue, "invalid stored document: %v", err)
	}
	var ops bson.D
	if err := bson.Unmarshal(update, &ops); err != nil {
		return nil, status.Errf(status.BadValue, "invalid update document: %v", err)
	}
	for _, op := range ops {
		args, ok := op.Value.(bson.D)
		if !ok {
			return nil, status.Errf(status.BadValue, "%s expects a document argument", op.Key)
		}
		for _, arg := range args {
			parts, err := splitPath(arg.Key)
			if err != nil {
				return nil, err
			}
			var applied interface{}
			switch op.Key {
			case "$set":
				applied, err = setPath(doc, parts, arg.Value)
			case "$unset":
				applied, err = unsetPath(doc, parts)
			case "$inc":
				applied, err = incPath(doc, parts, arg.Value)
			default:
				return nil, status.Errf(status.BadValue, "unknown update operator %s", op.Key)
			}
			if err != nil {
				return nil, err
			}
			next, ok := applied.(bson.D)
			if !ok {
				return nil, status.Errf(status.BadValue, "update of %s replaced the document root", arg.Key)
			}
			doc = next
		}
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, status.Errf(status.BadValue, "re-encode document: %v", err)
	}
	return raw, nil
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, status.Err(status.BadValue, "empty field path in update")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, status.Errf(status.BadValue, "empty field name in path %q", path)
		}
	}
	return parts, nil
}

// setPath writes val at the dotted path, creating missing intermediate
// documents. A numeric component indexes an existing array, padding the
// gap with nulls; anywhere else it is an ordinary field name.
func setPath(v interface{}, parts []string, val interface{}) (interface{}, error) {
	if len(parts) == 0 {
		return val, nil
	}
	switch cur := v.(type) {
	case bson.D:
		for i, elem := range cur {
			if elem.Key != parts[0] {
				continue
			}
			child, err := setPath(elem.Value, parts[1:], val)
			if err != nil {
				return nil, err
			}
			next := append(bson.D(nil), cur...)
			next[i].Value = child
			return next, nil
		}
		return append(append(bson.D(nil), cur...), bson.E{Key: parts[0], Value: buildPath(parts[1:], val)}), nil
	case bson.A:
		idx, ok := arrayIndex(parts[0])
		if !ok {
			return nil, status.Errf(status.BadValue, "cannot use %q as an array index", parts[0])
		}
		next := append(bson.A(nil), cur...)
		for len(next) <= idx {
			next = append(next, nil)
		}
		child, err := setPath(next[idx], parts[1:], val)
		if err != nil {
			return nil, err
		}
		next[idx] = child
		return next, nil
	case nil:
		return buildPath(parts, val), nil
	default:
		return nil, status.Errf(status.BadValue, "cannot create field %q in a non-document value", parts[0])
	}
}

func buildPath(parts []string, val interface{}) interface{} {
	if len(parts) == 0 {
		return val
	}
	return bson.D{{Key: parts[0], Value: buildPath(parts[1:], val)}}
}

// unsetPath removes the field at the path. Unsetting an array element
// nulls it out instead of splicing the array; a missing path is a no-op.
func unsetPath(v interface{}, parts []string) (interface{}, error) {
	switch cur := v.(type) {
	case bson.D:
		for i, elem := range cur {
			if elem.Key != parts[0] {
				continue
			}
			next := append(bson.D(nil), cur...)
			if len(parts) == 1 {
				return append(next[:i:i], next[i+1:]...), nil
			}
			child, err := unsetPath(elem.Value, parts[1:])
			if err != nil {
				return nil, err
			}
			next[i].Value = child
			return next, nil
		}
		return cur, nil
	case bson.A:
		idx, ok := arrayIndex(parts[0])
		if !ok || idx >= len(cur) {
			return cur, nil
		}
		next := append(bson.A(nil), cur...)
		if len(parts) == 1 {
			next[idx] = nil
			return next, nil
		}
		child, err := unsetPath(next[idx], parts[1:])
		if err != nil {
			return nil, err
		}
		next[idx] = child
		return next, nil
	default:
		return cur, nil
	}
}

// incPath adds delta to the number at the path, creating it from zero
// when absent. Narrower integer types widen as needed; incrementing a
// non-number is a type error.
func incPath(doc bson.D, parts []string, delta interface{}) (interface{}, error) {
	if !isNumber(delta) {
		return nil, status.Errf(status.TypeMismatch, "cannot increment with non-numeric argument %v", delta)
	}
	cur, found, err := getPath(doc, parts)
	if err != nil {
		return nil, err
	}
	if !found {
		return setPath(doc, parts, delta)
	}
	if !isNumber(cur) {
		return nil, status.Errf(status.TypeMismatch,
			"cannot apply $inc to field %s of non-numeric type", strings.Join(parts, "."))
	}
	sum, err := addNumbers(cur, delta)
	if err != nil {
		return nil, err
	}
	return setPath(doc, parts, sum)
}

func getPath(v interface{}, parts []string) (interface{}, bool, error) {
	if len(parts) == 0 {
		return v, true, nil
	}
	switch cur := v.(type) {
	case bson.D:
		for _, elem := range cur {
			if elem.Key == parts[0] {
				return getPath(elem.Value, parts[1:])
			}
		}
		return nil, false, nil
	case bson.A:
		idx, ok := arrayIndex(parts[0])
		if !ok || idx >= len(cur) {
			return nil, false, nil
		}
		return getPath(cur[idx], parts[1:])
	case nil:
		return nil, false, nil
	default:
		return nil, false, status.Errf(status.BadValue, "cannot traverse field %q of a non-document value", parts[0])
	}
}

func arrayIndex(part string) (int, bool) {
	if part == "" {
		return 0, false
	}
	for _, r := range part {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	idx, err := strconv.Atoi(part)
	if err != nil {
		return 0, false
	}
	return idx, true
}

func isNumber(v interface{}) bool {
	switch v.(type) {
	case int32, int64, float64:
		return true
	default:
		return false
	}
}

// addNumbers sums two numbers with the usual widening: any double makes
// the result a double, an int32 pair overflowing int32 widens to int64,
// and int64 overflow is an error.
func addNumbers(a, b interface{}) (interface{}, error) {
	if af, aIsF := a.(float64); aIsF {
		return af + toFloat(b), nil
	}
	if bf, bIsF := b.(float64); bIsF {
		return toFloat(a) + bf, nil
	}
	ai, bi := toInt64(a), toInt64(b)
	sum := ai + bi
	if (bi > 0 && sum < ai) || (bi < 0 && sum > ai) {
		return nil, status.Err(status.BadValue, "integer overflow in $inc")
	}
	_, aIs32 := a.(int32)
	_, bIs32 := b.(int32)
	if aIs32 && bIs32 && sum >= -2147483648 && sum <= 2147483647 {
		return int32(sum), nil
	}
	return sum, nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

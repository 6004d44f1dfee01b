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
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/status"
)

// Projection reshapes result documents. A projection either includes
// named paths or excludes them; the two cannot mix, except that _id may
// always be excluded from an inclusion.
type Projection struct {
	root    *projNode
	include bool
	keepID  bool
}

// projNode is one component of the dotted-path trie. A leaf takes the
// whole value at its path.
type projNode struct {
	children map[string]*projNode
	leaf     bool
}

// ParseProjection parses a projection document. Values must be numeric
// or boolean; nonzero and true include, zero and false exclude. A lone
// _id field decides the mode by itself.
func ParseProjection(spec bson.Raw) (*Projection, error) {
	if len(spec) == 0 {
		return nil, nil
	}
	elems, err := spec.Elements()
	if err != nil {
		return nil, status.Err(status.BadValue, "projection is not a valid document")
	}
	if len(elems) == 0 {
		return nil, nil
	}
	p := &Projection{
		root:   &projNode{children: make(map[string]*projNode)},
		keepID: true,
	}
	modeSet := false
	for _, el := range elems {
		inc, ok := projInclude(el.Value())
		if !ok {
			return nil, status.Errf(status.BadValue, "unsupported projection value for field %s", el.Key())
		}
		if el.Key() == docmodel.IDField {
			p.keepID = inc
			continue
		}
		if !modeSet {
			p.include = inc
			modeSet = true
		} else if inc != p.include {
			return nil, status.Err(status.BadValue, "cannot mix inclusion and exclusion in a projection")
		}
		if err := p.insert(el.Key()); err != nil {
			return nil, err
		}
	}
	if !modeSet {
		p.include = p.keepID
	}
	return p, nil
}

func projInclude(v bson.RawValue) (inc, ok bool) {
	switch v.Type {
	case bson.TypeBoolean:
		b, _ := v.BooleanOK()
		return b, true
	case bson.TypeInt32:
		i, _ := v.Int32OK()
		return i != 0, true
	case bson.TypeInt64:
		i, _ := v.Int64OK()
		return i != 0, true
	case bson.TypeDouble:
		f, _ := v.DoubleOK()
		return f != 0, true
	default:
		return false, false
	}
}

func (p *Projection) insert(path string) error {
	parts := strings.Split(path, ".")
	node := p.root
	for i, part := range parts {
		if part == "" {
			return status.Errf(status.BadValue, "empty field name in projection path %q", path)
		}
		if node.leaf {
			return status.Errf(status.BadValue, "projection path collision at %s", strings.Join(parts[:i], "."))
		}
		child, ok := node.children[part]
		if !ok {
			child = &projNode{children: make(map[string]*projNode)}
			node.children[part] = child
		}
		node = child
	}
	if node.leaf || len(node.children) > 0 {
		return status.Errf(status.BadValue, "projection path collision at %s", path)
	}
	node.leaf = true
	return nil
}

// Apply reshapes the document. Field order follows the input document,
// not the projection.
func (p *Projection) Apply(doc bson.Raw) (bson.Raw, error) {
	var d bson.D
	if err := bson.Unmarshal(doc, &d); err != nil {
		return nil, status.Errf(status.BadValue, "invalid stored document: %v", err)
	}
	out := p.applyDoc(d, p.root, true)
	raw, err := bson.Marshal(out)
	if err != nil {
		return nil, status.Errf(status.BadValue, "re-encode document: %v", err)
	}
	return raw, nil
}

func (p *Projection) applyDoc(d bson.D, node *projNode, top bool) bson.D {
	out := bson.D{}
	for _, elem := range d {
		if top && elem.Key == docmodel.IDField {
			if p.keepID {
				out = append(out, elem)
			}
			continue
		}
		child, named := node.children[elem.Key]
		if p.include {
			if !named {
				continue
			}
			if child.leaf {
				out = append(out, elem)
				continue
			}
			if sub, ok := p.applyValue(elem.Value, child); ok {
				out = append(out, bson.E{Key: elem.Key, Value: sub})
			}
			continue
		}
		if !named {
			out = append(out, elem)
			continue
		}
		if child.leaf {
			continue
		}
		if sub, ok := p.applyValue(elem.Value, child); ok {
			out = append(out, bson.E{Key: elem.Key, Value: sub})
		} else {
			out = append(out, elem)
		}
	}
	return out
}

// applyValue projects an interior path into a value. Documents recurse;
// arrays map over their document elements, dropping the rest in
// inclusion mode and keeping them untouched in exclusion mode. A scalar
// at an interior path disappears from an inclusion and survives an
// exclusion, which the caller handles through ok.
func (p *Projection) applyValue(v interface{}, node *projNode) (interface{}, bool) {
	switch cur := v.(type) {
	case bson.D:
		return p.applyDoc(cur, node, false), true
	case bson.A:
		out := bson.A{}
		for _, el := range cur {
			if sub, ok := p.applyValue(el, node); ok {
				out = append(out, sub)
				continue
			}
			if !p.include {
				out = append(out, el)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

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

// Package query parses filters, plans their execution over a collection's
// indexes and runs the resulting stage tree for the read commands.
package query

import (
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/docmodel"
	"github.com/oakleaf-io/oakleaf/docstore/status"
)

// Matcher evaluates a parsed filter against documents. Comparison follows
// the canonical value order, so predicates match across numeric types.
type Matcher struct {
	root  node
	text  string
	sargs []sarg
}

// sarg is one top-level conjunct an ordered index could serve. The planner
// only ever narrows with it; the full matcher re-checks fetched documents.
type sarg struct {
	path string
	op   string
	rhs  bson.RawValue
	vals []bson.RawValue
}

type node interface {
	matches(doc bson.Raw) bool
}

// ParseFilter compiles a filter document. A nil or empty filter matches
// everything. $text is pulled out of the tree for the planner; the caller
// routes it to the text index.
func ParseFilter(filter bson.Raw) (*Matcher, error) {
	m := &Matcher{}
	root, err := m.parseConjunction(filter, true)
	if err != nil {
		return nil, err
	}
	m.root = root
	return m, nil
}

// Matches reports whether the document satisfies every predicate except
// $text.
func (m *Matcher) Matches(doc bson.Raw) bool {
	if m.root == nil {
		return true
	}
	return m.root.matches(doc)
}

// TextSearch returns the $text search string, or empty when absent.
func (m *Matcher) TextSearch() string {
	return m.text
}

// alwaysTrue reports whether the matcher has no predicates to re-check.
func (m *Matcher) alwaysTrue() bool {
	and, ok := m.root.(andNode)
	return m.root == nil || (ok && len(and) == 0)
}

// parseConjunction parses one filter document into an AND node. Top-level
// $and arms flatten into the same conjunct list so their predicates stay
// visible to the planner.
func (m *Matcher) parseConjunction(filter bson.Raw, topLevel bool) (node, error) {
	if len(filter) == 0 {
		return andNode(nil), nil
	}
	elems, err := filter.Elements()
	if err != nil {
		return nil, status.Err(status.BadValue, "filter is not a valid document")
	}
	var conj []node
	for _, el := range elems {
		key := el.Key()
		v := el.Value()
		if !strings.HasPrefix(key, "$") {
			preds, err := m.parsePathPredicates(key, v, topLevel)
			if err != nil {
				return nil, err
			}
			conj = append(conj, preds...)
			continue
		}
		switch key {
		case "$and":
			arms, err := m.parseFilterList(key, v, topLevel)
			if err != nil {
				return nil, err
			}
			conj = append(conj, arms...)
		case "$or":
			arms, err := m.parseFilterList(key, v, false)
			if err != nil {
				return nil, err
			}
			conj = append(conj, orNode(arms))
		case "$nor":
			arms, err := m.parseFilterList(key, v, false)
			if err != nil {
				return nil, err
			}
			conj = append(conj, norNode(arms))
		case "$text":
			if !topLevel {
				return nil, status.Err(status.BadValue, "$text must appear at the top level of the filter")
			}
			if m.text != "" {
				return nil, status.Err(status.BadValue, "filter has more than one $text expression")
			}
			search, err := parseTextExpr(v)
			if err != nil {
				return nil, err
			}
			m.text = search
		default:
			return nil, status.Errf(status.BadValue, "unknown top-level operator: %s", key)
		}
	}
	return andNode(conj), nil
}

// parseFilterList parses the array argument of $and, $or and $nor.
func (m *Matcher) parseFilterList(op string, v bson.RawValue, topLevel bool) ([]node, error) {
	if v.Type != bson.TypeArray {
		return nil, status.Errf(status.BadValue, "%s argument must be an array", op)
	}
	arms, err := bson.Raw(v.Value).Values()
	if err != nil || len(arms) == 0 {
		return nil, status.Errf(status.BadValue, "%s argument must be a non-empty array", op)
	}
	out := make([]node, 0, len(arms))
	for _, arm := range arms {
		if arm.Type != bson.TypeEmbeddedDocument {
			return nil, status.Errf(status.BadValue, "%s elements must be documents", op)
		}
		n, err := m.parseConjunction(bson.Raw(arm.Value), topLevel)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func parseTextExpr(v bson.RawValue) (string, error) {
	if v.Type != bson.TypeEmbeddedDocument {
		return "", status.Err(status.BadValue, "$text argument must be a document")
	}
	search, err := bson.Raw(v.Value).LookupErr("$search")
	if err != nil {
		return "", status.Err(status.BadValue, "$text requires a $search string")
	}
	s, ok := search.StringValueOK()
	if !ok || s == "" {
		return "", status.Err(status.BadValue, "$search must be a non-empty string")
	}
	return s, nil
}

// parsePathPredicates parses {path: spec}. An operator document yields one
// predicate per operator; anything else is an equality match. Only
// top-level conjuncts are sargable: a predicate inside $or, $nor or $not
// does not narrow the whole query.
func (m *Matcher) parsePathPredicates(path string, v bson.RawValue, sargable bool) ([]node, error) {
	if path == "" {
		return nil, status.Err(status.BadValue, "filter field names cannot be empty")
	}
	if v.Type == bson.TypeEmbeddedDocument && isOperatorDoc(bson.Raw(v.Value)) {
		return m.parseOperatorDoc(path, bson.Raw(v.Value), sargable)
	}
	if v.Type == bson.TypeRegex {
		re, err := compileRegexValue(v)
		if err != nil {
			return nil, err
		}
		return []node{&regexPred{path: path, re: re}}, nil
	}
	if sargable {
		m.addSarg(sarg{path: path, op: "$eq", rhs: v})
	}
	return []node{&cmpPred{path: path, op: "$eq", rhs: v}}, nil
}

// parseOperatorDoc parses {$op: arg, ...} applied to one path. With sargable
// false (inside $not) predicates are not offered to the planner.
func (m *Matcher) parseOperatorDoc(path string, doc bson.Raw, sargable bool) ([]node, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, status.Err(status.BadValue, "operator expression is not a valid document")
	}
	var preds []node
	var regexOpts string
	if opts, lErr := doc.LookupErr("$options"); lErr == nil {
		s, ok := opts.StringValueOK()
		if !ok {
			return nil, status.Err(status.BadValue, "$options must be a string")
		}
		if _, rErr := doc.LookupErr("$regex"); rErr != nil {
			return nil, status.Err(status.BadValue, "$options needs a $regex")
		}
		regexOpts = s
	}
	for _, el := range elems {
		op := el.Key()
		arg := el.Value()
		switch op {
		case "$eq":
			if sargable {
				m.addSarg(sarg{path: path, op: "$eq", rhs: arg})
			}
			preds = append(preds, &cmpPred{path: path, op: "$eq", rhs: arg})
		case "$ne":
			preds = append(preds, &notPred{child: &cmpPred{path: path, op: "$eq", rhs: arg}})
		case "$gt", "$gte", "$lt", "$lte":
			if sargable {
				m.addSarg(sarg{path: path, op: op, rhs: arg})
			}
			preds = append(preds, &cmpPred{path: path, op: op, rhs: arg})
		case "$in":
			p, err := parseInPred(path, arg)
			if err != nil {
				return nil, err
			}
			if sargable && len(p.regexes) == 0 {
				m.addSarg(sarg{path: path, op: "$in", vals: p.vals})
			}
			preds = append(preds, p)
		case "$nin":
			p, err := parseInPred(path, arg)
			if err != nil {
				return nil, err
			}
			preds = append(preds, &notPred{child: p})
		case "$exists":
			preds = append(preds, &existsPred{path: path, want: truthy(arg)})
		case "$regex":
			pattern, perr := regexPattern(arg)
			if perr != nil {
				return nil, perr
			}
			re, rerr := compileRegex(pattern, regexOpts)
			if rerr != nil {
				return nil, rerr
			}
			preds = append(preds, &regexPred{path: path, re: re})
		case "$options":
			// Consumed alongside $regex.
		case "$not":
			inner, err := m.parseNotArg(path, arg)
			if err != nil {
				return nil, err
			}
			preds = append(preds, &notPred{child: inner})
		default:
			return nil, status.Errf(status.BadValue, "unknown operator: %s", op)
		}
	}
	return preds, nil
}

// parseNotArg parses the argument of $not: an operator document or a regex.
func (m *Matcher) parseNotArg(path string, arg bson.RawValue) (node, error) {
	switch {
	case arg.Type == bson.TypeRegex:
		re, err := compileRegexValue(arg)
		if err != nil {
			return nil, err
		}
		return &regexPred{path: path, re: re}, nil
	case arg.Type == bson.TypeEmbeddedDocument && isOperatorDoc(bson.Raw(arg.Value)):
		preds, err := m.parseOperatorDoc(path, bson.Raw(arg.Value), false)
		if err != nil {
			return nil, err
		}
		return andNode(preds), nil
	default:
		return nil, status.Err(status.BadValue, "$not needs a regex or an operator document")
	}
}

func parseInPred(path string, arg bson.RawValue) (*inPred, error) {
	if arg.Type != bson.TypeArray {
		return nil, status.Err(status.BadValue, "$in needs an array")
	}
	vals, err := bson.Raw(arg.Value).Values()
	if err != nil {
		return nil, status.Err(status.BadValue, "$in argument is not a valid array")
	}
	p := &inPred{path: path}
	for _, v := range vals {
		if v.Type == bson.TypeRegex {
			re, rerr := compileRegexValue(v)
			if rerr != nil {
				return nil, rerr
			}
			p.regexes = append(p.regexes, re)
			continue
		}
		p.vals = append(p.vals, v)
	}
	return p, nil
}

func (m *Matcher) addSarg(s sarg) {
	m.sargs = append(m.sargs, s)
}

// isOperatorDoc reports whether the document's first key names an operator.
// A document value whose keys are plain fields is an equality target.
func isOperatorDoc(doc bson.Raw) bool {
	elems, err := doc.Elements()
	if err != nil || len(elems) == 0 {
		return false
	}
	return strings.HasPrefix(elems[0].Key(), "$")
}

func truthy(v bson.RawValue) bool {
	switch v.Type {
	case bson.TypeBoolean:
		b, _ := v.BooleanOK()
		return b
	case bson.TypeInt32:
		i, _ := v.Int32OK()
		return i != 0
	case bson.TypeInt64:
		i, _ := v.Int64OK()
		return i != 0
	case bson.TypeDouble:
		f, _ := v.DoubleOK()
		return f != 0
	case bson.TypeNull, bson.TypeUndefined:
		return false
	default:
		return true
	}
}

func regexPattern(v bson.RawValue) (string, error) {
	if s, ok := v.StringValueOK(); ok {
		return s, nil
	}
	if pattern, _, ok := v.RegexOK(); ok {
		return pattern, nil
	}
	return "", status.Err(status.BadValue, "$regex needs a string or regex value")
}

func compileRegexValue(v bson.RawValue) (*regexp.Regexp, error) {
	pattern, options, _ := v.RegexOK()
	return compileRegex(pattern, options)
}

func compileRegex(pattern, options string) (*regexp.Regexp, error) {
	var flags string
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			flags += string(o)
		default:
			return nil, status.Errf(status.BadValue, "unsupported regex option %q", string(o))
		}
	}
	expr := pattern
	if flags != "" {
		expr = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, status.Errf(status.BadValue, "invalid regex: %v", err)
	}
	return re, nil
}

// Node kinds.

type andNode []node

func (n andNode) matches(doc bson.Raw) bool {
	for _, c := range n {
		if !c.matches(doc) {
			return false
		}
	}
	return true
}

type orNode []node

func (n orNode) matches(doc bson.Raw) bool {
	for _, c := range n {
		if c.matches(doc) {
			return true
		}
	}
	return false
}

type norNode []node

func (n norNode) matches(doc bson.Raw) bool {
	for _, c := range n {
		if c.matches(doc) {
			return false
		}
	}
	return true
}

type notPred struct {
	child node
}

func (n *notPred) matches(doc bson.Raw) bool {
	return !n.child.matches(doc)
}

// cmpPred compares one path against one value with $eq, $gt, $gte, $lt or
// $lte semantics.
type cmpPred struct {
	path string
	op   string
	rhs  bson.RawValue
}

func (p *cmpPred) matches(doc bson.Raw) bool {
	return anyCandidate(doc, p.path, p.rhs, func(c bson.RawValue) bool {
		return compareMatches(c, p.op, p.rhs)
	})
}

type inPred struct {
	path    string
	vals    []bson.RawValue
	regexes []*regexp.Regexp
}

func (p *inPred) matches(doc bson.Raw) bool {
	null := false
	for _, v := range p.vals {
		if v.Type == bson.TypeNull {
			null = true
			break
		}
	}
	var rhsForMissing bson.RawValue
	if null {
		rhsForMissing = docmodel.NullValue()
	}
	return anyCandidate(doc, p.path, rhsForMissing, func(c bson.RawValue) bool {
		for _, v := range p.vals {
			if docmodel.ValuesEqual(c, v) {
				return true
			}
		}
		if s, ok := c.StringValueOK(); ok {
			for _, re := range p.regexes {
				if re.MatchString(s) {
					return true
				}
			}
		}
		return false
	})
}

type existsPred struct {
	path string
	want bool
}

func (p *existsPred) matches(doc bson.Raw) bool {
	return (len(docmodel.PathValues(doc, p.path)) > 0) == p.want
}

type regexPred struct {
	path string
	re   *regexp.Regexp
}

func (p *regexPred) matches(doc bson.Raw) bool {
	return anyCandidate(doc, p.path, bson.RawValue{}, func(c bson.RawValue) bool {
		s, ok := c.StringValueOK()
		return ok && p.re.MatchString(s)
	})
}

// anyCandidate runs pred over every value the path reaches, expanding array
// candidates one element level. A missing path behaves as null when the
// predicate's right-hand side is null, so {$eq: null} and {$gte: null}
// match absent fields.
func anyCandidate(doc bson.Raw, path string, rhs bson.RawValue, pred func(bson.RawValue) bool) bool {
	cands := docmodel.PathValues(doc, path)
	if len(cands) == 0 && rhs.Type == bson.TypeNull {
		return pred(docmodel.NullValue())
	}
	for _, c := range cands {
		if pred(c) {
			return true
		}
		if c.Type == bson.TypeArray {
			elems, err := bson.Raw(c.Value).Values()
			if err != nil {
				continue
			}
			for _, el := range elems {
				if pred(el) {
					return true
				}
			}
		}
	}
	return false
}

// compareMatches applies one comparison operator. Range operators match
// only values of the rhs's comparison class, except a MinKey or MaxKey rhs
// which ranges over everything.
func compareMatches(c bson.RawValue, op string, rhs bson.RawValue) bool {
	if op == "$eq" {
		return docmodel.ValuesEqual(c, rhs)
	}
	rhsClass := docmodel.TypeClass(rhs.Type)
	unbounded := rhs.Type == bson.TypeMinKey || rhs.Type == bson.TypeMaxKey
	if !unbounded && docmodel.TypeClass(c.Type) != rhsClass {
		return false
	}
	cmp := docmodel.CompareValues(c, rhs)
	switch op {
	case "$gt":
		return cmp > 0
	case "$gte":
		return cmp >= 0
	case "$lt":
		return cmp < 0
	case "$lte":
		return cmp <= 0
	}
	return false
}

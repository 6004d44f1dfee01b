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

// Package docmodel defines the document model: BSON documents addressed by
// a database.collection namespace, each carrying an _id.
package docmodel

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/oakleaf-io/oakleaf/docstore/status"
)

// MaxDocumentSize caps a single user document at 16 MiB.
const MaxDocumentSize = 16 << 20

// IDField is the mandatory primary-key field of every stored document.
const IDField = "_id"

// Namespace addresses a collection as database.collection.
type Namespace struct {
	DB   string
	Coll string
}

// ParseNamespace splits a database.collection string.
func ParseNamespace(ns string) (Namespace, error) {
	i := strings.Index(ns, ".")
	if i <= 0 || i == len(ns)-1 {
		return Namespace{}, status.Errf(status.BadValue, "invalid namespace %q", ns)
	}
	return Namespace{DB: ns[:i], Coll: ns[i+1:]}, nil
}

// NewNamespace builds a Namespace from its parts.
func NewNamespace(db, coll string) Namespace {
	return Namespace{DB: db, Coll: coll}
}

// String renders the namespace as database.collection.
func (n Namespace) String() string {
	return n.DB + "." + n.Coll
}

// IsEmpty reports whether the namespace misses a part.
func (n Namespace) IsEmpty() bool {
	return n.DB == "" || n.Coll == ""
}

// Validate rejects namespaces a catalog cannot store.
func (n Namespace) Validate() error {
	if n.IsEmpty() {
		return status.Err(status.BadValue, "namespace has an empty part")
	}
	if strings.ContainsAny(n.DB, ".$\x00") || strings.ContainsAny(n.Coll, "$\x00") {
		return status.Errf(status.BadValue, "invalid characters in namespace %q", n.String())
	}
	return nil
}

// Validate checks a raw document against the size cap and BSON integrity.
func Validate(doc bson.Raw) error {
	if len(doc) > MaxDocumentSize {
		return status.Errf(status.DocumentTooLarge, "document size %d exceeds %d bytes", len(doc), MaxDocumentSize)
	}
	if err := doc.Validate(); err != nil {
		return status.Errf(status.BadValue, "invalid document: %v", err)
	}
	return nil
}

// EnsureID returns the document's _id, generating and prepending an ObjectID
// when absent. The returned raw document always carries an _id.
func EnsureID(doc bson.Raw) (bson.Raw, bson.RawValue, error) {
	if id, err := doc.LookupErr(IDField); err == nil {
		return doc, id, nil
	}
	var d bson.D
	if err := bson.Unmarshal(doc, &d); err != nil {
		return nil, bson.RawValue{}, status.Errf(status.BadValue, "invalid document: %v", err)
	}
	d = append(bson.D{{Key: IDField, Value: bson.NewObjectID()}}, d...)
	out, err := bson.Marshal(d)
	if err != nil {
		return nil, bson.RawValue{}, status.Errf(status.BadValue, "re-encode document: %v", err)
	}
	raw := bson.Raw(out)
	id := raw.Lookup(IDField)
	return raw, id, nil
}

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

package lock

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ResourceType is a level of the lock hierarchy.
type ResourceType uint8

const (
	// ResourceGlobal is the single top-level resource.
	ResourceGlobal ResourceType = iota
	// ResourceDatabase names one database.
	ResourceDatabase
	// ResourceCollection names one collection by full namespace.
	ResourceCollection
)

var resourceTypeNames = map[ResourceType]string{
	ResourceGlobal:     "global",
	ResourceDatabase:   "database",
	ResourceCollection: "collection",
}

// ResourceID identifies a lockable resource.
type ResourceID struct {
	Name string
	Type ResourceType
}

// GlobalResource returns the top-level resource.
func GlobalResource() ResourceID {
	return ResourceID{Type: ResourceGlobal}
}

// DatabaseResource returns the resource for a database.
func DatabaseResource(db string) ResourceID {
	return ResourceID{Type: ResourceDatabase, Name: db}
}

// CollectionResource returns the resource for a full namespace.
func CollectionResource(ns string) ResourceID {
	return ResourceID{Type: ResourceCollection, Name: ns}
}

func (r ResourceID) String() string {
	if r.Type == ResourceGlobal {
		return "global"
	}
	return fmt.Sprintf("%s:%s", resourceTypeNames[r.Type], r.Name)
}

func (r ResourceID) hash() uint64 {
	var d xxhash.Digest
	_, _ = d.Write([]byte{byte(r.Type)})
	_, _ = d.WriteString(r.Name)
	return d.Sum64()
}

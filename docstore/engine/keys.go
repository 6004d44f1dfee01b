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

package engine

import (
	"github.com/oakleaf-io/oakleaf/pkg/convert"
)

// Keyspace layout. Every key starts with an 8-byte big-endian ident so a
// whole keyspace is one contiguous prefix:
//
//	record store:  ident | recordID(8B BE)        -> document bytes
//	sorted store:  ident | keyBytes | recordID    -> nil
//	metadata:      ident(0) | tag byte | rest
const (
	metaTagCheckpoint = 'k'
	metaTagIdentSeq   = 'i'
)

func identPrefix(ident uint64) []byte {
	return convert.Uint64ToBytes(ident)
}

func recordKey(ident, recordID uint64) []byte {
	return append(identPrefix(ident), convert.Uint64ToBytes(recordID)...)
}

func sortedKey(ident uint64, keyBytes []byte, recordID uint64) []byte {
	k := make([]byte, 0, 16+len(keyBytes))
	k = append(k, identPrefix(ident)...)
	k = append(k, keyBytes...)
	return append(k, convert.Uint64ToBytes(recordID)...)
}

func sortedKeyPrefix(ident uint64, keyBytes []byte) []byte {
	return append(identPrefix(ident), keyBytes...)
}

func metaKey(rest []byte) []byte {
	return append(identPrefix(metaIdent), rest...)
}

func metaCheckpointKey() []byte {
	return metaKey([]byte{metaTagCheckpoint})
}

func metaIdentCounterKey() []byte {
	return metaKey([]byte{metaTagIdentSeq})
}

func encodeTs(ts uint64) []byte {
	return convert.Uint64ToBytes(ts)
}

func decodeTs(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return convert.BytesToUint64(b)
}

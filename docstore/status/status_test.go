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

package status

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want Code
	}{
		{name: "nil", err: nil, want: OK},
		{name: "plain status", err: Err(NotFound, "missing"), want: NotFound},
		{name: "wrapped status", err: errors.Wrap(Err(WriteConflict, "ww"), "insert"), want: WriteConflict},
		{name: "foreign error", err: errors.New("boom"), want: Conflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Err(WriteConflict, "w")))
	assert.True(t, IsRetryable(errors.WithMessage(Err(DeadlockDetected, "d"), "update")))
	assert.False(t, IsRetryable(Err(DuplicateKey, "dup")))
	assert.False(t, IsRetryable(nil))
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "missing", MessageOf(Err(NotFound, "missing")))
	assert.Equal(t, "boom", MessageOf(errors.New("boom")))
	assert.Equal(t, "", MessageOf(nil))
}

func TestCodeName(t *testing.T) {
	assert.Equal(t, "SessionAlreadyCheckedOut", SessionAlreadyCheckedOut.String())
	assert.Equal(t, "Code(999)", Code(999).String())
}

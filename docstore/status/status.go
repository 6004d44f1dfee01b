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

// Package status defines the status-code error model shared by all document
// store operations. Every failure that crosses a command boundary carries a
// Code so the wire layer can render {ok:0, code, codeName, errmsg}.
package status

import (
	"errors"
	"fmt"
)

// Code enumerates the failure kinds an operation can report.
type Code int32

// The full set of codes. OK is never wrapped in an Error; it only appears in
// wire replies.
const (
	OK Code = iota
	NotFound
	Unauthorized
	TypeMismatch
	Conflict
	Interrupted
	ExceededTimeLimit
	ShutdownInProgress
	StaleConfig
	WriteConflict
	DeadlockDetected
	CursorNotFound
	CursorInUse
	NamespaceNotFound
	NamespaceExists
	IndexNotFound
	IndexAlreadyExists
	DuplicateKey
	BadValue
	CommandNotFound
	SessionKilled
	SessionAlreadyCheckedOut
	NoSuchSession
	SortExceededMemoryLimit
	DocumentTooLarge
)

var codeNames = map[Code]string{
	OK:                       "OK",
	NotFound:                 "NotFound",
	Unauthorized:             "Unauthorized",
	TypeMismatch:             "TypeMismatch",
	Conflict:                 "Conflict",
	Interrupted:              "Interrupted",
	ExceededTimeLimit:        "ExceededTimeLimit",
	ShutdownInProgress:       "ShutdownInProgress",
	StaleConfig:              "StaleConfig",
	WriteConflict:            "WriteConflict",
	DeadlockDetected:         "DeadlockDetected",
	CursorNotFound:           "CursorNotFound",
	CursorInUse:              "CursorInUse",
	NamespaceNotFound:        "NamespaceNotFound",
	NamespaceExists:          "NamespaceExists",
	IndexNotFound:            "IndexNotFound",
	IndexAlreadyExists:       "IndexAlreadyExists",
	DuplicateKey:             "DuplicateKey",
	BadValue:                 "BadValue",
	CommandNotFound:          "CommandNotFound",
	SessionKilled:            "SessionKilled",
	SessionAlreadyCheckedOut: "SessionAlreadyCheckedOut",
	NoSuchSession:            "NoSuchSession",
	SortExceededMemoryLimit:  "SortExceededMemoryLimit",
	DocumentTooLarge:         "DocumentTooLarge",
}

// String returns the wire codeName of the Code.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", int32(c))
}

// Error is a status-code-plus-message failure value.
type Error struct {
	Msg  string
	Code Code
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is reports whether the target shares this error's code, which makes
// errors.Is(err, status.Errf(status.NotFound, "")) style comparisons work.
func (e *Error) Is(target error) bool {
	var se *Error
	if !errors.As(target, &se) {
		return false
	}
	return se.Code == e.Code
}

// Errf builds an Error with a formatted message.
func Errf(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Err builds an Error with a plain message.
func Err(code Code, msg string) error {
	return &Error{Code: code, Msg: msg}
}

// CodeOf extracts the Code from an error chain. Errors without a status
// wrapper map to Conflict for cancellation-free failures.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return Conflict
}

// MessageOf extracts the message carried by the status error, falling back
// to the error's own rendering.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Msg
	}
	return err.Error()
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the failure is transient and the enclosing
// write loop may retry the unit of work.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case WriteConflict, DeadlockDetected:
		return true
	default:
		return false
	}
}

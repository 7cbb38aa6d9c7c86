//
// Copyright 2024 The Nanokernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package kerr implements the kernel's numeric error taxonomy (spec §7).
//
// Kernel handlers never panic the Go process on an ordinary failure; they
// return a *kerr.Error instead, the same way the handler and
// seccomp-tracer packages always return an (result, error) pair and let the
// caller decide what to do with it.
package kerr

import "fmt"

// Code is one of spec §7's numeric error codes.
type Code int

const (
	Success Code = 0
	Pending Code = 1

	Timeout Code = 258

	Unsuccessful   Code = 300
	NotImplemented Code = 301

	InvalidDriverObject Code = 400
	InvalidDriverEntry  Code = 401
	InvalidDriverInfo   Code = 402
	ValidationFailed    Code = 403
	InitFailed          Code = 404
	NoSuchDevice        Code = 405
	DeviceAlreadyExists Code = 406
	InvalidType         Code = 407
	UnloadFailed        Code = 408

	AccessDenied         Code = 500
	PrivilegeNotHeld     Code = 501
	SynapseTokenMismatch Code = 502
	SynapseTokenExpired  Code = 503

	InvalidHandle    Code = 600
	InvalidParameter Code = 601
	EndOfFile        Code = 602
	NoSuchFile       Code = 603
	DeviceBusy       Code = 604

	HandleNotFound     Code = 700
	HandleTableFull    Code = 701
	HandleAliasInvalid Code = 702
)

var names = map[Code]string{
	Success:             "SUCCESS",
	Pending:              "PENDING",
	Timeout:              "TIMEOUT",
	Unsuccessful:         "UNSUCCESSFUL",
	NotImplemented:       "NOT_IMPLEMENTED",
	InvalidDriverObject:  "INVALID_DRIVER_OBJECT",
	InvalidDriverEntry:   "INVALID_DRIVER_ENTRY",
	InvalidDriverInfo:    "INVALID_DRIVER_INFO",
	ValidationFailed:     "VALIDATION_FAILED",
	InitFailed:           "INIT_FAILED",
	NoSuchDevice:         "NO_SUCH_DEVICE",
	DeviceAlreadyExists:  "DEVICE_ALREADY_EXISTS",
	InvalidType:          "INVALID_TYPE",
	UnloadFailed:         "UNLOAD_FAILED",
	AccessDenied:         "ACCESS_DENIED",
	PrivilegeNotHeld:     "PRIVILEGE_NOT_HELD",
	SynapseTokenMismatch: "SYNAPSE_TOKEN_MISMATCH",
	SynapseTokenExpired:  "SYNAPSE_TOKEN_EXPIRED",
	InvalidHandle:        "INVALID_HANDLE",
	InvalidParameter:     "INVALID_PARAMETER",
	EndOfFile:            "END_OF_FILE",
	NoSuchFile:           "NO_SUCH_FILE",
	DeviceBusy:           "DEVICE_BUSY",
	HandleNotFound:       "HANDLE_NOT_FOUND",
	HandleTableFull:      "HANDLE_TABLE_FULL",
	HandleAliasInvalid:   "HANDLE_ALIAS_INVALID",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// Error is the value every kernel handler returns on failure.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// New builds an Error from a code and a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an existing Go error.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: err.Error()}
}

// Is reports whether err is a *Error carrying the given code.
func Is(err error, code Code) bool {
	ke, ok := err.(*Error)
	return ok && ke.Code == code
}

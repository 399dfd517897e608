// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com

// Package ctxerr defines the typed error kinds surfaced across the IPC
// boundary, one per err_code.
package ctxerr

import "fmt"

// Code identifies one of the distinct error kinds a request can fail with.
type Code string

const (
	InvalidArg        Code = "INVALID_ARG"
	NotFound          Code = "NOT_FOUND"
	Ambiguous         Code = "AMBIGUOUS"
	OverMaxContext    Code = "OVER_MAX_CONTEXT"
	DaemonUnavailable Code = "DAEMON_UNAVAILABLE"
	IndexMismatch     Code = "INDEX_MISMATCH"
	ExtractorFailed   Code = "EXTRACTOR_FAILED"
	StoreCorrupt      Code = "STORE_CORRUPT"
	StoreBusy         Code = "STORE_BUSY"
	Internal          Code = "INTERNAL"
)

// Error is a typed error carrying the err_code reported to clients.
type Error struct {
	Code    Code
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an *Error with no wrapped cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around an existing error, preserving it for errors.Is/As.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// CodeOf extracts the err_code from err, defaulting to Internal for
// errors that were never classified.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ce *Error
	if ok := asError(err, &ce); ok {
		return ce.Code
	}
	return Internal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

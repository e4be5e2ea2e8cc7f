// Copyright 2018-2021 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package errtypes contains definitions for common errors.
// It would have been nice to call this package errors, err or error
// but errors clashes with github.com/pkg/errors, err is used for any error
// variable and error is a reserved word :)
package errtypes

// NotFound is the error to use when a resource is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound is the method to check for w
func (e NotFound) IsNotFound() {}

// PermissionDenied is the error to use when a request touches a resource
// it is not allowed to, such as a filename with path separators.
type PermissionDenied string

func (e PermissionDenied) Error() string { return "error: permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// InvalidCredentials is the error to use when receiving invalid credentials.
type InvalidCredentials string

func (e InvalidCredentials) Error() string { return "error: invalid credentials: " + string(e) }

// IsInvalidCredentials implements the IsInvalidCredentials interface.
func (e InvalidCredentials) IsInvalidCredentials() {}

// BadRequest is the error to use when the request itself is malformed:
// missing headers, bad query parameters, invalid tenants.
type BadRequest string

func (e BadRequest) Error() string { return "error: bad request: " + string(e) }

// IsBadRequest implements the IsBadRequest interface.
func (e BadRequest) IsBadRequest() {}

// Conflict is the error to use when disk or index state disagrees with the
// request, such as an out-of-order or duplicate chunk.
type Conflict string

func (e Conflict) Error() string { return "error: conflict: " + string(e) }

// IsConflict implements the IsConflict interface.
func (e Conflict) IsConflict() {}

// PolicyRejected is the error to use when the export policy refuses a file.
// The message is surfaced to clients verbatim.
type PolicyRejected string

func (e PolicyRejected) Error() string { return string(e) }

// IsPolicyRejected implements the IsPolicyRejected interface.
func (e PolicyRejected) IsPolicyRejected() {}

// RangeNotSatisfiable is the error to use when a byte range lies beyond EOF.
type RangeNotSatisfiable string

func (e RangeNotSatisfiable) Error() string { return "error: range not satisfiable: " + string(e) }

// IsRangeNotSatisfiable implements the IsRangeNotSatisfiable interface.
func (e RangeNotSatisfiable) IsRangeNotSatisfiable() {}

// NotSupported is the error to use when an action is not supported,
// such as multipart ranges.
type NotSupported string

func (e NotSupported) Error() string { return "error: not supported: " + string(e) }

// IsNotSupported implements the IsNotSupported interface.
func (e NotSupported) IsNotSupported() {}

// PreconditionFailed is the error to use when an If-Range validator does not
// match the current state of the file.
type PreconditionFailed string

func (e PreconditionFailed) Error() string { return "error: precondition failed: " + string(e) }

// IsPreconditionFailed implements the IsPreconditionFailed interface.
func (e PreconditionFailed) IsPreconditionFailed() {}

// InternalError is the error to use for unexpected server-side failures.
type InternalError string

func (e InternalError) Error() string { return "internal error: " + string(e) }

// IsInternalError implements the IsInternalError interface.
func (e InternalError) IsInternalError() {}

// IsNotFound is the interface to implement
// to specify that a resource is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsPermissionDenied is the interface to implement
// to specify that an action is denied.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsInvalidCredentials is the interface to implement
// to specify that credentials were wrong.
type IsInvalidCredentials interface {
	IsInvalidCredentials()
}

// IsBadRequest is the interface to implement
// to specify that the request is malformed.
type IsBadRequest interface {
	IsBadRequest()
}

// IsConflict is the interface to implement
// to specify that the request conflicts with current state.
type IsConflict interface {
	IsConflict()
}

// IsPolicyRejected is the interface to implement
// to specify that the export policy refused the file.
type IsPolicyRejected interface {
	IsPolicyRejected()
}

// IsRangeNotSatisfiable is the interface to implement
// to specify that a requested byte range lies beyond EOF.
type IsRangeNotSatisfiable interface {
	IsRangeNotSatisfiable()
}

// IsNotSupported is the interface to implement
// to specify that an action is not supported.
type IsNotSupported interface {
	IsNotSupported()
}

// IsPreconditionFailed is the interface to implement
// to specify that a precondition header did not match.
type IsPreconditionFailed interface {
	IsPreconditionFailed()
}

// IsInternalError is the interface to implement
// to specify that something broke server-side.
type IsInternalError interface {
	IsInternalError()
}

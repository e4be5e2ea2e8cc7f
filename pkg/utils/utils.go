// Copyright 2018-2022 CERN
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

// Package utils has the shared HTTP response conventions: every
// non-download body is JSON, and status events are `{"message": "..."}`.
package utils

import (
	"encoding/json"
	"net/http"

	"github.com/FBernal-oPs/tsd-file-api/pkg/appctx"
	"github.com/FBernal-oPs/tsd-file-api/pkg/errtypes"
	"github.com/pkg/errors"
)

// StatusForError maps a typed error to its HTTP status code. Wrapped
// errors are unwrapped to their cause first.
func StatusForError(err error) int {
	switch errors.Cause(err).(type) {
	case errtypes.IsNotFound:
		return http.StatusNotFound
	case errtypes.IsPermissionDenied:
		return http.StatusForbidden
	case errtypes.IsInvalidCredentials:
		return http.StatusUnauthorized
	case errtypes.IsBadRequest, errtypes.IsConflict, errtypes.IsPolicyRejected, errtypes.IsPreconditionFailed:
		return http.StatusBadRequest
	case errtypes.IsRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case errtypes.IsNotSupported:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON marshals v to w with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteMessage writes a `{"message": ...}` body with the given status.
func WriteMessage(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"message": msg})
}

// WriteError maps err to a status and writes its message. Internal
// errors are logged and masked so server state never leaks to clients.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusForError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		appctx.GetLogger(r.Context()).Error().Err(err).Msg("request failed")
		msg = "internal server error"
	}
	WriteMessage(w, status, msg)
}

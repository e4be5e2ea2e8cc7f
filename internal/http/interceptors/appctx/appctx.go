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

// Package appctx stores a request-scoped logger in the context so
// that every layer below logs with the same request id.
package appctx

import (
	"net/http"

	"github.com/FBernal-oPs/tsd-file-api/pkg/appctx"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// New returns a new HTTP middleware that stores the log
// in the context with request ID information.
func New(log zerolog.Logger) func(http.Handler) http.Handler {
	chain := func(next http.Handler) http.Handler {
		return handler(log, next)
	}
	return chain
}

func handler(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := log.With().Str("reqid", uuid.New().String()).Logger()
		ctx := appctx.WithLogger(r.Context(), &sub)
		r = r.WithContext(ctx)
		next.ServeHTTP(w, r)
	})
}

// Copyright 2018-2023 CERN
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

// Package auth gates every request on a tenant-scoped bearer token.
// Verified claims and the raw token are stored in the request context
// for the handlers behind the gate.
package auth

import (
	"net/http"
	"strings"

	"github.com/FBernal-oPs/tsd-file-api/pkg/appctx"
	"github.com/FBernal-oPs/tsd-file-api/pkg/keystore"
	"github.com/FBernal-oPs/tsd-file-api/pkg/tenant"
	"github.com/FBernal-oPs/tsd-file-api/pkg/token"
	jwtmgr "github.com/FBernal-oPs/tsd-file-api/pkg/token/manager/jwt"
	"github.com/FBernal-oPs/tsd-file-api/pkg/utils"
	"github.com/pkg/errors"
)

// New returns the auth middleware. Paths listed in unprotected bypass
// the gate; a "*" segment in an unprotected entry matches any single
// path segment.
func New(m map[string]interface{}, unprotected []string) (func(http.Handler) http.Handler, error) {
	keys, err := keystore.New(m)
	if err != nil {
		return nil, errors.Wrap(err, "auth: error creating key store")
	}
	mgr := jwtmgr.New()

	chain := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := appctx.GetLogger(r.Context())

			if isUnprotected(r.URL.Path, unprotected) {
				log.Debug().Str("url", r.URL.Path).Msg("skipping auth check for unprotected endpoint")
				h.ServeHTTP(w, r)
				return
			}

			hdr := r.Header.Get("Authorization")
			if hdr == "" {
				utils.WriteMessage(w, http.StatusBadRequest, "missing authorization header")
				return
			}
			raw := strings.TrimPrefix(hdr, "Bearer ")
			if raw == hdr || raw == "" {
				utils.WriteMessage(w, http.StatusBadRequest, "malformed authorization header")
				return
			}

			pnum := pnumFromPath(r.URL.Path)
			if !tenant.ValidPnum(pnum) {
				utils.WriteMessage(w, http.StatusBadRequest, "invalid project number")
				return
			}

			secret, err := keys.Get(r.Context(), pnum)
			if err != nil {
				// key-store state must not leak to clients
				log.Error().Err(err).Str("pnum", pnum).Msg("error resolving tenant key")
				utils.WriteMessage(w, http.StatusInternalServerError, "internal server error")
				return
			}

			claims, err := mgr.Verify(r.Context(), raw, secret, nil, pnum)
			if err != nil {
				log.Debug().Err(err).Str("pnum", pnum).Msg("token rejected")
				utils.WriteMessage(w, http.StatusUnauthorized, "authorization failed")
				return
			}

			ctx := token.ContextSetClaims(r.Context(), claims)
			ctx = token.ContextSetToken(ctx, raw)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	return chain, nil
}

// pnumFromPath extracts the tenant segment of "/v1/<pnum>/...".
func pnumFromPath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func isUnprotected(url string, unprotected []string) bool {
	partsURL := strings.Split(strings.Trim(url, "/"), "/")
	for _, u := range unprotected {
		parts := strings.Split(strings.Trim(u, "/"), "/")
		if len(parts) > len(partsURL) {
			continue
		}
		match := true
		for i, p := range parts {
			if p != partsURL[i] && p != "*" {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

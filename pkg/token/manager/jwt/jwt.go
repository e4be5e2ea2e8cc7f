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

// Package jwt verifies HS256 bearer tokens with a tenant-specific secret.
package jwt

import (
	"context"

	"github.com/FBernal-oPs/tsd-file-api/pkg/errtypes"
	"github.com/FBernal-oPs/tsd-file-api/pkg/token"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// New returns a token manager backed by golang-jwt.
func New() token.Manager {
	return &manager{}
}

type manager struct{}

// claims are the token claims plus the registered set.
type claims struct {
	jwt.RegisteredClaims
	User   string   `json:"user"`
	Groups []string `json:"groups"`
	Roles  []string `json:"roles"`
	Proj   string   `json:"proj"`
}

func (m *manager) Verify(ctx context.Context, tkn, secret string, rolesAllowed []string, pnum string) (*token.Claims, error) {
	t, err := jwt.ParseWithClaims(tkn, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, errors.Wrap(errtypes.InvalidCredentials("error parsing token"), err.Error())
	}

	c, ok := t.Claims.(*claims)
	if !ok || !t.Valid {
		return nil, errtypes.InvalidCredentials("token invalid")
	}

	if c.Proj != "" && c.Proj != pnum {
		return nil, errtypes.InvalidCredentials("token not issued for project")
	}

	if !roleAllowed(c.Roles, rolesAllowed) {
		return nil, errtypes.InvalidCredentials("role not allowed to perform operation")
	}

	return &token.Claims{
		User:   c.User,
		Groups: c.Groups,
		Roles:  c.Roles,
		Proj:   c.Proj,
	}, nil
}

// an empty allowed set accepts any role
func roleAllowed(have, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range have {
		for _, a := range allowed {
			if r == a {
				return true
			}
		}
	}
	return false
}

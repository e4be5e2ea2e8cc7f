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

// Package token defines the claims model for bearer tokens and the
// manager interface to verify them.
package token

import (
	"context"
)

// Roles used across the API. Callers pass the subset a handler accepts.
const (
	RoleImport = "import_user"
	RoleExport = "export_user"
	RoleAdmin  = "admin_user"
)

// Claims are the verified attributes of a bearer token.
type Claims struct {
	User   string   `json:"user"`
	Groups []string `json:"groups"`
	Roles  []string `json:"roles"`
	Proj   string   `json:"proj"`
}

// HasGroup reports whether the token grants membership of group.
func (c *Claims) HasGroup(group string) bool {
	for _, g := range c.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the token grants at least one of the
// given roles. An empty set accepts any token.
func (c *Claims) HasAnyRole(roles ...string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, want := range roles {
		for _, r := range c.Roles {
			if r == want {
				return true
			}
		}
	}
	return false
}

// Manager is the interface to implement to verify tokens. The secret is
// tenant-specific; rolesAllowed must intersect the token's roles.
type Manager interface {
	Verify(ctx context.Context, token, secret string, rolesAllowed []string, pnum string) (*Claims, error)
}

type key int

const (
	claimsKey key = iota
	tokenKey
)

// ContextSetClaims stores verified claims in the context.
func ContextSetClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ContextGetClaims returns the claims if set in the given context.
func ContextGetClaims(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// ContextMustGetClaims panics if claims are not in the context.
// Handlers behind the auth interceptor may rely on their presence.
func ContextMustGetClaims(ctx context.Context) *Claims {
	c, ok := ContextGetClaims(ctx)
	if !ok {
		panic("token: claims not found in context")
	}
	return c
}

// ContextSetToken stores the raw bearer token in the context so the
// edge handler can forward it to the internal endpoint.
func ContextSetToken(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, tokenKey, t)
}

// ContextGetToken returns the raw token if set in the given context.
func ContextGetToken(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tokenKey).(string)
	return t, ok
}

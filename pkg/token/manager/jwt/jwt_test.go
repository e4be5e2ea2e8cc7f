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

package jwt

import (
	"context"
	"testing"
	"time"

	"github.com/FBernal-oPs/tsd-file-api/pkg/token"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "testsecret"

var ctx = context.Background()

func signToken(t *testing.T, c claims, key string) string {
	t.Helper()
	if c.ExpiresAt == nil {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func importToken(t *testing.T, key string) string {
	return signToken(t, claims{
		User:   "p11-testuser",
		Groups: []string{"p11-member-group"},
		Roles:  []string{token.RoleImport},
		Proj:   "p11",
	}, key)
}

func TestVerify(t *testing.T) {
	m := New()

	c, err := m.Verify(ctx, importToken(t, secret), secret, []string{token.RoleImport, token.RoleAdmin}, "p11")
	require.NoError(t, err)
	assert.Equal(t, "p11-testuser", c.User)
	assert.Equal(t, []string{"p11-member-group"}, c.Groups)
	assert.Equal(t, "p11", c.Proj)
	assert.True(t, c.HasGroup("p11-member-group"))
	assert.True(t, c.HasAnyRole(token.RoleImport))
	assert.False(t, c.HasAnyRole(token.RoleExport))
}

func TestVerifyEmptyRoleSetAcceptsAnyRole(t *testing.T) {
	m := New()
	_, err := m.Verify(ctx, importToken(t, secret), secret, nil, "p11")
	require.NoError(t, err)
}

func TestVerifyWrongSecret(t *testing.T) {
	m := New()
	_, err := m.Verify(ctx, importToken(t, "othersecret"), secret, nil, "p11")
	require.Error(t, err)
}

func TestVerifyWrongProject(t *testing.T) {
	m := New()
	_, err := m.Verify(ctx, importToken(t, secret), secret, nil, "p12")
	require.Error(t, err)
}

func TestVerifyExpired(t *testing.T) {
	m := New()
	tkn := signToken(t, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		User:  "p11-testuser",
		Roles: []string{token.RoleImport},
		Proj:  "p11",
	}, secret)
	_, err := m.Verify(ctx, tkn, secret, nil, "p11")
	require.Error(t, err)
}

func TestVerifyRoleNotAllowed(t *testing.T) {
	m := New()
	_, err := m.Verify(ctx, importToken(t, secret), secret, []string{token.RoleExport}, "p11")
	require.Error(t, err)
}

func TestVerifyRejectsUnsignedToken(t *testing.T) {
	m := New()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		User: "p11-testuser",
		Proj: "p11",
	}
	tkn, err := jwt.NewWithClaims(jwt.SigningMethodNone, c).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.Verify(ctx, tkn, secret, nil, "p11")
	require.Error(t, err)
}

func TestVerifyGarbage(t *testing.T) {
	m := New()
	_, err := m.Verify(ctx, "not.a.token", secret, nil, "p11")
	require.Error(t, err)
}

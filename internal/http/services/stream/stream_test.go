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

package stream

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/FBernal-oPs/tsd-file-api/pkg/rhttp"
	"github.com/FBernal-oPs/tsd-file-api/pkg/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type innerCall struct {
	path    string
	query   string
	headers http.Header
	body    string
}

// newRelay starts a fake internal handler and an edge service pointed
// at its port.
func newRelay(t *testing.T, inner http.HandlerFunc) (http.Handler, *innerCall) {
	t.Helper()
	call := &innerCall{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		call.path = r.URL.Path
		call.query = r.URL.RawQuery
		call.headers = r.Header.Clone()
		call.body = string(body)
		inner(w, r)
	}))
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	s, err := New(map[string]interface{}{"port": port}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.Handler(), call
}

func doStream(t *testing.T, h http.Handler, method, orig, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	sub := "/" + orig[strings.LastIndex(orig, "/")+1:]
	r := httptest.NewRequest(method, sub, strings.NewReader(body))
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	origPath, _, _ := strings.Cut(orig, "?")
	ctx := rhttp.ContextSetOriginalPath(r.Context(), origPath)
	ctx = token.ContextSetClaims(ctx, &token.Claims{
		User:   "p11-testuser",
		Proj:   "p11",
		Roles:  []string{token.RoleImport},
		Groups: []string{"p11-member-group"},
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r.WithContext(ctx))
	return w
}

func TestRelayForwardsBodyAndHeaders(t *testing.T) {
	h, call := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"message": "data streamed"}`))
	})

	w := doStream(t, h, http.MethodPut, "/v1/p11/files/stream/file1.txt?group=p11-member-group", "upload body", map[string]string{
		"Authorization": "Bearer token123",
		"Content-Type":  "application/octet-stream",
		"Aes-Key":       "encrypted-key",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "data streamed")

	assert.Equal(t, "/v1/p11/files/upload_stream/file1.txt", call.path)
	assert.Equal(t, "group=p11-member-group", call.query)
	assert.Equal(t, "upload body", call.body)
	assert.Equal(t, "Bearer token123", call.headers.Get("Authorization"))
	assert.Equal(t, "application/octet-stream", call.headers.Get("Content-Type"))
	assert.Equal(t, "encrypted-key", call.headers.Get("Aes-Key"))
}

func TestRelayRewritesChunkOrderStatus(t *testing.T) {
	h, _ := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message": "chunk_order_incorrect"}`))
	})

	w := doStream(t, h, http.MethodPatch, "/v1/p11/files/stream/file1.txt?chunk=5", "chunk data", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "chunk_order_incorrect")
}

func TestRelayPassesErrorStatusThrough(t *testing.T) {
	h, _ := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message": "permission denied"}`))
	})

	w := doStream(t, h, http.MethodPut, "/v1/p11/files/stream/file1.txt", "x", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestInvalidFilenameRejectedAtEdge(t *testing.T) {
	h, call := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	w := doStream(t, h, http.MethodPut, "/v1/p11/files/stream/bad~file", "x", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, call.path, "internal handler must not be reached")
}

func TestInvalidGroupRejectedAtEdge(t *testing.T) {
	h, call := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	w := doStream(t, h, http.MethodPut, "/v1/p11/files/stream/file1.txt?group=p99-member-group", "x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, call.path)
}

func TestGroupNotInTokenRejectedAtEdge(t *testing.T) {
	h, call := newRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	// valid p11 group the token does not grant
	w := doStream(t, h, http.MethodPut, "/v1/p11/files/stream/file1.txt?group=p11-other-group", "x", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authorization failed")
	assert.Empty(t, call.path)
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newRelay(t, func(w http.ResponseWriter, r *http.Request) {})
	w := doStream(t, h, http.MethodGet, "/v1/p11/files/stream/file1.txt", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestExportRoleRejected(t *testing.T) {
	h, _ := newRelay(t, func(w http.ResponseWriter, r *http.Request) {})

	r := httptest.NewRequest(http.MethodPut, "/file1.txt", strings.NewReader("x"))
	ctx := rhttp.ContextSetOriginalPath(r.Context(), "/v1/p11/files/stream/file1.txt")
	ctx = token.ContextSetClaims(ctx, &token.Claims{User: "p11-testuser", Proj: "p11", Roles: []string{token.RoleExport}})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r.WithContext(ctx))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

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

package metadata

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/FBernal-oPs/tsd-file-api/pkg/rhttp"
	"github.com/FBernal-oPs/tsd-file-api/pkg/rhttp/global"
	"github.com/FBernal-oPs/tsd-file-api/pkg/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	handler http.Handler
	root    string
}

func newFixture(t *testing.T, build func(map[string]interface{}) (global.Service, error)) *fixture {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "p11", "import"), 0o770))

	conf := map[string]interface{}{
		"backends": map[string]interface{}{
			"disk": map[string]interface{}{
				"files": map[string]interface{}{
					"import_path": filepath.Join(root, "pXX", "import"),
				},
			},
		},
	}
	s, err := build(conf)
	require.NoError(t, err)
	return &fixture{handler: s.Handler(), root: root}
}

func (f *fixture) do(t *testing.T, method, orig string, roles []string) *httptest.ResponseRecorder {
	t.Helper()
	path, query, _ := strings.Cut(orig, "?")
	target := "/"
	if query != "" {
		target += "?" + query
	}
	r := httptest.NewRequest(method, target, nil)
	ctx := rhttp.ContextSetOriginalPath(r.Context(), path)
	ctx = token.ContextSetClaims(ctx, &token.Claims{User: "p11-testuser", Proj: "p11", Roles: roles})
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r.WithContext(ctx))
	return w
}

func (f *fixture) seed(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "p11", "import", name), []byte(content), 0o660))
}

func TestListImportDir(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return New(m, nil) })
	f.seed(t, "file1.txt", "one")
	f.seed(t, "file2.txt", "two")

	w := f.do(t, http.MethodGet, "/v1/p11/files/list", []string{token.RoleImport})
	require.Equal(t, http.StatusOK, w.Code)

	files := map[string]string{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &files))
	require.Len(t, files, 2)
	for _, name := range []string{"file1.txt", "file2.txt"} {
		mtime, err := time.Parse(time.RFC3339, files[name])
		require.NoError(t, err, name)
		assert.WithinDuration(t, time.Now(), mtime, time.Minute)
	}
}

func TestListEmptyImportDir(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return New(m, nil) })

	w := f.do(t, http.MethodGet, "/v1/p11/files/list", []string{token.RoleExport})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "{}", w.Body.String())
}

func TestListRoleRequired(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return New(m, nil) })

	w := f.do(t, http.MethodGet, "/v1/p11/files/list", []string{"member_user"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListUnknownTenantDir(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return New(m, nil) })

	w := f.do(t, http.MethodGet, "/v1/p99/files/list", []string{token.RoleImport})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChecksum(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return NewChecksum(m, nil) })
	f.seed(t, "file1.txt", "some content")

	w := f.do(t, http.MethodGet, "/v1/p11/files/checksum?filename=file1.txt", []string{token.RoleImport})
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Checksum  string `json:"checksum"`
		Algorithm string `json:"algorithm"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	// md5("some content")
	assert.Equal(t, "9893532233caff98cd083a116b013c0b", res.Checksum)
	assert.Equal(t, "md5", res.Algorithm)
}

func TestChecksumMissingFilename(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return NewChecksum(m, nil) })

	w := f.do(t, http.MethodGet, "/v1/p11/files/checksum", []string{token.RoleImport})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing filename")
}

func TestChecksumBadFilename(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return NewChecksum(m, nil) })

	w := f.do(t, http.MethodGet, "/v1/p11/files/checksum?filename=bad~file", []string{token.RoleImport})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestChecksumUnknownFile(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return NewChecksum(m, nil) })

	w := f.do(t, http.MethodGet, "/v1/p11/files/checksum?filename=nosuch.txt", []string{token.RoleExport})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetadataMethodNotAllowed(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return New(m, nil) })

	w := f.do(t, http.MethodPost, "/v1/p11/files/list", []string{token.RoleImport})
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

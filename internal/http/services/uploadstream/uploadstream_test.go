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

package uploadstream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/FBernal-oPs/tsd-file-api/pkg/resumable"
	"github.com/FBernal-oPs/tsd-file-api/pkg/rhttp"
	"github.com/FBernal-oPs/tsd-file-api/pkg/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	handler http.Handler
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "p11", "import")
	require.NoError(t, os.MkdirAll(dir, 0o770))

	conf := map[string]interface{}{
		"backends": map[string]interface{}{
			"disk": map[string]interface{}{
				"files": map[string]interface{}{
					"import_path": filepath.Join(root, "pXX", "import"),
				},
			},
		},
	}
	s, err := New(conf, nil)
	require.NoError(t, err)
	return &fixture{handler: s.Handler(), dir: dir}
}

func (f *fixture) do(t *testing.T, method, orig, body string, roles []string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	origPath, query, _ := strings.Cut(orig, "?")
	// the router strips the four prefix segments before dispatch
	parts := strings.Split(strings.TrimPrefix(origPath, "/"), "/")
	sub := "/" + strings.Join(parts[4:], "/")
	if query != "" {
		sub += "?" + query
	}
	r := httptest.NewRequest(method, sub, strings.NewReader(body))
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	ctx := rhttp.ContextSetOriginalPath(r.Context(), origPath)
	ctx = token.ContextSetClaims(ctx, &token.Claims{
		User:   "p11-testuser",
		Proj:   "p11",
		Roles:  roles,
		Groups: []string{"p11-member-group", "p11-research-group"},
	})
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r.WithContext(ctx))
	return w
}

var importRole = []string{token.RoleImport}

func TestStreamUpload(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/v1/p11/files/upload_stream/file1.txt", "file content", importRole, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "data streamed")

	data, err := os.ReadFile(filepath.Join(f.dir, "file1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "file content", string(data))
}

func TestStreamUploadFilenameFromHeader(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/v1/p11/files/upload_stream", "x", importRole, map[string]string{"Filename": "file2.txt"})
	require.Equal(t, http.StatusCreated, w.Code)
	_, err := os.Stat(filepath.Join(f.dir, "file2.txt"))
	assert.NoError(t, err)
}

func TestStreamUploadBadFilename(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPut, "/v1/p11/files/upload_stream/bad~file", "x", importRole, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStreamUploadForeignGroup(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPut, "/v1/p11/files/upload_stream/file1.txt?group=p99-member-group", "x", importRole, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamUploadUnknownBackend(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPut, "/v1/p11/nope/upload_stream/file1.txt", "x", importRole, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamUploadGroupNotInToken(t *testing.T) {
	f := newFixture(t)

	// well-formed p11 group, but the token does not grant membership
	w := f.do(t, http.MethodPut, "/v1/p11/files/upload_stream/file1.txt?group=p11-other-group", "x", importRole, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authorization failed")
	_, err := os.Stat(filepath.Join(f.dir, "file1.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestStreamUploadMemberGroupAccepted(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPut, "/v1/p11/files/upload_stream/file1.txt?group=p11-research-group", "x", importRole, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestStreamUploadRoleRequired(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPut, "/v1/p11/files/upload_stream/file1.txt", "x", []string{token.RoleExport}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChunkedUpload(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPatch, "/v1/p11/files/upload_stream/file1.txt?chunk=1", "aaaa", importRole, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var res resumable.ChunkResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotEmpty(t, res.ID)
	assert.Equal(t, 1, res.MaxChunk)

	w = f.do(t, http.MethodPatch, "/v1/p11/files/upload_stream/file1.txt?chunk=2&id="+res.ID, "bbbb", importRole, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPatch, "/v1/p11/files/upload_stream/file1.txt?chunk=end&id="+res.ID, "", importRole, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var end struct {
		Filename string `json:"filename"`
		ID       string `json:"id"`
		MaxChunk int    `json:"max_chunk"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &end))
	assert.Equal(t, "file1.txt", end.Filename)
	assert.Equal(t, res.ID, end.ID)
	assert.Equal(t, 2, end.MaxChunk)

	data, err := os.ReadFile(filepath.Join(f.dir, "file1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "aaaabbbb", string(data))
}

func TestChunkOutOfOrder(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPatch, "/v1/p11/files/upload_stream/file1.txt?chunk=1", "aaaa", importRole, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var res resumable.ChunkResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	w = f.do(t, http.MethodPatch, "/v1/p11/files/upload_stream/file1.txt?chunk=5&id="+res.ID, "eeee", importRole, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "chunk_order_incorrect")
}

func TestChunkOneMintsFreshUpload(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPatch, "/v1/p11/files/upload_stream/file1.txt?chunk=1", "aaaa", importRole, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var first resumable.ChunkResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	// a retry of chunk 1 restarts instead of resuming
	w = f.do(t, http.MethodPatch, "/v1/p11/files/upload_stream/file1.txt?chunk=1&id="+first.ID, "aaaa", importRole, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var second resumable.ChunkResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.NotEqual(t, first.ID, second.ID)
}

func TestChunkMissingID(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPatch, "/v1/p11/files/upload_stream/file1.txt?chunk=2", "bbbb", importRole, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing upload id")
}

func TestChunkInvalidNumber(t *testing.T) {
	f := newFixture(t)
	for _, chunk := range []string{"0", "-1", "abc"} {
		w := f.do(t, http.MethodPatch, "/v1/p11/files/upload_stream/file1.txt?chunk="+chunk, "x", importRole, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/p11/files/upload_stream/file1.txt", "", importRole, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

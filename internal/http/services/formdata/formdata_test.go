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

package formdata

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

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
					"import_path":    filepath.Join(root, "pXX", "import"),
					"subfolder_path": filepath.Join(root, "pXX", "durable", "sns"),
				},
			},
		},
	}
	s, err := build(conf)
	require.NoError(t, err)
	return &fixture{handler: s.Handler(), root: root}
}

func multipartBody(t *testing.T, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func (f *fixture) do(t *testing.T, method, orig string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, "/", body)
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	ctx := rhttp.ContextSetOriginalPath(r.Context(), orig)
	ctx = token.ContextSetClaims(ctx, &token.Claims{User: "p11-testuser", Proj: "p11", Roles: []string{token.RoleImport}})
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r.WithContext(ctx))
	return w
}

func TestMultipartUpload(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return New(m, nil) })
	body, ct := multipartBody(t, map[string]string{"file1.txt": "content one", "file2.txt": "content two"})

	w := f.do(t, http.MethodPost, "/v1/p11/files/upload", body, ct)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "data uploaded")
	assert.Contains(t, w.Body.String(), "file1.txt")

	data, err := os.ReadFile(filepath.Join(f.root, "p11", "import", "file1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "content one", string(data))
	data, err = os.ReadFile(filepath.Join(f.root, "p11", "import", "file2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "content two", string(data))
}

func TestPutReplacesAndPatchAppends(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return New(m, nil) })
	target := filepath.Join(f.root, "p11", "import", "file1.txt")

	body, ct := multipartBody(t, map[string]string{"file1.txt": "first"})
	w := f.do(t, http.MethodPut, "/v1/p11/files/upload", body, ct)
	require.Equal(t, http.StatusCreated, w.Code)

	body, ct = multipartBody(t, map[string]string{"file1.txt": " second"})
	w = f.do(t, http.MethodPatch, "/v1/p11/files/upload", body, ct)
	require.Equal(t, http.StatusCreated, w.Code)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "first second", string(data))

	body, ct = multipartBody(t, map[string]string{"file1.txt": "replaced"})
	w = f.do(t, http.MethodPut, "/v1/p11/files/upload", body, ct)
	require.Equal(t, http.StatusCreated, w.Code)

	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))
}

func TestUploadBadFilename(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return New(m, nil) })
	body, ct := multipartBody(t, map[string]string{"bad~file": "x"})

	w := f.do(t, http.MethodPost, "/v1/p11/files/upload", body, ct)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestUploadNotMultipart(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return New(m, nil) })
	w := f.do(t, http.MethodPost, "/v1/p11/files/upload", bytes.NewBufferString("raw body"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "malformed multipart body")
}

func TestUploadNoFiles(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return New(m, nil) })

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	require.NoError(t, mw.WriteField("note", "just a value"))
	require.NoError(t, mw.Close())

	w := f.do(t, http.MethodPost, "/v1/p11/files/upload", buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "no file in multipart body")
}

func TestUploadMethodNotAllowed(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return New(m, nil) })
	w := f.do(t, http.MethodGet, "/v1/p11/files/upload", &bytes.Buffer{}, "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSNSUpload(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return NewSNS(m, nil) })
	body, ct := multipartBody(t, map[string]string{"answers.json": `{"q1": "a1"}`})

	w := f.do(t, http.MethodPost, "/v1/p11/sns/KEYID255/255114", body, ct)
	require.Equal(t, http.StatusCreated, w.Code)

	data, err := os.ReadFile(filepath.Join(f.root, "p11", "durable", "sns", "255114", "answers.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"q1": "a1"}`, string(data))
}

func TestSNSInvalidIDs(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return NewSNS(m, nil) })

	body, ct := multipartBody(t, map[string]string{"answers.json": "x"})
	w := f.do(t, http.MethodPost, "/v1/p11/sns/bad_key!/255114", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, ct = multipartBody(t, map[string]string{"answers.json": "x"})
	w = f.do(t, http.MethodPost, "/v1/p11/sns/KEYID255/not-numeric", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSNSMissingSegments(t *testing.T) {
	f := newFixture(t, func(m map[string]interface{}) (global.Service, error) { return NewSNS(m, nil) })
	body, ct := multipartBody(t, map[string]string{"answers.json": "x"})
	w := f.do(t, http.MethodPost, "/v1/p11/sns/KEYID255", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing key or form id")
}

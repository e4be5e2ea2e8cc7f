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

// Package metadata reports on uploaded files: the import directory
// listing with modification times, and the md5 checksum of a single
// uploaded file.
package metadata

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/FBernal-oPs/tsd-file-api/pkg/errtypes"
	"github.com/FBernal-oPs/tsd-file-api/pkg/rhttp"
	"github.com/FBernal-oPs/tsd-file-api/pkg/rhttp/global"
	"github.com/FBernal-oPs/tsd-file-api/pkg/tenant"
	"github.com/FBernal-oPs/tsd-file-api/pkg/token"
	"github.com/FBernal-oPs/tsd-file-api/pkg/utils"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func init() {
	global.Register("metadata", New)
	global.Register("checksum", NewChecksum)
}

type svcConf struct {
	Prefix string `mapstructure:"prefix"`
}

type svc struct {
	conf     *svcConf
	backends *tenant.Registry
	checksum bool
}

// New returns the import directory listing service.
func New(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	return newSvc(m, "v1/*/files/list", false)
}

// NewChecksum returns the uploaded file checksum service.
func NewChecksum(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	return newSvc(m, "v1/*/files/checksum", true)
}

func newSvc(m map[string]interface{}, prefix string, checksum bool) (global.Service, error) {
	c := &svcConf{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "metadata: error decoding conf")
	}
	if c.Prefix == "" {
		c.Prefix = prefix
	}
	backends, err := tenant.NewRegistry(m)
	if err != nil {
		return nil, err
	}
	return &svc{conf: c, backends: backends, checksum: checksum}, nil
}

func (s *svc) Prefix() string {
	return s.conf.Prefix
}

func (s *svc) Close() error {
	return nil
}

func (s *svc) Unprotected() []string {
	return []string{}
}

func (s *svc) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		claims := token.ContextMustGetClaims(r.Context())
		if !claims.HasAnyRole(token.RoleImport, token.RoleExport, token.RoleAdmin) {
			utils.WriteMessage(w, http.StatusUnauthorized, "authorization failed")
			return
		}

		pnum, backend := tenant.ParseRoute(rhttp.ContextGetOriginalPath(r.Context()))
		dir, err := s.backends.ImportDir(backend, pnum)
		if err != nil {
			utils.WriteError(w, r, err)
			return
		}

		if s.checksum {
			s.sum(w, r, dir)
			return
		}
		s.list(w, r, dir)
	})
}

// list maps each uploaded file to its modification time.
func (s *svc) list(w http.ResponseWriter, r *http.Request, dir string) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		utils.WriteError(w, r, errtypes.NotFound("import directory not found"))
		return
	}

	files := make(map[string]string, len(dirents))
	for _, d := range dirents {
		fi, err := d.Info()
		if err != nil {
			continue
		}
		files[d.Name()] = fi.ModTime().Format(time.RFC3339)
	}
	utils.WriteJSON(w, http.StatusOK, files)
}

func (s *svc) sum(w http.ResponseWriter, r *http.Request, dir string) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		utils.WriteMessage(w, http.StatusBadRequest, "missing filename")
		return
	}
	if err := tenant.CheckFilename(filename); err != nil {
		utils.WriteError(w, r, err)
		return
	}

	target := filepath.Join(dir, filename)
	fi, err := os.Stat(target)
	if err != nil || fi.IsDir() {
		utils.WriteError(w, r, errtypes.NotFound(filename))
		return
	}

	sum, err := md5File(target)
	if err != nil {
		utils.WriteError(w, r, errtypes.InternalError("error reading file"))
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"checksum":  sum,
		"algorithm": "md5",
	})
}

func md5File(path string) (string, error) {
	fd, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fd.Close()
	h := md5.New()
	if _, err := io.Copy(h, fd); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

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

// Package formdata accepts multipart uploads: the generic tenant
// upload endpoint and the SNS variant that targets a form-specific
// subfolder.
package formdata

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

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
	global.Register("formdata", New)
	global.Register("sns", NewSNS)
}

type svcConf struct {
	Prefix string `mapstructure:"prefix"`
}

type svc struct {
	conf     *svcConf
	backends *tenant.Registry
	sns      bool
}

// New returns the generic multipart upload service.
func New(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	return newSvc(m, "v1/*/*/upload", false)
}

// NewSNS returns the SNS upload service.
func NewSNS(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	return newSvc(m, "v1/*/sns", true)
}

func newSvc(m map[string]interface{}, prefix string, sns bool) (global.Service, error) {
	c := &svcConf{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "formdata: error decoding conf")
	}
	if c.Prefix == "" {
		c.Prefix = prefix
	}
	backends, err := tenant.NewRegistry(m)
	if err != nil {
		return nil, err
	}
	return &svc{conf: c, backends: backends, sns: sns}, nil
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
		switch r.Method {
		case http.MethodPut, http.MethodPost, http.MethodPatch:
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		claims := token.ContextMustGetClaims(r.Context())
		if !claims.HasAnyRole(token.RoleImport, token.RoleAdmin) {
			utils.WriteMessage(w, http.StatusUnauthorized, "authorization failed")
			return
		}

		dir, err := s.targetDir(r)
		if err != nil {
			utils.WriteError(w, r, err)
			return
		}

		// PUT replaces, POST and PATCH append
		flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
		if r.Method == http.MethodPut {
			flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}

		mr, err := r.MultipartReader()
		if err != nil {
			utils.WriteMessage(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		saved, err := saveParts(mr, dir, flags)
		if err != nil {
			utils.WriteError(w, r, err)
			return
		}
		if len(saved) == 0 {
			utils.WriteMessage(w, http.StatusBadRequest, "no file in multipart body")
			return
		}
		utils.WriteJSON(w, http.StatusCreated, map[string]interface{}{
			"message": "data uploaded",
			"files":   saved,
		})
	})
}

// targetDir resolves where the parts land. The SNS variant routes to
// the backend subfolder template keyed by the validated form id.
func (s *svc) targetDir(r *http.Request) (string, error) {
	orig := rhttp.ContextGetOriginalPath(r.Context())
	pnum, seg := tenant.ParseRoute(orig)

	if !s.sns {
		return s.backends.ImportDir(seg, pnum)
	}

	// "/v1/<pnum>/sns/<keyid>/<formid>"
	parts := strings.Split(strings.Trim(orig, "/"), "/")
	if len(parts) < 5 {
		return "", errtypes.BadRequest("missing key or form id")
	}
	keyid, formid := parts[3], parts[4]
	if err := tenant.CheckKeyID(keyid); err != nil {
		return "", err
	}
	if err := tenant.CheckFormID(formid); err != nil {
		return "", err
	}

	dir, err := s.backends.SubfolderDir("files", pnum, formid)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", errors.Wrap(errtypes.InternalError("error creating form dir"), err.Error())
	}
	return dir, nil
}

func saveParts(mr *multipart.Reader, dir string, flags int) ([]string, error) {
	var saved []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return saved, nil
		}
		if err != nil {
			return nil, errtypes.BadRequest("malformed multipart body")
		}
		name := part.FileName()
		if name == "" {
			continue // a form value, not a file
		}
		if err := tenant.CheckFilename(name); err != nil {
			return nil, err
		}
		if err := writePart(filepath.Join(dir, name), part, flags); err != nil {
			return nil, err
		}
		saved = append(saved, name)
	}
}

func writePart(target string, part io.Reader, flags int) error {
	fd, err := os.OpenFile(target, flags, 0o660)
	if err != nil {
		return errors.Wrap(errtypes.InternalError("error opening upload target"), err.Error())
	}
	if _, err := io.Copy(fd, part); err != nil {
		fd.Close()
		return errors.Wrap(errtypes.InternalError("error writing upload target"), err.Error())
	}
	return fd.Close()
}

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

// Package tenant validates tenant-scoped request input and resolves
// per-tenant directories from backend templates.
//
// Every URI carries a project number (pnum). Backends are directory
// templates where the literal "pXX" stands for the pnum.
package tenant

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/FBernal-oPs/tsd-file-api/pkg/errtypes"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Placeholder is the tenant marker inside backend path templates.
const Placeholder = "pXX"

// AdminPnum is the privileged project. It never gets directories
// created on demand and resolves through the admin_path variant.
const AdminPnum = "p01"

var (
	pnumRegexp     = regexp.MustCompile(`^p[0-9]+[a-z]?$`)
	groupRegexp    = regexp.MustCompile(`^p[0-9]+[a-z]?-[a-z0-9-]+-group$`)
	filenameRegexp = regexp.MustCompile(`^[a-zA-Z0-9_+=,.()\- ]+$`)
	keyIDRegexp    = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	formIDRegexp   = regexp.MustCompile(`^[0-9]+$`)
)

// ValidPnum reports whether p looks like a project number.
func ValidPnum(p string) bool {
	return pnumRegexp.MatchString(p)
}

// ParseRoute splits an API path "/v1/<pnum>/<backend>/..." into its
// tenant and backend segments. Missing segments come back empty.
func ParseRoute(path string) (pnum, backend string) {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) > 1 {
		pnum = parts[1]
	}
	if len(parts) > 2 {
		backend = parts[2]
	}
	return pnum, backend
}

// CheckFilename rejects names that could escape the tenant directory:
// path separators, traversal segments, NUL, or any byte outside the
// whitelist. The name is checked before any filesystem operation.
func CheckFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return errtypes.PermissionDenied("invalid filename")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return errtypes.PermissionDenied("filename contains path separators")
	}
	if !filenameRegexp.MatchString(name) {
		return errtypes.PermissionDenied("filename contains illegal characters")
	}
	return nil
}

// CheckGroup validates a group name against the group whitelist and
// requires pnum as its prefix segment.
func CheckGroup(pnum, group string) error {
	if !groupRegexp.MatchString(group) {
		return errtypes.BadRequest("invalid group name")
	}
	if !strings.HasPrefix(group, pnum+"-") {
		return errtypes.BadRequest("group does not belong to project")
	}
	return nil
}

// DefaultGroup is the group assumed when the request does not name one.
func DefaultGroup(pnum string) string {
	return pnum + "-member-group"
}

// CheckKeyID validates the key id segment of SNS upload URIs.
func CheckKeyID(keyid string) error {
	if !keyIDRegexp.MatchString(keyid) {
		return errtypes.BadRequest("invalid key id")
	}
	return nil
}

// CheckFormID validates the form id segment of SNS upload URIs.
func CheckFormID(formid string) error {
	if !formIDRegexp.MatchString(formid) {
		return errtypes.BadRequest("invalid form id")
	}
	return nil
}

// Hook is a post-upload command configured per backend.
type Hook struct {
	Path string `mapstructure:"path"`
}

// Backend is a named directory configuration. Paths are templates with
// a pXX placeholder.
type Backend struct {
	ImportPath    string `mapstructure:"import_path"`
	ExportPath    string `mapstructure:"export_path"`
	SubfolderPath string `mapstructure:"subfolder_path"`
	AdminPath     string `mapstructure:"admin_path"`
	RequestHook   Hook   `mapstructure:"request_hook"`
}

// Registry resolves (backend, pnum) pairs to absolute directories.
type Registry struct {
	backends map[string]Backend
}

type registryConf struct {
	Backends struct {
		Disk map[string]Backend `mapstructure:"disk"`
	} `mapstructure:"backends"`
}

// NewRegistry builds a Registry from the raw configuration map.
func NewRegistry(m map[string]interface{}) (*Registry, error) {
	c := &registryConf{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "tenant: error decoding backends conf")
	}
	if len(c.Backends.Disk) == 0 {
		return nil, errors.New("tenant: no disk backends configured")
	}
	return &Registry{backends: c.Backends.Disk}, nil
}

// Backend returns the named backend configuration.
func (r *Registry) Backend(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// Resolve substitutes the pnum into a path template.
func Resolve(template, pnum string) string {
	return filepath.Clean(strings.ReplaceAll(template, Placeholder, pnum))
}

// ImportDir resolves the import directory for (backend, pnum).
// The cluster backend creates tenant directories on demand for
// non-privileged tenants; the privileged tenant resolves through
// admin_path instead.
func (r *Registry) ImportDir(backend, pnum string) (string, error) {
	b, ok := r.backends[backend]
	if !ok {
		return "", errtypes.NotFound("backend: " + backend)
	}
	if backend == "cluster" {
		if pnum == AdminPnum && b.AdminPath != "" {
			return Resolve(b.AdminPath, pnum), nil
		}
		dir := Resolve(b.ImportPath, pnum)
		if err := os.MkdirAll(dir, 0o770); err != nil {
			return "", errors.Wrap(err, "tenant: error creating cluster dir")
		}
		return dir, nil
	}
	return Resolve(b.ImportPath, pnum), nil
}

// ExportDir resolves the export directory for (backend, pnum).
func (r *Registry) ExportDir(backend, pnum string) (string, error) {
	b, ok := r.backends[backend]
	if !ok {
		return "", errtypes.NotFound("backend: " + backend)
	}
	if b.ExportPath == "" {
		return "", errtypes.NotFound("backend has no export path: " + backend)
	}
	return Resolve(b.ExportPath, pnum), nil
}

// SubfolderDir resolves the SNS target directory: the backend's
// subfolder template with the form id as the terminal element.
func (r *Registry) SubfolderDir(backend, pnum, formid string) (string, error) {
	b, ok := r.backends[backend]
	if !ok {
		return "", errtypes.NotFound("backend: " + backend)
	}
	if b.SubfolderPath == "" {
		return "", errtypes.NotFound("backend has no subfolder path: " + backend)
	}
	return filepath.Join(Resolve(b.SubfolderPath, pnum), formid), nil
}

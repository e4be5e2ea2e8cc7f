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

// Package export evaluates per-tenant download policies: which MIME
// types may leave the system and up to which file size.
package export

import (
	"fmt"
	"strings"

	"github.com/FBernal-oPs/tsd-file-api/pkg/errtypes"
	"github.com/gabriel-vasile/mimetype"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Rule is the policy for one tenant. An empty AllowedMimeTypes or the
// single entry "*" admits every type; MaxSize 0 means unbounded.
type Rule struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedMimeTypes []string `mapstructure:"allowed_mime_types"`
	MaxSize          int64    `mapstructure:"max_size"`
}

// Policy holds the default rule and per-tenant overrides.
type Policy struct {
	rules map[string]Rule
	def   Rule
}

// ParsePolicy decodes the export_policy config section. Tenants
// without an override fall back to the "default" rule; a missing
// section means policy checks are disabled altogether.
func ParsePolicy(m map[string]interface{}) (*Policy, error) {
	p := &Policy{rules: map[string]Rule{}}
	section, ok := m["export_policy"].(map[string]interface{})
	if !ok {
		return p, nil
	}
	for pnum, raw := range section {
		var r Rule
		if err := mapstructure.Decode(raw, &r); err != nil {
			return nil, errors.Wrapf(err, "export: error decoding policy for %s", pnum)
		}
		if pnum == "default" {
			p.def = r
			continue
		}
		p.rules[pnum] = r
	}
	return p, nil
}

func (p *Policy) rule(pnum string) Rule {
	if r, ok := p.rules[pnum]; ok {
		return r
	}
	return p.def
}

// Check detects the MIME type of path and decides whether the tenant
// may export it. The detected type is returned either way so callers
// can set Content-Type; detection failures degrade to
// application/octet-stream rather than blocking the download.
func (p *Policy) Check(pnum, path string, size int64) (string, error) {
	mime := "application/octet-stream"
	if mt, err := mimetype.DetectFile(path); err == nil {
		mime = mt.String()
		// drop parameters like "; charset=utf-8" so policies match on
		// the plain media type
		if i := strings.Index(mime, ";"); i > 0 {
			mime = strings.TrimSpace(mime[:i])
		}
	}

	r := p.rule(pnum)
	if !r.Enabled {
		return mime, nil
	}
	if r.MaxSize > 0 && size > r.MaxSize {
		return mime, errtypes.PolicyRejected(
			fmt.Sprintf("file size exceeds maximum allowed export size: %d", r.MaxSize))
	}
	if !typeAllowed(r.AllowedMimeTypes, mime) {
		return mime, errtypes.PolicyRejected("not allowed to export file with MIME type: " + mime)
	}
	return mime, nil
}

func typeAllowed(allowed []string, mime string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == mime {
			return true
		}
	}
	return false
}

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

// Package health exposes the unauthenticated liveness probe.
package health

import (
	"net/http"

	"github.com/FBernal-oPs/tsd-file-api/pkg/rhttp/global"
	"github.com/FBernal-oPs/tsd-file-api/pkg/utils"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func init() {
	global.Register("health", New)
}

type config struct {
	Prefix string `mapstructure:"prefix"`
}

type svc struct {
	conf *config
}

// New returns a new health service.
func New(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "health: error decoding conf")
	}
	if c.Prefix == "" {
		c.Prefix = "v1/*/files/health"
	}
	return &svc{conf: c}, nil
}

func (s *svc) Prefix() string {
	return s.conf.Prefix
}

func (s *svc) Close() error {
	return nil
}

// The probe is reachable without a token.
func (s *svc) Unprotected() []string {
	return []string{"/"}
}

func (s *svc) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			utils.WriteMessage(w, http.StatusOK, "healthy")
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

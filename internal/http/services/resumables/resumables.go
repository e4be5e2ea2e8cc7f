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

// Package resumables lets clients discover and abandon their
// interrupted uploads.
package resumables

import (
	"net/http"

	"github.com/FBernal-oPs/tsd-file-api/pkg/resumable"
	"github.com/FBernal-oPs/tsd-file-api/pkg/rhttp"
	"github.com/FBernal-oPs/tsd-file-api/pkg/rhttp/global"
	"github.com/FBernal-oPs/tsd-file-api/pkg/tenant"
	"github.com/FBernal-oPs/tsd-file-api/pkg/token"
	"github.com/FBernal-oPs/tsd-file-api/pkg/utils"
	"github.com/go-chi/chi/v5"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func init() {
	global.Register("resumables", New)
}

type svcConf struct {
	Prefix string `mapstructure:"prefix"`
}

type svc struct {
	conf     *svcConf
	router   chi.Router
	backends *tenant.Registry
}

// New returns a new resumables service.
func New(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	c := &svcConf{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "resumables: error decoding conf")
	}
	if c.Prefix == "" {
		c.Prefix = "v1/*/*/resumables"
	}
	backends, err := tenant.NewRegistry(m)
	if err != nil {
		return nil, err
	}

	s := &svc{conf: c, router: chi.NewRouter(), backends: backends}
	s.routerInit()
	return s, nil
}

func (s *svc) routerInit() {
	s.router.Get("/", s.withEngine(s.list))
	s.router.Get("/{filename}", s.withEngine(s.info))
	s.router.Delete("/{filename}", s.withEngine(s.delete))
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
	return s.router
}

// withEngine authorizes the request and opens the caller's resumable
// store for the tenant backend the route addressed.
func (s *svc) withEngine(h func(http.ResponseWriter, *http.Request, *resumable.Engine)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims := token.ContextMustGetClaims(r.Context())
		if !claims.HasAnyRole(token.RoleImport, token.RoleAdmin) {
			utils.WriteMessage(w, http.StatusUnauthorized, "authorization failed")
			return
		}

		pnum, backend := tenant.ParseRoute(rhttp.ContextGetOriginalPath(r.Context()))
		dir, err := s.backends.ImportDir(backend, pnum)
		if err != nil {
			utils.WriteError(w, r, err)
			return
		}

		eng, err := resumable.NewEngine(dir, claims.User)
		if err != nil {
			utils.WriteError(w, r, err)
			return
		}
		defer eng.Close()

		h(w, r, eng)
	}
}

func (s *svc) list(w http.ResponseWriter, r *http.Request, eng *resumable.Engine) {
	infos, err := eng.List(r.Context())
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{"resumables": infos})
}

// info reports the consistent resume point for one upload. Without an
// explicit id the most recently touched matching upload is chosen.
func (s *svc) info(w http.ResponseWriter, r *http.Request, eng *resumable.Engine) {
	filename := chi.URLParam(r, "filename")
	if err := tenant.CheckFilename(filename); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		var err error
		if id, err = eng.FindByFilename(r.Context(), filename); err != nil {
			utils.WriteError(w, r, err)
			return
		}
	}
	info, err := eng.Info(r.Context(), id, filename)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, info)
}

func (s *svc) delete(w http.ResponseWriter, r *http.Request, eng *resumable.Engine) {
	filename := chi.URLParam(r, "filename")
	if err := tenant.CheckFilename(filename); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		utils.WriteMessage(w, http.StatusBadRequest, "missing upload id")
		return
	}
	if err := eng.Delete(r.Context(), id, filename); err != nil {
		utils.WriteError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "resumable deleted"})
}

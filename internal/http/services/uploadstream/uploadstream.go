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

// Package uploadstream is the internal upload endpoint behind the edge
// proxy. Whole-file bodies run through the decoder pipeline; chunked
// bodies go to the resumable engine.
package uploadstream

import (
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/FBernal-oPs/tsd-file-api/pkg/appctx"
	"github.com/FBernal-oPs/tsd-file-api/pkg/config"
	"github.com/FBernal-oPs/tsd-file-api/pkg/errtypes"
	"github.com/FBernal-oPs/tsd-file-api/pkg/hook"
	"github.com/FBernal-oPs/tsd-file-api/pkg/pgp"
	"github.com/FBernal-oPs/tsd-file-api/pkg/pipeline"
	"github.com/FBernal-oPs/tsd-file-api/pkg/resumable"
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
	global.Register("uploadstream", New)
}

type svcConf struct {
	Prefix string `mapstructure:"prefix"`
}

type svc struct {
	conf     *svcConf
	core     *config.Core
	backends *tenant.Registry
	keyring  *pgp.Keyring
}

// New returns a new uploadstream service.
func New(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	c := &svcConf{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "uploadstream: error decoding conf")
	}
	if c.Prefix == "" {
		c.Prefix = "v1/*/*/upload_stream"
	}

	core, err := config.ParseCore(m)
	if err != nil {
		return nil, err
	}
	backends, err := tenant.NewRegistry(m)
	if err != nil {
		return nil, err
	}

	s := &svc{conf: c, core: core, backends: backends}
	if _, ok := m["pgp"]; ok {
		if s.keyring, err = pgp.NewKeyring(m); err != nil {
			return nil, err
		}
	}
	return s, nil
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

		pnum, backend := tenant.ParseRoute(rhttp.ContextGetOriginalPath(r.Context()))

		filename := path.Base(r.URL.Path)
		if filename == "/" || filename == "." {
			filename = r.Header.Get("Filename")
		}
		if err := tenant.CheckFilename(filename); err != nil {
			utils.WriteError(w, r, err)
			return
		}

		group := r.URL.Query().Get("group")
		if group == "" {
			group = tenant.DefaultGroup(pnum)
		}
		if err := tenant.CheckGroup(pnum, group); err != nil {
			utils.WriteError(w, r, err)
			return
		}
		if !claims.HasGroup(group) {
			utils.WriteMessage(w, http.StatusUnauthorized, "authorization failed")
			return
		}

		dir, err := s.backends.ImportDir(backend, pnum)
		if err != nil {
			utils.WriteError(w, r, err)
			return
		}

		if s.core.MaxBodySize > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.core.MaxBodySize)
		}

		b, _ := s.backends.Backend(backend)
		if chunk := r.URL.Query().Get("chunk"); chunk != "" {
			s.handleChunk(w, r, dir, filename, group, chunk, b.RequestHook.Path, claims)
			return
		}
		s.handleStream(w, r, dir, filename, group, b.RequestHook.Path, claims)
	})
}

// handleStream runs a whole-file body through the decoder pipeline.
func (s *svc) handleStream(w http.ResponseWriter, r *http.Request, dir, filename, group, hookCmd string, claims *token.Claims) {
	log := appctx.GetLogger(r.Context())

	aesKey, aesIV, err := s.keyMaterial(r)
	if err != nil {
		utils.WriteMessage(w, http.StatusBadRequest, "invalid key material")
		return
	}

	p, err := pipeline.New(r.Context(), &pipeline.Options{
		ContentType: r.Header.Get("Content-Type"),
		Dir:         dir,
		Filename:    filename,
		AesKey:      aesKey,
		AesIV:       aesIV,
	})
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}

	if _, err := io.Copy(p, r.Body); err != nil {
		// client gone or decoder dead: the .part file stays behind
		log.Warn().Err(err).Str("filename", filename).Msg("upload body interrupted")
		p.Abort()
		utils.WriteError(w, r, errtypes.InternalError("upload interrupted"))
		return
	}

	final, err := p.Finalize(r.Context())
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	if final == "" {
		final = dir // archive extraction lands in the tenant dir
	}

	hook.Fire(r.Context(), hookCmd, final, claims.User, s.core.APIUser, group)
	utils.WriteMessage(w, http.StatusCreated, "data streamed")
}

// handleChunk routes one chunk (or the terminating "end") to the
// resumable engine.
func (s *svc) handleChunk(w http.ResponseWriter, r *http.Request, dir, filename, group, chunk, hookCmd string, claims *token.Claims) {
	eng, err := resumable.NewEngine(dir, claims.User)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	defer eng.Close()

	id := r.URL.Query().Get("id")

	if chunk == "end" {
		if id == "" {
			utils.WriteMessage(w, http.StatusBadRequest, "missing upload id")
			return
		}
		maxChunk, err := eng.Store().MaxChunk(r.Context(), id)
		if err != nil {
			utils.WriteError(w, r, err)
			return
		}
		final, err := eng.Finalize(r.Context(), id, filename)
		if err != nil {
			utils.WriteError(w, r, err)
			return
		}
		hook.Fire(r.Context(), hookCmd, final, claims.User, s.core.APIUser, group)
		utils.WriteJSON(w, http.StatusCreated, map[string]interface{}{
			"filename":  filename,
			"id":        id,
			"max_chunk": maxChunk,
		})
		return
	}

	num, err := strconv.Atoi(chunk)
	if err != nil || num < 1 {
		utils.WriteMessage(w, http.StatusBadRequest, "invalid chunk number")
		return
	}

	// the first chunk always mints a fresh upload id
	if num == 1 {
		if id, err = eng.Start(r.Context(), group); err != nil {
			utils.WriteError(w, r, err)
			return
		}
	} else if id == "" {
		utils.WriteMessage(w, http.StatusBadRequest, "missing upload id")
		return
	}

	res, err := eng.SaveChunk(r.Context(), id, filename, num, r.Body)
	if errors.Is(err, resumable.ErrOutOfOrder) {
		// the edge proxy matches this message verbatim
		utils.WriteMessage(w, http.StatusBadRequest, "chunk_order_incorrect")
		return
	}
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}
	utils.WriteJSON(w, http.StatusCreated, res)
}

// keyMaterial resolves the Aes-Key/Aes-Iv headers. With a keyring
// configured the key header is a PGP message; otherwise it is used
// verbatim. Key values are never logged.
func (s *svc) keyMaterial(r *http.Request) (string, string, error) {
	key := r.Header.Get("Aes-Key")
	iv := r.Header.Get("Aes-Iv")
	if key == "" || s.keyring == nil {
		return key, iv, nil
	}
	plain, err := s.keyring.DecryptKey(key)
	if err != nil {
		return "", "", err
	}
	return plain, iv, nil
}

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

// Package stream is the public upload endpoint. It validates the
// request at the edge and relays the body to the internal
// upload_stream handler through a bounded queue, so a slow disk
// pushes back on the client instead of buffering the upload in memory.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/FBernal-oPs/tsd-file-api/pkg/appctx"
	"github.com/FBernal-oPs/tsd-file-api/pkg/config"
	"github.com/FBernal-oPs/tsd-file-api/pkg/rhttp"
	"github.com/FBernal-oPs/tsd-file-api/pkg/rhttp/global"
	"github.com/FBernal-oPs/tsd-file-api/pkg/tenant"
	"github.com/FBernal-oPs/tsd-file-api/pkg/token"
	"github.com/FBernal-oPs/tsd-file-api/pkg/utils"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func init() {
	global.Register("stream", New)
}

// uploads can legitimately run for hours
const relayTimeout = 12000 * time.Second

const relayBufSize = 64 << 10

// headers relayed to the internal endpoint
var forwardedHeaders = []string{
	"Authorization",
	"Filename",
	"Content-Type",
	"Aes-Key",
	"Aes-Iv",
	"Pragma",
}

type svcConf struct {
	Prefix string `mapstructure:"prefix"`
}

type svc struct {
	conf   *svcConf
	core   *config.Core
	client *http.Client
}

// New returns a new stream service.
func New(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	c := &svcConf{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "stream: error decoding conf")
	}
	if c.Prefix == "" {
		c.Prefix = "v1/*/*/stream"
	}

	core, err := config.ParseCore(m)
	if err != nil {
		return nil, err
	}

	return &svc{
		conf:   c,
		core:   core,
		client: &http.Client{Timeout: relayTimeout},
	}, nil
}

func (s *svc) Prefix() string {
	return s.conf.Prefix
}

func (s *svc) Close() error {
	s.client.CloseIdleConnections()
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
		if group != "" {
			if err := tenant.CheckGroup(pnum, group); err != nil {
				utils.WriteError(w, r, err)
				return
			}
			if !claims.HasGroup(group) {
				utils.WriteMessage(w, http.StatusUnauthorized, "authorization failed")
				return
			}
		}

		if s.core.ServerDelay > 0 {
			// test knob for simulating a slow server
			time.Sleep(time.Duration(s.core.ServerDelay) * time.Second)
		}

		s.relay(w, r, pnum, backend, filename)
	})
}

// relay forwards the request to the internal handler. The body moves
// through a queue of num_chunks buffers (one by default), which bounds
// memory per upload and propagates backpressure to the sender.
func (s *svc) relay(w http.ResponseWriter, r *http.Request, pnum, backend, filename string) {
	log := appctx.GetLogger(r.Context())

	inner := &url.URL{
		Scheme:   "http",
		Host:     fmt.Sprintf("localhost:%d", s.core.Port),
		Path:     fmt.Sprintf("/v1/%s/%s/upload_stream/%s", pnum, backend, filename),
		RawQuery: r.URL.RawQuery,
	}

	pr, pw := io.Pipe()
	queue := make(chan []byte, s.core.NumChunks)
	g, gctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		defer close(queue)
		for {
			buf := make([]byte, relayBufSize)
			n, err := r.Body.Read(buf)
			if n > 0 {
				select {
				case queue <- buf[:n]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return errors.Wrap(err, "stream: error reading request body")
			}
		}
	})
	g.Go(func() error {
		for b := range queue {
			if _, err := pw.Write(b); err != nil {
				return errors.Wrap(err, "stream: error relaying request body")
			}
		}
		return pw.Close()
	})

	req, err := http.NewRequestWithContext(r.Context(), r.Method, inner.String(), pr)
	if err != nil {
		utils.WriteMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	req.ContentLength = r.ContentLength
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		pw.CloseWithError(err) //nolint:errcheck
		log.Error().Err(err).Str("url", inner.Path).Msg("error relaying to internal handler")
		utils.WriteMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	defer resp.Body.Close()

	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("url", inner.Path).Msg("relay interrupted")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		utils.WriteMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := resp.StatusCode
	// the inner handler reports order violations in the body
	var msg struct {
		Message string `json:"message"`
	}
	if jerr := json.Unmarshal(body, &msg); jerr == nil && msg.Message == "chunk_order_incorrect" {
		status = http.StatusBadRequest
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(status)
	_, _ = io.Copy(w, bytes.NewReader(body))
}

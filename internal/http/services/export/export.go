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

// Package export serves tenant downloads: directory listings and
// policy-checked, range-aware file streaming.
package export

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/FBernal-oPs/tsd-file-api/pkg/appctx"
	exportpolicy "github.com/FBernal-oPs/tsd-file-api/pkg/export"
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
	global.Register("export", New)
}

type svcConf struct {
	Prefix     string `mapstructure:"prefix"`
	ChunkSize  int64  `mapstructure:"export_chunk_size"`
	MaxNumList int    `mapstructure:"export_max_num_list"`
	MaxSize    int64  `mapstructure:"export_max_size"`
}

type svc struct {
	conf     *svcConf
	backends *tenant.Registry
	policy   *exportpolicy.Policy
}

// New returns a new export service.
func New(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	c := &svcConf{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "export: error decoding conf")
	}
	if c.Prefix == "" {
		c.Prefix = "v1/*/*/export"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1 << 20
	}

	backends, err := tenant.NewRegistry(m)
	if err != nil {
		return nil, err
	}
	policy, err := exportpolicy.ParsePolicy(m)
	if err != nil {
		return nil, err
	}
	return &svc{conf: c, backends: backends, policy: policy}, nil
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
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		claims := token.ContextMustGetClaims(r.Context())
		if !claims.HasAnyRole(token.RoleExport, token.RoleAdmin) {
			utils.WriteMessage(w, http.StatusUnauthorized, "authorization failed")
			return
		}

		pnum, backend := tenant.ParseRoute(rhttp.ContextGetOriginalPath(r.Context()))
		dir, err := s.backends.ExportDir(backend, pnum)
		if err != nil {
			utils.WriteError(w, r, err)
			return
		}

		filename := path.Base(r.URL.Path)
		if filename == "/" || filename == "." {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			s.list(w, r, dir, pnum)
			return
		}
		s.download(w, r, dir, pnum, filename)
	})
}

type entry struct {
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	Mtime      string `json:"mtime"`
	Href       string `json:"href"`
	Exportable bool   `json:"exportable"`
	Reason     string `json:"reason"`
	MimeType   string `json:"mime-type"`
	Owner      string `json:"owner"`
}

func (s *svc) list(w http.ResponseWriter, r *http.Request, dir, pnum string) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		utils.WriteError(w, r, errtypes.NotFound("export directory not found"))
		return
	}
	if s.conf.MaxNumList > 0 && len(dirents) > s.conf.MaxNumList {
		utils.WriteMessage(w, http.StatusBadRequest, "too many files")
		return
	}

	base := strings.TrimRight(rhttp.ContextGetOriginalPath(r.Context()), "/")
	files := make([]entry, 0, len(dirents))
	for _, d := range dirents {
		fi, err := d.Info()
		if err != nil {
			continue
		}
		e := entry{
			Filename: d.Name(),
			Size:     fi.Size(),
			Mtime:    fi.ModTime().Format(time.RFC3339),
			Href:     base + "/" + d.Name(),
			Owner:    fileOwner(fi),
		}
		if d.IsDir() {
			e.Reason = "directories cannot be exported"
		} else {
			mime, perr := s.check(pnum, filepath.Join(dir, d.Name()), fi.Size())
			e.MimeType = mime
			if perr != nil {
				e.Reason = perr.Error()
			} else {
				e.Exportable = true
			}
		}
		files = append(files, e)
	}
	utils.WriteJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

// check applies the tenant policy plus the service-wide size ceiling.
func (s *svc) check(pnum, path string, size int64) (string, error) {
	mime, err := s.policy.Check(pnum, path, size)
	if err != nil {
		return mime, err
	}
	if s.conf.MaxSize > 0 && size > s.conf.MaxSize {
		return mime, errtypes.PolicyRejected(
			fmt.Sprintf("file size exceeds maximum allowed export size: %d", s.conf.MaxSize))
	}
	return mime, nil
}

func (s *svc) download(w http.ResponseWriter, r *http.Request, dir, pnum, filename string) {
	log := appctx.GetLogger(r.Context())

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
	size := fi.Size()

	mime, err := s.check(pnum, target, size)
	if err != nil {
		utils.WriteError(w, r, err)
		return
	}

	etag := mtimeEtag(fi.ModTime())

	start, end := int64(0), size-1
	partial := false
	if rng := r.Header.Get("Range"); rng != "" {
		start, end, err = parseRange(rng, size)
		if err != nil {
			utils.WriteError(w, r, err)
			return
		}
		partial = true

		if ifRange := r.Header.Get("If-Range"); ifRange != "" && ifRange != etag {
			utils.WriteError(w, r, errtypes.PreconditionFailed(
				"resource has changed, restart the download from scratch"))
			return
		}
	}
	length := end - start + 1

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Etag", etag)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	status := http.StatusOK
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		status = http.StatusPartialContent
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	fd, err := os.Open(target)
	if err != nil {
		utils.WriteError(w, r, errtypes.InternalError("error opening file"))
		return
	}
	defer fd.Close()
	if start > 0 {
		if _, err := fd.Seek(start, io.SeekStart); err != nil {
			utils.WriteError(w, r, errtypes.InternalError("error seeking file"))
			return
		}
	}

	w.WriteHeader(status)
	if err := streamChunks(w, fd, length, s.conf.ChunkSize); err != nil {
		// headers are gone, all we can do is log and drop the connection
		log.Warn().Err(err).Str("filename", filename).Msg("download interrupted")
	}
}

// streamChunks copies exactly length bytes in chunkSize slices with an
// explicit flush after each, so long downloads make steady progress
// through proxies.
func streamChunks(w http.ResponseWriter, fd *os.File, length, chunkSize int64) error {
	flusher, _ := w.(http.Flusher)
	for length > 0 {
		n := chunkSize
		if length < n {
			n = length
		}
		if _, err := io.CopyN(w, fd, n); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		length -= n
	}
	return nil
}

// parseRange understands single "bytes=a-b" ranges only. Multipart
// ranges are not supported, and a range beyond EOF is unsatisfiable.
func parseRange(rng string, size int64) (int64, int64, error) {
	if strings.Contains(rng, ",") {
		return 0, 0, errtypes.NotSupported("multipart ranges not supported")
	}
	spec := strings.TrimPrefix(rng, "bytes=")
	if spec == rng {
		return 0, 0, errtypes.BadRequest("malformed range")
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 || parts[0] == "" {
		return 0, 0, errtypes.BadRequest("malformed range")
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errtypes.BadRequest("malformed range")
	}
	end := size - 1
	if parts[1] != "" {
		if end, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return 0, 0, errtypes.BadRequest("malformed range")
		}
	}
	if end >= size || start > end {
		return 0, 0, errtypes.RangeNotSatisfiable("range outside file size")
	}
	return start, end, nil
}

// mtimeEtag derives the strong validator from the stringified mtime.
func mtimeEtag(mtime time.Time) string {
	sum := md5.Sum([]byte(strconv.FormatInt(mtime.UnixNano(), 10)))
	return hex.EncodeToString(sum[:])
}

func fileOwner(fi os.FileInfo) string {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return ""
	}
	uid := strconv.FormatUint(uint64(st.Uid), 10)
	if u, err := user.LookupId(uid); err == nil {
		return u.Username
	}
	return uid
}

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

// Package resumable implements the chunked upload engine: per-user
// persistent upload state, atomic chunk append with crash repair, and
// id or name based resumption discovery.
//
// On-disk layout under the tenant import directory:
//
//	<id>/<filename>.chunk.<n>   one file per received chunk
//	<filename>.<id>             the growing merged file
//	<filename>.<id>.lock        hard-link sentinel held during a merge
//	<filename>                  the final name, created on finalize
package resumable

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/FBernal-oPs/tsd-file-api/pkg/errtypes"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const chunkInfix = ".chunk."

// chunkWindow is how many of the most recent chunk files are retained
// for crash recovery; older ones are pruned after each append.
const chunkWindow = 4

// ErrOutOfOrder is returned when a chunk arrives out of sequence. The
// message is the wire-level contract with clients.
var ErrOutOfOrder = errtypes.Conflict("chunk_order_incorrect")

// Engine coordinates the resumable uploads of a single user inside a
// single tenant import directory.
type Engine struct {
	dir   string
	user  string
	store *Store
}

// NewEngine opens the user's upload index under dir.
func NewEngine(dir, user string) (*Engine, error) {
	store, err := OpenStore(dir, user)
	if err != nil {
		return nil, err
	}
	return &Engine{dir: dir, user: user, store: store}, nil
}

// Close releases the engine's store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store exposes the underlying index, mainly for tests.
func (e *Engine) Store() *Store {
	return e.store
}

func (e *Engine) chunkDir(id string) string {
	return filepath.Join(e.dir, id)
}

func (e *Engine) chunkPath(id, filename string, num int) string {
	return filepath.Join(e.dir, id, fmt.Sprintf("%s%s%d", filename, chunkInfix, num))
}

// MergedPath is where the growing concatenation of chunks lives.
func (e *Engine) MergedPath(filename, id string) string {
	return filepath.Join(e.dir, fmt.Sprintf("%s.%s", filename, id))
}

// FinalPath is the canonical name the upload finalizes to.
func (e *Engine) FinalPath(filename string) string {
	return filepath.Join(e.dir, filename)
}

// Start mints a fresh upload id for the first chunk, creates its chunk
// directory and records it in the store. Minting is serialized with a
// file lock so concurrent first chunks cannot share state.
func (e *Engine) Start(ctx context.Context, group string) (string, error) {
	fl := flock.New(filepath.Join(e.dir, ".resumable-init.lock"))
	if err := fl.Lock(); err != nil {
		return "", errors.Wrap(errtypes.InternalError("error serializing upload creation"), err.Error())
	}
	defer fl.Unlock() //nolint:errcheck

	id := uuid.New().String()
	if err := os.Mkdir(e.chunkDir(id), 0o700); err != nil {
		return "", errors.Wrap(errtypes.InternalError("error creating chunk dir"), err.Error())
	}
	if err := e.store.Insert(ctx, id, group); err != nil {
		os.Remove(e.chunkDir(id)) //nolint:errcheck
		return "", err
	}
	return id, nil
}

// CheckSequence classifies a non-first chunk request: the upload must
// exist, belong to the caller, and num must be exactly one past the
// newest complete chunk on disk. It mutates nothing.
func (e *Engine) CheckSequence(ctx context.Context, id, filename string, num int) error {
	owned, err := e.store.BelongsTo(ctx, id)
	if err != nil {
		return err
	}
	if !owned {
		return errtypes.NotFound("upload: " + id)
	}
	if _, err := os.Stat(e.chunkDir(id)); err != nil {
		return errtypes.NotFound("upload: " + id)
	}
	if _, err := os.Stat(e.chunkPath(id, filename, num)); err == nil {
		return errtypes.Conflict("chunk already received")
	}
	last, err := e.maxChunkOnDisk(id, filename)
	if err != nil {
		return err
	}
	if num != last+1 {
		return ErrOutOfOrder
	}
	return nil
}

// maxChunkOnDisk returns the highest complete (not .part) chunk number
// present in the upload's chunk directory.
func (e *Engine) maxChunkOnDisk(id, filename string) (int, error) {
	entries, err := os.ReadDir(e.chunkDir(id))
	if err != nil {
		return 0, errors.Wrap(errtypes.InternalError("error reading chunk dir"), err.Error())
	}
	max := 0
	prefix := filename + chunkInfix
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, ".part") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max, nil
}

// ChunkResult reports a successful chunk write.
type ChunkResult struct {
	Filename string `json:"filename"`
	ID       string `json:"id"`
	MaxChunk int    `json:"max_chunk"`
	Size     int64  `json:"-"`
}

// SaveChunk receives one chunk body and appends it to the merged file.
//
// The append-merge protocol: write the body to a .part file, promote it
// to the canonical chunk name, take the hard-link sentinel on the
// merged file, record the chunk in the store, append, prune the chunk
// window, release the sentinel. Recording precedes the append so a
// crash between the two is a torn merge, which Info repairs from the
// retained chunk file. Any failure inside the protocol pops the record,
// reverts the merged file and discards the chunk, so the chunk counts
// as not received.
func (e *Engine) SaveChunk(ctx context.Context, id, filename string, num int, body io.Reader) (*ChunkResult, error) {
	if num > 1 {
		if err := e.CheckSequence(ctx, id, filename, num); err != nil {
			return nil, err
		}
	}

	chunkPath := e.chunkPath(id, filename, num)
	part := chunkPath + ".part"

	size, err := writeChunkFile(part, body)
	if err != nil {
		os.Remove(part) //nolint:errcheck
		return nil, errors.Wrap(errtypes.InternalError("error receiving chunk"), err.Error())
	}
	if err := os.Rename(part, chunkPath); err != nil {
		os.Remove(part) //nolint:errcheck
		return nil, errors.Wrap(errtypes.InternalError("error promoting chunk"), err.Error())
	}

	merged := e.MergedPath(filename, id)
	if num > 1 {
		release, err := lockMerged(merged)
		if err != nil {
			os.Remove(chunkPath) //nolint:errcheck
			return nil, err
		}
		defer release()
	}

	if err := e.appendChunk(ctx, merged, chunkPath, id, num, size); err != nil {
		return nil, err
	}

	if num > chunkWindow {
		os.Remove(e.chunkPath(id, filename, num-chunkWindow)) //nolint:errcheck
	}

	return &ChunkResult{Filename: filename, ID: id, MaxChunk: num, Size: size}, nil
}

func writeChunkFile(path string, body io.Reader) (int64, error) {
	fd, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(fd, body)
	if err != nil {
		fd.Close()
		return 0, err
	}
	if err := fd.Sync(); err != nil {
		fd.Close()
		return 0, err
	}
	return n, fd.Close()
}

// appendChunk records the chunk and copies it onto the end of the
// merged file, undoing both on any failure.
func (e *Engine) appendChunk(ctx context.Context, merged, chunkPath, id string, num int, size int64) error {
	var sizeBefore int64
	existed := false
	if fi, err := os.Stat(merged); err == nil {
		sizeBefore = fi.Size()
		existed = true
	}

	if err := e.store.RecordChunk(ctx, id, num, size); err != nil {
		os.Remove(chunkPath) //nolint:errcheck
		return err
	}

	rollback := func() {
		e.store.PopChunk(ctx, id, num) //nolint:errcheck
		undoAppend(merged, sizeBefore, existed)
		os.Remove(chunkPath) //nolint:errcheck
	}

	src, err := os.Open(chunkPath)
	if err != nil {
		rollback()
		return errors.Wrap(errtypes.InternalError("error opening chunk"), err.Error())
	}
	defer src.Close()

	dst, err := os.OpenFile(merged, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		rollback()
		return errors.Wrap(errtypes.InternalError("error opening merged file"), err.Error())
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		rollback()
		return errors.Wrap(errtypes.InternalError("error appending chunk"), err.Error())
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		rollback()
		return errors.Wrap(errtypes.InternalError("error syncing merged file"), err.Error())
	}
	if err := dst.Close(); err != nil {
		rollback()
		return errors.Wrap(errtypes.InternalError("error closing merged file"), err.Error())
	}
	return nil
}

// undoAppend reverts the merged file to its pre-append state. A merged
// file born in the failed append is removed outright, so an aborted
// first chunk leaves no zero-byte file behind.
func undoAppend(merged string, sizeBefore int64, existed bool) {
	if existed {
		os.Truncate(merged, sizeBefore) //nolint:errcheck
		return
	}
	os.Remove(merged) //nolint:errcheck
}

// lockMerged takes the hard-link sentinel guarding the merged file.
// Filesystems without hard links fall back to an O_EXCL lock file.
func lockMerged(merged string) (func(), error) {
	lock := merged + ".lock"
	if err := os.Link(merged, lock); err != nil {
		if os.IsExist(err) {
			return nil, errtypes.Conflict("upload busy: merge in progress")
		}
		fd, err2 := os.OpenFile(lock, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err2 != nil {
			if os.IsExist(err2) {
				return nil, errtypes.Conflict("upload busy: merge in progress")
			}
			return nil, errors.Wrap(errtypes.InternalError("error taking merge lock"), err2.Error())
		}
		fd.Close()
	}
	return func() { os.Remove(lock) }, nil //nolint:errcheck
}

// Finalize renames the merged file to its canonical name, removes the
// chunk directory and drops the upload record. The directory removal
// is best-effort; a leftover directory never fails the request.
func (e *Engine) Finalize(ctx context.Context, id, filename string) (string, error) {
	owned, err := e.store.BelongsTo(ctx, id)
	if err != nil {
		return "", err
	}
	if !owned {
		return "", errtypes.NotFound("upload: " + id)
	}

	merged := e.MergedPath(filename, id)
	final := e.FinalPath(filename)
	if err := os.Rename(merged, final); err != nil {
		return "", errors.Wrap(errtypes.InternalError("error finalizing upload"), err.Error())
	}
	// finalized files gain group access
	os.Chmod(final, 0o660) //nolint:errcheck

	os.RemoveAll(e.chunkDir(id)) //nolint:errcheck

	if err := e.store.Delete(ctx, id); err != nil {
		return "", err
	}
	return final, nil
}

// Delete aborts an in-flight upload: chunk directory, merged file and
// store record are all removed.
func (e *Engine) Delete(ctx context.Context, id, filename string) error {
	owned, err := e.store.BelongsTo(ctx, id)
	if err != nil {
		return err
	}
	if !owned {
		return errtypes.NotFound("upload: " + id)
	}
	if err := os.RemoveAll(e.chunkDir(id)); err != nil {
		return errors.Wrap(errtypes.InternalError("error removing chunk dir"), err.Error())
	}
	os.Remove(e.MergedPath(filename, id)) //nolint:errcheck
	return e.store.Delete(ctx, id)
}

// Info is the resumable introspection document.
type Info struct {
	Filename       string `json:"filename"`
	ID             string `json:"id"`
	ChunkSize      int64  `json:"chunk_size"`
	MaxChunk       int    `json:"max_chunk"`
	Md5Sum         string `json:"md5sum"`
	PreviousOffset int64  `json:"previous_offset"`
	NextOffset     int64  `json:"next_offset"`
	Warning        string `json:"warning,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
	Group          string `json:"group"`
}

// Info inspects an upload, repairing a torn merge when possible.
//
// A torn merge is a crash between appending the last chunk and
// recording it (or the reverse): the merged file's size disagrees with
// the store total. When the deficit is at most the last chunk's size
// the chunk is re-applied from its retained file; anything else is
// reported with the recommendation to end the upload.
func (e *Engine) Info(ctx context.Context, id, filename string) (*Info, error) {
	owned, err := e.store.BelongsTo(ctx, id)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, errtypes.NotFound("upload: " + id)
	}

	group, err := e.store.GroupOf(ctx, id)
	if err != nil {
		return nil, err
	}
	total, err := e.store.TotalSize(ctx, id)
	if err != nil {
		return nil, err
	}
	lastNum, err := e.store.MaxChunk(ctx, id)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Filename: filename,
		ID:       id,
		MaxChunk: lastNum,
		Group:    group,
	}

	var lastSize int64
	if lastNum > 0 {
		if lastSize, err = e.store.ChunkSize(ctx, id, lastNum); err != nil {
			return nil, err
		}
	}

	merged := e.MergedPath(filename, id)
	var mergedSize int64
	if fi, err := os.Stat(merged); err == nil {
		mergedSize = fi.Size()
	}

	switch {
	case mergedSize == total:
		// healthy
	case mergedSize < total && total-mergedSize <= lastSize:
		if err := e.repairMerge(id, filename, merged, total, lastNum, lastSize); err == nil {
			break
		}
		info.Warning = "inconsistent"
		info.Recommendation = "end"
	default:
		info.Recommendation = "end"
	}

	info.ChunkSize = lastSize
	info.PreviousOffset = total - lastSize
	info.NextOffset = total

	if lastNum > 0 {
		if sum, err := fileMd5(e.chunkPath(id, filename, lastNum)); err == nil {
			info.Md5Sum = sum
		}
	}
	return info, nil
}

// repairMerge truncates the merged file to the offset before the last
// recorded chunk and re-applies that chunk from its retained file.
func (e *Engine) repairMerge(id, filename, merged string, total int64, lastNum int, lastSize int64) error {
	chunkPath := e.chunkPath(id, filename, lastNum)
	src, err := os.Open(chunkPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.Truncate(merged, total-lastSize); err != nil {
		return err
	}
	dst, err := os.OpenFile(merged, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	fi, err := os.Stat(merged)
	if err != nil {
		return err
	}
	if fi.Size() != total {
		return errtypes.Conflict("merged file still inconsistent")
	}
	return nil
}

// List returns the Info of every upload the user owns that still has a
// chunk directory on disk. The filename is recovered from the merged
// file next to the chunk directory.
func (e *Engine) List(ctx context.Context) ([]*Info, error) {
	ids, err := e.store.ListIDs(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]*Info, 0, len(ids))
	for _, id := range ids {
		if _, err := os.Stat(e.chunkDir(id)); err != nil {
			continue
		}
		filename, err := e.filenameOf(id)
		if err != nil {
			continue
		}
		info, err := e.Info(ctx, id, filename)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// filenameOf recovers the upload's filename from its merged file name
// (<filename>.<id>), falling back to the chunk files when no merge has
// happened yet.
func (e *Engine) filenameOf(id string) (string, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return "", err
	}
	suffix := "." + id
	for _, entry := range entries {
		if name := entry.Name(); strings.HasSuffix(name, suffix) && name != suffix {
			return strings.TrimSuffix(name, suffix), nil
		}
	}
	entries, err = os.ReadDir(e.chunkDir(id))
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if i := strings.Index(entry.Name(), chunkInfix); i > 0 {
			return entry.Name()[:i], nil
		}
	}
	return "", errtypes.NotFound("no chunks for upload: " + id)
}

// FindByFilename recovers the id of the most recent upload of filename
// for clients that lost it: candidate chunk directories owned by the
// user are ordered by mtime, newest first (ties resolved in favor of
// the later entry), and the first one holding a chunk of the filename
// wins.
func (e *Engine) FindByFilename(ctx context.Context, filename string) (string, error) {
	ids, err := e.store.ListIDs(ctx)
	if err != nil {
		return "", err
	}

	type candidate struct {
		id    string
		mtime int64
		order int
	}
	var candidates []candidate
	for i, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			continue
		}
		fi, err := os.Stat(e.chunkDir(id))
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{id: id, mtime: fi.ModTime().UnixNano(), order: i})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].mtime != candidates[j].mtime {
			return candidates[i].mtime > candidates[j].mtime
		}
		return candidates[i].order > candidates[j].order
	})

	prefix := filename + chunkInfix
	for _, c := range candidates {
		entries, err := os.ReadDir(e.chunkDir(c.id))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), prefix) && !strings.HasSuffix(entry.Name(), ".part") {
				return c.id, nil
			}
		}
	}
	return "", errtypes.NotFound("no resumable found for filename")
}

func fileMd5(path string) (string, error) {
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

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

package resumable

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/FBernal-oPs/tsd-file-api/pkg/errtypes"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Store is the per-user persistent index of in-flight uploads, kept in
// a sqlite file named .resumables-<user>.db inside the tenant import
// directory. The filename itself scopes the data to its owner.
//
// Layout follows one table per upload: resumable_uploads(id, upload_group)
// lists the uploads, and "resumable_<id>"(chunk_num, chunk_size) holds one
// row per received chunk.
type Store struct {
	db   *sql.DB
	user string
	path string
}

// StorePath returns the database filename for a user under dir.
func StorePath(dir, user string) string {
	return filepath.Join(dir, fmt.Sprintf(".resumables-%s.db", user))
}

// OpenStore opens (creating if necessary) the resumable index for user.
func OpenStore(dir, user string) (*Store, error) {
	path := StorePath(dir, user)
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "resumable: error opening store")
	}
	if _, err := db.Exec("create table if not exists resumable_uploads(id text, upload_group text)"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "resumable: error initialising store")
	}
	return &Store{db: db, user: user, path: path}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// chunkTable returns the quoted per-upload table name. The id must be a
// well-formed UUID before it is spliced into SQL.
func chunkTable(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", errtypes.BadRequest("invalid upload id")
	}
	return fmt.Sprintf("%q", "resumable_"+id), nil
}

// Insert creates an empty record for a new upload.
func (s *Store) Insert(ctx context.Context, id, group string) error {
	table, err := chunkTable(id)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "resumable: error starting tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		"insert into resumable_uploads (id, upload_group) values (?, ?)", id, group); err != nil {
		return errors.Wrap(err, "resumable: error inserting upload")
	}
	// no "if not exists": a collision on a fresh UUID must fail loudly
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("create table %s(chunk_num int, chunk_size int)", table)); err != nil {
		return errors.Wrap(err, "resumable: error creating chunk table")
	}
	return tx.Commit()
}

// RecordChunk appends chunk metadata. Callers guarantee uniqueness of
// (id, num); the store does not deduplicate.
func (s *Store) RecordChunk(ctx context.Context, id string, num int, size int64) error {
	table, err := chunkTable(id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("insert into %s(chunk_num, chunk_size) values (?, ?)", table), num, size)
	return errors.Wrap(err, "resumable: error recording chunk")
}

// PopChunk removes the metadata row for a chunk, used when an append
// is rolled back.
func (s *Store) PopChunk(ctx context.Context, id string, num int) error {
	table, err := chunkTable(id)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("delete from %s where chunk_num = ?", table), num)
	return errors.Wrap(err, "resumable: error popping chunk")
}

// TotalSize is the sum of recorded chunk sizes for the upload.
func (s *Store) TotalSize(ctx context.Context, id string) (int64, error) {
	table, err := chunkTable(id)
	if err != nil {
		return 0, err
	}
	var total sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("select sum(chunk_size) from %s", table)).Scan(&total)
	if err != nil {
		return 0, errors.Wrap(err, "resumable: error summing chunks")
	}
	return total.Int64, nil
}

// MaxChunk is the highest recorded chunk number, 0 when none.
func (s *Store) MaxChunk(ctx context.Context, id string) (int, error) {
	table, err := chunkTable(id)
	if err != nil {
		return 0, err
	}
	var num sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("select max(chunk_num) from %s", table)).Scan(&num)
	if err != nil {
		return 0, errors.Wrap(err, "resumable: error reading max chunk")
	}
	return int(num.Int64), nil
}

// ChunkSize returns the recorded size of a single chunk.
func (s *Store) ChunkSize(ctx context.Context, id string, num int) (int64, error) {
	table, err := chunkTable(id)
	if err != nil {
		return 0, err
	}
	var size sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("select chunk_size from %s where chunk_num = ?", table), num).Scan(&size)
	if err == sql.ErrNoRows {
		return 0, errtypes.NotFound("chunk not recorded")
	}
	if err != nil {
		return 0, errors.Wrap(err, "resumable: error reading chunk size")
	}
	return size.Int64, nil
}

// BelongsTo reports whether the upload is recorded in this user's store.
func (s *Store) BelongsTo(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, errtypes.BadRequest("invalid upload id")
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		"select count(1) from resumable_uploads where id = ?", id).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "resumable: error checking ownership")
	}
	return n > 0, nil
}

// ListIDs returns all upload ids owned by the user.
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "select id from resumable_uploads")
	if err != nil {
		return nil, errors.Wrap(err, "resumable: error listing uploads")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "resumable: error scanning id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GroupOf returns the group recorded when the upload was created.
func (s *Store) GroupOf(ctx context.Context, id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", errtypes.BadRequest("invalid upload id")
	}
	var group string
	err := s.db.QueryRowContext(ctx,
		"select upload_group from resumable_uploads where id = ?", id).Scan(&group)
	if err == sql.ErrNoRows {
		return "", errtypes.NotFound("upload: " + id)
	}
	if err != nil {
		return "", errors.Wrap(err, "resumable: error reading group")
	}
	return group, nil
}

// Delete removes the upload record and its chunk table. Ownership is
// implied by the store file itself; callers verify it with BelongsTo.
func (s *Store) Delete(ctx context.Context, id string) error {
	table, err := chunkTable(id)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "resumable: error starting tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		"delete from resumable_uploads where id = ?", id); err != nil {
		return errors.Wrap(err, "resumable: error deleting upload")
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("drop table if exists %s", table)); err != nil {
		return errors.Wrap(err, "resumable: error dropping chunk table")
	}
	return tx.Commit()
}

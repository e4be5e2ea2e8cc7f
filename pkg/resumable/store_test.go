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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir(), "testuser")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreInsertAndOwnership(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New().String()

	require.NoError(t, s.Insert(ctx, id, "p11-member-group"))

	owned, err := s.BelongsTo(ctx, id)
	require.NoError(t, err)
	assert.True(t, owned)

	group, err := s.GroupOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "p11-member-group", group)

	owned, err = s.BelongsTo(ctx, uuid.New().String())
	require.NoError(t, err)
	assert.False(t, owned)
}

func TestStoreInsertDuplicateFails(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New().String()

	require.NoError(t, s.Insert(ctx, id, "p11-member-group"))
	require.Error(t, s.Insert(ctx, id, "p11-member-group"))
}

func TestStoreRejectsMalformedID(t *testing.T) {
	s := newTestStore(t)

	err := s.Insert(ctx, `x"; drop table resumable_uploads; --`, "p11-member-group")
	require.Error(t, err)
}

func TestStoreChunkAccounting(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New().String()
	require.NoError(t, s.Insert(ctx, id, "p11-member-group"))

	require.NoError(t, s.RecordChunk(ctx, id, 1, 100))
	require.NoError(t, s.RecordChunk(ctx, id, 2, 50))

	total, err := s.TotalSize(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 150, total)

	max, err := s.MaxChunk(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, max)

	size, err := s.ChunkSize(ctx, id, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 50, size)

	require.NoError(t, s.PopChunk(ctx, id, 2))
	total, err = s.TotalSize(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 100, total)
}

func TestStoreListAndDelete(t *testing.T) {
	s := newTestStore(t)
	id1, id2 := uuid.New().String(), uuid.New().String()
	require.NoError(t, s.Insert(ctx, id1, "p11-member-group"))
	require.NoError(t, s.Insert(ctx, id2, "p11-member-group"))

	ids, err := s.ListIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id1, id2}, ids)

	require.NoError(t, s.Delete(ctx, id1))
	ids, err = s.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id2}, ids)
}

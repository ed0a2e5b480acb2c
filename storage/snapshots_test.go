package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
)

func TestSnapshotKeyIsDeterministic(t *testing.T) {
	id := uuid.MustParse("6f3c2a4e-0000-4000-8000-000000000001")
	key := SnapshotKey(id, 42)
	assert.Equal(t, fmt.Sprintf("docs/%s/snapshots/42.bin", id), key)
	assert.Equal(t, key, SnapshotKey(id, 42))
}

func TestPutThenGetRoundTrip(t *testing.T) {
	mock := NewMockS3Client()
	store := NewSnapshots(mock, "snapshots")
	id := uuid.New()

	key, err := store.Put(context.Background(), id, 7, []byte("compact-state"))
	require.NoError(t, err)
	assert.Equal(t, SnapshotKey(id, 7), key)
	assert.True(t, mock.PutObjectCalled)

	data, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("compact-state"), data)
}

func TestGetMissingObjectIsNotFound(t *testing.T) {
	store := NewSnapshots(NewMockS3Client(), "snapshots")

	_, err := store.Get(context.Background(), "docs/nope/snapshots/1.bin")
	require.Error(t, err)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestStorageOutageIsTransient(t *testing.T) {
	mock := NewMockS3Client()
	mock.Err = errors.New("connection refused")
	store := NewSnapshots(mock, "snapshots")

	_, err := store.Put(context.Background(), uuid.New(), 1, []byte("x"))
	require.Error(t, err)
	assert.Equal(t, common.KindTransient, common.KindOf(err))

	_, err = store.Get(context.Background(), "docs/x/snapshots/1.bin")
	require.Error(t, err)
	assert.Equal(t, common.KindTransient, common.KindOf(err))

	assert.Error(t, store.Ping(context.Background()))
}

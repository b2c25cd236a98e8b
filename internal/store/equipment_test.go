package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/record"
)

func testEquipment(id string) record.Equipment {
	return record.Equipment{
		ID:        id,
		UserID:    "user-1",
		Brand:     "Kubota",
		Model:     "M7-172",
		Version:   1,
		UpdatedAt: opTestTime,
	}
}

func TestSaveEquipment_Upsert(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	e := testEquipment("eq-1")
	require.NoError(t, s.SaveEquipment(ctx, e))

	got, err := s.GetEquipment(ctx, "eq-1")
	require.NoError(t, err)
	assert.Equal(t, e, got)

	updated := e.WithNickname("orange beast", opTestTime.Add(time.Minute))
	require.NoError(t, s.SaveEquipment(ctx, updated))

	got, err = s.GetEquipment(ctx, "eq-1")
	require.NoError(t, err)
	assert.Equal(t, "orange beast", got.Nickname)
	assert.Equal(t, int64(2), got.Version)
}

func TestGetEquipment_NotFound(t *testing.T) {
	s := newStoreForTest(t)

	_, err := s.GetEquipment(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteEquipment_MissingIsNoop(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	require.NoError(t, s.DeleteEquipment(ctx, "nope"))

	require.NoError(t, s.SaveEquipment(ctx, testEquipment("eq-1")))
	require.NoError(t, s.DeleteEquipment(ctx, "eq-1"))

	_, err := s.GetEquipment(ctx, "eq-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStampSynced(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	e := testEquipment("eq-1")
	require.NoError(t, s.SaveEquipment(ctx, e))

	syncedAt := opTestTime.Add(time.Hour)
	require.NoError(t, s.StampSynced(ctx, "eq-1", syncedAt))

	got, err := s.GetEquipment(ctx, "eq-1")
	require.NoError(t, err)
	assert.Equal(t, syncedAt, got.LastSyncedAt)
	// Stamping is bookkeeping; the version does not move.
	assert.Equal(t, e.Version, got.Version)

	// A record deleted before its operation synced is tolerated.
	require.NoError(t, s.StampSynced(ctx, "gone", syncedAt))
}

func TestListEquipment_FiltersByUser(t *testing.T) {
	s := newStoreForTest(t)
	ctx := context.Background()

	a := testEquipment("eq-a")
	b := testEquipment("eq-b")
	other := testEquipment("eq-c")
	other.UserID = "user-2"

	for _, e := range []record.Equipment{b, other, a} {
		require.NoError(t, s.SaveEquipment(ctx, e))
	}

	got, err := s.ListEquipment(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "eq-a", got[0].ID)
	assert.Equal(t, "eq-b", got[1].ID)
}

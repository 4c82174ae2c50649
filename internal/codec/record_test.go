package codec

import (
	"testing"
	"time"

	"github.com/aretw0/keel/pkg/domain"
	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_PreservesFields(t *testing.T) {
	rec := &domain.CheckpointRecord{
		Key:         sessionkey.MustMint(),
		State:       []byte{0, 1, 2, 0xff},
		Version:     42,
		StoredAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		OwnerNodeID: "node-a",
		Tombstone:   true,
	}

	data, err := EncodeRecord(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), rec.Key.String(), "keys are stored in hex form")

	back, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, back.Key)
	assert.Equal(t, rec.State, back.State)
	assert.Equal(t, rec.Version, back.Version)
	assert.True(t, rec.StoredAt.Equal(back.StoredAt))
	assert.Equal(t, rec.OwnerNodeID, back.OwnerNodeID)
	assert.True(t, back.Tombstone)
}

func TestDecodeRecord_Garbage(t *testing.T) {
	_, err := DecodeRecord([]byte("{not json"))
	assert.Error(t, err)
}

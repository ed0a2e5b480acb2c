package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyAndEncodeRoundTrip(t *testing.T) {
	s := NewState()
	updates := [][]byte{
		TextUpdate("package main\n"),
		{0x01, 0x02, 0x03},
		{0xFF},
	}
	for _, u := range updates {
		require.NoError(t, s.Apply(u))
	}

	decoded, err := DecodeContainer(s.Encode())
	require.NoError(t, err)
	require.Len(t, decoded, len(updates))
	for i := range updates {
		assert.Equal(t, updates[i], decoded[i])
	}
}

func TestApplyEmptyUpdate(t *testing.T) {
	s := NewState()
	assert.ErrorIs(t, s.Apply(nil), ErrEmptyUpdate)
	assert.ErrorIs(t, s.Apply([]byte{}), ErrEmptyUpdate)
}

func TestSnapshotThenTailEqualsFullReplay(t *testing.T) {
	// Replaying snapshot-at-S plus entries > S must reproduce the state
	// built from the full update sequence.
	all := [][]byte{
		TextUpdate("hello"),
		{0x10, 0x20},
		{0x30},
		{0x40, 0x50, 0x60},
	}

	full := NewState()
	for _, u := range all {
		require.NoError(t, full.Apply(u))
	}

	const snapshotAt = 2
	snapState := NewState()
	for _, u := range all[:snapshotAt] {
		require.NoError(t, snapState.Apply(u))
	}
	snapshot := snapState.Encode()

	replayed, err := NewStateFromSnapshot(snapshot)
	require.NoError(t, err)
	for _, u := range all[snapshotAt:] {
		require.NoError(t, replayed.Apply(u))
	}

	assert.Equal(t, full.Encode(), replayed.Encode())
	assert.Equal(t, full.Len(), replayed.Len())
}

func TestTextRecoversSeedContent(t *testing.T) {
	s := NewState()
	require.NoError(t, s.Apply(TextUpdate("def main():\n")))
	require.NoError(t, s.Apply([]byte{0x05, 0x06})) // opaque delta
	require.NoError(t, s.Apply(TextUpdate("    pass\n")))

	assert.Equal(t, "def main():\n    pass\n", s.Text())
}

func TestNewStateFromSnapshotRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		bytes []byte
	}{
		{"Empty", nil},
		{"WrongMagic", []byte("not a container")},
		{"TruncatedFrame", append(append([]byte{}, NewState().Encode()...), 0x05, 0x01)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStateFromSnapshot(tt.bytes)
			assert.Error(t, err)
		})
	}
}

func TestEncodeEmptyState(t *testing.T) {
	s := NewState()
	frames, err := DecodeContainer(s.Encode())
	require.NoError(t, err)
	assert.Empty(t, frames)
}

package manifest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jitsi-tools/meet-recorder/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rec := &model.Recording{
		ID:        "rec1",
		Room:      "room1",
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		OutputDir: dir,
		Mix:       true,
		Participants: []model.ParticipantSnapshot{
			{ID: "p1", DisplayName: "Alice", AudioFile: "audio-Alice-p1.opus", SSRC: 111},
		},
	}

	m := New(rec)
	require.NoError(t, Write(m))

	assert.FileExists(t, filepath.Join(dir, "manifest.json"))
	assert.NoFileExists(t, filepath.Join(dir, "manifest.json.tmp"))

	got, err := Read(dir)
	require.NoError(t, err)
	assert.Equal(t, "rec1", got.ID)
	assert.Equal(t, "2026-01-02T03:04:05Z", got.StartedAt)
	assert.True(t, got.Mix)
	require.Len(t, got.Participants, 1)
	assert.Equal(t, "Alice", got.Participants[0].DisplayName)
}

func TestFinalizeAddsEndedAtAndLogsTail(t *testing.T) {
	dir := t.TempDir()
	rec := &model.Recording{ID: "rec2", Room: "room2", StartedAt: time.Now(), OutputDir: dir}
	require.NoError(t, Write(New(rec)))

	endedAt := time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)
	require.NoError(t, Finalize(dir, endedAt, "line1\nline2"))

	got, err := Read(dir)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T04:00:00Z", got.EndedAt)
	assert.Equal(t, "line1\nline2", got.LogsTail)
}

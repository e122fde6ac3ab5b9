// Package manifest builds and persists the JSON session descriptor written
// alongside each recording's output files (spec §4.D). Writes are
// write-then-rename so a reader never observes a partially written file.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jitsi-tools/meet-recorder/internal/model"
)

// isoUTC renders t as ISO-8601 UTC with a trailing "Z", per spec §4.D.
func isoUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// Manifest is the on-disk JSON shape for one recording.
type Manifest struct {
	ID             string                      `json:"id"`
	Room           string                      `json:"room"`
	StartedAt      string                      `json:"started_at"`
	EndedAt        string                      `json:"ended_at,omitempty"`
	Participants   []model.ParticipantSnapshot `json:"participants"`
	OutputDir      string                      `json:"output_dir"`
	Mix            bool                        `json:"mix"`
	ColibriSession string                      `json:"colibri_session,omitempty"`
	LogsTail       string                      `json:"logs_tail,omitempty"`
}

// Path is the manifest's file location within rec.OutputDir.
func Path(outputDir string) string {
	return filepath.Join(outputDir, "manifest.json")
}

// New builds the initial manifest for a just-started recording.
func New(rec *model.Recording) *Manifest {
	return &Manifest{
		ID:             rec.ID,
		Room:           rec.Room,
		StartedAt:      isoUTC(rec.StartedAt),
		Participants:   rec.Participants,
		OutputDir:      rec.OutputDir,
		Mix:            rec.Mix,
		ColibriSession: rec.AllocationID,
	}
}

// Write serializes m as indented JSON and writes it to Path(m.OutputDir)
// atomically: write to a temp file in the same directory, then rename over
// the destination.
func Write(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}

	dest := Path(m.OutputDir)
	tmp := dest + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("manifest: write temp file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("manifest: rename into place: %w", err)
	}
	return nil
}

// Read loads the manifest previously written to outputDir.
func Read(outputDir string) (*Manifest, error) {
	data, err := os.ReadFile(Path(outputDir))
	if err != nil {
		return nil, fmt.Errorf("manifest: read: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: unmarshal: %w", err)
	}
	return &m, nil
}

// Finalize rewrites the manifest in place, adding ended_at and the
// captured log tail, per spec §4.D.
func Finalize(outputDir string, endedAt time.Time, logsTail string) error {
	m, err := Read(outputDir)
	if err != nil {
		return err
	}
	m.EndedAt = isoUTC(endedAt)
	m.LogsTail = logsTail
	return Write(m)
}

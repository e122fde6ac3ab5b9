// Package model defines the recorder's core data types (spec §3): the
// Recording, its ParticipantSnapshots, live Room/Participant/Forwarder
// state, and the filename-derivation rule that ties a participant to its
// output file deterministically.
package model

import (
	"regexp"
	"strings"
	"time"
)

// RecordingStatus is one of the five states a Recording may be in.
type RecordingStatus string

const (
	StatusStarting RecordingStatus = "starting"
	StatusRunning  RecordingStatus = "running"
	StatusStopping RecordingStatus = "stopping"
	StatusStopped  RecordingStatus = "stopped"
	StatusFailed   RecordingStatus = "failed"
)

// ParticipantSnapshot is one participant's contribution to a segment's
// manifest, per spec §3.
type ParticipantSnapshot struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name,omitempty"`
	FilenameStem   string `json:"-"`
	AudioFile      string `json:"audio_file"`
	RTPURL         string `json:"rtp_url"`
	SSRC           uint32 `json:"ssrc"`
	PayloadType    uint8  `json:"payload_type,omitempty"`
	ForwarderRef   string `json:"forwarder,omitempty"`
}

// Recording is the orchestrator's top-level unit of work (spec §3).
type Recording struct {
	ID             string
	Room           string
	StartedAt      time.Time
	EndedAt        *time.Time
	OutputDir      string
	Mix            bool
	Participants   []ParticipantSnapshot
	AllocationID   string // opaque handle into the colibri allocation session table, empty if none
	SegmentDirs    []string
	Status         RecordingStatus
	LastError      string // supplemental: last recoverable-transient error observed
}

// Room is the short-name <-> full-JID pairing the orchestrator tracks.
type Room struct {
	ShortName string
	FullJID   string
}

// SSRCInfo carries the per-media-kind SSRC metadata extracted from a Jingle
// session-initiate (spec §3, §4.A).
type SSRCInfo struct {
	SSRC    uint32
	CName   string
	Msid    string
	Mslabel string
	Label   string
}

// Forwarder is a bridge-side allocation relaying one participant's RTP to a
// chosen UDP endpoint (spec §3, §4.B).
type Forwarder struct {
	BridgeHost    string
	BridgePort    int
	ChannelID     string
	AllocatedAt   time.Time
	ICEUfrag      string
	ICEPwd        string
	Candidates    []ICECandidate
}

// ICECandidate is a single trickled or allocation-returned ICE candidate.
type ICECandidate struct {
	Foundation string
	Component  int
	Protocol   string
	Priority   uint32
	IP         string
	Port       int
	Type       string
	RelAddr    string
	RelPort    int
	SDPMid     string
	SDPMLineIndex uint16
}

// Participant is the live, in-memory state for one MUC occupant (spec §3),
// held by the Participant Tracker (component E).
type Participant struct {
	JID         string
	Nick        string
	DisplayName string
	StatsID     string
	AudioMuted  bool
	VideoMuted  bool
	JoinedAt    time.Time
	SSRCs       map[string]SSRCInfo // media kind ("audio","video") -> SSRC info
	Forwarder   *Forwarder
}

// HasSSRCs reports whether any media kind has been bound to this participant.
func (p *Participant) HasSSRCs() bool {
	return len(p.SSRCs) > 0
}

var filenameUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeForFilename replaces runs of characters outside [A-Za-z0-9_-] with
// a single underscore and trims underscores from both ends (spec §3).
func SanitizeForFilename(s string) string {
	replaced := filenameUnsafe.ReplaceAllString(s, "_")
	return strings.Trim(replaced, "_")
}

// AudioFilename computes a ParticipantSnapshot's filename stem
// deterministically from (display name, id), per spec §3:
//
//	"audio-<sanitized-name>-<id>.opus" if name present else "audio-<id>.opus"
func AudioFilename(displayName, id string) string {
	sanitized := SanitizeForFilename(displayName)
	if sanitized == "" {
		return "audio-" + id + ".opus"
	}
	return "audio-" + sanitized + "-" + id + ".opus"
}

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAudioFilenameSanitization(t *testing.T) {
	cases := []struct {
		name string
		id   string
		want string
	}{
		{"John / Doe ", "abc12", "audio-John_Doe-abc12.opus"},
		{"", "abc12", "audio-abc12.opus"},
		{"  ___  ", "xyz", "audio-xyz.opus"},
		{"Alice!!Bob", "p1", "audio-Alice_Bob-p1.opus"},
	}
	for _, tc := range cases {
		got := AudioFilename(tc.name, tc.id)
		assert.Equal(t, tc.want, got, "name=%q id=%q", tc.name, tc.id)
	}
}

func TestAudioFilenameDeterministic(t *testing.T) {
	a := AudioFilename("Jane Roe", "p42")
	b := AudioFilename("Jane Roe", "p42")
	assert.Equal(t, a, b)
}

func TestParticipantHasSSRCs(t *testing.T) {
	p := &Participant{}
	assert.False(t, p.HasSSRCs())
	p.SSRCs = map[string]SSRCInfo{"audio": {SSRC: 1}}
	assert.True(t, p.HasSSRCs())
}

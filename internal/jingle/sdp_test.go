package jingle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleJingle() *Jingle {
	return &Jingle{
		Action:    "session-initiate",
		Initiator: "focus@conf.example/focus",
		SID:       "sid123",
		Contents: []Content{
			{
				Creator: "initiator",
				Name:    "audio",
				Senders: "both",
				Description: &RTPDescription{
					Media: "audio",
					PayloadTypes: []PayloadType{
						{
							ID: 111, Name: "opus", Clockrate: 48000, Channels: 2,
							Parameters: []Parameter{{Name: "minptime", Value: "10"}, {Name: "useinbandfec", Value: "1"}},
							RTCPFB:     []RTCPFeedback{{Type: "transport-cc"}},
						},
					},
				},
				Transport: &ICEUDPTransport{
					Ufrag: "abcd",
					Pwd:   "pwd1234567890",
					Fingerprint: &Fingerprint{
						Hash: "sha-256", Setup: "actpass", Value: "AA:BB:CC",
					},
				},
			},
			{
				Creator: "initiator",
				Name:    "video",
				Senders: "both",
				Description: &RTPDescription{
					Media: "video",
					PayloadTypes: []PayloadType{
						{ID: 96, Name: "H264", Clockrate: 90000, RTCPFB: []RTCPFeedback{{Type: "nack"}, {Type: "nack", Subtype: "pli"}}},
						{ID: 97, Name: "rtx", Clockrate: 90000, Parameters: []Parameter{{Name: "apt", Value: "96"}}},
					},
				},
				Transport: &ICEUDPTransport{
					Ufrag: "abcd",
					Pwd:   "pwd1234567890",
					Fingerprint: &Fingerprint{
						Hash: "sha-256", Setup: "actpass", Value: "AA:BB:CC",
					},
				},
			},
		},
	}
}

func TestJingleToSDPStartsWithVAndUsesCRLF(t *testing.T) {
	sdp := JingleToSDP(sampleJingle())
	lines := strings.Split(sdp, "\r\n")
	assert.Equal(t, "v=0", lines[0])
	assert.True(t, strings.HasSuffix(sdp, "\r\n"))
	assert.NotContains(t, sdp, "\n\n")
	for _, line := range strings.Split(strings.TrimRight(sdp, "\r\n"), "\r\n") {
		assert.False(t, strings.Contains(line, "\n"), "line contains bare LF: %q", line)
	}
}

func TestJingleToSDPExcludesRTXFromPayloadList(t *testing.T) {
	sdp := JingleToSDP(sampleJingle())
	for _, line := range strings.Split(sdp, "\r\n") {
		if strings.HasPrefix(line, "m=video") {
			assert.Contains(t, line, "96")
			assert.NotContains(t, line, " 97")
			return
		}
	}
	t.Fatal("no m=video line found")
}

func TestJingleToSDPBundleGroup(t *testing.T) {
	sdp := JingleToSDP(sampleJingle())
	assert.Contains(t, sdp, "a=group:BUNDLE audio video")
}

func TestJingleToSDPFmtpAndRTCPFB(t *testing.T) {
	sdp := JingleToSDP(sampleJingle())
	assert.Contains(t, sdp, "a=fmtp:111 minptime=10;useinbandfec=1")
	assert.Contains(t, sdp, "a=rtcp-fb:96 nack")
	assert.Contains(t, sdp, "a=rtcp-fb:96 nack pli")
}

func TestJingleRoundTripPreservesBundleAndSetupActive(t *testing.T) {
	offer := sampleJingle()
	sdp := JingleToSDP(offer)

	accepted, err := SDPToJingleAccept(sdp, offer.SID, offer.Initiator, "recorder@conf.example/recorder")
	require.NoError(t, err)

	assert.Equal(t, offer.SID, accepted.SID)
	assert.Equal(t, offer.Initiator, accepted.Initiator)
	require.NotNil(t, accepted.Group)
	assert.Equal(t, "BUNDLE", accepted.Group.Semantics)

	var mids []string
	for _, gc := range accepted.Group.Contents {
		mids = append(mids, gc.Name)
	}
	assert.ElementsMatch(t, []string{"audio", "video"}, mids)

	require.Len(t, accepted.Contents, 2)
	for _, c := range accepted.Contents {
		require.NotNil(t, c.Transport)
		require.NotNil(t, c.Transport.Fingerprint)
		assert.Equal(t, "active", c.Transport.Fingerprint.Setup)
		assert.Equal(t, "abcd", c.Transport.Ufrag)
		assert.Equal(t, "pwd1234567890", c.Transport.Pwd)

		if c.Name == "video" {
			var ids []int
			for _, pt := range c.Description.PayloadTypes {
				ids = append(ids, pt.ID)
			}
			assert.Contains(t, ids, 96)
		}
	}
}

func TestSDPToJingleAcceptEmptyInput(t *testing.T) {
	_, err := SDPToJingleAccept("v=0\r\n", "sid", "a", "b")
	assert.Error(t, err)
}

package colibri

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildV1AllocateShape(t *testing.T) {
	req := BuildV1Allocate("conf1", "ep1")
	require.Len(t, req.Contents, 1)
	assert.Equal(t, "audio", req.Contents[0].Name)
	require.Len(t, req.Contents[0].Channels, 1)
	ch := req.Contents[0].Channels[0]
	assert.Equal(t, "true", ch.Initiator)
	assert.Equal(t, "180", ch.Expire)
	require.Len(t, ch.PayloadTypes, 1)
	assert.Equal(t, "opus", ch.PayloadTypes[0].Name)
	assert.NotNil(t, ch.Transport)
}

func TestParseV1AllocateExtractsCandidates(t *testing.T) {
	reply := &V1Conference{
		ID: "conf1",
		Contents: []V1Content{
			{
				Name: "audio",
				Channels: []V1Channel{
					{
						ID: "chan1",
						Transport: &V1Transport{
							Ufrag: "uf", Pwd: "pw",
							Candidates: []V1Candidate{
								{Foundation: "1", Component: 1, Protocol: "udp", Priority: 100, IP: "1.2.3.4", Port: 10000, Type: "host"},
							},
						},
					},
				},
			},
		},
	}

	result, err := ParseV1Allocate(reply)
	require.NoError(t, err)
	assert.Equal(t, "conf1", result.ConferenceID)
	assert.Equal(t, "chan1", result.ChannelID)
	assert.Equal(t, "uf", result.Ufrag)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "1.2.3.4", result.Candidates[0].IP)
}

func TestParseV1AllocateMissingChannel(t *testing.T) {
	_, err := ParseV1Allocate(&V1Conference{})
	assert.Error(t, err)
}

func TestParseV2AllocateDefaultsWhenAbsent(t *testing.T) {
	reply := &V2ConferenceModify{
		MeetingID: "m1",
		Endpoints: []V2Endpoint{
			{ID: "ep1"},
		},
	}

	result, err := ParseV2Allocate(reply)
	require.NoError(t, err)
	assert.Equal(t, DefaultPayloadType, result.PayloadType)
	assert.Equal(t, DefaultCandidateIP, result.Candidate.IP)
	assert.Equal(t, DefaultCandidatePort, result.Candidate.Port)
}

func TestParseV2AllocateExtractsSSRCAndCandidate(t *testing.T) {
	reply := &V2ConferenceModify{
		MeetingID: "m1",
		Endpoints: []V2Endpoint{
			{
				ID: "ep1",
				Medias: []V2Media{
					{
						Type:         "audio",
						PayloadTypes: []V1PayloadType{{ID: 111, Name: "opus"}},
						Sources:      []V2Source{{SSRC: "9999"}},
					},
				},
				Transport: &V2Transport{
					Ufrag: "uf2", Pwd: "pw2",
					Candidates: []V1Candidate{{IP: "5.6.7.8", Port: 20000, Type: "srflx"}},
				},
			},
		},
	}

	result, err := ParseV2Allocate(reply)
	require.NoError(t, err)
	assert.EqualValues(t, 9999, result.SSRC)
	assert.Equal(t, 111, result.PayloadType)
	assert.Equal(t, "5.6.7.8", result.Candidate.IP)
	assert.Equal(t, "uf2", result.Ufrag)
}

func TestChooseDialectPrefersV2(t *testing.T) {
	assert.Equal(t, DialectV2, ChooseDialect(true, true))
	assert.Equal(t, DialectV1, ChooseDialect(true, false))
	assert.Equal(t, DialectNone, ChooseDialect(false, false))
}

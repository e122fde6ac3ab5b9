package tracker

import (
	"context"
	"testing"

	"github.com/jitsi-tools/meet-recorder/internal/jingle"
	"github.com/jitsi-tools/meet-recorder/internal/logx"
	"github.com/jitsi-tools/meet-recorder/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, requester ForwarderRequester, lookup ConferenceIDLookup) *Tracker {
	t.Helper()
	logger, err := logx.New(logx.NewConfig())
	require.NoError(t, err)
	return New(logger, requester, lookup)
}

func TestHandleAvailableExcludesSelfNick(t *testing.T) {
	tr := newTestTracker(t, nil, nil)
	var joined []string
	tr.OnJoin(func(room string, p *model.Participant) { joined = append(joined, p.Nick) })

	tr.HandleAvailable("room1", SelfNick, "room1@muc/recorder-bot", PresenceExtensions{})
	tr.HandleAvailable("room1", "alice", "room1@muc/alice", PresenceExtensions{DisplayName: "Alice"})

	assert.Equal(t, []string{"alice"}, joined)
}

func TestHandleUnavailableRemovesAndFiresHook(t *testing.T) {
	tr := newTestTracker(t, nil, nil)
	var left []string
	tr.OnLeave(func(room, nick string) { left = append(left, nick) })

	tr.HandleAvailable("room1", "bob", "room1@muc/bob", PresenceExtensions{})
	tr.HandleUnavailable("room1", "bob")

	assert.Equal(t, []string{"bob"}, left)
	assert.Empty(t, tr.GetParticipantsWithForwarders("room1"))
}

func TestBindSessionInitiatePicksMostRecentEligible(t *testing.T) {
	tr := newTestTracker(t, nil, nil)
	tr.HandleAvailable("room1", "focus-bot", "room1@muc/focus-bot", PresenceExtensions{})
	tr.HandleAvailable("room1", "alice", "room1@muc/alice", PresenceExtensions{})
	tr.HandleAvailable("room1", "bob", "room1@muc/bob", PresenceExtensions{})

	ssrcs := map[string]model.SSRCInfo{"audio": {SSRC: 123, CName: "x"}}
	bound := tr.BindSessionInitiate("room1", ssrcs)

	require.NotNil(t, bound)
	assert.Equal(t, "bob", bound.Nick)
	assert.True(t, bound.HasSSRCs())
}

func TestBindSessionInitiateSkipsFocusAndJibri(t *testing.T) {
	tr := newTestTracker(t, nil, nil)
	tr.HandleAvailable("room1", "alice", "room1@muc/alice", PresenceExtensions{})
	tr.HandleAvailable("room1", "jvb-jibri", "room1@muc/jvb-jibri-instance", PresenceExtensions{})

	bound := tr.BindSessionInitiate("room1", map[string]model.SSRCInfo{"audio": {SSRC: 1}})
	require.NotNil(t, bound)
	assert.Equal(t, "alice", bound.Nick)
}

func TestBindSessionInitiateNoEligibleParticipant(t *testing.T) {
	tr := newTestTracker(t, nil, nil)
	assert.Nil(t, tr.BindSessionInitiate("unknown-room", map[string]model.SSRCInfo{"audio": {SSRC: 1}}))
}

type fakeRequester struct {
	gotConferenceID string
}

func (f *fakeRequester) RequestForwarder(_ context.Context, room, conferenceID, participantID string, ssrc model.SSRCInfo) (*model.Forwarder, error) {
	f.gotConferenceID = conferenceID
	return &model.Forwarder{BridgeHost: "10.0.0.1", BridgePort: 5000}, nil
}

func TestBindAndRequestForwarderFallsBackToShortName(t *testing.T) {
	req := &fakeRequester{}
	tr := newTestTracker(t, req, func(room string) (string, bool) { return "", false })

	tr.HandleAvailable("room9", "alice", "room9@muc/alice", PresenceExtensions{})

	j := &jingle.Jingle{
		Contents: []jingle.Content{
			{
				Description: &jingle.RTPDescription{
					Media: "audio",
					Sources: []jingle.Source{
						{SSRC: "555"},
					},
				},
			},
		},
	}

	p, err := tr.BindAndRequestForwarder(context.Background(), "room9", j)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "room9", req.gotConferenceID)

	resolved := tr.GetParticipantsWithForwarders("room9")
	require.Len(t, resolved, 1)
	assert.Equal(t, "rtp://10.0.0.1:5000", resolved[0].RTPURL)
	assert.EqualValues(t, 555, resolved[0].SSRC)
}

func TestBindAndRequestForwarderUsesCachedConferenceID(t *testing.T) {
	req := &fakeRequester{}
	tr := newTestTracker(t, req, func(room string) (string, bool) { return "conf-42", true })

	tr.HandleAvailable("room2", "alice", "room2@muc/alice", PresenceExtensions{})
	j := &jingle.Jingle{
		Contents: []jingle.Content{
			{Description: &jingle.RTPDescription{Media: "audio", Sources: []jingle.Source{{SSRC: "1"}}}},
		},
	}

	_, err := tr.BindAndRequestForwarder(context.Background(), "room2", j)
	require.NoError(t, err)
	assert.Equal(t, "conf-42", req.gotConferenceID)
}

package jingle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"
)

// GatherTimeout bounds how long Answer waits for ICE gathering
// to reach "complete" before proceeding with whatever candidates it has.
const GatherTimeout = 5 * time.Second

// PeerConnection is the media-plane object a Jingle session is bound to:
// one per sid, holding the local/remote SDP and a null-sink consumer for
// every inbound track (the recorder pulls audio from the bridge via its own
// forwarder channel, not from this connection — see the capture supervisor).
type PeerConnection struct {
	SID string

	pc     *webrtc.PeerConnection
	logger *slog.Logger
}

func newMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}

	videoCodecs := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			},
			PayloadType: 96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: 90000,
			},
			PayloadType: 98,
		},
	}
	for _, c := range videoCodecs {
		if err := m.RegisterCodec(c, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("register video codec %s: %w", c.MimeType, err)
		}
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus codec: %w", err)
	}

	return m, nil
}

// NewPeerConnection builds a local answerer-side PeerConnection for sid: a
// fresh MediaEngine with the recorder's codec set, no ICE servers (the
// bridge is reached directly, not via STUN/TURN relay), and an OnTrack
// handler that drains every inbound track into a null sink so pion's
// internal buffers never back up.
func NewPeerConnection(sid string, logger *slog.Logger) (*PeerConnection, error) {
	m, err := newMediaEngine()
	if err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &PeerConnection{SID: sid, pc: pc, logger: logger}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Debug("peerconnection: inbound track", "sid", sid, "kind", track.Kind().String())
		go p.drain(track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("peerconnection: state change", "sid", sid, "state", state.String())
	})

	return p, nil
}

// drain reads and discards every RTP packet from track until it ends; the
// recorder's actual audio capture happens out-of-band via the bridge
// forwarder, so this connection exists only to complete the Jingle/SDP
// handshake.
func (p *PeerConnection) drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if err != io.EOF {
				p.logger.Debug("peerconnection: track read ended", "sid", p.SID, "err", err)
			}
			return
		}
	}
}

// Answer sets remoteSDP as the remote offer, creates and sets a local
// answer, and waits up to GatherTimeout for ICE gathering to finish before
// returning the local SDP. Gathering timing out is not an error: the
// session proceeds with whatever host/srflx candidates were found.
func (p *PeerConnection) Answer(ctx context.Context, remoteSDP string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteSDP,
	}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(GatherTimeout):
		p.logger.Debug("peerconnection: ICE gathering timed out, proceeding with partial candidates", "sid", p.SID)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("peerconnection: no local description after gathering")
	}
	return local.SDP, nil
}

// AddICECandidate trickles one remote candidate in SDP candidate-attribute
// form (e.g. "candidate:1 1 UDP 2130706431 10.0.0.1 9 typ host").
func (p *PeerConnection) AddICECandidate(candidateSDP string, sdpMid *string, sdpMLineIndex *uint16) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     candidateSDP,
		SDPMid:        sdpMid,
		SDPMLineIndex: sdpMLineIndex,
	})
}

// Close tears down the underlying PeerConnection.
func (p *PeerConnection) Close() error {
	return p.pc.Close()
}

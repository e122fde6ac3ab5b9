package orchestrator

import (
	"context"
	"fmt"

	"github.com/jitsi-tools/meet-recorder/internal/colibri"
	"github.com/jitsi-tools/meet-recorder/internal/model"
	"github.com/jitsi-tools/meet-recorder/internal/tracker"
	"github.com/jitsi-tools/meet-recorder/internal/xerr"
)

// colibriForwarderRequester implements tracker.ForwarderRequester over the
// Colibri allocator, allocating one forwarder per resolved participant the
// same way allocateForParticipants allocates one endpoint per named
// participant (spec §4.B, §4.E). It is wired into tracker.New directly, not
// through the Orchestrator itself: the tracker is one of the Orchestrator's
// own dependencies, so the two cannot be constructed from each other.
type colibriForwarderRequester struct {
	gateway   XMPPGateway
	allocator *colibri.Allocator
	dialect   func() colibri.Dialect
}

// NewForwarderRequester builds the ForwarderRequester passed to
// tracker.New, backed by the same gateway/allocator/dialect the Orchestrator
// allocates participant endpoints through.
func NewForwarderRequester(gateway XMPPGateway, allocator *colibri.Allocator, dialect func() colibri.Dialect) tracker.ForwarderRequester {
	return &colibriForwarderRequester{gateway: gateway, allocator: allocator, dialect: dialect}
}

// RequestForwarder allocates a bridge endpoint for participantID in
// conferenceID and shapes the result as a model.Forwarder.
func (r *colibriForwarderRequester) RequestForwarder(ctx context.Context, room, conferenceID, participantID string, ssrc model.SSRCInfo) (*model.Forwarder, error) {
	d := colibri.DialectNone
	if r.dialect != nil {
		d = r.dialect()
	}
	if d == colibri.DialectNone {
		return nil, xerr.ProtocolUnsupported("bridge advertises neither colibri v1 nor v2")
	}

	bridgeJID := r.gateway.BridgeJID()

	switch d {
	case colibri.DialectV2:
		result, err := r.allocator.AllocateV2(ctx, bridgeJID, conferenceID, participantID)
		if err != nil {
			return nil, xerr.Upstream(fmt.Sprintf("allocate v2 forwarder for %s", participantID), err)
		}
		return &model.Forwarder{
			BridgeHost:  result.Candidate.IP,
			BridgePort:  result.Candidate.Port,
			ChannelID:   participantID,
			AllocatedAt: stampTime(),
			ICEUfrag:    result.Ufrag,
			ICEPwd:      result.Pwd,
			Candidates:  []model.ICECandidate{result.Candidate},
		}, nil
	case colibri.DialectV1:
		result, err := r.allocator.AllocateV1(ctx, bridgeJID, conferenceID, participantID)
		if err != nil {
			return nil, xerr.Upstream(fmt.Sprintf("allocate v1 forwarder for %s", participantID), err)
		}
		var ip string
		var port int
		if len(result.Candidates) > 0 {
			ip, port = result.Candidates[0].IP, result.Candidates[0].Port
		}
		return &model.Forwarder{
			BridgeHost:  ip,
			BridgePort:  port,
			ChannelID:   result.ChannelID,
			AllocatedAt: stampTime(),
			ICEUfrag:    result.Ufrag,
			ICEPwd:      result.Pwd,
			Candidates:  result.Candidates,
		}, nil
	default:
		return nil, xerr.ProtocolUnsupported("bridge advertises neither colibri v1 nor v2")
	}
}

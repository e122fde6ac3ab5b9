package xmppsess

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/jitsi-tools/meet-recorder/internal/jingle"
)

const nsColibri2 = "urn:xmpp:jitsi-videobridge:colibri2"

// SessionInitiateHandler builds a Jingle session-accept for an inbound
// session-initiate (spec §4.F): translating to SDP, negotiating a
// PeerConnection, and translating the local answer back to Jingle is the
// orchestrator's job (component H), which supplies this callback.
type SessionInitiateHandler func(ctx context.Context, room, sid, initiator string, offer *jingle.Jingle) (*jingle.Jingle, error)

// TransportInfoHandler applies trickled ICE candidates to the
// PeerConnection matching sid.
type TransportInfoHandler func(sid string, info *jingle.Jingle) error

// ConferenceModifyHandler upserts a learned bridge conference id into the
// room↔conference-id map (spec §4.F, §4.H). It must not block on network
// I/O — the ack is sent immediately after it returns.
type ConferenceModifyHandler func(meetingID, name string)

// JingleHandlers wires the session's Jingle/Colibri2 stanza handlers into
// the orchestrator. RoomForSID resolves which room a Jingle sid belongs to
// (the tracker learns this from MUC presence plus session-initiate
// from-JID); if nil, "" is passed as room to SessionInitiate/OnSessionInitiate.
type JingleHandlers struct {
	OnSessionInitiate  SessionInitiateHandler
	OnTransportInfo    TransportInfoHandler
	OnConferenceModify ConferenceModifyHandler
	RoomForSID         func(sid, fromJID string) string
}

// SetJingleHandlers registers the Jingle and Colibri2 conference-modify
// stanza handlers (spec §4.F: "{jingle}action=session-initiate",
// "{jingle}action=transport-info", "{colibri2}conference-modify").
func (s *Session) SetJingleHandlers(h JingleHandlers) {
	s.jingleHandlers = h
	s.Register(jingle.NSJingle, "jingle", s.handleJingle)
	s.Register(nsColibri2, "conference-modify", s.handleConferenceModify)
}

// handleJingle decodes an inbound <jingle> element and dispatches on its
// action attribute.
func (s *Session) handleJingle(start xml.StartElement, dec *xml.Decoder) error {
	var j jingle.Jingle
	if err := dec.DecodeElement(&j, &start); err != nil {
		return fmt.Errorf("xmppsess: decode jingle: %w", err)
	}

	from := s.currentIQ.from
	room := ""
	if s.jingleHandlers.RoomForSID != nil {
		room = s.jingleHandlers.RoomForSID(j.SID, from)
	}

	switch j.Action {
	case "session-initiate":
		return s.handleSessionInitiate(room, from, &j)
	case "transport-info":
		return s.handleTransportInfo(&j)
	default:
		return nil
	}
}

// handleSessionInitiate runs the registered handler to build a
// session-accept and replies with it as a Jingle result IQ addressed to
// the initiator (spec §4.F).
func (s *Session) handleSessionInitiate(room, from string, offer *jingle.Jingle) error {
	if s.jingleHandlers.OnSessionInitiate == nil {
		return s.replyIQResult(s.currentIQ.id, from)
	}

	accept, err := s.jingleHandlers.OnSessionInitiate(context.Background(), room, offer.SID, offer.Initiator, offer)
	if err != nil {
		return fmt.Errorf("xmppsess: session-initiate handler: %w", err)
	}
	if offer.BridgeSession != nil && s.jingleHandlers.OnConferenceModify != nil {
		s.jingleHandlers.OnConferenceModify(offer.BridgeSession.ID, room)
	}
	return s.replyIQPayload(accept)
}

// handleTransportInfo applies trickled candidates via the registered
// handler, then acks.
func (s *Session) handleTransportInfo(info *jingle.Jingle) error {
	if s.jingleHandlers.OnTransportInfo != nil {
		if err := s.jingleHandlers.OnTransportInfo(info.SID, info); err != nil {
			s.logger.Warn("xmppsess: transport-info handler error", "err", err, "sid", info.SID)
		}
	}
	return s.replyIQResult(s.currentIQ.id, s.currentIQ.from)
}

// colibri2ConferenceModify carries just the attributes the session layer
// needs from an inbound conference-modify (spec §4.F: "extract meeting-id
// and name attributes").
type colibri2ConferenceModify struct {
	XMLName   xml.Name `xml:"urn:xmpp:jitsi-videobridge:colibri2 conference-modify"`
	MeetingID string   `xml:"meeting-id,attr"`
	Name      string   `xml:"name,attr"`
}

// handleConferenceModify upserts the learned conference id and
// unconditionally sends a result IQ before returning — spec §4.F/§5 call
// this "critical": failing to ack causes the focus to evict the bot.
func (s *Session) handleConferenceModify(start xml.StartElement, dec *xml.Decoder) error {
	var cm colibri2ConferenceModify
	if err := dec.DecodeElement(&cm, &start); err != nil {
		// Still try to ack even if decoding failed, matching the "always
		// reply" invariant as closely as possible.
		s.replyIQResult(s.currentIQ.id, s.currentIQ.from)
		return fmt.Errorf("xmppsess: decode conference-modify: %w", err)
	}

	if s.jingleHandlers.OnConferenceModify != nil {
		s.jingleHandlers.OnConferenceModify(cm.MeetingID, cm.Name)
	}
	return s.replyIQResult(s.currentIQ.id, s.currentIQ.from)
}

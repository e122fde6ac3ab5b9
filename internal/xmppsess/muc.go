package xmppsess

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/jitsi-tools/meet-recorder/internal/tracker"
)

const nsDisco = "http://jabber.org/protocol/disco#info"

// recorderFeature identifies the recorder in the session's disco#info
// replies (handleDiscoInfo). The MUC self-presence sent by JoinBreweryMUC
// and JoinConferenceMUC does not carry it.
const recorderFeature = "http://jitsi.org/protocol/recorder"

// advertisedFeatures lists the service-discovery features the session
// replies with for disco#info queries against the recorder itself (spec
// §4.F: "Jingle base, ice-udp transport, RTP (audio and video), DTLS, and
// the recorder-identification feature").
var advertisedFeatures = []string{
	"urn:xmpp:jingle:1",
	"urn:xmpp:jingle:transports:ice-udp:1",
	"urn:xmpp:jingle:apps:rtp:1",
	"urn:xmpp:jingle:apps:rtp:audio",
	"urn:xmpp:jingle:apps:rtp:video",
	"urn:xmpp:jingle:apps:dtls:0",
	recorderFeature,
}

// discoInfoQuery/discoInfoReply mirror XEP-0030's <query/> IQ payload.
type discoInfoQuery struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
	Node    string   `xml:"node,attr,omitempty"`
}

type discoFeature struct {
	Var string `xml:"var,attr"`
}

type discoIdentity struct {
	Category string `xml:"category,attr"`
	Type     string `xml:"type,attr"`
	Name     string `xml:"name,attr,omitempty"`
}

type discoInfoReply struct {
	XMLName    xml.Name        `xml:"http://jabber.org/protocol/disco#info query"`
	Identities []discoIdentity `xml:"identity"`
	Features   []discoFeature  `xml:"feature"`
}

// Start performs the session_start sequence (spec §4.F: initial presence,
// roster fetch, MUC join) and registers the disco#info handler so other
// occupants can query the recorder's own capabilities. It does not start
// the read loop: Serve must already be running in another goroutine for
// the roster reply to be received, and the roster fetch waits up to
// IQTimeout for it.
func (s *Session) Start(ctx context.Context) error {
	s.Register(nsDisco, "query", s.handleDiscoInfo)

	if err := s.sendInitialPresence(); err != nil {
		return fmt.Errorf("xmppsess: send initial presence: %w", err)
	}
	if err := s.fetchRoster(ctx); err != nil {
		s.logger.Warn("xmppsess: roster fetch failed", "err", err)
	}
	if err := s.JoinBreweryMUC(); err != nil {
		return fmt.Errorf("xmppsess: join brewery muc: %w", err)
	}
	return nil
}

// sendInitialPresence emits bare <presence/> to the server, establishing
// the session as available before any MUC join.
func (s *Session) sendInitialPresence() error {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	_, err := s.conn.Write([]byte(`<presence/>`))
	return err
}

// fetchRoster sends a `get` roster IQ and waits for the reply, discarding
// its contents (the recorder has no UI use for roster entries; this call
// exists to match spec §4.F's session_start sequence and to surface
// transport errors early).
func (s *Session) fetchRoster(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, IQTimeout)
	defer cancel()
	_, err := s.SendIQ(ctx, "", rosterQuery{})
	return err
}

// IQTimeout bounds SendIQ waits issued directly by the session itself
// (roster fetch, disco probes) rather than by component B's allocator.
const IQTimeout = 10 * time.Second

type rosterQuery struct {
	XMLName xml.Name `xml:"jabber:iq:roster query"`
}

// JoinBreweryMUC sends presence into cfg.BreweryMUC under the bound JID's
// local-part as nick, immediately followed, in the same write, by the
// recorder's self-representation presence (audiomuted=true,
// videomuted=true), so the focus never tries to allocate the bot a bridge
// endpoint. The self-presence does not carry the recorder-identification
// feature, which is advertised only through disco#info. breweryJoined is
// set as soon as the write succeeds; the server's echo of the join is not
// awaited.
func (s *Session) JoinBreweryMUC() error {
	if s.cfg.BreweryMUC == "" {
		return fmt.Errorf("xmppsess: no brewery MUC configured")
	}
	nick := s.cfg.JID.Localpart()
	if nick == "" {
		nick = "recorder"
	}
	to := fmt.Sprintf("%s/%s", s.cfg.BreweryMUC, nick)

	s.encMu.Lock()
	_, err := fmt.Fprintf(s.conn, `<presence to="%s"><x xmlns="%s"/></presence><presence to="%s"><audiomuted xmlns="%s">true</audiomuted><videomuted xmlns="%s">true</videomuted></presence>`,
		xmlEscapeAttr(to), "http://jabber.org/protocol/muc", xmlEscapeAttr(to), nsJitsiStats, nsJitsiStats)
	s.encMu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.breweryJoined = true
	s.recomputeReady()
	s.mu.Unlock()
	return nil
}

// JoinConferenceMUC sends presence into the conference room (room is the
// MUC's bare JID, e.g. "room@conference.example.com") under the fixed
// tracker.SelfNick nick, immediately followed by the same self-representation
// presence JoinBreweryMUC sends, so the focus never allocates the recorder a
// bridge endpoint inside the conference it is recording (spec §4.F). Unlike
// JoinBreweryMUC this does not affect the session's own ready condition: it
// is the per-recording join that lets tracker.HandleAvailable/HandleUnavailable
// start observing that room's occupants.
func (s *Session) JoinConferenceMUC(room string) error {
	if room == "" {
		return fmt.Errorf("xmppsess: no conference room given")
	}
	to := fmt.Sprintf("%s/%s", room, tracker.SelfNick)

	s.encMu.Lock()
	_, err := fmt.Fprintf(s.conn, `<presence to="%s"><x xmlns="%s"/></presence><presence to="%s"><audiomuted xmlns="%s">true</audiomuted><videomuted xmlns="%s">true</videomuted></presence>`,
		xmlEscapeAttr(to), "http://jabber.org/protocol/muc", xmlEscapeAttr(to), nsJitsiStats, nsJitsiStats)
	s.encMu.Unlock()
	return err
}

// handleDiscoInfo replies to an inbound disco#info query with the
// recorder's advertised identity and features (spec §4.F).
func (s *Session) handleDiscoInfo(start xml.StartElement, dec *xml.Decoder) error {
	var q discoInfoQuery
	if err := dec.DecodeElement(&q, &start); err != nil {
		return fmt.Errorf("xmppsess: decode disco#info query: %w", err)
	}

	reply := discoInfoReply{
		Identities: []discoIdentity{{Category: "client", Type: "bot", Name: "meet-recorder"}},
	}
	for _, f := range advertisedFeatures {
		reply.Features = append(reply.Features, discoFeature{Var: f})
	}
	return s.replyIQPayload(reply)
}

// BridgeCapabilities records which Colibri dialects a discovered bridge
// occupant advertises (spec §4.G).
type BridgeCapabilities struct {
	SupportsColibriV1 bool
	SupportsColibriV2 bool
}

// ProbeTimeout bounds the disco#info query issued against a newly
// discovered bridge occupant (spec §4.G: "5 s timeout").
const ProbeTimeout = 5 * time.Second

// ProbeBridgeCapabilities issues a disco#info query against bridgeJID and
// extracts the two Colibri-version feature flags. Used by the orchestrator
// once a bridge occupant has been observed, to drive
// colibri.ChooseDialect.
func (s *Session) ProbeBridgeCapabilities(ctx context.Context, bridgeJID string) (BridgeCapabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	dec, err := s.SendIQ(ctx, bridgeJID, discoInfoQuery{})
	if err != nil {
		return BridgeCapabilities{}, fmt.Errorf("xmppsess: probe bridge capabilities: %w", err)
	}

	var reply discoInfoReply
	if err := dec.Decode(&reply); err != nil {
		return BridgeCapabilities{}, fmt.Errorf("xmppsess: decode disco#info reply: %w", err)
	}

	var caps BridgeCapabilities
	for _, f := range reply.Features {
		switch f.Var {
		case "http://jitsi.org/protocol/colibri":
			caps.SupportsColibriV1 = true
		case "urn:xmpp:jitsi-videobridge:colibri2":
			caps.SupportsColibriV2 = true
		}
	}
	return caps, nil
}

package xmppsess

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/jitsi-tools/meet-recorder/internal/tracker"
)

// nsJitsiFocus / nsMUCUser are the namespaces carried on Jitsi conference
// presence: the standard MUC x-user element plus Jitsi's own
// stats-id/audio-muted/video-muted/display-name extension elements (spec
// §4.E, §6).
const (
	nsMUCUser    = "http://jabber.org/protocol/muc#user"
	nsJitsiStats = "http://jitsi.org/jitmeet/stats"
)

// bridgeOccupantLocalpart is the MUC nick local-part the JVB uses when it
// joins the brewery MUC as a component occupant (spec §4.F ready
// condition: brewery MUC joined AND a bridge occupant observed).
const bridgeOccupantLocalpart = "jvb"

// PresenceTracker receives parsed join/leave notifications. Implemented by
// *tracker.Tracker; kept as an interface here so xmppsess has no import
// cycle back into the orchestrator that wires both together.
type PresenceTracker interface {
	HandleAvailable(room, nick, jid string, ext tracker.PresenceExtensions)
	HandleUnavailable(room, nick string)
}

// SetPresenceTracker wires the session's presence handler to a tracker.
// Must be called before Serve for presence to have any effect beyond
// ready-condition/bridge-occupant detection.
func (s *Session) SetPresenceTracker(pt PresenceTracker) {
	s.mu.Lock()
	s.presenceTracker = pt
	s.mu.Unlock()
}

// handlePresence parses a top-level <presence> element: extracts from/type,
// the occupant's room (bare JID) and nick (resource), the Jitsi presence
// extensions, and routes the result to the presence tracker. It also
// detects the bridge's own MUC occupant (spec §4.F ready condition).
func (s *Session) handlePresence(start xml.StartElement) error {
	var from, presenceType string
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "from":
			from = attr.Value
		case "type":
			presenceType = attr.Value
		}
	}

	room, nick := splitOccupantJID(from)

	ext, err := s.parsePresenceChildren()
	if err != nil {
		return fmt.Errorf("xmppsess: parse presence children: %w", err)
	}

	if nick == bridgeOccupantLocalpart && presenceType != "unavailable" {
		s.mu.Lock()
		firstSighting := s.bridgeJID == ""
		s.bridgeJID = from
		s.recomputeReady()
		onObserved := s.onBridgeObserved
		s.mu.Unlock()
		s.logger.Info("xmppsess: bridge occupant observed", "jid", from)
		if firstSighting && onObserved != nil {
			go onObserved(from)
		}
	}

	if nick == "" {
		return nil
	}

	s.mu.Lock()
	pt := s.presenceTracker
	s.mu.Unlock()
	if pt == nil {
		return nil
	}

	if presenceType == "unavailable" {
		pt.HandleUnavailable(room, nick)
		return nil
	}
	pt.HandleAvailable(room, nick, from, ext)
	return nil
}

// parsePresenceChildren consumes the remaining children of a <presence>
// element, decoding display-name (nick)/stats-id/audio-muted/video-muted;
// every other child, including the MUC x-user block, is skipped.
func (s *Session) parsePresenceChildren() (tracker.PresenceExtensions, error) {
	var ext tracker.PresenceExtensions

	depth := 1
	for depth > 0 {
		tok, err := s.dec.Token()
		if err != nil {
			return ext, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch t.Name.Local {
			case "nick":
				var v string
				if err := s.dec.DecodeElement(&v, &t); err == nil {
					ext.DisplayName = v
				}
				depth--
			case "stats-id":
				var v string
				if err := s.dec.DecodeElement(&v, &t); err == nil {
					ext.StatsID = v
				}
				depth--
			case "audiomuted":
				var v string
				if err := s.dec.DecodeElement(&v, &t); err == nil {
					ext.AudioMuted, _ = strconv.ParseBool(v)
				}
				depth--
			case "videomuted":
				var v string
				if err := s.dec.DecodeElement(&v, &t); err == nil {
					ext.VideoMuted, _ = strconv.ParseBool(v)
				}
				depth--
			}
		case xml.EndElement:
			depth--
		}
	}
	return ext, nil
}

// splitOccupantJID splits a MUC occupant full JID (room@service/nick) into
// its bare room address and nick resource.
func splitOccupantJID(full string) (room, nick string) {
	idx := strings.LastIndex(full, "/")
	if idx < 0 {
		return full, ""
	}
	return full[:idx], full[idx+1:]
}

// recomputeReady sets s.ready once the brewery MUC join presence has been
// sent (s.breweryJoined, set by JoinBreweryMUC; the server's echo of the
// join is not awaited) and a bridge occupant has been observed
// (s.bridgeJID non-empty). Callers must hold s.mu.
func (s *Session) recomputeReady() {
	s.ready = s.breweryJoined && s.bridgeJID != ""
}

// Ready reports whether both ready-gating conditions currently hold.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// BridgeJID returns the last-observed bridge occupant's full JID, or "" if
// none has been seen yet.
func (s *Session) BridgeJID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridgeJID
}

// SetOnBridgeObserved installs a callback fired (once, in its own
// goroutine) the first time a bridge occupant is observed in the brewery
// MUC — the trigger for the Bridge-Capability Prober (spec §4.G: "On
// discovering a bridge occupant, issues a disco-info query").
func (s *Session) SetOnBridgeObserved(fn func(bridgeJID string)) {
	s.mu.Lock()
	s.onBridgeObserved = fn
	s.mu.Unlock()
}

// Connected reports whether the underlying stream is still open. A Session
// only exists post-Dial, so this is always true until Close is called;
// Serve returning with an error is the caller's signal to treat the
// session as disconnected and tear it down.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

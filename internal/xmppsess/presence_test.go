package xmppsess

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/jitsi-tools/meet-recorder/internal/tracker"
)

func TestSplitOccupantJID(t *testing.T) {
	cases := []struct {
		in       string
		wantRoom string
		wantNick string
	}{
		{"room@conference.example.com/alice", "room@conference.example.com", "alice"},
		{"room@conference.example.com", "room@conference.example.com", ""},
	}
	for _, c := range cases {
		room, nick := splitOccupantJID(c.in)
		if room != c.wantRoom || nick != c.wantNick {
			t.Errorf("splitOccupantJID(%q) = (%q, %q), want (%q, %q)", c.in, room, nick, c.wantRoom, c.wantNick)
		}
	}
}

func TestRecomputeReadyRequiresBothConditions(t *testing.T) {
	s, _ := newTestSession(t)

	s.recomputeReady()
	if s.Ready() {
		t.Fatalf("expected not ready with neither condition set")
	}

	s.mu.Lock()
	s.breweryJoined = true
	s.recomputeReady()
	s.mu.Unlock()
	if s.Ready() {
		t.Fatalf("expected not ready with only brewery joined")
	}

	s.mu.Lock()
	s.bridgeJID = "jvb@example.com/jvb"
	s.recomputeReady()
	s.mu.Unlock()
	if !s.Ready() {
		t.Fatalf("expected ready once both conditions hold")
	}
}

type fakeTracker struct {
	available   []string
	unavailable []string
}

func (f *fakeTracker) HandleAvailable(room, nick, jid string, ext tracker.PresenceExtensions) {
	f.available = append(f.available, room+"/"+nick)
}

func (f *fakeTracker) HandleUnavailable(room, nick string) {
	f.unavailable = append(f.unavailable, room+"/"+nick)
}

func decodeOuterStart(t *testing.T, raw string) (xml.StartElement, *xml.Decoder) {
	t.Helper()
	dec := xml.NewDecoder(strings.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		t.Fatalf("read outer start: %v", err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		t.Fatalf("expected start element, got %T", tok)
	}
	return start, dec
}

func TestHandlePresenceRoutesAvailableToTracker(t *testing.T) {
	s, _ := newTestSession(t)
	ft := &fakeTracker{}
	s.SetPresenceTracker(ft)

	raw := `<presence from="room@conference.example.com/alice"><x xmlns="http://jabber.org/protocol/muc#user"/></presence>`
	start, dec := decodeOuterStart(t, raw)
	s.dec = dec

	if err := s.handlePresence(start); err != nil {
		t.Fatalf("handlePresence: %v", err)
	}
	if len(ft.available) != 1 || ft.available[0] != "room@conference.example.com/alice" {
		t.Fatalf("expected one available callback, got %+v", ft.available)
	}
}

func TestHandlePresenceRoutesUnavailableToTracker(t *testing.T) {
	s, _ := newTestSession(t)
	ft := &fakeTracker{}
	s.SetPresenceTracker(ft)

	raw := `<presence from="room@conference.example.com/alice" type="unavailable"></presence>`
	start, dec := decodeOuterStart(t, raw)
	s.dec = dec

	if err := s.handlePresence(start); err != nil {
		t.Fatalf("handlePresence: %v", err)
	}
	if len(ft.unavailable) != 1 || ft.unavailable[0] != "room@conference.example.com/alice" {
		t.Fatalf("expected one unavailable callback, got %+v", ft.unavailable)
	}
}

func TestHandlePresenceFiresOnBridgeObservedOnce(t *testing.T) {
	s, _ := newTestSession(t)

	observed := make(chan string, 2)
	s.SetOnBridgeObserved(func(bridgeJID string) {
		observed <- bridgeJID
	})

	raw := `<presence from="brewery@conference.example.com/jvb"></presence>`
	start, dec := decodeOuterStart(t, raw)
	s.dec = dec
	if err := s.handlePresence(start); err != nil {
		t.Fatalf("handlePresence: %v", err)
	}

	select {
	case jid := <-observed:
		if jid != "brewery@conference.example.com/jvb" {
			t.Fatalf("unexpected bridge jid: %q", jid)
		}
	case <-time.After(time.Second):
		t.Fatalf("onBridgeObserved was not called")
	}

	if s.BridgeJID() != "brewery@conference.example.com/jvb" {
		t.Fatalf("BridgeJID() = %q", s.BridgeJID())
	}

	// A second sighting of the same occupant must not re-fire the callback.
	raw2 := `<presence from="brewery@conference.example.com/jvb"></presence>`
	start2, dec2 := decodeOuterStart(t, raw2)
	s.dec = dec2
	if err := s.handlePresence(start2); err != nil {
		t.Fatalf("handlePresence (second): %v", err)
	}
	select {
	case jid := <-observed:
		t.Fatalf("onBridgeObserved fired again unexpectedly with %q", jid)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestParsePresenceChildrenDecodesJitsiExtensions(t *testing.T) {
	s, _ := newTestSession(t)
	raw := `<presence><nick xmlns="http://jabber.org/protocol/nick">Alice</nick>` +
		`<stats-id xmlns="http://jitsi.org/jitmeet/stats">alice-1</stats-id>` +
		`<audiomuted xmlns="http://jitsi.org/jitmeet/stats">true</audiomuted>` +
		`<videomuted xmlns="http://jitsi.org/jitmeet/stats">false</videomuted></presence>`
	_, dec := decodeOuterStart(t, raw)
	s.dec = dec

	ext, err := s.parsePresenceChildren()
	if err != nil {
		t.Fatalf("parsePresenceChildren: %v", err)
	}
	if ext.DisplayName != "Alice" || ext.StatsID != "alice-1" || !ext.AudioMuted || ext.VideoMuted {
		t.Fatalf("unexpected extensions: %+v", ext)
	}
}

func TestConnectedReflectsClosedState(t *testing.T) {
	s, _ := newTestSession(t)
	if !s.Connected() {
		t.Fatalf("expected Connected() true before close")
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.Connected() {
		t.Fatalf("expected Connected() false after close")
	}
}

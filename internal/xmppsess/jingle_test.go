package xmppsess

import (
	"bufio"
	"context"
	"encoding/xml"
	"strings"
	"testing"

	"github.com/jitsi-tools/meet-recorder/internal/jingle"
)

func readIQType(t *testing.T, conn interface{ Read([]byte) (int, error) }) string {
	t.Helper()
	r := bufio.NewReader(conn)
	dec := xml.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		t.Fatalf("read iq start: %v", err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		t.Fatalf("expected start element, got %T", tok)
	}
	for _, a := range start.Attr {
		if a.Name.Local == "type" {
			return a.Value
		}
	}
	return ""
}

func TestHandleSessionInitiateWithoutHandlerAcks(t *testing.T) {
	s, client := newTestSession(t)
	s.currentIQ = iqContext{id: "j1", from: "focus@example.com"}

	done := make(chan string, 1)
	go func() { done <- readIQType(t, client) }()

	offer := &jingle.Jingle{SID: "sid1", Initiator: "focus@example.com"}
	if err := s.handleSessionInitiate("room@conference.example.com", "focus@example.com", offer); err != nil {
		t.Fatalf("handleSessionInitiate: %v", err)
	}
	if got := <-done; got != "result" {
		t.Fatalf("expected bare result ack, got %q", got)
	}
}

func TestHandleSessionInitiateCallsHandlerAndForwardsBridgeSession(t *testing.T) {
	s, client := newTestSession(t)
	s.currentIQ = iqContext{id: "j2", from: "focus@example.com"}

	var gotRoom, gotSID string
	var gotMeetingID, gotName string
	s.jingleHandlers = JingleHandlers{
		OnSessionInitiate: func(ctx context.Context, room, sid, initiator string, offer *jingle.Jingle) (*jingle.Jingle, error) {
			gotRoom, gotSID = room, sid
			return &jingle.Jingle{Action: "session-accept", SID: sid}, nil
		},
		OnConferenceModify: func(meetingID, name string) {
			gotMeetingID, gotName = meetingID, name
		},
	}

	done := make(chan string, 1)
	go func() { done <- readIQType(t, client) }()

	offer := &jingle.Jingle{
		SID:           "sid2",
		Initiator:     "focus@example.com",
		BridgeSession: &jingle.BridgeSessionExt{ID: "meeting-42"},
	}
	if err := s.handleSessionInitiate("room@conference.example.com", "focus@example.com", offer); err != nil {
		t.Fatalf("handleSessionInitiate: %v", err)
	}
	if got := <-done; got != "result" {
		t.Fatalf("expected result iq carrying session-accept, got %q", got)
	}
	if gotRoom != "room@conference.example.com" || gotSID != "sid2" {
		t.Fatalf("handler not invoked with expected args: room=%q sid=%q", gotRoom, gotSID)
	}
	if gotMeetingID != "meeting-42" || gotName != "room@conference.example.com" {
		t.Fatalf("expected conference-modify forwarded from bridge-session, got meetingID=%q name=%q", gotMeetingID, gotName)
	}
}

func TestHandleTransportInfoAlwaysAcks(t *testing.T) {
	s, client := newTestSession(t)
	s.currentIQ = iqContext{id: "j3", from: "focus@example.com"}

	var appliedSID string
	s.jingleHandlers = JingleHandlers{
		OnTransportInfo: func(sid string, info *jingle.Jingle) error {
			appliedSID = sid
			return nil
		},
	}

	done := make(chan string, 1)
	go func() { done <- readIQType(t, client) }()

	if err := s.handleTransportInfo(&jingle.Jingle{SID: "sid3"}); err != nil {
		t.Fatalf("handleTransportInfo: %v", err)
	}
	if got := <-done; got != "result" {
		t.Fatalf("expected ack, got %q", got)
	}
	if appliedSID != "sid3" {
		t.Fatalf("expected handler invoked with sid3, got %q", appliedSID)
	}
}

func TestHandleConferenceModifyAlwaysAcksEvenOnDecodeFailure(t *testing.T) {
	s, client := newTestSession(t)
	s.currentIQ = iqContext{id: "j4", from: "focus@example.com"}

	called := false
	s.jingleHandlers = JingleHandlers{
		OnConferenceModify: func(meetingID, name string) { called = true },
	}

	done := make(chan string, 1)
	go func() { done <- readIQType(t, client) }()

	// Malformed payload: mismatched closing tag forces a decode error, but
	// the handler must still ack.
	dec := xml.NewDecoder(strings.NewReader(`<conference-modify xmlns="urn:xmpp:jitsi-videobridge:colibri2"><bogus></conference-modify>`))
	tok, err := dec.Token()
	if err != nil {
		t.Fatalf("read start: %v", err)
	}
	start := tok.(xml.StartElement)

	if err := s.handleConferenceModify(start, dec); err == nil {
		t.Fatalf("expected decode error to propagate")
	}
	if got := <-done; got != "result" {
		t.Fatalf("expected ack despite decode failure, got %q", got)
	}
	if called {
		t.Fatalf("handler should not be called when decode fails")
	}
}

func TestHandleConferenceModifyInvokesHandlerAndAcks(t *testing.T) {
	s, client := newTestSession(t)
	s.currentIQ = iqContext{id: "j5", from: "focus@example.com"}

	var gotMeetingID, gotName string
	s.jingleHandlers = JingleHandlers{
		OnConferenceModify: func(meetingID, name string) {
			gotMeetingID, gotName = meetingID, name
		},
	}

	done := make(chan string, 1)
	go func() { done <- readIQType(t, client) }()

	raw := `<conference-modify xmlns="urn:xmpp:jitsi-videobridge:colibri2" meeting-id="meeting-7" name="room@conference.example.com"/>`
	dec := xml.NewDecoder(strings.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		t.Fatalf("read start: %v", err)
	}
	start := tok.(xml.StartElement)

	if err := s.handleConferenceModify(start, dec); err != nil {
		t.Fatalf("handleConferenceModify: %v", err)
	}
	if got := <-done; got != "result" {
		t.Fatalf("expected ack, got %q", got)
	}
	if gotMeetingID != "meeting-7" || gotName != "room@conference.example.com" {
		t.Fatalf("unexpected handler args: meetingID=%q name=%q", gotMeetingID, gotName)
	}
}

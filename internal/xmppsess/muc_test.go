package xmppsess

import (
	"bufio"
	"encoding/xml"
	"strings"
	"testing"
)

func TestJoinBreweryMUCSendsJoinAndSelfPresence(t *testing.T) {
	s, client := newTestSession(t)

	read := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := client.Read(buf)
		read <- string(buf[:n])
	}()

	if err := s.JoinBreweryMUC(); err != nil {
		t.Fatalf("JoinBreweryMUC: %v", err)
	}

	out := <-read
	if !strings.Contains(out, `to="brewery@conference.example.com/recorder"`) {
		t.Fatalf("expected join presence addressed to brewery/nick, got %q", out)
	}
	if !strings.Contains(out, "audiomuted") || !strings.Contains(out, "videomuted") {
		t.Fatalf("expected self-presence mute flags in same write, got %q", out)
	}

	if !s.breweryJoined {
		t.Fatalf("expected breweryJoined=true")
	}
	if s.Ready() {
		t.Fatalf("expected not ready without a bridge occupant observed")
	}
}

func TestJoinConferenceMUCSendsJoinAndSelfPresence(t *testing.T) {
	s, client := newTestSession(t)

	read := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := client.Read(buf)
		read <- string(buf[:n])
	}()

	if err := s.JoinConferenceMUC("room@conference.example.com"); err != nil {
		t.Fatalf("JoinConferenceMUC: %v", err)
	}

	out := <-read
	if !strings.Contains(out, `to="room@conference.example.com/recorder-bot"`) {
		t.Fatalf("expected join presence addressed to room/recorder-bot, got %q", out)
	}
	if !strings.Contains(out, "audiomuted") || !strings.Contains(out, "videomuted") {
		t.Fatalf("expected self-presence mute flags in same write, got %q", out)
	}
}

func TestJoinConferenceMUCRequiresRoom(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.JoinConferenceMUC(""); err == nil {
		t.Fatalf("expected error when no room is given")
	}
}

func TestJoinBreweryMUCRequiresConfiguredRoom(t *testing.T) {
	s, _ := newTestSession(t)
	s.cfg.BreweryMUC = ""
	if err := s.JoinBreweryMUC(); err == nil {
		t.Fatalf("expected error when no brewery MUC is configured")
	}
}

func TestHandleDiscoInfoRepliesWithAdvertisedFeatures(t *testing.T) {
	s, client := newTestSession(t)
	s.currentIQ = iqContext{id: "disco1", from: "peer@example.com"}

	replyCh := make(chan discoInfoReply, 1)
	go func() {
		r := bufio.NewReader(client)
		dec := xml.NewDecoder(r)
		// Skip the <iq> start element, decode the <query> child.
		for {
			tok, err := dec.Token()
			if err != nil {
				return
			}
			if start, ok := tok.(xml.StartElement); ok && start.Name.Local == "query" {
				var reply discoInfoReply
				if err := dec.DecodeElement(&reply, &start); err == nil {
					replyCh <- reply
				}
				return
			}
		}
	}()

	raw := `<query xmlns="http://jabber.org/protocol/disco#info"/>`
	dec := xml.NewDecoder(strings.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		t.Fatalf("read query start: %v", err)
	}
	start := tok.(xml.StartElement)

	if err := s.handleDiscoInfo(start, dec); err != nil {
		t.Fatalf("handleDiscoInfo: %v", err)
	}

	reply := <-replyCh
	if len(reply.Identities) != 1 || reply.Identities[0].Category != "client" {
		t.Fatalf("unexpected identities: %+v", reply.Identities)
	}
	foundRecorderFeature := false
	for _, f := range reply.Features {
		if f.Var == recorderFeature {
			foundRecorderFeature = true
		}
	}
	if !foundRecorderFeature {
		t.Fatalf("expected recorder feature in reply, got %+v", reply.Features)
	}
	if len(reply.Features) != len(advertisedFeatures) {
		t.Fatalf("expected %d features, got %d", len(advertisedFeatures), len(reply.Features))
	}
}

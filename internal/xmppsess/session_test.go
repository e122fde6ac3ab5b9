package xmppsess

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"io"
	"strings"
	"testing"
)

func TestNegotiateStreamCapturesStreamID(t *testing.T) {
	s, client := newTestSession(t)

	go func() {
		// Drain the client's opening <stream:stream> tag, then reply with
		// our own, carrying an id attribute.
		buf := make([]byte, 4096)
		client.Read(buf)
		client.Write([]byte(`<stream:stream xmlns:stream="http://etherx.jabber.org/streams" id="stream-xyz">`))
	}()

	if err := s.negotiateStream(); err != nil {
		t.Fatalf("negotiateStream: %v", err)
	}
	if s.streamID != "stream-xyz" {
		t.Fatalf("expected streamID=stream-xyz, got %q", s.streamID)
	}
}

func TestHandshakeComponentSendsSHA1DigestAndAcceptsHandshake(t *testing.T) {
	s, client := newTestSession(t)
	s.streamID = "stream-1"
	s.cfg.ComponentSecret = "sekrit"

	digestCh := make(chan string, 1)
	go func() {
		r := bufio.NewReader(client)
		dec := xml.NewDecoder(r)
		tok, err := dec.Token()
		if err != nil {
			digestCh <- "error: " + err.Error()
			return
		}
		start := tok.(xml.StartElement)
		var digest string
		dec.DecodeElement(&digest, &start)
		digestCh <- digest
		client.Write([]byte(`<handshake/>`))
	}()

	if err := s.handshakeComponent(); err != nil {
		t.Fatalf("handshakeComponent: %v", err)
	}

	sum := sha1.Sum([]byte("stream-1" + "sekrit"))
	want := hex.EncodeToString(sum[:])
	if got := <-digestCh; got != want {
		t.Fatalf("digest = %q, want %q", got, want)
	}
}

func TestHandshakeComponentRejectedOnError(t *testing.T) {
	s, client := newTestSession(t)
	s.streamID = "stream-1"
	s.cfg.ComponentSecret = "sekrit"

	go func() {
		io.Copy(io.Discard, client)
	}()
	go func() {
		client.Write([]byte(`<error/>`))
	}()

	if err := s.handshakeComponent(); err == nil {
		t.Fatalf("expected error on <error/> handshake reply")
	}
}

func TestAuthPlainEncodesCredentialsAndBindsJID(t *testing.T) {
	s, client := newTestSession(t)
	s.cfg.Password = "hunter2"

	authCh := make(chan string, 1)
	go func() {
		r := bufio.NewReader(client)
		dec := xml.NewDecoder(r)
		tok, err := dec.Token()
		if err != nil {
			authCh <- "error: " + err.Error()
			return
		}
		start := tok.(xml.StartElement)
		var payload string
		dec.DecodeElement(&payload, &start)
		authCh <- payload
		client.Write([]byte(`<success/>`))
	}()

	if err := s.authPlain(); err != nil {
		t.Fatalf("authPlain: %v", err)
	}

	got, err := base64.StdEncoding.DecodeString(<-authCh)
	if err != nil {
		t.Fatalf("decode base64 auth payload: %v", err)
	}
	want := "\x00" + s.cfg.JID.Localpart() + "\x00hunter2"
	if string(got) != want {
		t.Fatalf("auth payload = %q, want %q", got, want)
	}
	if s.boundJID != s.cfg.JID {
		t.Fatalf("expected boundJID to be set to cfg.JID")
	}
}

func TestAuthPlainFailureReturnsError(t *testing.T) {
	s, client := newTestSession(t)
	go func() {
		io.Copy(io.Discard, client)
	}()
	go func() {
		client.Write([]byte(`<failure/>`))
	}()
	if err := s.authPlain(); err == nil {
		t.Fatalf("expected error on SASL failure")
	}
}

func TestXMLEscapeAttrEscapesSpecialCharacters(t *testing.T) {
	got := xmlEscapeAttr(`a"b<c>d&e`)
	if strings.ContainsAny(got, `"<>`) {
		t.Fatalf("expected special characters escaped, got %q", got)
	}
}

func TestCloseMarksSessionClosed(t *testing.T) {
	s, client := newTestSession(t)
	go io.Copy(io.Discard, client)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.Connected() {
		t.Fatalf("expected Connected() false after Close")
	}
}

func TestBoundJID(t *testing.T) {
	s, _ := newTestSession(t)
	s.boundJID = s.cfg.JID
	if s.BoundJID() != s.cfg.JID {
		t.Fatalf("BoundJID() mismatch")
	}
}

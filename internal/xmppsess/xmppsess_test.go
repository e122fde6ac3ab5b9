package xmppsess

import (
	"encoding/xml"
	"net"
	"testing"

	"github.com/jitsi-tools/meet-recorder/internal/logx"
	"mellium.im/xmpp/jid"
)

// newTestSession wires a Session directly to one end of a net.Pipe,
// bypassing Dial's TLS/handshake steps so handler logic can be exercised
// against hand-written XML fixtures written to the other end.
func newTestSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	logger, err := logx.New(logx.NewConfig())
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}

	testJID, err := jid.Parse("recorder@example.com")
	if err != nil {
		t.Fatalf("parse test jid: %v", err)
	}

	s := &Session{
		cfg: Config{
			Mode:       ModeClient,
			JID:        testJID,
			BreweryMUC: "brewery@conference.example.com",
		},
		conn:     serverConn,
		dec:      xml.NewDecoder(serverConn),
		enc:      xml.NewEncoder(serverConn),
		logger:   logger,
		dispatch: NewDispatch(),
		pending:  make(map[string]chan iqReply),
	}
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	return s, clientConn
}

// writeAsync writes raw XML fragments to conn from a goroutine, since
// net.Pipe is synchronous and the test's reads happen on the main
// goroutine via s.dec.
func writeAsync(t *testing.T, conn net.Conn, data string) {
	t.Helper()
	go func() {
		_, _ = conn.Write([]byte(data))
	}()
}

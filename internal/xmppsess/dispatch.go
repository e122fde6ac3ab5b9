package xmppsess

import (
	"encoding/xml"
	"fmt"
)

// stanzaKey identifies a registered handler: the stanza's namespace plus
// the local name of the child element that selects it (spec §4.F
// registers handlers for {jingle}action="session-initiate", etc — this
// recorder keys more coarsely, by namespace+local name of the stanza's
// payload child, and handlers inspect action/type attributes themselves).
type stanzaKey struct {
	space string
	local string
}

// StanzaHandler processes one inbound stanza's payload. dec is positioned
// to read the remainder of the payload element's children.
type StanzaHandler func(start xml.StartElement, dec *xml.Decoder) error

// Dispatch is the stanza-handler registry keyed by (namespace, local
// name) of a stanza's first child element.
type Dispatch struct {
	handlers map[stanzaKey]StanzaHandler
}

// NewDispatch builds an empty registry.
func NewDispatch() *Dispatch {
	return &Dispatch{handlers: make(map[stanzaKey]StanzaHandler)}
}

// Register binds a handler to (namespace, local).
func (d *Dispatch) Register(namespace, local string, h StanzaHandler) {
	d.handlers[stanzaKey{namespace, local}] = h
}

// Route looks up and invokes the handler for start's namespace/local name.
// If no handler is registered, Route returns nil (the stanza is ignored,
// matching spec §4.F's narrow registration list).
func (d *Dispatch) Route(start xml.StartElement, dec *xml.Decoder) error {
	h, ok := d.handlers[stanzaKey{start.Name.Space, start.Name.Local}]
	if !ok {
		return nil
	}
	return h(start, dec)
}

// Register installs h for (namespace, local) on the session's dispatch
// registry.
func (s *Session) Register(namespace, local string, h StanzaHandler) {
	s.dispatch.Register(namespace, local, h)
}

// Serve reads stanzas from the stream until a read error occurs: top-level <iq>/<presence>/<message> elements are decoded far
// enough to detect their single payload child, which is routed through the
// dispatch registry; IQ results/errors matching a pending SendIQ call are
// delivered there instead.
func (s *Session) Serve() error {
	for {
		tok, err := s.dec.Token()
		if err != nil {
			return fmt.Errorf("xmppsess: read token: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "iq":
			if err := s.handleIQ(start); err != nil {
				s.logger.Warn("xmppsess: iq handling error", "err", err)
			}
		case "presence":
			if err := s.handlePresence(start); err != nil {
				s.logger.Warn("xmppsess: presence handling error", "err", err)
			}
		case "message":
			if err := s.skipElement(); err != nil {
				return err
			}
		default:
			if err := s.skipElement(); err != nil {
				return err
			}
		}
	}
}

// skipElement consumes tokens up to and including the matching end
// element for the start element just read.
func (s *Session) skipElement() error {
	depth := 1
	for depth > 0 {
		tok, err := s.dec.Token()
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
	}
	return nil
}

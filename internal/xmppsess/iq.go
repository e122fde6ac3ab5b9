package xmppsess

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"sync/atomic"
)

var iqCounter uint64

func nextIQID() string {
	return fmt.Sprintf("rec-%d", atomic.AddUint64(&iqCounter, 1))
}

// SendIQ implements colibri.IQSender: it encodes payload as the IQ's single
// child, sends a `set`-type IQ to `to`, and blocks until a matching-id
// result or error IQ arrives or ctx is done. The returned decoder replays
// the result IQ's payload child so the caller can Decode into its own
// type; it is empty when the result carries no child.
func (s *Session) SendIQ(ctx context.Context, to string, payload any) (*xml.Decoder, error) {
	id := nextIQID()

	ch := make(chan iqReply, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.writeIQ("set", id, to, payload); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.isError {
			return nil, fmt.Errorf("xmppsess: iq %s returned error from %s", id, to)
		}
		return reply.dec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type iqReply struct {
	dec     *xml.Decoder
	isError bool
}

func (s *Session) writeIQ(iqType, id, to string, payload any) error {
	s.encMu.Lock()
	defer s.encMu.Unlock()

	start := xml.StartElement{
		Name: xml.Name{Local: "iq"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "type"}, Value: iqType},
			{Name: xml.Name{Local: "id"}, Value: id},
		},
	}
	if to != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: to})
	}

	if err := s.enc.EncodeToken(start); err != nil {
		return fmt.Errorf("xmppsess: encode iq open: %w", err)
	}
	if payload != nil {
		if err := s.enc.Encode(payload); err != nil {
			return fmt.Errorf("xmppsess: encode iq payload: %w", err)
		}
	}
	if err := s.enc.EncodeToken(xml.EndElement{Name: start.Name}); err != nil {
		return fmt.Errorf("xmppsess: encode iq close: %w", err)
	}
	return s.enc.Flush()
}

// replyIQResult sends a `result`-type IQ with no payload, acknowledging id
// back to from. Used by handlers (e.g. Colibri2 conference-modify) that
// must always ack before returning (spec §4.F, §5).
func (s *Session) replyIQResult(id, to string) error {
	return s.writeIQ("result", id, to, nil)
}

// handleIQ reads an <iq> element's attributes and single payload child. If
// the id matches a pending SendIQ call, the payload is delivered there;
// otherwise it is routed through the dispatch registry as an inbound
// request, which is responsible for acking with replyIQResult when
// required.
func (s *Session) handleIQ(start xml.StartElement) error {
	var id, iqType, from string
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "id":
			id = attr.Value
		case "type":
			iqType = attr.Value
		case "from":
			from = attr.Value
		}
	}

	childTok, err := nextNonCharData(s.dec)
	if err != nil {
		return err
	}
	childStart, ok := childTok.(xml.StartElement)
	if !ok {
		// IQ with no payload child (e.g. bare result ack); childTok was the
		// closing </iq>. A pending SendIQ still receives the reply, with a
		// decoder over an empty payload.
		if iqType == "result" || iqType == "error" {
			s.pendingMu.Lock()
			ch, waiting := s.pending[id]
			s.pendingMu.Unlock()
			if waiting {
				ch <- iqReply{dec: xml.NewDecoder(bytes.NewReader(nil)), isError: iqType == "error"}
			}
		}
		return nil
	}

	dec, err := captureElement(s.dec, childStart)
	if err != nil {
		return fmt.Errorf("xmppsess: capture iq payload: %w", err)
	}

	if iqType == "result" || iqType == "error" {
		s.pendingMu.Lock()
		ch, waiting := s.pending[id]
		s.pendingMu.Unlock()
		if waiting {
			ch <- iqReply{dec: dec, isError: iqType == "error"}
			return nil
		}
		return nil
	}

	s.currentIQ = iqContext{id: id, from: from}
	routeErr := s.dispatch.Route(childStart, dec)
	s.currentIQ = iqContext{}
	if routeErr != nil {
		return fmt.Errorf("xmppsess: dispatch iq %s: %w", childStart.Name.Local, routeErr)
	}

	if (iqType == "set" || iqType == "get") && !s.dispatch.handled(childStart) {
		// No handler registered for this payload — fall back to a bare ack
		// so well-behaved peers never wait on an unanswered IQ. When a
		// handler is registered, any reply is left to that handler.
		return s.replyIQResult(id, from)
	}
	return nil
}

// iqContext holds the id/from of the <iq> currently being dispatched, so a
// StanzaHandler invoked from Route can reply without threading those two
// values through every handler signature. Serve's read loop is strictly
// sequential, so there is at most one in-flight dispatch at a time.
type iqContext struct {
	id   string
	from string
}

// replyIQPayload sends a `result`-type IQ carrying payload as its child,
// addressed back to the IQ currently being dispatched. Handlers that need
// to answer with more than a bare ack (disco#info, Colibri2
// conference-modify) call this instead of relying on handleIQ's fallback.
func (s *Session) replyIQPayload(payload any) error {
	return s.writeIQ("result", s.currentIQ.id, s.currentIQ.from, payload)
}

// handled reports whether a handler is registered for start — used to
// decide whether handleIQ's fallback ack applies.
func (d *Dispatch) handled(start xml.StartElement) bool {
	_, ok := d.handlers[stanzaKey{start.Name.Space, start.Name.Local}]
	return ok
}

// nextNonCharData skips whitespace-only CharData tokens and returns the
// next structurally meaningful token.
func nextNonCharData(dec *xml.Decoder) (xml.Token, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if cd, ok := tok.(xml.CharData); ok && len(bytes.TrimSpace(cd)) == 0 {
			continue
		}
		return tok, nil
	}
}

// captureElement re-serializes start and every token up to its matching
// end element into a standalone buffer, returning a fresh *xml.Decoder
// over it. This lets SendIQ/handleIQ hand callers a Decoder whose Decode
// call behaves as if reading from the start of a document, without
// requiring the stdlib decoder's DecodeElement (which needs the start
// token passed alongside it rather than folded into the stream).
func captureElement(dec *xml.Decoder, start xml.StartElement) (*xml.Decoder, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)

	if err := enc.EncodeToken(start); err != nil {
		return nil, err
	}
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		}
		if err := enc.EncodeToken(tok); err != nil {
			return nil, err
		}
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return xml.NewDecoder(&buf), nil
}

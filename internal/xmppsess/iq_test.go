package xmppsess

import (
	"encoding/xml"
	"strings"
	"testing"
)

func TestNextIQIDIsUniqueAndMonotonic(t *testing.T) {
	first := nextIQID()
	second := nextIQID()
	if first == second {
		t.Fatalf("expected distinct ids, got %q twice", first)
	}
	if !strings.HasPrefix(first, "rec-") || !strings.HasPrefix(second, "rec-") {
		t.Fatalf("expected rec- prefixed ids, got %q, %q", first, second)
	}
}

func TestNextNonCharDataSkipsWhitespace(t *testing.T) {
	dec := xml.NewDecoder(strings.NewReader("   \n\t <payload/>"))
	tok, err := nextNonCharData(dec)
	if err != nil {
		t.Fatalf("nextNonCharData: %v", err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != "payload" {
		t.Fatalf("expected <payload/> start element, got %#v", tok)
	}
}

func TestCaptureElementReplaysAsStandaloneDocument(t *testing.T) {
	dec := xml.NewDecoder(strings.NewReader(`<query xmlns="urn:test"><item id="1"/><item id="2"/></query><after/>`))

	tok, err := dec.Token()
	if err != nil {
		t.Fatalf("read start token: %v", err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		t.Fatalf("expected start element, got %T", tok)
	}

	captured, err := captureElement(dec, start)
	if err != nil {
		t.Fatalf("captureElement: %v", err)
	}

	type item struct {
		ID string `xml:"id,attr"`
	}
	type query struct {
		XMLName xml.Name `xml:"urn:test query"`
		Items   []item   `xml:"item"`
	}
	var q query
	if err := captured.Decode(&q); err != nil {
		t.Fatalf("decode captured element: %v", err)
	}
	if len(q.Items) != 2 || q.Items[0].ID != "1" || q.Items[1].ID != "2" {
		t.Fatalf("unexpected decoded query: %+v", q)
	}

	// The original decoder should be positioned right after </query>, able
	// to read the sibling element that follows it in the stream.
	next, err := dec.Token()
	if err != nil {
		t.Fatalf("read token after capture: %v", err)
	}
	if after, ok := next.(xml.StartElement); !ok || after.Name.Local != "after" {
		t.Fatalf("expected <after/> next in original stream, got %#v", next)
	}
}

func TestWriteIQAndReplyIQResultRoundTrip(t *testing.T) {
	s, client := newTestSession(t)

	done := make(chan string, 1)
	go func() {
		dec := xml.NewDecoder(client)
		tok, err := dec.Token()
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			done <- "not a start element"
			return
		}
		for _, a := range start.Attr {
			if a.Name.Local == "type" {
				done <- a.Value
				return
			}
		}
		done <- "no type attr"
	}()

	if err := s.replyIQResult("abc123", "peer@example.com"); err != nil {
		t.Fatalf("replyIQResult: %v", err)
	}

	if got := <-done; got != "result" {
		t.Fatalf("expected type=result iq, got %q", got)
	}
}

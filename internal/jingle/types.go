// Package jingle implements the bidirectional Jingle<->SDP translation
// described in spec §4.A: XEP-0166/0167 Jingle content/description/
// transport elements on one side, SDP offer/answer text on the other, plus
// SSRC extraction (XEP-0339 SSMA).
package jingle

import "encoding/xml"

// Namespaces this package reads and writes.
const (
	NSJingle     = "urn:xmpp:jingle:1"
	NSRTP        = "urn:xmpp:jingle:apps:rtp:1"
	NSRTPHdrExt  = "urn:xmpp:jingle:apps:rtp:rtp-hdrext:0"
	NSICEUDP     = "urn:xmpp:jingle:transports:ice-udp:1"
	NSDTLS       = "urn:xmpp:jingle:apps:dtls:0"
	NSSSMA       = "urn:xmpp:jingle:apps:rtp:ssma:0"
	NSGroup      = "urn:xmpp:jingle:apps:grouping:0"
	NSBridgeSession = "http://jitsi.org/protocol/focus"
)

// Jingle is the top-level XEP-0166 element, used both for inbound
// session-initiate and outbound session-accept stanzas.
type Jingle struct {
	XMLName   xml.Name      `xml:"urn:xmpp:jingle:1 jingle"`
	Action    string        `xml:"action,attr"`
	Initiator string        `xml:"initiator,attr,omitempty"`
	Responder string        `xml:"responder,attr,omitempty"`
	SID       string        `xml:"sid,attr"`
	BridgeSession *BridgeSessionExt `xml:"http://jitsi.org/protocol/focus bridge-session,omitempty"`
	Group     *Group        `xml:"urn:xmpp:jingle:apps:grouping:0 group,omitempty"`
	Contents  []Content     `xml:"content"`
}

// BridgeSessionExt carries the bridge's conference id, the first of the
// three sources the Room -> conference-ID map draws from (spec §3, §4.H).
type BridgeSessionExt struct {
	XMLName xml.Name `xml:"http://jitsi.org/protocol/focus bridge-session"`
	ID      string   `xml:"id,attr"`
}

// Group carries BUNDLE grouping semantics across contents.
type Group struct {
	XMLName  xml.Name        `xml:"urn:xmpp:jingle:apps:grouping:0 group"`
	Semantics string         `xml:"semantics,attr"`
	Contents []GroupContent  `xml:"content"`
}

// GroupContent is a single mid placeholder inside a Group.
type GroupContent struct {
	XMLName xml.Name `xml:"content"`
	Name    string   `xml:"name,attr"`
}

// Content is one XEP-0166 <content>: a named media leg carrying an RTP
// description and an ICE-UDP transport.
type Content struct {
	XMLName     xml.Name        `xml:"content"`
	Creator     string          `xml:"creator,attr"`
	Name        string          `xml:"name,attr"`
	Senders     string          `xml:"senders,attr,omitempty"`
	Description *RTPDescription `xml:"urn:xmpp:jingle:apps:rtp:1 description,omitempty"`
	Transport   *ICEUDPTransport `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport,omitempty"`
}

// RTPDescription is the XEP-0167 <description> element.
type RTPDescription struct {
	XMLName      xml.Name      `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Media        string        `xml:"media,attr"`
	PayloadTypes []PayloadType `xml:"payload-type"`
	Sources      []Source      `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source,omitempty"`
}

// PayloadType is one negotiable RTP codec.
type PayloadType struct {
	XMLName    xml.Name    `xml:"payload-type"`
	ID         int         `xml:"id,attr"`
	Name       string      `xml:"name,attr"`
	Clockrate  int         `xml:"clockrate,attr,omitempty"`
	Channels   int         `xml:"channels,attr,omitempty"`
	Parameters []Parameter `xml:"parameter,omitempty"`
	RTCPFB     []RTCPFeedback `xml:"urn:xmpp:jingle:apps:rtp:rtcp-fb:0 rtcp-fb,omitempty"`
}

// Parameter is a codec-specific fmtp key/value pair.
type Parameter struct {
	XMLName xml.Name `xml:"parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// RTCPFeedback describes one supported RTCP feedback mechanism for a codec.
type RTCPFeedback struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:rtp:rtcp-fb:0 rtcp-fb"`
	Type    string   `xml:"type,attr"`
	Subtype string   `xml:"subtype,attr,omitempty"`
}

// Source is one XEP-0339 SSMA <source> inside an RTP description.
type Source struct {
	XMLName    xml.Name         `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SSRC       string           `xml:"ssrc,attr"`
	Parameters []SourceParameter `xml:"parameter"`
}

// SourceParameter is one name/value pair on an SSMA source (cname, msid,
// mslabel, label).
type SourceParameter struct {
	XMLName xml.Name `xml:"parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// ICEUDPTransport is the XEP-0176 <transport>.
type ICEUDPTransport struct {
	XMLName     xml.Name     `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
	Ufrag       string       `xml:"ufrag,attr,omitempty"`
	Pwd         string       `xml:"pwd,attr,omitempty"`
	Candidates  []Candidate  `xml:"candidate,omitempty"`
	Fingerprint *Fingerprint `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint,omitempty"`
}

// Candidate is one ICE-UDP transport candidate.
type Candidate struct {
	XMLName    xml.Name `xml:"candidate"`
	Component  int      `xml:"component,attr"`
	Foundation string   `xml:"foundation,attr"`
	Generation int      `xml:"generation,attr,omitempty"`
	ID         string   `xml:"id,attr,omitempty"`
	IP         string   `xml:"ip,attr"`
	Network    int      `xml:"network,attr,omitempty"`
	Port       int      `xml:"port,attr"`
	Priority   uint32   `xml:"priority,attr"`
	Protocol   string   `xml:"protocol,attr"`
	Type       string   `xml:"type,attr"`
	RelAddr    string   `xml:"rel-addr,attr,omitempty"`
	RelPort    int      `xml:"rel-port,attr,omitempty"`
}

// Fingerprint is the XEP-0320 DTLS fingerprint.
type Fingerprint struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Hash    string   `xml:"hash,attr"`
	Setup   string   `xml:"setup,attr"`
	Value   string   `xml:",chardata"`
}

// nonMediaCodecs lists codec names excluded from m= payload-type lists
// because they are not themselves a media encoding (spec §4.A).
var nonMediaCodecs = map[string]bool{
	"rtx":    true,
	"red":    true,
	"ulpfec": true,
}

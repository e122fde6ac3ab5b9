package jingle

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// JingleToSDP renders jingle as a single SDP offer/answer blob per the
// session and media-level rules: fixed session lines, one m= section per
// content carrying both an RTP description and an ICE-UDP transport, CRLF
// line endings throughout with a trailing CRLF.
func JingleToSDP(j *Jingle) string {
	var b strings.Builder
	writeLine(&b, "v=0")
	writeLine(&b, "o=- 0 0 IN IP4 0.0.0.0")
	writeLine(&b, "s=-")
	writeLine(&b, "t=0 0")

	var mids []string
	for _, c := range j.Contents {
		if c.Description != nil && c.Transport != nil {
			mids = append(mids, c.Name)
		}
	}
	if len(mids) > 0 {
		writeLine(&b, "a=group:BUNDLE "+strings.Join(mids, " "))
	}

	for _, c := range j.Contents {
		if c.Description == nil || c.Transport == nil {
			continue
		}
		writeContentSDP(&b, c)
	}

	return b.String()
}

func writeLine(b *strings.Builder, s string) {
	b.WriteString(s)
	b.WriteString("\r\n")
}

func writeContentSDP(b *strings.Builder, c Content) {
	desc := c.Description
	transport := c.Transport

	var pts []string
	for _, pt := range desc.PayloadTypes {
		if nonMediaCodecs[strings.ToLower(pt.Name)] {
			continue
		}
		pts = append(pts, strconv.Itoa(pt.ID))
	}

	writeLine(b, fmt.Sprintf("m=%s 9 UDP/TLS/RTP/SAVPF %s", desc.Media, strings.Join(pts, " ")))
	writeLine(b, "c=IN IP4 0.0.0.0")

	if transport.Ufrag != "" {
		writeLine(b, "a=ice-ufrag:"+transport.Ufrag)
	}
	if transport.Pwd != "" {
		writeLine(b, "a=ice-pwd:"+transport.Pwd)
	}
	if transport.Fingerprint != nil {
		fp := transport.Fingerprint
		writeLine(b, fmt.Sprintf("a=fingerprint:%s %s", fp.Hash, fp.Value))
		setup := fp.Setup
		if setup == "" {
			setup = "actpass"
		}
		writeLine(b, "a=setup:"+setup)
	}

	writeLine(b, "a=mid:"+c.Name)
	writeLine(b, "a="+direction(c.Senders))
	writeLine(b, "a=rtcp-mux")

	for _, pt := range desc.PayloadTypes {
		rtpmap := fmt.Sprintf("a=rtpmap:%d %s/%d", pt.ID, pt.Name, pt.Clockrate)
		if pt.Channels > 1 {
			rtpmap += fmt.Sprintf("/%d", pt.Channels)
		}
		writeLine(b, rtpmap)

		if len(pt.Parameters) > 0 {
			pairs := make([]string, 0, len(pt.Parameters))
			for _, p := range pt.Parameters {
				pairs = append(pairs, p.Name+"="+p.Value)
			}
			writeLine(b, fmt.Sprintf("a=fmtp:%d %s", pt.ID, strings.Join(pairs, ";")))
		}

		for _, fb := range pt.RTCPFB {
			if fb.Subtype != "" {
				writeLine(b, fmt.Sprintf("a=rtcp-fb:%d %s %s", pt.ID, fb.Type, fb.Subtype))
			} else {
				writeLine(b, fmt.Sprintf("a=rtcp-fb:%d %s", pt.ID, fb.Type))
			}
		}
	}
}

// CandidateSDPString renders a trickled ICE-UDP candidate in the SDP
// candidate-attribute form pion's AddICECandidate expects, e.g.
// "candidate:1 1 udp 2130706431 10.0.0.1 9 typ host generation 0".
func CandidateSDPString(c Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority, c.IP, c.Port, c.Type)
	if c.RelAddr != "" {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelAddr, c.RelPort)
	}
	fmt.Fprintf(&b, " generation %d", c.Generation)
	return b.String()
}

// direction maps a Jingle senders attribute to its SDP direction attribute.
func direction(senders string) string {
	switch senders {
	case "both":
		return "sendrecv"
	case "initiator":
		return "recvonly"
	case "responder":
		return "sendonly"
	default:
		return "recvonly"
	}
}

var (
	rtpmapRe = regexp.MustCompile(`^(\d+) ([\w-]+)/(\d+)(?:/(\d+))?$`)
	fmtpRe   = regexp.MustCompile(`^(\d+) (.+)$`)
	rtcpfbRe = regexp.MustCompile(`^(\d+) (\S+)(?: (\S+))?$`)
)

// mediaSection is one parsed m= block: its media kind, payload-type order,
// and the a= lines that belong to it.
type mediaSection struct {
	media string
	mid   string
	pts   []int
	attrs map[string][]string // attr name -> raw values, in appearance order
}

// SDPToJingleAccept parses sdp (an SDP offer) and builds the session-accept
// Jingle that answers it: a BUNDLE group naming every mid, and one content
// per media section carrying the full payload-type/parameter/rtcp-fb set,
// ufrag/pwd, and a fingerprint whose setup is always "active" (the offer's
// a=setup value is not read, so an actpass offer is answered with active).
func SDPToJingleAccept(sdp, sid, initiator, responder string) (*Jingle, error) {
	sections, err := parseMediaSections(sdp)
	if err != nil {
		return nil, err
	}

	j := &Jingle{
		Action:    "session-accept",
		Initiator: initiator,
		Responder: responder,
		SID:       sid,
	}

	var group Group
	group.Semantics = "BUNDLE"

	for _, sec := range sections {
		mid := sec.mid
		if mid == "" {
			mid = sec.media
		}
		group.Contents = append(group.Contents, GroupContent{Name: mid})

		content := Content{
			Creator: "initiator",
			Name:    mid,
			Senders: "both",
			Description: &RTPDescription{
				Media: sec.media,
			},
			Transport: &ICEUDPTransport{},
		}

		for _, ptID := range sec.pts {
			pt := PayloadType{ID: ptID}
			for _, rtpmap := range sec.attrs["rtpmap"] {
				m := rtpmapRe.FindStringSubmatch(rtpmap)
				if m == nil || atoi(m[1]) != ptID {
					continue
				}
				pt.Name = m[2]
				pt.Clockrate = atoi(m[3])
				if m[4] != "" {
					pt.Channels = atoi(m[4])
				}
			}
			for _, fmtp := range sec.attrs["fmtp"] {
				m := fmtpRe.FindStringSubmatch(fmtp)
				if m == nil || atoi(m[1]) != ptID {
					continue
				}
				for _, pair := range strings.Split(m[2], ";") {
					kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
					if len(kv) == 2 {
						pt.Parameters = append(pt.Parameters, Parameter{Name: kv[0], Value: kv[1]})
					}
				}
			}
			for _, fb := range sec.attrs["rtcp-fb"] {
				m := rtcpfbRe.FindStringSubmatch(fb)
				if m == nil || atoi(m[1]) != ptID {
					continue
				}
				pt.RTCPFB = append(pt.RTCPFB, RTCPFeedback{Type: m[2], Subtype: m[3]})
			}
			content.Description.PayloadTypes = append(content.Description.PayloadTypes, pt)
		}

		if len(sec.attrs["ice-ufrag"]) > 0 {
			content.Transport.Ufrag = firstValue(sec.attrs["ice-ufrag"])
		}
		if len(sec.attrs["ice-pwd"]) > 0 {
			content.Transport.Pwd = firstValue(sec.attrs["ice-pwd"])
		}
		if len(sec.attrs["fingerprint"]) > 0 {
			parts := strings.SplitN(firstValue(sec.attrs["fingerprint"]), " ", 2)
			fp := &Fingerprint{Setup: "active"}
			if len(parts) == 2 {
				fp.Hash = parts[0]
				fp.Value = parts[1]
			}
			content.Transport.Fingerprint = fp
		}

		j.Contents = append(j.Contents, content)
	}

	j.Group = &group
	return j, nil
}

func firstValue(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// parseMediaSections splits sdp into one mediaSection per m= line and
// collects the a= attributes that follow each one, up to the next m= line.
func parseMediaSections(sdp string) ([]mediaSection, error) {
	normalized := strings.ReplaceAll(sdp, "\r\n", "\n")
	lines := strings.Split(normalized, "\n")

	var sections []mediaSection
	var cur *mediaSection

	mLine := regexp.MustCompile(`^m=(\S+) \d+ \S+ (.*)$`)
	aLine := regexp.MustCompile(`^a=([a-zA-Z0-9-]+):?(.*)$`)

	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if m := mLine.FindStringSubmatch(line); m != nil {
			if cur != nil {
				sections = append(sections, *cur)
			}
			var pts []int
			for _, f := range strings.Fields(m[2]) {
				pts = append(pts, atoi(f))
			}
			cur = &mediaSection{media: m[1], pts: pts, attrs: make(map[string][]string)}
			continue
		}
		if cur == nil {
			continue
		}
		if m := aLine.FindStringSubmatch(line); m != nil {
			name, val := m[1], strings.TrimSpace(m[2])
			if name == "mid" {
				cur.mid = val
			}
			cur.attrs[name] = append(cur.attrs[name], val)
		}
	}
	if cur != nil {
		sections = append(sections, *cur)
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("jingle: no m= sections found in SDP")
	}
	return sections, nil
}

// Package tracker maintains the live room/participant state driven by MUC
// presence and Jingle session-initiate traffic (spec §4.E): join/leave
// bookkeeping, the SSRC-to-participant binding heuristic, and forwarder
// request triggering.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jitsi-tools/meet-recorder/internal/jingle"
	"github.com/jitsi-tools/meet-recorder/internal/logx"
	"github.com/jitsi-tools/meet-recorder/internal/model"
)

// SelfNick is excluded from join/leave tracking and from SSRC-binding
// candidates — it is the recorder's own MUC occupant identity.
const SelfNick = "recorder-bot"

// conferenceIDPollInterval/Attempts implement the 5s (25x200ms) wait for a
// room's bridge conference ID to appear before falling back to the room's
// short name (spec §4.E).
const (
	conferenceIDPollInterval = 200 * time.Millisecond
	conferenceIDPollAttempts = 25
)

// JoinHook is called when a new participant becomes available in a room.
type JoinHook func(room string, p *model.Participant)

// LeaveHook is called when a participant becomes unavailable.
type LeaveHook func(room string, nick string)

// ForwarderRequester allocates a Forwarder for a bound participant,
// resolving the room's bridge conference ID via conferenceID first
// (component H's room→conference-id map), falling back to the room short
// name when the lookup misses (spec §4.E). Implemented by the
// orchestrator via the Colibri allocator (component B).
type ForwarderRequester interface {
	RequestForwarder(ctx context.Context, room, conferenceID, participantID string, ssrc model.SSRCInfo) (*model.Forwarder, error)
}

// ConferenceIDLookup resolves a room's bridge conference id from the
// room↔conference-id map maintained by component F/H.
type ConferenceIDLookup func(room string) (string, bool)

// Tracker holds room JID → nick → Participant state.
type Tracker struct {
	logger *logx.Logger

	mu    sync.Mutex
	rooms map[string]map[string]*model.Participant
	order map[string][]string // room -> nicks in join order

	joinHooks  []JoinHook
	leaveHooks []LeaveHook

	requester    ForwarderRequester
	lookupConfID ConferenceIDLookup
}

// New builds a Tracker. requester and lookupConfID may be nil until the
// orchestrator wires them in (tests exercise binding/hook logic without
// them).
func New(logger *logx.Logger, requester ForwarderRequester, lookupConfID ConferenceIDLookup) *Tracker {
	return &Tracker{
		logger:       logger,
		rooms:        make(map[string]map[string]*model.Participant),
		order:        make(map[string][]string),
		requester:    requester,
		lookupConfID: lookupConfID,
	}
}

// OnJoin registers a hook fired after a participant is recorded as joined.
func (t *Tracker) OnJoin(h JoinHook) { t.joinHooks = append(t.joinHooks, h) }

// OnLeave registers a hook fired after a participant is recorded as left.
func (t *Tracker) OnLeave(h LeaveHook) { t.leaveHooks = append(t.leaveHooks, h) }

// PresenceExtensions carries the Jitsi-namespaced presence children parsed
// from an `available` presence (spec §4.E, §6 Jitsi presence extensions).
type PresenceExtensions struct {
	StatsID     string
	AudioMuted  bool
	VideoMuted  bool
	DisplayName string
}

// HandleAvailable records a join for room/nick, unless nick is the
// recorder's own identity.
func (t *Tracker) HandleAvailable(room, nick, jid string, ext PresenceExtensions) {
	if nick == SelfNick {
		return
	}

	t.mu.Lock()
	if t.rooms[room] == nil {
		t.rooms[room] = make(map[string]*model.Participant)
	}
	p := &model.Participant{
		JID:         jid,
		Nick:        nick,
		DisplayName: ext.DisplayName,
		StatsID:     ext.StatsID,
		AudioMuted:  ext.AudioMuted,
		VideoMuted:  ext.VideoMuted,
		JoinedAt:    time.Now(),
	}
	t.rooms[room][nick] = p
	t.order[room] = append(t.order[room], nick)
	t.mu.Unlock()

	t.logger.Debugc(logx.CategoryMUC, "tracker: participant joined", "room", room, "nick", nick)
	for _, h := range t.joinHooks {
		h(room, p)
	}
}

// HandleUnavailable records a leave and removes the participant's entry.
func (t *Tracker) HandleUnavailable(room, nick string) {
	if nick == SelfNick {
		return
	}

	t.mu.Lock()
	if participants, ok := t.rooms[room]; ok {
		delete(participants, nick)
	}
	if order, ok := t.order[room]; ok {
		t.order[room] = removeString(order, nick)
	}
	t.mu.Unlock()

	t.logger.Debugc(logx.CategoryMUC, "tracker: participant left", "room", room, "nick", nick)
	for _, h := range t.leaveHooks {
		h(room, nick)
	}
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// isExcludedFromBinding reports whether jid is ineligible as an SSRC-binding
// target: contains "focus" or "jibri", or is exactly the recorder's own
// nick (SelfNick).
func isExcludedFromBinding(jid string) bool {
	lower := strings.ToLower(jid)
	return strings.Contains(lower, "focus") || strings.Contains(lower, "jibri") || lower == SelfNick
}

// BindSessionInitiate implements the SSRC binding heuristic: given the
// SSRC map extracted from a Jingle session-initiate originating from room,
// picks the most-recently-joined eligible unbound participant and assigns
// the SSRCs to it. Returns the bound participant, or nil if none was
// eligible.
func (t *Tracker) BindSessionInitiate(room string, ssrcs map[string]model.SSRCInfo) *model.Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	order := t.order[room]
	participants := t.rooms[room]
	if participants == nil {
		return nil
	}

	for i := len(order) - 1; i >= 0; i-- {
		nick := order[i]
		p, ok := participants[nick]
		if !ok {
			continue
		}
		if isExcludedFromBinding(p.JID) {
			continue
		}
		if p.HasSSRCs() {
			continue
		}
		p.SSRCs = ssrcs
		t.logger.Debugc(logx.CategoryJingle, "tracker: bound ssrcs to participant", "room", room, "nick", nick)
		return p
	}
	return nil
}

// BindAndRequestForwarder binds the session-initiate's SSRCs to a
// participant (see BindSessionInitiate) and, if binding succeeded,
// immediately requests a forwarder for it: it waits up to 5s for the
// room's bridge conference id to appear, falling back to the room's own
// name (short-name fallback) if it never does.
func (t *Tracker) BindAndRequestForwarder(ctx context.Context, room string, j *jingle.Jingle) (*model.Participant, error) {
	ssrcs := jingle.ExtractSSRCs(j)
	p := t.BindSessionInitiate(room, ssrcs)
	if p == nil {
		return nil, nil
	}
	if t.requester == nil {
		return p, nil
	}

	conferenceID := t.resolveConferenceID(room)

	var primary model.SSRCInfo
	for _, info := range ssrcs {
		primary = info
		break
	}

	fwd, err := t.requester.RequestForwarder(ctx, room, conferenceID, p.Nick, primary)
	if err != nil {
		return p, fmt.Errorf("tracker: request forwarder for %s: %w", p.Nick, err)
	}

	t.mu.Lock()
	p.Forwarder = fwd
	t.mu.Unlock()

	return p, nil
}

// resolveConferenceID polls the conference-id lookup for up to 5s
// (25x200ms) before falling back to the room's own short name (the part
// of the room JID before '@').
func (t *Tracker) resolveConferenceID(room string) string {
	short := room
	if i := strings.Index(room, "@"); i >= 0 {
		short = room[:i]
	}
	if t.lookupConfID == nil {
		return short
	}
	for i := 0; i < conferenceIDPollAttempts; i++ {
		if id, ok := t.lookupConfID(room); ok && id != "" {
			return id
		}
		time.Sleep(conferenceIDPollInterval)
	}
	return short
}

// ResolvedParticipant is the input contract (4.C) shape for one
// participant with both an SSRC and a Forwarder.
type ResolvedParticipant struct {
	ID        string
	Name      string
	JID       string
	RTPURL    string
	SSRC      uint32
	Forwarder *model.Forwarder
}

// GetParticipantsWithForwarders returns every participant of room that has
// both an SSRC binding and a Forwarder, shaped for the capture supervisor.
func (t *Tracker) GetParticipantsWithForwarders(room string) []ResolvedParticipant {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []ResolvedParticipant
	for nick, p := range t.rooms[room] {
		if !p.HasSSRCs() || p.Forwarder == nil {
			continue
		}
		var ssrc uint32
		for _, info := range p.SSRCs {
			ssrc = info.SSRC
			break
		}
		out = append(out, ResolvedParticipant{
			ID:        nick,
			Name:      p.DisplayName,
			JID:       p.JID,
			RTPURL:    fmt.Sprintf("rtp://%s:%d", p.Forwarder.BridgeHost, p.Forwarder.BridgePort),
			SSRC:      ssrc,
			Forwarder: p.Forwarder,
		})
	}
	return out
}

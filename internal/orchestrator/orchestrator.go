// Package orchestrator owns the recorder's top-level state (spec §4.H):
// recording ID ↔ room ↔ capture job ↔ allocation session, input-resolution
// precedence, dynamic segment rotation, and strict stop ordering.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jitsi-tools/meet-recorder/internal/bridgehttp"
	"github.com/jitsi-tools/meet-recorder/internal/capture"
	"github.com/jitsi-tools/meet-recorder/internal/colibri"
	"github.com/jitsi-tools/meet-recorder/internal/jingle"
	"github.com/jitsi-tools/meet-recorder/internal/logx"
	"github.com/jitsi-tools/meet-recorder/internal/manifest"
	"github.com/jitsi-tools/meet-recorder/internal/model"
	"github.com/jitsi-tools/meet-recorder/internal/tracker"
	"github.com/jitsi-tools/meet-recorder/internal/xerr"
)

const captureBinary = "ffmpeg"

// timeLayout is the UTC timestamp format used for segment sub-directories
// (spec §4.H: "YYYYMMDDThhmmssZ").
const timeLayout = "20060102T150405Z"

// AllocationSession records what (if anything) was allocated on the bridge
// for one recording, so stop() knows how to release it (spec §3, §4.H).
type AllocationSession struct {
	BridgeJID   string
	Room        string
	EndpointIDs []string
	ViaXMPP     bool
}

// XMPPGateway is the narrow seam into component F that the orchestrator
// needs: whether the bot is in a room, the bridge JID to allocate against,
// the identity it answers Jingle stanzas as, and the conference-MUC join
// operation the /test/join-conference route drives (spec §4.F).
type XMPPGateway interface {
	Ready() bool
	BridgeJID() string
	LocalJID() string
	JoinConferenceMUC(room string) error
}

// InputSpec is one explicit caller-supplied RTP input (spec §6
// `{inputs?}` body field).
type InputSpec struct {
	ID       string
	Name     string
	RTPURL   string
	Filename string
}

// StartRequest is the normalized shape of a POST /recordings body (spec
// §6).
type StartRequest struct {
	Room         string
	Mix          bool
	Participants []string
	Inputs       []InputSpec
	UseColibri   bool
}

// Orchestrator is the top-level recording-state owner.
type Orchestrator struct {
	logger         *logx.Logger
	recordingsRoot string

	gateway       XMPPGateway
	tracker       *tracker.Tracker
	allocator     *colibri.Allocator
	dialect       func() colibri.Dialect
	bridgeHTTP    *bridgehttp.Client
	recorderWS    string
	captureBinary string

	mu                sync.Mutex
	captureJobs       map[string]*capture.Job
	allocations       map[string]*AllocationSession
	roomToRecID       map[string]string
	recordings        map[string]*model.Recording
	dynamicRecordings map[string]bool
	peerConns         map[string]*jingle.PeerConnection
}

// Deps bundles the Orchestrator's collaborators.
type Deps struct {
	Logger         *logx.Logger
	RecordingsRoot string
	Gateway        XMPPGateway
	Tracker        *tracker.Tracker
	Allocator      *colibri.Allocator
	Dialect        func() colibri.Dialect
	BridgeHTTP     *bridgehttp.Client
	RecorderWSURL  string
	// CaptureBinary overrides the subprocess binary captured jobs run,
	// defaulting to captureBinary ("ffmpeg"). Tests substitute a real but
	// trivial binary to exercise the capture lifecycle without ffmpeg.
	CaptureBinary string
}

// New builds an Orchestrator and registers the dynamic-segment-rotation
// hook on deps.Tracker.
func New(deps Deps) *Orchestrator {
	binary := deps.CaptureBinary
	if binary == "" {
		binary = captureBinary
	}
	o := &Orchestrator{
		logger:         deps.Logger,
		recordingsRoot: deps.RecordingsRoot,
		gateway:        deps.Gateway,
		tracker:        deps.Tracker,
		allocator:      deps.Allocator,
		dialect:        deps.Dialect,
		bridgeHTTP:     deps.BridgeHTTP,
		recorderWS:     deps.RecorderWSURL,
		captureBinary:  binary,
		captureJobs:       make(map[string]*capture.Job),
		allocations:       make(map[string]*AllocationSession),
		roomToRecID:       make(map[string]string),
		recordings:        make(map[string]*model.Recording),
		dynamicRecordings: make(map[string]bool),
		peerConns:         make(map[string]*jingle.PeerConnection),
	}
	if deps.Tracker != nil {
		deps.Tracker.OnJoin(func(room string, _ *model.Participant) { o.onParticipantChange(room) })
		deps.Tracker.OnLeave(func(room string, _ string) { o.onParticipantChange(room) })
	}
	return o
}

// Start resolves inputs, assigns a fresh recording ID, builds and persists
// the manifest, and starts the capture job (spec §4.H).
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*model.Recording, error) {
	if req.Room == "" {
		return nil, xerr.BadRequest("room is required")
	}

	inputs, alloc, dynamic, err := o.resolveInputs(ctx, req)
	if err != nil {
		return nil, err
	}

	recID := uuid.NewString()
	outDir := filepath.Join(o.recordingsRoot, req.Room, nowUTCStamp())

	rec := &model.Recording{
		ID:           recID,
		Room:         req.Room,
		StartedAt:    stampTime(),
		OutputDir:    outDir,
		Mix:          req.Mix,
		Participants: snapshotsFromInputs(inputs),
		SegmentDirs:  []string{outDir},
		Status:       model.StatusStarting,
	}

	if err := o.startSegment(ctx, rec, inputs); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.recordings[recID] = rec
	o.roomToRecID[req.Room] = recID
	if alloc != nil {
		o.allocations[recID] = alloc
	}
	if dynamic {
		o.dynamicRecordings[recID] = true
	}
	o.mu.Unlock()

	rec.Status = model.StatusRunning
	return rec, nil
}

// startSegment builds the capture command, starts the job, and writes the
// manifest for rec's current OutputDir/Participants. Used both by Start
// and by dynamic segment rotation.
func (o *Orchestrator) startSegment(ctx context.Context, rec *model.Recording, inputs []InputSpec) error {
	captureInputs := make([]capture.CaptureInput, 0, len(inputs))
	for _, in := range inputs {
		captureInputs = append(captureInputs, capture.CaptureInput{
			RTPURL:       in.RTPURL,
			AudioFilename: in.Filename,
		})
	}
	args := capture.BuildCommand(captureInputs, rec.OutputDir, rec.Mix)

	job := capture.NewJob(o.captureBinary, args, rec.OutputDir, o.logger)
	if err := job.Start(ctx); err != nil {
		return xerr.Upstream("start capture job", err)
	}

	m := manifest.New(rec)
	if err := manifest.Write(m); err != nil {
		job.Stop()
		return xerr.Internal("write manifest", err)
	}

	o.mu.Lock()
	o.captureJobs[rec.ID] = job
	o.mu.Unlock()
	return nil
}

// Stop terminates the capture job, finalizes its manifest, releases the
// allocation, and removes all table entries — in that order (spec §5).
func (o *Orchestrator) Stop(ctx context.Context, recID string) error {
	o.mu.Lock()
	rec, ok := o.recordings[recID]
	job := o.captureJobs[recID]
	alloc := o.allocations[recID]
	o.mu.Unlock()
	if !ok {
		return xerr.NotFound(fmt.Sprintf("no recording %q", recID))
	}

	if job != nil {
		job.Stop()
	}

	endedAt := stampTime()
	var logsTail string
	if job != nil {
		logsTail = job.TailString()
	}
	if err := manifest.Finalize(rec.OutputDir, endedAt, logsTail); err != nil {
		o.logger.Warn("orchestrator: manifest finalize failed", "recording", recID, "err", err)
	}

	o.releaseAllocation(ctx, alloc)

	o.mu.Lock()
	delete(o.captureJobs, recID)
	delete(o.allocations, recID)
	delete(o.recordings, recID)
	delete(o.roomToRecID, rec.Room)
	delete(o.dynamicRecordings, recID)
	o.mu.Unlock()

	rec.Status = model.StatusStopped
	return nil
}

// releaseAllocation is best-effort: failures are logged and swallowed
// (spec §4.B, §4.H).
func (o *Orchestrator) releaseAllocation(ctx context.Context, alloc *AllocationSession) {
	if alloc == nil || o.allocator == nil {
		return
	}
	for _, endpointID := range alloc.EndpointIDs {
		if alloc.ViaXMPP {
			switch o.dialect() {
			case colibri.DialectV2:
				o.allocator.ReleaseV2(ctx, alloc.BridgeJID, alloc.Room, endpointID)
			case colibri.DialectV1:
				o.allocator.ReleaseV1(ctx, alloc.BridgeJID, alloc.Room, "audio", endpointID)
			}
		}
		// HTTP-fallback allocations have no first-class release call in
		// this deployment's debug/REST surface; the bridge times out the
		// endpoint on its own once RTP stops flowing.
	}
}

// Refresh is stop followed by start with the inherited room and updated
// inputs, reusing recID for continuity (spec §4.H).
func (o *Orchestrator) Refresh(ctx context.Context, recID string, req StartRequest) (*model.Recording, error) {
	o.mu.Lock()
	existing, ok := o.recordings[recID]
	o.mu.Unlock()
	if !ok {
		return nil, xerr.NotFound(fmt.Sprintf("no recording %q", recID))
	}
	room := existing.Room
	if req.Room == "" {
		req.Room = room
	}

	if err := o.Stop(ctx, recID); err != nil {
		return nil, err
	}

	inputs, alloc, dynamic, err := o.resolveInputs(ctx, req)
	if err != nil {
		return nil, err
	}

	rec := &model.Recording{
		ID:           recID,
		Room:         req.Room,
		StartedAt:    stampTime(),
		OutputDir:    filepath.Join(o.recordingsRoot, req.Room, nowUTCStamp()),
		Mix:          req.Mix,
		Participants: snapshotsFromInputs(inputs),
		Status:       model.StatusStarting,
	}
	if err := o.startSegment(ctx, rec, inputs); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.recordings[recID] = rec
	o.roomToRecID[req.Room] = recID
	if alloc != nil {
		o.allocations[recID] = alloc
	}
	if dynamic {
		o.dynamicRecordings[recID] = true
	} else {
		delete(o.dynamicRecordings, recID)
	}
	o.mu.Unlock()

	rec.Status = model.StatusRunning
	return rec, nil
}

// Get returns a snapshot of a recording's current state.
func (o *Orchestrator) Get(recID string) (*model.Recording, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.recordings[recID]
	return rec, ok
}

// FindByRoom returns the active recording for room, or nil if none is
// running (used by the /api/record/stop room-addressed route).
func (o *Orchestrator) FindByRoom(room string) *model.Recording {
	o.mu.Lock()
	defer o.mu.Unlock()
	recID, ok := o.roomToRecID[room]
	if !ok {
		return nil
	}
	return o.recordings[recID]
}

// JoinConferenceMUC joins the recorder into room's conference MUC (spec
// §4.F, §6 POST /test/join-conference) so tracker.HandleAvailable/
// HandleUnavailable start observing its occupants' presence.
func (o *Orchestrator) JoinConferenceMUC(room string) error {
	if room == "" {
		return xerr.BadRequest("room is required")
	}
	if o.gateway == nil {
		return xerr.Unavailable("xmpp gateway not configured", nil)
	}
	if err := o.gateway.JoinConferenceMUC(room); err != nil {
		return xerr.Upstream("join conference muc", err)
	}
	return nil
}

// HandleSessionInitiate implements xmppsess.SessionInitiateHandler: it binds
// the offer's SSRCs to a tracked participant and requests a forwarder for
// it (spec §4.E), then performs the session's actual media-plane handshake
// — translating the Jingle offer to SDP, answering it with a local
// PeerConnection, and translating the answer back to a session-accept
// Jingle (spec §1, §4.A).
func (o *Orchestrator) HandleSessionInitiate(ctx context.Context, room, sid, initiator string, offer *jingle.Jingle) (*jingle.Jingle, error) {
	if o.tracker != nil && room != "" {
		if _, err := o.tracker.BindAndRequestForwarder(ctx, room, offer); err != nil {
			o.logger.Warn("orchestrator: bind/request forwarder failed", "room", room, "sid", sid, "err", err)
		}
	}

	pc, err := jingle.NewPeerConnection(sid, o.logger.Logger)
	if err != nil {
		return nil, xerr.Internal("create peer connection", err)
	}

	answerSDP, err := pc.Answer(ctx, jingle.JingleToSDP(offer))
	if err != nil {
		pc.Close()
		return nil, xerr.Upstream("answer jingle session-initiate", err)
	}

	var responder string
	if o.gateway != nil {
		responder = o.gateway.LocalJID()
	}
	accept, err := jingle.SDPToJingleAccept(answerSDP, sid, initiator, responder)
	if err != nil {
		pc.Close()
		return nil, xerr.Internal("translate answer back to jingle", err)
	}

	o.mu.Lock()
	o.peerConns[sid] = pc
	o.mu.Unlock()

	return accept, nil
}

// HandleTransportInfo implements xmppsess.TransportInfoHandler: it trickles
// every candidate in info to the PeerConnection HandleSessionInitiate
// created for sid.
func (o *Orchestrator) HandleTransportInfo(sid string, info *jingle.Jingle) error {
	o.mu.Lock()
	pc, ok := o.peerConns[sid]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: no peer connection for jingle session %s", sid)
	}

	for _, c := range info.Contents {
		if c.Transport == nil {
			continue
		}
		mid := c.Name
		for _, cand := range c.Transport.Candidates {
			if err := pc.AddICECandidate(jingle.CandidateSDPString(cand), &mid, nil); err != nil {
				return fmt.Errorf("orchestrator: add ice candidate for sid %s: %w", sid, err)
			}
		}
	}
	return nil
}

// resolveInputs implements the four-step precedence of spec §4.H. The bool
// return reports whether the resolved input set is tracker-driven (step 2,
// auto-discovery): only those recordings should react to later participant
// joins/leaves, since their input set is, by construction, whatever the
// tracker currently resolves. Explicit inputs (step 1) and a fixed
// participant-list allocation (step 3) are static by design.
func (o *Orchestrator) resolveInputs(ctx context.Context, req StartRequest) ([]InputSpec, *AllocationSession, bool, error) {
	if len(req.Inputs) > 0 {
		return req.Inputs, nil, false, nil
	}

	if o.gateway != nil && o.gateway.Ready() && o.tracker != nil {
		resolved := o.tracker.GetParticipantsWithForwarders(req.Room)
		if len(resolved) > 0 {
			inputs := make([]InputSpec, 0, len(resolved))
			for _, p := range resolved {
				inputs = append(inputs, InputSpec{
					ID:       p.ID,
					Name:     p.Name,
					RTPURL:   p.RTPURL,
					Filename: model.AudioFilename(p.Name, p.ID),
				})
			}
			return inputs, nil, true, nil
		}
	}

	if len(req.Participants) > 0 && o.gateway != nil && o.gateway.Ready() && o.allocator != nil {
		inputs, alloc, err := o.allocateForParticipants(ctx, req)
		return inputs, alloc, false, err
	}

	if o.bridgeHTTP != nil {
		inputs, alloc, err := o.resolveViaHTTPFallback(ctx, req)
		return inputs, alloc, false, err
	}

	return nil, nil, false, xerr.Unavailable("no input source available: xmpp not ready and no HTTP fallback configured", nil)
}

// allocateForParticipants allocates one forwarder per named participant via
// (4.B), per spec §4.H precedence step 3.
func (o *Orchestrator) allocateForParticipants(ctx context.Context, req StartRequest) ([]InputSpec, *AllocationSession, error) {
	dialect := colibri.DialectNone
	if o.dialect != nil {
		dialect = o.dialect()
	}
	if dialect == colibri.DialectNone {
		return nil, nil, xerr.ProtocolUnsupported("bridge advertises neither colibri v1 nor v2")
	}

	bridgeJID := o.gateway.BridgeJID()
	alloc := &AllocationSession{BridgeJID: bridgeJID, Room: req.Room, ViaXMPP: true}
	inputs := make([]InputSpec, 0, len(req.Participants))

	for _, participantID := range req.Participants {
		switch dialect {
		case colibri.DialectV2:
			result, err := o.allocator.AllocateV2(ctx, bridgeJID, req.Room, participantID)
			if err != nil {
				return nil, nil, xerr.Upstream(fmt.Sprintf("allocate v2 endpoint for %s", participantID), err)
			}
			alloc.EndpointIDs = append(alloc.EndpointIDs, participantID)
			inputs = append(inputs, InputSpec{
				ID:       participantID,
				RTPURL:   fmt.Sprintf("rtp://%s:%d", result.Candidate.IP, result.Candidate.Port),
				Filename: model.AudioFilename("", participantID),
			})
		case colibri.DialectV1:
			result, err := o.allocator.AllocateV1(ctx, bridgeJID, req.Room, participantID)
			if err != nil {
				return nil, nil, xerr.Upstream(fmt.Sprintf("allocate v1 channel for %s", participantID), err)
			}
			alloc.EndpointIDs = append(alloc.EndpointIDs, result.ChannelID)
			var ip string
			var port int
			if len(result.Candidates) > 0 {
				ip, port = result.Candidates[0].IP, result.Candidates[0].Port
			}
			inputs = append(inputs, InputSpec{
				ID:       participantID,
				RTPURL:   fmt.Sprintf("rtp://%s:%d", ip, port),
				Filename: model.AudioFilename("", participantID),
			})
		}
	}
	return inputs, alloc, nil
}

// resolveViaHTTPFallback resolves the room's conference id over HTTP when
// XMPP is unavailable (spec §4.H precedence step 4). It only locates the
// conference and enables multitrack export to the recorder's WebSocket
// sink; the HTTP surface has no per-endpoint allocation call, so it
// returns no per-participant RTP inputs.
func (o *Orchestrator) resolveViaHTTPFallback(ctx context.Context, req StartRequest) ([]InputSpec, *AllocationSession, error) {
	confID, err := o.bridgeHTTP.ResolveConferenceID(ctx, req.Room, req.Room)
	if err != nil {
		return nil, nil, xerr.Upstream("resolve conference id via debug endpoint", err)
	}

	if err := o.bridgeHTTP.PatchMultitrack(ctx, confID, o.recorderWS); err != nil {
		if bridgehttp.IsNotFound(err) {
			confID, err = o.bridgeHTTP.ResolveConferenceID(ctx, req.Room, req.Room)
			if err == nil {
				err = o.bridgeHTTP.PatchMultitrack(ctx, confID, o.recorderWS)
			}
		}
		if err != nil {
			return nil, nil, xerr.Upstream("patch multitrack export", err)
		}
	}

	return nil, &AllocationSession{Room: req.Room, ViaXMPP: false}, nil
}

// onParticipantChange implements dynamic segment rotation (spec §4.H): for
// a room whose running recording was started by tracker auto-discovery
// (input-resolution precedence step 2), stop the current capture job and
// start a new one in a fresh timestamped sub-directory with the updated
// participant list, reusing the recording ID. An empty updated list fully
// stops the recording. Recordings started with explicit inputs or a fixed
// participant-list allocation have a static input set by design and are
// left alone — an unrelated occupant joining or leaving the room must not
// tear down a recording whose inputs were never tracker-resolved.
func (o *Orchestrator) onParticipantChange(room string) {
	o.mu.Lock()
	recID, ok := o.roomToRecID[room]
	dynamic := ok && o.dynamicRecordings[recID]
	o.mu.Unlock()
	if !ok || !dynamic {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved := o.tracker.GetParticipantsWithForwarders(room)
	if len(resolved) == 0 {
		if err := o.Stop(ctx, recID); err != nil {
			o.logger.Warn("orchestrator: segment rotation stop failed", "room", room, "err", err)
		}
		return
	}

	inputs := make([]InputSpec, 0, len(resolved))
	for _, p := range resolved {
		inputs = append(inputs, InputSpec{
			ID:       p.ID,
			Name:     p.Name,
			RTPURL:   p.RTPURL,
			Filename: model.AudioFilename(p.Name, p.ID),
		})
	}

	o.mu.Lock()
	rec := o.recordings[recID]
	oldJob := o.captureJobs[recID]
	o.mu.Unlock()
	if rec == nil {
		return
	}

	if oldJob != nil {
		oldJob.Stop()
	}

	rec.OutputDir = filepath.Join(o.recordingsRoot, room, nowUTCStamp())
	rec.SegmentDirs = append(rec.SegmentDirs, rec.OutputDir)
	rec.Participants = snapshotsFromInputs(inputs)

	if err := o.startSegment(ctx, rec, inputs); err != nil {
		o.logger.Warn("orchestrator: segment rotation restart failed", "room", room, "err", err)
	}
}

func snapshotsFromInputs(inputs []InputSpec) []model.ParticipantSnapshot {
	out := make([]model.ParticipantSnapshot, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, model.ParticipantSnapshot{
			ID:          in.ID,
			DisplayName: in.Name,
			AudioFile:   in.Filename,
			RTPURL:      in.RTPURL,
		})
	}
	return out
}

func stampTime() time.Time { return time.Now().UTC() }

func nowUTCStamp() string { return stampTime().Format(timeLayout) }

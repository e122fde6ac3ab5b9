// Package api is the thin control-plane boundary described in spec §6: it
// translates HTTP requests into Orchestrator operations and maps the
// xerr.Kind taxonomy to status codes. Grounded on the teacher pack's
// chi-based HTTP server shape (envelope responses, readJSON/writeJSON
// helpers, auth middleware).
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jitsi-tools/meet-recorder/internal/logx"
	"github.com/jitsi-tools/meet-recorder/internal/model"
	"github.com/jitsi-tools/meet-recorder/internal/orchestrator"
	"github.com/jitsi-tools/meet-recorder/internal/xerr"
)

const maxRequestBodySize = 1 << 20

// HealthGateway is the narrow seam into component F that /health reports
// on.
type HealthGateway interface {
	Ready() bool
	BridgeJID() string
	Connected() bool
}

// Server mounts the recorder's HTTP control plane.
type Server struct {
	router       *chi.Mux
	orchestrator *orchestrator.Orchestrator
	gateway      HealthGateway
	logger       *logx.Logger

	apiSecret  string
	breweryMUC string
	simulation bool
}

// Deps bundles the Server's collaborators.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Gateway      HealthGateway
	Logger       *logx.Logger
	APISecret    string
	BreweryMUC   string
	SimulateColibri2 bool
}

// NewServer builds a Server with all routes mounted.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		orchestrator: deps.Orchestrator,
		gateway:      deps.Gateway,
		logger:       deps.Logger,
		apiSecret:    deps.APISecret,
		breweryMUC:   deps.BreweryMUC,
		simulation:   deps.SimulateColibri2,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/recordings", s.handleCreateRecording)
		r.Get("/recordings/{id}", s.handleGetRecording)
		r.Delete("/recordings/{id}", s.handleDeleteRecording)
		r.Post("/recordings/{id}/refresh", s.handleRefreshRecording)
		r.Post("/api/record/start", s.handleRecordStart)
		r.Post("/api/record/stop", s.handleRecordStop)
		r.Post("/test/join-conference", s.handleTestJoinConference)
	})
}

// authMiddleware enforces X-Auth-Token against the configured secret (spec
// §6). When no secret is configured, every request passes — the recorder
// has no secret to compare against.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiSecret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing X-Auth-Token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthXMPP struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	BridgeJID string `json:"bridge_jid"`
}

type healthResponse struct {
	Status         string     `json:"status"`
	XMPP           healthXMPP `json:"xmpp"`
	SimulationMode bool       `json:"simulation_mode"`
	BreweryMUC     string     `json:"brewery_muc"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", SimulationMode: s.simulation, BreweryMUC: s.breweryMUC}
	if s.gateway != nil {
		resp.XMPP = healthXMPP{Enabled: true, Connected: s.gateway.Connected(), BridgeJID: s.gateway.BridgeJID()}
	}
	writeJSON(w, http.StatusOK, resp)
}

type createRecordingRequest struct {
	Room         string                    `json:"room"`
	Mix          bool                      `json:"mix"`
	Participants []string                  `json:"participants"`
	Inputs       []orchestrator.InputSpec  `json:"inputs"`
	UseColibri   bool                      `json:"use_colibri"`
}

func toStartRequest(req createRecordingRequest) orchestrator.StartRequest {
	return orchestrator.StartRequest{
		Room:         req.Room,
		Mix:          req.Mix,
		Participants: req.Participants,
		Inputs:       req.Inputs,
		UseColibri:   req.UseColibri,
	}
}

type recordingResponse struct {
	ID       string              `json:"id"`
	Status   model.RecordingStatus `json:"status"`
	Manifest any                 `json:"manifest"`
}

func recordingResponseFrom(rec *model.Recording) recordingResponse {
	return recordingResponse{ID: rec.ID, Status: rec.Status, Manifest: rec}
}

func (s *Server) handleCreateRecording(w http.ResponseWriter, r *http.Request) {
	var req createRecordingRequest
	if msg := readJSON(w, r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Room == "" {
		writeError(w, http.StatusBadRequest, "room is required")
		return
	}

	rec, err := s.orchestrator.Start(r.Context(), toStartRequest(req))
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordingResponseFrom(rec))
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.orchestrator.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no such recording")
		return
	}
	writeJSON(w, http.StatusOK, recordingResponseFrom(rec))
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orchestrator.Stop(r.Context(), id); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "stopped"})
}

func (s *Server) handleRefreshRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req createRecordingRequest
	if msg := readJSON(w, r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	rec, err := s.orchestrator.Refresh(r.Context(), id, toStartRequest(req))
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordingResponseFrom(rec))
}

type roomIDRequest struct {
	RoomID string `json:"room_id"`
}

func (s *Server) handleRecordStart(w http.ResponseWriter, r *http.Request) {
	var req roomIDRequest
	if msg := readJSON(w, r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	rec, err := s.orchestrator.Start(r.Context(), orchestrator.StartRequest{Room: req.RoomID})
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "recording",
		"room":    rec.Room,
		"message": "recording started",
	})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, r *http.Request) {
	var req roomIDRequest
	if msg := readJSON(w, r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	// /api/record/stop addresses recordings by room, not id; look up via
	// the short-name index the same way the orchestrator's own segment
	// rotation does.
	rec := s.orchestrator.FindByRoom(req.RoomID)
	if rec == nil {
		writeError(w, http.StatusInternalServerError, "no active recording for room")
		return
	}
	if err := s.orchestrator.Stop(r.Context(), rec.ID); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "room": req.RoomID})
}

func (s *Server) handleTestJoinConference(w http.ResponseWriter, r *http.Request) {
	var req roomIDRequest
	if msg := readJSON(w, r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.orchestrator.JoinConferenceMUC(req.RoomID); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined", "room": req.RoomID})
}

// writeOrchestratorError maps an xerr.Kind to the HTTP status taxonomy of
// spec §7.
func (s *Server) writeOrchestratorError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerr.KindOf(err) {
	case xerr.KindBadRequest:
		status = http.StatusBadRequest
	case xerr.KindAuthentication:
		status = http.StatusUnauthorized
	case xerr.KindNotFound:
		status = http.StatusNotFound
	case xerr.KindUnavailable:
		status = http.StatusServiceUnavailable
	case xerr.KindProtocolUnsupported:
		status = http.StatusNotImplemented
	case xerr.KindUpstream:
		status = http.StatusBadGateway
	case xerr.KindConfiguration, xerr.KindInternal:
		status = http.StatusInternalServerError
	}
	writeError(w, status, err.Error())
}

type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logx.Default().Warn("api: failed to encode json response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		logx.Default().Warn("api: failed to encode json error response", "err", err)
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) string {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return "invalid request body"
	}
	return ""
}

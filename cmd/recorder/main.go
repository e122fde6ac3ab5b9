package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jitsi-tools/meet-recorder/internal/api"
	"github.com/jitsi-tools/meet-recorder/internal/bridgehttp"
	"github.com/jitsi-tools/meet-recorder/internal/colibri"
	"github.com/jitsi-tools/meet-recorder/internal/config"
	"github.com/jitsi-tools/meet-recorder/internal/logx"
	"github.com/jitsi-tools/meet-recorder/internal/orchestrator"
	"github.com/jitsi-tools/meet-recorder/internal/tracker"
	"github.com/jitsi-tools/meet-recorder/internal/xmppsess"
	"mellium.im/xmpp/jid"
)

const shutdownGrace = 5 * time.Second

func main() {
	fs := flag.NewFlagSet("recorder", flag.ExitOnError)
	logFlags := logx.RegisterFlags(fs)
	addr := fs.String("addr", ":8080", "HTTP control-plane listen address")
	fs.Parse(os.Args[1:])

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		log.Fatalf("recorder: invalid logging flags: %v", err)
	}
	logger, err := logx.New(logCfg)
	if err != nil {
		log.Fatalf("recorder: init logger: %v", err)
	}
	defer logger.Close()
	logx.SetDefault(logger)
	logger.Info("starting meet-recorder", "flags", logFlags.String())

	cfg, err := config.Load()
	if err != nil {
		logger.Error("recorder: configuration error", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessCfg := xmppsess.Config{
		Addr:       cfg.XMPP.Host + ":" + cfg.XMPP.Port,
		Domain:     cfg.XMPP.Domain,
		BreweryMUC: cfg.XMPP.BreweryMUC,
	}
	if cfg.XMPP.IsComponentMode() {
		sessCfg.Mode = xmppsess.ModeComponent
		sessCfg.ComponentSecret = cfg.XMPP.ComponentSecret
		sessCfg.Domain = cfg.XMPP.ComponentJID
	} else {
		sessCfg.Mode = xmppsess.ModeClient
		sessCfg.Password = cfg.XMPP.Password
		if parsed, err := jid.Parse(cfg.XMPP.JID); err == nil {
			sessCfg.JID = parsed
		} else {
			logger.Error("recorder: invalid XMPP_JID", "err", err)
			os.Exit(1)
		}
	}

	sess, err := xmppsess.Dial(ctx, sessCfg, logger)
	if err != nil {
		logger.Error("recorder: xmpp dial failed", "err", err)
		os.Exit(1)
	}

	allocator := colibri.NewAllocator(sess, logger.Logger)

	var dialectMu sync.Mutex
	dialect := colibri.DialectNone
	dialectFn := func() colibri.Dialect {
		dialectMu.Lock()
		defer dialectMu.Unlock()
		return dialect
	}
	sess.SetOnBridgeObserved(func(bridgeJID string) {
		caps, err := sess.ProbeBridgeCapabilities(ctx, bridgeJID)
		if err != nil {
			logger.Warn("recorder: bridge capability probe failed", "err", err)
			return
		}
		dialectMu.Lock()
		dialect = colibri.ChooseDialect(caps.SupportsColibriV1, caps.SupportsColibriV2)
		dialectMu.Unlock()
		logger.Info("recorder: bridge capabilities probed", "v1", caps.SupportsColibriV1, "v2", caps.SupportsColibriV2)
	})

	// conferenceIDs is the room->bridge-conference-id map learned from
	// Colibri2 conference-modify stanzas (spec §3, §4.E/H). The tracker
	// polls it while resolving a forwarder request; the Jingle handler
	// below populates it as conference-modify stanzas arrive.
	conferenceIDs := newConferenceIDMap()

	forwarderRequester := orchestrator.NewForwarderRequester(sess, allocator, dialectFn)
	trk := tracker.New(logger, forwarderRequester, conferenceIDs.lookup)
	sess.SetPresenceTracker(trk)

	var bridgeClient *bridgehttp.Client
	if cfg.Bridge.RESTURL != "" {
		bridgeClient = bridgehttp.NewClient(cfg.Bridge.RESTURL, logger)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Logger:         logger,
		RecordingsRoot: cfg.RecordingsPath,
		Gateway:        sess,
		Tracker:        trk,
		Allocator:      allocator,
		Dialect:        dialectFn,
		BridgeHTTP:     bridgeClient,
		RecorderWSURL:  cfg.RecorderWSURL,
	})

	sess.SetJingleHandlers(xmppsess.JingleHandlers{
		OnSessionInitiate: orch.HandleSessionInitiate,
		OnTransportInfo:   orch.HandleTransportInfo,
		OnConferenceModify: func(meetingID, room string) {
			conferenceIDs.upsert(room, meetingID)
			logger.Debugc(logx.CategoryColibri, "recorder: conference-modify learned", "meeting_id", meetingID, "room", room)
		},
		RoomForSID: func(sid, fromJID string) string {
			// The focus addresses session-initiate/transport-info from the
			// conference room's own MUC occupant JID (room@conference.domain/focus).
			if idx := strings.Index(fromJID, "/"); idx >= 0 {
				return fromJID[:idx]
			}
			return fromJID
		},
	})

	go func() {
		if err := sess.Serve(); err != nil {
			logger.Warn("recorder: xmpp serve loop ended", "err", err)
		}
	}()
	if err := sess.Start(ctx); err != nil {
		logger.Error("recorder: xmpp session_start failed", "err", err)
		os.Exit(1)
	}

	server := api.NewServer(api.Deps{
		Orchestrator:     orch,
		Gateway:          sess,
		Logger:           logger,
		APISecret:        cfg.APISecret,
		BreweryMUC:       cfg.XMPP.BreweryMUC,
		SimulateColibri2: cfg.SimulateColibri2,
	})

	httpServer := &http.Server{Addr: *addr, Handler: server}
	go func() {
		logger.Info("recorder: control plane listening", "addr", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("recorder: http server error", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("recorder: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	closeDone := make(chan error, 1)
	go func() { closeDone <- sess.Close() }()
	select {
	case err := <-closeDone:
		if err != nil {
			logger.Warn("recorder: xmpp close error", "err", err)
		}
	case <-time.After(shutdownGrace):
		logger.Warn("recorder: xmpp disconnect did not finish within grace period, ignoring overrun")
	}

	logger.Info("recorder: shutdown complete")
}

// conferenceIDMap is the room->bridge-conference-id map tracker.New polls
// while resolving a forwarder request (spec §4.E's conferenceID lookup) and
// the Jingle conference-modify handler populates.
type conferenceIDMap struct {
	mu sync.Mutex
	m  map[string]string
}

func newConferenceIDMap() *conferenceIDMap {
	return &conferenceIDMap{m: make(map[string]string)}
}

func (c *conferenceIDMap) upsert(room, conferenceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[room] = conferenceID
}

func (c *conferenceIDMap) lookup(room string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.m[room]
	return id, ok
}

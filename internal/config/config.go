// Package config loads the recorder's configuration from the process
// environment. It is the boundary described in spec §6 — a simple
// configuration source, not a feature to build out further.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// XMPPConfig describes how to reach the MUC/Jingle signaling deployment.
type XMPPConfig struct {
	Host string
	Port string
	Domain string

	// Client-mode credentials. Used unless component-mode credentials are
	// also set, in which case component mode wins.
	JID      string
	Password string

	// Component-mode (XEP-0114) credentials.
	ComponentJID    string
	ComponentSecret string

	BreweryMUC string
}

// IsComponentMode reports whether component-mode credentials were supplied.
// Component mode wins whenever both forms of credentials are present.
func (c XMPPConfig) IsComponentMode() bool {
	return c.ComponentJID != "" && c.ComponentSecret != ""
}

// BridgeConfig describes the legacy HTTP fallback paths into the bridge.
type BridgeConfig struct {
	Colibri2URL string
	Colibri2WS  string
	RESTURL     string
}

// Config is the full set of recognized environment keys from spec §6.
type Config struct {
	APISecret       string
	RecordingsPath  string
	XMPP            XMPPConfig
	Bridge          BridgeConfig
	RecorderWSURL   string
	SimulateColibri2 bool
}

const (
	defaultRecordingsPath = "/recordings/ffmpeg"
	defaultBreweryMUC     = "jvbbrewery@internal-muc.meet.jitsi"
	defaultRESTURL        = "http://jvb:8080"
	defaultRecorderWSURL  = "ws://recorder:8989/record"
)

// Load reads recognized keys from the process environment and validates
// them. It never touches disk; the environment is the sole source of truth.
func Load() (*Config, error) {
	cfg := &Config{
		APISecret:      os.Getenv("RECORDER_API_SECRET"),
		RecordingsPath: getenvDefault("RECORDINGS_PATH", defaultRecordingsPath),
		XMPP: XMPPConfig{
			Host:            firstNonEmpty(os.Getenv("XMPP_HOST"), os.Getenv("XMPP_COMPONENT_HOST")),
			Port:            firstNonEmpty(os.Getenv("XMPP_PORT"), os.Getenv("XMPP_COMPONENT_PORT")),
			Domain:          os.Getenv("XMPP_DOMAIN"),
			JID:             os.Getenv("XMPP_JID"),
			Password:        os.Getenv("XMPP_PASSWORD"),
			ComponentJID:    os.Getenv("XMPP_COMPONENT_JID"),
			ComponentSecret: os.Getenv("XMPP_COMPONENT_SECRET"),
			BreweryMUC:      getenvDefault("JVB_BRIDGE_MUC", defaultBreweryMUC),
		},
		Bridge: BridgeConfig{
			Colibri2URL: os.Getenv("JVB_COLIBRI2_URL"),
			Colibri2WS:  os.Getenv("JVB_COLIBRI2_WS"),
			RESTURL:     getenvDefault("JVB_REST_URL", defaultRESTURL),
		},
		RecorderWSURL: getenvDefault("RECORDER_WS_URL", defaultRecorderWSURL),
	}

	if v := os.Getenv("COLIBRI2_SIMULATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("parse COLIBRI2_SIMULATE: %w", err)
		}
		cfg.SimulateColibri2 = b
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that enough credentials were supplied to actually dial
// the signaling deployment. It does not require the HTTP fallback fields;
// those are only required by operations that actually need them (checked at
// the call site per the Unavailable/Configuration error taxonomy).
func (c *Config) Validate() error {
	if c.XMPP.Domain == "" {
		return fmt.Errorf("missing XMPP_DOMAIN")
	}
	if c.XMPP.IsComponentMode() {
		return nil
	}
	if c.XMPP.JID == "" || c.XMPP.Password == "" {
		return fmt.Errorf("missing XMPP credentials: set XMPP_JID+XMPP_PASSWORD or XMPP_COMPONENT_JID+XMPP_COMPONENT_SECRET")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

package colibri

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"time"
)

// IQTimeout bounds how long the allocator waits for a bridge reply before
// treating the request as failed (spec §5).
const IQTimeout = 10 * time.Second

// Dialect selects which Colibri generation the allocator speaks.
type Dialect int

const (
	DialectNone Dialect = iota
	DialectV1
	DialectV2
)

// ChooseDialect implements the allocator's dialect-selection rule from
// spec §4.G: prefer v2 when the bridge advertises it, else v1, else none.
func ChooseDialect(supportsV1, supportsV2 bool) Dialect {
	switch {
	case supportsV2:
		return DialectV2
	case supportsV1:
		return DialectV1
	default:
		return DialectNone
	}
}

// IQSender sends a `set`-type IQ addressed to `to` carrying payload as its
// single child, and returns a decoder over the result IQ's child element.
// Implemented by the XMPP session (component F); the allocator only
// depends on this narrow seam so it never has to know about stream
// encoding.
type IQSender interface {
	SendIQ(ctx context.Context, to string, payload any) (*xml.Decoder, error)
}

// Allocator drives bridge allocation/release in whichever dialect the
// Bridge-Capability Prober selected.
type Allocator struct {
	sender  IQSender
	logger  *slog.Logger
}

// NewAllocator builds an Allocator that sends stanzas through sender.
func NewAllocator(sender IQSender, logger *slog.Logger) *Allocator {
	return &Allocator{sender: sender, logger: logger}
}

// AllocateV1 sends a channel-based allocate request to bridgeJID and parses
// the reply.
func (a *Allocator) AllocateV1(ctx context.Context, bridgeJID, conferenceID, endpointID string) (*V1AllocateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, IQTimeout)
	defer cancel()

	req := BuildV1Allocate(conferenceID, endpointID)
	a.logger.Debug("colibri: v1 allocate", "bridge", bridgeJID, "conference", conferenceID, "endpoint", endpointID)

	dec, err := a.sender.SendIQ(ctx, bridgeJID, req)
	if err != nil {
		return nil, fmt.Errorf("colibri: v1 allocate IQ: %w", err)
	}

	var reply V1Conference
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("colibri: decode v1 allocate reply: %w", err)
	}

	return ParseV1Allocate(&reply)
}

// ReleaseV1 sends a channel-expiry request releasing a previously
// allocated v1 channel. Failures are logged, not propagated: release is
// best-effort cleanup during recording stop.
func (a *Allocator) ReleaseV1(ctx context.Context, bridgeJID, conferenceID, contentName, channelID string) {
	ctx, cancel := context.WithTimeout(ctx, IQTimeout)
	defer cancel()

	req := BuildV1Release(conferenceID, contentName, channelID)
	if _, err := a.sender.SendIQ(ctx, bridgeJID, req); err != nil {
		a.logger.Warn("colibri: v1 release failed", "bridge", bridgeJID, "channel", channelID, "err", err)
	}
}

// AllocateV2 sends a conference-modify allocate request to bridgeJID and
// parses the reply.
func (a *Allocator) AllocateV2(ctx context.Context, bridgeJID, conferenceID, endpointID string) (*V2AllocateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, IQTimeout)
	defer cancel()

	req := BuildV2Allocate(conferenceID, endpointID)
	a.logger.Debug("colibri: v2 allocate", "bridge", bridgeJID, "conference", conferenceID, "endpoint", endpointID)

	dec, err := a.sender.SendIQ(ctx, bridgeJID, req)
	if err != nil {
		return nil, fmt.Errorf("colibri: v2 allocate IQ: %w", err)
	}

	var reply V2ConferenceModify
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("colibri: decode v2 allocate reply: %w", err)
	}

	return ParseV2Allocate(&reply)
}

// ReleaseV2 sends the endpoint-removal conference-modify. Best-effort, like
// ReleaseV1.
func (a *Allocator) ReleaseV2(ctx context.Context, bridgeJID, conferenceID, endpointID string) {
	ctx, cancel := context.WithTimeout(ctx, IQTimeout)
	defer cancel()

	req := BuildV2Release(conferenceID, endpointID)
	if _, err := a.sender.SendIQ(ctx, bridgeJID, req); err != nil {
		a.logger.Warn("colibri: v2 release failed", "bridge", bridgeJID, "endpoint", endpointID, "err", err)
	}
}

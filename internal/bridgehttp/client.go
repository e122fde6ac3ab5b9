// Package bridgehttp is the legacy HTTP fallback into the bridge (spec
// §4.H, §4.F): scraping the debug inventory endpoint to resolve a room's
// conference id when the XMPP-learned cache misses, and PATCHing the
// multitrack-export config once an id is known. Grounded on the teacher's
// HTTP client shape (a small struct wrapping *http.Client plus a base URL).
package bridgehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jitsi-tools/meet-recorder/internal/logx"
	"golang.org/x/time/rate"
)

// Client talks to one bridge's debug/REST endpoints over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logx.Logger

	// limiter rate-limits the debug-endpoint scrape, which spec §4.H/§8
	// call out as slow (seconds) and something "the polling loop bounds" —
	// without a limiter, a tight caller retry loop could hammer the bridge.
	limiter *rate.Limiter
}

// NewClient builds a Client against baseURL (e.g. http://jvb:8080).
func NewClient(baseURL string, logger *logx.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Every(time.Second), 2),
	}
}

// debugConference is one entry of the bridge debug endpoint's
// "conferences" dictionary.
type debugConference struct {
	Name      string `json:"name"`
	MeetingID string `json:"meeting_id"`
	ID        string `json:"id"`
}

type debugResponse struct {
	Conferences map[string]debugConference `json:"conferences"`
}

// ResolveConferenceID scrapes the bridge's debug inventory and returns the
// id for whichever conference's name matches fullRoomJID exactly, or whose
// short-part (the part before '@') matches shortName. Per spec §4.H, the
// returned identifier is the entry's meeting_id when present, else its id.
func (c *Client) ResolveConferenceID(ctx context.Context, shortName, fullRoomJID string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("bridgehttp: rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/debug", nil)
	if err != nil {
		return "", fmt.Errorf("bridgehttp: build debug request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("bridgehttp: debug request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("bridgehttp: read debug response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bridgehttp: debug endpoint returned %d: %s", resp.StatusCode, body)
	}

	var parsed debugResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("bridgehttp: decode debug response: %w", err)
	}

	for _, conf := range parsed.Conferences {
		if conf.Name != fullRoomJID && shortNameOf(conf.Name) != shortName {
			continue
		}
		if conf.MeetingID != "" {
			return conf.MeetingID, nil
		}
		if conf.ID != "" {
			return conf.ID, nil
		}
	}
	return "", fmt.Errorf("bridgehttp: no conference matching room %q found in debug inventory", shortName)
}

func shortNameOf(fullJID string) string {
	if idx := strings.Index(fullJID, "@"); idx >= 0 {
		return fullJID[:idx]
	}
	return fullJID
}

// multitrackConnect is one element of a PATCH /colibri/v2/conferences/<id>
// request body's "connects" array (spec §4.H).
type multitrackConnect struct {
	URL      string `json:"url"`
	Protocol string `json:"protocol"`
	Audio    bool   `json:"audio"`
	Video    bool   `json:"video"`
}

type multitrackPatchBody struct {
	Connects []multitrackConnect `json:"connects"`
}

// PatchMultitrackErr distinguishes a 404 (caller may re-resolve and retry
// once) from any other failure (caller must give up).
type PatchMultitrackErr struct {
	StatusCode int
	Body       string
}

func (e *PatchMultitrackErr) Error() string {
	return fmt.Sprintf("bridgehttp: PATCH multitrack returned %d: %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 PatchMultitrackErr.
func IsNotFound(err error) bool {
	var pe *PatchMultitrackErr
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

// PatchMultitrack enables mediajson multitrack export on conferenceID,
// sinking to wsURL (spec §4.H: "{connects:[{url, protocol:"mediajson",
// audio:true, video:false}]}"). Callers should retry once, after
// re-resolving conferenceID, when IsNotFound(err) is true.
func (c *Client) PatchMultitrack(ctx context.Context, conferenceID, wsURL string) error {
	body := multitrackPatchBody{
		Connects: []multitrackConnect{
			{URL: wsURL, Protocol: "mediajson", Audio: true, Video: false},
		},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bridgehttp: encode multitrack patch body: %w", err)
	}

	url := fmt.Sprintf("%s/colibri/v2/conferences/%s", c.baseURL, conferenceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("bridgehttp: build patch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridgehttp: patch request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &PatchMultitrackErr{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// Package perception talks to the external AI engine that turns frames and
// audio levels into violation findings. Every failure is reported as
// apperr.Unavailable; callers treat it as zero findings.
package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zaqqye/proctoring_backend/internal/apperr"
)

const DefaultTimeout = 3 * time.Second

// Finding is one analyzer verdict.
type Finding struct {
	EventType  string                 `json:"eventType"`
	Severity   float64                `json:"severity"`
	Confidence float64                `json:"confidence"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

type FrameRequest struct {
	SessionID   string `json:"sessionId"`
	Source      string `json:"source"`
	FrameBase64 string `json:"frameBase64"`
}

type AudioRequest struct {
	SessionID           string  `json:"sessionId"`
	Source              string  `json:"source"`
	AudioLevel          float64 `json:"audioLevel"`
	VoiceCount          *int    `json:"voiceCount,omitempty"`
	MobileSoundDetected *bool   `json:"mobileSoundDetected,omitempty"`
}

type analyzeResponse struct {
	Findings     []Finding `json:"findings"`
	ProcessingMs int       `json:"processingMs"`
}

// Analyzer is what the ingestion pipeline consumes.
type Analyzer interface {
	AnalyzeFrame(ctx context.Context, req FrameRequest) ([]Finding, error)
	AnalyzeAudio(ctx context.Context, req AudioRequest) ([]Finding, error)
}

type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
	}
}

func (c *Client) AnalyzeFrame(ctx context.Context, req FrameRequest) ([]Finding, error) {
	return c.post(ctx, "/analyze/frame", req)
}

func (c *Client) AnalyzeAudio(ctx context.Context, req AudioRequest) ([]Finding, error) {
	return c.post(ctx, "/analyze/audio", req)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) ([]Finding, error) {
	if c.baseURL == "" {
		return nil, apperr.Unavailable("perception engine not configured", nil)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, apperr.Unavailable("build perception request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Unavailable("perception engine unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, apperr.Unavailable(fmt.Sprintf("perception engine returned %d", resp.StatusCode), nil)
	}
	var out analyzeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, apperr.Unavailable("decode perception response", err)
	}
	return out.Findings, nil
}

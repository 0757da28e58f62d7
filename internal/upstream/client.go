// Package upstream speaks the worker container HTTP protocol and classifies
// every reply into a tagged Outcome the dispatch loop can branch on.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"regexp"
	"time"

	"chatpool/internal/config"
	"chatpool/internal/iolog"
)

var chatIDRe = regexp.MustCompile(`/c/([^/?#]+)`)

// ParseChatID extracts the chat id from a /c/<id> page URL, or "".
func ParseChatID(pageURL string) string {
	m := chatIDRe.FindStringSubmatch(pageURL)
	if m == nil {
		return ""
	}
	return m[1]
}

// CallOpts carries the per-call routing context for a worker request.
type CallOpts struct {
	PageURL   string
	Profile   string
	SocksURL  string
	RequestID string
}

// Client talks to one worker container.
type Client struct {
	containerID    string
	baseURL        string
	httpc          *http.Client
	analyzeRetries int
	audit          *iolog.Logger
}

// NewClient builds a client from container config. The connect timeout
// bounds dialing; the read timeout bounds the whole exchange.
func NewClient(cfg config.ContainerConfig, audit *iolog.Logger) *Client {
	connect := time.Duration(cfg.Timeouts.ConnectSeconds * float64(time.Second))
	read := time.Duration(cfg.Timeouts.ReadSeconds * float64(time.Second))
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connect}).DialContext,
		TLSHandshakeTimeout: connect,
	}
	return &Client{
		containerID:    cfg.ID,
		baseURL:        cfg.BaseURL,
		httpc:          &http.Client{Transport: transport, Timeout: read},
		analyzeRetries: cfg.AnalyzeRetries,
		audit:          audit,
	}
}

func (c *Client) ContainerID() string { return c.containerID }

// Health fetches the worker's health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	status, payload, err := c.do(ctx, http.MethodGet, "/health", nil, "")
	if err != nil {
		return nil, fmt.Errorf("upstream: health %s: %w", c.containerID, err)
	}
	if status >= 400 {
		return payload, fmt.Errorf("upstream: health %s: HTTP %d", c.containerID, status)
	}
	return payload, nil
}

// Status fetches the worker's status document. The busy flag inside it is
// advisory only.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	status, payload, err := c.do(ctx, http.MethodGet, "/status", nil, "")
	if err != nil {
		return nil, fmt.Errorf("upstream: status %s: %w", c.containerID, err)
	}
	if status == 423 {
		if payload == nil {
			payload = map[string]any{}
		}
		payload["busy"] = true
		return payload, nil
	}
	if status >= 400 {
		return payload, fmt.Errorf("upstream: status %s: HTTP %d", c.containerID, status)
	}
	return payload, nil
}

// BusyStatus reads the advisory busy flag out of a status payload.
func BusyStatus(payload map[string]any) bool {
	if b, ok := payload["busy"].(bool); ok {
		return b
	}
	if s, ok := payload["status"].(string); ok {
		return s == "busy"
	}
	return false
}

// AnalyzeText sends text to the worker's current page. Legacy workers that
// predate /analyze answer 404/405 and are retried once on /analyze_text.
func (c *Client) AnalyzeText(ctx context.Context, text string, opts CallOpts) Outcome {
	body := map[string]any{"text": text}
	return c.analyze(ctx, body, "/analyze", "/analyze_text", opts)
}

// AnalyzeImage sends a base64 image, falling back to /analyze_image for
// legacy workers.
func (c *Client) AnalyzeImage(ctx context.Context, imageB64, imageExt string, opts CallOpts) Outcome {
	body := map[string]any{"image_b64": imageB64, "image_ext": imageExt}
	return c.analyze(ctx, body, "/analyze", "/analyze_image", opts)
}

func (c *Client) analyze(ctx context.Context, body map[string]any, path, fallback string, opts CallOpts) Outcome {
	applyOpts(body, opts)

	out := c.callWithRetries(ctx, path, body, opts.RequestID)
	if out.Kind == KindHard && (out.StatusCode == http.StatusNotFound || out.StatusCode == http.StatusMethodNotAllowed) {
		log.Printf("upstream: %s: %s answered %d, retrying on %s", c.containerID, path, out.StatusCode, fallback)
		out = c.callWithRetries(ctx, fallback, body, opts.RequestID)
	}
	return out
}

// callWithRetries retries transient outcomes on the same container up to
// analyze_retries extra times with a short growing backoff.
func (c *Client) callWithRetries(ctx context.Context, path string, body map[string]any, requestID string) Outcome {
	var out Outcome
	for try := 0; ; try++ {
		out = c.call(ctx, path, body, requestID)
		if out.Kind != KindTransient || try >= c.analyzeRetries {
			return out
		}
		backoff := time.Duration(try+1) * 500 * time.Millisecond
		log.Printf("upstream: %s: transient on %s (%s), retry %d/%d in %s",
			c.containerID, path, out.Message(), try+1, c.analyzeRetries, backoff)
		select {
		case <-ctx.Done():
			out.Err = ctx.Err()
			return out
		case <-time.After(backoff):
		}
	}
}

func (c *Client) call(ctx context.Context, path string, body map[string]any, requestID string) Outcome {
	status, payload, err := c.do(ctx, http.MethodPost, path, body, requestID)
	if err != nil {
		return Outcome{Kind: KindTransient, Err: fmt.Errorf("upstream: %s %s: %w", c.containerID, path, err)}
	}
	return Outcome{Kind: classify(status), StatusCode: status, Payload: payload}
}

func (c *Client) do(ctx context.Context, method, path string, body map[string]any, requestID string) (int, map[string]any, error) {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.audit.Record(c.containerID, iolog.Exchange{
			RequestID: requestID, Method: method, Path: path, Request: body,
			DurationMS: time.Since(start).Milliseconds(), Error: err.Error(),
		})
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	var payload map[string]any
	if len(raw) > 0 {
		// Non-JSON bodies are preserved verbatim under "raw".
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = map[string]any{"raw": string(raw)}
		}
	}

	c.audit.Record(c.containerID, iolog.Exchange{
		RequestID: requestID, Method: method, Path: path, Request: body,
		StatusCode: resp.StatusCode, Response: payload,
		DurationMS: time.Since(start).Milliseconds(),
	})
	return resp.StatusCode, payload, nil
}

func applyOpts(body map[string]any, opts CallOpts) {
	if opts.PageURL != "" {
		body["url"] = opts.PageURL
	}
	if opts.Profile != "" {
		body["profile"] = opts.Profile
	}
	if opts.SocksURL != "" {
		body["socks"] = opts.SocksURL
	}
}

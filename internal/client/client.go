// Package client implements the streaming model client: request assembly,
// SSE decoding, retry with backoff, and rate-limit accounting.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/coda/internal/config"
	"github.com/xonecas/coda/internal/prompt"
	"github.com/xonecas/coda/internal/protocol"
)

// retryDelays is the backoff schedule for transient failures on the initial
// connection, indexed by attempt.
var retryDelays = []time.Duration{200 * time.Millisecond, 1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

// Client drives streaming requests against the Responses API endpoint.
type Client struct {
	http      *http.Client
	endpoint  string
	model     string
	fallback  string
	sessionID string
	token     string
	// chatgptAccountID is sent as a header when using ChatGPT auth.
	chatgptAccountID string
	originator       string

	requestMaxRetries int
	streamMaxRetries  int
	idleTimeout       time.Duration
}

// New builds a client from configuration.
func New(cfg *config.Config, sessionID string) *Client {
	return &Client{
		http:              &http.Client{},
		endpoint:          cfg.Provider.Endpoint,
		model:             cfg.Model,
		fallback:          cfg.Provider.FallbackModel,
		sessionID:         sessionID,
		token:             cfg.APIKey(),
		chatgptAccountID:  cfg.Provider.ChatGPTAccountID,
		originator:        cfg.Client.OriginatorOrDefault(),
		requestMaxRetries: cfg.Client.RequestMaxRetriesOrDefault(),
		streamMaxRetries:  cfg.Client.StreamMaxRetriesOrDefault(),
		idleTimeout:       time.Duration(cfg.Client.StreamIdleTimeoutMSOrDefault()) * time.Millisecond,
	}
}

// DefaultModelSlug returns the fallback model used when the preferred slug is
// rejected by the server.
func (c *Client) DefaultModelSlug() string {
	return c.fallback
}

// Model returns the preferred model slug.
func (c *Client) Model() string {
	return c.model
}

// Stream POSTs the prompt and returns a channel of typed response events.
// The channel closes after EventCompleted or when the stream errors; a
// terminal error is delivered through the returned errc (buffered, at most
// one value).
func (c *Client) Stream(ctx context.Context, p *prompt.Prompt) (<-chan protocol.ResponseEvent, <-chan error, error) {
	family := prompt.FamilyForModel(c.model)
	if p.ModelOverride != "" {
		family = prompt.FamilyForModel(p.ModelOverride)
	}
	p.ChatGPTAuth = c.chatgptAccountID != ""
	body, err := json.Marshal(p.Assemble(family))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan protocol.ResponseEvent, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(ch)
		if err := c.run(ctx, p, family, body, ch); err != nil {
			errc <- err
		}
		close(errc)
	}()
	return ch, errc, nil
}

// run executes the attempt loop: connect with backoff, parse until completed,
// reconnect mid-stream within the stream retry budget.
func (c *Client) run(ctx context.Context, p *prompt.Prompt, family prompt.ModelFamily, body []byte, ch chan<- protocol.ResponseEvent) error {
	streamAttempts := 0
	modelFellBack := false
	for {
		resp, err := c.connect(ctx, body)
		if err != nil {
			// A model-not-found on the preferred slug falls back to the
			// default slug exactly once.
			if !modelFellBack && isModelNotFound(err) && c.fallback != "" && family.Slug != c.fallback {
				log.Warn().Str("model", family.Slug).Str("fallback", c.fallback).
					Msg("model not found; retrying with default slug")
				modelFellBack = true
				p.ModelOverride = c.fallback
				fallbackFamily := prompt.FamilyForModel(c.fallback)
				b, merr := json.Marshal(p.Assemble(fallbackFamily))
				if merr != nil {
					return merr
				}
				body = b
				family = fallbackFamily
				continue
			}
			return err
		}

		if snapshot := parseRateLimitHeaders(resp.Header); snapshot != nil {
			trySend(ctx, ch, protocol.ResponseEvent{Kind: protocol.EventRateLimits, RateLimits: snapshot})
		}

		result := parseSSE(ctx, resp.Body, ch, c.idleTimeout)
		resp.Body.Close()
		switch {
		case result.completed:
			return nil
		case result.err != nil && errors.Is(result.err, context.Canceled):
			return result.err
		default:
			streamAttempts++
			if streamAttempts > c.streamMaxRetries {
				if result.err != nil {
					return fmt.Errorf("%w: %v", ErrResponseStreamFailed, result.err)
				}
				return ErrResponseStreamFailed
			}
			log.Warn().Int("attempt", streamAttempts).Err(result.err).
				Msg("stream disconnected before completion; reconnecting")
		}
	}
}

// connect performs the HTTP POST with retry on transient failures. The
// response body is open and streaming on success.
func (c *Client) connect(ctx context.Context, body []byte) (*http.Response, error) {
	var lastStatus int
	var lastRequestID string
	var lastErr error

	for attempt := 0; attempt <= c.requestMaxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelays[min(attempt-1, len(retryDelays)-1)]
			log.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("retrying model request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("session_id", c.sessionID)
		req.Header.Set("originator", c.originator)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if c.chatgptAccountID != "" {
			req.Header.Set("chatgpt-account-id", c.chatgptAccountID)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		requestID := resp.Header.Get("x-request-id")
		lastStatus, lastRequestID = resp.StatusCode, requestID

		if err := classifyStatus(resp.StatusCode, string(payload), requestID, resp.Header); err != nil {
			return nil, err
		}
		// classifyStatus returned nil: the status is retryable.
		lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if lastStatus != 0 {
		return nil, &RetryLimitError{Status: lastStatus, RequestID: lastRequestID}
	}
	return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, lastErr)
}

// classifyStatus converts a non-2xx status into a terminal error, or returns
// nil when the status should be retried.
func classifyStatus(status int, body, requestID string, header http.Header) error {
	lower := strings.ToLower(body)
	switch {
	case status == 429 && strings.Contains(lower, "usage_limit_reached"):
		return parseUsageLimit(body, header)
	case status == 429 && strings.Contains(lower, "usage_not_included"):
		return ErrUsageNotIncluded
	case status == 400 && (strings.Contains(lower, "context_length") || strings.Contains(lower, "context window")):
		return ErrContextWindowExceeded
	case status == 429, status == 500, status == 502, status == 503, status == 504:
		return nil // retryable
	case status >= 500:
		return ErrInternalServer
	}
	return &UnexpectedStatusError{Status: status, Body: strings.TrimSpace(body), RequestID: requestID}
}

func parseUsageLimit(body string, header http.Header) error {
	e := &UsageLimitError{}
	var payload struct {
		Error struct {
			PlanType     string `json:"plan_type"`
			ResetsInSecs *int64 `json:"resets_in_seconds"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &payload) == nil {
		e.Plan = payload.Error.PlanType
		if payload.Error.ResetsInSecs != nil {
			t := time.Now().Add(time.Duration(*payload.Error.ResetsInSecs) * time.Second)
			e.ResetsAt = &t
		}
	}
	if e.ResetsAt == nil {
		if v := header.Get("x-ratelimit-reset"); v != "" {
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
				t := time.Unix(secs, 0)
				e.ResetsAt = &t
			}
		}
	}
	return e
}

// IsModelNotFound reports whether an error is the 4xx "unknown model" class
// that warrants one retry with the default slug.
func IsModelNotFound(err error) bool {
	return isModelNotFound(err)
}

func isModelNotFound(err error) bool {
	var unexpected *UnexpectedStatusError
	if !errors.As(err, &unexpected) {
		return false
	}
	if unexpected.Status < 400 || unexpected.Status >= 500 {
		return false
	}
	lower := strings.ToLower(unexpected.Body)
	return strings.Contains(lower, "invalid model") ||
		strings.Contains(lower, "unknown model") ||
		strings.Contains(lower, "model_not_found") ||
		strings.Contains(lower, "model does not exist")
}

// parseRateLimitHeaders extracts the primary/secondary windows from response
// headers. Returns nil when no rate limit headers are present.
func parseRateLimitHeaders(h http.Header) *protocol.RateLimitSnapshot {
	primary := parseRateLimitWindow(h, "x-ratelimit-primary")
	secondary := parseRateLimitWindow(h, "x-ratelimit-secondary")
	if primary == nil && secondary == nil {
		return nil
	}
	return &protocol.RateLimitSnapshot{Primary: primary, Secondary: secondary}
}

func parseRateLimitWindow(h http.Header, prefix string) *protocol.RateLimitWindow {
	usedStr := h.Get(prefix + "-used-percent")
	if usedStr == "" {
		return nil
	}
	used, err := strconv.ParseFloat(usedStr, 64)
	if err != nil {
		return nil
	}
	w := &protocol.RateLimitWindow{UsedPercent: used}
	if v := h.Get(prefix + "-window-minutes"); v != "" {
		if mins, err := strconv.Atoi(v); err == nil {
			w.WindowMinutes = &mins
		}
	}
	if v := h.Get(prefix + "-resets-in-seconds"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Now().Add(time.Duration(secs) * time.Second)
			w.ResetsAt = &t
		}
	}
	return w
}

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xonecas/coda/internal/config"
	"github.com/xonecas/coda/internal/prompt"
	"github.com/xonecas/coda/internal/protocol"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Provider.Endpoint = srv.URL
	cfg.Client.StreamIdleTimeoutMS = 2000
	return New(cfg, "session-1")
}

func writeSSE(w http.ResponseWriter, eventType, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
}

func collect(t *testing.T, c *Client) ([]protocol.ResponseEvent, error) {
	t.Helper()
	ch, errc, err := c.Stream(context.Background(), &prompt.Prompt{})
	if err != nil {
		t.Fatal(err)
	}
	var events []protocol.ResponseEvent
	for evt := range ch {
		events = append(events, evt)
	}
	return events, <-errc
}

func TestStreamDecodesTypedEvents(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("originator"); got != "code_cli_rs" {
			t.Errorf("originator header = %q", got)
		}
		if got := r.Header.Get("session_id"); got != "session-1" {
			t.Errorf("session_id header = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "response.created", `{}`)
		writeSSE(w, "response.output_text.delta", `{"delta":"Hello ","item_id":"msg_1","sequence_number":1,"output_index":0}`)
		writeSSE(w, "response.output_text.delta", `{"delta":"world!\n","item_id":"msg_1","sequence_number":2,"output_index":0}`)
		writeSSE(w, "response.output_item.done", `{"item":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Hello world!\n"}]},"output_index":0,"sequence_number":3}`)
		writeSSE(w, "response.completed", `{"response":{"id":"resp_1","usage":{"input_tokens":10,"output_tokens":4}}}`)
	})

	events, err := collect(t, c)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}

	kinds := make([]protocol.EventKind, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	want := []protocol.EventKind{
		protocol.EventCreated,
		protocol.EventOutputTextDelta,
		protocol.EventOutputTextDelta,
		protocol.EventOutputItemDone,
		protocol.EventCompleted,
	}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}

	last := events[len(events)-1]
	if last.ResponseID != "resp_1" || last.Usage == nil || last.Usage.OutputTokens != 4 {
		t.Errorf("completed payload = %+v", last)
	}
	if seq := events[1].SequenceNumber; seq == nil || *seq != 1 {
		t.Errorf("delta sequence number = %v", seq)
	}
}

func TestStreamRetriesTransientStatus(t *testing.T) {
	attempts := 0
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			http.Error(w, "upstream busy", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "response.completed", `{"response":{"id":"resp_2"}}`)
	})

	events, err := collect(t, c)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if len(events) == 0 || events[len(events)-1].Kind != protocol.EventCompleted {
		t.Errorf("events = %+v", events)
	}
}

func TestStreamFallsBackOnUnknownModel(t *testing.T) {
	var models []string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
		}
		decodeBody(t, r, &req)
		models = append(models, req.Model)
		if len(models) == 1 {
			http.Error(w, `{"error":{"message":"model_not_found"}}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSE(w, "response.completed", `{"response":{"id":"resp_3"}}`)
	})

	_, err := collect(t, c)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("models = %v", models)
	}
	if models[1] != c.DefaultModelSlug() {
		t.Errorf("fallback model = %q, want %q", models[1], c.DefaultModelSlug())
	}
}

func TestStreamSurfacesUsageLimit(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"usage_limit_reached","plan_type":"plus","resets_in_seconds":60}}`)
	})

	_, err := collect(t, c)
	var usage *UsageLimitError
	if !errors.As(err, &usage) {
		t.Fatalf("err = %v, want UsageLimitError", err)
	}
	if usage.Plan != "plus" || usage.ResetsAt == nil {
		t.Errorf("usage = %+v", usage)
	}
	if !strings.Contains(usage.Error(), "Try again in") {
		t.Errorf("message = %q", usage.Error())
	}
}

func TestStreamReconnectsAfterDisconnect(t *testing.T) {
	attempts := 0
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("Content-Type", "text/event-stream")
		if attempts == 1 {
			// Die mid-stream without response.completed.
			writeSSE(w, "response.output_text.delta", `{"delta":"partial"}`)
			return
		}
		writeSSE(w, "response.completed", `{"response":{"id":"resp_4"}}`)
	})

	_, err := collect(t, c)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestIdleTimeoutAborts(t *testing.T) {
	cfgDone := make(chan struct{})
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-cfgDone
	})
	c.idleTimeout = 50 * time.Millisecond
	c.streamMaxRetries = 0
	defer close(cfgDone)

	_, err := collect(t, c)
	if !errors.Is(err, ErrResponseStreamFailed) {
		t.Errorf("err = %v, want stream failed after idle timeout", err)
	}
}

func TestRateLimitHeadersEmitSnapshot(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("x-ratelimit-primary-used-percent", "42.5")
		w.Header().Set("x-ratelimit-primary-window-minutes", "300")
		writeSSE(w, "response.completed", `{"response":{"id":"r"}}`)
	})

	events, err := collect(t, c)
	if err != nil {
		t.Fatal(err)
	}
	if events[0].Kind != protocol.EventRateLimits {
		t.Fatalf("first event = %v", events[0].Kind)
	}
	rl := events[0].RateLimits
	if rl.Primary == nil || rl.Primary.UsedPercent != 42.5 {
		t.Errorf("snapshot = %+v", rl)
	}
	if rl.Primary.WindowMinutes == nil || *rl.Primary.WindowMinutes != 300 {
		t.Errorf("window minutes = %v", rl.Primary.WindowMinutes)
	}
}

func decodeBody(t *testing.T, r *http.Request, v any) {
	t.Helper()
	if err := jsonDecode(r, v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

package autodrive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xonecas/coda/internal/client"
	"github.com/xonecas/coda/internal/config"
)

func sseAnswer(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/event-stream")
	payload, _ := json.Marshal(map[string]string{"delta": text})
	fmt.Fprintf(w, "event: response.output_text.delta\ndata: %s\n\n", payload)
	fmt.Fprint(w, "event: response.completed\ndata: {\"response\":{\"id\":\"r\"}}\n\n")
}

func TestLoopRunsCLIUntilSuccess(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			sseAnswer(w, `{"status":"continue","cli_prompt":"run the tests","summary":"starting"}`)
			return
		}
		sseAnswer(w, `{"status":"success","cli_prompt":null,"summary":"done"}`)
	}))
	defer srv.Close()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Provider.Endpoint = srv.URL
	cl := client.New(cfg, "drive-session")

	var cliPrompts []string
	runner := func(ctx context.Context, promptText string) (string, error) {
		cliPrompts = append(cliPrompts, promptText)
		return "tests passed", nil
	}

	updates := make(chan Update, 16)
	loop := NewLoop(cl, nil, runner, "make the tests pass", "linux", 3, CountdownImmediate, updates)
	if err := loop.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(cliPrompts) != 1 || cliPrompts[0] != "run the tests" {
		t.Errorf("cli prompts = %v", cliPrompts)
	}

	close(updates)
	var last Update
	for u := range updates {
		last = u
	}
	if last.Status != CoordinatorSuccess || last.Summary != "done" {
		t.Errorf("last update = %+v", last)
	}
}

func TestLoopAppliesObserverGuidance(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		switch requests {
		case 1:
			// Coordinator declares success on its first turn...
			sseAnswer(w, `{"status":"success","cli_prompt":null,"summary":"all done"}`)
		case 2:
			// ...but the final-check observer disagrees.
			sseAnswer(w, `{"status":"failing","replace_message":null,"additional_instructions":"X"}`)
		case 3:
			// Next coordinator turn must carry X as developer instructions.
			var req struct {
				Input []struct {
					Role    string `json:"role"`
					Content []struct {
						Text string `json:"text"`
					} `json:"content"`
				} `json:"input"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			found := false
			for _, item := range req.Input {
				for _, c := range item.Content {
					if item.Role == "developer" && c.Text == "X" {
						found = true
					}
				}
			}
			if !found {
				t.Error("observer instructions missing from next coordinator prompt")
			}
			sseAnswer(w, `{"status":"success","cli_prompt":null,"summary":"really done"}`)
		default:
			// Final check for the second success verdict.
			sseAnswer(w, `{"status":"ok","replace_message":null,"additional_instructions":null}`)
		}
	}))
	defer srv.Close()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Provider.Endpoint = srv.URL
	cl := client.New(cfg, "drive-session")
	observer := NewObserver(cl, cfg.Model)

	updates := make(chan Update, 16)
	loop := NewLoop(cl, observer, func(ctx context.Context, p string) (string, error) {
		return "", nil
	}, "goal", "linux", 3, CountdownImmediate, updates)
	if err := loop.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	close(updates)
	var all []Update
	for u := range updates {
		all = append(all, u)
	}
	if len(all) != 2 {
		t.Fatalf("updates = %d", len(all))
	}
	if all[0].ObserverStatus != ObserverFailing || all[0].Status != CoordinatorContinue {
		t.Errorf("first update = %+v", all[0])
	}
	if all[0].LastIntervention != "X" {
		t.Errorf("intervention summary = %q", all[0].LastIntervention)
	}
	if all[1].Status != CoordinatorSuccess {
		t.Errorf("second update = %+v", all[1])
	}
}

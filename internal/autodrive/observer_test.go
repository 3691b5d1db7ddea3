package autodrive

import (
	"strings"
	"testing"

	"github.com/xonecas/coda/internal/protocol"
)

func TestParseObserverResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ObserverOutcome
		wantErr bool
	}{
		{
			name: "ok",
			raw:  `{"status":"ok","replace_message":null,"additional_instructions":null}`,
			want: ObserverOutcome{Status: ObserverOK},
		},
		{
			name: "failing with guidance",
			raw:  `{"status":"failing","replace_message":" fix the build ","additional_instructions":"X"}`,
			want: ObserverOutcome{Status: ObserverFailing, ReplaceMessage: "fix the build", AdditionalInstructions: "X"},
		},
		{
			name: "ok discards replace message",
			raw:  `{"status":"ok","replace_message":"unneeded","additional_instructions":"keep"}`,
			want: ObserverOutcome{Status: ObserverOK, AdditionalInstructions: "keep"},
		},
		{
			name: "json embedded in prose",
			raw:  "Here is my verdict:\n{\"status\":\"failing\",\"replace_message\":null,\"additional_instructions\":\"do Y\"}\nThanks.",
			want: ObserverOutcome{Status: ObserverFailing, AdditionalInstructions: "do Y"},
		},
		{
			name:    "bad status",
			raw:     `{"status":"meh"}`,
			wantErr: true,
		},
		{
			name:    "no json",
			raw:     "no object here",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseObserverResponse(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFilterForObserverDropsReasoning(t *testing.T) {
	conversation := []protocol.ResponseItem{
		protocol.UserMessage("goal"),
		{Type: protocol.ItemReasoning, Summary: []protocol.ContentItem{protocol.OutputText("secret chain")}},
		protocol.AssistantMessage("Coordinator: do the thing"),
		{Type: protocol.ItemMessage, ID: "auto-drive-reasoning", Role: protocol.RoleAssistant},
	}
	filtered := FilterForObserver(conversation)
	if len(filtered) != 2 {
		t.Fatalf("filtered = %d items", len(filtered))
	}
	for _, item := range filtered {
		if item.Type == protocol.ItemReasoning {
			t.Error("reasoning leaked to observer")
		}
	}
}

func TestSummarizeIntervention(t *testing.T) {
	if got := SummarizeIntervention("", "  "); got != "" {
		t.Errorf("empty guidance = %q", got)
	}
	if got := SummarizeIntervention("replace", "instructions"); got != "replace" {
		t.Errorf("replace takes precedence: %q", got)
	}
	long := strings.Repeat("x", 200)
	got := SummarizeIntervention("", long)
	if len([]rune(got)) != maxInterventionSummary+1 || !strings.HasSuffix(got, "…") {
		t.Errorf("long summary = %d runes", len([]rune(got)))
	}
}

func TestExtractFirstJSONObject(t *testing.T) {
	blob, ok := extractFirstJSONObject(`noise {"a":{"b":"}"}} trailing`)
	if !ok || blob != `{"a":{"b":"}"}}` {
		t.Errorf("blob = %q, ok %v", blob, ok)
	}
	if _, ok := extractFirstJSONObject("nothing"); ok {
		t.Error("expected no object")
	}
}

func TestParseCountdown(t *testing.T) {
	if ParseCountdown("immediate").Delay() != 0 {
		t.Error("immediate must not wait")
	}
	if ParseCountdown("manual").Delay() >= 0 {
		t.Error("manual must block")
	}
	if ParseCountdown("10s").Delay().Seconds() != 10 {
		t.Error("default countdown is 10s")
	}
}

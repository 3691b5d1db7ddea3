package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestUnknownItemDecodesToOther(t *testing.T) {
	var item ResponseItem
	if err := json.Unmarshal([]byte(`{"type":"computer_call","id":"x"}`), &item); err != nil {
		t.Fatal(err)
	}
	if item.Type != ItemOther {
		t.Errorf("type = %q, want other", item.Type)
	}
	if _, err := json.Marshal(item); err == nil {
		t.Error("ItemOther must refuse serialization")
	}
}

func TestItemRoundTrip(t *testing.T) {
	item := ResponseItem{
		Type:      ItemFunctionCall,
		CallID:    "call-1",
		Name:      "shell",
		Arguments: `{"command":["ls"]}`,
	}
	b, err := json.Marshal(item)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"type":"function_call"`) {
		t.Errorf("payload = %s", b)
	}
	var back ResponseItem
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.CallID != "call-1" || back.Name != "shell" {
		t.Errorf("round trip = %+v", back)
	}
}

func TestOrderKeyCompare(t *testing.T) {
	a := NewOrderKey(1, 0, 1)
	b := NewOrderKey(1, 0, 2)
	if a.Compare(b) != -1 || b.Compare(a) != 1 || a.Compare(a) != 0 {
		t.Error("basic ordering broken")
	}

	// Missing fields sort as MAX: unordered items trail ordered siblings.
	var outputIdx uint32
	partial := PartialOrderKey(1, &outputIdx, nil)
	full := NewOrderKey(1, 0, 99)
	if full.Compare(partial) != -1 {
		t.Error("missing sequence must sort after any set sequence")
	}
	if !partial.SameStream(full) {
		t.Error("same (request, output) must be the same stream")
	}
}

package gossip

import (
	"encoding/json"
	"testing"
	"time"

	"rheo/internal/atlas"
	"rheo/internal/signal"
)

func TestParseAtlasPayloadBareMap(t *testing.T) {
	raw := json.RawMessage(`{"cell_b":{"addr":"http://b","caps":["x"],"lastSeen":1}}`)
	entries, ok := ParseAtlasPayload(raw)
	if !ok {
		t.Fatal("expected bare map to parse")
	}
	if entries["cell_b"].Addr != "http://b" {
		t.Fatalf("unexpected entry: %+v", entries["cell_b"])
	}
}

func TestParseAtlasPayloadAtlasWrapper(t *testing.T) {
	raw := json.RawMessage(`{"atlas":{"cell_b":{"addr":"http://b","caps":["x"],"lastSeen":1}}}`)
	entries, ok := ParseAtlasPayload(raw)
	if !ok {
		t.Fatal("expected atlas wrapper to parse")
	}
	if _, found := entries["cell_b"]; !found {
		t.Fatalf("expected cell_b in parsed entries, got %+v", entries)
	}
}

func TestParseAtlasPayloadResultWrapper(t *testing.T) {
	raw := json.RawMessage(`{"result":{"atlas":{"cell_b":{"addr":"http://b","caps":["x"],"lastSeen":1}}}}`)
	entries, ok := ParseAtlasPayload(raw)
	if !ok {
		t.Fatal("expected result wrapper to parse")
	}
	if _, found := entries["cell_b"]; !found {
		t.Fatalf("expected cell_b in parsed entries, got %+v", entries)
	}
}

func TestParseAtlasPayloadEmptyIsNotOK(t *testing.T) {
	if _, ok := ParseAtlasPayload(nil); ok {
		t.Fatal("expected empty payload to fail to parse")
	}
}

func TestHandlerMergesIncomingAndRepliesWithOwnSnapshot(t *testing.T) {
	a := atlas.New("cell_a", 60000)
	a.SetSelf("http://a", "", nil)

	l := &Loop{SelfID: "cell_a", Atlas: a}
	h := l.Handler()

	args, _ := json.Marshal(map[string]any{
		"atlas": map[string]atlas.Entry{
			"cell_c": {Addr: "http://c", Caps: []string{"y"}, LastSeen: time.Now().UnixMilli()},
		},
	})
	sig := signal.New("cell_b", gossipCapability, args, func() string { return "sig_1" })
	result := h(args, &sig)
	if !result.OK {
		t.Fatalf("expected ok, got %+v", result.Error)
	}

	if _, known := a.Get("cell_c"); !known {
		t.Fatal("expected cell_c to be merged into the atlas from the incoming payload")
	}

	entries, ok := ParseAtlasPayload(result.Value)
	if !ok {
		t.Fatalf("expected reply to carry a parseable atlas snapshot, got %s", result.Value)
	}
	if _, known := entries["cell_c"]; !known {
		t.Fatal("expected reply snapshot to include the just-merged cell_c")
	}
}

package bootstrap

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"rheo/internal/atlas"
	"rheo/internal/signal"
	"rheo/internal/transport"
)

func TestAnnounceMergesSeedAtlasOnSuccess(t *testing.T) {
	seedAtlas := atlas.New("seed", 60000)
	seedAtlas.SetSelf("http://seed", "", nil)
	seedAtlas.Merge(map[string]atlas.Entry{
		"cell_c": {Addr: "http://c", Caps: []string{"x"}, LastSeen: time.Now().UnixMilli()},
	}, false)

	srv := transport.New(transport.Config{}, func(ctx context.Context, sig signal.Signal) signal.TraceResult {
		value, _ := json.Marshal(map[string]any{"atlas": seedAtlas.Snapshot()})
		return signal.Ok(value, sig.ID, 0)
	}, seedAtlas, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	defer srv.Close()

	selfAtlas := atlas.New("cell_a", 60000)
	selfAtlas.SetSelf("http://a", "", []string{"mesh/ping"})
	selfEntry, _ := selfAtlas.Get("cell_a")

	client := transport.NewClient(2*time.Second, "")
	n := 0
	Announce(context.Background(), "cell_a", ts.URL, selfEntry, selfAtlas, client, func() string {
		n++
		return "bootstrap_sig"
	})

	if _, ok := selfAtlas.Get("cell_c"); !ok {
		t.Fatal("expected cell_c learned from the seed's atlas to be merged")
	}
}

func TestAnnounceGivesUpAfterAllAttemptsFail(t *testing.T) {
	unreachable := "http://127.0.0.1:1"
	selfAtlas := atlas.New("cell_a", 60000)
	selfAtlas.SetSelf("http://a", "", nil)
	selfEntry, _ := selfAtlas.Get("cell_a")

	client := transport.NewClient(50*time.Millisecond, "")

	done := make(chan struct{})
	go func() {
		Announce(context.Background(), "cell_a", unreachable, selfEntry, selfAtlas, client, func() string { return "sig" })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Announce did not return after exhausting retries")
	}
}

func TestAnnounceRespectsContextCancellation(t *testing.T) {
	selfAtlas := atlas.New("cell_a", 60000)
	selfAtlas.SetSelf("http://a", "", nil)
	selfEntry, _ := selfAtlas.Get("cell_a")

	client := transport.NewClient(time.Second, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		Announce(ctx, "cell_a", "http://127.0.0.1:1", selfEntry, selfAtlas, client, func() string { return "sig" })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Announce should return immediately when context is already cancelled")
	}
}

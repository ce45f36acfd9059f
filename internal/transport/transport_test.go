package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"rheo/internal/atlas"
	"rheo/internal/signal"
)

func newTestServer(t *testing.T, route RouteFunc) (*httptest.Server, *Server) {
	t.Helper()
	a := atlas.New("cell_test", 60000)
	a.SetSelf("http://test:0", "", []string{"mesh/ping"})

	srv := New(Config{RateLimitPerSec: 1000, RateLimitBurst: 2000}, route, a, func() map[string]any {
		return map[string]any{"capabilities": []string{"mesh/ping"}}
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return ts, srv
}

func TestHandleSignalRoutesToEngine(t *testing.T) {
	var gotCapability string
	route := func(ctx context.Context, sig signal.Signal) signal.TraceResult {
		gotCapability = sig.Payload.Capability
		return signal.Ok([]byte(`"PONG"`), sig.ID, time.Millisecond)
	}
	ts, _ := newTestServer(t, route)

	client := NewClient(2*time.Second, "")
	result, merr := client.Send(context.Background(), ts.URL, signal.New("cell_a", "mesh/ping", nil, func() string { return "sig_1" }))
	if merr != nil {
		t.Fatalf("unexpected error: %v", merr)
	}
	if !result.OK {
		t.Fatalf("expected ok result, got %+v", result)
	}
	if gotCapability != "mesh/ping" {
		t.Fatalf("expected route to receive mesh/ping, got %q", gotCapability)
	}
}

func TestHandleAtlasEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, func(ctx context.Context, sig signal.Signal) signal.TraceResult {
		return signal.Ok(nil, sig.ID, 0)
	})

	resp, err := ts.Client().Get(ts.URL + "/atlas")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Atlas map[string]atlas.Entry `json:"atlas"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
}

func TestHandleHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, func(ctx context.Context, sig signal.Signal) signal.TraceResult {
		return signal.Ok(nil, sig.ID, 0)
	})

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %v", body["status"])
	}
}

func TestClientClassifiesUnreachablePeer(t *testing.T) {
	client := NewClient(500*time.Millisecond, "")
	_, merr := client.Send(context.Background(), "http://127.0.0.1:1", signal.New("cell_a", "test/x", nil, func() string { return "sig_1" }))
	if merr == nil {
		t.Fatal("expected an error contacting an unreachable peer")
	}
	if merr.Code != signal.ErrRPCUnreachable {
		t.Fatalf("expected RPC_UNREACHABLE, got %s", merr.Code)
	}
}

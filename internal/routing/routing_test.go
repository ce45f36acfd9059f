package routing

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"rheo/internal/atlas"
	"rheo/internal/circuit"
	"rheo/internal/dedup"
	"rheo/internal/handlers"
	"rheo/internal/signal"
	"rheo/internal/transport"
)

// testCell wires an Engine to a real HTTP listener, the same
// full-wire-protocol integration style as the teacher's
// internal/cluster/integration_test.go.
type testCell struct {
	engine *Engine
	server *httptest.Server
}

func newTestCell(t *testing.T, id string) *testCell {
	t.Helper()
	e := &Engine{
		SelfID:   id,
		Atlas:    atlas.New(id, 60000),
		Handlers: handlers.New(),
		Circuits: circuit.NewRegistry(3, 30*time.Second),
		Seen:     dedup.NewSeenSet(60 * time.Second),
		Results:  dedup.NewResultCache(10 * time.Second),
		Joins:    dedup.NewJoinStore(),
		Client:   transport.NewClient(2*time.Second, ""),
	}

	srv := transport.New(transport.Config{}, e.Route, e.Atlas, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})

	e.SelfAddr = ts.URL
	e.Atlas.SetSelf(ts.URL, "", e.Handlers.Names())

	return &testCell{engine: e, server: ts}
}

func (c *testCell) knowsAbout(other *testCell, caps []string) {
	c.engine.Atlas.Merge(map[string]atlas.Entry{
		other.engine.SelfID: {Addr: other.server.URL, Caps: caps, LastSeen: time.Now().UnixMilli()},
	}, false)
}

// sigSeq gives every newSignal call a distinct id, so repeated routes in
// one test are not answered by the seen-nonce dedup step.
var sigSeq int

func newSignal(from, capability string, args json.RawMessage) signal.Signal {
	sigSeq++
	n := sigSeq
	return signal.New(from, capability, args, func() string {
		return from + "_sig_" + capability + "_" + strconv.Itoa(n)
	})
}

func TestLocalPing(t *testing.T) {
	a := newTestCell(t, "cell_a")
	a.engine.Handlers.Register("mesh/ping", func(args json.RawMessage, sig *signal.Signal) signal.TraceResult {
		value, _ := json.Marshal("PONG")
		return signal.Ok(value, sig.ID, 0)
	})

	result := a.engine.Route(context.Background(), newSignal("cell_a", "mesh/ping", nil))
	if !result.OK {
		t.Fatalf("expected ok, got error: %+v", result.Error)
	}
	if result.LatencyMicros <= 0 {
		t.Fatal("expected latency_micros to be populated")
	}

	var value string
	json.Unmarshal(result.Value, &value)
	if value != "PONG" {
		t.Fatalf("expected PONG, got %q", value)
	}
}

func TestTwoCellForward(t *testing.T) {
	a := newTestCell(t, "cell_a")
	a.engine.Handlers.Register("test/echo", func(args json.RawMessage, sig *signal.Signal) signal.TraceResult {
		var in string
		json.Unmarshal(args, &in)
		value, _ := json.Marshal("echo:" + in)
		return signal.Ok(value, sig.ID, 0)
	})

	b := newTestCell(t, "cell_b")
	b.knowsAbout(a, []string{"test/echo"})

	args, _ := json.Marshal("hi")
	result := b.engine.Route(context.Background(), newSignal("cell_b", "test/echo", args))
	if !result.OK {
		t.Fatalf("expected ok, got error: %+v", result.Error)
	}
	var value string
	json.Unmarshal(result.Value, &value)
	if value != "echo:hi" {
		t.Fatalf("expected echo:hi, got %q", value)
	}
}

func TestLoopDetected(t *testing.T) {
	a := newTestCell(t, "cell_a")

	sig := newSignal("cell_a", "test/x", nil)
	sig.MarkVisited("cell_a", a.server.URL)

	result := a.engine.Route(context.Background(), sig)
	if result.OK {
		t.Fatal("expected failure")
	}
	if result.Error.Code != signal.ErrLoopDetected {
		t.Fatalf("expected LOOP_DETECTED, got %s", result.Error.Code)
	}
	if len(result.Error.History) == 0 {
		t.Fatal("expected non-empty history on loop detection")
	}
}

func TestDuplicateDelivery(t *testing.T) {
	a := newTestCell(t, "cell_a")
	calls := 0
	a.engine.Handlers.Register("test/count", func(args json.RawMessage, sig *signal.Signal) signal.TraceResult {
		calls++
		return signal.Ok(nil, sig.ID, 0)
	})

	sig := newSignal("cell_a", "test/count", nil)
	sig.ID = "sig_fixed"

	first := a.engine.Route(context.Background(), sig)
	if !first.OK {
		t.Fatalf("expected first delivery to succeed: %+v", first.Error)
	}

	second := a.engine.Route(context.Background(), sig)
	if !second.OK {
		t.Fatalf("expected duplicate delivery to still report ok: %+v", second.Error)
	}
	var status struct {
		MeshStatus string `json:"_meshStatus"`
	}
	json.Unmarshal(second.Value, &status)
	if status.MeshStatus != "DUPLICATE_ARRIVAL" {
		t.Fatalf("expected _meshStatus DUPLICATE_ARRIVAL, got %+v", status)
	}
	if calls != 1 {
		t.Fatalf("expected handler to execute exactly once, got %d", calls)
	}
}

func TestUnknownCapabilityReturnsNotFound(t *testing.T) {
	a := newTestCell(t, "cell_isolated")

	result := a.engine.Route(context.Background(), newSignal("cell_isolated", "does/not/exist", nil))
	if result.OK {
		t.Fatal("expected failure for unknown capability")
	}
	if result.Error.Code != signal.ErrNotFound {
		t.Fatalf("expected NOT_FOUND, got %s", result.Error.Code)
	}
}

func TestExpiredSignalFailsImmediately(t *testing.T) {
	a := newTestCell(t, "cell_a")

	sig := newSignal("cell_a", "mesh/ping", nil).WithDeadline(-1 * time.Second)
	result := a.engine.Route(context.Background(), sig)
	if result.OK || result.Error.Code != signal.ErrTimeout {
		t.Fatalf("expected TIMEOUT, got %+v", result)
	}
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	a := newTestCell(t, "cell_a")
	a.engine.Atlas.Merge(map[string]atlas.Entry{
		"ghost": {Addr: "http://127.0.0.1:1", Caps: []string{"test/x"}, LastSeen: time.Now().UnixMilli()},
	}, false)

	var last signal.TraceResult
	for i := 0; i < 3; i++ {
		last = a.engine.Route(context.Background(), newSignal("cell_a", "test/x", nil))
		if last.OK {
			t.Fatalf("expected failure reaching unreachable ghost peer, got ok: %+v", last)
		}
	}

	result := a.engine.Route(context.Background(), newSignal("cell_a", "test/x", nil))
	if result.OK {
		t.Fatal("expected failure")
	}
	if result.Error.Code != signal.ErrCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN once the breaker has tripped, got %s", result.Error.Code)
	}
}

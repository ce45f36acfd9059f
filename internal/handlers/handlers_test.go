package handlers

import (
	"encoding/json"
	"testing"

	"rheo/internal/signal"
)

type echoArgs struct {
	Text string `json:"text"`
}

type echoResult struct {
	Echoed string `json:"echoed"`
}

func TestTypedHandlerRoundTrip(t *testing.T) {
	fn := Typed(func(in echoArgs, sig *signal.Signal) (echoResult, *signal.MeshError) {
		return echoResult{Echoed: "echo:" + in.Text}, nil
	})

	sig := &signal.Signal{ID: "sig_1", From: "cell_a"}
	result := fn([]byte(`{"text":"hi"}`), sig)
	if !result.OK {
		t.Fatalf("expected success, got error: %+v", result.Error)
	}

	var out echoResult
	if err := json.Unmarshal(result.Value, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.Echoed != "echo:hi" {
		t.Fatalf("got %q", out.Echoed)
	}
}

func TestTypedHandlerValidationFailed(t *testing.T) {
	fn := Typed(func(in echoArgs, sig *signal.Signal) (echoResult, *signal.MeshError) {
		return echoResult{}, nil
	})

	sig := &signal.Signal{ID: "sig_1", From: "cell_a"}
	result := fn([]byte(`not json`), sig)
	if result.OK {
		t.Fatal("expected failure on invalid JSON args")
	}
	if result.Error.Code != signal.ErrValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %s", result.Error.Code)
	}
}

func TestTypedHandlerErrorPropagates(t *testing.T) {
	fn := Typed(func(in echoArgs, sig *signal.Signal) (echoResult, *signal.MeshError) {
		return echoResult{}, signal.NewMeshError(signal.ErrHandlerError, "boom", sig.From)
	})

	sig := &signal.Signal{ID: "sig_1", From: "cell_a"}
	result := fn([]byte(`{}`), sig)
	if result.OK || result.Error.Code != signal.ErrHandlerError {
		t.Fatalf("expected HANDLER_ERROR, got %+v", result)
	}
}

func TestTableRegisterLookupNames(t *testing.T) {
	table := New()
	table.Register("b/cap", func(args json.RawMessage, sig *signal.Signal) signal.TraceResult {
		return signal.Ok(nil, sig.ID, 0)
	})
	table.Register("a/cap", func(args json.RawMessage, sig *signal.Signal) signal.TraceResult {
		return signal.Ok(nil, sig.ID, 0)
	})

	if _, ok := table.Lookup("a/cap"); !ok {
		t.Fatal("expected a/cap to be registered")
	}
	names := table.Names()
	if len(names) != 2 || names[0] != "a/cap" {
		t.Fatalf("expected sorted [a/cap b/cap], got %v", names)
	}
}

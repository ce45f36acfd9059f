// Package client is the capability mesh's programmer-facing surface
// (spec.md §4.13): register handlers, ask the mesh for a capability with
// automatic NotFound retry, or fan a request out to every provider at
// once. It wraps a *cell.Cell rather than duplicating its routing —
// asking the mesh is just submitting a fresh Signal to the same Engine a
// remote peer's RPC would land on.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rheo/internal/backoff"
	"rheo/internal/cell"
	"rheo/internal/handlers"
	"rheo/internal/signal"
)

const (
	askMeshDeadline = 10 * time.Second
	askMeshBudget   = 30 * time.Second
	retryBase       = 100 * time.Millisecond
	retryFactor     = 2.0
	retryCap        = 5 * time.Second
)

// Client is a thin, in-process API layer over a Cell.
type Client struct {
	cell *cell.Cell
}

// New wraps an already-constructed cell. The cell need not be listening
// yet — Provide can be called before Listen to register capabilities
// that should be advertised from the first atlas entry onward.
func New(c *cell.Cell) *Client {
	return &Client{cell: c}
}

func newRequestID() string { return uuid.NewString() }

// Provide registers a type-erased handler under name.
func (c *Client) Provide(name string, fn handlers.Func) {
	c.cell.Provide(name, fn)
}

// ProvideTyped registers a strongly-typed handler, deserializing args into
// In and serializing the handler's Out return value, per §4.13's
// ValidationFailed-on-bad-args contract (implemented by handlers.Typed).
func ProvideTyped[In any, Out any](c *Client, name string, fn func(in In, sig *signal.Signal) (Out, *signal.MeshError)) {
	c.cell.Provide(name, handlers.Typed(fn))
}

// AskMesh routes a capability request through this cell's own engine,
// exactly as an inbound RPC would be routed, retrying on NotFound with an
// exponential backoff (100ms, doubling, capped at 5s) for up to a 30s
// wall-clock budget. Any other failure is returned immediately.
func (c *Client) AskMesh(ctx context.Context, capability string, args json.RawMessage) (json.RawMessage, *signal.MeshError) {
	return c.askMesh(ctx, capability, args, nil)
}

func (c *Client) askMesh(ctx context.Context, capability string, args, proofs json.RawMessage) (json.RawMessage, *signal.MeshError) {
	deadline := time.Now().Add(askMeshBudget)
	strategy := backoff.New(retryBase, retryFactor, retryCap)

	for {
		sig := signal.New(c.cell.Config.ID, capability, args, newRequestID).WithDeadline(askMeshDeadline).WithProofs(proofs)
		result := c.cell.Engine.Route(ctx, sig)
		if result.OK {
			return result.Value, nil
		}
		if result.Error == nil || result.Error.Code != signal.ErrNotFound {
			return nil, result.Error
		}

		wait := strategy.Next()
		if time.Now().Add(wait).After(deadline) {
			return nil, result.Error
		}
		select {
		case <-ctx.Done():
			return nil, signal.NewMeshError(signal.ErrTimeout, "ask_mesh cancelled: "+ctx.Err().Error(), c.cell.Config.ID)
		case <-time.After(wait):
		}
	}
}

// AskMeshTyped is AskMesh plus automatic result deserialization into Out —
// §4.13's "thin typed proxy".
func AskMeshTyped[Out any](ctx context.Context, c *Client, capability string, args json.RawMessage) (Out, *signal.MeshError) {
	var out Out
	value, merr := c.AskMesh(ctx, capability, args)
	if merr != nil {
		return out, merr
	}
	if err := json.Unmarshal(value, &out); err != nil {
		return out, signal.NewMeshError(signal.ErrValidationFailed, "failed to decode result: "+err.Error(), c.cell.Config.ID)
	}
	return out, nil
}

// AskAllResult is the per-provider outcome of AskAll.
type AskAllResult struct {
	CellID string          `json:"cellId"`
	Addr   string          `json:"addr"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// AskAllFailure is one provider's failed outcome in an AskAll fan-out.
type AskAllFailure struct {
	CellID string            `json:"cellId"`
	Addr   string            `json:"addr"`
	Error  *signal.MeshError `json:"error"`
}

// AskAll enumerates every provider of capability currently known in the
// atlas and RPCs each of them in parallel, bounded by timeoutMs, returning
// every success and every failure rather than stopping at the first of
// either.
func (c *Client) AskAll(ctx context.Context, capability string, args json.RawMessage, timeoutMs int64) ([]AskAllResult, []AskAllFailure) {
	providers := c.cell.Atlas.FindProviders(capability, c.cell.Addr(), nil)
	if len(providers) == 0 {
		return nil, nil
	}

	timeout := time.Duration(timeoutMs) * time.Millisecond
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	var results []AskAllResult
	var failures []AskAllFailure

	var wg sync.WaitGroup
	for _, peer := range providers {
		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig := signal.New(c.cell.Config.ID, capability, args, newRequestID).WithDeadline(timeout)
			result, merr := c.cell.Client.Send(callCtx, peer.Addr, sig)

			mu.Lock()
			defer mu.Unlock()
			if merr != nil {
				failures = append(failures, AskAllFailure{CellID: peer.ID, Addr: peer.Addr, Error: merr})
				return
			}
			if !result.OK {
				failures = append(failures, AskAllFailure{CellID: peer.ID, Addr: peer.Addr, Error: result.Error})
				return
			}
			results = append(results, AskAllResult{CellID: peer.ID, Addr: peer.Addr, Value: result.Value})
		}()
	}
	wg.Wait()

	return results, failures
}

// Inspect is a convenience wrapper around the cell/inspect capability for
// callers that want their own cell's current view without an RPC round
// trip.
func (c *Client) Inspect() (json.RawMessage, error) {
	fn, ok := c.cell.Handlers.Lookup("cell/inspect")
	if !ok {
		return nil, fmt.Errorf("client: cell/inspect not registered")
	}
	sig := signal.New(c.cell.Config.ID, "cell/inspect", nil, newRequestID)
	result := fn(nil, &sig)
	if !result.OK {
		return nil, result.Error
	}
	return result.Value, nil
}

// Package routing implements the route pipeline: expiry and shutdown
// checks, deduplication, loop prevention, local-or-forward execution, and
// the escalation ladder (direct tries, flood, seed fallback) described in
// spec.md §4.5-§4.6.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"rheo/internal/atlas"
	"rheo/internal/circuit"
	"rheo/internal/dedup"
	"rheo/internal/handlers"
	"rheo/internal/signal"
	"rheo/internal/transport"
)

// maxDirectTries is how many atlas candidates get a direct RPC attempt
// before falling back to flooding (§4.6 step 2).
const maxDirectTries = 3

// maxFloodTargets is how many neighbors get a parallel flood RPC (§4.6
// step 3).
const maxFloodTargets = 2

// maxCapabilitySample bounds the NotFound diagnostic's capability list
// (§4.6 step 5).
const maxCapabilitySample = 20

// Metrics is the narrow set of counters the engine increments; callers
// (the cell package) supply a concrete implementation backed by
// prometheus, matching the teacher's CounterVec/HistogramVec idiom.
type Metrics interface {
	ObserveRoute(capability string, ok bool, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRoute(string, bool, time.Duration) {}

// Engine owns the per-cell routing state: self identity, atlas, handler
// table, circuit registry, dedup stores, outbound client, and seed
// address. It has no knowledge of HTTP — Client.Send is transport's
// concern.
type Engine struct {
	SelfID   string
	SelfAddr string
	Seed     string

	Atlas    *atlas.Atlas
	Handlers *handlers.Table
	Circuits *circuit.Registry
	Seen     *dedup.SeenSet
	Results  *dedup.ResultCache
	Joins    *dedup.JoinStore
	Client   *transport.Client

	Metrics Metrics

	shuttingDown atomic.Bool
}

// BeginShutdown flips the shutdown guard; subsequent Route calls fail
// fast with NotReady (§4.11).
func (e *Engine) BeginShutdown() { e.shuttingDown.Store(true) }

func (e *Engine) metrics() Metrics {
	if e.Metrics == nil {
		return noopMetrics{}
	}
	return e.Metrics
}

// Route is the §4.5 pipeline entry point.
func (e *Engine) Route(ctx context.Context, sig signal.Signal) signal.TraceResult {
	start := time.Now()

	// 1. Expiry check.
	if sig.IsExpired() {
		result := signal.Fail(
			signal.NewMeshError(signal.ErrTimeout, "signal deadline has passed", e.SelfID).WithTrace(sig.Steps),
			sig.ID, time.Since(start),
		)
		e.metrics().ObserveRoute(sig.Payload.Capability, false, time.Since(start))
		return result
	}

	// 2. Shutdown guard.
	if e.shuttingDown.Load() {
		result := signal.Fail(signal.NewMeshError(signal.ErrNotReady, "cell is shutting down", e.SelfID), sig.ID, time.Since(start))
		e.metrics().ObserveRoute(sig.Payload.Capability, false, time.Since(start))
		return result
	}

	// 3. Dedup.
	if e.Seen.CheckAndAdd(sig.ID) {
		dup, _ := json.Marshal(map[string]string{"_meshStatus": "DUPLICATE_ARRIVAL"})
		return signal.Ok(dup, sig.ID, time.Since(start))
	}

	// 4. Loop check.
	if sig.HasVisited(e.SelfID) {
		result := signal.Fail(
			signal.NewMeshError(signal.ErrLoopDetected, "this cell has already seen this signal", e.SelfID).
				WithTrace(sig.Steps).WithHistory(sig.VisitedCellIDs),
			sig.ID, time.Since(start),
		)
		e.metrics().ObserveRoute(sig.Payload.Capability, false, time.Since(start))
		return result
	}

	// 5. Stamp provenance.
	sig.RecordStep(e.SelfID, "RECEIVED")
	sig.MarkVisited(e.SelfID, e.SelfAddr)

	// 6. Request join.
	joinKey := sig.ID + ":" + sig.Payload.Capability
	own, wait, fetch := e.Joins.Join(joinKey)
	if !own {
		<-wait
		return fetch()
	}

	// 7. Execute.
	result := e.execute(ctx, &sig)
	result.LatencyMicros = time.Since(start).Microseconds()

	// 8. Publish outcome.
	e.Joins.Publish(joinKey, result)
	if result.OK {
		e.Results.Put(sig.ID, result.Value, result.CID)
	}

	// 9. Metrics.
	e.metrics().ObserveRoute(sig.Payload.Capability, result.OK, time.Since(start))
	return result
}

// execute implements §4.6: local handler if registered, else forward.
func (e *Engine) execute(ctx context.Context, sig *signal.Signal) signal.TraceResult {
	if fn, ok := e.Handlers.Lookup(sig.Payload.Capability); ok {
		sig.RecordStep(e.SelfID, "LOCAL_HANDLER")
		return fn(sig.Payload.Args, sig)
	}
	return e.forwardToPeer(ctx, sig)
}

func visitedSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func addrSet(addrs []string) map[string]bool {
	out := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		out[a] = true
	}
	return out
}

// forwardToPeer implements §4.6's escalation ladder: direct tries, flood,
// seed fallback, give up with NotFound.
func (e *Engine) forwardToPeer(ctx context.Context, sig *signal.Signal) signal.TraceResult {
	visited := visitedSet(sig.VisitedCellIDs)
	candidates := e.Atlas.FindProviders(sig.Payload.Capability, e.SelfAddr, visited)

	tried := make(map[string]bool, maxDirectTries)
	directCount := maxDirectTries
	if len(candidates) < directCount {
		directCount = len(candidates)
	}

	var lastErr *signal.MeshError
	for i := 0; i < directCount; i++ {
		peer := candidates[i]
		tried[peer.Addr] = true

		action := "P2P_ROUTE"
		if i > 0 {
			action = "P2P_FAILOVER"
		}
		sig.RecordStep(e.SelfID, action)

		result, failed := e.tryPeer(ctx, peer.Addr, *sig)
		if failed == nil {
			return result
		}
		if failed.Code == signal.ErrLoopDetected {
			return signal.Fail(failed, sig.ID, 0)
		}
		lastErr = failed
		// A breaker that's already Open rejected this attempt before any
		// network call happened; recording another failure here would
		// keep pushing its recovery window out indefinitely.
		if failed.Code != signal.ErrCircuitOpen {
			e.Circuits.For(peer.Addr).RecordFailure()
		}
	}

	// Flooding.
	if !sig.FloodAttempted {
		sig.FloodAttempted = true
		exclude := addrSet(sig.VisitedAddrs)
		for addr := range tried {
			exclude[addr] = true
		}
		neighbors := e.Atlas.Neighbors(maxFloodTargets, e.SelfAddr, exclude)
		if len(neighbors) > 0 {
			sig.RecordStep(e.SelfID, "FLOOD")
			result, ok, failed := e.floodParallel(ctx, neighbors, *sig)
			if ok {
				return result
			}
			if failed != nil {
				lastErr = failed
			}
		}
	}

	// Seed escalation.
	if e.Seed != "" && !addrSet(sig.VisitedAddrs)[e.Seed] {
		sig.RecordStep(e.SelfID, "SEED_FALLBACK")
		result, failed := e.tryPeer(ctx, e.Seed, *sig)
		if failed == nil {
			return result
		}
		lastErr = failed
		if failed.Code != signal.ErrCircuitOpen {
			e.Circuits.For(e.Seed).RecordFailure()
		}
	}

	// Give up. If the last failure observed across the direct tries, the
	// flood, and the seed fallback was an open-breaker rejection, surface
	// CIRCUIT_OPEN directly rather than burying it under a generic
	// NOT_FOUND (§8 scenario 6).
	if lastErr != nil && lastErr.Code == signal.ErrCircuitOpen {
		return signal.Fail(lastErr.WithTrace(sig.Steps).WithHistory(sig.VisitedCellIDs), sig.ID, 0)
	}

	sample := e.Atlas.CapabilitySample(maxCapabilitySample)
	msg := fmt.Sprintf("no provider found for %q (atlas size %d, known capabilities: %v)",
		sig.Payload.Capability, e.Atlas.Size(), sample)
	merr := signal.NewMeshError(signal.ErrNotFound, msg, e.SelfID).
		WithTrace(sig.Steps).WithHistory(sig.VisitedCellIDs)
	return signal.Fail(merr, sig.ID, 0)
}

// tryPeer pre-flights the peer's circuit breaker, then RPCs it.
func (e *Engine) tryPeer(ctx context.Context, addr string, sig signal.Signal) (signal.TraceResult, *signal.MeshError) {
	if e.Circuits.For(addr).IsOpen() {
		return signal.TraceResult{}, signal.NewMeshError(signal.ErrCircuitOpen, "circuit open for "+addr, e.SelfID)
	}
	result, merr := e.Client.Send(ctx, addr, sig)
	if merr != nil {
		return result, merr
	}
	e.Circuits.For(addr).RecordSuccess()
	return result, nil
}

type floodOutcome struct {
	result signal.TraceResult
	ok     bool
	failed *signal.MeshError
}

// floodParallel races neighbors concurrently and returns the first success.
// If none succeed, it also reports the last failure observed so the caller
// can fold it into the escalation ladder's final error selection.
func (e *Engine) floodParallel(ctx context.Context, neighbors []atlas.Entry, sig signal.Signal) (signal.TraceResult, bool, *signal.MeshError) {
	outcomes := make(chan floodOutcome, len(neighbors))
	for _, peer := range neighbors {
		peer := peer
		go func() {
			result, failed := e.tryPeer(ctx, peer.Addr, sig)
			if failed != nil {
				if failed.Code != signal.ErrCircuitOpen {
					e.Circuits.For(peer.Addr).RecordFailure()
				}
				outcomes <- floodOutcome{ok: false, failed: failed}
				return
			}
			outcomes <- floodOutcome{result: result, ok: true}
		}()
	}

	var lastFailed *signal.MeshError
	for range neighbors {
		out := <-outcomes
		if out.ok {
			return out.result, true, nil
		}
		lastFailed = out.failed
	}
	return signal.TraceResult{}, false, lastFailed
}

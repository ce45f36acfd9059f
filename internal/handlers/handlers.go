// Package handlers holds the capability-name-to-handler table: type-erased
// closures that deserialize wire args, invoke a typed function, and
// re-serialize the result into a TraceResult.
package handlers

import (
	"encoding/json"
	"sort"
	"sync"

	"rheo/internal/signal"
)

// Func is the type-erased shape every registered handler reduces to: raw
// JSON args in, a TraceResult out. Capability authors rarely implement this
// directly — Typed below wraps a strongly-typed function into one of these.
type Func func(args json.RawMessage, sig *signal.Signal) signal.TraceResult

// Table is the capability name -> handler map. A single RWMutex guards it,
// matching the teacher's per-concern locking style rather than a
// lock-free structure this table's low write frequency doesn't need.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Func
}

// New creates an empty handler table.
func New() *Table {
	return &Table{handlers: make(map[string]Func)}
}

// Register installs handler under name, replacing any prior registration.
func (t *Table) Register(name string, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[name] = fn
}

// Lookup returns the handler for name, if any.
func (t *Table) Lookup(name string) (Func, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.handlers[name]
	return fn, ok
}

// Names returns the currently registered capability names, sorted, for
// atlas.SetSelf (the §3 invariant: atlas[self.id].caps == handlers.keys)
// and cell/inspect.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Typed wraps a strongly-typed handler function (deserialized input,
// Result-style output) into the type-erased Func the table stores. A JSON
// deserialization failure becomes a ValidationFailed TraceResult (§4.13);
// a handler error becomes HandlerError.
func Typed[In any, Out any](fn func(in In, sig *signal.Signal) (Out, *signal.MeshError)) Func {
	return func(args json.RawMessage, sig *signal.Signal) signal.TraceResult {
		var in In
		if len(args) > 0 {
			if err := json.Unmarshal(args, &in); err != nil {
				return signal.Fail(
					signal.NewMeshError(signal.ErrValidationFailed, "invalid arguments: "+err.Error(), sig.From),
					sig.ID, 0,
				)
			}
		}

		out, merr := fn(in, sig)
		if merr != nil {
			return signal.Fail(merr, sig.ID, 0)
		}

		value, err := json.Marshal(out)
		if err != nil {
			return signal.Fail(
				signal.NewMeshError(signal.ErrHandlerError, "failed to serialize result: "+err.Error(), sig.From),
				sig.ID, 0,
			)
		}
		return signal.Ok(value, sig.ID, 0)
	}
}

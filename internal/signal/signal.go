// Package signal defines the wire envelope routed between cells: the
// Signal request, its Payload, narrative trace steps, and the TraceResult /
// MeshError types carried back to callers.
package signal

import (
	"encoding/json"
	"strconv"
	"time"
)

// Payload carries the capability name and its caller-supplied arguments.
type Payload struct {
	Capability string          `json:"capability"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// NarrativeStep records one hop of a signal's journey for forensic tracing.
type NarrativeStep struct {
	Cell       string          `json:"cell"`
	Timestamp  int64           `json:"timestamp"`
	Action     string          `json:"action"`
	Data       json.RawMessage `json:"data,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
}

// Signal is the envelope routed between cells. Unrecognized top-level
// fields are preserved in Extensions and re-emitted verbatim on marshal, so
// a cell on a newer wire version doesn't silently drop fields it doesn't
// understand yet.
// Ask expects a result; Tell is fire-and-forget.
const (
	IntentAsk  = "Ask"
	IntentTell = "Tell"
)

type Signal struct {
	ID      string          `json:"id"`
	From    string          `json:"from"`
	Intent  string          `json:"intent"`
	Payload Payload         `json:"payload"`
	Proofs  json.RawMessage `json:"proofs,omitempty"`
	Atlas   json.RawMessage `json:"atlas,omitempty"`

	// Trace is the plain "cell_id:timestamp" marker sequence. Steps is the
	// richer structured narrative (action, data, duration) carried
	// alongside it — RecordStep appends to both.
	Trace []string        `json:"trace,omitempty"`
	Steps []NarrativeStep `json:"_steps,omitempty"`

	VisitedCellIDs  []string `json:"_visitedCellIds,omitempty"`
	VisitedAddrs    []string `json:"_visitedAddrs,omitempty"`
	Hops            int      `json:"_hops"`
	FloodAttempted  bool     `json:"_floodAttempted,omitempty"`
	RegistryScanned bool     `json:"_registryScanned,omitempty"`
	DeadlineMs      int64    `json:"_deadlineMs,omitempty"`

	Extensions map[string]json.RawMessage `json:"-"`
}

// knownFields lists every tag Signal declares, so UnmarshalJSON can tell a
// genuinely unrecognized field from one of its own.
var knownFields = map[string]bool{
	"id": true, "from": true, "intent": true, "payload": true,
	"proofs": true, "atlas": true, "trace": true,
	"_steps": true, "_visitedCellIds": true, "_visitedAddrs": true,
	"_hops": true, "_floodAttempted": true, "_registryScanned": true,
	"_deadlineMs": true,
}

// alias avoids infinite recursion through Signal's own MarshalJSON/UnmarshalJSON.
type alias Signal

func (s *Signal) UnmarshalJSON(data []byte) error {
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Signal(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		if s.Extensions == nil {
			s.Extensions = make(map[string]json.RawMessage)
		}
		s.Extensions[k] = v
	}
	return nil
}

func (s Signal) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(alias(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extensions) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Extensions {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// New builds a fresh outbound signal for capability with the given from
// cell id; args becomes the payload's Args and id mints the signal's nonce.
func New(from, capability string, args json.RawMessage, id func() string) Signal {
	return Signal{
		ID:     id(),
		From:   from,
		Intent: IntentAsk,
		Payload: Payload{
			Capability: capability,
			Args:       args,
		},
	}
}

// WithDeadline stamps the absolute wall-clock deadline (ms since epoch) the
// signal must resolve by.
func (s Signal) WithDeadline(d time.Duration) Signal {
	s.DeadlineMs = time.Now().Add(d).UnixMilli()
	return s
}

// WithProofs attaches an opaque proofs payload (§3's "mapping of
// name→value, opaque to the router"). The routing core never inspects
// this field; it exists for policy layers built atop it.
func (s Signal) WithProofs(proofs json.RawMessage) Signal {
	s.Proofs = proofs
	return s
}

// IsExpired reports whether the signal's deadline has already passed.
func (s Signal) IsExpired() bool {
	if s.DeadlineMs == 0 {
		return false
	}
	return time.Now().UnixMilli() > s.DeadlineMs
}

// RecordStep appends a narrative step and a matching "cell:timestamp" trace
// marker.
func (s *Signal) RecordStep(cell, action string) {
	s.appendStep(cell, action, nil, 0)
}

// RecordStepWithData is RecordStep plus an arbitrary data payload.
func (s *Signal) RecordStepWithData(cell, action string, data json.RawMessage) {
	s.appendStep(cell, action, data, 0)
}

// RecordStepTimed is RecordStep plus an elapsed duration in milliseconds.
func (s *Signal) RecordStepTimed(cell, action string, duration time.Duration) {
	s.appendStep(cell, action, nil, duration.Milliseconds())
}

func (s *Signal) appendStep(cell, action string, data json.RawMessage, durationMs int64) {
	now := time.Now().UnixMilli()
	s.Steps = append(s.Steps, NarrativeStep{
		Cell:       cell,
		Timestamp:  now,
		Action:     action,
		Data:       data,
		DurationMs: durationMs,
	})
	s.Trace = append(s.Trace, cell+":"+strconv.FormatInt(now, 10))
}

// MarkVisited records a cell id and address as visited, for loop detection
// and _visitedAddrs-based "don't flood back the way we came" filtering.
func (s *Signal) MarkVisited(cellID, addr string) {
	if cellID != "" && !contains(s.VisitedCellIDs, cellID) {
		s.VisitedCellIDs = append(s.VisitedCellIDs, cellID)
	}
	if addr != "" && !contains(s.VisitedAddrs, addr) {
		s.VisitedAddrs = append(s.VisitedAddrs, addr)
	}
	s.Hops++
}

// HasVisited reports whether cellID already appears in the visited list,
// the loop-prevention check in the routing pipeline.
func (s *Signal) HasVisited(cellID string) bool {
	return contains(s.VisitedCellIDs, cellID)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

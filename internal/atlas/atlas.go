// Package atlas maintains the eventually-consistent directory of peers and
// their capabilities, merged via periodic push-pull gossip.
package atlas

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// clientOnlyPrefix marks addresses that belong to request-only clients:
// they're never forwarding candidates and never gossiped onward.
const clientOnlyPrefix = "client://"

// Entry is one row in the peer directory.
type Entry struct {
	ID             string            `json:"id,omitempty"`
	Addr           string            `json:"addr"`
	Caps           []string          `json:"caps"`
	PubKey         string            `json:"pubKey,omitempty"`
	LastSeen       int64             `json:"lastSeen"`
	LastGossiped   int64             `json:"lastGossiped"`
	GossipHopCount int               `json:"gossipHopCount"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	LatencyMs      *int64            `json:"latencyMs,omitempty"`

	// receivedAt is a local monotonic receipt stamp, never sent on the
	// wire, set whenever SetSelf or Merge installs the entry (see
	// SPEC_FULL.md open question on clock skew). Evict does not read it:
	// TTL eviction compares the wall-clock last_seen. last_seen/
	// last_gossiped keep their wall-clock wire semantics unchanged.
	receivedAt time.Time
}

// HasCapability reports whether the entry advertises the named capability.
func (e *Entry) HasCapability(name string) bool {
	for _, c := range e.Caps {
		if c == name {
			return true
		}
	}
	return false
}

// IsClientOnly reports whether the entry's address is request-only
// (never a forwarding or gossip target).
func (e *Entry) IsClientOnly() bool {
	return strings.HasPrefix(e.Addr, clientOnlyPrefix)
}

// Enclave returns the entry's enclave tag, defaulting to "default" the
// same way the teacher's gossip.Node.Enclave normalizes an empty value.
func (e *Entry) Enclave() string {
	if e.Metadata == nil {
		return "default"
	}
	if v, ok := e.Metadata["enclave"]; ok && v != "" {
		return v
	}
	return "default"
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Atlas is a concurrent map of cell_id -> Entry, guarded by a single
// RWMutex — the same per-concern locking granularity the teacher's gossip
// protocol uses for its peers map, rather than an invented generic shard
// table (see DESIGN.md).
type Atlas struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	selfID  string
	ttlMs   int64
}

// New creates an atlas for a cell with the given id and eviction TTL.
func New(selfID string, ttlMs int64) *Atlas {
	return &Atlas{
		entries: make(map[string]*Entry),
		selfID:  selfID,
		ttlMs:   ttlMs,
	}
}

// SetSelf inserts or refreshes the self entry so that atlas[self.id].caps
// always equals the currently registered handler names (§3 invariant).
func (a *Atlas) SetSelf(addr, pubKey string, caps []string) {
	now := nowMs()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[a.selfID] = &Entry{
		ID:           a.selfID,
		Addr:         addr,
		Caps:         append([]string(nil), caps...),
		PubKey:       pubKey,
		LastSeen:     now,
		LastGossiped: now,
		receivedAt:   time.Now(),
	}
}

// Get returns a copy of the entry for id, if known.
func (a *Atlas) Get(id string) (Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Size returns the number of known entries, including self.
func (a *Atlas) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// Merge applies an incoming set of entries under the hop/TTL discipline of
// spec.md §4.3. viaGossip distinguishes hearsay (damped by hop count) from
// direct sightings (which always win).
func (a *Atlas) Merge(incoming map[string]Entry, viaGossip bool) {
	now := nowMs()
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, e := range incoming {
		if key == a.selfID {
			continue
		}
		entry := e
		if entry.ID == "" {
			entry.ID = key
		}

		existing, known := a.entries[key]
		stale := now-entry.LastSeen > a.ttlMs
		if stale && !known {
			continue
		}

		entry.LastGossiped = now
		if viaGossip {
			hop := entry.GossipHopCount + 1
			if hop > 3 {
				hop = 3
			}
			entry.GossipHopCount = hop
		} else {
			entry.GossipHopCount = 0
			entry.LastSeen = now
		}

		if known && existing.LastSeen >= entry.LastSeen && viaGossip {
			continue
		}

		entry.receivedAt = time.Now()
		a.entries[key] = &entry
	}
}

// Evict drops entries (never self) whose last_seen is older than the
// configured TTL. Returns the evicted ids.
func (a *Atlas) Evict() []string {
	now := nowMs()
	a.mu.Lock()
	defer a.mu.Unlock()

	var evicted []string
	for id, e := range a.entries {
		if id == a.selfID {
			continue
		}
		if now-e.LastSeen > a.ttlMs {
			delete(a.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// FindProviders returns entries advertising capability, excluding selfAddr
// and client-only addresses, sorted deterministically (by descending
// last_seen, then id) so callers iterating "the first three candidates"
// get stable, repeatable behavior within a run (§4.6).
func (a *Atlas) FindProviders(capability, selfAddr string, visitedCellIDs map[string]bool) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Entry
	for _, e := range a.entries {
		if !e.HasCapability(capability) {
			continue
		}
		if e.Addr == selfAddr || e.IsClientOnly() {
			continue
		}
		if visitedCellIDs != nil && visitedCellIDs[e.ID] {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen != out[j].LastSeen {
			return out[i].LastSeen > out[j].LastSeen
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Neighbors returns up to n entries that are not self, not client-only, and
// not already in exclude, for flood fan-out (§4.6 step 3).
func (a *Atlas) Neighbors(n int, selfAddr string, exclude map[string]bool) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Entry
	for _, e := range a.entries {
		if e.Addr == selfAddr || e.IsClientOnly() {
			continue
		}
		if exclude != nil && exclude[e.Addr] {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Snapshot returns a copy of every non-self, non-client-only entry, for
// gossip push-pull and bootstrap responses.
func (a *Atlas) Snapshot() map[string]Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]Entry, len(a.entries))
	for id, e := range a.entries {
		if id == a.selfID || e.IsClientOnly() {
			continue
		}
		out[id] = *e
	}
	return out
}

// CapabilitySample returns up to n distinct capability names seen anywhere
// in the atlas, for NotFound diagnostics (§4.6 step 5).
func (a *Atlas) CapabilitySample(n int) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, e := range a.entries {
		for _, c := range e.Caps {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
				if len(out) >= n {
					sort.Strings(out)
					return out
				}
			}
		}
	}
	sort.Strings(out)
	return out
}

// EnclaveBreakdown counts entries per enclave tag, for mesh/health and
// cell/inspect reporting.
func (a *Atlas) EnclaveBreakdown() map[string]int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]int)
	for _, e := range a.entries {
		out[e.Enclave()]++
	}
	return out
}

// PickGossipTargets chooses up to n random peer ids (excluding self). When
// preferredOutsideEnclave is set and some peer lies outside it, every call
// makes one of the picks from those outside peers — the cross-enclave
// convergence nudge described in SPEC_FULL.md.
func (a *Atlas) PickGossipTargets(n int, preferredOutsideEnclave string, rng *RandSource) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var candidates []Entry
	for id, e := range a.entries {
		if id == a.selfID || e.IsClientOnly() {
			continue
		}
		candidates = append(candidates, *e)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	if preferredOutsideEnclave != "" {
		var outside []Entry
		for _, e := range candidates {
			if e.Enclave() != preferredOutsideEnclave {
				outside = append(outside, e)
			}
		}
		if len(outside) > 0 {
			pick := outside[rng.Intn(len(outside))]
			rest := shuffled(candidates, rng, n-1, pick.ID)
			return append([]Entry{pick}, rest...)
		}
	}

	return shuffled(candidates, rng, n, "")
}

func shuffled(in []Entry, rng *RandSource, n int, exclude string) []Entry {
	idxs := rng.Perm(len(in))
	var out []Entry
	for _, i := range idxs {
		if in[i].ID == exclude {
			continue
		}
		out = append(out, in[i])
		if len(out) >= n {
			break
		}
	}
	return out
}

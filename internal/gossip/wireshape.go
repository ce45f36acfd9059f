// Package gossip implements the periodic push-pull atlas exchange (§4.8)
// and the mesh/gossip capability handler both sides of that exchange use.
package gossip

import (
	"encoding/json"

	"rheo/internal/atlas"
)

// ParseAtlasPayload accepts any of the three shapes spec.md §4.8/§4.9
// allows for an atlas-bearing payload: a bare map of id -> entry, an
// {"atlas": {...}} wrapper, or a {"result": {"atlas": {...}}} wrapper (the
// shape a mesh/gossip RPC's TraceResult.Value round-trips through). Returns
// false if raw matches none of them.
func ParseAtlasPayload(raw json.RawMessage) (map[string]atlas.Entry, bool) {
	if len(raw) == 0 {
		return nil, false
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, false
	}

	// {"result": {"atlas": {...}}} — unwrap result first, then re-enter so
	// a nested {"atlas": ...} inside it is still handled.
	if inner, ok := top["result"]; ok {
		return ParseAtlasPayload(inner)
	}

	// {"atlas": {...}}
	if inner, ok := top["atlas"]; ok {
		return tryDecodeEntryMap(inner)
	}

	// Bare map of id -> entry.
	return tryDecodeEntryMap(raw)
}

func tryDecodeEntryMap(raw json.RawMessage) (map[string]atlas.Entry, bool) {
	var entries map[string]atlas.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	return entries, true
}

package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"rheo/internal/identity"
	"rheo/internal/signal"
)

// SealProof seals value under key and wraps it into the {name: sealed}
// shape Signal.Proofs carries on the wire (§3: "opaque to the router").
// This is the policy-layer use spec.md §4.1 has in mind when it says the
// signing key "is retained for future proof emission" — the routing core
// itself never calls this.
func SealProof(name string, value, key []byte) (json.RawMessage, error) {
	sealed, err := identity.SealProof(value, key)
	if err != nil {
		return nil, fmt.Errorf("client: seal proof %q: %w", name, err)
	}
	return json.Marshal(map[string]string{name: base64.StdEncoding.EncodeToString(sealed)})
}

// OpenProof extracts and unseals the named proof from an inbound signal —
// a handler gating a capability on a caller-presented grant calls this
// itself; the router passes Proofs through untouched.
func OpenProof(sig *signal.Signal, name string, key []byte) ([]byte, error) {
	if len(sig.Proofs) == 0 {
		return nil, fmt.Errorf("client: signal carries no proofs")
	}
	var proofs map[string]string
	if err := json.Unmarshal(sig.Proofs, &proofs); err != nil {
		return nil, fmt.Errorf("client: decode proofs: %w", err)
	}
	encoded, ok := proofs[name]
	if !ok {
		return nil, fmt.Errorf("client: proof %q not present", name)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("client: decode proof %q: %w", name, err)
	}
	return identity.OpenProof(sealed, key)
}

// AskMeshWithProof is AskMesh but attaches a sealed capability-grant proof
// to every outbound attempt, including retries, so a provider requiring
// one can call OpenProof inside its handler to gate execution.
func (c *Client) AskMeshWithProof(ctx context.Context, capability string, args json.RawMessage, proofs json.RawMessage) (json.RawMessage, *signal.MeshError) {
	return c.askMesh(ctx, capability, args, proofs)
}

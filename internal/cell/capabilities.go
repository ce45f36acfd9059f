package cell

import (
	"context"
	"encoding/json"
	"time"

	"rheo/internal/signal"
)

// registerDefaults installs the default capabilities every cell provides
// (§4.12). mesh/gossip is registered separately by the gossip.Loop itself,
// since its implementation owns the atlas merge logic.
func (c *Cell) registerDefaults() {
	c.Handlers.Register("mesh/ping", c.handlePing)
	c.Handlers.Register("mesh/health", c.handleHealth)
	c.Handlers.Register("cell/shutdown", c.handleShutdownCapability)
	c.Handlers.Register("cell/inspect", c.handleInspect)
	c.Handlers.Register("mesh/result", c.handleResult)
}

func (c *Cell) handlePing(args json.RawMessage, sig *signal.Signal) signal.TraceResult {
	value, _ := json.Marshal("PONG")
	return signal.Ok(value, sig.ID, 0)
}

func (c *Cell) handleHealth(args json.RawMessage, sig *signal.Signal) signal.TraceResult {
	value, err := json.Marshal(c.healthSnapshot())
	if err != nil {
		merr := signal.NewMeshError(signal.ErrHandlerError, "failed to build health snapshot: "+err.Error(), c.Config.ID)
		return signal.Fail(merr, sig.ID, 0)
	}
	return signal.Ok(value, sig.ID, 0)
}

// healthSnapshot backs both mesh/health and GET /health.
func (c *Cell) healthSnapshot() map[string]any {
	return map[string]any{
		"atlasSize":    c.Atlas.Size(),
		"enclaves":     c.Atlas.EnclaveBreakdown(),
		"capabilities": c.Handlers.Names(),
	}
}

func (c *Cell) handleShutdownCapability(args json.RawMessage, sig *signal.Signal) signal.TraceResult {
	go func() {
		time.Sleep(100 * time.Millisecond)
		c.Shutdown(context.Background())
	}()
	value, _ := json.Marshal(map[string]string{"status": "shutting_down"})
	return signal.Ok(value, sig.ID, 0)
}

// handleResult looks up a previously-completed signal's cached result
// (§3's 10s result cache) without re-executing its capability — a client
// that lost the original response (e.g. a dropped connection after the
// handler already ran) can fetch it by id instead of resubmitting work.
// Expired or never-seen ids are indistinguishable and both read NotFound.
func (c *Cell) handleResult(args json.RawMessage, sig *signal.Signal) signal.TraceResult {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &req); err != nil || req.ID == "" {
		merr := signal.NewMeshError(signal.ErrValidationFailed, "mesh/result requires {\"id\": \"<signal-id>\"}", c.Config.ID)
		return signal.Fail(merr, sig.ID, 0)
	}

	value, cid, ok := c.Results.Get(req.ID)
	if !ok {
		merr := signal.NewMeshError(signal.ErrNotFound, "no cached result for "+req.ID, c.Config.ID)
		return signal.Fail(merr, sig.ID, 0)
	}
	wrapped, err := json.Marshal(map[string]any{"id": cid, "value": json.RawMessage(value)})
	if err != nil {
		merr := signal.NewMeshError(signal.ErrHandlerError, "failed to marshal cached result: "+err.Error(), c.Config.ID)
		return signal.Fail(merr, sig.ID, 0)
	}
	return signal.Ok(wrapped, sig.ID, 0)
}

func (c *Cell) handleInspect(args json.RawMessage, sig *signal.Signal) signal.TraceResult {
	self, _ := c.Atlas.Get(c.Config.ID)
	circuits := make(map[string]string)
	for peer, state := range c.Circuits.Snapshot() {
		circuits[peer] = state.String()
	}
	value, err := json.Marshal(map[string]any{
		"id":           c.Config.ID,
		"addr":         self.Addr,
		"capabilities": c.Handlers.Names(),
		"atlasSize":    c.Atlas.Size(),
		"circuits":     circuits,
		"registryDir":  c.Config.RegistryDir,
	})
	if err != nil {
		merr := signal.NewMeshError(signal.ErrHandlerError, "failed to build inspect snapshot: "+err.Error(), c.Config.ID)
		return signal.Fail(merr, sig.ID, 0)
	}
	return signal.Ok(value, sig.ID, 0)
}

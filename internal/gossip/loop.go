package gossip

import (
	"context"
	"encoding/json"
	"time"

	"rheo/internal/atlas"
	"rheo/internal/handlers"
	"rheo/internal/logging"
	"rheo/internal/signal"
	"rheo/internal/transport"
)

const gossipCapability = "mesh/gossip"

// Loop is the periodic push-pull exchange of §4.8: every interval, snapshot
// the atlas and send it to up to two random peers, merging back whatever
// they return. Shaped after the teacher's startTopologySync ticker loop in
// internal/gossip/protocol.go, generalized from a peer-list SYNC broadcast
// to a full atlas push-pull.
type Loop struct {
	SelfID     string
	SelfAddr   string
	Atlas      *atlas.Atlas
	Client     *transport.Client
	Rand       *atlas.RandSource
	IntervalMs int64
	NewID      func() string

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLoop builds a gossip loop ready for Start.
func NewLoop(selfID, selfAddr string, atl *atlas.Atlas, client *transport.Client, intervalMs int64, newID func() string) *Loop {
	return &Loop{
		SelfID:     selfID,
		SelfAddr:   selfAddr,
		Atlas:      atl,
		Client:     client,
		Rand:       atlas.NewRandSource(),
		IntervalMs: intervalMs,
		NewID:      newID,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the gossip ticker until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)
	interval := time.Duration(l.IntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.round(ctx)
		}
	}
}

// Stop signals the loop to exit and waits (cooperatively — it polls between
// ticks, matching spec.md §5's shutdown cancellation model) for it to do so.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *Loop) round(ctx context.Context) {
	targets := l.Atlas.PickGossipTargets(2, l.preferredOutsideEnclave(), l.Rand)
	if len(targets) == 0 {
		return
	}
	for _, peer := range targets {
		l.gossipWith(ctx, peer)
	}
}

func (l *Loop) gossipWith(ctx context.Context, peer atlas.Entry) {
	snapshot := l.Atlas.Snapshot()
	args, err := json.Marshal(map[string]any{"atlas": snapshot})
	if err != nil {
		return
	}

	sig := signal.New(l.SelfID, gossipCapability, args, l.NewID)
	result, merr := l.Client.SendGossip(ctx, peer.Addr, sig)
	if merr != nil {
		logging.Debug("[%s] gossip round with %s failed: %s", l.SelfID, peer.ID, merr.Code)
		return
	}
	if !result.OK {
		logging.Debug("[%s] gossip round with %s returned error: %s", l.SelfID, peer.ID, result.Error.Code)
		return
	}

	entries, ok := ParseAtlasPayload(result.Value)
	if !ok {
		logging.Warn("[%s] gossip: could not parse atlas payload from %s", l.SelfID, peer.ID)
		return
	}
	l.Atlas.Merge(entries, true)
}

// preferredOutsideEnclave biases target selection toward a peer outside the
// self entry's enclave on every round, the cross-enclave
// convergence nudge described in SPEC_FULL.md's enclave section.
func (l *Loop) preferredOutsideEnclave() string {
	self, ok := l.Atlas.Get(l.SelfID)
	if !ok {
		return ""
	}
	return self.Enclave()
}

// Handler returns the mesh/gossip capability: merge the caller's atlas
// slice (accepting either the {"atlas": {...}} shape or a bare map per
// §4.8) and reply with this cell's own snapshot under the same key.
func (l *Loop) Handler() handlers.Func {
	return func(args json.RawMessage, sig *signal.Signal) signal.TraceResult {
		if entries, ok := ParseAtlasPayload(args); ok {
			l.Atlas.Merge(entries, true)
		}

		value, err := json.Marshal(map[string]any{"atlas": l.Atlas.Snapshot()})
		if err != nil {
			merr := signal.NewMeshError(signal.ErrHandlerError, "failed to marshal atlas snapshot: "+err.Error(), l.SelfID)
			return signal.Fail(merr, sig.ID, 0)
		}
		return signal.Ok(value, sig.ID, 0)
	}
}

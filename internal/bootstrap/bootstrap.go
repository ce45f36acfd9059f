// Package bootstrap implements the seed-contact retry described in
// spec.md §4.9: on listen, if a seed address is configured, repeatedly
// announce this cell to it and merge back whatever atlas view it returns.
package bootstrap

import (
	"context"
	"encoding/json"
	"time"

	"rheo/internal/atlas"
	"rheo/internal/gossip"
	"rheo/internal/logging"
	"rheo/internal/signal"
	"rheo/internal/transport"
)

const gossipCapability = "mesh/gossip"

// maxAttempts and the linear backoff unit are fixed by spec.md §4.9.
const maxAttempts = 10

const backoffUnit = 100 * time.Millisecond

// initialDelay is the pause after listen before the first attempt.
const initialDelay = 100 * time.Millisecond

// Announce POSTs this cell's self-entry to seedAddr, retrying up to
// maxAttempts times with linear backoff (attempt*100ms). On the first
// successful response it parses the returned atlas (any of the three
// shapes ParseAtlasPayload accepts) and merges it with viaGossip=false,
// treating the seed's view as a direct sighting per spec. Meant to be run
// in its own goroutine, started 100ms after listen (§4.11).
func Announce(ctx context.Context, selfID, seedAddr string, selfEntry atlas.Entry, atl *atlas.Atlas, client *transport.Client, newID func() string) {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	args, err := json.Marshal(map[string]any{
		"atlas": map[string]atlas.Entry{selfID: selfEntry},
	})
	if err != nil {
		logging.Warn("[%s] bootstrap: failed to marshal self entry: %v", selfID, err)
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sig := signal.New(selfID, gossipCapability, args, newID)
		result, merr := client.SendGossip(ctx, seedAddr, sig)
		if merr == nil && result.OK {
			if entries, ok := gossip.ParseAtlasPayload(result.Value); ok {
				atl.Merge(entries, false)
			}
			logging.Info("[%s] bootstrap: joined via seed %s on attempt %d", selfID, seedAddr, attempt)
			return
		}

		if merr != nil {
			logging.Warn("[%s] bootstrap: attempt %d/%d against %s failed: %s", selfID, attempt, maxAttempts, seedAddr, merr.Code)
		} else {
			logging.Warn("[%s] bootstrap: attempt %d/%d against %s returned error: %s", selfID, attempt, maxAttempts, seedAddr, result.Error.Code)
		}

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt) * backoffUnit):
		}
	}

	logging.Warn("[%s] bootstrap: all %d attempts against seed %s failed, relying on gossip loop to converge", selfID, maxAttempts, seedAddr)
}

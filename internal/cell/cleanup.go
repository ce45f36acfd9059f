package cell

import (
	"context"
	"time"

	"rheo/internal/logging"
)

const cleanupInterval = 30 * time.Second

// cleanupLoop implements §4.10: every 30s, evict stale atlas entries, drop
// expired seen-nonces, and drop expired (successes-only) result cache
// entries. It also refreshes the cell's point-in-time metric gauges, since
// those are naturally read at the same cadence. Shaped after the teacher's
// internal/gossip/protocol.go startHealthCheck ticker-with-stop-channel
// loop, the same cooperative-cancellation idiom used by the gossip loop.
func (c *Cell) cleanupLoop(ctx context.Context) {
	defer close(c.cleanupDone)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.cleanupStop:
			return
		case <-ticker.C:
			c.runCleanup()
		}
	}
}

func (c *Cell) runCleanup() {
	evicted := c.Atlas.Evict()
	if len(evicted) > 0 {
		logging.Debug("[%s] cleanup: evicted %d stale atlas entries", c.Config.ID, len(evicted))
	}
	seenEvicted := c.Seen.Evict()
	resultsEvicted := c.Results.Evict()
	if seenEvicted > 0 || resultsEvicted > 0 {
		logging.Debug("[%s] cleanup: evicted %d seen nonces, %d result cache entries", c.Config.ID, seenEvicted, resultsEvicted)
	}

	c.metrics.refreshGauges(c.Atlas.Size(), c.Joins.ActiveCount(), c.Circuits.Snapshot())
}

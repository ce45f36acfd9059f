package atlas

import "testing"

func TestSetSelfInvariant(t *testing.T) {
	a := New("self", 60000)
	a.SetSelf("http://self:8080", "abc", []string{"mesh/ping", "test/echo"})

	e, ok := a.Get("self")
	if !ok {
		t.Fatal("self entry missing after SetSelf")
	}
	if len(e.Caps) != 2 {
		t.Fatalf("expected 2 caps, got %v", e.Caps)
	}
}

func TestMergeSkipsSelf(t *testing.T) {
	a := New("self", 60000)
	a.Merge(map[string]Entry{
		"self": {Addr: "http://evil:1", LastSeen: nowMs()},
	}, false)

	if _, ok := a.Get("self"); ok {
		t.Fatal("merge should never insert an entry for self.id")
	}
}

func TestMergeDirectAlwaysWinsOverStaleGossip(t *testing.T) {
	a := New("self", 60000)
	now := nowMs()

	// Direct sighting.
	a.Merge(map[string]Entry{
		"peer1": {Addr: "http://peer1:8080", LastSeen: now},
	}, false)
	first, _ := a.Get("peer1")

	// Same snapshot replayed via gossip should not move last_seen backward
	// or forward — the round-trip invariant from spec.md §8.
	snapshot := map[string]Entry{
		"peer1": {Addr: "http://peer1:8080", LastSeen: now},
	}
	a.Merge(snapshot, true)

	e, _ := a.Get("peer1")
	if e.LastSeen != first.LastSeen {
		t.Fatalf("expected last_seen to stay %d, got %d", first.LastSeen, e.LastSeen)
	}
}

func TestMergeDropsStaleUnknownEntries(t *testing.T) {
	a := New("self", 1000) // 1s TTL
	stale := nowMs() - 5000

	a.Merge(map[string]Entry{
		"ghost": {Addr: "http://ghost:1", LastSeen: stale},
	}, true)

	if _, ok := a.Get("ghost"); ok {
		t.Fatal("stale-and-unknown entry should have been dropped")
	}
}

func TestMergeHopCountCapsAtThree(t *testing.T) {
	a := New("self", 60000)
	now := nowMs()

	entry := Entry{Addr: "http://peer:1", LastSeen: now, GossipHopCount: 0}
	for i := 0; i < 6; i++ {
		e, known := a.Get("peer")
		if known {
			entry = e
			entry.LastSeen = now + int64(i) // force overwrite each round
		}
		a.Merge(map[string]Entry{"peer": entry}, true)
	}

	e, _ := a.Get("peer")
	if e.GossipHopCount > 3 {
		t.Fatalf("gossip_hop_count must be capped at 3, got %d", e.GossipHopCount)
	}
}

func TestEvictNeverRemovesSelf(t *testing.T) {
	a := New("self", 1)
	a.SetSelf("http://self:1", "", nil)

	// Force self's last_seen far in the past by re-merging is not allowed
	// (Merge skips self), so eviction must never touch it regardless.
	evicted := a.Evict()
	for _, id := range evicted {
		if id == "self" {
			t.Fatal("Evict must never evict the self entry")
		}
	}
	if _, ok := a.Get("self"); !ok {
		t.Fatal("self entry should still be present")
	}
}

func TestFindProvidersExcludesSelfAddrAndClientOnly(t *testing.T) {
	a := New("self", 60000)
	now := nowMs()
	a.Merge(map[string]Entry{
		"provider": {Addr: "http://provider:1", Caps: []string{"test/echo"}, LastSeen: now},
		"client":   {Addr: "client://abc", Caps: []string{"test/echo"}, LastSeen: now},
		"self-addr-dup": {Addr: "http://self:1", Caps: []string{"test/echo"}, LastSeen: now},
	}, false)

	providers := a.FindProviders("test/echo", "http://self:1", nil)
	if len(providers) != 1 || providers[0].ID != "provider" {
		t.Fatalf("expected only 'provider', got %+v", providers)
	}
}

func TestCapabilitySampleIsBoundedAndSorted(t *testing.T) {
	a := New("self", 60000)
	now := nowMs()
	a.Merge(map[string]Entry{
		"p1": {Addr: "http://p1:1", Caps: []string{"b/cap", "a/cap"}, LastSeen: now},
	}, false)

	sample := a.CapabilitySample(20)
	if len(sample) != 2 || sample[0] != "a/cap" {
		t.Fatalf("expected sorted [a/cap b/cap], got %v", sample)
	}
}

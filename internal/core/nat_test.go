//go:build windows

package core

import (
	"net/netip"
	"testing"
	"time"
)

func TestNATInsertLookupRoundTrip(t *testing.T) {
	nat := NewNATTable()
	remote := netip.MustParseAddr("93.184.216.34")
	orig := netip.MustParseAddr("10.8.0.5")

	nat.Insert(remote, 443, 51000, orig, 7, false)

	gotIP, gotIfIndex, ok := nat.Lookup(remote, 443, 51000)
	if !ok {
		t.Fatal("expected lookup hit")
	}
	if gotIP != orig {
		t.Errorf("originalLocalIP = %v, want %v", gotIP, orig)
	}
	if gotIfIndex != 7 {
		t.Errorf("originalIfIndex = %d, want 7", gotIfIndex)
	}
}

func TestNATLookupMiss(t *testing.T) {
	nat := NewNATTable()
	_, _, ok := nat.Lookup(netip.MustParseAddr("1.2.3.4"), 80, 1234)
	if ok {
		t.Fatal("expected lookup miss on empty table")
	}
}

func TestNATKeyDistinguishesLocalPort(t *testing.T) {
	nat := NewNATTable()
	remote := netip.MustParseAddr("1.1.1.1")
	origA := netip.MustParseAddr("10.8.0.1")
	origB := netip.MustParseAddr("10.8.0.2")

	nat.Insert(remote, 443, 50000, origA, 1, false)
	nat.Insert(remote, 443, 50001, origB, 2, false)

	gotA, _, _ := nat.Lookup(remote, 443, 50000)
	gotB, _, _ := nat.Lookup(remote, 443, 50001)
	if gotA != origA || gotB != origB {
		t.Fatalf("entries collided: got %v / %v, want %v / %v", gotA, gotB, origA, origB)
	}
}

func TestNATPruneBelowThresholdIsNoop(t *testing.T) {
	nat := NewNATTable()
	remote := netip.MustParseAddr("8.8.8.8")
	for i := 0; i < 100; i++ {
		nat.Insert(remote, 53, uint16(20000+i), netip.MustParseAddr("10.8.0.1"), 1, true)
	}
	nat.Prune()
	if nat.Len() != 100 {
		t.Fatalf("Len() = %d after prune below threshold, want 100 unchanged", nat.Len())
	}
}

func TestNATPruneShrinksAboveThreshold(t *testing.T) {
	nat := NewNATTable()
	remote := netip.MustParseAddr("8.8.8.8")
	for i := 0; i < natMaxEntries+1; i++ {
		nat.Insert(remote, uint16(1+i%60000), uint16(1+i%60000), netip.MustParseAddr("10.8.0.1"), 1, true)
	}
	if nat.Len() != natMaxEntries+1 {
		t.Fatalf("Len() = %d before prune, want %d", nat.Len(), natMaxEntries+1)
	}
	nat.Prune()
	if nat.Len() > natMaxEntries/2+1 {
		t.Fatalf("Len() = %d after prune, want roughly half of %d", nat.Len(), natMaxEntries+1)
	}
}

func TestNATSweepIdleUDPEvictsPastTimeout(t *testing.T) {
	nat := NewNATTable()
	remote := netip.MustParseAddr("1.1.1.1")
	nat.Insert(remote, 12345, 40000, netip.MustParseAddr("10.8.0.1"), 1, true)

	k := makeNATKey(remote, 12345, 40000)
	shard := &nat.shards[shardIndex(k)]
	shard.mu.Lock()
	shard.m[k].lastActivity.Store(time.Now().Add(-3 * time.Minute).UnixNano())
	shard.mu.Unlock()

	nat.sweepIdleUDP()

	if _, _, ok := nat.Lookup(remote, 12345, 40000); ok {
		t.Fatal("expected idle UDP entry to be evicted")
	}
}

func TestNATSweepIdleUDPHonorsShorterDNSTimeout(t *testing.T) {
	nat := NewNATTable()
	remote := netip.MustParseAddr("8.8.8.8")
	nat.Insert(remote, 53, 40001, netip.MustParseAddr("10.8.0.1"), 1, true)

	k := makeNATKey(remote, 53, 40001)
	shard := &nat.shards[shardIndex(k)]
	shard.mu.Lock()
	shard.m[k].lastActivity.Store(time.Now().Add(-30 * time.Second).UnixNano())
	shard.mu.Unlock()

	nat.sweepIdleUDP()

	if _, _, ok := nat.Lookup(remote, 53, 40001); ok {
		t.Fatal("expected DNS NAT entry past its 10s timeout to be evicted")
	}
}

func TestNATStartStopUDPAgingIdempotent(t *testing.T) {
	nat := NewNATTable()
	nat.StartUDPAging()
	nat.StopUDPAging()
	// second StopUDPAging without a matching Start must not block or panic.
	nat.StopUDPAging()
}

//go:build windows

package core

import (
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// natKey is (remote_ip, remote_port, local_port) packed into a fixed-size
// comparable array so it can key a plain Go map (spec §3: "the only stable
// identifier of the flow in both directions is (remote endpoint, local
// port)"). IPv4 only — 4 + 2 + 2 bytes.
type natKey [8]byte

func makeNATKey(remoteIP netip.Addr, remotePort, localPort uint16) natKey {
	var k natKey
	ip4 := remoteIP.As4()
	copy(k[0:4], ip4[:])
	k[4] = byte(remotePort >> 8)
	k[5] = byte(remotePort)
	k[6] = byte(localPort >> 8)
	k[7] = byte(localPort)
	return k
}

// natEntry is the value C5 uses to undo C4's rewrite.
type natEntry struct {
	originalLocalIP netip.Addr
	originalIfIndex uint32
	isUDP           bool
	remotePort      uint16
	seq             uint64
	lastActivity    atomic.Int64 // unix nanoseconds, updated on every lookup hit

	// traceID correlates this flow's log lines (insert, reverse lookups)
	// across C4 and C5 when debug logging is enabled.
	traceID string
}

const (
	natShardCount = 64

	// natMaxEntries and Prune's half-table cutoff implement spec B2: "NAT table at
	// exactly 50000 entries accepts a 50001st insert, then on next prune
	// shrinks to <=25000."
	natMaxEntries = 50000

	// udpIdleTimeout and dnsIdleTimeout implement the supplemented
	// LastActivity-based UDP aging (SPEC_FULL §11): UDP has no FIN/RST to
	// signal teardown, so idle UDP entries are swept independently of the
	// bulk prune. Port 53 gets a much shorter window since DNS request/
	// response pairs complete in milliseconds.
	udpIdleTimeout = 2 * time.Minute
	dnsIdleTimeout = 10 * time.Second
	udpAgingTick   = 30 * time.Second
)

type natShard struct {
	mu sync.RWMutex
	m  map[natKey]*natEntry
}

// NATTable is C4's owned, C5-read NAT table. Sharded by the low bits of an
// FNV-1a hash of the key (spec §9 design note: "a sharded hash map keyed by
// the 3-tuple's hash low bits"), chosen over a single mutex-guarded map
// because C4 and C5 run on separate hot-path threads and a sharded table
// keeps insert/lookup contention independent of total flow count.
type NATTable struct {
	shards [natShardCount]natShard
	seq    atomic.Uint64
	count  atomic.Int64

	stopAging chan struct{}
	doneAging chan struct{}
}

// NewNATTable creates an empty NAT table.
func NewNATTable() *NATTable {
	t := &NATTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[natKey]*natEntry)
	}
	return t
}

func shardIndex(k natKey) int {
	// FNV-1a over the 8 key bytes.
	var h uint64 = 14695981039346656037
	for _, b := range k {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return int(h & (natShardCount - 1))
}

// Insert records a NAT mapping before the rewritten packet is re-injected
// (invariant I3: insert-before-inject is the caller's responsibility — this
// call must complete before C4's Send). isUDP/remotePort feed the
// supplemental idle-aging sweep.
func (t *NATTable) Insert(remoteIP netip.Addr, remotePort, localPort uint16, originalLocalIP netip.Addr, originalIfIndex uint32, isUDP bool) {
	k := makeNATKey(remoteIP, remotePort, localPort)
	e := &natEntry{
		originalLocalIP: originalLocalIP,
		originalIfIndex: originalIfIndex,
		isUDP:           isUDP,
		remotePort:      remotePort,
		seq:             t.seq.Add(1),
		traceID:         uuid.NewString(),
	}
	e.lastActivity.Store(time.Now().UnixNano())

	shard := &t.shards[shardIndex(k)]
	shard.mu.Lock()
	_, existed := shard.m[k]
	shard.m[k] = e
	shard.mu.Unlock()

	if !existed {
		t.count.Add(1)
	}
	Log.Debugf("NAT", "trace=%s insert remote=%s:%d local_port=%d udp=%v", e.traceID, remoteIP, remotePort, localPort, isUDP)
}

// Lookup reverses a rewrite for C5. A hit touches the entry's last-activity
// timestamp (supplemental UDP aging).
func (t *NATTable) Lookup(remoteIP netip.Addr, remotePort, localPort uint16) (originalLocalIP netip.Addr, originalIfIndex uint32, ok bool) {
	k := makeNATKey(remoteIP, remotePort, localPort)
	shard := &t.shards[shardIndex(k)]

	shard.mu.RLock()
	e, found := shard.m[k]
	shard.mu.RUnlock()
	if !found {
		return netip.Addr{}, 0, false
	}
	e.lastActivity.Store(time.Now().UnixNano())
	Log.Debugf("NAT", "trace=%s reverse-lookup hit", e.traceID)
	return e.originalLocalIP, e.originalIfIndex, true
}

// Len returns the approximate entry count (exact, barring a concurrent
// Insert racing the read of count).
func (t *NATTable) Len() int {
	return int(t.count.Load())
}

// Prune implements the bulk "clear oldest half" eviction C2 triggers every
// 50 cycles (spec §4.5). Eviction is by insertion-order sequence number
// rather than a separate deque (SPEC_FULL §11 supplement, per spec.md §9's
// own suggested alternative).
func (t *NATTable) Prune() {
	if t.Len() <= natMaxEntries {
		return
	}

	seqs := make([]uint64, 0, t.Len())
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.RLock()
		for _, e := range shard.m {
			seqs = append(seqs, e.seq)
		}
		shard.mu.RUnlock()
	}
	if len(seqs) == 0 {
		return
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	// Evicting everything below seqs[ceil(n/2)] leaves floor(n/2) entries.
	cutoff := seqs[(len(seqs)+1)/2]

	var evicted int64
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		for k, e := range shard.m {
			if e.seq < cutoff {
				delete(shard.m, k)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	t.count.Add(-evicted)
	Log.Debugf("NAT", "pruned %d entries, %d remain", evicted, t.Len())
}

// StartUDPAging runs a background sweep that evicts idle UDP entries
// independent of the bulk prune, since UDP has no FIN/RST to signal
// teardown. Started by the Engine Supervisor alongside the three workers;
// it is not one of the three spec-named workers and does not affect the
// stop-join timeout (it observes stopAging, not the worker stop channels).
func (t *NATTable) StartUDPAging() {
	t.stopAging = make(chan struct{})
	t.doneAging = make(chan struct{})
	go func() {
		defer close(t.doneAging)
		ticker := time.NewTicker(udpAgingTick)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopAging:
				return
			case <-ticker.C:
				t.sweepIdleUDP()
			}
		}
	}()
}

// StopUDPAging stops the aging sweep. Safe to call even if StartUDPAging
// was never called.
func (t *NATTable) StopUDPAging() {
	if t.stopAging == nil {
		return
	}
	close(t.stopAging)
	<-t.doneAging
	t.stopAging = nil
	t.doneAging = nil
}

func (t *NATTable) sweepIdleUDP() {
	now := time.Now().UnixNano()
	var evicted int64
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		for k, e := range shard.m {
			if !e.isUDP {
				continue
			}
			timeout := udpIdleTimeout
			if e.remotePort == 53 {
				timeout = dnsIdleTimeout
			}
			if time.Duration(now-e.lastActivity.Load()) > timeout {
				delete(shard.m, k)
				evicted++
			}
		}
		shard.mu.Unlock()
	}
	if evicted > 0 {
		t.count.Add(-evicted)
		Log.Debugf("NAT", "aged out %d idle UDP entries", evicted)
	}
}

//go:build windows

package core

import (
	"net/netip"
	"sync/atomic"
	"time"

	"splittun/internal/process"
)

// pollInterval is C2's snapshot cadence (spec §4.2).
const pollInterval = 200 * time.Millisecond

// natPruneEvery is how many tracker cycles elapse between NAT table prunes
// (spec §4.5: "every 50 tracker cycles (~10s)" at a 200ms poll interval).
const natPruneEvery = 50

// endpointKey identifies a local socket by bound address and port.
type endpointKey struct {
	ip   netip.Addr
	port uint16
}

// NATPruner is the subset of NATTable the tracker needs to trigger bulk
// eviction. Kept as an interface so flow_tracker_test.go can fake it.
type NATPruner interface {
	Prune()
}

// FlowTracker is C2: it periodically snapshots the host's IPv4 TCP/UDP
// sockets and publishes two lock-free indexes consumed by the outbound
// diverter's hot path, plus a PID→executable cache. It also periodically
// triggers NAT table pruning.
type FlowTracker struct {
	resolver *process.Resolver
	matcher  *process.Matcher
	nat      NATPruner

	vpnIP     netip.Addr
	defaultIP netip.Addr

	byEndpoint atomic.Pointer[map[endpointKey]string]
	byPort     atomic.Pointer[map[uint16]string]

	cycle uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewFlowTracker creates a tracker. vpnIP/defaultIP are used to duplicate
// wildcard-bound sockets (spec §3: "Entries bound to wildcard addresses are
// duplicated under both (vpn_ip, port) and (default_ip, port)").
func NewFlowTracker(resolver *process.Resolver, matcher *process.Matcher, nat NATPruner, vpnIP, defaultIP netip.Addr) *FlowTracker {
	t := &FlowTracker{
		resolver:  resolver,
		matcher:   matcher,
		nat:       nat,
		vpnIP:     vpnIP,
		defaultIP: defaultIP,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	emptyEP := map[endpointKey]string{}
	emptyPort := map[uint16]string{}
	t.byEndpoint.Store(&emptyEP)
	t.byPort.Store(&emptyPort)
	return t
}

// LookupEndpoint returns the executable bound to (ip, port), if tracked.
func (t *FlowTracker) LookupEndpoint(ip netip.Addr, port uint16) (string, bool) {
	table := *t.byEndpoint.Load()
	exe, ok := table[endpointKey{ip: ip, port: port}]
	return exe, ok
}

// LookupPort returns the executable bound to port on any address, if tracked.
func (t *FlowTracker) LookupPort(port uint16) (string, bool) {
	table := *t.byPort.Load()
	exe, ok := table[port]
	return exe, ok
}

// Run executes the poll loop until Stop is called. Intended to run on its
// own goroutine, started by the Engine Supervisor.
func (t *FlowTracker) Run() {
	defer close(t.doneCh)
	for {
		select {
		case <-t.stopCh:
			return
		case <-time.After(pollInterval):
			t.tick()
		}
	}
}

// Stop signals the poll loop to exit and waits for it to do so.
func (t *FlowTracker) Stop() {
	close(t.stopCh)
	<-t.doneCh
}

func (t *FlowTracker) tick() {
	tcpEntries, udpEntries, err := t.resolver.Snapshot()
	if err != nil {
		Log.Warnf("FlowTracker", "enumeration failed, keeping previous tables: %v", err)
		return
	}

	newByEndpoint := make(map[endpointKey]string, len(tcpEntries)+len(udpEntries))
	newByPort := make(map[uint16]string, len(tcpEntries)+len(udpEntries))
	alive := make(map[uint32]struct{})

	for _, e := range append(append([]process.Entry{}, tcpEntries...), udpEntries...) {
		if e.PID == 0 {
			continue
		}
		alive[e.PID] = struct{}{}

		exe, ok := t.matcher.GetExePath(e.PID)
		if !ok {
			// Dead or protected process this cycle; a later cycle may resolve it.
			continue
		}
		exe = NormalizeExePath(exe)

		if e.LocalIP.IsUnspecified() {
			if t.vpnIP.IsValid() {
				newByEndpoint[endpointKey{ip: t.vpnIP, port: e.LocalPort}] = exe
			}
			if t.defaultIP.IsValid() {
				newByEndpoint[endpointKey{ip: t.defaultIP, port: e.LocalPort}] = exe
			}
		} else {
			newByEndpoint[endpointKey{ip: e.LocalIP, port: e.LocalPort}] = exe
		}
		newByPort[e.LocalPort] = exe
	}

	t.matcher.PruneTo(alive)

	t.byEndpoint.Store(&newByEndpoint)
	t.byPort.Store(&newByPort)

	t.cycle++
	if t.nat != nil && t.cycle%natPruneEvery == 0 {
		t.nat.Prune()
	}
}

//go:build windows

package core

import (
	"encoding/binary"
	"sync/atomic"

	"splittun/internal/capture"
	"splittun/internal/process"
)

// OutboundDiverter is C4: one worker owning the outbound capture handle. It
// decides per packet whether to pass it unchanged or rewrite its source IP
// and egress interface, recording a NAT entry for the reverse path.
type OutboundDiverter struct {
	handle   capture.PacketHandle
	tracker  *FlowTracker
	resolver *process.Resolver
	matcher  *process.Matcher
	policy   *Policy
	nat      *NATTable

	// vpnIP/defaultIP are held as atomic.Uint32 (big-endian IPv4) rather
	// than plain fields so RefreshAddresses can update them without a
	// stop/start cycle (SPEC_FULL §11 supplement).
	vpnIP, defaultIP           atomic.Uint32
	vpnIfIndex, defaultIfIndex uint32

	doneCh chan struct{}
}

func ipToUint32(ip [4]byte) uint32 { return binary.BigEndian.Uint32(ip[:]) }

func uint32ToIP(v uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b
}

// NewOutboundDiverter wires C4 against an already-open outbound handle.
func NewOutboundDiverter(handle capture.PacketHandle, tracker *FlowTracker, resolver *process.Resolver, matcher *process.Matcher, policy *Policy, nat *NATTable, vpnIP, defaultIP [4]byte, vpnIfIndex, defaultIfIndex uint32) *OutboundDiverter {
	d := &OutboundDiverter{
		handle:         handle,
		tracker:        tracker,
		resolver:       resolver,
		matcher:        matcher,
		policy:         policy,
		nat:            nat,
		vpnIfIndex:     vpnIfIndex,
		defaultIfIndex: defaultIfIndex,
		doneCh:         make(chan struct{}),
	}
	d.vpnIP.Store(ipToUint32(vpnIP))
	d.defaultIP.Store(ipToUint32(defaultIP))
	return d
}

// SetAddresses atomically updates the addresses the fast path compares
// against, without requiring a stop/start cycle (SPEC_FULL §11).
func (d *OutboundDiverter) SetAddresses(vpnIP, defaultIP [4]byte) {
	d.vpnIP.Store(ipToUint32(vpnIP))
	d.defaultIP.Store(ipToUint32(defaultIP))
}

// Run reads packets until the handle is closed, then returns. Intended to
// run on its own goroutine; the supervisor closes the handle to stop it
// (spec §4.4: "the worker exits its loop ... and returns").
func (d *OutboundDiverter) Run() {
	defer close(d.doneCh)
	for {
		pkt, err := d.handle.Recv()
		if err != nil {
			return
		}
		d.handlePacket(pkt)
	}
}

// Done reports the worker's exit, for the supervisor's bounded join.
func (d *OutboundDiverter) Done() <-chan struct{} { return d.doneCh }

func (d *OutboundDiverter) handlePacket(pkt *capture.Packet) {
	mode, toggled := d.policy.Snapshot()
	src := ipToUint32(pkt.SrcAddr.As4())

	// Fast path: the VPN client's own already-on-the-right-side traffic
	// must never be diverted again, or the tunnel collapses (spec §4.4
	// step 1). This check precedes any flow lookup.
	switch mode {
	case ModeVPNDefault:
		if src == d.defaultIP.Load() {
			d.send(pkt)
			return
		}
	case ModeDirectDefault:
		if src == d.vpnIP.Load() {
			d.send(pkt)
			return
		}
	}

	exe, ok := d.attribute(pkt)
	if !ok || toggled == nil || !(*toggled).contains(exe) {
		d.send(pkt)
		return
	}

	var newSrc [4]byte
	var targetIfIndex, originalIfIndexInt uint32
	switch mode {
	case ModeVPNDefault:
		newSrc = uint32ToIP(d.defaultIP.Load())
		targetIfIndex = d.defaultIfIndex
		originalIfIndexInt = d.vpnIfIndex
	case ModeDirectDefault:
		newSrc = uint32ToIP(d.vpnIP.Load())
		targetIfIndex = d.vpnIfIndex
		originalIfIndexInt = d.defaultIfIndex
	}

	// Insert-before-inject (invariant I3): the NAT entry must be visible
	// before the rewritten packet can possibly be replied to.
	d.nat.Insert(pkt.DstAddr, pkt.DstPort, pkt.SrcPort, pkt.SrcAddr, originalIfIndexInt, pkt.IsUDP)

	pkt.SetSrcAddr(newSrc)
	if targetIfIndex != 0 {
		pkt.IfIndex = targetIfIndex
	}
	d.send(pkt)
}

// attribute resolves the packet's owning executable: by_endpoint, then
// by_port, then C1's synchronous port-to-PID lookup (spec §4.4 step 2).
func (d *OutboundDiverter) attribute(pkt *capture.Packet) (string, bool) {
	if exe, ok := d.tracker.LookupEndpoint(pkt.SrcAddr, pkt.SrcPort); ok {
		return exe, true
	}
	if exe, ok := d.tracker.LookupPort(pkt.SrcPort); ok {
		return exe, true
	}
	pid, ok := d.resolver.Resolve(pkt.SrcPort)
	if !ok {
		return "", false
	}
	exe, ok := d.matcher.GetExePath(pid)
	if !ok {
		return "", false
	}
	return NormalizeExePath(exe), true
}

func (d *OutboundDiverter) send(pkt *capture.Packet) {
	if err := d.handle.Send(pkt); err != nil {
		Log.Debugf("Outbound", "send failed: %v", err)
	}
}

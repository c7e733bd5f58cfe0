//go:build windows

package core

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"splittun/internal/capture"
	"splittun/internal/process"
)

// blockingHandle blocks Recv until Close is called, simulating a capture
// handle whose worker is parked waiting for the next packet (spec B3).
type blockingHandle struct {
	closed chan struct{}
}

func newBlockingHandle() *blockingHandle { return &blockingHandle{closed: make(chan struct{})} }

func (h *blockingHandle) Recv() (*capture.Packet, error) {
	<-h.closed
	return nil, capture.ErrClosed
}
func (h *blockingHandle) Send(pkt *capture.Packet) error { return nil }
func (h *blockingHandle) Close()                         { close(h.closed) }

func TestOutboundDiverterExitsWithinStopJoinTimeoutAfterHandleClose(t *testing.T) {
	handle := newBlockingHandle()
	nat := NewNATTable()
	policy := NewPolicy(ModeVPNDefault, nil)
	tracker := NewFlowTracker(process.NewResolver(), process.NewMatcher(), nat, netip.Addr{}, netip.Addr{})
	d := NewOutboundDiverter(handle, tracker, process.NewResolver(), process.NewMatcher(), policy, nat,
		[4]byte{}, [4]byte{}, 0, 0)

	go d.Run()
	handle.Close()

	select {
	case <-d.Done():
	case <-time.After(stopJoinTimeout):
		t.Fatal("worker did not exit within the stop-join timeout after handle close")
	}
}

// fakeHandle is a capture.PacketHandle driven entirely in memory, so the
// diverters can be exercised without a live NDIS driver.
type fakeHandle struct {
	sent []*capture.Packet
}

func (f *fakeHandle) Recv() (*capture.Packet, error) { return nil, capture.ErrClosed }
func (f *fakeHandle) Send(pkt *capture.Packet) error {
	f.sent = append(f.sent, pkt)
	return nil
}

// buildUDPFrame returns a raw Ethernet+IPv4+UDP frame with a valid IPv4
// header checksum, suitable for capture.DecodeForInjection.
func buildUDPFrame(src, dst [4]byte, srcPort, dstPort uint16) []byte {
	raw := make([]byte, 14+20+8)
	// Ethernet: type = IPv4.
	binary.BigEndian.PutUint16(raw[12:14], 0x0800)

	ip := raw[14:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], 28) // total length
	ip[8] = 64                              // TTL
	ip[9] = 17                              // UDP
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], 8)

	var sum uint32
	for i := 0; i < 20; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(ip[i : i+2]))
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	binary.BigEndian.PutUint16(ip[10:12], ^uint16(sum))
	return raw
}

func newOutboundPacket(t *testing.T, src, dst [4]byte, srcPort, dstPort uint16) *capture.Packet {
	t.Helper()
	pkt, ok := capture.DecodeForInjection(capture.DirectionOutbound, buildUDPFrame(src, dst, srcPort, dstPort))
	if !ok {
		t.Fatal("failed to decode synthetic frame")
	}
	return pkt
}

func TestOutboundDiverterFastPathNeverRewritesDefaultTraffic(t *testing.T) {
	vpnIP := [4]byte{10, 8, 0, 2}
	defaultIP := [4]byte{192, 168, 1, 50}
	policy := NewPolicy(ModeVPNDefault, []string{"anything.exe"})
	nat := NewNATTable()
	handle := &fakeHandle{}

	tracker := NewFlowTracker(process.NewResolver(), process.NewMatcher(), nat, netip.AddrFrom4(vpnIP), netip.AddrFrom4(defaultIP))
	d := NewOutboundDiverter(handle, tracker, process.NewResolver(), process.NewMatcher(), policy, nat, vpnIP, defaultIP, 3, 7)

	pkt := newOutboundPacket(t, defaultIP, [4]byte{1, 1, 1, 1}, 51000, 443)
	origSrc := pkt.SrcAddr
	d.handlePacket(pkt)

	if len(handle.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(handle.sent))
	}
	if handle.sent[0].SrcAddr != origSrc {
		t.Error("fast-path packet must not be rewritten")
	}
	if nat.Len() != 0 {
		t.Error("fast-path packet must not create a NAT entry")
	}
}

func TestOutboundDiverterPassesUntoggledAppUnchanged(t *testing.T) {
	vpnIP := [4]byte{10, 8, 0, 2}
	defaultIP := [4]byte{192, 168, 1, 50}
	policy := NewPolicy(ModeVPNDefault, nil) // nothing toggled
	nat := NewNATTable()
	handle := &fakeHandle{}

	tracker := NewFlowTracker(process.NewResolver(), process.NewMatcher(), nat, netip.AddrFrom4(vpnIP), netip.AddrFrom4(defaultIP))
	d := NewOutboundDiverter(handle, tracker, process.NewResolver(), process.NewMatcher(), policy, nat, vpnIP, defaultIP, 3, 7)

	other := [4]byte{10, 8, 0, 200}
	pkt := newOutboundPacket(t, other, [4]byte{1, 1, 1, 1}, 51001, 443)
	d.handlePacket(pkt)

	if len(handle.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(handle.sent))
	}
	if handle.sent[0].SrcAddr.As4() != other {
		t.Error("untoggled traffic must pass through unchanged")
	}
	if nat.Len() != 0 {
		t.Error("untoggled traffic must not create a NAT entry")
	}
}

func TestOutboundDiverterRewritesToggledAppAndInsertsNAT(t *testing.T) {
	vpnIP := [4]byte{10, 8, 0, 2}
	defaultIP := [4]byte{192, 168, 1, 50}
	toggledExe := "toggled.exe"
	policy := NewPolicy(ModeVPNDefault, []string{toggledExe})
	nat := NewNATTable()
	handle := &fakeHandle{}

	tracker := NewFlowTracker(process.NewResolver(), process.NewMatcher(), nat, netip.AddrFrom4(vpnIP), netip.AddrFrom4(defaultIP))
	byEndpoint := map[endpointKey]string{
		{ip: netip.AddrFrom4(vpnIP), port: 51002}: toggledExe,
	}
	tracker.byEndpoint.Store(&byEndpoint)

	d := NewOutboundDiverter(handle, tracker, process.NewResolver(), process.NewMatcher(), policy, nat, vpnIP, defaultIP, 3, 7)

	remote := [4]byte{1, 1, 1, 1}
	pkt := newOutboundPacket(t, vpnIP, remote, 51002, 443)
	d.handlePacket(pkt)

	if len(handle.sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(handle.sent))
	}
	if handle.sent[0].SrcAddr.As4() != defaultIP {
		t.Errorf("rewritten source = %v, want %v", handle.sent[0].SrcAddr, netip.AddrFrom4(defaultIP))
	}
	if handle.sent[0].IfIndex != 7 {
		t.Errorf("IfIndex = %d, want 7 (default_if_index)", handle.sent[0].IfIndex)
	}

	origIP, origIfIndex, ok := nat.Lookup(netip.AddrFrom4(remote), 443, 51002)
	if !ok {
		t.Fatal("expected a NAT entry to be inserted before send")
	}
	if origIP.As4() != vpnIP {
		t.Errorf("NAT original local IP = %v, want %v", origIP, netip.AddrFrom4(vpnIP))
	}
	if origIfIndex != 3 {
		t.Errorf("NAT original if_index = %d, want 3 (vpn_if_index)", origIfIndex)
	}
}

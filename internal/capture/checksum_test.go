//go:build windows

package capture

import (
	"encoding/binary"
	"testing"
)

// buildIPv4UDPPacket returns a minimal Ethernet+IPv4+UDP frame with a
// correctly computed IPv4 header checksum and UDP checksum set to zero
// (valid per RFC 768 — zero means "no checksum"), along with a Packet
// pointing at it, so SetSrcAddr/SetDstAddr can be exercised end to end.
func buildIPv4UDPPacket(src, dst [4]byte, srcPort, dstPort uint16) *Packet {
	const ipOff = 14
	raw := make([]byte, ipOff+20+8+4) // eth + ip + udp header + 4 bytes payload

	ip := raw[ipOff:]
	ip[0] = 0x45 // version 4, IHL 5
	ip[9] = protoUDP
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])
	binary.BigEndian.PutUint16(ip[10:12], ipv4HeaderChecksum(ip[:20]))

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], 12) // length
	binary.BigEndian.PutUint16(udp[6:8], 0)  // checksum disabled

	return &Packet{raw: raw, ipOff: ipOff, l4Off: ipOff + 20}
}

func ipv4HeaderChecksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i < len(header); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	return checksumFold(sum)
}

func verifyIPv4HeaderChecksum(t *testing.T, raw []byte, ipOff int) {
	t.Helper()
	header := make([]byte, 20)
	copy(header, raw[ipOff:ipOff+20])
	binary.BigEndian.PutUint16(header[10:12], 0)
	want := ipv4HeaderChecksum(header)
	got := binary.BigEndian.Uint16(raw[ipOff+10 : ipOff+12])
	if got != want {
		t.Errorf("IPv4 checksum after rewrite = 0x%04x, want 0x%04x", got, want)
	}
}

func TestSetSrcAddrUpdatesAddressAndChecksum(t *testing.T) {
	src := [4]byte{10, 8, 0, 5}
	dst := [4]byte{93, 184, 216, 34}
	pkt := buildIPv4UDPPacket(src, dst, 51000, 443)

	newSrc := [4]byte{192, 168, 1, 50}
	pkt.SetSrcAddr(newSrc)

	got := [4]byte(pkt.raw[pkt.ipOff+ipv4SrcOff : pkt.ipOff+ipv4SrcOff+4])
	if got != newSrc {
		t.Errorf("source address = %v, want %v", got, newSrc)
	}
	verifyIPv4HeaderChecksum(t, pkt.raw, pkt.ipOff)
}

func TestSetDstAddrUpdatesAddressAndChecksum(t *testing.T) {
	src := [4]byte{10, 8, 0, 5}
	dst := [4]byte{93, 184, 216, 34}
	pkt := buildIPv4UDPPacket(src, dst, 51000, 443)

	newDst := [4]byte{1, 1, 1, 1}
	pkt.SetDstAddr(newDst)

	got := [4]byte(pkt.raw[pkt.ipOff+ipv4DstOff : pkt.ipOff+ipv4DstOff+4])
	if got != newDst {
		t.Errorf("dest address = %v, want %v", got, newDst)
	}
	verifyIPv4HeaderChecksum(t, pkt.raw, pkt.ipOff)
}

func TestSetSrcAddrLeavesDisabledUDPChecksumAtZero(t *testing.T) {
	src := [4]byte{10, 8, 0, 5}
	dst := [4]byte{93, 184, 216, 34}
	pkt := buildIPv4UDPPacket(src, dst, 51000, 443)

	pkt.SetSrcAddr([4]byte{192, 168, 1, 50})

	udpChecksum := binary.BigEndian.Uint16(pkt.raw[pkt.l4Off+udpChecksumOff : pkt.l4Off+udpChecksumOff+2])
	if udpChecksum != 0 {
		t.Errorf("UDP checksum = 0x%04x, want 0x0000 (disabled checksum must stay disabled)", udpChecksum)
	}
}

func TestChecksumUpdate16MatchesFullRecompute(t *testing.T) {
	header := []byte{
		0x45, 0x00, 0x00, 0x3c, 0x1c, 0x46, 0x40, 0x00,
		0x40, 0x06, 0x00, 0x00, 0x0a, 0x08, 0x00, 0x05,
		0x5d, 0xb8, 0xd8, 0x22,
	}
	origChecksum := ipv4HeaderChecksum(header)
	binary.BigEndian.PutUint16(header[10:12], origChecksum)

	oldHi := binary.BigEndian.Uint16(header[12:14])
	newHi := uint16(0xC0A8)
	updated := checksumUpdate16(origChecksum, oldHi, newHi)

	rebuilt := make([]byte, len(header))
	copy(rebuilt, header)
	binary.BigEndian.PutUint16(rebuilt[12:14], newHi)
	binary.BigEndian.PutUint16(rebuilt[10:12], 0)
	want := ipv4HeaderChecksum(rebuilt)

	if updated != want {
		t.Errorf("incremental update = 0x%04x, want 0x%04x (full recompute)", updated, want)
	}
}

func TestIHLReadsHeaderLength(t *testing.T) {
	raw := make([]byte, 14+20)
	raw[14] = 0x45 // IHL = 5 -> 20 bytes
	if got := ihl(raw, 14); got != 20 {
		t.Errorf("ihl() = %d, want 20", got)
	}

	raw2 := make([]byte, 14+24)
	raw2[14] = 0x46 // IHL = 6 -> 24 bytes
	if got := ihl(raw2, 14); got != 24 {
		t.Errorf("ihl() = %d, want 24", got)
	}
}

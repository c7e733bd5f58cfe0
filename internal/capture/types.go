//go:build windows

// Package capture adapts the wiresock/ndisapi-go NDIS intermediate-driver
// packet filter to the blocking recv/send/close contract the core engine's
// diverters are written against (spec §6). ndisapi-go's queued filter is
// callback-driven: a single function decides pass/drop/redirect for a
// packet in one step, with no later explicit send. This package decouples
// that: the callback decodes the packet, enqueues it, and always returns
// FilterActionDrop ("hold for async decision"); Handle.Send performs the
// actual re-injection once the diverter has finished mutating it.
package capture

import (
	"fmt"
	"net"
	"net/netip"
)

// addrFromIP converts a net.IP (as decoded by gopacket) to a netip.Addr,
// rejecting anything that isn't a 4-byte IPv4 address.
func addrFromIP(ip net.IP) (netip.Addr, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return netip.Addr{}, fmt.Errorf("not an IPv4 address: %v", ip)
	}
	return netip.AddrFrom4([4]byte(ip4)), nil
}

// Direction selects which side of an adapter a filter observes.
type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

// Protocol restricts a filter to TCP, UDP, or both.
type Protocol int

const (
	ProtocolTCP Protocol = 1 << iota
	ProtocolUDP
)

// Filter describes what packets a Handle receives. It is a typed struct
// rather than a parsed expression language — the spec's abstract
// open(filter_expression, priority) is realized this way because the
// teacher itself builds driver.Filter{...} struct literals when calling
// StaticFilters.AddFilterBack instead of parsing a string DSL.
type Filter struct {
	Direction       Direction
	IPv4Only        bool
	Protocols       Protocol
	ExcludeLoopback bool
}

// PacketHandle is the subset of *Handle a diverter needs: blocking receive
// and re-injection. Declared as an interface so the outbound and inbound
// diverters can be driven by a fake in tests without a live NDIS driver.
type PacketHandle interface {
	Recv() (*Packet, error)
	Send(pkt *Packet) error
}

// Packet is one decoded IPv4 TCP/UDP datagram with mutable fields a
// diverter rewrites in place before calling Handle.Send. SrcPort/DstPort
// are zero for protocols other than TCP/UDP, which the filter already
// excludes.
type Packet struct {
	Direction Direction
	IsUDP     bool

	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16

	// IfIndex is the interface index a diverter assigns when it redirects
	// the packet. Recv always delivers packets with IfIndex zero, and
	// Handle.Send does not read it: re-injection goes to the adapter or to
	// the protocol stack according to Direction alone.
	IfIndex uint32

	// raw holds the full decoded Ethernet/IPv4/L4 buffer, mutated in place
	// by the rewrite helpers in checksum.go and handed back to the driver
	// on Send.
	raw []byte

	// ipOff/l4Off are byte offsets of the IPv4 and TCP/UDP headers within
	// raw, cached at decode time so the rewrite helpers don't re-parse.
	ipOff int
	l4Off int
}

// Raw exposes the packet's full wire bytes (spec §6: "access to raw
// payload"). Callers must not change its length, only header field bytes
// via SetSrcAddr/SetDstAddr.
func (p *Packet) Raw() []byte { return p.raw }

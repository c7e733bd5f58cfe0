//go:build windows

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/wiresock/ndisapi-go"
	"github.com/wiresock/ndisapi-go/driver"
)

// ErrNotInstalled means the NDIS intermediate driver is not present on the
// host. Returned by NewDriver.
var ErrNotInstalled = errors.New("capture: NDIS driver not installed")

// ErrOpenFailed means the queued packet filter could not be started.
var ErrOpenFailed = errors.New("capture: handle open failed")

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("capture: handle closed")

// Driver owns the NDIS API session and the single queued packet filter
// registered against the host's bound adapters. ndisapi-go registers one
// filter with an incoming and an outgoing callback together (mirrors the
// teacher's PacketRouter.Start, internal/core/packet_router.go), so both the
// outbound and inbound Handle share this one Driver and its one filter
// rather than each opening their own.
type Driver struct {
	api    *ndisapi.NdisApi
	cancel context.CancelFunc

	mu     sync.Mutex
	qf     *driver.QueuedPacketFilter
	ready  [2]bool // indexed by Direction
	filter [2]Filter
	ch     [2]chan *Packet
	pool   [2]sync.Pool
}

// NewDriver opens the NDIS API session and confirms at least one adapter is
// bound, but does not start filtering yet — that happens once both
// directions have been Open'd, since ndisapi-go registers one filter for
// both callbacks at once.
func NewDriver() (*Driver, error) {
	api, err := ndisapi.NewNdisApi()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}

	adapters, err := api.GetTcpipBoundAdaptersInfo()
	if err != nil || adapters.AdapterCount == 0 {
		api.Close()
		return nil, fmt.Errorf("%w: no bound adapters", ErrNotInstalled)
	}

	d := &Driver{api: api}
	d.ch[DirectionOutbound] = make(chan *Packet, 1024)
	d.ch[DirectionInbound] = make(chan *Packet, 1024)
	d.pool[DirectionOutbound].New = func() any { return newParseCtx() }
	d.pool[DirectionInbound].New = func() any { return newParseCtx() }
	return d, nil
}

// Close stops the queued filter, if started, and releases the NDIS session.
func (d *Driver) Close() {
	d.mu.Lock()
	qf := d.qf
	cancel := d.cancel
	d.mu.Unlock()

	if qf != nil {
		qf.Close()
	}
	if cancel != nil {
		cancel()
	}
	if d.api != nil {
		d.api.Close()
	}
}

// parseCtx holds a pooled, reusable gopacket decode pipeline so the hot
// path allocates nothing per packet (grounded on the teacher's
// packet_router.go parseCtx pattern).
type parseCtx struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newParseCtx() *parseCtx {
	c := &parseCtx{decoded: make([]gopacket.LayerType, 0, 4)}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &c.eth, &c.ip4, &c.tcp, &c.udp)
	c.parser.IgnoreUnsupported = true
	return c
}

// Handle is one direction (outbound or inbound) of the shared Driver filter.
// recv/send are realized as channel operations: the filter callback decodes
// and enqueues onto the direction's channel; Send re-injects once a diverter
// has mutated the packet.
type Handle struct {
	driver *Driver
	dir    Direction
	ch     chan *Packet
	closed chan struct{}
	once   sync.Once
}

// Open registers the filter criteria for f.Direction and returns a Handle
// whose Recv delivers matching packets. The underlying NDIS filter is
// started once both directions have called Open (spec §6: two handles
// expected, outbound and inbound). priority has no equivalent in
// ndisapi-go's single-filter-per-adapter model; it is accepted for call-site
// symmetry with the spec's open(filter, priority) contract and otherwise
// unused.
func (d *Driver) Open(f Filter, priority uint32) (*Handle, error) {
	h := &Handle{
		driver: d,
		dir:    f.Direction,
		ch:     d.ch[f.Direction],
		closed: make(chan struct{}),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter[f.Direction] = f
	d.ready[f.Direction] = true

	if d.qf == nil && d.ready[DirectionOutbound] && d.ready[DirectionInbound] {
		if err := d.startFilterLocked(); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (d *Driver) startFilterLocked() error {
	adapters, err := d.api.GetTcpipBoundAdaptersInfo()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	outCB := func(handle ndisapi.Handle, buf *ndisapi.IntermediateBuffer) ndisapi.FilterAction {
		return d.dispatch(DirectionOutbound, buf)
	}
	inCB := func(handle ndisapi.Handle, buf *ndisapi.IntermediateBuffer) ndisapi.FilterAction {
		return d.dispatch(DirectionInbound, buf)
	}

	qf, err := driver.NewQueuedPacketFilter(ctx, d.api, adapters, inCB, outCB)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if err := qf.StartFilter(0); err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	d.qf = qf
	return nil
}

// dispatch decodes a packet observed on dir and enqueues it, always
// returning FilterActionDrop ("hold for async decision"): the packet
// resurfaces through Handle.Send once a diverter has mutated it.
func (d *Driver) dispatch(dir Direction, buf *ndisapi.IntermediateBuffer) ndisapi.FilterAction {
	ctx := d.pool[dir].Get().(*parseCtx)
	defer d.pool[dir].Put(ctx)

	raw := append([]byte(nil), buf.Buffer[:buf.Length]...)
	pkt, ok := decodePacket(ctx, raw, d.filter[dir])
	if !ok {
		return ndisapi.FilterActionPass
	}

	select {
	case d.ch[dir] <- pkt:
	default:
		// Queue full: drop rather than block the NDIS callback thread.
	}
	return ndisapi.FilterActionDrop
}

// Recv blocks until a packet is available or the handle is closed.
func (h *Handle) Recv() (*Packet, error) {
	select {
	case pkt, ok := <-h.ch:
		if !ok {
			return nil, ErrClosed
		}
		return pkt, nil
	case <-h.closed:
		return nil, ErrClosed
	}
}

// Send re-injects pkt, checksums already having been updated in place by the
// SetSrcAddr/SetDstAddr mutators. Outbound packets go back to the adapter;
// inbound packets go up to the protocol stack. pkt.IfIndex is not
// consulted, so a packet is never moved onto a different interface here.
func (h *Handle) Send(pkt *Packet) error {
	buf := &ndisapi.IntermediateBuffer{}
	copy(buf.Buffer[:], pkt.raw)
	buf.Length = uint32(len(pkt.raw))

	switch pkt.Direction {
	case DirectionOutbound:
		return h.driver.api.SendPacketToAdapter(buf)
	case DirectionInbound:
		return h.driver.api.SendPacketToMstcp(buf)
	default:
		return fmt.Errorf("capture: unknown direction %d", pkt.Direction)
	}
}

// Close unblocks any pending Recv on this direction (spec §6: "close(handle)
// unblocks pending recv with an error"). The shared filter keeps running
// until the owning Driver is closed.
func (h *Handle) Close() error {
	h.once.Do(func() { close(h.closed) })
	return nil
}

// decodePacket is the shared parse path for both the NDIS callback (via
// Driver.dispatch) and DecodeForInjection, a standalone entry point for
// callers that already hold a raw frame (replay tooling, tests) rather than
// one delivered through the filter callback.
func decodePacket(ctx *parseCtx, raw []byte, f Filter) (*Packet, bool) {
	ctx.decoded = ctx.decoded[:0]
	if err := ctx.parser.DecodeLayers(raw, &ctx.decoded); err != nil {
		return nil, false
	}

	var haveIP, haveTCP, haveUDP bool
	for _, lt := range ctx.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			haveIP = true
		case layers.LayerTypeTCP:
			haveTCP = true
		case layers.LayerTypeUDP:
			haveUDP = true
		}
	}
	if !haveIP || (!haveTCP && !haveUDP) {
		return nil, false
	}
	if f.ExcludeLoopback && (ctx.ip4.SrcIP.IsLoopback() || ctx.ip4.DstIP.IsLoopback()) {
		return nil, false
	}

	ipOff := 14 // Ethernet header length; ndisapi always hands us the full frame
	l4Off := ipOff + int(ctx.ip4.IHL)*4

	pkt := &Packet{
		Direction: f.Direction,
		IsUDP:     haveUDP,
		IfIndex:   0,
		raw:       raw,
		ipOff:     ipOff,
		l4Off:     l4Off,
	}
	pkt.SrcAddr, _ = addrFromIP(ctx.ip4.SrcIP)
	pkt.DstAddr, _ = addrFromIP(ctx.ip4.DstIP)
	if haveTCP {
		pkt.SrcPort = uint16(ctx.tcp.SrcPort)
		pkt.DstPort = uint16(ctx.tcp.DstPort)
	} else {
		pkt.SrcPort = uint16(ctx.udp.SrcPort)
		pkt.DstPort = uint16(ctx.udp.DstPort)
	}
	return pkt, true
}

// DecodeForInjection parses a raw Ethernet frame into a Packet using the
// same logic the NDIS callback path uses. Exposed for callers that build or
// capture frames outside the filter callback.
func DecodeForInjection(dir Direction, raw []byte) (*Packet, bool) {
	ctx := newParseCtx()
	return decodePacket(ctx, append([]byte(nil), raw...), Filter{Direction: dir})
}

//go:build windows

package core

import "splittun/internal/capture"

// InboundDiverter is C5: one worker owning the inbound capture handle. The
// handle is opened with a higher priority number than C4's, but the capture
// layer ignores priority; inbound packets reach this handle only because the
// shared filter routes each direction to its own handle. It reverses C4's
// source rewrite using the NAT table and always re-injects.
type InboundDiverter struct {
	handle capture.PacketHandle
	nat    *NATTable

	doneCh chan struct{}
}

// NewInboundDiverter wires C5 against an already-open inbound handle.
func NewInboundDiverter(handle capture.PacketHandle, nat *NATTable) *InboundDiverter {
	return &InboundDiverter{handle: handle, nat: nat, doneCh: make(chan struct{})}
}

// Run reads packets until the handle is closed, then returns.
func (d *InboundDiverter) Run() {
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
func (d *InboundDiverter) Done() <-chan struct{} { return d.doneCh }

func (d *InboundDiverter) handlePacket(pkt *capture.Packet) {
	origLocalIP, origIfIndex, ok := d.nat.Lookup(pkt.SrcAddr, pkt.SrcPort, pkt.DstPort)
	if !ok {
		if err := d.handle.Send(pkt); err != nil {
			Log.Debugf("Inbound", "send failed: %v", err)
		}
		return
	}

	if pkt.DstAddr != origLocalIP {
		// Strong host model: a packet destined to X arriving on an
		// interface that doesn't own X is dropped by the OS, so the
		// interface must be rewritten along with the address.
		pkt.SetDstAddr(origLocalIP.As4())
		if origIfIndex != 0 {
			pkt.IfIndex = origIfIndex
		}
	}

	if err := d.handle.Send(pkt); err != nil {
		Log.Debugf("Inbound", "send failed: %v", err)
	}
}

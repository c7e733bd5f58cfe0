//go:build windows

package core

import "testing"

func TestEngineStopBeforeStartIsNoop(t *testing.T) {
	e := NewEngine(nil)
	e.Stop() // must not panic on an engine that was never started
	if e.Running() {
		t.Fatal("Running() should be false")
	}
}

func TestEngineStopIsIdempotent(t *testing.T) {
	e := NewEngine(nil)
	e.mu.Lock()
	e.running = true
	e.route = NewRouteProgrammer()
	e.nat = NewNATTable()
	e.tracker = NewFlowTracker(e.resolver, e.matcher, e.nat, e.cfg.VPNIP, e.cfg.DefaultIP)
	go e.tracker.Run()
	e.outbound = &OutboundDiverter{doneCh: closedChan()}
	e.inbound = &InboundDiverter{doneCh: closedChan()}
	e.mu.Unlock()

	e.Stop()
	if e.Running() {
		t.Fatal("Running() should be false after Stop")
	}
	// Second call must be a pure no-op, not a re-entry into teardown logic.
	e.Stop()
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

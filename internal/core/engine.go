//go:build windows

package core

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"splittun/internal/capture"
	"splittun/internal/process"
)

// stopJoinTimeout bounds how long Stop waits for each worker before
// abandoning it (spec §4.6, §5: "Stop-join = 2s/thread").
const stopJoinTimeout = 2 * time.Second

// outboundPriority and inboundPriority are the capture-layer priorities
// opened for C4 and C5 (spec §6: "outbound at priority 100, inbound at
// priority 200").
const (
	outboundPriority = 100
	inboundPriority  = 200
)

// Engine is the Engine Supervisor: the only public contract named by the
// spec. It owns the lifecycle of the tracker and the two diverters, and is
// the sole place routes and capture handles are acquired and released.
type Engine struct {
	mu      sync.Mutex
	running bool

	bus *EventBus

	cfg      EngineConfig
	policy   *Policy
	nat      *NATTable
	resolver *process.Resolver
	matcher  *process.Matcher
	route    *RouteProgrammer

	driver    *capture.Driver
	outHandle *capture.Handle
	inHandle  *capture.Handle

	tracker  *FlowTracker
	outbound *OutboundDiverter
	inbound  *InboundDiverter
}

// NewEngine creates an idle supervisor. Call Start to bring the pipeline up.
func NewEngine(bus *EventBus) *Engine {
	return &Engine{
		bus:      bus,
		resolver: process.NewResolver(),
		matcher:  process.NewMatcher(),
		route:    NewRouteProgrammer(),
	}
}

// Running reports whether the engine is currently started.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start brings up the pipeline per the given configuration (spec §4.6
// start sequence). Only ErrNotInstalled and ErrCaptureOpen are returned;
// everything else is handled internally.
func (e *Engine) Start(cfg EngineConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		e.stopLocked()
	}

	e.cfg = cfg
	e.policy = NewPolicy(cfg.Mode, cfg.ToggledApps)
	e.nat = NewNATTable()

	driver, err := capture.NewDriver()
	if err != nil {
		return fmt.Errorf("[Engine] start: %w: %w", ErrNotInstalled, err)
	}
	e.driver = driver

	outHandle, err := driver.Open(capture.Filter{
		Direction:       capture.DirectionOutbound,
		IPv4Only:        true,
		Protocols:       capture.ProtocolTCP | capture.ProtocolUDP,
		ExcludeLoopback: true,
	}, outboundPriority)
	if err != nil {
		driver.Close()
		return fmt.Errorf("[Engine] start: %w: %w", ErrCaptureOpen, err)
	}
	e.outHandle = outHandle

	inHandle, err := driver.Open(capture.Filter{
		Direction:       capture.DirectionInbound,
		IPv4Only:        true,
		Protocols:       capture.ProtocolTCP | capture.ProtocolUDP,
		ExcludeLoopback: true,
	}, inboundPriority)
	if err != nil {
		outHandle.Close()
		driver.Close()
		return fmt.Errorf("[Engine] start: %w: %w", ErrCaptureOpen, err)
	}
	e.inHandle = inHandle

	// Route programming failures never abort start (spec §4.3).
	if err := e.route.Install(cfg.DefaultGateway, cfg.DefaultIfIndex); err != nil {
		Log.Warnf("Engine", "route install: %v", err)
	}

	e.tracker = NewFlowTracker(e.resolver, e.matcher, e.nat, cfg.VPNIP, cfg.DefaultIP)
	e.outbound = NewOutboundDiverter(e.outHandle, e.tracker, e.resolver, e.matcher, e.policy, e.nat,
		cfg.VPNIP.As4(), cfg.DefaultIP.As4(), cfg.VPNIfIndex, cfg.DefaultIfIndex)
	e.inbound = NewInboundDiverter(e.inHandle, e.nat)

	e.nat.StartUDPAging()
	go e.tracker.Run()
	go e.outbound.Run()
	go e.inbound.Run()

	e.running = true
	Log.Infof("Engine", "started: mode=%s", cfg.Mode)
	if e.bus != nil {
		e.bus.PublishAsync(Event{Type: EventEngineStateChanged, Payload: EngineStatePayload{Running: true}})
	}
	return nil
}

// Stop is idempotent (spec R2: "stop() called twice is a no-op on the
// second call").
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if !e.running {
		return
	}
	e.running = false

	// Routes are removed before workers are joined — route lifetime is
	// owned by the supervisor, not the workers (invariant I5).
	e.route.Remove(e.cfg.DefaultGateway, e.cfg.DefaultIfIndex)

	if e.outHandle != nil {
		e.outHandle.Close()
	}
	if e.inHandle != nil {
		e.inHandle.Close()
	}

	close(e.tracker.stopCh)
	waitWithTimeout(e.tracker.doneCh, stopJoinTimeout, "Tracker")
	waitWithTimeout(e.outbound.Done(), stopJoinTimeout, "Outbound")
	waitWithTimeout(e.inbound.Done(), stopJoinTimeout, "Inbound")

	e.nat.StopUDPAging()

	if e.driver != nil {
		e.driver.Close()
	}

	e.tracker, e.outbound, e.inbound = nil, nil, nil
	e.outHandle, e.inHandle, e.driver = nil, nil, nil
	e.nat = nil

	Log.Infof("Engine", "stopped")
	if e.bus != nil {
		e.bus.PublishAsync(Event{Type: EventEngineStateChanged, Payload: EngineStatePayload{Running: false}})
	}
}

func waitWithTimeout(done <-chan struct{}, timeout time.Duration, tag string) {
	select {
	case <-done:
	case <-time.After(timeout):
		Log.Warnf("Engine", "%s worker did not exit within %s, abandoning", tag, timeout)
	}
}

// UpdatePolicy atomically replaces the toggled-app set (spec §4.6).
func (e *Engine) UpdatePolicy(toggledApps []string) {
	e.mu.Lock()
	policy := e.policy
	e.mu.Unlock()
	if policy == nil {
		return
	}
	policy.SetToggledApps(toggledApps)
	if e.bus != nil {
		e.bus.Publish(Event{Type: EventPolicyUpdated, Payload: PolicyPayload{ToggledApps: toggledApps}})
	}
}

// UpdateMode atomically replaces the mode (spec §4.6).
func (e *Engine) UpdateMode(mode Mode) {
	e.mu.Lock()
	policy := e.policy
	e.mu.Unlock()
	if policy == nil {
		return
	}
	policy.SetMode(mode)
	if e.bus != nil {
		e.bus.Publish(Event{Type: EventModeUpdated, Payload: ModePayload{Mode: mode}})
	}
}

// RefreshAddresses pushes new interface addresses without a stop/start
// cycle, for a caller that detects an interface renumber (SPEC_FULL §11
// supplement; spec.md's own open question on interface-address changes).
func (e *Engine) RefreshAddresses(vpnIP, defaultIP netip.Addr) {
	e.mu.Lock()
	outbound := e.outbound
	e.cfg.VPNIP = vpnIP
	e.cfg.DefaultIP = defaultIP
	e.mu.Unlock()
	if outbound != nil {
		outbound.SetAddresses(vpnIP.As4(), defaultIP.As4())
	}
}

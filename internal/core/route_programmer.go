//go:build windows

package core

import (
	"fmt"
	"net/netip"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// splitMetric is the high metric used for both /1 routes so that, should the
// VPN's own default route ever disappear, these routes never silently
// become the system default (spec §4.3).
const splitMetric = 9999

var splitPrefixes = [2]netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/1"),
	netip.MustParsePrefix("128.0.0.0/1"),
}

// RouteProgrammer is C3: it installs and removes the two /1 routes that
// give redirected packets a forwarding path without outranking the VPN's
// own default route. Install/Remove are best-effort: Install returns an
// error wrapping ErrRouteProgrammingFailed, which the supervisor only logs,
// so a failure never aborts start or stop (spec §4.3).
type RouteProgrammer struct {
	mu        sync.Mutex
	installed []mibIPForwardRow2
}

// NewRouteProgrammer creates an idle route programmer.
func NewRouteProgrammer() *RouteProgrammer {
	return &RouteProgrammer{}
}

// Install adds 0.0.0.0/1 and 128.0.0.0/1 via gateway on ifIndex, both at
// metric 9999. A zero ifIndex or invalid gateway means route programming is
// skipped entirely (spec §6: "If absent, route programming is skipped").
// Idempotent: re-installing an already-present route is not an error.
func (rp *RouteProgrammer) Install(gateway netip.Addr, ifIndex uint32) error {
	if ifIndex == 0 || !gateway.IsValid() {
		Log.Infof("Route", "no gateway/if_index, skipping route install")
		return nil
	}

	rp.mu.Lock()
	defer rp.mu.Unlock()

	var firstErr error
	for _, prefix := range splitPrefixes {
		row, err := addRoute(prefix, ifIndex, gateway, splitMetric)
		if err != nil {
			Log.Warnf("Route", "add %s via %s if=%d: %v", prefix, gateway, ifIndex, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %s: %v", ErrRouteProgrammingFailed, prefix, err)
			}
			continue
		}
		rp.installed = append(rp.installed, row)
		Log.Infof("Route", "installed %s via %s if=%d metric=%d", prefix, gateway, ifIndex, splitMetric)
	}
	return firstErr
}

// Remove deletes any routes this programmer installed. Failures are logged
// at debug and swallowed (spec §4.3: "failures to remove are logged at
// debug"); Remove never blocks stop().
func (rp *RouteProgrammer) Remove(gateway netip.Addr, ifIndex uint32) {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	for _, row := range rp.installed {
		r, _, _ := procDeleteIPForwardEntry2.Call(uintptr(unsafe.Pointer(&row)))
		if r != 0 {
			Log.Debugf("Route", "DeleteIpForwardEntry2: 0x%x", r)
		}
	}
	rp.installed = nil
	Log.Infof("Route", "routes removed")
}

// ---------------------------------------------------------------------------
// iphlpapi route manipulation (grounded on the teacher's gateway/route.go,
// generalized away from a fixed TUN-adapter LUID to an arbitrary if_index).
// ---------------------------------------------------------------------------

var (
	modIPHlpAPICore = windows.NewLazySystemDLL("iphlpapi.dll")

	procInitializeIPForwardEntry = modIPHlpAPICore.NewProc("InitializeIpForwardEntry")
	procCreateIPForwardEntry2    = modIPHlpAPICore.NewProc("CreateIpForwardEntry2")
	procDeleteIPForwardEntry2    = modIPHlpAPICore.NewProc("DeleteIpForwardEntry2")
)

// mibIPForwardRow2 mirrors MIB_IPFORWARD_ROW2 (104 bytes on x64). Field
// offsets below are documented rather than expressed as a Go struct because
// the Win32 layout mixes packed SOCKADDR_INET unions that don't map cleanly
// onto Go struct alignment.
type mibIPForwardRow2 struct {
	data [104]byte
}

const (
	fwdInterfaceIndex = 8  // IF_INDEX
	fwdDestFamily     = 12 // si_family of destination prefix
	fwdDestAddr       = 16 // sin_addr of destination prefix
	fwdDestPrefixLen  = 40 // PrefixLength
	fwdNextHopFamily  = 44 // si_family of next hop
	fwdNextHopAddr    = 48 // sin_addr of next hop
	fwdMetric         = 84 // ULONG
	fwdProtocol       = 88 // MIB_IPFORWARD_PROTOCOL
	fwdOrigin         = 100 // NL_ROUTE_ORIGIN
)

func addRoute(dst netip.Prefix, ifIndex uint32, nextHop netip.Addr, metric uint32) (mibIPForwardRow2, error) {
	var row mibIPForwardRow2
	procInitializeIPForwardEntry.Call(uintptr(unsafe.Pointer(&row)))

	*(*uint32)(unsafe.Pointer(&row.data[fwdInterfaceIndex])) = ifIndex

	*(*uint16)(unsafe.Pointer(&row.data[fwdDestFamily])) = windows.AF_INET
	dst4 := dst.Addr().As4()
	copy(row.data[fwdDestAddr:fwdDestAddr+4], dst4[:])
	row.data[fwdDestPrefixLen] = uint8(dst.Bits())

	*(*uint16)(unsafe.Pointer(&row.data[fwdNextHopFamily])) = windows.AF_INET
	gw4 := nextHop.As4()
	copy(row.data[fwdNextHopAddr:fwdNextHopAddr+4], gw4[:])

	*(*uint32)(unsafe.Pointer(&row.data[fwdMetric])) = metric
	*(*int32)(unsafe.Pointer(&row.data[fwdProtocol])) = 3 // MIB_IPPROTO_NETMGMT
	*(*int32)(unsafe.Pointer(&row.data[fwdOrigin])) = 1   // NlroManual

	r, _, _ := procCreateIPForwardEntry2.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 && r != 0x1392 { // ERROR_OBJECT_ALREADY_EXISTS (5010)
		return row, fmt.Errorf("CreateIpForwardEntry2: 0x%x", r)
	}
	return row, nil
}

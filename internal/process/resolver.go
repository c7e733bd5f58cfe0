//go:build windows

package process

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Entry is one row of the OS's extended TCP/UDP connection table, reduced to
// the fields the flow tracker needs: which local socket, owned by which PID.
type Entry struct {
	LocalIP   netip.Addr
	LocalPort uint16
	PID       uint32
}

// Resolver queries the host's extended TCP/UDP connection tables via
// iphlpapi.dll. It exposes both a synchronous single-port lookup (the C1
// port-to-PID contract used by the outbound diverter's medium path) and a
// full-table snapshot (used by the flow tracker's periodic poll). Resolver
// does not cache anything itself — callers own caching policy.
type Resolver struct {
	tcpBuf   []byte
	tcpBufMu sync.Mutex
	udpBuf   []byte
	udpBufMu sync.Mutex
}

// NewResolver creates a resolver with freshly allocated, reusable buffers.
func NewResolver() *Resolver {
	return &Resolver{
		tcpBuf: make([]byte, 64*1024),
		udpBuf: make([]byte, 64*1024),
	}
}

var (
	modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

	procGetExtendedTCPTable = modIPHlpAPI.NewProc("GetExtendedTcpTable")
	procGetExtendedUDPTable = modIPHlpAPI.NewProc("GetExtendedUdpTable")
)

const (
	tcpTableOwnerPIDAll = 5 // TCP_TABLE_OWNER_PID_ALL: includes listeners, needed for by_endpoint coverage
	udpTableOwnerPID    = 1 // UDP_TABLE_OWNER_PID

	errInsufficientBuffer = 122

	// maxTableRetries, together with growAndCall's 25% headroom, mirrors
	// the buffer-growth discipline of the original port-lookup
	// implementation: on a short buffer, grow to the OS-reported
	// requirement plus 25% headroom and retry, up to five attempts total.
	maxTableRetries = 5
)

// Resolve returns the PID owning the local TCP or UDP socket bound to port,
// trying TCP first then UDP, per the C1 contract. Port is host byte order.
func (r *Resolver) Resolve(port uint16) (uint32, bool) {
	if pid, ok := r.resolveTCP(port); ok {
		return pid, true
	}
	if pid, ok := r.resolveUDP(port); ok {
		return pid, true
	}
	return 0, false
}

func (r *Resolver) resolveTCP(port uint16) (uint32, bool) {
	entries, err := r.snapshotTCP()
	if err != nil {
		return 0, false
	}
	for _, e := range entries {
		if e.LocalPort == port && e.PID != 0 {
			return e.PID, true
		}
	}
	return 0, false
}

func (r *Resolver) resolveUDP(port uint16) (uint32, bool) {
	entries, err := r.snapshotUDP()
	if err != nil {
		return 0, false
	}
	for _, e := range entries {
		if e.LocalPort == port && e.PID != 0 {
			return e.PID, true
		}
	}
	return 0, false
}

// Snapshot returns every IPv4 TCP and UDP local socket currently known to
// the OS, annotated with owning PID. Used by the flow tracker's poll cycle.
// A failure on one protocol does not suppress results from the other.
func (r *Resolver) Snapshot() (tcp []Entry, udp []Entry, err error) {
	tcp, tcpErr := r.snapshotTCP()
	udp, udpErr := r.snapshotUDP()
	if tcpErr != nil && udpErr != nil {
		return nil, nil, fmt.Errorf("tcp: %v, udp: %v", tcpErr, udpErr)
	}
	return tcp, udp, nil
}

func (r *Resolver) snapshotTCP() ([]Entry, error) {
	r.tcpBufMu.Lock()
	defer r.tcpBufMu.Unlock()

	buf, size, err := growAndCall(&r.tcpBuf, func(b []byte, sz *uint32) uintptr {
		ret, _, _ := procGetExtendedTCPTable.Call(
			uintptr(unsafe.Pointer(&b[0])),
			uintptr(unsafe.Pointer(sz)),
			0,
			uintptr(windows.AF_INET),
			uintptr(tcpTableOwnerPIDAll),
			0,
		)
		return ret
	})
	if err != nil {
		return nil, fmt.Errorf("GetExtendedTcpTable: %w", err)
	}

	// DWORD dwNumEntries + MIB_TCPROW_OWNER_PID[N], row = 24 bytes:
	// dwState(4) dwLocalAddr(4) dwLocalPort(4) dwRemoteAddr(4) dwRemotePort(4) dwOwningPid(4)
	numEntries := binary.LittleEndian.Uint32(buf[0:4])
	const rowSize = 24
	entries := make([]Entry, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		off := 4 + int(i)*rowSize
		if off+rowSize > int(size) {
			break
		}
		ipBytes := *(*[4]byte)(unsafe.Pointer(&buf[off+4]))
		localPort := ntohs(binary.LittleEndian.Uint32(buf[off+8 : off+12]))
		pid := binary.LittleEndian.Uint32(buf[off+20 : off+24])
		entries = append(entries, Entry{
			LocalIP:   netip.AddrFrom4(ipBytes),
			LocalPort: localPort,
			PID:       pid,
		})
	}
	return entries, nil
}

func (r *Resolver) snapshotUDP() ([]Entry, error) {
	r.udpBufMu.Lock()
	defer r.udpBufMu.Unlock()

	buf, size, err := growAndCall(&r.udpBuf, func(b []byte, sz *uint32) uintptr {
		ret, _, _ := procGetExtendedUDPTable.Call(
			uintptr(unsafe.Pointer(&b[0])),
			uintptr(unsafe.Pointer(sz)),
			0,
			uintptr(windows.AF_INET),
			uintptr(udpTableOwnerPID),
			0,
		)
		return ret
	})
	if err != nil {
		return nil, fmt.Errorf("GetExtendedUdpTable: %w", err)
	}

	// DWORD dwNumEntries + MIB_UDPROW_OWNER_PID[N], row = 12 bytes:
	// dwLocalAddr(4) dwLocalPort(4) dwOwningPid(4)
	numEntries := binary.LittleEndian.Uint32(buf[0:4])
	const rowSize = 12
	entries := make([]Entry, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		off := 4 + int(i)*rowSize
		if off+rowSize > int(size) {
			break
		}
		ipBytes := *(*[4]byte)(unsafe.Pointer(&buf[off]))
		localPort := ntohs(binary.LittleEndian.Uint32(buf[off+4 : off+8]))
		pid := binary.LittleEndian.Uint32(buf[off+8 : off+12])
		entries = append(entries, Entry{
			LocalIP:   netip.AddrFrom4(ipBytes),
			LocalPort: localPort,
			PID:       pid,
		})
	}
	return entries, nil
}

// growAndCall invokes call against *buf, growing the buffer by the OS's
// reported requirement plus 25% headroom and retrying on
// ERROR_INSUFFICIENT_BUFFER, up to maxTableRetries attempts total. Returns
// the buffer (possibly replaced) and the size the OS actually wrote.
func growAndCall(buf *[]byte, call func(b []byte, sz *uint32) uintptr) ([]byte, uint32, error) {
	b := *buf
	size := uint32(len(b))

	for attempt := 0; attempt < maxTableRetries; attempt++ {
		ret := call(b, &size)
		if ret == 0 {
			*buf = b
			return b, size, nil
		}
		if ret != errInsufficientBuffer {
			return nil, 0, fmt.Errorf("0x%x", ret)
		}
		newSize := size + size/4 // OS-reported requirement plus 25% headroom
		b = make([]byte, newSize)
	}
	return nil, 0, fmt.Errorf("exhausted %d retries", maxTableRetries)
}

// ntohs converts a DWORD-stored port (as returned by the extended tables,
// byte-swapped relative to host order) to a host-order uint16.
func ntohs(v uint32) uint16 {
	return uint16(v&0xFF)<<8 | uint16((v>>8)&0xFF)
}

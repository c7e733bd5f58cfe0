//go:build windows

package core

import "errors"

// Sentinel error kinds returned by engine components. Components wrap these
// with fmt.Errorf("[Tag] ...: %w", ErrX) so callers can errors.Is against a
// stable kind while still getting a human-readable, tagged message in logs.
var (
	// ErrNotInstalled means the NDIS capture driver isn't present on the host.
	// Fatal to Start(); the engine never comes up.
	ErrNotInstalled = errors.New("capture driver not installed")

	// ErrCaptureOpen means opening a capture handle (adapter bind + filter
	// install) failed. Fatal to Start().
	ErrCaptureOpen = errors.New("capture handle open failed")

	// ErrRouteProgrammingFailed means CreateIpForwardEntry2/DeleteIpForwardEntry2
	// failed. Returned by RouteProgrammer.Install; the supervisor logs it as a
	// warning and continues starting, without retrying. Never propagated to
	// the packet path.
	ErrRouteProgrammingFailed = errors.New("route programming failed")
)

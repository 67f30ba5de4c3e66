//go:build windows

package control

import (
	"fmt"
	"net"
)

// Listen opens the control-plane listener. Windows has no native Unix
// domain socket support in older releases, so socketPath is interpreted
// as a loopback TCP address instead, mirroring the teacher's
// transport_windows.go TCP fallback.
func Listen(socketPath string) (net.Listener, error) {
	l, err := net.Listen("tcp", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: listening on %s: %w", socketPath, err)
	}
	return l, nil
}

//go:build !linux

package discovery

import "syscall"

// controlReuseAddrBroadcast is a no-op on non-Linux platforms; the socket
// options it would set are Linux-specific tuning and the listener still
// functions without them in development environments.
func controlReuseAddrBroadcast(_, _ string, _ syscall.RawConn) error {
	return nil
}

//go:build linux

package discovery

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReuseAddrBroadcast sets SO_REUSEADDR and SO_BROADCAST on the
// listening socket before bind, the same raw-conn Control idiom used
// elsewhere in this codebase's lineage for socket-option tuning, adapted
// from multicast-interface options to plain broadcast permission.
func controlReuseAddrBroadcast(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		intFD := int(fd)
		if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			sockErr = fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
			return
		}
		if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); sockErr != nil {
			sockErr = fmt.Errorf("set SO_BROADCAST: %w", sockErr)
			return
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

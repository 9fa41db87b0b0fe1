// Package discovery owns the single UDP endpoint shared by the broadcast
// beaconer, the packet listener, and every outbound announcement — exactly
// one socket, one port, per §4.D.
package discovery

import (
	"context"
	"fmt"
	"net"
)

// MaxDatagramSize bounds a single inbound read buffer.
const MaxDatagramSize = 65507

// Socket is the one UDP endpoint used for beacons, disconnections,
// messages, and resource-control packets. It is safe for concurrent Send
// calls; ReadFrom is meant to be confined to a single receive loop, the
// same discipline the specification requires of the demultiplexer.
type Socket struct {
	conn *net.UDPConn
	port int
}

// NewSocket binds a UDP socket on the given port with SO_REUSEADDR and
// broadcast permission enabled, replacing the teacher's multicast-tuned
// socket with a plain broadcast-capable one per the specification's
// re-architecture note (§9: broadcast, not multicast).
func NewSocket(ctx context.Context, port int) (*Socket, error) {
	lc := net.ListenConfig{Control: controlReuseAddrBroadcast}

	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("discovery: bind udp socket on port %d: %w", port, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("discovery: unexpected packet conn type %T", pc)
	}

	return &Socket{conn: conn, port: conn.LocalAddr().(*net.UDPAddr).Port}, nil
}

// Port returns the bound local port.
func (s *Socket) Port() int {
	return s.port
}

// Close closes the underlying connection.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// SendTo writes data to a specific peer address.
func (s *Socket) SendTo(data []byte, address string, port int) error {
	addr := &net.UDPAddr{IP: net.ParseIP(address), Port: port}
	if addr.IP == nil {
		return fmt.Errorf("discovery: invalid peer address %q", address)
	}
	_, err := s.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("discovery: send to %s:%d: %w", address, port, err)
	}
	return nil
}

// SendBroadcast writes data to the platform broadcast sentinel on the
// socket's own port.
func (s *Socket) SendBroadcast(data []byte) error {
	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: s.port}
	_, err := s.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("discovery: broadcast send: %w", err)
	}
	return nil
}

// ReadFrom blocks until a datagram arrives or the connection is closed. It
// must be called from only one goroutine at a time (the listener task).
func (s *Socket) ReadFrom() ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, MaxDatagramSize)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

// Package transport defines the datagram boundary the engine consumes.
// Socket I/O, multicast group membership, and interface selection are
// external collaborators; this module ships only the interface and an
// in-memory fake for tests.
package transport

import (
	"context"
	"net"
)

// Transport is the datagram I/O boundary the engine depends on.
// Implementations are responsible for the UDP port (56700 by default),
// joining the discovery multicast group (239.255.0.1), and enforcing
// the 512-byte datagram ceiling is never exceeded on the wire.
type Transport interface {
	Send(ctx context.Context, addr net.Addr, data []byte) error
	Recv(ctx context.Context) (addr net.Addr, data []byte, err error)
	JoinMulticast(group string) error
	LocalAddr() net.Addr
}

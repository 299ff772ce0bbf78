package exchange

import (
	"net"

	"github.com/cuemby/warren-coord/pkg/log"
)

// maxDatagram bounds a single exchange frame; the wire format has no
// message anywhere near this size.
const maxDatagram = 2048

// Endpoint is the physical datagram transport required from the host
// (spec.md §6): best-effort send, in-order delivery per pair not required.
type Endpoint interface {
	// LocalAddr is this endpoint's own address, the same bytes a peer
	// would use in a SessionId to reach it.
	LocalAddr() []byte

	// SendTo best-effort-delivers frame to addr. Errors are expected
	// (a peer may have died) and callers must treat them as non-fatal.
	SendTo(addr []byte, frame []byte) error

	// Serve reads incoming frames until stopped, invoking handler with
	// the sender's address and the raw frame bytes.
	Serve(handler func(from []byte, frame []byte))

	// Close shuts down the transport and unblocks Serve.
	Close() error
}

// UDPEndpoint is the default Endpoint, a thin wrapper over net.PacketConn
// modeled on the teacher pack's UDP discovery transport
// (p2p/discover.V5Protocol): one long-lived socket, a read loop copying
// each datagram before dispatch.
type UDPEndpoint struct {
	conn    *net.UDPConn
	closeCh chan struct{}
}

// ListenUDPEndpoint binds a UDP socket at bindAddr (host:port, "" host
// means all interfaces).
func ListenUDPEndpoint(bindAddr string) (*UDPEndpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPEndpoint{conn: conn, closeCh: make(chan struct{})}, nil
}

func (e *UDPEndpoint) LocalAddr() []byte {
	return []byte(e.conn.LocalAddr().String())
}

func (e *UDPEndpoint) SendTo(addr []byte, frame []byte) error {
	udpAddr, err := net.ResolveUDPAddr("udp", string(addr))
	if err != nil {
		return err
	}
	_, err = e.conn.WriteToUDP(frame, udpAddr)
	return err
}

func (e *UDPEndpoint) Serve(handler func(from []byte, frame []byte)) {
	logger := log.WithComponent("exchange.endpoint")
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-e.closeCh:
			return
		default:
		}
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.closeCh:
				return
			default:
				logger.Warn().Err(err).Msg("datagram read failed, continuing")
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		handler([]byte(from.String()), data)
	}
}

func (e *UDPEndpoint) Close() error {
	select {
	case <-e.closeCh:
	default:
		close(e.closeCh)
	}
	return e.conn.Close()
}

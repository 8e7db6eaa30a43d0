package gossip

import (
	"fmt"
	"net"

	"go.uber.org/atomic"
)

// Packet is an inbound datagram.
type Packet struct {
	// From is the address of the sender.
	From string

	Buf []byte
}

// Transport sends and receives datagrams between nodes.
//
// Sends are fire-and-forget: delivery is not acknowledged and lost packets
// are never retransmitted, as gossip and anti-entropy repair any missed
// state.
type Transport interface {
	// Addr returns the local address of the transport.
	Addr() string

	// Send sends the given packet to the node at the given address.
	Send(addr string, b []byte) error

	// Receive returns the channel inbound packets are delivered on. The
	// channel is closed when the transport is closed.
	Receive() <-chan *Packet

	Close() error
}

// udpTransport sends and receives gossip packets over UDP.
type udpTransport struct {
	conn *net.UDPConn

	packetCh chan *Packet

	maxPacketSize int

	closed *atomic.Bool

	doneCh chan struct{}
}

// NewUDPTransport binds a UDP listener on the given address.
func NewUDPTransport(bindAddr string, maxPacketSize int) (Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp: %s: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udp listen: %s: %w", bindAddr, err)
	}

	t := &udpTransport{
		conn:          conn,
		packetCh:      make(chan *Packet, 512),
		maxPacketSize: maxPacketSize,
		closed:        atomic.NewBool(false),
		doneCh:        make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *udpTransport) Addr() string {
	return t.conn.LocalAddr().String()
}

func (t *udpTransport) Send(addr string, b []byte) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve udp: %s: %w", addr, err)
	}
	if _, err := t.conn.WriteToUDP(b, udpAddr); err != nil {
		return fmt.Errorf("write udp: %s: %w", addr, err)
	}
	return nil
}

func (t *udpTransport) Receive() <-chan *Packet {
	return t.packetCh
}

func (t *udpTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		// Already closed.
		return nil
	}

	err := t.conn.Close()
	<-t.doneCh
	close(t.packetCh)
	return err
}

func (t *udpTransport) readLoop() {
	defer close(t.doneCh)

	buf := make([]byte, t.maxPacketSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			continue
		}
		if n < 2 {
			// Too short to contain a header.
			continue
		}

		b := make([]byte, n)
		copy(b, buf[:n])

		select {
		case t.packetCh <- &Packet{From: addr.String(), Buf: b}:
		default:
			// Inbound buffer full. Drop the packet, anti-entropy will
			// repair any missed state.
		}
	}
}

var _ Transport = &udpTransport{}

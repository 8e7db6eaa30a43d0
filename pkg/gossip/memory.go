package gossip

import (
	"fmt"
	"sync"
)

// Network is an in-memory packet network for testing. Transports created on
// the same network exchange packets directly, and the network can be
// partitioned to simulate failures.
type Network struct {
	transports map[string]*memoryTransport

	// isolated is the set of addresses on the minority side of a
	// partition. Packets are only delivered when both endpoints are on the
	// same side.
	isolated map[string]struct{}

	nextAddr int

	mu sync.Mutex
}

func NewNetwork() *Network {
	return &Network{
		transports: make(map[string]*memoryTransport),
		isolated:   make(map[string]struct{}),
	}
}

// Transport registers a new transport on the network.
func (n *Network) Transport() Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextAddr++
	addr := fmt.Sprintf("10.26.104.%d:8000", n.nextAddr)

	transport := &memoryTransport{
		addr:     addr,
		packetCh: make(chan *Packet, 512),
		network:  n,
	}
	n.transports[addr] = transport
	return transport
}

// Isolate partitions the network, placing the given addresses on one side
// and every other transport on the other. Isolated transports can still
// reach one another.
func (n *Network) Isolate(addrs ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, addr := range addrs {
		n.isolated[addr] = struct{}{}
	}
}

// Heal removes all partitions.
func (n *Network) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.isolated = make(map[string]struct{})
}

func (n *Network) send(from string, to string, b []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, fromIsolated := n.isolated[from]
	_, toIsolated := n.isolated[to]
	if fromIsolated != toIsolated {
		// Partitioned, drop the packet.
		return
	}

	transport, ok := n.transports[to]
	if !ok {
		return
	}

	buf := make([]byte, len(b))
	copy(buf, b)

	select {
	case transport.packetCh <- &Packet{From: from, Buf: buf}:
	default:
	}
}

func (n *Network) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.transports, addr)
}

type memoryTransport struct {
	addr string

	packetCh chan *Packet

	network *Network

	closed bool

	mu sync.Mutex
}

func (t *memoryTransport) Addr() string {
	return t.addr
}

func (t *memoryTransport) Send(addr string, b []byte) error {
	t.network.send(t.addr, addr, b)
	return nil
}

func (t *memoryTransport) Receive() <-chan *Packet {
	return t.packetCh
}

func (t *memoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	t.network.remove(t.addr)
	close(t.packetCh)
	return nil
}

var _ Transport = &memoryTransport{}

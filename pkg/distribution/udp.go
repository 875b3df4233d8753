package distribution

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// maxDatagramSize bounds one UDP payload. Oversize events are dropped with
// an error rather than fragmented.
const maxDatagramSize = 65_000

// udpDistributor ships one datagram per event to a fixed destination.
type udpDistributor struct {
	name string
	addr string

	mu   sync.Mutex
	conn *net.UDPConn
}

func newUDPDistributor(cfg Config) *udpDistributor {
	return &udpDistributor{
		name: cfg.Name,
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
}

func (d *udpDistributor) Name() string { return d.name }
func (d *udpDistributor) Kind() Kind   { return KindUDP }

func (d *udpDistributor) Open(_ context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp", d.addr)
	if err != nil {
		return fmt.Errorf("resolve udp destination %s: %w", d.addr, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial udp %s: %w", d.addr, err)
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	return nil
}

func (d *udpDistributor) Close(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}

	err := d.conn.Close()
	d.conn = nil

	if err != nil {
		return fmt.Errorf("close udp %s: %w", d.addr, err)
	}

	return nil
}

func (d *udpDistributor) Send(_ string, payload []byte, _ SendOptions) (SendResult, error) {
	if len(payload) > maxDatagramSize {
		return SendResult{}, fmt.Errorf("%w: %d bytes over udp", ErrOversizePayload, len(payload))
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn == nil {
		return SendResult{}, ErrClosed
	}

	n, err := conn.Write(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("udp send to %s: %w", d.addr, err)
	}

	return SendResult{BytesSent: n, ClientsReached: 1}, nil
}

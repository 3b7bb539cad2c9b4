// Package transport implements the UDP reactor and hole-punch driver that
// carry the overlay node's wire protocols. Unlike a packet-type-routed
// transport, the reactor hands every datagram to a single callback and
// leaves first-byte range dispatch (DHT frame vs UDX segment vs Noise
// handshake message) to the caller, since all three protocols share one
// UDP socket per node.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PacketHandler receives a raw inbound datagram and the address it came
// from. The reactor invokes it synchronously from its single receive
// loop — one dedicated thread performs the full read-and-dispatch cycle,
// so a slow handler delays every subsequent packet on this socket. It
// must not block for long, and it must not call back into the reactor
// in a way that would deadlock (e.g. waiting on a result only the next
// inbound packet could deliver).
type PacketHandler func(data []byte, ip net.IP, port uint16)

// Reactor owns a single UDP socket and dispatches every inbound datagram
// to one handler. Binding to port 0 lets the OS pick an ephemeral port,
// recovered afterward via LocalPort.
type Reactor struct {
	conn    net.PacketConn
	handler PacketHandler
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pollInterval time.Duration
}

// NewReactor binds listenAddr (e.g. ":0" or "0.0.0.0:9000") and starts the
// read loop. The poll interval defaults to one second — the reactor isn't
// on the hot path for handshake latency the way the DHT bootstrap walk is,
// so a short read-deadline/relock cycle buys nothing here.
func NewReactor(listenAddr string) (*Reactor, error) {
	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reactor{
		conn:         conn,
		handler:      func([]byte, net.IP, uint16) {},
		ctx:          ctx,
		cancel:       cancel,
		pollInterval: time.Second,
	}

	r.wg.Add(1)
	go r.loop()

	return r, nil
}

// SetHandler installs the single inbound-datagram callback, replacing any
// previous one.
func (r *Reactor) SetHandler(h PacketHandler) {
	if h == nil {
		h = func([]byte, net.IP, uint16) {}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Send transmits data to ip:port. It satisfies the Sender interfaces
// expected by the DHT and UDX engines.
func (r *Reactor) Send(ip net.IP, port uint16, data []byte) error {
	addr := &net.UDPAddr{IP: ip, Port: int(port)}
	_, err := r.conn.WriteTo(data, addr)
	if err != nil {
		return fmt.Errorf("transport: send to %s: %w", addr, err)
	}
	return nil
}

// LocalPort returns the UDP port actually bound, useful after binding to
// port 0.
func (r *Reactor) LocalPort() uint16 {
	if addr, ok := r.conn.LocalAddr().(*net.UDPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

// Close stops the read loop and releases the socket.
func (r *Reactor) Close() error {
	r.cancel()
	err := r.conn.Close()
	r.wg.Wait()
	return err
}

func (r *Reactor) loop() {
	defer r.wg.Done()
	buffer := make([]byte, 65536)
	logger := logrus.WithField("component", "transport.Reactor")

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		if err := r.conn.SetReadDeadline(time.Now().Add(r.pollInterval)); err != nil {
			logger.WithError(err).Warn("failed to set read deadline")
		}

		n, addr, err := r.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-r.ctx.Done():
				return
			default:
			}
			logger.WithError(err).Debug("udp read error")
			continue
		}

		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}

		data := make([]byte, n)
		copy(data, buffer[:n])

		r.mu.RLock()
		handler := r.handler
		r.mu.RUnlock()

		handler(data, udpAddr.IP, uint16(udpAddr.Port))
	}
}

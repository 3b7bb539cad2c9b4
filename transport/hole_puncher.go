package transport

import (
	"net"
	"sync"
	"time"
)

// PunchState is a hole-punch attempt's position in its state machine:
// Idle -> Punching -> Connected or Failed.
type PunchState int

const (
	PunchIdle PunchState = iota
	PunchPunching
	PunchConnected
	PunchFailed
)

func (s PunchState) String() string {
	switch s {
	case PunchIdle:
		return "idle"
	case PunchPunching:
		return "punching"
	case PunchConnected:
		return "connected"
	case PunchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HolePunchPayload is the literal datagram body sent on each punch
// attempt. It carries no structure of its own — any packet at all
// arriving from the expected peer while punching is taken as success.
const HolePunchPayload = "HOLEPUNCH"

// MaxPunchAttempts bounds how many probes a single punch session sends
// before giving up.
const MaxPunchAttempts = 10

// PunchInterval is the minimum spacing between probes.
const PunchInterval = 500 * time.Millisecond

// TimeProvider abstracts time for deterministic hole-punch tests, mirroring
// the package-local clock interfaces the dht and udx packages keep.
type TimeProvider interface {
	Now() time.Time
}

type defaultTimeProvider struct{}

func (defaultTimeProvider) Now() time.Time { return time.Now() }

// Sender transmits a raw datagram; satisfied by Reactor.
type Sender interface {
	Send(ip net.IP, port uint16, data []byte) error
}

// HolePuncher drives a single simultaneous-open attempt against one
// remote address at a time. Driving multiple concurrent attempts means
// owning multiple HolePuncher instances.
type HolePuncher struct {
	mu sync.Mutex

	sender Sender
	tp     TimeProvider

	state      PunchState
	remoteIP   net.IP
	remotePort uint16
	attempts   int
	lastSend   time.Time
}

// NewHolePuncher creates an idle hole puncher bound to sender for
// transmitting probes.
func NewHolePuncher(sender Sender) *HolePuncher {
	return &HolePuncher{
		sender: sender,
		tp:     defaultTimeProvider{},
		state:  PunchIdle,
	}
}

// SetTimeProvider overrides the time source, for tests.
func (hp *HolePuncher) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = defaultTimeProvider{}
	}
	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.tp = tp
}

// Start begins punching toward ip:port, resetting any prior session.
func (hp *HolePuncher) Start(ip net.IP, port uint16) {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	hp.state = PunchPunching
	hp.remoteIP = ip
	hp.remotePort = port
	hp.attempts = 0
	hp.lastSend = time.Time{}
}

// Tick advances the state machine: while punching, it sends at most one
// probe per PunchInterval, and moves to Failed once MaxPunchAttempts is
// exhausted without a response.
func (hp *HolePuncher) Tick() {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	if hp.state != PunchPunching {
		return
	}

	now := hp.tp.Now()
	if !hp.lastSend.IsZero() && now.Sub(hp.lastSend) < PunchInterval {
		return
	}

	if hp.attempts >= MaxPunchAttempts {
		hp.state = PunchFailed
		return
	}

	if err := hp.sender.Send(hp.remoteIP, hp.remotePort, []byte(HolePunchPayload)); err == nil {
		hp.attempts++
		hp.lastSend = now
	}
}

// HandleInbound reports a datagram received from ip:port. Any packet at
// all from the address currently being punched completes the session,
// since NAT traversal succeeding is itself the signal — the payload
// content doesn't matter.
func (hp *HolePuncher) HandleInbound(ip net.IP, port uint16) {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	if hp.state != PunchPunching {
		return
	}
	if hp.remoteIP.Equal(ip) && hp.remotePort == port {
		hp.state = PunchConnected
	}
}

// State reports the current state.
func (hp *HolePuncher) State() PunchState {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.state
}

// Reset returns the puncher to Idle, discarding any in-progress session.
func (hp *HolePuncher) Reset() {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	hp.state = PunchIdle
	hp.remoteIP = nil
	hp.remotePort = 0
	hp.attempts = 0
	hp.lastSend = time.Time{}
}

// Attempts reports how many probes have been sent in the current session.
func (hp *HolePuncher) Attempts() int {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.attempts
}

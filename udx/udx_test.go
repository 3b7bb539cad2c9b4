package udx

import (
	"net"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type recordingSender struct {
	frames [][]byte
}

func (s *recordingSender) Send(ip net.IP, port uint16, data []byte) error {
	frame := make([]byte, len(data))
	copy(frame, data)
	s.frames = append(s.frames, frame)
	return nil
}

func TestConnRetransmitBackoffSchedule(t *testing.T) {
	sender := &recordingSender{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	conn := NewConn(1, sender, net.IPv4(10, 0, 0, 1), 9000)
	conn.SetTimeProvider(clock)

	if err := conn.SendData([]byte("hello")); err != nil {
		t.Fatalf("SendData() failed: %v", err)
	}
	if len(sender.frames) != 1 {
		t.Fatalf("initial send count = %d, want 1", len(sender.frames))
	}

	// Retransmit schedule per BaseRetransmitInterval*2^retries: 500, 1500,
	// 3500, 7500, 15500ms of elapsed time produce the five allowed resends.
	schedule := []int64{500, 1500, 3500, 7500, 15500}
	for i, ms := range schedule {
		clock.now = time.Unix(0, 0).Add(time.Duration(ms) * time.Millisecond)
		conn.Tick()
		if len(sender.frames) != i+2 {
			t.Fatalf("after %dms: send count = %d, want %d", ms, len(sender.frames), i+2)
		}
	}

	if conn.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1 (segment still awaiting ack before final drop)", conn.PendingCount())
	}

	// One more tick short of the sixth backoff window must not resend yet.
	clock.now = time.Unix(0, 0).Add(20 * time.Second)
	conn.Tick()
	if len(sender.frames) != len(schedule)+1 {
		t.Fatalf("send count after premature tick = %d, want unchanged %d", len(sender.frames), len(schedule)+1)
	}

	// Past the sixth window, the segment hits MaxRetries and is dropped
	// without another resend.
	clock.now = time.Unix(0, 0).Add(32 * time.Second)
	conn.Tick()
	if len(sender.frames) != len(schedule)+1 {
		t.Fatalf("send count after drop = %d, want unchanged %d", len(sender.frames), len(schedule)+1)
	}
	if conn.PendingCount() != 0 {
		t.Errorf("PendingCount() after max retries = %d, want 0", conn.PendingCount())
	}
}

func TestConnAckClearsPending(t *testing.T) {
	sender := &recordingSender{}
	conn := NewConn(1, sender, net.IPv4(10, 0, 0, 1), 9000)

	if err := conn.SendData([]byte("payload")); err != nil {
		t.Fatalf("SendData() failed: %v", err)
	}
	if conn.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", conn.PendingCount())
	}

	ack := encodeHeader(TypeAck, 1, 2, 1)
	if err := conn.HandleInbound(ack); err != nil {
		t.Fatalf("HandleInbound(ack) failed: %v", err)
	}
	if conn.PendingCount() != 0 {
		t.Errorf("PendingCount() after ack = %d, want 0", conn.PendingCount())
	}
}

func TestConnHandleInboundSendsAckForReliableSegment(t *testing.T) {
	sender := &recordingSender{}
	conn := NewConn(7, sender, net.IPv4(10, 0, 0, 5), 9000)

	var events []SegmentEvent
	conn.SetOnEvent(func(ev SegmentEvent) { events = append(events, ev) })

	frame := append(encodeHeader(TypeData, 7, 1, 0), []byte("ping")...)
	if err := conn.HandleInbound(frame); err != nil {
		t.Fatalf("HandleInbound() failed: %v", err)
	}

	if len(events) != 1 || string(events[0].Payload) != "ping" {
		t.Fatalf("events = %+v, want one DATA event with payload \"ping\"", events)
	}
	if len(sender.frames) != 1 {
		t.Fatalf("ack sends = %d, want 1", len(sender.frames))
	}
	segType, _, _, ack := decodeHeader(sender.frames[0])
	if segType != TypeAck || ack != 1 {
		t.Errorf("reply header = type %v ack %d, want ACK acking seq 1", segType, ack)
	}
}

func TestConnEncryptedPayloadRoundTrip(t *testing.T) {
	aliceSender := &recordingSender{}
	alice := NewConn(1, aliceSender, net.IPv4(10, 0, 0, 1), 9000)
	bob := NewConn(2, &recordingSender{}, net.IPv4(10, 0, 0, 2), 9001)

	// Distinct directional keys, as derived by a real handshake: alice's
	// tx key is bob's rx key, and vice versa.
	var k1, k2 [32]byte
	for i := range k1 {
		k1[i] = byte(i)
		k2[i] = byte(i + 1)
	}
	alice.SetKeys(&k1, &k2)
	bob.SetKeys(&k2, &k1)

	var received []SegmentEvent
	bob.SetOnEvent(func(ev SegmentEvent) { received = append(received, ev) })

	if err := alice.SendData([]byte("secret message")); err != nil {
		t.Fatalf("SendData() failed: %v", err)
	}
	if err := bob.HandleInbound(aliceSender.frames[0]); err != nil {
		t.Fatalf("HandleInbound() failed: %v", err)
	}

	if len(received) != 1 || string(received[0].Payload) != "secret message" {
		t.Fatalf("bob received %+v, want the decrypted plaintext", received)
	}
}

func TestIsUDXSegment(t *testing.T) {
	if IsUDXSegment(0x7F) {
		t.Error("0x7F should be a DHT byte, not UDX")
	}
	if !IsUDXSegment(0x80) {
		t.Error("0x80 should be the first UDX byte")
	}
}

func TestPendingTableBoundedAtMax(t *testing.T) {
	sender := &recordingSender{}
	conn := NewConn(1, sender, net.IPv4(10, 0, 0, 1), 9000)

	for i := 0; i < MaxPendingSegments; i++ {
		if err := conn.SendData([]byte("x")); err != nil {
			t.Fatalf("SendData() #%d failed: %v", i, err)
		}
	}
	if err := conn.SendData([]byte("overflow")); err != ErrPendingFull {
		t.Errorf("SendData() past capacity = %v, want ErrPendingFull", err)
	}
}

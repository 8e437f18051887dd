package network

import (
	"encoding/json"
	"testing"
	"time"
)

// newOpenConnPair wires two Conns over an in-memory pipe and opens both.
func newOpenConnPair(t *testing.T, deviceA, deviceB string) (*Conn, *Conn) {
	t.Helper()

	transportA, transportB := NewPipe()
	connA := NewConn(transportA, ConnOptions{PeerDeviceID: deviceB})
	connB := NewConn(transportB, ConnOptions{PeerDeviceID: deviceA})
	connA.Open()
	connB.Open()
	t.Cleanup(func() {
		_ = connA.Close()
		_ = connB.Close()
	})
	return connA, connB
}

// newHalfOpenConn returns an open Conn and the raw transport of its peer so
// tests can script the remote side frame by frame.
func newHalfOpenConn(t *testing.T, peerDeviceID string) (*Conn, Transport) {
	t.Helper()

	local, remote := NewPipe()
	conn := NewConn(local, ConnOptions{PeerDeviceID: peerDeviceID})
	conn.Open()
	t.Cleanup(func() {
		_ = conn.Close()
		_ = remote.Close()
	})
	return conn, remote
}

func readFrameTimeout(t *testing.T, transport Transport, timeout time.Duration) []byte {
	t.Helper()

	type result struct {
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		payload, err := transport.ReadFrame()
		ch <- result{payload, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("read frame: %v", r.err)
		}
		return r.payload
	case <-time.After(timeout):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// expectFrame reads the next frame and requires the given message type,
// decoding the payload into dst when dst is non-nil.
func expectFrame(t *testing.T, transport Transport, msgType string, dst any) {
	t.Helper()

	payload := readFrameTimeout(t, transport, 2*time.Second)
	got, err := DecodeMessageType(payload)
	if err != nil {
		t.Fatalf("decode frame type: %v", err)
	}
	if got != msgType {
		t.Fatalf("unexpected frame type: got %q want %q (payload %s)", got, msgType, payload)
	}
	if dst != nil {
		if err := json.Unmarshal(payload, dst); err != nil {
			t.Fatalf("decode %s frame: %v", msgType, err)
		}
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(message)
}

package notify

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/whatsappx/matrix-bridge/internal/bus"
	"github.com/whatsappx/matrix-bridge/internal/legacy"
)

const (
	testServerToken = "srv-token"
	testClientToken = "cli-token"
)

func startServer(t *testing.T) (*Server, *bus.Bus) {
	t.Helper()
	b := bus.New()
	s := NewServer("127.0.0.1:0", testServerToken, testClientToken, b, zap.NewNop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s, b
}

func dial(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	return conn, bufio.NewReader(conn)
}

func readFrame(t *testing.T, r *bufio.Reader) legacy.Frame {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame legacy.Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", line, err)
	}
	return frame
}

func sendFrame(t *testing.T, conn net.Conn, frame legacy.Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func authenticate(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, r := dial(t, s)

	greeting := readFrame(t, r)
	if greeting.Sender != legacy.SenderServer {
		t.Fatalf("greeting sender = %q, want %q", greeting.Sender, legacy.SenderServer)
	}
	if greeting.Token != testServerToken {
		t.Fatalf("greeting token = %q, want %q", greeting.Token, testServerToken)
	}

	sendFrame(t, conn, legacy.Frame{Sender: legacy.SenderClient, Token: testClientToken})
	result := readFrame(t, r)
	if result.Response != legacy.AuthOK {
		t.Fatalf("auth response = %q, want %q", result.Response, legacy.AuthOK)
	}
	return conn, r
}

func TestHandshakeAndBroadcast(t *testing.T) {
	s, b := startServer(t)
	_, r := authenticate(t, s)

	// Broadcast registration is asynchronous relative to the auth reply,
	// so publish until the frame comes through.
	got := make(chan legacy.Frame, 1)
	go func() {
		frame := readFrame(t, r)
		got <- frame
	}()

	deadline := time.After(2 * time.Second)
	for {
		b.Publish(bus.Event{
			Kind:      "notify.new_message",
			Timestamp: time.Now(),
			Payload: legacy.Frame{
				Sender:   legacy.SenderServer,
				Response: legacy.EventNewMessage,
				Body:     map[string]any{"msgBody": "hi"},
			},
		})
		select {
		case frame := <-got:
			if frame.Response != legacy.EventNewMessage {
				t.Errorf("Response = %q, want %q", frame.Response, legacy.EventNewMessage)
			}
			return
		case <-deadline:
			t.Fatal("no broadcast received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestBadTokenRejected(t *testing.T) {
	s, _ := startServer(t)
	conn, r := dial(t, s)

	readFrame(t, r)
	sendFrame(t, conn, legacy.Frame{Sender: legacy.SenderClient, Token: "wrong"})

	result := readFrame(t, r)
	if result.Response != legacy.AuthReject {
		t.Errorf("auth response = %q, want %q", result.Response, legacy.AuthReject)
	}
	if _, err := r.ReadBytes('\n'); err == nil {
		t.Error("connection still open after reject, want closed")
	}
}

func TestBadSenderRejected(t *testing.T) {
	s, _ := startServer(t)
	conn, r := dial(t, s)

	readFrame(t, r)
	sendFrame(t, conn, legacy.Frame{Sender: "imposter", Token: testClientToken})

	result := readFrame(t, r)
	if result.Response != legacy.AuthReject {
		t.Errorf("auth response = %q, want %q", result.Response, legacy.AuthReject)
	}
}

func TestMalformedAuthDropsConnection(t *testing.T) {
	s, _ := startServer(t)
	conn, r := dial(t, s)

	readFrame(t, r)
	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := r.ReadBytes('\n'); err == nil {
		t.Error("connection still open after malformed auth, want closed")
	}
}

func TestMalformedPostAuthFrameDropsConnection(t *testing.T) {
	s, _ := startServer(t)
	conn, r := authenticate(t, s)

	if _, err := conn.Write([]byte("{{ not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := r.ReadBytes('\n'); err == nil {
		t.Error("connection still open after malformed frame, want closed")
	}
}

func TestUnauthenticatedClientGetsNoBroadcasts(t *testing.T) {
	s, b := startServer(t)
	_, r := dial(t, s)
	readFrame(t, r) // greeting only, never authenticate

	b.Publish(bus.Event{
		Kind:      "notify.new_message",
		Timestamp: time.Now(),
		Payload:   legacy.Frame{Sender: legacy.SenderServer, Response: legacy.EventNewMessage},
	})

	if _, err := r.ReadBytes('\n'); err == nil {
		t.Error("unauthenticated connection received data, want none")
	}
}

func TestStopClosesClients(t *testing.T) {
	s, _ := startServer(t)
	_, r := authenticate(t, s)

	s.Stop()
	if _, err := r.ReadBytes('\n'); err == nil {
		t.Error("connection still open after Stop, want closed")
	}
}

package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jabolina/mybus/internal/wire"
)

func TestHandshakeSendsGreetingThenPacketVersions(t *testing.T) {
	defer goleak.VerifyNone(t)

	server, client := net.Pipe()
	defer server.Close()

	serverDone := make(chan struct{})
	var firstFrame, secondFrame []byte
	go func() {
		defer close(serverDone)
		firstFrame = readFramed(t, server)
		secondFrame = readFramed(t, server)
	}()

	c := NewTCPConnection(client, 1, nil)
	defer c.Close()

	state := wire.NewProtocolState()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	identity := Identity{App: "mybus-go", AppVersion: "1.0.0", ClientVersion: "1.0.0"}
	if err := Handshake(ctx, c, identity, state); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	<-serverDone

	greetingFrame, err := wire.Decode(firstFrame, wire.NewProtocolState())
	if err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	greeting, ok := greetingFrame.(wire.Greeting)
	if !ok {
		t.Fatalf("expected Greeting, got %T", greetingFrame)
	}
	if greeting.ProtocolVersion != wire.DefaultTCPProtocolVersion {
		t.Fatalf("unexpected protocol version: %d", greeting.ProtocolVersion)
	}

	versionsFrame, err := wire.Decode(secondFrame, wire.NewProtocolState())
	if err != nil {
		t.Fatalf("decode packet versions: %v", err)
	}
	if _, ok := versionsFrame.(wire.PacketVersions); !ok {
		t.Fatalf("expected PacketVersions, got %T", versionsFrame)
	}

	if state.TCPProtocolVersion() != wire.DefaultTCPProtocolVersion {
		t.Fatalf("expected local state updated by its own greeting")
	}
}

func readFramed(t *testing.T, nc net.Conn) []byte {
	t.Helper()
	header := make([]byte, 4)
	if _, err := readFull(nc, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	size := int(header[0]) | int(header[1])<<8 | int(header[2])<<16 | int(header[3])<<24
	payload := make([]byte, size)
	if _, err := readFull(nc, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return payload
}

func readFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

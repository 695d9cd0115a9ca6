// Package conn defines the minimal connection-lifecycle surface the core
// needs to drive a duplex frame channel, and the handshake sequence run
// immediately after the transport connects. The socket runtime itself
// (reconnect, ping/pong scheduling, framing buffers) is an external
// collaborator and is not implemented here; Connection follows a
// producer-channel-plus-context-cancel-Close shape, narrowed down to a
// single duplex TCP connection.
package conn

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/jabolina/mybus/internal/log"
	"github.com/jabolina/mybus/internal/wire"
)

// Connection is the interface PublisherEngine and SubscriberEngine drive.
// Frames returns raw length-prefixed-decoded payloads (one []byte per
// complete frame read off the wire); FrameCodec decoding happens one
// layer up, since a Connection has no notion of ProtocolState.
type Connection interface {
	ID() int32
	Send(ctx context.Context, frame []byte) error
	Frames() <-chan []byte
	Done() <-chan struct{}
}

// TCPConnection is a Connection backed by a net.Conn, length-prefixing
// every frame with a 4-byte little-endian size. The read loop and its
// consumer are split across a background poll goroutine and the Frames
// channel.
type TCPConnection struct {
	id int32

	nc     net.Conn
	reader *bufio.Reader

	log log.Logger

	frames chan []byte
	done   chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex
}

// NewTCPConnection wraps nc and starts the background read loop. id
// identifies this connection for logging/metrics only.
func NewTCPConnection(nc net.Conn, id int32, logger log.Logger) *TCPConnection {
	if logger == nil {
		logger = log.Noop()
	}
	c := &TCPConnection{
		id:     id,
		nc:     nc,
		reader: bufio.NewReader(nc),
		log:    logger.WithField("connection_id", id),
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go c.poll()
	return c
}

func (c *TCPConnection) ID() int32 { return c.id }

func (c *TCPConnection) Frames() <-chan []byte { return c.frames }
func (c *TCPConnection) Done() <-chan struct{} { return c.done }

// Send frames a single payload as a 4-byte little-endian length prefix
// followed by the bytes, writing under a mutex so concurrent publish and
// subscribe call sites never interleave a partial frame.
func (c *TCPConnection) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return pkgerrors.New("conn: send on closed connection")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(frame)))

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(deadline)
		defer c.nc.SetWriteDeadline(time.Time{})
	}

	if _, err := c.nc.Write(header[:]); err != nil {
		c.closeWithErr(err)
		return pkgerrors.Wrap(err, "conn: write frame header")
	}
	if _, err := c.nc.Write(frame); err != nil {
		c.closeWithErr(err)
		return pkgerrors.Wrap(err, "conn: write frame body")
	}
	return nil
}

func (c *TCPConnection) poll() {
	defer c.closeWithErr(nil)
	for {
		var header [4]byte
		if _, err := io.ReadFull(c.reader, header[:]); err != nil {
			if err != io.EOF {
				c.log.Warnf("connection read loop stopped: %v", err)
			}
			return
		}
		size := binary.LittleEndian.Uint32(header[:])
		payload := make([]byte, size)
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			c.log.Warnf("connection read loop stopped reading frame body: %v", err)
			return
		}
		select {
		case c.frames <- payload:
		case <-c.done:
			return
		}
	}
}

func (c *TCPConnection) closeWithErr(err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			c.log.Warnf("connection closed: %v", err)
		}
		close(c.done)
		_ = c.nc.Close()
	})
}

// Close tears the connection down; Done() is closed exactly once even if
// Close is called concurrently with a read-loop failure.
func (c *TCPConnection) Close() error {
	c.closeWithErr(nil)
	return nil
}

// Identity is the (app, version, client_version, env) tuple used to build
// the outbound Greeting name.
type Identity struct {
	App             string
	AppVersion      string
	ClientVersion   string
	EnvInfo         string
	ProtocolVersion int32
}

// Handshake performs the exact two-frame sequence a connection opens
// with: an outbound Greeting followed by a PacketVersions announcing this
// client's NEW_MESSAGES support, applying both locally to state as they
// are sent. Any Greeting or PacketVersions the server sends back arrives
// later on the ordinary Frames() channel, decoded like any other frame;
// routing it into state is the publisher and subscriber engines'
// HandleFrame, not Handshake's, job.
func Handshake(ctx context.Context, c Connection, identity Identity, state *wire.ProtocolState) error {
	protocolVersion := identity.ProtocolVersion
	if protocolVersion == 0 {
		protocolVersion = wire.DefaultTCPProtocolVersion
	}

	greeting := wire.Greeting{
		Name:            wire.BuildGreetingName(identity.App, identity.AppVersion, identity.ClientVersion, identity.EnvInfo),
		ProtocolVersion: protocolVersion,
	}
	encoded, err := wire.Encode(greeting, state)
	if err != nil {
		return pkgerrors.Wrap(err, "handshake: encode greeting")
	}
	if err := c.Send(ctx, encoded); err != nil {
		return pkgerrors.Wrap(err, "handshake: send greeting")
	}
	state.ApplyGreeting(&greeting)

	versions := wire.PacketVersions{Versions: []wire.PacketVersionEntry{
		{PacketID: wire.PacketNewMessages, Version: wire.NewMessagesAttemptNoVersion},
	}}
	encodedVersions, err := wire.Encode(versions, state)
	if err != nil {
		return pkgerrors.Wrap(err, "handshake: encode packet versions")
	}
	if err := c.Send(ctx, encodedVersions); err != nil {
		return pkgerrors.Wrap(err, "handshake: send packet versions")
	}
	state.ApplyPacketVersions(&versions)

	return nil
}

// Command mybus-cli is a small manual-smoke-test tool exercising
// publisher and subscriber against a real TCP connection.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/jabolina/mybus/conn"
	"github.com/jabolina/mybus/internal/log"
	"github.com/jabolina/mybus/internal/metrics"
	"github.com/jabolina/mybus/internal/wire"
	"github.com/jabolina/mybus/publisher"
	"github.com/jabolina/mybus/serializer"
	"github.com/jabolina/mybus/subscriber"
)

var (
	app      = kingpin.New("mybus-cli", "Manual smoke-test client for a mybus server.")
	addr     = app.Flag("addr", "server host:port").Default("127.0.0.1:8123").String()
	logLevel = app.Flag("log-level", "debug|info|warn|error").Default("info").String()

	publishCmd     = app.Command("publish", "Publish one message to a topic and wait for the response.")
	publishTopic   = publishCmd.Arg("topic", "topic id").Required().String()
	publishMessage = publishCmd.Arg("message", "message body").Required().String()
	publishTimeout = publishCmd.Flag("timeout", "how long to wait for the publish response").Default("5s").Duration()

	subscribeCmd       = app.Command("subscribe", "Subscribe to a topic/queue and print delivered messages.")
	subscribeTopic     = subscribeCmd.Arg("topic", "topic id").Required().String()
	subscribeQueue     = subscribeCmd.Arg("queue", "queue id").Required().String()
	subscribeQueueType = subscribeCmd.Flag("queue-type", "permanent|delete-on-disconnect|single-connection").Default("permanent").String()
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	stdout := colorable.NewColorableStdout()
	logger := log.NewWithLevel(*logLevel)

	nc, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintln(stdout, color.RedString("dial %s: %v", *addr, err))
		os.Exit(1)
	}

	state := wire.NewProtocolState()
	tcp := conn.NewTCPConnection(nc, 1, logger)
	identity := conn.Identity{
		App:           "mybus-cli",
		AppVersion:    "1.0.0",
		ClientVersion: "1.0.0",
		EnvInfo:       os.Getenv("ENV_INFO"),
	}

	handshakeCtx, cancelHandshake := context.WithTimeout(context.Background(), 5*time.Second)
	err = conn.Handshake(handshakeCtx, tcp, identity, state)
	cancelHandshake()
	if err != nil {
		fmt.Fprintln(stdout, color.RedString("handshake: %v", err))
		os.Exit(1)
	}

	switch cmd {
	case publishCmd.FullCommand():
		runPublish(stdout, tcp, state, logger)
	case subscribeCmd.FullCommand():
		runSubscribe(stdout, tcp, state, logger)
	}
}

func runPublish(stdout io.Writer, tcp *conn.TCPConnection, state *wire.ProtocolState, logger log.Logger) {
	reg := metrics.Noop()
	engine := publisher.NewEngine[[]byte](serializer.Bytes{}, state, logger, reg)
	engine.SetConnection(tcp)

	go pumpFrames(tcp, state, logger, engine.HandleFrame)

	ctx, cancel := context.WithTimeout(context.Background(), *publishTimeout)
	defer cancel()

	if err := engine.Publish(ctx, *publishTopic, []byte(*publishMessage), nil, false); err != nil {
		fmt.Fprintln(stdout, color.RedString("publish failed: %v", err))
		os.Exit(1)
	}
	fmt.Fprintln(stdout, color.GreenString("published to %q", *publishTopic))
}

func runSubscribe(stdout io.Writer, tcp *conn.TCPConnection, state *wire.ProtocolState, logger log.Logger) {
	qt, err := parseQueueType(*subscribeQueueType)
	if err != nil {
		fmt.Fprintln(stdout, color.RedString("%v", err))
		os.Exit(1)
	}

	reg := metrics.Noop()
	engine := subscriber.NewEngine(state, logger, reg)

	subCtx, cancelSub := context.WithCancel(context.Background())
	defer cancelSub()
	engine.SetConnection(subCtx, tcp)

	subscriber.Subscribe[[]byte](engine, *subscribeTopic, *subscribeQueue, qt, serializer.Bytes{},
		func(ctx context.Context, reader *subscriber.MessagesReader[[]byte]) error {
			for {
				m, ok := reader.Next(ctx)
				if !ok {
					return nil
				}
				fmt.Fprintln(stdout, color.CyanString("[%s/%s] id=%d: %s", *subscribeTopic, *subscribeQueue, m.ID, string(m.Decoded)))
			}
		})

	go pumpFrames(tcp, state, logger, func(f wire.Frame) { engine.HandleFrame(subCtx, f) })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	select {
	case <-sigCh:
		fmt.Fprintln(stdout, color.YellowString("interrupted, closing connection"))
		_ = tcp.Close()
	case <-tcp.Done():
		fmt.Fprintln(stdout, color.YellowString("connection closed by server"))
	}
}

// pumpFrames decodes every raw frame off tcp.Frames() against state and
// hands the result to handle, until the connection's Done() channel
// closes. Decode errors are logged and skipped rather than torn down,
// since one malformed frame shouldn't kill a long-lived subscribe loop.
func pumpFrames(tcp *conn.TCPConnection, state *wire.ProtocolState, logger log.Logger, handle func(wire.Frame)) {
	for {
		select {
		case raw, ok := <-tcp.Frames():
			if !ok {
				return
			}
			frame, err := wire.Decode(raw, state)
			if err != nil {
				logger.Warnf("discarding malformed frame: %v", err)
				continue
			}
			handle(frame)
		case <-tcp.Done():
			return
		}
	}
}

func parseQueueType(s string) (wire.QueueType, error) {
	switch strings.ToLower(s) {
	case "permanent":
		return wire.QueueTypePermanent, nil
	case "delete-on-disconnect":
		return wire.QueueTypeDeleteOnDisconnect, nil
	case "single-connection":
		return wire.QueueTypePermanentWithSingleConnection, nil
	default:
		return 0, fmt.Errorf("unknown queue type %q", s)
	}
}

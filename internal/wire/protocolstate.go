package wire

import (
	"strings"

	"github.com/hashicorp/go-version"
)

// DefaultTCPProtocolVersion is the protocol version a current client
// negotiates via its outbound Greeting.
const DefaultTCPProtocolVersion = 3

// MinHeadersProtocolVersion is the tcp_protocol_version at and above which
// message headers are present on the wire.
const MinHeadersProtocolVersion = 3

// NewMessagesAttemptNoVersion is the NEW_MESSAGES packet version at and
// above which per-message attempt_no is present on the wire.
const NewMessagesAttemptNoVersion = 1

// ProtocolState is the per-connection negotiated state: the overall tcp
// protocol version plus a per-packet-kind version table. It is mutated
// only by inbound Greeting and PacketVersions frames: the inbound decode
// loop is the only writer, every publish/subscribe call site only reads
// it.
type ProtocolState struct {
	tcpProtocolVersion int32
	packetVersions     [256]uint8

	// clientVersion is parsed from this client's own outbound Greeting
	// name for the SupportsPacketVersioning convenience predicate; it has
	// no effect on wire bytes.
	clientVersion *version.Version
}

// NewProtocolState returns a ProtocolState at the pre-Greeting default
// (tcp_protocol_version 0, all packet versions 0).
func NewProtocolState() *ProtocolState {
	return &ProtocolState{}
}

// TCPProtocolVersion returns the negotiated overall protocol version.
func (s *ProtocolState) TCPProtocolVersion() int32 { return s.tcpProtocolVersion }

// PacketVersion returns the negotiated version for the given packet id.
func (s *ProtocolState) PacketVersion(packetID uint8) uint8 { return s.packetVersions[packetID] }

// ApplyGreeting updates the tcp protocol version from an inbound Greeting
// frame and parses the client_version component of its name, if present,
// for SupportsPacketVersioning.
func (s *ProtocolState) ApplyGreeting(g *Greeting) {
	s.tcpProtocolVersion = g.ProtocolVersion
	if v, ok := parseClientVersion(g.Name); ok {
		s.clientVersion = v
	}
}

// ApplyPacketVersions merges an inbound PacketVersions frame into the
// table, last-write-wins per entry.
func (s *ProtocolState) ApplyPacketVersions(pv *PacketVersions) {
	for _, e := range pv.Versions {
		if e.Version >= 0 && e.Version <= 255 {
			s.packetVersions[e.PacketID] = uint8(e.Version)
		}
	}
}

// HeadersPresent reports whether message headers are carried on the wire
// at the current tcp protocol version.
func (s *ProtocolState) HeadersPresent() bool {
	return s.tcpProtocolVersion >= MinHeadersProtocolVersion
}

// AttemptNoPresent reports whether per-message attempt_no is carried on
// the wire at the current NEW_MESSAGES packet version.
func (s *ProtocolState) AttemptNoPresent() bool {
	if s.HeadersPresent() {
		return true
	}
	return s.PacketVersion(PacketNewMessages) >= NewMessagesAttemptNoVersion
}

// SupportsPacketVersioning reports whether this client's own parsed
// client_version is >= 1.0.0. A bare convenience predicate with no wire
// effect.
func (s *ProtocolState) SupportsPacketVersioning() bool {
	if s.clientVersion == nil {
		return false
	}
	min, _ := version.NewVersion("1.0.0")
	return s.clientVersion.GreaterThanOrEqual(min)
}

// parseClientVersion extracts <client_version> from a Greeting name of
// the shape "<app>:<version>;<client_version>[;<env>]".
func parseClientVersion(name string) (*version.Version, bool) {
	parts := strings.Split(name, ";")
	if len(parts) < 2 {
		return nil, false
	}
	v, err := version.NewVersion(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, false
	}
	return v, true
}

// BuildGreetingName composes the Greeting name field:
// "<app>:<version>;<client_version>[;<env>]", appending ENV_INFO when
// envInfo is non-empty.
func BuildGreetingName(app, appVersion, clientVersion, envInfo string) string {
	name := app + ":" + appVersion + ";" + clientVersion
	if envInfo != "" {
		name += ";" + envInfo
	}
	return name
}

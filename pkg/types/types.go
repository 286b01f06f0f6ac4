// Package types defines the core domain types shared by the ingest server,
// the operator API and the simulator.
//
// # Design Principles
//
// 1. Identity: a server is identified by its ServerID, never by its position
// 2. Serialization: all types are YAML/JSON-serializable for config and API transport
// 3. Immutability: decoded packets and stored records are never mutated after construction
// 4. Validation: endpoint edits are parsed before they touch an entry
package types

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// =============================================================================
// SERVER IDENTITY
// =============================================================================

// ServerID is the stable 32-byte opaque identifier of a configured server.
// It is assigned once, before the entry is accepted, and never changes.
type ServerID [32]byte

// NewServerID generates a fresh id: the 32 hex characters of a random UUID.
func NewServerID() ServerID {
	var id ServerID
	u := uuid.New()
	hex.Encode(id[:], u[:])
	return id
}

// IsZero reports whether the id was never assigned.
func (id ServerID) IsZero() bool {
	return id == ServerID{}
}

// String returns the standard base64 form used in config files.
func (id ServerID) String() string {
	return base64.StdEncoding.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler (used by both yaml and json).
func (id ServerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ServerID) UnmarshalText(text []byte) error {
	parsed, err := ParseServerID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseServerID decodes the base64 form of a ServerID.
func ParseServerID(s string) (ServerID, error) {
	var id ServerID
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("decoding server id: %w", err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("invalid server id length: got %d bytes, want %d", len(decoded), len(id))
	}
	copy(id[:], decoded)
	return id, nil
}

// =============================================================================
// SERVER ENTRY
// =============================================================================

// ErrInvalidEndpoint is returned when an IP/hostname or port string does not parse.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// ServerEntry is one configured controller endpoint.
type ServerEntry struct {
	ID        ServerID `yaml:"id" json:"id"`
	Name      string   `yaml:"name" json:"name"`
	IPAddress string   `yaml:"ip_address" json:"ip_address"`
	Port      uint16   `yaml:"port" json:"port"`
	Autostart bool     `yaml:"autostart" json:"autostart"`
}

// Address returns the host:port the listener binds.
func (e ServerEntry) Address() string {
	return net.JoinHostPort(e.IPAddress, strconv.Itoa(int(e.Port)))
}

// Origin returns the label stored with every packet received by this server.
func (e ServerEntry) Origin() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Address()
}

// Validate checks that the entry can be bound.
func (e ServerEntry) Validate() error {
	if e.ID.IsZero() {
		return fmt.Errorf("server id is required")
	}
	if _, err := ParseHost(e.IPAddress); err != nil {
		return err
	}
	if e.Port == 0 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidEndpoint)
	}
	return nil
}

// SetEndpoint parses host and port and applies them. On error the entry is
// left unchanged.
func (e *ServerEntry) SetEndpoint(host, port string) error {
	h, err := ParseHost(host)
	if err != nil {
		return err
	}
	p, err := ParsePort(port)
	if err != nil {
		return err
	}
	e.IPAddress = h
	e.Port = p
	return nil
}

// ParseHost accepts an IPv4/IPv6 literal or a DNS hostname.
func ParseHost(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), nil
	}
	if !validHostname(s) {
		return "", fmt.Errorf("%w: %q is neither an IP address nor a hostname", ErrInvalidEndpoint, s)
	}
	return s, nil
}

// ParsePort accepts a decimal port in the range 1-65535.
func ParsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: port %q: %v", ErrInvalidEndpoint, s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidEndpoint)
	}
	return uint16(n), nil
}

func validHostname(s string) bool {
	s = strings.TrimSuffix(s, ".")
	if len(s) == 0 || len(s) > 253 {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}

// =============================================================================
// LIVE STATUS
// =============================================================================

// PeerAddr is a 16-byte address slot. IPv4 peers are stored IPv4-mapped.
type PeerAddr [16]byte

// PeerFromAddr stores addr in a PeerAddr.
func PeerFromAddr(addr netip.Addr) PeerAddr {
	if !addr.IsValid() {
		return PeerAddr{}
	}
	return PeerAddr(addr.As16())
}

// PeerFromNetAddr extracts the IP of a net.Addr (typically conn.RemoteAddr()).
func PeerFromNetAddr(a net.Addr) PeerAddr {
	if a == nil {
		return PeerAddr{}
	}
	ap, err := netip.ParseAddrPort(a.String())
	if err != nil {
		return PeerAddr{}
	}
	return PeerFromAddr(ap.Addr())
}

// IsZero reports whether no peer has been recorded.
func (p PeerAddr) IsZero() bool {
	return p == PeerAddr{}
}

// Addr returns the stored address, unmapping IPv4-in-IPv6.
func (p PeerAddr) Addr() netip.Addr {
	if p.IsZero() {
		return netip.Addr{}
	}
	return netip.AddrFrom16([16]byte(p)).Unmap()
}

// String returns the textual address, or "" when unset.
func (p PeerAddr) String() string {
	if p.IsZero() {
		return ""
	}
	return p.Addr().String()
}

// MarshalText implements encoding.TextMarshaler.
func (p PeerAddr) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PeerAddr) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = PeerAddr{}
		return nil
	}
	addr, err := netip.ParseAddr(string(text))
	if err != nil {
		return fmt.Errorf("parsing peer address: %w", err)
	}
	*p = PeerFromAddr(addr)
	return nil
}

// ServerStatusInfo is the live runtime state of one configured server.
//
// Idx is the entry's current position and is only meaningful inside the
// snapshot it was published in. Cross-references use ServerID.
type ServerStatusInfo struct {
	Idx            int      `json:"idx"`
	ServerID       ServerID `json:"server_id"`
	IsRunning      bool     `json:"is_running"`
	IsConnected    bool     `json:"is_connected"`
	IsAlive        bool     `json:"is_alive"`
	NewData        bool     `json:"new_data"`
	LastPacketTime int64    `json:"last_packet_time"` // epoch millis
	PeerAddr       PeerAddr `json:"peer_addr"`
}

// =============================================================================
// PACKETS
// =============================================================================

// EventDataPacket is one decoded wire frame.
type EventDataPacket struct {
	Raw      []byte   `json:"-"`
	DataType uint32   `json:"data_type"`
	SubCode  uint32   `json:"sub_code"`
	Data     []uint32 `json:"data"`
}

// StoredPacket is a persisted packet as returned by a query.
type StoredPacket struct {
	ID        int64    `json:"id"`
	Origin    string   `json:"origin"`
	Timestamp string   `json:"timestamp"` // RFC3339, local offset
	DataType  uint32   `json:"data_type"`
	SubCode   uint32   `json:"sub_code"`
	Data      []uint32 `json:"data"`
	Query     string   `json:"query"` // SQL text that produced this record
}

// DowntimeRecord is one reconstructed downtime window.
type DowntimeRecord struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Duration int64  `json:"duration"` // seconds
}

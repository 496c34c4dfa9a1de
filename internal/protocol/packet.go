// Package protocol defines the RCON packet value type and the wire codecs
// that move it on and off the network: the binary length-prefixed frame,
// the line-oriented Telnet form, the WebSocket JSON envelope and the
// BattlEye UDP datagram.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies what a packet carries. The numeric values are the ones
// used on the binary wire.
type Kind int32

const (
	KindCommandResponse Kind = 0
	KindCommandRequest  Kind = 2
	KindLoginRequest    Kind = 3
)

// PlaceholderID is the id given to synthetic packets handed back after an
// interrupted read was recovered.
const PlaceholderID int32 = -1

// AuthenticatedLiteral is the affirmative reply some servers send instead of
// echoing the login id.
const AuthenticatedLiteral = "Authenticated."

// ErrInvalidKind is returned when a packet is built with an unknown kind.
var ErrInvalidKind = errors.New("invalid packet kind")

var kindStrings = map[Kind]string{
	KindCommandResponse: "command_response",
	KindCommandRequest:  "command_request",
	KindLoginRequest:    "login_request",
}

// String returns the string representation of Kind.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int32(k))
}

// Valid reports whether k is one of the enumerated kinds.
func (k Kind) Valid() bool {
	_, ok := kindStrings[k]
	return ok
}

// MarshalJSON serializes Kind as a JSON string (e.g. "command_request").
func (k Kind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// Packet is the unit exchanged with a game server.
//
// Positive ids correlate to a specific request. Zero and negative ids mark
// traffic that answers nothing in particular: keepalives, log lines, chat and
// placeholders.
type Packet struct {
	ID      int32  `json:"id"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// NewPacket builds a packet, rejecting kinds outside the enumeration.
func NewPacket(id int32, kind Kind, message string) (Packet, error) {
	if !kind.Valid() {
		return Packet{}, fmt.Errorf("%w: %d", ErrInvalidKind, int32(kind))
	}
	return Packet{ID: id, Kind: kind, Message: message}, nil
}

// Placeholder returns the synthetic response used to signal that the stream
// was interrupted and then recovered.
func Placeholder() Packet {
	return Packet{ID: PlaceholderID, Kind: KindCommandResponse}
}

// IsPlaceholder reports whether p is a synthetic recovery packet.
func (p Packet) IsPlaceholder() bool {
	return p.ID == PlaceholderID && p.Kind == KindCommandResponse && p.Message == ""
}

// Correlated reports whether p carries a request id.
func (p Packet) Correlated() bool {
	return p.ID > 0
}

// String formats the packet for logs. Login secrets are masked.
func (p Packet) String() string {
	msg := p.Message
	if p.Kind == KindLoginRequest {
		msg = "**password**"
	}
	return fmt.Sprintf("[%d] %s: %s", p.ID, p.Kind, strings.TrimSpace(msg))
}

// LoginAccepted applies both authentication rules to the frame read after a
// login request: the standard id echo, or the exact affirmative literal
// sent by servers that do not echo ids.
func LoginAccepted(login, resp Packet) bool {
	if resp.ID == login.ID {
		return true
	}
	return resp.Message == AuthenticatedLiteral
}

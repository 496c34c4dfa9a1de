package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ClientName is the fixed Name field sent with every WebSocket envelope.
const ClientName = "WebRcon"

// Identifier is the envelope correlation id. It is written as a JSON string
// and read back from either a string or a number, since servers answer with
// numbers.
type Identifier int32

// MarshalJSON writes the id as a quoted decimal string.
func (i Identifier) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(i), 10))), nil
}

// UnmarshalJSON accepts "7", 7 and "".
func (i *Identifier) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*i = 0
		return nil
	}

	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(raw)
		if err != nil {
			return fmt.Errorf("invalid identifier %s: %w", raw, err)
		}
		raw = s
	}
	if raw == "" {
		*i = 0
		return nil
	}

	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid identifier %q: %w", raw, err)
	}
	*i = Identifier(n)
	return nil
}

// Envelope is the JSON frame used by WebSocket RCON.
type Envelope struct {
	Identifier Identifier `json:"Identifier"`
	Message    string     `json:"Message"`
	Name       string     `json:"Name,omitempty"`
	Type       string     `json:"Type,omitempty"`
	Stacktrace string     `json:"Stacktrace,omitempty"`
}

// EnvelopeCodec implements the WebSocket JSON form. The envelope carries no
// kind, so every decoded packet is a response.
type EnvelopeCodec struct{}

// Name returns the codec name.
func (EnvelopeCodec) Name() string { return "envelope" }

// Encode serializes p as an envelope text frame.
func (EnvelopeCodec) Encode(p Packet) ([]byte, error) {
	if !p.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	return json.Marshal(Envelope{
		Identifier: Identifier(p.ID),
		Message:    p.Message,
		Name:       ClientName,
	})
}

// Decode parses an envelope into a response packet.
func (c EnvelopeCodec) Decode(data []byte) (Packet, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return Packet{}, err
	}
	return Packet{ID: int32(env.Identifier), Kind: KindCommandResponse, Message: env.Message}, nil
}

// DecodeEnvelope parses the full envelope, including the server-side Type
// and Stacktrace fields.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &FramingError{Codec: "envelope", Reason: err.Error(), Size: len(data)}
	}
	return env, nil
}

package protocol

import (
	"errors"
	"fmt"
)

// ErrFraming marks bytes that cannot be turned into a packet. A framing error
// leaves the stream in an unknown position, so callers treat it like a lost
// connection.
var ErrFraming = errors.New("framing error")

// FramingError describes a malformed frame.
type FramingError struct {
	Codec  string
	Reason string
	Size   int
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("%s framing error: %s (%d bytes)", e.Codec, e.Reason, e.Size)
}

// Unwrap lets errors.Is match ErrFraming.
func (e *FramingError) Unwrap() error {
	return ErrFraming
}

// Codec serializes packets for one wire format.
type Codec interface {
	Name() string
	Encode(p Packet) ([]byte, error)
	Decode(data []byte) (Packet, error)
}

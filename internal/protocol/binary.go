package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MinFrameSize is the smallest complete binary frame: length, id, kind
	// and the two-byte terminator around an empty message.
	MinFrameSize = 14

	// MaxFrameSize bounds a single frame. Larger length fields mean the
	// stream is out of step.
	MaxFrameSize = 64 * 1024

	// ReceiveBufferSize is the size of each socket read.
	ReceiveBufferSize = 4096

	headerSize = 12
)

// BinaryCodec implements the length-prefixed RCON frame:
//
//	[0:4]   int32 LE  length of id, kind, message and terminator
//	[4:8]   int32 LE  id
//	[8:12]  int32 LE  kind
//	[12:N]  message bytes
//	[N:N+2] 0x00 0x00
type BinaryCodec struct{}

// Name returns the codec name.
func (BinaryCodec) Name() string { return "binary" }

// Encode serializes p into a single frame.
func (BinaryCodec) Encode(p Packet) ([]byte, error) {
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, int32(p.Kind))
	}

	body := []byte(p.Message)
	if len(body)+MinFrameSize > MaxFrameSize {
		return nil, fmt.Errorf("message too large: %d bytes (max %d)", len(body), MaxFrameSize-MinFrameSize)
	}

	b := NewPacketBuilder()
	b.WriteInt32(int32(len(body) + 10)).
		WriteInt32(p.ID).
		WriteInt32(int32(p.Kind)).
		WriteBytes(body).
		WriteUint8(0).
		WriteUint8(0)
	return b.Bytes(), nil
}

// Decode parses the bytes of one read. The message is everything between
// offset 12 and the last two bytes, whatever the length field claims, since
// some servers pad their replies inconsistently.
func (BinaryCodec) Decode(data []byte) (Packet, error) {
	n := len(data)
	if n < MinFrameSize {
		return Packet{}, &FramingError{Codec: "binary", Reason: "payload shorter than header", Size: n}
	}

	id := int32(binary.LittleEndian.Uint32(data[4:8]))
	kind := Kind(int32(binary.LittleEndian.Uint32(data[8:12])))

	p, err := NewPacket(id, kind, string(data[headerSize:n-2]))
	if err != nil {
		return Packet{}, &FramingError{Codec: "binary", Reason: err.Error(), Size: n}
	}
	return p, nil
}

// FrameReader cuts a byte stream into binary frames using the length
// prefix. Bytes already received survive a read error, so a read deadline
// that expires mid-frame does not desynchronize the stream.
type FrameReader struct {
	r     io.Reader
	buf   []byte
	chunk []byte
	err   error
}

// NewFrameReader creates a FrameReader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:     r,
		chunk: make([]byte, ReceiveBufferSize),
	}
}

// Next returns the next complete frame, length prefix included.
func (fr *FrameReader) Next() ([]byte, error) {
	for {
		frame, ok, err := fr.cut()
		if err != nil {
			return nil, err
		}
		if ok {
			return frame, nil
		}

		if fr.err != nil {
			err := fr.err
			fr.err = nil
			return nil, err
		}

		n, err := fr.r.Read(fr.chunk)
		if n > 0 {
			fr.buf = append(fr.buf, fr.chunk[:n]...)
		}
		if err != nil {
			fr.err = err
		}
	}
}

// Buffered returns the number of bytes held for an incomplete frame.
func (fr *FrameReader) Buffered() int {
	return len(fr.buf)
}

func (fr *FrameReader) cut() ([]byte, bool, error) {
	if len(fr.buf) < 4 {
		return nil, false, nil
	}

	total := int(int32(binary.LittleEndian.Uint32(fr.buf[:4]))) + 4
	if total < MinFrameSize {
		fr.buf = nil
		return nil, false, &FramingError{Codec: "binary", Reason: "length field below minimum frame", Size: total}
	}
	if total > MaxFrameSize {
		fr.buf = nil
		return nil, false, &FramingError{Codec: "binary", Reason: "length field above maximum frame", Size: total}
	}
	if len(fr.buf) < total {
		return nil, false, nil
	}

	frame := make([]byte, total)
	copy(frame, fr.buf[:total])
	if rest := len(fr.buf) - total; rest > 0 {
		fr.buf = append(fr.buf[:0], fr.buf[total:]...)
	} else {
		fr.buf = fr.buf[:0]
	}
	return frame, true, nil
}

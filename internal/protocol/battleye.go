package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

// BattlEye datagram types.
const (
	BETypeLogin   byte = 0x00
	BETypeCommand byte = 0x01
	BETypeMessage byte = 0x02
)

const beHeaderSize = 8 // 'B' 'E' crc32 0xFF type

// BEPacket is one BattlEye RCON datagram.
//
//	'B' 'E' | crc32 LE of everything after it | 0xFF | type | [seq] | payload
//
// Login packets carry no sequence byte. Command replies may be split, in
// which case the payload starts with 0x00, the part count and the part index.
type BEPacket struct {
	Type      byte
	Seq       byte
	Payload   []byte
	Multipart bool
	PartCount byte
	PartIndex byte
}

// EncodeBE serializes a datagram and stamps its checksum.
func EncodeBE(p BEPacket) []byte {
	body := NewPacketBuilder()
	body.WriteUint8(0xFF).WriteUint8(p.Type)
	if p.Type != BETypeLogin {
		body.WriteUint8(p.Seq)
	}
	if p.Multipart {
		body.WriteUint8(0x00).WriteUint8(p.PartCount).WriteUint8(p.PartIndex)
	}
	body.WriteBytes(p.Payload)
	tail := body.Bytes()

	out := NewPacketBuilder()
	out.WriteUint8('B').WriteUint8('E').
		WriteUint32(crc32.ChecksumIEEE(tail)).
		WriteBytes(tail)
	return out.Bytes()
}

// DecodeBE parses and verifies a datagram.
func DecodeBE(data []byte) (BEPacket, error) {
	if len(data) < beHeaderSize {
		return BEPacket{}, &FramingError{Codec: "battleye", Reason: "datagram shorter than header", Size: len(data)}
	}
	if data[0] != 'B' || data[1] != 'E' || data[6] != 0xFF {
		return BEPacket{}, &FramingError{Codec: "battleye", Reason: "bad header", Size: len(data)}
	}
	if binary.LittleEndian.Uint32(data[2:6]) != crc32.ChecksumIEEE(data[6:]) {
		return BEPacket{}, &FramingError{Codec: "battleye", Reason: "checksum mismatch", Size: len(data)}
	}

	p := BEPacket{Type: data[7]}
	rest := data[beHeaderSize:]

	switch p.Type {
	case BETypeLogin:
		p.Payload = rest
		return p, nil
	case BETypeCommand, BETypeMessage:
		if len(rest) < 1 {
			return BEPacket{}, &FramingError{Codec: "battleye", Reason: "missing sequence byte", Size: len(data)}
		}
		p.Seq = rest[0]
		p.Payload = rest[1:]
	default:
		return BEPacket{}, &FramingError{Codec: "battleye", Reason: "unknown packet type", Size: len(data)}
	}

	if p.Type == BETypeCommand && len(p.Payload) >= 3 && p.Payload[0] == 0x00 {
		p.Multipart = true
		p.PartCount = p.Payload[1]
		p.PartIndex = p.Payload[2]
		p.Payload = p.Payload[3:]
	}
	return p, nil
}

// BELoginAccepted reports whether a login reply grants access.
func BELoginAccepted(p BEPacket) bool {
	return p.Type == BETypeLogin && len(p.Payload) > 0 && p.Payload[0] == 0x01
}

// Multipart reassembles split command replies, keyed by sequence byte.
type Multipart struct {
	pending map[byte]*partial
}

type partial struct {
	chunks [][]byte
	got    int
}

// NewMultipart creates an empty reassembler.
func NewMultipart() *Multipart {
	return &Multipart{pending: make(map[byte]*partial)}
}

// Add stores one part. It returns the joined payload once every part of the
// reply has arrived. Single-part packets complete immediately.
func (m *Multipart) Add(p BEPacket) ([]byte, bool) {
	if !p.Multipart {
		return p.Payload, true
	}
	if p.PartCount == 0 || p.PartIndex >= p.PartCount {
		return nil, false
	}

	st, ok := m.pending[p.Seq]
	if !ok || len(st.chunks) != int(p.PartCount) {
		st = &partial{chunks: make([][]byte, p.PartCount)}
		m.pending[p.Seq] = st
	}
	if st.chunks[p.PartIndex] == nil {
		st.got++
	}
	st.chunks[p.PartIndex] = append([]byte{}, p.Payload...)

	if st.got < len(st.chunks) {
		return nil, false
	}

	delete(m.pending, p.Seq)
	var joined []byte
	for _, c := range st.chunks {
		joined = append(joined, c...)
	}
	return joined, true
}

// Pending returns the number of replies still missing parts.
func (m *Multipart) Pending() int {
	return len(m.pending)
}

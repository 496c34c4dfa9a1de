package protocol

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"testing"
	"testing/iotest"
)

func ExampleBinaryCodec_Encode() {
	frame, _ := BinaryCodec{}.Encode(Packet{ID: 42, Kind: KindCommandRequest, Message: "info"})
	fmt.Println(hex.EncodeToString(frame))
	// Output: 0e0000002a00000002000000696e666f0000
}

func TestNewPacketRejectsUnknownKind(t *testing.T) {
	for _, k := range []Kind{1, 4, -1, 99} {
		if _, err := NewPacket(1, k, "x"); !errors.Is(err, ErrInvalidKind) {
			t.Errorf("kind %d: expected ErrInvalidKind, got %v", k, err)
		}
	}
	for _, k := range []Kind{KindCommandResponse, KindCommandRequest, KindLoginRequest} {
		if _, err := NewPacket(1, k, "x"); err != nil {
			t.Errorf("kind %s: unexpected error %v", k, err)
		}
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	packets := []Packet{
		{ID: 1, Kind: KindLoginRequest, Message: "hunter2"},
		{ID: 2, Kind: KindCommandRequest, Message: "listplayers"},
		{ID: 3, Kind: KindCommandResponse, Message: ""},
		{ID: 0, Kind: KindCommandResponse, Message: "keepalive"},
		{ID: -1, Kind: KindCommandResponse, Message: "noise"},
		{ID: 1 << 30, Kind: KindCommandResponse, Message: "Spieler Übersicht: ✓"},
		{ID: 9, Kind: KindCommandResponse, Message: "line one\nline two\n"},
	}

	var c BinaryCodec
	for _, p := range packets {
		frame, err := c.Encode(p)
		if err != nil {
			t.Fatalf("encode %v: %v", p, err)
		}
		if got := len(frame); got != len(p.Message)+MinFrameSize {
			t.Errorf("frame length = %d, want %d", got, len(p.Message)+MinFrameSize)
		}
		back, err := c.Decode(frame)
		if err != nil {
			t.Fatalf("decode %v: %v", p, err)
		}
		if back != p {
			t.Errorf("round trip mismatch: got %+v, want %+v", back, p)
		}
	}
}

func TestBinaryDecodeShortPayload(t *testing.T) {
	for n := 0; n < MinFrameSize; n++ {
		_, err := BinaryCodec{}.Decode(make([]byte, n))
		if !errors.Is(err, ErrFraming) {
			t.Fatalf("%d bytes: expected framing error, got %v", n, err)
		}
		var fe *FramingError
		if !errors.As(err, &fe) || fe.Size != n {
			t.Fatalf("%d bytes: expected *FramingError with size, got %v", n, err)
		}
	}
}

func TestBinaryDecodeTrimsByBytesRead(t *testing.T) {
	// Length field claims an empty body; the bytes actually read still
	// decide the message.
	frame := []byte{
		0x0a, 0, 0, 0,
		0x05, 0, 0, 0,
		0x00, 0, 0, 0,
		'o', 'k', 0, 0,
	}
	p, err := BinaryCodec{}.Decode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != 5 || p.Message != "ok" {
		t.Errorf("got %+v", p)
	}
}

func TestBinaryDecodeRejectsUnknownKind(t *testing.T) {
	frame, _ := BinaryCodec{}.Encode(Packet{ID: 1, Kind: KindCommandRequest, Message: "x"})
	frame[8] = 7
	if _, err := (BinaryCodec{}).Decode(frame); !errors.Is(err, ErrFraming) {
		t.Fatalf("expected framing error, got %v", err)
	}
}

func TestFrameReaderSplitsStream(t *testing.T) {
	var c BinaryCodec
	var stream bytes.Buffer
	want := []Packet{
		{ID: 0, Kind: KindCommandResponse, Message: "keepalive"},
		{ID: 4, Kind: KindCommandResponse, Message: "There are 0 players"},
		{ID: -1, Kind: KindCommandResponse, Message: ""},
	}
	for _, p := range want {
		frame, _ := c.Encode(p)
		stream.Write(frame)
	}

	fr := NewFrameReader(iotest.OneByteReader(&stream))
	for i, w := range want {
		frame, err := fr.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		got, err := c.Decode(frame)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got != w {
			t.Errorf("frame %d: got %+v, want %+v", i, got, w)
		}
	}
	if _, err := fr.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestFrameReaderRejectsShortLength(t *testing.T) {
	stream := bytes.NewReader([]byte{0x06, 0, 0, 0, 1, 0, 0, 0, 0, 0})
	_, err := NewFrameReader(stream).Next()
	if !errors.Is(err, ErrFraming) {
		t.Fatalf("expected framing error, got %v", err)
	}
}

type stutterReader struct {
	steps []func(p []byte) (int, error)
}

func (s *stutterReader) Read(p []byte) (int, error) {
	if len(s.steps) == 0 {
		return 0, io.EOF
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step(p)
}

var errDeadline = errors.New("i/o timeout")

func TestFrameReaderKeepsPartialAcrossErrors(t *testing.T) {
	frame, _ := BinaryCodec{}.Encode(Packet{ID: 8, Kind: KindCommandResponse, Message: "hello"})
	r := &stutterReader{steps: []func([]byte) (int, error){
		func(p []byte) (int, error) { return copy(p, frame[:7]), nil },
		func(p []byte) (int, error) { return 0, errDeadline },
		func(p []byte) (int, error) { return copy(p, frame[7:]), nil },
	}}

	fr := NewFrameReader(r)
	if _, err := fr.Next(); !errors.Is(err, errDeadline) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if fr.Buffered() != 7 {
		t.Fatalf("buffered = %d, want 7", fr.Buffered())
	}

	got, err := fr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("got %x, want %x", got, frame)
	}
}

func TestLoginAccepted(t *testing.T) {
	login := Packet{ID: 5, Kind: KindLoginRequest, Message: "secret"}
	cases := []struct {
		name string
		resp Packet
		want bool
	}{
		{"id echo", Packet{ID: 5, Kind: KindCommandRequest}, true},
		{"literal", Packet{ID: 0, Kind: KindCommandResponse, Message: "Authenticated."}, true},
		{"rejected", Packet{ID: -1, Kind: KindCommandRequest}, false},
		{"near literal", Packet{ID: 0, Kind: KindCommandResponse, Message: "Authenticated"}, false},
	}
	for _, tc := range cases {
		if got := LoginAccepted(login, tc.resp); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPacketStringMasksLogin(t *testing.T) {
	s := Packet{ID: 1, Kind: KindLoginRequest, Message: "hunter2"}.String()
	if bytes.Contains([]byte(s), []byte("hunter2")) {
		t.Fatalf("secret leaked: %s", s)
	}
	if !Placeholder().IsPlaceholder() || Placeholder().Correlated() {
		t.Fatal("placeholder must be uncorrelated")
	}
}

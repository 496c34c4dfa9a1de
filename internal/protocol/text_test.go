package protocol

import (
	"errors"
	"testing"
)

func TestLineRoundTrip(t *testing.T) {
	var c LineCodec
	for _, msg := range []string{"", "Total of 2 in the game", "0. id=171, Bob, pltfmid=Steam_7656"} {
		p := Packet{ID: 0, Kind: KindCommandResponse, Message: msg}
		line, err := c.Encode(p)
		if err != nil {
			t.Fatal(err)
		}
		back, err := c.Decode(line)
		if err != nil {
			t.Fatal(err)
		}
		if back != p {
			t.Errorf("got %+v, want %+v", back, p)
		}
	}
}

func TestLineDecodeStripsCRLF(t *testing.T) {
	p, _ := LineCodec{}.Decode([]byte("Logon successful.\r\n"))
	if p.Message != "Logon successful." || p.ID != 0 || p.Kind != KindCommandResponse {
		t.Errorf("got %+v", p)
	}
}

func TestLineEncodeKeepsSingleLine(t *testing.T) {
	line, _ := LineCodec{}.Encode(Packet{Kind: KindCommandRequest, Message: "say hi\nshutdown"})
	if string(line) != "say hi shutdown\n" {
		t.Errorf("got %q", line)
	}
}

func TestPromptSignals(t *testing.T) {
	if !IsPasswordPrompt("Please enter password:") {
		t.Error("prompt not recognised")
	}
	if IsPasswordPrompt("*** Connected with 7DTD server.") {
		t.Error("banner mistaken for prompt")
	}
	if !IsLoginSuccess("Logon successful.") {
		t.Error("success not recognised")
	}
	if IsLoginSuccess("Password incorrect, please enter password:") {
		t.Error("failure mistaken for success")
	}
}

func TestEnvelopeEncode(t *testing.T) {
	data, err := EnvelopeCodec{}.Encode(Packet{ID: 7, Kind: KindCommandRequest, Message: "playerlist"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"Identifier":"7","Message":"playerlist","Name":"WebRcon"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	var c EnvelopeCodec
	for _, p := range []Packet{
		{ID: 1, Kind: KindCommandResponse, Message: "ok"},
		{ID: 0, Kind: KindCommandResponse, Message: "[CHAT] hello"},
		{ID: -1, Kind: KindCommandResponse, Message: ""},
		{ID: 2147483647, Kind: KindCommandResponse, Message: `quoted "text"`},
	} {
		data, err := c.Encode(p)
		if err != nil {
			t.Fatal(err)
		}
		back, err := c.Decode(data)
		if err != nil {
			t.Fatal(err)
		}
		if back != p {
			t.Errorf("got %+v, want %+v", back, p)
		}
	}
}

func TestEnvelopeDecodeNumericIdentifier(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"Message":"[]","Identifier":12,"Type":"Generic","Stacktrace":""}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Identifier != 12 || env.Type != "Generic" || env.Message != "[]" {
		t.Errorf("got %+v", env)
	}

	p, err := EnvelopeCodec{}.Decode([]byte(`{"Identifier":"","Message":"log"}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != 0 {
		t.Errorf("empty identifier decoded as %d", p.ID)
	}
}

func TestEnvelopeDecodeErrors(t *testing.T) {
	for _, in := range []string{`not json`, `{"Identifier":"abc"}`, `{"Identifier":99999999999}`} {
		if _, err := (EnvelopeCodec{}).Decode([]byte(in)); !errors.Is(err, ErrFraming) {
			t.Errorf("%s: expected framing error, got %v", in, err)
		}
	}
}

func TestBERoundTrip(t *testing.T) {
	packets := []BEPacket{
		{Type: BETypeLogin, Payload: []byte("secret")},
		{Type: BETypeCommand, Seq: 3, Payload: []byte("players")},
		{Type: BETypeCommand, Seq: 0, Payload: []byte{}},
		{Type: BETypeMessage, Seq: 200, Payload: []byte("RCon admin #0 logged in")},
		{Type: BETypeCommand, Seq: 4, Payload: []byte("part"), Multipart: true, PartCount: 2, PartIndex: 1},
	}
	for _, p := range packets {
		back, err := DecodeBE(EncodeBE(p))
		if err != nil {
			t.Fatalf("%+v: %v", p, err)
		}
		if back.Type != p.Type || back.Seq != p.Seq || string(back.Payload) != string(p.Payload) ||
			back.Multipart != p.Multipart || back.PartCount != p.PartCount || back.PartIndex != p.PartIndex {
			t.Errorf("got %+v, want %+v", back, p)
		}
	}
}

func TestBEDecodeRejectsCorruption(t *testing.T) {
	data := EncodeBE(BEPacket{Type: BETypeCommand, Seq: 1, Payload: []byte("players")})
	data[len(data)-1] ^= 0xFF
	if _, err := DecodeBE(data); !errors.Is(err, ErrFraming) {
		t.Fatalf("expected checksum failure, got %v", err)
	}
	if _, err := DecodeBE([]byte("BE")); !errors.Is(err, ErrFraming) {
		t.Fatalf("expected short datagram failure, got %v", err)
	}
}

func TestBELoginAccepted(t *testing.T) {
	ok, _ := DecodeBE(EncodeBE(BEPacket{Type: BETypeLogin, Payload: []byte{0x01}}))
	bad, _ := DecodeBE(EncodeBE(BEPacket{Type: BETypeLogin, Payload: []byte{0x00}}))
	if !BELoginAccepted(ok) || BELoginAccepted(bad) {
		t.Fatal("login reply misread")
	}
}

func TestMultipartReassembly(t *testing.T) {
	m := NewMultipart()
	parts := []BEPacket{
		{Type: BETypeCommand, Seq: 9, Multipart: true, PartCount: 3, PartIndex: 2, Payload: []byte("C")},
		{Type: BETypeCommand, Seq: 9, Multipart: true, PartCount: 3, PartIndex: 0, Payload: []byte("A")},
		{Type: BETypeCommand, Seq: 9, Multipart: true, PartCount: 3, PartIndex: 1, Payload: []byte("B")},
	}
	for i, p := range parts {
		joined, done := m.Add(p)
		if i < 2 && done {
			t.Fatalf("completed early at part %d", i)
		}
		if i == 2 {
			if !done || string(joined) != "ABC" {
				t.Fatalf("got %q done=%v", joined, done)
			}
		}
	}
	if m.Pending() != 0 {
		t.Fatalf("pending = %d", m.Pending())
	}

	single, done := m.Add(BEPacket{Type: BETypeCommand, Seq: 1, Payload: []byte("whole")})
	if !done || string(single) != "whole" {
		t.Fatalf("single part: %q %v", single, done)
	}
}

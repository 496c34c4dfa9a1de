package protocol

import (
	"strings"
)

// Telnet prompt fragments treated as protocol signals rather than data.
const (
	PasswordPrompt = "enter password"
	LoginSucceeded = "successful"
)

// LineCodec implements the Telnet form: one packet per line, no id on the
// wire. Decoded lines are responses with id 0; a login is the bare secret.
type LineCodec struct{}

// Name returns the codec name.
func (LineCodec) Name() string { return "line" }

// Encode renders p as a single newline-terminated line. Embedded line breaks
// would split the packet in two and are replaced by spaces.
func (LineCodec) Encode(p Packet) ([]byte, error) {
	if !p.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	msg := strings.NewReplacer("\r", " ", "\n", " ").Replace(p.Message)
	return []byte(msg + "\n"), nil
}

// Decode turns a raw line into a response packet.
func (LineCodec) Decode(data []byte) (Packet, error) {
	return Packet{
		ID:      0,
		Kind:    KindCommandResponse,
		Message: strings.TrimRight(string(data), "\r\n"),
	}, nil
}

// IsPasswordPrompt reports whether a line asks for the password.
func IsPasswordPrompt(line string) bool {
	return strings.Contains(strings.ToLower(line), PasswordPrompt)
}

// IsLoginSuccess reports whether a line confirms the password.
func IsLoginSuccess(line string) bool {
	return strings.Contains(strings.ToLower(line), LoginSucceeded)
}

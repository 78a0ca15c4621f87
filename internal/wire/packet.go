// Package wire implements the framed packet protocol spoken between the
// auth helper and the credential-check subprocess.
//
// Frame layout, ASCII and line-structured:
//
//	<type-char> <decimal-length>\n<payload bytes>\n
//
// Exactly one space separates the type from the length; the payload is
// followed by exactly one newline. Payload length must be below
// MaxPayload.
package wire

import (
	"fmt"
	"io"

	"github.com/locknest/xlockd/internal/secret"
)

// PacketType is the one-character tag of a frame. The zero value is
// never a valid tag on the wire; it signals "no packet" on a permitted
// clean shutdown.
type PacketType byte

const (
	// TypeNone is the clean-EOF sentinel, never encoded.
	TypeNone PacketType = 0

	// TypeInfo carries an informational message, no response expected.
	TypeInfo PacketType = 'i'
	// TypeError carries an error message, no response expected.
	TypeError PacketType = 'e'
	// TypePromptEchoOn asks for a visible response (username-like).
	TypePromptEchoOn PacketType = 'U'
	// TypePromptEchoOff asks for a hidden response (password-like).
	TypePromptEchoOff PacketType = 'P'
	// TypeResponseEchoOn answers a TypePromptEchoOn prompt.
	TypeResponseEchoOn PacketType = 'u'
	// TypeResponseEchoOff answers a TypePromptEchoOff prompt.
	TypeResponseEchoOff PacketType = 'p'
	// TypeCancelled answers any prompt when the user aborted entry.
	TypeCancelled PacketType = 'x'
)

// MaxPayload is the exclusive upper bound on payload length.
const MaxPayload = 65535

// Valid reports whether t is a member of the wire enumeration.
func (t PacketType) Valid() bool {
	switch t {
	case TypeInfo, TypeError, TypePromptEchoOn, TypePromptEchoOff,
		TypeResponseEchoOn, TypeResponseEchoOff, TypeCancelled:
		return true
	}
	return false
}

// Secret reports whether payloads of this type carry credential
// material that must be pinned and wiped.
func (t PacketType) Secret() bool {
	return t == TypePromptEchoOff || t == TypeResponseEchoOff
}

// WritePacket frames one message onto w. A payload of MaxPayload bytes
// or more is refused before any byte is written. The frame is emitted
// as three sequential writes (header, payload, terminator); a short
// write leaves the stream unusable and is reported, not retried.
func WritePacket(w io.Writer, typ PacketType, payload []byte) error {
	if !typ.Valid() {
		return fmt.Errorf("wire: invalid packet type %d", typ)
	}
	if len(payload) >= MaxPayload {
		return fmt.Errorf("wire: payload too large: %d bytes", len(payload))
	}
	header := fmt.Sprintf("%c %d\n", typ, len(payload))
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("wire: write terminator: %w", err)
	}
	return nil
}

// ReadPacket decodes one frame from r. Parsing is strict: any deviation
// from the frame layout aborts with an error and no partial payload.
//
// EOF before the first byte returns (TypeNone, nil, nil) when
// eofPermitted, and an error otherwise; eofPermitted marks positions
// where a clean shutdown by the peer is acceptable. EOF anywhere inside
// a frame is always an error.
//
// Payloads of secret-bearing types are decoded into a pinned
// secret.Buffer; the caller owns it and must Wipe it when consumed.
// Non-secret payloads are returned with a nil buffer.
func ReadPacket(r io.Reader, eofPermitted bool) (PacketType, *secret.Buffer, []byte, error) {
	var one [1]byte

	// Type tag.
	if _, err := io.ReadFull(r, one[:]); err != nil {
		if err == io.EOF && eofPermitted {
			return TypeNone, nil, nil, nil
		}
		return TypeNone, nil, nil, fmt.Errorf("wire: read type: %w", err)
	}
	typ := PacketType(one[0])
	if !typ.Valid() {
		return TypeNone, nil, nil, fmt.Errorf("wire: unknown packet type %q", one[0])
	}

	// Separator.
	if _, err := io.ReadFull(r, one[:]); err != nil {
		return TypeNone, nil, nil, fmt.Errorf("wire: read separator: %w", err)
	}
	if one[0] != ' ' {
		return TypeNone, nil, nil, fmt.Errorf("wire: expected separator, got %q", one[0])
	}

	// Decimal length, terminated by newline.
	length := 0
	sawDigit := false
	for {
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return TypeNone, nil, nil, fmt.Errorf("wire: read length: %w", err)
		}
		if one[0] == '\n' {
			break
		}
		if one[0] < '0' || one[0] > '9' {
			return TypeNone, nil, nil, fmt.Errorf("wire: non-digit %q in length", one[0])
		}
		sawDigit = true
		length = length*10 + int(one[0]-'0')
		if length >= MaxPayload {
			return TypeNone, nil, nil, fmt.Errorf("wire: payload length %d exceeds limit", length)
		}
	}
	if !sawDigit {
		return TypeNone, nil, nil, fmt.Errorf("wire: empty length field")
	}

	if typ.Secret() {
		buf := secret.New(length)
		if err := buf.FillFrom(r); err != nil {
			buf.Wipe()
			return TypeNone, nil, nil, fmt.Errorf("wire: read payload: %w", err)
		}
		if err := readTerminator(r); err != nil {
			buf.Wipe()
			return TypeNone, nil, nil, err
		}
		return typ, buf, buf.Bytes(), nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return TypeNone, nil, nil, fmt.Errorf("wire: read payload: %w", err)
	}
	if err := readTerminator(r); err != nil {
		return TypeNone, nil, nil, err
	}
	return typ, nil, payload, nil
}

// readTerminator consumes the single newline closing a frame.
func readTerminator(r io.Reader) error {
	var one [1]byte
	if _, err := io.ReadFull(r, one[:]); err != nil {
		return fmt.Errorf("wire: read frame terminator: %w", err)
	}
	if one[0] != '\n' {
		return fmt.Errorf("wire: expected frame terminator, got %q", one[0])
	}
	return nil
}

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	magic0      = byte('S')
	magic1      = byte('Y')
	wireVersion = byte(1)

	headerSize = 4 // magic + version + type

	// MaxFrameSize bounds a single envelope. Transfer payloads are streamed
	// outside the frame, so metadata never comes close to this.
	MaxFrameSize = 8 << 20
)

var ErrProtocolViolation = errors.New("protocol violation")

// WriteFrame writes one length-prefixed envelope: a 4-byte big-endian length
// followed by [magic, magic, version, type] and the msgpack-encoded body.
func WriteFrame(w io.Writer, typ MsgType, body any) error {
	payload, err := msgpack.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	if headerSize+len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: oversized %s frame (%d bytes)", ErrProtocolViolation, typ, len(payload))
	}

	frame := make([]byte, 4+headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(headerSize+len(payload)))
	frame[4] = magic0
	frame[5] = magic1
	frame[6] = wireVersion
	frame[7] = byte(typ)
	copy(frame[8:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", typ, err)
	}
	return nil
}

// ReadFrame reads one envelope and returns its type and raw msgpack body.
func ReadFrame(r io.Reader) (MsgType, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < headerSize || n > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: frame length %d", ErrProtocolViolation, n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}

	if buf[0] != magic0 || buf[1] != magic1 {
		return 0, nil, fmt.Errorf("%w: bad magic", ErrProtocolViolation)
	}
	if buf[2] != wireVersion {
		return 0, nil, fmt.Errorf("%w: unsupported wire version %d", ErrProtocolViolation, buf[2])
	}

	return MsgType(buf[3]), buf[headerSize:], nil
}

// Decode unmarshals a frame body into the given message type.
func Decode[T any](raw []byte) (*T, error) {
	var v T
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrProtocolViolation, err)
	}
	return &v, nil
}

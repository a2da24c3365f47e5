package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in replacement for encoding/json with better performance
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Frame kinds used on stream transports that carry no native message boundary.
const (
	FrameData  byte = 0x01
	FramePing  byte = 0x02
	FramePong  byte = 0x03
	FrameClose byte = 0x04
)

var ErrFrameTooLarge = errors.New("frame too large")

// Encode serializes msg with its type discriminator as the first field.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.MessageType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("marshal %s: unexpected encoding", msg.MessageType())
	}

	typ, err := json.Marshal(string(msg.MessageType()))
	if err != nil {
		return nil, fmt.Errorf("marshal type: %w", err)
	}

	buf := GetBufferWithSize(len(body) + len(typ) + 10)
	defer PutBuffer(buf)

	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Wire format: [1 byte kind][4 bytes length][payload]

// WriteFrame writes one frame with a single call to w.
func WriteFrame(w io.Writer, kind byte, payload []byte) error {
	buf := GetBufferWithSize(len(payload) + 5)
	defer PutBuffer(buf)

	header := [5]byte{kind}
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	buf.Write(header[:])
	buf.Write(payload)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. A declared length above maxSize is rejected
// before any payload byte is read or allocated.
func ReadFrame(r io.Reader, maxSize int) (kind byte, payload []byte, err error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	kind = header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if maxSize > 0 && uint64(length) > uint64(maxSize) {
		return kind, nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload: %w", err)
	}
	return kind, payload, nil
}

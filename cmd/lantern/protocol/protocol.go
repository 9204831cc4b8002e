// Package protocol implements the length-prefixed message framing used on
// every TCP connection between peers:
//
//	[ 4 bytes: big-endian length ][ 1 byte: type tag ][ N bytes: fields ]
//
// The declared length covers the tag and the fields. Control messages are
// capped at 64 KB so a malicious peer cannot force unbounded allocation by
// forging a huge length prefix; FILE_CHUNK frames are capped at the chunk
// size instead.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type is the one-byte message tag carried as the first payload byte.
type Type byte

const (
	TypeListRequest      Type = 0x01
	TypeListResponse     Type = 0x02
	TypeDownloadRequest  Type = 0x03
	TypeDownloadResponse Type = 0x04
	TypeFileChunk        Type = 0x05
	TypeUploadAnnounce   Type = 0x06
	TypeUploadDecision   Type = 0x07
	TypeAck              Type = 0x08
	TypeError            Type = 0x7F
)

func (t Type) String() string {
	switch t {
	case TypeListRequest:
		return "LIST_REQUEST"
	case TypeListResponse:
		return "LIST_RESPONSE"
	case TypeDownloadRequest:
		return "DOWNLOAD_REQUEST"
	case TypeDownloadResponse:
		return "DOWNLOAD_RESPONSE"
	case TypeFileChunk:
		return "FILE_CHUNK"
	case TypeUploadAnnounce:
		return "UPLOAD_ANNOUNCE"
	case TypeUploadDecision:
		return "UPLOAD_DECISION"
	case TypeAck:
		return "ACK"
	case TypeError:
		return "ERROR"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
}

const (
	// MaxControlSize caps the fields of a single control message.
	MaxControlSize = 64 * 1024
	// MaxChunkSize caps the fields of a single FILE_CHUNK message.
	MaxChunkSize = 64 * 1024
)

var (
	// ErrMessageTooLarge reports a frame whose declared length exceeds the
	// cap for its type. The connection should be dropped.
	ErrMessageTooLarge = errors.New("message exceeds size cap")

	// ErrTruncated reports a peer that closed the connection mid-message.
	ErrTruncated = errors.New("truncated message")

	// ErrMalformed reports a frame whose fields do not parse.
	ErrMalformed = errors.New("malformed message")
)

// Message is one decoded frame.
type Message struct {
	Type    Type
	Payload []byte
}

// WriteMessage frames and writes one message. Writing a control payload
// larger than the cap fails with ErrMessageTooLarge before any bytes hit
// the wire.
func WriteMessage(w io.Writer, typ Type, payload []byte) error {
	if len(payload) > capFor(typ) {
		return fmt.Errorf("%w: %s payload is %d bytes", ErrMessageTooLarge, typ, len(payload))
	}

	var buf bytes.Buffer
	length := uint32(1 + len(payload))
	if err := binary.Write(&buf, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}
	if err := buf.WriteByte(byte(typ)); err != nil {
		return fmt.Errorf("failed to write message type: %w", err)
	}
	if len(payload) > 0 {
		if _, err := buf.Write(payload); err != nil {
			return fmt.Errorf("failed to write message payload: %w", err)
		}
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// ReadMessage reads exactly one message. It never hands back a partial
// frame: either the whole message arrives or the call fails. A short read
// or connection close mid-frame yields ErrTruncated; an oversized declared
// length yields ErrMessageTooLarge without reading the payload.
func ReadMessage(r io.Reader) (*Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", truncated(err))
	}
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", ErrMalformed)
	}

	tag := make([]byte, 1)
	if _, err := io.ReadFull(r, tag); err != nil {
		return nil, fmt.Errorf("failed to read message type: %w", truncated(err))
	}
	typ := Type(tag[0])

	payloadLen := int(length - 1)
	if payloadLen > capFor(typ) {
		return nil, fmt.Errorf("%w: %s declares %d bytes", ErrMessageTooLarge, typ, payloadLen)
	}

	msg := &Message{Type: typ}
	if payloadLen > 0 {
		msg.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return nil, fmt.Errorf("failed to read message payload: %w", truncated(err))
		}
	}
	return msg, nil
}

func capFor(typ Type) int {
	if typ == TypeFileChunk {
		return MaxChunkSize
	}
	return MaxControlSize
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

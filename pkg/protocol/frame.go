package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var frameMagic = [2]byte{'L', 'X'}

// MaxControlBody bounds a control frame body.
const MaxControlBody = 4 << 20

const controlHeaderSize = 7

var (
	ErrBadMagic     = errors.New("bad frame magic")
	ErrFrameTooLong = errors.New("frame too long")
)

// UnexpectedMessageError is returned when a peer sends a frame type the
// current protocol step does not allow.
type UnexpectedMessageError struct {
	Got  MessageType
	Want []MessageType
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("unexpected message %s (want %v)", e.Got, e.Want)
}

// Message is a decoded control frame whose body is still raw JSON.
type Message struct {
	Type MessageType
	Body json.RawMessage
}

// Decode unmarshals the body into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", m.Type, err)
	}
	return nil
}

// Expect returns an error unless the message is one of the given types.
func (m *Message) Expect(types ...MessageType) error {
	for _, t := range types {
		if m.Type == t {
			return nil
		}
	}
	return &UnexpectedMessageError{Got: m.Type, Want: types}
}

// WriteMessage encodes body as JSON and writes one control frame:
// magic(2) | type(1) | length(4, big endian) | body.
func WriteMessage(w io.Writer, t MessageType, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", t, err)
	}
	if len(payload) > MaxControlBody {
		return fmt.Errorf("%s body of %d bytes: %w", t, len(payload), ErrFrameTooLong)
	}

	frame := make([]byte, controlHeaderSize+len(payload))
	frame[0], frame[1] = frameMagic[0], frameMagic[1]
	frame[2] = byte(t)
	binary.BigEndian.PutUint32(frame[3:7], uint32(len(payload)))
	copy(frame[controlHeaderSize:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s: %w", t, err)
	}
	return nil
}

// ReadMessage reads one control frame.
func ReadMessage(r io.Reader) (*Message, error) {
	var header [controlHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	if header[0] != frameMagic[0] || header[1] != frameMagic[1] {
		return nil, ErrBadMagic
	}

	length := binary.BigEndian.Uint32(header[3:7])
	if length > MaxControlBody {
		return nil, fmt.Errorf("control body of %d bytes: %w", length, ErrFrameTooLong)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return &Message{Type: MessageType(header[2]), Body: body}, nil
}

// ReadExpected reads one control frame, checks its type and decodes it into v.
func ReadExpected(r io.Reader, t MessageType, v any) error {
	msg, err := ReadMessage(r)
	if err != nil {
		return err
	}
	if err := msg.Expect(t); err != nil {
		return err
	}
	return msg.Decode(v)
}

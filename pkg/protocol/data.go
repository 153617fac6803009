package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"lanxfer/pkg/types"
)

var dataMagic = [2]byte{'L', 'D'}

// DataHeaderSize is the fixed size of a data frame header.
const DataHeaderSize = 48

// MaxDataPayload bounds a single data frame payload.
const MaxDataPayload = 16<<20 + 1024

const (
	FlagCompressed byte = 1 << 0
	FlagEncrypted  byte = 1 << 1
)

// DataHeader precedes every chunk payload on a chunk connection.
//
//	magic(2) version(1) flags(1) session(16) index(4) offset(8)
//	plain_len(4) payload_len(4) xxhash64(plain)(8)
type DataHeader struct {
	Version    byte
	Flags      byte
	SessionID  uuid.UUID
	Index      uint32
	Offset     int64
	PlainLen   uint32
	PayloadLen uint32
	Checksum   uint64
}

func (h *DataHeader) Compressed() bool { return h.Flags&FlagCompressed != 0 }
func (h *DataHeader) Encrypted() bool  { return h.Flags&FlagEncrypted != 0 }

func (h *DataHeader) marshal(buf []byte) {
	buf[0], buf[1] = dataMagic[0], dataMagic[1]
	buf[2] = h.Version
	buf[3] = h.Flags
	copy(buf[4:20], h.SessionID[:])
	binary.BigEndian.PutUint32(buf[20:24], h.Index)
	binary.BigEndian.PutUint64(buf[24:32], uint64(h.Offset))
	binary.BigEndian.PutUint32(buf[32:36], h.PlainLen)
	binary.BigEndian.PutUint32(buf[36:40], h.PayloadLen)
	binary.BigEndian.PutUint64(buf[40:48], h.Checksum)
}

func (h *DataHeader) unmarshal(buf []byte) error {
	if buf[0] != dataMagic[0] || buf[1] != dataMagic[1] {
		return ErrBadMagic
	}
	h.Version = buf[2]
	h.Flags = buf[3]
	copy(h.SessionID[:], buf[4:20])
	h.Index = binary.BigEndian.Uint32(buf[20:24])
	h.Offset = int64(binary.BigEndian.Uint64(buf[24:32]))
	h.PlainLen = binary.BigEndian.Uint32(buf[32:36])
	h.PayloadLen = binary.BigEndian.Uint32(buf[36:40])
	h.Checksum = binary.BigEndian.Uint64(buf[40:48])
	return nil
}

// DataFrame is one decoded block of chunk content at a file offset.
type DataFrame struct {
	SessionID types.SessionID
	Index     int
	Offset    int64
	Data      []byte
}

// FrameWriter encodes plain blocks into data frames for one session.
type FrameWriter struct {
	w       io.Writer
	codec   *Codec
	session uuid.UUID
	buf     []byte
}

// NewFrameWriter returns a writer for the given session. The session ID must
// be a UUID string.
func NewFrameWriter(w io.Writer, sessionID types.SessionID, codec *Codec) (*FrameWriter, error) {
	id, err := uuid.Parse(string(sessionID))
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", sessionID, err)
	}
	return &FrameWriter{w: w, codec: codec, session: id, buf: make([]byte, DataHeaderSize)}, nil
}

// WriteFrame encodes and writes one frame carrying plain at offset.
func (fw *FrameWriter) WriteFrame(index int, offset int64, plain []byte) error {
	payload, flags, err := fw.codec.Seal(plain, frameAAD(fw.session, uint32(index), offset))
	if err != nil {
		return err
	}
	if len(payload) > MaxDataPayload {
		return fmt.Errorf("payload of %d bytes: %w", len(payload), ErrFrameTooLong)
	}

	h := DataHeader{
		Version:    Version,
		Flags:      flags,
		SessionID:  fw.session,
		Index:      uint32(index),
		Offset:     offset,
		PlainLen:   uint32(len(plain)),
		PayloadLen: uint32(len(payload)),
		Checksum:   xxhash.Sum64(plain),
	}
	h.marshal(fw.buf)

	if _, err := fw.w.Write(fw.buf); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// FrameReader decodes data frames for one session.
type FrameReader struct {
	r       io.Reader
	codec   *Codec
	session uuid.UUID
	header  []byte
	payload []byte
}

func NewFrameReader(r io.Reader, sessionID types.SessionID, codec *Codec) (*FrameReader, error) {
	id, err := uuid.Parse(string(sessionID))
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", sessionID, err)
	}
	return &FrameReader{r: r, codec: codec, session: id, header: make([]byte, DataHeaderSize)}, nil
}

// ReadFrame reads and verifies one frame. A checksum mismatch returns an
// error wrapping types.ErrChecksumMismatch. The frame's Data is only valid
// until the next call.
func (fr *FrameReader) ReadFrame() (*DataFrame, error) {
	if _, err := io.ReadFull(fr.r, fr.header); err != nil {
		return nil, err
	}

	var h DataHeader
	if err := h.unmarshal(fr.header); err != nil {
		return nil, err
	}
	if h.Version != Version {
		return nil, fmt.Errorf("unsupported data frame version %d", h.Version)
	}
	if h.SessionID != fr.session {
		return nil, fmt.Errorf("frame for session %s on connection of %s", h.SessionID, fr.session)
	}
	if h.PayloadLen > MaxDataPayload || h.PlainLen > MaxDataPayload {
		return nil, ErrFrameTooLong
	}

	if cap(fr.payload) < int(h.PayloadLen) {
		fr.payload = make([]byte, h.PayloadLen)
	}
	payload := fr.payload[:h.PayloadLen]
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}

	plain, err := fr.codec.Open(payload, h.Flags, int(h.PlainLen), frameAAD(h.SessionID, h.Index, h.Offset))
	if err != nil {
		return nil, err
	}
	if len(plain) != int(h.PlainLen) {
		return nil, fmt.Errorf("frame decoded to %d bytes, header says %d: %w", len(plain), h.PlainLen, types.ErrChecksumMismatch)
	}
	if xxhash.Sum64(plain) != h.Checksum {
		return nil, fmt.Errorf("frame at offset %d: %w", h.Offset, types.ErrChecksumMismatch)
	}

	return &DataFrame{
		SessionID: types.SessionID(h.SessionID.String()),
		Index:     int(h.Index),
		Offset:    h.Offset,
		Data:      plain,
	}, nil
}

func frameAAD(session uuid.UUID, index uint32, offset int64) []byte {
	aad := make([]byte, 28)
	copy(aad[:16], session[:])
	binary.BigEndian.PutUint32(aad[16:20], index)
	binary.BigEndian.PutUint64(aad[20:28], uint64(offset))
	return aad
}

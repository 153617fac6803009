package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanxfer/pkg/types"
)

func TestControlFrameRoundTrip(t *testing.T) {
	offer := TransferOffer{
		Version:    Version,
		BatchID:    types.NewBatchID(),
		SenderName: "alice",
		Files: []FileOffer{{
			SessionID: types.NewSessionID(),
			Name:      "report.pdf",
			Size:      1024,
			MimeType:  "application/pdf",
			Chunks:    []ChunkSpec{{Index: 0, Offset: 0, Length: 1024}},
		}},
		Compression:  true,
		Encryption:   true,
		KeyAgreement: &KeyAgreementParams{Scheme: SchemeX25519, Public: []byte{1, 2, 3}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, MsgTransferOffer, offer))
	require.NoError(t, WriteMessage(&buf, MsgTransferCancel, TransferCancel{BatchID: offer.BatchID, Reason: "user"}))

	var got TransferOffer
	require.NoError(t, ReadExpected(&buf, MsgTransferOffer, &got))
	assert.Equal(t, offer, got)
	assert.Equal(t, int64(1024), got.TotalSize())
	assert.Equal(t, 1, got.ChunkCount())

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTransferCancel, msg.Type)
	var cancel TransferCancel
	require.NoError(t, msg.Decode(&cancel))
	assert.Equal(t, "user", cancel.Reason)
	assert.Empty(t, cancel.SessionID)
}

func TestReadExpectedWrongType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, MsgTransferReject, TransferReject{Code: types.RejectCapacity}))

	var accept TransferAccept
	err := ReadExpected(&buf, MsgTransferAccept, &accept)
	var unexpected *UnexpectedMessageError
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, MsgTransferReject, unexpected.Got)
}

func TestReadMessageRejectsBadInput(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		_, err := ReadMessage(bytes.NewReader([]byte{'X', 'X', 1, 0, 0, 0, 0}))
		assert.ErrorIs(t, err, ErrBadMagic)
	})

	t.Run("oversized body", func(t *testing.T) {
		header := []byte{'L', 'X', 1, 0, 0, 0, 0}
		binary.BigEndian.PutUint32(header[3:], MaxControlBody+1)
		_, err := ReadMessage(bytes.NewReader(header))
		assert.ErrorIs(t, err, ErrFrameTooLong)
	})

	t.Run("truncated body", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteMessage(&buf, MsgChunkAck, ChunkAck{OK: true}))
		truncated := buf.Bytes()[:buf.Len()-2]
		_, err := ReadMessage(bytes.NewReader(truncated))
		assert.Error(t, err)
	})
}

// chunkedReader returns at most n bytes per Read to exercise partial reads.
type chunkedReader struct {
	data []byte
	n    int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.n, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestReadMessagePartialReads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, MsgChunkRequest, ChunkRequest{Index: 3, Offset: 99, Length: 7}))

	var req ChunkRequest
	require.NoError(t, ReadExpected(&chunkedReader{data: buf.Bytes(), n: 3}, MsgChunkRequest, &req))
	assert.Equal(t, 3, req.Index)
	assert.Equal(t, int64(99), req.Offset)
}

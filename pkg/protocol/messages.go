// Package protocol implements the lanxfer wire format: length-prefixed JSON
// control frames for negotiation, fixed-header binary data frames for chunk
// payloads, and the per-session payload codec.
package protocol

import "lanxfer/pkg/types"

// Version is the protocol version carried in offers and advertisements.
const Version = 1

// MessageType identifies the body of a control frame.
type MessageType byte

const (
	MsgTransferOffer    MessageType = 1
	MsgTransferAccept   MessageType = 2
	MsgTransferReject   MessageType = 3
	MsgChunkRequest     MessageType = 4
	MsgChunkAck         MessageType = 5
	MsgTransferComplete MessageType = 6
	MsgTransferCancel   MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case MsgTransferOffer:
		return "TRANSFER_OFFER"
	case MsgTransferAccept:
		return "TRANSFER_ACCEPT"
	case MsgTransferReject:
		return "TRANSFER_REJECT"
	case MsgChunkRequest:
		return "CHUNK_REQUEST"
	case MsgChunkAck:
		return "CHUNK_ACK"
	case MsgTransferComplete:
		return "TRANSFER_COMPLETE"
	case MsgTransferCancel:
		return "TRANSFER_CANCEL"
	default:
		return "UNKNOWN"
	}
}

type ChunkSpec struct {
	Index  int   `json:"index"`
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

type FileOffer struct {
	SessionID    types.SessionID `json:"session_id"`
	Name         string          `json:"name"`
	RelativePath string          `json:"relative_path,omitempty"`
	Size         int64           `json:"size"`
	MimeType     string          `json:"mime_type,omitempty"`
	Chunks       []ChunkSpec     `json:"chunks"`
}

type KeyAgreementParams struct {
	Scheme string `json:"scheme"`
	Public []byte `json:"public,omitempty"`
}

type TransferOffer struct {
	Version      int                 `json:"version"`
	BatchID      types.BatchID       `json:"batch_id"`
	SenderName   string              `json:"sender_name"`
	Files        []FileOffer         `json:"files"`
	Compression  bool                `json:"compression"`
	Encryption   bool                `json:"encryption"`
	KeyAgreement *KeyAgreementParams `json:"key_agreement,omitempty"`
}

// TotalSize sums the declared sizes of every offered file.
func (o *TransferOffer) TotalSize() int64 {
	var total int64
	for _, f := range o.Files {
		total += f.Size
	}
	return total
}

// ChunkCount is the number of chunk connections the offer will open.
func (o *TransferOffer) ChunkCount() int {
	var n int
	for _, f := range o.Files {
		n += max(len(f.Chunks), 1)
	}
	return n
}

// TransferAccept admits an offer. Slots is how many chunk connections the
// receiver serves at once for this batch; zero means no limit.
type TransferAccept struct {
	BatchID      types.BatchID       `json:"batch_id"`
	KeyAgreement *KeyAgreementParams `json:"key_agreement,omitempty"`
	Slots        int                 `json:"slots,omitempty"`
}

type TransferReject struct {
	BatchID types.BatchID    `json:"batch_id"`
	Code    types.RejectCode `json:"code"`
	Reason  string           `json:"reason"`
}

// ChunkRequest opens a chunk connection. Data frames for the chunk follow it
// on the same connection.
type ChunkRequest struct {
	BatchID   types.BatchID   `json:"batch_id"`
	SessionID types.SessionID `json:"session_id"`
	Index     int             `json:"index"`
	Offset    int64           `json:"offset"`
	Length    int64           `json:"length"`
}

type ChunkAck struct {
	SessionID types.SessionID `json:"session_id"`
	Index     int             `json:"index"`
	OK        bool            `json:"ok"`
	Reason    string          `json:"reason,omitempty"`
}

type FileResult struct {
	SessionID types.SessionID `json:"session_id"`
	Checksum  string          `json:"checksum,omitempty"`
	OK        bool            `json:"ok"`
	Reason    string          `json:"reason,omitempty"`
}

// TransferComplete is sent by the sender with per-file checksums once every
// chunk is acknowledged, and echoed back by the receiver with the verdicts.
type TransferComplete struct {
	BatchID types.BatchID `json:"batch_id"`
	Files   []FileResult  `json:"files"`
}

// TransferCancel stops one session, or the whole batch when SessionID is
// empty. Failed distinguishes a failure notice from a user cancel.
type TransferCancel struct {
	BatchID   types.BatchID   `json:"batch_id"`
	SessionID types.SessionID `json:"session_id,omitempty"`
	Reason    string          `json:"reason"`
	Failed    bool            `json:"failed,omitempty"`
}

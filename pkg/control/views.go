package control

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"lanxfer/pkg/transfer"
	"lanxfer/pkg/types"
)

// SessionView is one row of the progress table.
type SessionView struct {
	SessionID string    `json:"session_id"`
	BatchID   string    `json:"batch_id"`
	Direction string    `json:"direction"`
	FileName  string    `json:"file_name"`
	Peer      string    `json:"peer"`
	State     string    `json:"state"`
	Bytes     int64     `json:"bytes"`
	Total     int64     `json:"total"`
	Speed     float64   `json:"speed"`
	ETASecs   float64   `json:"eta_seconds"`
	Chunks    int       `json:"chunks"`
	StartedAt time.Time `json:"started_at"`
}

// Percent returns completion in [0, 100].
func (v SessionView) Percent() float64 {
	if v.Total <= 0 {
		if v.State == transfer.StateDone.String() {
			return 100
		}
		return 0
	}
	return float64(v.Bytes) / float64(v.Total) * 100
}

// ETA is negative when unknown.
func (v SessionView) ETA() time.Duration {
	if v.ETASecs < 0 {
		return -1
	}
	return time.Duration(v.ETASecs * float64(time.Second))
}

type OfferFileView struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type OfferView struct {
	BatchID   string          `json:"batch_id"`
	Sender    string          `json:"sender"`
	Address   string          `json:"address"`
	Files     []OfferFileView `json:"files"`
	TotalSize int64           `json:"total_size"`
	Encrypted bool            `json:"encrypted"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type ProgressView struct {
	Sessions []SessionView `json:"sessions"`
	Offers   []OfferView   `json:"offers"`
}

type PeerView struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Address     string    `json:"address"`
	Port        int       `json:"port"`
	Version     int       `json:"version"`
	Status      string    `json:"status"`
	LastSeen    time.Time `json:"last_seen"`
}

type peersView struct {
	Peers []PeerView `json:"peers"`
}

// RecordView is a finished transfer as stored in history.
type RecordView = types.HistoryRecord

type historyView struct {
	Records []RecordView `json:"records"`
}

// HistoryQuery filters the History call.
type HistoryQuery struct {
	Limit   int    `json:"limit,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

type StatsView struct {
	FilesSent     int64 `json:"files_sent"`
	FilesReceived int64 `json:"files_received"`
	BytesSent     int64 `json:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received"`
	Failed        int64 `json:"failed"`
	Cancelled     int64 `json:"cancelled"`
	Rejected      int64 `json:"rejected"`
	Active        int   `json:"active"`
}

type idRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

func sessionView(p transfer.Progress) SessionView {
	eta := -1.0
	if p.ETA >= 0 {
		eta = p.ETA.Seconds()
	}
	return SessionView{
		SessionID: string(p.SessionID),
		BatchID:   string(p.BatchID),
		Direction: p.Direction.String(),
		FileName:  p.FileName,
		Peer:      p.Peer,
		State:     p.State.String(),
		Bytes:     p.Bytes,
		Total:     p.Total,
		Speed:     p.Speed,
		ETASecs:   eta,
		Chunks:    p.Chunks,
		StartedAt: p.StartedAt,
	}
}

func offerView(o transfer.OfferInfo) OfferView {
	v := OfferView{
		BatchID:   string(o.BatchID),
		Sender:    o.SenderName,
		Address:   o.Address,
		TotalSize: o.TotalSize,
		Encrypted: o.Encrypted,
		ExpiresAt: o.ExpiresAt,
	}
	for _, f := range o.Files {
		v.Files = append(v.Files, OfferFileView{Name: f.Name, Size: f.Size})
	}
	return v
}

// NewPeerView converts a discovered peer for display.
func NewPeerView(p types.Peer) PeerView {
	return PeerView{
		ID:          string(p.ID),
		DisplayName: p.DisplayName,
		Address:     p.Address,
		Port:        p.Port,
		Version:     p.Version,
		Status:      p.Status.String(),
		LastSeen:    p.LastSeen,
	}
}

// toStruct converts a view into a structpb.Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("failed to convert %T: %w", v, err)
	}
	return st, nil
}

// fromStruct fills v from st.
func fromStruct(st *structpb.Struct, v any) error {
	data, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to convert message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}
	return nil
}

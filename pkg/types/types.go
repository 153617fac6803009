package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

type PeerID string
type BatchID string
type SessionID string

// NewBatchID returns a fresh random batch identifier.
func NewBatchID() BatchID { return BatchID(uuid.NewString()) }

// NewSessionID returns a fresh random session identifier.
func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

type PeerStatus int

const (
	PeerOnline PeerStatus = iota
	PeerStale
)

func (s PeerStatus) String() string {
	switch s {
	case PeerOnline:
		return "online"
	case PeerStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Peer is a receiver seen on the local network.
type Peer struct {
	ID          PeerID
	DisplayName string
	Address     string
	Port        int
	Version     int
	Status      PeerStatus
	LastSeen    time.Time
}

// Endpoint returns host:port for dialing the peer.
func (p Peer) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.Address, p.Port)
}

type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

func (d Direction) String() string {
	if d == DirectionReceive {
		return "receive"
	}
	return "send"
}

// FileDescriptor describes a local file queued for sending. It is immutable
// once enqueued; the checksum is computed on first use only.
type FileDescriptor struct {
	Name         string
	RelativePath string
	AbsolutePath string
	Size         int64
	MimeType     string

	checksumOnce sync.Once
	checksum     string
	checksumErr  error
}

// NewFileDescriptor stats path and sniffs its MIME type.
func NewFileDescriptor(path string) (*FileDescriptor, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileDescriptor{
		Name:         info.Name(),
		RelativePath: info.Name(),
		AbsolutePath: abs,
		Size:         info.Size(),
		MimeType:     detectMime(abs),
	}, nil
}

// CollectFiles expands files and folders into descriptors. Files found under
// a folder keep their path relative to the folder's parent.
func CollectFiles(paths []string) ([]*FileDescriptor, error) {
	var out []*FileDescriptor
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.IsDir() {
			fd, err := NewFileDescriptor(abs)
			if err != nil {
				return nil, err
			}
			out = append(out, fd)
			continue
		}

		parent := filepath.Dir(abs)
		err = filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			fd, err := NewFileDescriptor(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(parent, path)
			if err != nil {
				return err
			}
			fd.RelativePath = filepath.ToSlash(rel)
			out = append(out, fd)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", p, err)
		}
	}
	return out, nil
}

// Checksum returns the hex SHA-256 of the file, computed once.
func (f *FileDescriptor) Checksum() (string, error) {
	f.checksumOnce.Do(func() {
		f.checksum, f.checksumErr = HashFile(f.AbsolutePath)
	})
	return f.checksum, f.checksumErr
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func detectMime(path string) string {
	if mt, err := mimetype.DetectFile(path); err == nil {
		return mt.String()
	}
	return "application/octet-stream"
}

// Target names where a batch goes: a discovered peer (by id or display
// name) or a manual host:port address.
type Target struct {
	PeerID  PeerID
	Address string
}

func (t Target) String() string {
	if t.Address != "" {
		return t.Address
	}
	return string(t.PeerID)
}

type TransferOptions struct {
	Compression bool
	Encryption  bool
}

// TransferRequest is a user-initiated batch.
type TransferRequest struct {
	BatchID BatchID
	Files   []*FileDescriptor
	Target  Target
	Options TransferOptions
}

// TotalSize sums the sizes of every file in the request.
func (r TransferRequest) TotalSize() int64 {
	var total int64
	for _, f := range r.Files {
		total += f.Size
	}
	return total
}

type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkInFlight
	ChunkDone
	ChunkFailed
)

func (s ChunkState) String() string {
	return [...]string{"pending", "in-flight", "done", "failed"}[s]
}

// ByteRange is a half-open range [Offset, Offset+Length) inside a file.
type ByteRange struct {
	Offset int64
	Length int64
}

func (r ByteRange) End() int64 { return r.Offset + r.Length }

// ChunkPlan is one entry of a file's chunk plan.
type ChunkPlan struct {
	Index int
	Range ByteRange
}

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
)

// HistoryRecord is written once when a session reaches a terminal state.
type HistoryRecord struct {
	Timestamp        time.Time     `json:"timestamp"`
	BatchID          BatchID       `json:"batch_id"`
	SessionID        SessionID     `json:"session_id"`
	Direction        Direction     `json:"direction"`
	FileNames        []string      `json:"file_names"`
	Peer             string        `json:"peer"`
	TotalSize        int64         `json:"total_size"`
	BytesTransferred int64         `json:"bytes_transferred"`
	Outcome          Outcome       `json:"outcome"`
	Reason           string        `json:"reason,omitempty"`
	Duration         time.Duration `json:"duration"`
}

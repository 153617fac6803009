package transfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lanxfer/pkg/types"
)

// State is the lifecycle state of one file transfer.
type State int

const (
	StatePending State = iota
	StateNegotiating
	StateAccepted
	StateTransferring
	StateCompleting
	StateDone
	StateRejected
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StatePending:      "PENDING",
	StateNegotiating:  "NEGOTIATING",
	StateAccepted:     "ACCEPTED",
	StateTransferring: "TRANSFERRING",
	StateCompleting:   "COMPLETING",
	StateDone:         "DONE",
	StateRejected:     "REJECTED",
	StateFailed:       "FAILED",
	StateCancelled:    "CANCELLED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateRejected || s == StateFailed || s == StateCancelled
}

// Outcome maps a terminal state to its history outcome.
func (s State) Outcome() types.Outcome {
	switch s {
	case StateDone:
		return types.OutcomeSuccess
	case StateRejected:
		return types.OutcomeRejected
	case StateCancelled:
		return types.OutcomeCancelled
	default:
		return types.OutcomeFailed
	}
}

var transitions = map[State][]State{
	StatePending:      {StateNegotiating},
	StateNegotiating:  {StateAccepted, StateRejected},
	StateAccepted:     {StateTransferring},
	StateTransferring: {StateCompleting},
	StateCompleting:   {StateDone},
}

func legal(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Chunk is one byte range of a session's file. Its list is fixed when the
// session is created; workers only touch their own chunk.
type Chunk struct {
	Index int
	Range types.ByteRange

	state    atomic.Int32
	attempts atomic.Int32
	// done is the high-water mark of bytes moved within the range.
	done atomic.Int64
}

func (c *Chunk) State() types.ChunkState { return types.ChunkState(c.state.Load()) }

func (c *Chunk) SetState(s types.ChunkState) { c.state.Store(int32(s)) }

func (c *Chunk) Attempts() int { return int(c.attempts.Load()) }

// FileMeta is what a session knows about the file it moves.
type FileMeta struct {
	Name         string
	RelativePath string
	Size         int64
	MimeType     string
}

// Session is the state machine for one file transfer. Entering a terminal
// state runs the session's hooks exactly once.
type Session struct {
	ID        types.SessionID
	BatchID   types.BatchID
	Direction types.Direction
	File      FileMeta
	Peer      string
	Chunks    []*Chunk
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	state   State
	reason  string
	err     error
	byPeer  bool
	endedAt time.Time
	hooks   []func(*Session)

	transferred atomic.Int64
	speed       *SpeedMeter
}

func newSession(parent context.Context, id types.SessionID, batch types.BatchID, dir types.Direction,
	file FileMeta, peer string, plan []types.ChunkPlan, speedWindow time.Duration) *Session {

	ctx, cancel := context.WithCancelCause(parent)
	s := &Session{
		ID:        id,
		BatchID:   batch,
		Direction: dir,
		File:      file,
		Peer:      peer,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StatePending,
		speed:     NewSpeedMeter(speedWindow),
	}
	s.Chunks = make([]*Chunk, len(plan))
	for i, p := range plan {
		s.Chunks[i] = &Chunk{Index: p.Index, Range: p.Range}
	}
	return s
}

// Context is cancelled when the session reaches a terminal state.
func (s *Session) Context() context.Context { return s.ctx }

// OnTerminal registers a hook run once, after the terminal transition.
func (s *Session) OnTerminal(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason is the human-readable reason for a terminal state.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Err is the error that ended the session, nil when it finished DONE.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Transition moves to the next state. Illegal moves are refused with
// types.ErrIllegalState.
func (s *Session) Transition(to State) error {
	return s.transition(to, "", nil, false)
}

// Fail ends the session as FAILED. It is a no-op on a terminal session.
func (s *Session) Fail(err error) bool {
	return s.transition(StateFailed, err.Error(), err, false) == nil
}

// FailByPeer records a failure the peer reported.
func (s *Session) FailByPeer(err error) bool {
	return s.transition(StateFailed, err.Error(), err, true) == nil
}

// Reject ends the session as REJECTED.
func (s *Session) Reject(err error) bool {
	return s.transition(StateRejected, err.Error(), err, true) == nil
}

// Cancel ends the session as CANCELLED. Calling it again, or on any terminal
// session, does nothing and returns false.
func (s *Session) Cancel(reason string, byPeer bool) bool {
	err := &types.CancellationError{Reason: reason, Remote: byPeer}
	return s.transition(StateCancelled, err.Error(), err, byPeer) == nil
}

// EndedByPeer reports whether the peer, not this side, ended the session.
func (s *Session) EndedByPeer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byPeer
}

func (s *Session) transition(to State, reason string, cause error, byPeer bool) error {
	s.mu.Lock()
	from := s.state
	if !legal(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%s -> %s: %w", from, to, types.ErrIllegalState)
	}
	s.state = to
	s.byPeer = byPeer

	var hooks []func(*Session)
	if to.Terminal() {
		s.reason = reason
		if to == StateDone && s.reason == "" {
			s.reason = "completed"
		}
		s.err = cause
		s.endedAt = time.Now()
		hooks = s.hooks
		s.hooks = nil
	}
	s.mu.Unlock()

	if to.Terminal() {
		if cause == nil {
			cause = context.Canceled
		}
		s.cancel(cause)
		for _, fn := range hooks {
			fn(s)
		}
	}
	return nil
}

// Advance raises chunk c's high-water mark to upTo bytes and adds the growth
// to the session counter. It returns the number of new bytes. Re-sent bytes
// after a retry are not counted again, so the counter never decreases.
func (s *Session) Advance(c *Chunk, upTo int64) int64 {
	if upTo > c.Range.Length {
		upTo = c.Range.Length
	}
	for {
		prev := c.done.Load()
		if upTo <= prev {
			return 0
		}
		if c.done.CompareAndSwap(prev, upTo) {
			delta := upTo - prev
			total := s.transferred.Add(delta)
			s.speed.Record(time.Now(), total)
			return delta
		}
	}
}

// Transferred is safe to read while workers write.
func (s *Session) Transferred() int64 { return s.transferred.Load() }

// AllChunksDone reports whether every chunk reached ChunkDone.
func (s *Session) AllChunksDone() bool {
	for _, c := range s.Chunks {
		if c.State() != types.ChunkDone {
			return false
		}
	}
	return true
}

// Chunk returns the chunk with the given index.
func (s *Session) Chunk(index int) (*Chunk, bool) {
	if index < 0 || index >= len(s.Chunks) {
		return nil, false
	}
	return s.Chunks[index], true
}

// Progress is a point-in-time view of a session.
type Progress struct {
	SessionID types.SessionID
	BatchID   types.BatchID
	Direction types.Direction
	FileName  string
	Peer      string
	State     State
	Bytes     int64
	Total     int64
	// Speed is bytes per second over the sliding window.
	Speed float64
	// ETA is negative when unknown, which is whenever Speed is zero.
	ETA       time.Duration
	Chunks    int
	StartedAt time.Time
}

// Percent returns completion in [0, 100].
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		if p.State == StateDone {
			return 100
		}
		return 0
	}
	return float64(p.Bytes) / float64(p.Total) * 100
}

func (s *Session) Progress(now time.Time) Progress {
	bytes := s.Transferred()
	speed := s.speed.Rate(now)
	eta := time.Duration(-1)
	if speed > 0 {
		eta = time.Duration(float64(s.File.Size-bytes) / speed * float64(time.Second))
	}

	return Progress{
		SessionID: s.ID,
		BatchID:   s.BatchID,
		Direction: s.Direction,
		FileName:  s.File.Name,
		Peer:      s.Peer,
		State:     s.State(),
		Bytes:     bytes,
		Total:     s.File.Size,
		Speed:     speed,
		ETA:       eta,
		Chunks:    len(s.Chunks),
		StartedAt: s.StartedAt,
	}
}

// Record builds the history entry for a terminal session.
func (s *Session) Record() types.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return types.HistoryRecord{
		Timestamp:        s.endedAt,
		BatchID:          s.BatchID,
		SessionID:        s.ID,
		Direction:        s.Direction,
		FileNames:        []string{s.File.Name},
		Peer:             s.Peer,
		TotalSize:        s.File.Size,
		BytesTransferred: s.transferred.Load(),
		Outcome:          s.state.Outcome(),
		Reason:           s.reason,
		Duration:         s.endedAt.Sub(s.StartedAt),
	}
}

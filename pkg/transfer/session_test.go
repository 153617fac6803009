package transfer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanxfer/pkg/planner"
	"lanxfer/pkg/types"
)

func testSession(t *testing.T, size, threshold int64, threads int) *Session {
	t.Helper()
	plan, err := planner.Plan(size, threshold, threads)
	require.NoError(t, err)
	return newSession(context.Background(), types.NewSessionID(), types.NewBatchID(), types.DirectionSend,
		FileMeta{Name: "file.bin", Size: size}, "peer", plan, time.Second)
}

func TestSessionHappyPath(t *testing.T) {
	s := testSession(t, 100, 1000, 1)

	for _, to := range []State{StateNegotiating, StateAccepted, StateTransferring, StateCompleting, StateDone} {
		require.NoError(t, s.Transition(to), "to %s", to)
	}
	assert.Equal(t, StateDone, s.State())
	assert.Equal(t, "completed", s.Reason())
	assert.NoError(t, s.Err())
	assert.Error(t, s.Context().Err())
}

func TestSessionIllegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup []State
		to    State
	}{
		{"skip negotiation", nil, StateAccepted},
		{"pending to done", nil, StateDone},
		{"accepted to completing", []State{StateNegotiating, StateAccepted}, StateCompleting},
		{"reject after accept", []State{StateNegotiating, StateAccepted}, StateRejected},
		{"backwards", []State{StateNegotiating, StateAccepted, StateTransferring}, StateAccepted},
		{"leave done", []State{StateNegotiating, StateAccepted, StateTransferring, StateCompleting, StateDone}, StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSession(t, 10, 1000, 1)
			for _, st := range tt.setup {
				require.NoError(t, s.Transition(st))
			}
			err := s.Transition(tt.to)
			assert.ErrorIs(t, err, types.ErrIllegalState)
		})
	}
}

func TestTerminalHooksRunOnce(t *testing.T) {
	s := testSession(t, 10, 1000, 1)
	require.NoError(t, s.Transition(StateNegotiating))

	var calls atomic.Int32
	s.OnTerminal(func(*Session) { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				s.Cancel("stop", false)
			} else {
				s.Fail(errors.New("boom"))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, s.State().Terminal())
	assert.False(t, s.Cancel("again", false))
}

func TestCancelRecordsCause(t *testing.T) {
	s := testSession(t, 10, 1000, 1)
	require.True(t, s.Cancel("user asked", true))

	assert.Equal(t, StateCancelled, s.State())
	assert.True(t, s.EndedByPeer())
	assert.True(t, types.IsCancellation(s.Err()))
	assert.True(t, types.IsCancellation(context.Cause(s.Context())))

	rec := s.Record()
	assert.Equal(t, types.OutcomeCancelled, rec.Outcome)
	assert.Equal(t, "cancelled by peer: user asked", rec.Reason)
	assert.Equal(t, []string{"file.bin"}, rec.FileNames)
}

func TestAdvanceMonotonicUnderConcurrentWriters(t *testing.T) {
	const writers = 10
	const chunkSize = 10_000
	s := testSession(t, writers*chunkSize, chunkSize, writers)
	require.Len(t, s.Chunks, writers)

	stop := make(chan struct{})
	var decreased atomic.Bool
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		var last int64
		for {
			select {
			case <-stop:
				return
			default:
			}
			now := s.Transferred()
			if now < last {
				decreased.Store(true)
			}
			last = now
		}
	}()

	var wg sync.WaitGroup
	for _, c := range s.Chunks {
		wg.Add(1)
		go func(c *Chunk) {
			defer wg.Done()
			// A first attempt dies halfway, the retry starts from zero.
			for sent := int64(0); sent <= c.Range.Length/2; sent += 100 {
				s.Advance(c, sent)
			}
			for sent := int64(0); sent <= c.Range.Length; sent += 100 {
				s.Advance(c, sent)
			}
		}(c)
	}
	wg.Wait()
	close(stop)
	watcher.Wait()

	assert.False(t, decreased.Load())
	assert.Equal(t, int64(writers*chunkSize), s.Transferred())
}

func TestAdvanceClampsToRange(t *testing.T) {
	s := testSession(t, 100, 1000, 1)
	c := s.Chunks[0]

	assert.Equal(t, int64(60), s.Advance(c, 60))
	assert.Equal(t, int64(0), s.Advance(c, 30))
	assert.Equal(t, int64(40), s.Advance(c, 500))
	assert.Equal(t, int64(100), s.Transferred())
}

func TestProgressETA(t *testing.T) {
	s := testSession(t, 1000, 1000, 1)
	p := s.Progress(time.Now())
	assert.Equal(t, time.Duration(-1), p.ETA)
	assert.Zero(t, p.Percent())

	s.speed.Record(time.Now().Add(-time.Second), 0)
	s.Advance(s.Chunks[0], 500)

	p = s.Progress(time.Now())
	assert.Equal(t, int64(500), p.Bytes)
	assert.InDelta(t, 50, p.Percent(), 0.001)
	assert.Greater(t, p.Speed, 0.0)
	assert.Greater(t, p.ETA, time.Duration(0))
}

func TestChunkLookup(t *testing.T) {
	s := testSession(t, 500*1000*1000, 200*1000*1000, 4)
	require.Len(t, s.Chunks, 3)

	c, ok := s.Chunk(2)
	require.True(t, ok)
	assert.Equal(t, int64(166666668), c.Range.Length)

	_, ok = s.Chunk(3)
	assert.False(t, ok)
	_, ok = s.Chunk(-1)
	assert.False(t, ok)
	assert.False(t, s.AllChunksDone())

	for _, c := range s.Chunks {
		c.SetState(types.ChunkDone)
	}
	assert.True(t, s.AllChunksDone())
}

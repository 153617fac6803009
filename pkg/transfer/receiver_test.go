package transfer

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanxfer/pkg/protocol"
	"lanxfer/pkg/types"
)

func TestChunksQueueOnReservedSlot(t *testing.T) {
	recvSettings := testSettings(t)
	recvSettings.MaxParallelThreads = 1
	recvSettings.ConnectionTimeout = 500 * time.Millisecond
	receiver, addr := startReceiver(t, recvSettings)

	chunks := []protocol.ChunkSpec{
		{Index: 0, Offset: 0, Length: 1000},
		{Index: 1, Offset: 1000, Length: 1000},
	}
	_, offer, msg := sendOffer(t, addr, 2000, chunks)
	var accept protocol.TransferAccept
	require.NoError(t, msg.Decode(&accept))
	assert.Equal(t, 1, accept.Slots)

	slow, slowWriter := openChunk(t, addr, offer, chunks[0])
	require.NoError(t, slowWriter.WriteFrame(0, 0, make([]byte, 100)))
	require.Eventually(t, func() bool {
		p := receiver.QueryProgress()
		return len(p) == 1 && p[0].Bytes == 100
	}, 5*time.Second, 10*time.Millisecond)

	fast, fastWriter := openChunk(t, addr, offer, chunks[1])
	require.NoError(t, fastWriter.WriteFrame(1, 1000, make([]byte, 1000)))

	// Chunk 0 keeps streaming for well over the connection timeout while
	// chunk 1 waits for the batch's only slot.
	slowDone := make(chan time.Time, 1)
	go func() {
		for off := int64(100); off < 1000; off += 100 {
			time.Sleep(150 * time.Millisecond)
			if err := slowWriter.WriteFrame(0, off, make([]byte, 100)); err != nil {
				return
			}
		}
		slowDone <- time.Now()
	}()

	fastAck := readAck(t, fast)
	assert.True(t, fastAck.OK, "chunk 1 refused: %s", fastAck.Reason)
	ackedAt := time.Now()

	slowAck := readAck(t, slow)
	assert.True(t, slowAck.OK, "chunk 0 refused: %s", slowAck.Reason)

	select {
	case finished := <-slowDone:
		assert.False(t, ackedAt.Before(finished), "chunk 1 was served while chunk 0 held the slot")
	case <-time.After(5 * time.Second):
		t.Fatal("chunk 0 did not finish")
	}

	require.Eventually(t, func() bool {
		p := receiver.QueryProgress()
		return len(p) == 1 && p[0].State == StateCompleting && p[0].Bytes == 2000
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOfferRejectedWhenSlotsAreTaken(t *testing.T) {
	recvSettings := testSettings(t)
	recvSettings.MaxParallelThreads = 1
	receiver, addr := startReceiver(t, recvSettings)

	offerFrom(t, addr, 5000)
	require.Eventually(t, func() bool { return len(receiver.QueryProgress()) == 1 }, 5*time.Second, 10*time.Millisecond)

	_, _, msg := sendOffer(t, addr, 100, []protocol.ChunkSpec{{Index: 0, Offset: 0, Length: 100}})
	require.Equal(t, protocol.MsgTransferReject, msg.Type)
	var reject protocol.TransferReject
	require.NoError(t, msg.Decode(&reject))
	assert.Equal(t, types.RejectCapacity, reject.Code)
	assert.Contains(t, reject.Reason, "no free transfer slot")

	assert.Len(t, receiver.QueryProgress(), 1)
	assert.Len(t, partFiles(t, recvSettings.SaveDirectory), 1)
}

func TestSlotsReturnedWhenBatchEnds(t *testing.T) {
	recvSettings := testSettings(t)
	recvSettings.MaxParallelThreads = 2
	receiver, addr := startReceiver(t, recvSettings)

	_, offer := offerFrom(t, addr, 5000)
	require.Eventually(t, func() bool { return len(receiver.QueryProgress()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, receiver.slotPool().TryAcquire(2))

	require.NoError(t, receiver.Cancel(string(offer.BatchID)))
	require.Eventually(t, func() bool {
		if !receiver.slotPool().TryAcquire(2) {
			return false
		}
		receiver.slotPool().Release(2)
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAcceptRacingTimeoutIsHonoured(t *testing.T) {
	m := newTestManager(t, testSettings(t))

	type result struct {
		ok     bool
		reason string
	}
	for i := 0; i < 200; i++ {
		offer := &protocol.TransferOffer{
			BatchID: types.NewBatchID(),
			Files:   []protocol.FileOffer{{Name: "a.txt", Size: 1}},
		}
		done := make(chan result, 1)
		go func() {
			ok, reason := m.awaitDecision(offer, "127.0.0.1", time.Millisecond)
			done <- result{ok, reason}
		}()

		accepted := false
		var res result
	wait:
		for {
			if !accepted && m.Accept(offer.BatchID) == nil {
				accepted = true
			}
			select {
			case res = <-done:
				break wait
			default:
				runtime.Gosched()
			}
		}

		if accepted {
			require.True(t, res.ok, "Accept returned nil but the offer ended with %q", res.reason)
		} else {
			require.Equal(t, "offer timed out", res.reason)
		}
	}
	assert.Empty(t, m.PendingOffers())
}

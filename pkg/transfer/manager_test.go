package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"lanxfer/pkg/config"
	"lanxfer/pkg/history"
	"lanxfer/pkg/protocol"
	"lanxfer/pkg/types"
	"lanxfer/pkg/utils"
)

const testThreshold = 64 * utils.KiloByte

func testSettings(t *testing.T) config.EngineSettings {
	t.Helper()
	s := config.DefaultSettings()
	s.DisplayName = "test"
	s.SaveDirectory = t.TempDir()
	s.AutoAccept = true
	s.ConnectionTimeout = 5 * time.Second
	s.AcceptTimeout = 5 * time.Second
	s.ChunkRetries = 1
	s.RetryBaseDelay = 10 * time.Millisecond
	s.SplitThreshold = config.Size(testThreshold)
	s.BufferSize = config.Size(4 * utils.KiloByte)
	return s
}

func newTestManager(t *testing.T, s config.EngineSettings) *Manager {
	t.Helper()
	m, err := New(Options{Settings: s, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func startReceiver(t *testing.T, s config.EngineSettings) (*Manager, string) {
	t.Helper()
	m := newTestManager(t, s)
	require.NoError(t, m.Listen(0, s.SaveDirectory))
	port := m.ListenAddr().(*net.TCPAddr).Port
	return m, fmt.Sprintf("127.0.0.1:%d", port)
}

// writeTestFile writes size bytes that compress reasonably well.
func writeTestFile(t *testing.T, dir, name string, size int64) (*types.FileDescriptor, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i/7) ^ byte(i%13)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))

	fd, err := types.NewFileDescriptor(path)
	require.NoError(t, err)
	return fd, data
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func partFiles(t *testing.T, dir string) []string {
	t.Helper()
	var parts []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && strings.HasSuffix(path, ".part") {
			parts = append(parts, path)
		}
		return err
	})
	require.NoError(t, err)
	return parts
}

func TestRoundTrip(t *testing.T) {
	sizes := []struct {
		name string
		size int64
	}{
		{"empty", 0},
		{"one byte", 1},
		{"ten thresholds", 10*testThreshold + 123},
	}
	options := []types.TransferOptions{
		{},
		{Compression: true},
		{Encryption: true},
		{Compression: true, Encryption: true},
	}

	for _, sz := range sizes {
		for _, opts := range options {
			name := fmt.Sprintf("%s/compression=%t/encryption=%t", sz.name, opts.Compression, opts.Encryption)
			t.Run(name, func(t *testing.T) {
				recvSettings := testSettings(t)
				receiver, addr := startReceiver(t, recvSettings)
				sender := newTestManager(t, testSettings(t))

				fd, data := writeTestFile(t, t.TempDir(), "data.bin", sz.size)
				h, err := sender.Send(types.TransferRequest{
					Files:   []*types.FileDescriptor{fd},
					Target:  types.Target{Address: addr},
					Options: opts,
				})
				require.NoError(t, err)
				require.NoError(t, h.Wait(waitCtx(t)))

				got, err := os.ReadFile(filepath.Join(recvSettings.SaveDirectory, "data.bin"))
				require.NoError(t, err)
				assert.True(t, bytes.Equal(data, got), "received content differs")
				assert.Empty(t, partFiles(t, recvSettings.SaveDirectory))

				results := h.Results()
				require.Len(t, results, 1)
				assert.Equal(t, StateDone, results[0].State)
				assert.Equal(t, sz.size, results[0].Bytes)

				require.Eventually(t, func() bool {
					return receiver.Stats().FilesReceived == 1
				}, 5*time.Second, 10*time.Millisecond)
				assert.Equal(t, sz.size, receiver.Stats().BytesReceived)

				records, err := sender.History().List(history.Query{})
				require.NoError(t, err)
				require.Len(t, records, 1)
				assert.Equal(t, types.OutcomeSuccess, records[0].Outcome)
				assert.Equal(t, sz.size, records[0].BytesTransferred)
				assert.Equal(t, types.DirectionSend, records[0].Direction)

				assert.Equal(t, float64(sz.size), testutil.ToFloat64(sender.Metrics().BytesSent))
				assert.Equal(t, float64(1), testutil.ToFloat64(sender.Metrics().Sessions.WithLabelValues("send", "success")))
				assert.Equal(t, float64(0), testutil.ToFloat64(sender.Metrics().ActiveSessions))
			})
		}
	}
}

func TestBatchIntoSubfolder(t *testing.T) {
	recvSettings := testSettings(t)
	_, addr := startReceiver(t, recvSettings)
	sender := newTestManager(t, testSettings(t))

	src := t.TempDir()
	_, a := writeTestFile(t, src, "album/a.txt", 100)
	_, b := writeTestFile(t, src, "album/nested/b.txt", 3*testThreshold)
	files, err := types.CollectFiles([]string{filepath.Join(src, "album")})
	require.NoError(t, err)
	require.Len(t, files, 2)

	h, err := sender.Send(types.TransferRequest{Files: files, Target: types.Target{Address: addr}})
	require.NoError(t, err)
	require.NoError(t, h.Wait(waitCtx(t)))

	batchDirs, err := filepath.Glob(filepath.Join(recvSettings.SaveDirectory, "batch_*"))
	require.NoError(t, err)
	require.Len(t, batchDirs, 1)

	gotA, err := os.ReadFile(filepath.Join(batchDirs[0], "album", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, a, gotA)
	gotB, err := os.ReadFile(filepath.Join(batchDirs[0], "album", "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, b, gotB)
}

func TestNameCollisionGetsSuffix(t *testing.T) {
	recvSettings := testSettings(t)
	_, addr := startReceiver(t, recvSettings)
	sender := newTestManager(t, testSettings(t))

	existing := filepath.Join(recvSettings.SaveDirectory, "notes.txt")
	require.NoError(t, os.WriteFile(existing, []byte("keep me"), 0644))

	fd, data := writeTestFile(t, t.TempDir(), "notes.txt", 42)
	h, err := sender.Send(types.TransferRequest{Files: []*types.FileDescriptor{fd}, Target: types.Target{Address: addr}})
	require.NoError(t, err)
	require.NoError(t, h.Wait(waitCtx(t)))

	kept, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(kept))

	got, err := os.ReadFile(filepath.Join(recvSettings.SaveDirectory, "notes_1.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPreSharedKeyMismatchFails(t *testing.T) {
	recvSettings := testSettings(t)
	recvSettings.PreSharedKey = "correct horse"
	receiver, addr := startReceiver(t, recvSettings)

	sendSettings := testSettings(t)
	sendSettings.PreSharedKey = "battery staple"
	sender := newTestManager(t, sendSettings)

	fd, _ := writeTestFile(t, t.TempDir(), "secret.bin", 10)
	h, err := sender.Send(types.TransferRequest{
		Files:   []*types.FileDescriptor{fd},
		Target:  types.Target{Address: addr},
		Options: types.TransferOptions{Encryption: true},
	})
	require.NoError(t, err)

	err = h.Wait(waitCtx(t))
	var neg *types.NegotiationError
	require.ErrorAs(t, err, &neg)
	assert.False(t, neg.Rejected())
	assert.ErrorIs(t, err, protocol.ErrKeyMismatch)
	assert.Equal(t, StateFailed, h.Results()[0].State)

	require.Eventually(t, func() bool {
		return receiver.Stats().Failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, partFiles(t, recvSettings.SaveDirectory))
}

func TestOfferDeclined(t *testing.T) {
	tests := []struct {
		name   string
		decide func(m *Manager, id types.BatchID) error
		reason string
	}{
		{"rejected", func(m *Manager, id types.BatchID) error { return m.Reject(id, "not now") }, "not now"},
		{"timed out", nil, "offer timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recvSettings := testSettings(t)
			recvSettings.AutoAccept = false
			if tt.decide == nil {
				recvSettings.AcceptTimeout = 200 * time.Millisecond
			}
			receiver, addr := startReceiver(t, recvSettings)
			events, unsubscribe := receiver.Subscribe(8)
			defer unsubscribe()

			sender := newTestManager(t, testSettings(t))
			fd, _ := writeTestFile(t, t.TempDir(), "photo.jpg", 1000)
			h, err := sender.Send(types.TransferRequest{Files: []*types.FileDescriptor{fd}, Target: types.Target{Address: addr}})
			require.NoError(t, err)

			select {
			case e := <-events:
				require.Equal(t, EventOfferReceived, e.Type)
				require.NotNil(t, e.Offer)
				assert.Equal(t, h.ID, e.Offer.BatchID)
				assert.Equal(t, "test", e.Offer.SenderName)
				require.Len(t, e.Offer.Files, 1)
				assert.Equal(t, "photo.jpg", e.Offer.Files[0].Name)
			case <-time.After(5 * time.Second):
				t.Fatal("no offer event")
			}

			if tt.decide != nil {
				require.Len(t, receiver.PendingOffers(), 1)
				require.NoError(t, tt.decide(receiver, h.ID))
			}

			err = h.Wait(waitCtx(t))
			var neg *types.NegotiationError
			require.ErrorAs(t, err, &neg)
			assert.Equal(t, types.RejectDeclined, neg.Code)
			assert.Equal(t, tt.reason, neg.Reason)
			assert.Equal(t, StateRejected, h.Results()[0].State)

			entries, err := os.ReadDir(recvSettings.SaveDirectory)
			require.NoError(t, err)
			assert.Empty(t, entries)
			assert.Empty(t, receiver.PendingOffers())
			assert.Empty(t, receiver.QueryProgress())

			records, err := receiver.History().List(history.Query{})
			require.NoError(t, err)
			assert.Empty(t, records)

			sent, err := sender.History().List(history.Query{Outcome: types.OutcomeRejected})
			require.NoError(t, err)
			assert.Len(t, sent, 1)

			assert.ErrorIs(t, receiver.Accept(h.ID), types.ErrNoPendingOffer)
		})
	}
}

func TestOfferAcceptedManually(t *testing.T) {
	recvSettings := testSettings(t)
	recvSettings.AutoAccept = false
	receiver, addr := startReceiver(t, recvSettings)
	events, unsubscribe := receiver.Subscribe(8)
	defer unsubscribe()

	sender := newTestManager(t, testSettings(t))
	fd, data := writeTestFile(t, t.TempDir(), "song.mp3", 5000)
	h, err := sender.Send(types.TransferRequest{Files: []*types.FileDescriptor{fd}, Target: types.Target{Address: addr}})
	require.NoError(t, err)

	e := <-events
	require.Equal(t, EventOfferReceived, e.Type)
	require.NoError(t, receiver.Accept(e.BatchID))
	require.NoError(t, h.Wait(waitCtx(t)))

	got, err := os.ReadFile(filepath.Join(recvSettings.SaveDirectory, "song.mp3"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != EventTransferComplete {
				continue
			}
			assert.Equal(t, types.DirectionReceive, e.Direction)
			assert.Equal(t, "song.mp3", e.FileName)
			return
		case <-timeout:
			t.Fatal("no completion event")
		}
	}
}

func TestMaxFileSizeRejectsWithoutSessions(t *testing.T) {
	recvSettings := testSettings(t)
	recvSettings.MaxFileSize = config.Size(100)
	receiver, addr := startReceiver(t, recvSettings)
	sender := newTestManager(t, testSettings(t))

	small, _ := writeTestFile(t, t.TempDir(), "small.txt", 10)
	big, _ := writeTestFile(t, t.TempDir(), "big.bin", 1000)
	h, err := sender.Send(types.TransferRequest{
		Files:  []*types.FileDescriptor{small, big},
		Target: types.Target{Address: addr},
	})
	require.NoError(t, err)

	err = h.Wait(waitCtx(t))
	var neg *types.NegotiationError
	require.ErrorAs(t, err, &neg)
	assert.Equal(t, types.RejectCapacity, neg.Code)
	assert.Contains(t, neg.Reason, "big.bin")

	for _, r := range h.Results() {
		assert.Equal(t, StateRejected, r.State)
	}
	assert.Empty(t, receiver.QueryProgress())
	assert.Zero(t, receiver.Stats().Active)
	records, err := receiver.History().List(history.Query{})
	require.NoError(t, err)
	assert.Empty(t, records)

	entries, err := os.ReadDir(recvSettings.SaveDirectory)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVersionMismatchRejected(t *testing.T) {
	_, addr := startReceiver(t, testSettings(t))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	offer := protocol.TransferOffer{
		Version: protocol.Version + 1,
		BatchID: types.NewBatchID(),
		Files:   []protocol.FileOffer{{SessionID: types.NewSessionID(), Name: "a", Size: 1, Chunks: []protocol.ChunkSpec{{Length: 1}}}},
	}
	require.NoError(t, protocol.WriteMessage(conn, protocol.MsgTransferOffer, offer))

	var reject protocol.TransferReject
	require.NoError(t, protocol.ReadExpected(conn, protocol.MsgTransferReject, &reject))
	assert.Equal(t, types.RejectVersion, reject.Code)
}

func TestBadChunkPlanRejected(t *testing.T) {
	_, addr := startReceiver(t, testSettings(t))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	offer := protocol.TransferOffer{
		Version: protocol.Version,
		BatchID: types.NewBatchID(),
		Files: []protocol.FileOffer{{
			SessionID: types.NewSessionID(),
			Name:      "gap.bin",
			Size:      100,
			Chunks:    []protocol.ChunkSpec{{Index: 0, Offset: 0, Length: 40}, {Index: 1, Offset: 50, Length: 50}},
		}},
	}
	require.NoError(t, protocol.WriteMessage(conn, protocol.MsgTransferOffer, offer))

	var reject protocol.TransferReject
	require.NoError(t, protocol.ReadExpected(conn, protocol.MsgTransferReject, &reject))
	assert.Equal(t, types.RejectNegotiation, reject.Code)
}

// stallingReceiver accepts any offer and swallows chunk data without ever
// acknowledging it. Cancel notices from the sender are forwarded.
func stallingReceiver(t *testing.T) (string, <-chan protocol.TransferCancel) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	cancels := make(chan protocol.TransferCancel, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				msg, err := protocol.ReadMessage(conn)
				if err != nil {
					return
				}
				switch msg.Type {
				case protocol.MsgTransferOffer:
					var offer protocol.TransferOffer
					if msg.Decode(&offer) != nil {
						return
					}
					if protocol.WriteMessage(conn, protocol.MsgTransferAccept, protocol.TransferAccept{BatchID: offer.BatchID}) != nil {
						return
					}
					for {
						msg, err := protocol.ReadMessage(conn)
						if err != nil {
							return
						}
						var c protocol.TransferCancel
						if msg.Type == protocol.MsgTransferCancel && msg.Decode(&c) == nil {
							cancels <- c
						}
					}
				case protocol.MsgChunkRequest:
					_, _ = io.Copy(io.Discard, conn)
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), cancels
}

func TestCancelIsIdempotent(t *testing.T) {
	addr, cancels := stallingReceiver(t)
	sender := newTestManager(t, testSettings(t))

	fd, _ := writeTestFile(t, t.TempDir(), "movie.mkv", 2*testThreshold)
	h, err := sender.Send(types.TransferRequest{Files: []*types.FileDescriptor{fd}, Target: types.Target{Address: addr}})
	require.NoError(t, err)
	sessionID := h.SessionIDs()[0]

	require.Eventually(t, func() bool {
		p := sender.QueryProgress()
		return len(p) == 1 && p[0].State == StateTransferring && p[0].Bytes == p[0].Total
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, sender.Cancel(string(h.ID)))
	require.NoError(t, sender.Cancel(string(h.ID)))
	require.NoError(t, sender.Cancel(string(sessionID)))
	assert.ErrorIs(t, sender.Cancel(uuid.NewString()), types.ErrNoSuchTransfer)

	err = h.Wait(waitCtx(t))
	require.Error(t, err)
	assert.True(t, types.IsCancellation(err))
	assert.Equal(t, StateCancelled, h.Results()[0].State)

	select {
	case c := <-cancels:
		assert.Equal(t, sessionID, c.SessionID)
		assert.False(t, c.Failed)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver was not told about the cancel")
	}

	records, err := sender.History().List(history.Query{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, types.OutcomeCancelled, records[0].Outcome)
	assert.Equal(t, int64(1), sender.Stats().Cancelled)

	require.NoError(t, sender.Cancel("all"))
	assert.Empty(t, sender.QueryProgress())
}

// sendOffer plays the sender side by hand: it offers one file split into
// chunks and returns the control connection and the receiver's answer.
func sendOffer(t *testing.T, addr string, size int64, chunks []protocol.ChunkSpec) (net.Conn, protocol.TransferOffer, *protocol.Message) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	offer := protocol.TransferOffer{
		Version:    protocol.Version,
		BatchID:    types.NewBatchID(),
		SenderName: "manual",
		Files: []protocol.FileOffer{{
			SessionID: types.NewSessionID(),
			Name:      "large.iso",
			Size:      size,
			Chunks:    chunks,
		}},
	}
	require.NoError(t, protocol.WriteMessage(conn, protocol.MsgTransferOffer, offer))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := protocol.ReadMessage(conn)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	return conn, offer, msg
}

// offerFrom offers one single-chunk file and requires acceptance.
func offerFrom(t *testing.T, addr string, size int64) (net.Conn, protocol.TransferOffer) {
	t.Helper()
	conn, offer, msg := sendOffer(t, addr, size, []protocol.ChunkSpec{{Index: 0, Offset: 0, Length: size}})
	require.Equal(t, protocol.MsgTransferAccept, msg.Type)
	return conn, offer
}

// openChunk opens a chunk connection for c of the offer's first file. Data
// frames are written with the returned writer.
func openChunk(t *testing.T, addr string, offer protocol.TransferOffer, c protocol.ChunkSpec) (net.Conn, *protocol.FrameWriter) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	f := offer.Files[0]
	require.NoError(t, protocol.WriteMessage(conn, protocol.MsgChunkRequest, protocol.ChunkRequest{
		BatchID: offer.BatchID, SessionID: f.SessionID, Index: c.Index, Offset: c.Offset, Length: c.Length,
	}))
	codec, err := protocol.NewCodec(protocol.CodecOptions{})
	require.NoError(t, err)
	fw, err := protocol.NewFrameWriter(conn, f.SessionID, codec)
	require.NoError(t, err)
	return conn, fw
}

// sendPartialChunk opens a chunk connection and sends the first n bytes.
func sendPartialChunk(t *testing.T, addr string, offer protocol.TransferOffer, n int) net.Conn {
	t.Helper()
	f := offer.Files[0]
	conn, fw := openChunk(t, addr, offer, protocol.ChunkSpec{Index: 0, Offset: 0, Length: f.Size})
	require.NoError(t, fw.WriteFrame(0, 0, make([]byte, n)))
	return conn
}

func readAck(t *testing.T, conn net.Conn) protocol.ChunkAck {
	t.Helper()
	var ack protocol.ChunkAck
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	require.NoError(t, protocol.ReadExpected(conn, protocol.MsgChunkAck, &ack))
	return ack
}

func TestReceiverCancelRemovesPartialFile(t *testing.T) {
	for _, keep := range []bool{false, true} {
		t.Run(fmt.Sprintf("keep_partial_files=%t", keep), func(t *testing.T) {
			recvSettings := testSettings(t)
			recvSettings.KeepPartialFiles = keep
			receiver, addr := startReceiver(t, recvSettings)

			ctrl, offer := offerFrom(t, addr, 10_000)
			sessionID := offer.Files[0].SessionID
			sendPartialChunk(t, addr, offer, 1000)

			require.Eventually(t, func() bool {
				p := receiver.QueryProgress()
				return len(p) == 1 && p[0].Bytes == 1000 && p[0].State == StateTransferring
			}, 5*time.Second, 10*time.Millisecond)
			require.Len(t, partFiles(t, recvSettings.SaveDirectory), 1)

			require.NoError(t, receiver.Cancel(string(sessionID)))
			require.NoError(t, receiver.Cancel(string(sessionID)))

			var c protocol.TransferCancel
			require.NoError(t, ctrl.SetReadDeadline(time.Now().Add(5*time.Second)))
			require.NoError(t, protocol.ReadExpected(ctrl, protocol.MsgTransferCancel, &c))
			assert.Equal(t, sessionID, c.SessionID)

			if keep {
				assert.Len(t, partFiles(t, recvSettings.SaveDirectory), 1)
			} else {
				assert.Empty(t, partFiles(t, recvSettings.SaveDirectory))
			}
			_, err := os.Stat(filepath.Join(recvSettings.SaveDirectory, "large.iso"))
			assert.True(t, errors.Is(err, os.ErrNotExist))

			records, err := receiver.History().List(history.Query{})
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, types.OutcomeCancelled, records[0].Outcome)
			assert.Equal(t, int64(1000), records[0].BytesTransferred)
		})
	}
}

func TestSenderDisconnectFailsReceiver(t *testing.T) {
	recvSettings := testSettings(t)
	receiver, addr := startReceiver(t, recvSettings)

	ctrl, _ := offerFrom(t, addr, 5000)
	require.Eventually(t, func() bool { return len(receiver.QueryProgress()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ctrl.Close())

	require.Eventually(t, func() bool { return len(receiver.QueryProgress()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, partFiles(t, recvSettings.SaveDirectory))
	assert.Equal(t, int64(1), receiver.Stats().Failed)
}

func TestSendValidation(t *testing.T) {
	m := newTestManager(t, testSettings(t))

	_, err := m.Send(types.TransferRequest{Target: types.Target{Address: "127.0.0.1:1"}})
	assert.ErrorIs(t, err, types.ErrNoFiles)

	fd, _ := writeTestFile(t, t.TempDir(), "a.txt", 1)
	_, err = m.Send(types.TransferRequest{Files: []*types.FileDescriptor{fd}, Target: types.Target{PeerID: "nobody"}})
	assert.ErrorIs(t, err, types.ErrUnknownPeer)

	_, err = m.Send(types.TransferRequest{Files: []*types.FileDescriptor{fd}, Target: types.Target{Address: "no-port"}})
	assert.Error(t, err)

	require.NoError(t, m.Close())
	_, err = m.Send(types.TransferRequest{Files: []*types.FileDescriptor{fd}, Target: types.Target{Address: "127.0.0.1:1"}})
	assert.ErrorIs(t, err, types.ErrEngineClosed)
}

type staticPeers []types.Peer

func (p staticPeers) Lookup(idOrName string) (types.Peer, bool) {
	for _, peer := range p {
		if string(peer.ID) == idOrName || strings.EqualFold(peer.DisplayName, idOrName) {
			return peer, true
		}
	}
	return types.Peer{}, false
}

func (p staticPeers) Snapshot() []types.Peer { return p }

func TestSendToDiscoveredPeer(t *testing.T) {
	recvSettings := testSettings(t)
	_, addr := startReceiver(t, recvSettings)
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var portNum int
	_, err = fmt.Sscan(port, &portNum)
	require.NoError(t, err)

	peers := staticPeers{{ID: "p1", DisplayName: "Desk", Address: host, Port: portNum, Status: types.PeerOnline}}
	sender, err := New(Options{Settings: testSettings(t), Logger: zaptest.NewLogger(t), Peers: peers})
	require.NoError(t, err)
	defer sender.Close()

	fd, _ := writeTestFile(t, t.TempDir(), "a.txt", 10)
	h, err := sender.Send(types.TransferRequest{Files: []*types.FileDescriptor{fd}, Target: types.Target{PeerID: "desk"}})
	require.NoError(t, err)
	require.NoError(t, h.Wait(waitCtx(t)))
	assert.Equal(t, "Desk", h.Results()[0].Peer)
	assert.Len(t, sender.Peers(), 1)
}

func TestApplySettings(t *testing.T) {
	m := newTestManager(t, testSettings(t))

	s := m.Settings()
	s.MaxParallelThreads = 8
	require.NoError(t, m.ApplySettings(s))
	assert.Equal(t, 8, m.Settings().MaxParallelThreads)

	s.MaxParallelThreads = 0
	assert.Error(t, m.ApplySettings(s))
	assert.Equal(t, 8, m.Settings().MaxParallelThreads)
}

func TestHealthEndpoint(t *testing.T) {
	settings := testSettings(t)
	m := newTestManager(t, settings)

	mux := http.NewServeMux()
	NewHealthEndpoint(m, m.Registry(), nil).RegisterHandlers(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	resp, err := http.Get(server.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, m.Listen(0, settings.SaveDirectory))

	resp, err = http.Get(server.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"listening":true`) {
		t.Errorf("Unexpected health body: %s", body)
	}

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "lanxfer_active_sessions") {
		t.Error("Expected lanxfer_active_sessions in metrics output")
	}
}

func TestSenderHonoursReceiverSlots(t *testing.T) {
	recvSettings := testSettings(t)
	recvSettings.MaxParallelThreads = 1
	recvSettings.ConnectionTimeout = time.Second
	_, addr := startReceiver(t, recvSettings)
	sender := newTestManager(t, testSettings(t))

	fd, data := writeTestFile(t, t.TempDir(), "disk.img", 4*testThreshold)
	h, err := sender.Send(types.TransferRequest{Files: []*types.FileDescriptor{fd}, Target: types.Target{Address: addr}})
	require.NoError(t, err)
	require.NoError(t, h.Wait(waitCtx(t)))

	got, err := os.ReadFile(filepath.Join(recvSettings.SaveDirectory, "disk.img"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "received content differs")

	s := h.sessions[0]
	require.Len(t, s.Chunks, 4)
	for _, c := range s.Chunks {
		assert.Equal(t, 1, c.Attempts(), "chunk %d", c.Index)
	}
	assert.Zero(t, testutil.ToFloat64(sender.Metrics().ChunkRetries))
}

func TestCancelBeforeAcceptReachesReceiver(t *testing.T) {
	recvSettings := testSettings(t)
	recvSettings.AutoAccept = false
	receiver, addr := startReceiver(t, recvSettings)
	events, unsubscribe := receiver.Subscribe(8)
	defer unsubscribe()

	sender := newTestManager(t, testSettings(t))
	src := t.TempDir()
	a, dataA := writeTestFile(t, src, "a.txt", 100)
	b, _ := writeTestFile(t, src, "b.txt", 200)
	h, err := sender.Send(types.TransferRequest{Files: []*types.FileDescriptor{a, b}, Target: types.Target{Address: addr}})
	require.NoError(t, err)

	select {
	case e := <-events:
		require.Equal(t, EventOfferReceived, e.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no offer event")
	}

	dropped := h.SessionIDs()[1]
	require.NoError(t, sender.Cancel(string(dropped)))
	require.NoError(t, receiver.Accept(h.ID))

	err = h.Wait(waitCtx(t))
	require.Error(t, err)
	assert.True(t, types.IsCancellation(err))
	results := h.Results()
	assert.Equal(t, StateDone, results[0].State)
	assert.Equal(t, StateCancelled, results[1].State)

	require.Eventually(t, func() bool {
		st := receiver.Stats()
		return st.FilesReceived == 1 && st.Cancelled == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, receiver.Stats().Failed)

	records, err := receiver.History().List(history.Query{Outcome: types.OutcomeCancelled})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, dropped, records[0].SessionID)

	gotA, err := filepath.Glob(filepath.Join(recvSettings.SaveDirectory, "batch_*", "a.txt"))
	require.NoError(t, err)
	require.Len(t, gotA, 1)
	content, err := os.ReadFile(gotA[0])
	require.NoError(t, err)
	assert.Equal(t, dataA, content)

	gotB, err := filepath.Glob(filepath.Join(recvSettings.SaveDirectory, "batch_*", "b.txt"))
	require.NoError(t, err)
	assert.Empty(t, gotB)
	assert.Empty(t, partFiles(t, recvSettings.SaveDirectory))
}

// flipByte inverts the byte at position at of the stream.
type flipByte struct {
	r    io.Reader
	at   int64
	read int64
}

func (f *flipByte) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if f.at >= f.read && f.at < f.read+int64(n) {
		p[f.at-f.read] ^= 0xff
	}
	f.read += int64(n)
	return n, err
}

// faultyProxy forwards connections to upstream. The first connection that
// opens chunk index has its outgoing data passed through damage.
func faultyProxy(t *testing.T, upstream string, index int, damage func(io.Reader) io.Reader) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var damaged atomic.Bool
	go func() {
		for {
			client, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer client.Close()
				msg, err := protocol.ReadMessage(client)
				if err != nil {
					return
				}
				server, err := net.Dial("tcp", upstream)
				if err != nil {
					return
				}
				defer server.Close()
				if protocol.WriteMessage(server, msg.Type, msg.Body) != nil {
					return
				}

				var src io.Reader = client
				var req protocol.ChunkRequest
				if msg.Type == protocol.MsgChunkRequest && msg.Decode(&req) == nil &&
					req.Index == index && damaged.CompareAndSwap(false, true) {
					src = damage(client)
				}

				go func() {
					_, _ = io.Copy(client, server)
					_ = client.Close()
				}()
				_, _ = io.Copy(server, src)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestChunkRetriedAfterDamage(t *testing.T) {
	tests := []struct {
		name   string
		damage func(io.Reader) io.Reader
	}{
		{"connection dropped", func(r io.Reader) io.Reader { return io.LimitReader(r, 1000) }},
		{"payload corrupted", func(r io.Reader) io.Reader { return &flipByte{r: r, at: protocol.DataHeaderSize + 10} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recvSettings := testSettings(t)
			_, upstream := startReceiver(t, recvSettings)
			addr := faultyProxy(t, upstream, 1, tt.damage)
			sender := newTestManager(t, testSettings(t))

			fd, data := writeTestFile(t, t.TempDir(), "video.mp4", 4*testThreshold)
			h, err := sender.Send(types.TransferRequest{Files: []*types.FileDescriptor{fd}, Target: types.Target{Address: addr}})
			require.NoError(t, err)
			require.NoError(t, h.Wait(waitCtx(t)))
			assert.Equal(t, StateDone, h.Results()[0].State)

			got, err := os.ReadFile(filepath.Join(recvSettings.SaveDirectory, "video.mp4"))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got), "received content differs")
			assert.Empty(t, partFiles(t, recvSettings.SaveDirectory))

			s := h.sessions[0]
			require.Len(t, s.Chunks, 4)
			for _, c := range s.Chunks {
				want := 1
				if c.Index == 1 {
					want = 2
				}
				assert.Equal(t, want, c.Attempts(), "chunk %d", c.Index)
			}
			assert.Equal(t, float64(1), testutil.ToFloat64(sender.Metrics().ChunkRetries))
		})
	}
}

func TestCancelIdempotentWhenEndedSetWraps(t *testing.T) {
	m := newTestManager(t, testSettings(t))

	m.mu.Lock()
	for i := 0; len(m.ended) < maxEndedIDs-1; i++ {
		m.ended[strconv.Itoa(i)] = struct{}{}
	}
	m.mu.Unlock()

	s := testSession(t, 10, 100, 1)
	m.registerSession(s)
	require.True(t, s.Cancel("cancelled by user", false))

	assert.NoError(t, m.Cancel(string(s.BatchID)))
	assert.NoError(t, m.Cancel(string(s.BatchID)))
	assert.NoError(t, m.Cancel(string(s.ID)))

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.LessOrEqual(t, len(m.ended), maxEndedIDs)
}

package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"lanxfer/pkg/config"
	"lanxfer/pkg/planner"
	"lanxfer/pkg/protocol"
	"lanxfer/pkg/types"
	"lanxfer/pkg/utils"
)

// listenConfig is the settings snapshot a listen cycle runs with.
type listenConfig struct {
	settings config.EngineSettings
	dir      string
}

type decision struct {
	accept bool
	reason string
}

type pendingOffer struct {
	info     OfferInfo
	decision chan decision
}

// slotReservation is the share of the slot pool held by one inbound batch
// from acceptance until its last session ends. Chunk connections of the
// batch take turns on it.
type slotReservation struct {
	pool  *semaphore.Weighted
	n     int64
	turns *semaphore.Weighted
	once  sync.Once
}

func (r *slotReservation) release() {
	r.once.Do(func() { r.pool.Release(r.n) })
}

// reserveSlots takes min(chunks, max_parallel_threads) slots without
// waiting, or reports false when the pool cannot spare them.
func (m *Manager) reserveSlots(chunks int) (*slotReservation, bool) {
	m.mu.RLock()
	pool := m.slots
	limit := m.settings.MaxParallelThreads
	m.mu.RUnlock()

	n := int64(max(1, min(chunks, limit)))
	if !pool.TryAcquire(n) {
		return nil, false
	}
	return &slotReservation{pool: pool, n: n, turns: semaphore.NewWeighted(n)}, true
}

// inBatch is the receive side of one accepted batch.
type inBatch struct {
	id       types.BatchID
	settings config.EngineSettings
	dir      string
	ctrl     *controlConn
	files    map[types.SessionID]*inFile
	slots    *slotReservation

	ctx       context.Context
	cancel    context.CancelFunc
	remaining atomic.Int32
}

// inFile is one file being written.
type inFile struct {
	batch   *inBatch
	session *Session
	codec   *protocol.Codec
	target  string
	part    string

	mu   sync.RWMutex
	file *os.File

	hashOnce sync.Once
	sum      string
	sumErr   error
}

func (f *inFile) writeAt(p []byte, off int64) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.file == nil {
		return os.ErrClosed
	}
	_, err := f.file.WriteAt(p, off)
	return err
}

// closeFile closes the part file once; later writes fail.
func (f *inFile) closeFile() error {
	f.mu.Lock()
	file := f.file
	f.file = nil
	f.mu.Unlock()
	if file == nil {
		return nil
	}
	return file.Close()
}

// hash returns the SHA-256 of the part file, computing it at most once.
func (f *inFile) hash() (string, error) {
	f.hashOnce.Do(func() {
		f.sum, f.sumErr = types.HashFile(f.part)
	})
	return f.sum, f.sumErr
}

func (m *Manager) acceptLoop(ln net.Listener, cfg listenConfig) {
	defer m.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				m.logger.Info("Stopped listening", zap.String("address", ln.Addr().String()))
				return
			}
			m.logger.Warn("Accept failed", zap.Error(err))
			select {
			case <-time.After(100 * time.Millisecond):
			case <-m.ctx.Done():
				return
			}
			continue
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleConn(conn, cfg)
		}()
	}
}

// handleConn reads the opening frame and dispatches: an offer starts a
// control connection, a chunk request a data connection.
func (m *Manager) handleConn(conn net.Conn, cfg listenConfig) {
	defer conn.Close()
	stop := context.AfterFunc(m.ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.SetReadDeadline(time.Now().Add(cfg.settings.ConnectionTimeout)); err != nil {
		return
	}
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		m.logger.Debug("Dropping connection", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.MsgTransferOffer:
		var offer protocol.TransferOffer
		if err := msg.Decode(&offer); err != nil {
			m.logger.Warn("Malformed offer", zap.Error(err))
			return
		}
		m.handleOffer(conn, cfg, &offer)

	case protocol.MsgChunkRequest:
		var req protocol.ChunkRequest
		if err := msg.Decode(&req); err != nil {
			m.logger.Warn("Malformed chunk request", zap.Error(err))
			return
		}
		m.handleChunk(conn, cfg, &req)

	default:
		m.logger.Debug("Unexpected opening frame", zap.Stringer("type", msg.Type))
	}
}

var errNoSlots = &types.CapacityError{Reason: "no free transfer slot"}

// checkOffer validates the structure of an offer. It returns the reject code
// and reason for a bad one.
func (m *Manager) checkOffer(offer *protocol.TransferOffer, settings config.EngineSettings) (types.RejectCode, string) {
	if offer.Version != protocol.Version {
		return types.RejectVersion, fmt.Sprintf("unsupported protocol version %d, want %d", offer.Version, protocol.Version)
	}
	if offer.BatchID == "" || len(offer.Files) == 0 {
		return types.RejectNegotiation, "offer has no batch id or no files"
	}

	seen := make(map[types.SessionID]bool, len(offer.Files))
	for _, f := range offer.Files {
		if _, err := uuid.Parse(string(f.SessionID)); err != nil {
			return types.RejectNegotiation, fmt.Sprintf("invalid session id %q", f.SessionID)
		}
		m.mu.RLock()
		_, active := m.sessions[f.SessionID]
		m.mu.RUnlock()
		if seen[f.SessionID] || active {
			return types.RejectNegotiation, fmt.Sprintf("duplicate session id %s", f.SessionID)
		}
		seen[f.SessionID] = true

		plan := make([]types.ChunkPlan, len(f.Chunks))
		for i, c := range f.Chunks {
			plan[i] = types.ChunkPlan{Index: c.Index, Range: types.ByteRange{Offset: c.Offset, Length: c.Length}}
		}
		if err := planner.Validate(plan, f.Size, maxOfferChunks); err != nil {
			return types.RejectNegotiation, fmt.Sprintf("%s: %v", f.Name, err)
		}
	}

	for _, f := range offer.Files {
		if f.Size > settings.MaxFileSize.Bytes() {
			return types.RejectCapacity, (&types.CapacityError{Reason: fmt.Sprintf("%s is %s, limit is %s",
				f.Name, utils.FormatDataSize(f.Size), settings.MaxFileSize)}).Error()
		}
	}
	r, ok := m.reserveSlots(offer.ChunkCount())
	if !ok {
		return types.RejectCapacity, errNoSlots.Error()
	}
	r.release()

	if offer.Encryption {
		if offer.KeyAgreement == nil {
			return types.RejectNegotiation, "encrypted offer without key agreement"
		}
		if _, err := protocol.NewKeyAgreement(offer.KeyAgreement.Scheme, settings.PreSharedKey); err != nil {
			return types.RejectNegotiation, err.Error()
		}
	}
	return "", ""
}

func (m *Manager) handleOffer(conn net.Conn, cfg listenConfig, offer *protocol.TransferOffer) {
	settings := cfg.settings
	ctrl := newControlConn(conn, settings.ConnectionTimeout)
	remote, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	peer := remote
	if offer.SenderName != "" {
		peer = fmt.Sprintf("%s (%s)", offer.SenderName, remote)
	}
	log := m.logger.With(zap.String("batch_id", string(offer.BatchID)), zap.String("peer", peer))

	reject := func(code types.RejectCode, reason string) {
		log.Info("Rejecting offer", zap.String("code", string(code)), zap.String("reason", reason))
		if err := ctrl.send(protocol.MsgTransferReject, protocol.TransferReject{
			BatchID: offer.BatchID, Code: code, Reason: reason,
		}); err != nil {
			log.Debug("Could not send rejection", zap.Error(err))
		}
		m.events.publish(Event{
			Type:      EventTransferRejected,
			BatchID:   offer.BatchID,
			Direction: types.DirectionReceive,
			Peer:      peer,
			Reason:    reason,
		})
	}

	if code, reason := m.checkOffer(offer, settings); code != "" {
		reject(code, reason)
		return
	}

	log.Info("Received offer",
		zap.Int("files", len(offer.Files)),
		zap.Int64("total_size", offer.TotalSize()),
		zap.Bool("encrypted", offer.Encryption))

	if !settings.AutoAccept {
		if ok, reason := m.awaitDecision(offer, remote, settings.AcceptTimeout); !ok {
			reject(types.RejectDeclined, reason)
			return
		}
	}

	// Held until the batch's last session ends.
	slots, ok := m.reserveSlots(offer.ChunkCount())
	if !ok {
		reject(types.RejectCapacity, errNoSlots.Error())
		return
	}

	var answer *protocol.KeyAgreementParams
	var secret []byte
	if offer.Encryption {
		ka, _ := protocol.NewKeyAgreement(offer.KeyAgreement.Scheme, settings.PreSharedKey)
		var err error
		if answer, secret, err = ka.Respond(offer.KeyAgreement); err != nil {
			slots.release()
			reject(types.RejectNegotiation, err.Error())
			return
		}
	}

	b, err := m.prepareInbound(ctrl, cfg, offer, peer, secret, slots)
	if err != nil {
		slots.release()
		log.Error("Cannot store offered files", zap.Error(err))
		reject(types.RejectNegotiation, "receiver cannot store files")
		return
	}

	accept := protocol.TransferAccept{BatchID: b.id, KeyAgreement: answer, Slots: int(slots.n)}
	if err := ctrl.send(protocol.MsgTransferAccept, accept); err != nil {
		for _, f := range b.files {
			f.session.Fail(fmt.Errorf("failed to send acceptance: %w", err))
		}
		return
	}
	log.Info("Accepted offer", zap.String("directory", b.dir))

	m.inboundControlLoop(b)
}

// awaitDecision holds an offer until Accept, Reject, the timeout or
// shutdown.
func (m *Manager) awaitDecision(offer *protocol.TransferOffer, remote string, timeout time.Duration) (bool, string) {
	info := OfferInfo{
		BatchID:    offer.BatchID,
		SenderName: offer.SenderName,
		Address:    remote,
		TotalSize:  offer.TotalSize(),
		Encrypted:  offer.Encryption,
		ExpiresAt:  time.Now().Add(timeout),
	}
	for _, f := range offer.Files {
		info.Files = append(info.Files, OfferFile{Name: f.Name, Size: f.Size, MimeType: f.MimeType})
	}

	p := &pendingOffer{info: info, decision: make(chan decision, 1)}
	m.mu.Lock()
	m.pending[offer.BatchID] = p
	m.mu.Unlock()
	m.metrics.PendingOffers.Inc()
	defer m.metrics.PendingOffers.Dec()

	m.events.publish(Event{
		Type:      EventOfferReceived,
		BatchID:   offer.BatchID,
		Direction: types.DirectionReceive,
		Peer:      offer.SenderName,
		Offer:     &info,
	})

	// withdraw removes the offer unless a decision won the race; that
	// decision is then returned instead of reason.
	withdraw := func(reason string) (bool, string) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.pending[offer.BatchID] == p {
			delete(m.pending, offer.BatchID)
			return false, reason
		}
		select {
		case d := <-p.decision:
			return d.accept, d.reason
		default:
			return false, reason
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-p.decision:
		return d.accept, d.reason
	case <-timer.C:
		return withdraw("offer timed out")
	case <-m.ctx.Done():
		return withdraw("receiver shutting down")
	}
}

// prepareInbound creates the batch's part files and sessions.
func (m *Manager) prepareInbound(ctrl *controlConn, cfg listenConfig, offer *protocol.TransferOffer, peer string, secret []byte, slots *slotReservation) (*inBatch, error) {
	settings := cfg.settings
	dir := cfg.dir
	if settings.CreateSubfolders && len(offer.Files) > 1 {
		dir = filepath.Join(dir, batchDirName(time.Now()))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	b := &inBatch{
		id:       offer.BatchID,
		settings: settings,
		dir:      dir,
		ctrl:     ctrl,
		files:    make(map[types.SessionID]*inFile, len(offer.Files)),
		slots:    slots,
	}
	b.ctx, b.cancel = context.WithCancel(m.ctx)

	var created []*inFile
	cleanup := func() {
		for _, f := range created {
			_ = f.closeFile()
			_ = os.Remove(f.part)
		}
		b.cancel()
	}

	for _, fo := range offer.Files {
		rel := SafeRelativePath(fo.RelativePath, fo.Name)
		target := filepath.Join(dir, rel)
		if !within(dir, target) {
			cleanup()
			return nil, fmt.Errorf("path %q escapes the save directory", fo.RelativePath)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to create directory for %s: %w", rel, err)
		}

		part := fmt.Sprintf("%s.%s.part", target, strings.SplitN(string(fo.SessionID), "-", 2)[0])
		file, err := os.OpenFile(part, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to create %s: %w", part, err)
		}
		inf := &inFile{batch: b, target: target, part: part, file: file}
		created = append(created, inf)

		if err := file.Truncate(fo.Size); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to preallocate %s: %w", part, err)
		}

		var key []byte
		if secret != nil {
			if key, err = protocol.DeriveSessionKey(secret, offer.BatchID, fo.SessionID); err != nil {
				cleanup()
				return nil, err
			}
		}
		if inf.codec, err = protocol.NewCodec(protocol.CodecOptions{Compression: offer.Compression, Key: key}); err != nil {
			cleanup()
			return nil, err
		}

		plan := make([]types.ChunkPlan, len(fo.Chunks))
		for i, c := range fo.Chunks {
			plan[i] = types.ChunkPlan{Index: c.Index, Range: types.ByteRange{Offset: c.Offset, Length: c.Length}}
		}
		inf.session = newSession(b.ctx, fo.SessionID, offer.BatchID, types.DirectionReceive, FileMeta{
			Name:         filepath.Base(rel),
			RelativePath: filepath.ToSlash(rel),
			Size:         fo.Size,
			MimeType:     fo.MimeType,
		}, peer, plan, settings.SpeedWindow)
	}

	b.remaining.Store(int32(len(created)))
	for _, inf := range created {
		s := inf.session
		b.files[s.ID] = inf
		_ = s.Transition(StateNegotiating)
		_ = s.Transition(StateAccepted)

		s.OnTerminal(m.cleanupInbound(inf))
		m.mu.Lock()
		m.inbound[s.ID] = inf
		m.mu.Unlock()
		m.registerSession(s)
		s.OnTerminal(func(*Session) {
			if b.remaining.Add(-1) == 0 {
				b.slots.release()
				b.cancel()
			}
		})
	}
	return b, nil
}

// cleanupInbound closes the part file of a finished session, tells the
// sender about local failures and removes partial output.
func (m *Manager) cleanupInbound(inf *inFile) func(*Session) {
	return func(s *Session) {
		if err := inf.closeFile(); err != nil {
			m.logger.Warn("Failed to close part file", zap.String("path", inf.part), zap.Error(err))
		}

		state := s.State()
		if state == StateDone {
			return
		}

		if !s.EndedByPeer() {
			err := inf.batch.ctrl.send(protocol.MsgTransferCancel, protocol.TransferCancel{
				BatchID:   inf.batch.id,
				SessionID: s.ID,
				Reason:    s.Reason(),
				Failed:    state == StateFailed,
			})
			if err != nil {
				m.logger.Debug("Could not notify sender", zap.String("session_id", string(s.ID)), zap.Error(err))
			}
		}

		if inf.batch.settings.KeepPartialFiles {
			m.logger.Info("Keeping partial file", zap.String("path", inf.part))
			return
		}
		if err := os.Remove(inf.part); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("Failed to remove partial file", zap.String("path", inf.part), zap.Error(err))
		}
	}
}

// inboundControlLoop serves the sender's control messages until completion
// or disconnect.
func (m *Manager) inboundControlLoop(b *inBatch) {
	stop := context.AfterFunc(b.ctx, func() { _ = b.ctrl.close() })
	defer stop()
	defer b.ctrl.close()

	sessions := make([]*Session, 0, len(b.files))
	for _, f := range b.files {
		sessions = append(sessions, f.session)
	}

	for {
		msg, err := b.ctrl.read(0)
		if err != nil {
			for _, s := range sessions {
				s.Fail(fmt.Errorf("sender disconnected: %w", err))
			}
			return
		}

		switch msg.Type {
		case protocol.MsgTransferCancel:
			var c protocol.TransferCancel
			if err := msg.Decode(&c); err != nil {
				m.logger.Warn("Bad cancel message", zap.Error(err))
				continue
			}
			m.applyRemoteCancel(sessions, c)

		case protocol.MsgTransferComplete:
			var c protocol.TransferComplete
			if err := msg.Decode(&c); err != nil {
				m.logger.Warn("Bad completion message", zap.Error(err))
				continue
			}
			m.completeInbound(b, &c)
			return

		default:
			m.logger.Debug("Ignoring control message", zap.Stringer("type", msg.Type))
		}
	}
}

// completeInbound verifies and places every file the sender reports, answers
// with the verdicts, then moves the sessions to their final state.
func (m *Manager) completeInbound(b *inBatch, c *protocol.TransferComplete) {
	reply := protocol.TransferComplete{BatchID: b.id}
	verdicts := make(map[types.SessionID]error)

	for _, res := range c.Files {
		inf, ok := b.files[res.SessionID]
		if !ok {
			reply.Files = append(reply.Files, protocol.FileResult{SessionID: res.SessionID, Reason: "unknown session"})
			continue
		}
		err := m.finalize(inf, res.Checksum)
		verdicts[res.SessionID] = err

		r := protocol.FileResult{SessionID: res.SessionID, OK: err == nil}
		if err != nil {
			r.Reason = err.Error()
		}
		reply.Files = append(reply.Files, r)
	}

	if err := b.ctrl.send(protocol.MsgTransferComplete, reply); err != nil {
		m.logger.Warn("Failed to send completion reply", zap.String("batch_id", string(b.id)), zap.Error(err))
	}

	for id, err := range verdicts {
		s := b.files[id].session
		if err != nil {
			// The reply already carries the verdict; no cancel notice.
			s.FailByPeer(err)
			continue
		}
		_ = s.Transition(StateDone)
	}
	for _, f := range b.files {
		if _, reported := verdicts[f.session.ID]; !reported {
			f.session.Fail(errors.New("sender completed the batch without this file"))
		}
	}
}

// finalize checks a completed part file and renames it into place.
func (m *Manager) finalize(inf *inFile, checksum string) error {
	s := inf.session
	if state := s.State(); state != StateCompleting {
		return fmt.Errorf("file is not complete (%s)", state)
	}
	if err := inf.closeFile(); err != nil {
		return fmt.Errorf("failed to close part file: %w", err)
	}

	info, err := os.Stat(inf.part)
	if err != nil {
		return fmt.Errorf("failed to stat part file: %w", err)
	}
	if info.Size() != s.File.Size {
		return fmt.Errorf("received %d bytes, expected %d", info.Size(), s.File.Size)
	}

	if checksum != "" && inf.batch.settings.VerifyChecksums {
		sum, err := inf.hash()
		if err != nil {
			return fmt.Errorf("failed to hash received file: %w", err)
		}
		if sum != checksum {
			return fmt.Errorf("%s: %w", s.File.Name, types.ErrChecksumMismatch)
		}
	}

	m.nameMu.Lock()
	defer m.nameMu.Unlock()

	final := inf.target
	if !inf.batch.settings.OverwriteFiles {
		final = UniquePath(final)
	}
	if err := os.Rename(inf.part, final); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	m.logger.Info("Saved file", zap.String("path", final), zap.String("size", utils.FormatDataSize(s.File.Size)))
	return nil
}

func (m *Manager) handleChunk(conn net.Conn, cfg listenConfig, req *protocol.ChunkRequest) {
	timeout := cfg.settings.ConnectionTimeout
	ack := func(ok bool, reason string) {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		_ = protocol.WriteMessage(conn, protocol.MsgChunkAck, protocol.ChunkAck{
			SessionID: req.SessionID, Index: req.Index, OK: ok, Reason: reason,
		})
	}

	m.mu.RLock()
	inf := m.inbound[req.SessionID]
	m.mu.RUnlock()
	if inf == nil || inf.batch.id != req.BatchID {
		ack(false, "unknown session")
		return
	}

	s := inf.session
	c, ok := s.Chunk(req.Index)
	if !ok || c.Range.Offset != req.Offset || c.Range.Length != req.Length {
		ack(false, "chunk does not match the offer")
		return
	}
	if state := s.State(); state.Terminal() {
		ack(false, "session "+state.String())
		return
	}

	turns := inf.batch.slots.turns
	if err := turns.Acquire(s.Context(), 1); err != nil {
		ack(false, context.Cause(s.Context()).Error())
		return
	}
	defer turns.Release(1)

	if s.State() == StateAccepted {
		_ = s.Transition(StateTransferring)
	}

	stop := context.AfterFunc(s.Context(), func() { _ = conn.Close() })
	defer stop()

	c.attempts.Add(1)
	c.SetState(types.ChunkInFlight)
	if err := m.receiveChunk(inf, c, &deadlineConn{Conn: conn, timeout: timeout}, int(cfg.settings.BufferSize.Bytes())); err != nil {
		c.SetState(types.ChunkFailed)
		if s.State().Terminal() {
			return
		}
		m.logger.Warn("Chunk receive failed",
			zap.String("session_id", string(s.ID)),
			zap.Int("chunk", c.Index),
			zap.Error(err))
		ack(false, err.Error())
		return
	}

	c.SetState(types.ChunkDone)
	if s.AllChunksDone() && s.Transition(StateCompleting) == nil && inf.batch.settings.VerifyChecksums {
		go func() { _, _ = inf.hash() }()
	}
	ack(true, "")
}

// receiveChunk reads data frames until the chunk's range is filled.
func (m *Manager) receiveChunk(inf *inFile, c *Chunk, conn net.Conn, bufSize int) error {
	s := inf.session
	fr, err := protocol.NewFrameReader(bufio.NewReaderSize(conn, bufSize+protocol.DataHeaderSize), s.ID, inf.codec)
	if err != nil {
		return err
	}

	var received int64
	for received < c.Range.Length {
		if s.Context().Err() != nil {
			return context.Cause(s.Context())
		}

		frame, err := fr.ReadFrame()
		if err != nil {
			return &types.ChunkIOError{SessionID: s.ID, Index: c.Index, Err: err}
		}
		want := c.Range.Offset + received
		if frame.Index != c.Index || frame.Offset != want {
			return fmt.Errorf("frame for chunk %d at %d, expected chunk %d at %d", frame.Index, frame.Offset, c.Index, want)
		}
		n := int64(len(frame.Data))
		if n == 0 || frame.Offset+n > c.Range.End() {
			return fmt.Errorf("frame of %d bytes at %d does not fit chunk %d", n, frame.Offset, c.Index)
		}

		if err := inf.writeAt(frame.Data, frame.Offset); err != nil {
			return fmt.Errorf("failed to write %s: %w", s.File.Name, err)
		}
		received += n
		m.metrics.BytesReceived.Add(float64(s.Advance(c, received)))
	}
	return nil
}

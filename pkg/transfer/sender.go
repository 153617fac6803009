package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"lanxfer/pkg/config"
	"lanxfer/pkg/protocol"
	"lanxfer/pkg/types"
	"lanxfer/pkg/utils"
)

// outBatch is the send side of one batch.
type outBatch struct {
	id       types.BatchID
	req      types.TransferRequest
	settings config.EngineSettings
	addr     string
	peer     string
	sessions []*Session
	files    map[types.SessionID]*types.FileDescriptor
	handle   *BatchHandle

	ctx    context.Context
	cancel context.CancelFunc

	// turns caps concurrent chunks at what the receiver reserved. Set
	// before chunk workers start; nil means no cap.
	turns *semaphore.Weighted

	mu   sync.Mutex
	ctrl *controlConn
	keys map[types.SessionID][]byte
}

func (b *outBatch) control() *controlConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctrl
}

func (b *outBatch) setControl(c *controlConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctrl = c
}

func (b *outBatch) key(id types.SessionID) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.keys[id]
}

func (b *outBatch) live() []*Session {
	var out []*Session
	for _, s := range b.sessions {
		if !s.State().Terminal() {
			out = append(out, s)
		}
	}
	return out
}

// notifyOutbound tells the receiver about sessions this side ended.
func (m *Manager) notifyOutbound(b *outBatch) func(*Session) {
	return func(s *Session) {
		state := s.State()
		if state == StateDone || state == StateRejected || s.EndedByPeer() {
			return
		}
		ctrl := b.control()
		if ctrl == nil {
			return
		}
		err := ctrl.send(protocol.MsgTransferCancel, protocol.TransferCancel{
			BatchID:   b.id,
			SessionID: s.ID,
			Reason:    s.Reason(),
			Failed:    state == StateFailed,
		})
		if err != nil {
			m.logger.Debug("Could not notify receiver",
				zap.String("session_id", string(s.ID)),
				zap.Error(err))
		}
	}
}

func (m *Manager) runOutbound(b *outBatch) {
	defer m.wg.Done()

	log := m.logger.With(zap.String("batch_id", string(b.id)), zap.String("peer", b.peer))

	for _, s := range b.sessions {
		_ = s.Transition(StateNegotiating)
	}

	ctrl, accept, err := m.negotiate(b)
	if err != nil {
		var neg *types.NegotiationError
		rejected := errors.As(err, &neg) && neg.Rejected()
		for _, s := range b.live() {
			if rejected {
				s.Reject(err)
			} else {
				s.Fail(err)
			}
		}
		if rejected {
			log.Info("Batch rejected", zap.String("code", string(neg.Code)), zap.String("reason", neg.Reason))
		} else {
			log.Warn("Negotiation failed", zap.Error(err))
		}
		return
	}
	defer ctrl.close()

	// Sessions cancelled while the offer was pending ended before the
	// control connection existed.
	notify := m.notifyOutbound(b)
	for _, s := range b.sessions {
		if s.State().Terminal() {
			notify(s)
			continue
		}
		_ = s.Transition(StateAccepted)
	}
	log.Info("Batch accepted", zap.Int("receiver_slots", accept.Slots))

	if b.settings.VerifyChecksums {
		for _, fd := range b.files {
			go func(fd *types.FileDescriptor) { _, _ = fd.Checksum() }(fd)
		}
	}

	replies := make(chan *protocol.TransferComplete, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.readOutboundControl(b, ctrl, replies)
	}()

	var wg sync.WaitGroup
	for _, s := range b.sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			m.sendSession(b, s)
		}(s)
	}
	wg.Wait()

	m.completeOutbound(b, ctrl, replies, log)
}

// negotiate dials the receiver, sends the offer and waits for the verdict.
func (m *Manager) negotiate(b *outBatch) (*controlConn, *protocol.TransferAccept, error) {
	settings := b.settings

	dialer := net.Dialer{Timeout: settings.ConnectionTimeout}
	raw, err := dialer.DialContext(b.ctx, "tcp", b.addr)
	if err != nil {
		if b.ctx.Err() != nil {
			return nil, nil, context.Cause(b.ctx)
		}
		return nil, nil, &types.NegotiationError{Err: fmt.Errorf("failed to connect to %s: %w", b.addr, err)}
	}
	ctrl := newControlConn(raw, settings.ConnectionTimeout)
	context.AfterFunc(b.ctx, func() { _ = ctrl.close() })

	offer := protocol.TransferOffer{
		Version:     protocol.Version,
		BatchID:     b.id,
		SenderName:  settings.DisplayName,
		Compression: b.req.Options.Compression,
		Encryption:  b.req.Options.Encryption,
	}
	for _, s := range b.sessions {
		fo := protocol.FileOffer{
			SessionID:    s.ID,
			Name:         s.File.Name,
			RelativePath: s.File.RelativePath,
			Size:         s.File.Size,
			MimeType:     s.File.MimeType,
		}
		for _, c := range s.Chunks {
			fo.Chunks = append(fo.Chunks, protocol.ChunkSpec{Index: c.Index, Offset: c.Range.Offset, Length: c.Range.Length})
		}
		offer.Files = append(offer.Files, fo)
	}

	var complete protocol.Completer
	if offer.Encryption {
		scheme := protocol.SchemeX25519
		if settings.PreSharedKey != "" {
			scheme = protocol.SchemePSK
		}
		ka, err := protocol.NewKeyAgreement(scheme, settings.PreSharedKey)
		if err != nil {
			_ = ctrl.close()
			return nil, nil, &types.NegotiationError{Err: err}
		}
		if offer.KeyAgreement, complete, err = ka.Initiate(); err != nil {
			_ = ctrl.close()
			return nil, nil, &types.NegotiationError{Err: err}
		}
	}

	fail := func(err error) (*controlConn, *protocol.TransferAccept, error) {
		_ = ctrl.close()
		if b.ctx.Err() != nil {
			return nil, nil, context.Cause(b.ctx)
		}
		var neg *types.NegotiationError
		if errors.As(err, &neg) {
			return nil, nil, err
		}
		return nil, nil, &types.NegotiationError{Err: err}
	}

	if err := ctrl.send(protocol.MsgTransferOffer, offer); err != nil {
		return fail(fmt.Errorf("failed to send offer: %w", err))
	}

	msg, err := ctrl.read(settings.AcceptTimeout + settings.ConnectionTimeout)
	if err != nil {
		return fail(fmt.Errorf("no answer to offer: %w", err))
	}

	switch msg.Type {
	case protocol.MsgTransferReject:
		var reject protocol.TransferReject
		if err := msg.Decode(&reject); err != nil {
			return fail(err)
		}
		return fail(&types.NegotiationError{Code: reject.Code, Reason: reject.Reason})

	case protocol.MsgTransferAccept:
		var accept protocol.TransferAccept
		if err := msg.Decode(&accept); err != nil {
			return fail(err)
		}
		if offer.Encryption {
			if accept.KeyAgreement == nil {
				return fail(errors.New("receiver answered without key agreement"))
			}
			secret, err := complete(accept.KeyAgreement)
			if err != nil {
				_ = ctrl.send(protocol.MsgTransferCancel, protocol.TransferCancel{
					BatchID: b.id, Reason: "key agreement failed", Failed: true,
				})
				return fail(fmt.Errorf("key agreement failed: %w", err))
			}
			b.mu.Lock()
			for _, s := range b.sessions {
				key, err := protocol.DeriveSessionKey(secret, b.id, s.ID)
				if err != nil {
					b.mu.Unlock()
					return fail(err)
				}
				b.keys[s.ID] = key
			}
			b.mu.Unlock()
		}
		if accept.Slots > 0 {
			b.turns = semaphore.NewWeighted(int64(accept.Slots))
		}
		b.setControl(ctrl)
		return ctrl, &accept, nil

	default:
		return fail(msg.Expect(protocol.MsgTransferAccept, protocol.MsgTransferReject))
	}
}

// readOutboundControl handles receiver messages after acceptance. It ends
// after the completion reply or when the connection closes.
func (m *Manager) readOutboundControl(b *outBatch, ctrl *controlConn, replies chan<- *protocol.TransferComplete) {
	for {
		msg, err := ctrl.read(0)
		if err != nil {
			if b.ctx.Err() == nil {
				for _, s := range b.live() {
					s.Fail(fmt.Errorf("control connection lost: %w", err))
				}
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
			m.applyRemoteCancel(b.sessions, c)

		case protocol.MsgTransferComplete:
			var c protocol.TransferComplete
			if err := msg.Decode(&c); err != nil {
				m.logger.Warn("Bad completion message", zap.Error(err))
				continue
			}
			replies <- &c
			return

		default:
			m.logger.Debug("Ignoring control message", zap.Stringer("type", msg.Type))
		}
	}
}

// applyRemoteCancel ends the sessions a peer's cancel message names.
func (m *Manager) applyRemoteCancel(sessions []*Session, c protocol.TransferCancel) {
	reason := c.Reason
	if reason == "" {
		reason = "no reason given"
	}
	for _, s := range sessions {
		if c.SessionID != "" && s.ID != c.SessionID {
			continue
		}
		if c.Failed {
			s.FailByPeer(fmt.Errorf("peer failed: %s", reason))
		} else {
			s.Cancel(reason, true)
		}
	}
}

func (m *Manager) sendSession(b *outBatch, s *Session) {
	if err := s.Transition(StateTransferring); err != nil {
		return
	}

	fd := b.files[s.ID]
	file, err := os.Open(fd.AbsolutePath)
	if err != nil {
		s.Fail(fmt.Errorf("failed to open %s: %w", fd.Name, err))
		return
	}
	defer file.Close()

	if info, err := file.Stat(); err != nil || info.Size() != fd.Size {
		s.Fail(fmt.Errorf("%s changed since it was queued", fd.Name))
		return
	}

	codec, err := protocol.NewCodec(protocol.CodecOptions{
		Compression:      b.req.Options.Compression,
		CompressionLevel: b.settings.CompressionLevel,
		Key:              b.key(s.ID),
	})
	if err != nil {
		s.Fail(err)
		return
	}

	g, ctx := errgroup.WithContext(s.Context())
	for _, c := range s.Chunks {
		g.Go(func() error { return m.sendChunk(ctx, b, s, c, file, codec) })
	}
	if err := g.Wait(); err != nil {
		s.Fail(err)
		return
	}

	_ = s.Transition(StateCompleting)
}

// sendChunk moves one chunk under a slot, retrying with backoff.
func (m *Manager) sendChunk(ctx context.Context, b *outBatch, s *Session, c *Chunk, file io.ReaderAt, codec *protocol.Codec) error {
	if b.turns != nil {
		if err := b.turns.Acquire(ctx, 1); err != nil {
			return context.Cause(ctx)
		}
		defer b.turns.Release(1)
	}

	slots := m.slotPool()
	if err := slots.Acquire(ctx, 1); err != nil {
		return context.Cause(ctx)
	}
	defer slots.Release(1)

	start := time.Now()
	defer func() { m.metrics.ChunkDuration.Observe(time.Since(start).Seconds()) }()

	log := m.logger.With(zap.String("session_id", string(s.ID)), zap.Int("chunk", c.Index))
	backoff := newBackoff(b.settings.ChunkRetries, b.settings.RetryBaseDelay)

	err := retry(ctx, backoff, log, func(attempt int) error {
		c.attempts.Add(1)
		c.SetState(types.ChunkInFlight)
		if err := m.sendChunkOnce(ctx, b, s, c, file, codec); err != nil {
			c.SetState(types.ChunkFailed)
			return &types.ChunkIOError{SessionID: s.ID, Index: c.Index, Err: err}
		}
		return nil
	}, func(int, error) { m.metrics.ChunkRetries.Inc() })
	if err != nil {
		return err
	}

	c.SetState(types.ChunkDone)
	log.Debug("Chunk sent", zap.Int64("bytes", c.Range.Length), zap.Duration("took", time.Since(start)))
	return nil
}

func (m *Manager) sendChunkOnce(ctx context.Context, b *outBatch, s *Session, c *Chunk, file io.ReaderAt, codec *protocol.Codec) error {
	timeout := b.settings.ConnectionTimeout
	dialer := net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer raw.Close()
	stop := context.AfterFunc(ctx, func() { _ = raw.Close() })
	defer stop()

	conn := &deadlineConn{Conn: raw, timeout: timeout}
	bufSize := int(b.settings.BufferSize.Bytes())
	w := bufio.NewWriterSize(conn, bufSize+protocol.DataHeaderSize+64)

	err = protocol.WriteMessage(w, protocol.MsgChunkRequest, protocol.ChunkRequest{
		BatchID:   b.id,
		SessionID: s.ID,
		Index:     c.Index,
		Offset:    c.Range.Offset,
		Length:    c.Range.Length,
	})
	if err != nil {
		return err
	}

	fw, err := protocol.NewFrameWriter(w, s.ID, codec)
	if err != nil {
		return permanent(err)
	}

	buf := make([]byte, bufSize)
	var sent int64
	for sent < c.Range.Length {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		n := int(min(int64(len(buf)), c.Range.Length-sent))
		offset := c.Range.Offset + sent
		read, err := file.ReadAt(buf[:n], offset)
		if read < n {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return permanent(fmt.Errorf("failed to read %s at %d: %w", s.File.Name, offset, err))
		}

		if err := fw.WriteFrame(c.Index, offset, buf[:n]); err != nil {
			return err
		}
		sent += int64(n)
		m.metrics.BytesSent.Add(float64(s.Advance(c, sent)))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush chunk: %w", err)
	}

	var ack protocol.ChunkAck
	if err := protocol.ReadExpected(conn, protocol.MsgChunkAck, &ack); err != nil {
		return fmt.Errorf("no chunk acknowledgement: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("receiver refused chunk: %s", ack.Reason)
	}
	return nil
}

// completeOutbound sends checksums for the sessions whose chunks all
// arrived and applies the receiver's verdicts.
func (m *Manager) completeOutbound(b *outBatch, ctrl *controlConn, replies <-chan *protocol.TransferComplete, log *zap.Logger) {
	var completing []*Session
	msg := protocol.TransferComplete{BatchID: b.id}
	var total int64

	for _, s := range b.sessions {
		if s.State() != StateCompleting {
			continue
		}
		res := protocol.FileResult{SessionID: s.ID, OK: true}
		if b.settings.VerifyChecksums {
			sum, err := b.files[s.ID].Checksum()
			if err != nil {
				s.Fail(fmt.Errorf("failed to checksum %s: %w", s.File.Name, err))
				continue
			}
			res.Checksum = sum
		}
		completing = append(completing, s)
		msg.Files = append(msg.Files, res)
		total += s.File.Size
	}
	if len(completing) == 0 {
		return
	}

	if err := ctrl.send(protocol.MsgTransferComplete, msg); err != nil {
		for _, s := range completing {
			s.Fail(fmt.Errorf("failed to send completion: %w", err))
		}
		return
	}

	// The receiver hashes what it wrote before answering.
	wait := b.settings.ConnectionTimeout + time.Duration(total/(32*utils.MegaByte))*time.Second
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var reply *protocol.TransferComplete
	select {
	case reply = <-replies:
	case <-timer.C:
	case <-b.ctx.Done():
	}

	results := make(map[types.SessionID]protocol.FileResult)
	if reply != nil {
		for _, r := range reply.Files {
			results[r.SessionID] = r
		}
	}

	for _, s := range completing {
		r, ok := results[s.ID]
		switch {
		case !ok && reply == nil:
			s.Fail(errors.New("no completion reply from receiver"))
		case !ok:
			s.Fail(errors.New("receiver did not report on file"))
		case !r.OK:
			s.FailByPeer(fmt.Errorf("receiver refused file: %s", r.Reason))
		default:
			if err := s.Transition(StateDone); err == nil {
				log.Debug("File delivered", zap.String("file", s.File.Name))
			}
		}
	}
}

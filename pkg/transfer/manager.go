// Package transfer moves batches of files between peers: negotiation over a
// control connection, parallel chunk connections, and the session state
// machine that ties them together.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"lanxfer/pkg/config"
	"lanxfer/pkg/history"
	"lanxfer/pkg/planner"
	"lanxfer/pkg/types"
)

// maxOfferChunks caps the chunk count a receiver accepts per offered file.
const maxOfferChunks = 64

// PeerResolver resolves send targets and lists known peers. The discovery
// service satisfies it.
type PeerResolver interface {
	Lookup(idOrName string) (types.Peer, bool)
	Snapshot() []types.Peer
}

type Options struct {
	Settings config.EngineSettings
	Logger   *zap.Logger
	// Peers is optional; without it only manual addresses can be targeted.
	Peers PeerResolver
	// History defaults to an in-memory log.
	History *history.Log
	// Registry receives the engine metrics. Nil creates a private registry.
	Registry *prometheus.Registry
}

// Stats are running totals, bumped when sessions reach a terminal state.
type Stats struct {
	FilesSent     int64
	FilesReceived int64
	BytesSent     int64
	BytesReceived int64
	Failed        int64
	Cancelled     int64
	Rejected      int64
	Active        int
}

// Manager is the transfer engine. All methods are safe for concurrent use.
type Manager struct {
	logger   *zap.Logger
	peers    PeerResolver
	history  *history.Log
	registry *prometheus.Registry
	metrics  *Metrics
	events   *broker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	mu       sync.RWMutex
	settings config.EngineSettings
	slots    *semaphore.Weighted
	sessions map[types.SessionID]*Session
	batches  map[types.BatchID][]*Session
	inbound  map[types.SessionID]*inFile
	pending  map[types.BatchID]*pendingOffer
	ended    map[string]struct{}
	listener net.Listener

	// nameMu serializes picking and claiming final file names.
	nameMu sync.Mutex

	filesSent     atomic.Int64
	filesReceived atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	failed        atomic.Int64
	cancelled     atomic.Int64
	rejected      atomic.Int64
}

// New creates a Manager. It does not listen until Listen is called.
func New(opts Options) (*Manager, error) {
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	hist := opts.History
	if hist == nil {
		hist = history.NewLog(history.NewMemoryStore(), logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:   logger,
		peers:    opts.Peers,
		history:  hist,
		registry: registry,
		metrics:  NewMetrics(registry),
		events:   newBroker(),
		ctx:      ctx,
		cancel:   cancel,
		settings: opts.Settings,
		slots:    semaphore.NewWeighted(int64(opts.Settings.MaxParallelThreads)),
		sessions: make(map[types.SessionID]*Session),
		batches:  make(map[types.BatchID][]*Session),
		inbound:  make(map[types.SessionID]*inFile),
		pending:  make(map[types.BatchID]*pendingOffer),
		ended:    make(map[string]struct{}),
	}, nil
}

// Settings returns the current settings.
func (m *Manager) Settings() config.EngineSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// ApplySettings replaces the settings. Transfers and listen cycles already
// running keep the values they started with.
func (m *Manager) ApplySettings(s config.EngineSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.MaxParallelThreads != m.settings.MaxParallelThreads {
		m.slots = semaphore.NewWeighted(int64(s.MaxParallelThreads))
	}
	m.settings = s
	return nil
}

// slotPool returns the current slot semaphore. Callers release on the same
// pool they acquired from.
func (m *Manager) slotPool() *semaphore.Weighted {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots
}

// Registry exposes the metrics registry for the metrics server.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Metrics returns the engine metrics.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// History returns the history log.
func (m *Manager) History() *history.Log { return m.history }

// Peers returns the discovered peers, or nil without a resolver.
func (m *Manager) Peers() []types.Peer {
	if m.peers == nil {
		return nil
	}
	peers := m.peers.Snapshot()
	m.metrics.DiscoveredPeers.Set(float64(len(peers)))
	return peers
}

// Subscribe returns a channel of engine events and a function that ends the
// subscription. Slow subscribers miss events rather than block the engine.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.subscribe(buffer)
}

// Send starts a batch in the background and returns at once.
func (m *Manager) Send(req types.TransferRequest) (*BatchHandle, error) {
	if m.closed.Load() {
		return nil, types.ErrEngineClosed
	}
	if len(req.Files) == 0 {
		return nil, types.ErrNoFiles
	}

	settings := m.Settings()
	addr, peer, err := m.resolve(req.Target)
	if err != nil {
		return nil, err
	}
	if req.BatchID == "" {
		req.BatchID = types.NewBatchID()
	}

	b := &outBatch{
		id:       req.BatchID,
		req:      req,
		settings: settings,
		addr:     addr,
		peer:     peer,
		files:    make(map[types.SessionID]*types.FileDescriptor, len(req.Files)),
		keys:     make(map[types.SessionID][]byte, len(req.Files)),
	}
	b.ctx, b.cancel = context.WithCancel(m.ctx)

	sessions := make([]*Session, 0, len(req.Files))
	for _, fd := range req.Files {
		plan, err := planner.Plan(fd.Size, settings.SplitThreshold.Bytes(), settings.MaxParallelThreads)
		if err != nil {
			b.cancel()
			return nil, fmt.Errorf("failed to plan %s: %w", fd.Name, err)
		}

		rel := fd.RelativePath
		if rel == "" {
			rel = fd.Name
		}
		s := newSession(b.ctx, types.NewSessionID(), b.id, types.DirectionSend, FileMeta{
			Name:         fd.Name,
			RelativePath: rel,
			Size:         fd.Size,
			MimeType:     fd.MimeType,
		}, peer, plan, settings.SpeedWindow)
		b.files[s.ID] = fd
		sessions = append(sessions, s)
	}
	b.sessions = sessions
	b.handle = newBatchHandle(b.id, sessions, b.cancel)

	for _, s := range sessions {
		s.OnTerminal(m.notifyOutbound(b))
		m.registerSession(s)
		s.OnTerminal(b.handle.sessionEnded)
	}

	m.logger.Info("Starting batch",
		zap.String("batch_id", string(b.id)),
		zap.String("peer", peer),
		zap.Int("files", len(sessions)),
		zap.Int64("total_size", req.TotalSize()))

	m.wg.Add(1)
	go m.runOutbound(b)
	return b.handle, nil
}

func (m *Manager) resolve(target types.Target) (addr, peer string, err error) {
	if target.Address != "" {
		if _, _, err := net.SplitHostPort(target.Address); err != nil {
			return "", "", fmt.Errorf("invalid address %q: %w", target.Address, err)
		}
		return target.Address, target.Address, nil
	}
	if target.PeerID == "" || m.peers == nil {
		return "", "", fmt.Errorf("%w: %q", types.ErrUnknownPeer, target.PeerID)
	}
	p, ok := m.peers.Lookup(string(target.PeerID))
	if !ok {
		return "", "", fmt.Errorf("%w: %q", types.ErrUnknownPeer, target.PeerID)
	}
	return p.Endpoint(), p.DisplayName, nil
}

// Listen starts accepting offers and chunk connections on port. Port 0 picks
// a free port; see ListenAddr. An empty saveDir uses the configured one.
func (m *Manager) Listen(port int, saveDir string) error {
	if m.closed.Load() {
		return types.ErrEngineClosed
	}

	settings := m.Settings()
	if saveDir != "" {
		settings.SaveDirectory = saveDir
	}
	dir, err := settings.ResolvedSaveDirectory()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create save directory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return fmt.Errorf("already listening on %s", m.listener.Addr())
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	m.listener = ln

	m.logger.Info("Listening for transfers",
		zap.String("address", ln.Addr().String()),
		zap.String("save_directory", dir))

	m.wg.Add(1)
	go m.acceptLoop(ln, listenConfig{settings: settings, dir: dir})
	return nil
}

// ListenAddr returns the bound address, or nil when not listening.
func (m *Manager) ListenAddr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// StopListening closes the listener. Running inbound transfers continue.
func (m *Manager) StopListening() error {
	m.mu.Lock()
	ln := m.listener
	m.listener = nil
	m.mu.Unlock()

	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Cancel stops a session, a batch, or everything when id is "" or "all".
// It is idempotent: cancelling a finished transfer returns nil.
func (m *Manager) Cancel(id string) error {
	if id == "" || id == "all" {
		m.cancelAll("cancelled by user")
		return nil
	}

	m.mu.RLock()
	s, isSession := m.sessions[types.SessionID(id)]
	batch := append([]*Session(nil), m.batches[types.BatchID(id)]...)
	_, isPending := m.pending[types.BatchID(id)]
	_, ended := m.ended[id]
	m.mu.RUnlock()

	switch {
	case isSession:
		s.Cancel("cancelled by user", false)
	case len(batch) > 0 || isPending:
		for _, s := range batch {
			s.Cancel("cancelled by user", false)
		}
		if isPending {
			_ = m.decide(types.BatchID(id), decision{reason: "cancelled by receiver"})
		}
	case ended:
	default:
		return fmt.Errorf("%w: %s", types.ErrNoSuchTransfer, id)
	}
	return nil
}

func (m *Manager) cancelAll(reason string) {
	m.mu.RLock()
	sessions := lo.Values(m.sessions)
	pending := lo.Keys(m.pending)
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Cancel(reason, false)
	}
	for _, id := range pending {
		_ = m.decide(id, decision{reason: reason})
	}
}

// Accept admits a pending offer.
func (m *Manager) Accept(batchID types.BatchID) error {
	return m.decide(batchID, decision{accept: true})
}

// Reject refuses a pending offer with reason.
func (m *Manager) Reject(batchID types.BatchID, reason string) error {
	if reason == "" {
		reason = "declined by receiver"
	}
	return m.decide(batchID, decision{reason: reason})
}

// decide hands d to the waiting offer. The decision is queued under the
// lock, so a waiter that finds its entry gone can always read it.
func (m *Manager) decide(batchID types.BatchID, d decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[batchID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNoPendingOffer, batchID)
	}
	delete(m.pending, batchID)
	p.decision <- d
	return nil
}

// PendingOffers lists offers waiting for Accept or Reject, oldest first.
func (m *Manager) PendingOffers() []OfferInfo {
	m.mu.RLock()
	offers := lo.MapToSlice(m.pending, func(_ types.BatchID, p *pendingOffer) OfferInfo { return p.info })
	m.mu.RUnlock()

	sort.Slice(offers, func(i, j int) bool { return offers[i].ExpiresAt.Before(offers[j].ExpiresAt) })
	return offers
}

// QueryProgress snapshots every active session, oldest first.
func (m *Manager) QueryProgress() []Progress {
	m.mu.RLock()
	sessions := lo.Values(m.sessions)
	m.mu.RUnlock()

	now := time.Now()
	progress := lo.Map(sessions, func(s *Session, _ int) Progress { return s.Progress(now) })
	sort.Slice(progress, func(i, j int) bool {
		if progress[i].StartedAt.Equal(progress[j].StartedAt) {
			return progress[i].SessionID < progress[j].SessionID
		}
		return progress[i].StartedAt.Before(progress[j].StartedAt)
	})
	return progress
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := len(m.sessions)
	m.mu.RUnlock()

	return Stats{
		FilesSent:     m.filesSent.Load(),
		FilesReceived: m.filesReceived.Load(),
		BytesSent:     m.bytesSent.Load(),
		BytesReceived: m.bytesReceived.Load(),
		Failed:        m.failed.Load(),
		Cancelled:     m.cancelled.Load(),
		Rejected:      m.rejected.Load(),
		Active:        active,
	}
}

// Health implements HealthSource.
func (m *Manager) Health() Health {
	m.mu.RLock()
	h := Health{
		Status:         "healthy",
		Listening:      m.listener != nil,
		ActiveSessions: len(m.sessions),
		PendingOffers:  len(m.pending),
		Timestamp:      time.Now(),
	}
	m.mu.RUnlock()

	if m.closed.Load() {
		h.Status = "closed"
	}
	if m.peers != nil {
		h.Peers = len(m.peers.Snapshot())
	}
	return h
}

// Close stops listening, cancels every transfer, waits for workers and
// closes the history store.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := m.StopListening(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	m.cancelAll("engine shutting down")
	m.cancel()
	m.wg.Wait()

	m.events.close()
	if err := m.history.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// registerSession adds s to the active set and hooks its terminal
// bookkeeping.
func (m *Manager) registerSession(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.batches[s.BatchID] = append(m.batches[s.BatchID], s)
	m.mu.Unlock()

	m.metrics.ActiveSessions.Inc()
	s.OnTerminal(m.finish)
}

const maxEndedIDs = 4096

// finish runs once per session, when it reaches a terminal state.
func (m *Manager) finish(s *Session) {
	rec := s.Record()
	m.history.Append(rec)

	m.mu.Lock()
	delete(m.sessions, s.ID)
	delete(m.inbound, s.ID)
	// Up to two IDs go in below; both must survive a reset.
	if len(m.ended)+2 > maxEndedIDs {
		m.ended = make(map[string]struct{})
	}
	m.ended[string(s.ID)] = struct{}{}
	rest := lo.Without(m.batches[s.BatchID], s)
	if len(rest) == 0 {
		delete(m.batches, s.BatchID)
		m.ended[string(s.BatchID)] = struct{}{}
	} else {
		m.batches[s.BatchID] = rest
	}
	m.mu.Unlock()

	state := s.State()
	m.metrics.ActiveSessions.Dec()
	m.metrics.Sessions.WithLabelValues(s.Direction.String(), string(state.Outcome())).Inc()

	switch state {
	case StateDone:
		if s.Direction == types.DirectionSend {
			m.filesSent.Add(1)
			m.bytesSent.Add(s.File.Size)
		} else {
			m.filesReceived.Add(1)
			m.bytesReceived.Add(s.File.Size)
		}
	case StateRejected:
		m.rejected.Add(1)
	case StateCancelled:
		m.cancelled.Add(1)
	default:
		m.failed.Add(1)
	}

	m.events.publish(Event{
		Type:      eventFor(state),
		Time:      rec.Timestamp,
		BatchID:   s.BatchID,
		SessionID: s.ID,
		Direction: s.Direction,
		FileName:  s.File.Name,
		Peer:      s.Peer,
		Reason:    rec.Reason,
	})

	fields := []zap.Field{
		zap.String("session_id", string(s.ID)),
		zap.String("batch_id", string(s.BatchID)),
		zap.String("file", s.File.Name),
		zap.String("direction", s.Direction.String()),
		zap.String("state", state.String()),
		zap.Int64("bytes", rec.BytesTransferred),
		zap.Duration("duration", rec.Duration),
	}
	switch state {
	case StateDone:
		m.logger.Info("Transfer finished", fields...)
	case StateFailed:
		m.logger.Error("Transfer failed", append(fields, zap.String("reason", rec.Reason))...)
	default:
		m.logger.Info("Transfer ended", append(fields, zap.String("reason", rec.Reason))...)
	}
}

// BatchHandle tracks the sessions of one outgoing batch.
type BatchHandle struct {
	ID types.BatchID

	sessions  []*Session
	remaining atomic.Int32
	done      chan struct{}
	release   func()
}

func newBatchHandle(id types.BatchID, sessions []*Session, release func()) *BatchHandle {
	h := &BatchHandle{ID: id, sessions: sessions, done: make(chan struct{}), release: release}
	h.remaining.Store(int32(len(sessions)))
	return h
}

func (h *BatchHandle) sessionEnded(*Session) {
	if h.remaining.Add(-1) == 0 {
		h.release()
		close(h.done)
	}
}

// SessionIDs lists the batch's sessions in file order.
func (h *BatchHandle) SessionIDs() []types.SessionID {
	return lo.Map(h.sessions, func(s *Session, _ int) types.SessionID { return s.ID })
}

// Done is closed once every session is terminal.
func (h *BatchHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the batch ends or ctx is done. It returns the joined
// errors of every session that did not finish DONE.
func (h *BatchHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err joins the errors of sessions that ended without success.
func (h *BatchHandle) Err() error {
	var errs []error
	for _, s := range h.sessions {
		if err := s.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.File.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Results snapshots every session of the batch, finished or not.
func (h *BatchHandle) Results() []Progress {
	now := time.Now()
	return lo.Map(h.sessions, func(s *Session, _ int) Progress { return s.Progress(now) })
}

// Package discovery advertises receivers on the local network and keeps a
// live set of peers seen there.
//
// Advertisements are small JSON datagrams sent to a UDP group address. When
// the group is a multicast address the listener joins it on every up
// interface; otherwise datagrams go unicast or broadcast to that address.
// Peers that stop advertising turn stale after three intervals and are
// dropped after six. A peer that stops cleanly says goodbye and is dropped
// at once.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"lanxfer/pkg/types"
)

const (
	msgAnnounce = "AN"
	msgQuery    = "QR"
	msgBye      = "BY"

	maxDatagram  = 2048
	multicastTTL = 4

	RoleAdvertise = "advertise"
	RoleListen    = "listen"
)

type advertisement struct {
	Type    string       `json:"t"`
	ID      types.PeerID `json:"id"`
	Name    string       `json:"name,omitempty"`
	Port    int          `json:"port,omitempty"`
	Version int          `json:"v,omitempty"`
}

type Config struct {
	// Port is the UDP port advertisements are sent to and received on.
	// Zero binds an ephemeral listen port, which is mostly useful in tests.
	Port int
	// Group is the destination address: multicast, broadcast or unicast.
	Group    string
	Interval time.Duration
	Version  int
	ID       types.PeerID
	Logger   *zap.Logger
	// OnError receives each DiscoveryError once per role.
	OnError func(error)
	// OnChange receives the peer count whenever the set changes.
	OnChange func(count int)
}

type Service struct {
	mu     sync.RWMutex
	cfg    Config
	logger *zap.Logger
	id     types.PeerID
	group  net.IP

	peers map[types.PeerID]*types.Peer
	order []types.PeerID

	advertising bool
	name        string
	port        int
	sendConn    *net.UDPConn
	advStop     chan struct{}

	listening  bool
	listenConn *net.UDPConn
	listenPort int
	listenStop chan struct{}

	reported map[string]bool
	wg       sync.WaitGroup
}

func New(cfg Config) (*Service, error) {
	group := net.ParseIP(cfg.Group)
	if group == nil || group.To4() == nil {
		return nil, fmt.Errorf("invalid discovery group %q", cfg.Group)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("discovery interval must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ID == "" {
		cfg.ID = types.PeerID(uuid.NewString())
	}

	return &Service{
		cfg:        cfg,
		logger:     cfg.Logger,
		id:         cfg.ID,
		group:      group.To4(),
		peers:      make(map[types.PeerID]*types.Peer),
		reported:   make(map[string]bool),
		listenPort: cfg.Port,
	}, nil
}

func (s *Service) ID() types.PeerID { return s.id }

// ListenPort returns the bound listen port, which differs from Config.Port
// only when that was zero.
func (s *Service) ListenPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenPort
}

// StartAdvertising announces name and port every interval. Calling it again
// while advertising only updates the announced values.
func (s *Service) StartAdvertising(name string, port int) error {
	s.mu.Lock()
	s.name = name
	s.port = port
	if s.advertising {
		s.mu.Unlock()
		s.announce()
		return nil
	}

	if _, err := s.ensureSendConnLocked(); err != nil {
		s.mu.Unlock()
		return s.report(RoleAdvertise, err)
	}

	s.advertising = true
	s.advStop = make(chan struct{})
	stop := s.advStop
	s.mu.Unlock()

	s.logger.Info("Starting discovery advertiser",
		zap.String("peer_id", string(s.id)),
		zap.String("name", name),
		zap.Int("port", port),
		zap.String("group", s.cfg.Group))

	s.wg.Add(1)
	go s.advertiseLoop(stop)
	return nil
}

// StartListening receives advertisements and maintains the peer set.
func (s *Service) StartListening() error {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return nil
	}

	conn, err := s.bindListener()
	if err != nil {
		s.mu.Unlock()
		return s.report(RoleListen, err)
	}
	s.listenConn = conn
	s.listenPort = conn.LocalAddr().(*net.UDPAddr).Port
	s.listening = true
	s.listenStop = make(chan struct{})
	stop := s.listenStop
	s.mu.Unlock()

	s.logger.Info("Starting discovery listener",
		zap.Int("port", s.ListenPort()),
		zap.String("group", s.cfg.Group))

	s.wg.Add(2)
	go s.readLoop(conn)
	go s.reaperLoop(stop)
	return nil
}

func (s *Service) bindListener() (*net.UDPConn, error) {
	if !s.group.IsMulticast() {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.cfg.Port})
		if err != nil {
			return nil, fmt.Errorf("failed to bind discovery port %d: %w", s.cfg.Port, err)
		}
		return conn, nil
	}

	gaddr := &net.UDPAddr{IP: s.group, Port: s.cfg.Port}
	conn, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return nil, fmt.Errorf("failed to join %s: %w", gaddr, err)
	}

	pc := ipv4.NewPacketConn(conn)
	joined := 0
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: s.group}); err == nil {
			joined++
		}
	}
	s.logger.Debug("Joined multicast group", zap.String("group", s.group.String()), zap.Int("interfaces", joined))
	return conn, nil
}

func (s *Service) ensureSendConnLocked() (*net.UDPConn, error) {
	if s.sendConn != nil {
		return s.sendConn, nil
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	if s.group.IsMulticast() {
		pc := ipv4.NewPacketConn(conn)
		_ = pc.SetMulticastTTL(multicastTTL)
		_ = pc.SetMulticastLoopback(true)
	}
	s.sendConn = conn
	return conn, nil
}

func (s *Service) advertiseLoop(stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.announce()
	for {
		select {
		case <-ticker.C:
			s.announce()
		case <-stop:
			return
		}
	}
}

func (s *Service) announce() {
	s.mu.RLock()
	if !s.advertising {
		s.mu.RUnlock()
		return
	}
	msg := advertisement{Type: msgAnnounce, ID: s.id, Name: s.name, Port: s.port, Version: s.cfg.Version}
	s.mu.RUnlock()

	if err := s.send(msg); err != nil && !errors.Is(err, net.ErrClosed) {
		s.report(RoleAdvertise, err)
	}
}

// Query asks every listener to announce itself now.
func (s *Service) Query() error {
	s.mu.Lock()
	_, err := s.ensureSendConnLocked()
	s.mu.Unlock()
	if err != nil {
		return s.report(RoleAdvertise, err)
	}
	return s.send(advertisement{Type: msgQuery, ID: s.id, Version: s.cfg.Version})
}

func (s *Service) send(msg advertisement) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.mu.RLock()
	conn := s.sendConn
	port := s.cfg.Port
	if port == 0 {
		port = s.listenPort
	}
	s.mu.RUnlock()
	if conn == nil {
		return net.ErrClosed
	}

	if _, err := conn.WriteToUDP(data, &net.UDPAddr{IP: s.group, Port: port}); err != nil {
		return fmt.Errorf("failed to send %s datagram: %w", msg.Type, err)
	}
	return nil
}

func (s *Service) readLoop(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("Discovery read error", zap.Error(err))
			continue
		}

		var msg advertisement
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			s.logger.Debug("Ignoring malformed advertisement", zap.String("from", src.String()))
			continue
		}
		s.handle(msg, src.IP.String(), time.Now())
	}
}

func (s *Service) handle(msg advertisement, srcIP string, now time.Time) {
	if msg.ID == "" || msg.ID == s.id {
		return
	}

	switch msg.Type {
	case msgBye:
		s.remove(msg.ID)
	case msgQuery:
		go s.announce()
	case msgAnnounce:
		if msg.Port <= 0 || msg.Port > 65535 {
			return
		}
		s.upsert(msg, srcIP, now)
	}
}

func (s *Service) upsert(msg advertisement, srcIP string, now time.Time) {
	name := msg.Name
	if name == "" {
		name = srcIP
	}

	s.mu.Lock()
	peer, exists := s.peers[msg.ID]
	if !exists {
		peer = &types.Peer{ID: msg.ID}
		s.peers[msg.ID] = peer
		s.order = append(s.order, msg.ID)
	}
	peer.DisplayName = name
	peer.Address = srcIP
	peer.Port = msg.Port
	peer.Version = msg.Version
	peer.LastSeen = now
	peer.Status = types.PeerOnline
	count := len(s.peers)
	s.mu.Unlock()

	if !exists {
		s.logger.Info("Discovered peer",
			zap.String("peer_id", string(msg.ID)),
			zap.String("name", name),
			zap.String("address", srcIP),
			zap.Int("port", msg.Port))
		s.changed(count)
	}
}

func (s *Service) remove(id types.PeerID) {
	s.mu.Lock()
	_, exists := s.peers[id]
	if exists {
		delete(s.peers, id)
		s.order = lo.Without(s.order, id)
	}
	count := len(s.peers)
	s.mu.Unlock()

	if exists {
		s.logger.Info("Peer left", zap.String("peer_id", string(id)))
		s.changed(count)
	}
}

func (s *Service) reaperLoop(stop chan struct{}) {
	defer s.wg.Done()

	tick := s.cfg.Interval / 2
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.expire(now)
		case <-stop:
			return
		}
	}
}

func (s *Service) staleAfter() time.Duration { return s.cfg.Interval * 3 }
func (s *Service) evictAfter() time.Duration { return s.cfg.Interval * 6 }

// expire marks peers stale and evicts those past the grace window.
func (s *Service) expire(now time.Time) {
	s.mu.Lock()
	var evicted []types.PeerID
	for id, peer := range s.peers {
		age := now.Sub(peer.LastSeen)
		switch {
		case age > s.evictAfter():
			delete(s.peers, id)
			evicted = append(evicted, id)
		case age > s.staleAfter():
			peer.Status = types.PeerStale
		}
	}
	if len(evicted) > 0 {
		s.order = lo.Without(s.order, evicted...)
	}
	count := len(s.peers)
	s.mu.Unlock()

	for _, id := range evicted {
		s.logger.Info("Evicted stale peer", zap.String("peer_id", string(id)))
	}
	if len(evicted) > 0 {
		s.changed(count)
	}
}

// Snapshot returns a copy of the peer set in discovery order.
func (s *Service) Snapshot() []types.Peer {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Peer, 0, len(s.order))
	for _, id := range s.order {
		peer := *s.peers[id]
		if now.Sub(peer.LastSeen) > s.staleAfter() {
			peer.Status = types.PeerStale
		}
		out = append(out, peer)
	}
	return out
}

// Lookup finds a peer by id, then by display name (case-insensitive).
// Online peers win over stale ones with the same name.
func (s *Service) Lookup(idOrName string) (types.Peer, bool) {
	peers := s.Snapshot()

	if peer, ok := lo.Find(peers, func(p types.Peer) bool { return string(p.ID) == idOrName }); ok {
		return peer, true
	}

	matches := lo.Filter(peers, func(p types.Peer, _ int) bool {
		return strings.EqualFold(p.DisplayName, idOrName)
	})
	if len(matches) == 0 {
		return types.Peer{}, false
	}
	if online, ok := lo.Find(matches, func(p types.Peer) bool { return p.Status == types.PeerOnline }); ok {
		return online, true
	}
	return matches[0], true
}

// Stop ends both roles and releases every socket. Close failures are
// aggregated into the returned error; a nil error means a clean stop.
func (s *Service) Stop() error {
	s.mu.Lock()
	wasAdvertising := s.advertising
	s.mu.Unlock()

	if wasAdvertising {
		if err := s.send(advertisement{Type: msgBye, ID: s.id}); err != nil {
			s.logger.Debug("Failed to send goodbye", zap.Error(err))
		}
	}

	s.mu.Lock()
	if s.advertising {
		close(s.advStop)
		s.advertising = false
	}
	listenConn := s.listenConn
	if s.listening {
		close(s.listenStop)
		s.listening = false
		s.listenConn = nil
	}
	s.mu.Unlock()

	var errs []error
	if listenConn != nil {
		if err := listenConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("listener: %w", err))
		}
	}

	s.wg.Wait()

	s.mu.Lock()
	if s.sendConn != nil {
		if err := s.sendConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sender: %w", err))
		}
		s.sendConn = nil
	}
	s.reported = make(map[string]bool)
	s.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("Discovery stopped with errors", zap.Error(err))
		return err
	}
	s.logger.Info("Discovery stopped")
	return nil
}

// report wraps err as a DiscoveryError and surfaces it once per role.
func (s *Service) report(role string, err error) error {
	derr := &types.DiscoveryError{Role: role, Err: err}

	s.mu.Lock()
	first := !s.reported[role]
	s.reported[role] = true
	s.mu.Unlock()

	if first {
		s.logger.Warn("Discovery unavailable, manual addresses still work",
			zap.String("role", role),
			zap.Error(err))
		if s.cfg.OnError != nil {
			s.cfg.OnError(derr)
		}
	}
	return derr
}

func (s *Service) changed(count int) {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(count)
	}
}

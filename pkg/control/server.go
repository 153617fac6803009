package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"lanxfer/pkg/auth"
	"lanxfer/pkg/history"
	"lanxfer/pkg/transfer"
	"lanxfer/pkg/types"
)

// Engine is what the control API needs from the transfer manager.
type Engine interface {
	QueryProgress() []transfer.Progress
	PendingOffers() []transfer.OfferInfo
	Peers() []types.Peer
	History() *history.Log
	Stats() transfer.Stats
	Cancel(id string) error
	Accept(batchID types.BatchID) error
	Reject(batchID types.BatchID, reason string) error
}

// Server serves the control API for one engine.
type Server struct {
	engine Engine
	logger *zap.Logger
	token  string

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
}

func NewServer(engine Engine, token string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine: engine,
		logger: logger.With(zap.String("component", "control")),
		token:  token,
	}
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("control server already running on %s", s.listener.Addr())
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	interceptor := auth.NewTokenInterceptor(s.token)
	server := grpc.NewServer(
		grpc.UnaryInterceptor(interceptor.UnaryServerInterceptor()),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	RegisterControlServer(server, &handler{engine: s.engine, logger: s.logger})

	s.server = server
	s.listener = listener

	s.logger.Info("Control API listening",
		zap.String("address", listener.Addr().String()),
		zap.Bool("token_required", s.token != ""))

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("Control server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop drains in-flight calls and closes the listener.
func (s *Server) Stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	if server != nil {
		server.GracefulStop()
	}
}

type handler struct {
	engine Engine
	logger *zap.Logger
}

func (h *handler) Progress(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	view := ProgressView{Sessions: []SessionView{}, Offers: []OfferView{}}
	for _, p := range h.engine.QueryProgress() {
		view.Sessions = append(view.Sessions, sessionView(p))
	}
	for _, o := range h.engine.PendingOffers() {
		view.Offers = append(view.Offers, offerView(o))
	}
	return reply(toStruct(view))
}

func (h *handler) Peers(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	view := peersView{Peers: []PeerView{}}
	for _, p := range h.engine.Peers() {
		view.Peers = append(view.Peers, NewPeerView(p))
	}
	return reply(toStruct(view))
}

func (h *handler) History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var q HistoryQuery
	if err := fromStruct(req, &q); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	records, err := h.engine.History().List(history.Query{
		Limit:   q.Limit,
		BatchID: types.BatchID(q.BatchID),
		Outcome: types.Outcome(q.Outcome),
	})
	if err != nil {
		h.logger.Error("Failed to list history", zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	if records == nil {
		records = []types.HistoryRecord{}
	}
	return reply(toStruct(historyView{Records: records}))
}

func (h *handler) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := h.engine.Stats()
	return reply(toStruct(StatsView{
		FilesSent:     st.FilesSent,
		FilesReceived: st.FilesReceived,
		BytesSent:     st.BytesSent,
		BytesReceived: st.BytesReceived,
		Failed:        st.Failed,
		Cancelled:     st.Cancelled,
		Rejected:      st.Rejected,
		Active:        st.Active,
	}))
}

func (h *handler) Cancel(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	var r idRequest
	if err := fromStruct(req, &r); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	h.logger.Info("Cancel requested", zap.String("id", r.ID))
	return &emptypb.Empty{}, statusError(h.engine.Cancel(r.ID))
}

func (h *handler) Accept(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	var r idRequest
	if err := fromStruct(req, &r); err != nil || r.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "batch id required")
	}
	return &emptypb.Empty{}, statusError(h.engine.Accept(types.BatchID(r.ID)))
}

func (h *handler) Reject(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	var r idRequest
	if err := fromStruct(req, &r); err != nil || r.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "batch id required")
	}
	return &emptypb.Empty{}, statusError(h.engine.Reject(types.BatchID(r.ID), r.Reason))
}

func reply(st *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

// statusError maps engine errors onto gRPC codes.
func statusError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, types.ErrNoSuchTransfer), errors.Is(err, types.ErrNoPendingOffer):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrEngineClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

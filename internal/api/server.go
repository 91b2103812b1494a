// Package api exposes the trading engine over gRPC as the cqt.v1.Ledger
// service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"cqt/internal/domain"
	"cqt/internal/risk"
)

// Engine is the part of engine.Engine the service calls.
type Engine interface {
	SubmitOrder(ctx context.Context, intent domain.OrderIntent) (*domain.Order, risk.Decision, error)
	CancelOrder(ctx context.Context, orderID string) (*domain.Order, error)
	Account() domain.AccountInfo
	Positions() []domain.Position
	StrategyState(strategy string) (risk.Snapshot, bool)
}

// Compile-time interface check.
var _ LedgerServer = (*Server)(nil)

// Server implements LedgerServer on top of an Engine and owns the gRPC
// listener.
type Server struct {
	engine Engine
	log    *slog.Logger
	addr   string
	grpc   *grpc.Server
}

// NewServer creates a Server that will listen on addr.
func NewServer(addr string, eng Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{engine: eng, log: log, addr: addr}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	RegisterLedgerServer(s.grpc, s)
	return s
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled, then stops gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.log.Info("starting grpc server", "addr", lis.Addr().String(), "service", ServiceName)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("stopping grpc server gracefully")
		s.grpc.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// Stop closes all connections immediately.
func (s *Server) Stop() { s.grpc.Stop() }

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	s.log.Log(ctx, level, "grpc call",
		"method", info.FullMethod, "code", status.Code(err), "duration", time.Since(start), "error", err)
	return resp, err
}

// GetAccount returns balance, reservations and marked equity.
func (s *Server) GetAccount(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(accountFields(s.engine.Account()))
}

// ListPositions returns {"positions": [...]} with every open position.
func (s *Server) ListPositions(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	positions := s.engine.Positions()
	list := make([]any, len(positions))
	for i, p := range positions {
		list[i] = positionFields(p)
	}
	return structpb.NewStruct(map[string]any{"positions": list})
}

// SubmitOrder runs an intent through the engine and returns
// {"order": ..., "decision": ...}. A risk rejection is a normal response.
func (s *Server) SubmitOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	intent, err := intentFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	order, decision, err := s.engine.SubmitOrder(ctx, intent)
	if err != nil && order == nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"order":    orderFields(order),
		"decision": decisionFields(decision),
	})
}

// CancelOrder cancels an open order by ID.
func (s *Server) CancelOrder(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "order id is required")
	}
	order, err := s.engine.CancelOrder(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"order": orderFields(order)})
}

// GetStrategyState returns a strategy's exposure and realized PnL peak.
func (s *Server) GetStrategyState(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	snap, ok := s.engine.StrategyState(req.GetValue())
	if !ok {
		return nil, status.Errorf(codes.NotFound, "strategy %q has no state", req.GetValue())
	}
	return structpb.NewStruct(snapshotFields(snap))
}

func toStatus(err error) error {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Unavailable, err.Error())
}

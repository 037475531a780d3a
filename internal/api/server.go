// Package api serves the engine's gRPC health endpoint. Every account is a
// health service named "account/<id>" that is SERVING while its broker
// session is connected; the overall service "" is SERVING only while all of
// them are.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"trader/internal/trade"
)

// ServiceName returns the health service name of an account.
func ServiceName(accountID string) string { return "account/" + accountID }

// Session is the part of a transaction session the server watches.
type Session interface {
	AccountID() string
	State() trade.ConnState
	OnStateChange(fn func(prev, next trade.ConnState))
}

// Server is the health server of one engine process.
type Server struct {
	health *health.Server
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]trade.ConnState
	gs     *grpc.Server
}

// NewServer creates a server with no accounts; the overall status starts
// NOT_SERVING until an account is watched.
func NewServer(logger *zap.Logger) *Server {
	s := &Server{
		health: health.NewServer(),
		logger: logger,
		states: make(map[string]trade.ConnState),
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Watch follows the connection state of session.
func (s *Server) Watch(session Session) {
	id := session.AccountID()
	session.OnStateChange(func(_, next trade.ConnState) { s.update(id, next) })
	s.update(id, session.State())
}

// ServingStatus maps a session state to a health status.
func ServingStatus(state trade.ConnState) healthpb.HealthCheckResponse_ServingStatus {
	if state == trade.ConnConnected {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func (s *Server) update(accountID string, state trade.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, seen := s.states[accountID]
	s.states[accountID] = state
	s.health.SetServingStatus(ServiceName(accountID), ServingStatus(state))
	overall := healthpb.HealthCheckResponse_SERVING
	for _, st := range s.states {
		if st != trade.ConnConnected {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	s.health.SetServingStatus("", overall)
	if !seen || prev != state {
		s.logger.Info("account health",
			zap.String("account", accountID),
			zap.String("state", string(state)),
			zap.String("overall", overall.String()))
	}
}

// Accounts returns the watched account ids, sorted.
func (s *Server) Accounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RegisterGRPC registers the health service on the given gRPC server
// instance.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
}

// Serve answers health checks on lis until ctx is cancelled, then stops
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	s.RegisterGRPC(gs)
	s.mu.Lock()
	s.gs = gs
	s.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-stopped:
		}
	}()
	defer close(stopped)

	s.logger.Info("health server listening", zap.String("addr", lis.Addr().String()))
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Shutdown marks every service NOT_SERVING and stops the gRPC server after
// in-flight checks complete.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.mu.Lock()
	gs := s.gs
	s.mu.Unlock()
	if gs != nil {
		gs.GracefulStop()
	}
}

package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/MEKXH/tollgate/internal/config"
	"github.com/MEKXH/tollgate/internal/requestid"
)

// metadata keys are lower case on the wire.
var requestIDKey = strings.ToLower(requestid.Header)

// Server runs the gRPC endpoint.
type Server struct {
	cfg  config.GRPCConfig
	grpc *grpc.Server
}

func New(cfg config.GRPCConfig, eng Engine) *Server {
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port <= 0 {
		cfg.Port = 18791
	}
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(requestIDInterceptor, loggingInterceptor))
	RegisterApprovalsServer(gs, NewService(eng))
	reflection.Register(gs)
	return &Server{cfg: cfg, grpc: gs}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start listens on Addr and serves until Stop is called.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", s.Addr(), err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("grpc listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Stop drains in-flight calls, or cuts them off when ctx ends first.
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

func requestIDInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	rid := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(requestIDKey); len(vals) > 0 {
			rid = strings.TrimSpace(vals[0])
		}
	}
	if rid == "" {
		rid = requestid.New()
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDKey, rid))
	return handler(requestid.With(ctx, rid), req)
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	slog.Debug("grpc call",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", requestid.From(ctx),
	)
	return resp, err
}

// Package grpc exposes the admin operations of filedrop over gRPC: manual
// expiry sweeps, token revocation and listing, live settings and test
// notifications. Every call requires an admin bearer token.
package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/filedrop/internal/logging"
	"github.com/dmitrijs2005/filedrop/internal/server/models"
	"github.com/dmitrijs2005/filedrop/internal/server/settings"
	"google.golang.org/grpc"
)

type Sweeper interface {
	RunExpirySweepNow(ctx context.Context) (int, error)
}

type ShareAdmin interface {
	Revoke(ctx context.Context, tokenID int64) error
	ListForFile(ctx context.Context, externalID string) ([]*models.ShareToken, error)
}

type SettingsStore interface {
	Current() settings.Snapshot
	Update(ctx context.Context, next settings.Snapshot) error
}

type NotificationTester interface {
	SendTest(ctx context.Context, sink string) error
}

// Deps are the collaborators the admin service calls into.
type Deps struct {
	Sweeper  Sweeper
	Shares   ShareAdmin
	Settings SettingsStore
	Notifier NotificationTester
}

type GRPCServer struct {
	Deps
	address   string
	logger    logging.Logger
	jwtSecret []byte
}

func NewGRPCServer(a string, l logging.Logger, d Deps, secretKey string) *GRPCServer {
	return &GRPCServer{
		Deps:      d,
		address:   a,
		logger:    l.With("module", "grpc_server"),
		jwtSecret: []byte(secretKey),
	}
}

// newServer builds the gRPC server with the admin service registered.
func (s *GRPCServer) newServer() *grpc.Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.accessTokenInterceptor))
	RegisterAdminServer(srv, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on l until ctx is cancelled, then stops
// gracefully.
func (s *GRPCServer) Serve(ctx context.Context, l net.Listener) error {
	srv := s.newServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", l.Addr().String())

	if err := srv.Serve(l); err != nil {
		return err
	}
	return nil
}

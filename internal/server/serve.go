package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
)

// ListenAndServe serves HTTP (and the push channel) on httpAddr and, when
// grpcAddr is not empty, the gRPC service. It returns when ctx is done or a
// listener fails.
func (s *Server) ListenAndServe(ctx context.Context, httpAddr, grpcAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.log.Info("http listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var gs *grpc.Server
	if grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			_ = httpSrv.Close()
			return fmt.Errorf("listen grpc: %w", err)
		}
		gs = grpc.NewServer()
		s.RegisterGRPC(gs)
		go func() {
			s.log.Info("grpc listening", "addr", lis.Addr().String())
			if err := gs.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		s.Run(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()

	s.closeAll("backend shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if shutdownErr := httpSrv.Shutdown(shutdownCtx); shutdownErr != nil {
		s.log.Warn("http shutdown", "error", shutdownErr)
	}
	if gs != nil {
		gs.GracefulStop()
	}
	<-sweepDone
	return err
}

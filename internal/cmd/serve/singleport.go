package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/soheilhy/cmux"
	"github.com/threadkeep/threadkeep/internal/config"
	"github.com/threadkeep/threadkeep/internal/resumer"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
)

// RunningServers holds the listeners started on the shared port.
type RunningServers struct {
	Addr       net.Addr
	Port       int
	HTTPServer *http.Server
	GRPCServer *grpc.Server
	Close      func(ctx context.Context) error
}

// StartSinglePortHTTPAndGRPC serves HTTP/1.1, h2c, and gRPC on one port.
// gRPC is dispatched by content type; everything else goes to the HTTP
// handler.
func StartSinglePortHTTPAndGRPC(
	_ context.Context,
	cfg config.ListenerConfig,
	httpHandler http.Handler,
	grpcServer *grpc.Server,
) (*RunningServers, error) {
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}

	baseLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("single-port listen failed: %w", err)
	}

	dispatch := grpcOrHTTPHandler(grpcServer, httpHandler)
	muxer := cmux.New(baseLis)
	plainLis := muxer.Match(cmux.Any())

	httpServer := &http.Server{
		Handler:           h2c.NewHandler(dispatch, &http2.Server{}),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := httpServer.Serve(plainLis); err != nil && err != http.ErrServerClosed {
			log.Error("single-port server failed", "err", err)
		}
	}()
	go func() {
		if err := muxer.Serve(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
			log.Error("single-port mux failed", "err", err)
		}
	}()

	port := 0
	if tcpAddr, ok := baseLis.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	var closeOnce sync.Once
	closeFn := func(ctx context.Context) error {
		var shutdownErr error
		closeOnce.Do(func() {
			if err := httpServer.Shutdown(ctx); err != nil && err != context.Canceled {
				shutdownErr = err
			}

			done := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				grpcServer.Stop()
			}

			_ = baseLis.Close()
		})
		return shutdownErr
	}

	return &RunningServers{
		Addr:       baseLis.Addr(),
		Port:       port,
		HTTPServer: httpServer,
		GRPCServer: grpcServer,
		Close:      closeFn,
	}, nil
}

func grpcOrHTTPHandler(grpcServer *grpc.Server, httpHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType := strings.ToLower(r.Header.Get("Content-Type"))
		if r.ProtoMajor == 2 && strings.HasPrefix(contentType, "application/grpc") {
			grpcServer.ServeHTTP(w, r)
			return
		}
		httpHandler.ServeHTTP(w, r)
	})
}

// startManagementServer starts a dedicated HTTP-only server for health and
// metrics. Returns the bound address and a shutdown function.
func startManagementServer(cfg config.ListenerConfig, handler http.Handler) (net.Addr, func(context.Context) error, error) {
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, nil, fmt.Errorf("management listen failed: %w", err)
	}

	server := &http.Server{
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	go func() {
		if err := server.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Error("management server failed", "err", err)
		}
	}()

	var closeOnce sync.Once
	closeFn := func(ctx context.Context) error {
		var shutdownErr error
		closeOnce.Do(func() {
			if err := server.Shutdown(ctx); err != nil && err != context.Canceled {
				shutdownErr = err
			}
			_ = lis.Close()
		})
		return shutdownErr
	}

	log.Info("Management server listening", "addr", lis.Addr())
	return lis.Addr(), closeFn, nil
}

// sweepResumer periodically removes expired completed recordings.
func sweepResumer(ctx context.Context, store *resumer.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Sweep(ctx)
		}
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"

	intrnl "roomchat/internal"
	"roomchat/internal/retention"
	"roomchat/internal/storage"
)

const drainTimeout = 2 * time.Second

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr        string
	server      *http.Server
	chat        *intrnl.Server
	store       *storage.Store
	limiter     ratelimit.Limiter
	logger      clog.Logger
	stopSweeper context.CancelFunc
	done        chan struct{}
	err         error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Chat exposes the real-time server, mostly for tests and diagnostics.
func (h *ServerHandle) Chat() *intrnl.Server {
	return h.chat
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, starts the retention
// sweeper and serves HTTP in the background. Call Stop/Wait to manage its
// lifecycle; cancelling ctx also shuts it down.
func RunServer(ctx context.Context, cfg ServerConfig) (*ServerHandle, error) {
	cfg.applyDefaults()
	logger := cfg.Logger
	if logger == nil {
		var err error
		if logger, err = clog.New(&cfg.Log, clog.WithNamespace("roomchat")); err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
	}

	if !isMemoryDSN(cfg.DBPath) {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var (
		chatServer *intrnl.Server
		sweeper    *retention.Sweeper
	)
	if !cfg.Retention.Disabled {
		sweeper = retention.New(store, retention.Config{
			Interval:     cfg.Retention.Interval,
			InitialDelay: cfg.Retention.InitialDelay,
			Window:       cfg.Retention.Window,
		},
			retention.WithLogger(logger.WithNamespace("sweeper")),
			retention.WithObserver(func(removed storage.SweepStats) {
				chatServer.Metrics().ObserveSweep(removed)
			}),
		)
	}
	limiter, err := intrnl.NewStandaloneLimiter(logger.WithNamespace("ratelimit"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}
	chatServer = intrnl.NewServer(store, sweeper, intrnl.ServerOptions{
		Logger:         logger,
		Limiter:        limiter,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxImageBytes:  cfg.MaxImageBytes,
		SendLimit:      cfg.RateLimit.SendLimit,
		SendWindow:     cfg.RateLimit.SendWindow,
		ConnLimit:      cfg.RateLimit.ConnLimit,
		ConnWindow:     cfg.RateLimit.ConnWindow,
	})

	var apiMiddleware []gin.HandlerFunc
	if !cfg.RateLimit.DisableAPI {
		apiMiddleware = append(apiMiddleware,
			intrnl.IPRateLimit(limiter, ratelimit.Limit{Rate: 100, Burst: 200}, logger.WithNamespace("ratelimit")))
	}

	gin.SetMode(gin.ReleaseMode)
	engine := chatServer.Routes(intrnl.RouteOptions{
		WSPath:         cfg.Path,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger.WithNamespace("http"),
		APIMiddleware:  apiMiddleware,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = limiter.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	handle := &ServerHandle{
		addr:        listener.Addr().String(),
		server:      httpServer,
		chat:        chatServer,
		store:       store,
		limiter:     limiter,
		logger:      logger,
		stopSweeper: stopSweeper,
		done:        make(chan struct{}),
	}

	if sweeper != nil {
		go sweeper.Run(sweepCtx)
	}

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server shutdown error", clog.Error(err))
		}
	}()

	go handle.serve(listener)

	logger.Info("server listening",
		clog.String("addr", handle.addr),
		clog.String("ws_path", cfg.Path),
		clog.String("db_path", cfg.DBPath))
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.stopSweeper()

	// hijacked websocket connections survive Shutdown; hang them up and give
	// their read pumps a moment to record the disconnect
	h.chat.CloseAll()
	deadline := time.Now().Add(drainTimeout)
	for h.chat.ConnectionCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	_ = h.limiter.Close()
	if err := h.store.Close(); err != nil {
		h.logger.Error("store close error", clog.Error(err))
	}
	h.err = err
}

func isMemoryDSN(path string) bool {
	return strings.Contains(path, "mode=memory") || strings.HasPrefix(path, ":memory:")
}

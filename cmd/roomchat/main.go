package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ceyewan/genesis/clog"

	"roomchat/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	mode, args := parseMode(os.Args[1:])
	flagSet := flag.NewFlagSet("roomchat", flag.ExitOnError)
	addr := flagSet.String("addr", envOrDefault("ROOMCHAT_ADDR", defaultAddrForMode(mode)), "server listen address")
	path := flagSet.String("path", envOrDefault("ROOMCHAT_PATH", app.DefaultWSPath), "websocket path")
	db := flagSet.String("db", envOrDefault("ROOMCHAT_DB_PATH", ""), "sqlite database path (defaults to a per-user path)")
	serverURL := flagSet.String("server-url", envOrDefault("ROOMCHAT_SERVER", "ws://localhost:8080/ws"), "server websocket URL (client mode)")
	username := flagSet.String("user", envOrDefault("ROOMCHAT_USER", ""), "display name")
	userID := flagSet.String("user-id", envOrDefault("ROOMCHAT_USER_ID", ""), "stable user id (defaults to one stored in the data dir)")
	quiet := flagSet.Bool("quiet", false, "only log warnings and errors")
	flagSet.Parse(args)

	roomKey := ""
	if remaining := flagSet.Args(); len(remaining) > 0 {
		roomKey = remaining[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverCfg, loadErr := app.LoadServerConfig(ctx)
	if loadErr != nil {
		serverCfg = app.DefaultServerConfig()
	}
	// flags and their env vars win over the config file
	set := map[string]bool{}
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["addr"] || os.Getenv("ROOMCHAT_ADDR") != "" || mode == modeLocal {
		serverCfg.Addr = *addr
	}
	if set["path"] || os.Getenv("ROOMCHAT_PATH") != "" {
		serverCfg.Path = app.NormalizeJoinPath(*path)
	}
	if *db != "" {
		serverCfg.DBPath = *db
	}
	if *quiet {
		serverCfg.Log.Level = "warn"
	}
	if mode == modeLocal {
		// the TUI owns the terminal
		serverCfg.Log.Output = "stderr"
		serverCfg.Log.Level = "error"
	}

	logger, err := clog.New(&serverCfg.Log, clog.WithNamespace("roomchat"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "roomchat: create logger: %v\n", err)
		os.Exit(1)
	}
	serverCfg.Logger = logger
	if loadErr != nil && mode != modeClient {
		logger.Warn("config file not loaded, using defaults", clog.Error(loadErr))
	}

	clientCfg := app.ClientConfig{
		ServerURL: *serverURL,
		Username:  *username,
		RoomKey:   roomKey,
		UserID:    *userID,
	}

	switch mode {
	case modeServer:
		err = runServerMode(ctx, serverCfg)
	case modeLocal:
		err = runLocalMode(ctx, serverCfg, clientCfg)
	default:
		err = runClientMode(clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "roomchat: %v\n", err)
		os.Exit(1)
	}
}

func runServerMode(ctx context.Context, cfg app.ServerConfig) error {
	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		return err
	}
	return handle.Wait()
}

func runClientMode(cfg app.ClientConfig) error {
	if cfg.ServerURL == "" {
		return errors.New("client mode requires --server-url or ROOMCHAT_SERVER")
	}
	return app.RunClient(cfg)
}

func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig) error {
	handle, err := app.RunServer(ctx, serverCfg)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.Path)
	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeJoinPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func defaultAddrForMode(mode string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return app.DefaultAddr
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"chatbox/server/internal/core"
	"chatbox/server/internal/httpapi"
	"chatbox/server/internal/store"
	"chatbox/server/internal/ws"

	gfshutdown "github.com/gelmium/graceful-shutdown"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

const (
	defaultArchivePath = "chatbox.db"
	shutdownTimeout    = 10 * time.Second
)

func main() {
	if RunCLI(os.Args[1:], defaultArchivePath) {
		return
	}

	addr := flag.String("addr", ":5000", "HTTP listen address")
	room := flag.String("room", core.DefaultRoom, "Default room name")
	historyOnJoin := flag.Int("history-on-join", core.DefaultHistoryOnJoin, "Messages replayed to a joining user")
	maxFrame := flag.Int64("max-frame", ws.DefaultConfig().ReadLimit, "Maximum inbound websocket frame in bytes")
	sendBuffer := flag.Int("send-buffer", ws.DefaultConfig().SendBuffer, "Per-connection outbound queue length")
	idleTimeout := flag.Duration("idle-timeout", 60*time.Second, "Drop connections silent for this long (0 disables)")
	archivePath := flag.String("archive", "", "SQLite transcript path (empty disables archiving)")
	useTLS := flag.Bool("tls", false, "Serve HTTPS with a self-signed certificate")
	tlsHost := flag.String("tls-host", "", "Hostname for the self-signed certificate")
	metricsInterval := flag.Duration("metrics-interval", 30*time.Second, "Stats log interval (0 disables)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting server", "version", Version, "addr", *addr, "room", *room, "archive", *archivePath)

	opts := core.Options{DefaultRoom: *room, HistoryOnJoin: *historyOnJoin}

	var (
		archive  *store.Store
		archiver *store.Archiver
	)
	if path := strings.TrimSpace(*archivePath); path != "" {
		var err error
		archive, err = store.Open(path)
		if err != nil {
			slog.Error("open sqlite archive", "err", err)
			os.Exit(1)
		}
		archiver = store.NewArchiver(archive, 0)
		opts.Observer = archiver.Enqueue
	}

	coord := core.NewCoordinator(opts)
	hub := ws.NewHub()
	server := httpapi.New(coord, hub, ws.Config{
		ReadLimit:   *maxFrame,
		SendBuffer:  *sendBuffer,
		IdleTimeout: *idleTimeout,
	})

	var tlsConfig *tls.Config
	if *useTLS {
		cfg, fingerprint, err := generateTLSConfig(certValidity, *tlsHost)
		if err != nil {
			slog.Error("generate tls config", "err", err)
			os.Exit(1)
		}
		tlsConfig = cfg
		server.SetTLSFingerprint(fingerprint)
		slog.Info("tls enabled", "fingerprint", fingerprint)
	}

	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	defer stopMetrics()
	archiveCtx, stopArchiver := context.WithCancel(context.Background())
	defer stopArchiver()

	if archiver != nil {
		go archiver.Run(archiveCtx)
	}
	go RunMetrics(metricsCtx, coord, hub, *metricsInterval)

	go func() {
		if err := server.Run(context.Background(), *addr, tlsConfig); err != nil {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat": func(ctx context.Context) error {
				slog.Info("shutting down http server")
				stopMetrics()
				return shutdownChat(ctx, server, archiver, stopArchiver, archive)
			},
		},
	)

	exitCode := <-wait
	slog.Info("server stopped", "exit_code", exitCode)
	os.Exit(exitCode)
}

// shutdownChat drains the websocket sessions before stopping the archiver,
// so the leave notices produced by the drain are still written.
func shutdownChat(ctx context.Context, server *httpapi.Server, archiver *store.Archiver, stopArchiver context.CancelFunc, archive *store.Store) error {
	serverErr := server.Shutdown(ctx)
	if serverErr != nil {
		slog.Error("http shutdown", "err", serverErr)
	}
	if archiver == nil {
		return serverErr
	}

	stopArchiver()
	if err := archiver.Wait(ctx); err != nil {
		return errors.Join(serverErr, fmt.Errorf("flush archive: %w", err))
	}
	slog.Info("archive flushed", "written", archiver.Written(), "dropped", archiver.Dropped())
	return errors.Join(serverErr, archive.Close())
}

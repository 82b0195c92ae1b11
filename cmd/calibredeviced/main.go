// Command calibredeviced runs the device side of the Calibre wireless
// device protocol: it accepts one desktop connection at a time on a TCP
// listener, answers the UDP discovery probe on the side, and serves
// every protocol operation against a local SQLite-backed store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/inkbridge/calibre-device/internal/config"
	"github.com/inkbridge/calibre-device/internal/diskspace"
	"github.com/inkbridge/calibre-device/internal/discovery"
	"github.com/inkbridge/calibre-device/internal/logger"
	"github.com/inkbridge/calibre-device/internal/protocol"
	"github.com/inkbridge/calibre-device/internal/store"
	"github.com/inkbridge/calibre-device/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	stateDir, err := stateDirectory()
	if err != nil {
		return fmt.Errorf("resolving state directory: %w", err)
	}
	cfg, err := config.Load(stateDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.New(logger.Config{
		Environment: cfg.Logger.Environment,
		Level:       logger.ParseLevel(cfg.Logger.Level),
	})

	if err := os.MkdirAll(cfg.Device.BooksDir, 0o755); err != nil {
		return fmt.Errorf("creating books directory: %w", err)
	}
	st, err := store.Open(cfg.Device.DatabasePath, cfg.Device.BooksDir, log.Logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		responder := discovery.New(cfg.Device.Name, cfg.Server.ListenPort, log.Logger)
		if err := responder.Serve(ctx); err != nil {
			log.Warn("discovery responder exited", "error", err)
		}
	}()

	return serve(ctx, cfg, st, log.Logger)
}

// serve accepts desktop connections one at a time on the configured
// listen address, per the Non-goal that this bridge never serves more
// than one peer concurrently.
func serve(ctx context.Context, cfg *config.Config, st *store.Store, log *slog.Logger) error {
	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Info("listening", "addr", addr)

	sessionCfg := protocol.Config{
		AppName:            "Go Calibre Bridge",
		CcVersionNumber:    "1.0.1",
		DeviceName:         cfg.Device.Name,
		DeviceKind:         cfg.Device.Model,
		AcceptedExtensions: cfg.Device.AcceptedExtensions,
		CoverHeight:        530,
		HasCardA:           cfg.Device.HasCardA,
		HasCardB:           cfg.Device.HasCardB,
		BooksDir:           cfg.Device.BooksDir,
		DeviceUUID:         cfg.Device.DeviceUUID,
		CacheDir:           cfg.Device.CacheDir,
		Password:           cfg.Auth.Password,
		IsReadSyncCol:      cfg.Device.ReadColumn,
		IsReadDateSyncCol:  cfg.Device.ReadDateColumn,
		FavoriteSyncCol:    cfg.Device.FavoriteColumn,
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warn("accept failed", "error", err)
				continue
			}
		}
		handleConnection(conn, st, sessionCfg, log)
	}
}

// handleConnection runs one session to completion before the listener
// accepts the next peer (spec.md §5: one connection at a time).
func handleConnection(conn net.Conn, st *store.Store, cfg protocol.Config, log *slog.Logger) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	log.Info("desktop connected", "peer", peer)

	status := make(logger.ChannelReporter, 20)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for update := range status {
			log.Info("status", "state", update.Status, "progress", update.Progress, "detail", update.Detail)
		}
	}()

	sess := protocol.New(transport.NewConn(conn), st, cfg, log, status, nil, nil, diskspace.Usage)
	if err := sess.Run(); err != nil {
		log.Warn("session ended with error", "peer", peer, "error", err)
	} else {
		log.Info("session ended", "peer", peer)
	}
	close(status)
	<-done
}

// stateDirectory returns the directory calibredeviced persists its
// device uuid, database, and cache under, creating it if absent.
func stateDirectory() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "calibre-device")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

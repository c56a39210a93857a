package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"rtsptap/internal/rtsptap"
	"rtsptap/pkg/rtsp"
)

func main() {
	configPath := flag.String("config", "configs/default.yaml", "path to config file")
	flag.Parse()

	cfg, err := rtsptap.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	rtsptap.InitLogger(cfg)

	session, err := rtsp.NewSession(cfg.Stream.URL, cfg.Stream.Username, cfg.Stream.Password, cfg.TransportKind())
	if err != nil {
		slog.Error("failed to create session", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, session); err != nil {
		slog.Error("session failed", "err", err)
		session.Close()
		os.Exit(1)
	}

	slog.Info("shutting down")
	session.Close()
}

func run(ctx context.Context, session *rtsp.Session) error {
	if err := session.Connect(ctx); err != nil {
		return err
	}
	session.Options(ctx)

	if err := session.Describe(ctx); err != nil {
		return err
	}
	if err := session.SetupAll(ctx); err != nil {
		return err
	}
	if err := session.Play(ctx); err != nil {
		return err
	}

	slog.Info("playing", "state", session.State())

	packets := session.Packets()
	var received uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				return nil
			}
			received++
			if received%1000 == 0 {
				slog.Debug("rtp packets received", "count", received, "last_ssrc", pkt.SSRC)
			}
		}
	}
}

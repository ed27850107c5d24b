package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/linechat/internal/config"
	"github.com/Tyrowin/linechat/internal/events"
	"github.com/Tyrowin/linechat/internal/gateway"
	"github.com/Tyrowin/linechat/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	cfg := config.NewConfigFromEnv()
	logger := setupLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("linechat stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observer := events.Observer(events.NewLogObserver(logger))
	if cfg.Events.NATSURL != "" {
		publisher, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.Subject, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		observer = events.Multi(observer, publisher)
		logger.Info("publishing lifecycle events", "url", cfg.Events.NATSURL, "subject", cfg.Events.Subject)
	}

	reactor, err := server.Listen(cfg.Server,
		server.WithLogger(logger),
		server.WithObserver(observer),
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reactor.Run(ctx)
	})

	if cfg.Gateway.Addr != "" {
		gw := gateway.New(cfg.Gateway, dialAddr(reactor), reactor, logger)
		httpServer := gateway.CreateServer(cfg.Gateway.Addr, gw.Routes())

		g.Go(func() error {
			return gateway.StartServer(httpServer)
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownErr := gateway.ShutdownServer(httpServer, shutdownTimeout)

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.Join(shutdownErr, gw.Shutdown(sctx))
		})
	}

	logger.Info("linechat started", "addr", reactor.Addr().String(), "gateway", cfg.Gateway.Addr)
	return g.Wait()
}

// dialAddr turns the reactor's bound address into one the gateway can dial.
// A wildcard listener is reached over loopback.
func dialAddr(r *server.Reactor) string {
	if tcp, ok := r.Addr().(*net.TCPAddr); ok && (tcp.IP == nil || tcp.IP.IsUnspecified()) {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(tcp.Port))
	}
	return r.Addr().String()
}

func setupLogger(levelName string) *slog.Logger {
	level := slog.LevelInfo
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

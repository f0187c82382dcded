// Command voicecore runs the translation core's WebSocket acceptor: it
// loads configuration, wires the session manager and HTTP/WS transport,
// and serves until an interrupt or termination signal arrives.
//
// Grounded on the teacher's examples/sip-test/main.go: flag parsing into
// a local Config struct, a cancellable root context, and a
// signal.Notify goroutine that cancels it on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rapidaai/voicecore/internal/config"
	"github.com/rapidaai/voicecore/internal/corelog"
	"github.com/rapidaai/voicecore/internal/session"
	"github.com/rapidaai/voicecore/internal/transport"
)

// cliConfig holds the flags controlling process startup; everything
// else about how a session behaves comes from the loaded config.Config.
type cliConfig struct {
	ConfigPath      string
	ListenHost      string
	ListenPort      string
	LogLevel        string
	ShutdownTimeout time.Duration
}

func main() {
	cli := parseFlags()

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		log.Fatalf("voicecore: config load failed: %v", err)
	}

	logLevel := cfg.LogLevel
	if cli.LogLevel != "" {
		logLevel = cli.LogLevel
	}
	logger, err := corelog.New(corelog.Options{Level: logLevel, CaptureDir: cfg.WireCaptureDir})
	if err != nil {
		log.Fatalf("voicecore: logger init failed: %v", err)
	}
	defer logger.Sync()

	manager := session.NewManager(cfg, logger, session.DefaultBuilders())

	addr := cli.ListenHost + ":" + cli.ListenPort
	srv := transport.New(addr, logger, func(ctx context.Context, conn transport.Conn) {
		s := manager.Create(conn)
		defer manager.Remove(s.ID())
		s.Run()
	}, manager.Count)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Infow("voicecore: shutdown signal received")
		cancel()
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Infow("voicecore: listening", "addr", addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("voicecore: server exited with error", "error", err.Error())
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("voicecore: http shutdown error", "error", err.Error())
	}
	manager.ShutdownAll()
}

func parseFlags() *cliConfig {
	cli := &cliConfig{}

	flag.StringVar(&cli.ConfigPath, "config", "", "path to the YAML configuration file")
	flag.StringVar(&cli.ListenHost, "host", "0.0.0.0", "listen host")
	flag.StringVar(&cli.ListenPort, "port", "8080", "listen port")
	flag.StringVar(&cli.LogLevel, "log-level", "", "overrides config.log_level when set")
	flag.DurationVar(&cli.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight sessions during shutdown")

	flag.Parse()
	return cli
}

// Command devbus runs the local observability event bus: it binds an
// HTTP/WS server, retains a bounded event history with optional durable
// append, and serves until SIGTERM/SIGINT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/devbus-oss/devbus/internal/discovery"
	"github.com/devbus-oss/devbus/internal/playback"
	"github.com/devbus-oss/devbus/internal/server"
	"github.com/devbus-oss/devbus/internal/store"
	"github.com/devbus-oss/devbus/internal/voice"
	"github.com/devbus-oss/devbus/pkg/config"
	"github.com/devbus-oss/devbus/pkg/logging"
)

func main() {
	cfg := config.Load()

	log := logging.New(logging.Options{
		Service: "devbus",
		Level:   logging.ParseLevel(os.Getenv("DEVBUS_LOG_LEVEL")),
	})
	ctx := context.Background()

	stateDir := cfg.StateDir
	if stateDir == "" {
		resolved, err := discovery.ResolveDir()
		if err != nil {
			log.Error(ctx, "resolve state dir failed", logging.Field{K: "error", V: err.Error()})
			os.Exit(1)
		}
		stateDir = resolved
	}

	reg, err := discovery.New(stateDir)
	if err != nil {
		log.Error(ctx, "discovery init failed", logging.Field{K: "error", V: err.Error()})
		os.Exit(1)
	}

	persistPath := cfg.PersistPath
	if persistPath == "" {
		persistPath = filepath.Join(stateDir, "events.jsonl")
	}
	st, err := store.New(cfg.Capacity, persistPath, log.With("store"))
	if err != nil {
		log.Error(ctx, "store init failed", logging.Field{K: "error", V: err.Error()})
		os.Exit(1)
	}
	defer st.Close()

	q := playback.New(playback.Config{
		MaxDepth:      cfg.QueueMaxDepth,
		MaxAge:        time.Duration(cfg.QueueMaxAgeMs) * time.Millisecond,
		MaxPlay:       time.Duration(cfg.QueueMaxPlayMs) * time.Millisecond,
		PlayerCommand: playerCommand(),
	}, log.With("playback"))

	var resolver *voice.Resolver
	if !cfg.VoiceDisable {
		resolver, err = voice.NewResolver(cfg.VoiceCache, false)
		if err != nil {
			log.Warn(ctx, "voice resolver init failed, continuing disabled", logging.Field{K: "error", V: err.Error()})
		}
	}

	srv := server.New(server.Config{
		Host:    cfg.Host,
		Port:    cfg.Port,
		App:     cfg.App,
		AppRoot: cfg.AppRoot,
	}, st, q, reg, resolver, log.With("server"))

	if err := srv.Start(); err != nil {
		log.Error(ctx, "start failed", logging.Field{K: "error", V: err.Error()})
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "devbus listening on %s:%d\n", cfg.Host, srv.Port())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "shutdown error", logging.Field{K: "error", V: err.Error()})
		os.Exit(1)
	}
}

// playerCommand resolves the external audio player from the
// environment; devbus never assumes a specific platform player.
func playerCommand() []string {
	cmd := os.Getenv("DEVBUS_PLAYER_CMD")
	if cmd == "" {
		return nil
	}
	return []string{cmd}
}

// veilchatd is the relay daemon: websocket event relay, history API and
// blob storage, all over content the server cannot read.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"veilchat/internal/blob"
	"veilchat/internal/config"
	"veilchat/internal/identity"
	"veilchat/internal/logging"
	"veilchat/internal/relay"
	"veilchat/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "veilchatd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	// A .env is optional; explicit environment always wins over it.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}
	db, err := store.Open(filepath.Join(cfg.DataDir, "veilchat.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	blobs, err := blob.NewStore(cfg.Blobs.Dir, cfg.Blobs.MaxBytes)
	if err != nil {
		return err
	}

	signer, err := identity.NewSigner(cfg.SigningKeys...)
	if err != nil {
		return err
	}

	srv := relay.New(relay.Options{
		Log:             log,
		Signer:          signer,
		Users:           db,
		Messages:        db,
		Blobs:           blobs,
		EventsPerSecond: cfg.Rate.EventsPerSecond,
		Burst:           cfg.Rate.Burst,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx, cfg.Addr)
}

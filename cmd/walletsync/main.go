package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"walletsync/internal/config"
	"walletsync/internal/enc"
	"walletsync/internal/logging"
	"walletsync/internal/store"
	"walletsync/internal/syncer"
	"walletsync/internal/transport"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("walletsync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.Bool("sync", cfg.HasSyncServer()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	if !cfg.HasSyncServer() {
		// Sync-off mode: the store keeps recording rows locally and the
		// process idles until a server is configured.
		logger.Info("no sync server configured, running in local-only mode")
		<-ctx.Done()

		return nil
	}

	cipher, err := buildCipher(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	svc, err := syncer.NewService(db, cipher, syncer.ServiceConfig{
		UserID:        cfg.UserID,
		Version:       Version,
		SchemaVersion: store.SchemaVersion,
	}, logger.With(slog.String("component", "syncer")))
	if err != nil {
		return fmt.Errorf("building sync service: %w", err)
	}

	tr := transport.NewWorker(transport.Config{
		URL:      cfg.SyncURL,
		Token:    cfg.SyncToken,
		UserID:   cfg.UserID,
		DeviceID: svc.DeviceID(),
	}, logger.With(slog.String("component", "transport")))

	worker := syncer.NewWorker(svc, db, tr, nil, syncer.Config{
		SyncInterval:     cfg.SyncInterval,
		DebounceInterval: cfg.DebounceInterval,
	}, logger.With(slog.String("component", "syncer")))
	defer worker.Close()

	unsubscribe := worker.OnConnectionStateChange(func(state transport.ConnState) {
		logger.Info("connection state", slog.String("state", string(state)))
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := worker.Start(gctx); err != nil {
			return fmt.Errorf("starting sync worker: %w", err)
		}

		worker.StartIntervalSync()

		<-gctx.Done()

		return nil
	})

	return g.Wait()
}

// buildCipher derives the encryption service from the configured
// credential. The data key is a random 32-byte key wrapped under the
// credential-derived wrapping key and persisted in the key registry, so
// every device of the user shares one data key. Without the credential
// this fails and nothing syncs.
func buildCipher(ctx context.Context, cfg *config.Config, db *store.Store, logger *slog.Logger) (*enc.Service, error) {
	cred, err := enc.NewPassphraseCredential(cfg.CredentialPassphrase)
	if err != nil {
		return nil, fmt.Errorf("building credential: %w", err)
	}

	reg, err := db.GetKeyRegistry(cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("reading key registry: %w", err)
	}

	if reg != nil {
		for _, key := range reg.Keys {
			if key.IsKeyWrapped && key.Algorithm == store.AlgorithmAESGCM {
				svc, err := enc.NewServiceFromWrapped(ctx, cred, enc.DefaultPRFSalt, key.Key)
				if err != nil {
					return nil, fmt.Errorf("unwrapping data key: %w", err)
				}

				logger.Info("encryption ready", slog.String("key_id", key.ID))

				return svc, nil
			}
		}

		return nil, fmt.Errorf("key registry for %s holds no wrapped data key", cfg.UserID)
	}

	// First run for this user: mint a data key, wrap it, register it.
	svc, err := enc.NewService(ctx, cred, enc.DefaultPRFSalt)
	if err != nil {
		return nil, fmt.Errorf("deriving keys: %w", err)
	}

	dataKey, err := enc.NewDataKey()
	if err != nil {
		return nil, err
	}

	wrapped, err := svc.WrapKey(dataKey)
	if err != nil {
		return nil, err
	}

	sealed, err := enc.NewServiceFromWrapped(ctx, cred, enc.DefaultPRFSalt, wrapped)
	if err != nil {
		return nil, fmt.Errorf("sealing data key: %w", err)
	}

	reg = &store.EncryptKeyRegistry{
		ID:           uuid.NewString(),
		UserID:       cfg.UserID,
		CredentialID: cfg.DeviceName,
		Keys: []store.EncryptKey{{
			ID:           uuid.NewString(),
			Type:         store.KeySymmetric,
			Algorithm:    store.AlgorithmAESGCM,
			Key:          wrapped,
			IsKeyWrapped: true,
		}},
	}

	if err := db.SaveKeyRegistry(*reg); err != nil {
		return nil, fmt.Errorf("saving key registry: %w", err)
	}

	logger.Info("registered encryption key", slog.String("registry_id", reg.ID))

	return sealed, nil
}

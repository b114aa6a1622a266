// Package backend opens the session repository selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/sessionkeeper/internal/codec"
	"github.com/ashureev/sessionkeeper/internal/config"
	"github.com/ashureev/sessionkeeper/internal/metrics"
	"github.com/ashureev/sessionkeeper/internal/store"
	"github.com/ashureev/sessionkeeper/internal/store/filestore"
	"github.com/ashureev/sessionkeeper/internal/store/memstore"
	"github.com/ashureev/sessionkeeper/internal/store/pgstore"
	"github.com/ashureev/sessionkeeper/internal/store/s3store"
)

// Open constructs the configured backend and ensures its schema or layout
// exists. When m is non-nil the repository is instrumented.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (store.Repository, error) {
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, store.Validation(err)
	}
	opts := []store.Option{store.WithCodec(c), store.WithLogger(logger)}

	var repo store.Repository
	switch cfg.Backend {
	case config.BackendSQLite:
		repo, err = store.NewSQLite(cfg.DBPath, opts...)
	case config.BackendPostgres:
		repo, err = pgstore.New(ctx, cfg.PostgresDSN, opts...)
	case config.BackendFile:
		repo, err = filestore.New(cfg.SessionDir, opts...)
	case config.BackendS3:
		repo, err = s3store.Open(ctx, s3store.Config{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		}, opts...)
	case config.BackendMemory:
		repo = memstore.New(opts...)
	default:
		return nil, store.Validation(fmt.Errorf("unknown backend %q", cfg.Backend))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	logger.Info("Session store opened", "backend", cfg.Backend, "codec", c.Name())
	if m != nil {
		return m.InstrumentRepository(repo, cfg.Backend), nil
	}
	return repo, nil
}

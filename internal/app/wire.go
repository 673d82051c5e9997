package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"ciphergroup/internal/group"
	"ciphergroup/internal/observability/logging"
	"ciphergroup/internal/observability/metrics"
	"ciphergroup/internal/relay"
	"ciphergroup/internal/services/identity"
	"ciphergroup/internal/services/membership"
	"ciphergroup/internal/services/message"
	"ciphergroup/internal/services/prekey"
	"ciphergroup/internal/services/syncer"
	"ciphergroup/internal/store"
)

const dbName = "ciphergroup.db"

// Wire bundles the store, services and clients the CLI works with.
type Wire struct {
	Store      *store.Store
	Identity   *identity.Service
	Groups     *group.Registry
	Membership *membership.Service
	Messages   *message.Service
	Sync       *syncer.Service
	Relay      *relay.HTTP
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Log        *slog.Logger
}

// NewWire constructs the dependency graph from cfg.
func NewWire(ctx context.Context, cfg Config) (*Wire, error) {
	log := logging.NewLogger(logging.Config{
		ServiceName: "ciphergroup",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Output:      cfg.LogOutput,
	})
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var st *store.Store
	if cfg.Home == "" {
		st = store.NewMemory()
	} else {
		if err := identity.CheckPassphrase(cfg.Passphrase); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", cfg.Home, err)
		}
		var err error
		if st, err = store.Open(ctx, filepath.Join(cfg.Home, dbName), cfg.Passphrase); err != nil {
			return nil, err
		}
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	ids := identity.New(st,
		prekey.NewGenerator(cfg.PreKeyLifetime, nil),
		identity.WithPoolSize(cfg.PreKeyPool),
		identity.WithLogger(log),
	)
	rc := relay.NewHTTP(cfg.BaseURL, ids,
		relay.WithHTTPClient(httpClient),
		relay.WithRequestKeys(cfg.ServicePubKey, cfg.DIDKey),
		relay.WithRetry(cfg.RetryAttempts, 0),
		relay.WithMetrics(m),
		relay.WithLogger(log),
	)
	groups := group.NewRegistry(st,
		group.WithRetention(cfg.EpochRetention),
		group.WithLogger(log),
	)
	members := membership.New(groups, ids, st, rc,
		membership.WithMetrics(m),
		membership.WithLogger(log),
	)
	msgs := message.New(groups,
		message.WithMetrics(m),
		message.WithLogger(log),
	)
	sync := syncer.New(members, groups, st, rc,
		syncer.WithMaxBuffered(cfg.MaxBuffered),
		syncer.WithParallel(cfg.SyncParallel),
		syncer.WithMetrics(m),
		syncer.WithLogger(log),
	)

	return &Wire{
		Store:      st,
		Identity:   ids,
		Groups:     groups,
		Membership: members,
		Messages:   msgs,
		Sync:       sync,
		Relay:      rc,
		Metrics:    m,
		Registry:   reg,
		Log:        log,
	}, nil
}

// Close releases the store.
func (w *Wire) Close() error { return w.Store.Close() }

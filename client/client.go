// Package client wires the ledger transports, resolver, prover and migration
// builder into one handle configured from a Config.
package client

import (
	"context"
	"fmt"

	"github.com/cpswap/cpswap/core/types"
	"github.com/cpswap/cpswap/ledger"
	"github.com/cpswap/cpswap/log"
	"github.com/cpswap/cpswap/metrics"
	"github.com/cpswap/cpswap/migration"
	"github.com/cpswap/cpswap/prover"
	"github.com/cpswap/cpswap/resolver"
)

// Client bundles the components built from one Config.
type Client struct {
	Resolver *resolver.Resolver
	Prover   *prover.Coordinator

	// Builder is nil when the config lacks the accounts needed to build
	// migrations.
	Builder *migration.Builder

	config  Config
	log     *log.Logger
	closers []func()
}

// Dial connects to the configured endpoints. The indexer shares the RPC
// connection when both URLs are the same.
func Dial(ctx context.Context, cfg Config, logger *log.Logger, m *metrics.Collectors) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limit := ledger.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst)
	store, err := ledger.DialRPC(ctx, cfg.RPCURL, limit)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.RPCURL, err)
	}
	closers := []func(){store.Close}
	indexer := store
	if url := cfg.IndexerEndpoint(); url != cfg.RPCURL {
		indexer, err = ledger.DialRPC(ctx, url, limit)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("client: dial %s: %w", url, err)
		}
		closers = append(closers, indexer.Close)
	}
	c, err := New(store, indexer, cfg, logger, m)
	if err != nil {
		for _, fn := range closers {
			fn()
		}
		return nil, err
	}
	c.closers = closers
	return c, nil
}

// New builds a Client over existing tier implementations. A nil logger uses
// the default logger.
func New(store ledger.AccountStore, indexer ledger.Indexer, cfg Config, logger *log.Logger, m *metrics.Collectors) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &Client{
		Resolver: resolver.New(store, indexer,
			resolver.WithLogger(logger),
			resolver.WithMetrics(m),
			resolver.WithConcurrency(cfg.Concurrency)),
		Prover: prover.New(indexer,
			prover.WithLogger(logger),
			prover.WithMetrics(m)),
		config: cfg,
		log:    logger.Module("client"),
	}
	if mc, err := cfg.Migration(); err == nil {
		c.Builder = migration.NewBuilder(mc, c.Resolver, c.Prover,
			migration.WithLogger(logger),
			migration.WithMetrics(m))
	} else {
		c.log.Debug("migration builder disabled", "reason", err)
	}
	return c, nil
}

// Config returns the configuration the client was built from.
func (c *Client) Config() Config { return c.config }

// BuildMigration builds a migration instruction. It fails when the client
// was configured without the migration accounts.
func (c *Client) BuildMigration(ctx context.Context, targets []migration.Target, dir migration.Direction) (*types.Instruction, error) {
	if c.Builder == nil {
		_, err := c.config.Migration()
		return nil, err
	}
	return c.Builder.BuildMigration(ctx, targets, dir)
}

// Close releases the transports opened by Dial.
func (c *Client) Close() {
	for _, fn := range c.closers {
		fn()
	}
	c.closers = nil
}

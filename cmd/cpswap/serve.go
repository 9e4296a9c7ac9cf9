package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cpswap/cpswap/client"
	"github.com/cpswap/cpswap/devnet"
	"github.com/cpswap/cpswap/ledger"
	"github.com/cpswap/cpswap/log"
	"github.com/cpswap/cpswap/metrics"
)

const shutdownTimeout = 5 * time.Second

// newDevnetHandler serves the ledger, indexer and dev namespaces of dn.
func newDevnetHandler(dn *devnet.Devnet) (http.Handler, func(), error) {
	srv, err := ledger.NewServer(dn, dn)
	if err != nil {
		return nil, nil, err
	}
	if err := dn.Register(srv); err != nil {
		srv.Stop()
		return nil, nil, err
	}
	return srv, srv.Stop, nil
}

// newRegistry creates the process registry holding the cpswap collectors
// and the Go runtime collector.
func newRegistry() (*prometheus.Registry, *metrics.Collectors, error) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, nil, err
	}
	reg.MustRegister(collectors.NewGoCollector())
	return reg, m, nil
}

// writeMetricsFile dumps reg to path in the text exposition format. An
// empty path is a no-op.
func writeMetricsFile(path string, reg prometheus.Gatherer, stderr io.Writer) {
	if path == "" {
		return
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		fmt.Fprintf(stderr, "write metrics: %v\n", err)
	}
}

func newMetricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// runServe runs an in-memory development ledger until interrupted.
func runServe(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("serve", stderr)
	configPath := fs.String("config", "", "YAML config file")
	listen := fs.String("listen", "127.0.0.1:8899", "JSON-RPC listen address")
	if exit, code := parseArgs(fs, args); exit {
		return code
	}
	cfg, logger, err := loadEnv(*configPath, stderr)
	if err != nil {
		return fail(stderr, "load config", err)
	}
	ctx, cancel := signalContext()
	defer cancel()
	if err := serve(ctx, cfg, *listen, logger); err != nil {
		return fail(stderr, "serve", err)
	}
	return 0
}

// serve blocks until ctx is canceled or a listener fails.
func serve(ctx context.Context, cfg client.Config, listen string, logger *log.Logger) error {
	reg, m, err := newRegistry()
	if err != nil {
		return err
	}
	dn := devnet.New(cfg.ProgramID, cfg.StateTree, cfg.StateQueue, logger, devnet.WithMetrics(m))
	rpcHandler, stop, err := newDevnetHandler(dn)
	if err != nil {
		return err
	}
	defer stop()

	servers := []*http.Server{{Addr: listen, Handler: rpcHandler}}
	if cfg.MetricsAddr != "" {
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: newMetricsHandler(reg)})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s // per-iteration copy (go1.22 loopvar semantics on older toolchains)
		logger.Info("listening", "addr", s.Addr)
		g.Go(func() error {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			s.Shutdown(sctx)
		}
		return nil
	})
	return g.Wait()
}

// Package metrics exposes Prometheus collectors for tier lookups, proof
// requests, migration builds and development ledger executions. A nil
// *Collectors is a valid no-op, so components can accept one
// unconditionally.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cpswap"

// Label values shared by the callers.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultNoop  = "noop"
)

// Collectors groups every metric the client records.
type Collectors struct {
	tierLookups   *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	proofRequests *prometheus.CounterVec
	proofLatency  prometheus.Histogram
	builds        *prometheus.CounterVec
	applied       *prometheus.CounterVec
	migrated      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		tierLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_lookups_total",
			Help:      "Tier lookups issued by the resolver, by tier and result.",
		}, []string{"tier", "result"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Completed resolutions by the tier that held the account.",
		}, []string{"tier"}),
		proofRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proof_requests_total",
			Help:      "Validity proof requests sent to the indexer, by result.",
		}, []string{"result"}),
		proofLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proof_request_seconds",
			Help:      "Round trip time of validity proof requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migration_builds_total",
			Help:      "Migration builds by direction and result.",
		}, []string{"direction", "result"}),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devnet",
			Name:      "instructions_total",
			Help:      "Migration instructions executed by the development ledger, by direction and result.",
		}, []string{"direction", "result"}),
		migrated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "devnet",
			Name:      "migrated_accounts_total",
			Help:      "Accounts moved between tiers by the development ledger.",
		}, []string{"direction"}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{c.tierLookups, c.resolutions, c.proofRequests, c.proofLatency, c.builds, c.applied, c.migrated} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return c, nil
}

// TierLookup records one lookup against tier ("direct" or "compacted").
func (c *Collectors) TierLookup(tier string, err error) {
	if c == nil {
		return
	}
	c.tierLookups.WithLabelValues(tier, result(err)).Inc()
}

// Resolution records the tier a resolution settled on.
func (c *Collectors) Resolution(tier string) {
	if c == nil {
		return
	}
	c.resolutions.WithLabelValues(tier).Inc()
}

// ProofRequest records one indexer round trip and its latency.
func (c *Collectors) ProofRequest(elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	c.proofRequests.WithLabelValues(result(err)).Inc()
	c.proofLatency.Observe(elapsed.Seconds())
}

// Build records a migration build outcome. res is one of ResultOK,
// ResultError or ResultNoop.
func (c *Collectors) Build(direction, res string) {
	if c == nil {
		return
	}
	c.builds.WithLabelValues(direction, res).Inc()
}

// Applied records one executed instruction and the accounts it migrated.
func (c *Collectors) Applied(direction string, migrated int, err error) {
	if c == nil {
		return
	}
	c.applied.WithLabelValues(direction, result(err)).Inc()
	if err == nil {
		c.migrated.WithLabelValues(direction).Add(float64(migrated))
	}
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Package covered implements the COVERED manager: victim tracking,
// cross-edge popularity aggregation, and the background placement
// deployer, active only when a node's Config.CacheVariant is
// "covered" (resolved once at node construction in internal/node).
package covered

import (
	"context"
	"sync"
	"time"

	"github.com/covered-cache/edgecache/internal/hashring"
	"github.com/covered-cache/edgecache/internal/logging"
	"github.com/covered-cache/edgecache/internal/metrics"
)

// PlacementJob is a computed best-placement edgeset awaiting deployment.
type PlacementJob struct {
	Key     string
	Edgeset []hashring.EdgeID
}

// Manager bundles the three COVERED sub-components behind one handle a
// node threads through its cache server and beacon server.
type Manager struct {
	Victims    *VictimTracker
	Popularity *PopularityAggregator
	deployer   *PlacementDeployer

	rateMu sync.Mutex
	rates  map[hashring.EdgeID]*RateCounter
	window time.Duration

	jobs chan PlacementJob
	log  logging.Logger
	m    *metrics.Metrics
}

// New builds a Manager. victimTopN and changeRatio come straight from
// Config.Covered; deployer may be nil until internal/node finishes
// wiring the rest of the node (SetDeployer fills it in), since the
// deployer's fetch/admit/directory callbacks close over components
// that are constructed after the Manager in internal/node's startup
// order.
func New(victimTopN int, changeRatio float64, objectSize int64, margin MarginFunc, rateWindow time.Duration, log logging.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		Victims:    NewVictimTracker(victimTopN),
		Popularity: NewPopularityAggregator(changeRatio, objectSize, margin),
		rates:      make(map[hashring.EdgeID]*RateCounter),
		window:     rateWindow,
		jobs:       make(chan PlacementJob, 64),
		log:        log,
		m:          m,
	}
}

// SetDeployer attaches the placement deployer once internal/node has
// constructed the fetch/admit/directory-update callbacks it needs.
func (mgr *Manager) SetDeployer(d *PlacementDeployer) {
	mgr.deployer = d
}

// RecordRequest feeds edge's rolling rate counter, read back through
// RequestRate. The placement margin function does not use it.
func (mgr *Manager) RecordRequest(edge hashring.EdgeID) {
	mgr.rateMu.Lock()
	rc, ok := mgr.rates[edge]
	if !ok {
		rc = NewRateCounter(mgr.window)
		mgr.rates[edge] = rc
	}
	mgr.rateMu.Unlock()
	rc.Record()
}

// RequestRate reports edge's current rolling request rate.
func (mgr *Manager) RequestRate(edge hashring.EdgeID) float64 {
	mgr.rateMu.Lock()
	rc, ok := mgr.rates[edge]
	mgr.rateMu.Unlock()
	if !ok {
		return 0
	}
	return rc.Rate()
}

// IngestPopularity folds a peer's reported popularity into the
// aggregator and, if it triggers a placement recompute, enqueues the
// resulting edgeset for background deployment.
func (mgr *Manager) IngestPopularity(key string, src hashring.EdgeID, cp float64, isGlobalCached, isSourceCached, wantPlacement bool) {
	edgeset, recomputed := mgr.Popularity.Update(key, src, cp, isGlobalCached, isSourceCached, wantPlacement)
	if !recomputed || len(edgeset) == 0 {
		return
	}
	select {
	case mgr.jobs <- PlacementJob{Key: key, Edgeset: edgeset}:
	default:
		if mgr.log != nil {
			mgr.log.Warnw("covered: placement queue full, dropping job", "key", key)
		}
	}
}

// Run drains the placement job queue until ctx is done, deploying
// each job as it arrives. Intended to run in its own goroutine.
func (mgr *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-mgr.jobs:
			if mgr.deployer == nil {
				continue
			}
			if err := mgr.deployer.Deploy(ctx, job.Key, job.Edgeset); err != nil && mgr.log != nil {
				mgr.log.Warnw("covered: placement deploy failed", "key", job.Key, "err", err)
			}
		}
	}
}

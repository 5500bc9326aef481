package covered

import (
	"context"
	"fmt"

	"github.com/covered-cache/edgecache/internal/hashring"
	"github.com/covered-cache/edgecache/internal/logging"
	"github.com/covered-cache/edgecache/internal/metrics"
	"github.com/covered-cache/edgecache/internal/wire"
	multierror "github.com/hashicorp/go-multierror"
)

// FetchFunc performs the hybrid fetch behind placement: pull value
// from a current cacher if one exists, falling back to the origin.
// Callers supply the concrete strategy (internal/node wires this to
// the cache server's own Get: local store, then a cacher found through
// the directory, then the origin).
type FetchFunc func(ctx context.Context, key string) (wire.Value, error)

// AdmitFunc admits value for key onto edge -- locally if edge is this
// node, over the wire otherwise.
type AdmitFunc func(ctx context.Context, edge hashring.EdgeID, key string, value wire.Value) error

// DirectoryUpdateFunc tells key's beacon that edge now caches key.
type DirectoryUpdateFunc func(ctx context.Context, key string, edge hashring.EdgeID) error

// PlacementDeployer runs the background pipeline for a non-empty
// placement edgeset: fetch once, admit everywhere, then update the
// directory. The admit+directory steps run per edge since they are
// independent once the value is in hand.
type PlacementDeployer struct {
	fetch     FetchFunc
	admit     AdmitFunc
	dirUpdate DirectoryUpdateFunc
	log       logging.Logger
	metrics   *metrics.Metrics
}

// NewPlacementDeployer wires a deployer from its three collaborator
// functions.
func NewPlacementDeployer(fetch FetchFunc, admit AdmitFunc, dirUpdate DirectoryUpdateFunc, log logging.Logger, m *metrics.Metrics) *PlacementDeployer {
	return &PlacementDeployer{fetch: fetch, admit: admit, dirUpdate: dirUpdate, log: log, metrics: m}
}

// Deploy fetches key once and admits+directory-updates it on every
// edge in edgeset. Every step's total bandwidth is charged to the
// cross-edge-control counters by the caller's wire.Header bookkeeping;
// Deploy itself just drives the sequence.
func (d *PlacementDeployer) Deploy(ctx context.Context, key string, edgeset []hashring.EdgeID) error {
	if len(edgeset) == 0 {
		return nil
	}
	value, err := d.fetch(ctx, key)
	if err != nil {
		return fmt.Errorf("covered: hybrid fetch for placement of %q: %w", key, err)
	}

	var errs error
	for _, edge := range edgeset {
		if err := d.admit(ctx, edge, key, value); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("covered: admit on edge %d: %w", edge, err))
			continue
		}
		if err := d.dirUpdate(ctx, key, edge); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("covered: directory update for edge %d: %w", edge, err))
		}
	}
	if d.metrics != nil {
		d.metrics.PlacementDecisions.Inc()
	}
	if errs != nil && d.log != nil {
		d.log.Warnw("covered: placement deploy had partial failures", "key", key, "err", errs)
	}
	return errs
}

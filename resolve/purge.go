package resolve

import (
	"context"
	"time"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/csn"
	"github.com/dirsrv/replication/ruv"
	"go.uber.org/zap"
)

// PurgeStats reports one tombstone sweep.
type PurgeStats struct {
	Horizon    csn.CSN
	Tombstones int
	// Values counts value states dropped from live entries.
	Values int
}

// Horizon returns the CSN below which state can be discarded: older than
// delay, and seen by every replica in r.
func Horizon(now time.Time, delay time.Duration, r *ruv.RUV) csn.CSN {
	h := csn.CSN{Time: uint32(now.Add(-delay).Unix())}
	for _, el := range r.Elements() {
		if el.MaxCSN.Less(h) {
			h = el.MaxCSN
		}
	}
	return h
}

// PurgeTombstones removes tombstones older than the purge delay. In full
// mode a tombstone also needs its delete CSN below the horizon derived from
// covered, and live entries drop value state below that horizon.
func (r *Resolver) PurgeTombstones(ctx context.Context, covered *ruv.RUV) (PurgeStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	cutoff := csn.CSN{Time: uint32(now.Add(-r.config.PurgeDelay).Unix())}
	stats := PurgeStats{Horizon: Horizon(now, r.config.PurgeDelay, covered)}

	var (
		purge   []string
		compact []*replication.Entry
	)
	err := r.store.WalkEntries(ctx, func(e *replication.Entry) error {
		if e.Tombstone() {
			if !e.DeleteCSN.Less(cutoff) {
				return nil
			}
			if r.config.FastTombstonePurging || e.DeleteCSN.Less(stats.Horizon) {
				purge = append(purge, e.DN)
			}
			return nil
		}
		if r.config.FastTombstonePurging {
			return nil
		}
		if n := e.Compact(stats.Horizon); n > 0 {
			stats.Values += n
			compact = append(compact, e)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	for _, dn := range purge {
		if err := r.store.DeleteEntry(ctx, dn); err != nil {
			return stats, err
		}
		stats.Tombstones++
	}
	for _, e := range compact {
		if err := r.store.WriteEntry(ctx, e); err != nil {
			return stats, err
		}
	}

	if r.metrics != nil {
		r.metrics.Purged.WithLabelValues(r.suffix).Add(float64(stats.Tombstones))
	}
	if stats.Tombstones > 0 || stats.Values > 0 {
		r.log.Info("Tombstones purged",
			zap.Int("tombstones", stats.Tombstones),
			zap.Int("values", stats.Values),
			zap.Stringer("horizon", stats.Horizon))
	}
	return stats, nil
}

// Run sweeps tombstones every TombstonePurgeInterval until ctx is done.
// covered returns the local RUV at the time of each sweep.
func (r *Resolver) Run(ctx context.Context, covered func() *ruv.RUV) error {
	interval := r.config.TombstonePurgeInterval
	if interval <= 0 {
		interval = DefaultTombstonePurgeInterval
	}
	ticker := r.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.PurgeTombstones(ctx, covered()); err != nil {
				r.log.Error("Tombstone purge failed", zap.Error(err))
			}
		}
	}
}

// Package consolidator runs the background decay/merge/prune sweep
// over a tenant's units. It is schedulable on a cron spec or
// invokable on demand, and every mutation it makes goes through the
// same serialized per-tenant write path as a normal insert, so it is
// safe under concurrent writes.
package consolidator

import (
	"context"
	"math"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/simplemem/simplemem/internal/memory"
	"github.com/simplemem/simplemem/internal/store"
	"github.com/simplemem/simplemem/internal/synthesizer"
)

// maxConcurrentSweeps bounds how many tenants' sweeps run at once, so
// one scheduled tick over many tenants doesn't open unbounded
// concurrent vector searches against the store.
const maxConcurrentSweeps = 4

// Defaults chosen as safe, tunable starting points.
const (
	DefaultMergeThreshold = 0.88 // τ_merge
	DefaultPruneThreshold = 0.05 // θ_prune
	DefaultLambda = math.Ln2 / (30 * 24 * float64(time.Hour)) // ~30-day half-life
	DefaultGracePeriod = 7 * 24 * time.Hour
	DefaultMergeSampleK = 8
)

// Config tunes one consolidation sweep.
type Config struct {
	DecayLambda float64
	MergeThreshold float64
	PruneThreshold float64
	GracePeriod time.Duration
	MergeSampleK int
	CronSpec string // e.g. "@daily"; empty disables scheduled runs
}

func (c *Config) applyDefaults() {
	if c.DecayLambda == 0 {
		c.DecayLambda = DefaultLambda
	}
	if c.MergeThreshold == 0 {
		c.MergeThreshold = DefaultMergeThreshold
	}
	if c.PruneThreshold == 0 {
		c.PruneThreshold = DefaultPruneThreshold
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MergeSampleK == 0 {
		c.MergeSampleK = DefaultMergeSampleK
	}
}

// Report summarizes one tenant's sweep.
type Report struct {
	Decayed int
	Merged int
	Pruned int
}

// Consolidator runs the decay/merge/prune maintenance pass on a
// cron-driven schedule rather than a fixed ticker interval.
type Consolidator struct {
	store *store.Store
	synthesizer *synthesizer.Synthesizer
	cfg Config
	logger *zap.Logger

	cron *cron.Cron
	tenantFn func() []string
}

// New returns a Consolidator. tenantFn supplies the set of tenant ids
// to sweep on each scheduled run.
func New(st *store.Store, synth *synthesizer.Synthesizer, cfg Config, tenantFn func() []string, logger *zap.Logger) *Consolidator {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{store: st, synthesizer: synth, cfg: cfg, logger: logger, tenantFn: tenantFn}
}

// Start begins the cron-scheduled sweep. It is idempotent: calling
// Start twice on an already-started Consolidator is a no-op.
func (c *Consolidator) Start() {
	if c.cfg.CronSpec == "" || c.cron != nil {
		return
	}
	c.cron = cron.New()
	_, err := c.cron.AddFunc(c.cfg.CronSpec, func() {
		c.safeRunAll(context.Background())
	})
	if err != nil {
		c.logger.Error("consolidator: invalid cron spec, scheduled runs disabled", zap.Error(err))
		c.cron = nil
		return
	}
	c.cron.Start()
	c.logger.Info("consolidator: scheduled sweep started", zap.String("spec", c.cfg.CronSpec))
}

// Stop halts scheduled sweeps. Idempotent.
func (c *Consolidator) Stop() {
	if c.cron == nil {
		return
	}
	ctx := c.cron.Stop()
	<-ctx.Done()
	c.cron = nil
}

// safeRunAll fans a sweep out across every tenant concurrently
// (bounded by maxConcurrentSweeps), since a tenant's sweep only touches
// that tenant's own store handle. Every goroutine swallows its own
// error into a log line rather than returning it to the group, so one
// tenant's failure never cancels the others' sweeps.
func (c *Consolidator) safeRunAll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("consolidator: sweep panicked, recovering", zap.Any("panic", r))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSweeps)
	for _, tenantID := range c.tenantFn() {
		tenantID := tenantID
		g.Go(func() error {
			report, err := c.RunOnce(gctx, tenantID)
			if err != nil {
				c.logger.Error("consolidator: sweep failed", zap.String("tenant", tenantID), zap.Error(err))
				return nil
			}
			c.logger.Info("consolidator: sweep completed",
				zap.String("tenant", tenantID), zap.Int("decayed", report.Decayed),
				zap.Int("merged", report.Merged), zap.Int("pruned", report.Pruned))
			return nil
		})
	}
	_ = g.Wait()
}

// RunOnce runs a single decay→merge→prune sweep for tenantID,
// callable on demand or run on a timer.
func (c *Consolidator) RunOnce(ctx context.Context, tenantID string) (Report, error) {
	var report Report

	units, err := c.store.AllUnits(ctx, tenantID)
	if err != nil {
		return report, err
	}

	now := time.Now().UTC()
	childrenOf := make(map[uint64]bool)
	for _, u := range units {
		for _, childID := range u.Children {
			childrenOf[childID] = true
		}
	}

	for _, u := range units {
		decayed, err := c.decay(ctx, tenantID, u, now)
		if err != nil {
			c.logger.Warn("consolidator: decay failed", zap.Uint64("id", u.ID), zap.Error(err))
			continue
		}
		if decayed {
			report.Decayed++
		}
	}

	merged, err := c.mergeCandidates(ctx, tenantID, units)
	if err != nil {
		c.logger.Warn("consolidator: merge pass failed", zap.Error(err))
	}
	report.Merged = merged

	units, err = c.store.AllUnits(ctx, tenantID)
	if err != nil {
		return report, err
	}
	for _, u := range units {
		if u.ScoreDecay < c.cfg.PruneThreshold && !childrenOf[u.ID] {
			if err := c.store.Tombstone(ctx, tenantID, u.ID); err != nil {
				c.logger.Warn("consolidator: prune failed", zap.Uint64("id", u.ID), zap.Error(err))
				continue
			}
			report.Pruned++
		}
	}

	return report, nil
}

func (c *Consolidator) decay(ctx context.Context, tenantID string, u *memory.Unit, now time.Time) (bool, error) {
	lastAccess := u.UpdatedAt
	if lastAccess.IsZero() {
		lastAccess = u.CreatedAt
	}
	dt := now.Sub(lastAccess)
	if dt <= 0 {
		return false, nil
	}
	decayed := u.ScoreDecay * math.Exp(-c.cfg.DecayLambda*float64(dt))
	_, err := c.store.Update(ctx, tenantID, u.ID, memory.Patch{ScoreDecay: &decayed})
	if err != nil {
		return false, err
	}
	return true, nil
}

// mergeCandidates samples high-similarity pairs and hands them to the
// synthesizer, which decides whether to actually merge (step 2).
func (c *Consolidator) mergeCandidates(ctx context.Context, tenantID string, units []*memory.Unit) (int, error) {
	merged := 0
	seen := make(map[uint64]bool)

	byID := make(map[uint64]*memory.Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	for _, u := range units {
		if u.Tombstoned || seen[u.ID] {
			continue
		}
		scored, err := c.store.VectorSearch(ctx, tenantID, u.Embedding, c.cfg.MergeSampleK)
		if err != nil {
			return merged, err
		}
		for _, s := range scored {
			cand, ok := byID[s.ID]
			if !ok || s.ID == u.ID || seen[s.ID] || cand.Tombstoned || s.Score < c.cfg.MergeThreshold {
				continue
			}
			result, err := c.synthesizer.MergePair(ctx, tenantID, u, cand)
			if err != nil {
				return merged, err
			}
			if result != nil && result.Kind == memory.KindSynthesized {
				merged++
				seen[result.ID] = true
				seen[u.ID] = true
				seen[cand.ID] = true
			}
			break
		}
	}
	return merged, nil
}

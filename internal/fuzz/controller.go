// Package fuzz drives the main fuzzing loop: seed selection, power-schedule
// energy, mutation, target dispatch, scoring, persistence, and promotion of
// discovered seeds.
package fuzz

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/how2fps/fuzzer/internal/config"
	"github.com/how2fps/fuzzer/internal/corpus"
	"github.com/how2fps/fuzzer/internal/logger"
	"github.com/how2fps/fuzzer/internal/mutator"
	"github.com/how2fps/fuzzer/internal/power"
	"github.com/how2fps/fuzzer/internal/scheduler"
	"github.com/how2fps/fuzzer/internal/scorer"
	"github.com/how2fps/fuzzer/internal/state"
	"github.com/how2fps/fuzzer/internal/store"
	"github.com/how2fps/fuzzer/internal/target"
)

// DefaultMaxIterations applies when neither iterations nor hours is set.
const DefaultMaxIterations = 10

// maxUniqueAttempts bounds candidate draws per batch slot in
// generateUnique.
const maxUniqueAttempts = 200

// Controller owns the campaign: the scheduler, the run store, the mutator,
// the promotion bookkeeping, and the shutdown flag. Workers run the target
// and score the result.
type Controller struct {
	cfg       *config.Config
	corpus    *corpus.Corpus
	runner    target.Runner
	st        *store.Store
	sched     scheduler.Scheduler
	scoreFn   scorer.Func
	powerFn   power.Func
	mutateFn  mutator.Func
	mutKind   mutator.Kind
	rng       *rand.Rand
	stateMgr  *state.Manager
	threshold float64

	// seen tracks inputs generated this session, complementing the store
	// lookup in generateUnique.
	seen map[string]bool

	// discovered holds promoted seeds so the power schedule covers every
	// live seed, not just the initial corpus.
	discovered []*corpus.Seed

	iteration int
	remaining int
	deadline  time.Time

	shutdown atomic.Bool
}

// Options carries optional overrides for New, mainly for tests.
type Options struct {
	Runner target.Runner
	Store  *store.Store
	RNG    *rand.Rand
}

// New builds a Controller from configuration: load corpus, resolve target,
// instantiate scheduler, add all corpus seeds, open the run store, and
// resolve the versioned subsystems.
func New(cfg *config.Config, opts *Options) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}

	loadCorpus, err := corpus.NewLoader(cfg.Versions.SeedCorpus)
	if err != nil {
		return nil, err
	}
	crp, err := loadCorpus(cfg.CorpusDir)
	if err != nil {
		return nil, err
	}
	seeds, err := crp.SeedsForTarget(cfg.Target)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	for _, s := range seeds {
		sched.Add(s, nil)
	}

	scoreFn, err := scorer.New(cfg.Versions.IsInteresting)
	if err != nil {
		return nil, err
	}
	powerFn, err := power.New(cfg.Versions.PowerScheduler)
	if err != nil {
		return nil, err
	}
	mutateFn, err := mutator.New(cfg.Versions.Mutator)
	if err != nil {
		return nil, err
	}

	runner := opts.Runner
	if runner == nil {
		runner, err = target.NewRunner(cfg.Versions.Parser, cfg.Target, "targets")
		if err != nil {
			return nil, err
		}
	}

	st := opts.Store
	if st == nil {
		st, err = store.Open(cfg.StorePath)
		if err != nil {
			return nil, err
		}
	}

	rng := opts.RNG
	if rng == nil {
		if cfg.RNGSeed >= 0 {
			rng = rand.New(rand.NewSource(cfg.RNGSeed))
		} else {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
	}

	stateMgr := state.NewManager(filepath.Dir(cfg.StorePath))
	if err := stateMgr.Load(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:       cfg,
		corpus:    crp,
		runner:    runner,
		st:        st,
		sched:     sched,
		scoreFn:   scoreFn,
		powerFn:   powerFn,
		mutateFn:  mutateFn,
		mutKind:   mutator.InferKind(mutator.Kind(cfg.Mutator), cfg.Target),
		rng:       rng,
		stateMgr:  stateMgr,
		threshold: cfg.EffectivePromoteThreshold(),
		seen:      make(map[string]bool),
	}

	// Warmup power schedule over the pristine corpus; the loop recomputes
	// from store aggregates before every selection.
	warmup := c.powerSchedule()
	logger.Debug("warmup power schedule covers %d seeds", len(warmup))

	return c, nil
}

// Scheduler exposes the scheduler for inspection.
func (c *Controller) Scheduler() scheduler.Scheduler {
	return c.sched
}

// Store exposes the run store for inspection.
func (c *Controller) Store() *store.Store {
	return c.st
}

// RequestShutdown sets the shared shutdown flag. The loop stops accepting
// new work and drains.
func (c *Controller) RequestShutdown() {
	c.shutdown.Store(true)
}

// InstallSignalHandler wires SIGINT/SIGTERM to RequestShutdown.
func (c *Controller) InstallSignalHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		logger.Info("shutdown requested, draining in-flight work")
		c.RequestShutdown()
	}()
}

// Run executes the campaign and returns when a stop condition fires:
// iteration budget, hours budget, empty scheduler, or shutdown.
func (c *Controller) Run(ctx context.Context) error {
	c.remaining = c.cfg.Iterations
	if c.cfg.Hours > 0 {
		c.deadline = time.Now().Add(time.Duration(c.cfg.Hours * float64(time.Hour)))
		c.remaining = int(^uint(0) >> 1) // hours bound the campaign instead
	} else if c.remaining < 0 {
		// Unset; an explicit zero stays a zero-run budget.
		c.remaining = DefaultMaxIterations
	}

	if c.sched.Empty() {
		logger.Info("scheduler is empty, nothing to fuzz")
		return nil
	}

	if c.cfg.Workers > 1 {
		return c.runCoordinated(ctx)
	}
	return c.runSingle(ctx)
}

func (c *Controller) stopRequested() bool {
	if c.shutdown.Load() {
		return true
	}
	if !c.deadline.IsZero() && time.Now().After(c.deadline) {
		return true
	}
	return c.remaining <= 0
}

// runSingle is the single-worker loop: one seed at a time, its full energy
// batch run inline, exactly one scheduler update per batch.
func (c *Controller) runSingle(ctx context.Context) error {
	timeout := time.Duration(c.cfg.Timeout * float64(time.Second))

	for !c.stopRequested() {
		if c.sched.Empty() {
			break
		}

		energyMap := c.powerSchedule()
		scheduled, err := c.sched.Next()
		if err != nil {
			break
		}

		energy := energyMap[scheduled.Seed.Ordinal]
		if energy < 1 {
			energy = 1
		}
		if energy > c.remaining {
			energy = c.remaining
		}

		batch := c.generateUnique(energy, scheduled.Seed.Text)

		var scores []float64
		var lastSignals *scheduler.Signals
		for _, mutated := range batch {
			if c.stopRequested() {
				break
			}
			reply := c.runTarget(ctx, mutated, timeout)
			score, signals := c.ingest(scheduled, c.iteration, mutated, reply)
			scores = append(scores, score)
			lastSignals = signals
			c.iteration++
			c.remaining--
		}

		if len(scores) > 0 {
			if _, err := c.sched.Update(scheduled, mean(scores), lastSignals); err != nil {
				return fmt.Errorf("scheduler update: %w", err)
			}
		}
	}

	if err := c.stateMgr.Save(); err != nil {
		logger.Warn("failed to save campaign state: %v", err)
	}
	logger.Info("campaign done: %d iterations", c.iteration)
	return nil
}

// runTarget invokes the runner, mapping invocation failures to an error
// result so the run is still recorded.
func (c *Controller) runTarget(ctx context.Context, mutated string, timeout time.Duration) *target.Reply {
	reply, err := c.runner.Run(ctx, []byte(mutated), timeout)
	if err != nil || reply == nil || reply.Closed == nil {
		if err != nil {
			logger.Warn("target run failed: %v", err)
		}
		return &target.Reply{Closed: &target.Result{Status: target.StatusError}}
	}
	return reply
}

// ingest scores a finished run, persists it with its coverage edges,
// promotes it when interesting enough, and returns the score plus the
// normalized signals for the scheduler update.
func (c *Controller) ingest(scheduled *scheduler.ScheduledSeed, iteration int, mutated string, reply *target.Reply) (float64, *scheduler.Signals) {
	score := c.scoreFn(reply, c.storeForScoring(), c.runner.Name())

	signals := scheduler.FromReply(reply)
	edges := scorer.CoveredEdges(reply)
	c.annotateNovelty(signals, reply, edges)

	c.persistRun(iteration, scheduled, mutated, reply, score)
	if err := c.st.InsertCoveredEdges(edges); err != nil {
		logger.RunWarn(iteration, "failed to insert coverage edges: %v", err)
	}

	if score > c.threshold {
		c.promote(scheduled, mutated, signals)
	}
	c.stateMgr.RecordRun(reply.Closed.Status)
	return score, signals
}

// storeForScoring returns the read handle for the scorer, or nil when the
// store is unavailable so scoring degrades to the base formula.
func (c *Controller) storeForScoring() scorer.Store {
	if c.st == nil {
		return nil
	}
	return c.st
}

// annotateNovelty sets the new_coverage/new_bug flags consumed by the UCB
// reward, reading the frontier before this run's edges are inserted.
func (c *Controller) annotateNovelty(signals *scheduler.Signals, reply *target.Reply, edges []store.Edge) {
	if signals == nil || c.st == nil {
		return
	}
	if len(edges) > 0 {
		seenCount, err := c.st.CountSeenEdges(edges)
		if err == nil && seenCount < len(edges) {
			signals.NewCoverage = true
		}
	}
	closed := reply.Closed
	if closed != nil && closed.BugSignature != nil {
		count, err := c.st.CountMatchingBugs(
			c.runner.Name(), closed.BugSignature.Exception, closed.BugSignature.File, closed.BugSignature.Line)
		if err == nil && count == 0 {
			signals.NewBug = true
		}
	}
}

func (c *Controller) persistRun(iteration int, scheduled *scheduler.ScheduledSeed, mutated string, reply *target.Reply, score float64) {
	rec := &store.RunRecord{
		Iteration:        iteration,
		SeedID:           scheduled.Seed.SeedID,
		SeedText:         scheduled.Seed.Text,
		MutatedInput:     mutated,
		Status:           reply.Closed.Status,
		InterestingScore: score,
		Target:           c.runner.Name(),
	}
	if sig := reply.Closed.BugSignature; sig != nil {
		rec.BugType = sig.Type
		rec.Exception = sig.Exception
		rec.Message = sig.Message
		rec.File = sig.File
		rec.Line = sig.Line
	}
	if err := c.st.InsertRun(rec); err != nil {
		logger.RunWarn(iteration, "failed to persist run record: %v", err)
	}
}

// promote adds a mutated input to the scheduler as a discovered seed, at
// most once per unique input across the campaign.
func (c *Controller) promote(parent *scheduler.ScheduledSeed, mutated string, signals *scheduler.Signals) {
	if !c.stateMgr.MarkPromoted(mutated) {
		return
	}
	ordinal := c.stateMgr.NextDiscoveredOrdinal()
	discovered := &corpus.Seed{
		SeedID:      fmt.Sprintf("disc_%06d", ordinal-state.DiscoveredOrdinalBase),
		Family:      parent.Seed.Family,
		Bucket:      parent.Seed.Bucket,
		Label:       fmt.Sprintf("discovered from %s", parent.Seed.SeedID),
		Text:        mutated,
		Tags:        []string{"discovered"},
		Expected:    "unknown",
		Ordinal:     ordinal,
		Fingerprint: corpus.FingerprintBytes([]byte(mutated)),
	}
	c.sched.Add(discovered, signals)
	c.discovered = append(c.discovered, discovered)
	logger.Info("promoted discovered seed %s (ordinal %d)", discovered.SeedID, ordinal)
}

// powerSchedule recomputes energies from the freshest store aggregates. It
// runs every time the loop is about to select a new seed.
func (c *Controller) powerSchedule() map[int]int {
	seeds, err := c.corpus.SeedsForTarget(c.cfg.Target)
	if err != nil {
		return map[int]int{}
	}
	seeds = append(append([]*corpus.Seed(nil), seeds...), c.discovered...)

	var aggregates map[string]store.SeedStats
	if c.st != nil {
		aggregates, err = c.st.AggregateSeedStats(c.runner.Name())
		if err != nil {
			logger.Warn("power schedule: store aggregates unavailable: %v", err)
			aggregates = nil
		}
	}

	stats := make([]power.SeedStats, 0, len(seeds))
	for _, s := range seeds {
		st := power.SeedStats{ID: s.Ordinal}
		if agg, ok := aggregates[s.SeedID]; ok {
			st.FuzzCount = agg.FuzzCount
			st.AvgScore = agg.AvgScore
			st.BugCount = agg.BugCount
		}
		stats = append(stats, st)
	}
	return c.powerFn(stats, c.cfg.MinEnergy, c.cfg.MaxEnergy)
}

// generateUnique draws up to maxUniqueAttempts candidates per slot,
// accepting the first not seen this session and not already a run row for
// this target. Exhausted attempts accept the last candidate, keeping
// batches non-duplicative in the common case without unbounded retries.
func (c *Controller) generateUnique(n int, text string) []string {
	batch := make([]string, 0, n)
	for slot := 0; slot < n; slot++ {
		var candidate string
		for attempt := 0; attempt < maxUniqueAttempts; attempt++ {
			candidate = c.mutateFn(text, c.mutKind, c.cfg.Target, c.rng)
			if c.seen[candidate] {
				continue
			}
			if c.st != nil {
				ran, err := c.st.InputAlreadyRun(candidate, c.runner.Name())
				if err == nil && ran {
					continue
				}
			}
			break
		}
		c.seen[candidate] = true
		batch = append(batch, candidate)
	}
	return batch
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

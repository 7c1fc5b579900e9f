package fuzz

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/how2fps/fuzzer/internal/logger"
	"github.com/how2fps/fuzzer/internal/scheduler"
	"github.com/how2fps/fuzzer/internal/scorer"
	"github.com/how2fps/fuzzer/internal/target"
)

// Job is the coordinator's reply to a worker's work request. A nil *Job
// signals shutdown.
type Job struct {
	ID          int
	ItemID      string
	Iteration   int
	SeedID      string
	SeedText    string
	Bucket      string
	Target      string
	MutatedText string
}

// JobResult is what a worker returns after running the target.
type JobResult struct {
	JobID            int
	Reply            *target.Reply
	InterestingScore float64
	MutatedInput     string
	Signals          *scheduler.Signals
}

// batchState tracks the seed currently being fuzzed across workers: the
// inputs still to dispatch and the results still outstanding.
type batchState struct {
	scheduled   *scheduler.ScheduledSeed
	queue       []string
	expected    int
	received    int
	scores      []float64
	lastSignals *scheduler.Signals
}

type pendingEntry struct {
	scheduled *scheduler.ScheduledSeed
	batch     *batchState
	iteration int
}

// runCoordinated is the multi-worker path. One goroutine (this one) owns
// the scheduler, the store, the mutator, and the promotion logic; N worker
// loops, run on an ants pool, run the target and score it. Workers speak a
// request/reply/result protocol: push a request token, block on the reply,
// run the job, push the result.
func (c *Controller) runCoordinated(ctx context.Context) error {
	workers := c.cfg.Workers
	timeout := time.Duration(c.cfg.Timeout * float64(time.Second))

	requestCh := make(chan struct{}, workers)
	replyCh := make(chan *Job)
	resultCh := make(chan *JobResult, workers)

	pool, err := ants.NewPool(workers)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	for i := 0; i < workers; i++ {
		if err := pool.Submit(func() {
			c.workerLoop(ctx, timeout, requestCh, replyCh, resultCh)
		}); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}

	pending := make(map[int]pendingEntry)
	var cur *batchState
	jobSeq := 0
	liveWorkers := workers
	terminating := false

	for liveWorkers > 0 || len(pending) > 0 {
		// Drain finished results before serving requests so scoring for
		// the next job observes the freshest frontier. With one worker
		// this makes the runs content identical to the single-worker loop.
		select {
		case res := <-resultCh:
			entry, ok := pending[res.JobID]
			if !ok {
				logger.Warn("dropping result for unknown job %d", res.JobID)
				continue
			}
			delete(pending, res.JobID)
			c.ingestCoordinated(entry, res)
			continue
		default:
		}

		select {
		case <-requestCh:
			if terminating || c.stopRequested() {
				terminating = true
				replyCh <- nil
				liveWorkers--
				continue
			}

			job := c.nextJob(&cur, &jobSeq)
			if job == nil {
				// Scheduler drained or budget exhausted: terminate this
				// worker; in-flight results still arrive below.
				terminating = true
				replyCh <- nil
				liveWorkers--
				continue
			}
			pending[job.ID] = pendingEntry{scheduled: cur.scheduled, batch: cur, iteration: job.Iteration}
			replyCh <- job

		case res := <-resultCh:
			entry, ok := pending[res.JobID]
			if !ok {
				logger.Warn("dropping result for unknown job %d", res.JobID)
				continue
			}
			delete(pending, res.JobID)
			c.ingestCoordinated(entry, res)
		}
	}

	if err := c.stateMgr.Save(); err != nil {
		logger.Warn("failed to save campaign state: %v", err)
	}
	logger.Info("campaign done: %d iterations", c.iteration)
	return nil
}

// nextJob dispatches one mutation, refilling the batch from the scheduler
// when the current one is fully dispatched. The refill boundary advances to
// the next seed only when every input of the current batch has gone out.
func (c *Controller) nextJob(cur **batchState, jobSeq *int) *Job {
	if *cur == nil || len((*cur).queue) == 0 {
		batch := c.refillBatch()
		if batch == nil {
			return nil
		}
		*cur = batch
	}

	b := *cur
	mutated := b.queue[0]
	b.queue = b.queue[1:]

	*jobSeq++
	job := &Job{
		ID:          *jobSeq,
		ItemID:      b.scheduled.ItemID,
		Iteration:   c.iteration,
		SeedID:      b.scheduled.Seed.SeedID,
		SeedText:    b.scheduled.Seed.Text,
		Bucket:      b.scheduled.Seed.Bucket,
		Target:      c.runner.Name(),
		MutatedText: mutated,
	}
	c.iteration++
	c.remaining--
	return job
}

// refillBatch recomputes the power schedule, pulls the next seed, and
// generates its unique mutation batch.
func (c *Controller) refillBatch() *batchState {
	if c.stopRequested() || c.sched.Empty() {
		return nil
	}

	energyMap := c.powerSchedule()
	scheduled, err := c.sched.Next()
	if err != nil {
		return nil
	}

	energy := energyMap[scheduled.Seed.Ordinal]
	if energy < 1 {
		energy = 1
	}
	if energy > c.remaining {
		energy = c.remaining
	}
	if energy < 1 {
		return nil
	}

	queue := c.generateUnique(energy, scheduled.Seed.Text)
	return &batchState{
		scheduled: scheduled,
		queue:     queue,
		expected:  len(queue),
	}
}

// ingestCoordinated persists one worker result, promotes when interesting,
// and fires the batch's single scheduler update once all expected results
// are in.
func (c *Controller) ingestCoordinated(entry pendingEntry, res *JobResult) {
	reply := res.Reply
	if reply == nil || reply.Closed == nil {
		reply = &target.Reply{Closed: &target.Result{Status: target.StatusError}}
	}

	score := res.InterestingScore
	signals := res.Signals
	if signals == nil {
		signals = scheduler.FromReply(reply)
	}
	edges := scorer.CoveredEdges(reply)
	c.annotateNovelty(signals, reply, edges)

	c.persistRun(entry.iteration, entry.scheduled, res.MutatedInput, reply, score)
	if err := c.st.InsertCoveredEdges(edges); err != nil {
		logger.RunWarn(entry.iteration, "failed to insert coverage edges: %v", err)
	}

	if score > c.threshold {
		c.promote(entry.scheduled, res.MutatedInput, signals)
	}
	c.stateMgr.RecordRun(reply.Closed.Status)

	b := entry.batch
	b.received++
	b.scores = append(b.scores, score)
	b.lastSignals = signals
	if b.received == b.expected {
		if _, err := c.sched.Update(b.scheduled, mean(b.scores), b.lastSignals); err != nil {
			logger.Warn("scheduler update failed for item %s: %v", b.scheduled.ItemID, err)
		}
	}
}

// workerLoop is the worker side of the protocol: request, block on reply,
// run the target, score with the read-only store handle, return the result.
func (c *Controller) workerLoop(ctx context.Context, timeout time.Duration, requestCh chan<- struct{}, replyCh <-chan *Job, resultCh chan<- *JobResult) {
	for {
		requestCh <- struct{}{}
		job := <-replyCh
		if job == nil {
			return
		}

		reply := c.runTarget(ctx, job.MutatedText, timeout)
		score := c.scoreFn(reply, c.storeForScoring(), job.Target)

		resultCh <- &JobResult{
			JobID:            job.ID,
			Reply:            reply,
			InterestingScore: score,
			MutatedInput:     job.MutatedText,
			Signals:          scheduler.FromReply(reply),
		}
	}
}

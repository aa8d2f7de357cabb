// SPDX-License-Identifier: MIT

// Package orchestrator turns job parameters into task DAGs and drives them
// through the engine fleet. It is event-triggered but store-authoritative:
// every handler re-reads state from the database and advances it with
// conditional updates, so duplicate or reordered bus events degrade to
// no-ops.
package orchestrator

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/flags"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/model"
	"github.com/dalstonhq/dalston/internal/queue"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/store"
)

const maxConcurrentEvents = 16

// RetentionHook stamps purge deadlines when a job reaches a terminal state.
type RetentionHook interface {
	FinalizeJob(ctx context.Context, job *model.Job, completedAt time.Time) error
}

// Notifier schedules webhook deliveries for a finished job.
type Notifier interface {
	NotifyJobFinished(ctx context.Context, jobID string) error
}

// Config is the orchestrator's tunable subset of the daemon configuration.
type Config struct {
	EngineUnavailable config.EngineUnavailableBehavior
	EngineWaitTimeout time.Duration
	TaskTimeout       time.Duration
	TaskMaxRetries    int
	HeartbeatTimeout  time.Duration

	// EngineUnavailableFn, when set, resolves the dispatch-time behavior per
	// call so admin overrides apply without a restart. Falls back to
	// EngineUnavailable when nil or when it returns an unknown value.
	EngineUnavailableFn func(ctx context.Context) config.EngineUnavailableBehavior
}

func (c Config) engineUnavailable(ctx context.Context) config.EngineUnavailableBehavior {
	if c.EngineUnavailableFn != nil {
		switch b := c.EngineUnavailableFn(ctx); b {
		case config.EngineFailFast, config.EngineWait:
			return b
		}
	}
	return c.EngineUnavailable
}

// Orchestrator is one event-consumer instance. Multiple instances may run;
// conditional store updates keep them from double-applying.
type Orchestrator struct {
	store     *store.Store
	queue     *queue.Queue
	bus       bus.Bus
	blobs     blob.Store
	flags     *flags.Flags
	registry  *registry.Registry
	retention RetentionHook
	notifier  Notifier
	cfg       Config
	logger    zerolog.Logger

	// Per-job serialization: events for the same job take the same stripe.
	jobLocks [64]sync.Mutex
}

func New(
	st *store.Store,
	q *queue.Queue,
	b bus.Bus,
	blobs blob.Store,
	fl *flags.Flags,
	reg *registry.Registry,
	retention RetentionHook,
	notifier Notifier,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		store:     st,
		queue:     q,
		bus:       b,
		blobs:     blobs,
		flags:     fl,
		registry:  reg,
		retention: retention,
		notifier:  notifier,
		cfg:       cfg,
		logger:    log.WithComponent("orchestrator"),
	}
}

// Run consumes control events until the context ends. Events for different
// jobs are handled in parallel; events for one job serialize on its stripe.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub, err := o.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentEvents)

	o.logger.Info().Msg("orchestrator event loop started")
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				_ = g.Wait()
				return nil
			}
			g.Go(func() error {
				o.Handle(ctx, ev)
				return nil
			})
		}
	}
}

// Handle routes one event. Exposed so tests and embedded setups can feed
// events without a live bus.
func (o *Orchestrator) Handle(ctx context.Context, ev model.Event) {
	jobID := ev.JobID
	if jobID == "" && ev.TaskID != "" {
		t, err := o.store.GetTask(ctx, ev.TaskID)
		if err != nil {
			o.logger.Warn().Err(err).Str(log.FieldTaskID, ev.TaskID).Msg("event for unknown task")
			return
		}
		jobID = t.JobID
	}
	if jobID == "" {
		return
	}

	lock := o.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	logger := o.logger.With().
		Str("event", string(ev.Type)).
		Str(log.FieldJobID, jobID).
		Str(log.FieldTaskID, ev.TaskID).
		Logger()

	var err error
	switch ev.Type {
	case model.EventJobCreated:
		err = o.handleJobCreated(ctx, jobID)
	case model.EventJobCancelRequested:
		err = o.handleCancelRequested(ctx, jobID)
	case model.EventTaskCompleted:
		err = o.handleTaskCompleted(ctx, jobID, ev.TaskID)
	case model.EventTaskFailed:
		err = o.handleTaskFailed(ctx, jobID, ev.TaskID, ev.Error, model.ReasonCode(ev.Reason))
	case model.EventTaskWaitTimeout:
		err = o.handleWaitTimeout(ctx, jobID, ev.TaskID)
	default:
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("event handling failed")
		return
	}
	logger.Debug().Msg("event handled")
}

func (o *Orchestrator) lockFor(jobID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return &o.jobLocks[h.Sum32()%uint32(len(o.jobLocks))]
}

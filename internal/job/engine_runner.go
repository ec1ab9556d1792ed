package job

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

const defaultCheckpointInterval = 5 * time.Minute

type CycleRunner interface {
	RunCycle(ctx context.Context) error
}

// Checkpointer persists in-memory state that would otherwise be lost on
// shutdown. The learner satisfies it.
type Checkpointer interface {
	Save(ctx context.Context)
}

// EngineRunner drives trading cycles in the background. The next cycle is
// scheduled only after the previous one returns, so cycles never overlap.
type EngineRunner struct {
	tracer             trace.Tracer
	engine             CycleRunner
	checkpoint         Checkpointer
	interval           time.Duration
	checkpointInterval time.Duration
}

func NewEngineRunner(tracer trace.Tracer, engine CycleRunner, checkpoint Checkpointer, intervalSecs int) *EngineRunner {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &EngineRunner{
		tracer:             tracer,
		engine:             engine,
		checkpoint:         checkpoint,
		interval:           time.Duration(intervalSecs) * time.Second,
		checkpointInterval: defaultCheckpointInterval,
	}
}

// Start runs a cycle immediately and then one per interval. Blocks until ctx
// is cancelled and any in-flight cycle has returned.
func (r *EngineRunner) Start(ctx context.Context) {
	log.Info().Dur("interval", r.interval).Msg("engine runner starting")

	if r.checkpoint != nil {
		go r.checkpointLoop(ctx)
	}
	r.cycleLoop(ctx)

	if r.checkpoint != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		r.checkpoint.Save(saveCtx)
		cancel()
	}
	log.Info().Msg("engine runner stopped")
}

func (r *EngineRunner) cycleLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.runOnce(ctx)
			timer.Reset(r.interval)
		}
	}
}

func (r *EngineRunner) runOnce(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "engine-runner.cycle")
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("trading cycle panicked")
		}
	}()

	// Shutdown stops scheduling; a cycle already running is left to finish.
	if err := r.engine.RunCycle(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Msg("trading cycle finished with errors")
	}
}

func (r *EngineRunner) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(r.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkpoint.Save(ctx)
		}
	}
}

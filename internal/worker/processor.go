package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/cvlift/cvlift/internal/orchestrator"
	"github.com/cvlift/cvlift/internal/queue"
)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	runner *orchestrator.Runner
	log    *slog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(runner *orchestrator.Runner, log *slog.Logger) *Processor {
	return &Processor{runner: runner, log: log}
}

// Handler registers the optimize job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.OptimizeResumeTask, p.handleOptimize)
	return mux
}

func (p *Processor) handleOptimize(ctx context.Context, task *asynq.Task) error {
	var payload queue.OptimizePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	err := p.runner.Run(ctx, payload.RecordID, orchestrator.RunOptions{
		Started: payload.Started,
		Force:   payload.Force,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, orchestrator.ErrAlreadyRunning):
		// Another run holds the record; this task is redundant, not failed.
		p.log.Info("skipping duplicate run", "record", payload.RecordID)
		return nil
	case errors.Is(err, orchestrator.ErrStaleDelivery):
		// The run this task belonged to already finished; acknowledging the
		// redelivery is the only correct outcome.
		p.log.Info("dropping stale task delivery", "record", payload.RecordID)
		return nil
	default:
		var verr *orchestrator.ValidationError
		if errors.As(err, &verr) {
			// Bad input never succeeds on a requeue.
			p.log.Warn("dropping unprocessable task", "record", payload.RecordID, "err", err)
			return nil
		}
		// Provider and persistence failures are already captured on the
		// record; surfacing them here keeps them visible in asynq tooling.
		p.log.Error("optimize run failed", "record", payload.RecordID, "err", err)
		return err
	}
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// OptimizeResumeTask is scheduled on upload and on every explicit restart.
	OptimizeResumeTask = "resume:optimize"
)

// OptimizePayload tells the worker which record to drive through the
// optimization lifecycle.
type OptimizePayload struct {
	RecordID int64 `json:"record_id"`
	// Started marks runs whose start or restart transition was already
	// applied by the enqueuer; the worker must not re-apply Start.
	Started bool `json:"started"`
	Force   bool `json:"force"`
}

// Enqueuer is the narrow slice of asynq.Client the API server needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher submits optimize runs to the asynq queue.
type Dispatcher struct {
	client *asynq.Client
}

// NewDispatcher wraps an asynq client.
func NewDispatcher(client *asynq.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

// Dispatch enqueues the run.
func (d *Dispatcher) Dispatch(ctx context.Context, payload OptimizePayload) error {
	return EnqueueOptimize(ctx, d.client, payload)
}

// EnqueueOptimize enqueues one optimization run. MaxRetry is zero on purpose:
// a failed run parks the record in the failed state and only an explicit
// restart may try again.
func EnqueueOptimize(ctx context.Context, client Enqueuer, payload OptimizePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(OptimizeResumeTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue optimize task: %w", err)
	}
	return nil
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kingrea/xia2go/internal/pipeline"
)

// Worker answers sweep jobs with a local executor. Jobs run one at a time;
// start more workers for more throughput.
type Worker struct {
	id       string
	client   *Client
	subject  string
	executor pipeline.Executor
	logger   *zap.Logger
}

// NewWorker serves jobs from subject with executor.
func NewWorker(c *Client, subject string, executor pipeline.Executor) *Worker {
	id := uuid.NewString()
	return &Worker{
		id:       id,
		client:   c,
		subject:  subject,
		executor: executor,
		logger:   c.logger.With(zap.String("worker_id", id)),
	}
}

// ID identifies the worker in logs.
func (w *Worker) ID() string { return w.id }

// Serve handles jobs until ctx is done, then drains the subscription so the
// job in hand is answered.
func (w *Worker) Serve(ctx context.Context) error {
	sub, err := w.client.nc.QueueSubscribe(w.subject, WorkerGroup, func(msg *nats.Msg) {
		if err := msg.Respond(w.handle(ctx, msg.Data)); err != nil {
			w.logger.Error("reply failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("queue: subscribe %s: %w", w.subject, err)
	}
	w.logger.Info("worker listening", zap.String("subject", w.subject), zap.String("group", WorkerGroup))
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("queue: drain: %w", err)
	}
	w.logger.Info("worker stopped")
	return nil
}

// handle decodes one job, runs it and encodes the reply. Failures are
// reported in the result so the pipeline can fail over.
func (w *Worker) handle(ctx context.Context, data []byte) []byte {
	var job pipeline.SweepJob
	var res pipeline.SweepResult
	if err := json.Unmarshal(data, &job); err != nil {
		res = pipeline.SweepResult{Output: fmt.Sprintf("queue: decode job: %v", err)}
	} else {
		logger := w.logger.With(zap.String("job_id", job.ID), zap.String("sweep", sweepName(job)))
		logger.Info("sweep job received", zap.String("pipeline", job.Pipeline))
		res, err = w.executor.Execute(ctx, job)
		if err != nil {
			res = pipeline.SweepResult{ID: job.ID, Output: err.Error()}
		}
		logger.Info("sweep job finished", zap.Bool("success", res.Success))
	}
	out, err := json.Marshal(res)
	if err != nil {
		out, _ = json.Marshal(pipeline.SweepResult{ID: job.ID, Output: fmt.Sprintf("queue: encode result: %v", err)})
	}
	return out
}

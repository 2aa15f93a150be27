package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/xia2go/internal/pipeline"
)

// Executor runs sweep jobs on remote workers.
type Executor struct {
	r       requester
	subject string
	timeout time.Duration
	logger  *zap.Logger
}

var _ pipeline.Executor = (*Executor)(nil)

// NewExecutor sends jobs on subject over c. timeout bounds one job; zero
// leaves only the caller's context.
func NewExecutor(c *Client, subject string, timeout time.Duration) *Executor {
	return &Executor{r: c.nc, subject: subject, timeout: timeout, logger: c.logger}
}

// Execute sends job and waits for the worker's result.
func (e *Executor) Execute(ctx context.Context, job pipeline.SweepJob) (pipeline.SweepResult, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	logger := e.logger.With(zap.String("job_id", job.ID), zap.String("sweep", sweepName(job)))
	logger.Debug("submitting sweep job", zap.String("subject", e.subject))
	start := time.Now()

	var res pipeline.SweepResult
	if err := requestJSON(ctx, e.r, e.subject, job, &res); err != nil {
		return pipeline.SweepResult{}, err
	}
	if res.ID != job.ID {
		return pipeline.SweepResult{}, fmt.Errorf("queue: reply for job %s answered %s", job.ID, res.ID)
	}
	logger.Info("sweep job returned",
		zap.Bool("success", res.Success),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func sweepName(job pipeline.SweepJob) string {
	if job.Sweep == nil {
		return ""
	}
	return job.Sweep.Name
}

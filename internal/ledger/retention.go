package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/pkg/events"
	"github.com/crosslogic/usage-meter/pkg/metrics"
	"github.com/crosslogic/usage-meter/pkg/models"
)

// RetentionResult describes one retention pass.
type RetentionResult struct {
	Cutoff   time.Time           `json:"cutoff"`
	MaxCost  models.Microdollars `json:"max_cost_micros"`
	Deleted  int64               `json:"deleted"`
	Duration time.Duration       `json:"duration_ns"`
}

// RetentionJob periodically deletes old low-value ledger entries. Entries
// above MaxCost are kept regardless of age.
type RetentionJob struct {
	ledger    Ledger
	horizon   time.Duration
	maxCost   models.Microdollars
	interval  time.Duration
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewRetentionJob creates a job. publisher may be nil.
func NewRetentionJob(l Ledger, horizon time.Duration, maxCost models.Microdollars, interval time.Duration, publisher events.Publisher, logger *zap.Logger) *RetentionJob {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &RetentionJob{
		ledger:    l,
		horizon:   horizon,
		maxCost:   maxCost,
		interval:  interval,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Start runs the job on a ticker until ctx is cancelled.
func (j *RetentionJob) Start(ctx context.Context) {
	j.logger.Info("starting ledger retention job",
		zap.Duration("interval", j.interval),
		zap.Duration("horizon", j.horizon),
		zap.String("max_cost", j.maxCost.String()),
	)
	go j.loop(ctx)
}

func (j *RetentionJob) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Error("ledger retention failed", zap.Error(err))
			}
		}
	}
}

// RunOnce deletes entries older than now minus the horizon.
func (j *RetentionJob) RunOnce(ctx context.Context) (*RetentionResult, error) {
	start := j.now()
	res := &RetentionResult{
		Cutoff:  start.Add(-j.horizon).UTC(),
		MaxCost: j.maxCost,
	}

	deleted, err := j.ledger.DeleteOlderThan(ctx, res.Cutoff, j.maxCost)
	if err != nil {
		return nil, err
	}
	res.Deleted = deleted
	metrics.RetentionDeleted.Add(float64(deleted))
	res.Duration = j.now().Sub(start)

	j.logger.Info("ledger retention completed",
		zap.Time("cutoff", res.Cutoff),
		zap.Int64("deleted", deleted),
		zap.Duration("duration", res.Duration),
	)

	if j.publisher != nil {
		event := events.NewEvent(events.EventRetentionComplete, "", map[string]interface{}{
			"cutoff":          res.Cutoff.Format(time.RFC3339),
			"max_cost_micros": int64(j.maxCost),
			"deleted":         deleted,
		})
		if err := j.publisher.Publish(ctx, event); err != nil {
			j.logger.Warn("failed to publish retention event", zap.Error(err))
		}
	}
	return res, nil
}

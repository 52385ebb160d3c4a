package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/bookshelf/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PermissionWarmer rebuilds flattened permission sets.
type PermissionWarmer interface {
	WarmPermissions(ctx context.Context) (int, error)
}

// PermissionsWarmJob refills the permission cache after a cold start or a
// bulk grant change.
type PermissionsWarmJob struct {
	Warmer  PermissionWarmer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Timeout time.Duration
}

// NewPermissionsWarmJob wires dependencies for the warm-up handler.
func NewPermissionsWarmJob(warmer PermissionWarmer, logger *slog.Logger, metrics *jobmetrics.Metrics) *PermissionsWarmJob {
	return &PermissionsWarmJob{Warmer: warmer, Logger: logger, Metrics: metrics, Timeout: 2 * time.Minute}
}

// Handle processes TaskRBACPermissionsWarm tasks.
func (j *PermissionsWarmJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Warmer == nil {
		return errors.New("permissions warm: handler not configured")
	}
	var payload PermissionsWarmPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Reason == "" {
		payload.Reason = "scheduled"
	}

	tracker := j.metrics().Track(TaskRBACPermissionsWarm)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("reason", payload.Reason))
	start := time.Now()

	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	warmed, err := j.Warmer.WarmPermissions(ctx)
	if err != nil {
		logger.Error("warm permissions", slog.Int("warmed", warmed), slog.Any("error", err))
		return err
	}
	j.metrics().AddWarmed(warmed)
	logger.Info("completed permissions warm", slog.Int("principals", warmed), slog.Duration("duration", time.Since(start)))
	return nil
}

func (j *PermissionsWarmJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRBACPermissionsWarm))
	}
	return slog.Default().With(slog.String("job", TaskRBACPermissionsWarm))
}

func (j *PermissionsWarmJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

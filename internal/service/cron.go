package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

// newTimer returns a stopped scheduler calling task on the configured
// schedule. The first run happens right after start. A run still in
// progress postpones the next one.
func newTimer(ctx context.Context, cfgp *model.TimerSchedule, task func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, errors.New("service.schedule is nil")
	}
	def, err := jobDefinition(ctx, *cfgp)
	if err != nil {
		return nil, err
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		def,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

// jobDefinition validates the schedule through its Interval: a cron
// expression becomes a cron job, a duration a fixed period job.
func jobDefinition(ctx context.Context, cfg model.TimerSchedule) (gocron.JobDefinition, error) {
	interval, err := cfg.Interval(time.Now())
	if err != nil {
		return nil, fmt.Errorf("parsing service.schedule: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("service.schedule must be positive, got %s", interval)
	}
	if cfg.Cron != "" {
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "interval", interval.String())
		return gocron.CronJob(cfg.Cron, false), nil
	}
	slog.DebugContext(ctx, "successfully parsed", "duration", interval.String())
	return gocron.DurationJob(interval), nil
}

package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"readings-service/internal/shepherd"
)

// Runner is one shepherd pass.
type Runner interface {
	Run(ctx context.Context, now time.Time) (shepherd.Report, error)
}

// Schedule triggers r on spec (five-field cron or a descriptor such as
// "@every 1m") until ctx is done. An overrunning pass makes the next tick a
// no-op instead of stacking runs.
func Schedule(ctx context.Context, spec string, r Runner, log *zap.Logger) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger(log)), cron.SkipIfStillRunning(cronLogger(log))),
	)
	if _, err := c.AddFunc(spec, func() { RunOnce(ctx, r, log) }); err != nil {
		return err
	}

	log.Info("shepherd: scheduled", zap.String("schedule", spec))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce performs a single pass and logs its report.
func RunOnce(ctx context.Context, r Runner, log *zap.Logger) shepherd.Report {
	if ctx.Err() != nil {
		return shepherd.Report{}
	}
	rep, err := r.Run(ctx, time.Now().UTC())
	if err != nil {
		log.Error("shepherd: run failed", zap.Error(err))
	}
	return rep
}

func cronLogger(log *zap.Logger) cron.Logger {
	return cron.PrintfLogger(zap.NewStdLog(log.Named("cron")))
}

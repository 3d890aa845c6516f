package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cron runs a TickFunc on a standard five-field cron schedule.
type Cron struct {
	spec    string
	loc     *time.Location
	engine  *cron.Cron
	timeout time.Duration
	logger  zerolog.Logger
}

// NewCron parses spec in loc. timeout bounds each invocation; zero means none.
func NewCron(spec string, loc *time.Location, timeout time.Duration, logger zerolog.Logger) (*Cron, error) {
	if loc == nil {
		loc = time.UTC
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	return &Cron{
		spec:    spec,
		loc:     loc,
		engine:  cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: timeout,
		logger:  logger.With().Str("component", "cron").Str("spec", spec).Logger(),
	}, nil
}

// Next reports the first activation after t.
func (c *Cron) Next(t time.Time) time.Time {
	sched, err := cron.ParseStandard(c.spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(t.In(c.loc)).UTC()
}

// Run registers tick and blocks until ctx is cancelled, then waits for a
// running invocation to finish.
func (c *Cron) Run(ctx context.Context, tick TickFunc) error {
	_, err := c.engine.AddFunc(c.spec, func() {
		runCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		at := time.Now().UTC()
		if err := tick(runCtx, at); err != nil {
			c.logger.Error().Err(err).Time("tick", at).Msg("cron job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("register cron job: %w", err)
	}

	c.engine.Start()
	c.logger.Info().Time("next", c.Next(time.Now())).Msg("cron trigger started")

	<-ctx.Done()
	<-c.engine.Stop().Done()
	return ctx.Err()
}

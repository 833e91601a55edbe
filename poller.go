package gtfs

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultVehiclesInterval    = 20 * time.Second
	DefaultTripUpdatesInterval = 15 * time.Second
	DefaultAlertsInterval      = 60 * time.Second
	DefaultWarningsInterval    = 30 * time.Second
)

// Runs Task every Interval until the context is cancelled. Failed
// runs are retried with exponential backoff, but never for longer
// than the interval itself; the next tick starts over.
type Poller struct {
	Name     string
	Interval time.Duration
	Task     func(ctx context.Context) error

	// Run Task immediately rather than after the first interval.
	Immediate bool
}

func (p *Poller) Run(ctx context.Context) {
	log.Debug().Str("poller", p.Name).Dur("interval", p.Interval).Msg("starting")

	if p.Immediate {
		p.runOnce(ctx)
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("poller", p.Name).Msg("stopped")
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval / 20
	b.MaxInterval = p.Interval / 4
	b.MaxElapsedTime = p.Interval * 3 / 4

	err := backoff.RetryNotify(
		func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return p.Task(ctx)
		},
		backoff.WithContext(b, ctx),
		func(err error, d time.Duration) {
			log.Warn().Err(err).Str("poller", p.Name).Dur("retry_in", d).Msg("poll failed")
		},
	)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("poller", p.Name).Msg("giving up until next tick")
	}
}

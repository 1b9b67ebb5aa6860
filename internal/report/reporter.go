package report

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"forgescan/tool-runner/internal/model"
	"forgescan/tool-runner/internal/observability"
)

// ReporterConfig shapes one retry burst. Zero values pick defaults.
type ReporterConfig struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// Reporter publishes results and never gives up while ctx is alive: every
// exhausted burst raises an alert and a new burst starts.
type Reporter struct {
	sink    Sink
	cfg     ReporterConfig
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewReporter(sink Sink, cfg ReporterConfig, logger zerolog.Logger, metrics *observability.Metrics) *Reporter {
	if cfg.Attempts == 0 {
		cfg.Attempts = 5
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	return &Reporter{
		sink:    sink,
		cfg:     cfg,
		logger:  logger.With().Str("component", "reporter").Logger(),
		metrics: metrics,
	}
}

// Report returns nil once res is durably stored, or ctx's error.
func (r *Reporter) Report(ctx context.Context, res *model.Result) error {
	log := r.logger.With().Str("run_id", res.RunID).Logger()
	for burst := 1; ; burst++ {
		var stored bool
		err := retry.Do(
			func() error {
				s, err := r.sink.Publish(ctx, res)
				if err != nil {
					r.metrics.ReportFailed()
					return err
				}
				stored = s
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(r.cfg.Attempts),
			retry.Delay(r.cfg.Delay),
			retry.MaxDelay(r.cfg.MaxDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				log.Warn().Err(err).Uint("attempt", n+1).Msg("publish failed, retrying")
			}),
		)
		if err == nil {
			if !stored {
				log.Info().Msg("result already recorded for run, duplicate dropped")
			}
			return nil
		}
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "reporting interrupted")
		}

		r.metrics.ReportAlert()
		log.Error().Err(err).Int("burst", burst).Msg("result publication exhausted retries, continuing")

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "reporting interrupted")
		case <-time.After(r.cfg.MaxDelay):
		}
	}
}

package scheduler

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Service drives ticks and retry maintenance on cron schedules. A job that
// is still running when its next slot comes up is skipped, so one process
// never overlaps itself.
type Service struct {
	orch *Orchestrator
	cron *cron.Cron
	ctx  context.Context
}

func NewService(orch *Orchestrator, tickSpec, retrySpec string) (*Service, error) {
	logger := cronLogger{}
	s := &Service{
		orch: orch,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx: context.Background(),
	}
	if _, err := s.cron.AddFunc(tickSpec, s.tick); err != nil {
		return nil, errors.Wrapf(err, "tick schedule %q", tickSpec)
	}
	if retrySpec != "" {
		if _, err := s.cron.AddFunc(retrySpec, s.retry); err != nil {
			return nil, errors.Wrapf(err, "retry schedule %q", retrySpec)
		}
	}
	log.Info().Str("tick", tickSpec).Str("retry", retrySpec).Msg("schedule service configured")
	return s, nil
}

// Start runs the schedules in the background until Stop. Jobs receive ctx.
func (s *Service) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	log.Info().Msg("schedule service started")
}

// Stop prevents new runs and returns a context done once running jobs finish.
func (s *Service) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Service) tick() {
	if _, err := s.orch.Tick(s.ctx); err != nil {
		log.Error().Err(err).Msg("tick aborted dispatch")
	}
}

func (s *Service) retry() {
	if _, err := s.orch.RetryFailed(s.ctx); err != nil {
		log.Error().Err(err).Msg("retry maintenance failed")
	}
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

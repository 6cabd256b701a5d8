// Package jobs runs the periodic maintenance of the session core: the
// connection pool sweep and the nightly purge of expired durable tokens.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Kopilov/carabiserver/internal/config"
	"github.com/Kopilov/carabiserver/internal/session"
)

// tokenPurgeSpec fires once a night, in the quiet hours.
const tokenPurgeSpec = "0 0 4 * * *"

type Maintainer interface {
	SweepPools(ctx context.Context, cursors session.CursorRegistry)
	PurgeExpired(ctx context.Context) (int64, error)
}

type Scheduler struct {
	cron     *cron.Cron
	registry Maintainer
	cursors  session.CursorRegistry
	isMaster bool
	kernel   config.KernelConfig
	log      zerolog.Logger
}

// NewScheduler wires the sweeps. The token purge runs on the master node
// only, so a cluster deletes each expired row once.
func NewScheduler(registry Maintainer, cursors session.CursorRegistry, isMaster bool, kernel config.KernelConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		registry: registry,
		cursors:  cursors,
		isMaster: isMaster,
		kernel:   kernel,
		log:      log,
	}
}

func (s *Scheduler) Start() error {
	sweepSpec := fmt.Sprintf("@every %s", s.kernel.PoolSweepInterval)
	if _, err := s.cron.AddFunc(sweepSpec, s.sweepPools); err != nil {
		return err
	}
	if s.isMaster {
		if _, err := s.cron.AddFunc(tokenPurgeSpec, s.purgeTokens); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.log.Info().Str("sweep", sweepSpec).Bool("tokenPurge", s.isMaster).Msg("maintenance scheduler started")
	return nil
}

// Stop halts the schedule and waits for an in-flight job to finish, so
// the stores are still up while a sweep is running. A job that overruns
// the grace period is abandoned with a warning.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("maintenance job still running at shutdown")
	}
}

// JobCount reports how many jobs are registered.
func (s *Scheduler) JobCount() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) sweepPools() {
	ctx, cancel := context.WithTimeout(context.Background(), s.kernel.PoolSweepInterval)
	defer cancel()
	s.registry.SweepPools(ctx, s.cursors)
}

func (s *Scheduler) purgeTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.registry.PurgeExpired(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("token purge failed")
		return
	}
	s.log.Info().Int64("deleted", n).Msg("expired tokens purged")
}

package updater

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs background version checks on a cron schedule. Apply swaps
// the schedule at runtime when settings change.
type Scheduler struct {
	cron *cron.Cron
	run  func()
	log  zerolog.Logger

	mu    sync.Mutex
	entry cron.EntryID
}

func NewScheduler(log zerolog.Logger, run func()) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		run:  run,
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop ends scheduling; the returned context closes once a running job
// finishes.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// Apply replaces the active schedule. An empty spec disables checks.
func (s *Scheduler) Apply(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	if spec == "" {
		s.log.Info().Msg("scheduled checks disabled")
		return nil
	}
	id, err := s.cron.AddFunc(spec, s.run)
	if err != nil {
		return err
	}
	s.entry = id
	s.log.Info().Str("schedule", spec).Msg("scheduled checks enabled")
	return nil
}

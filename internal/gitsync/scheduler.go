package gitsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/autocode-io/autocode/internal/ticket"
)

// Scheduler runs a pull sync for every repository on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	syncer *Syncer
	store  ticket.Store
	logger *slog.Logger
}

// NewScheduler creates a scheduler firing on the given cron expression
// (standard 5-field or a predefined schedule like "@every 5m").
func NewScheduler(syncer *Syncer, store ticket.Store, schedule string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:   cron.New(),
		syncer: syncer,
		store:  store,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.syncAll); err != nil {
		return nil, fmt.Errorf("gitsync: invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the cron scheduler. Blocks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("sync scheduler started")

	<-ctx.Done()
	s.cron.Stop()
	s.logger.Info("sync scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) syncAll() {
	repos, err := s.store.ListRepositories()
	if err != nil {
		s.logger.Error("scheduled sync: list repositories", "error", err)
		return
	}
	for _, repo := range repos {
		results, err := s.syncer.SyncRepository(context.Background(), repo.ID, "all")
		if err != nil {
			s.logger.Error("scheduled sync failed", "repo", repo.FullName, "error", err)
			continue
		}
		changed := 0
		for _, r := range results {
			if r.Changed {
				changed++
			}
		}
		s.logger.Info("scheduled sync complete", "repo", repo.FullName, "tickets", len(results), "changed", changed)
	}
}

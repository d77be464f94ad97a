// Package schedule is the narrow cron integration described in
// SPEC_FULL.md §10: the core owns no scheduling logic, only the
// process handle it is given. It wraps robfig/cron/v3 directly rather
// than reimplementing a parser, unlike own
// internal/cron package (which hand-rolls Schedule.Next around the
// same library) — our scheduler has exactly one job: invoke Spawn on
// a timer.
package schedule

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/duraloop/duraloop/internal/config"
	"github.com/duraloop/duraloop/internal/process"
)

// Spawner is the subset of process.Registry the scheduler depends on.
type Spawner interface {
	Spawn(ctx context.Context, req process.SpawnRequest) (*process.SpawnResult, error)
}

// Scheduler runs configured cron jobs by calling Spawner.Spawn on
// schedule; it holds no state about the processes it starts.
type Scheduler struct {
	cron *cron.Cron
	spawner Spawner
	log *slog.Logger
	jobIDs map[string]cron.EntryID
}

func New(spawner Spawner, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		spawner: spawner,
		log: log,
		jobIDs: make(map[string]cron.EntryID),
	}
}

// Load registers every enabled job from cfg. Jobs that fail to parse
// are skipped and logged, not fatal.
func (s *Scheduler) Load(cfg config.CronConfig) {
	if !cfg.Enabled {
		return
	}
	for _, job := range cfg.Jobs {
		if err := s.addJob(job); err != nil {
			s.log.Warn("cron job skipped", "id", job.ID, "error", err)
		}
	}
}

func (s *Scheduler) addJob(job config.CronJobConfig) error {
	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.run(job)
	})
	if err != nil {
		return fmt.Errorf("schedule: parse %q: %w", job.Schedule, err)
	}
	s.jobIDs[job.ID] = entryID
	return nil
}

func (s *Scheduler) run(job config.CronJobConfig) {
	ctx := context.Background()
	_, err := s.spawner.Spawn(ctx, process.SpawnRequest{
		Command: job.Command,
		WorkDir: job.WorkDir,
		Label: "cron:" + job.ID,
		SessionID: job.SessionID,
		AgentName: job.AgentName,
		TimeoutSecs: job.TimeoutSecs,
	})
	if err != nil {
		s.log.Error("cron job spawn failed", "id", job.ID, "error", err)
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remove unregisters a job by its config id.
func (s *Scheduler) Remove(id string) {
	if entryID, ok := s.jobIDs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.jobIDs, id)
	}
}

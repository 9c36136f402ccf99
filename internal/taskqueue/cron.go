// Copyright 2025 James Ross
package taskqueue

import (
	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler wires the five periodic recurrences onto a robfig/cron runner:
// the two analytics transfer drains, the two rollup aggregations, and the
// tag-cardinality refresh stub.
type Scheduler struct {
	cfg *config.Config
	log *zap.Logger
	c   *cron.Cron
}

func NewScheduler(cfg *config.Config, log *zap.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, log: log, c: cron.New()}
}

// SchedulePeriodic registers a named job against a cron spec, logging
// failures instead of letting a single bad run take down the scheduler.
func (s *Scheduler) SchedulePeriodic(name, spec string, job func() error) error {
	_, err := s.c.AddFunc(spec, func() {
		if err := job(); err != nil {
			s.log.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	return err
}

func (s *Scheduler) Start() { s.c.Start() }
func (s *Scheduler) Stop()  { <-s.c.Stop().Done() }

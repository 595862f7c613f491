/**
 * @description
 * Cron scheduler for the ledger maintenance jobs: settling stale claim
 * reservations and deposits, and auditing the bookkeeping totals.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 5 * time.Minute

// SchedulerConfig holds the cron specs and job tuning.
type SchedulerConfig struct {
	ReconcileSchedule string
	AuditSchedule     string
	ReconcileAge      time.Duration
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	service *Service
	logger  *zap.Logger
	config  SchedulerConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(service *Service, logger *zap.Logger, cfg SchedulerConfig) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "scheduler"))
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:    c,
		service: service,
		logger:  logger,
		config:  cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.ReconcileSchedule, s.ReconcileTransfers); err != nil {
		s.logger.Error("failed to schedule transfer reconcile job", zap.Error(err))
	} else {
		s.logger.Info("scheduled transfer reconcile job", zap.String("schedule", s.config.ReconcileSchedule))
	}

	if _, err := s.cron.AddFunc(s.config.AuditSchedule, s.AuditLedger); err != nil {
		s.logger.Error("failed to schedule ledger audit job", zap.Error(err))
	} else {
		s.logger.Info("scheduled ledger audit job", zap.String("schedule", s.config.AuditSchedule))
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// ReconcileTransfers settles claim reservations and deposits left pending by
// unknown transfer outcomes.
func (s *Scheduler) ReconcileTransfers() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := s.service.ReconcilePendingClaims(ctx, s.config.ReconcileAge, maxReconcileLimit); err != nil {
		s.logger.Error("claim reconcile job failed", zap.Error(err))
	}
	if _, err := s.service.ReconcilePendingDeposits(ctx, s.config.ReconcileAge, maxReconcileLimit); err != nil {
		s.logger.Error("deposit reconcile job failed", zap.Error(err))
	}
}

// AuditLedger checks every payout's bookkeeping totals.
func (s *Scheduler) AuditLedger() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := s.service.AuditLedger(ctx); err != nil {
		s.logger.Error("ledger audit job failed", zap.Error(err))
	}
}

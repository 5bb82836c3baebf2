// Package scheduler drives periodic reconciliation passes over pending
// payment requests.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"paygate/internal/metrics"
	"paygate/internal/rates"
	"paygate/internal/reconcile"
	"paygate/internal/repo"
)

// Pass triggers.
const (
	TriggerTick    = "tick"
	TriggerManual  = "manual"
	TriggerWebhook = "webhook"
)

// ErrPassRunning is returned by RunOnce while another pass is in flight.
var ErrPassRunning = errors.New("scheduler: pass already running")

// Reconciler reconciles one request with the quotes of the current pass and
// finishes commission fan-outs that an earlier confirm left incomplete.
type Reconciler interface {
	Reconcile(ctx context.Context, req *repo.PaymentRequest, quotes rates.Source) (reconcile.Result, error)
	SettleCommissions(ctx context.Context, req *repo.PaymentRequest) error
}

// Config holds scheduler timings.
type Config struct {
	Interval        time.Duration
	Delay           time.Duration
	RetentionWindow time.Duration
	RequestTimeout  time.Duration
}

// Report summarises one pass.
type Report struct {
	Trigger  string                    `json:"trigger"`
	Expired  int64                     `json:"expired"`
	Checked  int                       `json:"checked"`
	Settled  int                       `json:"settled"`
	Errors   int                       `json:"errors"`
	Outcomes map[reconcile.Outcome]int `json:"outcomes"`
}

// Scheduler runs reconciliation passes on a ticker and on demand.
type Scheduler struct {
	repo       repo.Repository
	reconciler Reconciler
	rates      rates.Source
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	pass     sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Scheduler.
func New(r repo.Repository, reconciler Reconciler, quotes rates.Source, cfg Config, logger *slog.Logger, metrics *metrics.Metrics) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 24 * time.Hour
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Scheduler{
		repo:       r,
		reconciler: reconciler,
		rates:      quotes,
		cfg:        cfg,
		logger:     logger.With("component", "scheduler"),
		metrics:    metrics,
		now:        time.Now,
		sleep:      sleep,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the periodic loop. It returns immediately; call Stop to
// end the loop and wait for an in-flight pass.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.logger.Info("scheduler started", "interval", s.cfg.Interval.String())
}

// Stop signals the loop to exit and waits for it.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Passes stop at the next request boundary once either signal fires.
	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-passCtx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(passCtx, TriggerTick); err != nil && !errors.Is(err, ErrPassRunning) && !errors.Is(err, context.Canceled) {
				s.logger.Error("scheduled pass failed", "error", err)
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce expires stale requests, reconciles every pending request younger
// than the retention window and settles interrupted commission fan-outs. All requests in the pass share one
// exchange rate quote. Cancelling ctx stops the pass between requests; the
// request in flight is allowed to finish.
func (s *Scheduler) RunOnce(ctx context.Context, trigger string) (Report, error) {
	if !s.pass.TryLock() {
		return Report{Trigger: trigger}, ErrPassRunning
	}
	defer s.pass.Unlock()

	if s.metrics != nil {
		s.metrics.SchedulerPasses.WithLabelValues(trigger).Inc()
	}
	report := Report{Trigger: trigger, Outcomes: map[reconcile.Outcome]int{}}
	log := s.logger.With("trigger", trigger)
	started := s.now()
	cutoff := started.Add(-s.cfg.RetentionWindow)

	expired, err := s.repo.ExpirePendingBefore(ctx, cutoff, started)
	if err != nil {
		s.countError()
		return report, fmt.Errorf("expire stale requests: %w", err)
	}
	report.Expired = expired
	if expired > 0 {
		log.Info("expired stale payment requests", "count", expired)
	}

	pending, err := s.repo.ListPendingSince(ctx, cutoff)
	if err != nil {
		s.countError()
		return report, fmt.Errorf("list pending requests: %w", err)
	}

	quotes := rates.Once(s.rates)
	for i := range pending {
		if i > 0 && s.cfg.Delay > 0 {
			if err := s.sleep(ctx, s.cfg.Delay); err != nil {
				return report, err
			}
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RequestTimeout)
		res, err := s.reconciler.Reconcile(reqCtx, &pending[i], quotes)
		cancel()

		report.Checked++
		report.Outcomes[res.Outcome]++
		if err != nil {
			report.Errors++
			log.Warn("reconcile failed, retrying next pass", "request_id", pending[i].ID, "error", err)
		}
	}

	unsettled, err := s.repo.ListUnsettledSince(ctx, cutoff)
	if err != nil {
		s.countError()
		return report, fmt.Errorf("list unsettled requests: %w", err)
	}
	for i := range unsettled {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RequestTimeout)
		err := s.reconciler.SettleCommissions(reqCtx, &unsettled[i])
		cancel()
		if err != nil {
			report.Errors++
			log.Warn("commission settlement failed, retrying next pass", "request_id", unsettled[i].ID, "error", err)
			continue
		}
		report.Settled++
	}

	log.Info("reconciliation pass finished",
		"checked", report.Checked,
		"settled", report.Settled,
		"expired", report.Expired,
		"errors", report.Errors,
		"took", s.now().Sub(started).String(),
	)
	return report, nil
}

func (s *Scheduler) countError() {
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues("scheduler").Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

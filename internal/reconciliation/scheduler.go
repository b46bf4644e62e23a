// Package reconciliation runs the periodic sweep that resolves transactions
// the callback path left behind: unanswered payments, failed or stuck
// disbursements, expired rows and float monitoring.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"airtimebridge/internal/purchase"
)

// LeaseName is the ledger lease that keeps sweeps single-writer across
// processes.
const LeaseName = "reconciliation"

// ErrSweepInProgress is returned when a sweep is already running in this
// process.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Config holds sweep timing.
type Config struct {
	Interval          time.Duration `envconfig:"SWEEP_INTERVAL" default:"60s"`
	MinAge            time.Duration `envconfig:"RECONCILE_MIN_AGE" default:"2m"`
	MaxPending        time.Duration `envconfig:"MAX_PENDING_DURATION" default:"30m"`
	ProcessingTimeout time.Duration `envconfig:"PROCESSING_TIMEOUT" default:"2m"`
	HealerBackoff     time.Duration `envconfig:"HEALER_BACKOFF" default:"30s"`
	Concurrency       int           `envconfig:"SWEEP_CONCURRENCY" default:"4"`
	BatchSize         int           `envconfig:"SWEEP_BATCH_SIZE" default:"200"`
}

// DefaultConfig mirrors the envconfig defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          time.Minute,
		MinAge:            2 * time.Minute,
		MaxPending:        30 * time.Minute,
		ProcessingTimeout: 2 * time.Minute,
		HealerBackoff:     30 * time.Second,
		Concurrency:       4,
		BatchSize:         200,
	}
}

// Validate checks the timing is coherent.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.MinAge <= 0 || c.MaxPending <= c.MinAge {
		return fmt.Errorf("RECONCILE_MIN_AGE (%s) must be positive and below MAX_PENDING_DURATION (%s)", c.MinAge, c.MaxPending)
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be positive")
	}
	if c.HealerBackoff < 0 {
		return fmt.Errorf("HEALER_BACKOFF must not be negative")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be at least 1")
	}
	return nil
}

// Ledger is the slice of the elevated ledger the scheduler needs.
type Ledger interface {
	ListByState(ctx context.Context, q purchase.StateQuery) ([]*purchase.Transaction, error)
	AcquireLease(ctx context.Context, name, holder string, now, expiresAt time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
	RecordMetric(ctx context.Context, name string, value float64, at time.Time) error
}

// Machine is the state machine the sweep drives.
type Machine interface {
	ReconcilePayment(ctx context.Context, txn *purchase.Transaction) (*purchase.Transaction, error)
	RetryDisbursement(ctx context.Context, txn *purchase.Transaction) (*purchase.Transaction, error)
	ResumeDisbursement(ctx context.Context, txn *purchase.Transaction) (*purchase.Transaction, error)
	MarkStuck(ctx context.Context, txn *purchase.Transaction) (*purchase.Transaction, error)
	Expire(ctx context.Context, txn *purchase.Transaction, maxPending time.Duration) (*purchase.Transaction, error)
	ObserveFloat(ctx context.Context) (*purchase.FloatObservation, error)
	RefreshFloat(ctx context.Context) (purchase.FloatLevel, error)
	Config() purchase.Config
}

// SweepResult summarises one sweep.
type SweepResult struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Skipped is set when another process holds the sweep lease.
	Skipped bool `json:"skipped"`

	Reconciled int `json:"reconciled"`
	Resolved   int `json:"resolved"`
	Retried    int `json:"retried"`
	Resumed    int `json:"resumed"`
	Stuck      int `json:"stuck"`
	Escalated  int `json:"escalated"`
	Expired    int `json:"expired"`
	Stale      int `json:"stale"`
	Errors     int `json:"errors"`

	Float *purchase.FloatObservation `json:"-"`
}

type tally struct {
	reconciled, resolved, retried, resumed atomic.Int64
	stuck, escalated, expired, stale, errs atomic.Int64
}

// Scheduler runs sweeps on a ticker.
type Scheduler struct {
	cfg     Config
	ledger  Ledger
	machine Machine
	logger  *slog.Logger
	holder  string
	now     func() time.Time

	mu sync.Mutex
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg Config, ledger Ledger, machine Machine, logger *slog.Logger) *Scheduler {
	host, _ := os.Hostname()
	return &Scheduler{
		cfg:     cfg,
		ledger:  ledger,
		machine: machine,
		logger:  logger.With("component", "reconciliation"),
		holder:  fmt.Sprintf("%s/%d/%s", host, os.Getpid(), ulid.Make().String()),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start sweeps immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("reconciliation scheduler started",
		"interval", s.cfg.Interval,
		"min_age", s.cfg.MinAge,
		"max_pending", s.cfg.MaxPending,
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunSweep(ctx); err != nil {
		if errors.Is(err, ErrSweepInProgress) {
			s.logger.Warn("previous sweep still running; tick skipped")
			return
		}
		s.logger.Error("sweep failed", "error", err)
	}
}

// RunSweep performs one sweep. Item failures are logged and counted; only a
// failure to take the lease is returned. When another process holds the
// lease the sweep is skipped and only the float level is refreshed.
func (s *Scheduler) RunSweep(ctx context.Context) (*SweepResult, error) {
	if !s.mu.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer s.mu.Unlock()

	start := s.now()
	ok, err := s.ledger.AcquireLease(ctx, LeaseName, s.holder, start, start.Add(2*s.cfg.Interval+s.cfg.ProcessingTimeout))
	if err != nil {
		return nil, fmt.Errorf("acquiring sweep lease: %w", err)
	}
	if !ok {
		s.logger.Debug("sweep lease held by another process")
		// The holder pulls the float; follow its recorded balance so
		// admission here closes with it.
		if _, err := s.machine.RefreshFloat(ctx); err != nil {
			s.logger.Error("refreshing float level", "error", err)
		}
		return &SweepResult{StartedAt: start, Skipped: true}, nil
	}
	defer func() {
		if err := s.ledger.ReleaseLease(context.WithoutCancel(ctx), LeaseName, s.holder); err != nil {
			s.logger.Error("releasing sweep lease", "error", err)
		}
	}()

	var t tally
	s.reconcilePayments(ctx, start, &t)
	s.healDisbursements(ctx, start, &t)
	s.expireStale(ctx, start, &t)
	obs := s.observeFloat(ctx, &t)

	res := &SweepResult{
		StartedAt:  start,
		Duration:   s.now().Sub(start),
		Reconciled: int(t.reconciled.Load()),
		Resolved:   int(t.resolved.Load()),
		Retried:    int(t.retried.Load()),
		Resumed:    int(t.resumed.Load()),
		Stuck:      int(t.stuck.Load()),
		Escalated:  int(t.escalated.Load()),
		Expired:    int(t.expired.Load()),
		Stale:      int(t.stale.Load()),
		Errors:     int(t.errs.Load()),
		Float:      obs,
	}

	s.logger.Info("sweep completed",
		"duration_ms", res.Duration.Milliseconds(),
		"reconciled", res.Reconciled,
		"resolved", res.Resolved,
		"retried", res.Retried,
		"resumed", res.Resumed,
		"stuck", res.Stuck,
		"escalated", res.Escalated,
		"expired", res.Expired,
		"stale", res.Stale,
		"errors", res.Errors,
	)
	s.recordMetrics(ctx, res)
	return res, nil
}

// reconcilePayments queries the gateway for payments whose callback is
// overdue.
func (s *Scheduler) reconcilePayments(ctx context.Context, now time.Time, t *tally) {
	txns, err := s.ledger.ListByState(ctx, purchase.StateQuery{
		States:        []purchase.State{purchase.StatePendingPayment, purchase.StateReconciliation},
		CreatedBefore: now.Add(-s.cfg.MinAge),
		CreatedAfter:  now.Add(-s.cfg.MaxPending),
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		s.logger.Error("listing unresolved payments", "error", err)
		t.errs.Add(1)
		return
	}

	s.forEach(ctx, "reconcile", txns, t, func(ctx context.Context, txn *purchase.Transaction) error {
		t.reconciled.Add(1)
		updated, err := s.machine.ReconcilePayment(ctx, txn)
		if err != nil {
			return err
		}
		if !updated.State.AwaitingPayment() {
			t.resolved.Add(1)
		}
		return nil
	})
}

// healDisbursements retries HEALING rows whose backoff has elapsed, resumes
// paid rows that were never dispatched and recovers stuck PROCESSING rows.
func (s *Scheduler) healDisbursements(ctx context.Context, now time.Time, t *tally) {
	maxAttempts := s.machine.Config().MaxAttempts

	healing, err := s.ledger.ListByState(ctx, purchase.StateQuery{
		States: []purchase.State{purchase.StateHealing},
		Limit:  s.cfg.BatchSize,
	})
	if err != nil {
		s.logger.Error("listing healing transactions", "error", err)
		t.errs.Add(1)
	} else {
		s.forEach(ctx, "retry", healing, t, func(ctx context.Context, txn *purchase.Transaction) error {
			due := txn.UpdatedAt.Add(time.Duration(txn.AttemptCount) * s.cfg.HealerBackoff)
			if txn.AttemptCount < maxAttempts && now.Before(due) {
				return nil
			}
			updated, err := s.machine.RetryDisbursement(ctx, txn)
			if err != nil {
				return err
			}
			if updated.State == purchase.StateFailedPermanent {
				t.escalated.Add(1)
			} else {
				t.retried.Add(1)
			}
			return nil
		})
	}

	stale := now.Add(-s.cfg.ProcessingTimeout)

	paid, err := s.ledger.ListByState(ctx, purchase.StateQuery{
		States:        []purchase.State{purchase.StatePaymentSuccess},
		UpdatedBefore: stale,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		s.logger.Error("listing undispatched payments", "error", err)
		t.errs.Add(1)
	} else {
		s.forEach(ctx, "resume", paid, t, func(ctx context.Context, txn *purchase.Transaction) error {
			if _, err := s.machine.ResumeDisbursement(ctx, txn); err != nil {
				return err
			}
			t.resumed.Add(1)
			return nil
		})
	}

	stuck, err := s.ledger.ListByState(ctx, purchase.StateQuery{
		States:        []purchase.State{purchase.StateProcessing},
		UpdatedBefore: stale,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		s.logger.Error("listing stuck disbursements", "error", err)
		t.errs.Add(1)
		return
	}
	s.forEach(ctx, "stuck", stuck, t, func(ctx context.Context, txn *purchase.Transaction) error {
		updated, err := s.machine.MarkStuck(ctx, txn)
		if err != nil {
			return err
		}
		t.stuck.Add(1)
		if updated.State == purchase.StateFailedPermanent {
			t.escalated.Add(1)
		}
		return nil
	})
}

// expireStale force-ends every non-terminal row older than MaxPending.
func (s *Scheduler) expireStale(ctx context.Context, now time.Time, t *tally) {
	txns, err := s.ledger.ListByState(ctx, purchase.StateQuery{
		States:        purchase.NonTerminalStates(),
		CreatedBefore: now.Add(-s.cfg.MaxPending),
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		s.logger.Error("listing expired transactions", "error", err)
		t.errs.Add(1)
		return
	}

	s.forEach(ctx, "expire", txns, t, func(ctx context.Context, txn *purchase.Transaction) error {
		if _, err := s.machine.Expire(ctx, txn, s.cfg.MaxPending); err != nil {
			return err
		}
		t.expired.Add(1)
		return nil
	})
}

func (s *Scheduler) observeFloat(ctx context.Context, t *tally) *purchase.FloatObservation {
	obs, err := s.machine.ObserveFloat(ctx)
	if err != nil {
		s.logger.Error("float observation failed", "error", err)
		t.errs.Add(1)
		return nil
	}
	return obs
}

// forEach runs fn for every transaction with bounded parallelism. Errors and
// panics are contained to the item.
func (s *Scheduler) forEach(ctx context.Context, step string, txns []*purchase.Transaction, t *tally, fn func(context.Context, *purchase.Transaction) error) {
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)

	for _, txn := range txns {
		txn := txn
		g.Go(func() error {
			defer func() {
				if rec := recover(); rec != nil {
					s.logger.Error("panic in sweep item",
						"step", step,
						"transaction_id", txn.ID,
						"panic", rec,
					)
					t.errs.Add(1)
				}
			}()

			if err := fn(ctx, txn); err != nil {
				if errors.Is(err, purchase.ErrStaleState) {
					t.stale.Add(1)
					return nil
				}
				s.logger.Error("sweep item failed",
					"step", step,
					"transaction_id", txn.ID,
					"state", txn.State,
					"error", err,
				)
				t.errs.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) recordMetrics(ctx context.Context, res *SweepResult) {
	at := res.StartedAt
	metrics := map[string]float64{
		"sweep.duration_ms": float64(res.Duration.Milliseconds()),
		"sweep.reconciled":  float64(res.Reconciled),
		"sweep.resolved":    float64(res.Resolved),
		"sweep.retried":     float64(res.Retried),
		"sweep.resumed":     float64(res.Resumed),
		"sweep.stuck":       float64(res.Stuck),
		"sweep.escalated":   float64(res.Escalated),
		"sweep.expired":     float64(res.Expired),
		"sweep.errors":      float64(res.Errors),
	}
	if res.Float != nil {
		metrics["float.balance"] = res.Float.Balance.Major().InexactFloat64()
		metrics["float.drift"] = res.Float.Drift.Major().InexactFloat64()
		metrics["float.level"] = float64(res.Float.Level)
	}

	for name, value := range metrics {
		if err := s.ledger.RecordMetric(ctx, name, value, at); err != nil {
			s.logger.Warn("recording sweep metric", "metric", name, "error", err)
			return
		}
	}
}

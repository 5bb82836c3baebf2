// Package reconcile matches pending payment requests to ledger transfers and
// performs the confirm-and-credit transition.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"paygate/internal/ledger"
	"paygate/internal/metrics"
	"paygate/internal/notify"
	"paygate/internal/rates"
	"paygate/internal/referral"
	"paygate/internal/repo"
)

// Outcome is the result of reconciling one request.
type Outcome string

const (
	OutcomePending          Outcome = "pending"
	OutcomeConfirmed        Outcome = "confirmed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeExpired          Outcome = "expired"
	OutcomeFailed           Outcome = "failed"
)

const (
	maxCreditBackoff         = 30 * time.Second
	defaultDistributeTimeout = 30 * time.Second
)

// ErrCreditExhausted is returned when the confirm transaction kept failing
// past the retry budget. The request stays pending and an operator is paged.
var ErrCreditExhausted = errors.New("reconcile: confirm and credit retries exhausted")

// Result reports what happened to a request.
type Result struct {
	Outcome   Outcome
	Request   *repo.PaymentRequest
	Transfer  *ledger.Transfer
	Amount    decimal.Decimal
	RateStale bool
}

// Distributor pays referral commissions for a confirmed request.
type Distributor interface {
	Distribute(ctx context.Context, req *repo.PaymentRequest, source *repo.User, base decimal.Decimal) []referral.Credit
}

// Config holds reconciler settings.
type Config struct {
	Wallet          string
	RetentionWindow time.Duration
	FetchLimit      int
	CreditAttempts  int
	CreditBackoff   time.Duration
	Currency        string

	// DistributeTimeout bounds the commission fan-out, which runs detached
	// from the caller's cancellation.
	DistributeTimeout time.Duration
}

// Deps are the reconciler's collaborators. Notifier, Alerter, Distributor
// and Metrics may be nil.
type Deps struct {
	Repo        repo.Repository
	Ledger      ledger.Reader
	Rates       rates.Source
	Distributor Distributor
	Notifier    notify.Notifier
	Alerter     notify.Alerter
	Metrics     *metrics.Metrics
}

// Reconciler runs the payment state machine.
type Reconciler struct {
	repo        repo.Repository
	ledger      ledger.Reader
	rates       rates.Source
	distributor Distributor
	notifier    notify.Notifier
	alerter     notify.Alerter
	metrics     *metrics.Metrics
	cfg         Config
	logger      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Reconciler.
func New(deps Deps, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.CreditAttempts <= 0 {
		cfg.CreditAttempts = 5
	}
	if cfg.CreditBackoff <= 0 {
		cfg.CreditBackoff = 500 * time.Millisecond
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.DistributeTimeout <= 0 {
		cfg.DistributeTimeout = defaultDistributeTimeout
	}
	logger = logger.With("component", "reconciler")
	r := &Reconciler{
		repo:        deps.Repo,
		ledger:      deps.Ledger,
		rates:       deps.Rates,
		distributor: deps.Distributor,
		notifier:    deps.Notifier,
		alerter:     deps.Alerter,
		metrics:     deps.Metrics,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepCtx,
	}
	if r.notifier == nil {
		r.notifier = notify.Nop{}
	}
	if r.alerter == nil {
		r.alerter = notify.LogAlerter{Logger: logger}
	}
	return r
}

// ReconcileNow loads the request and reconciles it with the live rate source.
func (r *Reconciler) ReconcileNow(ctx context.Context, requestID string) (Result, error) {
	req, err := r.repo.GetPaymentRequest(ctx, requestID)
	if err != nil {
		return Result{}, err
	}
	return r.Reconcile(ctx, req, r.rates)
}

// Reconcile drives one request through the state machine using quotes for
// conversion. A transient failure leaves the request pending and is
// returned alongside an OutcomePending result.
func (r *Reconciler) Reconcile(ctx context.Context, req *repo.PaymentRequest, quotes rates.Source) (Result, error) {
	res, err := r.reconcile(ctx, req, quotes)
	if r.metrics != nil {
		r.metrics.ReconcileOutcomes.WithLabelValues(string(res.Outcome)).Inc()
		if err != nil {
			r.metrics.Errors.WithLabelValues("reconciler").Inc()
		}
	}
	return res, err
}

func (r *Reconciler) reconcile(ctx context.Context, req *repo.PaymentRequest, quotes rates.Source) (Result, error) {
	switch req.Status {
	case repo.StatusConfirmed:
		if unsettled(req) {
			if err := r.settleCommissions(ctx, req, nil, req.ResolvedAmount.Decimal); err != nil {
				r.logger.Warn("commission fan-out still incomplete", "request_id", req.ID, "error", err)
			}
		}
		return Result{Outcome: OutcomeConfirmed, Request: req, Amount: req.ResolvedAmount.Decimal, RateStale: req.RateStale}, nil
	case repo.StatusExpired:
		return Result{Outcome: OutcomeExpired, Request: req}, nil
	case repo.StatusFailed:
		return Result{Outcome: OutcomeFailed, Request: req}, nil
	}

	log := r.logger.With("request_id", req.ID, "code", req.Code)

	if r.cfg.RetentionWindow > 0 && r.now().Sub(req.CreatedAt) > r.cfg.RetentionWindow {
		expired, err := r.repo.ExpirePending(ctx, req.ID, r.now())
		if err != nil {
			return Result{Outcome: OutcomePending, Request: req}, fmt.Errorf("expire request: %w", err)
		}
		if expired {
			log.Info("payment request expired")
			req.Status = repo.StatusExpired
			return Result{Outcome: OutcomeExpired, Request: req}, nil
		}
		return r.settled(ctx, req.ID)
	}

	wallet := req.Wallet
	if wallet == "" {
		wallet = r.cfg.Wallet
	}
	transfers, err := r.ledger.FetchRecentTransfers(ctx, wallet, r.cfg.FetchLimit)
	if err != nil {
		log.Warn("fetch transfers failed", "error", err)
		return Result{Outcome: OutcomePending, Request: req}, fmt.Errorf("fetch transfers: %w", err)
	}

	transfer, exact := findMatch(transfers, req.Code)
	if transfer == nil {
		return Result{Outcome: OutcomeNotFound, Request: req}, nil
	}
	if !exact {
		log.Warn("matched transfer by memo substring", "tx_hash", transfer.Hash, "memo", transfer.Memo)
	}

	prior, err := r.repo.FindConfirmedByCode(ctx, wallet, req.Code)
	switch {
	case err == nil:
		log.Info("code already consumed", "confirmed_request_id", prior.ID)
		return Result{Outcome: OutcomeAlreadyProcessed, Request: r.reload(ctx, req), Transfer: transfer}, nil
	case !errors.Is(err, repo.ErrNotFound):
		return Result{Outcome: OutcomePending, Request: req}, fmt.Errorf("check consumed code: %w", err)
	}

	quote, err := quotes.Quote(ctx)
	if err != nil {
		log.Warn("exchange rate unavailable", "error", err)
		return Result{Outcome: OutcomePending, Request: req, Transfer: transfer}, fmt.Errorf("quote: %w", err)
	}
	amount := rates.Convert(transfer.Value, quote)
	if quote.Stale {
		log.Warn("confirming with stale exchange rate", "rate", quote.Rate.String())
	}

	conf := repo.Confirmation{
		RequestID:      req.ID,
		TxHash:         transfer.Hash,
		TransferValue:  transfer.Value,
		ResolvedAmount: amount,
		Rate:           quote.Rate,
		RateStale:      quote.Stale,
		ConfirmedAt:    r.now(),
		Token:          uuid.NewString(),
	}
	out, err := r.confirmWithRetry(ctx, log, conf)
	switch {
	case errors.Is(err, repo.ErrTxHashConsumed):
		log.Warn("transfer already confirmed another request", "tx_hash", transfer.Hash)
		return Result{Outcome: OutcomeAlreadyProcessed, Request: r.reload(ctx, req), Transfer: transfer}, nil
	case errors.Is(err, repo.ErrOwnerNotFound):
		if _, ferr := r.repo.FailPending(ctx, req.ID, "owner not found", r.now()); ferr != nil {
			return Result{Outcome: OutcomePending, Request: req}, fmt.Errorf("mark failed: %w", ferr)
		}
		log.Error("payment owner missing, request failed", "owner_id", req.OwnerID)
		return Result{Outcome: OutcomeFailed, Request: r.reload(ctx, req), Transfer: transfer}, nil
	case err != nil:
		return Result{Outcome: OutcomePending, Request: req, Transfer: transfer}, err
	}

	if !out.Applied {
		log.Info("request confirmed by a concurrent pass")
		return Result{Outcome: OutcomeAlreadyProcessed, Request: r.reload(ctx, req), Transfer: transfer}, nil
	}

	log.Info("payment confirmed",
		"owner_id", out.Owner.ID,
		"tx_hash", transfer.Hash,
		"amount", amount.String(),
		"rate", quote.Rate.String(),
		"rate_stale", quote.Stale,
	)
	r.notifier.BalanceCredited(ctx, notify.BalanceCredited{
		UserID:     out.Owner.ID,
		TelegramID: out.Owner.TelegramID,
		RequestID:  out.Request.ID,
		Amount:     amount,
		Balance:    out.Owner.Balance,
		Currency:   r.cfg.Currency,
		RateStale:  quote.Stale,
	})

	if paysCommission(out.Request.Type) {
		if err := r.settleCommissions(ctx, out.Request, out.Owner, amount); err != nil {
			log.Warn("commission fan-out incomplete, retrying next pass", "error", err)
		}
	}

	return Result{Outcome: OutcomeConfirmed, Request: out.Request, Transfer: transfer, Amount: amount, RateStale: quote.Stale}, nil
}

// confirmWithRetry retries the whole confirm transaction on unexpected
// errors. Integrity errors are returned immediately.
func (r *Reconciler) confirmWithRetry(ctx context.Context, log *slog.Logger, conf repo.Confirmation) (*repo.ConfirmResult, error) {
	var lastErr error
	backoff := r.cfg.CreditBackoff
	for attempt := 1; attempt <= r.cfg.CreditAttempts; attempt++ {
		out, err := r.repo.ConfirmAndCredit(ctx, conf)
		if err == nil {
			if !out.Applied && attempt > 1 {
				// An earlier attempt of ours may have committed before
				// reporting an error. A commit by anyone else is not ours.
				if recovered := r.recoverCommitted(ctx, conf); recovered != nil {
					return recovered, nil
				}
			}
			return out, nil
		}
		if errors.Is(err, repo.ErrTxHashConsumed) || errors.Is(err, repo.ErrOwnerNotFound) {
			return nil, err
		}
		lastErr = err
		log.Warn("confirm and credit failed", "attempt", attempt, "error", err)
		if attempt == r.cfg.CreditAttempts {
			break
		}
		if r.metrics != nil {
			r.metrics.CreditRetries.Inc()
		}
		if err := r.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
		backoff = min(backoff*2, maxCreditBackoff)
	}

	alert := fmt.Sprintf("paygate: crediting payment request %s (tx %s, %s) failed after %d attempts: %v",
		conf.RequestID, conf.TxHash, conf.ResolvedAmount.String(), r.cfg.CreditAttempts, lastErr)
	if err := r.alerter.Alert(context.WithoutCancel(ctx), alert); err != nil {
		log.Error("operator alert failed", "error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrCreditExhausted, lastErr)
}

func (r *Reconciler) recoverCommitted(ctx context.Context, conf repo.Confirmation) *repo.ConfirmResult {
	req, err := r.repo.GetPaymentRequest(ctx, conf.RequestID)
	if err != nil || req.Status != repo.StatusConfirmed || req.ConfirmToken == nil || *req.ConfirmToken != conf.Token {
		return nil
	}
	owner, err := r.repo.GetUserByID(ctx, req.OwnerID)
	if err != nil {
		return nil
	}
	return &repo.ConfirmResult{Applied: true, Request: req, Owner: owner}
}

// SettleCommissions completes the commission fan-out of a confirmed
// purchase whose earlier fan-out was interrupted.
func (r *Reconciler) SettleCommissions(ctx context.Context, req *repo.PaymentRequest) error {
	if !unsettled(req) {
		return nil
	}
	return r.settleCommissions(ctx, req, nil, req.ResolvedAmount.Decimal)
}

// settleCommissions runs the fan-out detached from ctx cancellation and
// marks the request settled once no level is left unrecorded. owner may be
// nil, in which case it is loaded.
func (r *Reconciler) settleCommissions(ctx context.Context, req *repo.PaymentRequest, owner *repo.User, base decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.DistributeTimeout)
	defer cancel()

	if r.distributor != nil {
		if owner == nil {
			var err error
			if owner, err = r.repo.GetUserByID(ctx, req.OwnerID); err != nil {
				return fmt.Errorf("load payer: %w", err)
			}
		}
		for _, c := range r.distributor.Distribute(ctx, req, owner, base) {
			if c.Err != nil {
				return fmt.Errorf("level %d: %w", c.Level, c.Err)
			}
		}
	}
	now := r.now()
	if err := r.repo.MarkCommissionsSettled(ctx, req.ID, now); err != nil {
		return err
	}
	req.CommissionsSettledAt = &now
	return nil
}

func unsettled(req *repo.PaymentRequest) bool {
	return req.Status == repo.StatusConfirmed && req.CommissionsSettledAt == nil && paysCommission(req.Type)
}

// settled maps a request that left pending behind our back onto an outcome.
func (r *Reconciler) settled(ctx context.Context, id string) (Result, error) {
	req, err := r.repo.GetPaymentRequest(ctx, id)
	if err != nil {
		return Result{Outcome: OutcomePending}, err
	}
	switch req.Status {
	case repo.StatusConfirmed:
		return Result{Outcome: OutcomeAlreadyProcessed, Request: req}, nil
	case repo.StatusFailed:
		return Result{Outcome: OutcomeFailed, Request: req}, nil
	case repo.StatusExpired:
		return Result{Outcome: OutcomeExpired, Request: req}, nil
	}
	return Result{Outcome: OutcomePending, Request: req}, nil
}

func (r *Reconciler) reload(ctx context.Context, req *repo.PaymentRequest) *repo.PaymentRequest {
	fresh, err := r.repo.GetPaymentRequest(ctx, req.ID)
	if err != nil {
		return req
	}
	return fresh
}

func paysCommission(t repo.PaymentType) bool {
	return t == repo.PaymentAccess || t == repo.PaymentBot
}

// memoPrefix is the optional tag payers put in front of the code.
const memoPrefix = "ref:"

// findMatch returns the newest transfer whose memo equals code, with or
// without the ref: prefix, falling back to the newest memo containing it.
// Comparison is trimmed and case-insensitive.
func findMatch(transfers []ledger.Transfer, code string) (*ledger.Transfer, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil, false
	}
	for i := range transfers {
		memo := strings.ToLower(strings.TrimSpace(transfers[i].Memo))
		if strings.TrimSpace(strings.TrimPrefix(memo, memoPrefix)) == code {
			return &transfers[i], true
		}
	}
	for i := range transfers {
		if strings.Contains(strings.ToLower(transfers[i].Memo), code) {
			return &transfers[i], false
		}
	}
	return nil, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

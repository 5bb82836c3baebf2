package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"paygate/internal/ledger"
	"paygate/internal/logging"
	"paygate/internal/rates"
	"paygate/internal/referral"
	"paygate/internal/repo"
	"paygate/internal/repo/repotest"
)

const testWallet = "UQWallet"

type fakeLedger struct {
	mu        sync.Mutex
	transfers []ledger.Transfer
	err       error
	calls     int
}

func (f *fakeLedger) FetchRecentTransfers(_ context.Context, wallet string, _ int) ([]ledger.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]ledger.Transfer, len(f.transfers))
	copy(out, f.transfers)
	return out, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerter) Alert(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, text)
	return nil
}

var fixedRate = rates.Fixed{Rate: decimal.RequireFromString("2.4")}

func newReconciler(r repo.Repository, l ledger.Reader, deps Deps) *Reconciler {
	deps.Repo = r
	deps.Ledger = l
	if deps.Rates == nil {
		deps.Rates = fixedRate
	}
	rec := New(deps, Config{
		Wallet:          testWallet,
		RetentionWindow: 24 * time.Hour,
		FetchLimit:      50,
		CreditAttempts:  3,
		CreditBackoff:   time.Millisecond,
	}, logging.Discard())
	rec.sleep = func(context.Context, time.Duration) error { return nil }
	return rec
}

func insertRequest(t *testing.T, r repo.Repository, owner *repo.User, code string, created time.Time) *repo.PaymentRequest {
	t.Helper()
	req, err := r.InsertPaymentRequest(context.Background(), repo.PaymentRequest{
		OwnerID:         owner.ID,
		Type:            repo.PaymentAccess,
		RequestedAmount: decimal.NewFromInt(10),
		Currency:        "USDT",
		Wallet:          testWallet,
		Code:            code,
		CreatedAt:       created,
	})
	if err != nil {
		t.Fatalf("insert request: %v", err)
	}
	return req
}

func balanceOf(t *testing.T, r repo.Repository, id string) decimal.Decimal {
	t.Helper()
	u, err := r.GetUserByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u.Balance
}

func matchingLedger() *fakeLedger {
	return &fakeLedger{transfers: []ledger.Transfer{
		{Hash: "other", Source: "EQX", Value: 1, Memo: "hello"},
		{Hash: "tx-abc", Source: "EQPayer", Value: 4175000000, Memo: "ref:000123456789", Timestamp: time.Now()},
	}}
}

func TestReconcileCreditsResolvedAmountNotRequested(t *testing.T) {
	r := repotest.NewSQLite(t)
	inviter := repotest.SeedUser(t, r, 1, "inviter")
	u := repotest.SeedUser(t, r, 2, "buyer")
	graph := referral.NewGraph(r, logging.Discard())
	if ok, err := graph.RegisterReferralEdge(context.Background(), u.ID, inviter.RefCode); !ok || err != nil {
		t.Fatalf("link: ok=%v err=%v", ok, err)
	}
	req := insertRequest(t, r, u, "000123456789", time.Time{})

	rec := newReconciler(r, matchingLedger(), Deps{
		Distributor: referral.NewDistributor(r, nil, "USD", logging.Discard(), nil),
	})
	res, err := rec.ReconcileNow(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s", res.Outcome)
	}
	want := decimal.RequireFromString("10.02")
	if !res.Amount.Equal(want) {
		t.Fatalf("resolved amount %s, want %s", res.Amount, want)
	}
	if got := balanceOf(t, r, u.ID); !got.Equal(want) {
		t.Fatalf("balance %s, want %s", got, want)
	}

	stored, err := r.GetPaymentRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != repo.StatusConfirmed || stored.ExternalTxHash == nil || *stored.ExternalTxHash != "tx-abc" {
		t.Fatalf("unexpected stored request %+v", stored)
	}
	if !stored.Rate.Valid || !stored.Rate.Decimal.Equal(decimal.RequireFromString("2.4")) || stored.RateStale {
		t.Fatalf("rate not recorded: %+v", stored.Rate)
	}

	up, err := r.GetUserByID(context.Background(), inviter.ID)
	if err != nil {
		t.Fatalf("get inviter: %v", err)
	}
	if !up.ReferralBalance.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("inviter commission %s, want 5", up.ReferralBalance)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	r := repotest.NewSQLite(t)
	u := repotest.SeedUser(t, r, 3, "buyer")
	req := insertRequest(t, r, u, "000123456789", time.Time{})
	rec := newReconciler(r, matchingLedger(), Deps{})

	if _, err := rec.ReconcileNow(context.Background(), req.ID); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	res, err := rec.ReconcileNow(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("expected prior confirmed result, got %s", res.Outcome)
	}
	if !res.Amount.Equal(decimal.RequireFromString("10.02")) {
		t.Fatalf("prior amount %s", res.Amount)
	}
	if got := balanceOf(t, r, u.ID); !got.Equal(decimal.RequireFromString("10.02")) {
		t.Fatalf("balance mutated on re-run: %s", got)
	}
}

func TestConcurrentReconcileCreditsOnce(t *testing.T) {
	for _, n := range []int{2, 16} {
		r := repotest.NewSQLite(t)
		u := repotest.SeedUser(t, r, 4, "buyer")
		req := insertRequest(t, r, u, "000123456789", time.Time{})
		rec := newReconciler(r, matchingLedger(), Deps{})

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			outcomes = map[Outcome]int{}
		)
		for i := 0; i < n; i++ {
			snapshot := *req
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := rec.Reconcile(context.Background(), &snapshot, fixedRate)
				if err != nil {
					t.Errorf("reconcile: %v", err)
					return
				}
				mu.Lock()
				outcomes[res.Outcome]++
				mu.Unlock()
			}()
		}
		wg.Wait()

		if outcomes[OutcomeConfirmed] != 1 || outcomes[OutcomeAlreadyProcessed] != n-1 {
			t.Fatalf("n=%d: unexpected outcomes %v", n, outcomes)
		}
		if got := balanceOf(t, r, u.ID); !got.Equal(decimal.RequireFromString("10.02")) {
			t.Fatalf("n=%d: balance %s, want a single credit", n, got)
		}
	}
}

func TestReconcileWithoutMatchStaysPending(t *testing.T) {
	r := repotest.NewSQLite(t)
	u := repotest.SeedUser(t, r, 5, "buyer")
	req := insertRequest(t, r, u, "000000000777", time.Time{})
	rec := newReconciler(r, matchingLedger(), Deps{})

	res, err := rec.ReconcileNow(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != OutcomeNotFound {
		t.Fatalf("expected not_found, got %s", res.Outcome)
	}
	stored, _ := r.GetPaymentRequest(context.Background(), req.ID)
	if stored.Status != repo.StatusPending {
		t.Fatalf("status changed to %s", stored.Status)
	}
	if got := balanceOf(t, r, u.ID); !got.IsZero() {
		t.Fatalf("balance changed: %s", got)
	}
}

func TestReconcileExpiresOldRequestWithoutCredit(t *testing.T) {
	r := repotest.NewSQLite(t)
	u := repotest.SeedUser(t, r, 6, "buyer")
	req := insertRequest(t, r, u, "000123456789", time.Now().Add(-25*time.Hour))
	l := matchingLedger()
	rec := newReconciler(r, l, Deps{})

	res, err := rec.ReconcileNow(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != OutcomeExpired {
		t.Fatalf("expected expired, got %s", res.Outcome)
	}
	if l.calls != 0 {
		t.Fatalf("expired request must not touch the ledger, got %d calls", l.calls)
	}
	if got := balanceOf(t, r, u.ID); !got.IsZero() {
		t.Fatalf("expired request credited %s", got)
	}
	again, err := rec.ReconcileNow(context.Background(), req.ID)
	if err != nil || again.Outcome != OutcomeExpired {
		t.Fatalf("expected expired to stick, got %s err=%v", again.Outcome, err)
	}
}

func TestReconcileTransientLedgerFailureKeepsPending(t *testing.T) {
	r := repotest.NewSQLite(t)
	u := repotest.SeedUser(t, r, 7, "buyer")
	req := insertRequest(t, r, u, "000123456789", time.Time{})
	rec := newReconciler(r, &fakeLedger{err: ledger.ErrTransient}, Deps{})

	res, err := rec.ReconcileNow(context.Background(), req.ID)
	if !errors.Is(err, ledger.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if res.Outcome != OutcomePending {
		t.Fatalf("expected pending, got %s", res.Outcome)
	}
	stored, _ := r.GetPaymentRequest(context.Background(), req.ID)
	if stored.Status != repo.StatusPending {
		t.Fatalf("status changed to %s", stored.Status)
	}
}

func TestReconcileRejectsReplayedCode(t *testing.T) {
	r := repotest.NewSQLite(t)
	u := repotest.SeedUser(t, r, 8, "buyer")
	first := insertRequest(t, r, u, "000123456789", time.Time{})
	rec := newReconciler(r, matchingLedger(), Deps{})

	if res, err := rec.ReconcileNow(context.Background(), first.ID); err != nil || res.Outcome != OutcomeConfirmed {
		t.Fatalf("first: outcome=%s err=%v", res.Outcome, err)
	}

	// The code is free for a new pending request once the first is confirmed.
	replay := insertRequest(t, r, u, "000123456789", time.Time{})
	res, err := rec.ReconcileNow(context.Background(), replay.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("expected already_processed, got %s", res.Outcome)
	}
	stored, _ := r.GetPaymentRequest(context.Background(), replay.ID)
	if stored.Status != repo.StatusPending {
		t.Fatalf("replayed request must be left untouched, got %s", stored.Status)
	}
	if got := balanceOf(t, r, u.ID); !got.Equal(decimal.RequireFromString("10.02")) {
		t.Fatalf("balance %s after replay", got)
	}
}

type failingConfirmRepo struct {
	repo.Repository
	calls int
}

func (f *failingConfirmRepo) ConfirmAndCredit(context.Context, repo.Confirmation) (*repo.ConfirmResult, error) {
	f.calls++
	return nil, errors.New("database is locked")
}

func TestReconcileAlertsWhenCreditRetriesExhausted(t *testing.T) {
	base := repotest.NewSQLite(t)
	u := repotest.SeedUser(t, base, 9, "buyer")
	req := insertRequest(t, base, u, "000123456789", time.Time{})

	flaky := &failingConfirmRepo{Repository: base}
	alerter := &recordingAlerter{}
	rec := newReconciler(flaky, matchingLedger(), Deps{Alerter: alerter})

	res, err := rec.ReconcileNow(context.Background(), req.ID)
	if !errors.Is(err, ErrCreditExhausted) {
		t.Fatalf("expected ErrCreditExhausted, got %v", err)
	}
	if res.Outcome != OutcomePending {
		t.Fatalf("expected pending, got %s", res.Outcome)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls)
	}
	if len(alerter.alerts) != 1 {
		t.Fatalf("expected one operator alert, got %d", len(alerter.alerts))
	}
	stored, _ := base.GetPaymentRequest(context.Background(), req.ID)
	if stored.Status != repo.StatusPending {
		t.Fatalf("request must stay pending for the next pass, got %s", stored.Status)
	}
}

func TestFindMatchPrefersExactMemo(t *testing.T) {
	transfers := []ledger.Transfer{
		{Hash: "newest", Memo: "order 000123456789 thanks"},
		{Hash: "exact", Memo: " 000123456789 "},
		{Hash: "older", Memo: "000123456789"},
	}
	got, exact := findMatch(transfers, "000123456789")
	if got == nil || got.Hash != "exact" || !exact {
		t.Fatalf("expected exact match, got %+v exact=%v", got, exact)
	}

	got, exact = findMatch(transfers[:1], "000123456789")
	if got == nil || got.Hash != "newest" || exact {
		t.Fatalf("expected substring fallback, got %+v exact=%v", got, exact)
	}

	if got, _ := findMatch(transfers, "111"); got != nil {
		t.Fatalf("unexpected match %+v", got)
	}
}

func TestFindMatchTreatsRefPrefixAsExact(t *testing.T) {
	transfers := []ledger.Transfer{
		{Hash: "noise", Memo: "pay 000123456789 later"},
		{Hash: "tagged", Memo: "REF: 000123456789"},
	}
	got, exact := findMatch(transfers, "000123456789")
	if got == nil || got.Hash != "tagged" || !exact {
		t.Fatalf("expected tagged memo as exact match, got %+v exact=%v", got, exact)
	}
}

// cancelAfterConfirm cancels the caller's context as soon as the confirm
// transaction has committed, like an HTTP client hanging up mid-request.
type cancelAfterConfirm struct {
	repo.Repository
	cancel context.CancelFunc
}

func (c *cancelAfterConfirm) ConfirmAndCredit(ctx context.Context, conf repo.Confirmation) (*repo.ConfirmResult, error) {
	out, err := c.Repository.ConfirmAndCredit(ctx, conf)
	c.cancel()
	return out, err
}

func linkedBuyer(t *testing.T, r repo.Repository) (inviter, buyer *repo.User) {
	t.Helper()
	inviter = repotest.SeedUser(t, r, 11, "inviter")
	buyer = repotest.SeedUser(t, r, 12, "buyer")
	graph := referral.NewGraph(r, logging.Discard())
	if ok, err := graph.RegisterReferralEdge(context.Background(), buyer.ID, inviter.RefCode); !ok || err != nil {
		t.Fatalf("link: ok=%v err=%v", ok, err)
	}
	return inviter, buyer
}

func referralBalanceOf(t *testing.T, r repo.Repository, id string) decimal.Decimal {
	t.Helper()
	u, err := r.GetUserByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u.ReferralBalance
}

func TestCommissionsSurviveCallerCancellation(t *testing.T) {
	base := repotest.NewSQLite(t)
	inviter, buyer := linkedBuyer(t, base)
	req := insertRequest(t, base, buyer, "000123456789", time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wrapped := &cancelAfterConfirm{Repository: base, cancel: cancel}
	rec := newReconciler(wrapped, matchingLedger(), Deps{
		Distributor: referral.NewDistributor(wrapped, nil, "USD", logging.Discard(), nil),
	})

	res, err := rec.ReconcileNow(ctx, req.ID)
	if err != nil || res.Outcome != OutcomeConfirmed {
		t.Fatalf("reconcile: outcome=%s err=%v", res.Outcome, err)
	}
	if got := referralBalanceOf(t, base, inviter.ID); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("inviter commission %s, want 5", got)
	}
	stored, _ := base.GetPaymentRequest(context.Background(), req.ID)
	if stored.CommissionsSettledAt == nil {
		t.Fatal("request not marked settled")
	}
}

// creditOutage fails every commission write while down is set.
type creditOutage struct {
	repo.Repository
	mu   sync.Mutex
	down bool
}

func (c *creditOutage) InsertReferralCredit(ctx context.Context, credit repo.ReferralCredit) (bool, error) {
	c.mu.Lock()
	down := c.down
	c.mu.Unlock()
	if down {
		return false, errors.New("connection refused")
	}
	return c.Repository.InsertReferralCredit(ctx, credit)
}

func TestInterruptedCommissionsAreSettledLater(t *testing.T) {
	base := repotest.NewSQLite(t)
	inviter, buyer := linkedBuyer(t, base)
	req := insertRequest(t, base, buyer, "000123456789", time.Time{})

	outage := &creditOutage{Repository: base, down: true}
	rec := newReconciler(outage, matchingLedger(), Deps{
		Distributor: referral.NewDistributor(outage, nil, "USD", logging.Discard(), nil),
	})

	res, err := rec.ReconcileNow(context.Background(), req.ID)
	if err != nil || res.Outcome != OutcomeConfirmed {
		t.Fatalf("reconcile: outcome=%s err=%v", res.Outcome, err)
	}
	if got := referralBalanceOf(t, base, inviter.ID); !got.IsZero() {
		t.Fatalf("commission paid during outage: %s", got)
	}
	unsettled, err := base.ListUnsettledSince(context.Background(), time.Now().Add(-time.Hour))
	if err != nil || len(unsettled) != 1 || unsettled[0].ID != req.ID {
		t.Fatalf("expected request pending settlement, got %d err=%v", len(unsettled), err)
	}

	outage.mu.Lock()
	outage.down = false
	outage.mu.Unlock()

	if err := rec.SettleCommissions(context.Background(), &unsettled[0]); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := referralBalanceOf(t, base, inviter.ID); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("inviter commission %s, want 5", got)
	}
	if got := balanceOf(t, base, buyer.ID); !got.Equal(decimal.RequireFromString("10.02")) {
		t.Fatalf("buyer balance changed by settlement: %s", got)
	}

	// A later check of the settled request pays nothing more.
	if _, err := rec.ReconcileNow(context.Background(), req.ID); err != nil {
		t.Fatalf("re-run: %v", err)
	}
	if got := referralBalanceOf(t, base, inviter.ID); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("commission paid twice: %s", got)
	}
	if left, _ := base.ListUnsettledSince(context.Background(), time.Now().Add(-time.Hour)); len(left) != 0 {
		t.Fatalf("request still unsettled")
	}
}

func TestRecheckOfConfirmedRequestFinishesCommissions(t *testing.T) {
	base := repotest.NewSQLite(t)
	inviter, buyer := linkedBuyer(t, base)
	req := insertRequest(t, base, buyer, "000123456789", time.Time{})

	outage := &creditOutage{Repository: base, down: true}
	rec := newReconciler(outage, matchingLedger(), Deps{
		Distributor: referral.NewDistributor(outage, nil, "USD", logging.Discard(), nil),
	})
	if _, err := rec.ReconcileNow(context.Background(), req.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	outage.mu.Lock()
	outage.down = false
	outage.mu.Unlock()

	res, err := rec.ReconcileNow(context.Background(), req.ID)
	if err != nil || res.Outcome != OutcomeConfirmed {
		t.Fatalf("re-run: outcome=%s err=%v", res.Outcome, err)
	}
	if got := referralBalanceOf(t, base, inviter.ID); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("inviter commission %s, want 5", got)
	}
}

// lostReply runs before() inside the first confirm call and then reports a
// dropped connection without committing anything itself.
type lostReply struct {
	repo.Repository
	once   sync.Once
	before func()
}

func (l *lostReply) ConfirmAndCredit(ctx context.Context, conf repo.Confirmation) (*repo.ConfirmResult, error) {
	first := false
	l.once.Do(func() { first = true })
	if first {
		l.before()
		return nil, errors.New("conn reset")
	}
	return l.Repository.ConfirmAndCredit(ctx, conf)
}

func TestRetryAfterCompetingCommitIsAlreadyProcessed(t *testing.T) {
	base := repotest.NewSQLite(t)
	u := repotest.SeedUser(t, base, 13, "buyer")
	req := insertRequest(t, base, u, "000123456789", time.Time{})

	var competing Result
	winner := newReconciler(base, matchingLedger(), Deps{})
	flaky := &lostReply{Repository: base, before: func() {
		var err error
		competing, err = winner.ReconcileNow(context.Background(), req.ID)
		if err != nil {
			t.Errorf("competing reconcile: %v", err)
		}
	}}
	loser := newReconciler(flaky, matchingLedger(), Deps{})

	res, err := loser.ReconcileNow(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if competing.Outcome != OutcomeConfirmed {
		t.Fatalf("competing pass should confirm, got %s", competing.Outcome)
	}
	if res.Outcome != OutcomeAlreadyProcessed {
		t.Fatalf("retrying caller must see already_processed, got %s", res.Outcome)
	}
	if got := balanceOf(t, base, u.ID); !got.Equal(decimal.RequireFromString("10.02")) {
		t.Fatalf("balance %s, want 10.02", got)
	}
}

// committedThenFailed commits the first confirm and then reports an error.
type committedThenFailed struct {
	repo.Repository
	calls int
}

func (c *committedThenFailed) ConfirmAndCredit(ctx context.Context, conf repo.Confirmation) (*repo.ConfirmResult, error) {
	c.calls++
	out, err := c.Repository.ConfirmAndCredit(ctx, conf)
	if c.calls == 1 && err == nil {
		return nil, errors.New("conn reset after commit")
	}
	return out, err
}

func TestRetryRecognisesOwnCommit(t *testing.T) {
	base := repotest.NewSQLite(t)
	u := repotest.SeedUser(t, base, 14, "buyer")
	req := insertRequest(t, base, u, "000123456789", time.Time{})

	rec := newReconciler(&committedThenFailed{Repository: base}, matchingLedger(), Deps{})
	res, err := rec.ReconcileNow(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s", res.Outcome)
	}
	if got := balanceOf(t, base, u.ID); !got.Equal(decimal.RequireFromString("10.02")) {
		t.Fatalf("balance %s, want 10.02", got)
	}
}

package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"paygate/internal/billing"
	"paygate/internal/ledger"
	"paygate/internal/logging"
	"paygate/internal/rates"
	"paygate/internal/reconcile"
	"paygate/internal/referral"
	"paygate/internal/repo"
	"paygate/internal/repo/repotest"
	"paygate/internal/scheduler"
)

const (
	testWallet = "UQWallet"
	testToken  = "secret"
)

type stubLedger struct {
	mu        sync.Mutex
	transfers []ledger.Transfer
	err       error
}

func (s *stubLedger) FetchRecentTransfers(context.Context, string, int) ([]ledger.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers, s.err
}

func (s *stubLedger) set(transfers []ledger.Transfer, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers, s.err = transfers, err
}

type fixture struct {
	repo    repo.Repository
	ledger  *stubLedger
	handler http.Handler
}

func newFixture(t *testing.T, basePath string) *fixture {
	t.Helper()
	r := repotest.NewSQLite(t)
	l := &stubLedger{}
	quotes := rates.Fixed{Rate: decimal.RequireFromString("2.4")}
	logger := logging.Discard()

	rec := reconcile.New(reconcile.Deps{
		Repo:        r,
		Ledger:      l,
		Rates:       quotes,
		Distributor: referral.NewDistributor(r, nil, "USD", logger, nil),
	}, reconcile.Config{Wallet: testWallet, RetentionWindow: 24 * time.Hour, CreditAttempts: 1}, logger)

	srv := New(":0", logger, nil, Dependencies{
		Repository: r,
		Billing: billing.New(r, billing.Config{
			Wallet:      testWallet,
			ReuseWindow: 10 * time.Minute,
			Prices: map[repo.PaymentType]billing.Price{
				repo.PaymentAccess: {Amount: decimal.NewFromInt(10), Currency: "USDT"},
			},
		}, logger),
		Reconciler: rec,
		Referrals:  referral.NewGraph(r, logger),
		Scheduler:  scheduler.New(r, rec, quotes, scheduler.Config{RetentionWindow: 24 * time.Hour}, logger, nil),
		Rates:      quotes,
	}, Options{BasePath: basePath, APIToken: testToken, BotUsername: "@paygate_bot"})

	return &fixture{repo: r, ledger: l, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Api-Key", testToken)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, "")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestBasePathMount(t *testing.T) {
	f := newFixture(t, "/pay/")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/pay/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d under base path", rec.Code)
	}
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", rec.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	f := newFixture(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/payments/missing", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/payments/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with key, got %d", rec.Code)
	}
}

func TestPurchaseFlow(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/users", map[string]any{"tg_id": 100, "username": "inviter"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create inviter: %d %s", rec.Code, rec.Body.String())
	}
	inviter := decode(t, rec)["user"].(map[string]any)
	wantLink := "https://t.me/paygate_bot?start=" + inviter["ref_code"].(string)
	if inviter["referral_link"] != wantLink {
		t.Fatalf("referral link %v, want %s", inviter["referral_link"], wantLink)
	}

	rec = f.do(t, http.MethodPost, "/api/users", map[string]any{
		"tg_id":    200,
		"username": "buyer",
		"ref_code": inviter["ref_code"],
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create buyer: %d %s", rec.Code, rec.Body.String())
	}
	out := decode(t, rec)
	if out["referral_accepted"] != true {
		t.Fatalf("referral not accepted: %v", out)
	}
	buyer := out["user"].(map[string]any)

	rec = f.do(t, http.MethodPost, "/api/payments", map[string]any{
		"owner_id": buyer["id"],
		"type":     "ACCESS_PURCHASE",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create payment: %d %s", rec.Code, rec.Body.String())
	}
	payment := decode(t, rec)["payment"].(map[string]any)
	id := payment["id"].(string)
	code := payment["code"].(string)

	rec = f.do(t, http.MethodPost, "/api/payments/"+id+"/check", nil)
	if got := decode(t, rec)["status"]; rec.Code != http.StatusOK || got != string(reconcile.OutcomeNotFound) {
		t.Fatalf("check before transfer: %d %v", rec.Code, got)
	}

	f.ledger.set([]ledger.Transfer{{Hash: "tx-1", Source: "EQPayer", Value: 4175000000, Memo: "ref:" + code}}, nil)
	rec = f.do(t, http.MethodPost, "/api/payments/"+id+"/check", nil)
	out = decode(t, rec)
	if rec.Code != http.StatusOK || out["status"] != string(reconcile.OutcomeConfirmed) {
		t.Fatalf("check after transfer: %d %v", rec.Code, out)
	}
	if out["amount"] != "10.02" {
		t.Fatalf("credited amount %v", out["amount"])
	}

	rec = f.do(t, http.MethodGet, "/api/users/"+inviter["id"].(string)+"/referrals", nil)
	stats := decode(t, rec)
	if rec.Code != http.StatusOK || len(stats["invitees"].([]any)) != 1 {
		t.Fatalf("referral stats: %d %v", rec.Code, stats)
	}
	if got := stats["user"].(map[string]any)["referral_balance"]; got != "5" {
		t.Fatalf("inviter commission %v", got)
	}
	if stats["referral_link"] != wantLink {
		t.Fatalf("stats referral link %v", stats["referral_link"])
	}
}

func TestCheckTransientFailureAsksForRetry(t *testing.T) {
	f := newFixture(t, "")
	u := repotest.SeedUser(t, f.repo, 300, "buyer")
	rec := f.do(t, http.MethodPost, "/api/payments", map[string]any{"owner_id": u.ID, "type": "ACCESS_PURCHASE"})
	id := decode(t, rec)["payment"].(map[string]any)["id"].(string)

	f.ledger.set(nil, ledger.ErrTransient)
	rec = f.do(t, http.MethodPost, "/api/payments/"+id+"/check", nil)
	out := decode(t, rec)
	if rec.Code != http.StatusServiceUnavailable || out["status"] != "pending" || out["retry"] != true {
		t.Fatalf("unexpected response %d %v", rec.Code, out)
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	f := newFixture(t, "")
	u := repotest.SeedUser(t, f.repo, 400, "buyer")

	cases := map[string]struct {
		body map[string]any
		want int
	}{
		"unknown type":  {map[string]any{"owner_id": u.ID, "type": "GIFT"}, http.StatusBadRequest},
		"bad meta":      {map[string]any{"owner_id": u.ID, "type": "BOT_PURCHASE", "amount": "5", "currency": "USDT", "meta": map[string]any{"plan": "x"}}, http.StatusBadRequest},
		"missing owner": {map[string]any{"owner_id": "nope", "type": "ACCESS_PURCHASE"}, http.StatusNotFound},
	}
	for name, tc := range cases {
		if rec := f.do(t, http.MethodPost, "/api/payments", tc.body); rec.Code != tc.want {
			t.Fatalf("%s: status %d, want %d (%s)", name, rec.Code, tc.want, rec.Body.String())
		}
	}
}

func TestRegisterReferralRejectsCycle(t *testing.T) {
	f := newFixture(t, "")
	a := repotest.SeedUser(t, f.repo, 500, "a")
	b := repotest.SeedUser(t, f.repo, 501, "b")

	rec := f.do(t, http.MethodPost, "/api/referrals", map[string]any{"user_id": b.ID, "ref_code": a.RefCode})
	if out := decode(t, rec); out["accepted"] != true {
		t.Fatalf("first edge rejected: %v", out)
	}
	rec = f.do(t, http.MethodPost, "/api/referrals", map[string]any{"user_id": a.ID, "ref_code": b.RefCode})
	out := decode(t, rec)
	if out["accepted"] != false || out["reason"] != "cycle" {
		t.Fatalf("expected cycle rejection, got %v", out)
	}
}

func TestPaymentQR(t *testing.T) {
	f := newFixture(t, "")
	u := repotest.SeedUser(t, f.repo, 600, "buyer")
	rec := f.do(t, http.MethodPost, "/api/payments", map[string]any{"owner_id": u.ID, "type": "ACCESS_PURCHASE"})
	out := decode(t, rec)
	id := out["payment"].(map[string]any)["id"].(string)
	code := out["payment"].(map[string]any)["code"].(string)
	if link := out["pay_link"]; link != "ton://transfer/"+testWallet+"?amount=4166666667&text="+code {
		t.Fatalf("unexpected pay link %v", link)
	}

	rec = f.do(t, http.MethodGet, "/api/payments/"+id+"/qr", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("qr: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Fatalf("body is not a png")
	}
}

func TestProcessPaymentsWebhook(t *testing.T) {
	f := newFixture(t, "")
	u := repotest.SeedUser(t, f.repo, 700, "buyer")
	f.do(t, http.MethodPost, "/api/payments", map[string]any{"owner_id": u.ID, "type": "ACCESS_PURCHASE"})

	rec := f.do(t, http.MethodPost, "/webhook/process-payments", nil)
	out := decode(t, rec)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: %d %v", rec.Code, out)
	}
	report := out["report"].(map[string]any)
	if report["checked"] != float64(1) || report["trigger"] != scheduler.TriggerWebhook {
		t.Fatalf("unexpected report %v", report)
	}
}

type denyThrottle struct {
	keys   []string
	window time.Duration
}

func (d *denyThrottle) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	d.keys = append(d.keys, key)
	d.window = window
	return false, nil
}

func TestCheckThrottled(t *testing.T) {
	throttle := &denyThrottle{}
	srv := New(":0", logging.Discard(), nil, Dependencies{Throttle: throttle}, Options{
		APIToken:      testToken,
		CheckCooldown: 3 * time.Second,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/payments/p-1/check", nil)
	req.Header.Set("X-Api-Key", testToken)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if len(throttle.keys) != 1 || throttle.keys[0] != "check:p-1" || throttle.window != 3*time.Second {
		t.Fatalf("unexpected throttle calls %v %s", throttle.keys, throttle.window)
	}
}

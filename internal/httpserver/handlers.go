package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"paygate/internal/billing"
	"paygate/internal/paylink"
	"paygate/internal/rates"
	"paygate/internal/reconcile"
	"paygate/internal/referral"
	"paygate/internal/repo"
	"paygate/internal/scheduler"
)

type userView struct {
	ID                  string          `json:"id"`
	TelegramID          int64           `json:"tg_id"`
	Username            string          `json:"username,omitempty"`
	FirstName           string          `json:"first_name,omitempty"`
	LastName            string          `json:"last_name,omitempty"`
	Balance             decimal.Decimal `json:"balance"`
	RefCode             string          `json:"ref_code"`
	ReferralLink        string          `json:"referral_link,omitempty"`
	InvitedBy           *string         `json:"invited_by,omitempty"`
	ReferralLevels      []int64         `json:"referral_levels"`
	ReferralBalance     decimal.Decimal `json:"referral_balance"`
	ReferralEarnedTotal decimal.Decimal `json:"referral_earned_total"`
	HasAccess           bool            `json:"has_access"`
	AccessGrantedAt     *time.Time      `json:"access_granted_at,omitempty"`
	BotSlots            int             `json:"bot_slots"`
	CreatedAt           time.Time       `json:"created_at"`
}

func viewUser(u *repo.User, botUsername string) userView {
	return userView{
		ID:                  u.ID,
		TelegramID:          u.TelegramID,
		Username:            u.Username,
		FirstName:           u.FirstName,
		LastName:            u.LastName,
		Balance:             u.Balance,
		RefCode:             u.RefCode,
		ReferralLink:        referral.Link(botUsername, u.RefCode),
		InvitedBy:           u.InvitedBy,
		ReferralLevels:      u.ReferralLevels[:],
		ReferralBalance:     u.ReferralBalance,
		ReferralEarnedTotal: u.ReferralEarnedTotal,
		HasAccess:           u.HasAccess,
		AccessGrantedAt:     u.AccessGrantedAt,
		BotSlots:            u.BotSlots,
		CreatedAt:           u.CreatedAt,
	}
}

type paymentView struct {
	ID              string             `json:"id"`
	OwnerID         string             `json:"owner_id"`
	Type            repo.PaymentType   `json:"type"`
	Status          repo.PaymentStatus `json:"status"`
	RequestedAmount decimal.Decimal    `json:"requested_amount"`
	Currency        string             `json:"currency"`
	Wallet          string             `json:"wallet"`
	Code            string             `json:"code"`
	Meta            repo.Meta          `json:"meta,omitempty"`
	ExternalTxHash  *string            `json:"external_tx_hash,omitempty"`
	TransferValue   *int64             `json:"transfer_value,omitempty"`
	ResolvedAmount  *decimal.Decimal   `json:"resolved_amount,omitempty"`
	Rate            *decimal.Decimal   `json:"rate,omitempty"`
	RateStale       bool               `json:"rate_stale"`
	FailureReason   *string            `json:"failure_reason,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	ConfirmedAt     *time.Time         `json:"confirmed_at,omitempty"`
}

func viewPayment(p *repo.PaymentRequest) paymentView {
	v := paymentView{
		ID:              p.ID,
		OwnerID:         p.OwnerID,
		Type:            p.Type,
		Status:          p.Status,
		RequestedAmount: p.RequestedAmount,
		Currency:        p.Currency,
		Wallet:          p.Wallet,
		Code:            p.Code,
		Meta:            p.Meta,
		ExternalTxHash:  p.ExternalTxHash,
		TransferValue:   p.TransferValue,
		RateStale:       p.RateStale,
		FailureReason:   p.FailureReason,
		CreatedAt:       p.CreatedAt,
		ConfirmedAt:     p.ConfirmedAt,
	}
	if p.ResolvedAmount.Valid {
		v.ResolvedAmount = &p.ResolvedAmount.Decimal
	}
	if p.Rate.Valid {
		v.Rate = &p.Rate.Decimal
	}
	return v
}

type upsertUserBody struct {
	TelegramID int64  `json:"tg_id"`
	Username   string `json:"username"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	RefCode    string `json:"ref_code"`
}

func (s *Server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var body upsertUserBody
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.TelegramID == 0 {
		writeError(w, http.StatusBadRequest, "tg_id is required")
		return
	}

	user, err := s.deps.Repository.UpsertUser(r.Context(), repo.UserProfile{
		TelegramID: body.TelegramID,
		Username:   strings.TrimPrefix(strings.TrimSpace(body.Username), "@"),
		FirstName:  strings.TrimSpace(body.FirstName),
		LastName:   strings.TrimSpace(body.LastName),
	})
	if err != nil {
		s.logger.Error("upsert user failed", "tg_id", body.TelegramID, "error", err)
		s.countError("http")
		writeError(w, http.StatusInternalServerError, "failed to save user")
		return
	}

	resp := map[string]any{}
	if code := strings.TrimSpace(body.RefCode); code != "" && user.InvitedBy == nil {
		accepted, err := s.deps.Referrals.RegisterReferralEdge(r.Context(), user.ID, code)
		switch {
		case err == nil:
		case referral.IsRejection(err):
			resp["referral_reason"] = rejectionReason(err)
		default:
			// Registration goes through without the referral link.
			s.logger.Error("register referral edge failed", "user_id", user.ID, "error", err)
			s.countError("http")
		}
		resp["referral_accepted"] = accepted
		if accepted {
			if fresh, err := s.deps.Repository.GetUserByID(r.Context(), user.ID); err == nil {
				user = fresh
			}
		}
	}
	resp["user"] = viewUser(user, s.botUsername)
	writeJSON(w, http.StatusOK, resp)
}

type registerReferralBody struct {
	UserID  string `json:"user_id"`
	RefCode string `json:"ref_code"`
}

func (s *Server) handleRegisterReferral(w http.ResponseWriter, r *http.Request) {
	var body registerReferralBody
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.deps.Repository.GetUserByID(r.Context(), body.UserID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.countError("http")
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	accepted, err := s.deps.Referrals.RegisterReferralEdge(r.Context(), body.UserID, body.RefCode)
	if err != nil && !referral.IsRejection(err) {
		s.logger.Error("register referral edge failed", "user_id", body.UserID, "error", err)
		s.countError("http")
		writeError(w, http.StatusInternalServerError, "failed to register referral")
		return
	}
	resp := map[string]any{"accepted": accepted}
	if err != nil {
		resp["reason"] = rejectionReason(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, referral.ErrSelfReferral):
		return "self_referral"
	case errors.Is(err, referral.ErrCycle):
		return "cycle"
	case errors.Is(err, referral.ErrUnknownCode):
		return "unknown_code"
	case errors.Is(err, referral.ErrAlreadyInvited):
		return "already_invited"
	}
	return "rejected"
}

func (s *Server) handleReferralStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Referrals.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.countError("http")
		writeError(w, http.StatusInternalServerError, "failed to load referral stats")
		return
	}
	invitees := make([]userView, 0, len(stats.Invitees))
	for i := range stats.Invitees {
		invitees = append(invitees, viewUser(&stats.Invitees[i], ""))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":          viewUser(stats.User, s.botUsername),
		"levels":        stats.User.ReferralLevels[:],
		"invitees":      invitees,
		"referral_link": referral.Link(s.botUsername, stats.User.RefCode),
	})
}

type createPaymentBody struct {
	OwnerID  string          `json:"owner_id"`
	Type     string          `json:"type"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Meta     json.RawMessage `json:"meta"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var body createPaymentBody
	if err := readJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	typ := repo.PaymentType(strings.ToUpper(strings.TrimSpace(body.Type)))
	if !typ.Valid() {
		writeError(w, http.StatusBadRequest, "unknown payment type")
		return
	}
	meta, err := repo.ParseMeta(typ, body.Meta)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, reused, err := s.deps.Billing.CreatePaymentRequest(r.Context(), billing.CreateRequest{
		OwnerID:  body.OwnerID,
		Type:     typ,
		Amount:   body.Amount,
		Currency: body.Currency,
		Meta:     meta,
	})
	switch {
	case errors.Is(err, billing.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, repo.ErrOwnerNotFound):
		writeError(w, http.StatusNotFound, "owner not found")
		return
	case errors.Is(err, billing.ErrCodeSpaceExhausted):
		writeError(w, http.StatusServiceUnavailable, "could not allocate a payment code, try again")
		return
	case err != nil:
		s.logger.Error("create payment request failed", "owner_id", body.OwnerID, "error", err)
		s.countError("http")
		writeError(w, http.StatusInternalServerError, "failed to create payment request")
		return
	}

	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"payment":  viewPayment(req),
		"reused":   reused,
		"pay_link": s.linkFor(r, req).String(),
	})
}

func (s *Server) loadPayment(w http.ResponseWriter, r *http.Request) (*repo.PaymentRequest, bool) {
	req, err := s.deps.Repository.GetPaymentRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "payment request not found")
			return nil, false
		}
		s.countError("http")
		writeError(w, http.StatusInternalServerError, "failed to load payment request")
		return nil, false
	}
	return req, true
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	req, ok := s.loadPayment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment": viewPayment(req)})
}

func (s *Server) handleCheckPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.allowCheck(r.Context(), id) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"status": reconcile.OutcomePending,
			"retry":  true,
		})
		return
	}
	res, err := s.deps.Reconciler.ReconcileNow(r.Context(), id)
	switch {
	case errors.Is(err, repo.ErrNotFound) && res.Request == nil:
		writeError(w, http.StatusNotFound, "payment request not found")
		return
	case err != nil:
		s.logger.Warn("payment check deferred", "request_id", id, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": reconcile.OutcomePending,
			"retry":  true,
		})
		return
	}

	resp := map[string]any{"status": res.Outcome}
	if res.Request != nil {
		resp["payment"] = viewPayment(res.Request)
	}
	if res.Outcome == reconcile.OutcomeConfirmed {
		resp["amount"] = res.Amount
		resp["rate_stale"] = res.RateStale
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) allowCheck(ctx context.Context, id string) bool {
	if s.deps.Throttle == nil {
		return true
	}
	ok, err := s.deps.Throttle.Allow(ctx, "check:"+id, s.cooldown)
	if err != nil {
		s.logger.Warn("check throttle unavailable", "error", err)
		return true
	}
	return ok
}

func (s *Server) handlePaymentQR(w http.ResponseWriter, r *http.Request) {
	req, ok := s.loadPayment(w, r)
	if !ok {
		return
	}
	png, err := paylink.QR(s.linkFor(r, req), paylink.DefaultQRSize)
	if err != nil {
		s.countError("http")
		writeError(w, http.StatusInternalServerError, "failed to render qr code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// linkFor prices the link with the current quote when one is available.
func (s *Server) linkFor(r *http.Request, req *repo.PaymentRequest) paylink.Link {
	var quote rates.Quote
	if s.deps.Rates != nil {
		if q, err := s.deps.Rates.Quote(r.Context()); err == nil {
			quote = q
		}
	}
	link, err := paylink.New(req.Wallet, req.Code, req.RequestedAmount, quote)
	if err != nil {
		return paylink.Link{Wallet: req.Wallet, Code: req.Code}
	}
	return link
}

func (s *Server) handleProcessPayments(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	report, err := s.deps.Scheduler.RunOnce(r.Context(), scheduler.TriggerWebhook)
	switch {
	case errors.Is(err, scheduler.ErrPassRunning):
		writeError(w, http.StatusConflict, "a reconciliation pass is already running")
		return
	case err != nil:
		s.logger.Error("webhook pass failed", "error", err)
		s.countError("http")
		writeError(w, http.StatusInternalServerError, "reconciliation pass failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "report": report})
}

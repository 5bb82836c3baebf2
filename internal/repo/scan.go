package repo

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const userColumns = `id, tg_id, username, first_name, last_name, balance, ref_code, invited_by,
ref_lvl1, ref_lvl2, ref_lvl3, ref_lvl4, ref_lvl5, referral_balance, referral_earned_total,
has_access, access_granted_at, bot_slots, created_at, updated_at`

const paymentColumns = `id, owner_id, type, status, requested_amount, currency, wallet, code, meta,
external_tx_hash, transfer_value, resolved_amount, rate, rate_stale, failure_reason, confirm_token,
created_at, updated_at, confirmed_at, commissions_settled_at`

// levelColumns maps a referral level onto its counter column.
var levelColumns = [ReferralDepth]string{"ref_lvl1", "ref_lvl2", "ref_lvl3", "ref_lvl4", "ref_lvl5"}

type rowScanner interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

func levelColumn(level int) (string, error) {
	if level < 1 || level > ReferralDepth {
		return "", fmt.Errorf("referral level %d out of range", level)
	}
	return levelColumns[level-1], nil
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.Balance, &u.RefCode, &u.InvitedBy,
		&u.ReferralLevels[0], &u.ReferralLevels[1], &u.ReferralLevels[2], &u.ReferralLevels[3], &u.ReferralLevels[4],
		&u.ReferralBalance, &u.ReferralEarnedTotal,
		&u.HasAccess, &u.AccessGrantedAt, &u.BotSlots, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func scanPayment(row rowScanner) (*PaymentRequest, error) {
	var (
		p        PaymentRequest
		metaJSON []byte
	)
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.Type, &p.Status, &p.RequestedAmount, &p.Currency, &p.Wallet, &p.Code, &metaJSON,
		&p.ExternalTxHash, &p.TransferValue, &p.ResolvedAmount, &p.Rate, &p.RateStale, &p.FailureReason, &p.ConfirmToken,
		&p.CreatedAt, &p.UpdatedAt, &p.ConfirmedAt, &p.CommissionsSettledAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Meta = decodeMeta(p.Type, metaJSON)
	return &p, nil
}

// purchaseEffects returns the user side effects of confirming req.
func purchaseEffects(req *PaymentRequest) (grantAccess bool, slots int) {
	switch req.Type {
	case PaymentAccess:
		return true, 0
	case PaymentBot:
		if m, ok := req.Meta.(BotMeta); ok {
			return false, m.SlotCount()
		}
		return false, 1
	}
	return false, 0
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

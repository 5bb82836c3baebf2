package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (r *SQLiteRepository) InsertPaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentRequest, error) {
	meta, err := encodeMeta(req.Type, req.Meta)
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	created := utc(req.CreatedAt)

	const q = `
INSERT INTO payment_requests (id, owner_id, type, status, requested_amount, currency, wallet, code, meta, created_at, updated_at)
VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?);
`
	var inserted *PaymentRequest
	err = r.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, q,
			req.ID,
			req.OwnerID,
			req.Type,
			req.RequestedAmount,
			req.Currency,
			req.Wallet,
			req.Code,
			jsonParam(meta),
			created,
			created,
		); err != nil {
			return classifyConstraint(err)
		}
		var err error
		inserted, err = scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE id = ?`, req.ID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert payment request: %w", err)
	}
	return inserted, nil
}

func (r *SQLiteRepository) GetPaymentRequest(ctx context.Context, id string) (*PaymentRequest, error) {
	p, err := scanPayment(r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get payment request: %w", err)
	}
	return p, nil
}

func (r *SQLiteRepository) FindReusablePending(ctx context.Context, ownerID string, typ PaymentType, since time.Time) (*PaymentRequest, error) {
	q := `
SELECT ` + paymentColumns + `
FROM payment_requests
WHERE owner_id = ? AND type = ? AND status = 'pending' AND created_at >= ?
ORDER BY created_at DESC
LIMIT 1`
	p, err := scanPayment(r.db.QueryRowContext(ctx, q, ownerID, typ, since.UTC()))
	if err != nil {
		return nil, fmt.Errorf("find reusable pending: %w", err)
	}
	return p, nil
}

func (r *SQLiteRepository) FindConfirmedByCode(ctx context.Context, wallet, code string) (*PaymentRequest, error) {
	q := `
SELECT ` + paymentColumns + `
FROM payment_requests
WHERE wallet = ? AND code = ? AND status = 'confirmed'
ORDER BY confirmed_at DESC
LIMIT 1`
	p, err := scanPayment(r.db.QueryRowContext(ctx, q, wallet, code))
	if err != nil {
		return nil, fmt.Errorf("find confirmed by code: %w", err)
	}
	return p, nil
}

func (r *SQLiteRepository) ListPendingSince(ctx context.Context, since time.Time) ([]PaymentRequest, error) {
	q := `
SELECT ` + paymentColumns + `
FROM payment_requests
WHERE status = 'pending' AND created_at >= ?
ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, q, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []PaymentRequest
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) ExpirePending(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE payment_requests SET status = 'expired', updated_at = ?
WHERE id = ? AND status = 'pending'`, utc(now), id)
	if err != nil {
		return false, fmt.Errorf("expire pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire pending: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) ExpirePendingBefore(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE payment_requests SET status = 'expired', updated_at = ?
WHERE status = 'pending' AND created_at < ?`, utc(now), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire pending before: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire pending before: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) FailPending(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE payment_requests SET status = 'failed', failure_reason = ?, updated_at = ?
WHERE id = ? AND status = 'pending'`, reason, utc(now), id)
	if err != nil {
		return false, fmt.Errorf("fail pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail pending: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) ConfirmAndCredit(ctx context.Context, c Confirmation) (*ConfirmResult, error) {
	res := &ConfirmResult{}
	confirmedAt := utc(c.ConfirmedAt)

	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		const q = `
UPDATE payment_requests
SET status = 'confirmed',
    external_tx_hash = ?,
    transfer_value = ?,
    resolved_amount = ?,
    rate = ?,
    rate_stale = ?,
    confirm_token = ?,
    confirmed_at = ?,
    updated_at = ?
WHERE id = ? AND status = 'pending';
`
		out, err := tx.ExecContext(ctx, q,
			c.TxHash, c.TransferValue, c.ResolvedAmount, c.Rate, c.RateStale, nullString(c.Token), confirmedAt, confirmedAt, c.RequestID,
		)
		if err != nil {
			return classifyConstraint(err)
		}
		if n, _ := out.RowsAffected(); n == 0 {
			return nil
		}
		req, err := scanPayment(tx.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE id = ?`, c.RequestID))
		if err != nil {
			return err
		}

		grant, slots := purchaseEffects(req)
		const uq = `
UPDATE users
SET balance = balance + ?,
    has_access = (has_access OR ?),
    access_granted_at = CASE WHEN ? AND access_granted_at IS NULL THEN ? ELSE access_granted_at END,
    bot_slots = bot_slots + ?,
    updated_at = ?
WHERE id = ?;
`
		out, err = tx.ExecContext(ctx, uq, c.ResolvedAmount, grant, grant, confirmedAt, slots, confirmedAt, req.OwnerID)
		if err != nil {
			return err
		}
		if n, _ := out.RowsAffected(); n == 0 {
			return ErrOwnerNotFound
		}
		owner, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, req.OwnerID))
		if err != nil {
			return err
		}

		res.Applied = true
		res.Request = req
		res.Owner = owner
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("confirm and credit: %w", err)
	}
	return res, nil
}

// ListUnsettledSince returns confirmed purchases confirmed at or after since
// whose referral commissions are not fully recorded, oldest first.
func (r *SQLiteRepository) ListUnsettledSince(ctx context.Context, since time.Time) ([]PaymentRequest, error) {
	q := `
SELECT ` + paymentColumns + `
FROM payment_requests
WHERE status = 'confirmed' AND commissions_settled_at IS NULL AND confirmed_at >= ?
  AND type IN ('ACCESS_PURCHASE', 'BOT_PURCHASE')
ORDER BY confirmed_at ASC`
	rows, err := r.db.QueryContext(ctx, q, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list unsettled: %w", err)
	}
	defer rows.Close()

	var out []PaymentRequest
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unsettled: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unsettled: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) MarkCommissionsSettled(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE payment_requests SET commissions_settled_at = ?, updated_at = ?
WHERE id = ? AND status = 'confirmed' AND commissions_settled_at IS NULL`, utc(now), utc(now), id)
	if err != nil {
		return fmt.Errorf("mark commissions settled: %w", err)
	}
	return nil
}

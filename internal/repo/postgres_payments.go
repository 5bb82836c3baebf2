package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertPaymentRequest stores a new pending payment request.
func (r *PostgresRepository) InsertPaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentRequest, error) {
	meta, err := encodeMeta(req.Type, req.Meta)
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	created := utc(req.CreatedAt)

	q := `
INSERT INTO payment_requests (id, owner_id, type, status, requested_amount, currency, wallet, code, meta, created_at, updated_at)
VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $8, $9, $9)
RETURNING ` + paymentColumns
	row := r.pool.QueryRow(ctx, q,
		req.ID,
		req.OwnerID,
		req.Type,
		req.RequestedAmount,
		req.Currency,
		req.Wallet,
		req.Code,
		jsonParam(meta),
		created,
	)
	inserted, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("insert payment request: %w", classifyConstraint(err))
	}
	return inserted, nil
}

// GetPaymentRequest loads a payment request by id.
func (r *PostgresRepository) GetPaymentRequest(ctx context.Context, id string) (*PaymentRequest, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get payment request: %w", err)
	}
	return p, nil
}

// FindReusablePending returns the newest pending request of the owner and
// type created at or after since.
func (r *PostgresRepository) FindReusablePending(ctx context.Context, ownerID string, typ PaymentType, since time.Time) (*PaymentRequest, error) {
	q := `
SELECT ` + paymentColumns + `
FROM payment_requests
WHERE owner_id = $1 AND type = $2 AND status = 'pending' AND created_at >= $3
ORDER BY created_at DESC
LIMIT 1`
	p, err := scanPayment(r.pool.QueryRow(ctx, q, ownerID, typ, since.UTC()))
	if err != nil {
		return nil, fmt.Errorf("find reusable pending: %w", err)
	}
	return p, nil
}

// FindConfirmedByCode returns the latest confirmed request carrying code on wallet.
func (r *PostgresRepository) FindConfirmedByCode(ctx context.Context, wallet, code string) (*PaymentRequest, error) {
	q := `
SELECT ` + paymentColumns + `
FROM payment_requests
WHERE wallet = $1 AND code = $2 AND status = 'confirmed'
ORDER BY confirmed_at DESC
LIMIT 1`
	p, err := scanPayment(r.pool.QueryRow(ctx, q, wallet, code))
	if err != nil {
		return nil, fmt.Errorf("find confirmed by code: %w", err)
	}
	return p, nil
}

// ListPendingSince returns pending requests created at or after since, oldest first.
func (r *PostgresRepository) ListPendingSince(ctx context.Context, since time.Time) ([]PaymentRequest, error) {
	q := `
SELECT ` + paymentColumns + `
FROM payment_requests
WHERE status = 'pending' AND created_at >= $1
ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, q, since.UTC())
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

// ExpirePending moves a single pending request to expired.
func (r *PostgresRepository) ExpirePending(ctx context.Context, id string, now time.Time) (bool, error) {
	ct, err := r.pool.Exec(ctx, `
UPDATE payment_requests SET status = 'expired', updated_at = $2
WHERE id = $1 AND status = 'pending'`, id, utc(now))
	if err != nil {
		return false, fmt.Errorf("expire pending: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ExpirePendingBefore expires every pending request created before cutoff.
func (r *PostgresRepository) ExpirePendingBefore(ctx context.Context, cutoff, now time.Time) (int64, error) {
	ct, err := r.pool.Exec(ctx, `
UPDATE payment_requests SET status = 'expired', updated_at = $2
WHERE status = 'pending' AND created_at < $1`, cutoff.UTC(), utc(now))
	if err != nil {
		return 0, fmt.Errorf("expire pending before: %w", err)
	}
	return ct.RowsAffected(), nil
}

// FailPending marks a pending request failed with reason.
func (r *PostgresRepository) FailPending(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	ct, err := r.pool.Exec(ctx, `
UPDATE payment_requests SET status = 'failed', failure_reason = $2, updated_at = $3
WHERE id = $1 AND status = 'pending'`, id, reason, utc(now))
	if err != nil {
		return false, fmt.Errorf("fail pending: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ConfirmAndCredit atomically moves a pending request to confirmed and
// applies the balance credit and purchase effects to its owner.
func (r *PostgresRepository) ConfirmAndCredit(ctx context.Context, c Confirmation) (*ConfirmResult, error) {
	res := &ConfirmResult{}
	confirmedAt := utc(c.ConfirmedAt)

	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		q := `
UPDATE payment_requests
SET status = 'confirmed',
    external_tx_hash = $2,
    transfer_value = $3,
    resolved_amount = $4,
    rate = $5,
    rate_stale = $6,
    confirmed_at = $7,
    updated_at = $7,
    confirm_token = $8
WHERE id = $1 AND status = 'pending'
RETURNING ` + paymentColumns
		req, err := scanPayment(tx.QueryRow(ctx, q,
			c.RequestID, c.TxHash, c.TransferValue, c.ResolvedAmount, c.Rate, c.RateStale, confirmedAt, nullString(c.Token),
		))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return classifyConstraint(err)
		}

		grant, slots := purchaseEffects(req)
		uq := `
UPDATE users
SET balance = balance + $2,
    has_access = has_access OR $3,
    access_granted_at = CASE WHEN $3 AND access_granted_at IS NULL THEN $4 ELSE access_granted_at END,
    bot_slots = bot_slots + $5,
    updated_at = $4
WHERE id = $1
RETURNING ` + userColumns
		owner, err := scanUser(tx.QueryRow(ctx, uq, req.OwnerID, c.ResolvedAmount, grant, confirmedAt, slots))
		if errors.Is(err, ErrNotFound) {
			return ErrOwnerNotFound
		}
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

// ListUnsettledSince returns confirmed purchases whose commissions are not
// fully recorded.
func (r *PostgresRepository) ListUnsettledSince(ctx context.Context, since time.Time) ([]PaymentRequest, error) {
	q := `
SELECT ` + paymentColumns + `
FROM payment_requests
WHERE status = 'confirmed' AND commissions_settled_at IS NULL AND confirmed_at >= $1
  AND type IN ('ACCESS_PURCHASE', 'BOT_PURCHASE')
ORDER BY confirmed_at ASC`
	rows, err := r.pool.Query(ctx, q, since.UTC())
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

// MarkCommissionsSettled records that the fan-out of a confirmed request completed.
func (r *PostgresRepository) MarkCommissionsSettled(ctx context.Context, id string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
UPDATE payment_requests SET commissions_settled_at = $2, updated_at = $2
WHERE id = $1 AND status = 'confirmed' AND commissions_settled_at IS NULL`, id, utc(now))
	if err != nil {
		return fmt.Errorf("mark commissions settled: %w", err)
	}
	return nil
}

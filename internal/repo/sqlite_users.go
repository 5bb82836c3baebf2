package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UpsertUser stores or refreshes the user profile keyed by Telegram id.
func (r *SQLiteRepository) UpsertUser(ctx context.Context, profile UserProfile) (*User, error) {
	const q = `
INSERT INTO users (id, tg_id, username, first_name, last_name, ref_code)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (tg_id) DO UPDATE SET
    username = COALESCE(NULLIF(excluded.username, ''), users.username),
    first_name = COALESCE(NULLIF(excluded.first_name, ''), users.first_name),
    last_name = COALESCE(NULLIF(excluded.last_name, ''), users.last_name),
    updated_at = CURRENT_TIMESTAMP;
`
	var u *User
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, q,
			uuid.NewString(),
			profile.TelegramID,
			strings.TrimPrefix(profile.Username, "@"),
			profile.FirstName,
			profile.LastName,
			RefCodeFor(profile.TelegramID),
		); err != nil {
			return err
		}
		var err error
		u, err = scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE tg_id = ?`, profile.TelegramID))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

func (r *SQLiteRepository) GetUserByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

func (r *SQLiteRepository) GetUserByRefCode(ctx context.Context, code string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE ref_code = UPPER(?)`
	u, err := scanUser(r.db.QueryRowContext(ctx, q, strings.TrimSpace(code)))
	if err != nil {
		return nil, fmt.Errorf("get user by ref code: %w", err)
	}
	return u, nil
}

func (r *SQLiteRepository) ListInvitees(ctx context.Context, inviterID string, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + userColumns + ` FROM users WHERE invited_by = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, inviterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list invitees: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invitee: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitees: %w", err)
	}
	return users, nil
}

// WithReferralTx runs fn in a transaction. The single pooled connection
// already serializes concurrent referral writers.
func (r *SQLiteRepository) WithReferralTx(ctx context.Context, fn func(tx ReferralTx) error) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(sqliteReferralTx{tx: tx})
	})
}

func (r *SQLiteRepository) InsertReferralCredit(ctx context.Context, credit ReferralCredit) (bool, error) {
	applied := false
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO referral_credits (id, payment_request_id, source_user_id, beneficiary_id, level, amount)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (payment_request_id, level) DO NOTHING`,
			uuid.NewString(), credit.PaymentRequestID, credit.SourceUserID, credit.BeneficiaryID, credit.Level, credit.Amount,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		res, err = tx.ExecContext(ctx, `
UPDATE users
SET referral_balance = referral_balance + ?,
    referral_earned_total = referral_earned_total + ?,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?`, credit.Amount, credit.Amount, credit.BeneficiaryID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert referral credit: %w", err)
	}
	return applied, nil
}

type sqliteReferralTx struct {
	tx *sql.Tx
}

func (t sqliteReferralTx) InviterOf(ctx context.Context, userID string) (*string, error) {
	var inviter sql.NullString
	err := t.tx.QueryRowContext(ctx, `SELECT invited_by FROM users WHERE id = ?`, userID).Scan(&inviter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("inviter of %s: %w", userID, err)
	}
	if !inviter.Valid {
		return nil, nil
	}
	return &inviter.String, nil
}

func (t sqliteReferralTx) SetInviter(ctx context.Context, userID, inviterID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
UPDATE users SET invited_by = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND invited_by IS NULL`, inviterID, userID)
	if err != nil {
		return false, fmt.Errorf("set inviter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set inviter: %w", err)
	}
	return n == 1, nil
}

func (t sqliteReferralTx) IncrementReferralLevel(ctx context.Context, userID string, level int) error {
	col, err := levelColumn(level)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`UPDATE users SET %s = %s + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, col, col), userID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", col, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

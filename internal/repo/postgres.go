package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// referralLockKey serializes referral graph mutations across app instances.
const referralLockKey int64 = 0x70617967617465

// PostgresRepository provides typed access to Postgres resources.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

// NewPostgres opens a new connection pool to the database with the desired search_path.
func NewPostgres(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

// WithTx executes fn within a database transaction.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, fn)
}

// UpsertUser stores or refreshes the user profile keyed by Telegram id.
func (r *PostgresRepository) UpsertUser(ctx context.Context, profile UserProfile) (*User, error) {
	q := `
INSERT INTO users (id, tg_id, username, first_name, last_name, ref_code)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (tg_id) DO UPDATE SET
    username = COALESCE(NULLIF(EXCLUDED.username, ''), users.username),
    first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), users.first_name),
    last_name = COALESCE(NULLIF(EXCLUDED.last_name, ''), users.last_name),
    updated_at = NOW()
RETURNING ` + userColumns
	row := r.pool.QueryRow(ctx, q,
		uuid.NewString(),
		profile.TelegramID,
		strings.TrimPrefix(profile.Username, "@"),
		profile.FirstName,
		profile.LastName,
		RefCodeFor(profile.TelegramID),
	)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

// GetUserByID returns user by internal identifier.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

// GetUserByRefCode resolves a referral code, ignoring case.
func (r *PostgresRepository) GetUserByRefCode(ctx context.Context, code string) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE ref_code = UPPER($1)`
	u, err := scanUser(r.pool.QueryRow(ctx, q, strings.TrimSpace(code)))
	if err != nil {
		return nil, fmt.Errorf("get user by ref code: %w", err)
	}
	return u, nil
}

// ListInvitees returns the direct invitees of a user, newest first.
func (r *PostgresRepository) ListInvitees(ctx context.Context, inviterID string, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + userColumns + ` FROM users WHERE invited_by = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, inviterID, limit)
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

// WithReferralTx runs fn in a transaction holding the referral advisory lock.
func (r *PostgresRepository) WithReferralTx(ctx context.Context, fn func(tx ReferralTx) error) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, referralLockKey); err != nil {
			return fmt.Errorf("acquire referral lock: %w", err)
		}
		return fn(pgReferralTx{tx: tx})
	})
}

// InsertReferralCredit records a commission credit and bumps the
// beneficiary's referral balance. It reports false when the credit for
// this payment and level was already recorded.
func (r *PostgresRepository) InsertReferralCredit(ctx context.Context, credit ReferralCredit) (bool, error) {
	applied := false
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `
INSERT INTO referral_credits (id, payment_request_id, source_user_id, beneficiary_id, level, amount)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (payment_request_id, level) DO NOTHING`,
			uuid.NewString(), credit.PaymentRequestID, credit.SourceUserID, credit.BeneficiaryID, credit.Level, credit.Amount,
		)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return nil
		}
		ct, err = tx.Exec(ctx, `
UPDATE users
SET referral_balance = referral_balance + $2,
    referral_earned_total = referral_earned_total + $2,
    updated_at = NOW()
WHERE id = $1`, credit.BeneficiaryID, credit.Amount)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
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

type pgReferralTx struct {
	tx pgx.Tx
}

func (t pgReferralTx) InviterOf(ctx context.Context, userID string) (*string, error) {
	var inviter *string
	err := t.tx.QueryRow(ctx, `SELECT invited_by FROM users WHERE id = $1`, userID).Scan(&inviter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("inviter of %s: %w", userID, err)
	}
	return inviter, nil
}

func (t pgReferralTx) SetInviter(ctx context.Context, userID, inviterID string) (bool, error) {
	ct, err := t.tx.Exec(ctx, `
UPDATE users SET invited_by = $2, updated_at = NOW()
WHERE id = $1 AND invited_by IS NULL`, userID, inviterID)
	if err != nil {
		return false, fmt.Errorf("set inviter: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (t pgReferralTx) IncrementReferralLevel(ctx context.Context, userID string, level int) error {
	col, err := levelColumn(level)
	if err != nil {
		return err
	}
	ct, err := t.tx.Exec(ctx, fmt.Sprintf(`UPDATE users SET %s = %s + 1, updated_at = NOW() WHERE id = $1`, col, col), userID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", col, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

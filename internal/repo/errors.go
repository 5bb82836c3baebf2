package repo

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("repo: not found")
	// ErrDuplicatePendingCode is returned when a pending request already uses the code on the wallet.
	ErrDuplicatePendingCode = errors.New("repo: pending request with this code already exists")
	// ErrOwnerNotFound is returned when a payment references a missing user.
	ErrOwnerNotFound = errors.New("repo: owner not found")
	// ErrTxHashConsumed is returned when a ledger transaction already confirmed another request.
	ErrTxHashConsumed = errors.New("repo: transaction already consumed")
)

const (
	indexPendingCode = "ux_payment_requests_pending_code"
	indexTxHash      = "ux_payment_requests_tx_hash"
)

// classifyConstraint maps unique and foreign key violations from either
// driver onto the package sentinels. Unknown errors are returned as is.
func classifyConstraint(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" && pgErr.ConstraintName == indexPendingCode:
			return ErrDuplicatePendingCode
		case pgErr.Code == "23505" && pgErr.ConstraintName == indexTxHash:
			return ErrTxHashConsumed
		case pgErr.Code == "23503" && strings.Contains(pgErr.ConstraintName, "owner_id"):
			return ErrOwnerNotFound
		}
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "payment_requests.code"):
		return ErrDuplicatePendingCode
	case strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, "payment_requests.external_tx_hash"):
		return ErrTxHashConsumed
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return ErrOwnerNotFound
	}
	return err
}

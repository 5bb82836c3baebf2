package repo

import (
	"context"
	"io/fs"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Users
	UpsertUser(ctx context.Context, profile UserProfile) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByRefCode(ctx context.Context, code string) (*User, error)
	ListInvitees(ctx context.Context, inviterID string, limit int) ([]User, error)

	// Referral graph
	WithReferralTx(ctx context.Context, fn func(tx ReferralTx) error) error
	InsertReferralCredit(ctx context.Context, credit ReferralCredit) (bool, error)

	// Payment requests
	InsertPaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentRequest, error)
	GetPaymentRequest(ctx context.Context, id string) (*PaymentRequest, error)
	FindReusablePending(ctx context.Context, ownerID string, typ PaymentType, since time.Time) (*PaymentRequest, error)
	FindConfirmedByCode(ctx context.Context, wallet, code string) (*PaymentRequest, error)
	ListPendingSince(ctx context.Context, since time.Time) ([]PaymentRequest, error)
	ExpirePending(ctx context.Context, id string, now time.Time) (bool, error)
	ExpirePendingBefore(ctx context.Context, cutoff, now time.Time) (int64, error)
	FailPending(ctx context.Context, id, reason string, now time.Time) (bool, error)
	ConfirmAndCredit(ctx context.Context, c Confirmation) (*ConfirmResult, error)

	// Commission settlement
	ListUnsettledSince(ctx context.Context, since time.Time) ([]PaymentRequest, error)
	MarkCommissionsSettled(ctx context.Context, id string, now time.Time) error
}

// ReferralTx is the view of the referral graph available inside a
// serialized referral transaction.
type ReferralTx interface {
	// InviterOf returns the inviter of userID, nil for a root user and
	// ErrNotFound when the user does not exist.
	InviterOf(ctx context.Context, userID string) (*string, error)
	// SetInviter records the edge only when the user has no inviter yet.
	SetInviter(ctx context.Context, userID, inviterID string) (bool, error)
	// IncrementReferralLevel bumps the level counter (1..ReferralDepth) of userID.
	IncrementReferralLevel(ctx context.Context, userID string, level int) error
}

var _ Repository = (*PostgresRepository)(nil)
var _ Repository = (*SQLiteRepository)(nil)

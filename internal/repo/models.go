package repo

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferralDepth is the number of ancestor levels tracked per user.
const ReferralDepth = 5

// PaymentType classifies what a payment request pays for.
type PaymentType string

const (
	PaymentAccess PaymentType = "ACCESS_PURCHASE"
	PaymentBot    PaymentType = "BOT_PURCHASE"
	PaymentPayout PaymentType = "REFERRAL_PAYOUT"
	PaymentOther  PaymentType = "OTHER"
)

// Valid reports whether t is a known payment type.
func (t PaymentType) Valid() bool {
	switch t {
	case PaymentAccess, PaymentBot, PaymentPayout, PaymentOther:
		return true
	}
	return false
}

// PaymentStatus is the lifecycle state of a payment request.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusConfirmed PaymentStatus = "confirmed"
	StatusFailed    PaymentStatus = "failed"
	StatusExpired   PaymentStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusExpired
}

// User represents the users table row.
type User struct {
	ID                  string
	TelegramID          int64
	Username            string
	FirstName           string
	LastName            string
	Balance             decimal.Decimal
	RefCode             string
	InvitedBy           *string
	ReferralLevels      [ReferralDepth]int64
	ReferralBalance     decimal.Decimal
	ReferralEarnedTotal decimal.Decimal
	HasAccess           bool
	AccessGrantedAt     *time.Time
	BotSlots            int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// DisplayName returns the best human readable handle for the user.
func (u User) DisplayName() string {
	if u.Username != "" {
		return "@" + u.Username
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.RefCode
}

// UserProfile carries data used to upsert a user.
type UserProfile struct {
	TelegramID int64
	Username   string
	FirstName  string
	LastName   string
}

// PaymentRequest represents a row in payment_requests.
type PaymentRequest struct {
	ID              string
	OwnerID         string
	Type            PaymentType
	Status          PaymentStatus
	RequestedAmount decimal.Decimal
	Currency        string
	Wallet          string
	Code            string
	Meta            Meta
	ExternalTxHash  *string
	TransferValue   *int64
	ResolvedAmount  decimal.NullDecimal
	Rate            decimal.NullDecimal
	RateStale       bool
	FailureReason   *string
	ConfirmToken    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ConfirmedAt     *time.Time

	// CommissionsSettledAt is set once every referral commission of a
	// confirmed request has been recorded.
	CommissionsSettledAt *time.Time
}

// Confirmation carries the evidence recorded when a pending request is confirmed.
type Confirmation struct {
	RequestID      string
	TxHash         string
	TransferValue  int64
	ResolvedAmount decimal.Decimal
	Rate           decimal.Decimal
	RateStale      bool
	ConfirmedAt    time.Time

	// Token identifies the reconcile attempt that wrote the confirmation.
	Token string
}

// ConfirmResult reports the outcome of ConfirmAndCredit.
// Applied is false when the request was no longer pending.
type ConfirmResult struct {
	Applied bool
	Request *PaymentRequest
	Owner   *User
}

// ReferralCredit is an audit row for a single commission credit.
type ReferralCredit struct {
	ID               string
	PaymentRequestID string
	SourceUserID     string
	BeneficiaryID    string
	Level            int
	Amount           decimal.Decimal
	CreatedAt        time.Time
}

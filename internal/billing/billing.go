// Package billing issues payment requests and their memo correlation codes.
package billing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"paygate/internal/repo"
)

// CodeLength is the number of decimal digits in a correlation code.
const CodeLength = 12

const defaultMaxAttempts = 8

var (
	// ErrInvalidRequest is returned for malformed create requests.
	ErrInvalidRequest = errors.New("billing: invalid payment request")
	// ErrCodeSpaceExhausted is returned when no free code was found within the attempt budget.
	ErrCodeSpaceExhausted = errors.New("billing: could not allocate a unique code")
)

var codeSpace = new(big.Int).Exp(big.NewInt(10), big.NewInt(CodeLength), nil)

// Price is the default amount charged for a payment type.
type Price struct {
	Amount   decimal.Decimal
	Currency string
}

// Config holds billing configuration.
type Config struct {
	Wallet      string
	ReuseWindow time.Duration
	MaxAttempts int
	Prices      map[repo.PaymentType]Price
}

// CreateRequest describes a purchase the owner is about to pay for.
// A zero Amount falls back to the configured price of the type.
type CreateRequest struct {
	OwnerID  string
	Type     repo.PaymentType
	Amount   decimal.Decimal
	Currency string
	Meta     repo.Meta
}

// Service issues payment requests.
type Service struct {
	repo   repo.Repository
	cfg    Config
	logger *slog.Logger

	now     func() time.Time
	newCode func() (string, error)
}

// New constructs a billing service.
func New(r repo.Repository, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Service{
		repo:    r,
		cfg:     cfg,
		logger:  logger.With("component", "billing"),
		now:     time.Now,
		newCode: GenerateCode,
	}
}

// Wallet returns the destination address payers are told to use.
func (s *Service) Wallet() string {
	return s.cfg.Wallet
}

// CreatePaymentRequest returns a pending request for the owner. A pending
// request of the same type younger than the reuse window is returned as is
// with reused set.
func (s *Service) CreatePaymentRequest(ctx context.Context, in CreateRequest) (*repo.PaymentRequest, bool, error) {
	in, err := s.normalize(in)
	if err != nil {
		return nil, false, err
	}

	if _, err := s.repo.GetUserByID(ctx, in.OwnerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, false, repo.ErrOwnerNotFound
		}
		return nil, false, fmt.Errorf("load owner: %w", err)
	}

	if s.cfg.ReuseWindow > 0 {
		existing, err := s.repo.FindReusablePending(ctx, in.OwnerID, in.Type, s.now().Add(-s.cfg.ReuseWindow))
		switch {
		case err == nil:
			s.logger.Info("reusing pending payment request", "request_id", existing.ID, "owner_id", in.OwnerID, "type", in.Type)
			return existing, true, nil
		case !errors.Is(err, repo.ErrNotFound):
			return nil, false, fmt.Errorf("find reusable request: %w", err)
		}
	}

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, false, fmt.Errorf("generate code: %w", err)
		}
		req, err := s.repo.InsertPaymentRequest(ctx, repo.PaymentRequest{
			OwnerID:         in.OwnerID,
			Type:            in.Type,
			RequestedAmount: in.Amount,
			Currency:        in.Currency,
			Wallet:          s.cfg.Wallet,
			Code:            code,
			Meta:            in.Meta,
			CreatedAt:       s.now(),
		})
		if errors.Is(err, repo.ErrDuplicatePendingCode) {
			s.logger.Warn("correlation code collision", "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, false, err
		}
		s.logger.Info("payment request created", "request_id", req.ID, "owner_id", req.OwnerID, "type", req.Type, "code", req.Code)
		return req, false, nil
	}
	return nil, false, ErrCodeSpaceExhausted
}

func (s *Service) normalize(in CreateRequest) (CreateRequest, error) {
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	if in.OwnerID == "" {
		return in, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if !in.Type.Valid() {
		return in, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, in.Type)
	}
	if in.Meta != nil && in.Meta.Kind() != in.Type {
		return in, fmt.Errorf("%w: meta does not match type %s", ErrInvalidRequest, in.Type)
	}
	if in.Amount.IsZero() {
		if p, ok := s.cfg.Prices[in.Type]; ok {
			in.Amount = p.Amount
			if in.Currency == "" {
				in.Currency = p.Currency
			}
		}
	}
	if in.Amount.IsNegative() {
		return in, fmt.Errorf("%w: negative amount", ErrInvalidRequest)
	}
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		return in, fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(s.cfg.Wallet) == "" {
		return in, fmt.Errorf("%w: platform wallet is not configured", ErrInvalidRequest)
	}
	return in, nil
}

// GenerateCode returns a uniformly random 12 digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", CodeLength, n), nil
}

package referral

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"paygate/internal/metrics"
	"paygate/internal/notify"
	"paygate/internal/repo"
)

// Commission returns floor(base / (level+1)).
func Commission(base decimal.Decimal, level int) decimal.Decimal {
	return base.Div(decimal.NewFromInt(int64(level + 1))).Floor()
}

// Credit describes one attempted commission.
type Credit struct {
	Level         int
	BeneficiaryID string
	Amount        decimal.Decimal
	Applied       bool
	Err           error
}

// Distributor fans commissions out to the ancestors of a paying user.
type Distributor struct {
	repo     repo.Repository
	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	currency string
}

// NewDistributor constructs a Distributor. notifier may be nil.
func NewDistributor(r repo.Repository, notifier notify.Notifier, currency string, logger *slog.Logger, metrics *metrics.Metrics) *Distributor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Distributor{
		repo:     r,
		notifier: notifier,
		logger:   logger.With("component", "commission"),
		metrics:  metrics,
		currency: currency,
	}
}

// Distribute credits up to MaxDepth ancestors of source for the confirmed
// request. A failed credit is logged and skipped; a failed ancestor lookup
// ends the walk and is reported as a Credit with Err set. Re-running for the
// same request credits nothing new.
func (d *Distributor) Distribute(ctx context.Context, req *repo.PaymentRequest, source *repo.User, base decimal.Decimal) []Credit {
	var credits []Credit
	cur := source
	for level := 1; level <= MaxDepth; level++ {
		if cur.InvitedBy == nil {
			break
		}
		ancestor, err := d.repo.GetUserByID(ctx, *cur.InvitedBy)
		if err != nil {
			d.logger.Error("load ancestor failed, stopping fan-out", "request_id", req.ID, "level", level, "ancestor_id", *cur.InvitedBy, "error", err)
			d.count(level, "error")
			credits = append(credits, Credit{Level: level, BeneficiaryID: *cur.InvitedBy, Err: err})
			break
		}

		c := Credit{Level: level, BeneficiaryID: ancestor.ID, Amount: Commission(base, level)}
		if c.Amount.IsPositive() {
			c.Applied, c.Err = d.repo.InsertReferralCredit(ctx, repo.ReferralCredit{
				PaymentRequestID: req.ID,
				SourceUserID:     source.ID,
				BeneficiaryID:    ancestor.ID,
				Level:            level,
				Amount:           c.Amount,
			})
			switch {
			case c.Err != nil:
				d.logger.Error("referral credit failed", "request_id", req.ID, "level", level, "beneficiary_id", ancestor.ID, "error", c.Err)
				d.count(level, "error")
			case c.Applied:
				d.logger.Info("referral credited", "request_id", req.ID, "level", level, "beneficiary_id", ancestor.ID, "amount", c.Amount.String())
				d.count(level, "credited")
				d.notifier.ReferralCredited(ctx, notify.ReferralCredited{
					BeneficiaryID:   ancestor.ID,
					TelegramID:      ancestor.TelegramID,
					Level:           level,
					Amount:          c.Amount,
					ReferralBalance: ancestor.ReferralBalance.Add(c.Amount),
					Currency:        d.currency,
					SourceName:      source.DisplayName(),
				})
			default:
				d.count(level, "duplicate")
			}
		}
		credits = append(credits, c)
		cur = ancestor
	}
	return credits
}

func (d *Distributor) count(level int, status string) {
	if d.metrics != nil {
		d.metrics.CommissionCredits.WithLabelValues(strconv.Itoa(level), status).Inc()
	}
}

// Package paylink renders the transfer link and QR code a payer scans to
// pay a payment request.
package paylink

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
	qrcode "github.com/skip2/go-qrcode"

	"paygate/internal/rates"
)

// DefaultQRSize is the PNG edge length in pixels.
const DefaultQRSize = 256

// ErrMissingWallet is returned when no destination wallet is known.
var ErrMissingWallet = errors.New("paylink: wallet address required")

// Link is a ton://transfer deep link. Nano of zero leaves the amount to the payer.
type Link struct {
	Wallet string
	Nano   int64
	Code   string
}

// String renders ton://transfer/<wallet>?amount=<nano>&text=<code>.
func (l Link) String() string {
	q := url.Values{}
	if l.Nano > 0 {
		q.Set("amount", fmt.Sprintf("%d", l.Nano))
	}
	if l.Code != "" {
		q.Set("text", l.Code)
	}
	u := "ton://transfer/" + url.PathEscape(l.Wallet)
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

// New builds a link for amount in the reference currency at quote's rate.
// A non-positive rate or amount produces a link without an amount.
func New(wallet, code string, amount decimal.Decimal, quote rates.Quote) (Link, error) {
	if wallet == "" {
		return Link{}, ErrMissingWallet
	}
	return Link{Wallet: wallet, Code: code, Nano: ToNano(amount, quote)}, nil
}

// ToNano converts a reference currency amount to minor chain units, rounding up.
func ToNano(amount decimal.Decimal, quote rates.Quote) int64 {
	if !quote.Rate.IsPositive() || !amount.IsPositive() {
		return 0
	}
	return amount.Div(quote.Rate).Mul(rates.NanoPerCoin).Ceil().IntPart()
}

// QR encodes the link as a PNG image.
func QR(l Link, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(l.String(), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

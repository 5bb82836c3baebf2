package paylink

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"

	"paygate/internal/rates"
)

func TestLinkString(t *testing.T) {
	l, err := New("UQWallet", "000123456789", decimal.NewFromInt(12), rates.Quote{Rate: decimal.RequireFromString("2.4")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	want := "ton://transfer/UQWallet?amount=5000000000&text=000123456789"
	if got := l.String(); got != want {
		t.Fatalf("link %q, want %q", got, want)
	}
}

func TestLinkWithoutRate(t *testing.T) {
	l, err := New("UQWallet", "000000000001", decimal.NewFromInt(10), rates.Quote{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := l.String(); got != "ton://transfer/UQWallet?text=000000000001" {
		t.Fatalf("unexpected link %q", got)
	}
	if _, err := New("", "1", decimal.NewFromInt(1), rates.Quote{}); err != ErrMissingWallet {
		t.Fatalf("expected ErrMissingWallet, got %v", err)
	}
}

func TestToNanoRoundsUp(t *testing.T) {
	got := ToNano(decimal.NewFromInt(10), rates.Quote{Rate: decimal.NewFromInt(3)})
	if got != 3333333334 {
		t.Fatalf("nano %d, want 3333333334", got)
	}
}

func TestQRProducesPNG(t *testing.T) {
	png, err := QR(Link{Wallet: "UQWallet", Code: "000123456789"}, 0)
	if err != nil {
		t.Fatalf("qr: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatalf("output is not a png")
	}
}

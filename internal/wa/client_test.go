package wa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.mau.fi/whatsmeow/types"

	"paygate/internal/logging"
)

func TestParseRecipient(t *testing.T) {
	cases := map[string]string{
		"+6281234567890":               "6281234567890@s.whatsapp.net",
		"6281234567890@s.whatsapp.net": "6281234567890@s.whatsapp.net",
		"120363025246125486@g.us":      "120363025246125486@g.us",
	}
	for in, want := range cases {
		jid, err := ParseRecipient(in)
		if err != nil {
			t.Fatalf("ParseRecipient(%q): %v", in, err)
		}
		if jid.String() != want {
			t.Fatalf("ParseRecipient(%q) = %s, want %s", in, jid, want)
		}
	}
	if _, err := ParseRecipient("  "); err == nil {
		t.Fatal("expected error for empty recipient")
	}
}

type recorder struct {
	sent []string
	fail bool
}

func (r *recorder) send(_ context.Context, _ types.JID, text string) error {
	if r.fail {
		return errors.New("socket closed")
	}
	r.sent = append(r.sent, text)
	return nil
}

func newTestClient(online *bool, rec *recorder) *Client {
	return &Client{
		logger:    logging.Discard(),
		alertJID:  types.NewJID("6281234567890", types.DefaultUserServer),
		connected: func() bool { return *online },
		send:      rec.send,
	}
}

func TestAlertHeldUntilConnected(t *testing.T) {
	online := false
	rec := &recorder{}
	c := newTestClient(&online, rec)

	if err := c.Alert(context.Background(), "credit failed"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if len(rec.sent) != 0 {
		t.Fatalf("nothing should be sent while offline")
	}

	online = true
	c.flush(context.Background())
	if len(rec.sent) != 1 || !strings.HasSuffix(rec.sent[0], " credit failed") {
		t.Fatalf("held alert not delivered: %v", rec.sent)
	}

	if err := c.Alert(context.Background(), "second"); err != nil {
		t.Fatalf("alert: %v", err)
	}
	if len(rec.sent) != 2 || rec.sent[1] != "second" {
		t.Fatalf("unexpected deliveries %v", rec.sent)
	}
}

func TestBacklogIsBoundedAndRetained(t *testing.T) {
	online := false
	rec := &recorder{}
	c := newTestClient(&online, rec)
	for i := 0; i < maxBacklog+5; i++ {
		_ = c.Alert(context.Background(), fmt.Sprintf("alert %d", i))
	}
	if len(c.backlog) != maxBacklog {
		t.Fatalf("backlog %d, want %d", len(c.backlog), maxBacklog)
	}
	if !strings.HasSuffix(c.backlog[0], " alert 5") {
		t.Fatalf("oldest alerts should be dropped first, got %q", c.backlog[0])
	}

	online = true
	rec.fail = true
	c.flush(context.Background())
	if len(c.backlog) != maxBacklog {
		t.Fatalf("failed flush must keep the backlog, got %d", len(c.backlog))
	}
}

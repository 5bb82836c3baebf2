// Package wa pages operators over WhatsApp.
package wa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"paygate/internal/metrics"
)

// maxBacklog bounds the alerts held while the session is down.
const maxBacklog = 50

// ErrNotConnected is returned when an alert is sent before the session is
// up. The alert is kept and delivered after the next connect.
var ErrNotConnected = errors.New("whatsapp client not connected")

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	AlertJID  string
	Metrics   *metrics.Metrics
	// QROut receives the pairing QR code. Defaults to stderr.
	QROut io.Writer
}

// Client delivers operator alerts to one WhatsApp chat.
type Client struct {
	wm       *whatsmeow.Client
	logger   *slog.Logger
	metrics  *metrics.Metrics
	alertJID types.JID
	qrOut    io.Writer

	connected func() bool
	send      func(ctx context.Context, to types.JID, text string) error

	mu      sync.Mutex
	backlog []string
}

// New opens the device store and prepares the session. Call Start to connect.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}
	jid, err := ParseRecipient(cfg.AlertJID)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.StorePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure store dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath)
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	c := &Client{
		wm:       whatsmeow.NewClient(device, waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)),
		logger:   logger.With("component", "wa"),
		metrics:  cfg.Metrics,
		alertJID: jid,
		qrOut:    cfg.QROut,
	}
	if c.qrOut == nil {
		c.qrOut = os.Stderr
	}
	c.connected = c.wm.IsConnected
	c.send = c.sendText
	c.wm.AddEventHandler(c.handleEvent)
	return c, nil
}

// ParseRecipient accepts a full JID or a bare phone number.
func ParseRecipient(raw string) (types.JID, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "+"))
	if raw == "" {
		return types.JID{}, errors.New("alert recipient is required")
	}
	if !strings.Contains(raw, "@") {
		return types.NewJID(raw, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return types.JID{}, fmt.Errorf("parse alert jid: %w", err)
	}
	return jid, nil
}

// Start connects the session. An unpaired device prints a QR code to
// scan with the operator phone.
func (c *Client) Start(ctx context.Context) error {
	if c.wm.Store.ID == nil {
		qrChan, err := c.wm.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		c.logger.Info("pairing required, scan the QR code with WhatsApp")
		go func() {
			for evt := range qrChan {
				if evt.Event != "code" {
					c.logger.Info("pairing event received", "event", evt.Event)
					continue
				}
				c.printQR(evt.Code)
			}
		}()
	}

	if err := c.wm.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}
	c.logger.Info("whatsapp alert channel connecting", "alert_jid", c.alertJID.String())
	return nil
}

func (c *Client) printQR(code string) {
	qr, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		c.logger.Warn("render pairing qr failed", "error", err)
		return
	}
	fmt.Fprintln(c.qrOut, qr.ToSmallString(false))
}

// Close disconnects the session.
func (c *Client) Close() {
	if c.wm != nil {
		c.wm.Disconnect()
	}
}

func (c *Client) handleEvent(evt any) {
	switch evt.(type) {
	case *events.Connected:
		c.logger.Info("device connected")
		go c.flush(context.Background())
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
	case *events.LoggedOut:
		c.logger.Error("device logged out, operator alerts are held until re-pairing")
	}
}

// Alert sends text to the operator chat. While disconnected the alert is
// held and ErrNotConnected returned.
func (c *Client) Alert(ctx context.Context, text string) error {
	if !c.connected() {
		c.hold(text)
		c.count("held")
		return ErrNotConnected
	}
	if err := c.send(ctx, c.alertJID, text); err != nil {
		c.hold(text)
		c.count("error")
		return err
	}
	c.count("sent")
	return nil
}

func (c *Client) hold(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.backlog) >= maxBacklog {
		c.backlog = c.backlog[1:]
		c.count("dropped")
	}
	c.backlog = append(c.backlog, time.Now().UTC().Format(time.RFC3339)+" "+text)
}

// flush delivers held alerts in order and stops at the first failure.
func (c *Client) flush(ctx context.Context) {
	c.mu.Lock()
	pending := c.backlog
	c.backlog = nil
	c.mu.Unlock()

	for i, text := range pending {
		if err := c.send(ctx, c.alertJID, text); err != nil {
			c.logger.Warn("deliver held alert failed", "error", err, "remaining", len(pending)-i)
			c.mu.Lock()
			c.backlog = append(pending[i:], c.backlog...)
			c.mu.Unlock()
			c.count("error")
			return
		}
		c.count("sent")
	}
	if len(pending) > 0 {
		c.logger.Info("delivered held alerts", "count", len(pending))
	}
}

func (c *Client) sendText(ctx context.Context, to types.JID, text string) error {
	message := &waProto.Message{Conversation: proto.String(text)}
	if _, err := c.wm.SendMessage(ctx, to, message); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

func (c *Client) count(status string) {
	if c.metrics != nil {
		c.metrics.Notifications.WithLabelValues("whatsapp", status).Inc()
	}
}

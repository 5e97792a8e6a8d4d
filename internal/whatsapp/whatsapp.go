// Package whatsapp wraps the Whatsmeow client for Courier.
//
// Client is the production transport.Transport: it owns the device session (identity, sessions
// and sender keys live in the whatsmeow device store) and delivers outbound messages.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/Courier/internal/models"
	"github.com/BTreeMap/Courier/internal/store"
	"github.com/BTreeMap/Courier/internal/transport"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow device database
	DefaultSQLitePath = "/var/lib/courier/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
	LogLevel    string // whatsmeow internal log level
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow device database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the pairing code as text instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithLogLevel sets the level of whatsmeow's own logger (DEBUG, INFO, WARN, ERROR).
func WithLogLevel(level string) Option {
	return func(o *Opts) {
		o.LogLevel = level
	}
}

// Client wraps the whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// resolveDriver picks the database/sql driver for the device store.
func resolveDriver(dsn string) string {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return "postgres"
	}
	return "sqlite3"
}

// missingForeignKeys reports whether a SQLite DSN leaves foreign keys off.
func missingForeignKeys(dsn string) bool {
	return resolveDriver(dsn) == "sqlite3" && !strings.Contains(dsn, "foreign_keys")
}

// NewClient opens the device store, logs in if needed and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := Opts{LogLevel: "INFO"}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("whatsapp.NewClient: options set", "dsn_set", cfg.DBDSN != "", "qr_path_set", cfg.QRPath != "", "numeric_code", cfg.NumericCode)

	dsn := cfg.DBDSN
	if dsn == "" {
		dsn = DefaultSQLitePath
		slog.Debug("whatsapp.NewClient: no device DSN provided, using default", "path", dsn)
	}
	driver := resolveDriver(dsn)
	if missingForeignKeys(dsn) {
		slog.Warn("whatsapp.NewClient: device database does not enable foreign keys; whatsmeow recommends '?_foreign_keys=on'",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", cfg.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize whatsapp device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from whatsapp store: %w", err)
	}

	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", cfg.LogLevel, true))
	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("whatsapp.NewClient: device already paired, connecting")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to whatsapp server: %w", err)
		}
	}
	slog.Info("whatsapp.NewClient: connected")
	return &Client{waClient: waClient}, nil
}

// login runs the QR pairing flow until the QR channel closes.
func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp.login: pairing required; starting QR flow")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to open QR channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to whatsapp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("whatsapp.login: pairing event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// RecipientJID converts an E.164-style address to a user JID.
func RecipientJID(to string) types.JID {
	return types.NewJID(strings.TrimPrefix(strings.TrimSpace(to), "+"), JIDSuffix)
}

// SenderAddress converts a JID back to Courier's "+<digits>" address form.
func SenderAddress(jid types.JID) string {
	if jid.User == "" || strings.HasPrefix(jid.User, "+") {
		return jid.User
	}
	return "+" + jid.User
}

var attachmentLine = regexp.MustCompile(`^\[attachment ([^\]]+)\] (\S+)$`)

// RenderBody flattens a message into the text sent over the wire. Attachments travel as
// references to their blobstore keys.
func RenderBody(msg transport.OutgoingMessage) string {
	var b strings.Builder
	b.WriteString(msg.Body)
	for _, a := range msg.Attachments {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[attachment %s] %s", attachmentLabel(a), a.RemoteKey)
	}
	return b.String()
}

func attachmentLabel(a models.AttachmentPointer) string {
	if a.FileName != "" {
		return a.FileName
	}
	if a.ContentType != "" {
		return a.ContentType
	}
	return "file"
}

// classifySendError maps a whatsmeow send failure to a transport status.
func classifySendError(err error) transport.SendStatus {
	switch {
	case err == nil:
		return transport.StatusSent
	case errors.Is(err, whatsmeow.ErrNotConnected),
		errors.Is(err, whatsmeow.ErrNotLoggedIn),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return transport.StatusNetworkFailure
	default:
		return transport.StatusRejected
	}
}

// Send implements transport.Transport.
func (c *Client) Send(ctx context.Context, to string, msg transport.OutgoingMessage) transport.SendResult {
	if c.waClient == nil || c.waClient.Store == nil {
		return transport.SendResult{Status: transport.StatusNetworkFailure, Err: errors.New("whatsapp client not initialized")}
	}
	if to == "" {
		return transport.SendResult{Status: transport.StatusRejected, Err: models.ErrEmptyRecipient}
	}
	body := RenderBody(msg)
	if body == "" {
		return transport.SendResult{Status: transport.StatusRejected, Err: models.ErrEmptyMessage}
	}

	slog.Debug("Client.Send: sending", "to", to, "message_id", msg.MessageID, "body_length", len(body))
	resp, err := c.waClient.SendMessage(ctx, RecipientJID(to), &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		status := classifySendError(err)
		slog.Error("Client.Send: send failed", "to", to, "status", status, "error", err)
		return transport.SendResult{Status: status, Err: fmt.Errorf("failed to send message to %s: %w", to, err)}
	}
	slog.Debug("Client.Send: sent", "to", to, "wa_id", resp.ID)
	return transport.SendResult{
		Status:    transport.StatusSent,
		MessageID: string(resp.ID),
		Timestamp: resp.Timestamp.UnixMilli(),
	}
}

// Device returns the whatsmeow device store, which also serves as the Signal protocol store.
func (c *Client) Device() *wastore.Device {
	return c.waClient.Store
}

// Connected reports whether the websocket is up and the device is logged in.
func (c *Client) Connected() bool {
	return c.waClient != nil && c.waClient.IsConnected() && c.waClient.IsLoggedIn()
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the websocket.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient is a Transport that accepts every send (for tests and dry runs).
type MockClient struct {
	Sent []transport.OutgoingMessage
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Send(ctx context.Context, to string, msg transport.OutgoingMessage) transport.SendResult {
	m.Sent = append(m.Sent, msg)
	return transport.SendResult{Status: transport.StatusSent, MessageID: "mock-" + msg.MessageID}
}

// Ensure implementations satisfy the interface.
var (
	_ transport.Transport = (*Client)(nil)
	_ transport.Transport = (*MockClient)(nil)
)

// ParseBody reverses RenderBody: attachment reference lines become pointers and the
// remaining lines form the body.
func ParseBody(text string) (string, []models.AttachmentPointer) {
	var body []string
	var atts []models.AttachmentPointer
	for _, line := range strings.Split(text, "\n") {
		m := attachmentLine.FindStringSubmatch(line)
		if m == nil {
			body = append(body, line)
			continue
		}
		ptr := models.AttachmentPointer{RemoteKey: m[2]}
		switch label := m[1]; {
		case strings.Contains(label, "/"):
			ptr.ContentType = label
		case label != "file":
			ptr.FileName = label
		}
		atts = append(atts, ptr)
	}
	return strings.Join(body, "\n"), atts
}

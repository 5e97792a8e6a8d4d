// Command Courier runs the messaging job engine: it receives envelopes from WhatsApp and the
// HTTP API, decrypts and classifies them through durable jobs, and delivers outgoing
// messages and attachments with retries that survive restarts.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/BTreeMap/Courier/internal/api"
	"github.com/BTreeMap/Courier/internal/scheduler"
	"github.com/BTreeMap/Courier/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Courier state data
	DefaultStateDir = "/var/lib/courier"
	// DefaultAppDBFileName is the default SQLite database filename for jobs and messages
	DefaultAppDBFileName = "courier.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for the device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Outbound transports selectable with COURIER_TRANSPORT.
const (
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
)

// Config holds environment configuration. Command line flags override every field.
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	APIAddr          string
	Workers          int
	AutoDownload     bool
	Transport        string
	DownloadDir      string
	BlobDir          string
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	SendRatePerSec   float64
	SendBurst        int
	RotateCron       string
	PruneCron        string
	LedgerRetention  time.Duration
	WhatsAppLogLevel string
	QROutput         string
	NumericCode      bool
}

func main() {
	// Load .env before reading any environment variable
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	initializeLogger(os.Getenv("COURIER_LOG_LEVEL"))

	config := loadEnvironmentConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(&config).ExecuteContext(ctx); err != nil {
		slog.Error("Courier failed", "error", err)
		os.Exit(1)
	}
}

// parseLogLevel maps COURIER_LOG_LEVEL to a slog level, defaulting to debug.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// initializeLogger sets up structured logging on stdout
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables
func loadEnvironmentConfig() Config {
	config := Config{
		StateDir:         util.GetEnv("COURIER_STATE_DIR", DefaultStateDir),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:          util.GetEnv("API_ADDR", api.DefaultAddr),
		Workers:          util.GetEnvInt("COURIER_WORKERS", 4),
		AutoDownload:     util.ParseBoolEnv("COURIER_AUTO_DOWNLOAD", true),
		Transport:        util.GetEnv("COURIER_TRANSPORT", TransportWhatsApp),
		DownloadDir:      os.Getenv("COURIER_DOWNLOAD_DIR"),
		BlobDir:          os.Getenv("COURIER_BLOB_DIR"),
		S3Bucket:         os.Getenv("ATTACHMENT_S3_BUCKET"),
		S3Region:         os.Getenv("ATTACHMENT_S3_REGION"),
		S3Endpoint:       os.Getenv("ATTACHMENT_S3_ENDPOINT"),
		SendRatePerSec:   util.GetEnvFloat("SEND_RATE_PER_SEC", 5),
		SendBurst:        util.GetEnvInt("SEND_BURST", 10),
		RotateCron:       util.GetEnv("ROTATE_SIGNED_PREKEY_CRON", scheduler.DefaultRotateSchedule),
		PruneCron:        util.GetEnv("PRUNE_LEDGER_CRON", scheduler.DefaultPruneSchedule),
		LedgerRetention:  util.GetEnvDuration("LEDGER_RETENTION", scheduler.DefaultLedgerRetention),
		WhatsAppLogLevel: util.GetEnv("WHATSAPP_LOG_LEVEL", "INFO"),
	}

	// DATABASE_URL is accepted for the application database when DATABASE_DSN is unset
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}

	slog.Debug("environment variables loaded",
		"COURIER_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"API_ADDR", config.APIAddr,
		"COURIER_WORKERS", config.Workers,
		"COURIER_AUTO_DOWNLOAD", config.AutoDownload,
		"COURIER_TRANSPORT", config.Transport,
		"ATTACHMENT_S3_BUCKET", config.S3Bucket)
	return config
}

// applyStateDirDefaults fills paths that default to files under the state directory. It runs
// after flag parsing so --state-dir moves every derived path.
func (c *Config) applyStateDirDefaults() {
	if c.ApplicationDBDSN == "" {
		c.ApplicationDBDSN = filepath.Join(c.StateDir, DefaultAppDBFileName)
	}
	if c.WhatsAppDBDSN == "" {
		c.WhatsAppDBDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(c.StateDir, "downloads")
	}
	if c.BlobDir == "" {
		c.BlobDir = filepath.Join(c.StateDir, "blobs")
	}
}

// newRootCmd builds the command tree. Running the root command starts the service.
func newRootCmd(config *Config) *cobra.Command {
	serve := newServeCmd(config)
	root := &cobra.Command{
		Use:           "Courier",
		Short:         "Durable messaging job engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		config.applyStateDirDefaults()
	}
	root.PersistentFlags().StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory (overrides $COURIER_STATE_DIR)")
	root.PersistentFlags().StringVar(&config.ApplicationDBDSN, "db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_DSN)")
	root.PersistentFlags().StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve)
	root.AddCommand(newJobsCmd(config))
	return root
}

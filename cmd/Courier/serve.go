package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/Courier/internal/api"
	"github.com/BTreeMap/Courier/internal/attachment"
	"github.com/BTreeMap/Courier/internal/crypto"
	"github.com/BTreeMap/Courier/internal/jobmanager"
	"github.com/BTreeMap/Courier/internal/jobs"
	"github.com/BTreeMap/Courier/internal/lockfile"
	"github.com/BTreeMap/Courier/internal/messaging"
	"github.com/BTreeMap/Courier/internal/network"
	"github.com/BTreeMap/Courier/internal/pipeline"
	"github.com/BTreeMap/Courier/internal/recovery"
	"github.com/BTreeMap/Courier/internal/scheduler"
	"github.com/BTreeMap/Courier/internal/store"
	"github.com/BTreeMap/Courier/internal/telemetry"
	"github.com/BTreeMap/Courier/internal/transport"
	"github.com/BTreeMap/Courier/internal/twiliowhatsapp"
	"github.com/BTreeMap/Courier/internal/whatsapp"
)

// stopTimeout bounds how long shutdown waits for running jobs.
const stopTimeout = 15 * time.Second

func newServeCmd(config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job engine, the WhatsApp bridge and the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *config)
		},
	}
	f := cmd.Flags()
	f.StringVar(&config.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp device database DSN (overrides $WHATSAPP_DB_DSN)")
	f.StringVar(&config.QROutput, "qr-output", "", "path to write login QR code")
	f.BoolVar(&config.NumericCode, "numeric-code", false, "use numeric login code instead of QR code")
	f.IntVar(&config.Workers, "workers", config.Workers, "job worker pool size (overrides $COURIER_WORKERS)")
	f.BoolVar(&config.AutoDownload, "auto-download", config.AutoDownload, "download inbound attachments automatically (overrides $COURIER_AUTO_DOWNLOAD)")
	f.StringVar(&config.Transport, "transport", config.Transport, "outbound transport: whatsapp or twilio (overrides $COURIER_TRANSPORT)")
	f.StringVar(&config.S3Bucket, "s3-bucket", config.S3Bucket, "S3 bucket for attachments; empty uses the state directory (overrides $ATTACHMENT_S3_BUCKET)")
	f.Float64Var(&config.SendRatePerSec, "send-rate", config.SendRatePerSec, "maximum sends per second (overrides $SEND_RATE_PER_SEC)")
	f.StringVar(&config.RotateCron, "rotate-cron", config.RotateCron, "signed pre-key rotation schedule; empty disables (overrides $ROTATE_SIGNED_PREKEY_CRON)")
	return cmd
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	opts := []whatsapp.Option{
		whatsapp.WithDBDSN(config.WhatsAppDBDSN),
		whatsapp.WithLogLevel(config.WhatsAppLogLevel),
	}
	if config.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	if store.DetectDSNType(config.ApplicationDBDSN) == store.DSNTypePostgres {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(config.ApplicationDBDSN)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", config.ApplicationDBDSN)
	return []store.Option{store.WithSQLiteDSN(config.ApplicationDBDSN)}
}

// buildBlobstore selects S3 when a bucket is configured and the state directory otherwise.
func buildBlobstore(ctx context.Context, config Config) (attachment.Blobstore, error) {
	if config.S3Bucket == "" {
		slog.Debug("Using filesystem blobstore", "dir", config.BlobDir)
		return attachment.NewFSBlobstore(config.BlobDir)
	}
	var opts []attachment.S3Option
	if config.S3Region != "" {
		opts = append(opts, attachment.WithRegion(config.S3Region))
	}
	if config.S3Endpoint != "" {
		opts = append(opts, attachment.WithEndpoint(config.S3Endpoint))
	}
	slog.Debug("Using S3 blobstore", "bucket", config.S3Bucket, "endpoint", config.S3Endpoint)
	return attachment.NewS3Blobstore(ctx, config.S3Bucket, opts...)
}

// buildTransport selects the outbound backend and applies the send rate limit.
func buildTransport(config Config, wa *whatsapp.Client) (transport.Transport, error) {
	var next transport.Transport
	switch config.Transport {
	case "", TransportWhatsApp:
		next = wa
	case TransportTwilio:
		tw, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		next = tw
	default:
		return nil, fmt.Errorf("unknown transport %q", config.Transport)
	}
	slog.Debug("Outbound transport selected", "transport", config.Transport, "rate_per_sec", config.SendRatePerSec, "burst", config.SendBurst)
	return transport.NewRateLimited(next, config.SendRatePerSec, config.SendBurst), nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, metrics *telemetry.Metrics, monitor *network.Monitor) []api.Option {
	return []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithMetrics(metrics),
		api.WithNetwork(monitor),
	}
}

// buildMaintenanceOptions constructs the scheduled maintenance options
func buildMaintenanceOptions(config Config) []scheduler.MaintenanceOption {
	return []scheduler.MaintenanceOption{
		scheduler.WithRotateSchedule(config.RotateCron),
		scheduler.WithPruneSchedule(config.PruneCron),
		scheduler.WithLedgerRetention(config.LedgerRetention),
	}
}

func runServe(ctx context.Context, config Config) error {
	slog.Info("Bootstrapping Courier", "state_dir", config.StateDir, "api_addr", config.APIAddr, "workers", config.Workers)

	lock, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := os.MkdirAll(config.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory %s: %w", config.DownloadDir, err)
	}

	db, err := store.NewStore(buildStoreOptions(config)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	blobs, err := buildBlobstore(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to open blobstore: %w", err)
	}

	wa, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config)...)
	if err != nil {
		return fmt.Errorf("failed to start whatsapp client: %w", err)
	}
	defer wa.Disconnect()

	outbound, err := buildTransport(config, wa)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()
	monitor := network.NewMonitor(false, metrics)
	autoDownload := jobmanager.NewToggle(config.AutoDownload)

	device := wa.Device()
	keys := crypto.NewSignalKeys(db, device)
	engine := crypto.NewSignalEngine(device, keys.KeyStore())

	env := &jobs.Env{
		Messages:    db,
		Attachments: db,
		Groups:      db,
		Recipients:  db,
		Transport:   outbound,
		Blobs:       blobs,
		Keys:        keys,
		Metrics:     metrics,
		DownloadDir: config.DownloadDir,
	}

	notifier := pipeline.NewBroadcaster()
	notifier.Subscribe(func(e pipeline.Event) {
		slog.Info("Courier: user-visible event", "type", e.Type, "peer", e.Peer, "thread", e.ThreadID, "message_id", e.MessageID)
	})
	followUps := &pipeline.JobFollowUps{Env: env}
	processor := pipeline.NewProcessor(engine, db,
		pipeline.WithNotifier(notifier),
		pipeline.WithFollowUps(followUps),
		pipeline.WithMetrics(metrics),
	)

	registry := jobmanager.NewRegistry()
	if err := jobs.Register(registry, env); err != nil {
		return fmt.Errorf("failed to register jobs: %w", err)
	}
	if err := pipeline.Register(registry, processor, db); err != nil {
		return fmt.Errorf("failed to register decrypt job: %w", err)
	}
	manager := jobmanager.NewManager(db, registry,
		jobmanager.WithWorkers(config.Workers),
		jobmanager.WithConstraint(network.ConstraintName, monitor),
		jobmanager.WithConstraint(jobs.AutoDownloadConstraint, autoDownload),
		jobmanager.WithMetrics(metrics),
	)
	followUps.Manager = manager
	receiver := pipeline.NewReceiver(db, manager, processor)

	// Events received before Start are queued and dispatched once the manager runs.
	bridge := messaging.NewBridge(ctx, receiver, monitor)
	bridge.Attach(wa)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job manager: %w", err)
	}

	recoveryManager := recovery.NewRecoveryManager(db, manager)
	recoveryManager.RegisterRecoverable(&recovery.EnvelopeRecovery{Receiver: receiver})
	recoveryManager.RegisterRecoverable(&recovery.TransferRecovery{Env: env})
	if err := recoveryManager.RecoverAll(ctx); err != nil {
		slog.Warn("Courier: startup recovery incomplete", "error", err)
	}

	if err := jobs.AddOnce(ctx, manager, jobs.NewRefreshPreKeysJob(env)); err != nil {
		slog.Warn("Courier: failed to schedule pre-key refresh", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	maintenance := scheduler.NewMaintenance(manager, env, db, buildMaintenanceOptions(config)...)
	if err := maintenance.Install(ctx, sched); err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Manager:   manager,
		Sender:    jobs.NewMessageSender(env, manager),
		Receiver:  receiver,
		Processor: processor,
		Store:     db,
		Env:       env,
	}, buildAPIOptions(config, metrics, monitor)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return manager.Stop(stopCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Courier exited successfully")
	return nil
}

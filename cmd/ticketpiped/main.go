// ticketpiped is the pipeline daemon: it loads configuration, opens the
// database and file store, registers the scheduled tasks and serves the
// ops endpoints until a termination signal arrives.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/ticketpipe-io/ticketpipe/internal/alias"
	"github.com/ticketpipe-io/ticketpipe/internal/cleanup"
	"github.com/ticketpipe-io/ticketpipe/internal/config"
	"github.com/ticketpipe-io/ticketpipe/internal/database"
	"github.com/ticketpipe-io/ticketpipe/internal/filestore"
	"github.com/ticketpipe-io/ticketpipe/internal/ingest"
	"github.com/ticketpipe-io/ticketpipe/internal/ingest/connector"
	"github.com/ticketpipe-io/ticketpipe/internal/locks"
	"github.com/ticketpipe-io/ticketpipe/internal/ops"
	"github.com/ticketpipe-io/ticketpipe/internal/pipeline"
	"github.com/ticketpipe-io/ticketpipe/internal/runner"
	"github.com/ticketpipe-io/ticketpipe/internal/runner/tasks"
	"github.com/ticketpipe-io/ticketpipe/internal/stage"
	"github.com/ticketpipe-io/ticketpipe/internal/tenant"
)

const credentialSalt = "ticketpipe-mailbox-v1"

func main() {
	logger := log.New(os.Stdout, "[TICKETPIPED] ", log.LstdFlags)

	configPath := os.Getenv("TICKETPIPE_CONFIG_PATH")
	if configPath == "" {
		configPath = "."
	}
	if err := config.Load(configPath); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.Get()

	db, err := database.Open(&cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := database.Migrate(ctx, db); err != nil {
		logger.Fatalf("Failed to apply schema: %v", err)
	}

	files, err := filestore.New(cfg.FileStore.Root)
	if err != nil {
		logger.Fatalf("Failed to open file store: %v", err)
	}

	messages := pipeline.NewMessageRepository(db)
	tenants := tenant.NewRepository(db)
	resolver := alias.NewResolver(db, cfg.Ingest.Domain,
		alias.WithPrimaryPrefix(cfg.Ingest.PrimaryPrefix))

	var router *ingest.Router
	if cfg.Secrets.MailboxKey != "" {
		cipher, err := tenant.NewCipher(cfg.Secrets.MailboxKey, credentialSalt)
		if err != nil {
			logger.Fatalf("Failed to derive credential key: %v", err)
		}
		router = ingest.NewRouter(files, messages, resolver, tenants, connector.DefaultFactory(), cipher)
	} else {
		router = ingest.NewRouter(files, messages, resolver, tenants, connector.DefaultFactory(), nil)
	}

	handlers := []stage.Handler{
		stage.NewHTTPHandler(pipeline.StageOCR, cfg.Stages.OCREndpoint, cfg.Pipeline.StageTimeouts.OCR),
		stage.NewHTTPHandler(pipeline.StageSummary, cfg.Stages.SummaryEndpoint, cfg.Pipeline.StageTimeouts.Summary),
		stage.NewTrackerHandler(cfg.Stages.TrackerEndpoint, cfg.Stages.TrackerToken, cfg.Pipeline.StageTimeouts.Issue),
	}
	dispatcher := stage.NewDispatcher(messages, handlers)

	manager := cleanup.NewManager(files, cleanup.NewRunRepository(db), messages,
		cleanup.WithInboxGrace(cfg.Cleanup.InboxGrace),
		cleanup.WithBatchSize(cfg.Cleanup.BatchSize))

	stageTimeouts := map[pipeline.Stage]time.Duration{
		pipeline.StageOCR:     cfg.Pipeline.StageTimeouts.OCR,
		pipeline.StageSummary: cfg.Pipeline.StageTimeouts.Summary,
		pipeline.StageIssue:   cfg.Pipeline.StageTimeouts.Issue,
	}

	registry := runner.NewTaskRegistry()
	registry.Register(tasks.NewIngestTask(router, cfg.Ingest.Schedule, cfg.Ingest.Timeout))
	registry.Register(tasks.NewDispatchTask(dispatcher, cfg.Pipeline.DispatchSchedule, time.Minute, cfg.Pipeline.DispatchLimit))
	registry.Register(tasks.NewRecoveryTask(messages, stageTimeouts, cfg.Pipeline.MaxRetries, cfg.Pipeline.RecoverySchedule))
	registry.Register(tasks.NewCleanupTask(manager, cfg.Cleanup))

	runnerOpts := []runner.RunnerOption{}
	if cfg.Redis.Enabled {
		locker, err := locks.NewRedisLocker(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer locker.Close()
		runnerOpts = append(runnerOpts, runner.WithLocker(locker))
	}

	opsServer := ops.NewServer(cfg.Ops.Addr(), files, messages, cleanup.NewRunRepository(db))
	go func() {
		if err := opsServer.Start(); err != nil {
			logger.Printf("Ops server error: %v", err)
		}
	}()

	r := runner.NewRunner(registry, runnerOpts...)
	if err := r.Start(ctx); err != nil {
		logger.Printf("Runner stopped: %v", err)
	}

	// Runner has drained its tasks; drain in-flight stage handlers and
	// the ops listener before exiting.
	dispatcher.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ops.ShutdownTimeout)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Ops shutdown error: %v", err)
	}
	logger.Println("Shutdown complete")
}

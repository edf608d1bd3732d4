package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/dripmail/dripmail/pkg/cmd"
	"github.com/dripmail/dripmail/pkg/contacts"
	"github.com/dripmail/dripmail/pkg/delivery"
	"github.com/dripmail/dripmail/pkg/engine"
	"github.com/dripmail/dripmail/pkg/log"
	"github.com/dripmail/dripmail/pkg/otelhelper"
	"github.com/dripmail/dripmail/pkg/scheduler"
	"github.com/dripmail/dripmail/pkg/template"
)

func main() {
	command := &cli.Command{
		Name:                  "dripmail-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Run the enrollment scheduler and execution workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "scheduler-id",
				Aliases: []string{"id"},
				Usage:   "Custom scheduler ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("SCHEDULER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres:// or file://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "contacts-file",
				Usage:    "Path to the JSON contacts file (development contact provider)",
				Required: true,
				Sources:  cli.EnvVars("CONTACTS_FILE"),
			},
			&cli.StringFlag{
				Name:     "templates-file",
				Usage:    "Path to the JSON templates file",
				Required: true,
				Sources:  cli.EnvVars("TEMPLATES_FILE"),
			},
			&cli.StringFlag{
				Name:    "poll-expression",
				Usage:   "Cron expression for the due-execution poll",
				Value:   "* * * * *",
				Sources: cli.EnvVars("POLL_EXPRESSION"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Execution worker pool size",
				Value:   4,
				Sources: cli.EnvVars("WORKERS"),
			},
			&cli.IntFlag{
				Name:    "batch-limit",
				Usage:   "Maximum due executions picked up per poll",
				Value:   100,
				Sources: cli.EnvVars("BATCH_LIMIT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	schedulerID := command.String("scheduler-id")
	if schedulerID == "" {
		schedulerID = "scheduler-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("dripmail-scheduler").With("scheduler_id", schedulerID)
	logger.InfoContext(ctx, "Initializing scheduler daemon")

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), "dripmail-scheduler", logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	contactProvider, err := contacts.NewFileProvider(command.String("contacts-file"))
	if err != nil {
		return err
	}

	templates := template.NewStore()
	if err := templates.LoadFile(command.String("templates-file")); err != nil {
		return err
	}

	automationEngine := engine.New(
		store,
		contactProvider,
		templates,
		delivery.NewLogDelivery(logger),
		logger,
		engine.WithPublisher(eventBus),
	)

	opts := []scheduler.Option{
		scheduler.WithPollExpression(command.String("poll-expression")),
		scheduler.WithWorkers(command.Int("workers")),
		scheduler.WithBatchLimit(command.Int("batch-limit")),
	}

	if command.Bool("tracing") {
		tracer, err := otelhelper.NewTracer(ctx, "dripmail-scheduler")
		if err != nil {
			return err
		}

		opts = append(opts, scheduler.WithTracer(tracer))
	}

	dispatcher := scheduler.New(schedulerID, store, automationEngine, logger, opts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := dispatcher.Start(runCtx); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signals
	logger.InfoContext(ctx, "Received signal, shutting down", "signal", sig)
	cancel()

	return dispatcher.Stop(ctx)
}

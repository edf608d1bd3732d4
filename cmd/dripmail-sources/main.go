package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/dripmail/dripmail/pkg/cmd"
	"github.com/dripmail/dripmail/pkg/contacts"
	"github.com/dripmail/dripmail/pkg/delivery"
	"github.com/dripmail/dripmail/pkg/engine"
	"github.com/dripmail/dripmail/pkg/log"
	"github.com/dripmail/dripmail/pkg/sources/queue"
	"github.com/dripmail/dripmail/pkg/sources/webhook"
	"github.com/dripmail/dripmail/pkg/template"
)

func main() {
	command := &cli.Command{
		Name:                  "dripmail-sources",
		EnableShellCompletion: true,
		Usage:                 "Run the webhook and queue trigger-event sources",
		Flags: []cli.Flag{
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
			&cli.IntFlag{
				Name:    "webhook-port",
				Usage:   "Port for the webhook ingest server",
				Value:   8086,
				Sources: cli.EnvVars("WEBHOOK_PORT"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the queue source (empty disables it)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password for the queue source",
				Value:   "",
				Sources: cli.EnvVars("REDIS_PASSWORD"),
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Usage:   "Redis database for the queue source",
				Value:   0,
				Sources: cli.EnvVars("REDIS_DB"),
			},
			&cli.StringFlag{
				Name:    "queue-name",
				Usage:   "Redis list holding trigger events",
				Value:   "dripmail:trigger-events",
				Sources: cli.EnvVars("QUEUE_NAME"),
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

	logger := log.WithModule("dripmail-sources")
	logger.InfoContext(ctx, "Initializing event-source daemon")

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), "dripmail-sources", logger)
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

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	webhookServer, err := webhook.NewServer(command.Int("webhook-port"), automationEngine, logger)
	if err != nil {
		return err
	}

	if err := webhookServer.Start(runCtx); err != nil {
		return err
	}

	var queueConsumer *queue.Consumer

	if addr := command.String("redis-addr"); addr != "" {
		queueConsumer, err = queue.NewConsumer(queue.Config{
			Addr:     addr,
			Password: command.String("redis-password"),
			DB:       command.Int("redis-db"),
			Queue:    command.String("queue-name"),
		}, automationEngine, logger)
		if err != nil {
			return err
		}

		if err := queueConsumer.Start(runCtx); err != nil {
			return err
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signals
	logger.InfoContext(ctx, "Received signal, shutting down", "signal", sig)
	cancel()

	if queueConsumer != nil {
		if err := queueConsumer.Stop(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to stop queue source", "error", err)
		}
	}

	return webhookServer.Stop(ctx)
}

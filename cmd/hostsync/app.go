package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/septivank/watersystem-sync/internal/config"
	"github.com/septivank/watersystem-sync/internal/hostdb"
	"github.com/septivank/watersystem-sync/internal/mq"
	"github.com/septivank/watersystem-sync/internal/protocol"
	"github.com/septivank/watersystem-sync/internal/serial"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// linkModule opens the serial link to the terminal
var linkModule = fx.Options(
	fx.Provide(
		config.LoadHost,
		newLogger,
		ProvideSerialConnection,
		ProvideClient,
	),
)

// backendModule adds the host database and RabbitMQ
var backendModule = fx.Options(
	fx.Invoke(requireBackends),
	fx.Provide(
		ProvideDBPool,
		ProvideHostRepository,
		ProvideMQConnection,
		ProvidePublisher,
		ProvideSyncer,
	),
)

func requireBackends(cfg *config.HostConfig) error {
	return cfg.RequireBackends()
}

// ProvideSerialConnection opens the serial port to the terminal
func ProvideSerialConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.HostConfig) (*serial.Connection, error) {
	return serial.NewConnection(lc, logger, cfg.Serial)
}

// ProvideClient creates the protocol client on the link
func ProvideClient(conn *serial.Connection, logger *zap.Logger) *protocol.Client {
	return protocol.NewClient(conn, conn, logger)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.HostConfig) (*hostdb.Pool, error) {
	return hostdb.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideHostRepository creates the host repository and ensures its tables
func ProvideHostRepository(lc fx.Lifecycle, pool *hostdb.Pool) *hostdb.Repository {
	repo := hostdb.NewRepository(pool)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return repo.EnsureSchema(ctx)
		},
	})
	return repo
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.HostConfig) (*mq.Connection, error) {
	if cfg.RabbitMQ.URL == "" {
		return nil, errors.New("RABBITMQ_URL is required but not set in environment variables")
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.HostConfig, logger *zap.Logger) (*mq.Publisher, error) {
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideSyncer creates the sync runner
func ProvideSyncer(
	client *protocol.Client,
	repo *hostdb.Repository,
	publisher *mq.Publisher,
	cfg *config.HostConfig,
	logger *zap.Logger,
) *Syncer {
	return NewSyncer(client, repo, publisher, cfg, logger)
}

// forwardCommand relays queued command lines to the terminal. A device
// rejection dead-letters the command; a link failure requeues it once.
func forwardCommand(client *protocol.Client, timeout time.Duration, logger *zap.Logger) mq.CommandHandler {
	return func(ctx context.Context, line string) error {
		line = strings.TrimSpace(line)
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		reply, err := client.Send(ctx, line)
		var devErr *protocol.DeviceError
		switch {
		case errors.As(err, &devErr):
			return err
		case err != nil:
			return mq.Retry(err)
		}

		logger.Info("command forwarded",
			zap.String("command", reply.Command),
			zap.Strings("detail", reply.Detail),
			zap.String("block", reply.Block),
			zap.Int("records", len(reply.Records)),
		)
		return nil
	}
}

// runOnce starts app, runs fn and stops the app again
func runOnce(app *fx.App, fn func(ctx context.Context) error) error {
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(context.Background())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return multierr.Append(runErr, app.Stop(stopCtx))
}

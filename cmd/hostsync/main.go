package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/septivank/watersystem-sync/internal/config"
	"github.com/septivank/watersystem-sync/internal/mq"
	"github.com/septivank/watersystem-sync/internal/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	rootCmd = &cobra.Command{
		Use:   "hostsync",
		Short: "Host side agent for the water billing terminal",
		Long: `hostsync talks to a billing terminal over its serial link. It pulls
pending readings into PostgreSQL, publishes them to RabbitMQ and relays
queued commands to the device.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if path := config.LoadDotEnv(); path != "" {
				fmt.Fprintln(os.Stderr, "loaded environment from", path)
			}
		},
	}
	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Pull pending readings from the terminal once",
		Args:  cobra.NoArgs,
		RunE:  runSync,
	}
	sendCmd = &cobra.Command{
		Use:   "send [command line]",
		Short: "Send one protocol command and print the reply",
		Long:  `Sends a raw command such as EXPORT_DEVICE_INFO or SET_TIME|1700000000 and prints the reply lines to stdout.`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSend,
	}
	importCmd = &cobra.Command{
		Use:   "import [customers.json]",
		Short: "Upload a customer list to the terminal in chunks",
		Long:  `Reads a JSON array of customers and sends it as UPSERT_CUSTOMERS_JSON_CHUNK commands sized to IMPORT_MAX_CHUNK_BYTES.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Relay queued device commands until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
)

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	var syncer *Syncer
	app := fx.New(linkModule, backendModule, fx.Populate(&syncer))

	return runOnce(app, func(ctx context.Context) error {
		result, err := syncer.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "device %s: exported %d, inserted %d, marked synced %d, clock set %t\n",
			result.DeviceUID, result.Exported, result.Inserted, result.Flipped, result.ClockSet)
		return nil
	})
}

func runSend(cmd *cobra.Command, args []string) error {
	line := strings.Join(args, " ")

	var (
		client *protocol.Client
		cfg    *config.HostConfig
	)
	app := fx.New(linkModule, fx.Populate(&client, &cfg))

	return runOnce(app, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.CommandTimeout)
		defer cancel()

		reply, err := client.Send(ctx, line)
		if err != nil {
			return err
		}
		printReply(cmd, reply)
		return nil
	})
}

func printReply(cmd *cobra.Command, reply *protocol.Reply) {
	out := cmd.OutOrStdout()
	if reply.Block == "" {
		fields := append([]string{protocol.PrefixAck, reply.Command}, reply.Detail...)
		fmt.Fprintln(out, strings.Join(fields, protocol.Separator))
		return
	}
	fmt.Fprintln(out, protocol.PrefixBegin+reply.Block)
	for _, record := range reply.Records {
		fmt.Fprintln(out, strings.Join(record, protocol.Separator))
	}
	fmt.Fprintln(out, protocol.PrefixEnd+reply.Block)
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read customer list: %w", err)
	}

	var (
		client *protocol.Client
		cfg    *config.HostConfig
		logger *zap.Logger
	)
	app := fx.New(linkModule, fx.Populate(&client, &cfg, &logger))

	return runOnce(app, func(ctx context.Context) error {
		timeout := func(ctx context.Context) (context.Context, context.CancelFunc) {
			return context.WithTimeout(ctx, cfg.CommandTimeout)
		}
		count, err := NewImporter(client, cfg.Import.MaxChunkBytes, timeout, logger).Run(ctx, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d customers\n", count)
		return nil
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := fx.New(
		linkModule,
		fx.Provide(ProvideMQConnection),
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.HostConfig, conn *mq.Connection, client *protocol.Client, logger *zap.Logger) error {
			consumer, err := mq.NewConsumer(mq.ConsumerConfig{
				Connection:    conn,
				Queue:         cfg.RabbitMQ.CommandQueue,
				DLQQueue:      cfg.RabbitMQ.CommandDLQQueue,
				Exchange:      cfg.RabbitMQ.CommandExchange,
				RoutingKey:    cfg.RabbitMQ.CommandRoutingKey,
				PrefetchCount: cfg.RabbitMQ.PrefetchCount,
				Logger:        logger,
				Handler:       forwardCommand(client, cfg.CommandTimeout, logger),
			})
			if err != nil {
				return err
			}
			consumer.RegisterLifecycle(lc, ctx)
			return nil
		}),
	)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start hostsync: %w", err)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return app.Stop(stopCtx)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/septivank/watersystem-sync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	// stdout may be the protocol link, so nothing but replies goes there
	envPath := config.LoadDotEnv()

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideMedium,
			ProvideStore,
			ProvideClock,
			ProvideLedger,
			ProvideRepository,
			ProvideValidator,
			ProvideDetector,
			ProvideReadingService,
			ProvideBillingService,
			ProvideReporter,
			ProvideSerialConnection,
			ProvideWriter,
			ProvideRestarter,
			ProvideDispatcher,
		),
		fx.Invoke(startTerminal, startCounter),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tempLogger, _ := newLogger(&config.Config{ServiceName: "watersystem-terminal"})
	if envPath != "" {
		tempLogger.Info("loaded environment", zap.String("path", envPath))
	} else {
		tempLogger.Info("no .env file found, using process environment")
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if startCtx.Err() == context.DeadlineExceeded {
			tempLogger.Error("APPLICATION START TIMEOUT: terminal failed to start within 30 seconds, check the serial port")
		}
		tempLogger.Fatal("failed to start terminal", zap.Error(err))
	}

	// the link reaching EOF also ends the app
	select {
	case <-ctx.Done():
	case <-app.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "error stopping app:", err)
	}
}

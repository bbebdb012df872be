package main

import (
	"github.com/septivank/watersystem-sync/internal/config"
	"github.com/septivank/watersystem-sync/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}

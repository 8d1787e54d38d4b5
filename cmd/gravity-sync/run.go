package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/orchestrator"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the state file synchronized until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context())
		},
	}
}

func newFlushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Synchronize once and replay the offline queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return flushOnce(cmd)
		},
	}
}

func loadRuntimeConfig() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runEngine(ctx context.Context) error {
	appConfig, logger, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	watchConfig(logger)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := &resources{}
	defer res.Close()

	setup, err := buildEngine(signalCtx, res, appConfig, true, logger)
	if err != nil {
		return err
	}
	stopStatus := setup.engine.SubscribeStatus(func(current orchestrator.Status) {
		logStatus(logger, current)
	})
	defer stopStatus()
	if err := setup.engine.Start(signalCtx); err != nil {
		return err
	}
	if pinger, ok := setup.remote.(remote.Pinger); ok {
		go connectivity.RunProber(signalCtx, setup.monitor, pinger.Ping, appConfig.ProbeInterval)
	}
	if err := setup.state.Watch(signalCtx, setup.engine.NotifyChanged); err != nil {
		return err
	}

	logger.Info("sync engine running",
		zap.String("user_id", appConfig.UserID),
		zap.String("app_key", appConfig.AppKey),
		zap.String("state_path", setup.state.Path()),
		zap.String("remote_kind", appConfig.RemoteKind),
	)

	<-signalCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	setup.engine.SaveNow(shutdownCtx)
	current := setup.engine.Status()
	logger.Info("sync engine stopping",
		zap.Bool("synced", current.Synced()),
		zap.Bool("queued", current.Queued),
		zap.Int64("dropped_operations", current.Dropped),
	)
	return nil
}

func logStatus(logger *zap.Logger, current orchestrator.Status) {
	fields := []zap.Field{
		zap.Bool("synced", current.Synced()),
		zap.Bool("saving", current.Saving),
		zap.Bool("queued", current.Queued),
		zap.Bool("online", current.Online),
	}
	if current.Error != "" {
		logger.Warn("sync status changed", append(fields, zap.String("error", current.Error))...)
		return
	}
	logger.Debug("sync status changed", fields...)
}

func flushOnce(cmd *cobra.Command) error {
	appConfig, logger, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	res := &resources{}
	defer res.Close()

	setup, err := buildEngine(ctx, res, appConfig, false, logger)
	if err != nil {
		return err
	}
	if err := setup.engine.Start(ctx); err != nil {
		return err
	}
	result, err := setup.engine.FlushQueue(ctx)
	if err != nil {
		return err
	}

	report := struct {
		Flushed any `json:"flushed"`
		Status  any `json:"status"`
	}{Flushed: result, Status: setup.engine.Status()}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return err
}

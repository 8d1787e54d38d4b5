package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/config"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile  string
	envFile  string
	noDotenv bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "gravity-sync",
		Short:        "Local-first sync engine for Gravity state",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newRunCommand(), newFlushCommand(), newQueueCommand(), newTablesCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	flags.BoolVar(&noDotenv, "no-dotenv", false, "Skip loading the dotenv file")
	flags.String("user-id", "", "Signed-in user identifier")
	flags.String("app-key", defaults.GetString("app.key"), "Application key of the synced snapshot")
	flags.String("local-backend", defaults.GetString("local.backend"), "Local storage backend (sqlite, redis)")
	flags.String("database-path", defaults.GetString("local.database_path"), "SQLite database path")
	flags.String("redis-url", "", "Redis URL for the redis local backend")
	flags.String("remote-kind", defaults.GetString("remote.kind"), "Remote store kind (http, postgres)")
	flags.String("remote-url", "", "Base URL of the HTTP remote store")
	flags.String("remote-token", "", "Bearer token for the HTTP remote store (overrides env)")
	flags.String("remote-database-url", "", "Postgres URL of the remote store")
	flags.String("state-path", defaults.GetString("state.path"), "Path of the synced JSON state file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Rotated log file path")

	bindFlag(cmd, "user.id", "user-id")
	bindFlag(cmd, "app.key", "app-key")
	bindFlag(cmd, "local.backend", "local-backend")
	bindFlag(cmd, "local.database_path", "database-path")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "remote.kind", "remote-kind")
	bindFlag(cmd, "remote.url", "remote-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "remote.database_url", "remote-database-url")
	bindFlag(cmd, "state.path", "state-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if !noDotenv && envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("gravity-sync")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// watchConfig logs edits to the loaded configuration file. Settings are read
// once at startup; a reload only reports what changed on disk.
func watchConfig(logger *zap.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(event fsnotify.Event) {
		logger.Info("configuration file changed; restart to apply",
			zap.String("path", event.Name),
			zap.String("op", event.Op.String()),
		)
	})
	viper.WatchConfig()
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/queue"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	outputJSON = "json"
	outputYAML = "yaml"
)

// pendingOperation is the printable form of a queued operation; the payload is
// decoded so YAML output renders it as a document instead of raw bytes.
type pendingOperation struct {
	ID        string    `json:"id" yaml:"id"`
	Kind      string    `json:"kind" yaml:"kind"`
	Key       string    `json:"key" yaml:"key"`
	UserID    string    `json:"user_id" yaml:"user_id"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	Payload   any       `json:"payload,omitempty" yaml:"payload,omitempty"`
}

func newQueueCommand() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the offline queue",
	}
	queueCmd.AddCommand(newQueueListCommand(), newQueueClearCommand())
	return queueCmd
}

func newQueueListCommand() *cobra.Command {
	var (
		output   string
		allUsers bool
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending operations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeQueue, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer closeQueue()

			userID := strings.TrimSpace(viper.GetString("user.id"))
			if allUsers {
				userID = ""
			}
			operations, err := q.List(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return writeOperations(cmd.OutOrStdout(), operations, output)
		},
	}
	listCmd.Flags().StringVarP(&output, "output", "o", outputJSON, "Output format (json, yaml)")
	listCmd.Flags().BoolVar(&allUsers, "all-users", false, "List operations of every user")
	return listCmd
}

func newQueueClearCommand() *cobra.Command {
	var userID string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every pending operation of one user",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(userID)
			if target == "" {
				target = strings.TrimSpace(viper.GetString("user.id"))
			}
			if target == "" {
				return fmt.Errorf("--user or user.id is required")
			}
			q, closeQueue, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer closeQueue()

			if err := q.Clear(cmd.Context(), target); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "cleared queue of %s\n", target)
			return err
		},
	}
	clearCmd.Flags().StringVar(&userID, "user", "", "User whose operations are dropped (defaults to user.id)")
	return clearCmd
}

func openQueue(cmd *cobra.Command) (*queue.Queue, func(), error) {
	local, logger, closeLocal, err := openLocal(cmd)
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.New(queue.Config{Store: local, Logger: logger.Named("queue")})
	if err != nil {
		closeLocal()
		return nil, nil, err
	}
	return q, closeLocal, nil
}

// openLocal opens the configured local store for commands that do not touch
// the remote.
func openLocal(cmd *cobra.Command) (localstore.Store, *zap.Logger, func(), error) {
	appConfig, err := config.LoadLocal(viper.GetViper())
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return nil, nil, nil, err
	}
	res := &resources{}
	res.onClose(func() { _ = logger.Sync() })
	local, err := openLocalStore(cmd.Context(), res, appConfig, logger)
	if err != nil {
		res.Close()
		return nil, nil, nil, err
	}
	return local, logger, res.Close, nil
}

func writeOperations(out io.Writer, operations []queue.Operation, format string) error {
	printable := make([]pendingOperation, 0, len(operations))
	for _, op := range operations {
		entry := pendingOperation{
			ID:        op.ID,
			Kind:      string(op.Kind),
			Key:       op.Key,
			UserID:    op.UserID,
			UpdatedAt: op.UpdatedAt,
		}
		if len(op.Payload) > 0 {
			var payload any
			if err := json.Unmarshal(op.Payload, &payload); err != nil {
				return fmt.Errorf("decode payload of %s: %w", op.Key, err)
			}
			entry.Payload = payload
		}
		printable = append(printable, entry)
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case outputYAML:
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		if err := encoder.Encode(printable); err != nil {
			return err
		}
		return encoder.Close()
	case outputJSON, "":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(printable)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// Package app provides the commands of the API publisher.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stacklok/api-publisher/internal/versions"
)

// RootOption configures the root command
type RootOption func(*rootConfig)

type rootConfig struct {
	level *zap.AtomicLevel
}

// WithLogLevel lets --debug raise the level of the process logger
func WithLogLevel(level zap.AtomicLevel) RootOption {
	return func(cfg *rootConfig) {
		cfg.level = &level
	}
}

// ZapLevel converts an slog level to the zap level enabling it. slog debug records reach
// zap below zap's own debug level, so debug enables every verbosity.
func ZapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelWarn:
		return zapcore.WarnLevel
	case level >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.Level(slog.LevelDebug)
	}
}

// NewRootCmd creates the root command of the publisher
func NewRootCmd(opts ...RootOption) *cobra.Command {
	cfg := &rootConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	rootCmd := &cobra.Command{
		Use:               "api-publisher",
		DisableAutoGenTag: true,
		Short:             "Publish resources between data-management APIs",
		Long: `api-publisher copies resources, deletes and natural key changes from a source
data-management API to a target API in dependency order. Incremental runs publish only the
changes recorded since the last successful run.`,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			debug, err := cmd.Flags().GetBool("debug")
			if err == nil && debug && cfg.level != nil {
				cfg.level.SetLevel(ZapLevel(slog.LevelDebug))
			}
		},
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newPublishCmd())
	rootCmd.AddCommand(newDependenciesCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				slog.Error("Error retrieving format flag", "error", err)
				return
			}

			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					slog.Error("Error formatting version info as JSON", "error", err)
					return
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(output))
			} else {
				slog.Info("api-publisher version",
					"version", info.Version,
					"commit", info.Commit,
					"built", info.BuildDate,
					"go", info.GoVersion,
					"platform", info.Platform)
			}
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}

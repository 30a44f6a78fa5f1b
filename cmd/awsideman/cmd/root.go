// Package cmd wires the awsideman CLI to the core engines.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vikyol/awsideman/internal/bulk"
	"github.com/vikyol/awsideman/internal/config"
	"github.com/vikyol/awsideman/internal/core"
	"github.com/vikyol/awsideman/internal/templates"
	"github.com/vikyol/awsideman/pkg/logger"
)

var (
	version = "dev"

	cfgFile     string
	profileFlag string
	debugFlag   bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "awsideman",
	Short: "Manage AWS Identity Center at organization scale",
	Long: `awsideman administers AWS Identity Center (SSO) resources across an
AWS Organization: assignments, bulk operations, permission-set copies and
clones, declarative templates, and rollback of past operations.

Examples:
  # Assign a permission set to a user on every Env=Dev account
  awsideman assign user:alice ReadOnlyAccess --accounts "tag:Env=Dev"

  # Bulk-assign from a CSV file with a dry run first
  awsideman bulk assign team.csv --dry-run

  # Copy one user's assignments to a group
  awsideman copy --from user:alice --to group:new-hires --preview

  # Roll back a previous operation
  awsideman rollback apply 4c2588b7-1b68-4b6e-bb5c-28b5f4d1a3f9

Exit Codes:
  0: success
  1: partial or total operational failure
  2: validation error or user cancel
  3: unrecoverable system error
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.awsideman/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "AWS credential profile")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}

// Execute runs the CLI and maps errors to exit codes.
func Execute() (code int) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintln(os.Stderr, "Error:", r)
			code = core.ExitSystem
		}
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCodeFor(err)
	}
	return core.ExitOK
}

// exitError carries an explicit exit code through the cobra error path.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// exitCodeFor maps the error taxonomy onto the documented exit codes.
func exitCodeFor(err error) int {
	var verr *core.ValidationError
	var parseErr *bulk.ParseError
	var report *templates.ValidationReport
	var unresolved *core.UnresolvedEntityError
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	switch {
	case errors.As(err, &verr),
		errors.As(err, &parseErr),
		errors.As(err, &report),
		errors.As(err, &unresolved),
		errors.Is(err, core.ErrNoConfirmation),
		errors.Is(err, context.Canceled):
		return core.ExitValidation
	default:
		return core.ExitFailed
	}
}

// loadConfig loads configuration and builds the process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if profileFlag != "" {
		cfg.Profile = profileFlag
	}

	logCfg := logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}
	if debugFlag {
		logCfg.Level = "debug"
	}
	log := logger.NewLogger(logCfg)
	slog.SetDefault(log)
	return cfg, log, nil
}

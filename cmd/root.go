// Package cmd defines and implements the CLI commands for the webmirror
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webmirror/internal/app"
	"github.com/JakeFAU/webmirror/internal/config"
	"github.com/JakeFAU/webmirror/internal/crawler"
	"github.com/JakeFAU/webmirror/internal/logging"
)

// sessionKeyType is the key for storing the session in the context.
type sessionKeyType string

const sessionKey sessionKeyType = "session"

// App is what commands need from the application services. Tests inject a
// fake through newApp.
type App interface {
	Run(ctx context.Context, startURL string) (crawler.Outcome, error)
	Handler() http.Handler
	Close(ctx context.Context) error
}

// newApp is the application factory, a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// session bundles what PersistentPreRunE prepares for a subcommand.
type session struct {
	cfg    config.Config
	logger *zap.Logger
	app    App
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "webmirror",
		Short: "Mirror the pages reachable from a start URL.",
		Long: `webmirror fetches a start page and every page or image it links to, up to
a bounded link depth, using a pool of concurrent workers. Each fetched body is
written to storage and the run ends with a report mapping URLs to files.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flags are parsed but before the subcommand's RunE, so the
		// subcommand's own flags take part in config loading.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync()
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), sessionKey, &session{
				cfg:    cfg,
				logger: logger,
				app:    appInstance,
			})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return nil
			}
			closeErr := s.app.Close(context.WithoutCancel(cmd.Context()))
			// Syncing stderr fails on some platforms; nothing useful to do about it.
			_ = s.logger.Sync()
			return closeErr
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newCrawlCmd())
	return cmd
}

func resolveSession(ctx context.Context) (*session, error) {
	s, ok := ctx.Value(sessionKey).(*session)
	if !ok || s == nil || s.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return s, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "webmirror:", err)
		os.Exit(1)
	}
}

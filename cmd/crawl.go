package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/webmirror/internal/crawler"
	"github.com/JakeFAU/webmirror/internal/report"
)

const shutdownTimeout = 10 * time.Second

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Mirror a site starting from one URL",
		Long: `Fetches the start URL, then every link and image found on it, repeating
until max depth is reached. Bodies are written to the configured storage
backend. An interrupt (Ctrl-C) stops the crawl and prints the partial report.`,
		Args: cobra.NoArgs,
		RunE: runCrawlCommand,
	}
	f := cmd.Flags()
	f.String("url", crawler.DefaultStartURL, "start URL")
	f.Int("workers", crawler.DefaultWorkers, "number of concurrent fetch workers")
	f.Int("depth", crawler.DefaultMaxDepth, "maximum link depth to expand")
	f.String("dir", crawler.DefaultDirectory, "output directory (local backend)")
	f.String("backend", "local", "storage backend: local, memory or gcs")
	f.String("fetcher", "colly", "fetch backend: colly or headless")
	f.String("format", "text", "report format: text or json")
	f.Bool("json", false, "shorthand for --format json")
	f.String("metrics", "", "serve /metrics and /v1/progress on this address while crawling")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) (err error) {
	s, err := resolveSession(cmd.Context())
	if err != nil {
		return err
	}
	// PersistentPostRunE is skipped when RunE fails.
	defer func() {
		if err != nil {
			if cerr := s.app.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
				s.logger.Warn("close application services", zap.Error(cerr))
			}
		}
	}()
	format := s.cfg.Output.Format
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		format = "json"
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, runErr := crawlWithServer(ctx, s)
	if outcome.CrawlID != "" {
		if werr := writeReport(cmd, format, outcome); werr != nil {
			return errors.Join(runErr, werr)
		}
	}
	if runErr != nil {
		return fmt.Errorf("run crawl: %w", runErr)
	}
	s.logger.Info("crawl command finished", zap.Bool("interrupted", outcome.Interrupted))
	return nil
}

// crawlWithServer runs the crawl and, when metrics.addr is set, the operator
// HTTP server for as long as the crawl lasts.
func crawlWithServer(ctx context.Context, s *session) (crawler.Outcome, error) {
	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if addr := s.cfg.Metrics.Addr; addr != "" {
		srv = &http.Server{
			Addr:              addr,
			Handler:           s.app.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.logger.Info("http server started", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	var outcome crawler.Outcome
	g.Go(func() error {
		defer func() {
			if srv == nil {
				return
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Error("server shutdown error", zap.Error(err))
			}
		}()
		var err error
		outcome, err = s.app.Run(gctx, s.cfg.Crawler.StartURL)
		return err
	})

	err := g.Wait()
	return outcome, err
}

func writeReport(cmd *cobra.Command, format string, outcome crawler.Outcome) error {
	if format == "json" {
		return report.WriteJSON(cmd.OutOrStdout(), outcome)
	}
	return report.WriteText(cmd.OutOrStdout(), outcome)
}

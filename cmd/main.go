package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/pkg/config"
	"github.com/xhad/filingscan/pkg/keywords"
	"github.com/xhad/filingscan/pkg/metrics"
	"github.com/xhad/filingscan/pkg/ratelimit"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath   string
	keywordsPath string
	verbose      bool
	metricsFile  string
	dbURL        string
}

// app carries what every command needs once flags and config are loaded.
// The limiter is shared so discovery and downloads stay under one rate.
type app struct {
	opts    *globalOptions
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	limiter *ratelimit.Limiter
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{opts: &globalOptions{}}
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close()
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "filingscan",
		Short: "Scan SEC EDGAR filings for ESG disclosure keywords",
		Long: `filingscan discovers filings on SEC EDGAR, downloads them under the SEC
request rate, extracts their text and counts environmental, social and
governance keyword matches per filing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.configPath, "config", "", "Path to config file")
	flags.StringVar(&a.opts.keywordsPath, "keywords", "", "Path to keywords YAML (defaults to the built-in taxonomy)")
	flags.BoolVarP(&a.opts.verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&a.opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
	flags.StringVar(&a.opts.dbURL, "db-url", "", "PostgreSQL connection string for storing reports")

	root.AddCommand(
		newDiscoverCmd(a),
		newDownloadCmd(a),
		newRunCmd(a),
		newReportCmd(a),
		newCompanyCmd(a),
		newKeywordsCmd(a),
		newScanCmd(a),
	)
	return root
}

func (a *app) setup() error {
	logger, err := newLogger(a.opts.verbose)
	if err != nil {
		return err
	}
	a.logger = logger

	cfg, err := config.LoadConfig(a.opts.configPath)
	if err != nil {
		return err
	}
	if a.opts.dbURL != "" {
		cfg.Database.URL = a.opts.dbURL
	}
	if err := cfg.Check(); err != nil {
		return err
	}
	a.config = cfg

	a.metrics = metrics.New()
	a.limiter = ratelimit.New(ratelimit.Config{RequestsPerSecond: cfg.Edgar.RequestsPerSecond})
	return nil
}

// newLogger keeps the production logger at warn level so it does not
// interleave with the progress bars; --verbose switches to the development
// logger.
func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

func (a *app) close() {
	if a.metrics != nil && a.opts.metricsFile != "" {
		if err := a.metrics.WriteTextfile(a.opts.metricsFile); err != nil {
			color.Red("Failed to write metrics: %v", err)
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// loadTaxonomy resolves the keywords file from the flag, the config and the
// default locations, in that order, and falls back to the built-in set.
func (a *app) loadTaxonomy() (models.Taxonomy, string, error) {
	path := a.opts.keywordsPath
	if path == "" {
		path = a.config.KeywordsFile
	}
	if path == "" {
		path = config.FindKeywords()
	}
	if path == "" {
		return config.DefaultTaxonomy(), "built-in", nil
	}
	taxonomy, err := config.LoadTaxonomy(path)
	return taxonomy, path, err
}

func (a *app) index() (*keywords.Index, error) {
	taxonomy, source, err := a.loadTaxonomy()
	if err != nil {
		return nil, err
	}
	idx, err := keywords.NewIndex(taxonomy)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("loaded keywords", zap.String("source", source), zap.Int("phrases", idx.Len()))
	return idx, nil
}

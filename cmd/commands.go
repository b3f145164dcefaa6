package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/internal/types"
	"github.com/xhad/filingscan/pkg/analyzer"
	"github.com/xhad/filingscan/pkg/config"
	"github.com/xhad/filingscan/pkg/downloader"
	"github.com/xhad/filingscan/pkg/edgar"
	"github.com/xhad/filingscan/pkg/extract"
	"github.com/xhad/filingscan/pkg/keywords"
	"github.com/xhad/filingscan/pkg/pipeline"
	"github.com/xhad/filingscan/pkg/store"
)

// sourceOptions select the filings a command works on: either a discovery
// query against EDGAR or a descriptor file written by discover.
type sourceOptions struct {
	ciks      []string
	forms     []string
	year      int
	since     string
	until     string
	limit     int
	documents bool
	input     string
	userAgent string
}

func (s *sourceOptions) register(cmd *cobra.Command, limit int, withInput bool) {
	flags := cmd.Flags()
	flags.StringSliceVarP(&s.ciks, "cik", "c", nil, "Company CIKs (repeatable or comma separated)")
	flags.StringSliceVarP(&s.forms, "forms", "f", []string{"10-K"}, "Form types to include")
	flags.IntVarP(&s.year, "year", "y", 0, "Only filings from this year")
	flags.StringVar(&s.since, "since", "", "Only filings on or after this date (YYYY-MM-DD)")
	flags.StringVar(&s.until, "until", "", "Only filings on or before this date (YYYY-MM-DD)")
	flags.IntVarP(&s.limit, "limit", "l", limit, "Max filings per company")
	flags.BoolVar(&s.documents, "documents", false, "Include every HTML and PDF document of each filing")
	flags.StringVar(&s.userAgent, "user-agent", "", "SEC User-Agent, overrides the config")
	if withInput {
		flags.StringVarP(&s.input, "input", "i", "", "Descriptor JSON written by discover")
	}
}

func (s *sourceOptions) query() (edgar.Query, error) {
	q := edgar.Query{Forms: s.forms, Limit: s.limit}
	if s.year != 0 {
		q.Since = time.Date(s.year, time.January, 1, 0, 0, 0, 0, time.UTC)
		q.Until = time.Date(s.year, time.December, 31, 0, 0, 0, 0, time.UTC)
	}
	var err error
	if s.since != "" {
		if q.Since, err = time.Parse(dateLayout, s.since); err != nil {
			return q, &models.ConfigurationError{Field: "since", Reason: "expected YYYY-MM-DD"}
		}
	}
	if s.until != "" {
		if q.Until, err = time.Parse(dateLayout, s.until); err != nil {
			return q, &models.ConfigurationError{Field: "until", Reason: "expected YYYY-MM-DD"}
		}
	}
	return q, nil
}

func (a *app) edgarClient(userAgent string) (*edgar.Client, error) {
	if userAgent == "" {
		userAgent = a.config.Edgar.UserAgent
	}
	return edgar.NewWithConfig(edgar.ClientConfig{
		BaseURL:     a.config.Edgar.BaseURL,
		ArchivesURL: a.config.Edgar.ArchivesURL,
		UserAgent:   userAgent,
		Timeout:     a.config.Download.Timeout,
		Logger:      a.logger,
	}, a.limiter)
}

// resolve returns the descriptors selected by s and a label for the run.
func (a *app) resolve(ctx context.Context, s *sourceOptions) ([]models.FilingDescriptor, string, error) {
	if s.userAgent != "" {
		a.config.Edgar.UserAgent = s.userAgent
	}
	if s.input != "" {
		descs, err := readDescriptors(s.input)
		if err != nil {
			return nil, "", err
		}
		color.Green("✓ Loaded %d filings from %s", len(descs), s.input)
		return descs, "file:" + s.input, nil
	}

	if len(s.ciks) == 0 {
		return nil, "", &models.ConfigurationError{Field: "cik", Reason: "at least one CIK or an input file is required"}
	}
	q, err := s.query()
	if err != nil {
		return nil, "", err
	}
	client, err := a.edgarClient("")
	if err != nil {
		return nil, "", err
	}

	spinner := getSpinner(fmt.Sprintf("🔍 Discovering filings for %d companies...", len(s.ciks)))
	descs, errs := client.BatchFilings(ctx, s.ciks, q)
	if s.documents && len(descs) > 0 {
		spinner.Describe(color.CyanString("📑 Listing filing documents..."))
		descs = pipeline.Expand(ctx, client, descs, a.logger)
	}
	spinner.Finish()
	fmt.Print("\r")

	for _, err := range errs {
		color.Yellow("! %v", err)
	}
	if len(descs) == 0 && len(errs) > 0 {
		return nil, "", errors.Join(errs...)
	}
	color.Green("✓ Discovered %d documents", len(descs))
	return descs, "cik:" + strings.Join(s.ciks, ","), nil
}

func newDiscoverCmd(a *app) *cobra.Command {
	var (
		src    sourceOptions
		output string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List filings on EDGAR and save their descriptors",
		Example: `  filingscan discover --cik 320193 --forms 10-K --year 2023
  filingscan discover -c 320193,789019 --documents -o filings.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			descs, _, err := a.resolve(cmd.Context(), &src)
			if err != nil {
				return err
			}
			for _, d := range descs {
				fmt.Printf("%s  %-8s %s  %s\n", color.CyanString(d.AccessionID), d.FormType, formatDate(d.FilingDate), d.URL)
			}
			if output == "" {
				return nil
			}
			if err := writeFile(output, func(w io.Writer) error { return writeJSON(w, descs) }); err != nil {
				return err
			}
			color.Green("✓ Saved %d descriptors to %s", len(descs), output)
			return nil
		},
	}
	src.register(cmd, 50, false)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write descriptors as JSON to this file")
	return cmd
}

func (a *app) newDownloader(refresh bool, onProgress func(models.DownloadResult)) (*downloader.Downloader, error) {
	d := a.config.Download
	return downloader.NewWithConfig(downloader.Config{
		Dir:         d.CacheDir,
		Concurrency: d.Concurrency,
		MaxRetries:  d.MaxRetries,
		BaseBackoff: d.BaseBackoff,
		MaxBackoff:  d.MaxBackoff,
		GracePeriod: d.GracePeriod,
		Timeout:     d.Timeout,
		UserAgent:   a.config.Edgar.UserAgent,
		MaxFileSize: d.MaxFileSize,
		Refresh:     refresh,
		Logger:      a.logger,
		Metrics:     a.metrics,
		OnProgress:  onProgress,
		OnStateChange: func(desc models.FilingDescriptor, from, to models.DownloadState) {
			a.logger.Debug("download state", zap.String("filing", desc.Label()),
				zap.Stringer("from", from), zap.Stringer("to", to))
		},
	}, a.limiter)
}

func newDownloadCmd(a *app) *cobra.Command {
	var (
		src     sourceOptions
		refresh bool
	)
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download filings into the local cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			descs, _, err := a.resolve(ctx, &src)
			if err != nil {
				return err
			}

			bar := getProgressBar(len(descs), "📥 Downloading filings...")
			dl, err := a.newDownloader(refresh, func(models.DownloadResult) { bar.Add(1) })
			if err != nil {
				return err
			}

			results, err := dl.Download(ctx, descs)
			bar.Finish()
			fmt.Println()
			if err != nil {
				return err
			}

			counts := make(map[models.Outcome]int)
			for _, res := range results {
				counts[res.Outcome]++
				if res.Outcome == models.OutcomeFailed {
					color.Red("  ✗ %s: %s", res.Descriptor.Label(), models.Reason(res.Err))
				}
			}
			color.Green("✓ %d downloaded, %d cached, %d failed (cache: %s)",
				counts[models.OutcomeSuccess], counts[models.OutcomeSkipped], counts[models.OutcomeFailed], a.config.Download.CacheDir)
			return nil
		},
	}
	src.register(cmd, 50, true)
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Download again even when a cached copy exists")
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	var (
		src       sourceOptions
		refresh   bool
		format    string
		outputDir string
		prefix    string
		noContext bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Discover, download and analyze filings, then report the matches",
		Example: `  filingscan run --cik 320193 --limit 3
  filingscan run -i filings.json --format csv --output-dir reports`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := a.config.Output
			if format != "" {
				out.Format = format
			}
			if outputDir != "" {
				out.Dir = outputDir
			}
			if noContext {
				out.IncludeContext = false
			}
			if err := checkFormat(out.Format); err != nil {
				return err
			}

			idx, err := a.index()
			if err != nil {
				return err
			}
			descs, source, err := a.resolve(ctx, &src)
			if err != nil {
				return err
			}
			if len(descs) == 0 {
				color.Yellow("No filings to analyze")
				return nil
			}

			report, err := a.runPipeline(ctx, idx, descs, source, refresh)
			if err != nil && len(report.Summary) == 0 {
				return err
			}
			if err != nil {
				color.Red("! %v", err)
			}

			return a.render(report, out, prefix)
		},
	}
	src.register(cmd, 10, true)
	flags := cmd.Flags()
	flags.BoolVar(&refresh, "refresh", false, "Download again even when a cached copy exists")
	flags.StringVar(&format, "format", "", "Output format: console, csv, json or html")
	flags.StringVarP(&outputDir, "output-dir", "o", "", "Directory for file output")
	flags.StringVar(&prefix, "prefix", "esg_analysis", "File name prefix for file output")
	flags.BoolVar(&noContext, "no-context", false, "Leave match context out of the output")
	return cmd
}

func checkFormat(format string) error {
	switch format {
	case config.FormatConsole, config.FormatCSV, config.FormatJSON, config.FormatHTML:
		return nil
	}
	return &models.ConfigurationError{Field: "format", Reason: fmt.Sprintf("unknown output format %q", format)}
}

func newReportCmd(a *app) *cobra.Command {
	var (
		input     string
		format    string
		outputDir string
		prefix    string
		noContext bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render a report saved as JSON in another output format",
		Example: `  filingscan report -i output/esg_analysis.json
  filingscan report -i output/esg_analysis.json --format html -o reports`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := a.config.Output
			if format != "" {
				out.Format = format
			}
			if outputDir != "" {
				out.Dir = outputDir
			}
			if noContext {
				out.IncludeContext = false
			}
			if err := checkFormat(out.Format); err != nil {
				return err
			}

			report, err := readReport(input)
			if err != nil {
				return err
			}
			return a.render(report, out, prefix)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&input, "input", "i", "", "JSON report written by run --format json")
	flags.StringVar(&format, "format", "", "Output format: console, csv, json or html")
	flags.StringVarP(&outputDir, "output-dir", "o", "", "Directory for file output")
	flags.StringVar(&prefix, "prefix", "esg_analysis", "File name prefix for file output")
	flags.BoolVar(&noContext, "no-context", false, "Leave match context out of the output")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// runPipeline downloads and analyzes descs, storing the report when a
// database is configured.
func (a *app) runPipeline(ctx context.Context, idx *keywords.Index, descs []models.FilingDescriptor, source string, refresh bool) (analyzer.Report, error) {
	downloadBar := getProgressBar(len(descs), "📥 Downloading filings...")
	dl, err := a.newDownloader(refresh, func(models.DownloadResult) { downloadBar.Add(1) })
	if err != nil {
		return analyzer.Report{}, err
	}

	var saver types.ResultStore
	if a.config.Database.URL != "" {
		s, err := store.NewWithConfig(ctx, store.ReportStoreConfig{
			ConnString: a.config.Database.URL,
			BatchSize:  a.config.Database.BatchSize,
			Logger:     a.logger,
		})
		if err != nil {
			return analyzer.Report{}, err
		}
		defer s.Close()
		saver = s
	}

	engine := analyzer.DefaultEngineConfig()
	engine.ContextWindow = a.config.Analysis.ContextWindow
	engine.MaxMatches = a.config.Analysis.MaxMatchesPerReport

	var (
		analyzeBar *progressbar.ProgressBar
		switchBar  sync.Once
	)
	p, err := pipeline.New(pipeline.Config{
		Engine:  engine,
		Workers: a.config.Analysis.Workers,
		Store:   saver,
		Source:  source,
		Logger:  a.logger,
		Metrics: a.metrics,
		OnAnalyzed: func(analyzer.FilingRecord) {
			switchBar.Do(func() {
				downloadBar.Finish()
				fmt.Println()
				analyzeBar = getProgressBar(len(descs), "🔎 Analyzing filings...")
			})
			analyzeBar.Add(1)
		},
	}, dl, extract.NewWithConfig(extract.Config{Logger: a.logger}), idx)
	if err != nil {
		return analyzer.Report{}, err
	}

	start := time.Now()
	report, err := p.Run(ctx, descs)
	if analyzeBar != nil {
		analyzeBar.Finish()
	} else {
		downloadBar.Finish()
	}
	fmt.Println()
	if len(report.Summary) > 0 {
		color.Green("✓ Analyzed %d filings in %s", len(report.Summary), time.Since(start).Round(time.Millisecond))
	}
	return report, err
}

func (a *app) render(report analyzer.Report, out config.OutputConfig, prefix string) error {
	switch out.Format {
	case config.FormatCSV:
		summary, details, err := exportCSV(out.Dir, prefix, report, out.IncludeContext)
		if err != nil {
			return err
		}
		color.Green("✓ Wrote %s and %s", summary, details)
	case config.FormatJSON:
		if err := os.MkdirAll(out.Dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		path := filepath.Join(out.Dir, prefix+".json")
		if err := writeFile(path, func(w io.Writer) error { return writeJSON(w, toJSON(report, out.IncludeContext)) }); err != nil {
			return err
		}
		color.Green("✓ Wrote %s", path)
	case config.FormatHTML:
		if err := os.MkdirAll(out.Dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		path := filepath.Join(out.Dir, prefix+".html")
		if err := writeFile(path, func(w io.Writer) error { return writeHTML(w, report, out.IncludeContext) }); err != nil {
			return err
		}
		color.Green("✓ Wrote %s", path)
	default:
		fmt.Println()
		printReport(os.Stdout, report, out.IncludeContext)
	}
	return nil
}

func newCompanyCmd(a *app) *cobra.Command {
	var userAgent string
	cmd := &cobra.Command{
		Use:   "company CIK...",
		Short: "Show the EDGAR registration of companies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.edgarClient(userAgent)
			if err != nil {
				return err
			}
			for _, cik := range args {
				c, err := client.CompanyInfo(cmd.Context(), cik)
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s", color.CyanString(c.CIK), color.New(color.Bold).Sprint(c.Name))
				if c.Ticker != "" {
					fmt.Printf(" (%s)", c.Ticker)
				}
				fmt.Println()
				if c.SIC != "" {
					fmt.Printf("    SIC %s %s\n", c.SIC, c.SICDescription)
				}
				if c.State != "" {
					fmt.Printf("    State %s\n", c.State)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userAgent, "user-agent", "", "SEC User-Agent, overrides the config")
	return cmd
}

func newKeywordsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "keywords",
		Short: "List the keyword taxonomy in use",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, source, err := a.loadTaxonomy()
			if err != nil {
				return err
			}
			idx, err := a.index()
			if err != nil {
				return err
			}
			color.Cyan("Keywords from %s", source)
			counts := idx.KeywordCount()
			for _, key := range idx.Subcategories() {
				fmt.Printf("  %-40s %d\n", key.String(), counts[key])
			}
			fmt.Printf("%d phrases\n", len(idx.Phrases()))
			return nil
		},
	}
}

func newScanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan FILE...",
		Short: "Quickly check local documents for keywords",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.index()
			if err != nil {
				return err
			}
			ex := extract.NewWithConfig(extract.Config{Logger: a.logger})
			for _, path := range args {
				text, err := ex.Extract(path, models.FormatFromExt(filepath.Ext(path)))
				if err != nil {
					color.Red("✗ %s: %v", path, err)
					continue
				}
				found := analyzer.QuickScan(text, idx)
				color.Cyan("%s", path)
				for _, c := range models.Categories {
					phrases := found[c]
					sort.Strings(phrases)
					fmt.Printf("  %-14s %d  %s\n", c, len(phrases), strings.Join(phrases, ", "))
				}
			}
			return nil
		},
	}
}

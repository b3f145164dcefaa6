package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/internal/types"
	"github.com/xhad/filingscan/pkg/analyzer"
	"github.com/xhad/filingscan/pkg/keywords"
	"github.com/xhad/filingscan/pkg/metrics"
)

const (
	DefaultWorkers      = 4
	DefaultStoreTimeout = 30 * time.Second
)

type Config struct {
	Engine  analyzer.EngineConfig
	Workers int // documents analyzed in parallel

	// Store, when set, receives the finished report. Source labels the run.
	// The save outlives cancellation of the run context so an interrupted
	// run still records its partial report, bounded by StoreTimeout.
	Store        types.ResultStore
	Source       string
	StoreTimeout time.Duration

	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	OnAnalyzed func(analyzer.FilingRecord)
}

// Pipeline downloads filings, extracts their text, scans it against the
// keyword index and folds the results into a report.
type Pipeline struct {
	config     Config
	downloader types.Downloader
	extractor  types.Extractor
	index      *keywords.Index
	engine     *analyzer.Engine
	logger     *zap.Logger
}

func New(config Config, downloader types.Downloader, extractor types.Extractor, index *keywords.Index) (*Pipeline, error) {
	if index == nil || index.Len() == 0 {
		return nil, &models.ConfigurationError{Field: "keywords", Reason: "keyword index is empty"}
	}
	if downloader == nil || extractor == nil {
		return nil, &models.ConfigurationError{Reason: "pipeline needs a downloader and an extractor"}
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = DefaultStoreTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Pipeline{
		config:     config,
		downloader: downloader,
		extractor:  extractor,
		index:      index,
		engine:     analyzer.NewEngine(config.Engine),
		logger:     config.Logger.Named("pipeline"),
	}, nil
}

// Run processes descs and returns a report with one summary row per
// accession. Per-filing failures are part of the report; the error is
// non-nil only for storage or configuration failures and for a failed
// save to the result store, in which case the report is still returned.
func (p *Pipeline) Run(ctx context.Context, descs []models.FilingDescriptor) (analyzer.Report, error) {
	started := time.Now()

	results, err := p.downloader.Download(ctx, descs)
	if err != nil {
		if models.IsFatal(err) {
			return analyzer.Report{}, err
		}
		p.logger.Warn("download finished with error", zap.Error(err))
	}

	records := make([]analyzer.FilingRecord, len(results))
	var g errgroup.Group
	g.SetLimit(p.config.Workers)
	for i := range results {
		i := i
		g.Go(func() error {
			records[i] = p.analyze(results[i])
			if p.config.OnAnalyzed != nil {
				p.config.OnAnalyzed(records[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	report := analyzer.Aggregate(records)
	p.record(report)

	p.logger.Info("run finished",
		zap.Int("filings", len(report.Summary)),
		zap.Int("matches", report.Total()),
		zap.Duration("elapsed", time.Since(started)))

	if p.config.Store != nil {
		run := types.RunInfo{
			Source:   p.config.Source,
			Keywords: p.index.Len(),
			Started:  started,
			Finished: time.Now(),
		}
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.StoreTimeout)
		id, err := p.config.Store.SaveReport(saveCtx, run, report)
		cancel()
		if err != nil {
			return report, eris.Wrap(err, "failed to store report")
		}
		p.logger.Info("report stored", zap.String("run_id", id.String()))
	}

	return report, nil
}

func (p *Pipeline) analyze(res models.DownloadResult) analyzer.FilingRecord {
	rec := analyzer.FilingRecord{Descriptor: res.Descriptor, Download: &res}
	if !res.Usable() {
		return rec
	}

	logger := p.logger.With(zap.String("filing", res.Descriptor.Label()), zap.String("path", res.Path))

	text, err := p.extractor.Extract(res.Path, res.Descriptor.Format())
	if err != nil {
		logger.Warn("extraction failed", zap.Error(err))
		rec.Err = err
		return rec
	}

	fa := p.engine.Analyze(res.Descriptor, res.Descriptor.URL, text, p.index)
	rec.Analysis = &fa
	logger.Debug("analyzed document", zap.Int("matches", fa.Total()), zap.Bool("truncated", fa.Truncated()))
	return rec
}

func (p *Pipeline) record(report analyzer.Report) {
	m := p.config.Metrics
	for status, n := range report.StatusCounts() {
		for i := 0; i < n; i++ {
			m.RecordAnalysis(string(status))
		}
	}
	for category, n := range report.Totals() {
		m.RecordMatches(string(category), n)
	}
}

// Expand replaces each filing by its documents as listed by the
// discoverer. A filing whose documents cannot be listed is kept as is.
func Expand(ctx context.Context, discoverer types.Discoverer, filings []models.FilingDescriptor, logger *zap.Logger) []models.FilingDescriptor {
	if logger == nil {
		logger = zap.NewNop()
	}

	var out []models.FilingDescriptor
	for _, filing := range filings {
		if ctx.Err() != nil {
			out = append(out, filing)
			continue
		}
		docs, err := discoverer.FilingDocuments(ctx, filing)
		if err != nil || len(docs) == 0 {
			logger.Warn("could not list filing documents", zap.String("accession", filing.AccessionID), zap.Error(err))
			out = append(out, filing)
			continue
		}
		out = append(out, docs...)
	}
	return out
}

package store

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/internal/types"
	"github.com/xhad/filingscan/pkg/analyzer"
)

type ReportStoreConfig struct {
	ConnString  string
	TablePrefix string
	BatchSize   int // match rows per INSERT
	Logger      *zap.Logger
}

// ReportStore persists analysis reports to Postgres: one row per run, one
// per filing and one per retained match.
type ReportStore struct {
	config ReportStoreConfig
	pool   *pgxpool.Pool
	qb     sq.StatementBuilderType
	logger *zap.Logger
}

type tables struct {
	runs, filings, matches string
}

func (c ReportStoreConfig) tables() tables {
	return tables{
		runs:    c.TablePrefix + "_runs",
		filings: c.TablePrefix + "_filings",
		matches: c.TablePrefix + "_matches",
	}
}

func applyDefaults(config *ReportStoreConfig) {
	if config.TablePrefix == "" {
		config.TablePrefix = "filingscan"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
}

func NewWithConfig(ctx context.Context, config ReportStoreConfig) (*ReportStore, error) {
	applyDefaults(&config)

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &ReportStore{
		config: config,
		pool:   pool,
		qb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger: config.Logger.Named("store"),
	}

	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func schema(t tables) []string {
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			keywords INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			filings INTEGER NOT NULL,
			matches INTEGER NOT NULL
		)`, t.runs),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id UUID NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
			accession_id TEXT NOT NULL,
			company_id TEXT,
			company_name TEXT,
			ticker TEXT,
			form_type TEXT,
			filing_date DATE,
			status TEXT NOT NULL,
			reason TEXT,
			documents INTEGER NOT NULL,
			environmental INTEGER NOT NULL,
			social INTEGER NOT NULL,
			governance INTEGER NOT NULL,
			total INTEGER NOT NULL,
			truncated BOOLEAN NOT NULL,
			subcounts JSONB,
			PRIMARY KEY (run_id, accession_id)
		)`, t.filings, t.runs),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
			accession_id TEXT NOT NULL,
			document_id TEXT,
			category TEXT NOT NULL,
			subcategory TEXT NOT NULL,
			phrase TEXT NOT NULL,
			matched_text TEXT NOT NULL,
			char_offset INTEGER NOT NULL,
			context TEXT
		)`, t.matches, t.runs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_category_idx ON %s (run_id, category)`, t.matches, t.matches),
	}
}

func (s *ReportStore) initialize(ctx context.Context) error {
	for _, stmt := range schema(s.config.tables()) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// SaveReport writes the report in one transaction and returns the new run
// id.
func (s *ReportStore) SaveReport(ctx context.Context, run types.RunInfo, report analyzer.Report) (uuid.UUID, error) {
	id := uuid.New()

	queries := []sq.Sqlizer{insertRun(s.qb, s.config.tables(), id, run, report)}
	if len(report.Summary) > 0 {
		queries = append(queries, insertFilings(s.qb, s.config.tables(), id, report.Summary))
	}
	queries = append(queries, insertMatches(s.qb, s.config.tables(), id, report.Details, s.config.BatchSize)...)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, q := range queries {
			sql, args, err := q.ToSql()
			if err != nil {
				return eris.Wrap(err, "build query")
			}
			if _, err := tx.Exec(ctx, sql, args...); err != nil {
				return eris.Wrap(err, "insert report rows")
			}
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, eris.Wrapf(err, "save run %s", id)
	}

	s.logger.Info("saved report",
		zap.String("run_id", id.String()),
		zap.Int("filings", len(report.Summary)),
		zap.Int("matches", len(report.Details)))
	return id, nil
}

// StoredFiling is a filing row read back from the store.
type StoredFiling struct {
	AccessionID string
	Status      string
	Total       int
	Counts      map[models.Category]int
}

// Filings returns the filing rows of a run in accession order.
func (s *ReportStore) Filings(ctx context.Context, runID uuid.UUID) ([]StoredFiling, error) {
	sql, args, err := selectFilings(s.qb, s.config.tables(), runID).ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "build query")
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "query filings of run %s", runID)
	}
	defer rows.Close()

	var filings []StoredFiling
	for rows.Next() {
		var f StoredFiling
		var env, social, govern int
		if err := rows.Scan(&f.AccessionID, &f.Status, &f.Total, &env, &social, &govern); err != nil {
			return nil, eris.Wrap(err, "scan filing row")
		}
		f.Counts = map[models.Category]int{
			models.Environmental: env,
			models.Social:        social,
			models.Governance:    govern,
		}
		filings = append(filings, f)
	}

	return filings, rows.Err()
}

func (s *ReportStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func insertRun(qb sq.StatementBuilderType, t tables, id uuid.UUID, run types.RunInfo, report analyzer.Report) sq.InsertBuilder {
	return qb.Insert(t.runs).
		Columns("id", "source", "keywords", "started_at", "finished_at", "filings", "matches").
		Values(id, sanitizeUTF8(run.Source), run.Keywords, run.Started, run.Finished, len(report.Summary), report.Total())
}

func insertFilings(qb sq.StatementBuilderType, t tables, id uuid.UUID, rows []analyzer.SummaryRow) sq.InsertBuilder {
	q := qb.Insert(t.filings).
		Columns("run_id", "accession_id", "company_id", "company_name", "ticker", "form_type", "filing_date",
			"status", "reason", "documents", "environmental", "social", "governance", "total", "truncated", "subcounts")

	for _, row := range rows {
		var filed interface{}
		if !row.FilingDate.IsZero() {
			filed = row.FilingDate
		}
		subcounts := make(map[string]int, len(row.Subcounts))
		for k, n := range row.Subcounts {
			subcounts[k.String()] = n
		}

		q = q.Values(id, row.AccessionID, row.CompanyID, sanitizeUTF8(row.CompanyName), row.Ticker, row.FormType, filed,
			string(row.Status), sanitizeUTF8(row.Reason), row.Documents,
			row.Count(models.Environmental), row.Count(models.Social), row.Count(models.Governance),
			row.Total, row.Truncated, subcounts)
	}
	return q
}

// insertMatches splits the detail rows into INSERTs of at most batch rows,
// keeping each statement under the Postgres parameter limit.
func insertMatches(qb sq.StatementBuilderType, t tables, id uuid.UUID, details []analyzer.DetailRow, batch int) []sq.Sqlizer {
	var queries []sq.Sqlizer
	for start := 0; start < len(details); start += batch {
		end := min(start+batch, len(details))

		q := qb.Insert(t.matches).
			Columns("run_id", "accession_id", "document_id", "category", "subcategory", "phrase", "matched_text", "char_offset", "context")
		for _, d := range details[start:end] {
			q = q.Values(id, d.AccessionID, d.DocumentID, string(d.Category), d.Subcategory, d.Phrase,
				sanitizeUTF8(d.Text), d.Offset, sanitizeUTF8(d.Context))
		}
		queries = append(queries, q)
	}
	return queries
}

func selectFilings(qb sq.StatementBuilderType, t tables, runID uuid.UUID) sq.SelectBuilder {
	return qb.Select("accession_id", "status", "total", "environmental", "social", "governance").
		From(t.filings).
		Where(sq.Eq{"run_id": runID.String()}).
		OrderBy("accession_id ASC")
}

// sanitizeUTF8 drops invalid bytes and NULs, which Postgres text columns
// reject.
func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.ReplaceAll(s, "\x00", "")
}

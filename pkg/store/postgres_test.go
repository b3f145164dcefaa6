package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/internal/types"
	"github.com/xhad/filingscan/pkg/analyzer"
)

var testTables = ReportStoreConfig{TablePrefix: "test"}.tables()

func builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

func sampleReport() analyzer.Report {
	filed := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	records := []analyzer.FilingRecord{
		{
			Descriptor: models.FilingDescriptor{AccessionID: "0001234567-24-000001", CompanyID: "0001234567", CompanyName: "Test Corp", FormType: "10-K", FilingDate: filed, URL: "u1"},
			Download:   &models.DownloadResult{Outcome: models.OutcomeSuccess},
		},
		{
			Descriptor: models.FilingDescriptor{AccessionID: "0001234567-24-000002", CompanyID: "0001234567", FormType: "10-K", URL: "u2"},
			Download:   &models.DownloadResult{Outcome: models.OutcomeFailed, Err: &models.PermanentRequestError{URL: "u2", StatusCode: 404}},
		},
	}
	matches := []models.Match{
		{Phrase: "net zero", Text: "Net Zero", Category: models.Environmental, Subcategory: "climate", Offset: 4, Context: "Our [[Net Zero]] plan."},
		{Phrase: "board diversity", Text: "board diversity", Category: models.Governance, Subcategory: "board", Offset: 40},
		{Phrase: "whistleblower", Text: "whistleblower", Category: models.Governance, Subcategory: "ethics", Offset: 90},
	}
	fa := models.NewFilingAnalysis(records[0].Descriptor, "u1", matches, 50)
	records[0].Analysis = &fa
	return analyzer.Aggregate(records)
}

func TestInsertRun(t *testing.T) {
	id := uuid.New()
	run := types.RunInfo{Source: "cik:1234567", Keywords: 12, Started: time.Now(), Finished: time.Now()}

	sql, args, err := insertRun(builder(), testTables, id, run, sampleReport()).ToSql()
	require.NoError(t, err)

	assert.Equal(t, "INSERT INTO test_runs (id,source,keywords,started_at,finished_at,filings,matches) VALUES ($1,$2,$3,$4,$5,$6,$7)", sql)
	require.Len(t, args, 7)
	assert.Equal(t, id, args[0])
	assert.Equal(t, 2, args[5])
	assert.Equal(t, 3, args[6])
}

func TestInsertFilings(t *testing.T) {
	id := uuid.New()
	report := sampleReport()

	sql, args, err := insertFilings(builder(), testTables, id, report.Summary).ToSql()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sql, "INSERT INTO test_filings (run_id,accession_id,"))
	assert.Contains(t, sql, "$32)")
	require.Len(t, args, 32)

	first := args[:16]
	assert.Equal(t, "0001234567-24-000001", first[1])
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), first[6])
	assert.Equal(t, "analyzed", first[7])
	assert.Equal(t, 1, first[10])
	assert.Equal(t, 0, first[11])
	assert.Equal(t, 2, first[12])
	assert.Equal(t, map[string]int{"environmental/climate": 1, "governance/board": 1, "governance/ethics": 1}, first[15])

	second := args[16:]
	assert.Nil(t, second[6])
	assert.Equal(t, "failed", second[7])
	assert.Contains(t, second[8], "404")
}

func TestInsertMatchesBatches(t *testing.T) {
	report := sampleReport()

	queries := insertMatches(builder(), testTables, uuid.New(), report.Details, 2)
	require.Len(t, queries, 2)

	sql, args, err := queries[0].ToSql()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sql, "INSERT INTO test_matches (run_id,accession_id,document_id,category,subcategory,phrase,matched_text,char_offset,context) VALUES"))
	assert.Len(t, args, 18)
	assert.Equal(t, "environmental", args[3])
	assert.Equal(t, "Our [[Net Zero]] plan.", args[8])

	_, args, err = queries[1].ToSql()
	require.NoError(t, err)
	assert.Len(t, args, 9)
	assert.Equal(t, "whistleblower", args[5])

	assert.Empty(t, insertMatches(builder(), testTables, uuid.New(), nil, 2))
}

func TestSelectFilings(t *testing.T) {
	id := uuid.New()
	sql, args, err := selectFilings(builder(), testTables, id).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT accession_id, status, total, environmental, social, governance FROM test_filings WHERE run_id = $1 ORDER BY accession_id ASC", sql)
	assert.Equal(t, []interface{}{id.String()}, args)
}

func TestSanitizeUTF8(t *testing.T) {
	assert.Equal(t, "café", sanitizeUTF8("café"))
	assert.Equal(t, "ab", sanitizeUTF8("a\xffb"))
	assert.Equal(t, "ab", sanitizeUTF8("a\x00b"))
}

func TestReportStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := NewWithConfig(ctx, ReportStoreConfig{ConnString: dsn, TablePrefix: "filingscan_test"})
	require.NoError(t, err)
	defer s.Close()

	report := sampleReport()
	id, err := s.SaveReport(ctx, types.RunInfo{Source: "test", Started: time.Now(), Finished: time.Now()}, report)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	filings, err := s.Filings(ctx, id)
	require.NoError(t, err)
	require.Len(t, filings, 2)
	assert.Equal(t, "analyzed", filings[0].Status)
	assert.Equal(t, 3, filings[0].Total)
	assert.Equal(t, 2, filings[0].Counts[models.Governance])
	assert.Equal(t, "failed", filings[1].Status)
}

package edgar

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/pkg/ratelimit"
)

const submissionsJSON = `{
  "name": "Apple Inc.",
  "tickers": ["AAPL"],
  "sic": "3571",
  "sicDescription": "Electronic Computers",
  "stateOfIncorporation": "CA",
  "filings": {
    "recent": {
      "accessionNumber": ["0000320193-23-000106", "0000320193-23-000077", "0000320193-22-000108", "0000320193-22-000001"],
      "form": ["10-K", "10-Q", "10-K", "10-K"],
      "filingDate": ["2023-11-03", "2023-08-04", "2022-10-28", "not-a-date"],
      "reportDate": ["2023-09-30", "2023-07-01", "2022-09-24", ""],
      "primaryDocument": ["aapl-20230930.htm", "aapl-20230701.htm", "aapl-20220924.htm", "x.htm"]
    }
  }
}`

const indexHTML = `<html><body><table class="tableFile">
<tr><td><a href="/ix?doc=/Archives/edgar/data/320193/000032019323000106/aapl-20230930.htm">aapl-20230930.htm</a></td></tr>
<tr><td><a href="/Archives/edgar/data/320193/000032019323000106/a10-kexhibit2142023.htm">EX-21.1</a></td></tr>
<tr><td><a href="/Archives/edgar/data/320193/000032019323000106/esg-report.pdf">ESG</a></td></tr>
<tr><td><a href="/Archives/edgar/data/320193/000032019323000106/aapl-20230930_g1.jpg">graphic</a></td></tr>
<tr><td><a href="/Archives/edgar/data/320193/000032019323000106/0000320193-23-000106-index.htm">index</a></td></tr>
<tr><td><a href="/Archives/edgar/data/999999/000099999923000001/other.htm">unrelated</a></td></tr>
<tr><td><a href="https://www.sec.gov/cgi-bin/browse-edgar?action=getcompany">browse</a></td></tr>
</table></body></html>`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewWithConfig(ClientConfig{
		BaseURL:     server.URL,
		ArchivesURL: server.URL + "/Archives/edgar/data",
		UserAgent:   "filingscan test@example.com",
	}, ratelimit.NewPerSecond(100))
	require.NoError(t, err)
	return client, server
}

func TestNewWithConfigRequiresUserAgent(t *testing.T) {
	_, err := NewWithConfig(ClientConfig{}, nil)

	var configErr *models.ConfigurationError
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, "edgar.user_agent", configErr.Field)
}

func TestCompanyFilings(t *testing.T) {
	var userAgent, path string
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(submissionsJSON))
	})

	filings, err := client.CompanyFilings(context.Background(), "320193", Query{Forms: []string{"10-K"}})
	require.NoError(t, err)

	assert.Equal(t, "filingscan test@example.com", userAgent)
	assert.Equal(t, "/submissions/CIK0000320193.json", path)

	require.Len(t, filings, 2)
	first := filings[0]
	assert.Equal(t, "0000320193-23-000106", first.AccessionID)
	assert.Equal(t, "0000320193", first.CompanyID)
	assert.Equal(t, "Apple Inc.", first.CompanyName)
	assert.Equal(t, "AAPL", first.Ticker)
	assert.Equal(t, "10-K", first.FormType)
	assert.Equal(t, time.Date(2023, 11, 3, 0, 0, 0, 0, time.UTC), first.FilingDate)
	assert.Equal(t, server.URL+"/Archives/edgar/data/320193/000032019323000106/aapl-20230930.htm", first.URL)
	assert.Equal(t, "0000320193-22-000108", filings[1].AccessionID)
}

func TestCompanyFilingsQuery(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(submissionsJSON))
	})
	ctx := context.Background()

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"no filter", Query{}, []string{"0000320193-23-000106", "0000320193-23-000077", "0000320193-22-000108"}},
		{"limit", Query{Limit: 1}, []string{"0000320193-23-000106"}},
		{"since", Query{Since: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)}, []string{"0000320193-23-000106", "0000320193-23-000077"}},
		{"until", Query{Until: time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC)}, []string{"0000320193-22-000108"}},
		{"form case", Query{Forms: []string{"10-q"}}, []string{"0000320193-23-000077"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filings, err := client.CompanyFilings(ctx, "320193", tt.query)
			require.NoError(t, err)

			var got []string
			for _, f := range filings {
				got = append(got, f.AccessionID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompanyInfo(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(submissionsJSON))
	})

	company, err := client.CompanyInfo(context.Background(), "0000320193")
	require.NoError(t, err)
	assert.Equal(t, Company{
		CIK:            "0000320193",
		Name:           "Apple Inc.",
		Ticker:         "AAPL",
		SIC:            "3571",
		SICDescription: "Electronic Computers",
		State:          "CA",
	}, company)
}

func TestCompanyFilingsErrors(t *testing.T) {
	t.Run("not found is permanent", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
		_, err := client.CompanyFilings(context.Background(), "1", Query{})

		var permanent *models.PermanentRequestError
		require.True(t, errors.As(err, &permanent))
		assert.Equal(t, http.StatusNotFound, permanent.StatusCode)
	})

	t.Run("throttled is transient", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
		_, err := client.CompanyFilings(context.Background(), "1", Query{})
		assert.True(t, models.IsRetryable(err))
	})

	t.Run("bad json", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{"))
		})
		_, err := client.CompanyFilings(context.Background(), "1", Query{})
		assert.ErrorContains(t, err, "failed to decode submissions")
	})
}

func TestBatchFilingsContinuesPastFailures(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/submissions/CIK0000000002.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(submissionsJSON))
	})

	filings, errs := client.BatchFilings(context.Background(), []string{"1", "2", "3"}, Query{Forms: []string{"10-K"}, Limit: 1})

	assert.Len(t, filings, 2)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "CIK 2")
}

func TestFilingDocuments(t *testing.T) {
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/Archives/edgar/data/320193/000032019323000106/0000320193-23-000106-index.htm" {
			w.Write([]byte(indexHTML))
			return
		}
		http.NotFound(w, r)
	})
	archive := server.URL + "/Archives/edgar/data/320193/000032019323000106/"

	desc := models.FilingDescriptor{
		AccessionID: "0000320193-23-000106",
		CompanyID:   "0000320193",
		FormType:    "10-K",
		URL:         archive + "aapl-20230930.htm",
	}

	docs, err := client.FilingDocuments(context.Background(), desc)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, archive+"aapl-20230930.htm", docs[0].URL)
	assert.Empty(t, docs[0].Document)
	assert.Equal(t, archive+"a10-kexhibit2142023.htm", docs[1].URL)
	assert.Equal(t, "a10-kexhibit2142023.htm", docs[1].Document)
	assert.Equal(t, archive+"esg-report.pdf", docs[2].URL)
	assert.Equal(t, models.FormatPDF, docs[2].Format())

	for _, d := range docs {
		assert.Equal(t, desc.AccessionID, d.AccessionID)
	}
	assert.NotEqual(t, docs[1].Key(), docs[2].Key())
}

func TestFilingDocumentsWithoutIndex(t *testing.T) {
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	desc := models.FilingDescriptor{
		AccessionID: "0000320193-23-000106",
		CompanyID:   "320193",
		URL:         server.URL + "/Archives/edgar/data/320193/000032019323000106/aapl-20230930.htm",
	}

	docs, err := client.FilingDocuments(context.Background(), desc)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, desc.URL, docs[0].URL)
}

func TestIndexURL(t *testing.T) {
	client, err := NewWithConfig(ClientConfig{UserAgent: "ua a@b.c"}, nil)
	require.NoError(t, err)

	url := client.IndexURL(models.FilingDescriptor{AccessionID: "000032019323000106", CompanyID: "0000320193"})
	assert.Equal(t, "https://www.sec.gov/Archives/edgar/data/320193/000032019323000106/0000320193-23-000106-index.htm", url)
}

package edgar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/pkg/ratelimit"
)

const (
	DefaultBaseURL     = "https://data.sec.gov"
	DefaultArchivesURL = "https://www.sec.gov/Archives/edgar/data"
	DefaultLimit       = 100
)

type ClientConfig struct {
	BaseURL     string
	ArchivesURL string
	UserAgent   string // SEC requires "Name contact@example.com"
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
	OnProgress  func(url string)
}

// Client discovers filings through the EDGAR submissions API. Every request
// goes through the shared limiter so discovery and downloads together stay
// under the SEC request rate.
type Client struct {
	config  ClientConfig
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

func NewWithConfig(config ClientConfig, limiter *ratelimit.Limiter) (*Client, error) {
	if strings.TrimSpace(config.UserAgent) == "" {
		return nil, &models.ConfigurationError{Field: "edgar.user_agent", Reason: "must not be empty"}
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.ArchivesURL == "" {
		config.ArchivesURL = DefaultArchivesURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	config.ArchivesURL = strings.TrimRight(config.ArchivesURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = ratelimit.NewPerSecond(10)
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		config:  config,
		client:  client,
		limiter: limiter,
		logger:  config.Logger.Named("edgar"),
	}, nil
}

type Company struct {
	CIK            string
	Name           string
	Ticker         string
	SIC            string
	SICDescription string
	State          string
}

// Query filters the filings of one company. Zero values mean no filter;
// Limit defaults to DefaultLimit.
type Query struct {
	Forms []string
	Since time.Time
	Until time.Time
	Limit int
}

func (q Query) allows(form string, date time.Time) bool {
	if len(q.Forms) > 0 {
		found := false
		for _, f := range q.Forms {
			if strings.EqualFold(f, form) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.Since.IsZero() && date.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && date.After(q.Until) {
		return false
	}
	return true
}

type submissions struct {
	Name                 string   `json:"name"`
	Tickers              []string `json:"tickers"`
	SIC                  string   `json:"sic"`
	SICDescription       string   `json:"sicDescription"`
	StateOfIncorporation string   `json:"stateOfIncorporation"`
	Filings              struct {
		Recent struct {
			AccessionNumber []string `json:"accessionNumber"`
			Form            []string `json:"form"`
			FilingDate      []string `json:"filingDate"`
			ReportDate      []string `json:"reportDate"`
			PrimaryDocument []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

func (s submissions) company(cik string) Company {
	c := Company{
		CIK:            models.PadCIK(cik),
		Name:           s.Name,
		SIC:            s.SIC,
		SICDescription: s.SICDescription,
		State:          s.StateOfIncorporation,
	}
	if c.Name == "" {
		c.Name = "Unknown"
	}
	if len(s.Tickers) > 0 {
		c.Ticker = s.Tickers[0]
	}
	return c
}

func at(values []string, i int) string {
	if i < len(values) {
		return values[i]
	}
	return ""
}

func (c *Client) submissions(ctx context.Context, cik string) (submissions, error) {
	var s submissions
	body, err := c.get(ctx, fmt.Sprintf("%s/submissions/CIK%s.json", c.config.BaseURL, models.PadCIK(cik)))
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(body, &s); err != nil {
		return s, fmt.Errorf("failed to decode submissions for CIK %s: %w", cik, err)
	}
	return s, nil
}

// CompanyInfo returns the company registered under cik.
func (c *Client) CompanyInfo(ctx context.Context, cik string) (Company, error) {
	s, err := c.submissions(ctx, cik)
	if err != nil {
		return Company{}, err
	}
	return s.company(cik), nil
}

// CompanyFilings lists the recent filings of a company matching q, newest
// first as EDGAR returns them. Each descriptor points at the filing's
// primary document. Rows with an unparseable filing date are skipped.
func (c *Client) CompanyFilings(ctx context.Context, cik string, q Query) ([]models.FilingDescriptor, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}

	s, err := c.submissions(ctx, cik)
	if err != nil {
		return nil, err
	}
	company := s.company(cik)
	recent := s.Filings.Recent

	var filings []models.FilingDescriptor
	for i, accession := range recent.AccessionNumber {
		if len(filings) >= q.Limit {
			break
		}

		form := at(recent.Form, i)
		filed, err := time.Parse(time.DateOnly, at(recent.FilingDate, i))
		if err != nil {
			c.logger.Debug("skipping filing with bad date", zap.String("accession", accession), zap.Error(err))
			continue
		}
		if !q.allows(form, filed) {
			continue
		}

		desc := models.FilingDescriptor{
			AccessionID: models.FormatAccession(accession),
			CompanyID:   company.CIK,
			CompanyName: company.Name,
			Ticker:      company.Ticker,
			FormType:    form,
			FilingDate:  filed,
		}
		if primary := at(recent.PrimaryDocument, i); primary != "" {
			desc.URL = c.documentURL(desc, primary)
		} else {
			desc.URL = c.IndexURL(desc)
		}
		filings = append(filings, desc)
	}

	c.logger.Info("discovered filings",
		zap.String("cik", company.CIK),
		zap.String("company", company.Name),
		zap.Int("count", len(filings)))
	return filings, nil
}

// BatchFilings runs CompanyFilings for every cik. A company that cannot be
// fetched is logged and skipped; its error is returned alongside the
// filings found for the others.
func (c *Client) BatchFilings(ctx context.Context, ciks []string, q Query) ([]models.FilingDescriptor, []error) {
	var (
		all  []models.FilingDescriptor
		errs []error
	)
	for _, cik := range ciks {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		filings, err := c.CompanyFilings(ctx, cik, q)
		if err != nil {
			c.logger.Warn("failed to fetch company filings", zap.String("cik", cik), zap.Error(err))
			errs = append(errs, fmt.Errorf("CIK %s: %w", cik, err))
			continue
		}
		all = append(all, filings...)
	}
	return all, errs
}

// IndexURL is the filing's -index.htm page listing all of its documents.
func (c *Client) IndexURL(desc models.FilingDescriptor) string {
	return c.documentURL(desc, models.FormatAccession(desc.AccessionID)+"-index.htm")
}

func (c *Client) archivePath(desc models.FilingDescriptor) string {
	return fmt.Sprintf("%s/%s", models.TrimCIK(desc.CompanyID), models.RawAccession(desc.AccessionID))
}

func (c *Client) documentURL(desc models.FilingDescriptor, name string) string {
	return fmt.Sprintf("%s/%s/%s", c.config.ArchivesURL, c.archivePath(desc), name)
}

// FilingDocuments expands a filing into its documents: the primary
// document first, then every HTML or PDF document linked from the filing
// index page. When the index page cannot be read only the primary document
// is returned.
func (c *Client) FilingDocuments(ctx context.Context, desc models.FilingDescriptor) ([]models.FilingDescriptor, error) {
	primary := desc
	primary.Document = ""

	var docs []models.FilingDescriptor
	seen := make(map[string]bool)
	if primary.URL != "" && !isIndexPage(primary.URL) {
		docs = append(docs, primary)
		seen[primary.URL] = true
	}

	indexURL := c.IndexURL(desc)
	body, err := c.get(ctx, indexURL)
	if err != nil {
		if ctx.Err() != nil {
			return docs, ctx.Err()
		}
		c.logger.Warn("filing index unavailable, using primary document only",
			zap.String("accession", desc.AccessionID),
			zap.Error(err))
		if len(docs) == 0 {
			return nil, err
		}
		return docs, nil
	}

	links, err := c.documentLinks(indexURL, desc, body)
	if err != nil {
		return docs, nil
	}
	for _, link := range links {
		if seen[link] {
			continue
		}
		seen[link] = true

		doc := desc
		doc.URL = link
		if len(docs) == 0 {
			doc.Document = ""
		} else {
			doc.Document = path.Base(link)
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

func isIndexPage(u string) bool {
	return strings.HasSuffix(strings.ToLower(u), "-index.htm") || strings.HasSuffix(strings.ToLower(u), "-index.html")
}

// documentLinks returns the absolute URLs of the filing's own documents
// linked from an index page. Inline XBRL viewer links (/ix?doc=...) are
// unwrapped to the underlying document.
func (c *Client) documentLinks(pageURL string, desc models.FilingDescriptor, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse filing index: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}

	folder := "/" + c.archivePath(desc) + "/"
	var links []string
	doc.Find("a[href]").Each(func(_ int, selection *goquery.Selection) {
		href, exists := selection.Attr("href")
		if !exists {
			return
		}

		ref, err := url.Parse(href)
		if err != nil {
			c.logger.Debug("skipping bad link", zap.String("href", href), zap.Error(err))
			return
		}
		if ref.Path == "/ix" && ref.Query().Get("doc") != "" {
			if ref, err = url.Parse(ref.Query().Get("doc")); err != nil {
				return
			}
		}
		abs := base.ResolveReference(ref)
		abs.RawQuery, abs.Fragment = "", ""

		if !strings.Contains(abs.Path, folder) || isIndexPage(abs.Path) {
			return
		}
		switch models.FormatFromExt(path.Ext(abs.Path)) {
		case models.FormatHTML, models.FormatPDF:
			links = append(links, abs.String())
		}
	})

	return links, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	if c.config.OnProgress != nil {
		c.config.OnProgress(u)
	}
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &models.PermanentRequestError{URL: u, Reason: err.Error()}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &models.TransientNetworkError{URL: u, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &models.TransientNetworkError{URL: u, StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return nil, &models.PermanentRequestError{URL: u, StatusCode: resp.StatusCode, Reason: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.TransientNetworkError{URL: u, Err: err}
	}
	return body, nil
}

package extract

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/h2non/filetype"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/pkg/processor"
)

type Config struct {
	MaxPages int // 0 reads every PDF page
	Logger   *zap.Logger
}

// Extractor turns downloaded HTML, PDF and plain text filings into text.
type Extractor struct {
	config Config
	clean  processor.Processor
	logger *zap.Logger
}

func NewWithConfig(config Config) *Extractor {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Extractor{
		config: config,
		clean:  processor.NewWithConfig(processor.ProcessorConfig{PreserveLineBreaks: true}),
		logger: config.Logger.Named("extract"),
	}
}

func New() *Extractor {
	return NewWithConfig(Config{})
}

// Extract reads the file at path and returns its plain text. The declared
// format is checked against the file's magic bytes; a PDF signature wins
// over the declaration. Every failure is an *models.ExtractionError.
func (e *Extractor) Extract(path string, format models.DocumentFormat) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &models.ExtractionError{Path: path, Reason: "unreadable file", Err: err}
	}
	if len(data) == 0 {
		return "", &models.ExtractionError{Path: path, Reason: "file is empty"}
	}

	sniffed := sniff(data)
	if sniffed != format {
		e.logger.Debug("declared format differs from content",
			zap.String("path", path),
			zap.String("declared", string(format)),
			zap.String("sniffed", string(sniffed)))
	}
	if format == models.FormatPDF && sniffed != models.FormatPDF {
		return "", &models.ExtractionError{Path: path, Reason: "declared pdf but content has no pdf signature"}
	}

	var text string
	switch sniffed {
	case models.FormatPDF:
		text, err = e.pdfText(data)
	case models.FormatHTML:
		text, err = e.htmlText(data)
	default:
		text = e.clean.Clean(decode(data))
	}
	if err != nil {
		return "", &models.ExtractionError{Path: path, Reason: "parse failed", Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return "", &models.ExtractionError{Path: path, Reason: "no text extracted"}
	}

	return text, nil
}

func sniff(data []byte) models.DocumentFormat {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	if filetype.Is(head, "pdf") {
		return models.FormatPDF
	}
	lower := bytes.ToLower(head)
	for _, tag := range [][]byte{[]byte("<html"), []byte("<!doctype html"), []byte("<body"), []byte("<?xml"), []byte("<div"), []byte("<p")} {
		if bytes.Contains(lower, tag) {
			return models.FormatHTML
		}
	}
	return models.FormatText
}

var metaCharset = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?([a-z0-9_:.-]+)`)

// decode returns data as UTF-8. Invalid UTF-8 is read in the charset an HTML
// meta tag declares, or as Windows-1252, the encoding older EDGAR documents
// use, when nothing usable is declared.
func decode(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	if out, err := legacyEncoding(data).NewDecoder().Bytes(data); err == nil {
		return string(out)
	}
	return strings.ToValidUTF8(string(data), "\uFFFD")
}

func legacyEncoding(data []byte) encoding.Encoding {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	if m := metaCharset.FindSubmatch(head); m != nil {
		// a utf-8 declaration on invalid bytes is wrong, so it is ignored
		if enc, err := htmlindex.Get(string(m[1])); err == nil {
			if name, _ := htmlindex.Name(enc); name != "utf-8" {
				return enc
			}
		}
	}
	return charmap.Windows1252
}

var (
	noiseSelectors = "script, style, head, meta, link, noscript, title"
	blockSelectors = "p, div, br, tr, li, h1, h2, h3, h4, h5, h6, table, section, article, blockquote, pre"
	mainSelectors  = []string{"main", "article", "#content", ".content", "body"}
)

func (e *Extractor) htmlText(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(decode(data)))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	doc.Find(noiseSelectors).Remove()
	doc.Find(`[style*="display:none"], [style*="display: none"]`).Remove()
	doc.Find(blockSelectors).Each(func(_ int, s *goquery.Selection) {
		s.AfterHtml("\n")
	})

	var content string
	for _, selector := range mainSelectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}
	if content == "" {
		content = doc.Text()
	}

	return e.clean.Clean(content), nil
}

func (e *Extractor) pdfText(data []byte) (text string, err error) {
	// the pdf reader panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	pages := reader.NumPage()
	if e.config.MaxPages > 0 && pages > e.config.MaxPages {
		pages = e.config.MaxPages
	}

	var b strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			e.logger.Debug("skipping unreadable page", zap.Int("page", i), zap.Error(err))
			continue
		}
		b.WriteString(content)
		b.WriteString("\n")
	}

	return e.clean.Clean(b.String()), nil
}

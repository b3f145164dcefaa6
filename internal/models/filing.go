package models

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// DocumentFormat is the declared format of a filing document.
type DocumentFormat string

const (
	FormatHTML    DocumentFormat = "html"
	FormatPDF     DocumentFormat = "pdf"
	FormatText    DocumentFormat = "text"
	FormatUnknown DocumentFormat = "unknown"
)

// FilingDescriptor identifies one remote filing document. Document is
// empty for the primary document of a filing and names the file for any
// additional document of the same accession.
type FilingDescriptor struct {
	AccessionID string
	CompanyID   string
	CompanyName string
	Ticker      string
	FormType    string
	FilingDate  time.Time
	URL         string
	Document    string
}

// Key addresses the descriptor in local storage.
func (d FilingDescriptor) Key() string {
	key := sanitizeKey(d.AccessionID)
	if d.Document == "" {
		return key
	}
	doc := strings.TrimSuffix(path.Base(d.Document), path.Ext(d.Document))
	return key + "_" + sanitizeKey(doc)
}

func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// Format derives the declared document format from the URL path extension.
func (d FilingDescriptor) Format() DocumentFormat {
	return FormatFromExt(d.Ext())
}

// Ext returns the lowercased extension of the document URL, or ".htm" when
// the URL carries none.
func (d FilingDescriptor) Ext() string {
	p := d.URL
	if u, err := url.Parse(d.URL); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" || len(ext) > 6 {
		return ".htm"
	}
	return ext
}

func FormatFromExt(ext string) DocumentFormat {
	switch strings.ToLower(ext) {
	case ".htm", ".html", ".xhtml":
		return FormatHTML
	case ".pdf":
		return FormatPDF
	case ".txt":
		return FormatText
	default:
		return FormatUnknown
	}
}

// Label is a short human identifier used in logs and reports.
func (d FilingDescriptor) Label() string {
	name := d.Ticker
	if name == "" {
		name = d.CompanyName
	}
	if name == "" {
		name = d.CompanyID
	}
	return fmt.Sprintf("%s %s %s", name, d.FormType, d.AccessionID)
}

// FormatAccession converts a raw 18 digit accession number into the dashed
// form used in EDGAR index pages (0001193125-24-012345).
func FormatAccession(accession string) string {
	if strings.Contains(accession, "-") {
		return accession
	}
	if len(accession) != 18 {
		return accession
	}
	return fmt.Sprintf("%s-%s-%s", accession[:10], accession[10:12], accession[12:])
}

// RawAccession strips the dashes from an accession number, as used in
// archive paths.
func RawAccession(accession string) string {
	return strings.ReplaceAll(accession, "-", "")
}

// PadCIK zero pads a central index key to the 10 digits the submissions API
// expects.
func PadCIK(cik string) string {
	cik = strings.TrimSpace(cik)
	if len(cik) >= 10 {
		return cik
	}
	return strings.Repeat("0", 10-len(cik)) + cik
}

// TrimCIK drops leading zeros, as used in archive paths.
func TrimCIK(cik string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(cik), "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

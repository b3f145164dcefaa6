package types

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xhad/filingscan/internal/models"
	"github.com/xhad/filingscan/pkg/analyzer"
	"github.com/xhad/filingscan/pkg/edgar"
)

// Core interfaces
type Discoverer interface {
	CompanyFilings(ctx context.Context, cik string, q edgar.Query) ([]models.FilingDescriptor, error)
	FilingDocuments(ctx context.Context, desc models.FilingDescriptor) ([]models.FilingDescriptor, error)
}

type Extractor interface {
	Extract(path string, format models.DocumentFormat) (string, error)
}

type Downloader interface {
	Download(ctx context.Context, descs []models.FilingDescriptor) ([]models.DownloadResult, error)
}

type ResultStore interface {
	SaveReport(ctx context.Context, run RunInfo, report analyzer.Report) (uuid.UUID, error)
	Close()
}

// RunInfo describes one pipeline run for persistence.
type RunInfo struct {
	Source   string // what was analyzed, e.g. the CIKs or descriptor file
	Keywords int
	Started  time.Time
	Finished time.Time
}

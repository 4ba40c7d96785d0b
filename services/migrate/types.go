package migrate

import (
	"context"
	"fmt"
	"time"

	"labmigrate/lib/elabftw"
	"labmigrate/lib/labfolder"
)

// Record is the canonical per-entry shape the pipeline works with,
// normalized from a raw labfolder entry at the grouping boundary.
type Record struct {
	EntryID        string
	EntryTitle     string
	EntryNumber    int
	TotalEntries   int
	EntryCreated   string
	LastEdited     string
	Tags           []string
	OwnerName      string
	LastEditorName string
	ProjectID      string
	ProjectTitle   string
	ProjectCreated string
	Elements       []labfolder.Element
}

// DataShapeError reports a source entry missing a sub-object the
// normalization depends on.
type DataShapeError struct {
	EntryID string
	Field   string
}

func (e *DataShapeError) Error() string {
	return fmt.Sprintf("entry %s: missing %s", e.EntryID, e.Field)
}

// ElementSource fetches element content lazily during rendering.
type ElementSource interface {
	FetchText(ctx context.Context, elementID string) (string, error)
	FetchFile(ctx context.Context, elementID string) (string, error)
	FetchImage(ctx context.Context, elementID string) (string, error)
	FetchData(ctx context.Context, elementID string) ([]labfolder.DataElement, error)
	FetchTable(ctx context.Context, elementID string) (*labfolder.GridDocument, error)
	FetchWellPlate(ctx context.Context, elementID string) (*labfolder.GridDocument, error)
}

type EntrySource interface {
	ElementSource
	FetchEntries(ctx context.Context, opts labfolder.EntryListOptions) ([]labfolder.Entry, error)
}

// Exporter drives the source system's asynchronous bulk-export jobs.
type Exporter interface {
	CreatePDFExport(ctx context.Context, projectIDs []string, downloadFilename string) (string, error)
	ListPDFExports(ctx context.Context, status string) ([]labfolder.Export, error)
	GetPDFExport(ctx context.Context, exportID string) (labfolder.Export, error)
	WaitForPDFExport(ctx context.Context, exportID string, interval, timeout time.Duration) error
	DownloadPDFExport(ctx context.Context, exportID, dest string) error
	CreateXHTMLExport(ctx context.Context) (string, error)
	ListXHTMLExports(ctx context.Context, status string) ([]labfolder.Export, error)
	WaitForXHTMLExport(ctx context.Context, exportID string, interval, timeout time.Duration) error
	DownloadXHTMLExport(ctx context.Context, exportID, dest string) error
}

// Destination is the write side of the pipeline, one record per project.
type Destination interface {
	CreateExperiment(ctx context.Context, title string, tags []string) (string, error)
	PatchExperiment(ctx context.Context, expID string, req elabftw.PatchRequest) error
	UploadFile(ctx context.Context, expID, path string) error
	LinkResource(ctx context.Context, expID, resourceID string) error
}

package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"labmigrate/lib/elabftw"
	"labmigrate/lib/labfolder"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/migrate")

type Options struct {
	// Category is the destination record category id.
	Category int
	// Authors restricts the run to entries whose author's first name is
	// in the list. Empty means everyone.
	Authors []string
	// SnapshotPath caches fetched entries; with UseSnapshot set the run
	// reads from it instead of calling the source API.
	SnapshotPath string
	UseSnapshot  bool
	ISATablePath string
	NamelistPath string
	// ExportCacheDir holds downloaded XHTML bundles; empty disables
	// export attachments entirely.
	ExportCacheDir string
	// PDFCacheDir holds per-project PDF exports keyed by project id.
	PDFCacheDir string
	// RestrictToExport skips projects absent from the export bundle and
	// permits network calls to obtain one.
	RestrictToExport bool

	ExportPollInterval time.Duration
	ExportTimeout      time.Duration
}

func (o Options) pollInterval() time.Duration {
	if o.ExportPollInterval > 0 {
		return o.ExportPollInterval
	}
	return 10 * time.Second
}

func (o Options) exportTimeout() time.Duration {
	if o.ExportTimeout > 0 {
		return o.ExportTimeout
	}
	return 30 * time.Minute
}

// Service sequences the migration: fetch or load entries, group by project,
// then create/render/patch/link/attach one destination record per project.
type Service struct {
	source   EntrySource
	exporter Exporter
	dest     Destination
	renderer *Renderer
	lookups  *Lookups
	exports  *ExportCache
	opts     Options
	log      *slog.Logger

	exportRoot string
}

// NewService wires the pipeline. exporter may be nil, which disables the
// PDF and bundle attachment steps.
func NewService(source EntrySource, exporter Exporter, dest Destination, opts Options, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	lookups, err := LoadLookups(opts.ISATablePath, opts.NamelistPath, log)
	if err != nil {
		return nil, err
	}

	var exports *ExportCache
	if opts.ExportCacheDir != "" {
		exports = NewExportCache(opts.ExportCacheDir, log)
	}

	return &Service{
		source:   source,
		exporter: exporter,
		dest:     dest,
		renderer: NewRenderer(source, dest, log),
		lookups:  lookups,
		exports:  exports,
		opts:     opts,
		log:      log,
	}, nil
}

// Run executes the whole migration. Per-project failures are logged and the
// run continues; only setup-level problems return an error.
func (s *Service) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "service:Run")
	defer span.End()

	entries, err := s.loadEntries(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "failed to obtain entries")
		return err
	}
	s.log.Info("entries ready", "count", len(entries))

	groups, err := GroupFiltered(entries, s.opts.Authors)
	if err != nil {
		span.SetStatus(codes.Error, "failed to group entries")
		return err
	}

	if s.exports != nil {
		root, ok := s.exports.EnsureRoot(ctx, s.exporter, s.opts.RestrictToExport, s.opts.pollInterval(), s.opts.exportTimeout())
		if ok {
			s.exportRoot = root
		}
		if s.opts.RestrictToExport {
			if !ok {
				s.log.Error("restrict-to-export is set but no export bundle is available, nothing to process")
				return nil
			}
			groups = s.restrictToExport(groups)
		}
	}

	projectIDs := make([]string, 0, len(groups))
	for projectID := range groups {
		projectIDs = append(projectIDs, projectID)
	}
	sort.Strings(projectIDs)

	for _, projectID := range projectIDs {
		records := groups[projectID]
		s.log.Info("importing project", "project_id", projectID, "entries", len(records))
		blocks, err := s.UpsertProject(ctx, projectID, records, s.opts.Category)
		if err != nil {
			s.log.Error("project import failed",
				"project_id", projectID,
				"title", records[0].ProjectTitle,
				"err", err,
			)
			continue
		}
		s.log.Info("finished project", "project_id", projectID, "blocks", len(blocks))
	}
	return nil
}

func (s *Service) loadEntries(ctx context.Context) ([]labfolder.Entry, error) {
	if s.opts.UseSnapshot {
		if s.opts.SnapshotPath == "" {
			return nil, errors.New("snapshot mode requires a snapshot path")
		}
		s.log.Info("loading entries from snapshot", "path", s.opts.SnapshotPath)
		return LoadSnapshot(s.opts.SnapshotPath, s.log)
	}

	s.log.Info("fetching entries from source")
	entries, err := s.source.FetchEntries(ctx, labfolder.EntryListOptions{
		Expand:        []string{"author", "project", "last_editor"},
		IncludeHidden: true,
	})
	if err != nil {
		return nil, err
	}

	if s.opts.SnapshotPath != "" {
		err = SaveSnapshot(s.opts.SnapshotPath, entries, s.log)
		if err != nil {
			s.log.Warn("failed to save entries snapshot", "err", err)
		}
	}
	return entries, nil
}

func (s *Service) restrictToExport(groups map[string][]Record) map[string][]Record {
	kept := map[string][]Record{}
	var skipped []string
	for projectID, records := range groups {
		if s.exports.ContainsProject(s.exportRoot, projectID) {
			kept[projectID] = records
		} else {
			skipped = append(skipped, projectID)
		}
	}
	sort.Strings(skipped)
	s.log.Info("restricting to export projects", "kept", len(kept), "skipped", len(skipped))
	if len(skipped) > 0 {
		s.log.Info("skipped projects absent from export", "project_ids", strings.Join(skipped, ","))
	}
	return kept
}

// UpsertProject creates, renders and patches one destination record for a
// project. Creation and patch failures are returned; linking and export
// attachments are best-effort. The rendered entry blocks are returned for
// logging and testing.
func (s *Service) UpsertProject(ctx context.Context, projectID string, records []Record, category int) ([]string, error) {
	ctx, span := tracer.Start(ctx, "service:UpsertProject")
	defer span.End()
	span.SetAttributes(attribute.String("project_id", projectID))

	if len(records) == 0 {
		return nil, fmt.Errorf("project %s has no entries", projectID)
	}
	first := records[0]

	title, tags := collectTitleAndTags(records)
	expID, err := s.dest.CreateExperiment(ctx, title, tags)
	if err != nil {
		span.SetStatus(codes.Error, "create failed")
		return nil, fmt.Errorf("create record for project %s: %w", projectID, err)
	}
	span.SetAttributes(attribute.String("experiment_id", expID))

	blocks, footer := s.renderer.RenderProject(ctx, expID, records)
	body := strings.Join(blocks, "") + footer

	extraFields := s.lookups.ExtraFields(first)
	err = s.dest.PatchExperiment(ctx, expID, elabftw.PatchRequest{
		Body:        body,
		Category:    category,
		ExtraFields: extraFields,
		UserID:      s.lookups.UserID(first.OwnerName),
	})
	if err != nil {
		span.SetStatus(codes.Error, "patch failed")
		return blocks, fmt.Errorf("patch record %s for project %s: %w", expID, projectID, err)
	}

	if isa, ok := extraFields[FieldISAStudy]; ok && isa.Value != "" {
		err = s.dest.LinkResource(ctx, expID, isa.Value)
		if err != nil {
			s.log.Warn("failed to link resource",
				"project_id", projectID, "experiment_id", expID,
				"resource_id", isa.Value, "err", err)
		}
	}

	if s.exportRoot != "" {
		s.attachExportArtifacts(ctx, expID, first)
	}
	if s.exporter != nil {
		err = s.attachProjectPDF(ctx, expID, first)
		if err != nil {
			s.log.Warn("failed to attach project PDF",
				"project_id", projectID, "experiment_id", expID, "err", err)
		}
	}

	return blocks, nil
}

func collectTitleAndTags(records []Record) (string, []string) {
	title := records[0].ProjectTitle

	var tags []string
	seen := map[string]bool{}
	for _, record := range records {
		for _, tag := range record.Tags {
			if seen[tag] {
				continue
			}
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return title, tags
}

// attachExportArtifacts uploads a project's static snapshot out of the
// cached bundle: its index page and every spreadsheet below its folder.
// Everything here is best-effort.
func (s *Service) attachExportArtifacts(ctx context.Context, expID string, first Record) {
	folder, ok := s.exports.ProjectFolder(s.exportRoot, first.ProjectID)
	if !ok {
		s.log.Info("no export folder matched project", "project_id", first.ProjectID)
		return
	}
	s.log.Info("attaching export artifacts",
		"project_id", first.ProjectID, "folder", folder, "rendered_title", indexTitle(folder))

	index := filepath.Join(folder, "index.html")
	if _, err := os.Stat(index); err == nil {
		err = s.dest.UploadFile(ctx, expID, index)
		if err != nil {
			s.log.Warn("failed to attach export index", "path", index, "err", err)
		}
	}

	filepath.WalkDir(folder, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".xlsx") {
			return nil
		}
		err = s.dest.UploadFile(ctx, expID, path)
		if err != nil {
			s.log.Warn("failed to attach export spreadsheet", "path", path, "err", err)
		}
		return nil
	})
}

// attachProjectPDF uploads a PDF rendering of the whole project, reusing a
// cached file before asking the server for a fresh export.
func (s *Service) attachProjectPDF(ctx context.Context, expID string, first Record) error {
	pdfDir := s.opts.PDFCacheDir
	if pdfDir == "" {
		pdfDir = filepath.Join("exports", "pdf")
	}
	err := os.MkdirAll(pdfDir, 0o755)
	if err != nil {
		return err
	}

	cached, _ := filepath.Glob(filepath.Join(pdfDir, first.ProjectID+"_*.pdf"))
	if len(cached) > 0 {
		sort.Strings(cached)
		path := cached[len(cached)-1]
		err = s.dest.UploadFile(ctx, expID, path)
		if err == nil {
			s.log.Info("attached cached project PDF", "path", path)
			return nil
		}
		s.log.Warn("failed to attach cached PDF, re-exporting", "path", path, "err", err)
	}

	safeTitle := sanitizeFilename(first.ProjectTitle)
	if safeTitle == "" || safeTitle == "sheet" {
		safeTitle = "project_" + first.ProjectID
	}
	requested := first.ProjectID + "_" + safeTitle + ".pdf"

	// a finished server-side export for this project beats rendering a
	// fresh one
	if finished, err := s.exporter.ListPDFExports(ctx, "FINISHED"); err == nil {
		sort.SliceStable(finished, func(i, j int) bool {
			return finished[i].CreationDate > finished[j].CreationDate
		})
		for _, export := range finished {
			if !strings.HasPrefix(export.DownloadFilename, first.ProjectID+"_") {
				continue
			}
			path := filepath.Join(pdfDir, sanitizeFilename(export.DownloadFilename))
			err = s.exporter.DownloadPDFExport(ctx, export.ID, path)
			if err != nil {
				s.log.Warn("failed to download finished PDF export",
					"export_id", export.ID, "err", err)
				break
			}
			err = s.dest.UploadFile(ctx, expID, path)
			if err != nil {
				return err
			}
			s.log.Info("attached finished project PDF export", "path", path)
			return nil
		}
	}

	s.log.Info("creating project PDF export", "project_id", first.ProjectID)
	exportID, err := s.exporter.CreatePDFExport(ctx, []string{first.ProjectID}, requested)
	if err != nil {
		return err
	}
	err = s.exporter.WaitForPDFExport(ctx, exportID, s.opts.pollInterval(), s.opts.exportTimeout())
	if err != nil {
		if errors.Is(err, labfolder.ErrExportTimeout) {
			s.log.Info("PDF export unavailable, skipping attachment", "export_id", exportID)
			return nil
		}
		return err
	}

	dest := filepath.Join(pdfDir, requested)
	if info, err := s.exporter.GetPDFExport(ctx, exportID); err == nil && info.DownloadFilename != "" {
		dest = filepath.Join(pdfDir, sanitizeFilename(info.DownloadFilename))
	}
	err = s.exporter.DownloadPDFExport(ctx, exportID, dest)
	if err != nil {
		return err
	}

	err = s.dest.UploadFile(ctx, expID, dest)
	if err != nil {
		return err
	}
	s.log.Info("attached project PDF", "path", dest)
	return nil
}

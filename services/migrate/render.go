package migrate

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"labmigrate/lib/labfolder"

	"github.com/google/uuid"
)

// Renderer turns one project's ordered records into HTML entry blocks.
// FILE/IMAGE/TABLE/WELL_PLATE elements are uploaded as attachments the
// moment their content is in hand, so a later failure in the same entry
// cannot lose earlier uploads. A single element's failure is logged and
// rendered as a placeholder; it never aborts the entry or the project.
type Renderer struct {
	source  ElementSource
	dest    Destination
	log     *slog.Logger
	scratch string
}

func NewRenderer(source ElementSource, dest Destination, log *slog.Logger) *Renderer {
	if log == nil {
		log = slog.Default()
	}
	scratch := filepath.Join(os.TempDir(), "labmigrate-sheets-"+uuid.NewString()[:8])
	return &Renderer{
		source:  source,
		dest:    dest,
		log:     log,
		scratch: scratch,
	}
}

// RenderProject renders each record into one HTML block and returns the
// blocks plus the project footer. It never fails: element errors become
// placeholders inside the blocks.
func (r *Renderer) RenderProject(ctx context.Context, expID string, records []Record) ([]string, string) {
	blocks := make([]string, 0, len(records))
	for _, record := range records {
		blocks = append(blocks, r.entryHTML(ctx, expID, record))
	}
	footer := ""
	if len(records) > 0 {
		footer = footerHTML(records[0])
	}
	return blocks, footer
}

func (r *Renderer) entryHTML(ctx context.Context, expID string, record Record) string {
	header := fmt.Sprintf(
		"\n----Entry %d of %d----<br>"+
			"<strong>Entry: %s (labfolder id: %s)</strong><br>"+
			"<strong>Tags:</strong> %s<br>",
		record.EntryNumber, record.TotalEntries,
		html.EscapeString(record.EntryTitle), html.EscapeString(record.EntryID),
		formatTags(record.Tags),
	)

	var parts []string
	for _, element := range record.Elements {
		block, err := r.elementHTML(ctx, expID, element)
		if err != nil {
			r.log.Error("element processing failed",
				"project_id", record.ProjectID,
				"entry_id", record.EntryID,
				"element_id", element.ID,
				"kind", element.Type,
				"err", err,
			)
			block = failurePlaceholder(element, err)
		}
		parts = append(parts, block)
	}

	body := ""
	if len(parts) > 0 {
		body = strings.Join(parts, "\n") + "<br>"
	}
	created := fmt.Sprintf("Created: %s<br>", dateOnly(record.EntryCreated))
	return header + body + created + "<hr><hr>"
}

func (r *Renderer) elementHTML(ctx context.Context, expID string, element labfolder.Element) (string, error) {
	switch element.Type {
	case labfolder.KindText:
		text, err := r.source.FetchText(ctx, element.ID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("<pre>%s</pre>", html.EscapeString(text)), nil

	case labfolder.KindFile, labfolder.KindImage:
		fetch := r.source.FetchFile
		if element.Type == labfolder.KindImage {
			fetch = r.source.FetchImage
		}
		path, err := fetch(ctx, element.ID)
		if err != nil {
			return "", err
		}
		err = r.dest.UploadFile(ctx, expID, path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("<p>[Attached %s: %s]</p>", element.Type, html.EscapeString(filepath.Base(path))), nil

	case labfolder.KindData:
		data, err := r.source.FetchData(ctx, element.ID)
		if err != nil {
			return "", err
		}
		return dataTableHTML(data), nil

	case labfolder.KindTable, labfolder.KindWellPlate:
		return r.gridHTML(ctx, expID, element)

	default:
		r.log.Warn("skipping element of unsupported kind",
			"element_id", element.ID, "kind", element.Type)
		return fmt.Sprintf("<p>[Skipped element: %s]</p>", html.EscapeString(element.ID)), nil
	}
}

func (r *Renderer) gridHTML(ctx context.Context, expID string, element labfolder.Element) (string, error) {
	fetch := r.source.FetchTable
	if element.Type == labfolder.KindWellPlate {
		fetch = r.source.FetchWellPlate
	}
	doc, err := fetch(ctx, element.ID)
	if err != nil {
		return "", err
	}

	files, err := r.convertGrid(doc, element.Type)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		if element.Type == labfolder.KindWellPlate {
			return "<p>[No data to convert for WELL_PLATE]</p>", nil
		}
		return "<p>[Empty or invalid TABLE]</p>", nil
	}

	var parts []string
	for _, file := range files {
		err = r.dest.UploadFile(ctx, expID, file.Path)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf(
			"<p>[Attached %s sheet '%s': %s]</p>",
			element.Type, html.EscapeString(file.Sheet), html.EscapeString(filepath.Base(file.Path)),
		))
	}
	return strings.Join(parts, "\n"), nil
}

func failurePlaceholder(element labfolder.Element, err error) string {
	id := html.EscapeString(element.ID)
	switch element.Type {
	case labfolder.KindText:
		return fmt.Sprintf("<p>[Failed to fetch TEXT: %s]</p>", id)
	case labfolder.KindData:
		return fmt.Sprintf("<p>[Failed to fetch DATA: %s]</p>", id)
	case labfolder.KindFile, labfolder.KindImage:
		return fmt.Sprintf("<p>[Failed to attach %s: %s]</p>", element.Type, id)
	case labfolder.KindTable, labfolder.KindWellPlate:
		return fmt.Sprintf("<p>[Failed to convert/upload %s to Excel: %s]</p>", element.Type, id)
	default:
		return fmt.Sprintf("<p>[Skipped element: %s]</p>", id)
	}
}

func dataTableHTML(data []labfolder.DataElement) string {
	var rows strings.Builder
	for _, d := range data {
		fmt.Fprintf(&rows,
			"<tr><td>%s</td><td>%s</td><td>%s</td></tr>",
			html.EscapeString(d.Title),
			html.EscapeString(formatDataValue(d.Value)),
			html.EscapeString(d.Unit),
		)
	}
	return "<table><tr><th>Title</th><th>Value</th><th>Unit</th></tr>" + rows.String() + "</table>"
}

func formatDataValue(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func footerHTML(first Record) string {
	return `<div style="text-align: right; margin-top: 20px;">` +
		`<h5 style="margin:0 0 4px 0;">Labfolder Info</h5>` +
		fmt.Sprintf("Project created: %s<br>", html.EscapeString(first.ProjectCreated)) +
		fmt.Sprintf("Labfolder project id: %s<br>", html.EscapeString(first.ProjectID)) +
		fmt.Sprintf("Author: %s<br>", html.EscapeString(first.OwnerName)) +
		fmt.Sprintf("Last edited: %s<br>", html.EscapeString(first.LastEdited)) +
		"</div>"
}

func formatTags(tags []string) string {
	formatted := make([]string, len(tags))
	for i, tag := range tags {
		formatted[i] = "§" + html.EscapeString(tag)
	}
	return strings.Join(formatted, " ")
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
}

// dateOnly reduces an ISO-8601 timestamp to its date part.
func dateOnly(timestamp string) string {
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, timestamp)
		if err == nil {
			return t.Format(time.DateOnly)
		}
	}
	if idx := strings.IndexByte(timestamp, 'T'); idx > 0 {
		return timestamp[:idx]
	}
	return timestamp
}

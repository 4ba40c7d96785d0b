package labfolder

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"
)

// ErrExportTimeout is returned when an export does not finish within the
// polling window. Callers treat it as "export unavailable".
var ErrExportTimeout = errors.New("labfolder: timed out waiting for export")

var exportFailureStatuses = map[string]bool{
	"ERROR":          true,
	"REMOVED":        true,
	"ABORT_PARALLEL": true,
}

// CreatePDFExport asks the server to render the given projects to PDF and
// returns the id of the newest export job.
func (c *Client) CreatePDFExport(ctx context.Context, projectIDs []string, downloadFilename string) (string, error) {
	payload := map[string]any{
		"download_filename": downloadFilename,
		"settings": map[string]any{
			"preserve_entry_layout": true,
		},
		"content": map[string]any{
			"project_ids":  projectIDs,
			"entry_ids":    []string{},
			"template_ids": []string{},
			"group_ids":    []string{},
		},
		"include_hidden_items": false,
	}
	_, err := c.post(ctx, "/exports/pdf", payload)
	if err != nil {
		return "", err
	}
	return c.newestExport(ctx, "/exports/pdf")
}

// CreateXHTMLExport triggers a whole-account static HTML export and returns
// the id of the newest export job.
func (c *Client) CreateXHTMLExport(ctx context.Context) (string, error) {
	_, err := c.post(ctx, "/exports/xhtml", map[string]any{
		"include_hidden_items": false,
	})
	if err != nil {
		return "", err
	}
	return c.newestExport(ctx, "/exports/xhtml")
}

// the create endpoints do not return the job they started, so pick the most
// recently created one
func (c *Client) newestExport(ctx context.Context, path string) (string, error) {
	exports, err := c.listExports(ctx, path, "NEW,RUNNING,QUEUED,FINISHED")
	if err != nil {
		return "", err
	}
	if len(exports) == 0 {
		return "", fmt.Errorf("labfolder: export creation returned no export objects (%s)", path)
	}
	sort.SliceStable(exports, func(i, j int) bool {
		return exports[i].CreationDate > exports[j].CreationDate
	})
	return exports[0].ID, nil
}

func (c *Client) ListPDFExports(ctx context.Context, status string) ([]Export, error) {
	return c.listExports(ctx, "/exports/pdf", status)
}

func (c *Client) ListXHTMLExports(ctx context.Context, status string) ([]Export, error) {
	return c.listExports(ctx, "/exports/xhtml", status)
}

func (c *Client) listExports(ctx context.Context, path, status string) ([]Export, error) {
	const limit = 50
	var exports []Export
	offset := 0
	for {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(limit))
		query.Set("offset", strconv.Itoa(offset))
		if status != "" {
			query.Set("status", status)
		}

		var batch []Export
		err := c.getJSON(ctx, path, query, &batch)
		if err != nil {
			return nil, err
		}
		exports = append(exports, batch...)
		if len(batch) < limit {
			break
		}
		offset += limit
	}
	return exports, nil
}

func (c *Client) GetPDFExport(ctx context.Context, exportID string) (Export, error) {
	var out Export
	err := c.getJSON(ctx, "/exports/pdf/"+exportID, nil, &out)
	return out, err
}

func (c *Client) GetXHTMLExport(ctx context.Context, exportID string) (Export, error) {
	var out Export
	err := c.getJSON(ctx, "/exports/xhtml/"+exportID, nil, &out)
	return out, err
}

func (c *Client) WaitForPDFExport(ctx context.Context, exportID string, interval, timeout time.Duration) error {
	return c.waitForExport(ctx, exportID, interval, timeout, c.GetPDFExport)
}

func (c *Client) WaitForXHTMLExport(ctx context.Context, exportID string, interval, timeout time.Duration) error {
	return c.waitForExport(ctx, exportID, interval, timeout, c.GetXHTMLExport)
}

func (c *Client) waitForExport(
	ctx context.Context,
	exportID string,
	interval, timeout time.Duration,
	get func(context.Context, string) (Export, error),
) error {
	ctx, span := tracer.Start(ctx, "client:waitForExport")
	defer span.End()

	deadline := time.Now().Add(timeout)
	lastStatus := ""
	for time.Now().Before(deadline) {
		info, err := get(ctx, exportID)
		if err != nil {
			span.SetStatus(codes.Error, "poll failed")
			return err
		}

		if info.Status != lastStatus {
			c.log.Info("export status", "export_id", exportID, "status", info.Status)
			lastStatus = info.Status
		}

		if info.Status == "FINISHED" {
			return nil
		}
		if exportFailureStatuses[info.Status] {
			span.SetStatus(codes.Error, info.Status)
			return fmt.Errorf("labfolder: export %s failed with status %s", exportID, info.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	span.SetStatus(codes.Error, "timeout")
	return fmt.Errorf("%w: %s", ErrExportTimeout, exportID)
}

func (c *Client) DownloadPDFExport(ctx context.Context, exportID, dest string) error {
	res, err := c.get(ctx, "/exports/pdf/"+exportID+"/download", nil)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, res.Body(), 0o644)
}

// DownloadXHTMLExport downloads an export bundle and verifies it is actually
// a zip archive. A corrupt download is removed and reported.
func (c *Client) DownloadXHTMLExport(ctx context.Context, exportID, dest string) error {
	res, err := c.get(ctx, "/exports/xhtml/"+exportID+"/download", nil)
	if err != nil {
		return err
	}
	err = os.WriteFile(dest, res.Body(), 0o644)
	if err != nil {
		return err
	}
	if !IsZip(dest) {
		size := len(res.Body())
		os.Remove(dest)
		return fmt.Errorf(
			"labfolder: downloaded export %s is not a zip (content-type=%q, bytes=%d)",
			exportID, res.Header().Get("Content-Type"), size,
		)
	}
	return nil
}

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// IsZip reports whether the file starts with the zip magic bytes and has a
// readable central directory.
func IsZip(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	head := make([]byte, 4)
	_, err = f.Read(head)
	f.Close()
	if err != nil || !bytes.Equal(head, zipMagic) {
		return false
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	r.Close()
	return true
}

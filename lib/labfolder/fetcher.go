package labfolder

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type EntryListOptions struct {
	// Expand names sub-objects to inline, e.g. author, project, last_editor.
	Expand        []string
	Limit         int
	IncludeHidden bool
}

// FetchEntries pages through the entries endpoint until exhaustion.
func (c *Client) FetchEntries(ctx context.Context, opts EntryListOptions) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "client:FetchEntries")
	defer span.End()

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var entries []Entry
	offset := 0
	for {
		query := url.Values{}
		query.Set("limit", strconv.Itoa(limit))
		query.Set("offset", strconv.Itoa(offset))
		query.Set("include_hidden", strconv.FormatBool(opts.IncludeHidden))
		if len(opts.Expand) > 0 {
			query.Set("expand", strings.Join(opts.Expand, ","))
		}

		var batch []Entry
		err := c.getJSON(ctx, "/entries", query, &batch)
		if err != nil {
			span.SetStatus(codes.Error, "failed to fetch entry page")
			return nil, err
		}

		entries = append(entries, batch...)
		if len(batch) < limit {
			break
		}
		offset += limit
	}

	span.SetAttributes(attribute.Int("entries", len(entries)))
	return entries, nil
}

func (c *Client) FetchText(ctx context.Context, elementID string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	err := c.getJSON(ctx, "/elements/text/"+elementID, nil, &out)
	if err != nil {
		return "", err
	}
	return out.Content, nil
}

// FetchFile downloads a FILE element into the scratch dir and returns the
// local path. The filename comes from the Content-Disposition header when
// present.
func (c *Client) FetchFile(ctx context.Context, elementID string) (string, error) {
	res, err := c.get(ctx, "/elements/file/"+elementID+"/download", nil)
	if err != nil {
		return "", err
	}
	name := filenameFromDisposition(res.Header().Get("Content-Disposition"), "file.bin")
	return c.saveToScratch(name, res.Body())
}

func (c *Client) FetchImage(ctx context.Context, elementID string) (string, error) {
	res, err := c.get(ctx, "/elements/image/"+elementID+"/original-data", nil)
	if err != nil {
		return "", err
	}
	name := filenameFromDisposition(res.Header().Get("Content-Disposition"), "image")
	return c.saveToScratch(name, res.Body())
}

func (c *Client) FetchData(ctx context.Context, elementID string) ([]DataElement, error) {
	var out DataContent
	err := c.getJSON(ctx, "/elements/data/"+elementID, nil, &out)
	if err != nil {
		return nil, err
	}
	return out.DataElements, nil
}

func (c *Client) FetchTable(ctx context.Context, elementID string) (*GridDocument, error) {
	var out GridDocument
	err := c.getJSON(ctx, "/elements/table/"+elementID, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchWellPlate(ctx context.Context, elementID string) (*GridDocument, error) {
	var out GridDocument
	err := c.getJSON(ctx, "/elements/well-plate/"+elementID, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) saveToScratch(name string, body []byte) (string, error) {
	dest := filepath.Join(c.scratch, name)
	err := os.WriteFile(dest, body, 0o644)
	if err != nil {
		return "", fmt.Errorf("labfolder: write %s: %w", dest, err)
	}
	return dest, nil
}

func filenameFromDisposition(header, fallback string) string {
	if header == "" {
		return fallback
	}
	_, params, err := mime.ParseMediaType(header)
	if err == nil {
		if name := params["filename"]; name != "" {
			return filepath.Base(name)
		}
	}
	// some servers emit unquoted filenames that ParseMediaType rejects
	if idx := strings.Index(header, "filename="); idx >= 0 {
		name := strings.Trim(strings.TrimSpace(header[idx+len("filename="):]), `"`)
		if name != "" {
			return filepath.Base(name)
		}
	}
	return fallback
}

package elabftw

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type FieldKind int

const (
	// FieldText renders as a plain text extra field.
	FieldText FieldKind = iota
	// FieldItems links the field value to a resource item.
	FieldItems
)

type ExtraField struct {
	Value string
	Kind  FieldKind
}

type PatchRequest struct {
	Body        string
	Category    int
	ExtraFields map[string]ExtraField
	// UserID assigns the experiment when positive.
	UserID int
}

// CreateExperiment creates an empty experiment and returns its id. Some
// server versions return the id in the body, others only in the Location
// header.
func (c *Client) CreateExperiment(ctx context.Context, title string, tags []string) (string, error) {
	ctx, span := tracer.Start(ctx, "client:CreateExperiment")
	defer span.End()

	if tags == nil {
		tags = []string{}
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"title": title,
			"tags":  tags,
		}).
		Post("/experiments")
	if err != nil {
		span.SetStatus(codes.Error, "create request failed")
		return "", err
	}
	if res.IsError() {
		span.SetStatus(codes.Error, res.Status())
		return "", fmt.Errorf("elabftw: create experiment: %s", res.Status())
	}

	var body struct {
		ID json.Number `json:"id"`
	}
	expID := ""
	if json.Unmarshal(res.Body(), &body) == nil {
		expID = body.ID.String()
	}
	if !isDigits(expID) {
		location := res.Header().Get("Location")
		parts := strings.Split(strings.TrimRight(location, "/"), "/")
		expID = parts[len(parts)-1]
	}
	if !isDigits(expID) {
		span.SetStatus(codes.Error, "unparseable experiment id")
		return "", fmt.Errorf("elabftw: could not parse experiment id %q", expID)
	}

	span.SetAttributes(attribute.String("experiment_id", expID))
	return expID, nil
}

// PatchExperiment writes the final body, category and extra-field metadata.
// The current metadata is read first so a pre-existing elabftw block
// survives the patch.
func (c *Client) PatchExperiment(ctx context.Context, expID string, req PatchRequest) error {
	ctx, span := tracer.Start(ctx, "client:PatchExperiment")
	defer span.End()

	if !isDigits(expID) {
		return fmt.Errorf("elabftw: invalid experiment id %q", expID)
	}

	current, err := c.currentMetadata(ctx, expID)
	if err != nil {
		span.SetStatus(codes.Error, "failed to read current state")
		return err
	}

	metadata, err := mergeMetadata(current, req.ExtraFields)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"body":     req.Body,
		"category": req.Category,
		"metadata": metadata,
	}
	if req.UserID > 0 {
		payload["userid"] = req.UserID
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Patch("/experiments/" + expID)
	if err != nil {
		span.SetStatus(codes.Error, "patch request failed")
		return err
	}
	if res.IsError() {
		span.SetStatus(codes.Error, res.Status())
		return fmt.Errorf("elabftw: patch experiment %s: %s", expID, res.Status())
	}
	return nil
}

func (c *Client) currentMetadata(ctx context.Context, expID string) (map[string]any, error) {
	res, err := c.http.R().SetContext(ctx).Get("/experiments/" + expID)
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("elabftw: get experiment %s: %s", expID, res.Status())
	}

	var state struct {
		Metadata json.RawMessage `json:"metadata"`
	}
	err = json.Unmarshal(res.Body(), &state)
	if err != nil {
		return nil, fmt.Errorf("elabftw: decode experiment %s: %w", expID, err)
	}

	raw := state.Metadata
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	// metadata arrives either as a JSON object or as a string holding one
	if raw[0] == '"' {
		var inner string
		if json.Unmarshal(raw, &inner) != nil {
			return map[string]any{}, nil
		}
		raw = []byte(inner)
	}
	meta := map[string]any{}
	if json.Unmarshal(raw, &meta) != nil {
		return map[string]any{}, nil
	}
	return meta, nil
}

func mergeMetadata(current map[string]any, fields map[string]ExtraField) (string, error) {
	elabMeta, ok := current["elabftw"].(map[string]any)
	if !ok {
		elabMeta = map[string]any{
			"display_main_text":   true,
			"extra_fields_groups": []any{},
		}
	}

	payload := map[string]any{}
	for name, field := range fields {
		if field.Kind == FieldItems && field.Value == "" {
			continue
		}
		kind := "text"
		if field.Kind == FieldItems {
			kind = "items"
		}
		payload[name] = map[string]any{
			"type":        kind,
			"value":       field.Value,
			"group_id":    0,
			"description": "",
		}
	}

	if len(payload) > 0 {
		groups := map[int]bool{0: true}
		if existing, ok := elabMeta["extra_fields_groups"].([]any); ok {
			for _, g := range existing {
				if n, ok := g.(float64); ok {
					groups[int(n)] = true
				}
			}
		}
		sorted := make([]int, 0, len(groups))
		for g := range groups {
			sorted = append(sorted, g)
		}
		sort.Ints(sorted)
		elabMeta["extra_fields_groups"] = sorted
	}

	merged := map[string]any{"elabftw": elabMeta}
	if len(payload) > 0 {
		merged["extra_fields"] = payload
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("elabftw: marshal metadata: %w", err)
	}
	return string(out), nil
}

// UploadFile attaches a local file to an experiment. The content type is
// sniffed from the file itself, falling back to octet-stream.
func (c *Client) UploadFile(ctx context.Context, expID, path string) error {
	ctx, span := tracer.Start(ctx, "client:UploadFile")
	defer span.End()

	if !isDigits(expID) {
		return fmt.Errorf("elabftw: invalid experiment id %q", expID)
	}

	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectFile(path); err == nil {
		contentType = mtype.String()
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("elabftw: open upload %s: %w", path, err)
	}
	defer f.Close()

	res, err := c.http.R().
		SetContext(ctx).
		SetMultipartField("file", filepath.Base(path), contentType, f).
		Post("/experiments/" + expID + "/uploads")
	if err != nil {
		span.SetStatus(codes.Error, "upload request failed")
		return err
	}
	if res.IsError() {
		span.SetStatus(codes.Error, res.Status())
		return fmt.Errorf("elabftw: upload %s to experiment %s: %s", filepath.Base(path), expID, res.Status())
	}
	return nil
}

// LinkResource links an experiment to a resource item.
func (c *Client) LinkResource(ctx context.Context, expID, resourceID string) error {
	ctx, span := tracer.Start(ctx, "client:LinkResource")
	defer span.End()

	if !isDigits(expID) {
		return fmt.Errorf("elabftw: invalid experiment id %q", expID)
	}
	if !isDigits(resourceID) {
		return fmt.Errorf("elabftw: invalid resource id %q", resourceID)
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"action": "create"}).
		Post("/experiments/" + expID + "/items_links/" + resourceID)
	if err != nil {
		span.SetStatus(codes.Error, "link request failed")
		return err
	}
	if res.IsError() {
		span.SetStatus(codes.Error, res.Status())
		return fmt.Errorf("elabftw: link resource %s to experiment %s: %s", resourceID, expID, res.Status())
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

package labfolder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"labmigrate/lib/telemetry"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("lib/labfolder")

// ErrAuthExpired marks a 401 response. Request helpers re-login once and
// retry before letting it escape.
var ErrAuthExpired = errors.New("labfolder: session expired")

type ClientOptions struct {
	BaseURL  string
	Email    string
	Password string
	// ScratchDir receives downloaded element payloads. Defaults to a
	// run-scoped directory under the OS temp dir.
	ScratchDir string
}

type Client struct {
	http     *resty.Client
	email    string
	password string
	scratch  string
	log      *slog.Logger
}

func NewClient(opts ClientOptions, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	scratch := opts.ScratchDir
	if scratch == "" {
		scratch = filepath.Join(os.TempDir(), "labmigrate-"+uuid.NewString()[:8])
	}
	err := os.MkdirAll(scratch, 0o755)
	if err != nil {
		return nil, fmt.Errorf("labfolder: create scratch dir: %w", err)
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(opts.BaseURL, "/"))
	telemetry.InstrumentResty(client, "labfolder/http")

	return &Client{
		http:     client,
		email:    opts.Email,
		password: opts.Password,
		scratch:  scratch,
		log:      log,
	}, nil
}

func (c *Client) ScratchDir() string {
	return c.scratch
}

func (c *Client) Login(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:Login")
	defer span.End()

	res, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"user":     c.email,
			"password": c.password,
		}).
		Post("/auth/login")
	if err != nil {
		span.SetStatus(codes.Error, "login request failed")
		return err
	}
	if res.IsError() {
		span.SetStatus(codes.Error, res.Status())
		return fmt.Errorf("labfolder: login failed: %s", res.Status())
	}

	// decode the body directly so a mislabeled content type cannot
	// silently drop the token
	var out struct {
		Token string `json:"token"`
	}
	err = json.Unmarshal(res.Body(), &out)
	if err != nil {
		span.SetStatus(codes.Error, "undecodable login response")
		return fmt.Errorf("labfolder: decode login response: %w", err)
	}
	if out.Token == "" {
		span.SetStatus(codes.Error, "missing token")
		return errors.New("labfolder: login response missing token")
	}

	c.http.SetAuthToken(out.Token)
	return nil
}

// get performs a GET with a single transparent re-login on an expired
// session.
func (c *Client) get(ctx context.Context, path string, query url.Values) (*resty.Response, error) {
	res, err := c.doGet(ctx, path, query)
	if errors.Is(err, ErrAuthExpired) {
		c.log.Info("session expired, re-authenticating", "path", path)
		err = c.Login(ctx)
		if err != nil {
			return nil, err
		}
		res, err = c.doGet(ctx, path, query)
	}
	return res, err
}

func (c *Client) doGet(ctx context.Context, path string, query url.Values) (*resty.Response, error) {
	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	res, err := req.Get(path)
	if err != nil {
		return nil, err
	}
	return res, classify(res, "GET", path)
}

// post performs a POST with the same single re-login policy as get.
func (c *Client) post(ctx context.Context, path string, body any) (*resty.Response, error) {
	res, err := c.doPost(ctx, path, body)
	if errors.Is(err, ErrAuthExpired) {
		c.log.Info("session expired, re-authenticating", "path", path)
		err = c.Login(ctx)
		if err != nil {
			return nil, err
		}
		res, err = c.doPost(ctx, path, body)
	}
	return res, err
}

func (c *Client) doPost(ctx context.Context, path string, body any) (*resty.Response, error) {
	if body == nil {
		body = map[string]any{}
	}
	res, err := c.http.R().SetContext(ctx).SetBody(body).Post(path)
	if err != nil {
		return nil, err
	}
	return res, classify(res, "POST", path)
}

func classify(res *resty.Response, method, path string) error {
	if res.StatusCode() == 401 {
		return ErrAuthExpired
	}
	if res.IsError() {
		return fmt.Errorf("labfolder: %s %s: %s", method, path, res.Status())
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	res, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	err = json.Unmarshal(res.Body(), out)
	if err != nil {
		return fmt.Errorf("labfolder: decode %s: %w", path, err)
	}
	return nil
}

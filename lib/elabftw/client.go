package elabftw

import (
	"log/slog"
	"strings"

	"labmigrate/lib/telemetry"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("lib/elabftw")

type ClientOptions struct {
	BaseURL string
	APIKey  string
}

// Client wraps the eLabFTW experiments API: creating and patching
// experiments, uploading attachments and linking resources.
type Client struct {
	http *resty.Client
	log  *slog.Logger
}

func NewClient(opts ClientOptions, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(opts.BaseURL, "/"))
	client.SetHeader("Authorization", opts.APIKey)
	telemetry.InstrumentResty(client, "elabftw/http")

	return &Client{
		http: client,
		log:  log,
	}
}

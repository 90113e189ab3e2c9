// Package opensearch implements search.Engine on an OpenSearch cluster.
package opensearch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/telhawk-systems/casehawk/internal/config"
	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/search"
)

// Engine talks to OpenSearch through the official client.
type Engine struct {
	client *opensearch.Client
	config config.OpenSearchConfig
	logger *slog.Logger
}

var _ search.Engine = (*Engine)(nil)

// New connects to the cluster and verifies it answers.
func New(ctx context.Context, cfg config.OpenSearchConfig, logger *slog.Logger) (*Engine, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.TLSSkipVerify,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	e := &Engine{client: client, config: cfg, logger: logger}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", res.Status())
	}

	logger.Info("connected to opensearch", "url", cfg.URL)
	return e, nil
}

// Client exposes the underlying client for administrative commands.
func (e *Engine) Client() *opensearch.Client {
	return e.client
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.config.RequestTimeout)
}

// decode checks res and unmarshals its body into out, which may be nil.
// Error statuses are classified for the retry policy.
func decode(op string, res *opensearchapi.Response, err error, out any) error {
	if err != nil {
		return failure.FromTransport(op, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return failure.Transient(op, fmt.Errorf("read response: %w", err))
	}
	if res.IsError() {
		return failure.FromStatus(op, res.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func keepAliveParam(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%ds", secs)
}

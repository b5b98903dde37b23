// Package sbomstore is the HTTP client for the external SBOM store.
package sbomstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/ctron/bommer/internal/types"
)

// ErrNotFound signals that the store has no SBOM for the image. A stable
// negative result: the caller caches it instead of retrying.
var ErrNotFound = errors.New("no SBOM for image")

// TransientError wraps network failures, timeouts and 5xx responses.
// Eligible for retry with backoff.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient store failure: %v", e.Err)
	}
	return fmt.Sprintf("transient store failure: status %d", e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// InvalidError signals a malformed response from the store. Retried like a
// transient failure but counted separately.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid store response: %s", e.Reason)
}

// Options configures the store client.
type Options struct {
	// BaseURL of the SBOM store, e.g. "http://localhost:8081".
	BaseURL string

	// Timeout bounds each Fetch call, including in-call retries.
	Timeout time.Duration

	// RetryMax is the number of in-call retries for 5xx/connection errors.
	RetryMax int
}

// Client looks up SBOM documents by image reference.
type Client struct {
	base    *url.URL
	http    *retryablehttp.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient creates a store client. 5xx responses and connection errors are
// retried inside a single Fetch call; everything beyond that is backoff
// territory and belongs to the coordinator.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SBOM store URL %q: %w", opts.BaseURL, err)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = opts.RetryMax
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.Logger = nil
	// On exhausted retries, hand back the last response instead of an
	// error, so the status code reaches the classification switch.
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		base:    base,
		http:    hc,
		timeout: opts.Timeout,
		logger:  logger.Named("sbomstore"),
	}, nil
}

// Fetch looks up the SBOM for one image. Exactly one logical store call; the
// outcome is the document, ErrNotFound, a *TransientError or an
// *InvalidError.
func (c *Client) Fetch(ctx context.Context, image types.ImageRef) (*types.SBOM, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.base
	u.Path = "/api/v1/sbom"
	u.RawQuery = url.Values{"purl": []string{image.Purl()}}.Encode()

	start := time.Now()
	sbom, err := c.do(ctx, u.String())
	observeFetch(err, time.Since(start))

	if err != nil {
		c.logger.Debug("SBOM fetch failed",
			zap.String("image", image.Key()),
			zap.Error(err),
		)
		return nil, err
	}

	c.logger.Debug("SBOM fetched",
		zap.String("image", image.Key()),
		zap.Duration("took", time.Since(start)),
	)
	return sbom, nil
}

func (c *Client) do(ctx context.Context, rawURL string) (*types.SBOM, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, &TransientError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if len(body) == 0 {
		return nil, &InvalidError{Reason: "empty body"}
	}
	if !json.Valid(body) {
		return nil, &InvalidError{Reason: "body is not valid JSON"}
	}

	return &types.SBOM{Data: body}, nil
}

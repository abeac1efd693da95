package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/logflow/logrecon/internal/model"
	rerrors "github.com/logflow/logrecon/pkg/errors"
	"github.com/logflow/logrecon/pkg/telemetry"
)

// DefaultAddress is the in-cluster Elasticsearch service.
const DefaultAddress = "http://elasticsearch.monitoring.svc.cluster.local:9200"

// Client fetches one page of hits for a rendered query.
type Client interface {
	Search(ctx context.Context, query string) (model.Page, error)
}

// Options configures ElasticClient.
type Options struct {
	// BaseURL of the backend (scheme, host, port).
	BaseURL string

	// Index restricts the search to an index pattern. Empty searches all.
	Index string

	// Headers are added to every request.
	Headers map[string]string

	// Username and Password enable basic auth when Username is set.
	Username string
	Password string

	// Timeout per HTTP request.
	Timeout time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// Retry policy for transport failures and 429/5xx responses.
	MaxRetries      uint64
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration

	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		BaseURL:         DefaultAddress,
		Headers:         map[string]string{"kbn-xsrf": "reporting"},
		Timeout:         60 * time.Second,
		MaxRetries:      5,
		MaxElapsedTime:  2 * time.Minute,
		InitialInterval: 500 * time.Millisecond,
	}
}

// ElasticClient posts queries to <base>/[index/]_search.
type ElasticClient struct {
	opts   Options
	url    string
	http   *http.Client
	logger *slog.Logger
}

// NewElasticClient creates a search client.
func NewElasticClient(opts Options) (*ElasticClient, error) {
	if opts.BaseURL == "" {
		return nil, rerrors.InvalidConfig("search.url", opts.BaseURL)
	}
	if !strings.HasPrefix(opts.BaseURL, "http://") && !strings.HasPrefix(opts.BaseURL, "https://") {
		return nil, rerrors.InvalidConfig("search.url", opts.BaseURL)
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	url := strings.TrimRight(opts.BaseURL, "/") + "/"
	if idx := strings.Trim(opts.Index, "/"); idx != "" {
		url += idx + "/"
	}
	url += "_search"

	return &ElasticClient{
		opts:   opts,
		url:    url,
		http:   client,
		logger: logger.With("component", "search"),
	}, nil
}

// URL returns the search endpoint.
func (c *ElasticClient) URL() string {
	return c.url
}

// Search posts the query, retrying transient failures.
func (c *ElasticClient) Search(ctx context.Context, query string) (page model.Page, err error) {
	ctx, span := telemetry.StartSpan(ctx, "search.query",
		attribute.String("search.url", c.url),
		attribute.Int("search.query_bytes", len(query)),
	)
	defer func() {
		span.SetAttributes(attribute.Int("search.hits", page.Len()))
		telemetry.EndSpan(span, err)
	}()

	attempts := 0
	op := func() error {
		attempts++
		p, err := c.do(ctx, query)
		if err != nil {
			return err
		}
		page = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("search attempt failed, retrying",
			"attempt", attempts, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(c.policy(), ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.Page{}, rerrors.FromContext(ctxErr, "search")
		}
		return model.Page{}, err
	}
	return page, nil
}

func (c *ElasticClient) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.opts.InitialInterval > 0 {
		b.InitialInterval = c.opts.InitialInterval
	}
	b.MaxElapsedTime = c.opts.MaxElapsedTime
	return backoff.WithMaxRetries(b, c.opts.MaxRetries)
}

func (c *ElasticClient) do(ctx context.Context, query string) (model.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(query))
	if err != nil {
		return model.Page{}, backoff.Permanent(
			rerrors.Wrap(err, rerrors.CodeSearchFailed, "failed to create request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	if c.opts.Username != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Page{}, rerrors.Wrap(err, rerrors.CodeSearchFailed, "search request failed").
			WithContext("url", c.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := rerrors.BackendStatus(resp.StatusCode, strings.TrimSpace(string(body)))
		if retryableStatus(resp.StatusCode) {
			return model.Page{}, statusErr
		}
		return model.Page{}, backoff.Permanent(statusErr)
	}

	page, err := decodePage(resp.Body)
	if err != nil {
		return model.Page{}, backoff.Permanent(err)
	}
	return page, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

type searchResponse struct {
	Hits struct {
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

type searchHit struct {
	Sort   []int64 `json:"sort"`
	Fields struct {
		Message   []string `json:"message"`
		Timestamp []string `json:"@timestamp"`
	} `json:"fields"`
}

func decodePage(r io.Reader) (model.Page, error) {
	var resp searchResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		if errors.Is(err, io.EOF) {
			return model.Page{}, rerrors.New(rerrors.CodeDecodeFailed, "empty search response")
		}
		return model.Page{}, rerrors.Wrap(err, rerrors.CodeDecodeFailed, "failed to decode search response")
	}

	page := model.Page{Hits: make([]model.Hit, 0, len(resp.Hits.Hits))}
	for _, h := range resp.Hits.Hits {
		hit := model.Hit{Sort: h.Sort}
		if len(h.Fields.Message) > 0 {
			hit.Message = h.Fields.Message[0]
		}
		if len(h.Fields.Timestamp) > 0 {
			hit.Timestamp = h.Fields.Timestamp[0]
		}
		page.Hits = append(page.Hits, hit)
	}
	return page, nil
}

var _ Client = (*ElasticClient)(nil)

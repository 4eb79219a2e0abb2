// Package spapi is the typed wrapper around the marketplace SP-API. Every
// operation returns a lazy record stream that paginates by nextToken and
// archives each raw page before yielding its records.
//
// Failure semantics per call: 401 is retried once after a credential
// rotation; 429 penalizes the rate limiter and waits out the pause; 5xx is
// retried with full-jitter exponential backoff; any other 4xx is terminal.
package spapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/opside/recon/internal/archive"
	"github.com/opside/recon/internal/metrics"
	"github.com/opside/recon/internal/vault"
)

// regionHosts maps a marketplace region to its API host. Unknown regions
// default to na.
var regionHosts = map[string]string{
	"na": "sellingpartnerapi-na.amazon.com",
	"eu": "sellingpartnerapi-eu.amazon.com",
	"fe": "sellingpartnerapi-fe.amazon.com",
}

// ResolveHost returns the endpoint host for a region.
func ResolveHost(region string) string {
	if host, ok := regionHosts[region]; ok {
		return host
	}
	return regionHosts["na"]
}

// CredentialSource yields usable credentials and rotates them on 401.
// Satisfied by *vault.Vault.
type CredentialSource interface {
	Load(ctx context.Context, tenantID, provider string) (*vault.Credential, error)
	Rotate(ctx context.Context, tenantID, provider string) (*vault.Credential, error)
}

// Throttle is the slice of the rate limiter the client needs.
type Throttle interface {
	Acquire(ctx context.Context, provider, tenantID string) error
	Penalize(provider, tenantID string, retryAfter time.Duration)
}

// Config configures the client.
type Config struct {
	Region         string
	MarketplaceIDs []string
	RequestTimeout time.Duration
	ReportMaxWait  time.Duration
	MaxAttempts    uint
	BackoffBase    time.Duration
	BackoffCap     time.Duration

	// BaseURL overrides the region host when set (tests).
	BaseURL string
}

// Client is the typed SP-API client for one provider.
type Client struct {
	http     *http.Client
	creds    CredentialSource
	throttle Throttle
	archiver archive.Archiver
	metrics  *metrics.Metrics
	base     string
	cfg      Config
	logger   *log.Logger
}

// New creates a client. m is optional.
func New(creds CredentialSource, throttle Throttle, archiver archive.Archiver, m *metrics.Metrics, cfg Config) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ReportMaxWait == 0 {
		cfg.ReportMaxWait = 5 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://" + ResolveHost(cfg.Region)
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		creds:    creds,
		throttle: throttle,
		archiver: archiver,
		metrics:  m,
		base:     base,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[SPAPI] ", log.LstdFlags),
	}
}

// do executes one SP-API call with the full retry policy and returns the
// raw response body.
func (c *Client) do(ctx context.Context, tenantID, method, path string, query url.Values, body []byte) ([]byte, error) {
	var out []byte
	rotated := false

	attempt := func() error {
		if err := c.throttle.Acquire(ctx, vault.ProviderAmazon, tenantID); err != nil {
			return err
		}
		cred, err := c.creds.Load(ctx, tenantID, vault.ProviderAmazon)
		if err != nil {
			return err
		}

		u := c.base + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rdr)
		if err != nil {
			return &TransientError{Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		req.Header.Set("x-amz-access-token", cred.AccessToken)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransientError{Err: err}
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<20))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			out = raw
			return nil
		case resp.StatusCode == http.StatusUnauthorized:
			if !rotated {
				rotated = true
				if _, rerr := c.creds.Rotate(ctx, tenantID, vault.ProviderAmazon); rerr != nil {
					return rerr
				}
				return &TransientError{Status: 401, Err: errors.New("access token rejected, rotated")}
			}
			return &ClientError{Status: 401, Code: "Unauthorized", Body: string(raw)}
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			c.throttle.Penalize(vault.ProviderAmazon, tenantID, retryAfter)
			if c.metrics != nil {
				c.metrics.RateLimitWaits.WithLabelValues(vault.ProviderAmazon).Inc()
			}
			return &RateLimitError{RetryAfter: retryAfter}
		case resp.StatusCode >= 500:
			return &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("server error: %s", truncate(raw, 200))}
		default:
			return &ClientError{Status: resp.StatusCode, Code: errorCode(raw), Body: string(raw)}
		}
	}

	err := retry.Do(attempt,
		retry.Context(ctx),
		retry.Attempts(c.cfg.MaxAttempts),
		retry.RetryIf(retriable),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			// Full jitter: uniform over [0, min(cap, base·2^n)).
			d := c.cfg.BackoffBase << n
			if d <= 0 || d > c.cfg.BackoffCap {
				d = c.cfg.BackoffCap
			}
			return time.Duration(rand.Int63n(int64(d)))
		}),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// fetchPage runs one paginated call and archives the raw page.
func (c *Client) fetchPage(ctx context.Context, tenantID, dataset, path string, query url.Values) ([]byte, error) {
	raw, err := c.do(ctx, tenantID, http.MethodGet, path, query, nil)
	if err != nil {
		if c.metrics != nil {
			c.metrics.FetchesTotal.WithLabelValues(dataset, "error").Inc()
		}
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.FetchesTotal.WithLabelValues(dataset, "success").Inc()
		c.metrics.FetchPages.WithLabelValues(dataset).Inc()
	}

	if _, err := c.archiver.Store(ctx, tenantID, dataset, raw); err != nil {
		if c.metrics != nil {
			c.metrics.ArchiveWrites.WithLabelValues(dataset, "error").Inc()
		}
		return nil, fmt.Errorf("spapi: archive %s page: %w", dataset, err)
	}
	if c.metrics != nil {
		c.metrics.ArchiveWrites.WithLabelValues(dataset, "success").Inc()
	}
	return raw, nil
}

// Stream is a lazy, pull-based record iterator over paginated responses.
type Stream[T any] struct {
	fetch func(ctx context.Context, nextToken string) ([]T, string, error)
	buf   []T
	idx   int
	next  string
	done  bool
}

// Next yields the next record, fetching pages on demand. ok=false with a
// nil error means the stream is exhausted.
func (s *Stream[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	for {
		if s.idx < len(s.buf) {
			v := s.buf[s.idx]
			s.idx++
			return v, true, nil
		}
		if s.done {
			return zero, false, nil
		}
		items, next, err := s.fetch(ctx, s.next)
		if err != nil {
			return zero, false, err
		}
		s.buf, s.idx, s.next = items, 0, next
		if next == "" {
			s.done = true
		}
	}
}

// Collect drains a stream into a slice.
func Collect[T any](ctx context.Context, s *Stream[T]) ([]T, error) {
	var out []T
	for {
		v, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// emptyStream returns an exhausted stream.
func emptyStream[T any]() *Stream[T] {
	return &Stream[T]{done: true}
}

// FetchInventorySummaries streams FBA inventory summaries for the
// configured marketplaces.
func (c *Client) FetchInventorySummaries(tenantID string, marketplaceIDs []string) *Stream[InventorySummary] {
	if len(marketplaceIDs) == 0 {
		marketplaceIDs = c.cfg.MarketplaceIDs
	}
	return &Stream[InventorySummary]{fetch: func(ctx context.Context, nextToken string) ([]InventorySummary, string, error) {
		q := url.Values{
			"details":         {"true"},
			"granularityType": {"Marketplace"},
		}
		for _, id := range marketplaceIDs {
			q.Add("marketplaceIds", id)
		}
		if len(marketplaceIDs) > 0 {
			q.Set("granularityId", marketplaceIDs[0])
		}
		if nextToken != "" {
			q.Set("nextToken", nextToken)
		}
		raw, err := c.fetchPage(ctx, tenantID, "inventory_summaries", "/fba/inventory/v1/summaries", q)
		if err != nil {
			return nil, "", err
		}
		var page struct {
			Payload struct {
				InventorySummaries []InventorySummary `json:"inventorySummaries"`
			} `json:"payload"`
			Pagination struct {
				NextToken string `json:"nextToken"`
			} `json:"pagination"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, "", fmt.Errorf("spapi: decode inventory page: %w", err)
		}
		return page.Payload.InventorySummaries, page.Pagination.NextToken, nil
	}}
}

// FetchOrders streams orders updated after since.
func (c *Client) FetchOrders(tenantID string, marketplaceIDs []string, since time.Time) *Stream[Order] {
	if len(marketplaceIDs) == 0 {
		marketplaceIDs = c.cfg.MarketplaceIDs
	}
	return &Stream[Order]{fetch: func(ctx context.Context, nextToken string) ([]Order, string, error) {
		q := url.Values{}
		for _, id := range marketplaceIDs {
			q.Add("MarketplaceIds", id)
		}
		q.Set("LastUpdatedAfter", since.UTC().Format(time.RFC3339))
		if nextToken != "" {
			q.Set("NextToken", nextToken)
		}
		raw, err := c.fetchPage(ctx, tenantID, "orders", "/orders/v0/orders", q)
		if err != nil {
			return nil, "", err
		}
		var page struct {
			Payload struct {
				Orders    []Order `json:"Orders"`
				NextToken string  `json:"NextToken"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, "", fmt.Errorf("spapi: decode orders page: %w", err)
		}
		return page.Payload.Orders, page.Payload.NextToken, nil
	}}
}

// FetchFinancialEvents streams financial events in [since, until).
// Best-effort: a 4xx yields an empty stream, never an error.
func (c *Client) FetchFinancialEvents(tenantID string, since, until time.Time) *Stream[FinancialEvent] {
	return &Stream[FinancialEvent]{fetch: func(ctx context.Context, nextToken string) ([]FinancialEvent, string, error) {
		q := url.Values{
			"PostedAfter":  {since.UTC().Format(time.RFC3339)},
			"PostedBefore": {until.UTC().Format(time.RFC3339)},
		}
		if nextToken != "" {
			q.Set("NextToken", nextToken)
		}
		raw, err := c.fetchPage(ctx, tenantID, "financial_events", "/finances/v0/financialEvents", q)
		if err != nil {
			var ce *ClientError
			if errors.As(err, &ce) {
				c.logger.Printf("financial events unavailable for tenant %s (%d), continuing without", tenantID, ce.Status)
				return nil, "", nil
			}
			return nil, "", err
		}
		var page struct {
			Payload struct {
				FinancialEvents struct {
					ServiceFeeEventList []struct {
						AmazonOrderID string `json:"AmazonOrderId"`
						FeeList       []struct {
							FeeType   string `json:"FeeType"`
							FeeAmount struct {
								CurrencyAmount float64 `json:"CurrencyAmount"`
								CurrencyCode   string  `json:"CurrencyCode"`
							} `json:"FeeAmount"`
						} `json:"FeeList"`
					} `json:"ServiceFeeEventList"`
					RefundEventList []struct {
						AmazonOrderID string    `json:"AmazonOrderId"`
						PostedDate    time.Time `json:"PostedDate"`
					} `json:"RefundEventList"`
				} `json:"FinancialEvents"`
				NextToken string `json:"NextToken"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, "", fmt.Errorf("spapi: decode financial events page: %w", err)
		}
		var events []FinancialEvent
		for _, fe := range page.Payload.FinancialEvents.ServiceFeeEventList {
			for _, fee := range fe.FeeList {
				events = append(events, FinancialEvent{
					EventType:   "service_fee",
					OrderID:     fe.AmazonOrderID,
					Amount:      fee.FeeAmount.CurrencyAmount,
					Currency:    fee.FeeAmount.CurrencyCode,
					Description: fee.FeeType,
				})
			}
		}
		for _, re := range page.Payload.FinancialEvents.RefundEventList {
			events = append(events, FinancialEvent{
				EventType:  "refund",
				OrderID:    re.AmazonOrderID,
				PostedDate: re.PostedDate,
			})
		}
		return events, page.Payload.NextToken, nil
	}}
}

// FetchReturns streams customer returns in [since, until).
func (c *Client) FetchReturns(tenantID string, since, until time.Time) *Stream[ReturnRecord] {
	return &Stream[ReturnRecord]{fetch: func(ctx context.Context, nextToken string) ([]ReturnRecord, string, error) {
		q := url.Values{
			"createdAfter":  {since.UTC().Format(time.RFC3339)},
			"createdBefore": {until.UTC().Format(time.RFC3339)},
		}
		if nextToken != "" {
			q.Set("nextToken", nextToken)
		}
		raw, err := c.fetchPage(ctx, tenantID, "returns", "/fba/returns/v1/returns", q)
		if err != nil {
			return nil, "", err
		}
		var page struct {
			Payload struct {
				Returns   []ReturnRecord `json:"returns"`
				NextToken string         `json:"nextToken"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, "", fmt.Errorf("spapi: decode returns page: %w", err)
		}
		return page.Payload.Returns, page.Payload.NextToken, nil
	}}
}

// FetchShipments streams shipments updated in [since, until).
func (c *Client) FetchShipments(tenantID string, since, until time.Time) *Stream[Shipment] {
	return &Stream[Shipment]{fetch: func(ctx context.Context, nextToken string) ([]Shipment, string, error) {
		q := url.Values{
			"LastUpdatedAfter":  {since.UTC().Format(time.RFC3339)},
			"LastUpdatedBefore": {until.UTC().Format(time.RFC3339)},
		}
		if nextToken != "" {
			q.Set("NextToken", nextToken)
		}
		raw, err := c.fetchPage(ctx, tenantID, "shipments", "/fba/inbound/v0/shipments", q)
		if err != nil {
			return nil, "", err
		}
		var page struct {
			Payload struct {
				ShipmentData []Shipment `json:"ShipmentData"`
				NextToken    string     `json:"NextToken"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, "", fmt.Errorf("spapi: decode shipments page: %w", err)
		}
		return page.Payload.ShipmentData, page.Payload.NextToken, nil
	}}
}

// FetchSettlements streams settlement rows posted in [since, until).
func (c *Client) FetchSettlements(tenantID string, since, until time.Time) *Stream[Settlement] {
	return &Stream[Settlement]{fetch: func(ctx context.Context, nextToken string) ([]Settlement, string, error) {
		q := url.Values{
			"FinancialEventGroupStartedAfter":  {since.UTC().Format(time.RFC3339)},
			"FinancialEventGroupStartedBefore": {until.UTC().Format(time.RFC3339)},
		}
		if nextToken != "" {
			q.Set("NextToken", nextToken)
		}
		raw, err := c.fetchPage(ctx, tenantID, "settlements", "/finances/v0/financialEventGroups", q)
		if err != nil {
			return nil, "", err
		}
		var page struct {
			Payload struct {
				Settlements []Settlement `json:"FinancialEventGroupList"`
				NextToken   string       `json:"NextToken"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, "", fmt.Errorf("spapi: decode settlements page: %w", err)
		}
		return page.Payload.Settlements, page.Payload.NextToken, nil
	}}
}

// FetchRemovals streams removal orders updated in [since, until).
func (c *Client) FetchRemovals(tenantID string, since, until time.Time) *Stream[Removal] {
	return &Stream[Removal]{fetch: func(ctx context.Context, nextToken string) ([]Removal, string, error) {
		q := url.Values{
			"lastUpdatedAfter":  {since.UTC().Format(time.RFC3339)},
			"lastUpdatedBefore": {until.UTC().Format(time.RFC3339)},
		}
		if nextToken != "" {
			q.Set("nextToken", nextToken)
		}
		raw, err := c.fetchPage(ctx, tenantID, "removals", "/fba/removals/v1/orders", q)
		if err != nil {
			return nil, "", err
		}
		var page struct {
			Payload struct {
				Removals  []Removal `json:"removalOrders"`
				NextToken string    `json:"nextToken"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, "", fmt.Errorf("spapi: decode removals page: %w", err)
		}
		return page.Payload.Removals, page.Payload.NextToken, nil
	}}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Second
}

func errorCode(body []byte) string {
	var e struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &e) == nil && len(e.Errors) > 0 {
		return e.Errors[0].Code
	}
	return "unknown"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

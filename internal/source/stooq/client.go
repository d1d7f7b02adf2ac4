package stooq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wonny/stocketl/internal/contracts"
	"github.com/wonny/stocketl/internal/source"
	"github.com/wonny/stocketl/pkg/config"
	"github.com/wonny/stocketl/pkg/httputil"
	"github.com/wonny/stocketl/pkg/logger"
)

// SourceName is written to data_source for every bar from this provider
const SourceName = "stooq"

// Client fetches daily bars from Stooq's CSV download endpoint
// ⭐ SSOT: Stooq 호출은 이 클라이언트에서만
type Client struct {
	httpClient *httputil.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker
	archiveDir string
	logger     *logger.Logger
	now        func() time.Time
}

// NewClient creates a new Stooq client
func NewClient(httpClient *httputil.Client, cfg config.SourceConfig, log *logger.Logger) *Client {
	c := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		archiveDir: cfg.ArchiveDir,
		logger:     log.WithField("module", "stooq"),
		now:        time.Now,
	}
	if c.baseURL == "" {
		c.baseURL = "https://stooq.com"
	}

	failures := uint32(5)
	if cfg.BreakerFailures > 0 {
		failures = uint32(cfg.BreakerFailures)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "stooq",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// only provider trouble opens the breaker, a missing symbol does not
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	return c
}

// Name implements source.Gateway
func (c *Client) Name() string { return SourceName }

// Fetch implements source.Gateway
func (c *Client) Fetch(ctx context.Context, req source.Request) (*source.Result, error) {
	symbol := req.Instrument.Symbol

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.download(ctx, req)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, c.classify(symbol, err)
	}

	payload := out.([]byte)
	c.archive(req.Instrument, payload)

	parsed, err := ParseCSV(symbol, payload, SourceName)
	if err != nil {
		return nil, c.classify(symbol, err)
	}

	all := len(parsed.Bars)
	parsed.Bars = source.Trim(parsed.Bars, req)
	parsed.Rejected = source.TrimRejected(parsed.Rejected, req, parsed.Bars)
	if len(parsed.Bars) == 0 && all > 0 {
		return nil, &source.ExtractionError{Symbol: symbol, Attempts: 1, Err: fmt.Errorf("%w in requested range", source.ErrNoData)}
	}

	first, last := parsed.Span()
	c.logger.WithFields(map[string]interface{}{
		"symbol":   symbol,
		"bars":     len(parsed.Bars),
		"rejected": len(parsed.Rejected),
		"from":     first.String(),
		"to":       last.String(),
	}).Debug("Fetched bars")

	return parsed, nil
}

// download performs the HTTP round trip and returns the raw body
func (c *Client) download(ctx context.Context, req source.Request) ([]byte, error) {
	resp, err := c.httpClient.Get(ctx, c.csvURL(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, source.ErrNoData
	case resp.StatusCode != http.StatusOK:
		return nil, &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func (c *Client) csvURL(req source.Request) string {
	params := url.Values{}
	params.Set("s", providerSymbol(req.Instrument))
	params.Set("i", "d")
	if !req.From.IsZero() {
		params.Set("d1", compactDate(req.From))
	}
	if !req.To.IsZero() {
		params.Set("d2", compactDate(req.To))
	}
	return fmt.Sprintf("%s/q/d/l/?%s", c.baseURL, params.Encode())
}

// classify converts any fetch failure into an ExtractionError
func (c *Client) classify(symbol string, err error) error {
	attempts := c.httpClient.MaxAttempts()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		attempts = 0
	}
	var re *httputil.RetryExhaustedError
	if errors.As(err, &re) {
		attempts = re.Attempts
	}
	return &source.ExtractionError{
		Symbol:    symbol,
		Attempts:  attempts,
		Transient: isTransient(err),
		Err:       err,
	}
}

// archive keeps the raw payload for later inspection. Failures only log.
func (c *Client) archive(ref contracts.InstrumentRef, payload []byte) {
	if c.archiveDir == "" {
		return
	}
	dir := filepath.Join(c.archiveDir, strings.ToLower(ref.Exchange), string(ref.Type))
	name := fmt.Sprintf("%s_%s.csv", ref.Symbol, c.now().UTC().Format("20060102T150405"))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.WithError(err).Warn("Failed to create archive directory")
		return
	}
	if err := os.WriteFile(filepath.Join(dir, name), payload, 0o644); err != nil {
		c.logger.WithError(err).WithField("symbol", ref.Symbol).Warn("Failed to archive payload")
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.code)
}

// isTransient separates provider/network trouble from answers that will not
// change on retry
func isTransient(err error) bool {
	switch {
	case errors.Is(err, source.ErrNoData), errors.Is(err, source.ErrFormat):
		return false
	case errors.Is(err, errDailyLimit):
		return true
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return httputil.IsRetryableError(se.code)
	}
	// transport errors and exhausted retries
	return true
}

// providerSymbol is the lower-case ticker Stooq expects
func providerSymbol(ref contracts.InstrumentRef) string {
	return strings.ToLower(ref.Symbol)
}

func compactDate(d contracts.TradingDate) string {
	return fmt.Sprintf("%04d%02d%02d", d.Year(), int(d.Month()), d.Day())
}

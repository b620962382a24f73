package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-scrape-elections/config"
	"github.com/gocolly/colly/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Fetcher retrieves raw page content through a colly collector. Successful
// bodies are cached for the lifetime of the Fetcher, so a page is downloaded
// at most once per run.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	transport *contextTransport
	cache     *lru.Cache[string, []byte]
	Metrics   *Metrics

	requestCount int64
	retryCount   int64
	errorCount   int64

	mu           sync.Mutex
	errorsByType map[string]int
}

// FetchStats is a snapshot of the Fetcher's counters.
type FetchStats struct {
	Requests     int
	Retries      int
	Errors       int
	ErrorsByType map[string]int
}

// NewFetcher builds a fetcher configured from cfg.
func NewFetcher(cfg *config.Config) (*Fetcher, error) {
	parsed, err := url.Parse(cfg.IndexURL)
	if err != nil {
		return nil, fmt.Errorf("parse index url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("index url must include a host")
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.AllowURLRevisit(),
		colly.UserAgent(cfg.UserAgent),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	transport := newContextTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	collector.WithTransport(transport)

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	cache, err := lru.New[string, []byte](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create page cache: %w", err)
	}

	return &Fetcher{
		cfg:          cfg,
		collector:    collector,
		transport:    transport,
		cache:        cache,
		Metrics:      NewMetrics(),
		errorsByType: make(map[string]int),
	}, nil
}

// WithTransport replaces the HTTP transport used for every request. Requests
// still honour the context passed to Fetch.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.transport.setNext(rt)
}

// Fetch returns the body of rawURL. Anything other than HTTP 200 after all
// retries is reported as a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if body, ok := f.cache.Get(rawURL); ok {
		f.Metrics.IncCacheHit()
		return body, nil
	}

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&f.retryCount, 1)
			f.Metrics.IncRetries()
			if err := sleepContext(ctx, f.backoff(attempt)); err != nil {
				return nil, &FetchError{URL: rawURL, Kind: classify(err, 0), Err: err}
			}
			slog.Debug("retrying fetch",
				slog.String("url", rawURL),
				slog.Int("attempt", attempt),
				slog.Any("previous_error", lastErr),
			)
		}
		if err := ctx.Err(); err != nil {
			return nil, &FetchError{URL: rawURL, Kind: classify(err, 0), Err: err}
		}

		body, err := f.fetchOnce(ctx, rawURL)
		if err == nil {
			f.cache.Add(rawURL, body)
			return body, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

// Stats returns a snapshot of request, retry and error counters.
func (f *Fetcher) Stats() FetchStats {
	f.mu.Lock()
	byType := make(map[string]int, len(f.errorsByType))
	for k, v := range f.errorsByType {
		byType[k] = v
	}
	f.mu.Unlock()

	return FetchStats{
		Requests:     int(atomic.LoadInt64(&f.requestCount)),
		Retries:      int(atomic.LoadInt64(&f.retryCount)),
		Errors:       int(atomic.LoadInt64(&f.errorCount)),
		ErrorsByType: byType,
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL string) ([]byte, error) {
	id, release := f.transport.bind(ctx)
	defer release()

	c := f.collector.Clone()
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set(fetchHeader, id)
	})

	var (
		body   []byte
		status int
	)
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = r.Body
	})
	c.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	atomic.AddInt64(&f.requestCount, 1)
	f.Metrics.IncRequest("started")
	start := time.Now()
	err := c.Visit(rawURL)
	f.Metrics.ObserveDuration(time.Since(start))

	if err == nil && status != http.StatusOK {
		err = fmt.Errorf("http status %d", status)
	}
	if err == nil {
		f.Metrics.IncRequest("succeeded")
		return body, nil
	}

	fetchErr := &FetchError{URL: rawURL, StatusCode: status, Kind: classify(err, status), Err: err}
	atomic.AddInt64(&f.errorCount, 1)
	f.mu.Lock()
	f.errorsByType[string(fetchErr.Kind)]++
	f.mu.Unlock()
	f.Metrics.IncError(string(fetchErr.Kind))

	slog.Warn("request error",
		slog.String("url", rawURL),
		slog.Int("status", status),
		slog.String("category", string(fetchErr.Kind)),
		slog.Any("error", err),
	)
	return nil, fetchErr
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := f.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := f.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func retryable(err error) bool {
	if errors.Is(err, colly.ErrForbiddenDomain) || errors.Is(err, colly.ErrMissingURL) {
		return false
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Retryable()
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

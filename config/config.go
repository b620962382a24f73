package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// DefaultIndexURL is the top-level districts page of the 2017 parliamentary election.
const DefaultIndexURL = "https://www.volby.cz/pls/ps2017nss/ps3?xjazyk=CZ"

// Failure policies for municipality result pages that cannot be fetched.
const (
	FailureSkip  = "skip"
	FailureAbort = "abort"
)

var outputFormats = map[string]bool{"csv": true, "json": true, "dual": true}

// Config holds scraper configuration.
type Config struct {
	// IndexURL is the page listing every district.
	IndexURL string
	// Parallelism bounds concurrent municipality fetches; 1 keeps the run sequential.
	Parallelism int

	Delay           time.Duration
	RandomDelay     time.Duration
	Timeout         time.Duration // per request
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	CacheSize       int // pages kept for the run

	OutputFile    string
	OutputFormat  string // csv, json, or dual
	NoDataMarker  string
	FailurePolicy string // skip or abort

	UserAgent        string
	Verbose          bool
	RespectRobotsTxt bool
	MetricsAddr      string
}

// DefaultConfig returns polite defaults for the public results site.
func DefaultConfig() *Config {
	return &Config{
		IndexURL:        DefaultIndexURL,
		Parallelism:     1,
		Timeout:         15 * time.Second,
		MaxRetries:      2,
		RetryBackoff:    200 * time.Millisecond,
		RetryBackoffMax: 2 * time.Second,
		CacheSize:       1024,
		OutputFile:      "vysledky.csv",
		OutputFormat:    "csv",
		NoDataMarker:    "-",
		FailurePolicy:   FailureSkip,
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
	}
}

// Validate reports every incoherent setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if c.IndexURL == "" {
		errs = append(errs, errors.New("index URL cannot be empty"))
	} else if u, err := url.Parse(c.IndexURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid index URL: %w", err))
	} else {
		check(u.Host != "", "index URL must include a host")
	}

	check(c.Parallelism > 0, "parallelism must be positive, got %d", c.Parallelism)
	check(c.Delay >= 0, "delay cannot be negative")
	check(c.RandomDelay >= 0, "random delay cannot be negative")
	check(c.Timeout > 0, "timeout must be positive, got %s", c.Timeout)
	check(c.MaxRetries >= 0, "max retries cannot be negative")
	check(c.RetryBackoff >= 0, "retry backoff cannot be negative")
	check(c.RetryBackoffMax >= 0, "retry backoff max cannot be negative")
	check(c.RetryBackoffMax == 0 || c.RetryBackoff <= c.RetryBackoffMax,
		"retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	check(c.CacheSize > 0, "cache size must be positive")
	check(c.OutputFile != "", "output file cannot be empty")
	check(outputFormats[c.OutputFormat], "output format must be csv, json, or dual, got %q", c.OutputFormat)
	check(c.NoDataMarker != "", "no-data marker cannot be empty")
	check(c.FailurePolicy == FailureSkip || c.FailurePolicy == FailureAbort,
		"failure policy must be %s or %s, got %q", FailureSkip, FailureAbort, c.FailurePolicy)
	check(c.UserAgent != "", "user agent cannot be empty")

	return errors.Join(errs...)
}

// Package pipeline turns a district reference into a flattened result table.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-elections/config"
	"github.com/aluiziolira/go-scrape-elections/models"
	"github.com/aluiziolira/go-scrape-elections/parser"
	"github.com/aluiziolira/go-scrape-elections/scraper"
	"golang.org/x/sync/errgroup"
)

// Fetcher returns the raw content behind a locator.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// State is a stage of a district run.
type State int

const (
	// StateIdle is the state before a run starts.
	StateIdle State = iota
	// StateEnumerating covers fetching and parsing the district page.
	StateEnumerating
	// StateExtracting covers the per-municipality result pages.
	StateExtracting
	// StateAssembling builds the table from the extracted pages.
	StateAssembling
	// StateDone means the table was produced.
	StateDone
	// StateRejected means the district is not in the index.
	StateRejected
	// StateFailed means a fetch or an aborting municipality failure ended the run.
	StateFailed
)

// String returns the lower-case state name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnumerating:
		return "enumerating"
	case StateExtracting:
		return "extracting"
	case StateAssembling:
		return "assembling"
	case StateDone:
		return "done"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Aggregator drives one district run: index check, municipality enumeration,
// per-municipality extraction and table assembly.
type Aggregator struct {
	fetcher Fetcher
	cfg     *config.Config
	metrics *scraper.Metrics

	mu      sync.Mutex // guards state, index, summary
	state   State
	index   []models.DistrictReference
	summary models.RunSummary

	counters *counters

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewAggregator builds an aggregator. metrics may be nil.
func NewAggregator(fetcher Fetcher, cfg *config.Config, metrics *scraper.Metrics) *Aggregator {
	return &Aggregator{
		fetcher:  fetcher,
		cfg:      cfg,
		metrics:  metrics,
		counters: newCounters(),
		shutdown: make(chan struct{}),
	}
}

// State returns the current stage.
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Districts loads the district index once and returns it.
func (a *Aggregator) Districts(ctx context.Context) ([]models.DistrictReference, error) {
	a.mu.Lock()
	if a.index != nil {
		index := a.index
		a.mu.Unlock()
		return index, nil
	}
	a.mu.Unlock()

	body, err := a.fetcher.Fetch(ctx, a.cfg.IndexURL)
	if err != nil {
		return nil, fmt.Errorf("fetch district index: %w", err)
	}
	index, err := parser.ExtractDistricts(body, a.cfg.IndexURL)
	if err != nil {
		return nil, fmt.Errorf("extract district index: %w", err)
	}
	if index == nil {
		index = []models.DistrictReference{}
	}

	a.mu.Lock()
	a.index = index
	a.mu.Unlock()
	return index, nil
}

// Run builds the result table for district. A district missing from the
// index is rejected with ErrInvalidDistrict before any other request. Index
// and district page failures abort the run; municipality failures follow
// the configured failure policy.
func (a *Aggregator) Run(ctx context.Context, district string) (*models.ResultTable, error) {
	a.beginSummary(district)
	defer a.endSummary()

	index, err := a.Districts(ctx)
	if err != nil {
		a.setState(StateFailed)
		return nil, err
	}
	if !ContainsDistrict(index, district) {
		a.setState(StateRejected)
		return nil, fmt.Errorf("%w: %s", ErrInvalidDistrict, district)
	}

	a.setState(StateEnumerating)
	body, err := a.fetcher.Fetch(ctx, district)
	if err != nil {
		a.setState(StateFailed)
		return nil, fmt.Errorf("fetch district page: %w", err)
	}
	municipalities, err := parser.ExtractMunicipalities(body, district)
	if err != nil {
		a.setState(StateFailed)
		return nil, fmt.Errorf("enumerate municipalities: %w", err)
	}
	municipalities = uniqueMunicipalities(municipalities)
	slog.Info("municipalities enumerated",
		slog.String("district", district),
		slog.Int("count", len(municipalities)),
	)

	a.setState(StateExtracting)
	results, err := a.extract(ctx, municipalities)
	if err != nil {
		a.setState(StateFailed)
		return nil, err
	}

	a.setState(StateAssembling)
	table := Assemble(results, a.cfg.NoDataMarker)

	a.mu.Lock()
	a.summary.Municipalities = len(table.Rows)
	a.summary.Parties = len(table.Parties)
	a.mu.Unlock()

	a.setState(StateDone)
	return table, nil
}

// Summary returns the bookkeeping of the last run.
func (a *Aggregator) Summary() models.RunSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.summary
	out.FailedURLs = append([]string(nil), a.summary.FailedURLs...)
	return out
}

// GetMetrics returns a snapshot of the internal counters.
func (a *Aggregator) GetMetrics() map[string]interface{} {
	return a.counters.snapshot()
}

// StartMetricsReporting emits periodic progress logs until Close.
func (a *Aggregator) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := a.GetMetrics()
				slog.Info("extraction progress",
					slog.String("state", a.State().String()),
					slog.Int64("processed", metrics["processed_municipalities"].(int64)),
					slog.Int64("failed", metrics["failed_municipalities"].(int64)),
				)
			case <-a.shutdown:
				return
			}
		}
	}()
}

// Close stops progress reporting.
func (a *Aggregator) Close() {
	a.shutdownOnce.Do(func() {
		close(a.shutdown)
	})
}

func (a *Aggregator) extract(ctx context.Context, municipalities []models.Municipality) ([]models.MunicipalityResult, error) {
	results := make([]models.MunicipalityResult, len(municipalities))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Parallelism)
	for i, m := range municipalities {
		g.Go(func() error {
			page, err := a.extractOne(gctx, m)
			results[i] = models.MunicipalityResult{Municipality: m, Page: page, Err: err}
			if err == nil {
				a.counters.incrementProcessed()
				a.metrics.IncMunicipality("ok")
				return nil
			}

			a.counters.addFailure(scraper.ErrorType(err))
			a.metrics.IncMunicipality("failed")
			a.recordFailure(m.ResultURL)
			if a.cfg.FailurePolicy == config.FailureAbort || gctx.Err() != nil {
				return fmt.Errorf("municipality %s (%s): %w", m.Code, m.Name, err)
			}
			slog.Warn("skipping municipality",
				slog.String("municipality", m.Code),
				slog.String("name", m.Name),
				slog.String("url", m.ResultURL),
				slog.Any("error", err),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (a *Aggregator) extractOne(ctx context.Context, m models.Municipality) (models.ResultPage, error) {
	body, err := a.fetcher.Fetch(ctx, m.ResultURL)
	if err != nil {
		return models.ResultPage{}, err
	}
	page, err := parser.ParseResult(body)
	if err != nil {
		return models.ResultPage{}, err
	}
	slog.Debug("municipality extracted",
		slog.String("municipality", m.Code),
		slog.Int("parties", len(page.Votes)),
	)
	return page, nil
}

// Assemble builds the table from per-municipality results in their given
// order. Party columns are the union of every page's Parties in first-seen
// order; a party missing from a municipality gets noData. Failed
// municipalities keep their row with missing stats and the error text.
func Assemble(results []models.MunicipalityResult, noData string) *models.ResultTable {
	parties := NewPartySet()
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		parties.Add(r.Page.Parties...)
	}
	columns := parties.Names()

	table := &models.ResultTable{
		Parties: columns,
		Rows:    make([]*models.Row, 0, len(results)),
	}
	for _, r := range results {
		row := &models.Row{
			Code:    r.Municipality.Code,
			Name:    r.Municipality.Name,
			Stats:   r.Page.Stats,
			Parties: make([]models.PartyResult, 0, len(columns)),
		}
		if r.Err != nil {
			row.Stats = models.MissingStats()
			row.Error = r.Err.Error()
		}
		for _, party := range columns {
			votes, ok := r.Page.Votes[party]
			if !ok || r.Err != nil {
				votes = noData
			}
			row.Parties = append(row.Parties, models.PartyResult{Name: party, Votes: votes})
		}
		table.Rows = append(table.Rows, row)
	}
	return table
}

func (a *Aggregator) setState(s State) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	slog.Debug("aggregator state", slog.String("from", prev.String()), slog.String("to", s.String()))
}

func (a *Aggregator) beginSummary(district string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateIdle
	a.summary = models.RunSummary{
		District:  models.DistrictReference(district),
		StartTime: time.Now(),
	}
}

func (a *Aggregator) endSummary() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary.EndTime = time.Now()
}

func (a *Aggregator) recordFailure(url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary.Failed++
	a.summary.FailedURLs = append(a.summary.FailedURLs, url)
}

func uniqueMunicipalities(in []models.Municipality) []models.Municipality {
	seen := make(map[string]struct{}, len(in))
	out := make([]models.Municipality, 0, len(in))
	for _, m := range in {
		if _, ok := seen[m.Code]; ok {
			slog.Warn("duplicate municipality code", slog.String("municipality", m.Code), slog.String("name", m.Name))
			continue
		}
		seen[m.Code] = struct{}{}
		out = append(out, m)
	}
	return out
}

type counters struct {
	mu        sync.Mutex
	processed int64
	failed    int64
	failures  map[string]int
}

func newCounters() *counters {
	return &counters{
		failures: make(map[string]int),
	}
}

func (c *counters) incrementProcessed() {
	c.mu.Lock()
	c.processed++
	c.mu.Unlock()
}

func (c *counters) addFailure(kind string) {
	c.mu.Lock()
	c.failed++
	c.failures[kind]++
	c.mu.Unlock()
}

func (c *counters) snapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	copyFailures := make(map[string]int, len(c.failures))
	for k, v := range c.failures {
		copyFailures[k] = v
	}

	return map[string]interface{}{
		"processed_municipalities": c.processed,
		"failed_municipalities":    c.failed,
		"failures_by_type":         copyFailures,
	}
}

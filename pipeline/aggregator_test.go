package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-elections/config"
	"github.com/aluiziolira/go-scrape-elections/models"
	"github.com/aluiziolira/go-scrape-elections/scraper"
	"github.com/google/go-cmp/cmp"
	"github.com/jarcoal/httpmock"
)

const (
	testIndexURL    = "http://example.test/pls/ps3"
	testDistrictURL = "http://example.test/pls/ps32-2101"
)

type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]string
	errs   map[string]error
	delays map[string]time.Duration
	calls  map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages:  make(map[string]string),
		errs:   make(map[string]error),
		delays: make(map[string]time.Duration),
		calls:  make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	f.mu.Lock()
	f.calls[rawURL]++
	page, ok := f.pages[rawURL]
	err := f.errs[rawURL]
	delay := f.delays[rawURL]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &scraper.FetchError{URL: rawURL, StatusCode: http.StatusNotFound, Kind: scraper.KindNotFound, Err: errors.New("no page")}
	}
	return []byte(page), nil
}

func (f *fakeFetcher) callCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

type municipalityFixture struct {
	code, name string
	votes      [][2]string
}

func (m municipalityFixture) resultURL() string {
	return "http://example.test/pls/ps311-" + m.code
}

// site registers an index linking testDistrictURL, the district page and one
// result page per municipality.
func site(f *fakeFetcher, municipalities ...municipalityFixture) {
	f.pages[testIndexURL] = indexPage("ps32-2101")
	rows := make([]string, 0, len(municipalities))
	for _, m := range municipalities {
		rows = append(rows, municipalityRow(m.code, m.name, "ps311-"+m.code))
		f.pages[m.resultURL()] = resultPage(m.votes...)
	}
	f.pages[testDistrictURL] = districtPage(rows...)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.IndexURL = testIndexURL
	cfg.MaxRetries = 0
	return cfg
}

func TestAggregatorRunMergesPartyColumns(t *testing.T) {
	f := newFakeFetcher()
	x := municipalityFixture{code: "100", name: "X", votes: [][2]string{{"A", "10"}, {"B", "5"}}}
	y := municipalityFixture{code: "200", name: "Y", votes: [][2]string{{"B", "7"}, {"C", "2"}}}
	site(f, x, y)

	a := NewAggregator(f, testConfig(), nil)
	table, err := a.Run(context.Background(), testDistrictURL)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if a.State() != StateDone {
		t.Fatalf("state = %s, want done", a.State())
	}

	want := &models.ResultTable{
		Parties: []string{"A", "B", "C"},
		Rows: []*models.Row{
			{
				Code:    "100",
				Name:    "X",
				Stats:   models.GeneralStats{RegisteredVoters: "1 000", IssuedBallots: "600", ValidVotes: "598"},
				Parties: []models.PartyResult{{Name: "A", Votes: "10"}, {Name: "B", Votes: "5"}, {Name: "C", Votes: models.NoData}},
			},
			{
				Code:    "200",
				Name:    "Y",
				Stats:   models.GeneralStats{RegisteredVoters: "1 000", IssuedBallots: "600", ValidVotes: "598"},
				Parties: []models.PartyResult{{Name: "A", Votes: models.NoData}, {Name: "B", Votes: "7"}, {Name: "C", Votes: "2"}},
			},
		},
	}
	if diff := cmp.Diff(want, table); diff != "" {
		t.Fatalf("table mismatch (-want +got):\n%s", diff)
	}

	for _, m := range []municipalityFixture{x, y} {
		if got := f.callCount(m.resultURL()); got != 1 {
			t.Fatalf("result page %s fetched %d times, want 1", m.resultURL(), got)
		}
	}
}

func TestAggregatorRejectsUnknownDistrict(t *testing.T) {
	f := newFakeFetcher()
	site(f, municipalityFixture{code: "100", name: "X", votes: [][2]string{{"A", "1"}}})

	a := NewAggregator(f, testConfig(), nil)
	unknown := "http://example.test/pls/ps32-9999"
	table, err := a.Run(context.Background(), unknown)
	if !errors.Is(err, ErrInvalidDistrict) {
		t.Fatalf("expected ErrInvalidDistrict, got %v", err)
	}
	if table != nil {
		t.Fatalf("rejected run must not produce a table")
	}
	if a.State() != StateRejected {
		t.Fatalf("state = %s, want rejected", a.State())
	}
	if got := f.callCount(unknown); got != 0 {
		t.Fatalf("rejected district fetched %d times", got)
	}
	if got := f.callCount(testDistrictURL); got != 0 {
		t.Fatalf("no district page should be fetched after rejection, got %d", got)
	}
}

func TestAggregatorFatalFailures(t *testing.T) {
	t.Run("index", func(t *testing.T) {
		f := newFakeFetcher()
		a := NewAggregator(f, testConfig(), nil)
		if _, err := a.Run(context.Background(), testDistrictURL); err == nil {
			t.Fatalf("expected index failure")
		}
		if a.State() != StateFailed {
			t.Fatalf("state = %s, want failed", a.State())
		}
	})

	t.Run("district page", func(t *testing.T) {
		f := newFakeFetcher()
		site(f, municipalityFixture{code: "100", name: "X"})
		f.errs[testDistrictURL] = &scraper.FetchError{URL: testDistrictURL, StatusCode: http.StatusInternalServerError, Kind: scraper.KindStatus, Err: errors.New("boom")}

		a := NewAggregator(f, testConfig(), nil)
		_, err := a.Run(context.Background(), testDistrictURL)
		var fetchErr *scraper.FetchError
		if !errors.As(err, &fetchErr) {
			t.Fatalf("expected wrapped FetchError, got %v", err)
		}
		if a.State() != StateFailed {
			t.Fatalf("state = %s, want failed", a.State())
		}
	})
}

func TestAggregatorMunicipalityFailurePolicy(t *testing.T) {
	x := municipalityFixture{code: "100", name: "X", votes: [][2]string{{"A", "10"}}}
	y := municipalityFixture{code: "200", name: "Y", votes: [][2]string{{"B", "3"}}}
	z := municipalityFixture{code: "300", name: "Z", votes: [][2]string{{"A", "4"}}}

	t.Run("skip keeps a marked row", func(t *testing.T) {
		f := newFakeFetcher()
		site(f, x, y, z)
		f.errs[y.resultURL()] = &scraper.FetchError{URL: y.resultURL(), StatusCode: http.StatusServiceUnavailable, Kind: scraper.KindStatus, Err: errors.New("down")}

		a := NewAggregator(f, testConfig(), nil)
		table, err := a.Run(context.Background(), testDistrictURL)
		if err != nil {
			t.Fatalf("run: %v", err)
		}

		if diff := cmp.Diff([]string{"A"}, table.Parties); diff != "" {
			t.Fatalf("parties mismatch (-want +got):\n%s", diff)
		}
		failed := table.Rows[1]
		if failed.Code != "200" || failed.Error == "" {
			t.Fatalf("expected failure marker on row 200, got %+v", failed)
		}
		if failed.Stats != models.MissingStats() {
			t.Fatalf("failed row stats = %+v", failed.Stats)
		}
		if got, _ := failed.Vote("A"); got != models.NoData {
			t.Fatalf("failed row party value = %q", got)
		}
		header := table.Header()
		if header[len(header)-1] != models.ColumnError {
			t.Fatalf("header should end with error column: %v", header)
		}

		summary := a.Summary()
		if summary.Failed != 1 || summary.Municipalities != 3 || summary.Parties != 1 {
			t.Fatalf("summary = %+v", summary)
		}
		if diff := cmp.Diff([]string{y.resultURL()}, summary.FailedURLs); diff != "" {
			t.Fatalf("failed urls mismatch (-want +got):\n%s", diff)
		}
		metrics := a.GetMetrics()
		if got := metrics["failed_municipalities"].(int64); got != 1 {
			t.Fatalf("failed_municipalities = %d", got)
		}
		if got := metrics["failures_by_type"].(map[string]int)["status"]; got != 1 {
			t.Fatalf("failures_by_type[status] = %d", got)
		}
	})

	t.Run("abort fails the run", func(t *testing.T) {
		f := newFakeFetcher()
		site(f, x, y, z)
		f.errs[y.resultURL()] = errors.New("down")

		cfg := testConfig()
		cfg.FailurePolicy = config.FailureAbort
		a := NewAggregator(f, cfg, nil)
		table, err := a.Run(context.Background(), testDistrictURL)
		if err == nil || table != nil {
			t.Fatalf("expected aborted run, got table=%v err=%v", table, err)
		}
		if !strings.Contains(err.Error(), "municipality 200") {
			t.Fatalf("error should name the municipality: %v", err)
		}
		if a.State() != StateFailed {
			t.Fatalf("state = %s, want failed", a.State())
		}
	})
}

func TestAggregatorParallelRowOrder(t *testing.T) {
	f := newFakeFetcher()
	var fixtures []municipalityFixture
	for i := 0; i < 12; i++ {
		m := municipalityFixture{
			code:  fmt.Sprintf("%03d", i),
			name:  fmt.Sprintf("Obec %d", i),
			votes: [][2]string{{fmt.Sprintf("P%d", i%4), fmt.Sprint(i)}},
		}
		fixtures = append(fixtures, m)
	}
	site(f, fixtures...)
	for i, m := range fixtures {
		f.delays[m.resultURL()] = time.Duration(12-i) * time.Millisecond
	}

	cfg := testConfig()
	cfg.Parallelism = 6
	a := NewAggregator(f, cfg, scraper.NewMetrics())
	table, err := a.Run(context.Background(), testDistrictURL)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(table.Rows) != len(fixtures) {
		t.Fatalf("rows = %d, want %d", len(table.Rows), len(fixtures))
	}
	for i, row := range table.Rows {
		if row.Code != fixtures[i].code {
			t.Fatalf("row %d code = %s, want %s", i, row.Code, fixtures[i].code)
		}
		if len(row.Parties) != len(table.Parties) {
			t.Fatalf("row %d has %d party values, want %d", i, len(row.Parties), len(table.Parties))
		}
	}
	if diff := cmp.Diff([]string{"P0", "P1", "P2", "P3"}, table.Parties); diff != "" {
		t.Fatalf("parties mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregatorDropsDuplicateCodes(t *testing.T) {
	f := newFakeFetcher()
	m := municipalityFixture{code: "100", name: "X", votes: [][2]string{{"A", "1"}}}
	site(f, m)
	f.pages[testDistrictURL] = districtPage(
		municipalityRow("100", "X", "ps311-100"),
		municipalityRow("100", "X again", "ps311-100"),
	)

	a := NewAggregator(f, testConfig(), nil)
	table, err := a.Run(context.Background(), testDistrictURL)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(table.Rows) != 1 || table.Rows[0].Name != "X" {
		t.Fatalf("rows = %+v", table.Rows)
	}
}

func TestAggregatorCancelledRun(t *testing.T) {
	f := newFakeFetcher()
	m := municipalityFixture{code: "100", name: "X", votes: [][2]string{{"A", "1"}}}
	site(f, m)
	f.delays[m.resultURL()] = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	a := NewAggregator(f, testConfig(), nil)
	if _, err := a.Run(ctx, testDistrictURL); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAssembleFillsEveryPartyColumn(t *testing.T) {
	results := []models.MunicipalityResult{
		{
			Municipality: models.Municipality{Code: "1", Name: "One"},
			Page: models.ResultPage{
				Stats:   models.GeneralStats{RegisteredVoters: "5", IssuedBallots: "4", ValidVotes: "4"},
				Votes:   models.PartyVotes{"Z": "1", "A": "3"},
				Parties: []string{"Z", "A"},
			},
		},
		{
			Municipality: models.Municipality{Code: "2", Name: "Two"},
			Page: models.ResultPage{
				Stats:   models.MissingStats(),
				Votes:   models.PartyVotes{"M": "0"},
				Parties: []string{"M"},
			},
		},
	}

	table := Assemble(results, "n/a")
	if diff := cmp.Diff([]string{"Z", "A", "M"}, table.Parties); diff != "" {
		t.Fatalf("parties mismatch (-want +got):\n%s", diff)
	}
	for _, row := range table.Rows {
		if len(row.Parties) != len(table.Parties) {
			t.Fatalf("row %s has %d parties, want %d", row.Code, len(row.Parties), len(table.Parties))
		}
		for i, p := range row.Parties {
			if p.Name != table.Parties[i] {
				t.Fatalf("row %s party %d = %q, want column %q", row.Code, i, p.Name, table.Parties[i])
			}
		}
	}
	if got, _ := table.Rows[1].Vote("A"); got != "n/a" {
		t.Fatalf("no-data marker = %q, want n/a", got)
	}
	if got, _ := table.Rows[1].Vote("M"); got != "0" {
		t.Fatalf("zero votes must stay %q, got %q", "0", got)
	}
	if table.HasFailures() {
		t.Fatalf("table should have no failures")
	}
	if got := len(table.Header()); got != len(models.FixedColumns)+3 {
		t.Fatalf("header width = %d", got)
	}
}

func TestAggregatorWithCollyFetcher(t *testing.T) {
	cfg := testConfig()
	cfg.Parallelism = 2

	fetcher, err := scraper.NewFetcher(cfg)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	transport := httpmock.NewMockTransport()
	fetcher.WithTransport(transport)

	x := municipalityFixture{code: "529303", name: "Benešov", votes: [][2]string{{"ANO 2011", "1 250"}, {"Piráti", "300"}}}
	y := municipalityFixture{code: "532568", name: "Bernartice", votes: [][2]string{{"ANO 2011", "40"}}}
	pages := newFakeFetcher()
	site(pages, x, y)
	for url, body := range pages.pages {
		transport.RegisterResponder("GET", url, htmlResponder(body))
	}

	a := NewAggregator(fetcher, cfg, fetcher.Metrics)
	index, err := a.Districts(context.Background())
	if err != nil {
		t.Fatalf("districts: %v", err)
	}
	if err := CheckArguments(index, testDistrictURL, "out.csv"); err != nil {
		t.Fatalf("check arguments: %v", err)
	}

	table, err := a.Run(context.Background(), testDistrictURL)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(table.Rows))
	}
	if got, _ := table.Rows[1].Vote("Piráti"); got != models.NoData {
		t.Fatalf("Bernartice Piráti = %q, want no-data marker", got)
	}

	info := transport.GetCallCountInfo()
	if got := info["GET "+testIndexURL]; got != 1 {
		t.Fatalf("index fetched %d times, want 1 (cached)", got)
	}
	if got := info["GET "+x.resultURL()]; got != 1 {
		t.Fatalf("result page fetched %d times, want 1", got)
	}
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return httpmock.ResponderFromResponse(resp)
}

func indexPage(districtHrefs ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><table class="table"><tr><th>Kraj</th></tr>`)
	for i, href := range districtHrefs {
		fmt.Fprintf(&b, `<tr><td class="cislo" headers="t%dsa1 t%dsb1">CZ0%d</td><td class="center" headers="t%dsa3"><a href="%s">X</a></td></tr>`, i+1, i+1, i, i+1, href)
	}
	b.WriteString(`</table></body></html>`)
	return b.String()
}

func districtPage(rows ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><table class="table">`)
	b.WriteString(`<tr><th colspan="3">Obec</th></tr>`)
	b.WriteString(`<tr><th>číslo</th><th>název</th><th>výběr</th></tr>`)
	for _, row := range rows {
		b.WriteString(row)
	}
	b.WriteString(`</table></body></html>`)
	return b.String()
}

func municipalityRow(code, name, href string) string {
	return fmt.Sprintf(`<tr><td class="cislo"><a href="%s">%s</a></td><td class="overflow_name">%s</td><td class="center"><a href="%s">X</a></td></tr>`, href, code, name, href)
}

func resultPage(votes ...[2]string) string {
	var b strings.Builder
	b.WriteString(`<html><body><table id="ps311_t1">`)
	b.WriteString(`<tr><td headers="sa2" data-rel="L1">1 000</td><td headers="sa3" data-rel="L1">600</td><td headers="sa6" data-rel="L1">598</td></tr></table>`)
	b.WriteString(`<table class="table"><tr><th>Strana</th><th>Platné hlasy</th></tr>`)
	for i, v := range votes {
		fmt.Fprintf(&b, `<tr><td class="cislo" headers="t1sa1 t1sb1">%d</td><td class="overflow_name" headers="t1sa1 t1sb2">%s</td><td class="cislo" headers="t1sa2 t1sb3">%s</td></tr>`, i+1, v[0], v[1])
	}
	b.WriteString(`</table></body></html>`)
	return b.String()
}

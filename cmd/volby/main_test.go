package main

import (
	"bytes"
	"encoding/csv"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
)

const (
	testIndexURL    = "http://volby.test/pls/ps3"
	testDistrictURL = "http://volby.test/pls/ps32-2101"
	testResultURL   = "http://volby.test/pls/ps311-529303"
)

const (
	indexHTML = `<html><body><table class="table">
<tr><td class="center" headers="t1sa3"><a href="ps32-2101">X</a></td></tr>
</table></body></html>`

	districtHTML = `<html><body><table class="table">
<tr><th colspan="3">Obec</th></tr>
<tr><th>číslo</th><th>název</th><th>výběr</th></tr>
<tr><td class="cislo"><a href="ps311-529303">529303</a></td><td class="overflow_name">Benešov</td><td class="center"><a href="ps311-529303">X</a></td></tr>
</table></body></html>`

	resultHTML = `<html><body>
<table><tr><td headers="sa2" data-rel="L1">13 104</td><td headers="sa3" data-rel="L1">8 485</td><td headers="sa6" data-rel="L1">8 437</td></tr></table>
<table class="table"><tr><th>Strana</th></tr>
<tr><td class="overflow_name" headers="t1sa1 t1sb2">ANO 2011</td><td class="cislo" headers="t1sa2 t1sb3">2 577</td></tr>
</table></body></html>`
)

func newSite(t *testing.T) *httpmock.MockTransport {
	t.Helper()
	mock := httpmock.NewMockTransport()
	for url, body := range map[string]string{
		testIndexURL:    indexHTML,
		testDistrictURL: districtHTML,
		testResultURL:   resultHTML,
	} {
		mock.RegisterResponder("GET", url, httpmock.NewStringResponder(200, body))
	}
	return mock
}

func runCLI(rt http.RoundTripper, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"-index-url", testIndexURL, "-max-retries", "0"}, args...), &stdout, &stderr, rt)
	return code, stdout.String(), stderr.String()
}

func TestRunWritesCSV(t *testing.T) {
	mock := newSite(t)
	out := filepath.Join(t.TempDir(), "benesov.csv")

	code, stdout, stderr := runCLI(mock, testDistrictURL, out)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Scrape complete") {
		t.Fatalf("summary missing from output: %s", stdout)
	}

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.HasPrefix(raw, []byte("\ufeff")) {
		t.Fatalf("output must start with a byte-order mark")
	}
	records, err := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(raw, []byte("\ufeff")))).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want header + 1 row", len(records))
	}
	want := []string{"529303", "Benešov", "13 104", "8 485", "8 437", "2 577"}
	if strings.Join(records[1], "|") != strings.Join(want, "|") {
		t.Fatalf("row = %v, want %v", records[1], want)
	}
}

func TestRunRejectsUnknownDistrict(t *testing.T) {
	mock := newSite(t)
	out := filepath.Join(t.TempDir(), "out.csv")

	code, _, stderr := runCLI(mock, "http://volby.test/pls/ps32-9999", out)
	if code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(stderr, "nebyla v seznamu") {
		t.Fatalf("missing guidance, stderr: %s", stderr)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("no output file may be written, stat err = %v", err)
	}
	if got := mock.GetCallCountInfo()["GET "+testDistrictURL]; got != 0 {
		t.Fatalf("district page fetched %d times", got)
	}
}

func TestRunDetectsSwappedArguments(t *testing.T) {
	mock := newSite(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")

	code, _, stderr := runCLI(mock, out, testDistrictURL)
	if code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(stderr, "prehozene") {
		t.Fatalf("missing swapped-argument guidance, stderr: %s", stderr)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("no file may be written, found %d", len(entries))
	}
}

func TestRunListsDistricts(t *testing.T) {
	mock := newSite(t)

	code, stdout, stderr := runCLI(mock, "-list")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, testDistrictURL) {
		t.Fatalf("district missing from listing: %s", stdout)
	}
}

func TestRunRequiresTwoArguments(t *testing.T) {
	mock := newSite(t)

	if code, _, _ := runCLI(mock, testDistrictURL); code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
}

func TestRunWritesJSONForEmptyDistrict(t *testing.T) {
	mock := newSite(t)
	mock.RegisterResponder("GET", testDistrictURL, httpmock.NewStringResponder(200,
		`<html><body><table class="table"><tr><th>Obec</th></tr><tr><th>číslo</th></tr></table></body></html>`))
	out := filepath.Join(t.TempDir(), "empty.json")

	code, _, stderr := runCLI(mock, "-format", "json", testDistrictURL, out)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("empty district should produce no json lines, got %d bytes", info.Size())
	}
}

func TestCreateWriterUnsupportedFormat(t *testing.T) {
	if _, err := createWriter("xml", filepath.Join(t.TempDir(), "out.xml")); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

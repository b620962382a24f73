// Package models defines data structures for the scraper.
package models

import "time"

const (
	// MissingStat marks a general statistic whose cell is absent from the result page.
	MissingStat = "none"
	// NoData is the default marker for a party that did not contest a municipality.
	NoData = "-"
)

// Fixed output column headers, in output order.
const (
	ColumnCode       = "Kód obce"
	ColumnName       = "Název obce"
	ColumnRegistered = "Voliči v seznamu"
	ColumnIssued     = "Vydané obálky"
	ColumnValid      = "Platné hlasy"
	ColumnError      = "Chyba"
)

// FixedColumns lists the columns that precede the party columns.
var FixedColumns = []string{ColumnCode, ColumnName, ColumnRegistered, ColumnIssued, ColumnValid}

// DistrictReference locates a district's municipality listing page.
type DistrictReference string

// Municipality is one row of a district listing page.
type Municipality struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	ResultURL string `json:"-"`
}

// GeneralStats keeps turnout figures as the page prints them.
type GeneralStats struct {
	RegisteredVoters string `json:"registered_voters"`
	IssuedBallots    string `json:"issued_ballots"`
	ValidVotes       string `json:"valid_votes"`
}

// MissingStats returns stats with every field set to MissingStat.
func MissingStats() GeneralStats {
	return GeneralStats{
		RegisteredVoters: MissingStat,
		IssuedBallots:    MissingStat,
		ValidVotes:       MissingStat,
	}
}

// PartyVotes maps a party name to its vote count text.
type PartyVotes map[string]string

// ResultPage is everything extracted from one municipality result page.
type ResultPage struct {
	Stats GeneralStats
	Votes PartyVotes
	// Parties holds every PartyVotes key, in page order. Table columns come from it.
	Parties []string
}

// MunicipalityResult pairs a municipality with its extracted result page.
type MunicipalityResult struct {
	Municipality Municipality
	Page         ResultPage
	Err          error
}

// PartyResult is one party cell of a row.
type PartyResult struct {
	Name  string `json:"name"`
	Votes string `json:"votes"`
}

// Row is one output line: a municipality, its stats and one value per party
// column. Parties follows the table's column order.
type Row struct {
	Code    string        `json:"code"`
	Name    string        `json:"name"`
	Stats   GeneralStats  `json:"stats"`
	Parties []PartyResult `json:"parties"`
	Error   string        `json:"error,omitempty"`
}

// Vote returns the value of the party column, if the row has it.
func (r *Row) Vote(party string) (string, bool) {
	for _, p := range r.Parties {
		if p.Name == party {
			return p.Votes, true
		}
	}
	return "", false
}

// Values returns the row's cells in column order.
func (r *Row) Values() []string {
	out := make([]string, 0, len(FixedColumns)+len(r.Parties))
	out = append(out, r.Code, r.Name, r.Stats.RegisteredVoters, r.Stats.IssuedBallots, r.Stats.ValidVotes)
	for _, p := range r.Parties {
		out = append(out, p.Votes)
	}
	return out
}

// ResultTable is the flattened district result.
type ResultTable struct {
	Parties []string
	Rows    []*Row
}

// HasFailures reports whether any row carries a fetch failure.
func (t *ResultTable) HasFailures() bool {
	for _, row := range t.Rows {
		if row.Error != "" {
			return true
		}
	}
	return false
}

// Header returns the column names for the table.
func (t *ResultTable) Header() []string {
	header := make([]string, 0, len(FixedColumns)+len(t.Parties)+1)
	header = append(header, FixedColumns...)
	header = append(header, t.Parties...)
	if t.HasFailures() {
		header = append(header, ColumnError)
	}
	return header
}

// Records returns the table body aligned with Header.
func (t *ResultTable) Records() [][]string {
	withErr := t.HasFailures()
	records := make([][]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		record := row.Values()
		if withErr {
			record = append(record, row.Error)
		}
		records = append(records, record)
	}
	return records
}

// RunSummary holds the overall result of one district run.
type RunSummary struct {
	District       DistrictReference
	StartTime      time.Time
	EndTime        time.Time
	Municipalities int
	Failed         int
	FailedURLs     []string
	Parties        int
}

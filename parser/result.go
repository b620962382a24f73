package parser

import (
	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-elections/models"
)

// Header codes of the general statistics, first reporting column.
const (
	headerRegistered = "sa2"
	headerIssued     = "sa3"
	headerValid      = "sa6"
	firstColumn      = "L1"
)

var (
	partyNameHeaders  = []string{"t1sa1", "t1sb2"}
	partyVotesHeaders = []string{"t1sa2", "t1sb3"}
)

// ExtractResult reads turnout statistics and party votes from one parsed
// municipality result page. Missing statistics become models.MissingStat;
// party rows missing either cell are skipped.
func ExtractResult(doc *goquery.Document) models.ResultPage {
	page := models.ResultPage{
		Stats: models.GeneralStats{
			RegisteredVoters: statCell(doc, headerRegistered).Or(models.MissingStat),
			IssuedBallots:    statCell(doc, headerIssued).Or(models.MissingStat),
			ValidVotes:       statCell(doc, headerValid).Or(models.MissingStat),
		},
		Votes: make(models.PartyVotes),
	}

	doc.Find("table.table").Each(func(_ int, table *goquery.Selection) {
		dataRows(table, 1).Each(func(_ int, row *goquery.Selection) {
			name, ok := partyCell(row, "td.overflow_name", partyNameHeaders).Get()
			if !ok {
				return
			}
			votes, ok := partyCell(row, "td.cislo", partyVotesHeaders).Get()
			if !ok {
				return
			}
			if _, seen := page.Votes[name]; !seen {
				page.Parties = append(page.Parties, name)
			}
			page.Votes[name] = votes
		})
	})
	return page
}

// ParseResult parses content once and extracts both statistics and votes.
func ParseResult(content []byte) (models.ResultPage, error) {
	doc, err := Parse(content)
	if err != nil {
		return models.ResultPage{}, err
	}
	return ExtractResult(doc), nil
}

func statCell(doc *goquery.Document, header string) Lookup {
	cell := doc.Find(`td[headers~="` + header + `"][data-rel="` + firstColumn + `"]`).First()
	if cell.Length() == 0 {
		return Missing()
	}
	return Found(text(cell))
}

func partyCell(row *goquery.Selection, selector string, headers []string) Lookup {
	cell := row.Find(selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return headersEqual(s, headers...)
	}).First()
	if cell.Length() == 0 {
		return Missing()
	}
	return Found(text(cell))
}

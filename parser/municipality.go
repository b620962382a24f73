package parser

import (
	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-elections/models"
)

// ExtractMunicipalities enumerates the municipalities listed on a district page.
// The first two rows of each table are headers. Rows with fewer than three
// cells, with a hidden_td cell, or without an anchor in the first cell are
// dropped.
func ExtractMunicipalities(content []byte, pageURL string) ([]models.Municipality, error) {
	doc, err := Parse(content)
	if err != nil {
		return nil, err
	}

	var out []models.Municipality
	doc.Find("table.table").Each(func(_ int, table *goquery.Selection) {
		dataRows(table, 2).Each(func(_ int, row *goquery.Selection) {
			if m, ok := municipalityFromRow(row, pageURL); ok {
				out = append(out, m)
			}
		})
	})
	return out, nil
}

func municipalityFromRow(row *goquery.Selection, pageURL string) (models.Municipality, bool) {
	cells := row.Find("td")
	if cells.Length() < 3 {
		return models.Municipality{}, false
	}
	if cells.Filter(".hidden_td").Length() > 0 {
		return models.Municipality{}, false
	}

	first := cells.Eq(0)
	ref, ok := anchorRef(first).Get()
	if !ok {
		return models.Municipality{}, false
	}

	return models.Municipality{
		Code:      text(first),
		Name:      text(cells.Eq(1)),
		ResultURL: ResolveReference(pageURL, ref),
	}, true
}

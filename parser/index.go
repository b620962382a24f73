package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-elections/models"
)

// districtHeader matches the third sub-column of regional tables 1 to 14.
var districtHeader = regexp.MustCompile(`^t(1[0-4]|[1-9])sa3$`)

// ExtractDistricts lists the district references linked from the index page,
// in page order. Matching cells without an anchor are skipped.
func ExtractDistricts(content []byte, indexURL string) ([]models.DistrictReference, error) {
	doc, err := Parse(content)
	if err != nil {
		return nil, err
	}

	var districts []models.DistrictReference
	doc.Find("td.center[headers]").Each(func(_ int, cell *goquery.Selection) {
		if !isDistrictCell(cell) {
			return
		}
		ref, ok := anchorRef(cell).Get()
		if !ok {
			return
		}
		districts = append(districts, models.DistrictReference(ResolveReference(indexURL, ref)))
	})
	return districts, nil
}

func isDistrictCell(cell *goquery.Selection) bool {
	for _, code := range strings.Fields(cell.AttrOr("headers", "")) {
		if districtHeader.MatchString(code) {
			return true
		}
	}
	return false
}

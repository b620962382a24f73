package pipeline

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/aluiziolira/go-scrape-elections/models"
)

var (
	// ErrInvalidDistrict is returned for a district reference missing from the index.
	ErrInvalidDistrict = errors.New("pipeline: district reference not in index")
	// ErrArgumentOrder is returned when the district and output arguments look swapped.
	ErrArgumentOrder = errors.New("pipeline: arguments swapped")
)

var outputExtensions = map[string]struct{}{
	".csv":   {},
	".json":  {},
	".jsonl": {},
	".txt":   {},
}

// CheckArguments validates the district and output arguments against the index.
func CheckArguments(index []models.DistrictReference, district, output string) error {
	if ContainsDistrict(index, district) {
		return nil
	}
	if ContainsDistrict(index, output) && looksLikeFileName(district) {
		return ErrArgumentOrder
	}
	return ErrInvalidDistrict
}

// ContainsDistrict reports whether ref is one of the index entries.
func ContainsDistrict(index []models.DistrictReference, ref string) bool {
	for _, d := range index {
		if string(d) == ref {
			return true
		}
	}
	return false
}

func looksLikeFileName(arg string) bool {
	if strings.Contains(arg, "://") {
		return false
	}
	_, ok := outputExtensions[strings.ToLower(filepath.Ext(arg))]
	return ok
}

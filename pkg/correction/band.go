package correction

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBandNotFound is returned when an identifier carries no band token
	ErrBandNotFound = errors.New("could not find band")

	// ErrBandAmbiguous is returned when an identifier carries several band tokens
	ErrBandAmbiguous = errors.New("ambiguous band")
)

// ResolveBand returns the index in bandNames of the band named by the
// "-<band>-" token in identifier, e.g. "DES0000+0000-r-meds.fits" is band
// "r". Exactly one band must match.
func ResolveBand(identifier string, bandNames []string) (int, error) {
	band := -1
	for i, name := range bandNames {
		if name == "" {
			continue
		}
		if !strings.Contains(identifier, "-"+name+"-") {
			continue
		}
		if band >= 0 {
			return -1, fmt.Errorf("%w for '%s': matches both %q and %q",
				ErrBandAmbiguous, identifier, bandNames[band], name)
		}
		band = i
	}
	if band < 0 {
		return -1, fmt.Errorf("%w for '%s' among %v", ErrBandNotFound, identifier, bandNames)
	}
	return band, nil
}

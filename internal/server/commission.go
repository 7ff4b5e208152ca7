package server

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidCommission is returned for a commission the worker cannot use.
var ErrInvalidCommission = errors.New("invalid commission")

// ParseCommission converts a commission percentage as typed on the upload
// form ("5", "5%", "2.5") into the integer the worker expects: the rate
// scaled by 100 and rounded. An empty value is zero.
func ParseCommission(input string) (int, error) {
	s := strings.TrimSpace(input)
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	if s == "" {
		return 0, nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidCommission, input)
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("%w: %q must be between 0 and 100", ErrInvalidCommission, input)
	}
	return int(math.Round(v * 100)), nil
}

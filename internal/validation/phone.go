// Package validation contains input validation helpers.
package validation

import (
	"errors"
	"strings"
	"unicode"
)

// ErrInvalidPhone is returned for numbers that cannot be normalized to a
// Kenyan MSISDN.
var ErrInvalidPhone = errors.New("invalid phone number")

// NormalizeMSISDN converts a Kenyan phone number to the 254XXXXXXXXX form
// expected by the STK push API. Accepted inputs: 07XX/01XX local form,
// 2547XX/2541XX, and the same with a leading plus.
func NormalizeMSISDN(phone string) (string, error) {
	s := strings.TrimSpace(phone)
	s = strings.TrimPrefix(s, "+")
	s = strings.ReplaceAll(s, " ", "")

	for _, ch := range s {
		if !unicode.IsDigit(ch) {
			return "", ErrInvalidPhone
		}
	}

	switch {
	case len(s) == 10 && (strings.HasPrefix(s, "07") || strings.HasPrefix(s, "01")):
		s = "254" + s[1:]
	case len(s) == 12 && (strings.HasPrefix(s, "2547") || strings.HasPrefix(s, "2541")):
	default:
		return "", ErrInvalidPhone
	}

	return s, nil
}

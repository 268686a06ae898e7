package etl

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var errNoDigits = errors.New("no numeric value")

var currencySymbols = []string{"$", "€", "₹", "£", "¥"}

// ParseAmount reads a money value the way platforms and spreadsheets send it,
// for example "19.99", "$1,234.50", "USD 19.99" or "(12.00)" for a negative.
// Blank input is zero. Comma decimal separators are not supported.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	if d, err := decimal.NewFromString(s); err == nil {
		return d, nil
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	for _, sym := range currencySymbols {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.ReplaceAll(s, ",", "")
	// currency codes such as USD or INR on either side
	s = strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsSpace(r)
	})
	if strings.HasPrefix(s, "-") && negative {
		negative = false
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		digits := strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) || r == '.' || r == '-' {
				return r
			}
			return -1
		}, s)
		if digits == "" {
			return decimal.Zero, fmt.Errorf("failed to parse amount %q: %w", s, errNoDigits)
		}
		if d, err = decimal.NewFromString(digits); err != nil {
			return decimal.Zero, fmt.Errorf("failed to parse amount %q: %w", s, err)
		}
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

package textutil

import (
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var displayPrinter = message.NewPrinter(language.English)

// FormatAmount renders an amount held in the currency's smallest unit as a
// display string, e.g. 9300 USD becomes "$93.00". Unknown currency codes
// yield an empty string so callers can omit the display field.
func FormatAmount(subunits int64, code string) string {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return ""
	}
	scale, _ := currency.Cash.Rounding(unit)
	value := float64(subunits)
	for i := 0; i < scale; i++ {
		value /= 10
	}
	return displayPrinter.Sprintf("%v", currency.Symbol(unit.Amount(value)))
}

package billing

import (
	"fmt"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// FormatCents renders an integer cent amount as a human-facing currency
// string, e.g. FormatCents(123450, "USD") == "USD 1,234.50". Unknown currency
// codes fall back to USD.
func FormatCents(cents int64, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		unit = currency.USD
	}
	printer := message.NewPrinter(language.English)
	major := cents / 100
	minor := cents % 100
	if minor < 0 {
		minor = -minor
	}
	return fmt.Sprintf("%v %s.%02d", unit, printer.Sprint(number.Decimal(major)), minor)
}

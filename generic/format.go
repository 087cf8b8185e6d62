package generic

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	DefaultCurrencyPrefix = "RD$ "
	DefaultLocale         = "es-DO"
)

// Formatter renders amounts with two decimals, the locale's thousands
// separator and a fixed currency prefix.
type Formatter struct {
	Prefix  string
	printer *message.Printer
}

// NewFormatter builds a formatter. Unknown locales fall back to English.
func NewFormatter(prefix, locale string) *Formatter {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	return &Formatter{Prefix: prefix, printer: message.NewPrinter(tag)}
}

func DefaultFormatter() *Formatter {
	return NewFormatter(DefaultCurrencyPrefix, DefaultLocale)
}

func (f *Formatter) Format(m Money) string {
	return f.Prefix + f.printer.Sprintf("%.2f", m.Round().Float64())
}

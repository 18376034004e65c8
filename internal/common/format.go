package common

import (
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

// ReportWidth is the line width of the command-line reports
const ReportWidth = 88

// Report writes the boxed text layout shared by the command-line tools
type Report struct {
	w     io.Writer
	width int
}

func NewReport(w io.Writer) *Report {
	return &Report{w: w, width: ReportWidth}
}

func (r *Report) Header(title string) {
	fmt.Fprintln(r.w, "\n"+strings.Repeat("=", r.width))
	fmt.Fprintln(r.w, title)
	fmt.Fprintln(r.w, strings.Repeat("=", r.width))
}

func (r *Report) Footer(message string) {
	fmt.Fprintln(r.w, "\n"+strings.Repeat("=", r.width))
	fmt.Fprintln(r.w, message)
	fmt.Fprintln(r.w, strings.Repeat("=", r.width)+"\n")
}

// Section opens a boxed group of lines
func (r *Report) Section(format string, args ...any) {
	fmt.Fprintf(r.w, "\n┌─ "+format+"\n", args...)
	fmt.Fprintln(r.w, "├"+strings.Repeat("─", r.width-2))
}

// Item writes one line of a section; the last line closes the box
func (r *Report) Item(isLast bool, format string, args ...any) {
	prefix := "│  "
	if isLast {
		prefix = "└  "
	}
	fmt.Fprintf(r.w, prefix+format+"\n", args...)
}

// FormatAmount renders amount at the currency's precision, e.g. "1,250.50 NGN"
func FormatAmount(amount decimal.Decimal, currency string, precision int32) string {
	s := amount.StringFixed(precision)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	out := sign + b.String()
	if frac != "" {
		out += "." + frac
	}
	return out + " " + currency
}

// ShortReference trims long references for tabular output
func ShortReference(ref string) string {
	if ref == "" {
		return "none"
	}
	if len(ref) > 16 {
		return ref[:16] + "..."
	}
	return ref
}

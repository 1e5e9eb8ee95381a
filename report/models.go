package report

import (
	"time"

	"github.com/shopspring/decimal"
)

// WindowMonths is how many calendar months the portfolio report covers,
// ending on the as-of date itself.
const WindowMonths = 6

// MonthlyAmount is one month's total. Month is formatted YYYY-MM.
type MonthlyAmount struct {
	Month  string          `json:"month"`
	Amount decimal.Decimal `json:"amount"`
}

// Portfolio summarises the loan book of the cooperative fund.
type Portfolio struct {
	AsOf               time.Time       `json:"as_of"`
	ActiveContracts    int             `json:"active_contracts"`
	ActivePrincipal    decimal.Decimal `json:"active_principal"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	Scheduled          []MonthlyAmount `json:"scheduled"`
	Repaid             []MonthlyAmount `json:"repaid"`
}

// Summary is the active-book headline figures.
type Summary struct {
	ActiveContracts    int
	ActivePrincipal    decimal.Decimal
	OutstandingBalance decimal.Decimal
}

// window returns [from, to): from is the first day of the earliest month,
// to is the day after asOf so nothing dated later in asOf's month counts.
func window(asOf time.Time) (time.Time, time.Time) {
	y, m, d := asOf.Date()
	to := time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	from := time.Date(y, m-(WindowMonths-1), 1, 0, 0, 0, 0, time.UTC)
	return from, to
}

// months lists the YYYY-MM labels of [from, to).
func months(from, to time.Time) []string {
	out := make([]string, 0, WindowMonths)
	for m := from; m.Before(to); m = m.AddDate(0, 1, 0) {
		out = append(out, m.Format(monthLayout))
	}
	return out
}

const monthLayout = "2006-01"

// fill returns one MonthlyAmount per label, zero where got has no entry.
func fill(labels []string, got []MonthlyAmount) []MonthlyAmount {
	byMonth := make(map[string]decimal.Decimal, len(got))
	for _, g := range got {
		byMonth[g.Month] = byMonth[g.Month].Add(g.Amount)
	}
	out := make([]MonthlyAmount, len(labels))
	for i, l := range labels {
		out[i] = MonthlyAmount{Month: l, Amount: byMonth[l]}
	}
	return out
}

// Package report builds the dashboard sales/profit series from raw ledger
// rows. The repository fetches rows; everything here is pure computation so
// the bucketing and ratio rules are testable without a database.
package report

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"colosso/backend/internal/domain"
)

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)
)

// RevenueLine is one dated revenue contribution: a sale line subtotal or a
// return's recognized reversal, tagged with the product condition.
type RevenueLine struct {
	At        time.Time
	Amount    decimal.Decimal
	Condition string
}

// CreditPaymentRow is a cash collection on a credit account.
type CreditPaymentRow struct {
	At        time.Time
	CreditoID int64
	Amount    decimal.Decimal
}

// ConditionTotals are an account's historic new/used sale line subtotals.
type ConditionTotals struct {
	New  decimal.Decimal
	Used decimal.Decimal
}

// Ratio splits an account's collections between new and used revenue.
// New + Used always equals 1.
type Ratio struct {
	New  decimal.Decimal
	Used decimal.Decimal
}

// ProfitLine carries one sale line's subtotal and its cost basis
// (quantity times snapshot-or-live unit cost).
type ProfitLine struct {
	At       time.Time
	Subtotal decimal.Decimal
	Cost     decimal.Decimal
}

// Inputs are the raw rows a chart is derived from. Profit lines arrive
// already filtered to the effective condition for the requested section.
type Inputs struct {
	CashLines      []RevenueLine
	CashReturns    []RevenueLine
	CreditPayments []CreditPaymentRow
	CreditReturns  []RevenueLine
	Ratios         map[int64]Ratio
	Profit         []ProfitLine
}

// RatioFor derives an account's new/used split from its historic subtotals.
// Accounts with no condition-tagged revenue default to all-new.
func RatioFor(t ConditionTotals) Ratio {
	total := t.New.Add(t.Used)
	if total.Sign() <= 0 {
		return Ratio{New: one, Used: zero}
	}
	n := t.New.Div(total)
	return Ratio{New: n, Used: one.Sub(n)}
}

// Ratios computes per-account splits for a whole totals map.
func Ratios(totals map[int64]ConditionTotals) map[int64]Ratio {
	out := make(map[int64]Ratio, len(totals))
	for id, t := range totals {
		out[id] = RatioFor(t)
	}
	return out
}

type bucketAgg struct {
	ventas decimal.Decimal
	price  decimal.Decimal
	cost   decimal.Decimal
}

// BuildSalesChart assembles the four dashboard series relative to now:
// last 7 days (zero-filled), current-month halves, months of the current
// year with data, and years with data.
func BuildSalesChart(now time.Time, section string, in Inputs) domain.SalesChart {
	return domain.SalesChart{
		Diario:    buildSeries(dailySpec(now), section, in),
		Quincenal: buildSeries(halfMonthSpec(now), section, in),
		Mensual:   buildSeries(monthlySpec(now), section, in),
		Todos:     buildSeries(yearlySpec(), section, in),
	}
}

type seriesSpec struct {
	// fixed buckets are emitted in order even with no activity; when nil,
	// buckets are data-driven and sorted ascending by key.
	fixed []string
	keyOf func(time.Time) (string, bool)
}

func dailySpec(now time.Time) seriesSpec {
	loc := now.Location()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	start := today.AddDate(0, 0, -6)
	keys := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		keys = append(keys, start.AddDate(0, 0, i).Format("2006-01-02"))
	}
	end := today.AddDate(0, 0, 1)
	return seriesSpec{
		fixed: keys,
		keyOf: func(at time.Time) (string, bool) {
			at = at.In(loc)
			if at.Before(start) || !at.Before(end) {
				return "", false
			}
			return at.Format("2006-01-02"), true
		},
	}
}

func halfMonthSpec(now time.Time) seriesSpec {
	loc := now.Location()
	year, month := now.Year(), now.Month()
	return seriesSpec{
		fixed: []string{"1ra quincena", "2da quincena"},
		keyOf: func(at time.Time) (string, bool) {
			at = at.In(loc)
			if at.Year() != year || at.Month() != month {
				return "", false
			}
			if at.Day() <= 15 {
				return "1ra quincena", true
			}
			return "2da quincena", true
		},
	}
}

func monthlySpec(now time.Time) seriesSpec {
	loc := now.Location()
	year := now.Year()
	return seriesSpec{
		keyOf: func(at time.Time) (string, bool) {
			at = at.In(loc)
			if at.Year() != year {
				return "", false
			}
			return at.Format("2006-01"), true
		},
	}
}

func yearlySpec() seriesSpec {
	return seriesSpec{
		keyOf: func(at time.Time) (string, bool) {
			return at.Format("2006"), true
		},
	}
}

func buildSeries(spec seriesSpec, section string, in Inputs) []domain.ChartPoint {
	agg := map[string]*bucketAgg{}
	bucket := func(at time.Time) *bucketAgg {
		key, ok := spec.keyOf(at)
		if !ok {
			return nil
		}
		b := agg[key]
		if b == nil {
			b = &bucketAgg{}
			agg[key] = b
		}
		return b
	}

	for _, line := range in.CashLines {
		if b := bucket(line.At); b != nil {
			b.ventas = b.ventas.Add(sectionAmount(section, line.Condition, line.Amount))
		}
	}
	for _, ret := range in.CashReturns {
		if b := bucket(ret.At); b != nil {
			b.ventas = b.ventas.Sub(sectionAmount(section, ret.Condition, ret.Amount))
		}
	}
	for _, p := range in.CreditPayments {
		b := bucket(p.At)
		if b == nil {
			continue
		}
		ratio, ok := in.Ratios[p.CreditoID]
		if !ok {
			ratio = Ratio{New: one, Used: zero}
		}
		b.ventas = b.ventas.Add(paymentAmount(section, ratio, p.Amount))
	}
	for _, ret := range in.CreditReturns {
		if b := bucket(ret.At); b != nil {
			b.ventas = b.ventas.Sub(sectionAmount(section, ret.Condition, ret.Amount))
		}
	}
	for _, pl := range in.Profit {
		if b := bucket(pl.At); b != nil {
			b.price = b.price.Add(pl.Subtotal)
			b.cost = b.cost.Add(pl.Cost)
		}
	}

	keys := spec.fixed
	if keys == nil {
		keys = make([]string, 0, len(agg))
		for k := range agg {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	points := make([]domain.ChartPoint, 0, len(keys))
	for _, k := range keys {
		b := agg[k]
		if b == nil {
			b = &bucketAgg{}
		}
		points = append(points, domain.ChartPoint{
			Periodo:    k,
			Ventas:     b.ventas.Round(2),
			Utilidad:   b.price.Sub(b.cost).Round(2),
			PriceTotal: b.price.Round(2),
			CostTotal:  b.cost.Round(2),
		})
	}
	return points
}

// sectionAmount gates a condition-tagged amount by the requested section.
// Anything not explicitly used counts as new.
func sectionAmount(section, condition string, amount decimal.Decimal) decimal.Decimal {
	if section == domain.SectionAll {
		return amount
	}
	cond := domain.ConditionNew
	if strings.EqualFold(strings.TrimSpace(condition), domain.ConditionUsed) {
		cond = domain.ConditionUsed
	}
	if cond != section {
		return zero
	}
	return amount
}

// paymentAmount weights a credit collection by the account's ratio.
func paymentAmount(section string, ratio Ratio, amount decimal.Decimal) decimal.Decimal {
	switch section {
	case domain.SectionNew:
		return amount.Mul(ratio.New)
	case domain.SectionUsed:
		return amount.Mul(ratio.Used)
	default:
		return amount
	}
}

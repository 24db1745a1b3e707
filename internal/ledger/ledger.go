// Package ledger holds the arithmetic shared by return allocation and
// credit settlement. Everything here is pure: callers fetch and lock rows,
// ledger computes, callers persist.
package ledger

import (
	"github.com/shopspring/decimal"
)

var zero = decimal.Zero

// NormalizeQuantity quantizes a requested return quantity to 3 decimal
// places. The boolean reports whether the result is usable (> 0).
func NormalizeQuantity(raw decimal.Decimal) (decimal.Decimal, bool) {
	q := raw.Round(3)
	return q, q.Sign() > 0
}

// LineRefund is the monetary value of returning qty units at unitPrice,
// rounded half-up to 2 decimals.
func LineRefund(qty, unitPrice decimal.Decimal) decimal.Decimal {
	return qty.Mul(unitPrice).Round(2)
}

// AvailableIncome is the cash actually collected on a credit account that
// has not yet been recognized by earlier returns on the same sale.
func AvailableIncome(pagosTotal, prevApplied decimal.Decimal) decimal.Decimal {
	d := pagosTotal.Sub(prevApplied)
	if d.Sign() < 0 {
		return zero
	}
	return d
}

// IncomeToAllocate caps the recognizable revenue reversal. Cash sales
// reverse the full refund; credit sales reverse at most what was collected.
func IncomeToAllocate(hasCredit bool, availableIncome, totalRefund decimal.Decimal) decimal.Decimal {
	if !hasCredit {
		return totalRefund
	}
	if availableIncome.LessThan(totalRefund) {
		return availableIncome
	}
	return totalRefund
}

// AllocateIncome splits income across return lines proportionally to each
// line's share of totalRefund, 2dp half-up per line, with the last line
// absorbing the rounding remainder so the parts sum to income exactly. A
// single line takes the full amount without division. Without a credit
// account each line's allocation is simply its own refund.
func AllocateIncome(lineRefunds []decimal.Decimal, totalRefund, income decimal.Decimal, hasCredit bool) []decimal.Decimal {
	out := make([]decimal.Decimal, len(lineRefunds))
	remaining := income
	last := len(lineRefunds) - 1
	for i, refund := range lineRefunds {
		var share decimal.Decimal
		switch {
		case !hasCredit:
			share = refund
		case totalRefund.Sign() <= 0 || income.Sign() <= 0:
			share = zero
		case last == 0 || i == last:
			share = remaining
		default:
			share = income.Mul(refund).Div(totalRefund).Round(2)
		}
		if hasCredit {
			remaining = remaining.Sub(share)
			if remaining.Sign() < 0 {
				remaining = zero
			}
		}
		if share.Sign() < 0 {
			share = zero
		}
		out[i] = share
	}
	return out
}

// CreditAfterReturn applies a return's totals to a credit account's running
// balances. All three outputs are clamped at zero; estado flips to "pagado"
// only when the resulting saldo is zero.
func CreditAfterReturn(totalDeuda, pagado, totalRefund, income decimal.Decimal) (newTotal, newPagado, newSaldo decimal.Decimal, settled bool) {
	newTotal = clampZero(totalDeuda.Sub(totalRefund))
	newPagado = clampZero(pagado.Sub(income))
	newSaldo = clampZero(newTotal.Sub(newPagado))
	return newTotal, newPagado, newSaldo, newSaldo.Sign() == 0
}

// CreditAfterPayment applies a plain payment. No clamping and no validation
// here: overpayment handling is a policy decision made by the caller.
func CreditAfterPayment(pagado, saldo, monto decimal.Decimal) (newPagado, newSaldo decimal.Decimal) {
	return pagado.Add(monto), saldo.Sub(monto)
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return zero
	}
	return d
}

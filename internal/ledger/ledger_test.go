package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestNormalizeQuantity(t *testing.T) {
	q, ok := NormalizeQuantity(dec("4.00049"))
	if !ok || !q.Equal(dec("4.000")) {
		t.Fatalf("expected 4.000, got %s ok=%v", q, ok)
	}
	q, ok = NormalizeQuantity(dec("0.0005"))
	if !ok || !q.Equal(dec("0.001")) {
		t.Fatalf("expected half-up to 0.001, got %s ok=%v", q, ok)
	}
	if _, ok := NormalizeQuantity(dec("0.0004")); ok {
		t.Fatal("quantity rounding to zero must be rejected")
	}
	if _, ok := NormalizeQuantity(dec("-2")); ok {
		t.Fatal("negative quantity must be rejected")
	}
}

func TestLineRefundRoundsHalfUp(t *testing.T) {
	if got := LineRefund(dec("3"), dec("3.335")); !got.Equal(dec("10.01")) {
		t.Fatalf("expected 10.01, got %s", got)
	}
	if got := LineRefund(dec("0.125"), dec("10")); !got.Equal(dec("1.25")) {
		t.Fatalf("expected 1.25, got %s", got)
	}
}

// Cash sale: income equals refund line by line.
func TestAllocateIncomeCashSale(t *testing.T) {
	refunds := []decimal.Decimal{dec("20.00")}
	got := AllocateIncome(refunds, dec("20.00"), dec("20.00"), false)
	if len(got) != 1 || !got[0].Equal(dec("20.00")) {
		t.Fatalf("cash line should carry its own refund, got %v", got)
	}
}

// Credit sale with a partial collection: refunds 30 and 70, income 40.
// First line gets round(40*30/100)=12.00, last line absorbs 28.00.
func TestAllocateIncomeProportionalWithRemainder(t *testing.T) {
	refunds := []decimal.Decimal{dec("30.00"), dec("70.00")}
	got := AllocateIncome(refunds, dec("100.00"), dec("40.00"), true)
	if !got[0].Equal(dec("12.00")) {
		t.Fatalf("line 1 expected 12.00, got %s", got[0])
	}
	if !got[1].Equal(dec("28.00")) {
		t.Fatalf("line 2 expected 28.00, got %s", got[1])
	}
	if sum := got[0].Add(got[1]); !sum.Equal(dec("40.00")) {
		t.Fatalf("allocations must sum to income, got %s", sum)
	}
}

func TestAllocateIncomeSingleLineSkipsDivision(t *testing.T) {
	got := AllocateIncome([]decimal.Decimal{dec("50.00")}, dec("50.00"), dec("30.00"), true)
	if !got[0].Equal(dec("30.00")) {
		t.Fatalf("single line should take the full income, got %s", got[0])
	}
}

func TestAllocateIncomeZeroIncome(t *testing.T) {
	got := AllocateIncome([]decimal.Decimal{dec("30.00"), dec("70.00")}, dec("100.00"), dec("0"), true)
	for i, g := range got {
		if g.Sign() != 0 {
			t.Fatalf("line %d expected 0 with no income, got %s", i, g)
		}
	}
}

// Allocations always sum to income and stay non-negative, across uneven
// refund splits that force rounding on every non-final line.
func TestAllocateIncomeSumInvariant(t *testing.T) {
	cases := []struct {
		refunds []string
		income  string
	}{
		{[]string{"33.33", "33.33", "33.34"}, "10.00"},
		{[]string{"0.01", "0.01", "99.98"}, "50.00"},
		{[]string{"19.99", "40.01", "40.00"}, "99.99"},
		{[]string{"25.00", "25.00", "25.00", "25.00"}, "0.01"},
	}
	for _, tc := range cases {
		refunds := make([]decimal.Decimal, len(tc.refunds))
		total := decimal.Zero
		for i, s := range tc.refunds {
			refunds[i] = dec(s)
			total = total.Add(refunds[i])
		}
		income := dec(tc.income)
		got := AllocateIncome(refunds, total, income, true)
		sum := decimal.Zero
		for i, g := range got {
			if g.Sign() < 0 {
				t.Fatalf("case %v: negative allocation on line %d: %s", tc.refunds, i, g)
			}
			sum = sum.Add(g)
		}
		if !sum.Equal(income) {
			t.Fatalf("case %v income %s: allocations sum to %s", tc.refunds, income, sum)
		}
	}
}

// Credit sale, debt 100, one 30 payment, return worth 50: debt drops to 50,
// pagado is fully reversed, saldo 50, account stays open.
func TestCreditAfterReturnPartialCollection(t *testing.T) {
	total, pagado, saldo, settled := CreditAfterReturn(dec("100.00"), dec("30.00"), dec("50.00"), dec("30.00"))
	if !total.Equal(dec("50.00")) || !pagado.Equal(dec("0")) || !saldo.Equal(dec("50.00")) {
		t.Fatalf("got total=%s pagado=%s saldo=%s", total, pagado, saldo)
	}
	if settled {
		t.Fatal("account with outstanding saldo must not settle")
	}
}

func TestCreditAfterReturnClampsAtZero(t *testing.T) {
	total, pagado, saldo, settled := CreditAfterReturn(dec("40.00"), dec("10.00"), dec("60.00"), dec("25.00"))
	if total.Sign() != 0 || pagado.Sign() != 0 || saldo.Sign() != 0 {
		t.Fatalf("expected full clamp to zero, got total=%s pagado=%s saldo=%s", total, pagado, saldo)
	}
	if !settled {
		t.Fatal("zero saldo must settle the account")
	}
}

func TestAvailableIncome(t *testing.T) {
	if got := AvailableIncome(dec("30"), dec("10")); !got.Equal(dec("20")) {
		t.Fatalf("expected 20, got %s", got)
	}
	if got := AvailableIncome(dec("10"), dec("25")); got.Sign() != 0 {
		t.Fatalf("over-applied history must clamp to zero, got %s", got)
	}
}

func TestIncomeToAllocate(t *testing.T) {
	if got := IncomeToAllocate(true, dec("30"), dec("50")); !got.Equal(dec("30")) {
		t.Fatalf("credit sale caps at collections, got %s", got)
	}
	if got := IncomeToAllocate(true, dec("80"), dec("50")); !got.Equal(dec("50")) {
		t.Fatalf("credit sale caps at refund, got %s", got)
	}
	if got := IncomeToAllocate(false, dec("0"), dec("50")); !got.Equal(dec("50")) {
		t.Fatalf("cash sale reverses the full refund, got %s", got)
	}
}

func TestCreditAfterPaymentIsPlainArithmetic(t *testing.T) {
	pagado, saldo := CreditAfterPayment(dec("10.00"), dec("40.00"), dec("55.00"))
	if !pagado.Equal(dec("65.00")) {
		t.Fatalf("expected pagado 65.00, got %s", pagado)
	}
	// Overpayment drives saldo negative on purpose; policy lives upstream.
	if !saldo.Equal(dec("-15.00")) {
		t.Fatalf("expected saldo -15.00, got %s", saldo)
	}
}

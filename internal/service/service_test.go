package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"colosso/backend/internal/cache"
	"colosso/backend/internal/domain"
	"colosso/backend/internal/store"
	"colosso/backend/internal/store/memory"
)

// Seeded catalog ids: products start after the three categories.
const (
	seedPhoneNew   = int64(4) // CEL-001, 150.00, stock 12
	seedPhoneUsed  = int64(5) // CEL-002, 80.00, used
	seedCharger    = int64(6) // ACC-001, 12.50
	seedCase       = int64(7) // ACC-002, 5.00, stock 60
	seedService    = int64(8) // SRV-001, servicio
	seedCustomerID = int64(9) // María Fernández
)

func newTestService(strict bool) *Service {
	repo := memory.NewSeeded()
	return New(repo, cache.NoopReportCache{}, decimal.Zero, time.Minute, strict)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func wantDec(t *testing.T, got decimal.Decimal, want string, label string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s = %s, want %s", label, got, want)
	}
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(false)

	actor, err := svc.Authenticate(context.Background(), "admin", "admin123")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if actor.Role != "admin" {
		t.Fatalf("expected admin role, got %s", actor.Role)
	}

	if _, err := svc.Authenticate(context.Background(), "admin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "nobody", "admin123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestCreateProductRequiresRole(t *testing.T) {
	svc := newTestService(false)

	_, err := svc.CreateProduct(context.Background(), domain.Product{
		Nombre:      "Auriculares",
		CategoriaID: 2,
		Precio:      decimal.RequireFromString("9.99"),
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden without actor, got %v", err)
	}

	created, err := svc.CreateProduct(adminCtx(), domain.Product{
		Nombre:      "Auriculares",
		CategoriaID: 2,
		Precio:      decimal.RequireFromString("9.99"),
	})
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	if created.Tipo != domain.ItemTypeProduct || created.Condicion != domain.ConditionNew {
		t.Fatalf("expected defaults applied, got tipo=%s condicion=%s", created.Tipo, created.Condicion)
	}
}

func TestCashReturnRefundsFullValue(t *testing.T) {
	svc := newTestService(false)
	ctx := adminCtx()

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		SaleType:   domain.SaleTypeCash,
		PaidAmount: decimal.RequireFromString("50.00"),
		Items: []domain.CheckoutItem{
			{ProductoID: seedCase, Cantidad: decimal.NewFromInt(10)},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	wantDec(t, sale.Total, "50.00", "sale total")
	if sale.CreditoID != nil {
		t.Fatalf("cash sale must not open a credit account")
	}

	detail, err := svc.GetSale(ctx, sale.SaleID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	if len(detail.Items) != 1 {
		t.Fatalf("expected one line, got %d", len(detail.Items))
	}

	resp, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
		VentaID: sale.SaleID,
		Items: []domain.ReturnItemRequest{
			{DetalleID: detail.Items[0].ID, Cantidad: decimal.NewFromInt(4), Motivo: "defecto"},
		},
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	wantDec(t, resp.TotalRefund, "20.00", "total refund")
	wantDec(t, resp.IngresoAfectado, "20.00", "ingreso afectado")

	product, err := svc.GetProduct(ctx, seedCase)
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	wantDec(t, product.Stock, "54", "stock after sale and restock")

	detail, err = svc.GetSale(ctx, sale.SaleID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	wantDec(t, detail.Items[0].Devuelto, "4", "line devuelto")
}

func TestCreditReturnCapsIncomeAtCollected(t *testing.T) {
	svc := newTestService(false)
	ctx := adminCtx()
	customer := seedCustomerID

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		SaleType:  domain.SaleTypeCredit,
		ClienteID: &customer,
		Items: []domain.CheckoutItem{
			{ProductoID: seedCharger, Cantidad: decimal.NewFromInt(10), PrecioUnitario: decimal.RequireFromString("10.00"), Override: true},
		},
	})
	if err != nil {
		t.Fatalf("credit checkout failed: %v", err)
	}
	if sale.CreditoID == nil {
		t.Fatalf("credit sale must open a credit account")
	}
	wantDec(t, sale.Total, "100.00", "credit sale total")

	pay, err := svc.ApplyCreditPayment(ctx, domain.CreditPaymentRequest{
		CreditoID: *sale.CreditoID,
		Monto:     decimal.RequireFromString("30.00"),
	})
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	wantDec(t, pay.NuevoSaldo, "70.00", "saldo after payment")
	if pay.Estado != domain.CreditStatusPending {
		t.Fatalf("expected pendiente after partial payment, got %s", pay.Estado)
	}

	detail, err := svc.GetSale(ctx, sale.SaleID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}

	resp, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
		VentaID: sale.SaleID,
		Items: []domain.ReturnItemRequest{
			{DetalleID: detail.Items[0].ID, Cantidad: decimal.NewFromInt(5)},
		},
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	wantDec(t, resp.TotalRefund, "50.00", "total refund")
	wantDec(t, resp.IngresoAfectado, "30.00", "recognized income capped at collections")

	credit, err := svc.GetCreditDetail(ctx, *sale.CreditoID)
	if err != nil {
		t.Fatalf("credit detail failed: %v", err)
	}
	wantDec(t, credit.Credit.TotalDeuda, "50.00", "deuda after return")
	wantDec(t, credit.Credit.Pagado, "0.00", "pagado after return")
	wantDec(t, credit.Credit.Saldo, "50.00", "saldo after return")
	if credit.Credit.Estado != domain.CreditStatusPending {
		t.Fatalf("expected pendiente, got %s", credit.Credit.Estado)
	}

	// One opening entry plus one negative adjustment.
	if len(credit.Historia) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(credit.Historia))
	}
	last := credit.Historia[len(credit.Historia)-1]
	wantDec(t, last.Monto, "-50.00", "history monto")
	wantDec(t, last.Pagado, "-30.00", "history pagado")
}

func TestCreditReturnAllocatesIncomeAcrossLines(t *testing.T) {
	svc := newTestService(false)
	ctx := adminCtx()
	customer := seedCustomerID

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		SaleType:  domain.SaleTypeCredit,
		ClienteID: &customer,
		Items: []domain.CheckoutItem{
			{ProductoID: seedCase, Cantidad: decimal.NewFromInt(5), PrecioUnitario: decimal.RequireFromString("6.00"), Override: true},
			{ProductoID: seedCharger, Cantidad: decimal.NewFromInt(5), PrecioUnitario: decimal.RequireFromString("14.00"), Override: true},
		},
	})
	if err != nil {
		t.Fatalf("credit checkout failed: %v", err)
	}

	if _, err := svc.ApplyCreditPayment(ctx, domain.CreditPaymentRequest{
		CreditoID: *sale.CreditoID,
		Monto:     decimal.RequireFromString("40.00"),
	}); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	detail, err := svc.GetSale(ctx, sale.SaleID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}

	resp, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
		VentaID: sale.SaleID,
		Items: []domain.ReturnItemRequest{
			{DetalleID: detail.Items[0].ID, Cantidad: decimal.NewFromInt(5)},
			{DetalleID: detail.Items[1].ID, Cantidad: decimal.NewFromInt(5)},
		},
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	wantDec(t, resp.TotalRefund, "100.00", "total refund")
	wantDec(t, resp.IngresoAfectado, "40.00", "recognized income")

	returns, err := svc.ListReturns(ctx, store.ReportWindow{})
	if err != nil {
		t.Fatalf("list returns failed: %v", err)
	}
	if len(returns) != 2 {
		t.Fatalf("expected 2 return rows, got %d", len(returns))
	}
	// Proportional share on the first line, remainder on the last.
	byLine := map[int64]decimal.Decimal{}
	for _, r := range returns {
		byLine[r.DetalleVentaID] = r.IngresoAfectado
	}
	wantDec(t, byLine[detail.Items[0].ID], "12.00", "first line income share")
	wantDec(t, byLine[detail.Items[1].ID], "28.00", "last line income remainder")
}

func TestReturnRejectsOverAvailableAndKeepsState(t *testing.T) {
	svc := newTestService(false)
	ctx := adminCtx()

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		SaleType:   domain.SaleTypeCash,
		PaidAmount: decimal.RequireFromString("30.00"),
		Items: []domain.CheckoutItem{
			{ProductoID: seedCase, Cantidad: decimal.NewFromInt(6)},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	detail, err := svc.GetSale(ctx, sale.SaleID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}

	_, err = svc.ProcessReturn(ctx, domain.ReturnRequest{
		VentaID: sale.SaleID,
		Items: []domain.ReturnItemRequest{
			{DetalleID: detail.Items[0].ID, Cantidad: decimal.NewFromInt(8)},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	detail, err = svc.GetSale(ctx, sale.SaleID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	wantDec(t, detail.Items[0].Devuelto, "0", "devuelto unchanged after rejected return")

	returns, err := svc.ListReturns(ctx, store.ReportWindow{})
	if err != nil {
		t.Fatalf("list returns failed: %v", err)
	}
	if len(returns) != 0 {
		t.Fatalf("expected no return rows, got %d", len(returns))
	}
}

func TestReturnRejectsRepeatedLineOverAvailable(t *testing.T) {
	svc := newTestService(false)
	ctx := adminCtx()

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		SaleType:   domain.SaleTypeCash,
		PaidAmount: decimal.RequireFromString("50.00"),
		Items: []domain.CheckoutItem{
			{ProductoID: seedCase, Cantidad: decimal.NewFromInt(10)},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	detail, err := svc.GetSale(ctx, sale.SaleID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	lineID := detail.Items[0].ID

	// Each entry fits on its own, but the combined 14 exceeds the 10 sold.
	_, err = svc.ProcessReturn(ctx, domain.ReturnRequest{
		VentaID: sale.SaleID,
		Items: []domain.ReturnItemRequest{
			{DetalleID: lineID, Cantidad: decimal.NewFromInt(7)},
			{DetalleID: lineID, Cantidad: decimal.NewFromInt(7)},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for repeated line, got %v", err)
	}

	detail, err = svc.GetSale(ctx, sale.SaleID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	wantDec(t, detail.Items[0].Devuelto, "0", "devuelto unchanged after rejected return")

	returns, err := svc.ListReturns(ctx, store.ReportWindow{})
	if err != nil {
		t.Fatalf("list returns failed: %v", err)
	}
	if len(returns) != 0 {
		t.Fatalf("expected no return rows, got %d", len(returns))
	}

	// A repeated line whose combined quantity still fits is allowed.
	resp, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
		VentaID: sale.SaleID,
		Items: []domain.ReturnItemRequest{
			{DetalleID: lineID, Cantidad: decimal.NewFromInt(3)},
			{DetalleID: lineID, Cantidad: decimal.NewFromInt(4)},
		},
	})
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}
	wantDec(t, resp.TotalRefund, "35.00", "combined refund")

	detail, err = svc.GetSale(ctx, sale.SaleID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	wantDec(t, detail.Items[0].Devuelto, "7", "devuelto after combined return")
}

func TestCheckoutValidation(t *testing.T) {
	svc := newTestService(false)
	ctx := adminCtx()

	cases := []struct {
		name string
		req  domain.CheckoutRequest
	}{
		{"no items", domain.CheckoutRequest{SaleType: domain.SaleTypeCash}},
		{"zero qty", domain.CheckoutRequest{
			SaleType:   domain.SaleTypeCash,
			PaidAmount: decimal.RequireFromString("5.00"),
			Items:      []domain.CheckoutItem{{ProductoID: seedCase, Cantidad: decimal.Zero}},
		}},
		{"insufficient cash", domain.CheckoutRequest{
			SaleType:   domain.SaleTypeCash,
			PaidAmount: decimal.RequireFromString("4.00"),
			Items:      []domain.CheckoutItem{{ProductoID: seedCase, Cantidad: decimal.NewFromInt(1)}},
		}},
		{"credit without customer", domain.CheckoutRequest{
			SaleType: domain.SaleTypeCredit,
			Items:    []domain.CheckoutItem{{ProductoID: seedCase, Cantidad: decimal.NewFromInt(1)}},
		}},
		{"insufficient stock", domain.CheckoutRequest{
			SaleType:   domain.SaleTypeCash,
			PaidAmount: decimal.RequireFromString("99999.00"),
			Items:      []domain.CheckoutItem{{ProductoID: seedPhoneNew, Cantidad: decimal.NewFromInt(13)}},
		}},
	}
	for _, tc := range cases {
		if _, err := svc.Checkout(ctx, tc.req); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestServiceItemSkipsStockChecks(t *testing.T) {
	svc := newTestService(false)
	ctx := adminCtx()

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		SaleType:   domain.SaleTypeCash,
		PaidAmount: decimal.RequireFromString("35.00"),
		Items: []domain.CheckoutItem{
			{ProductoID: seedService, Cantidad: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("service checkout failed: %v", err)
	}
	wantDec(t, sale.Total, "35.00", "service sale total")

	product, err := svc.GetProduct(ctx, seedService)
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	wantDec(t, product.Stock, "0", "service stock untouched")
}

func TestCreditPaymentPermissiveAllowsOvershoot(t *testing.T) {
	svc := newTestService(false)
	ctx := adminCtx()
	customer := seedCustomerID

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		SaleType:  domain.SaleTypeCredit,
		ClienteID: &customer,
		Items: []domain.CheckoutItem{
			{ProductoID: seedPhoneUsed, Cantidad: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("credit checkout failed: %v", err)
	}

	pay, err := svc.ApplyCreditPayment(ctx, domain.CreditPaymentRequest{
		CreditoID: *sale.CreditoID,
		Monto:     decimal.RequireFromString("100.00"),
	})
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	wantDec(t, pay.NuevoSaldo, "-20.00", "saldo may go negative in permissive mode")
	if pay.Estado != domain.CreditStatusPending {
		t.Fatalf("permissive mode must not settle estado, got %s", pay.Estado)
	}
}

func TestCreditPaymentStrictMode(t *testing.T) {
	svc := newTestService(true)
	ctx := adminCtx()
	customer := seedCustomerID

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		SaleType:  domain.SaleTypeCredit,
		ClienteID: &customer,
		Items: []domain.CheckoutItem{
			{ProductoID: seedPhoneUsed, Cantidad: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("credit checkout failed: %v", err)
	}

	if _, err := svc.ApplyCreditPayment(ctx, domain.CreditPaymentRequest{
		CreditoID: *sale.CreditoID,
		Monto:     decimal.RequireFromString("100.00"),
	}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("strict mode must reject overpayment, got %v", err)
	}

	pay, err := svc.ApplyCreditPayment(ctx, domain.CreditPaymentRequest{
		CreditoID: *sale.CreditoID,
		Monto:     decimal.RequireFromString("80.00"),
	})
	if err != nil {
		t.Fatalf("exact payment failed: %v", err)
	}
	wantDec(t, pay.NuevoSaldo, "0.00", "saldo settled")
	if pay.Estado != domain.CreditStatusPaid {
		t.Fatalf("strict mode must settle estado at zero saldo, got %s", pay.Estado)
	}
}

func TestDashboardReflectsSalesAndReturns(t *testing.T) {
	svc := newTestService(false)
	ctx := adminCtx()

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		SaleType:   domain.SaleTypeCash,
		PaidAmount: decimal.RequireFromString("100.00"),
		Items: []domain.CheckoutItem{
			{ProductoID: seedCase, Cantidad: decimal.NewFromInt(20)},
		},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	dash, err := svc.GetDashboard(ctx, domain.SectionAll)
	if err != nil {
		t.Fatalf("dashboard failed: %v", err)
	}
	if len(dash.SalesChart.Diario) != 7 {
		t.Fatalf("expected 7 daily buckets, got %d", len(dash.SalesChart.Diario))
	}
	today := dash.SalesChart.Diario[6]
	wantDec(t, today.Ventas, "100.00", "daily revenue after sale")
	wantDec(t, dash.Stats.VentasHoy, "100.00", "ventas hoy stat")

	detail, err := svc.GetSale(ctx, sale.SaleID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	if _, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
		VentaID: sale.SaleID,
		Items: []domain.ReturnItemRequest{
			{DetalleID: detail.Items[0].ID, Cantidad: decimal.NewFromInt(4)},
		},
	}); err != nil {
		t.Fatalf("return failed: %v", err)
	}

	dash, err = svc.GetDashboard(ctx, domain.SectionAll)
	if err != nil {
		t.Fatalf("dashboard failed: %v", err)
	}
	wantDec(t, dash.SalesChart.Diario[6].Ventas, "80.00", "daily revenue net of return")

	usedDash, err := svc.GetDashboard(ctx, domain.SectionUsed)
	if err != nil {
		t.Fatalf("used dashboard failed: %v", err)
	}
	wantDec(t, usedDash.SalesChart.Diario[6].Ventas, "0.00", "used section excludes new-item sale")

	if _, err := svc.GetDashboard(ctx, "vintage"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for bad section, got %v", err)
	}
}

func TestDashboardTodayCountsCollectionsNotCreditFaceValue(t *testing.T) {
	svc := newTestService(false)
	ctx := adminCtx()
	customer := seedCustomerID

	sale, err := svc.Checkout(ctx, domain.CheckoutRequest{
		SaleType:  domain.SaleTypeCredit,
		ClienteID: &customer,
		Items: []domain.CheckoutItem{
			{ProductoID: seedPhoneNew, Cantidad: decimal.NewFromInt(2)},
		},
	})
	if err != nil {
		t.Fatalf("credit checkout failed: %v", err)
	}
	wantDec(t, sale.Total, "300.00", "credit sale total")

	// Nothing collected yet, so no revenue is recognized today.
	dash, err := svc.GetDashboard(ctx, domain.SectionAll)
	if err != nil {
		t.Fatalf("dashboard failed: %v", err)
	}
	wantDec(t, dash.Stats.VentasHoy, "0.00", "ventas hoy with uncollected credit")

	if _, err := svc.ApplyCreditPayment(ctx, domain.CreditPaymentRequest{
		CreditoID: *sale.CreditoID,
		Monto:     decimal.RequireFromString("50.00"),
	}); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	dash, err = svc.GetDashboard(ctx, domain.SectionAll)
	if err != nil {
		t.Fatalf("dashboard failed: %v", err)
	}
	wantDec(t, dash.Stats.VentasHoy, "50.00", "ventas hoy after collection")
	wantDec(t, dash.SalesChart.Diario[6].Ventas, "50.00", "daily bucket matches the stat")
}

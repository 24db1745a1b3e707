package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"colosso/backend/internal/domain"
	"colosso/backend/internal/store"
)

func TestCreditReturnAdjustsAccountAndStock(t *testing.T) {
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, 5*time.Second)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	stamp := time.Now().UnixNano()

	customer, err := s.CreateCustomer(ctx, domain.Customer{
		Nombre: fmt.Sprintf("Cliente IT %d", stamp),
	})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}

	product, err := s.CreateProduct(ctx, domain.Product{
		Codigo:    fmt.Sprintf("IT-%d", stamp),
		Nombre:    "Cargador integracion",
		Tipo:      domain.ItemTypeProduct,
		Precio:    decimal.RequireFromString("10.00"),
		Costo:     decimal.RequireFromString("6.00"),
		Stock:     decimal.NewFromInt(20),
		Condicion: domain.ConditionNew,
		Status:    domain.ProductStatusActive,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM devoluciones WHERE producto_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM pagos_credito WHERE credito_id IN (SELECT id FROM creditos WHERE cliente_id = $1)`, customer.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM creditos_historial_compras WHERE credito_id IN (SELECT id FROM creditos WHERE cliente_id = $1)`, customer.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM creditos WHERE cliente_id = $1`, customer.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM detalle_venta WHERE producto_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ventas WHERE cliente_id = $1`, customer.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, customer.ID)
	})

	now := time.Now().UTC()
	qty := decimal.NewFromInt(10)
	total := decimal.RequireFromString("100.00")
	result, err := s.Checkout(ctx, store.CheckoutCommand{
		Sale: domain.Sale{
			Fecha:           now,
			ClienteID:       &customer.ID,
			Total:           total,
			Estado:          domain.SaleStatusPending,
			MetodoPago:      "credito",
			DocumentoNumero: fmt.Sprintf("V-IT-%d", stamp),
			IVAMonto:        decimal.Zero,
			IVAPorcentaje:   decimal.Zero,
		},
		Lines: []domain.SaleLine{{
			ProductoID:     &product.ID,
			Cantidad:       qty,
			PrecioUnitario: product.Precio,
			Subtotal:       total,
		}},
		OnCredit:       true,
		InitialPayment: decimal.RequireFromString("30.00"),
		PaymentRef:     fmt.Sprintf("pago-it-%d", stamp),
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.CreditoID == nil {
		t.Fatalf("expected credit account for credit sale")
	}

	lines, err := s.ListSaleLines(ctx, result.Sale.ID)
	if err != nil {
		t.Fatalf("list sale lines: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected one sale line, got %d", len(lines))
	}

	ret, err := s.ProcessReturn(ctx, store.ReturnCommand{
		VentaID: result.Sale.ID,
		Items: []store.ReturnCommandItem{{
			DetalleID: lines[0].ID,
			Cantidad:  decimal.NewFromInt(5),
			Motivo:    "prueba integracion",
		}},
		Fecha: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("process return: %v", err)
	}
	if !ret.TotalRefund.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("expected refund 50.00, got %s", ret.TotalRefund)
	}
	if !ret.IngresoAfectado.Equal(decimal.RequireFromString("30.00")) {
		t.Fatalf("expected income impact 30.00, got %s", ret.IngresoAfectado)
	}

	refreshed, err := s.GetProduct(ctx, product.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if !refreshed.Stock.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected stock 15 after restock, got %s", refreshed.Stock)
	}

	detail, err := s.GetCreditDetail(ctx, *result.CreditoID)
	if err != nil {
		t.Fatalf("get credit detail: %v", err)
	}
	if !detail.Credit.TotalDeuda.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("expected deuda 50.00, got %s", detail.Credit.TotalDeuda)
	}
	if !detail.Credit.Pagado.IsZero() {
		t.Fatalf("expected pagado 0, got %s", detail.Credit.Pagado)
	}
	if !detail.Credit.Saldo.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("expected saldo 50.00, got %s", detail.Credit.Saldo)
	}
	if detail.Credit.Estado != domain.CreditStatusPending {
		t.Fatalf("expected estado pendiente, got %s", detail.Credit.Estado)
	}
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"colosso/backend/internal/domain"
	"colosso/backend/internal/report"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrNumericOverflow = errors.New("numeric value out of range")
	ErrTxConflict      = errors.New("transaction conflict")
)

// ValidationError carries field-level detail for a rejected input. It
// matches ErrValidation under errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validationf builds a field-tagged validation error.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ProductQuery filters product listings. Zero values mean "no filter".
type ProductQuery struct {
	Text        string
	CategoriaID int64
	Condicion   string
	Status      string
	Tipo        string
	Limit       int
	Offset      int
}

// SaleQuery filters sales history listings.
type SaleQuery struct {
	From      *time.Time
	To        *time.Time
	ClienteID int64
	Estado    string
	Limit     int
	Offset    int
}

// CustomerQuery filters customer listings.
type CustomerQuery struct {
	Text   string
	Limit  int
	Offset int
}

// ReportWindow bounds report row scans. Nil endpoints mean unbounded.
type ReportWindow struct {
	From *time.Time
	To   *time.Time
}

// ReturnCommand is a validated, quantized return request handed to the
// repository, which executes it as one atomic unit under row locks.
type ReturnCommand struct {
	VentaID int64
	Items   []ReturnCommandItem
	Fecha   time.Time
}

type ReturnCommandItem struct {
	DetalleID int64
	Cantidad  decimal.Decimal
	Motivo    string
}

// ReturnResult reports what a committed return created and moved.
type ReturnResult struct {
	Created         []domain.Return
	TotalRefund     decimal.Decimal
	IngresoAfectado decimal.Decimal
}

// PaymentCommand applies a payment to a credit account.
type PaymentCommand struct {
	CreditoID  int64
	Monto      decimal.Decimal
	MetodoPago string
	Concepto   string
	Referencia string
	Fecha      time.Time
	// Strict rejects payments exceeding the outstanding saldo and settles
	// the account when saldo reaches zero.
	Strict bool
}

// CheckoutCommand is a validated checkout handed to the repository.
type CheckoutCommand struct {
	Sale           domain.Sale
	Lines          []domain.SaleLine
	OnCredit       bool
	InitialPayment decimal.Decimal
	PaymentRef     string
	Observaciones  string
}

type CheckoutResult struct {
	Sale      domain.Sale
	CreditoID *int64
}

// CreditDetail bundles an account with its audit trail for the detail view.
type CreditDetail struct {
	Credit   domain.CreditAccount
	Pagos    []domain.CreditPayment
	Historia []domain.CreditHistoryEntry
}

type Repository interface {
	// Customers
	ListCustomers(ctx context.Context, q CustomerQuery) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id int64) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error)
	UpdateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error)
	DeleteCustomer(ctx context.Context, id int64) error

	// Categories
	ListCategories(ctx context.Context) ([]domain.Category, error)
	CreateCategory(ctx context.Context, c domain.Category) (*domain.Category, error)

	// Products
	ListProducts(ctx context.Context, q ProductQuery) ([]domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, p domain.Product) (*domain.Product, error)
	ArchiveProduct(ctx context.Context, id int64) error

	// Sales
	Checkout(ctx context.Context, cmd CheckoutCommand) (*CheckoutResult, error)
	ListSales(ctx context.Context, q SaleQuery) ([]domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	ListSaleLines(ctx context.Context, saleID int64) ([]domain.SaleLine, error)

	// Returns
	ProcessReturn(ctx context.Context, cmd ReturnCommand) (*ReturnResult, error)
	ListReturns(ctx context.Context, w ReportWindow) ([]domain.Return, error)

	// Credits
	ApplyCreditPayment(ctx context.Context, cmd PaymentCommand) (*domain.CreditPayment, *domain.CreditAccount, error)
	GetCreditDetail(ctx context.Context, creditID int64) (*CreditDetail, error)
	ListDebtors(ctx context.Context) ([]domain.Debtor, error)

	// Reporting rows (pure aggregation happens in internal/report)
	ListCashSaleLines(ctx context.Context, w ReportWindow) ([]report.RevenueLine, error)
	ListCashReturnImpacts(ctx context.Context, w ReportWindow) ([]report.RevenueLine, error)
	ListCreditPayments(ctx context.Context, w ReportWindow) ([]report.CreditPaymentRow, error)
	ListCreditReturnImpacts(ctx context.Context, w ReportWindow) ([]report.RevenueLine, error)
	CreditConditionTotals(ctx context.Context) (map[int64]report.ConditionTotals, error)
	ListProfitLines(ctx context.Context, w ReportWindow, condicion string) ([]report.ProfitLine, error)
	GetDashboardStats(ctx context.Context, condicion string, now time.Time) (*domain.DashboardStats, error)

	// Users
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	CreateUser(ctx context.Context, u domain.UserAccount) error
}

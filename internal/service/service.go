package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"colosso/backend/internal/cache"
	"colosso/backend/internal/domain"
	"colosso/backend/internal/ledger"
	"colosso/backend/internal/store"
	"colosso/backend/internal/xid"
)

var (
	ErrForbidden          = errors.New("insufficient role")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo         store.Repository
	reports      cache.ReportCache
	cacheTTL     time.Duration
	defaultIVA   decimal.Decimal
	strictCredit bool
}

func New(repo store.Repository, reports cache.ReportCache, defaultIVA decimal.Decimal, cacheTTL time.Duration, strictCredit bool) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	return &Service{
		repo:         repo,
		reports:      reports,
		cacheTTL:     cacheTTL,
		defaultIVA:   defaultIVA,
		strictCredit: strictCredit,
	}
}

func (s *Service) requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, ErrForbidden
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%w: requires one of %s", ErrForbidden, strings.Join(roles, ","))
}

func (s *Service) logAudit(ctx context.Context, action string, entity string, entityID int64, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	log.Printf("[service] audit actor=%s role=%s action=%s entity=%s id=%d detail=%s",
		actor.Username, actor.Role, action, entity, entityID, detail)
}

func (s *Service) invalidateReports(ctx context.Context) {
	if err := s.reports.Invalidate(ctx); err != nil {
		log.Printf("[service] WARN: failed to invalidate report cache: %v", err)
	}
}

// Authenticate verifies credentials and returns the actor identity used for
// role checks and audit lines.
func (s *Service) Authenticate(ctx context.Context, username string, password string) (domain.Actor, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return domain.Actor{}, ErrInvalidCredentials
	}

	user, err := s.repo.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Actor{}, ErrInvalidCredentials
		}
		return domain.Actor{}, err
	}
	if !user.Active {
		return domain.Actor{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return domain.Actor{}, ErrInvalidCredentials
	}

	return domain.Actor{Username: user.Username, Role: user.Role}, nil
}

// ---- customers ----

func (s *Service) ListCustomers(ctx context.Context, q store.CustomerQuery) ([]domain.Customer, error) {
	q.Text = strings.TrimSpace(q.Text)
	return s.repo.ListCustomers(ctx, q)
}

func (s *Service) GetCustomer(ctx context.Context, id int64) (*domain.Customer, error) {
	if id < 1 {
		return nil, store.Validationf("id", "must be positive")
	}
	return s.repo.GetCustomer(ctx, id)
}

func (s *Service) CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error) {
	c.Nombre = strings.TrimSpace(c.Nombre)
	c.Telefono = strings.TrimSpace(c.Telefono)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Direccion = strings.TrimSpace(c.Direccion)
	if c.Nombre == "" {
		return nil, store.Validationf("nombre", "is required")
	}

	created, err := s.repo.CreateCustomer(ctx, c)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "customer_create", "customer", created.ID, created.Nombre)
	return created, nil
}

func (s *Service) UpdateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error) {
	if c.ID < 1 {
		return nil, store.Validationf("id", "must be positive")
	}
	c.Nombre = strings.TrimSpace(c.Nombre)
	c.Telefono = strings.TrimSpace(c.Telefono)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Direccion = strings.TrimSpace(c.Direccion)
	if c.Nombre == "" {
		return nil, store.Validationf("nombre", "is required")
	}

	updated, err := s.repo.UpdateCustomer(ctx, c)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "customer_update", "customer", updated.ID, updated.Nombre)
	return updated, nil
}

func (s *Service) DeleteCustomer(ctx context.Context, id int64) error {
	if _, err := s.requireRole(ctx, "admin"); err != nil {
		return err
	}
	if id < 1 {
		return store.Validationf("id", "must be positive")
	}
	if err := s.repo.DeleteCustomer(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "customer_delete", "customer", id, "")
	return nil
}

// ---- categories ----

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) CreateCategory(ctx context.Context, c domain.Category) (*domain.Category, error) {
	if _, err := s.requireRole(ctx, "admin", "gerente"); err != nil {
		return nil, err
	}
	c.Nombre = strings.TrimSpace(c.Nombre)
	if c.Nombre == "" {
		return nil, store.Validationf("nombre", "is required")
	}

	created, err := s.repo.CreateCategory(ctx, c)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "category_create", "category", created.ID, created.Nombre)
	return created, nil
}

// ---- products ----

func (s *Service) ListProducts(ctx context.Context, q store.ProductQuery) ([]domain.Product, error) {
	q.Text = strings.TrimSpace(q.Text)
	q.Condicion = strings.ToLower(strings.TrimSpace(q.Condicion))
	q.Status = strings.ToLower(strings.TrimSpace(q.Status))
	q.Tipo = strings.ToLower(strings.TrimSpace(q.Tipo))
	return s.repo.ListProducts(ctx, q)
}

func (s *Service) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	if id < 1 {
		return nil, store.Validationf("id", "must be positive")
	}
	return s.repo.GetProduct(ctx, id)
}

func normalizeProduct(p *domain.Product) error {
	p.Codigo = strings.ToUpper(strings.TrimSpace(p.Codigo))
	p.Nombre = strings.TrimSpace(p.Nombre)
	p.Tipo = strings.ToLower(strings.TrimSpace(p.Tipo))
	p.Condicion = strings.ToLower(strings.TrimSpace(p.Condicion))

	if p.Nombre == "" {
		return store.Validationf("nombre", "is required")
	}
	if p.CategoriaID < 1 {
		return store.Validationf("categoria_id", "must reference a category")
	}
	if p.Tipo == "" {
		p.Tipo = domain.ItemTypeProduct
	}
	if p.Tipo != domain.ItemTypeProduct && p.Tipo != domain.ItemTypeService {
		return store.Validationf("tipo", "must be %s or %s", domain.ItemTypeProduct, domain.ItemTypeService)
	}
	if p.Condicion == "" {
		p.Condicion = domain.ConditionNew
	}
	if p.Condicion != domain.ConditionNew && p.Condicion != domain.ConditionUsed {
		return store.Validationf("condicion", "must be %s or %s", domain.ConditionNew, domain.ConditionUsed)
	}
	if p.Precio.Sign() < 0 {
		return store.Validationf("precio", "must not be negative")
	}
	if p.Costo.Sign() < 0 {
		return store.Validationf("costo", "must not be negative")
	}
	if p.Stock.Sign() < 0 || p.StockMinimo.Sign() < 0 {
		return store.Validationf("stock", "must not be negative")
	}
	return nil
}

func (s *Service) CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	if _, err := s.requireRole(ctx, "admin", "gerente"); err != nil {
		return nil, err
	}
	if err := normalizeProduct(&p); err != nil {
		return nil, err
	}
	if p.Status == "" {
		p.Status = domain.ProductStatusActive
	}

	created, err := s.repo.CreateProduct(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "product_create", "product", created.ID,
		fmt.Sprintf("codigo=%s precio=%s stock=%s", created.Codigo, created.Precio, created.Stock))
	s.invalidateReports(ctx)
	return created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	if _, err := s.requireRole(ctx, "admin", "gerente"); err != nil {
		return nil, err
	}
	if p.ID < 1 {
		return nil, store.Validationf("id", "must be positive")
	}
	if err := normalizeProduct(&p); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateProduct(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "product_update", "product", updated.ID,
		fmt.Sprintf("precio=%s stock=%s status=%s", updated.Precio, updated.Stock, updated.Status))
	s.invalidateReports(ctx)
	return updated, nil
}

func (s *Service) ArchiveProduct(ctx context.Context, id int64) error {
	if _, err := s.requireRole(ctx, "admin"); err != nil {
		return err
	}
	if id < 1 {
		return store.Validationf("id", "must be positive")
	}
	if err := s.repo.ArchiveProduct(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "product_archive", "product", id, "")
	s.invalidateReports(ctx)
	return nil
}

// ---- sales ----

func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	saleType := strings.ToUpper(strings.TrimSpace(req.SaleType))
	if saleType == "" {
		saleType = domain.SaleTypeCash
	}
	if saleType != domain.SaleTypeCash && saleType != domain.SaleTypeCredit {
		return domain.CheckoutResponse{}, store.Validationf("saleType", "must be %s or %s", domain.SaleTypeCash, domain.SaleTypeCredit)
	}

	metodo := strings.ToLower(strings.TrimSpace(req.MetodoPago))
	if metodo == "" {
		if saleType == domain.SaleTypeCredit {
			metodo = "credito"
		} else {
			metodo = domain.PaymentCash
		}
	}

	rate := req.IVAPorcentaje
	if rate.Sign() < 0 {
		return domain.CheckoutResponse{}, store.Validationf("iva_porcentaje", "must not be negative")
	}
	if rate.IsZero() {
		rate = s.defaultIVA
	}

	if len(req.Items) == 0 {
		return domain.CheckoutResponse{}, store.Validationf("items", "at least one item is required")
	}
	if req.PaidAmount.Sign() < 0 {
		return domain.CheckoutResponse{}, store.Validationf("paidAmount", "must not be negative")
	}

	now := time.Now().UTC()
	lines := make([]domain.SaleLine, 0, len(req.Items))
	total := decimal.Zero
	for i, item := range req.Items {
		qty, ok := ledger.NormalizeQuantity(item.Cantidad)
		if !ok {
			return domain.CheckoutResponse{}, store.Validationf("items", "item %d: qty must be positive", i)
		}

		product, err := s.repo.GetProduct(ctx, item.ProductoID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.CheckoutResponse{}, store.Validationf("items", "item %d: product %d not found", i, item.ProductoID)
			}
			return domain.CheckoutResponse{}, err
		}
		if product.Status != domain.ProductStatusActive {
			return domain.CheckoutResponse{}, store.Validationf("items", "item %d: product %d is archived", i, item.ProductoID)
		}

		price := product.Precio
		if item.Override {
			if item.PrecioUnitario.Sign() < 0 {
				return domain.CheckoutResponse{}, store.Validationf("items", "item %d: unit_price must not be negative", i)
			}
			price = item.PrecioUnitario
		}
		if product.Tipo == domain.ItemTypeProduct && product.Stock.LessThan(qty) {
			return domain.CheckoutResponse{}, store.Validationf("items", "item %d: insufficient stock for %s", i, product.Nombre)
		}

		subtotal := qty.Mul(price).Round(2)
		total = total.Add(subtotal)

		productID := item.ProductoID
		lines = append(lines, domain.SaleLine{
			ProductoID:     &productID,
			Cantidad:       qty,
			PrecioUnitario: price,
			Subtotal:       subtotal,
			Override:       item.Override,
		})
	}
	if total.Sign() <= 0 {
		return domain.CheckoutResponse{}, store.Validationf("items", "sale total must be positive")
	}

	iva := total.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
	grandTotal := total.Add(iva)

	cmd := store.CheckoutCommand{
		Sale: domain.Sale{
			Fecha:           now,
			ClienteID:       req.ClienteID,
			Total:           grandTotal,
			MetodoPago:      metodo,
			DocumentoNumero: xid.Document("V", now),
			IVAMonto:        iva,
			IVAPorcentaje:   rate,
		},
		Lines:         lines,
		Observaciones: strings.TrimSpace(req.Observaciones),
	}

	switch saleType {
	case domain.SaleTypeCredit:
		if req.ClienteID == nil || *req.ClienteID < 1 {
			return domain.CheckoutResponse{}, store.Validationf("customerId", "credit sales require a customer")
		}
		if _, err := s.repo.GetCustomer(ctx, *req.ClienteID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.CheckoutResponse{}, store.Validationf("customerId", "customer %d not found", *req.ClienteID)
			}
			return domain.CheckoutResponse{}, err
		}
		if req.PaidAmount.GreaterThan(grandTotal) {
			return domain.CheckoutResponse{}, store.Validationf("paidAmount", "initial payment exceeds sale total")
		}
		cmd.Sale.Estado = domain.SaleStatusPending
		cmd.OnCredit = true
		cmd.InitialPayment = req.PaidAmount
		if req.PaidAmount.Sign() > 0 {
			cmd.PaymentRef = xid.New("pago")
		}
	default:
		if metodo == domain.PaymentCash {
			if req.PaidAmount.LessThan(grandTotal) {
				return domain.CheckoutResponse{}, store.Validationf("paidAmount", "insufficient cash received")
			}
		} else if !req.PaidAmount.Equal(grandTotal) {
			return domain.CheckoutResponse{}, store.Validationf("paidAmount", "non-cash payment must match the sale total")
		}
		cmd.Sale.Estado = domain.SaleStatusCompleted
	}

	result, err := s.repo.Checkout(ctx, cmd)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	s.logAudit(ctx, "checkout", "sale", result.Sale.ID,
		fmt.Sprintf("doc=%s type=%s total=%s items=%d", result.Sale.DocumentoNumero, saleType, grandTotal, len(lines)))
	s.invalidateReports(ctx)

	return domain.CheckoutResponse{
		SaleID:          result.Sale.ID,
		DocumentoNumero: result.Sale.DocumentoNumero,
		Total:           result.Sale.Total,
		IVAMonto:        result.Sale.IVAMonto,
		CreditoID:       result.CreditoID,
	}, nil
}

func (s *Service) ListSales(ctx context.Context, q store.SaleQuery) ([]domain.Sale, error) {
	q.Estado = strings.ToLower(strings.TrimSpace(q.Estado))
	return s.repo.ListSales(ctx, q)
}

func (s *Service) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	if id < 1 {
		return nil, store.Validationf("id", "must be positive")
	}
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return nil, err
	}
	lines, err := s.repo.ListSaleLines(ctx, id)
	if err != nil {
		return nil, err
	}
	sale.Items = lines
	return sale, nil
}

// ---- returns ----

func (s *Service) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (domain.ReturnResponse, error) {
	if req.VentaID < 1 {
		return domain.ReturnResponse{}, store.Validationf("venta_id", "must be positive")
	}
	if len(req.Items) == 0 {
		return domain.ReturnResponse{}, store.Validationf("items", "at least one item is required")
	}

	cmd := store.ReturnCommand{VentaID: req.VentaID, Fecha: time.Now().UTC()}
	for i, item := range req.Items {
		if item.DetalleID < 1 {
			return domain.ReturnResponse{}, store.Validationf("items", "item %d: detalle_id must be positive", i)
		}
		qty, ok := ledger.NormalizeQuantity(item.Cantidad)
		if !ok {
			return domain.ReturnResponse{}, store.Validationf("items", "item %d: qty must be positive", i)
		}
		cmd.Items = append(cmd.Items, store.ReturnCommandItem{
			DetalleID: item.DetalleID,
			Cantidad:  qty,
			Motivo:    strings.TrimSpace(item.Motivo),
		})
	}

	result, err := s.repo.ProcessReturn(ctx, cmd)
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	s.logAudit(ctx, "return", "sale", req.VentaID,
		fmt.Sprintf("refund=%s ingreso=%s items=%d", result.TotalRefund, result.IngresoAfectado, len(result.Created)))
	s.invalidateReports(ctx)

	resp := domain.ReturnResponse{
		VentaID:         req.VentaID,
		TotalRefund:     result.TotalRefund,
		IngresoAfectado: result.IngresoAfectado,
	}
	for _, ret := range result.Created {
		resp.Items = append(resp.Items, domain.CreatedReturn{
			DevolucionID: ret.ID,
			DetalleID:    ret.DetalleVentaID,
			Cantidad:     ret.Cantidad,
			Total:        ret.Total,
		})
	}
	return resp, nil
}

func (s *Service) ListReturns(ctx context.Context, w store.ReportWindow) ([]domain.Return, error) {
	return s.repo.ListReturns(ctx, w)
}

// ---- credits ----

func (s *Service) ApplyCreditPayment(ctx context.Context, req domain.CreditPaymentRequest) (domain.CreditPaymentResponse, error) {
	if req.CreditoID < 1 {
		return domain.CreditPaymentResponse{}, store.Validationf("credito_id", "must be positive")
	}
	if req.Monto.Sign() <= 0 {
		return domain.CreditPaymentResponse{}, store.Validationf("monto", "must be positive")
	}

	metodo := strings.ToLower(strings.TrimSpace(req.MetodoPago))
	if metodo == "" {
		metodo = domain.PaymentCash
	}

	cmd := store.PaymentCommand{
		CreditoID:  req.CreditoID,
		Monto:      req.Monto,
		MetodoPago: metodo,
		Concepto:   strings.TrimSpace(req.Concepto),
		Referencia: xid.New("pago"),
		Fecha:      time.Now().UTC(),
		Strict:     s.strictCredit,
	}

	payment, credit, err := s.repo.ApplyCreditPayment(ctx, cmd)
	if err != nil {
		return domain.CreditPaymentResponse{}, err
	}

	s.logAudit(ctx, "credit_payment", "credit", credit.ID,
		fmt.Sprintf("monto=%s saldo=%s estado=%s", payment.Monto, credit.Saldo, credit.Estado))
	s.invalidateReports(ctx)

	return domain.CreditPaymentResponse{
		PaymentID:  payment.ID,
		Referencia: payment.Referencia,
		NuevoSaldo: credit.Saldo,
		Estado:     credit.Estado,
	}, nil
}

func (s *Service) GetCreditDetail(ctx context.Context, creditID int64) (*store.CreditDetail, error) {
	if creditID < 1 {
		return nil, store.Validationf("credito_id", "must be positive")
	}
	return s.repo.GetCreditDetail(ctx, creditID)
}

func (s *Service) ListDebtors(ctx context.Context) ([]domain.Debtor, error) {
	return s.repo.ListDebtors(ctx)
}

// ---- users ----

func (s *Service) CreateUser(ctx context.Context, username string, password string, role string) error {
	if _, err := s.requireRole(ctx, "admin"); err != nil {
		return err
	}

	username = strings.ToLower(strings.TrimSpace(username))
	role = strings.ToLower(strings.TrimSpace(role))
	if len(username) < 4 || strings.ContainsAny(username, " \t\r\n") {
		return store.Validationf("username", "must be at least 4 characters with no spaces")
	}
	if len(password) < 8 {
		return store.Validationf("password", "must be at least 8 characters")
	}
	switch role {
	case "admin", "gerente", "vendedor":
	default:
		return store.Validationf("role", "must be admin, gerente or vendedor")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.repo.CreateUser(ctx, domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      role,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	s.logAudit(ctx, "user_create", "user", 0, fmt.Sprintf("username=%s role=%s", username, role))
	return nil
}

package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"colosso/backend/internal/domain"
	"colosso/backend/internal/ledger"
	"colosso/backend/internal/report"
	"colosso/backend/internal/store"
)

// Store is an in-memory repository mirroring the postgres semantics. Used
// for local development without a database and for the service tests.
type Store struct {
	mu         sync.RWMutex
	nextID     int64
	customers  map[int64]domain.Customer
	categories map[int64]domain.Category
	products   map[int64]domain.Product
	sales      map[int64]domain.Sale
	saleLines  map[int64]domain.SaleLine
	credits    map[int64]domain.CreditAccount
	history    []domain.CreditHistoryEntry
	payments   []domain.CreditPayment
	returns    []domain.Return
	users      map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		customers:  map[int64]domain.Customer{},
		categories: map[int64]domain.Category{},
		products:   map[int64]domain.Product{},
		sales:      map[int64]domain.Sale{},
		saleLines:  map[int64]domain.SaleLine{},
		credits:    map[int64]domain.CreditAccount{},
		users:      seedUsers(),
	}
}

// seedUsers builds the initial user accounts for dev/demo mode. Credentials
// come from SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD; hardcoded dev
// defaults are used with a warning when unset. Production runs use
// PostgreSQL (DATABASE_URL set) and never touch these.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	sellerPwd := envOr("SEED_SELLER_PASSWORD", "seller123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SELLER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"vendedor", sellerPwd, "vendedor"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// NewSeeded returns a store preloaded with a small catalog so the demo
// frontend and the tests have data to work with.
func NewSeeded() *Store {
	s := New()
	electronica := s.mustCategory("Electrónica")
	accesorios := s.mustCategory("Accesorios")
	servicios := s.mustCategory("Servicios")

	now := time.Now().UTC()
	for _, p := range []domain.Product{
		{Codigo: "CEL-001", Nombre: "Teléfono A10", CategoriaID: electronica, Tipo: domain.ItemTypeProduct, Precio: dec("150.00"), Costo: dec("95.00"), Stock: dec("12"), StockMinimo: dec("2"), Condicion: domain.ConditionNew, Status: domain.ProductStatusActive},
		{Codigo: "CEL-002", Nombre: "Teléfono B20 (seminuevo)", CategoriaID: electronica, Tipo: domain.ItemTypeProduct, Precio: dec("80.00"), Costo: dec("45.00"), Stock: dec("5"), StockMinimo: dec("1"), Condicion: domain.ConditionUsed, Status: domain.ProductStatusActive},
		{Codigo: "ACC-001", Nombre: "Cargador USB-C", CategoriaID: accesorios, Tipo: domain.ItemTypeProduct, Precio: dec("12.50"), Costo: dec("6.00"), Stock: dec("40"), StockMinimo: dec("5"), Condicion: domain.ConditionNew, Status: domain.ProductStatusActive},
		{Codigo: "ACC-002", Nombre: "Funda universal", CategoriaID: accesorios, Tipo: domain.ItemTypeProduct, Precio: dec("5.00"), Costo: dec("1.80"), Stock: dec("60"), StockMinimo: dec("10"), Condicion: domain.ConditionNew, Status: domain.ProductStatusActive},
		{Codigo: "SRV-001", Nombre: "Cambio de pantalla", CategoriaID: servicios, Tipo: domain.ItemTypeService, Precio: dec("35.00"), Costo: dec("15.00"), Stock: dec("0"), Condicion: domain.ConditionNew, Status: domain.ProductStatusActive},
	} {
		p.ID = s.allocID()
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}

	for _, c := range []domain.Customer{
		{Nombre: "María Fernández", Telefono: "555-0101"},
		{Nombre: "José Ramírez", Telefono: "555-0102"},
	} {
		c.ID = s.allocID()
		c.CreatedAt = now
		c.UpdatedAt = now
		s.customers[c.ID] = c
	}
	return s
}

func (s *Store) mustCategory(nombre string) int64 {
	id := s.allocID()
	s.categories[id] = domain.Category{ID: id, Nombre: nombre}
	return id
}

// allocID hands out ids from a single monotonic counter, so "lowest id"
// ordering matches insertion order across all tables.
func (s *Store) allocID() int64 {
	s.nextID++
	return s.nextID
}

// ---- customers ----

func (s *Store) ListCustomers(_ context.Context, q store.CustomerQuery) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Customer, 0, len(s.customers))
	needle := strings.ToLower(q.Text)
	for _, c := range s.customers {
		if needle != "" && !strings.Contains(strings.ToLower(c.Nombre), needle) && !strings.Contains(c.Telefono, q.Text) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nombre < out[j].Nombre })
	return paginate(out, q.Limit, q.Offset), nil
}

func (s *Store) GetCustomer(_ context.Context, id int64) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateCustomer(_ context.Context, c domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	c.ID = s.allocID()
	c.CreatedAt = now
	c.UpdatedAt = now
	s.customers[c.ID] = c
	return &c, nil
}

func (s *Store) UpdateCustomer(_ context.Context, c domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.customers[c.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	existing.Nombre = c.Nombre
	existing.Telefono = c.Telefono
	existing.Email = c.Email
	existing.Direccion = c.Direccion
	existing.Observaciones = c.Observaciones
	existing.UpdatedAt = time.Now().UTC()
	s.customers[c.ID] = existing
	return &existing, nil
}

func (s *Store) DeleteCustomer(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.customers[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.customers, id)
	return nil
}

// ---- categories ----

func (s *Store) ListCategories(_ context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nombre < out[j].Nombre })
	return out, nil
}

func (s *Store) CreateCategory(_ context.Context, c domain.Category) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.categories {
		if strings.EqualFold(existing.Nombre, c.Nombre) {
			return nil, store.Validationf("nombre", "category already exists")
		}
	}
	c.ID = s.allocID()
	s.categories[c.ID] = c
	return &c, nil
}

// ---- products ----

func (s *Store) ListProducts(_ context.Context, q store.ProductQuery) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := q.Status
	if status == "" {
		status = domain.ProductStatusActive
	}
	needle := strings.ToLower(q.Text)
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Status != status {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(p.Nombre), needle) && !strings.Contains(strings.ToLower(p.Codigo), needle) {
			continue
		}
		if q.CategoriaID > 0 && p.CategoriaID != q.CategoriaID {
			continue
		}
		if q.Condicion != "" && !strings.EqualFold(p.Condicion, q.Condicion) {
			continue
		}
		if q.Tipo != "" && p.Tipo != q.Tipo {
			continue
		}
		out = append(out, s.withCategoryName(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nombre < out[j].Nombre })
	return paginate(out, q.Limit, q.Offset), nil
}

func (s *Store) withCategoryName(p domain.Product) domain.Product {
	if cat, ok := s.categories[p.CategoriaID]; ok {
		p.CategoriaNombre = cat.Nombre
	}
	return p
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	p = s.withCategoryName(p)
	return &p, nil
}

func (s *Store) CreateProduct(_ context.Context, p domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Codigo != "" {
		for _, existing := range s.products {
			if existing.Codigo != "" && strings.EqualFold(existing.Codigo, p.Codigo) {
				return nil, store.Validationf("codigo", "product code already exists")
			}
		}
	}
	now := time.Now().UTC()
	p.ID = s.allocID()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.products[p.ID] = p
	p = s.withCategoryName(p)
	return &p, nil
}

func (s *Store) UpdateProduct(_ context.Context, p domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.products[p.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.Codigo != "" {
		for id, other := range s.products {
			if id != p.ID && other.Codigo != "" && strings.EqualFold(other.Codigo, p.Codigo) {
				return nil, store.Validationf("codigo", "product code already exists")
			}
		}
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.products[p.ID] = p
	p = s.withCategoryName(p)
	return &p, nil
}

func (s *Store) ArchiveProduct(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Status = domain.ProductStatusArchived
	p.UpdatedAt = time.Now().UTC()
	s.products[id] = p
	return nil
}

// ---- checkout ----

func (s *Store) Checkout(_ context.Context, cmd store.CheckoutCommand) (*store.CheckoutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check stock under the store lock before mutating anything; the
	// service's pre-check ran against a snapshot that may be stale.
	needed := map[int64]decimal.Decimal{}
	for _, line := range cmd.Lines {
		if line.ProductoID == nil {
			continue
		}
		p, ok := s.products[*line.ProductoID]
		if !ok {
			return nil, store.ErrNotFound
		}
		if p.Tipo != domain.ItemTypeProduct {
			continue
		}
		needed[p.ID] = needed[p.ID].Add(line.Cantidad)
		if p.Stock.LessThan(needed[p.ID]) {
			return nil, store.Validationf("items",
				"product %d: stock %s insufficient for %s", p.ID, p.Stock, needed[p.ID])
		}
	}

	now := time.Now().UTC()
	sale := cmd.Sale
	sale.ID = s.allocID()
	sale.CreatedAt = now
	sale.UpdatedAt = now

	lines := make([]domain.SaleLine, 0, len(cmd.Lines))
	for _, line := range cmd.Lines {
		line.ID = s.allocID()
		line.VentaID = sale.ID
		line.FechaVenta = sale.Fecha
		line.CreatedAt = now
		line.UpdatedAt = now
		if line.ProductoID != nil {
			p, ok := s.products[*line.ProductoID]
			if !ok {
				return nil, store.ErrNotFound
			}
			line.Snapshot = s.productSnapshot(p)
			if p.Tipo == domain.ItemTypeProduct {
				p.Stock = p.Stock.Sub(line.Cantidad)
				p.UpdatedAt = now
				s.products[p.ID] = p
			}
		}
		s.saleLines[line.ID] = line
		lines = append(lines, line)
	}
	sale.Items = lines
	s.sales[sale.ID] = sale

	var creditID *int64
	if cmd.OnCredit {
		saldo := sale.Total.Sub(cmd.InitialPayment)
		acct := domain.CreditAccount{
			ID:            s.allocID(),
			ClienteID:     *sale.ClienteID,
			TotalDeuda:    sale.Total,
			Pagado:        cmd.InitialPayment,
			Saldo:         saldo,
			UltimaCompra:  &sale.Fecha,
			Estado:        domain.CreditStatusPending,
			Observaciones: cmd.Observaciones,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.credits[acct.ID] = acct
		creditID = &acct.ID

		s.history = append(s.history, domain.CreditHistoryEntry{
			ID:        s.allocID(),
			CreditoID: acct.ID,
			VentaID:   sale.ID,
			Fecha:     sale.Fecha,
			Monto:     sale.Total,
			Pagado:    cmd.InitialPayment,
			Saldo:     saldo,
			Estado:    domain.CreditStatusPending,
			CreatedAt: now,
		})
		if cmd.InitialPayment.Sign() > 0 {
			s.payments = append(s.payments, domain.CreditPayment{
				ID:         s.allocID(),
				CreditoID:  acct.ID,
				Fecha:      sale.Fecha,
				Monto:      cmd.InitialPayment,
				Concepto:   "Abono inicial",
				MetodoPago: sale.MetodoPago,
				Referencia: cmd.PaymentRef,
				CreatedAt:  now,
			})
		}
	}

	if sale.ClienteID != nil {
		if c, ok := s.customers[*sale.ClienteID]; ok {
			f := sale.Fecha
			c.UltimaCompra = &f
			c.UpdatedAt = now
			s.customers[c.ID] = c
		}
	}

	return &store.CheckoutResult{Sale: sale, CreditoID: creditID}, nil
}

func (s *Store) productSnapshot(p domain.Product) domain.ProductSnapshot {
	snap := domain.ProductSnapshot{
		Codigo:    p.Codigo,
		Nombre:    p.Nombre,
		Costo:     decimal.NullDecimal{Decimal: p.Costo, Valid: true},
		Condicion: p.Condicion,
	}
	if p.CategoriaID != 0 {
		id := p.CategoriaID
		snap.CategoriaID = &id
		if cat, ok := s.categories[id]; ok {
			snap.CategoriaNombre = cat.Nombre
		}
	}
	return snap
}

// ---- sales ----

func (s *Store) ListSales(_ context.Context, q store.SaleQuery) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if q.From != nil && sale.Fecha.Before(*q.From) {
			continue
		}
		if q.To != nil && !sale.Fecha.Before(*q.To) {
			continue
		}
		if q.ClienteID > 0 && (sale.ClienteID == nil || *sale.ClienteID != q.ClienteID) {
			continue
		}
		if q.Estado != "" && sale.Estado != q.Estado {
			continue
		}
		sale.Items = nil
		out = append(out, sale)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fecha.Equal(out[j].Fecha) {
			return out[i].ID > out[j].ID
		}
		return out[i].Fecha.After(out[j].Fecha)
	})
	return paginate(out, q.Limit, q.Offset), nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	sale, ok := s.sales[id]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	items, err := s.ListSaleLines(ctx, id)
	if err != nil {
		return nil, err
	}
	sale.Items = items
	return &sale, nil
}

func (s *Store) ListSaleLines(_ context.Context, saleID int64) ([]domain.SaleLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saleLinesLocked(saleID), nil
}

func (s *Store) saleLinesLocked(saleID int64) []domain.SaleLine {
	lines := make([]domain.SaleLine, 0, 8)
	for _, l := range s.saleLines {
		if l.VentaID == saleID {
			lines = append(lines, l)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return lines
}

// ---- returns ----

func (s *Store) ProcessReturn(_ context.Context, cmd store.ReturnCommand) (*store.ReturnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sales[cmd.VentaID]; !ok {
		return nil, store.ErrNotFound
	}

	lines := map[int64]domain.SaleLine{}
	for _, l := range s.saleLinesLocked(cmd.VentaID) {
		lines[l.ID] = l
	}

	refunds := make([]decimal.Decimal, len(cmd.Items))
	totalRefund := decimal.Zero
	requested := map[int64]decimal.Decimal{}
	for i, item := range cmd.Items {
		line, ok := lines[item.DetalleID]
		if !ok {
			return nil, store.ErrNotFound
		}
		// Availability is checked against the running total so a request
		// repeating the same line cannot exceed it combined.
		requested[line.ID] = requested[line.ID].Add(item.Cantidad)
		disponible := line.Disponible()
		if requested[line.ID].GreaterThan(disponible) {
			return nil, store.Validationf("detalle_id",
				"line %d: quantity %s exceeds available %s", item.DetalleID, requested[line.ID], disponible)
		}
		refunds[i] = ledger.LineRefund(item.Cantidad, line.PrecioUnitario)
		totalRefund = totalRefund.Add(refunds[i])
	}

	creditID, hasCredit := s.creditForSaleLocked(cmd.VentaID)

	income := totalRefund
	if hasCredit {
		prevApplied := decimal.Zero
		for _, r := range s.returns {
			if r.VentaID == cmd.VentaID {
				prevApplied = prevApplied.Add(r.IngresoAfectado)
			}
		}
		pagosTotal := decimal.Zero
		for _, p := range s.payments {
			if p.CreditoID == creditID {
				pagosTotal = pagosTotal.Add(p.Monto)
			}
		}
		income = ledger.IncomeToAllocate(true, ledger.AvailableIncome(pagosTotal, prevApplied), totalRefund)
	}

	allocations := ledger.AllocateIncome(refunds, totalRefund, income, hasCredit)

	now := time.Now().UTC()
	created := make([]domain.Return, 0, len(cmd.Items))
	for i, item := range cmd.Items {
		line := lines[item.DetalleID]
		snap := line.Snapshot
		if line.ProductoID != nil {
			if p, ok := s.products[*line.ProductoID]; ok {
				live := s.productSnapshot(p)
				if snap.Codigo == "" {
					snap.Codigo = live.Codigo
				}
				if snap.Nombre == "" {
					snap.Nombre = live.Nombre
				}
				if !snap.Costo.Valid {
					snap.Costo = live.Costo
				}
				if snap.Condicion == "" {
					snap.Condicion = live.Condicion
				}
				if snap.CategoriaID == nil {
					snap.CategoriaID = live.CategoriaID
				}
				if snap.CategoriaNombre == "" {
					snap.CategoriaNombre = live.CategoriaNombre
				}
			}
		}

		ret := domain.Return{
			ID:              s.allocID(),
			Fecha:           cmd.Fecha,
			ProductoID:      line.ProductoID,
			VentaID:         cmd.VentaID,
			DetalleVentaID:  line.ID,
			Cantidad:        item.Cantidad,
			PrecioUnitario:  line.PrecioUnitario,
			Total:           refunds[i],
			Motivo:          item.Motivo,
			IngresoAfectado: allocations[i],
			Snapshot:        snap,
			CreatedAt:       now,
		}
		s.returns = append(s.returns, ret)
		created = append(created, ret)

		line.Devuelto = line.Devuelto.Add(item.Cantidad)
		line.UpdatedAt = now
		s.saleLines[line.ID] = line
		lines[line.ID] = line

		if line.ProductoID != nil {
			if p, ok := s.products[*line.ProductoID]; ok && p.Tipo == domain.ItemTypeProduct {
				p.Stock = p.Stock.Add(item.Cantidad)
				p.UpdatedAt = now
				s.products[p.ID] = p
			}
		}
	}

	if hasCredit {
		acct := s.credits[creditID]
		newTotal, newPagado, newSaldo, settled := ledger.CreditAfterReturn(acct.TotalDeuda, acct.Pagado, totalRefund, income)
		acct.TotalDeuda = newTotal
		acct.Pagado = newPagado
		acct.Saldo = newSaldo
		acct.Estado = domain.CreditStatusPending
		if settled {
			acct.Estado = domain.CreditStatusPaid
		}
		acct.UpdatedAt = now
		s.credits[creditID] = acct

		s.history = append(s.history, domain.CreditHistoryEntry{
			ID:        s.allocID(),
			CreditoID: creditID,
			VentaID:   cmd.VentaID,
			Fecha:     cmd.Fecha,
			Monto:     totalRefund.Neg(),
			Pagado:    income.Neg(),
			Saldo:     newSaldo,
			Estado:    acct.Estado,
			CreatedAt: now,
		})
	}

	return &store.ReturnResult{Created: created, TotalRefund: totalRefund, IngresoAfectado: income}, nil
}

// creditForSaleLocked resolves the sale's credit account from the earliest
// history entry, matching the postgres ORDER BY id LIMIT 1 lookup.
func (s *Store) creditForSaleLocked(saleID int64) (int64, bool) {
	best := int64(0)
	var creditID int64
	found := false
	for _, h := range s.history {
		if h.VentaID != saleID {
			continue
		}
		if !found || h.ID < best {
			best = h.ID
			creditID = h.CreditoID
			found = true
		}
	}
	return creditID, found
}

func (s *Store) ListReturns(_ context.Context, w store.ReportWindow) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Return, 0, len(s.returns))
	for _, r := range s.returns {
		if inWindow(r.Fecha, w) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Fecha.Equal(out[j].Fecha) {
			return out[i].ID > out[j].ID
		}
		return out[i].Fecha.After(out[j].Fecha)
	})
	return out, nil
}

// ---- credits ----

func (s *Store) ApplyCreditPayment(_ context.Context, cmd store.PaymentCommand) (*domain.CreditPayment, *domain.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.credits[cmd.CreditoID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if cmd.Strict && cmd.Monto.GreaterThan(acct.Saldo) {
		return nil, nil, store.Validationf("monto", "payment %s exceeds outstanding saldo %s", cmd.Monto, acct.Saldo)
	}

	now := time.Now().UTC()
	payment := domain.CreditPayment{
		ID:         s.allocID(),
		CreditoID:  cmd.CreditoID,
		Fecha:      cmd.Fecha,
		Monto:      cmd.Monto,
		Concepto:   cmd.Concepto,
		MetodoPago: cmd.MetodoPago,
		Referencia: cmd.Referencia,
		CreatedAt:  now,
	}
	s.payments = append(s.payments, payment)

	acct.Pagado, acct.Saldo = ledger.CreditAfterPayment(acct.Pagado, acct.Saldo, cmd.Monto)
	if cmd.Strict && acct.Saldo.Sign() == 0 {
		acct.Estado = domain.CreditStatusPaid
	}
	acct.UpdatedAt = now
	s.credits[cmd.CreditoID] = acct

	return &payment, &acct, nil
}

func (s *Store) GetCreditDetail(_ context.Context, creditID int64) (*store.CreditDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.credits[creditID]
	if !ok {
		return nil, store.ErrNotFound
	}
	detail := store.CreditDetail{Credit: acct}
	for _, p := range s.payments {
		if p.CreditoID == creditID {
			detail.Pagos = append(detail.Pagos, p)
		}
	}
	sort.Slice(detail.Pagos, func(i, j int) bool { return detail.Pagos[i].ID > detail.Pagos[j].ID })
	for _, h := range s.history {
		if h.CreditoID == creditID {
			detail.Historia = append(detail.Historia, h)
		}
	}
	sort.Slice(detail.Historia, func(i, j int) bool { return detail.Historia[i].ID < detail.Historia[j].ID })
	return &detail, nil
}

func (s *Store) ListDebtors(_ context.Context) ([]domain.Debtor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Debtor, 0, len(s.credits))
	for _, acct := range s.credits {
		if acct.Saldo.Sign() <= 0 {
			continue
		}
		cust := s.customers[acct.ClienteID]
		out = append(out, domain.Debtor{
			CreditoID:    acct.ID,
			ClienteID:    acct.ClienteID,
			Nombre:       cust.Nombre,
			Telefono:     cust.Telefono,
			TotalDeuda:   acct.TotalDeuda,
			Pagado:       acct.Pagado,
			Saldo:        acct.Saldo,
			UltimaCompra: acct.UltimaCompra,
			Estado:       acct.Estado,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Saldo.GreaterThan(out[j].Saldo) })
	return out, nil
}

// ---- reporting rows ----

func (s *Store) ListCashSaleLines(_ context.Context, w store.ReportWindow) ([]report.RevenueLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]report.RevenueLine, 0, len(s.saleLines))
	for _, l := range s.saleLines {
		if s.saleOnCreditLocked(l.VentaID) || !inWindow(l.FechaVenta, w) {
			continue
		}
		out = append(out, report.RevenueLine{At: l.FechaVenta, Amount: l.Subtotal, Condition: s.lineConditionLocked(l)})
	}
	return out, nil
}

func (s *Store) ListCashReturnImpacts(_ context.Context, w store.ReportWindow) ([]report.RevenueLine, error) {
	return s.listReturnImpacts(w, false), nil
}

func (s *Store) ListCreditReturnImpacts(_ context.Context, w store.ReportWindow) ([]report.RevenueLine, error) {
	return s.listReturnImpacts(w, true), nil
}

func (s *Store) listReturnImpacts(w store.ReportWindow, onCredit bool) []report.RevenueLine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]report.RevenueLine, 0, len(s.returns))
	for _, r := range s.returns {
		if s.saleOnCreditLocked(r.VentaID) != onCredit || !inWindow(r.Fecha, w) {
			continue
		}
		out = append(out, report.RevenueLine{At: r.Fecha, Amount: r.IngresoAfectado, Condition: s.returnConditionLocked(r)})
	}
	return out
}

func (s *Store) ListCreditPayments(_ context.Context, w store.ReportWindow) ([]report.CreditPaymentRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]report.CreditPaymentRow, 0, len(s.payments))
	for _, p := range s.payments {
		if !inWindow(p.Fecha, w) {
			continue
		}
		out = append(out, report.CreditPaymentRow{At: p.Fecha, CreditoID: p.CreditoID, Amount: p.Monto})
	}
	return out, nil
}

func (s *Store) CreditConditionTotals(_ context.Context) (map[int64]report.ConditionTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := map[int64]report.ConditionTotals{}
	for _, h := range s.history {
		if h.Monto.Sign() < 0 {
			continue
		}
		t := totals[h.CreditoID]
		for _, l := range s.saleLinesLocked(h.VentaID) {
			if s.lineConditionLocked(l) == domain.ConditionUsed {
				t.Used = t.Used.Add(l.Subtotal)
			} else {
				t.New = t.New.Add(l.Subtotal)
			}
		}
		totals[h.CreditoID] = t
	}
	return totals, nil
}

func (s *Store) ListProfitLines(_ context.Context, w store.ReportWindow, condicion string) ([]report.ProfitLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	condicion = strings.ToLower(condicion)
	out := make([]report.ProfitLine, 0, len(s.saleLines))
	for _, l := range s.saleLines {
		if !inWindow(l.FechaVenta, w) || s.lineConditionLocked(l) != condicion {
			continue
		}
		out = append(out, report.ProfitLine{
			At:       l.FechaVenta,
			Subtotal: l.Subtotal,
			Cost:     l.Cantidad.Mul(s.lineCostLocked(l)),
		})
	}
	return out, nil
}

func (s *Store) GetDashboardStats(_ context.Context, condicion string, now time.Time) (*domain.DashboardStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	filtered := condicion != domain.SectionAll && condicion != ""

	var stats domain.DashboardStats
	for _, p := range s.products {
		if p.Status != domain.ProductStatusActive {
			continue
		}
		if filtered && !strings.EqualFold(p.Condicion, condicion) {
			continue
		}
		stats.TotalProductos++
		stats.ValorInventario = stats.ValorInventario.Add(p.Costo.Mul(p.Stock))
	}
	for _, acct := range s.credits {
		if acct.Estado == domain.CreditStatusPending {
			stats.CreditosPendientes = stats.CreditosPendientes.Add(acct.Saldo)
		}
	}
	for _, r := range s.returns {
		if !r.Fecha.Before(startOfMonth) {
			stats.DevolucionesMensuales = stats.DevolucionesMensuales.Add(r.Total)
		}
	}
	return &stats, nil
}

func (s *Store) saleOnCreditLocked(saleID int64) bool {
	for _, h := range s.history {
		if h.VentaID == saleID {
			return true
		}
	}
	return false
}

func (s *Store) lineConditionLocked(l domain.SaleLine) string {
	live := ""
	if l.ProductoID != nil {
		if p, ok := s.products[*l.ProductoID]; ok {
			live = p.Condicion
		}
	}
	cond := domain.EffectiveCondition(l.Snapshot.Condicion, live)
	if strings.EqualFold(strings.TrimSpace(cond), domain.ConditionUsed) {
		return domain.ConditionUsed
	}
	return domain.ConditionNew
}

func (s *Store) returnConditionLocked(r domain.Return) string {
	live := ""
	if r.ProductoID != nil {
		if p, ok := s.products[*r.ProductoID]; ok {
			live = p.Condicion
		}
	}
	cond := domain.EffectiveCondition(r.Snapshot.Condicion, live)
	if strings.EqualFold(strings.TrimSpace(cond), domain.ConditionUsed) {
		return domain.ConditionUsed
	}
	return domain.ConditionNew
}

func (s *Store) lineCostLocked(l domain.SaleLine) decimal.Decimal {
	if l.Snapshot.Costo.Valid {
		return l.Snapshot.Costo.Decimal
	}
	if l.ProductoID != nil {
		if p, ok := s.products[*l.ProductoID]; ok {
			return p.Costo
		}
	}
	return decimal.Zero
}

// ---- users ----

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) CreateUser(_ context.Context, u domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Username]; ok {
		return store.Validationf("username", "username already exists")
	}
	u.ID = s.allocID()
	u.CreatedAt = time.Now().UTC()
	s.users[u.Username] = u
	return nil
}

// ---- helpers ----

func paginate[T any](items []T, limit, offset int) []T {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func inWindow(at time.Time, w store.ReportWindow) bool {
	if w.From != nil && at.Before(*w.From) {
		return false
	}
	if w.To != nil && !at.Before(*w.To) {
		return false
	}
	return true
}

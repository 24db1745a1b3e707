package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"colosso/backend/internal/domain"
	"colosso/backend/internal/ledger"
	"colosso/backend/internal/report"
	"colosso/backend/internal/store"
)

type Store struct {
	db            *sql.DB
	reportTimeout time.Duration
}

func New(ctx context.Context, databaseURL string, reportTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if reportTimeout <= 0 {
		reportTimeout = 5 * time.Second
	}
	return &Store{db: db, reportTimeout: reportTimeout}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Bootstrap creates the schema when it does not exist yet. Idempotent so a
// fresh database comes up without external migration tooling.
func (s *Store) Bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id BIGSERIAL PRIMARY KEY,
			nombre TEXT NOT NULL,
			telefono TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			direccion TEXT NOT NULL DEFAULT '',
			observaciones TEXT NOT NULL DEFAULT '',
			fecha_ultima_compra TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS categories (
			id BIGSERIAL PRIMARY KEY,
			nombre TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			id BIGSERIAL PRIMARY KEY,
			codigo TEXT UNIQUE,
			nombre TEXT NOT NULL,
			categoria_id BIGINT REFERENCES categories(id),
			tipo TEXT NOT NULL DEFAULT 'producto',
			precio NUMERIC(12,2) NOT NULL DEFAULT 0,
			costo NUMERIC(12,2) NOT NULL DEFAULT 0,
			stock NUMERIC(12,3) NOT NULL DEFAULT 0,
			stock_minimo NUMERIC(12,3) NOT NULL DEFAULT 0,
			condicion TEXT NOT NULL DEFAULT 'new',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ventas (
			id BIGSERIAL PRIMARY KEY,
			fecha TIMESTAMPTZ NOT NULL DEFAULT now(),
			cliente_id BIGINT REFERENCES customers(id),
			total NUMERIC(14,2) NOT NULL DEFAULT 0,
			estado TEXT NOT NULL DEFAULT 'completada',
			metodo_pago TEXT NOT NULL DEFAULT '',
			documento_numero TEXT NOT NULL DEFAULT '',
			iva_monto NUMERIC(14,2) NOT NULL DEFAULT 0,
			iva_porcentaje NUMERIC(5,2) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS detalle_venta (
			id BIGSERIAL PRIMARY KEY,
			venta_id BIGINT NOT NULL REFERENCES ventas(id),
			producto_id BIGINT REFERENCES products(id),
			cantidad NUMERIC(12,3) NOT NULL,
			devuelto NUMERIC(12,3) NOT NULL DEFAULT 0,
			precio_unitario NUMERIC(12,2) NOT NULL,
			subtotal NUMERIC(14,2) NOT NULL,
			fecha_venta TIMESTAMPTZ NOT NULL,
			override BOOLEAN NOT NULL DEFAULT false,
			producto_codigo_snapshot TEXT NOT NULL DEFAULT '',
			producto_nombre_snapshot TEXT NOT NULL DEFAULT '',
			producto_costo_snapshot NUMERIC(12,2),
			producto_condicion_snapshot TEXT NOT NULL DEFAULT '',
			producto_categoria_id_snapshot BIGINT,
			producto_categoria_nombre_snapshot TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS creditos (
			id BIGSERIAL PRIMARY KEY,
			cliente_id BIGINT NOT NULL REFERENCES customers(id),
			total_deuda NUMERIC(14,2) NOT NULL DEFAULT 0,
			pagado NUMERIC(14,2) NOT NULL DEFAULT 0,
			saldo NUMERIC(14,2) NOT NULL DEFAULT 0,
			fecha_ultima_compra TIMESTAMPTZ,
			estado TEXT NOT NULL DEFAULT 'pendiente',
			observaciones TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS creditos_historial_compras (
			id BIGSERIAL PRIMARY KEY,
			credito_id BIGINT NOT NULL REFERENCES creditos(id),
			venta_id BIGINT NOT NULL REFERENCES ventas(id),
			fecha TIMESTAMPTZ NOT NULL DEFAULT now(),
			monto NUMERIC(14,2) NOT NULL DEFAULT 0,
			pagado NUMERIC(14,2) NOT NULL DEFAULT 0,
			saldo NUMERIC(14,2) NOT NULL DEFAULT 0,
			estado TEXT NOT NULL DEFAULT 'pendiente',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS pagos_credito (
			id BIGSERIAL PRIMARY KEY,
			credito_id BIGINT NOT NULL REFERENCES creditos(id),
			fecha TIMESTAMPTZ NOT NULL DEFAULT now(),
			monto NUMERIC(14,2) NOT NULL,
			concepto TEXT NOT NULL DEFAULT '',
			metodo_pago TEXT NOT NULL DEFAULT '',
			referencia TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS devoluciones (
			id BIGSERIAL PRIMARY KEY,
			fecha TIMESTAMPTZ NOT NULL DEFAULT now(),
			producto_id BIGINT REFERENCES products(id),
			venta_id BIGINT NOT NULL REFERENCES ventas(id),
			detalle_venta_id BIGINT NOT NULL REFERENCES detalle_venta(id),
			cantidad NUMERIC(12,3) NOT NULL,
			precio_unitario NUMERIC(12,2) NOT NULL,
			total NUMERIC(14,2) NOT NULL,
			motivo TEXT NOT NULL DEFAULT '',
			ingreso_afectado NUMERIC(14,2) NOT NULL DEFAULT 0,
			producto_codigo_snapshot TEXT NOT NULL DEFAULT '',
			producto_nombre_snapshot TEXT NOT NULL DEFAULT '',
			producto_costo_snapshot NUMERIC(12,2),
			producto_condicion_snapshot TEXT NOT NULL DEFAULT '',
			producto_categoria_id_snapshot BIGINT,
			producto_categoria_nombre_snapshot TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'vendedor',
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detalle_venta_venta ON detalle_venta (venta_id)`,
		`CREATE INDEX IF NOT EXISTS idx_devoluciones_venta ON devoluciones (venta_id)`,
		`CREATE INDEX IF NOT EXISTS idx_historial_venta ON creditos_historial_compras (venta_id)`,
		`CREATE INDEX IF NOT EXISTS idx_pagos_credito ON pagos_credito (credito_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ventas_fecha ON ventas (fecha)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	return nil
}

// ---- customers ----

func (s *Store) ListCustomers(ctx context.Context, q store.CustomerQuery) ([]domain.Customer, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT id, nombre, telefono, email, direccion, observaciones, fecha_ultima_compra, created_at, updated_at
		FROM customers
	`)
	args := make([]any, 0, 3)
	if q.Text != "" {
		args = append(args, "%"+q.Text+"%")
		fmt.Fprintf(&b, " WHERE (nombre ILIKE $%d OR telefono ILIKE $%d)", len(args), len(args))
	}
	b.WriteString(" ORDER BY nombre")
	appendPagination(&b, &args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var c domain.Customer
		var last sql.NullTime
		if err := rows.Scan(&c.ID, &c.Nombre, &c.Telefono, &c.Email, &c.Direccion, &c.Observaciones, &last, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if last.Valid {
			t := last.Time
			c.UltimaCompra = &t
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func (s *Store) GetCustomer(ctx context.Context, id int64) (*domain.Customer, error) {
	var c domain.Customer
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, nombre, telefono, email, direccion, observaciones, fecha_ultima_compra, created_at, updated_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Nombre, &c.Telefono, &c.Email, &c.Direccion, &c.Observaciones, &last, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if last.Valid {
		t := last.Time
		c.UltimaCompra = &t
	}
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO customers (nombre, telefono, email, direccion, observaciones)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at, updated_at
	`, c.Nombre, c.Telefono, c.Email, c.Direccion, c.Observaciones).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &c, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET nombre = $2, telefono = $3, email = $4, direccion = $5, observaciones = $6, updated_at = now()
		WHERE id = $1
	`, c.ID, c.Nombre, c.Telefono, c.Email, c.Direccion, c.Observaciones)
	if err != nil {
		return nil, mapPgError(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetCustomer(ctx, c.ID)
}

func (s *Store) DeleteCustomer(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---- categories ----

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, nombre FROM categories ORDER BY nombre`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cats := make([]domain.Category, 0, 32)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Nombre); err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

func (s *Store) CreateCategory(ctx context.Context, c domain.Category) (*domain.Category, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO categories (nombre) VALUES ($1) RETURNING id
	`, c.Nombre).Scan(&c.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Validationf("nombre", "category already exists")
		}
		return nil, err
	}
	return &c, nil
}

// ---- products ----

const productColumns = `
	p.id, COALESCE(p.codigo, ''), p.nombre, COALESCE(p.categoria_id, 0), COALESCE(c.nombre, ''),
	p.tipo, p.precio, p.costo, p.stock, p.stock_minimo, p.condicion, p.status, p.created_at, p.updated_at
`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Codigo, &p.Nombre, &p.CategoriaID, &p.CategoriaNombre,
		&p.Tipo, &p.Precio, &p.Costo, &p.Stock, &p.StockMinimo, &p.Condicion, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, q store.ProductQuery) ([]domain.Product, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + productColumns + ` FROM products p LEFT JOIN categories c ON c.id = p.categoria_id`)
	args := make([]any, 0, 7)
	conds := make([]string, 0, 5)
	if q.Text != "" {
		args = append(args, "%"+q.Text+"%")
		conds = append(conds, fmt.Sprintf("(p.nombre ILIKE $%d OR p.codigo ILIKE $%d)", len(args), len(args)))
	}
	if q.CategoriaID > 0 {
		args = append(args, q.CategoriaID)
		conds = append(conds, fmt.Sprintf("p.categoria_id = $%d", len(args)))
	}
	if q.Condicion != "" {
		args = append(args, q.Condicion)
		conds = append(conds, fmt.Sprintf("lower(p.condicion) = lower($%d)", len(args)))
	}
	if q.Tipo != "" {
		args = append(args, q.Tipo)
		conds = append(conds, fmt.Sprintf("p.tipo = $%d", len(args)))
	}
	status := q.Status
	if status == "" {
		status = domain.ProductStatusActive
	}
	args = append(args, status)
	conds = append(conds, fmt.Sprintf("p.status = $%d", len(args)))
	b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	b.WriteString(" ORDER BY p.nombre")
	appendPagination(&b, &args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+` FROM products p LEFT JOIN categories c ON c.id = p.categoria_id WHERE p.id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (codigo, nombre, categoria_id, tipo, precio, costo, stock, stock_minimo, condicion, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id
	`, nullIfEmpty(p.Codigo), p.Nombre, nullIfZero(p.CategoriaID), p.Tipo, p.Precio, p.Costo, p.Stock,
		p.StockMinimo, p.Condicion, p.Status).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Validationf("codigo", "product code already exists")
		}
		return nil, mapPgError(err)
	}
	return s.GetProduct(ctx, p.ID)
}

func (s *Store) UpdateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET codigo = $2, nombre = $3, categoria_id = $4, tipo = $5, precio = $6, costo = $7,
		    stock = $8, stock_minimo = $9, condicion = $10, status = $11, updated_at = now()
		WHERE id = $1
	`, p.ID, nullIfEmpty(p.Codigo), p.Nombre, nullIfZero(p.CategoriaID), p.Tipo, p.Precio, p.Costo,
		p.Stock, p.StockMinimo, p.Condicion, p.Status)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Validationf("codigo", "product code already exists")
		}
		return nil, mapPgError(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProduct(ctx, p.ID)
}

func (s *Store) ArchiveProduct(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET status = $2, updated_at = now() WHERE id = $1
	`, id, domain.ProductStatusArchived)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---- checkout ----

func (s *Store) Checkout(ctx context.Context, cmd store.CheckoutCommand) (*store.CheckoutResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale := cmd.Sale
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ventas (fecha, cliente_id, total, estado, metodo_pago, documento_numero, iva_monto, iva_porcentaje)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at, updated_at
	`, sale.Fecha, nullInt64(sale.ClienteID), sale.Total, sale.Estado, sale.MetodoPago,
		sale.DocumentoNumero, sale.IVAMonto, sale.IVAPorcentaje).Scan(&sale.ID, &sale.CreatedAt, &sale.UpdatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}

	// Lock referenced products in ascending id order before touching stock.
	productIDs := make([]int64, 0, len(cmd.Lines))
	seen := map[int64]bool{}
	for _, line := range cmd.Lines {
		if line.ProductoID != nil && !seen[*line.ProductoID] {
			seen[*line.ProductoID] = true
			productIDs = append(productIDs, *line.ProductoID)
		}
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	products := make(map[int64]*lockedProduct, len(productIDs))
	for _, id := range productIDs {
		p, err := lockProduct(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		products[id] = p
	}

	lines := make([]domain.SaleLine, 0, len(cmd.Lines))
	for _, line := range cmd.Lines {
		line.VentaID = sale.ID
		line.FechaVenta = sale.Fecha
		if line.ProductoID != nil {
			p := products[*line.ProductoID]
			line.Snapshot = p.snapshot()
			if p.tipo == domain.ItemTypeProduct {
				// Re-check stock against the locked row; the service's
				// pre-check ran outside this transaction.
				if p.stock.LessThan(line.Cantidad) {
					return nil, store.Validationf("items",
						"product %d: stock %s insufficient for %s", p.id, p.stock, line.Cantidad)
				}
				p.stock = p.stock.Sub(line.Cantidad)
				if _, err := tx.ExecContext(ctx, `
					UPDATE products SET stock = stock - $2, updated_at = now() WHERE id = $1
				`, p.id, line.Cantidad); err != nil {
					return nil, mapPgError(err)
				}
			}
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO detalle_venta (venta_id, producto_id, cantidad, devuelto, precio_unitario, subtotal, fecha_venta, override,
				producto_codigo_snapshot, producto_nombre_snapshot, producto_costo_snapshot, producto_condicion_snapshot,
				producto_categoria_id_snapshot, producto_categoria_nombre_snapshot)
			VALUES ($1,$2,$3,0,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			RETURNING id, created_at, updated_at
		`, line.VentaID, nullInt64(line.ProductoID), line.Cantidad, line.PrecioUnitario, line.Subtotal,
			line.FechaVenta, line.Override, line.Snapshot.Codigo, line.Snapshot.Nombre, line.Snapshot.Costo,
			line.Snapshot.Condicion, nullInt64(line.Snapshot.CategoriaID), line.Snapshot.CategoriaNombre,
		).Scan(&line.ID, &line.CreatedAt, &line.UpdatedAt)
		if err != nil {
			return nil, mapPgError(err)
		}
		lines = append(lines, line)
	}
	sale.Items = lines

	var creditID *int64
	if cmd.OnCredit {
		saldo := sale.Total.Sub(cmd.InitialPayment)
		var id int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO creditos (cliente_id, total_deuda, pagado, saldo, fecha_ultima_compra, estado, observaciones)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			RETURNING id
		`, *sale.ClienteID, sale.Total, cmd.InitialPayment, saldo, sale.Fecha,
			domain.CreditStatusPending, cmd.Observaciones).Scan(&id)
		if err != nil {
			return nil, mapPgError(err)
		}
		creditID = &id

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO creditos_historial_compras (credito_id, venta_id, fecha, monto, pagado, saldo, estado)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, id, sale.ID, sale.Fecha, sale.Total, cmd.InitialPayment, saldo, domain.CreditStatusPending); err != nil {
			return nil, mapPgError(err)
		}

		if cmd.InitialPayment.Sign() > 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pagos_credito (credito_id, fecha, monto, concepto, metodo_pago, referencia)
				VALUES ($1,$2,$3,'Abono inicial',$4,$5)
			`, id, sale.Fecha, cmd.InitialPayment, sale.MetodoPago, cmd.PaymentRef); err != nil {
				return nil, mapPgError(err)
			}
		}
	}

	if sale.ClienteID != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE customers SET fecha_ultima_compra = $2, updated_at = now() WHERE id = $1
		`, *sale.ClienteID, sale.Fecha); err != nil {
			return nil, mapPgError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapPgError(err)
	}
	return &store.CheckoutResult{Sale: sale, CreditoID: creditID}, nil
}

// ---- sales ----

func (s *Store) ListSales(ctx context.Context, q store.SaleQuery) ([]domain.Sale, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT id, fecha, cliente_id, total, estado, metodo_pago, documento_numero, iva_monto, iva_porcentaje, created_at, updated_at
		FROM ventas
	`)
	args := make([]any, 0, 6)
	conds := make([]string, 0, 4)
	if q.From != nil {
		args = append(args, *q.From)
		conds = append(conds, fmt.Sprintf("fecha >= $%d", len(args)))
	}
	if q.To != nil {
		args = append(args, *q.To)
		conds = append(conds, fmt.Sprintf("fecha < $%d", len(args)))
	}
	if q.ClienteID > 0 {
		args = append(args, q.ClienteID)
		conds = append(conds, fmt.Sprintf("cliente_id = $%d", len(args)))
	}
	if q.Estado != "" {
		args = append(args, q.Estado)
		conds = append(conds, fmt.Sprintf("estado = $%d", len(args)))
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY fecha DESC, id DESC")
	appendPagination(&b, &args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	return sales, rows.Err()
}

func scanSale(row interface{ Scan(...any) error }) (*domain.Sale, error) {
	var sale domain.Sale
	var cliente sql.NullInt64
	err := row.Scan(&sale.ID, &sale.Fecha, &cliente, &sale.Total, &sale.Estado, &sale.MetodoPago,
		&sale.DocumentoNumero, &sale.IVAMonto, &sale.IVAPorcentaje, &sale.CreatedAt, &sale.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if cliente.Valid {
		v := cliente.Int64
		sale.ClienteID = &v
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `
		SELECT id, fecha, cliente_id, total, estado, metodo_pago, documento_numero, iva_monto, iva_porcentaje, created_at, updated_at
		FROM ventas WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := s.ListSaleLines(ctx, id)
	if err != nil {
		return nil, err
	}
	sale.Items = items
	return sale, nil
}

const saleLineColumns = `
	id, venta_id, producto_id, cantidad, devuelto, precio_unitario, subtotal, fecha_venta, override,
	producto_codigo_snapshot, producto_nombre_snapshot, producto_costo_snapshot, producto_condicion_snapshot,
	producto_categoria_id_snapshot, producto_categoria_nombre_snapshot, created_at, updated_at
`

func scanSaleLine(row interface{ Scan(...any) error }) (*domain.SaleLine, error) {
	var l domain.SaleLine
	var producto, catID sql.NullInt64
	err := row.Scan(&l.ID, &l.VentaID, &producto, &l.Cantidad, &l.Devuelto, &l.PrecioUnitario, &l.Subtotal,
		&l.FechaVenta, &l.Override, &l.Snapshot.Codigo, &l.Snapshot.Nombre, &l.Snapshot.Costo,
		&l.Snapshot.Condicion, &catID, &l.Snapshot.CategoriaNombre, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if producto.Valid {
		v := producto.Int64
		l.ProductoID = &v
	}
	if catID.Valid {
		v := catID.Int64
		l.Snapshot.CategoriaID = &v
	}
	return &l, nil
}

func (s *Store) ListSaleLines(ctx context.Context, saleID int64) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleLineColumns+` FROM detalle_venta WHERE venta_id = $1 ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		l, err := scanSaleLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, *l)
	}
	return lines, rows.Err()
}

// ---- returns ----

type lockedProduct struct {
	id              int64
	codigo          string
	nombre          string
	tipo            string
	costo           decimal.Decimal
	stock           decimal.Decimal
	condicion       string
	categoriaID     sql.NullInt64
	categoriaNombre string
}

func (p *lockedProduct) snapshot() domain.ProductSnapshot {
	snap := domain.ProductSnapshot{
		Codigo:          p.codigo,
		Nombre:          p.nombre,
		Costo:           decimal.NullDecimal{Decimal: p.costo, Valid: true},
		Condicion:       p.condicion,
		CategoriaNombre: p.categoriaNombre,
	}
	if p.categoriaID.Valid {
		v := p.categoriaID.Int64
		snap.CategoriaID = &v
	}
	return snap
}

func lockProduct(ctx context.Context, tx *sql.Tx, id int64) (*lockedProduct, error) {
	var p lockedProduct
	err := tx.QueryRowContext(ctx, `
		SELECT p.id, COALESCE(p.codigo, ''), p.nombre, p.tipo, p.costo, p.stock, p.condicion, p.categoria_id, COALESCE(c.nombre, '')
		FROM products p
		LEFT JOIN categories c ON c.id = p.categoria_id
		WHERE p.id = $1
		FOR UPDATE OF p
	`, id).Scan(&p.id, &p.codigo, &p.nombre, &p.tipo, &p.costo, &p.stock, &p.condicion, &p.categoriaID, &p.categoriaNombre)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgError(err)
	}
	return &p, nil
}

// ProcessReturn executes a multi-line return as one serializable unit.
// Rows are locked in a fixed order (sale, its lines, products, credit
// account) so concurrent returns and payments serialize instead of
// deadlocking.
func (s *Store) ProcessReturn(ctx context.Context, cmd store.ReturnCommand) (*store.ReturnResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var saleID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM ventas WHERE id = $1 FOR UPDATE`, cmd.VentaID).Scan(&saleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgError(err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+saleLineColumns+` FROM detalle_venta WHERE venta_id = $1 ORDER BY id FOR UPDATE
	`, cmd.VentaID)
	if err != nil {
		return nil, mapPgError(err)
	}
	lines := map[int64]*domain.SaleLine{}
	for rows.Next() {
		l, err := scanSaleLine(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		lines[l.ID] = l
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	refunds := make([]decimal.Decimal, len(cmd.Items))
	totalRefund := decimal.Zero
	productIDs := make([]int64, 0, len(cmd.Items))
	seen := map[int64]bool{}
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
		if line.ProductoID != nil && !seen[*line.ProductoID] {
			seen[*line.ProductoID] = true
			productIDs = append(productIDs, *line.ProductoID)
		}
	}

	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })
	products := make(map[int64]*lockedProduct, len(productIDs))
	for _, id := range productIDs {
		p, err := lockProduct(ctx, tx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Product deleted after the sale; snapshots carry the data.
				continue
			}
			return nil, err
		}
		products[id] = p
	}

	// The earliest history entry decides which credit account the sale
	// belongs to.
	var creditID sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT credito_id FROM creditos_historial_compras WHERE venta_id = $1 ORDER BY id LIMIT 1
	`, cmd.VentaID).Scan(&creditID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, mapPgError(err)
	}

	hasCredit := creditID.Valid
	var credTotal, credPagado decimal.Decimal
	if hasCredit {
		err = tx.QueryRowContext(ctx, `
			SELECT total_deuda, pagado FROM creditos WHERE id = $1 FOR UPDATE
		`, creditID.Int64).Scan(&credTotal, &credPagado)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, mapPgError(err)
		}
	}

	income := totalRefund
	if hasCredit {
		var prevApplied, pagosTotal decimal.Decimal
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(ingreso_afectado), 0) FROM devoluciones WHERE venta_id = $1
		`, cmd.VentaID).Scan(&prevApplied)
		if err != nil {
			return nil, mapPgError(err)
		}
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(monto), 0) FROM pagos_credito WHERE credito_id = $1
		`, creditID.Int64).Scan(&pagosTotal)
		if err != nil {
			return nil, mapPgError(err)
		}
		income = ledger.IncomeToAllocate(true, ledger.AvailableIncome(pagosTotal, prevApplied), totalRefund)
	}

	allocations := ledger.AllocateIncome(refunds, totalRefund, income, hasCredit)

	created := make([]domain.Return, 0, len(cmd.Items))
	for i, item := range cmd.Items {
		line := lines[item.DetalleID]
		snap := line.Snapshot
		if line.ProductoID != nil {
			if p, ok := products[*line.ProductoID]; ok {
				live := p.snapshot()
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
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO devoluciones (fecha, producto_id, venta_id, detalle_venta_id, cantidad, precio_unitario, total,
				motivo, ingreso_afectado, producto_codigo_snapshot, producto_nombre_snapshot, producto_costo_snapshot,
				producto_condicion_snapshot, producto_categoria_id_snapshot, producto_categoria_nombre_snapshot)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			RETURNING id, created_at
		`, ret.Fecha, nullInt64(ret.ProductoID), ret.VentaID, ret.DetalleVentaID, ret.Cantidad, ret.PrecioUnitario,
			ret.Total, ret.Motivo, ret.IngresoAfectado, snap.Codigo, snap.Nombre, snap.Costo, snap.Condicion,
			nullInt64(snap.CategoriaID), snap.CategoriaNombre).Scan(&ret.ID, &ret.CreatedAt)
		if err != nil {
			return nil, mapPgError(err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE detalle_venta SET devuelto = devuelto + $2, updated_at = now() WHERE id = $1
		`, line.ID, item.Cantidad); err != nil {
			return nil, mapPgError(err)
		}
		if line.ProductoID != nil {
			if p, ok := products[*line.ProductoID]; ok && p.tipo == domain.ItemTypeProduct {
				if _, err := tx.ExecContext(ctx, `
					UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1
				`, p.id, item.Cantidad); err != nil {
					return nil, mapPgError(err)
				}
			}
		}
		created = append(created, ret)
	}

	if hasCredit {
		newTotal, newPagado, newSaldo, settled := ledger.CreditAfterReturn(credTotal, credPagado, totalRefund, income)
		estado := domain.CreditStatusPending
		if settled {
			estado = domain.CreditStatusPaid
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE creditos SET total_deuda = $2, pagado = $3, saldo = $4, estado = $5, updated_at = now() WHERE id = $1
		`, creditID.Int64, newTotal, newPagado, newSaldo, estado); err != nil {
			return nil, mapPgError(err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO creditos_historial_compras (credito_id, venta_id, fecha, monto, pagado, saldo, estado)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, creditID.Int64, cmd.VentaID, cmd.Fecha, totalRefund.Neg(), income.Neg(), newSaldo, estado); err != nil {
			return nil, mapPgError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, mapPgError(err)
	}
	return &store.ReturnResult{Created: created, TotalRefund: totalRefund, IngresoAfectado: income}, nil
}

func (s *Store) ListReturns(ctx context.Context, w store.ReportWindow) ([]domain.Return, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT id, fecha, producto_id, venta_id, detalle_venta_id, cantidad, precio_unitario, total, motivo, ingreso_afectado,
			producto_codigo_snapshot, producto_nombre_snapshot, producto_costo_snapshot, producto_condicion_snapshot,
			producto_categoria_id_snapshot, producto_categoria_nombre_snapshot, created_at
		FROM devoluciones
	`)
	args := appendWindow(&b, nil, "fecha", w)
	b.WriteString(" ORDER BY fecha DESC, id DESC")

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.Return, 0, 64)
	for rows.Next() {
		var r domain.Return
		var producto, catID sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Fecha, &producto, &r.VentaID, &r.DetalleVentaID, &r.Cantidad, &r.PrecioUnitario,
			&r.Total, &r.Motivo, &r.IngresoAfectado, &r.Snapshot.Codigo, &r.Snapshot.Nombre, &r.Snapshot.Costo,
			&r.Snapshot.Condicion, &catID, &r.Snapshot.CategoriaNombre, &r.CreatedAt); err != nil {
			return nil, err
		}
		if producto.Valid {
			v := producto.Int64
			r.ProductoID = &v
		}
		if catID.Valid {
			v := catID.Int64
			r.Snapshot.CategoriaID = &v
		}
		returns = append(returns, r)
	}
	return returns, rows.Err()
}

// ---- credits ----

func (s *Store) ApplyCreditPayment(ctx context.Context, cmd store.PaymentCommand) (*domain.CreditPayment, *domain.CreditAccount, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var acct domain.CreditAccount
	var last sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT id, cliente_id, total_deuda, pagado, saldo, fecha_ultima_compra, estado, observaciones, created_at, updated_at
		FROM creditos
		WHERE id = $1
		FOR UPDATE
	`, cmd.CreditoID).Scan(&acct.ID, &acct.ClienteID, &acct.TotalDeuda, &acct.Pagado, &acct.Saldo,
		&last, &acct.Estado, &acct.Observaciones, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, mapPgError(err)
	}
	if last.Valid {
		t := last.Time
		acct.UltimaCompra = &t
	}

	if cmd.Strict && cmd.Monto.GreaterThan(acct.Saldo) {
		return nil, nil, store.Validationf("monto", "payment %s exceeds outstanding saldo %s", cmd.Monto, acct.Saldo)
	}

	payment := domain.CreditPayment{
		CreditoID:  cmd.CreditoID,
		Fecha:      cmd.Fecha,
		Monto:      cmd.Monto,
		Concepto:   cmd.Concepto,
		MetodoPago: cmd.MetodoPago,
		Referencia: cmd.Referencia,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO pagos_credito (credito_id, fecha, monto, concepto, metodo_pago, referencia)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at
	`, payment.CreditoID, payment.Fecha, payment.Monto, payment.Concepto, payment.MetodoPago, payment.Referencia).
		Scan(&payment.ID, &payment.CreatedAt)
	if err != nil {
		return nil, nil, mapPgError(err)
	}

	acct.Pagado, acct.Saldo = ledger.CreditAfterPayment(acct.Pagado, acct.Saldo, cmd.Monto)
	if cmd.Strict && acct.Saldo.Sign() == 0 {
		acct.Estado = domain.CreditStatusPaid
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE creditos SET pagado = $2, saldo = $3, estado = $4, updated_at = now() WHERE id = $1
	`, acct.ID, acct.Pagado, acct.Saldo, acct.Estado); err != nil {
		return nil, nil, mapPgError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, mapPgError(err)
	}
	return &payment, &acct, nil
}

func (s *Store) GetCreditDetail(ctx context.Context, creditID int64) (*store.CreditDetail, error) {
	var detail store.CreditDetail
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cliente_id, total_deuda, pagado, saldo, fecha_ultima_compra, estado, observaciones, created_at, updated_at
		FROM creditos WHERE id = $1
	`, creditID).Scan(&detail.Credit.ID, &detail.Credit.ClienteID, &detail.Credit.TotalDeuda, &detail.Credit.Pagado,
		&detail.Credit.Saldo, &last, &detail.Credit.Estado, &detail.Credit.Observaciones,
		&detail.Credit.CreatedAt, &detail.Credit.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if last.Valid {
		t := last.Time
		detail.Credit.UltimaCompra = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, credito_id, fecha, monto, concepto, metodo_pago, referencia, created_at
		FROM pagos_credito WHERE credito_id = $1 ORDER BY fecha DESC, id DESC
	`, creditID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.CreditPayment
		if err := rows.Scan(&p.ID, &p.CreditoID, &p.Fecha, &p.Monto, &p.Concepto, &p.MetodoPago, &p.Referencia, &p.CreatedAt); err != nil {
			return nil, err
		}
		detail.Pagos = append(detail.Pagos, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hrows, err := s.db.QueryContext(ctx, `
		SELECT id, credito_id, venta_id, fecha, monto, pagado, saldo, estado, created_at
		FROM creditos_historial_compras WHERE credito_id = $1 ORDER BY id
	`, creditID)
	if err != nil {
		return nil, err
	}
	defer hrows.Close()
	for hrows.Next() {
		var h domain.CreditHistoryEntry
		if err := hrows.Scan(&h.ID, &h.CreditoID, &h.VentaID, &h.Fecha, &h.Monto, &h.Pagado, &h.Saldo, &h.Estado, &h.CreatedAt); err != nil {
			return nil, err
		}
		detail.Historia = append(detail.Historia, h)
	}
	return &detail, hrows.Err()
}

func (s *Store) ListDebtors(ctx context.Context) ([]domain.Debtor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cr.id, cu.id, cu.nombre, cu.telefono, cr.total_deuda, cr.pagado, cr.saldo, cr.fecha_ultima_compra, cr.estado
		FROM creditos cr
		JOIN customers cu ON cu.id = cr.cliente_id
		WHERE cr.saldo > 0
		ORDER BY cr.saldo DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	debtors := make([]domain.Debtor, 0, 32)
	for rows.Next() {
		var d domain.Debtor
		var last sql.NullTime
		if err := rows.Scan(&d.CreditoID, &d.ClienteID, &d.Nombre, &d.Telefono, &d.TotalDeuda, &d.Pagado, &d.Saldo, &last, &d.Estado); err != nil {
			return nil, err
		}
		if last.Valid {
			t := last.Time
			d.UltimaCompra = &t
		}
		debtors = append(debtors, d)
	}
	return debtors, rows.Err()
}

// ---- reporting rows ----

// Effective condition of a line or return: snapshot first, live product
// second, new as the default. %s is the table alias.
const condExpr = `lower(COALESCE(NULLIF(%s.producto_condicion_snapshot, ''), p.condicion, 'new'))`

// reportTx runs fn in a read-only transaction bounded by the configured
// statement timeout so a pathological aggregation cannot pin a connection.
func (s *Store) reportTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", s.reportTimeout.Milliseconds())); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return mapPgError(err)
	}
	return tx.Commit()
}

func (s *Store) ListCashSaleLines(ctx context.Context, w store.ReportWindow) ([]report.RevenueLine, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `
		SELECT dv.fecha_venta, dv.subtotal, `+condExpr+`
		FROM detalle_venta dv
		LEFT JOIN products p ON p.id = dv.producto_id
		WHERE NOT EXISTS (SELECT 1 FROM creditos_historial_compras h WHERE h.venta_id = dv.venta_id)
	`, "dv")
	args := appendWindowAnd(&b, nil, "dv.fecha_venta", w)

	var out []report.RevenueLine
	err := s.reportTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = queryRevenueLines(ctx, tx, b.String(), args)
		return err
	})
	return out, err
}

func (s *Store) ListCashReturnImpacts(ctx context.Context, w store.ReportWindow) ([]report.RevenueLine, error) {
	return s.listReturnImpacts(ctx, w, false)
}

func (s *Store) ListCreditReturnImpacts(ctx context.Context, w store.ReportWindow) ([]report.RevenueLine, error) {
	return s.listReturnImpacts(ctx, w, true)
}

func (s *Store) listReturnImpacts(ctx context.Context, w store.ReportWindow, onCredit bool) ([]report.RevenueLine, error) {
	existsOp := "NOT EXISTS"
	if onCredit {
		existsOp = "EXISTS"
	}
	var b strings.Builder
	fmt.Fprintf(&b, `
		SELECT d.fecha, d.ingreso_afectado, `+condExpr+`
		FROM devoluciones d
		LEFT JOIN products p ON p.id = d.producto_id
		WHERE %s (SELECT 1 FROM creditos_historial_compras h WHERE h.venta_id = d.venta_id AND h.monto >= 0)
	`, "d", existsOp)
	args := appendWindowAnd(&b, nil, "d.fecha", w)

	var out []report.RevenueLine
	err := s.reportTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = queryRevenueLines(ctx, tx, b.String(), args)
		return err
	})
	return out, err
}

func queryRevenueLines(ctx context.Context, tx *sql.Tx, query string, args []any) ([]report.RevenueLine, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]report.RevenueLine, 0, 256)
	for rows.Next() {
		var line report.RevenueLine
		if err := rows.Scan(&line.At, &line.Amount, &line.Condition); err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func (s *Store) ListCreditPayments(ctx context.Context, w store.ReportWindow) ([]report.CreditPaymentRow, error) {
	var b strings.Builder
	b.WriteString(`SELECT fecha, credito_id, monto FROM pagos_credito WHERE 1=1`)
	args := appendWindowAnd(&b, nil, "fecha", w)

	var out []report.CreditPaymentRow
	err := s.reportTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, b.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = make([]report.CreditPaymentRow, 0, 128)
		for rows.Next() {
			var p report.CreditPaymentRow
			if err := rows.Scan(&p.At, &p.CreditoID, &p.Amount); err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) CreditConditionTotals(ctx context.Context) (map[int64]report.ConditionTotals, error) {
	query := fmt.Sprintf(`
		SELECT h.credito_id,
			COALESCE(SUM(CASE WHEN %[1]s <> 'used' THEN dv.subtotal ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN %[1]s = 'used' THEN dv.subtotal ELSE 0 END), 0)
		FROM creditos_historial_compras h
		JOIN detalle_venta dv ON dv.venta_id = h.venta_id
		LEFT JOIN products p ON p.id = dv.producto_id
		WHERE h.monto >= 0
		GROUP BY h.credito_id
	`, fmt.Sprintf(condExpr, "dv"))

	totals := map[int64]report.ConditionTotals{}
	err := s.reportTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var t report.ConditionTotals
			if err := rows.Scan(&id, &t.New, &t.Used); err != nil {
				return err
			}
			totals[id] = t
		}
		return rows.Err()
	})
	return totals, err
}

func (s *Store) ListProfitLines(ctx context.Context, w store.ReportWindow, condicion string) ([]report.ProfitLine, error) {
	var b strings.Builder
	args := []any{strings.ToLower(condicion)}
	fmt.Fprintf(&b, `
		SELECT dv.fecha_venta, dv.subtotal, dv.cantidad * COALESCE(dv.producto_costo_snapshot, p.costo, 0)
		FROM detalle_venta dv
		LEFT JOIN products p ON p.id = dv.producto_id
		WHERE `+condExpr+` = $1
	`, "dv")
	args = appendWindowAnd(&b, args, "dv.fecha_venta", w)

	var out []report.ProfitLine
	err := s.reportTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, b.String(), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = make([]report.ProfitLine, 0, 256)
		for rows.Next() {
			var pl report.ProfitLine
			if err := rows.Scan(&pl.At, &pl.Subtotal, &pl.Cost); err != nil {
				return err
			}
			out = append(out, pl)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) GetDashboardStats(ctx context.Context, condicion string, now time.Time) (*domain.DashboardStats, error) {
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	condFilter := ""
	condArgs := []any{}
	if condicion != domain.SectionAll && condicion != "" {
		condFilter = " AND lower(condicion) = $1"
		condArgs = append(condArgs, strings.ToLower(condicion))
	}

	var stats domain.DashboardStats
	err := s.reportTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM products WHERE status = 'active'`+condFilter, condArgs...,
		).Scan(&stats.TotalProductos); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(costo * stock), 0) FROM products WHERE status = 'active'`+condFilter, condArgs...,
		).Scan(&stats.ValorInventario); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(saldo), 0) FROM creditos WHERE estado = 'pendiente'`,
		).Scan(&stats.CreditosPendientes); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(total), 0) FROM devoluciones WHERE fecha >= $1`, startOfMonth,
		).Scan(&stats.DevolucionesMensuales)
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// ---- users ----

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var u domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, active, created_at FROM users WHERE username = $1
	`, username).Scan(&u.ID, &u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active) VALUES ($1,$2,$3,$4)
	`, u.Username, u.Password, u.Role, u.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Validationf("username", "username already exists")
		}
		return err
	}
	return nil
}

// ---- helpers ----

func appendPagination(b *strings.Builder, args *[]any, limit, offset int) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	*args = append(*args, limit)
	fmt.Fprintf(b, " LIMIT $%d", len(*args))
	if offset > 0 {
		*args = append(*args, offset)
		fmt.Fprintf(b, " OFFSET $%d", len(*args))
	}
}

func appendWindow(b *strings.Builder, args []any, col string, w store.ReportWindow) []any {
	wrote := false
	if w.From != nil {
		args = append(args, *w.From)
		fmt.Fprintf(b, " WHERE %s >= $%d", col, len(args))
		wrote = true
	}
	if w.To != nil {
		args = append(args, *w.To)
		kw := " WHERE"
		if wrote {
			kw = " AND"
		}
		fmt.Fprintf(b, "%s %s < $%d", kw, col, len(args))
	}
	return args
}

// appendWindowAnd assumes the query already carries a WHERE clause.
func appendWindowAnd(b *strings.Builder, args []any, col string, w store.ReportWindow) []any {
	if w.From != nil {
		args = append(args, *w.From)
		fmt.Fprintf(b, " AND %s >= $%d", col, len(args))
	}
	if w.To != nil {
		args = append(args, *w.To)
		fmt.Fprintf(b, " AND %s < $%d", col, len(args))
	}
	return args
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// mapPgError translates storage failures into the store sentinels for
// numeric precision overflow and lock/serialization conflicts.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22003", "22P02":
			return fmt.Errorf("%w: %s", store.ErrNumericOverflow, pgErr.Message)
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", store.ErrTxConflict, pgErr.Message)
		}
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullIfZero(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}

func nullInt64(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Customer struct {
	ID            int64      `json:"id"`
	Nombre        string     `json:"nombre"`
	Telefono      string     `json:"telefono,omitempty"`
	Email         string     `json:"email,omitempty"`
	Direccion     string     `json:"direccion,omitempty"`
	Observaciones string     `json:"observaciones,omitempty"`
	UltimaCompra  *time.Time `json:"fecha_ultima_compra,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type Category struct {
	ID     int64  `json:"id"`
	Nombre string `json:"nombre"`
}

type Product struct {
	ID              int64           `json:"id"`
	Codigo          string          `json:"codigo,omitempty"`
	Nombre          string          `json:"nombre"`
	CategoriaID     int64           `json:"categoria_id"`
	CategoriaNombre string          `json:"categoria_nombre,omitempty"`
	Tipo            string          `json:"tipo"`
	Precio          decimal.Decimal `json:"precio"`
	Costo           decimal.Decimal `json:"costo"`
	Stock           decimal.Decimal `json:"stock"`
	StockMinimo     decimal.Decimal `json:"stock_minimo"`
	Condicion       string          `json:"condicion"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Sale struct {
	ID              int64           `json:"id"`
	Fecha           time.Time       `json:"fecha"`
	ClienteID       *int64          `json:"cliente_id,omitempty"`
	Total           decimal.Decimal `json:"total"`
	Estado          string          `json:"estado"`
	MetodoPago      string          `json:"metodo_pago,omitempty"`
	DocumentoNumero string          `json:"documento_numero,omitempty"`
	IVAMonto        decimal.Decimal `json:"iva_monto"`
	IVAPorcentaje   decimal.Decimal `json:"iva_porcentaje"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Items           []SaleLine      `json:"items,omitempty"`
}

// ProductSnapshot freezes product attributes at the moment a line or return
// is written. Snapshot values stay authoritative even if the live product
// row changes or is deleted afterwards.
type ProductSnapshot struct {
	Codigo          string              `json:"producto_codigo_snapshot,omitempty"`
	Nombre          string              `json:"producto_nombre_snapshot,omitempty"`
	Costo           decimal.NullDecimal `json:"producto_costo_snapshot,omitempty"`
	Condicion       string              `json:"producto_condicion_snapshot,omitempty"`
	CategoriaID     *int64              `json:"producto_categoria_id_snapshot,omitempty"`
	CategoriaNombre string              `json:"producto_categoria_nombre_snapshot,omitempty"`
}

type SaleLine struct {
	ID             int64           `json:"id"`
	VentaID        int64           `json:"venta_id"`
	ProductoID     *int64          `json:"producto_id,omitempty"`
	Cantidad       decimal.Decimal `json:"cantidad"`
	Devuelto       decimal.Decimal `json:"devuelto"`
	PrecioUnitario decimal.Decimal `json:"precio_unitario"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	FechaVenta     time.Time       `json:"fecha_venta"`
	Override       bool            `json:"override"`
	Snapshot       ProductSnapshot `json:"snapshot"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Disponible is the quantity still available to return on this line.
func (l SaleLine) Disponible() decimal.Decimal {
	return l.Cantidad.Sub(l.Devuelto)
}

type CreditAccount struct {
	ID            int64           `json:"id"`
	ClienteID     int64           `json:"cliente_id"`
	TotalDeuda    decimal.Decimal `json:"total_deuda"`
	Pagado        decimal.Decimal `json:"pagado"`
	Saldo         decimal.Decimal `json:"saldo"`
	UltimaCompra  *time.Time      `json:"fecha_ultima_compra,omitempty"`
	Estado        string          `json:"estado"`
	Observaciones string          `json:"observaciones,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CreditHistoryEntry links a credit account to the sale that originated or
// adjusted it. Append-only; returns add rows with negative monto/pagado.
type CreditHistoryEntry struct {
	ID        int64           `json:"id"`
	CreditoID int64           `json:"credito_id"`
	VentaID   int64           `json:"venta_id"`
	Fecha     time.Time       `json:"fecha"`
	Monto     decimal.Decimal `json:"monto"`
	Pagado    decimal.Decimal `json:"pagado"`
	Saldo     decimal.Decimal `json:"saldo"`
	Estado    string          `json:"estado"`
	CreatedAt time.Time       `json:"created_at"`
}

type CreditPayment struct {
	ID         int64           `json:"id"`
	CreditoID  int64           `json:"credito_id"`
	Fecha      time.Time       `json:"fecha"`
	Monto      decimal.Decimal `json:"monto"`
	Concepto   string          `json:"concepto,omitempty"`
	MetodoPago string          `json:"metodo_pago,omitempty"`
	Referencia string          `json:"referencia,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Return struct {
	ID              int64           `json:"id"`
	Fecha           time.Time       `json:"fecha"`
	ProductoID      *int64          `json:"producto_id,omitempty"`
	VentaID         int64           `json:"venta_id"`
	DetalleVentaID  int64           `json:"detalle_venta_id"`
	Cantidad        decimal.Decimal `json:"cantidad"`
	PrecioUnitario  decimal.Decimal `json:"precio_unitario"`
	Total           decimal.Decimal `json:"total"`
	Motivo          string          `json:"motivo,omitempty"`
	IngresoAfectado decimal.Decimal `json:"ingreso_afectado"`
	Snapshot        ProductSnapshot `json:"snapshot"`
	CreatedAt       time.Time       `json:"created_at"`
}

// UserAccount holds auth credentials; Password is a bcrypt hash.
type UserAccount struct {
	ID        int64
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type Actor struct {
	Username string
	Role     string
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CheckoutItem struct {
	ProductoID     int64           `json:"productId"`
	Cantidad       decimal.Decimal `json:"qty"`
	PrecioUnitario decimal.Decimal `json:"unit_price"`
	Override       bool            `json:"override"`
}

type CheckoutRequest struct {
	SaleType      string          `json:"saleType"`
	ClienteID     *int64          `json:"customerId,omitempty"`
	MetodoPago    string          `json:"paymentMethod"`
	PaidAmount    decimal.Decimal `json:"paidAmount"`
	IVAPorcentaje decimal.Decimal `json:"iva_porcentaje"`
	Observaciones string          `json:"observaciones,omitempty"`
	Items         []CheckoutItem  `json:"items"`
}

type CheckoutResponse struct {
	SaleID          int64           `json:"id"`
	DocumentoNumero string          `json:"documento_numero"`
	Total           decimal.Decimal `json:"total"`
	IVAMonto        decimal.Decimal `json:"iva_monto"`
	CreditoID       *int64          `json:"credito_id,omitempty"`
}

type ReturnItemRequest struct {
	DetalleID int64           `json:"detalle_id"`
	Cantidad  decimal.Decimal `json:"qty"`
	Motivo    string          `json:"motivo,omitempty"`
}

type ReturnRequest struct {
	VentaID int64               `json:"venta_id"`
	Items   []ReturnItemRequest `json:"items"`
}

type CreatedReturn struct {
	DevolucionID int64           `json:"devolucion_id"`
	DetalleID    int64           `json:"detalle_id"`
	Cantidad     decimal.Decimal `json:"cantidad"`
	Total        decimal.Decimal `json:"total"`
}

type ReturnResponse struct {
	VentaID         int64           `json:"venta_id"`
	TotalRefund     decimal.Decimal `json:"total_refund"`
	IngresoAfectado decimal.Decimal `json:"ingreso_afectado"`
	Items           []CreatedReturn `json:"items"`
}

type CreditPaymentRequest struct {
	CreditoID  int64           `json:"credito_id"`
	Monto      decimal.Decimal `json:"monto"`
	MetodoPago string          `json:"metodo_pago,omitempty"`
	Concepto   string          `json:"concepto,omitempty"`
}

type CreditPaymentResponse struct {
	PaymentID  int64           `json:"pago_id"`
	Referencia string          `json:"referencia"`
	NuevoSaldo decimal.Decimal `json:"nuevo_saldo"`
	Estado     string          `json:"estado"`
}

// Debtor is a credit account joined with its customer, for collections.
type Debtor struct {
	CreditoID    int64           `json:"credito_id"`
	ClienteID    int64           `json:"cliente_id"`
	Nombre       string          `json:"nombre"`
	Telefono     string          `json:"telefono,omitempty"`
	TotalDeuda   decimal.Decimal `json:"total_deuda"`
	Pagado       decimal.Decimal `json:"pagado"`
	Saldo        decimal.Decimal `json:"saldo"`
	UltimaCompra *time.Time      `json:"fecha_ultima_compra,omitempty"`
	Estado       string          `json:"estado"`
}

type ChartPoint struct {
	Periodo    string          `json:"periodo"`
	Ventas     decimal.Decimal `json:"ventas"`
	Utilidad   decimal.Decimal `json:"utilidad"`
	PriceTotal decimal.Decimal `json:"price_total"`
	CostTotal  decimal.Decimal `json:"cost_total"`
}

type SalesChart struct {
	Diario    []ChartPoint `json:"diario"`
	Quincenal []ChartPoint `json:"quincenal"`
	Mensual   []ChartPoint `json:"mensual"`
	Todos     []ChartPoint `json:"todos"`
}

type DashboardStats struct {
	TotalProductos        int64           `json:"total_productos"`
	VentasHoy             decimal.Decimal `json:"ventas_hoy"`
	CreditosPendientes    decimal.Decimal `json:"creditos_pendientes"`
	ValorInventario       decimal.Decimal `json:"valor_inventario"`
	DevolucionesMensuales decimal.Decimal `json:"devoluciones_mensuales"`
}

type DashboardResponse struct {
	Stats      DashboardStats `json:"stats"`
	SalesChart SalesChart     `json:"sales_chart"`
}

const (
	SaleStatusCompleted = "completada"
	SaleStatusPending   = "pendiente"

	CreditStatusPending = "pendiente"
	CreditStatusPaid    = "pagado"

	ConditionNew  = "new"
	ConditionUsed = "used"

	ItemTypeProduct = "producto"
	ItemTypeService = "servicio"

	ProductStatusActive   = "active"
	ProductStatusArchived = "archived"

	SaleTypeCash   = "CASH"
	SaleTypeCredit = "CREDIT"

	PaymentCash = "efectivo"

	SectionAll  = "all"
	SectionNew  = "new"
	SectionUsed = "used"
)

// EffectiveCondition resolves a line or return condition from its snapshot,
// falling back to the live product condition when the snapshot is empty.
func EffectiveCondition(snapshot, live string) string {
	if snapshot != "" {
		return snapshot
	}
	return live
}

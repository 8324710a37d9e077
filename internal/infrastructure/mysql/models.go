package mysql

import (
	"time"

	"gorm.io/gorm"

	"github.com/aitbekov/kaspi-sync/internal/domain/order"
)

// ProductModel maps the products catalog table.
type ProductModel struct {
	gorm.Model
	SKU      string `gorm:"uniqueIndex;size:255"`
	Name     string `gorm:"size:255"`
	Brand    string `gorm:"size:15"`
	Price    float64
	IsActive bool `gorm:"default:true"`
}

func (ProductModel) TableName() string { return "products" }

// StockModel maps the warehouses table.
type StockModel struct {
	gorm.Model
	Name     string `gorm:"size:10;index"`
	IsActive bool   `gorm:"default:true"`
}

func (StockModel) TableName() string { return "stocks" }

// StockInventoryModel holds the per-warehouse quantity of one product.
type StockInventoryModel struct {
	gorm.Model
	ProductID uint `gorm:"index:idx_inventory_product_stock,unique"`
	StockID   uint `gorm:"index:idx_inventory_product_stock,unique"`
	Quantity  int  `gorm:"not null;default:0"`
	IsActive  bool `gorm:"default:true"`
}

func (StockInventoryModel) TableName() string { return "stock_inventory" }

// OrderModel is the local record of a marketplace order.
type OrderModel struct {
	gorm.Model
	OrderID          string       `gorm:"uniqueIndex;size:100"`
	OrderCode        string       `gorm:"index;size:100"`
	StockName        string       `gorm:"size:100"`
	Status           order.Status `gorm:"size:100"`
	FailureReason    string       `gorm:"size:512"`
	InvoiceGenerated bool         `gorm:"default:false"`
	IsCanceled       bool         `gorm:"index;default:false"`
}

func (OrderModel) TableName() string { return "kaspi_orders" }

// SoldProductModel is one line item of a processed order.
type SoldProductModel struct {
	gorm.Model
	OrderID       string `gorm:"index;size:100"`
	OrderCode     string `gorm:"index;size:100"`
	ProductCode   string `gorm:"index;size:100"`
	ProductName   string `gorm:"size:255"`
	Quantity      int    `gorm:"not null"`
	CustomerName  string `gorm:"size:255"`
	CustomerPhone string `gorm:"size:32"`
	Waybill       string `gorm:"size:512"`
}

func (SoldProductModel) TableName() string { return "kaspi_sold_products" }

// CanceledOrderModel journals cancellations so reversals are auditable.
type CanceledOrderModel struct {
	gorm.Model
	OrderID     string `gorm:"index;size:100"`
	OrderCode   string `gorm:"index;size:100"`
	ProductCode string `gorm:"size:100"`
	Reason      string `gorm:"size:255"`
}

func (CanceledOrderModel) TableName() string { return "kaspi_canceled_orders" }

// StockAdjustmentModel records every stock mutation. The unique key on
// (order_id, product_code, operation) is what makes ApplyDecrement an
// at-most-once operation under retries.
type StockAdjustmentModel struct {
	gorm.Model
	OrderID     string `gorm:"index:idx_adjustment_once,unique;size:100"`
	ProductCode string `gorm:"index:idx_adjustment_once,unique;size:100"`
	Operation   string `gorm:"index:idx_adjustment_once,unique;size:32"`
	StockName   string `gorm:"size:100"`
	Quantity    int    `gorm:"not null"`
	AppliedAt   time.Time
}

func (StockAdjustmentModel) TableName() string { return "stock_adjustments" }

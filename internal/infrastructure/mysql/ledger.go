package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	appsync "github.com/aitbekov/kaspi-sync/internal/application/sync"
	"github.com/aitbekov/kaspi-sync/internal/domain/order"
	"github.com/aitbekov/kaspi-sync/internal/observability"
	"github.com/aitbekov/kaspi-sync/internal/pkg/retry"
)

const (
	opSale    = "sale"
	opRestock = "restock"
)

// Ledger is the MySQL-backed inventory ledger. All multi-row mutations run
// in a transaction; the adjustment journal keys decrements by order so a
// retried order never hits stock twice.
type Ledger struct {
	db  *gorm.DB
	log observability.Logger
}

func NewLedger(db *gorm.DB, tel observability.Telemetry) *Ledger {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Ledger{
		db:  db,
		log: tel.Logger().With(observability.F("component", "mysql_ledger")),
	}
}

var _ appsync.Ledger = (*Ledger)(nil)

func (l *Ledger) CheckAvailability(ctx context.Context, stockName string, items []order.LineItem) (bool, error) {
	for _, it := range items {
		var qty int
		err := l.db.WithContext(ctx).
			Table("stock_inventory").
			Select("stock_inventory.quantity").
			Joins("JOIN products ON products.id = stock_inventory.product_id").
			Joins("JOIN stocks ON stocks.id = stock_inventory.stock_id").
			Where("products.sku = ? AND stocks.name = ? AND stock_inventory.is_active = ?", it.ProductCode, stockName, true).
			Take(&qty).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Not stocked in this warehouse at all.
			l.log.Warn("product_not_stocked",
				observability.F("product_code", it.ProductCode),
				observability.F("stock", stockName),
			)
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read stock of %s: %w", it.ProductCode, err)
		}
		if qty < it.Quantity {
			return false, nil
		}
	}
	return true, nil
}

func (l *Ledger) ApplyDecrement(ctx context.Context, orderID, stockName string, items []order.LineItem) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&StockAdjustmentModel{}).
			Where("order_id = ? AND operation = ?", orderID, opSale).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			// Already decremented on an earlier attempt.
			return nil
		}

		for _, it := range items {
			inv, err := lockInventory(tx, stockName, it.ProductCode)
			if err != nil {
				return err
			}
			if inv.Quantity < it.Quantity {
				return retry.Permanent(fmt.Errorf("product %s: %w", it.ProductCode, appsync.ErrInsufficientStock))
			}
			if err := tx.Model(inv).Update("quantity", inv.Quantity-it.Quantity).Error; err != nil {
				return err
			}
			if err := tx.Create(&StockAdjustmentModel{
				OrderID:     orderID,
				ProductCode: it.ProductCode,
				Operation:   opSale,
				StockName:   stockName,
				Quantity:    it.Quantity,
				AppliedAt:   time.Now().UTC(),
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Ledger) ReverseReservation(ctx context.Context, orderID string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sales []StockAdjustmentModel
		if err := tx.Where("order_id = ? AND operation = ?", orderID, opSale).
			Find(&sales).Error; err != nil {
			return err
		}
		if len(sales) == 0 {
			return nil
		}

		var reversed int64
		if err := tx.Model(&StockAdjustmentModel{}).
			Where("order_id = ? AND operation = ?", orderID, opRestock).
			Count(&reversed).Error; err != nil {
			return err
		}
		if reversed > 0 {
			return nil
		}

		var rec OrderModel
		if err := tx.Where("order_id = ?", orderID).Take(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return appsync.ErrUnknownOrder
			}
			return err
		}

		for _, sale := range sales {
			inv, err := lockInventory(tx, sale.StockName, sale.ProductCode)
			if err != nil {
				return err
			}
			if err := tx.Model(inv).Update("quantity", inv.Quantity+sale.Quantity).Error; err != nil {
				return err
			}
			if err := tx.Create(&StockAdjustmentModel{
				OrderID:     orderID,
				ProductCode: sale.ProductCode,
				Operation:   opRestock,
				StockName:   sale.StockName,
				Quantity:    sale.Quantity,
				AppliedAt:   time.Now().UTC(),
			}).Error; err != nil {
				return err
			}
			if err := tx.Create(&CanceledOrderModel{
				OrderID:     orderID,
				OrderCode:   rec.OrderCode,
				ProductCode: sale.ProductCode,
				Reason:      "reservation reversed",
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Ledger) MarkProcessed(ctx context.Context, o *order.Order) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := OrderModel{
			OrderID:       o.ID,
			OrderCode:     o.Code,
			StockName:     o.StockName,
			Status:        order.StatusProcessed,
			FailureReason: "",
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "failure_reason", "updated_at"}),
		}).Create(&rec).Error; err != nil {
			return err
		}

		if err := tx.Where("order_id = ?", o.ID).Delete(&SoldProductModel{}).Error; err != nil {
			return err
		}
		for _, it := range o.Items {
			if err := tx.Create(&SoldProductModel{
				OrderID:       o.ID,
				OrderCode:     o.Code,
				ProductCode:   it.ProductCode,
				ProductName:   it.ProductName,
				Quantity:      it.Quantity,
				CustomerName:  o.CustomerName,
				CustomerPhone: o.CustomerPhone,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Ledger) SetOrderStatus(ctx context.Context, orderID string, status order.Status) error {
	updates := map[string]any{"status": status}
	if status == order.StatusCancelled {
		updates["is_canceled"] = true
	}
	res := l.db.WithContext(ctx).Model(&OrderModel{}).
		Where("order_id = ?", orderID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return appsync.ErrUnknownOrder
	}
	return nil
}

func (l *Ledger) RecordWaybill(ctx context.Context, orderID, link string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&OrderModel{}).
			Where("order_id = ?", orderID).
			Update("invoice_generated", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return appsync.ErrUnknownOrder
		}
		return tx.Model(&SoldProductModel{}).
			Where("order_id = ?", orderID).
			Update("waybill", link).Error
	})
}

func (l *Ledger) OrderStatus(ctx context.Context, orderID string) (order.Status, error) {
	var rec OrderModel
	err := l.db.WithContext(ctx).
		Select("status").
		Where("order_id = ?", orderID).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", appsync.ErrUnknownOrder
	}
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// lockInventory reads the inventory row of one product in one warehouse
// with a row lock held for the rest of the transaction.
func lockInventory(tx *gorm.DB, stockName, productCode string) (*StockInventoryModel, error) {
	var prod ProductModel
	if err := tx.Where("sku = ? AND is_active = ?", productCode, true).Take(&prod).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, retry.Permanent(fmt.Errorf("unknown product %s", productCode))
		}
		return nil, err
	}
	var stock StockModel
	if err := tx.Where("name = ? AND is_active = ?", stockName, true).Take(&stock).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, retry.Permanent(fmt.Errorf("unknown warehouse %s", stockName))
		}
		return nil, err
	}
	var inv StockInventoryModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("product_id = ? AND stock_id = ?", prod.ID, stock.ID).
		Take(&inv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, retry.Permanent(fmt.Errorf("product %s not stocked in %s", productCode, stockName))
		}
		return nil, err
	}
	return &inv, nil
}

// Package mysql persists the inventory ledger in MariaDB/MySQL via GORM.
package mysql

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the database and migrates the ledger schema.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(16)
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := db.AutoMigrate(
		&ProductModel{},
		&StockModel{},
		&StockInventoryModel{},
		&OrderModel{},
		&SoldProductModel{},
		&CanceledOrderModel{},
		&StockAdjustmentModel{},
	); err != nil {
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	return db, nil
}

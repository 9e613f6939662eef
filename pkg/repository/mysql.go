package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/piata/pkg/config"
	"github.com/example/piata/pkg/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrProductNotFound = errors.New("product not found")

	errCommitRejected = errors.New("commit rejected by hard check")
)

// OrderRepository holds orders and the product catalog in MySQL. The
// commit transaction is the only place stock is ever decremented.
type OrderRepository struct {
	db *gorm.DB
}

func ConnectMySQL(cfg *config.MySQLConfig) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Product{},
		&models.Order{},
		&models.OrderLine{},
		&models.OrderStatusEntry{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)

	return db, nil
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// CommitOrder runs the hard check and the order insert as one
// transaction. Every product row is locked, then validated against the
// frozen line snapshot; any failure rolls the whole thing back and the
// per-line diff is returned with a nil error. Stock is decremented in the
// same transaction that creates the order.
func (r *OrderRepository) CommitOrder(ctx context.Context, order *models.Order) ([]models.LineFailure, error) {
	var failures []models.LineFailure

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range order.Lines {
			line := &order.Lines[i]

			var product models.Product
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&product, "id = ?", line.ProductID).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					failures = append(failures, models.LineFailure{
						ProductID: line.ProductID,
						Reason:    models.LineUnavailable,
						Requested: line.Quantity,
					})
					continue
				}
				return fmt.Errorf("failed to lock product %s: %w", line.ProductID, err)
			}

			switch {
			case !product.Available:
				failures = append(failures, models.LineFailure{
					ProductID: line.ProductID,
					Reason:    models.LineUnavailable,
					Requested: line.Quantity,
				})
			case product.Stock == 0:
				failures = append(failures, models.LineFailure{
					ProductID: line.ProductID,
					Reason:    models.LineOutOfStock,
					Requested: line.Quantity,
				})
			case product.Stock < line.Quantity:
				failures = append(failures, models.LineFailure{
					ProductID: line.ProductID,
					Reason:    models.LineInsufficientStock,
					Requested: line.Quantity,
					Available: product.Stock,
				})
			case product.PriceBani != line.UnitPriceBani:
				// Any drift since add time is rejected for explicit
				// reconfirmation, old price or new.
				failures = append(failures, models.LineFailure{
					ProductID:     line.ProductID,
					Reason:        models.LinePriceChanged,
					Requested:     line.Quantity,
					PriceSnapshot: line.UnitPriceBani,
					CurrentPrice:  product.PriceBani,
				})
			default:
				line.Name = product.Name
			}
		}

		if len(failures) > 0 {
			return errCommitRejected
		}

		for _, line := range order.Lines {
			res := tx.Model(&models.Product{}).
				Where("id = ? AND stock >= ?", line.ProductID, line.Quantity).
				UpdateColumn("stock", gorm.Expr("stock - ?", line.Quantity))
			if res.Error != nil {
				return fmt.Errorf("failed to decrement stock for %s: %w", line.ProductID, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("stock for %s changed under lock", line.ProductID)
			}
		}

		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		return nil
	})

	if errors.Is(err, errCommitRejected) {
		return failures, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *OrderRepository) GetBySession(ctx context.Context, sessionID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Lines").Preload("History").
		Where("source_session_id = ?", sessionID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order by session: %w", err)
	}
	return &order, nil
}

func (r *OrderRepository) GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Lines").Preload("History").
		Where("order_number = ?", orderNumber).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// AppendStatus records a status-history entry and moves the order's
// current status. History rows are append-only.
func (r *OrderRepository) AppendStatus(ctx context.Context, orderNumber, status, note string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Order{}).
			Where("order_number = ?", orderNumber).
			Update("status", status)
		if res.Error != nil {
			return fmt.Errorf("failed to update order status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrOrderNotFound
		}

		entry := &models.OrderStatusEntry{
			OrderNumber: orderNumber,
			Status:      status,
			Note:        note,
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to append status entry: %w", err)
		}
		return nil
	})
}

// GetProduct reads one catalog row; the cached soft-check path sits on
// top of this in pkg/catalog.
func (r *OrderRepository) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).First(&product, "id = ?", productID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &product, nil
}

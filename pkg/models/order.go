package models

import (
	"time"
)

const OrderStatusPending = "pending"

// Order is the persisted result of a successful checkout. Line items and
// totals are frozen at commit time and never recomputed from the catalog.
// The unique index on SourceSessionID is what makes "at most one order
// per session" a database invariant rather than a convention.
type Order struct {
	OrderNumber     string             `gorm:"primaryKey;type:varchar(32)" json:"orderNumber"`
	SourceSessionID string             `gorm:"type:varchar(36);uniqueIndex;not null" json:"sourceSessionId"`
	Phone           string             `gorm:"type:varchar(20)" json:"-"`
	SubtotalBani    int64              `gorm:"not null" json:"subtotalBani"`
	TaxBani         int64              `gorm:"not null" json:"taxBani"`
	TotalBani       int64              `gorm:"not null" json:"totalBani"`
	Status          string             `gorm:"type:varchar(20);default:'pending'" json:"status"`
	Lines           []OrderLine        `gorm:"foreignKey:OrderNumber;references:OrderNumber" json:"lineItems"`
	History         []OrderStatusEntry `gorm:"foreignKey:OrderNumber;references:OrderNumber" json:"statusHistory"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"-"`
}

func (Order) TableName() string {
	return "orders"
}

// OrderLine is an immutable snapshot of one cart line at commit time.
type OrderLine struct {
	ID            uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	OrderNumber   string `gorm:"type:varchar(32);index;not null" json:"-"`
	ProductID     string `gorm:"type:varchar(36);not null" json:"productId"`
	Name          string `gorm:"type:varchar(200)" json:"name"`
	UnitPriceBani int64  `gorm:"not null" json:"unitPriceBani"`
	Quantity      int    `gorm:"not null" json:"quantity"`
}

func (OrderLine) TableName() string {
	return "order_lines"
}

// OrderStatusEntry is one row of the append-only status history.
type OrderStatusEntry struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	OrderNumber string    `gorm:"type:varchar(32);index;not null" json:"-"`
	Status      string    `gorm:"type:varchar(20);not null" json:"status"`
	Note        string    `gorm:"type:varchar(255)" json:"note"`
	CreatedAt   time.Time `json:"timestamp"`
}

func (OrderStatusEntry) TableName() string {
	return "order_status_history"
}

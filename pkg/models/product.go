package models

import (
	"time"
)

// Product is a catalog row. This subsystem only reads it, except for the
// stock decrement inside the commit transaction.
type Product struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name      string    `gorm:"type:varchar(200);not null" json:"name"`
	PriceBani int64     `gorm:"not null" json:"priceBani"`
	Stock     int       `gorm:"not null" json:"stock"`
	Available bool      `gorm:"not null;default:true" json:"available"`
	UpdatedAt time.Time `json:"-"`
}

func (Product) TableName() string {
	return "products"
}

// ProductSnapshot is the cached read model used by the soft check. It is
// allowed to be slightly stale; the commit-time hard check re-reads the
// products table under a row lock.
type ProductSnapshot struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PriceBani int64  `json:"price_bani"`
	Stock     int    `json:"stock"`
	Available bool   `json:"available"`
}

// Snapshot copies the fields the soft check cares about.
func (p *Product) Snapshot() *ProductSnapshot {
	return &ProductSnapshot{
		ID:        p.ID,
		Name:      p.Name,
		PriceBani: p.PriceBani,
		Stock:     p.Stock,
		Available: p.Available,
	}
}

// VerificationCode is the per-session SMS code record, stored in Redis
// under the code's TTL. The session binding is the storage key itself, so
// a code issued for one session can never confirm another.
type VerificationCode struct {
	Code     string    `json:"code"`
	Phone    string    `json:"phone"`
	Attempts int       `json:"attempts"`
	IssuedAt time.Time `json:"issued_at"`
}

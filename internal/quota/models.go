package quota

import "time"

// Order is a time-bounded entitlement granting a product tier. At most
// one is treated as active at a time: the earliest-starting match wins.
type Order struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	ProductID string    `gorm:"type:varchar(64);not null" json:"product_id"`
	StartAt   time.Time `gorm:"index;not null" json:"start_at"`
	EndAt     time.Time `gorm:"not null" json:"end_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (Order) TableName() string { return "orders" }

// ModelLimit is the quota rule for one (model, product) pair: at most
// Times calls within a sliding window of DurationSecs seconds.
type ModelLimit struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	ModelID      string `gorm:"type:varchar(64);not null;index:uniq_model_product,unique,priority:1" json:"model_id"`
	ProductID    string `gorm:"type:varchar(64);not null;index:uniq_model_product,unique,priority:2" json:"product_id"`
	Times        int    `gorm:"not null" json:"times"`
	DurationSecs int    `gorm:"not null" json:"duration_secs"`
}

func (ModelLimit) TableName() string { return "model_limits" }

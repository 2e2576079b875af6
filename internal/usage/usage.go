package usage

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Record is one committed turn, written by the usage worker for
// operator accounting. It is never consulted by quota checks; those
// count committed messages directly.
type Record struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint64    `gorm:"index;not null" json:"-"`
	SessionID   string    `gorm:"type:varchar(26);index;not null" json:"session_id"`
	ModelID     string    `gorm:"type:varchar(64);index;not null" json:"model_id"`
	PromptChars int       `gorm:"not null" json:"prompt_chars"`
	ReplyChars  int       `gorm:"not null" json:"reply_chars"`
	CompletedAt time.Time `gorm:"index" json:"completed_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Record) TableName() string { return "usage_records" }

type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

func (r *Recorder) Insert(ctx context.Context, rec *Record) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

// ListByUser returns recent records, newest first.
func (r *Recorder) ListByUser(ctx context.Context, userID uint64, limit int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var recs []Record
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("completed_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

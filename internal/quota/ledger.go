package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/liuq19/chatflow/internal/chat"
	"github.com/liuq19/chatflow/internal/models"
)

// ErrNotFound marks a missing user or a missing limit rule. A missing
// rule is a configuration error, not a user-facing quota denial.
var ErrNotFound = errors.New("quota: not found")

// LimitCache sits in front of the model_limits table. A miss is
// (nil, false, nil); cache errors are logged and treated as misses.
type LimitCache interface {
	GetLimit(ctx context.Context, modelID, productID string) (*ModelLimit, bool, error)
	SetLimit(ctx context.Context, limit *ModelLimit) error
}

// Ledger decides whether a user may start a new turn. It only reads:
// the count is taken against committed history at check time, so two
// concurrent turns from one user may both pass before either commits.
// That soft limit is deliberate.
type Ledger struct {
	db               *gorm.DB
	cache            LimitCache // optional
	defaultProductID string

	now func() time.Time
}

func NewLedger(db *gorm.DB, cache LimitCache, defaultProductID string) *Ledger {
	return &Ledger{
		db:               db,
		cache:            cache,
		defaultProductID: defaultProductID,
		now:              time.Now,
	}
}

// Check reports whether userID may call modelID right now. The user and
// the (model, product) limit rule must exist; the applicable product is
// the user's first active entitlement, falling back to the default
// product when none is active.
func (l *Ledger) Check(ctx context.Context, userID uint64, modelID string) (bool, error) {
	var user models.User
	if err := l.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("user %d: %w", userID, ErrNotFound)
		}
		return false, err
	}

	now := l.now()

	productID, err := l.activeProduct(ctx, userID, now)
	if err != nil {
		return false, err
	}

	limit, err := l.limitFor(ctx, modelID, productID)
	if err != nil {
		return false, err
	}

	window := time.Duration(limit.DurationSecs) * time.Second
	var count int64
	err = l.db.WithContext(ctx).
		Model(&chat.Message{}).
		Where("user_id = ? AND created_at >= ? AND created_at <= ?", userID, now.Add(-window), now).
		Count(&count).Error
	if err != nil {
		return false, err
	}

	return int64(limit.Times)-count > 0, nil
}

func (l *Ledger) activeProduct(ctx context.Context, userID uint64, now time.Time) (string, error) {
	var order Order
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND start_at <= ? AND end_at >= ?", userID, now, now).
		Order("start_at ASC").
		First(&order).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return l.defaultProductID, nil
	case err != nil:
		return "", err
	default:
		return order.ProductID, nil
	}
}

func (l *Ledger) limitFor(ctx context.Context, modelID, productID string) (*ModelLimit, error) {
	if l.cache != nil {
		limit, hit, err := l.cache.GetLimit(ctx, modelID, productID)
		if err != nil {
			logrus.WithError(err).Warn("limit cache read failed")
		} else if hit {
			return limit, nil
		}
	}

	var limit ModelLimit
	err := l.db.WithContext(ctx).
		Where("model_id = ? AND product_id = ?", modelID, productID).
		First(&limit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no limit rule for model %q product %q: %w", modelID, productID, ErrNotFound)
		}
		return nil, err
	}

	if l.cache != nil {
		if err := l.cache.SetLimit(ctx, &limit); err != nil {
			logrus.WithError(err).Warn("limit cache write failed")
		}
	}
	return &limit, nil
}

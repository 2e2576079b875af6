package quota

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/liuq19/chatflow/internal/chat"
	"github.com/liuq19/chatflow/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &chat.Message{}, &Order{}, &ModelLimit{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id uint64) {
	t.Helper()
	u := models.User{ID: id, Username: fmt.Sprintf("u%d", id), Email: fmt.Sprintf("u%d@test.local", id), PasswordHash: "x"}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func seedMessages(t *testing.T, db *gorm.DB, userID uint64, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		m := chat.Message{
			SessionID: "01SEEDSESSION0000000000000",
			UserID:    userID,
			Role:      chat.RoleUser,
			Content:   "seed",
			CreatedAt: at,
		}
		if err := db.Create(&m).Error; err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}
}

func TestCheck_DefaultProductWhenNoOrder(t *testing.T) {
	db := openTestDB(t)
	seedUser(t, db, 1)

	rule := ModelLimit{ModelID: "modelX", ProductID: "free", Times: 3, DurationSecs: 60}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	l := NewLedger(db, nil, "free")

	allowed, err := l.Check(context.Background(), 1, "modelX")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed with no usage")
	}
}

func TestCheck_ActiveOrderSelectsProduct(t *testing.T) {
	db := openTestDB(t)
	seedUser(t, db, 2)

	now := time.Now()
	order := Order{UserID: 2, ProductID: "pro", StartAt: now.Add(-time.Hour), EndAt: now.Add(time.Hour)}
	if err := db.Create(&order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}

	// the default tier would allow plenty; the active "pro" rule allows one
	rules := []ModelLimit{
		{ModelID: "modelX", ProductID: "free", Times: 100, DurationSecs: 3600},
		{ModelID: "modelX", ProductID: "pro", Times: 1, DurationSecs: 3600},
	}
	if err := db.Create(&rules).Error; err != nil {
		t.Fatalf("seed rules: %v", err)
	}

	seedMessages(t, db, 2, 1, now.Add(-time.Minute))

	l := NewLedger(db, nil, "free")

	allowed, err := l.Check(context.Background(), 2, "modelX")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if allowed {
		t.Fatalf("expected denial under the active pro rule")
	}
}

func TestCheck_SlidingWindow(t *testing.T) {
	db := openTestDB(t)
	seedUser(t, db, 3)

	rule := ModelLimit{ModelID: "modelX", ProductID: "free", Times: 3, DurationSecs: 60}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	t0 := time.Now()
	seedMessages(t, db, 3, 3, t0.Add(-30*time.Second))

	l := NewLedger(db, nil, "free")
	l.now = func() time.Time { return t0 }

	allowed, err := l.Check(context.Background(), 3, "modelX")
	if err != nil {
		t.Fatalf("check at t0: %v", err)
	}
	if allowed {
		t.Fatalf("expected denial with 3 messages inside a times=3 window")
	}

	// 61 seconds later the messages fall out of the window
	l.now = func() time.Time { return t0.Add(61 * time.Second) }

	allowed, err = l.Check(context.Background(), 3, "modelX")
	if err != nil {
		t.Fatalf("check at t0+61s: %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowance once the window slid past the messages")
	}
}

func TestCheck_ExpiredOrderFallsBack(t *testing.T) {
	db := openTestDB(t)
	seedUser(t, db, 4)

	now := time.Now()
	order := Order{UserID: 4, ProductID: "pro", StartAt: now.Add(-2 * time.Hour), EndAt: now.Add(-time.Hour)}
	if err := db.Create(&order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}

	// only the default product has a rule; an expired order must not be used
	rule := ModelLimit{ModelID: "modelX", ProductID: "free", Times: 5, DurationSecs: 60}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	l := NewLedger(db, nil, "free")

	allowed, err := l.Check(context.Background(), 4, "modelX")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !allowed {
		t.Fatalf("expected fallback to the default product rule")
	}
}

func TestCheck_UserNotFound(t *testing.T) {
	db := openTestDB(t)

	l := NewLedger(db, nil, "free")

	if _, err := l.Check(context.Background(), 999, "modelX"); err == nil {
		t.Fatalf("expected error for missing user")
	} else if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCheck_MissingRuleIsFatal(t *testing.T) {
	db := openTestDB(t)
	seedUser(t, db, 5)

	l := NewLedger(db, nil, "free")

	if _, err := l.Check(context.Background(), 5, "unconfigured-model"); err == nil {
		t.Fatalf("expected error for missing limit rule")
	} else if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type fakeCache struct {
	limits map[string]*ModelLimit
	sets   int
}

func (f *fakeCache) key(modelID, productID string) string { return modelID + "/" + productID }

func (f *fakeCache) GetLimit(_ context.Context, modelID, productID string) (*ModelLimit, bool, error) {
	l, ok := f.limits[f.key(modelID, productID)]
	return l, ok, nil
}

func (f *fakeCache) SetLimit(_ context.Context, limit *ModelLimit) error {
	if f.limits == nil {
		f.limits = make(map[string]*ModelLimit)
	}
	f.limits[f.key(limit.ModelID, limit.ProductID)] = limit
	f.sets++
	return nil
}

func TestCheck_ReadThroughCache(t *testing.T) {
	db := openTestDB(t)
	seedUser(t, db, 6)

	rule := ModelLimit{ModelID: "modelX", ProductID: "free", Times: 3, DurationSecs: 60}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}

	cache := &fakeCache{}
	l := NewLedger(db, cache, "free")

	if _, err := l.Check(context.Background(), 6, "modelX"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	if cache.sets != 1 {
		t.Fatalf("expected one cache fill, got %d", cache.sets)
	}

	// a second check hits the cache; the rule row can even disappear
	if err := db.Delete(&ModelLimit{}, rule.ID).Error; err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	if _, err := l.Check(context.Background(), 6, "modelX"); err != nil {
		t.Fatalf("cached check: %v", err)
	}
}

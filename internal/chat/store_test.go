package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Session{}, &Message{}, &ModelRef{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestResolve_CreatesNewSession(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)

	sess, history, err := store.Resolve(context.Background(), "01NEWSESSION00000000000000", 1, "earlier talk about go", 10)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sess.UserID != 1 {
		t.Fatalf("expected owner 1, got %d", sess.UserID)
	}
	if sess.MemoryPrompt != "earlier talk about go" {
		t.Fatalf("unexpected memory prompt: %q", sess.MemoryPrompt)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d", len(history))
	}
}

func TestResolve_OwnershipMismatchRollsBack(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)

	if _, _, err := store.Resolve(context.Background(), "01OWNED0SESSION00000000000", 1, "original", 10); err != nil {
		t.Fatalf("seed resolve: %v", err)
	}

	_, _, err := store.Resolve(context.Background(), "01OWNED0SESSION00000000000", 2, "hijacked", 10)
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	// the rejected caller's prompt update must not stick
	var sess Session
	if err := db.Where("session_id = ?", "01OWNED0SESSION00000000000").First(&sess).Error; err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if sess.MemoryPrompt != "original" {
		t.Fatalf("memory prompt leaked through rollback: %q", sess.MemoryPrompt)
	}
	if sess.UserID != 1 {
		t.Fatalf("ownership changed: %d", sess.UserID)
	}
}

func TestResolve_UpdatesMemoryPromptAndLoadsHistory(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)

	sid := "01HISTORYSESSION0000000000"
	if _, _, err := store.Resolve(context.Background(), sid, 1, "", 10); err != nil {
		t.Fatalf("seed resolve: %v", err)
	}

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		m := Message{
			SessionID: sid,
			UserID:    1,
			Role:      role,
			Content:   fmt.Sprintf("m%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := db.Create(&m).Error; err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}

	sess, history, err := store.Resolve(context.Background(), sid, 1, "updated summary", 3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sess.MemoryPrompt != "updated summary" {
		t.Fatalf("memory prompt not updated: %q", sess.MemoryPrompt)
	}

	// most recent 3, oldest first
	if len(history) != 3 {
		t.Fatalf("expected 3 history messages, got %d", len(history))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if history[i].Content != want {
			t.Fatalf("history[%d] = %q, want %q", i, history[i].Content, want)
		}
	}
}

func TestGetMessages_HidesForeignSessions(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)

	if _, _, err := store.Resolve(context.Background(), "01FOREIGNSESSION0000000000", 1, "", 10); err != nil {
		t.Fatalf("seed resolve: %v", err)
	}

	_, err := store.GetMessages(context.Background(), 2, "01FOREIGNSESSION0000000000", 10)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-owner, got %v", err)
	}

	_, err = store.GetMessages(context.Background(), 2, "01DOESNOTEXIST000000000000", 10)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing session, got %v", err)
	}
}

func TestListRecent_AnnotatesMessageCounts(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)
	persister := NewPersister(db)

	for _, sid := range []string{"01LISTSESSIONA000000000000", "01LISTSESSIONB000000000000"} {
		if _, _, err := store.Resolve(context.Background(), sid, 7, "", 10); err != nil {
			t.Fatalf("seed resolve %s: %v", sid, err)
		}
	}
	if err := persister.Commit(context.Background(), 7, "01LISTSESSIONA000000000000", "m1", "hi", "hello"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	sessions, err := store.ListRecent(context.Background(), 7, 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	counts := map[string]int64{}
	for _, s := range sessions {
		counts[s.SessionID] = s.MessageCount
	}
	if counts["01LISTSESSIONA000000000000"] != 2 {
		t.Fatalf("expected 2 messages on session A, got %d", counts["01LISTSESSIONA000000000000"])
	}
	if counts["01LISTSESSIONB000000000000"] != 0 {
		t.Fatalf("expected 0 messages on session B, got %d", counts["01LISTSESSIONB000000000000"])
	}
}

func TestParseRole(t *testing.T) {
	cases := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"user", RoleUser, false},
		{"Assistant", RoleAssistant, false},
		{" SYSTEM ", RoleSystem, false},
		{"tool", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseRole(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseRole(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseRole(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

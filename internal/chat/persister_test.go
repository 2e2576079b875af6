package chat

import (
	"context"
	"testing"
)

func TestCommit_WritesOrderedPair(t *testing.T) {
	db := openTestDB(t)
	persister := NewPersister(db)

	sid := "01COMMITSESSION00000000000"
	if err := persister.Commit(context.Background(), 1, sid, "gpt-x", "hi there", "hello back"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var msgs []Message
	if err := db.Where("session_id = ?", sid).Order("created_at ASC, id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "hi there" {
		t.Fatalf("unexpected user msg: role=%q content=%q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Content != "hello back" {
		t.Fatalf("unexpected assistant msg: role=%q content=%q", msgs[1].Role, msgs[1].Content)
	}
	if msgs[1].ModelID != "gpt-x" {
		t.Fatalf("assistant msg missing model ref: %q", msgs[1].ModelID)
	}
	if msgs[0].ModelID != "" {
		t.Fatalf("user msg should not carry a model ref: %q", msgs[0].ModelID)
	}
	if !msgs[1].CreatedAt.After(msgs[0].CreatedAt) {
		t.Fatalf("assistant timestamp %v not after user timestamp %v", msgs[1].CreatedAt, msgs[0].CreatedAt)
	}
}

func TestCommit_CanceledContextWritesNothing(t *testing.T) {
	db := openTestDB(t)
	persister := NewPersister(db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sid := "01ABORTSESSION000000000000"
	if err := persister.Commit(ctx, 1, sid, "gpt-x", "hi", "hello"); err == nil {
		t.Fatalf("expected error from canceled context")
	}

	var count int64
	if err := db.Model(&Message{}).Where("session_id = ?", sid).Count(&count).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no messages after aborted commit, got %d", count)
	}
}

func TestCommit_RoundTripThroughStore(t *testing.T) {
	db := openTestDB(t)
	store := NewStore(db)
	persister := NewPersister(db)

	sid := "01ROUNDTRIPSESSION00000000"
	if _, _, err := store.Resolve(context.Background(), sid, 3, "", 10); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := persister.Commit(context.Background(), 3, sid, "gpt-x", "first question", "first answer"); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := persister.Commit(context.Background(), 3, sid, "gpt-x", "second question", "second answer"); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	msgs, err := store.GetMessages(context.Background(), 3, sid, 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages not ascending at %d", i)
		}
	}
	if msgs[2].Content != "second question" || msgs[3].Content != "second answer" {
		t.Fatalf("last two entries are not the latest pair: %q, %q", msgs[2].Content, msgs[3].Content)
	}
}

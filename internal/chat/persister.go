package chat

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Persister commits one finished turn as a user/assistant message pair.
type Persister struct {
	db *gorm.DB
}

func NewPersister(db *gorm.DB) *Persister {
	return &Persister{db: db}
}

// Commit writes both messages in one transaction: either the pair lands
// or nothing does. The assistant message is stamped one millisecond
// after the user message so ascending retrieval keeps the pair in turn
// order even when the clock can't distinguish the two inserts.
func (p *Persister) Commit(ctx context.Context, userID uint64, sessionID, modelID, userContent, assistantContent string) error {
	now := time.Now()

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		userMsg := Message{
			SessionID: sessionID,
			UserID:    userID,
			Role:      RoleUser,
			Content:   userContent,
			CreatedAt: now,
		}
		if err := tx.Create(&userMsg).Error; err != nil {
			return err
		}

		assistantMsg := Message{
			SessionID: sessionID,
			UserID:    userID,
			Role:      RoleAssistant,
			Content:   assistantContent,
			ModelID:   modelID,
			CreatedAt: now.Add(time.Millisecond),
		}
		return tx.Create(&assistantMsg).Error
	})
}

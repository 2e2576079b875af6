package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

const defaultHistoryLimit = 10

// Store resolves sessions and reads message history. All writes go
// through transactions scoped to a single logical operation.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Resolve upserts the session and returns it together with up to
// historyLimit most recent messages in ascending creation order.
//
// A brand-new session id creates a session owned by userID. An existing
// session gets its memory prompt updated when one is provided. The
// ownership check runs after the upsert; on mismatch the whole
// transaction rolls back and ErrNotOwner is returned.
func (s *Store) Resolve(ctx context.Context, sessionID string, userID uint64, memoryPrompt string, historyLimit int) (*Session, []Message, error) {
	if historyLimit <= 0 || historyLimit > 100 {
		historyLimit = defaultHistoryLimit
	}

	var sess Session
	var history []Message

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("session_id = ?", sessionID).First(&sess).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			sess = Session{SessionID: sessionID, UserID: userID, MemoryPrompt: memoryPrompt}
			if err := tx.Create(&sess).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if memoryPrompt != "" && memoryPrompt != sess.MemoryPrompt {
				if err := tx.Model(&sess).Update("memory_prompt", memoryPrompt).Error; err != nil {
					return err
				}
				sess.MemoryPrompt = memoryPrompt
			}
		}

		if sess.UserID != userID {
			return ErrNotOwner
		}

		recentDesc, err := recentMessagesDesc(tx, userID, sessionID, historyLimit)
		if err != nil {
			return err
		}
		history = reverse(recentDesc)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &sess, history, nil
}

// GetMessages returns a session's messages in ascending creation order.
// Sessions owned by other users are reported as ErrNotFound so their
// existence stays hidden.
func (s *Store) GetMessages(ctx context.Context, userID uint64, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var sess Session
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrNotFound
	}

	recentDesc, err := recentMessagesDesc(s.db.WithContext(ctx), userID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return reverse(recentDesc), nil
}

// ListRecent returns up to limit sessions owned by userID, most recently
// touched first, each annotated with its message count. Message bodies
// are not loaded.
func (s *Store) ListRecent(ctx context.Context, userID uint64, limit int) ([]SessionSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var out []SessionSummary
	err := s.db.WithContext(ctx).
		Table("chat_sessions AS s").
		Select("s.session_id, s.memory_prompt, s.updated_at, "+
			"(SELECT COUNT(*) FROM chat_messages m WHERE m.session_id = s.session_id AND m.user_id = s.user_id) AS message_count").
		Where("s.user_id = ?", userID).
		Order("s.updated_at DESC").
		Limit(limit).
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetModelRef resolves a client-facing model id to its catalog entry.
func (s *Store) GetModelRef(ctx context.Context, modelID string) (*ModelRef, error) {
	var ref ModelRef
	if err := s.db.WithContext(ctx).Where("model_id = ?", modelID).First(&ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ref, nil
}

func recentMessagesDesc(tx *gorm.DB, userID uint64, sessionID string, limit int) ([]Message, error) {
	var msgs []Message
	err := tx.
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// reverse flips newest-first into oldest-first.
func reverse(msgs []Message) []Message {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}

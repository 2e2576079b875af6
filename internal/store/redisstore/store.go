package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/liuq19/chatflow/internal/quota"
)

const limitTTL = 5 * time.Minute

// Store is a read-through cache for quota limit rules.
type Store struct {
	rdb *redis.Client
}

func NewStore(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func limitKey(modelID, productID string) string {
	return fmt.Sprintf("quota:limit:%s:%s", modelID, productID)
}

func (s *Store) GetLimit(ctx context.Context, modelID, productID string) (*quota.ModelLimit, bool, error) {
	raw, err := s.rdb.Get(ctx, limitKey(modelID, productID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var limit quota.ModelLimit
	if err := json.Unmarshal(raw, &limit); err != nil {
		return nil, false, err
	}
	return &limit, true, nil
}

func (s *Store) SetLimit(ctx context.Context, limit *quota.ModelLimit) error {
	raw, err := json.Marshal(limit)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, limitKey(limit.ModelID, limit.ProductID), raw, limitTTL).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

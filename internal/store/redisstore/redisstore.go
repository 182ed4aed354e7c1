package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	modelCatalogKey = "models:catalog"
	lastUsedKey     = "settings:last_used"
	settingsKey     = "settings:app"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// GetModelCatalog returns the cached catalog payload; redis.Nil on a miss.
func (s *Store) GetModelCatalog(ctx context.Context) ([]byte, error) {
	return s.rdb.Get(ctx, modelCatalogKey).Bytes()
}

func (s *Store) SetModelCatalog(ctx context.Context, payload []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, modelCatalogKey, payload, ttl).Err()
}

// Last-used model/provider defaults, recorded when a new conversation sends
// its first message and used to seed the next new conversation.
func (s *Store) GetLastUsed(ctx context.Context) ([]byte, error) {
	return s.rdb.Get(ctx, lastUsedKey).Bytes()
}

func (s *Store) SetLastUsed(ctx context.Context, payload []byte) error {
	return s.rdb.Set(ctx, lastUsedKey, payload, 0).Err()
}

// App settings: an opaque JSON object owned by the client.
func (s *Store) GetSettings(ctx context.Context) ([]byte, error) {
	return s.rdb.Get(ctx, settingsKey).Bytes()
}

func (s *Store) SetSettings(ctx context.Context, payload []byte) error {
	return s.rdb.Set(ctx, settingsKey, payload, 0).Err()
}

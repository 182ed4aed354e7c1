package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"branchchat/internal/store/redisstore"

	"github.com/redis/go-redis/v9"
)

// Service fetches the upstream model listing and caches the raw payload in
// Redis so the picker UI doesn't hammer the gateway. The core never
// interprets the listing beyond passing it through.
type Service struct {
	redis   *redisstore.Store
	client  *http.Client
	baseURL string
	apiKey  string
	ttl     time.Duration
}

type LastUsed struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
}

func NewService(rds *redisstore.Store, baseURL, apiKey string, ttl time.Duration) *Service {
	return &Service{
		redis:   rds,
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		ttl:     ttl,
	}
}

// Models returns the model catalog, from cache when fresh.
func (s *Service) Models(ctx context.Context) (json.RawMessage, error) {
	cached, err := s.redis.GetModelCatalog(ctx)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, redis.Nil) {
		log.Printf("[Catalog] cache read failed: %v", err)
	}

	payload, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.redis.SetModelCatalog(ctx, payload, s.ttl); err != nil {
		log.Printf("[Catalog] cache write failed: %v", err)
	}
	return payload, nil
}

func (s *Service) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("catalog: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
}

// RecordLastUsed stores the model/provider a brand-new conversation started
// with; it seeds the default for the next new conversation. Resuming an old
// conversation must not change it.
func (s *Service) RecordLastUsed(ctx context.Context, model, provider string) error {
	if provider == "" {
		provider = "auto"
	}
	b, err := json.Marshal(LastUsed{Model: model, Provider: provider})
	if err != nil {
		return err
	}
	return s.redis.SetLastUsed(ctx, b)
}

func (s *Service) GetLastUsed(ctx context.Context) (*LastUsed, error) {
	b, err := s.redis.GetLastUsed(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var lu LastUsed
	if err := json.Unmarshal(b, &lu); err != nil {
		return nil, err
	}
	return &lu, nil
}

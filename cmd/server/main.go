package main

import (
	"context"
	"log"
	"strings"
	"time"

	"branchchat/internal/ai"
	"branchchat/internal/catalog"
	"branchchat/internal/chat"
	"branchchat/internal/config"
	"branchchat/internal/db"
	"branchchat/internal/httpapi"
	"branchchat/internal/httpapi/handlers"
	"branchchat/internal/store/rabbitmq"
	"branchchat/internal/store/redisstore"
	"branchchat/internal/stream"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	store := chat.NewStore(gdb)

	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string, route *ai.Route) (ai.Provider, error) {
		_ = ctx
		_ = route // local runtime, no routing
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string, route *ai.Route) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		p := ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName)
		p.Route = route
		return p, nil
	})

	defaultModel := cfg.OpenRouterModel
	if strings.EqualFold(cfg.AIProvider, "ollama") {
		defaultModel = cfg.OllamaModel
	}
	engine := ai.NewEngine(reg, cfg.AIProvider, defaultModel)

	streams := stream.NewManager()
	defer streams.Close()

	svc := chat.NewService(store, engine, streams)

	// Redis and RabbitMQ degrade gracefully: without them the server still
	// serves conversations and inline streaming turns.
	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	cat := catalog.NewService(rds, cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey,
		time.Duration(cfg.CatalogTTLSeconds)*time.Second)

	var rabbit *rabbitmq.Publisher
	if pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.Printf("[Server] rabbitmq unavailable, async turns disabled: %v", err)
	} else {
		rabbit = pub
		defer rabbit.Close()
	}

	h := handlers.NewHandler(svc, streams, rabbit, cat, rds, cfg)
	r := httpapi.NewRouter(h, cfg)

	log.Printf("[Server] listening on %s provider=%s", cfg.HTTPAddr, cfg.AIProvider)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("server: %v", err)
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Keyring-Network/local-tool-chat/internal/api"
	"github.com/Keyring-Network/local-tool-chat/internal/assistant"
	"github.com/Keyring-Network/local-tool-chat/internal/config"
	"github.com/Keyring-Network/local-tool-chat/internal/events"
	"github.com/Keyring-Network/local-tool-chat/internal/llm"
	"github.com/Keyring-Network/local-tool-chat/internal/logging"
	"github.com/Keyring-Network/local-tool-chat/internal/secrets"
	"github.com/Keyring-Network/local-tool-chat/internal/session"
	"github.com/Keyring-Network/local-tool-chat/internal/store"
	"github.com/Keyring-Network/local-tool-chat/internal/store/memory"
	"github.com/Keyring-Network/local-tool-chat/internal/store/postgres"
	"github.com/Keyring-Network/local-tool-chat/internal/store/redis"
	"github.com/Keyring-Network/local-tool-chat/internal/tools"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	newLogger = func(cfg config.Config) *slog.Logger {
		return logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	}
	newBroker = events.NewBroker
	newStore  = openStore
	newOllama = llm.NewOllamaClient
	newServer = func(sessions *session.Manager, st store.Store, broker *events.Broker, models api.ModelLister, logger *slog.Logger) server {
		return api.NewServer(sessions, st, broker, models, api.WithLogger(logger))
	}
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sealer, err := secrets.FromKey(cfg.SessionSecretsKey)
	if err != nil {
		return err
	}
	var sessionSealer store.Sealer
	if sealer != nil {
		sessionSealer = sealer
	}
	st, closeStore, err := newStore(cfg, sessionSealer)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close session store", "error", err)
		}
	}()

	ollama := newOllama(llm.OllamaConfig{BaseURL: cfg.OllamaHost})
	manager := session.NewManager(session.Config{
		Store: st,
		Tools: tools.Deps{
			HTTPClient:      &http.Client{Timeout: cfg.HTTPTimeout},
			YFinanceBaseURL: cfg.YFinanceBaseURL,
			SerpAPIBaseURL:  cfg.SerpAPIBaseURL,
			SerpAPIKey:      config.SerpAPIKey,
		},
		NewAssistant: func(list tools.List) *assistant.Assistant {
			return assistant.New(list, assistant.WithClient(ollama), assistant.WithLogger(logger))
		},
		Logger: logger,
	})

	srv := newServer(manager, st, newBroker(), ollama, logger)

	addr := fmt.Sprintf(":%s", cfg.Port)
	logger.Info("tool chat starting",
		"addr", addr,
		"store", cfg.SessionStore,
		"ollama", cfg.OllamaHost,
		"model", assistant.Model,
		"encrypted", sessionSealer != nil,
	)
	return srv.Start(ctx, addr)
}

// openStore returns the configured session store and a function that releases it.
func openStore(cfg config.Config, sealer store.Sealer) (store.Store, func() error, error) {
	switch cfg.SessionStore {
	case config.StoreMemory, "":
		return memory.New(), func() error { return nil }, nil
	case config.StoreRedis:
		st, err := redis.New(cfg.RedisURL, redis.WithTTL(cfg.SessionTTL), redis.WithSealer(sealer))
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case config.StorePostgres:
		st, err := postgres.New(cfg.PostgresURL, postgres.WithSealer(sealer))
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown SESSION_STORE %q", cfg.SessionStore)
	}
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Keyring-Network/local-tool-chat/internal/store"
)

const (
	keyPrefix  = "tool-chat:session:"
	defaultTTL = 12 * time.Hour
	maxRetries = 5
)

type Option func(*RedisStore)

func WithTTL(ttl time.Duration) Option {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithSealer(sealer store.Sealer) Option {
	return func(s *RedisStore) {
		s.sealer = sealer
	}
}

// RedisStore keeps each session as one JSON value that expires after a period of inactivity.
type RedisStore struct {
	client *goredis.Client
	ttl    time.Duration
	sealer store.Sealer
}

var newClient = goredis.NewClient

func New(url string, opts ...Option) (*RedisStore, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := newClient(options)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewWithClient(client, opts...), nil
}

func NewWithClient(client *goredis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{client: client, ttl: defaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func sessionKey(sessionID string) string {
	return keyPrefix + sessionID
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.decode(raw)
}

func (s *RedisStore) SaveSession(ctx context.Context, session store.Session) error {
	now := store.Now()
	if session.CreatedAt == "" {
		session.CreatedAt = now
	}
	if session.UpdatedAt == "" {
		session.UpdatedAt = now
	}
	raw, err := s.encode(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionKey(session.ID), raw, s.ttl).Err()
}

// AppendMessage rewrites the session value under WATCH so concurrent writers retry instead
// of dropping messages.
func (s *RedisStore) AppendMessage(ctx context.Context, sessionID string, generation string, msg store.Message) error {
	key := sessionKey(sessionID)
	if msg.CreatedAt == "" {
		msg.CreatedAt = store.Now()
	}
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		session, err := s.decode(raw)
		if err != nil {
			return err
		}
		if session.Generation != generation {
			return store.ErrGenerationMismatch
		}
		session.Messages = append(session.Messages, msg)
		session.UpdatedAt = msg.CreatedAt
		updated, err := s.encode(*session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, updated, s.ttl)
			return nil
		})
		return err
	}
	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return goredis.TxFailedErr
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionKey(sessionID)).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) encode(session store.Session) ([]byte, error) {
	messages, err := store.SealMessages(s.sealer, session.Messages)
	if err != nil {
		return nil, err
	}
	session.Messages = messages
	return json.Marshal(session)
}

func (s *RedisStore) decode(raw []byte) (*store.Session, error) {
	var session store.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, err
	}
	messages, err := store.OpenMessages(s.sealer, session.Messages)
	if err != nil {
		return nil, err
	}
	session.Messages = messages
	return &session, nil
}

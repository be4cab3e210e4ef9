package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/local-tool-chat/internal/store"
	"github.com/Keyring-Network/local-tool-chat/internal/tools"
)

var _ store.Store = (*RedisStore)(nil)

// prefixSealer marks content instead of encrypting it so stored values stay predictable.
type prefixSealer struct{}

func (prefixSealer) Seal(plaintext string) (string, error) {
	return "sealed:" + plaintext, nil
}

func (prefixSealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, "sealed:") {
		return "", errors.New("not sealed")
	}
	return strings.TrimPrefix(value, "sealed:"), nil
}

func sampleSession() store.Session {
	return store.Session{
		ID:         "s-1",
		Generation: "g-1",
		Tools:      []tools.Spec{{Kind: tools.KindStock, StockPrice: true, CompanyInfo: true}},
		Messages: []store.Message{
			{ID: "m-1", Role: "user", Content: "price of AAPL?", CreatedAt: "2026-10-16T09:00:00Z"},
		},
		CreatedAt: "2026-10-16T09:00:00Z",
		UpdatedAt: "2026-10-16T09:00:00Z",
	}
}

func mustJSON(t *testing.T, value any) []byte {
	t.Helper()
	raw, err := json.Marshal(value)
	require.NoError(t, err)
	return raw
}

func TestGetSession_Missing(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewWithClient(client)

	mock.ExpectGet("tool-chat:session:s-1").RedisNil()
	session, err := s.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	require.Nil(t, session)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_Error(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewWithClient(client)

	mock.ExpectGet("tool-chat:session:s-1").SetErr(errors.New("connection refused"))
	_, err := s.GetSession(context.Background(), "s-1")
	require.ErrorContains(t, err, "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndGetSession_Sealed(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewWithClient(client, WithTTL(time.Hour), WithSealer(prefixSealer{}))

	session := sampleSession()
	stored := store.Clone(session)
	stored.Messages[0].Content = "sealed:price of AAPL?"
	raw := mustJSON(t, stored)

	mock.ExpectSet("tool-chat:session:s-1", raw, time.Hour).SetVal("OK")
	require.NoError(t, s.SaveSession(context.Background(), session))

	mock.ExpectGet("tool-chat:session:s-1").SetVal(string(raw))
	loaded, err := s.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	require.Equal(t, session, *loaded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessage(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewWithClient(client)

	session := sampleSession()
	msg := store.Message{ID: "m-2", Role: "assistant", Content: "189.50", CreatedAt: "2026-10-16T09:00:05Z"}
	updated := store.Clone(session)
	updated.Messages = append(updated.Messages, msg)
	updated.UpdatedAt = msg.CreatedAt

	mock.ExpectWatch("tool-chat:session:s-1")
	mock.ExpectGet("tool-chat:session:s-1").SetVal(string(mustJSON(t, session)))
	mock.ExpectTxPipeline()
	mock.ExpectSet("tool-chat:session:s-1", mustJSON(t, updated), defaultTTL).SetVal("OK")
	mock.ExpectTxPipelineExec()

	require.NoError(t, s.AppendMessage(context.Background(), "s-1", "g-1", msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessage_GenerationMismatch(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewWithClient(client)

	mock.ExpectWatch("tool-chat:session:s-1")
	mock.ExpectGet("tool-chat:session:s-1").SetVal(string(mustJSON(t, sampleSession())))

	err := s.AppendMessage(context.Background(), "s-1", "g-0", store.Message{ID: "m-2"})
	require.ErrorIs(t, err, store.ErrGenerationMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessage_NotFound(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewWithClient(client)

	mock.ExpectWatch("tool-chat:session:s-1")
	mock.ExpectGet("tool-chat:session:s-1").RedisNil()

	err := s.AppendMessage(context.Background(), "s-1", "g-1", store.Message{ID: "m-1"})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSessionAndPing(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewWithClient(client)

	mock.ExpectDel("tool-chat:session:s-1").SetVal(1)
	require.NoError(t, s.DeleteSession(context.Background(), "s-1"))

	mock.ExpectPing().SetVal("PONG")
	require.NoError(t, s.Ping(context.Background()))

	mock.ExpectPing().SetErr(errors.New("down"))
	require.Error(t, s.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("not-a-redis-url")
	require.Error(t, err)
}

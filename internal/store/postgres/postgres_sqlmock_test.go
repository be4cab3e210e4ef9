package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/local-tool-chat/internal/store"
	"github.com/Keyring-Network/local-tool-chat/internal/tools"
)

var _ store.Store = (*PostgresStore)(nil)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	cleanup := func() {
		_ = db.Close()
	}
	return &PostgresStore{db: db}, mock, cleanup
}

type prefixSealer struct{}

func (prefixSealer) Seal(plaintext string) (string, error) {
	return "sealed:" + plaintext, nil
}

func (prefixSealer) Open(value string) (string, error) {
	return value[len("sealed:"):], nil
}

func withOpenDB(t *testing.T, db *sql.DB) {
	t.Helper()
	old := openDB
	openDB = func(driverName string, dataSourceName string) (*sql.DB, error) {
		return db, nil
	}
	t.Cleanup(func() {
		openDB = old
	})
}

func TestNew_VerifiesSchema(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	withOpenDB(t, db)

	mock.ExpectPing()
	mock.ExpectQuery("SELECT to_regclass").WithArgs("public.chat_sessions").
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow("chat_sessions"))
	mock.ExpectQuery("SELECT to_regclass").WithArgs("public.chat_messages").
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow("chat_messages"))

	pgStore, err := New("postgres://ignored", WithSealer(prefixSealer{}))
	require.NoError(t, err)
	require.NotNil(t, pgStore.sealer)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_MissingTable(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	withOpenDB(t, db)

	mock.ExpectPing()
	mock.ExpectQuery("SELECT to_regclass").WithArgs("public.chat_sessions").
		WillReturnRows(sqlmock.NewRows([]string{"to_regclass"}).AddRow(nil))
	mock.ExpectClose()

	_, err = New("postgres://ignored")
	require.ErrorContains(t, err, "chat_sessions table not found")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifySchema_QueryError(t *testing.T) {
	ctx := context.Background()
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT to_regclass").WillReturnError(errors.New("query error"))
	if err := verifySchema(ctx, pgStore.db); err == nil {
		t.Fatalf("expected schema verification error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSession_Missing(t *testing.T) {
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, generation, tools, created_at, updated_at").
		WithArgs("s-1").
		WillReturnError(sql.ErrNoRows)
	session, err := pgStore.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	require.Nil(t, session)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_LoadsTranscriptInOrder(t *testing.T) {
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()
	pgStore.sealer = prefixSealer{}

	created := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, generation, tools, created_at, updated_at").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "generation", "tools", "created_at", "updated_at"}).
			AddRow("s-1", "g-1", []byte(`[{"kind":"yfinance","stock_price":true,"company_info":true}]`), created, created))
	mock.ExpectQuery("SELECT id, role, content, created_at").
		WithArgs("s-1", "g-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "content", "created_at"}).
			AddRow("m-1", "user", "sealed:price?", created).
			AddRow("m-2", "assistant", "sealed:189.50", created.Add(time.Second)))

	session, err := pgStore.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	require.Equal(t, []tools.Spec{{Kind: tools.KindStock, StockPrice: true, CompanyInfo: true}}, session.Tools)
	require.Len(t, session.Messages, 2)
	require.Equal(t, "price?", session.Messages[0].Content)
	require.Equal(t, "189.50", session.Messages[1].Content)
	require.Equal(t, "2026-10-16T09:00:01Z", session.Messages[1].CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_RowsErr(t *testing.T) {
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("SELECT id, generation, tools, created_at, updated_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "generation", "tools", "created_at", "updated_at"}).
			AddRow("s-1", "g-1", []byte(`[]`), now, now))
	rows := sqlmock.NewRows([]string{"id", "role", "content", "created_at"}).
		AddRow("m-1", "user", "hi", now).
		AddRow("m-2", "user", "hi", now)
	rows.RowError(1, errors.New("row error"))
	mock.ExpectQuery("SELECT id, role, content, created_at").WillReturnRows(rows)

	_, err := pgStore.GetSession(context.Background(), "s-1")
	require.ErrorContains(t, err, "row error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_CorruptToolsColumn(t *testing.T) {
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("SELECT id, generation, tools, created_at, updated_at").
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "generation", "tools", "created_at", "updated_at"}).
			AddRow("s-1", "g-1", []byte(`{not json`), now, now))

	session, err := pgStore.GetSession(context.Background(), "s-1")
	require.ErrorContains(t, err, "decode tools")
	require.Nil(t, session)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecodeSpecs_EmptyColumn(t *testing.T) {
	specs, err := decodeSpecs(nil)
	require.NoError(t, err)
	require.Empty(t, specs)
}

func TestSaveSession_ReplacesTranscript(t *testing.T) {
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chat_sessions").
		WithArgs("s-1", "g-2", []byte(`[{"kind":"serpapi"}]`), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM chat_messages").WithArgs("s-1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO chat_messages").
		WithArgs("m-1", "s-1", "g-2", "user", "hello", int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pgStore.SaveSession(context.Background(), store.Session{
		ID:         "s-1",
		Generation: "g-2",
		Tools:      []tools.Spec{{Kind: tools.KindSearch}},
		Messages:   []store.Message{{ID: "m-1", Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveSession_RollsBackOnError(t *testing.T) {
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO chat_sessions").WillReturnError(errors.New("insert failed"))
	mock.ExpectRollback()

	err := pgStore.SaveSession(context.Background(), store.Session{ID: "s-1", Generation: "g-1"})
	require.ErrorContains(t, err, "insert failed")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessage(t *testing.T) {
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()
	pgStore.sealer = prefixSealer{}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT generation FROM chat_sessions").WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"generation"}).AddRow("g-1"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(sequence), 0) + 1")).WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(3)))
	mock.ExpectExec("INSERT INTO chat_messages").
		WithArgs("m-3", "s-1", "g-1", "assistant", "sealed:done", int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE chat_sessions SET updated_at").WithArgs("s-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pgStore.AppendMessage(context.Background(), "s-1", "g-1", store.Message{ID: "m-3", Role: "assistant", Content: "done"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessage_GenerationMismatch(t *testing.T) {
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT generation FROM chat_sessions").WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"generation"}).AddRow("g-2"))
	mock.ExpectRollback()

	err := pgStore.AppendMessage(context.Background(), "s-1", "g-1", store.Message{ID: "m-1"})
	require.ErrorIs(t, err, store.ErrGenerationMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessage_NotFound(t *testing.T) {
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT generation FROM chat_sessions").WithArgs("s-1").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := pgStore.AppendMessage(context.Background(), "s-1", "g-1", store.Message{ID: "m-1"})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSession(t *testing.T) {
	pgStore, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectExec("DELETE FROM chat_sessions").WithArgs("s-1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, pgStore.DeleteSession(context.Background(), "s-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

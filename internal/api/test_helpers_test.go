package api

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/Keyring-Network/local-tool-chat/internal/assistant"
	"github.com/Keyring-Network/local-tool-chat/internal/events"
	"github.com/Keyring-Network/local-tool-chat/internal/llm"
	"github.com/Keyring-Network/local-tool-chat/internal/session"
	"github.com/Keyring-Network/local-tool-chat/internal/store"
	"github.com/Keyring-Network/local-tool-chat/internal/tools"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	args := m.Called(ctx, sessionID)
	if value := args.Get(0); value != nil {
		return value.(*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) SaveSession(ctx context.Context, session store.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockStore) AppendMessage(ctx context.Context, sessionID string, generation string, msg store.Message) error {
	args := m.Called(ctx, sessionID, generation, msg)
	return args.Error(0)
}

func (m *MockStore) DeleteSession(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) Publish(event events.ChatEvent) {
	m.Called(event)
}

func (m *MockBroker) Subscribe(ctx context.Context, sessionID string) <-chan events.ChatEvent {
	args := m.Called(ctx, sessionID)
	if value := args.Get(0); value != nil {
		if ch, ok := value.(chan events.ChatEvent); ok {
			return ch
		}
		if ch, ok := value.(<-chan events.ChatEvent); ok {
			return ch
		}
	}
	return nil
}

type MockModels struct {
	mock.Mock
}

func (m *MockModels) ListModels(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	var result []string
	if value := args.Get(0); value != nil {
		result = value.([]string)
	}
	return result, args.Error(1)
}

type scriptedStream struct {
	chunks []llm.Chunk
	err    error
	gate   <-chan struct{}
}

func (s *scriptedStream) Recv() (llm.Chunk, error) {
	if s.gate != nil {
		<-s.gate
		s.gate = nil
	}
	if len(s.chunks) == 0 {
		if s.err != nil {
			return llm.Chunk{}, s.err
		}
		return llm.Chunk{}, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *scriptedStream) Close() error {
	return nil
}

// scriptedClient answers each model request with the stream built by next.
type scriptedClient struct {
	mu       sync.Mutex
	next     func(req llm.ChatRequest) *scriptedStream
	requests []llm.ChatRequest
}

func (c *scriptedClient) ChatStream(_ context.Context, req llm.ChatRequest) (llm.ChunkStream, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	return c.next(req), nil
}

func (c *scriptedClient) Requests() []llm.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.ChatRequest{}, c.requests...)
}

func reply(parts ...string) *scriptedStream {
	stream := &scriptedStream{}
	for _, part := range parts {
		stream.chunks = append(stream.chunks, llm.Chunk{Message: llm.Message{Role: llm.RoleAssistant, Content: part}})
	}
	stream.chunks = append(stream.chunks, llm.Chunk{Done: true})
	return stream
}

func toolCall(name string, args map[string]any) *scriptedStream {
	return &scriptedStream{chunks: []llm.Chunk{
		{Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{Function: llm.FunctionCall{Name: name, Arguments: args}}},
		}},
		{Done: true},
	}}
}

type testEnv struct {
	server *Server
	client *scriptedClient
}

func newTestEnv(t *testing.T, st store.Store, broker Broker, client *scriptedClient, deps tools.Deps, opts ...Option) testEnv {
	t.Helper()
	if client == nil {
		client = &scriptedClient{next: func(llm.ChatRequest) *scriptedStream { return reply("ok") }}
	}
	manager := session.NewManager(session.Config{
		Store: st,
		Tools: deps,
		NewAssistant: func(list tools.List) *assistant.Assistant {
			return assistant.New(list, assistant.WithClient(client))
		},
	})
	opts = append([]Option{WithSerpAPIKey(func() string { return "test-key" })}, opts...)
	return testEnv{
		server: NewServer(manager, st, broker, nil, opts...),
		client: client,
	}
}

func newTestServer(t *testing.T, st store.Store, broker Broker, models ModelLister, opts ...Option) *httptest.Server {
	t.Helper()
	manager := session.NewManager(session.Config{Store: st})
	opts = append([]Option{WithSerpAPIKey(func() string { return "test-key" })}, opts...)
	return httptest.NewServer(NewServer(manager, st, broker, models, opts...).Router())
}

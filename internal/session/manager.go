// Package session owns per-browser chat state: the tool list, the assistant built for it
// and the transcript. Each session is mutated by one caller at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Keyring-Network/local-tool-chat/internal/assistant"
	"github.com/Keyring-Network/local-tool-chat/internal/logging"
	"github.com/Keyring-Network/local-tool-chat/internal/store"
	"github.com/Keyring-Network/local-tool-chat/internal/tools"
)

var (
	ErrEmptyInput     = errors.New("chat input is empty")
	ErrTurnInProgress = errors.New("a chat turn is already running for this session")
)

const maxCachedAssistants = 1024

type Config struct {
	Store store.Store
	Tools tools.Deps
	// NewAssistant builds the assistant for a tool list. It must not vary its output for
	// equal lists.
	NewAssistant func(tools.List) *assistant.Assistant
	Logger       *slog.Logger
	NewID        func() string
}

// State is a consistent view of one session after reconciliation.
type State struct {
	Session   store.Session
	Selection tools.Selection
	Tools     tools.List
	Assistant *assistant.Assistant
	// Rebuilt is set when this call created the assistant and reset the transcript.
	Rebuilt bool
}

type cachedAssistant struct {
	generation string
	assistant  *assistant.Assistant
	lastUsed   uint64
}

type sessionLock struct {
	sem  *semaphore.Weighted
	refs int
}

type Manager struct {
	store        store.Store
	deps         tools.Deps
	newAssistant func(tools.List) *assistant.Assistant
	logger       *slog.Logger
	newID        func() string

	mu         sync.Mutex
	locks      map[string]*sessionLock
	assistants map[string]cachedAssistant
	tick       uint64
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		store:        cfg.Store,
		deps:         cfg.Tools,
		newAssistant: cfg.NewAssistant,
		logger:       cfg.Logger,
		newID:        cfg.NewID,
		locks:        map[string]*sessionLock{},
		assistants:   map[string]cachedAssistant{},
	}
	if m.newAssistant == nil {
		m.newAssistant = func(list tools.List) *assistant.Assistant {
			return assistant.New(list)
		}
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m
}

// NewSessionID issues the id a browser keeps in its session cookie.
func (m *Manager) NewSessionID() string {
	return m.newID()
}

// Reconcile brings the session in line with sel. When the derived tool list differs from the
// stored one (or nothing is stored yet) a new assistant is built and the transcript cleared.
func (m *Manager) Reconcile(ctx context.Context, sessionID string, sel tools.Selection) (*State, error) {
	release, err := m.acquire(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}
	defer release()
	return m.reconcileLocked(ctx, sessionID, sel)
}

// Delete drops the stored session and its cached assistant.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	release, err := m.acquire(ctx, sessionID, true)
	if err != nil {
		return err
	}
	defer release()
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.assistants, sessionID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) reconcileLocked(ctx context.Context, sessionID string, sel tools.Selection) (*State, error) {
	existing, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	desired := sel.Specs()
	if existing != nil && tools.SpecsEqual(existing.Tools, desired) {
		list, err := tools.FromSpecs(existing.Tools, m.deps)
		if err != nil {
			return nil, err
		}
		return &State{
			Session:   *existing,
			Selection: sel,
			Tools:     list,
			Assistant: m.assistantFor(sessionID, existing.Generation, list),
		}, nil
	}

	list := tools.Build(sel, m.deps)
	next := store.Session{
		ID:         sessionID,
		Generation: m.newID(),
		Tools:      desired,
		Messages:   []store.Message{},
		UpdatedAt:  store.Now(),
	}
	if existing != nil {
		next.CreatedAt = existing.CreatedAt
	} else {
		next.CreatedAt = next.UpdatedAt
	}
	if err := m.store.SaveSession(ctx, next); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	built := m.newAssistant(list)
	m.remember(sessionID, next.Generation, built)

	previous := 0
	if existing != nil {
		previous = len(existing.Messages)
	}
	m.logger.InfoContext(ctx, "session tools reconciled",
		"session_id", sessionID,
		"generation", next.Generation,
		"stock", sel.Stock,
		"search", sel.Search,
		"cleared_messages", previous,
	)
	return &State{
		Session:   next,
		Selection: sel,
		Tools:     list,
		Assistant: built,
		Rebuilt:   true,
	}, nil
}

// assistantFor returns the process-local assistant for a generation, building it the first
// time this process sees that generation.
func (m *Manager) assistantFor(sessionID string, generation string, list tools.List) *assistant.Assistant {
	m.mu.Lock()
	cached, ok := m.assistants[sessionID]
	if ok && cached.generation == generation {
		m.tick++
		cached.lastUsed = m.tick
		m.assistants[sessionID] = cached
		m.mu.Unlock()
		return cached.assistant
	}
	m.mu.Unlock()

	built := m.newAssistant(list)
	m.remember(sessionID, generation, built)
	return built
}

func (m *Manager) remember(sessionID string, generation string, a *assistant.Assistant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tick++
	m.assistants[sessionID] = cachedAssistant{generation: generation, assistant: a, lastUsed: m.tick}
	if len(m.assistants) <= maxCachedAssistants {
		return
	}
	oldestID := ""
	var oldest uint64
	for id, entry := range m.assistants {
		if oldestID == "" || entry.lastUsed < oldest {
			oldestID = id
			oldest = entry.lastUsed
		}
	}
	delete(m.assistants, oldestID)
}

// acquire serializes work on one session. With wait unset a busy session fails fast with
// ErrTurnInProgress.
func (m *Manager) acquire(ctx context.Context, sessionID string, wait bool) (func(), error) {
	m.mu.Lock()
	lock := m.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{sem: semaphore.NewWeighted(1)}
		m.locks[sessionID] = lock
	}
	lock.refs++
	m.mu.Unlock()

	var err error
	if wait {
		err = lock.sem.Acquire(ctx, 1)
	} else if !lock.sem.TryAcquire(1) {
		err = ErrTurnInProgress
	}
	if err != nil {
		m.unref(sessionID, lock)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			lock.sem.Release(1)
			m.unref(sessionID, lock)
		})
	}, nil
}

func (m *Manager) unref(sessionID string, lock *sessionLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock.refs--
	if lock.refs == 0 && m.locks[sessionID] == lock {
		delete(m.locks, sessionID)
	}
}

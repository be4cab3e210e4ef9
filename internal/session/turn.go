package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Keyring-Network/local-tool-chat/internal/llm"
	"github.com/Keyring-Network/local-tool-chat/internal/store"
	"github.com/Keyring-Network/local-tool-chat/internal/tools"
)

// View receives a turn as it happens. Partial gets the whole reply so far; the view decides
// how to mark it as in progress.
type View interface {
	User(msg store.Message) error
	Partial(content string) error
	Final(msg store.Message) error
}

type Turn struct {
	User      store.Message
	Assistant store.Message
}

// Chat runs one turn: the user message is stored and shown, the assistant reply is streamed
// into view, and the finished reply is stored. A failed stream leaves the user message in
// place and stores no reply.
func (m *Manager) Chat(ctx context.Context, sessionID string, sel tools.Selection, input string, view View) (*Turn, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}
	release, err := m.acquire(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	defer release()

	state, err := m.reconcileLocked(ctx, sessionID, sel)
	if err != nil {
		return nil, err
	}
	generation := state.Session.Generation
	history := toLLM(state.Session.Messages)

	userMsg := store.Message{
		ID:        m.newID(),
		Role:      llm.RoleUser,
		Content:   input,
		CreatedAt: store.Now(),
	}
	if err := m.store.AppendMessage(ctx, sessionID, generation, userMsg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	if err := view.User(userMsg); err != nil {
		return nil, err
	}

	stream := state.Assistant.Run(ctx, input, history)
	defer stream.Close()

	var reply strings.Builder
	for {
		fragment, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			m.logger.ErrorContext(ctx, "assistant stream failed",
				"session_id", sessionID,
				"generation", generation,
				"error", err,
			)
			return &Turn{User: userMsg}, fmt.Errorf("assistant stream: %w", err)
		}
		reply.WriteString(fragment)
		if err := view.Partial(reply.String()); err != nil {
			return &Turn{User: userMsg}, err
		}
	}

	assistantMsg := store.Message{
		ID:        m.newID(),
		Role:      llm.RoleAssistant,
		Content:   reply.String(),
		CreatedAt: store.Now(),
	}
	if err := m.store.AppendMessage(ctx, sessionID, generation, assistantMsg); err != nil {
		return &Turn{User: userMsg}, fmt.Errorf("append assistant message: %w", err)
	}
	if err := view.Final(assistantMsg); err != nil {
		return &Turn{User: userMsg, Assistant: assistantMsg}, err
	}
	m.logger.DebugContext(ctx, "chat turn complete",
		"session_id", sessionID,
		"reply_bytes", len(assistantMsg.Content),
	)
	return &Turn{User: userMsg, Assistant: assistantMsg}, nil
}

func toLLM(messages []store.Message) []llm.Message {
	history := make([]llm.Message, 0, len(messages))
	for _, msg := range messages {
		history = append(history, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return history
}

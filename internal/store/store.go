// Package store persists chat sessions: the selected tool list, the assistant generation
// built for it, and the transcript.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Keyring-Network/local-tool-chat/internal/tools"
)

var (
	ErrNotFound           = errors.New("session not found")
	ErrGenerationMismatch = errors.New("session generation changed")
)

type Session struct {
	ID         string       `json:"id"`
	Generation string       `json:"generation"`
	Tools      []tools.Spec `json:"tools"`
	Messages   []Message    `json:"messages"`
	CreatedAt  string       `json:"created_at"`
	UpdatedAt  string       `json:"updated_at"`
}

type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// Store implementations return a nil session and no error from GetSession when the id is
// unknown. AppendMessage only succeeds while the stored generation still matches.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	SaveSession(ctx context.Context, session Session) error
	AppendMessage(ctx context.Context, sessionID string, generation string, msg Message) error
	DeleteSession(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
}

// Sealer encrypts message content before it leaves the process.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(value string) (string, error)
}

func Clone(session Session) Session {
	cloned := session
	cloned.Tools = append([]tools.Spec{}, session.Tools...)
	cloned.Messages = append([]Message{}, session.Messages...)
	return cloned
}

func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func SealMessages(sealer Sealer, messages []Message) ([]Message, error) {
	if sealer == nil {
		return messages, nil
	}
	sealed := make([]Message, len(messages))
	for i, msg := range messages {
		content, err := sealer.Seal(msg.Content)
		if err != nil {
			return nil, err
		}
		msg.Content = content
		sealed[i] = msg
	}
	return sealed, nil
}

func OpenMessages(sealer Sealer, messages []Message) ([]Message, error) {
	if sealer == nil {
		return messages, nil
	}
	opened := make([]Message, len(messages))
	for i, msg := range messages {
		content, err := sealer.Open(msg.Content)
		if err != nil {
			return nil, err
		}
		msg.Content = content
		opened[i] = msg
	}
	return opened, nil
}

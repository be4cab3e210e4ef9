// Package assistant builds the tool-using chat assistant and drives its streamed replies.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Keyring-Network/local-tool-chat/internal/llm"
	"github.com/Keyring-Network/local-tool-chat/internal/logging"
	"github.com/Keyring-Network/local-tool-chat/internal/tools"
)

const (
	Name        = "assistant"
	Model       = "deepseek-r1:1.5b"
	Description = "You are a helpful assistant that can access specific tools based on user selection."

	MaxToolRounds = 10

	timeLayout = "2006-01-02 15:04:05.000000"
)

// Assistant is immutable once built. A different tool list needs a new Assistant.
type Assistant struct {
	tools  tools.List
	client llm.Client
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Assistant)

func WithClient(client llm.Client) Option {
	return func(a *Assistant) {
		if client != nil {
			a.client = client
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Assistant) {
		if now != nil {
			a.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Assistant) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func New(list tools.List, opts ...Option) *Assistant {
	a := &Assistant{
		tools:  append(tools.List(nil), list...),
		client: llm.NewOllamaClient(llm.OllamaConfig{}),
		now:    time.Now,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Assistant) Name() string {
	return Name
}

func (a *Assistant) Model() string {
	return Model
}

func (a *Assistant) Tools() tools.List {
	return append(tools.List(nil), a.tools...)
}

// Instructions renders the system prompt, stamped with the current time.
func (a *Assistant) Instructions() string {
	var b strings.Builder
	b.WriteString(Description)
	b.WriteString("\n\n## Instructions\n")
	fmt.Fprintf(&b, "- The current time is %s\n", a.now().Format(timeLayout))
	return b.String()
}

// Run prepares a reply to prompt. The model is not contacted until the first Next call.
func (a *Assistant) Run(ctx context.Context, prompt string, history []llm.Message) *Stream {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: a.Instructions()})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})
	a.logger.DebugContext(ctx, "assistant run",
		"assistant", Name,
		"model", Model,
		"history", len(history),
		"tools", len(a.tools),
	)
	return &Stream{assistant: a, messages: messages}
}

package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/Keyring-Network/local-tool-chat/internal/llm"
)

var (
	ErrToolRoundsExceeded = errors.New("assistant exceeded tool call rounds")
	ErrStreamClosed       = errors.New("assistant stream closed")
)

// Stream yields reply fragments in order. It runs the tool-call loop itself: tool calls
// are echoed, invoked and fed back to the model before text resumes. Once Next returns an
// error, every later call returns the same error.
type Stream struct {
	assistant *Assistant
	messages  []llm.Message

	current    llm.ChunkStream
	content    strings.Builder
	calls      []llm.ToolCall
	queue      []llm.ToolCall
	announced  bool
	toolRounds int
	err        error
}

func (s *Stream) Next(ctx context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", s.fail(err)
		}
		switch {
		case s.current != nil:
			chunk, err := s.current.Recv()
			if errors.Is(err, io.EOF) {
				s.closeCurrent()
				done, err := s.endRound()
				if err != nil {
					return "", s.fail(err)
				}
				if done {
					return "", s.fail(io.EOF)
				}
				continue
			}
			if err != nil {
				return "", s.fail(err)
			}
			s.calls = append(s.calls, chunk.Message.ToolCalls...)
			if chunk.Message.Content != "" {
				s.content.WriteString(chunk.Message.Content)
				return chunk.Message.Content, nil
			}
		case len(s.queue) > 0:
			call := s.queue[0]
			if !s.announced {
				s.announced = true
				return formatCall(call), nil
			}
			s.queue = s.queue[1:]
			s.announced = false
			s.messages = append(s.messages, s.invoke(ctx, call))
		default:
			if err := s.request(ctx); err != nil {
				return "", s.fail(err)
			}
		}
	}
}

// Messages returns the conversation sent to the model so far, tool exchanges included.
func (s *Stream) Messages() []llm.Message {
	return append([]llm.Message(nil), s.messages...)
}

func (s *Stream) Close() error {
	if s.err == nil {
		s.err = ErrStreamClosed
	}
	return s.closeCurrent()
}

func (s *Stream) request(ctx context.Context) error {
	a := s.assistant
	req := llm.ChatRequest{
		Model:    Model,
		Messages: s.Messages(),
		Tools:    a.tools.Definitions(),
	}
	a.logger.DebugContext(ctx, "model request",
		"model", req.Model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"round", s.toolRounds,
	)
	stream, err := a.client.ChatStream(ctx, req)
	if err != nil {
		return err
	}
	s.current = stream
	return nil
}

// endRound records the assistant turn that just finished streaming and reports whether the
// reply is complete.
func (s *Stream) endRound() (bool, error) {
	msg := llm.Message{Role: llm.RoleAssistant, Content: s.content.String(), ToolCalls: s.calls}
	s.messages = append(s.messages, msg)
	s.content.Reset()
	s.calls = nil
	if len(msg.ToolCalls) == 0 {
		return true, nil
	}
	if s.toolRounds >= MaxToolRounds {
		return false, fmt.Errorf("%w (%d)", ErrToolRoundsExceeded, MaxToolRounds)
	}
	s.toolRounds++
	s.queue = msg.ToolCalls
	return false, nil
}

func (s *Stream) invoke(ctx context.Context, call llm.ToolCall) llm.Message {
	a := s.assistant
	name := call.Function.Name
	a.logger.DebugContext(ctx, "tool call", "function", name, "arguments", call.Function.Arguments)
	result, err := a.tools.Invoke(ctx, name, call.Function.Arguments)
	if err != nil {
		a.logger.DebugContext(ctx, "tool call failed", "function", name, "error", err)
		result = "Error: " + err.Error()
	} else {
		a.logger.DebugContext(ctx, "tool result", "function", name, "bytes", len(result))
	}
	return llm.Message{Role: llm.RoleTool, Content: result}
}

func (s *Stream) fail(err error) error {
	s.err = err
	s.closeCurrent()
	return err
}

func (s *Stream) closeCurrent() error {
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	return err
}

// formatCall renders the line shown before a tool runs, e.g.
// "Running: get_current_stock_price(symbol=AAPL)".
func formatCall(call llm.ToolCall) string {
	keys := slices.Sorted(maps.Keys(call.Function.Arguments))
	args := make([]string, 0, len(keys))
	for _, key := range keys {
		args = append(args, fmt.Sprintf("%s=%v", key, call.Function.Arguments[key]))
	}
	return fmt.Sprintf("\n - Running: %s(%s)\n\n", call.Function.Name, strings.Join(args, ", "))
}

// Collect drains the stream and returns the concatenated reply.
func Collect(ctx context.Context, stream *Stream) (string, error) {
	defer stream.Close()
	var b strings.Builder
	for {
		fragment, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(fragment)
	}
}

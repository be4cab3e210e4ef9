package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Keyring-Network/local-tool-chat/internal/events"
	"github.com/Keyring-Network/local-tool-chat/internal/llm"
	"github.com/Keyring-Network/local-tool-chat/internal/render"
	"github.com/Keyring-Network/local-tool-chat/internal/store"
	"github.com/Keyring-Network/local-tool-chat/internal/tools"
)

type chatRequest struct {
	Prompt string           `json:"prompt"`
	Tools  *tools.Selection `json:"tools,omitempty"`
	Turn   string           `json:"turn,omitempty"`
}

func decodeChatRequest(r *http.Request) (chatRequest, error) {
	var req chatRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("invalid payload: %w", err)
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return req, fmt.Errorf("invalid form: %w", err)
	}
	req.Prompt = r.PostForm.Get("prompt")
	req.Turn = r.PostForm.Get("turn")
	if sel, ok := selectionFromQuery(r.PostForm); ok {
		req.Tools = &sel
	}
	return req, nil
}

// chat runs one turn and streams it back as server-sent events. Failures before the first
// event are plain HTTP errors; later ones arrive as an error event.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := decodeChatRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sessionID := s.sessionID(w, r)

	var submitted tools.Selection
	if req.Tools != nil {
		submitted = *req.Tools
	}
	sel, _, err := s.selectionFor(ctx, sessionID, submitted, req.Tools != nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	view := &sseView{
		w:         w,
		flusher:   flusher,
		sessionID: sessionID,
		broker:    s.broker,
		markdown:  s.markdown,
		turn:      req.Turn,
	}
	if _, err := s.sessions.Chat(ctx, sessionID, sel, req.Prompt, view); err != nil {
		if !view.started {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		_ = view.send(events.ChatEvent{Type: events.TypeError, Role: llm.RoleAssistant, Content: err.Error()})
	}
}

// sseView writes a turn to the requesting client and mirrors every event to the broker.
type sseView struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	sessionID string
	broker    Broker
	markdown  *render.Markdown
	turn      string
	started   bool
}

func (v *sseView) User(msg store.Message) error {
	return v.send(events.ChatEvent{
		Type:    events.TypeUser,
		Role:    msg.Role,
		Content: msg.Content,
		HTML:    string(v.markdown.MustRender(msg.Content)),
	})
}

func (v *sseView) Partial(content string) error {
	return v.send(events.ChatEvent{
		Type:    events.TypePartial,
		Role:    llm.RoleAssistant,
		Content: content,
		HTML:    string(v.markdown.Partial(content)),
	})
}

func (v *sseView) Final(msg store.Message) error {
	return v.send(events.ChatEvent{
		Type:    events.TypeFinal,
		Role:    msg.Role,
		Content: msg.Content,
		HTML:    string(v.markdown.MustRender(msg.Content)),
	})
}

func (v *sseView) send(event events.ChatEvent) error {
	event.SessionID = v.sessionID
	event.Ts = store.Now()
	event.Turn = v.turn
	if !v.started {
		v.started = true
		v.w.Header().Set("Content-Type", "text/event-stream")
		v.w.Header().Set("Cache-Control", "no-cache")
		v.w.Header().Set("Connection", "keep-alive")
		v.w.WriteHeader(http.StatusOK)
	}
	v.broker.Publish(event)
	if err := sendSSE(v.w, event); err != nil {
		return err
	}
	v.flusher.Flush()
	return nil
}

// streamEvents mirrors the session's turns to other open pages.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := existingSessionID(r)
	if !ok {
		// 204 tells EventSource not to reconnect.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	eventsChan := s.broker.Subscribe(ctx, sessionID)
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-eventsChan:
			if !ok {
				return
			}
			if err := sendSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, event events.ChatEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}

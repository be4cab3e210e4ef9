package api

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"net/url"

	"github.com/Keyring-Network/local-tool-chat/internal/events"
	"github.com/Keyring-Network/local-tool-chat/internal/store"
	"github.com/Keyring-Network/local-tool-chat/internal/tools"
)

const pageTitle = "DeepSeek Tool Use"

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = template.Must(
	template.New("pages").Funcs(template.FuncMap{"enabled": enabled}).ParseFS(templateFS, "templates/*.html"),
)

type setupView struct {
	Title   string
	Message string
}

type pageView struct {
	Title     string
	Selection tools.Selection
	// Stock and Search report what the assistant was actually built with.
	Stock    bool
	Search   bool
	Messages []messageView
}

type messageView struct {
	Role string
	HTML template.HTML
}

func enabled(on bool) string {
	if on {
		return "Enabled"
	}
	return "Disabled"
}

// page reconciles the session with the submitted toggles and replays the transcript.
func (s *Server) page(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := s.sessionID(w, r)

	submitted, ok := selectionFromQuery(r.URL.Query())
	sel, existed, err := s.selectionFor(ctx, sessionID, submitted, ok)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	state, err := s.sessions.Reconcile(ctx, sessionID, sel)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if state.Rebuilt && existed {
		s.publishReset(sessionID)
	}

	view := pageView{
		Title:     pageTitle,
		Selection: state.Selection,
		Stock:     state.Tools.Has(tools.KindStock),
		Search:    state.Tools.Has(tools.KindSearch),
		Messages:  make([]messageView, 0, len(state.Session.Messages)),
	}
	for _, msg := range state.Session.Messages {
		view.Messages = append(view.Messages, messageView{Role: msg.Role, HTML: s.markdown.MustRender(msg.Content)})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.pages.ExecuteTemplate(w, "page.html", view); err != nil {
		s.logger.ErrorContext(ctx, "render page", "session_id", sessionID, "error", err)
	}
}

// selectionFromQuery reads the sidebar form. Unchecked boxes are absent from a submitted
// form, so tools=1 is what tells "both off" apart from "not submitted".
func selectionFromQuery(values url.Values) (tools.Selection, bool) {
	if values.Get("tools") == "" {
		return tools.Selection{}, false
	}
	return tools.Selection{
		Stock:  values.Get("stock") == "on",
		Search: values.Get("search") == "on",
	}, true
}

// selectionFor falls back to the stored toggles, then to the defaults, when nothing was
// submitted. existed reports whether the session was already stored.
func (s *Server) selectionFor(ctx context.Context, sessionID string, submitted tools.Selection, ok bool) (tools.Selection, bool, error) {
	current, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return tools.Selection{}, false, err
	}
	existed := current != nil
	switch {
	case ok:
		return submitted, existed, nil
	case existed:
		return tools.SelectionOf(current.Tools), true, nil
	default:
		return tools.DefaultSelection(), false, nil
	}
}

func (s *Server) publishReset(sessionID string) {
	s.broker.Publish(events.ChatEvent{
		SessionID: sessionID,
		Type:      events.TypeReset,
		Ts:        store.Now(),
	})
}

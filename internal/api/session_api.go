package api

import (
	"encoding/json"
	"net/http"

	"github.com/Keyring-Network/local-tool-chat/internal/store"
	"github.com/Keyring-Network/local-tool-chat/internal/tools"
)

type sessionResponse struct {
	ID         string          `json:"id"`
	Generation string          `json:"generation"`
	Selection  tools.Selection `json:"selection"`
	Tools      []tools.Spec    `json:"tools"`
	Messages   []store.Message `json:"messages"`
	UpdatedAt  string          `json:"updated_at"`
}

func toSessionResponse(session store.Session) sessionResponse {
	messages := session.Messages
	if messages == nil {
		messages = []store.Message{}
	}
	specs := session.Tools
	if specs == nil {
		specs = []tools.Spec{}
	}
	return sessionResponse{
		ID:         session.ID,
		Generation: session.Generation,
		Selection:  tools.SelectionOf(specs),
		Tools:      specs,
		Messages:   messages,
		UpdatedAt:  session.UpdatedAt,
	}
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := existingSessionID(r)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	current, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if current == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSONStatus(w, toSessionResponse(*current), http.StatusOK)
}

func (s *Server) updateTools(w http.ResponseWriter, r *http.Request) {
	var sel tools.Selection
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	sessionID := s.sessionID(w, r)
	_, existed, err := s.selectionFor(ctx, sessionID, sel, true)
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
	writeJSONStatus(w, toSessionResponse(state.Session), http.StatusOK)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := existingSessionID(r)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.sessions.Delete(r.Context(), sessionID); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.publishReset(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voxnote/internal/apperr"
	"github.com/ent0n29/voxnote/internal/storage"
)

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		respondError(w, apperr.New(apperr.KindNetwork, "conversation store unavailable"))
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, apperr.New(apperr.KindValidation, "conversation id is required"))
		return
	}

	conversation, err := s.deps.Conversations.GetConversation(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	entities, err := s.deps.Conversations.ListEntities(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if entities == nil {
		entities = []storage.Entity{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversation": conversation,
		"entities":     entities,
	})
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tornbuddy/buddy-engine/internal/torn"
)

// SuggestionCount is the number of near names returned for an unknown item.
const SuggestionCount = 5

// Catalog is the item lookup used by the /items routes.
type Catalog interface {
	Resolve(ctx context.Context, key, name string) (torn.Item, bool, error)
	Suggest(name string, n int) []string
	Refresh(ctx context.Context, key string) error
	Invalidate()
	Len() int
}

// ItemLookup is the body of GET /items/resolve.
type ItemLookup struct {
	Query       string     `json:"query"`
	Found       bool       `json:"found"`
	Item        *torn.Item `json:"item,omitempty"`
	Suggestions []string   `json:"suggestions,omitempty"`
}

// ResolveItem handles GET /api/v1/items/resolve?name=Xanax
// Unknown names are answered with the closest catalog names.
func (s *Service) ResolveItem(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	key, err := s.apiKey(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	it, ok, err := s.items.Resolve(r.Context(), key, name)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := ItemLookup{Query: name, Found: ok}
	if ok {
		out.Item = &it
	} else {
		out.Suggestions = s.items.Suggest(name, SuggestionCount)
	}
	writeJSON(w, http.StatusOK, out)
}

// RefreshItems handles POST /api/v1/items/refresh
func (s *Service) RefreshItems(w http.ResponseWriter, r *http.Request) {
	key, err := s.apiKey(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.items.Refresh(r.Context(), key); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("item catalog refreshed", "items", s.items.Len())
	writeJSON(w, http.StatusOK, map[string]int{"items": s.items.Len()})
}

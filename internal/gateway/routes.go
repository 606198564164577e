package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tabscribe/internal/store"
	"tabscribe/internal/timeline"
)

// patternJSON is the wire shape of a learned pattern. Fingerprint and
// embedding stay server-side; the extension only renders metadata.
type patternJSON struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	PatternType string  `json:"patternType"`
	Duration    float64 `json:"duration"`
	CreatedAt   string  `json:"createdAt"`
}

// transcriptJSON is the wire shape of a generation transcript. Entries are
// omitted in listings.
type transcriptJSON struct {
	ID        string           `json:"id"`
	VideoURL  string           `json:"videoUrl"`
	Title     string           `json:"title,omitempty"`
	Language  string           `json:"language,omitempty"`
	Entries   []timeline.Entry `json:"entries,omitempty"`
	CreatedAt string           `json:"createdAt"`
}

// routes serves the read side of persistence: the extension redeems
// completion ids for full transcripts here and manages learned patterns.
type routes struct {
	store store.Store
}

func (rt *routes) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /transcripts", rt.listTranscripts)
	mux.HandleFunc("GET /transcripts/{id}", rt.getTranscript)
	mux.HandleFunc("GET /patterns", rt.listPatterns)
	mux.HandleFunc("GET /patterns/{id}/similar", rt.similarPatterns)
	mux.HandleFunc("DELETE /patterns/{id}", rt.deletePattern)
}

func (rt *routes) listTranscripts(w http.ResponseWriter, r *http.Request) {
	transcripts, err := rt.store.ListTranscripts(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]transcriptJSON, 0, len(transcripts))
	for _, t := range transcripts {
		out = append(out, toTranscriptJSON(&t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (rt *routes) getTranscript(w http.ResponseWriter, r *http.Request) {
	t, err := rt.store.GetTranscript(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toTranscriptJSON(t))
}

func (rt *routes) listPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := rt.store.ListPatterns(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toPatternJSON(patterns))
}

// similarPatterns finds patterns whose embedding is close to the named one,
// for surfacing likely duplicates after a learn.
func (rt *routes) similarPatterns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	patterns, err := rt.store.ListPatterns(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	var query *store.Pattern
	for i := range patterns {
		if patterns[i].ID == id {
			query = &patterns[i]
			break
		}
	}
	if query == nil {
		httpError(w, http.StatusNotFound, errors.New("unknown pattern "+id))
		return
	}
	if len(query.Embedding) == 0 {
		writeJSON(w, http.StatusOK, []patternJSON{})
		return
	}

	// One extra result absorbs the query pattern itself.
	similar, err := rt.store.SearchSimilar(r.Context(), query.Embedding, limit+1)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	kept := similar[:0]
	for _, p := range similar {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	if len(kept) > limit {
		kept = kept[:limit]
	}
	writeJSON(w, http.StatusOK, toPatternJSON(kept))
}

func (rt *routes) deletePattern(w http.ResponseWriter, r *http.Request) {
	if err := rt.store.DeletePattern(r.Context(), r.PathValue("id")); err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toPatternJSON(patterns []store.Pattern) []patternJSON {
	out := make([]patternJSON, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, patternJSON{
			ID:          p.ID,
			Name:        p.Name,
			PatternType: p.PatternType,
			Duration:    p.Duration,
			CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func toTranscriptJSON(t *store.Transcript) transcriptJSON {
	return transcriptJSON{
		ID:        t.ID,
		VideoURL:  t.VideoURL,
		Title:     t.Title,
		Language:  t.Language,
		Entries:   t.Entries,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response failed", "err", err)
	}
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

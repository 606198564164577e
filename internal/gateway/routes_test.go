package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tabscribe/internal/gateway"
	"tabscribe/internal/store"
	"tabscribe/internal/timeline"
)

func newTestRoutes(t *testing.T) (*store.MemoryStore, string) {
	t.Helper()
	st := store.NewMemoryStore()
	s, err := gateway.NewServer(gateway.Config{Controller: &fakeController{}, Store: st})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return st, ts.URL
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestRoutes_TranscriptRetrieval(t *testing.T) {
	st, base := newTestRoutes(t)
	ctx := context.Background()

	err := st.SaveTranscript(ctx, &store.Transcript{
		ID:       "tr-1",
		VideoURL: "tab://tab-1",
		Language: "en",
		Entries:  []timeline.Entry{{Start: 0, End: 2, Text: "hello world"}},
	})
	if err != nil {
		t.Fatalf("SaveTranscript: %v", err)
	}

	var list []struct {
		ID      string `json:"id"`
		Entries []any  `json:"entries"`
	}
	if code := getJSON(t, base+"/transcripts", &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(list) != 1 || list[0].ID != "tr-1" {
		t.Fatalf("list = %+v, want the saved transcript", list)
	}
	if len(list[0].Entries) != 0 {
		t.Error("listing included entries, want summaries only")
	}

	var full struct {
		ID      string           `json:"id"`
		Entries []timeline.Entry `json:"entries"`
	}
	if code := getJSON(t, base+"/transcripts/tr-1", &full); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if len(full.Entries) != 1 || full.Entries[0].Text != "hello world" {
		t.Errorf("entries = %+v", full.Entries)
	}

	if code := getJSON(t, base+"/transcripts/nope", nil); code != http.StatusNotFound {
		t.Errorf("missing id status = %d, want 404", code)
	}
}

func TestRoutes_PatternListAndDelete(t *testing.T) {
	st, base := newTestRoutes(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2"} {
		if err := st.SavePattern(ctx, &store.Pattern{ID: id, Name: id, PatternType: "jingle"}); err != nil {
			t.Fatalf("SavePattern %s: %v", id, err)
		}
	}

	var list []struct {
		ID string `json:"id"`
	}
	if code := getJSON(t, base+"/patterns", &list); code != http.StatusOK || len(list) != 2 {
		t.Fatalf("list status = %d, patterns = %+v", code, list)
	}

	req, err := http.NewRequest(http.MethodDelete, base+"/patterns/p1", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}

	list = nil
	getJSON(t, base+"/patterns", &list)
	if len(list) != 1 || list[0].ID != "p2" {
		t.Errorf("patterns after delete = %+v, want only p2", list)
	}
}

func TestRoutes_SimilarPatterns(t *testing.T) {
	st, base := newTestRoutes(t)
	ctx := context.Background()

	patterns := []*store.Pattern{
		{ID: "query", Name: "goal horn", PatternType: "jingle", Embedding: []float32{1, 0}},
		{ID: "near", Name: "goal horn 2", PatternType: "jingle", Embedding: []float32{0.9, 0.1}},
		{ID: "far", Name: "whistle", PatternType: "jingle", Embedding: []float32{0, 1}},
	}
	for _, p := range patterns {
		if err := st.SavePattern(ctx, p); err != nil {
			t.Fatalf("SavePattern %s: %v", p.ID, err)
		}
	}

	var similar []struct {
		ID string `json:"id"`
	}
	if code := getJSON(t, base+"/patterns/query/similar?limit=1", &similar); code != http.StatusOK {
		t.Fatalf("similar status = %d", code)
	}
	if len(similar) != 1 || similar[0].ID != "near" {
		t.Errorf("similar = %+v, want the nearest non-self pattern", similar)
	}

	if code := getJSON(t, base+"/patterns/nope/similar", nil); code != http.StatusNotFound {
		t.Errorf("missing id status = %d, want 404", code)
	}
}

// Package mockgeocoder implements a minimal in-process stand-in for the
// external lookup service: the OneMap-style search endpoint with scripted
// results, failure injection, and call recording for assertions about
// dispatch counts and spacing.
package mockgeocoder

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Call records one search request made to the mock service.
type Call struct {
	Query string
	At    time.Time
}

type scripted struct {
	result   map[string]any
	failures []int // HTTP status codes to return before succeeding
	hang     time.Duration
}

// Server serves a fake search API keyed by normalized query text.
type Server struct {
	mu        sync.Mutex
	byQuery   map[string]*scripted
	calls     []Call
	wantToken string
}

func New() *Server {
	return &Server{byQuery: make(map[string]*scripted)}
}

// RequireBearerToken enforces an Authorization header on every request.
// An empty token disables enforcement.
func (s *Server) RequireBearerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wantToken = strings.TrimSpace(token)
}

// SetResult scripts a single successful candidate for the query.
func (s *Server) SetResult(query string, lat, lng float64, matched, postal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.scriptFor(query)
	sc.result = map[string]any{
		"SEARCHVAL": matched,
		"ADDRESS":   matched,
		"POSTAL":    postal,
		"LATITUDE":  fmt.Sprintf("%f", lat),
		"LONGITUDE": fmt.Sprintf("%f", lng),
		"SCORE":     "1.0",
	}
}

// FailTimes scripts the next n requests for the query to answer with the
// given HTTP status before any scripted result applies.
func (s *Server) FailTimes(query string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.scriptFor(query)
	for i := 0; i < n; i++ {
		sc.failures = append(sc.failures, status)
	}
}

// HangFor makes requests for the query sleep before answering, simulating
// the silent-throttling behavior of an overdriven service.
func (s *Server) HangFor(query string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scriptFor(query).hang = d
}

func (s *Server) scriptFor(query string) *scripted {
	key := normalize(query)
	sc, ok := s.byQuery[key]
	if !ok {
		sc = &scripted{}
		s.byQuery[key] = sc
	}
	return sc
}

// Calls returns a snapshot of recorded search requests.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many search requests were recorded for the query.
func (s *Server) CallCount(query string) int {
	key := normalize(query)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if normalize(c.Query) == key {
			n++
		}
	}
	return n
}

// Handler returns an http.Handler serving the mock search API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/common/elastic/search", s.handleSearch)
	return mux
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("searchVal")

	s.mu.Lock()
	s.calls = append(s.calls, Call{Query: query, At: time.Now()})
	wantToken := s.wantToken
	sc := s.byQuery[normalize(query)]
	var status int
	var hang time.Duration
	var result map[string]any
	if sc != nil {
		if len(sc.failures) > 0 {
			status = sc.failures[0]
			sc.failures = sc.failures[1:]
		}
		hang = sc.hang
		result = sc.result
	}
	s.mu.Unlock()

	if wantToken != "" && r.Header.Get("Authorization") != "Bearer "+wantToken {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if hang > 0 {
		select {
		case <-time.After(hang):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, fmt.Sprintf(`{"error":"scripted failure %d"}`, status), status)
		return
	}

	resp := map[string]any{"found": 0, "results": []any{}}
	if result != nil {
		resp = map[string]any{"found": 1, "results": []any{result}}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func normalize(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

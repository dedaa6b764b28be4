// Package web exposes the HTTP JSON API: topic management, due listings,
// question bank editing, and the session endpoints that drive the learning
// loop. It holds no domain logic; every request is delegated to the
// registry, the question source, or a session engine.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/conorfennell/studyloop/internal/domain"
	"github.com/conorfennell/studyloop/internal/memory"
	"github.com/conorfennell/studyloop/internal/questions"
	"github.com/conorfennell/studyloop/internal/registry"
	"github.com/conorfennell/studyloop/internal/session"
	"github.com/conorfennell/studyloop/internal/storage"
)

// defaultOwner is used when a request carries no X-Owner header. The API
// is multi-tenant by owner id but a single-user deployment never needs to
// set one.
const defaultOwner = "default"

// Registry is the topic surface the server needs. *registry.Registry
// satisfies it; tests substitute fakes.
type Registry interface {
	CreateTopic(ctx context.Context, ownerID, name, description string) (*domain.Topic, error)
	Topic(ctx context.Context, id string) (*domain.Topic, error)
	Topics(ctx context.Context, ownerID string) ([]*domain.Topic, error)
	ResolveOrCreate(ctx context.Context, ownerID, name string) (*domain.Topic, error)
	RecordReview(ctx context.Context, outcome domain.ReviewOutcome) (*domain.Topic, error)
	DeleteTopic(ctx context.Context, id string) error
	ClassifyDue(ctx context.Context, ownerID string, now time.Time) (registry.DueBuckets, error)
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	registry Registry
	source   questions.Source
	store    session.SessionStore
	clock    session.Clock
	cfg      session.Config
	router   *http.ServeMux

	mu       sync.Mutex
	sessions map[string]*session.Engine
}

// NewServer creates and configures a new server.
func NewServer(reg Registry, source questions.Source, store session.SessionStore, clock session.Clock, cfg session.Config) *Server {
	s := &Server{
		registry: reg,
		source:   source,
		store:    store,
		clock:    clock,
		cfg:      cfg,
		router:   http.NewServeMux(),
		sessions: make(map[string]*session.Engine),
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes sets up the routing for the server.
func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth())
	s.router.HandleFunc("/due", s.handleDue())
	s.router.HandleFunc("/topics", s.handleTopics())
	s.router.HandleFunc("/topics/", s.handleTopic())
	s.router.HandleFunc("/sessions", s.handleCreateSession())
	s.router.HandleFunc("/sessions/", s.handleSession())
}

func owner(r *http.Request) string {
	if o := r.Header.Get("X-Owner"); o != "" {
		return o
	}
	return defaultOwner
}

// topicView is the JSON shape of a topic.
type topicView struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Stability      float64    `json:"stability"`
	Difficulty     float64    `json:"difficulty"`
	LastReviewedAt *time.Time `json:"last_reviewed_at,omitempty"`
	NextReviewAt   *time.Time `json:"next_review_at,omitempty"`
	New            bool       `json:"new"`
}

func viewTopic(t *domain.Topic) topicView {
	return topicView{
		ID:             t.ID,
		Name:           t.Name,
		Description:    t.Description,
		Stability:      t.Stability,
		Difficulty:     t.Difficulty,
		LastReviewedAt: t.LastReviewedAt,
		NextReviewAt:   t.NextReviewAt,
		New:            t.IsNew(),
	}
}

func viewTopics(ts []*domain.Topic) []topicView {
	out := make([]topicView, len(ts))
	for i, t := range ts {
		out[i] = viewTopic(t)
	}
	return out
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleDue reports the owner's topics bucketed by review urgency.
func (s *Server) handleDue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		buckets, err := s.registry.ClassifyDue(r.Context(), owner(r), s.clock.Now())
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]topicView{
			"overdue":   viewTopics(buckets.Overdue),
			"due_today": viewTopics(buckets.DueToday),
			"upcoming":  viewTopics(buckets.Upcoming),
		})
	}
}

// handleTopics handles both GET and POST for the topic collection.
func (s *Server) handleTopics() http.HandlerFunc {
	type createRequest struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			topics, err := s.registry.Topics(r.Context(), owner(r))
			if err != nil {
				s.writeFailure(w, err)
				return
			}
			writeJSON(w, http.StatusOK, viewTopics(topics))
		case http.MethodPost:
			var req createRequest
			if err := readJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			topic, err := s.registry.CreateTopic(r.Context(), owner(r), req.Name, req.Description)
			if err != nil {
				s.writeFailure(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, viewTopic(topic))
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// handleTopic serves a single topic and its question bank:
//
//	GET    /topics/{id}
//	DELETE /topics/{id}
//	GET    /topics/{id}/questions
//	POST   /topics/{id}/questions
//	DELETE /topics/{id}/questions/{questionID}
func (s *Server) handleTopic() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/topics/")
		parts := strings.SplitN(rest, "/", 3)
		id := parts[0]
		if id == "" {
			writeError(w, http.StatusNotFound, "topic id missing")
			return
		}

		switch {
		case len(parts) == 1:
			s.serveTopicByID(w, r, id)
		case parts[1] == "questions" && len(parts) == 2:
			s.serveTopicQuestions(w, r, id)
		case parts[1] == "questions" && len(parts) == 3:
			s.serveTopicQuestion(w, r, id, parts[2])
		default:
			writeError(w, http.StatusNotFound, "not found")
		}
	}
}

func (s *Server) serveTopicByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		topic, err := s.registry.Topic(r.Context(), id)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewTopic(topic))
	case http.MethodDelete:
		if err := s.registry.DeleteTopic(r.Context(), id); err != nil {
			s.writeFailure(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) serveTopicQuestions(w http.ResponseWriter, r *http.Request, id string) {
	topic, err := s.registry.Topic(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		qs, err := s.source.Questions(r.Context(), topic.QuestionBankRef)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, qs)
	case http.MethodPost:
		var specs []domain.QuestionSpec
		if err := readJSON(r, &specs); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		created, err := s.source.CreateQuestions(r.Context(), topic.QuestionBankRef, specs)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) serveTopicQuestion(w http.ResponseWriter, r *http.Request, id, questionID string) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	topic, err := s.registry.Topic(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if err := s.source.DeleteQuestion(r.Context(), topic.QuestionBankRef, questionID); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateSession starts a fresh session and returns its snapshot,
// including the token used for all further session calls.
func (s *Server) handleCreateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		eng, err := session.New(r.Context(), s.registry, s.source, s.store, s.clock, s.cfg, owner(r))
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		s.mu.Lock()
		s.sessions[eng.Token()] = eng
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, eng.Snapshot())
	}
}

// handleSession dispatches on /sessions/{token} and
// /sessions/{token}/{verb}. GET on the bare token returns the snapshot;
// POST on a verb drives the state machine and returns the new snapshot.
func (s *Server) handleSession() http.HandlerFunc {
	type startRequest struct {
		Kind domain.SessionKind `json:"kind"`
	}
	type topicsRequest struct {
		Names []string `json:"names"`
	}
	type dueRequest struct {
		TopicIDs []string `json:"topic_ids"`
	}
	type answerRequest struct {
		Answer string       `json:"answer"`
		Grade  domain.Grade `json:"grade"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
		token, verb, _ := strings.Cut(rest, "/")
		if token == "" {
			writeError(w, http.StatusNotFound, "session token missing")
			return
		}

		eng, err := s.engineFor(r.Context(), token)
		if err != nil {
			s.writeFailure(w, err)
			return
		}

		if verb == "" {
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			writeJSON(w, http.StatusOK, eng.Snapshot())
			return
		}

		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		ctx := r.Context()
		switch verb {
		case "begin":
			err = eng.Begin(ctx)
		case "start":
			var req startRequest
			if err = readJSON(r, &req); err == nil {
				err = eng.Start(ctx, req.Kind)
			}
		case "topics":
			var req topicsRequest
			if err = readJSON(r, &req); err == nil {
				err = eng.SubmitTopics(ctx, req.Names)
			}
		case "due":
			var req dueRequest
			if err = readJSON(r, &req); err == nil {
				err = eng.SubmitDueSelection(ctx, req.TopicIDs)
			}
		case "answer":
			var req answerRequest
			if err = readJSON(r, &req); err == nil {
				err = eng.AnswerCurrentQuestion(ctx, req.Answer, req.Grade)
			}
		case "skip":
			err = eng.SkipCurrentQuestion(ctx)
		case "end":
			err = eng.EndSession(ctx)
		case "retry":
			err = eng.Retry(ctx)
		case "reset":
			err = eng.Reset(ctx)
		default:
			writeError(w, http.StatusNotFound, "unknown session operation")
			return
		}
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		snap := eng.Snapshot()
		if snap.State.IsTerminal() {
			// The engine is done; keep the map bounded. Storage still holds
			// the session row for later inspection.
			s.mu.Lock()
			delete(s.sessions, token)
			s.mu.Unlock()
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// engineFor returns the live engine for a token, resuming the session from
// storage when this process has not seen it yet.
func (s *Server) engineFor(ctx context.Context, token string) (*session.Engine, error) {
	s.mu.Lock()
	eng, ok := s.sessions[token]
	s.mu.Unlock()
	if ok {
		return eng, nil
	}

	eng, err := session.Resume(ctx, s.registry, s.source, s.store, s.clock, s.cfg, token)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[token]; ok {
		return existing, nil
	}
	s.sessions[token] = eng
	return eng, nil
}

// writeFailure maps an error from a collaborator onto an HTTP status.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, registry.ErrTopicNotFound),
		errors.Is(err, questions.ErrBankNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrDuplicateTopic):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrOperationInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrEmptyTopicName),
		errors.Is(err, session.ErrEmptyTopicList),
		errors.Is(err, session.ErrEmptySelection),
		errors.Is(err, memory.ErrInvalidGrade):
		writeError(w, http.StatusBadRequest, err.Error())
	case storage.IsTransient(err), questions.IsTransient(err):
		slog.Error("Upstream failure serving request", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("Internal error serving request", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

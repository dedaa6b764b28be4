package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/conorfennell/studyloop/internal/domain"
	"github.com/conorfennell/studyloop/internal/questions"
	"github.com/conorfennell/studyloop/internal/registry"
	"github.com/conorfennell/studyloop/internal/session"
	"github.com/conorfennell/studyloop/internal/storage"
)

// memRegistry implements Registry in memory for handler tests.
type memRegistry struct {
	mu     sync.Mutex
	nextID int
	topics map[string]*domain.Topic
}

func newMemRegistry() *memRegistry {
	return &memRegistry{topics: make(map[string]*domain.Topic)}
}

func (m *memRegistry) CreateTopic(ctx context.Context, ownerID, name, description string) (*domain.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		return nil, registry.ErrEmptyTopicName
	}
	for _, t := range m.topics {
		if t.OwnerID == ownerID && t.Name == name {
			return nil, fmt.Errorf("%w: %s", registry.ErrDuplicateTopic, name)
		}
	}
	m.nextID++
	t := &domain.Topic{
		ID:              fmt.Sprintf("t-%d", m.nextID),
		OwnerID:         ownerID,
		Name:            name,
		Description:     description,
		QuestionBankRef: name,
	}
	m.topics[t.ID] = t
	return t, nil
}

func (m *memRegistry) Topic(ctx context.Context, id string) (*domain.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrTopicNotFound, id)
	}
	return t, nil
}

func (m *memRegistry) Topics(ctx context.Context, ownerID string) ([]*domain.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Topic
	for _, t := range m.topics {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memRegistry) ResolveOrCreate(ctx context.Context, ownerID, name string) (*domain.Topic, error) {
	m.mu.Lock()
	for _, t := range m.topics {
		if t.OwnerID == ownerID && t.Name == name {
			m.mu.Unlock()
			return t, nil
		}
	}
	m.mu.Unlock()
	return m.CreateTopic(ctx, ownerID, name, "")
}

func (m *memRegistry) RecordReview(ctx context.Context, outcome domain.ReviewOutcome) (*domain.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[outcome.TopicID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrTopicNotFound, outcome.TopicID)
	}
	next := outcome.AnsweredAt.Add(24 * time.Hour)
	t.LastReviewedAt = &outcome.AnsweredAt
	t.NextReviewAt = &next
	return t, nil
}

func (m *memRegistry) DeleteTopic(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.topics, id)
	return nil
}

func (m *memRegistry) ClassifyDue(ctx context.Context, ownerID string, now time.Time) (registry.DueBuckets, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var buckets registry.DueBuckets
	today := now.Truncate(24 * time.Hour)
	for _, t := range m.topics {
		if t.OwnerID != ownerID || t.NextReviewAt == nil {
			continue
		}
		day := t.NextReviewAt.Truncate(24 * time.Hour)
		switch {
		case day.Before(today):
			buckets.Overdue = append(buckets.Overdue, t)
		case day.Equal(today):
			buckets.DueToday = append(buckets.DueToday, t)
		default:
			buckets.Upcoming = append(buckets.Upcoming, t)
		}
	}
	return buckets, nil
}

// memSource serves fixed question lists per bank reference.
type memSource struct {
	banks map[string][]domain.Question
}

func (m *memSource) Questions(ctx context.Context, bankRef string) ([]domain.Question, error) {
	qs, ok := m.banks[bankRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", questions.ErrBankNotFound, bankRef)
	}
	return qs, nil
}

func (m *memSource) CreateQuestions(ctx context.Context, bankRef string, specs []domain.QuestionSpec) ([]domain.Question, error) {
	var out []domain.Question
	for i, spec := range specs {
		q := domain.Question{
			ID:         fmt.Sprintf("%s-q%d", bankRef, len(m.banks[bankRef])+i+1),
			Text:       spec.Text,
			Answer:     spec.Answer,
			Context:    spec.Context,
			Type:       spec.Type,
			Difficulty: spec.Difficulty,
		}
		out = append(out, q)
	}
	m.banks[bankRef] = append(m.banks[bankRef], out...)
	return out, nil
}

func (m *memSource) DeleteQuestion(ctx context.Context, bankRef, questionID string) error {
	qs := m.banks[bankRef]
	out := qs[:0]
	for _, q := range qs {
		if q.ID != questionID {
			out = append(out, q)
		}
	}
	m.banks[bankRef] = out
	return nil
}

// memSessionStore keeps session rows in memory.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func (m *memSessionStore) UpsertSession(ctx context.Context, sess *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.Token] = *sess
	return nil
}

func (m *memSessionStore) AppendMessage(ctx context.Context, sessionID string, seq int, msg domain.Message) error {
	return nil
}

func (m *memSessionStore) SessionByToken(ctx context.Context, token string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &sess, nil
}

func newTestServer() (*Server, *memRegistry, *memSource) {
	reg := newMemRegistry()
	source := &memSource{banks: map[string][]domain.Question{}}
	store := &memSessionStore{sessions: map[string]domain.Session{}}
	clock := session.FixedClock{T: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
	srv := NewServer(reg, source, store, clock, session.Config{QuestionsPerTopic: 5})
	return srv, reg, source
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestTopicLifecycle(t *testing.T) {
	srv, _, _ := newTestServer()

	rec := doJSON(t, srv, http.MethodPost, "/topics", map[string]string{"name": "Photosynthesis", "description": "light reactions"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body)
	}
	created := decode[topicView](t, rec)
	if created.ID == "" || !created.New {
		t.Fatalf("created topic = %+v, want a new topic with an id", created)
	}

	rec = doJSON(t, srv, http.MethodPost, "/topics", map[string]string{"name": "Photosynthesis"})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want %d", rec.Code, http.StatusConflict)
	}

	rec = doJSON(t, srv, http.MethodGet, "/topics/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = doJSON(t, srv, http.MethodGet, "/topics", nil)
	if got := decode[[]topicView](t, rec); len(got) != 1 {
		t.Errorf("topic list length = %d, want 1", len(got))
	}

	rec = doJSON(t, srv, http.MethodDelete, "/topics/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	rec = doJSON(t, srv, http.MethodGet, "/topics/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestQuestionBankEndpoints(t *testing.T) {
	srv, _, _ := newTestServer()

	created := decode[topicView](t, doJSON(t, srv, http.MethodPost, "/topics", map[string]string{"name": "Mitosis"}))

	specs := []domain.QuestionSpec{
		{Text: "What is mitosis?", Answer: "Cell division", Type: domain.QuestionFreeform, Difficulty: 3},
	}
	rec := doJSON(t, srv, http.MethodPost, "/topics/"+created.ID+"/questions", specs)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create questions status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body)
	}
	added := decode[[]domain.Question](t, rec)
	if len(added) != 1 || added[0].ID == "" {
		t.Fatalf("created questions = %+v, want one with an id", added)
	}

	rec = doJSON(t, srv, http.MethodGet, "/topics/"+created.ID+"/questions", nil)
	if got := decode[[]domain.Question](t, rec); len(got) != 1 {
		t.Errorf("bank question count = %d, want 1", len(got))
	}

	rec = doJSON(t, srv, http.MethodDelete, "/topics/"+created.ID+"/questions/"+added[0].ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete question status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	rec = doJSON(t, srv, http.MethodGet, "/topics/"+created.ID+"/questions", nil)
	if got := decode[[]domain.Question](t, rec); len(got) != 0 {
		t.Errorf("bank question count after delete = %d, want 0", len(got))
	}
}

func TestSessionFlowOverHTTP(t *testing.T) {
	srv, _, source := newTestServer()
	source.banks["Photosynthesis"] = []domain.Question{
		{ID: "q1", Text: "what", Answer: "that", Type: domain.QuestionFreeform, Difficulty: 3},
	}

	rec := doJSON(t, srv, http.MethodPost, "/sessions", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body)
	}
	snap := decode[session.Snapshot](t, rec)
	if snap.Token == "" || snap.State != domain.StateInitial {
		t.Fatalf("initial snapshot = %+v, want a token and the initial state", snap)
	}
	base := "/sessions/" + snap.Token

	snap = decode[session.Snapshot](t, doJSON(t, srv, http.MethodPost, base+"/start", map[string]string{"kind": "new_items"}))
	if snap.State != domain.StateCollectingTopics {
		t.Fatalf("state after start = %s, want %s", snap.State, domain.StateCollectingTopics)
	}

	snap = decode[session.Snapshot](t, doJSON(t, srv, http.MethodPost, base+"/topics", map[string][]string{"names": {"Photosynthesis"}}))
	if snap.State != domain.StateActive {
		t.Fatalf("state after topics = %s, want %s", snap.State, domain.StateActive)
	}
	if snap.CurrentQuestion == nil || snap.CurrentQuestion.ID != "q1" {
		t.Fatalf("current question = %+v, want q1", snap.CurrentQuestion)
	}

	rec = doJSON(t, srv, http.MethodPost, base+"/answer", map[string]string{"answer": "that", "grade": "Good"})
	if rec.Code != http.StatusOK {
		t.Fatalf("answer status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	snap = decode[session.Snapshot](t, rec)
	if snap.State != domain.StateCompleted {
		t.Errorf("state after only answer = %s, want %s", snap.State, domain.StateCompleted)
	}

	rec = doJSON(t, srv, http.MethodPost, base+"/answer", map[string]string{"answer": "x", "grade": "Good"})
	if rec.Code != http.StatusConflict {
		t.Errorf("answer after completion status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestTerminalSessionsEvictedFromEngineCache(t *testing.T) {
	srv, _, source := newTestServer()
	source.banks["Photosynthesis"] = []domain.Question{
		{ID: "q1", Text: "what", Answer: "that", Type: domain.QuestionFreeform, Difficulty: 3},
	}

	endSession := func(t *testing.T, verb string, body any, drive func(base string)) string {
		t.Helper()
		snap := decode[session.Snapshot](t, doJSON(t, srv, http.MethodPost, "/sessions", nil))
		base := "/sessions/" + snap.Token
		drive(base)
		rec := doJSON(t, srv, http.MethodPost, base+"/"+verb, body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d, want %d: %s", verb, rec.Code, http.StatusOK, rec.Body)
		}
		return snap.Token
	}

	ended := endSession(t, "end", nil, func(base string) {
		doJSON(t, srv, http.MethodPost, base+"/start", map[string]string{"kind": "new_items"})
		doJSON(t, srv, http.MethodPost, base+"/topics", map[string][]string{"names": {"Photosynthesis"}})
	})
	completed := endSession(t, "answer", map[string]string{"answer": "that", "grade": "Good"}, func(base string) {
		doJSON(t, srv, http.MethodPost, base+"/start", map[string]string{"kind": "new_items"})
		doJSON(t, srv, http.MethodPost, base+"/topics", map[string][]string{"names": {"Photosynthesis"}})
	})

	srv.mu.Lock()
	cached := len(srv.sessions)
	srv.mu.Unlock()
	if cached != 0 {
		t.Errorf("engine cache holds %d sessions after both terminated, want 0", cached)
	}

	// Terminated sessions stay in storage but are no longer resumable.
	for _, token := range []string{ended, completed} {
		rec := doJSON(t, srv, http.MethodGet, "/sessions/"+token, nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("get of terminated session %s status = %d, want %d", token, rec.Code, http.StatusConflict)
		}
	}
}

func TestSessionInputErrorsMapToBadRequest(t *testing.T) {
	srv, _, _ := newTestServer()
	snap := decode[session.Snapshot](t, doJSON(t, srv, http.MethodPost, "/sessions", nil))
	base := "/sessions/" + snap.Token

	doJSON(t, srv, http.MethodPost, base+"/start", map[string]string{"kind": "new_items"})
	rec := doJSON(t, srv, http.MethodPost, base+"/topics", map[string][]string{"names": {}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty topic list status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	srv, _, _ := newTestServer()
	rec := doJSON(t, srv, http.MethodGet, "/sessions/no-such-token", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestDueEndpointBuckets(t *testing.T) {
	srv, reg, _ := newTestServer()
	topic, err := reg.CreateTopic(context.Background(), defaultOwner, "Photosynthesis", "")
	if err != nil {
		t.Fatalf("CreateTopic() returned an unexpected error: %v", err)
	}
	overdue := time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC)
	topic.NextReviewAt = &overdue

	rec := doJSON(t, srv, http.MethodGet, "/due", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("due status = %d, want %d", rec.Code, http.StatusOK)
	}
	buckets := decode[map[string][]topicView](t, rec)
	if len(buckets["overdue"]) != 1 {
		t.Errorf("overdue bucket = %+v, want one topic", buckets["overdue"])
	}
}

// Package session drives a single learning session from topic selection,
// through question-by-question interaction, to completion. The engine is
// the sole owner of session state: the presentation layer only ever reads
// the snapshots it emits.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/studyloop/internal/domain"
	"github.com/conorfennell/studyloop/internal/memory"
	"github.com/conorfennell/studyloop/internal/questions"
	"github.com/conorfennell/studyloop/internal/registry"
	"github.com/conorfennell/studyloop/internal/storage"
)

// DefaultQuestionsPerTopic caps how many questions a session asks per
// topic. A single knob, used both for bank truncation and progress totals.
const DefaultQuestionsPerTopic = 5

// TopicRegistry is the registry surface the engine needs.
type TopicRegistry interface {
	ResolveOrCreate(ctx context.Context, ownerID, name string) (*domain.Topic, error)
	Topic(ctx context.Context, id string) (*domain.Topic, error)
	RecordReview(ctx context.Context, outcome domain.ReviewOutcome) (*domain.Topic, error)
	ClassifyDue(ctx context.Context, ownerID string, now time.Time) (registry.DueBuckets, error)
}

// SessionStore persists session rows and their append-only message log.
type SessionStore interface {
	UpsertSession(ctx context.Context, sess *domain.Session) error
	AppendMessage(ctx context.Context, sessionID string, seq int, m domain.Message) error
	SessionByToken(ctx context.Context, token string) (*domain.Session, error)
}

// Config carries the engine's tunables.
type Config struct {
	QuestionsPerTopic int
}

// topicRun is one topic's slice of the session: its identity plus the
// question list fetched lazily when the topic becomes current.
type topicRun struct {
	ID        string
	Name      string
	BankRef   string
	Questions []domain.Question
	Loaded    bool
}

// pendingAnswer tracks how far an interrupted answer got, so a retry
// resumes from the failed step instead of double-applying earlier ones.
// The request id is minted once per question and reused across retries,
// which makes the review application idempotent at the registry.
type pendingAnswer struct {
	answer     string
	grade      domain.Grade
	requestID  string
	userMsgOK  bool
	reviewOK   bool
	sysMsgOK   bool
	topicAfter *domain.Topic
}

// Engine is the session state machine. One engine owns one session; a
// second mutating call while one is in flight is rejected, never
// interleaved.
type Engine struct {
	registry TopicRegistry
	source   questions.Source
	store    SessionStore
	clock    Clock
	cfg      Config

	mu          sync.Mutex
	inFlight    bool
	sess        *domain.Session
	topics      []*topicRun
	due         registry.DueBuckets
	hasDue      bool
	lastErr     error
	resumeState domain.SessionState
	replay      func(ctx context.Context) error
	answer      *pendingAnswer
}

// New creates an engine with a fresh session in the Initial state.
func New(ctx context.Context, reg TopicRegistry, src questions.Source, store SessionStore, clock Clock, cfg Config, ownerID string) (*Engine, error) {
	if cfg.QuestionsPerTopic <= 0 {
		cfg.QuestionsPerTopic = DefaultQuestionsPerTopic
	}
	e := &Engine{
		registry: reg,
		source:   src,
		store:    store,
		clock:    clock,
		cfg:      cfg,
		sess: &domain.Session{
			ID:        uuid.NewString(),
			Token:     uuid.NewString(),
			OwnerID:   ownerID,
			State:     domain.StateInitial,
			StartedAt: clock.Now(),
		},
	}
	if err := store.UpsertSession(ctx, e.sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return e, nil
}

// Resume rebuilds an engine for an existing session found by token. The
// session must not be terminal. Question lists are refetched lazily, so a
// bank edited between visits is picked up on resume.
func Resume(ctx context.Context, reg TopicRegistry, src questions.Source, store SessionStore, clock Clock, cfg Config, token string) (*Engine, error) {
	if cfg.QuestionsPerTopic <= 0 {
		cfg.QuestionsPerTopic = DefaultQuestionsPerTopic
	}
	sess, err := store.SessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.State.IsTerminal() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidState, sess.ID, sess.State)
	}
	e := &Engine{
		registry: reg,
		source:   src,
		store:    store,
		clock:    clock,
		cfg:      cfg,
		sess:     sess,
	}
	for _, id := range sess.TopicIDs {
		topic, err := reg.Topic(ctx, id)
		if err != nil {
			if errors.Is(err, registry.ErrTopicNotFound) {
				// Deleted while the session was parked; keep the slot so
				// indexes stay aligned and let the question fetch skip it.
				e.topics = append(e.topics, &topicRun{ID: id, Name: id, BankRef: ""})
				continue
			}
			return nil, err
		}
		e.topics = append(e.topics, &topicRun{ID: topic.ID, Name: topic.Name, BankRef: topic.QuestionBankRef})
	}
	if sess.State == domain.StateActive {
		// Refetch the current topic's questions. A transient bank failure
		// parks the session in the Error state, where Retry resumes it.
		_ = e.ensureActiveTopic(ctx)
	}
	return e, nil
}

// Token returns the session's shareable token.
func (e *Engine) Token() string {
	return e.sess.Token
}

// begin rejects the call if another operation is in flight or the event is
// not legal in the current state, and otherwise claims the engine.
func (e *Engine) begin(ev event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight {
		return ErrOperationInProgress
	}
	if err := checkEvent(ev, e.sess.State); err != nil {
		return err
	}
	e.inFlight = true
	return nil
}

func (e *Engine) finish() {
	e.mu.Lock()
	e.inFlight = false
	e.mu.Unlock()
}

// locked runs f under the state mutex. Collaborator I/O happens outside
// the lock; only state mutation and snapshot reads happen inside.
func (e *Engine) locked(f func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f()
}

// Begin moves a fresh session to the type-selection state.
func (e *Engine) Begin(ctx context.Context) error {
	if err := e.begin(evBegin); err != nil {
		return err
	}
	defer e.finish()
	e.locked(func() { e.sess.State = domain.StateSelectingType })
	e.persist(ctx)
	return nil
}

// Start chooses what the session reviews. NewItems waits for topic names;
// PastReviews loads the due buckets for selection. An empty due set is a
// valid, displayable state, not an error.
func (e *Engine) Start(ctx context.Context, kind domain.SessionKind) error {
	if err := e.begin(evStart); err != nil {
		return err
	}
	defer e.finish()

	switch kind {
	case domain.KindNewItems:
		e.locked(func() { e.sess.State = domain.StateCollectingTopics })
		e.persist(ctx)
		return nil
	case domain.KindPastReviews:
		return e.startPastReviews(ctx)
	default:
		return fmt.Errorf("%w: unknown session kind %q", ErrInvalidState, kind)
	}
}

func (e *Engine) startPastReviews(ctx context.Context) error {
	buckets, err := e.registry.ClassifyDue(ctx, e.sess.OwnerID, e.clock.Now())
	if err != nil {
		if transientFailure(err) {
			return e.toError(err, e.startPastReviews)
		}
		return err
	}
	e.locked(func() {
		e.due = buckets
		e.hasDue = true
		e.sess.State = domain.StateSelectingDue
	})
	e.persist(ctx)
	return nil
}

// SubmitTopics resolves each name to an existing topic or creates one, and
// activates the session. Names are trimmed and deduplicated
// case-insensitively; an empty result fails with ErrEmptyTopicList and
// leaves the state unchanged.
func (e *Engine) SubmitTopics(ctx context.Context, names []string) error {
	if err := e.begin(evSubmitTopics); err != nil {
		return err
	}
	defer e.finish()

	cleaned := make([]string, 0, len(names))
	seen := make(map[string]bool)
	for _, name := range names {
		name = strings.TrimSpace(name)
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		cleaned = append(cleaned, name)
	}
	if len(cleaned) == 0 {
		return ErrEmptyTopicList
	}

	var collect func(ctx context.Context) error
	collect = func(ctx context.Context) error {
		runs := make([]*topicRun, 0, len(cleaned))
		for _, name := range cleaned {
			topic, err := e.registry.ResolveOrCreate(ctx, e.sess.OwnerID, name)
			if err != nil {
				if transientFailure(err) {
					return e.toError(err, collect)
				}
				return err
			}
			runs = append(runs, &topicRun{ID: topic.ID, Name: topic.Name, BankRef: topic.QuestionBankRef})
		}
		return e.activate(ctx, runs)
	}
	return collect(ctx)
}

// SubmitDueSelection activates the session over a selection of due topics.
// Topics deleted since classification are skipped; a selection that
// resolves to nothing fails with ErrEmptySelection.
func (e *Engine) SubmitDueSelection(ctx context.Context, topicIDs []string) error {
	if err := e.begin(evSubmitDue); err != nil {
		return err
	}
	defer e.finish()

	unique := make([]string, 0, len(topicIDs))
	seen := make(map[string]bool)
	for _, id := range topicIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return ErrEmptySelection
	}

	var resolve func(ctx context.Context) error
	resolve = func(ctx context.Context) error {
		runs := make([]*topicRun, 0, len(unique))
		for _, id := range unique {
			topic, err := e.registry.Topic(ctx, id)
			if err != nil {
				if errors.Is(err, registry.ErrTopicNotFound) {
					continue
				}
				if transientFailure(err) {
					return e.toError(err, resolve)
				}
				return err
			}
			runs = append(runs, &topicRun{ID: topic.ID, Name: topic.Name, BankRef: topic.QuestionBankRef})
		}
		if len(runs) == 0 {
			return ErrEmptySelection
		}
		return e.activate(ctx, runs)
	}
	return resolve(ctx)
}

// activate installs the topic runs and enters the Active state.
func (e *Engine) activate(ctx context.Context, runs []*topicRun) error {
	e.locked(func() {
		e.topics = runs
		ids := make([]string, len(runs))
		for i, r := range runs {
			ids[i] = r.ID
		}
		e.sess.TopicIDs = ids
		e.sess.CurrentTopicIndex = 0
		e.sess.CurrentQuestionIndex = 0
		e.sess.State = domain.StateActive
	})
	return e.ensureActiveTopic(ctx)
}

// AnswerCurrentQuestion records the user's answer and grade for the
// current question: it appends the answer to the message log, applies the
// review to the topic's schedule, appends the system response, and
// advances. Skipped steps are never repeated on retry.
func (e *Engine) AnswerCurrentQuestion(ctx context.Context, answerText string, grade domain.Grade) error {
	if !grade.IsValid() {
		return fmt.Errorf("%w: %d", memory.ErrInvalidGrade, int(grade))
	}
	if err := e.begin(evAnswer); err != nil {
		return err
	}
	defer e.finish()

	e.locked(func() {
		if e.answer == nil {
			e.answer = &pendingAnswer{
				answer:    answerText,
				grade:     grade,
				requestID: uuid.NewString(),
			}
		}
	})
	return e.answerCore(ctx)
}

func (e *Engine) answerCore(ctx context.Context) error {
	run := e.currentRun()
	if run == nil {
		e.locked(func() { e.answer = nil })
		return e.complete(ctx)
	}
	pa := e.answer

	if !pa.userMsgOK {
		err := e.appendMessage(ctx, domain.Message{
			Author: domain.AuthorUser,
			Text:   pa.answer,
			At:     e.clock.Now(),
		})
		if err != nil {
			if transientFailure(err) {
				return e.toError(err, e.answerCore)
			}
			return err
		}
		pa.userMsgOK = true
	}

	if !pa.reviewOK {
		topic, err := e.registry.RecordReview(ctx, domain.ReviewOutcome{
			RequestID:  pa.requestID,
			TopicID:    run.ID,
			Grade:      pa.grade,
			AnsweredAt: e.clock.Now(),
		})
		if err != nil {
			if errors.Is(err, registry.ErrTopicNotFound) {
				// Deleted mid-session: answer the message log honestly
				// and move on to the next topic.
				note := fmt.Sprintf("Topic %q no longer exists; moving on.", run.Name)
				if msgErr := e.appendMessage(ctx, domain.Message{Author: domain.AuthorSystem, Text: note, At: e.clock.Now()}); msgErr != nil {
					slog.Warn("Failed to append skip note", "session", e.sess.ID, "error", msgErr)
				}
				e.locked(func() { e.answer = nil })
				return e.advanceTopic(ctx)
			}
			if transientFailure(err) {
				return e.toError(err, e.answerCore)
			}
			return err
		}
		pa.reviewOK = true
		pa.topicAfter = topic
	}

	if !pa.sysMsgOK {
		text := fmt.Sprintf("Recorded %s for %s.", pa.grade, run.Name)
		if pa.topicAfter != nil && pa.topicAfter.NextReviewAt != nil {
			text = fmt.Sprintf("Recorded %s for %s. Next review on %s.",
				pa.grade, run.Name, pa.topicAfter.NextReviewAt.Format("2006-01-02"))
		}
		err := e.appendMessage(ctx, domain.Message{
			Author: domain.AuthorSystem,
			Text:   text,
			At:     e.clock.Now(),
		})
		if err != nil {
			if transientFailure(err) {
				return e.toError(err, e.answerCore)
			}
			return err
		}
		pa.sysMsgOK = true
	}

	e.locked(func() { e.answer = nil })
	return e.advanceQuestion(ctx)
}

// SkipCurrentQuestion advances the question and topic pointers exactly as
// an answer does, but records no review: skipping a question must never
// affect scheduling.
func (e *Engine) SkipCurrentQuestion(ctx context.Context) error {
	if err := e.begin(evSkip); err != nil {
		return err
	}
	defer e.finish()
	if e.currentRun() == nil {
		return e.complete(ctx)
	}
	return e.advanceQuestion(ctx)
}

// EndSession terminates the session, preserving all messages and partial
// progress. Already-recorded reviews are untouched.
func (e *Engine) EndSession(ctx context.Context) error {
	if err := e.begin(evEnd); err != nil {
		return err
	}
	defer e.finish()
	e.locked(func() {
		now := e.clock.Now()
		e.sess.State = domain.StateEnded
		e.sess.EndedAt = &now
	})
	e.persist(ctx)
	return nil
}

// Retry re-attempts the operation that drove the session into the Error
// state. Reviews replay under their original request id, so a retry never
// double-applies scheduling.
func (e *Engine) Retry(ctx context.Context) error {
	if err := e.begin(evRetry); err != nil {
		return err
	}
	defer e.finish()

	var replay func(ctx context.Context) error
	e.locked(func() {
		e.sess.State = e.resumeState
		e.lastErr = nil
		replay = e.replay
		e.replay = nil
	})
	if replay == nil {
		return nil
	}
	return replay(ctx)
}

// Reset abandons the failed session attempt: back to Initial, topic list
// and pointers discarded. The message log is retained as history.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.begin(evReset); err != nil {
		return err
	}
	defer e.finish()
	e.locked(func() {
		e.topics = nil
		e.due = registry.DueBuckets{}
		e.hasDue = false
		e.lastErr = nil
		e.replay = nil
		e.answer = nil
		e.sess.TopicIDs = nil
		e.sess.CurrentTopicIndex = 0
		e.sess.CurrentQuestionIndex = 0
		e.sess.State = domain.StateInitial
	})
	e.persist(ctx)
	return nil
}

// currentRun returns the current topic run, or nil when exhausted.
func (e *Engine) currentRun() *topicRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.CurrentTopicIndex >= len(e.topics) {
		return nil
	}
	return e.topics[e.sess.CurrentTopicIndex]
}

// advanceQuestion moves to the next question, rolling over to the next
// topic when the current one is exhausted.
func (e *Engine) advanceQuestion(ctx context.Context) error {
	var exhausted bool
	e.locked(func() {
		e.sess.CurrentQuestionIndex++
		run := e.topics[e.sess.CurrentTopicIndex]
		exhausted = e.sess.CurrentQuestionIndex >= len(run.Questions)
	})
	if exhausted {
		return e.advanceTopic(ctx)
	}
	e.persist(ctx)
	return nil
}

// advanceTopic moves to the next topic and prepares its questions.
func (e *Engine) advanceTopic(ctx context.Context) error {
	e.locked(func() {
		e.sess.CurrentTopicIndex++
		e.sess.CurrentQuestionIndex = 0
	})
	return e.ensureActiveTopic(ctx)
}

// ensureActiveTopic loads questions for the current topic, skipping topics
// whose banks are gone, empty, or no longer reach the stored question
// position, and completes the session when no topics remain. Transient
// fetch failures park the engine in the Error state.
func (e *Engine) ensureActiveTopic(ctx context.Context) error {
	for {
		run := e.currentRun()
		if run == nil {
			return e.complete(ctx)
		}
		if run.Loaded {
			// A bank refetched on resume may have shrunk below the stored
			// question index; the question to ask no longer exists.
			var exhausted bool
			e.locked(func() {
				exhausted = e.sess.CurrentQuestionIndex >= len(run.Questions)
			})
			if exhausted {
				e.locked(func() {
					e.sess.CurrentTopicIndex++
					e.sess.CurrentQuestionIndex = 0
				})
				continue
			}
			e.persist(ctx)
			return nil
		}

		qs, err := e.source.Questions(ctx, run.BankRef)
		if err != nil {
			if transientFailure(err) {
				return e.toError(err, e.ensureActiveTopic)
			}
			// Permanent: the bank (or its topic) is gone. Skip it and
			// keep the session going.
			slog.Info("Skipping topic with unavailable question bank",
				"session", e.sess.ID, "topic", run.Name, "error", err)
			e.locked(func() {
				run.Loaded = true
				run.Questions = nil
			})
			continue
		}
		if len(qs) > e.cfg.QuestionsPerTopic {
			qs = qs[:e.cfg.QuestionsPerTopic]
		}
		e.locked(func() {
			run.Questions = qs
			run.Loaded = true
		})
	}
}

// complete finishes the session once every topic is exhausted.
func (e *Engine) complete(ctx context.Context) error {
	e.locked(func() {
		now := e.clock.Now()
		e.sess.State = domain.StateCompleted
		e.sess.EndedAt = &now
	})
	e.persist(ctx)
	return nil
}

// appendMessage persists a message and, only then, appends it to the
// in-memory log, keeping the two views consistent under retry.
func (e *Engine) appendMessage(ctx context.Context, m domain.Message) error {
	var seq int
	e.locked(func() { seq = len(e.sess.Messages) })
	if err := e.store.AppendMessage(ctx, e.sess.ID, seq, m); err != nil {
		return err
	}
	e.locked(func() { e.sess.Messages = append(e.sess.Messages, m) })
	return nil
}

// toError parks the engine in the Error state with the captured cause and
// the replay needed to resume. The cause is returned so callers can
// surface it immediately as well.
func (e *Engine) toError(cause error, replay func(ctx context.Context) error) error {
	e.locked(func() {
		e.resumeState = e.sess.State
		e.lastErr = cause
		e.replay = replay
		e.sess.State = domain.StateError
	})
	return cause
}

// persist writes the session row. The row is rewritten on every
// transition, so a missed write here is repaired by the next one; message
// and review persistence have their own failure paths.
func (e *Engine) persist(ctx context.Context) {
	var copySess domain.Session
	e.locked(func() { copySess = *e.sess })
	if err := e.store.UpsertSession(ctx, &copySess); err != nil {
		slog.Warn("Failed to persist session row", "session", copySess.ID, "error", err)
	}
}

// transientFailure reports whether err is a collaborator failure worth a
// retry, as opposed to a domain or input error.
func transientFailure(err error) bool {
	return storage.IsTransient(err) || questions.IsTransient(err)
}

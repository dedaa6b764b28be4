// Package registry owns the set of topics and their scheduling state. Its
// RecordReview method is the single write path for stability, difficulty
// and review timestamps; no other code mutates those fields.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/studyloop/internal/domain"
	"github.com/conorfennell/studyloop/internal/memory"
	"github.com/conorfennell/studyloop/internal/storage"
)

var (
	ErrDuplicateTopic = errors.New("registry: topic name already exists for owner")
	ErrTopicNotFound  = errors.New("registry: topic not found")
	ErrEmptyTopicName = errors.New("registry: topic name is empty")
)

// TopicStore is the persistence surface the registry needs. Implemented by
// *storage.Store; faked in tests.
type TopicStore interface {
	InsertTopic(ctx context.Context, t *domain.Topic) error
	TopicByID(ctx context.Context, id string) (*domain.Topic, error)
	TopicByName(ctx context.Context, ownerID, name string) (*domain.Topic, error)
	TopicsByOwner(ctx context.Context, ownerID string) ([]*domain.Topic, error)
	DeleteTopic(ctx context.Context, id string) error
	ApplyReview(ctx context.Context, o domain.ReviewOutcome, t *domain.Topic) error
	HasReview(ctx context.Context, requestID string) (bool, error)
}

// Registry coordinates topic reads and writes over the store. Reads run
// concurrently; writes are serialized per topic id.
type Registry struct {
	store  TopicStore
	params memory.Params

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a registry using the given store and scheduling parameters.
func New(store TopicStore, params memory.Params) *Registry {
	return &Registry{
		store:  store,
		params: params,
		locks:  make(map[string]*sync.Mutex),
	}
}

// topicLock returns the mutex serializing writes for one topic id.
func (r *Registry) topicLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// CreateTopic creates a new, never-reviewed topic. The name is unique per
// owner, case-insensitively; a clash fails with ErrDuplicateTopic.
func (r *Registry) CreateTopic(ctx context.Context, ownerID, name, description string) (*domain.Topic, error) {
	if name == "" {
		return nil, ErrEmptyTopicName
	}

	t := &domain.Topic{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Name:            name,
		Description:     description,
		QuestionBankRef: name,
	}
	if err := r.store.InsertTopic(ctx, t); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTopic, name)
		}
		return nil, err
	}
	return t, nil
}

// Topic retrieves a topic by id.
func (r *Registry) Topic(ctx context.Context, id string) (*domain.Topic, error) {
	t, err := r.store.TopicByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, id)
		}
		return nil, err
	}
	return t, nil
}

// ResolveOrCreate returns the owner's topic with the given name, creating
// it when absent. Used when a session submits topic names.
func (r *Registry) ResolveOrCreate(ctx context.Context, ownerID, name string) (*domain.Topic, error) {
	t, err := r.store.TopicByName(ctx, ownerID, name)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	t, err = r.CreateTopic(ctx, ownerID, name, "")
	if errors.Is(err, ErrDuplicateTopic) {
		// Lost a race with a concurrent create; the topic exists now.
		return r.store.TopicByName(ctx, ownerID, name)
	}
	return t, err
}

// RecordReview applies a graded review to a topic: it runs the memory model
// and persists the review-log entry and the updated scheduling state as one
// transactional write, so a failed attempt leaves nothing applied and the
// same request id can be retried. Replaying an applied request id returns
// the topic as already rescheduled, without applying the grade twice.
func (r *Registry) RecordReview(ctx context.Context, outcome domain.ReviewOutcome) (*domain.Topic, error) {
	lock := r.topicLock(outcome.TopicID)
	lock.Lock()
	defer lock.Unlock()

	applied, err := r.store.HasReview(ctx, outcome.RequestID)
	if err != nil {
		return nil, err
	}
	if applied {
		return r.Topic(ctx, outcome.TopicID)
	}

	topic, err := r.Topic(ctx, outcome.TopicID)
	if err != nil {
		return nil, err
	}

	res, err := r.params.Reschedule(memory.State{
		Stability:      topic.Stability,
		Difficulty:     topic.Difficulty,
		LastReviewedAt: topic.LastReviewedAt,
	}, outcome.Grade, outcome.AnsweredAt)
	if err != nil {
		return nil, err
	}

	reviewedAt := outcome.AnsweredAt
	nextReview := res.NextReview
	topic.Stability = res.Stability
	topic.Difficulty = res.Difficulty
	topic.LastReviewedAt = &reviewedAt
	topic.NextReviewAt = &nextReview
	if err := r.store.ApplyReview(ctx, outcome, topic); err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			// Applied concurrently between the HasReview check and here.
			return r.Topic(ctx, outcome.TopicID)
		case errors.Is(err, storage.ErrNotFound):
			// Deleted between the read and the write.
			return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, outcome.TopicID)
		}
		return nil, err
	}
	return topic, nil
}

// Topics lists the owner's topics.
func (r *Registry) Topics(ctx context.Context, ownerID string) ([]*domain.Topic, error) {
	return r.store.TopicsByOwner(ctx, ownerID)
}

// DeleteTopic removes a topic. Deleting an unknown id is a no-op; sessions
// holding the id will skip it when their next question fetch fails.
func (r *Registry) DeleteTopic(ctx context.Context, id string) error {
	return r.store.DeleteTopic(ctx, id)
}

// DueBuckets partitions scheduled topics by review urgency.
type DueBuckets struct {
	Overdue  []*domain.Topic // review day before today, oldest due first
	DueToday []*domain.Topic // review day is today
	Upcoming []*domain.Topic // review day after today, soonest first
}

// Due returns the topics presentable for a past-reviews session.
func (b DueBuckets) Due() []*domain.Topic {
	out := make([]*domain.Topic, 0, len(b.Overdue)+len(b.DueToday))
	out = append(out, b.Overdue...)
	out = append(out, b.DueToday...)
	return out
}

// ClassifyDue partitions all of an owner's scheduled topics by comparing
// the calendar day of their next review against the calendar day of now,
// in now's location. Review urgency is a daily-granularity concept: a topic
// due one minute before midnight and one due one minute after land in
// different buckets by day, not by instant. Topics with no scheduled review
// are excluded entirely.
func (r *Registry) ClassifyDue(ctx context.Context, ownerID string, now time.Time) (DueBuckets, error) {
	topics, err := r.store.TopicsByOwner(ctx, ownerID)
	if err != nil {
		return DueBuckets{}, err
	}

	today := calendarDay(now, now.Location())
	var buckets DueBuckets
	for _, t := range topics {
		if t.NextReviewAt == nil {
			continue
		}
		day := calendarDay(*t.NextReviewAt, now.Location())
		switch {
		case day.Before(today):
			buckets.Overdue = append(buckets.Overdue, t)
		case day.Equal(today):
			buckets.DueToday = append(buckets.DueToday, t)
		default:
			buckets.Upcoming = append(buckets.Upcoming, t)
		}
	}

	byNextReview := func(topics []*domain.Topic) func(i, j int) bool {
		return func(i, j int) bool {
			return topics[i].NextReviewAt.Before(*topics[j].NextReviewAt)
		}
	}
	sort.Slice(buckets.Overdue, byNextReview(buckets.Overdue))
	sort.Slice(buckets.DueToday, byNextReview(buckets.DueToday))
	sort.Slice(buckets.Upcoming, byNextReview(buckets.Upcoming))

	return buckets, nil
}

// calendarDay truncates t to midnight of its day in loc.
func calendarDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

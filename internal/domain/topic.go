package domain

import "time"

// Topic is a learning item with its current scheduling state.
// Scheduling fields are mutated only through the registry's review path.
type Topic struct {
	ID          string
	OwnerID     string
	Name        string
	Description string

	// Stability is the number of days until recall probability decays to
	// the reference retention threshold. Always positive once reviewed.
	Stability float64

	// Difficulty is the intrinsic hardness of the topic, clamped to the
	// configured bounds (1-10 by default).
	Difficulty float64

	// LastReviewedAt is nil for a topic that has never been graded.
	// Such a topic is "new", never "overdue".
	LastReviewedAt *time.Time

	// NextReviewAt is nil while no review is scheduled. When set it is
	// never before LastReviewedAt.
	NextReviewAt *time.Time

	// QuestionBankRef points at the externally-owned question bank for
	// this topic. The core never generates question text itself.
	QuestionBankRef string
}

// IsNew reports whether the topic has never been reviewed.
func (t *Topic) IsNew() bool {
	return t.LastReviewedAt == nil
}

// Clone returns a copy of the topic with pointer fields copied by value.
func (t *Topic) Clone() *Topic {
	out := *t
	if t.LastReviewedAt != nil {
		v := *t.LastReviewedAt
		out.LastReviewedAt = &v
	}
	if t.NextReviewAt != nil {
		v := *t.NextReviewAt
		out.NextReviewAt = &v
	}
	return &out
}

// ReviewOutcome records a single graded answer. It is created when the user
// grades an answer, applied once by the registry, and discarded.
// RequestID makes retried applications idempotent.
type ReviewOutcome struct {
	RequestID  string
	TopicID    string
	Grade      Grade
	AnsweredAt time.Time
}

package domain

import "time"

// SessionState is the current phase of a learning session.
type SessionState string

const (
	StateInitial          SessionState = "initial"
	StateSelectingType    SessionState = "selecting_session_type"
	StateCollectingTopics SessionState = "collecting_topics"
	StateSelectingDue     SessionState = "selecting_due_topics"
	StateActive           SessionState = "active"
	StateCompleted        SessionState = "completed"
	StateEnded            SessionState = "ended"
	StateError            SessionState = "error"
)

// IsTerminal reports whether the session can never leave this state.
// A terminated session is never reopened; a new session must be created.
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateEnded
}

// SessionKind selects what a new session reviews.
type SessionKind string

const (
	KindNewItems    SessionKind = "new_items"
	KindPastReviews SessionKind = "past_reviews"
)

// MessageAuthor identifies who produced a session message.
type MessageAuthor string

const (
	AuthorUser   MessageAuthor = "user"
	AuthorSystem MessageAuthor = "system"
)

// Message is one entry in a session's append-only interaction log.
type Message struct {
	Author MessageAuthor `json:"author"`
	Text   string        `json:"text"`
	At     time.Time     `json:"at"`
}

// Session is one bounded learning interaction spanning one or more topics.
// It references topics by id only; the registry is the source of truth for
// their scheduling state.
type Session struct {
	ID                   string
	Token                string
	OwnerID              string
	TopicIDs             []string
	State                SessionState
	Messages             []Message
	CurrentTopicIndex    int
	CurrentQuestionIndex int
	StartedAt            time.Time
	EndedAt              *time.Time
}

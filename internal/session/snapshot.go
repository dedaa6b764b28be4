package session

import (
	"time"

	"github.com/conorfennell/studyloop/internal/domain"
)

// DueCounts summarizes the due buckets loaded for a past-reviews session.
type DueCounts struct {
	Overdue  int `json:"overdue"`
	DueToday int `json:"due_today"`
	Upcoming int `json:"upcoming"`
}

// DueTopic is one selectable topic in the due list.
type DueTopic struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	NextReviewAt time.Time `json:"next_review_at"`
	Bucket       string    `json:"bucket"`
}

// Progress locates the session within its topic and question lists.
type Progress struct {
	TopicIndex    int `json:"topic_index"`
	TopicCount    int `json:"topic_count"`
	QuestionIndex int `json:"question_index"`
	QuestionCount int `json:"question_count"`
}

// Snapshot is a read-only view of the session for the presentation layer.
// Everything it holds is copied; mutating a snapshot never touches the
// engine.
type Snapshot struct {
	SessionID       string              `json:"session_id"`
	Token           string              `json:"token"`
	State           domain.SessionState `json:"state"`
	Messages        []domain.Message    `json:"messages"`
	CurrentTopicID  string              `json:"current_topic_id,omitempty"`
	CurrentTopic    string              `json:"current_topic,omitempty"`
	CurrentQuestion *domain.Question    `json:"current_question,omitempty"`
	DueCounts       *DueCounts          `json:"due_counts,omitempty"`
	DueTopics       []DueTopic          `json:"due_topics,omitempty"`
	Progress        Progress            `json:"progress"`
	Error           string              `json:"error,omitempty"`
}

// Snapshot captures the current session state. It is safe to call from any
// goroutine, including while a mutating operation is in flight.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		SessionID: e.sess.ID,
		Token:     e.sess.Token,
		State:     e.sess.State,
		Messages:  append([]domain.Message(nil), e.sess.Messages...),
		Progress: Progress{
			TopicIndex: e.sess.CurrentTopicIndex,
			TopicCount: len(e.topics),
		},
	}

	if e.sess.CurrentTopicIndex < len(e.topics) {
		run := e.topics[e.sess.CurrentTopicIndex]
		snap.CurrentTopicID = run.ID
		snap.CurrentTopic = run.Name
		snap.Progress.QuestionIndex = e.sess.CurrentQuestionIndex
		snap.Progress.QuestionCount = len(run.Questions)
		if run.Loaded && e.sess.CurrentQuestionIndex < len(run.Questions) {
			q := run.Questions[e.sess.CurrentQuestionIndex]
			snap.CurrentQuestion = &q
		}
	}

	if e.hasDue {
		snap.DueCounts = &DueCounts{
			Overdue:  len(e.due.Overdue),
			DueToday: len(e.due.DueToday),
			Upcoming: len(e.due.Upcoming),
		}
		add := func(topics []*domain.Topic, bucket string) {
			for _, t := range topics {
				dt := DueTopic{ID: t.ID, Name: t.Name, Bucket: bucket}
				if t.NextReviewAt != nil {
					dt.NextReviewAt = *t.NextReviewAt
				}
				snap.DueTopics = append(snap.DueTopics, dt)
			}
		}
		add(e.due.Overdue, "overdue")
		add(e.due.DueToday, "due_today")
		add(e.due.Upcoming, "upcoming")
	}

	if e.lastErr != nil {
		snap.Error = e.lastErr.Error()
	}
	return snap
}

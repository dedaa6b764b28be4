package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/conorfennell/studyloop/internal/domain"
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// Store is a wrapper around the SQL database connection. It is the durable
// home for topics, sessions and the review log, keyed by owner id.
type Store struct {
	conn *sql.DB
}

// Open creates a new database connection and ensures the schema is up to date.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{conn: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// InsertTopic inserts a new topic. Returns ErrConflict when the owner
// already has a topic with the same name, case-insensitively.
func (s *Store) InsertTopic(ctx context.Context, t *domain.Topic) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO topics (id, owner_id, name, name_lower, description,
			stability, difficulty, last_reviewed_at, next_review_at, question_bank_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID,
		t.OwnerID,
		t.Name,
		strings.ToLower(t.Name),
		t.Description,
		t.Stability,
		t.Difficulty,
		nullTime(t.LastReviewedAt),
		nullTime(t.NextReviewAt),
		t.QuestionBankRef,
	)
	return classify("insert topic", err)
}

// TopicByID retrieves a topic by id. Returns ErrNotFound when absent.
func (s *Store) TopicByID(ctx context.Context, id string) (*domain.Topic, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, owner_id, name, description, stability, difficulty,
			last_reviewed_at, next_review_at, question_bank_ref
		FROM topics WHERE id = ?
	`, id)
	return scanTopic(row, "find topic by id")
}

// TopicByName retrieves a topic by its case-insensitive name for an owner.
func (s *Store) TopicByName(ctx context.Context, ownerID, name string) (*domain.Topic, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, owner_id, name, description, stability, difficulty,
			last_reviewed_at, next_review_at, question_bank_ref
		FROM topics WHERE owner_id = ? AND name_lower = ?
	`, ownerID, strings.ToLower(name))
	return scanTopic(row, "find topic by name")
}

// TopicsByOwner retrieves all topics for an owner.
func (s *Store) TopicsByOwner(ctx context.Context, ownerID string) ([]*domain.Topic, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, owner_id, name, description, stability, difficulty,
			last_reviewed_at, next_review_at, question_bank_ref
		FROM topics WHERE owner_id = ?
	`, ownerID)
	if err != nil {
		return nil, classify("list topics", err)
	}
	defer rows.Close()

	var topics []*domain.Topic
	for rows.Next() {
		t, err := scanTopic(rows, "scan topic row")
		if err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list topics", err)
	}
	return topics, nil
}

// DeleteTopic removes a topic. Deleting an absent topic is a no-op.
func (s *Store) DeleteTopic(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM topics WHERE id = ?`, id)
	return classify("delete topic", err)
}

// ApplyReview writes the review-log entry and the topic's updated
// scheduling fields in one transaction: a failure leaves both unwritten, so
// a retried request id can still apply the review. A replayed request id
// returns ErrConflict, which the registry treats as "already applied".
func (s *Store) ApplyReview(ctx context.Context, o domain.ReviewOutcome, t *domain.Topic) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin review", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reviews (request_id, topic_id, grade, answered_at)
		VALUES (?, ?, ?, ?)
	`, o.RequestID, o.TopicID, int(o.Grade), o.AnsweredAt); err != nil {
		return classify("insert review", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE topics
		SET stability = ?, difficulty = ?, last_reviewed_at = ?, next_review_at = ?
		WHERE id = ?
	`,
		t.Stability,
		t.Difficulty,
		nullTime(t.LastReviewedAt),
		nullTime(t.NextReviewAt),
		t.ID,
	)
	if err != nil {
		return classify("update topic scheduling", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return classify("apply review", tx.Commit())
}

// HasReview reports whether a review with the given request id was applied.
func (s *Store) HasReview(ctx context.Context, requestID string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM reviews WHERE request_id = ?`, requestID).Scan(&n)
	if err != nil {
		return false, classify("check review", err)
	}
	return n > 0, nil
}

// UpsertSession writes the session row, inserting or updating as needed.
// Messages are appended separately through AppendMessage.
func (s *Store) UpsertSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, token, owner_id, state, topic_ids,
			current_topic, current_question, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			topic_ids = excluded.topic_ids,
			current_topic = excluded.current_topic,
			current_question = excluded.current_question,
			ended_at = excluded.ended_at
	`,
		sess.ID,
		sess.Token,
		sess.OwnerID,
		string(sess.State),
		strings.Join(sess.TopicIDs, ","),
		sess.CurrentTopicIndex,
		sess.CurrentQuestionIndex,
		sess.StartedAt,
		nullTime(sess.EndedAt),
	)
	return classify("upsert session", err)
}

// AppendMessage appends one message to a session's interaction log.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, seq int, m domain.Message) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, seq, author, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, seq, string(m.Author), m.Text, m.At)
	return classify("append message", err)
}

// SessionByToken loads a session and its messages by its shareable token.
func (s *Store) SessionByToken(ctx context.Context, token string) (*domain.Session, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, token, owner_id, state, topic_ids,
			current_topic, current_question, started_at, ended_at
		FROM sessions WHERE token = ?
	`, token)

	var (
		sess     domain.Session
		state    string
		topicIDs string
		endedAt  sql.NullTime
	)
	err := row.Scan(
		&sess.ID,
		&sess.Token,
		&sess.OwnerID,
		&state,
		&topicIDs,
		&sess.CurrentTopicIndex,
		&sess.CurrentQuestionIndex,
		&sess.StartedAt,
		&endedAt,
	)
	if err != nil {
		return nil, classify("find session by token", err)
	}
	sess.State = domain.SessionState(state)
	if topicIDs != "" {
		sess.TopicIDs = strings.Split(topicIDs, ",")
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT author, text, created_at
		FROM session_messages WHERE session_id = ? ORDER BY seq
	`, sess.ID)
	if err != nil {
		return nil, classify("load session messages", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			author string
			m      domain.Message
		)
		if err := rows.Scan(&author, &m.Text, &m.At); err != nil {
			return nil, classify("scan message row", err)
		}
		m.Author = domain.MessageAuthor(author)
		sess.Messages = append(sess.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load session messages", err)
	}
	return &sess, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTopic(row rowScanner, op string) (*domain.Topic, error) {
	var (
		t            domain.Topic
		lastReviewed sql.NullTime
		nextReview   sql.NullTime
	)
	err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&t.Name,
		&t.Description,
		&t.Stability,
		&t.Difficulty,
		&lastReviewed,
		&nextReview,
		&t.QuestionBankRef,
	)
	if err != nil {
		return nil, classify(op, err)
	}
	if lastReviewed.Valid {
		v := lastReviewed.Time
		t.LastReviewedAt = &v
	}
	if nextReview.Valid {
		v := nextReview.Time
		t.NextReviewAt = &v
	}
	return &t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

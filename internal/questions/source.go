// Package questions provides the question source consumed by the session
// engine. The core treats the source as an opaque provider of ordered
// question sequences; it never generates question text itself.
package questions

import (
	"context"
	"errors"
	"fmt"

	"github.com/conorfennell/studyloop/internal/domain"
)

// ErrBankNotFound reports that no question bank exists for the reference.
// It is permanent: the engine skips the topic rather than retrying.
var ErrBankNotFound = errors.New("questions: bank not found")

// Source supplies questions for a topic's bank reference.
type Source interface {
	Questions(ctx context.Context, bankRef string) ([]domain.Question, error)
	CreateQuestions(ctx context.Context, bankRef string, specs []domain.QuestionSpec) ([]domain.Question, error)
	DeleteQuestion(ctx context.Context, bankRef, questionID string) error
}

// SourceError wraps a failure from a question source with a transient flag
// so the engine can choose between retrying and skipping the topic.
type SourceError struct {
	BankRef   string
	Transient bool
	Err       error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("questions: bank %q: %v", e.BankRef, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a question-source failure worth retrying.
func IsTransient(err error) bool {
	var se *SourceError
	return errors.As(err, &se) && se.Transient
}

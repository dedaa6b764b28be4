package session

import (
	"errors"
	"fmt"

	"github.com/conorfennell/studyloop/internal/domain"
)

var (
	ErrEmptyTopicList      = errors.New("session: topic list is empty")
	ErrEmptySelection      = errors.New("session: due-topic selection is empty")
	ErrInvalidState        = errors.New("session: operation not legal in current state")
	ErrOperationInProgress = errors.New("session: another operation is in flight")
)

// event is a session state-machine input. Legality is checked against the
// allowed table below in one place, never with scattered conditionals.
type event string

const (
	evBegin        event = "begin"
	evStart        event = "start"
	evSubmitTopics event = "submit_topics"
	evSubmitDue    event = "submit_due_selection"
	evAnswer       event = "answer"
	evSkip         event = "skip"
	evEnd          event = "end"
	evRetry        event = "retry"
	evReset        event = "reset"
)

// allowed maps each event to the states it may fire from. Completed and
// Ended appear nowhere: a terminated session is never reopened.
var allowed = map[event][]domain.SessionState{
	evBegin:        {domain.StateInitial},
	evStart:        {domain.StateInitial, domain.StateSelectingType},
	evSubmitTopics: {domain.StateCollectingTopics},
	evSubmitDue:    {domain.StateSelectingDue},
	evAnswer:       {domain.StateActive},
	evSkip:         {domain.StateActive},
	evEnd:          {domain.StateActive},
	evRetry:        {domain.StateError},
	evReset:        {domain.StateError},
}

// checkEvent returns ErrInvalidState when ev may not fire from state.
func checkEvent(ev event, state domain.SessionState) error {
	for _, s := range allowed[ev] {
		if s == state {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in %s", ErrInvalidState, ev, state)
}

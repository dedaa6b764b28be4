package domain

// QuestionType distinguishes how a question is meant to be answered.
type QuestionType string

const (
	QuestionFreeform QuestionType = "freeform"
	QuestionRecall   QuestionType = "recall"
)

// Question is a single prompt from a topic's question bank. External
// payloads are validated before they cross into the scheduling core.
type Question struct {
	ID         string       `json:"id" validate:"required"`
	Text       string       `json:"text" validate:"required"`
	Answer     string       `json:"answer" validate:"required"`
	Context    string       `json:"context,omitempty"`
	Type       QuestionType `json:"type" validate:"required,oneof=freeform recall"`
	Difficulty int          `json:"difficulty" validate:"min=1,max=5"`
}

// QuestionSpec describes a question to be created in a bank.
type QuestionSpec struct {
	Text       string       `json:"text" validate:"required"`
	Answer     string       `json:"answer" validate:"required"`
	Context    string       `json:"context,omitempty"`
	Type       QuestionType `json:"type" validate:"required,oneof=freeform recall"`
	Difficulty int          `json:"difficulty" validate:"min=1,max=5"`
}

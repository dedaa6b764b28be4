package domain

import (
	"encoding"
	"fmt"
)

// Grade is the user's assessment of recall quality for a single review.
// It follows the FSRS four-point scale.
type Grade int

const (
	Again Grade = 1 // Failed to recall.
	Hard  Grade = 2 // Recalled with significant difficulty.
	Good  Grade = 3 // Recalled with some effort.
	Easy  Grade = 4 // Recalled effortlessly.
)

var gradeNames = map[Grade]string{
	Again: "Again",
	Hard:  "Hard",
	Good:  "Good",
	Easy:  "Easy",
}

var gradeByName = map[string]Grade{
	"Again": Again,
	"Hard":  Hard,
	"Good":  Good,
	"Easy":  Easy,
}

var (
	_ fmt.Stringer             = Grade(0)
	_ encoding.TextMarshaler   = Grade(0)
	_ encoding.TextUnmarshaler = (*Grade)(nil)
)

// IsValid reports whether g is within the supported ordinal range.
func (g Grade) IsValid() bool {
	return g >= Again && g <= Easy
}

// IsFailing reports whether g counts as a failed recall.
func (g Grade) IsFailing() bool {
	return g == Again
}

// String returns the name of the grade, or "Grade(n)" for invalid values.
func (g Grade) String() string {
	if name, ok := gradeNames[g]; ok {
		return name
	}
	return fmt.Sprintf("Grade(%d)", int(g))
}

// MarshalText implements encoding.TextMarshaler.
func (g Grade) MarshalText() ([]byte, error) {
	if !g.IsValid() {
		return nil, fmt.Errorf("invalid grade: %d", int(g))
	}
	return []byte(gradeNames[g]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *Grade) UnmarshalText(text []byte) error {
	v, ok := gradeByName[string(text)]
	if !ok {
		return fmt.Errorf("invalid grade: %q", text)
	}
	*g = v
	return nil
}

// Package memory implements the spaced-repetition scheduling arithmetic.
// All functions are pure: the same inputs always produce the same outputs,
// and nothing here reads the system clock or performs I/O.
package memory

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/conorfennell/studyloop/internal/domain"
)

var (
	ErrInvalidGrade     = errors.New("memory: grade outside supported range")
	ErrInvalidTimestamp = errors.New("memory: review timestamp before last review")
)

// Params holds the scheduling constants. The exact constant set is
// configuration, not code: deployments can tune these against optimized
// FSRS weights without a rebuild.
type Params struct {
	// InitialStability and InitialDifficulty are indexed by grade (Again..Easy).
	// Easier first grades start with higher stability and lower difficulty.
	InitialStability  [4]float64 `koanf:"initial_stability"`
	InitialDifficulty [4]float64 `koanf:"initial_difficulty"`

	// DifficultyStep scales how far a grade moves difficulty toward its
	// bound; the move is damped as difficulty approaches the bounds.
	DifficultyStep float64 `koanf:"difficulty_step" validate:"gt=0"`

	// MeanReversion pulls difficulty back toward the Easy initial value.
	MeanReversion float64 `koanf:"mean_reversion" validate:"gte=0,lt=1"`

	// Growth, StabilityDecay and RetrievabilityBoost shape stability
	// growth on successful recall. Growth when retrievability was low is
	// larger: recalling an almost-forgotten item is worth more.
	Growth              float64 `koanf:"growth" validate:"gt=0"`
	StabilityDecay      float64 `koanf:"stability_decay" validate:"gte=0"`
	RetrievabilityBoost float64 `koanf:"retrievability_boost" validate:"gt=0"`

	// HardPenalty (<1) and EasyBonus (>1) scale growth for those grades.
	HardPenalty float64 `koanf:"hard_penalty" validate:"gt=0,lte=1"`
	EasyBonus   float64 `koanf:"easy_bonus" validate:"gte=1"`

	// FailFactor contracts stability on a failing grade. It must stay
	// below 1 so a lapse never schedules the same or a longer interval.
	FailFactor   float64 `koanf:"fail_factor" validate:"gt=0,lt=1"`
	MinStability float64 `koanf:"min_stability" validate:"gt=0"`

	MinDifficulty float64 `koanf:"min_difficulty" validate:"gte=1"`
	MaxDifficulty float64 `koanf:"max_difficulty" validate:"gtefield=MinDifficulty"`

	// RequestedRetention is the recall probability the schedule aims for
	// at review time.
	RequestedRetention float64 `koanf:"requested_retention" validate:"gt=0,lt=1"`
}

// DefaultParams returns the default constant set. The initial tables follow
// the published FSRS defaults; the growth weights are scaled for the
// exponential-decay retrievability model used here.
func DefaultParams() Params {
	return Params{
		InitialStability:    [4]float64{0.4, 1.2, 3.1, 15.5},
		InitialDifficulty:   [4]float64{7.2, 6.2, 5.3, 4.0},
		DifficultyStep:      0.9,
		MeanReversion:       0.05,
		Growth:              0.12,
		StabilityDecay:      0.2,
		RetrievabilityBoost: 1.8,
		HardPenalty:         0.6,
		EasyBonus:           1.4,
		FailFactor:          0.3,
		MinStability:        0.1,
		MinDifficulty:       1,
		MaxDifficulty:       10,
		RequestedRetention:  0.9,
	}
}

// Validate checks the parameter set for internally consistent bounds.
func (p Params) Validate() error {
	if p.RequestedRetention <= 0 || p.RequestedRetention >= 1 {
		return fmt.Errorf("memory: requested retention %v out of range (0, 1)", p.RequestedRetention)
	}
	if p.FailFactor <= 0 || p.FailFactor >= 1 {
		return fmt.Errorf("memory: fail factor %v out of range (0, 1)", p.FailFactor)
	}
	if p.MinDifficulty < 1 || p.MaxDifficulty < p.MinDifficulty {
		return fmt.Errorf("memory: difficulty bounds [%v, %v] invalid", p.MinDifficulty, p.MaxDifficulty)
	}
	if p.MinStability <= 0 {
		return fmt.Errorf("memory: min stability %v must be positive", p.MinStability)
	}
	for i, s := range p.InitialStability {
		if s < p.MinStability {
			return fmt.Errorf("memory: initial stability[%d] = %v below minimum %v", i, s, p.MinStability)
		}
	}
	for i, d := range p.InitialDifficulty {
		if d < p.MinDifficulty || d > p.MaxDifficulty {
			return fmt.Errorf("memory: initial difficulty[%d] = %v outside bounds", i, d)
		}
	}
	return nil
}

// State is the memory state of a topic going into a review.
type State struct {
	Stability      float64
	Difficulty     float64
	LastReviewedAt *time.Time // nil for a first review
}

// Result is the outcome of rescheduling a topic after a review.
type Result struct {
	Stability  float64
	Difficulty float64
	NextReview time.Time

	// Retrievability is the recall probability at the moment of review.
	// Zero for a first review, where no decay has happened yet.
	Retrievability float64
}

// Retrievability computes R(t) = e^(-t/S): the probability of successful
// recall after elapsedDays with the given stability. R(0) = 1 and R is
// strictly decreasing in t.
func Retrievability(elapsedDays, stability float64) float64 {
	if stability <= 0 {
		return 0
	}
	return math.Exp(-elapsedDays / stability)
}

// Reschedule computes the updated memory state and next review date for a
// single graded review. reviewedAt earlier than the last review fails with
// ErrInvalidTimestamp rather than silently producing negative elapsed time.
func (p Params) Reschedule(state State, grade domain.Grade, reviewedAt time.Time) (Result, error) {
	if !grade.IsValid() {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidGrade, int(grade))
	}

	if state.LastReviewedAt == nil {
		return p.firstReview(grade, reviewedAt), nil
	}

	elapsed := reviewedAt.Sub(*state.LastReviewedAt)
	if elapsed < 0 {
		return Result{}, fmt.Errorf("%w: reviewed %s, last review %s",
			ErrInvalidTimestamp, reviewedAt.Format(time.RFC3339), state.LastReviewedAt.Format(time.RFC3339))
	}
	elapsedDays := elapsed.Hours() / 24

	r := Retrievability(elapsedDays, state.Stability)

	var stability float64
	if grade.IsFailing() {
		stability = p.forgetStability(state.Stability)
	} else {
		stability = p.recallStability(state.Stability, state.Difficulty, r, grade)
	}
	difficulty := p.nextDifficulty(state.Difficulty, grade)

	return Result{
		Stability:      stability,
		Difficulty:     difficulty,
		NextReview:     p.nextReview(stability, reviewedAt),
		Retrievability: r,
	}, nil
}

// firstReview initializes stability and difficulty from the grade tables.
func (p Params) firstReview(grade domain.Grade, reviewedAt time.Time) Result {
	stability := p.InitialStability[grade-domain.Again]
	difficulty := p.clampDifficulty(p.InitialDifficulty[grade-domain.Again])
	return Result{
		Stability:  stability,
		Difficulty: difficulty,
		NextReview: p.nextReview(stability, reviewedAt),
	}
}

// nextDifficulty moves difficulty toward the bound the grade points at, with
// the move damped near the bounds, then reverts slightly toward the Easy
// initial value so difficulty does not drift to the extremes permanently.
func (p Params) nextDifficulty(difficulty float64, grade domain.Grade) float64 {
	delta := -p.DifficultyStep * (float64(grade) - float64(domain.Good))
	span := p.MaxDifficulty - p.MinDifficulty
	damped := difficulty + (p.MaxDifficulty-difficulty)*delta/span
	target := p.InitialDifficulty[domain.Easy-domain.Again]
	reverted := p.MeanReversion*target + (1-p.MeanReversion)*damped
	return p.clampDifficulty(reverted)
}

// recallStability grows stability after a successful recall. Growth is
// larger when retrievability was low and when the item is easy, scaled by
// the hard penalty or easy bonus.
func (p Params) recallStability(stability, difficulty, retrievability float64, grade domain.Grade) float64 {
	factor := 1.0
	switch grade {
	case domain.Hard:
		factor = p.HardPenalty
	case domain.Easy:
		factor = p.EasyBonus
	}
	growth := p.Growth *
		(p.MaxDifficulty + 1 - difficulty) *
		math.Pow(math.Max(stability, p.MinStability), -p.StabilityDecay) *
		(math.Exp((1-retrievability)*p.RetrievabilityBoost) - 1) *
		factor
	return stability * (1 + growth)
}

// forgetStability contracts stability after a lapse. The result is always
// strictly below the prior value, so a lapsed topic can never keep or
// lengthen its interval; the minimum-stability floor applies only while it
// preserves that decrease, so a topic already at the floor keeps contracting.
func (p Params) forgetStability(stability float64) float64 {
	contracted := stability * p.FailFactor
	if contracted < p.MinStability && p.MinStability < stability {
		contracted = p.MinStability
	}
	return contracted
}

// nextReview computes the interval as t = S * ln(retention) / ln(0.9),
// rounded to whole days with a floor of one day, and schedules that far
// past reviewedAt. At the default 90% retention the interval equals the
// stability; stricter retention shortens it, looser retention lengthens it.
func (p Params) nextReview(stability float64, reviewedAt time.Time) time.Time {
	days := int(math.Round(stability * math.Log(p.RequestedRetention) / math.Log(0.9)))
	if days < 1 {
		days = 1
	}
	return reviewedAt.AddDate(0, 0, days)
}

func (p Params) clampDifficulty(d float64) float64 {
	return math.Min(math.Max(d, p.MinDifficulty), p.MaxDifficulty)
}

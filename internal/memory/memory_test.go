package memory

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/conorfennell/studyloop/internal/domain"
)

var day0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func TestRetrievability(t *testing.T) {
	if r := Retrievability(0, 5); r != 1 {
		t.Errorf("R(0) = %v, want 1", r)
	}

	// Strictly decreasing in elapsed days for fixed stability.
	prev := 1.0
	for days := 1.0; days <= 30; days++ {
		r := Retrievability(days, 5)
		if r >= prev {
			t.Fatalf("R(%v) = %v, not below R at previous day %v", days, r, prev)
		}
		prev = r
	}

	// Ten days elapsed at stability 5 is e^-2.
	r := Retrievability(10, 5)
	if math.Abs(r-math.Exp(-2)) > 1e-12 {
		t.Errorf("R(10, 5) = %v, want %v", r, math.Exp(-2))
	}
}

func TestRescheduleInvalidGrade(t *testing.T) {
	p := DefaultParams()
	for _, g := range []domain.Grade{0, 5, -1} {
		_, err := p.Reschedule(State{}, g, day0)
		if !errors.Is(err, ErrInvalidGrade) {
			t.Errorf("grade %d: err = %v, want ErrInvalidGrade", int(g), err)
		}
	}
}

func TestRescheduleInvalidTimestamp(t *testing.T) {
	p := DefaultParams()
	last := day0
	state := State{Stability: 5, Difficulty: 5, LastReviewedAt: &last}

	_, err := p.Reschedule(state, domain.Good, day0.Add(-time.Hour))
	if !errors.Is(err, ErrInvalidTimestamp) {
		t.Errorf("err = %v, want ErrInvalidTimestamp", err)
	}
}

func TestFirstReview(t *testing.T) {
	p := DefaultParams()

	res, err := p.Reschedule(State{}, domain.Good, day0)
	if err != nil {
		t.Fatalf("Reschedule() returned an unexpected error: %v", err)
	}

	if res.Stability < p.MinStability {
		t.Errorf("initial stability %v below minimum %v", res.Stability, p.MinStability)
	}
	if res.Difficulty < p.MinDifficulty || res.Difficulty > p.MaxDifficulty {
		t.Errorf("initial difficulty %v outside [%v, %v]", res.Difficulty, p.MinDifficulty, p.MaxDifficulty)
	}
	if res.Retrievability != 0 {
		t.Errorf("first review retrievability = %v, want 0", res.Retrievability)
	}
	if !res.NextReview.After(day0) {
		t.Errorf("next review %v not after review time %v", res.NextReview, day0)
	}

	// Easier first grades start with higher stability.
	again, _ := p.Reschedule(State{}, domain.Again, day0)
	easy, _ := p.Reschedule(State{}, domain.Easy, day0)
	if again.Stability >= easy.Stability {
		t.Errorf("Again initial stability %v should be below Easy %v", again.Stability, easy.Stability)
	}
	if again.Difficulty <= easy.Difficulty {
		t.Errorf("Again initial difficulty %v should be above Easy %v", again.Difficulty, easy.Difficulty)
	}
}

func TestFailingGradeContractsStability(t *testing.T) {
	p := DefaultParams()

	for _, stability := range []float64{0.5, 1, 5, 20, 100} {
		last := day0
		state := State{Stability: stability, Difficulty: 5, LastReviewedAt: &last}
		res, err := p.Reschedule(state, domain.Again, day0.AddDate(0, 0, 3))
		if err != nil {
			t.Fatalf("Reschedule() returned an unexpected error: %v", err)
		}
		if res.Stability >= stability {
			t.Errorf("stability %v: failing grade produced %v, want strictly lower", stability, res.Stability)
		}
	}
}

func TestForgetStabilityFloorPreservesDecrease(t *testing.T) {
	p := DefaultParams()

	testCases := []struct {
		name      string
		stability float64
		want      float64
	}{
		{"plain contraction", 5, 5 * p.FailFactor},
		{"floored above the minimum", 0.2, p.MinStability},
		{"at the floor keeps contracting", p.MinStability, p.MinStability * p.FailFactor},
		{"below the floor keeps contracting", 0.05, 0.05 * p.FailFactor},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := p.forgetStability(tc.stability)
			if math.Abs(got-tc.want) > 1e-12 {
				t.Errorf("forgetStability(%v) = %v, want %v", tc.stability, got, tc.want)
			}
			if got >= tc.stability {
				t.Errorf("forgetStability(%v) = %v, want strictly lower", tc.stability, got)
			}
		})
	}
}

func TestFailingGradeAfterLongGap(t *testing.T) {
	p := DefaultParams()
	last := day0
	state := State{Stability: 5, Difficulty: 5, LastReviewedAt: &last}

	reviewedAt := day0.AddDate(0, 0, 10)
	res, err := p.Reschedule(state, domain.Again, reviewedAt)
	if err != nil {
		t.Fatalf("Reschedule() returned an unexpected error: %v", err)
	}

	if math.Abs(res.Retrievability-math.Exp(-2)) > 1e-12 {
		t.Errorf("retrievability = %v, want e^-2", res.Retrievability)
	}
	if res.Stability >= 5 {
		t.Errorf("new stability %v, want below prior 5", res.Stability)
	}
	// The new interval must be shorter than the previous one.
	prevInterval := 5 * 24 * time.Hour // stability 5 at 90% retention
	if got := res.NextReview.Sub(reviewedAt); got >= prevInterval {
		t.Errorf("new interval %v, want below previous %v", got, prevInterval)
	}
}

func TestSuccessfulRecallGrowsStability(t *testing.T) {
	p := DefaultParams()
	last := day0
	state := State{Stability: 5, Difficulty: 5, LastReviewedAt: &last}
	reviewedAt := day0.AddDate(0, 0, 5)

	hard, _ := p.Reschedule(state, domain.Hard, reviewedAt)
	good, _ := p.Reschedule(state, domain.Good, reviewedAt)
	easy, _ := p.Reschedule(state, domain.Easy, reviewedAt)

	if hard.Stability <= state.Stability {
		t.Errorf("Hard stability %v did not grow from %v", hard.Stability, state.Stability)
	}
	if !(hard.Stability < good.Stability && good.Stability < easy.Stability) {
		t.Errorf("expected Hard < Good < Easy growth, got %v, %v, %v",
			hard.Stability, good.Stability, easy.Stability)
	}
}

func TestLowRetrievabilityRewardsRecallMore(t *testing.T) {
	p := DefaultParams()
	last := day0
	state := State{Stability: 5, Difficulty: 5, LastReviewedAt: &last}

	// Recalling after 10 days (nearly forgotten) grows stability more than
	// recalling after 1 day (freshly seen).
	fresh, _ := p.Reschedule(state, domain.Good, day0.AddDate(0, 0, 1))
	stale, _ := p.Reschedule(state, domain.Good, day0.AddDate(0, 0, 10))
	if stale.Stability <= fresh.Stability {
		t.Errorf("stale recall stability %v should exceed fresh recall %v", stale.Stability, fresh.Stability)
	}
}

func TestDifficultyMovesWithGrade(t *testing.T) {
	p := DefaultParams()
	last := day0
	reviewedAt := day0.AddDate(0, 0, 2)

	testCases := []struct {
		name  string
		grade domain.Grade
		check func(before, after float64) bool
	}{
		{"Again raises difficulty", domain.Again, func(b, a float64) bool { return a > b }},
		{"Hard raises difficulty", domain.Hard, func(b, a float64) bool { return a > b }},
		{"Easy lowers difficulty", domain.Easy, func(b, a float64) bool { return a < b }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			state := State{Stability: 5, Difficulty: 5, LastReviewedAt: &last}
			res, err := p.Reschedule(state, tc.grade, reviewedAt)
			if err != nil {
				t.Fatalf("Reschedule() returned an unexpected error: %v", err)
			}
			if !tc.check(state.Difficulty, res.Difficulty) {
				t.Errorf("difficulty %v -> %v failed expectation", state.Difficulty, res.Difficulty)
			}
			if res.Difficulty < p.MinDifficulty || res.Difficulty > p.MaxDifficulty {
				t.Errorf("difficulty %v escaped bounds", res.Difficulty)
			}
		})
	}
}

func TestDifficultyStaysClamped(t *testing.T) {
	p := DefaultParams()
	last := day0
	reviewedAt := day0.AddDate(0, 0, 1)

	// Repeated Again grades must not push difficulty past the ceiling.
	state := State{Stability: 5, Difficulty: 9.8, LastReviewedAt: &last}
	for i := 0; i < 20; i++ {
		res, err := p.Reschedule(state, domain.Again, reviewedAt)
		if err != nil {
			t.Fatalf("Reschedule() returned an unexpected error: %v", err)
		}
		if res.Difficulty > p.MaxDifficulty {
			t.Fatalf("difficulty %v exceeded ceiling after %d lapses", res.Difficulty, i+1)
		}
		state.Difficulty = res.Difficulty
		state.Stability = res.Stability
		reviewedAt = reviewedAt.AddDate(0, 0, 1)
		state.LastReviewedAt = &last
	}
}

func TestNextReviewNeverBeforeReviewTime(t *testing.T) {
	p := DefaultParams()
	last := day0
	reviewedAt := day0.AddDate(0, 0, 1)

	// Even a tiny stability schedules at least one day out.
	state := State{Stability: 0.2, Difficulty: 9, LastReviewedAt: &last}
	res, err := p.Reschedule(state, domain.Again, reviewedAt)
	if err != nil {
		t.Fatalf("Reschedule() returned an unexpected error: %v", err)
	}
	if got := res.NextReview.Sub(reviewedAt); got < 24*time.Hour {
		t.Errorf("interval %v, want at least one day", got)
	}
}

func TestRescheduleIsDeterministic(t *testing.T) {
	p := DefaultParams()
	last := day0
	state := State{Stability: 5, Difficulty: 5, LastReviewedAt: &last}
	reviewedAt := day0.AddDate(0, 0, 4)

	a, err := p.Reschedule(state, domain.Good, reviewedAt)
	if err != nil {
		t.Fatalf("Reschedule() returned an unexpected error: %v", err)
	}
	b, _ := p.Reschedule(state, domain.Good, reviewedAt)
	if a != b {
		t.Errorf("same inputs produced different results: %+v vs %+v", a, b)
	}
}

func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("default params failed validation: %v", err)
	}

	testCases := []struct {
		name   string
		mutate func(*Params)
	}{
		{"retention too high", func(p *Params) { p.RequestedRetention = 1 }},
		{"retention zero", func(p *Params) { p.RequestedRetention = 0 }},
		{"fail factor at one", func(p *Params) { p.FailFactor = 1 }},
		{"inverted difficulty bounds", func(p *Params) { p.MaxDifficulty = 0.5 }},
		{"negative min stability", func(p *Params) { p.MinStability = -1 }},
		{"initial difficulty out of bounds", func(p *Params) { p.InitialDifficulty[0] = 42 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParams()
			tc.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

package grading

import (
	"math"
	"time"
)

// MaxLatePenalty caps the late deduction at 90%.
const MaxLatePenalty = 0.9

// DefaultLatePenaltyPerDay is the deduction per started day late.
const DefaultLatePenaltyPerDay = 0.1

// DaysLate returns the number of started days between due and submittedAt,
// or 0 when the submission is on time.
func DaysLate(submittedAt, due time.Time) int {
	d := submittedAt.Sub(due)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

// LatePenalty returns the fraction deducted for daysLate days.
func LatePenalty(daysLate int, perDay float64) float64 {
	if daysLate <= 0 || perDay <= 0 || math.IsNaN(perDay) {
		return 0
	}
	return math.Min(MaxLatePenalty, float64(daysLate)*perDay)
}

// FinalScore applies penalty to base.
func FinalScore(base, penalty float64) float64 {
	if math.IsNaN(base) || math.IsNaN(penalty) {
		return 0
	}
	return math.Max(0, base*(1-penalty))
}

// Points converts a 0-100 score into points out of maxScore.
func Points(score, maxScore float64) float64 {
	return score / 100 * maxScore
}

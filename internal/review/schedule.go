// Package review implements spaced repetition over learning cards and
// semantic grading of free-text answers.
//
// Scheduling is a fixed table, not a full SM-2: each recall grade maps
// to a constant interval with no ease-factor evolution or streak bonus.
// The simplification is deliberate and the mapping must stay stable.
package review

import (
	"fmt"
	"time"
)

// Grade is the student's self-reported recall quality for a card.
type Grade string

const (
	GradeEasy   Grade = "easy"
	GradeMedium Grade = "medium"
	GradeHard   Grade = "hard"
)

// Valid reports whether g is one of the known grades.
func (g Grade) Valid() bool {
	switch g {
	case GradeEasy, GradeMedium, GradeHard:
		return true
	}
	return false
}

// Interval returns the fixed review interval for a grade.
func Interval(grade Grade) (time.Duration, error) {
	switch grade {
	case GradeEasy:
		return 4 * 24 * time.Hour, nil
	case GradeMedium:
		return 2 * 24 * time.Hour, nil
	case GradeHard:
		return 1 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown grade %q", grade)
	}
}

// Schedule maps a grade to its interval in days and the next review
// time relative to now.
func Schedule(grade Grade, now time.Time) (intervalDays int, nextReview time.Time, err error) {
	d, err := Interval(grade)
	if err != nil {
		return 0, time.Time{}, err
	}
	return int(d / (24 * time.Hour)), now.Add(d), nil
}

// Due reports whether a card should be reviewed: either it has never
// been graded or its scheduled time has passed.
func Due(nextReviewAt *time.Time, now time.Time) bool {
	return nextReviewAt == nil || !nextReviewAt.After(now)
}

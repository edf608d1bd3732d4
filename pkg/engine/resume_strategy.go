package engine

import (
	"time"

	"github.com/dripmail/dripmail/pkg/models"
)

// ResumeStrategy decides when the current step of a resumed enrollment
// becomes due again.
type ResumeStrategy interface {
	NextAttemptAt(step *models.StepDefinition, pausedAt *time.Time, now time.Time) time.Time
}

// ResumeImmediately schedules the current step at resume time. The pause
// already consumed whatever delay the step carried.
type ResumeImmediately struct{}

func (ResumeImmediately) NextAttemptAt(_ *models.StepDefinition, _ *time.Time, now time.Time) time.Time {
	return now
}

// ResumeWithDelay re-applies the step's own delay from resume time, treating
// the pause as a reset of the step's waiting period.
type ResumeWithDelay struct{}

func (ResumeWithDelay) NextAttemptAt(step *models.StepDefinition, _ *time.Time, now time.Time) time.Time {
	if step == nil {
		return now
	}

	return now.Add(step.Delay.Duration())
}

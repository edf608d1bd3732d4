package engine

import (
	"context"
	"errors"

	"github.com/dripmail/dripmail/pkg/contacts"
	"github.com/dripmail/dripmail/pkg/delivery"
	"github.com/dripmail/dripmail/pkg/models"
	"github.com/dripmail/dripmail/pkg/template"
)

// StepError carries an explicit failure classification out of a step runner.
// Runners wrap collaborator errors in a StepError when they know the class;
// anything unclassified falls through to classifyError.
type StepError struct {
	Type models.ErrorType
	Err  error
}

func (e *StepError) Error() string {
	return string(e.Type) + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func newStepError(errType models.ErrorType, err error) *StepError {
	return &StepError{Type: errType, Err: err}
}

// classifyError maps a step failure to its retry classification. Unrecognized
// errors are internal faults and are not retried.
func classifyError(err error) models.ErrorType {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Type
	}

	var deliveryErr *delivery.Error
	if errors.As(err, &deliveryErr) {
		if deliveryErr.Permanent {
			return models.ErrorTypeInvalidEmailAddress
		}

		return models.ErrorTypeTransient
	}

	switch {
	case errors.Is(err, template.ErrTemplateNotFound):
		return models.ErrorTypeTemplateNotFound
	case errors.Is(err, contacts.ErrContactNotFound):
		return models.ErrorTypeContactUnsubscribed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return models.ErrorTypeTransient
	default:
		return models.ErrorTypeInternal
	}
}

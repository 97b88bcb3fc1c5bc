package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fentz26/workflowd/internal/claim"
	"github.com/fentz26/workflowd/internal/jobs"
	"github.com/fentz26/workflowd/internal/models"
	"github.com/fentz26/workflowd/internal/store"
	"github.com/fentz26/workflowd/internal/taskqueue"
	"github.com/fentz26/workflowd/internal/workflow"
)

// ErrPermanent marks a handler error that redelivery cannot fix.
var ErrPermanent = errors.New("permanent failure")

// MarkPermanent wraps err so that the event is dropped instead of requeued.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// permanentErrors fail the same way on every delivery.
var permanentErrors = []error{
	ErrPermanent,
	claim.ErrContractViolation,
	models.ErrInvalidTransition,
	workflow.ErrUnknownWorkflow,
	workflow.ErrUnknownStep,
	jobs.ErrNoJobID,
	jobs.ErrNoStepID,
	jobs.ErrUnknownProgress,
	taskqueue.ErrUnknownDependency,
	taskqueue.ErrDependencyCycle,
	taskqueue.ErrDuplicateTask,
	store.ErrNotFound,
}

// Permanent reports whether err is caused by the event itself: a malformed
// payload, a failed validation or a broken invariant. Every other error,
// storage trouble included, leaves the event eligible for redelivery.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var (
		syntaxErr     *json.SyntaxError
		typeErr       *json.UnmarshalTypeError
		timeErr       *time.ParseError
		validationErr validator.ValidationErrors
		invalidErr    *validator.InvalidValidationError
	)
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.As(err, &timeErr) ||
		errors.As(err, &validationErr) ||
		errors.As(err, &invalidErr)
}

package pipeline

import (
	"context"
	"errors"
	"net/http"

	"github.com/ashureev/educator/internal/crew"
	"github.com/ashureev/educator/internal/staging"
)

var (
	// ErrMissingTopic means the topic was empty after trimming.
	ErrMissingTopic = errors.New("please enter a topic")
	// ErrMissingFile means no document was uploaded.
	ErrMissingFile = errors.New("please upload a file")
	// ErrEngine wraps every failure reported by the orchestration engine.
	ErrEngine = errors.New("engine invocation failed")
	// ErrEmptyResult means the engine returned nothing usable.
	ErrEmptyResult = crew.ErrEmptyResult
	// ErrStaging wraps failures reading or writing the staging directory.
	ErrStaging = errors.New("staging failed")

	ErrNoContent       = staging.ErrNoContent
	ErrUnsupportedType = staging.ErrUnsupportedType
	ErrFileTooLarge    = staging.ErrFileTooLarge
)

// Class is the coarse category of a pipeline failure.
type Class int

const (
	ClassNone Class = iota
	ClassInput
	ClassEngine
	ClassIO
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassInput:
		return "input"
	case ClassEngine:
		return "engine"
	default:
		return "io"
	}
}

// Classify maps an error returned by Service.Run to its class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrMissingTopic),
		errors.Is(err, ErrMissingFile),
		errors.Is(err, staging.ErrNoContent),
		errors.Is(err, staging.ErrUnsupportedType),
		errors.Is(err, staging.ErrFileTooLarge),
		errors.Is(err, staging.ErrInvalidFilename):
		return ClassInput
	// A cancellation means the caller left or the engine call was aborted;
	// neither is a local I/O fault.
	case errors.Is(err, ErrEngine),
		errors.Is(err, ErrEmptyResult),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassEngine
	default:
		return ClassIO
	}
}

// HTTPStatus returns the response status for err.
func HTTPStatus(err error) int {
	switch Classify(err) {
	case ClassNone:
		return http.StatusOK
	case ClassInput:
		return http.StatusBadRequest
	case ClassEngine:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage is the text shown to the user for err. Input errors are shown
// as-is; everything else is prefixed the way the page reports failures.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if Classify(err) == ClassInput {
		return err.Error()
	}
	return "An error occurred: " + err.Error()
}

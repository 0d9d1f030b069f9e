package models

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Request is one inbound invocation after decoding.
type Request struct {
	SystemPrompt string    `json:"systemPrompt" validate:"required"`
	QueryPrompt  string    `json:"queryPrompt" validate:"required"`
	Service      Service   `json:"service"`
	Deployment   string    `json:"deployment"`
	Params       Params    `json:"params"`
	History      []Message `json:"history" validate:"dive"`
	Callback     Callback  `json:"callback"`
}

// ValidationError reports a request that failed boundary checks. Its message
// is written to the caller verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ErrNoBody is returned when an invocation carries no request body.
var ErrNoBody = &ValidationError{Message: "No request body detected"}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Normalize fills defaults that apply before validation.
func (r *Request) Normalize() {
	r.Service = Service(strings.TrimSpace(string(r.Service)))
	if r.Service == "" {
		r.Service = DefaultService
	}
	r.Deployment = strings.TrimSpace(r.Deployment)
}

// Validate checks required fields in a fixed order so the same malformed
// request always yields the same error.
func (r *Request) Validate() error {
	if err := requestValidator().Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return &ValidationError{Message: describeFieldError(fieldErrs[0])}
		}
		return &ValidationError{Message: err.Error()}
	}
	if !r.Service.Valid() {
		return &ValidationError{Message: fmt.Sprintf("unsupported service %q", r.Service)}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.StructField() {
	case "SystemPrompt":
		return "System Prompt (systemPrompt) missing"
	case "QueryPrompt":
		return "User Query (queryPrompt) missing"
	case "Role":
		// Namespace looks like Request.History[2].Role.
		idx := strings.TrimPrefix(fe.StructNamespace(), "Request.History")
		idx = strings.TrimSuffix(idx, ".Role")
		return fmt.Sprintf("history%s: role %q must be one of system, user, assistant", idx, fe.Value())
	default:
		return fmt.Sprintf("invalid field %s", fe.Namespace())
	}
}

package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTransient          = errors.New("transient failure")
	ErrUnresolvedArtifact = errors.New("unresolved mandatory artifact")
	ErrBudgetExhausted    = errors.New("attempt budget exhausted")
	ErrMalformedRecord    = errors.New("malformed record")
	ErrClaimLost          = errors.New("claim lost")
	ErrValidation         = errors.New("validation error")
	ErrConfiguration      = errors.New("configuration error")
)

// Error kinds persisted on records so operators can filter without parsing messages.
const (
	KindTransient   = "transient"
	KindUnresolved  = "unresolved_artifact"
	KindExhausted   = "budget_exhausted"
	KindMalformed   = "malformed_record"
	KindClaimLost   = "claim_lost"
	KindValidation  = "validation"
	KindConfig      = "configuration"
	KindUnspecified = "unknown"
)

// Wrap builds an error message that includes component context while tagging it with
// the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf maps an error to the kind recorded on a failed or dead-lettered record.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedRecord):
		return KindMalformed
	case errors.Is(err, ErrBudgetExhausted):
		return KindExhausted
	case errors.Is(err, ErrUnresolvedArtifact):
		return KindUnresolved
	case errors.Is(err, ErrClaimLost):
		return KindClaimLost
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfig
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindUnspecified
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}

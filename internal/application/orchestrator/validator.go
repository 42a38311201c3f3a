package orchestrator

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/taskmesh/meshd/pkg/domain"
)

// DependencySpec declares one edge at submission time: the submitted
// task will depend on Source.
type DependencySpec struct {
	Source string  `json:"source"`
	Type   string  `json:"type,omitempty"`
	Weight float64 `json:"weight,omitempty"`
}

// TaskDescriptor is the external submission contract. Priority,
// execution type and dependency types arrive as text and are parsed
// during validation.
type TaskDescriptor struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	Priority      string                 `json:"priority,omitempty"`
	ExecutionType string                 `json:"execution_type,omitempty"`
	ResourceTags  []string               `json:"resource_tags,omitempty"`
	RetryAttempts *int                   `json:"retry_attempts,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Dependencies  []DependencySpec       `json:"dependencies,omitempty"`
}

// Validator checks task descriptors before they touch the mesh.
type Validator struct{}

// NewValidator creates a descriptor validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate rejects a malformed descriptor with a validation error. It
// checks shape only; graph-level rules (unknown sources, cycles) are
// enforced by the mesh when the edges are inserted.
func (v *Validator) Validate(desc *TaskDescriptor) error {
	errCtx := domain.NewErrorContext("validate", "orchestrator")

	if desc == nil {
		return domain.NewValidationError(errCtx, "descriptor is nil")
	}
	if desc.Name == "" {
		return domain.NewValidationError(errCtx, "task name is required")
	}
	if _, err := domain.ParsePriority(desc.Priority); err != nil {
		return domain.NewValidationError(errCtx, err.Error())
	}
	switch domain.ExecutionType(desc.ExecutionType) {
	case "", domain.ExecutionLocal, domain.ExecutionRemote, domain.ExecutionSimulated:
	default:
		return domain.NewValidationError(errCtx,
			fmt.Sprintf("unknown execution type: %q", desc.ExecutionType))
	}
	if desc.RetryAttempts != nil && *desc.RetryAttempts < 1 {
		return domain.NewValidationError(errCtx, "retry attempts must be at least 1")
	}

	for i, dep := range desc.Dependencies {
		if _, err := uuid.Parse(dep.Source); err != nil {
			return domain.NewValidationError(errCtx,
				fmt.Sprintf("dependency %d: bad source id %q", i, dep.Source))
		}
		if _, err := domain.ParseDependencyType(dep.Type); err != nil {
			return domain.NewValidationError(errCtx,
				fmt.Sprintf("dependency %d: %v", i, err))
		}
		if dep.Weight < 0 {
			return domain.NewValidationError(errCtx,
				fmt.Sprintf("dependency %d: weight must be non-negative", i))
		}
	}
	return nil
}

package domain

import (
	"errors"
	"fmt"
)

// Whole-call errors abort an operation before any mutation. Per-entity errors
// are folded into Result violations by batch operations.
var (
	ErrUnknownFilterField        = errors.New("unknown filter field")
	ErrMalformedExpression       = errors.New("malformed filter expression")
	ErrMultiEntityRenameRejected = errors.New("id rename requires a selector matching exactly one entity")
	ErrEntityInUse               = errors.New("entity in use")
	ErrNotDeleted                = errors.New("entity is not deleted")
	ErrReferentialIntegrity      = errors.New("referential integrity violation")
	ErrVersionConflict           = errors.New("version conflict")
	ErrTransactionAborted        = errors.New("transaction aborted")
	ErrNotFound                  = errors.New("entity not found")
	ErrAlreadyDeleted            = errors.New("entity already deleted")
	ErrInvalidTransition         = errors.New("invalid status transition")
	ErrDuplicateID               = errors.New("duplicate id")
	ErrInvalidAnnotation         = errors.New("invalid annotation")
	ErrProtectedEntity           = errors.New("protected entity")
	ErrInvalidUpdate             = errors.New("invalid update")
	ErrInvalidEntity             = errors.New("invalid entity")
)

// FieldError attaches the offending filter or update field to an error.
type FieldError struct {
	Field string
	Value any
	Err   error
}

func (e *FieldError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s=%v: %v", e.Field, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// NewFieldError wraps err with the field that caused it.
func NewFieldError(field string, value any, err error) error {
	return &FieldError{Field: field, Value: value, Err: err}
}

// EntityError attaches the entity identity to an error.
type EntityError struct {
	Entity EntityType
	ID     string
	UID    int64
	Err    error
}

func (e *EntityError) Error() string {
	switch {
	case e.ID != "":
		return fmt.Sprintf("%s %q: %v", e.Entity, e.ID, e.Err)
	case e.UID != 0:
		return fmt.Sprintf("%s uid %d: %v", e.Entity, e.UID, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Entity, e.Err)
	}
}

func (e *EntityError) Unwrap() error { return e.Err }

// NewEntityError wraps err with the entity it concerns.
func NewEntityError(entity EntityType, id string, uid int64, err error) error {
	return &EntityError{Entity: entity, ID: id, UID: uid, Err: err}
}

// RuleViolationError indicates a blocking validator outcome.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			if v.Message != "" {
				return fmt.Sprintf("rule %s: %s", v.Rule, v.Message)
			}
			return fmt.Sprintf("rule %s violated", v.Rule)
		}
	}
	return "blocking rule violation"
}

// Unwrap exposes the error carried by the first blocking violation.
func (e RuleViolationError) Unwrap() error {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock && v.Err != nil {
			return v.Err
		}
	}
	return nil
}

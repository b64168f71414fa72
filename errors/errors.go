/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package errors

import (
	"fmt"
	"time"

	crdb "github.com/cockroachdb/errors"
)

// Re-exported helpers so callers only need this package.
var (
	New              = crdb.New
	Newf             = crdb.Newf
	Wrap             = crdb.Wrap
	Wrapf            = crdb.Wrapf
	WithHint         = crdb.WithHint
	WithHintf        = crdb.WithHintf
	Is               = crdb.Is
	As               = crdb.As
	AssertionFailedf = crdb.AssertionFailedf
	FlattenHints     = crdb.FlattenHints

	GetReportableStackTrace = crdb.GetReportableStackTrace
)

// Sentinel error kinds. Match with errors.Is.
var (
	// ErrUnknownCollection is returned when a collection is not declared by the target type
	ErrUnknownCollection = crdb.New("collection not allowed")

	// ErrInvalidPolicyMode is returned when a declared collection mode is neither single nor multiple
	ErrInvalidPolicyMode = crdb.New("invalid collection policy mode")

	// ErrAlreadyMember is returned when an exclusivity rule rejects a new membership
	ErrAlreadyMember = crdb.New("membership already exists")

	// ErrNotFound is returned when a membership record does not exist
	ErrNotFound = crdb.New("membership not found")

	// ErrExpiredInPast is returned when a supplied expiry is not strictly in the future
	ErrExpiredInPast = crdb.New("expiry is not in the future")

	// ErrMissingCapability is returned when an entity type does not declare the role it is used in
	ErrMissingCapability = crdb.New("missing membership capability")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = crdb.New("invalid input")

	// ErrConditionFailed is returned when a conditional write fails
	ErrConditionFailed = crdb.New("condition check failed")
)

// UnknownCollectionError reports a collection the target type does not allow.
type UnknownCollectionError struct {
	TargetType string
	Collection string
}

func (e *UnknownCollectionError) Error() string {
	return fmt.Sprintf("type %q is not allowed to have %q collection", e.TargetType, e.Collection)
}

func (e *UnknownCollectionError) Is(target error) bool {
	return target == ErrUnknownCollection
}

// InvalidPolicyModeError reports a collection declared with an unsupported mode.
type InvalidPolicyModeError struct {
	TargetType string
	Collection string
	Mode       string
}

func (e *InvalidPolicyModeError) Error() string {
	return fmt.Sprintf("the %q collection of type %q must be \"single\" or \"multiple\", got %q",
		e.Collection, e.TargetType, e.Mode)
}

func (e *InvalidPolicyModeError) Is(target error) bool {
	return target == ErrInvalidPolicyMode
}

// AlreadyMemberError reports an exclusivity violation at create time.
type AlreadyMemberError struct {
	Collection string
	Slot       string
}

func (e *AlreadyMemberError) Error() string {
	return fmt.Sprintf("the %q collection already has an active member for %s", e.Collection, e.Slot)
}

func (e *AlreadyMemberError) Is(target error) bool {
	return target == ErrAlreadyMember
}

// NotFoundError reports a missing membership record.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("membership %s not found", e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ExpiredInPastError reports an expiry instant at or before now.
type ExpiredInPastError struct {
	ExpiresAt time.Time
}

func (e *ExpiredInPastError) Error() string {
	return fmt.Sprintf("the given date is %q, expiry must be in the future",
		e.ExpiresAt.UTC().Format("2006-01-02 15:04:05"))
}

func (e *ExpiredInPastError) Is(target error) bool {
	return target == ErrExpiredInPast
}

// MissingCapabilityError reports an entity type used in a role it never declared.
type MissingCapabilityError struct {
	Type string
	Role string
}

func (e *MissingCapabilityError) Error() string {
	return fmt.Sprintf("type %q does not declare the membership %s role", e.Type, e.Role)
}

func (e *MissingCapabilityError) Is(target error) bool {
	return target == ErrMissingCapability
}

// ValidationError represents an input validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %q: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// ConditionFailedError represents a failed conditional operation
type ConditionFailedError struct {
	Operation string
	Condition string
}

func (e *ConditionFailedError) Error() string {
	return fmt.Sprintf("condition check failed for %s operation: %s", e.Operation, e.Condition)
}

func (e *ConditionFailedError) Is(target error) bool {
	return target == ErrConditionFailed
}

// NewUnknownCollectionError creates a new UnknownCollectionError
func NewUnknownCollectionError(targetType, collection string) error {
	return &UnknownCollectionError{TargetType: targetType, Collection: collection}
}

// NewInvalidPolicyModeError creates a new InvalidPolicyModeError. The result carries
// a stack trace since it points at a defect in the target type's declaration.
func NewInvalidPolicyModeError(targetType, collection, mode string) error {
	return crdb.WithHintf(
		crdb.WithStack(&InvalidPolicyModeError{TargetType: targetType, Collection: collection, Mode: mode}),
		"fix the collection declaration of type %q", targetType,
	)
}

// NewAlreadyMemberError creates a new AlreadyMemberError
func NewAlreadyMemberError(collection, slot string) error {
	return &AlreadyMemberError{Collection: collection, Slot: slot}
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(key string) error {
	return &NotFoundError{Key: key}
}

// NewExpiredInPastError creates a new ExpiredInPastError
func NewExpiredInPastError(expiresAt time.Time) error {
	return &ExpiredInPastError{ExpiresAt: expiresAt}
}

// NewMissingCapabilityError creates a new MissingCapabilityError
func NewMissingCapabilityError(typ, role string) error {
	return crdb.WithStack(&MissingCapabilityError{Type: typ, Role: role})
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NewConditionFailedError creates a new ConditionFailedError
func NewConditionFailedError(operation, condition string) error {
	return &ConditionFailedError{Operation: operation, Condition: condition}
}

// IsUnknownCollection checks if an error is an unknown collection error
func IsUnknownCollection(err error) bool {
	return crdb.Is(err, ErrUnknownCollection)
}

// IsInvalidPolicyMode checks if an error is an invalid policy mode error
func IsInvalidPolicyMode(err error) bool {
	return crdb.Is(err, ErrInvalidPolicyMode)
}

// IsAlreadyMember checks if an error is an already member error
func IsAlreadyMember(err error) bool {
	return crdb.Is(err, ErrAlreadyMember)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return crdb.Is(err, ErrNotFound)
}

// IsExpiredInPast checks if an error is an expired in past error
func IsExpiredInPast(err error) bool {
	return crdb.Is(err, ErrExpiredInPast)
}

// IsMissingCapability checks if an error is a missing capability error
func IsMissingCapability(err error) bool {
	return crdb.Is(err, ErrMissingCapability)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return crdb.Is(err, ErrInvalidInput)
}

// IsConditionFailed checks if an error is a condition failed error
func IsConditionFailed(err error) bool {
	return crdb.Is(err, ErrConditionFailed)
}

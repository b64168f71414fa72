/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestUnknownCollectionError(t *testing.T) {
	err := NewUnknownCollectionError("order", "watchers")

	expected := `type "order" is not allowed to have "watchers" collection`
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	if !errors.Is(err, ErrUnknownCollection) {
		t.Error("UnknownCollectionError should match ErrUnknownCollection")
	}

	if !IsUnknownCollection(err) {
		t.Error("IsUnknownCollection should return true for UnknownCollectionError")
	}
}

func TestInvalidPolicyModeError(t *testing.T) {
	err := NewInvalidPolicyModeError("order", "owner", "several")

	if !IsInvalidPolicyMode(err) {
		t.Error("IsInvalidPolicyMode should return true for InvalidPolicyModeError")
	}

	var typed *InvalidPolicyModeError
	if !As(err, &typed) {
		t.Fatal("expected As to extract *InvalidPolicyModeError")
	}
	if typed.Mode != "several" {
		t.Errorf("Expected mode %q, got %q", "several", typed.Mode)
	}

	hints := FlattenHints(err)
	if hints == "" {
		t.Error("expected a hint on the invalid policy mode error")
	}
}

func TestAlreadyMemberError(t *testing.T) {
	err := NewAlreadyMemberError("owner", "target order:1")

	expected := `the "owner" collection already has an active member for target order:1`
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	if !errors.Is(err, ErrAlreadyMember) {
		t.Error("AlreadyMemberError should match ErrAlreadyMember")
	}
	if IsNotFound(err) {
		t.Error("AlreadyMemberError should not match ErrNotFound")
	}
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("user:1/order:2/owner")

	expected := "membership user:1/order:2/owner not found"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	if !IsNotFound(err) {
		t.Error("IsNotFound should return true for NotFoundError")
	}
}

func TestExpiredInPastError(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	err := NewExpiredInPastError(at)

	expected := `the given date is "2024-03-01 10:30:00", expiry must be in the future`
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	if !IsExpiredInPast(err) {
		t.Error("IsExpiredInPast should return true for ExpiredInPastError")
	}
}

func TestMissingCapabilityError(t *testing.T) {
	err := NewMissingCapabilityError("invoice", "target")

	if !IsMissingCapability(err) {
		t.Error("IsMissingCapability should return true for MissingCapabilityError")
	}

	var typed *MissingCapabilityError
	if !As(err, &typed) {
		t.Fatal("expected As to extract *MissingCapabilityError")
	}
	if typed.Role != "target" {
		t.Errorf("Expected role %q, got %q", "target", typed.Role)
	}
}

func TestValidationError(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		message  string
		expected string
	}{
		{
			name:     "with field",
			field:    "collection",
			message:  "must not be empty",
			expected: `validation failed for field "collection": must not be empty`,
		},
		{
			name:     "without field",
			field:    "",
			message:  "missing required fields",
			expected: "validation failed: missing required fields",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewValidationError(tt.field, tt.message)

			if err.Error() != tt.expected {
				t.Errorf("Expected error message %q, got %q", tt.expected, err.Error())
			}

			if !IsValidationError(err) {
				t.Error("IsValidationError should return true for ValidationError")
			}
		})
	}
}

func TestConditionFailedError(t *testing.T) {
	err := NewConditionFailedError("delete", "record is still active")

	expected := "condition check failed for delete operation: record is still active"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}

	if !IsConditionFailed(err) {
		t.Error("IsConditionFailed should return true for ConditionFailedError")
	}
}

func TestWrappedErrors(t *testing.T) {
	base := NewNotFoundError("user:1/order:2/owner")
	wrapped := Wrap(base, "revoking membership")
	doubly := fmt.Errorf("command failed: %w", wrapped)

	if !IsNotFound(doubly) {
		t.Error("IsNotFound should see through wrapping")
	}
	if IsAlreadyMember(doubly) {
		t.Error("wrapped NotFoundError should not match ErrAlreadyMember")
	}
}

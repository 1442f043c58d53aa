package service

import (
	"errors"
	"fmt"

	"github.com/artregistry/provenance/common/models"
)

var (
	// ErrNotFound covers any referenced entity that does not exist or
	// has been soft-deleted.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when another pending action already holds
	// the slot for the same kind and asset.
	ErrConflict = errors.New("conflicting pending action")

	// ErrActionNotPending is returned by confirm, deny and withdraw when
	// the action already has a final status or was deleted.
	ErrActionNotPending = errors.New("action is not pending")
)

// PermissionDeniedError names the capability the acting user is missing.
// Absence of a permission record denies in exactly the same way as a
// record with the flag off.
type PermissionDeniedError struct {
	Capability models.Capability
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: missing capability %q", e.Capability)
}

// IsPermissionDenied reports whether err is a permission failure.
func IsPermissionDenied(err error) bool {
	var pd *PermissionDeniedError
	return errors.As(err, &pd)
}

// InvalidCounterpartyError rejects self-dealing and other impossible
// counterparties before anything is persisted.
type InvalidCounterpartyError struct {
	Reason string
}

func (e *InvalidCounterpartyError) Error() string {
	return fmt.Sprintf("invalid counterparty: %s", e.Reason)
}

// IsInvalidCounterparty reports whether err is a counterparty rejection.
func IsInvalidCounterparty(err error) bool {
	var ic *InvalidCounterpartyError
	return errors.As(err, &ic)
}

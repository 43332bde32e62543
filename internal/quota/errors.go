package quota

import "errors"

var (
	// ErrAccountNotFound is returned for tenants without a quota account
	ErrAccountNotFound = errors.New("quota account not found")

	// ErrInvalidAmount is returned when a non-positive amount is requested
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidPlan is returned for unknown plan tier names
	ErrInvalidPlan = errors.New("unknown plan tier")
)

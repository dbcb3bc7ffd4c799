package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrTenantRequired occurs when a request reaches a store without a resolved tenant.
	ErrTenantRequired = errors.New("tenant scope required")
)

package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRefresh    = errors.New("invalid_refresh_token")
	ErrRefreshExpired    = errors.New("refresh_token_expired")
	ErrReuseDetected     = errors.New("refresh_token_reuse_detected")
	ErrPrincipalInactive = errors.New("principal_inactive")
	ErrStorageFailure    = errors.New("storage_failure")
)

// storageFailure keeps the driver error in the chain for logs while callers
// match on ErrStorageFailure.
func storageFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
}

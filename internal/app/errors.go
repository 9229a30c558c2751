package app

import "errors"

var (
	// ErrValidation indicates a request field failed input validation.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates no live asset matches the owner and public ID.
	ErrNotFound = errors.New("image not found")
	// ErrQuotaApplyFailed indicates the asset was uploaded and registered
	// but the quota counters could not be incremented. The record is kept;
	// counters may under-count until reconciled out of band.
	ErrQuotaApplyFailed = errors.New("quota apply failed after registration")
	// ErrInvalidCredentials indicates a failed login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailTaken indicates the email is already registered.
	ErrEmailTaken = errors.New("email already registered")
	// ErrCodeRateLimited indicates a verification code was requested again
	// inside the resend cooldown.
	ErrCodeRateLimited = errors.New("verification code requested too soon")
)

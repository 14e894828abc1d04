package model

import "errors"

var (
	// ErrNotFound is returned for a domain that is not in the registry.
	ErrNotFound = errors.New("domain not found")
	// ErrNotReady is returned when no certificate has been issued yet.
	ErrNotReady = errors.New("certificate not ready")
	// ErrConfigInvalid is returned when a domain's provider configuration
	// cannot be used to request a certificate.
	ErrConfigInvalid = errors.New("configuration invalid")
)

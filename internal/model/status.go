package model

// Status is the lifecycle state of a domain's certificate.
type Status string

// Certificate lifecycle status constants.
const (
	StatusUnissued     Status = "unissued"
	StatusPending      Status = "pending"
	StatusValid        Status = "valid"
	StatusExpiringSoon Status = "expiring_soon"
	StatusRenewing     Status = "renewing"
	StatusFailed       Status = "failed"
)

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusUnissued, StatusPending, StatusValid, StatusExpiringSoon, StatusRenewing, StatusFailed:
		return true
	}
	return false
}

// ErrorKind classifies why an issuance or renewal attempt failed.
type ErrorKind string

const (
	ErrorAuthFailure      ErrorKind = "auth_failure"
	ErrorRateLimited      ErrorKind = "rate_limited"
	ErrorChallengeFailure ErrorKind = "challenge_failure"
	ErrorTransient        ErrorKind = "transient"
	ErrorConfigInvalid    ErrorKind = "config_invalid"
	ErrorUnknown          ErrorKind = "unknown"
)

// Retryable reports whether the scheduler is expected to clear the failure on
// its own. Non-retryable kinds are still attempted once per tick, but need an
// operator to fix the configuration before they can succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorTransient, ErrorChallengeFailure, ErrorRateLimited:
		return true
	}
	return false
}

package model

import "time"

// LastError is the last classified failure recorded for a domain.
type LastError struct {
	Kind    ErrorKind `json:"kind" yaml:"kind" db:"last_error_kind"`
	Message string    `json:"message" yaml:"message" db:"last_error_message"`
}

// CertificateRecord is the lifecycle state of one domain's certificate.
type CertificateRecord struct {
	Domain        string     `json:"domain" yaml:"domain" db:"domain"`
	Status        Status     `json:"status" yaml:"status" db:"status"`
	NotBefore     *time.Time `json:"not_before,omitempty" yaml:"not_before,omitempty" db:"not_before"`
	NotAfter      *time.Time `json:"not_after,omitempty" yaml:"not_after,omitempty" db:"not_after"`
	CertPath      string     `json:"cert_path,omitempty" yaml:"cert_path,omitempty" db:"cert_path"`
	KeyPath       string     `json:"key_path,omitempty" yaml:"key_path,omitempty" db:"key_path"`
	LastError     *LastError `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" yaml:"last_attempt_at,omitempty" db:"last_attempt_at"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty" yaml:"last_success_at,omitempty" db:"last_success_at"`
	UpdatedAt     time.Time  `json:"updated_at" yaml:"updated_at" db:"updated_at"`
}

// NewCertificateRecord returns the initial record for a domain that has never
// been issued a certificate.
func NewCertificateRecord(domain string, now time.Time) CertificateRecord {
	return CertificateRecord{
		Domain:    domain,
		Status:    StatusUnissued,
		UpdatedAt: now,
	}
}

// HasArtifacts reports whether the record points at a previously issued
// certificate and key.
func (r CertificateRecord) HasArtifacts() bool {
	return r.CertPath != "" && r.KeyPath != "" && r.NotAfter != nil
}

// Clone returns a deep copy of the record so callers can mutate it freely.
func (r CertificateRecord) Clone() CertificateRecord {
	c := r
	c.NotBefore = cloneTime(r.NotBefore)
	c.NotAfter = cloneTime(r.NotAfter)
	c.LastAttemptAt = cloneTime(r.LastAttemptAt)
	c.LastSuccessAt = cloneTime(r.LastSuccessAt)
	if r.LastError != nil {
		le := *r.LastError
		c.LastError = &le
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// InRenewalWindow reports whether now is at or past NotAfter minus threshold.
// A record without a known expiry is always inside the window.
func (r CertificateRecord) InRenewalWindow(now time.Time, threshold time.Duration) bool {
	if r.NotAfter == nil {
		return true
	}
	return !now.Before(r.NotAfter.Add(-threshold))
}

// StatusForExpiry is the status of a record holding a good certificate.
func StatusForExpiry(notAfter, now time.Time, threshold time.Duration) Status {
	if !now.Before(notAfter.Add(-threshold)) {
		return StatusExpiringSoon
	}
	return StatusValid
}

package lifecycle

import (
	"time"

	"github.com/edvin/lazyacme/internal/model"
)

// IsDue reports whether a resting record needs an issuance attempt. Records
// that are renewing are never due here; the caller decides whether a renewing
// record is stale.
func IsDue(rec model.CertificateRecord, now time.Time, threshold time.Duration) bool {
	switch rec.Status {
	case model.StatusUnissued, model.StatusPending:
		return true
	case model.StatusValid, model.StatusExpiringSoon, model.StatusFailed:
		return rec.InRenewalWindow(now, threshold)
	}
	return false
}

// EffectiveStatus reports a valid record inside the renewal window as
// expiring_soon.
func EffectiveStatus(rec model.CertificateRecord, now time.Time, threshold time.Duration) model.Status {
	if rec.Status == model.StatusValid && rec.InRenewalWindow(now, threshold) {
		return model.StatusExpiringSoon
	}
	return rec.Status
}

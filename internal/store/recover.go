package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/edvin/lazyacme/internal/crypto"
	"github.com/edvin/lazyacme/internal/model"
	"github.com/edvin/lazyacme/internal/platform"
)

// Recover repairs records after a restart. It is run once at startup before
// any worker is admitted, so no record can legitimately be renewing. A record
// is re-derived from the newest complete artifact generation when it is
// stale, points at missing files or predates that generation.
func (s *Store) Recover(ctx context.Context, threshold time.Duration) (int, error) {
	healed := 0
	for _, rec := range s.List() {
		next, changed, err := s.recoverOne(rec, threshold)
		if err != nil {
			s.logger.Warn().Err(err).Str("domain", rec.Domain).Msg("ignoring unusable artifacts")
		}
		if !changed {
			continue
		}
		if _, err := s.Upsert(ctx, rec.Domain, func(r *model.CertificateRecord) error {
			*r = next
			return nil
		}); err != nil {
			return healed, fmt.Errorf("recover %s: %w", rec.Domain, err)
		}
		s.logger.Info().
			Str("domain", rec.Domain).
			Str("from", string(rec.Status)).
			Str("to", string(next.Status)).
			Msg("recovered certificate record")
		healed++
	}
	return healed, nil
}

func (s *Store) recoverOne(rec model.CertificateRecord, threshold time.Duration) (model.CertificateRecord, bool, error) {
	now := s.now()
	next := rec.Clone()
	changed := false

	if next.HasArtifacts() && !(fileExists(next.CertPath) && fileExists(next.KeyPath)) {
		next.CertPath, next.KeyPath = "", ""
		next.NotBefore, next.NotAfter = nil, nil
		changed = true
	}

	latest, ok, err := s.artifacts.Latest(rec.Domain)
	if err == nil && ok && (!next.HasArtifacts() || latest.Generation > GenerationOf(next.CertPath)) {
		var adopted model.CertificateRecord
		adopted, err = s.adopt(next, latest, now, threshold)
		if err == nil {
			next = adopted
			changed = true
		}
	}

	if !changed && next.Status != model.StatusRenewing {
		return rec, false, err
	}
	return settle(next, now, threshold), true, err
}

// settle picks the status a record resting without a worker should have
// given the artifacts it points at.
func settle(r model.CertificateRecord, now time.Time, threshold time.Duration) model.CertificateRecord {
	switch {
	case r.HasArtifacts() && r.Status == model.StatusFailed:
	case r.HasArtifacts():
		r.Status = model.StatusForExpiry(*r.NotAfter, now, threshold)
	case r.Status == model.StatusRenewing || r.Status == model.StatusValid || r.Status == model.StatusExpiringSoon:
		r.Status = model.StatusPending
	}
	return r
}

func (s *Store) adopt(r model.CertificateRecord, set ArtifactSet, now time.Time, threshold time.Duration) (model.CertificateRecord, error) {
	chain, err := os.ReadFile(set.CertPath)
	if err != nil {
		return r, err
	}
	key, err := os.ReadFile(set.KeyPath)
	if err != nil {
		return r, err
	}
	leaf, err := crypto.ValidateKeyPair(chain, key, r.Domain)
	if err != nil {
		return r, fmt.Errorf("generation %s: %w", set.Generation, err)
	}

	notBefore, notAfter := leaf.NotBefore, leaf.NotAfter
	r.NotBefore, r.NotAfter = &notBefore, &notAfter
	r.CertPath, r.KeyPath = set.CertPath, set.KeyPath
	if t, ok := platform.GenerationTime(set.Generation); ok && (r.LastSuccessAt == nil || t.After(*r.LastSuccessAt)) {
		r.LastSuccessAt = &t
		r.LastError = nil
		r.Status = model.StatusForExpiry(notAfter, now, threshold)
	}
	return r, nil
}

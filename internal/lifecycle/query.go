package lifecycle

import (
	"context"
	"fmt"

	"github.com/edvin/lazyacme/internal/model"
)

// Artifact is the content of a certificate or key together with the record
// it belongs to.
type Artifact struct {
	Record model.CertificateRecord
	PEM    []byte
}

// Status returns the record of domain with its effective status.
func (s *Service) Status(domain string) (model.CertificateRecord, error) {
	rec, err := s.store.Get(domain)
	if err != nil {
		return model.CertificateRecord{}, err
	}
	rec.Status = EffectiveStatus(rec, s.now(), s.threshold)
	return rec, nil
}

// List returns every configured domain's record with its effective status.
func (s *Service) List() []model.CertificateRecord {
	now := s.now()
	records := s.store.List()
	for i := range records {
		records[i].Status = EffectiveStatus(records[i], now, s.threshold)
	}
	return records
}

// FetchCertificate returns the last known-good chain, also while the domain
// is expiring, renewing or failed.
func (s *Service) FetchCertificate(ctx context.Context, domain string) (Artifact, error) {
	return s.fetch(domain, func(r model.CertificateRecord) string { return r.CertPath })
}

// FetchKey returns the private key matching FetchCertificate.
func (s *Service) FetchKey(ctx context.Context, domain string) (Artifact, error) {
	return s.fetch(domain, func(r model.CertificateRecord) string { return r.KeyPath })
}

func (s *Service) fetch(domain string, path func(model.CertificateRecord) string) (Artifact, error) {
	rec, err := s.Status(domain)
	if err != nil {
		return Artifact{}, err
	}
	if !rec.HasArtifacts() {
		return Artifact{}, fmt.Errorf("%s: %w", domain, model.ErrNotReady)
	}
	data, err := s.store.ReadArtifact(path(rec))
	if err != nil {
		return Artifact{}, fmt.Errorf("%s: %w", domain, err)
	}
	return Artifact{Record: rec, PEM: data}, nil
}

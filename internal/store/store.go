// Package store owns the durable lifecycle record of every configured domain
// and the certificate artifacts those records point at.
package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/lazyacme/internal/model"
)

// keepPreviousGenerations is how many superseded generations survive a prune.
const keepPreviousGenerations = 1

type slot struct {
	mu  sync.Mutex
	rec model.CertificateRecord
}

type Store struct {
	repo      Repository
	artifacts *Artifacts
	mirror    Mirror
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	order []string
	live  map[string]*slot
	// dormant holds persisted records of domains that are not configured.
	dormant map[string]model.CertificateRecord
}

type Option func(*Store)

// WithMirror copies every published generation to m.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithClock overrides the time source used for bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(repo Repository, artifacts *Artifacts, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		repo:      repo,
		artifacts: artifacts,
		logger:    logger.With().Str("component", "store").Logger(),
		now:       time.Now,
		live:      make(map[string]*slot),
		dormant:   make(map[string]model.CertificateRecord),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open loads every persisted record. Records only become visible through
// Get and List once Sync registers their domain.
func (s *Store) Open(ctx context.Context) error {
	records, err := s.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if sl, ok := s.live[rec.Domain]; ok {
			sl.mu.Lock()
			sl.rec = rec
			sl.mu.Unlock()
			continue
		}
		s.dormant[rec.Domain] = rec
	}
	s.logger.Debug().Int("records", len(records)).Msg("loaded persisted records")
	return nil
}

// Sync reconciles the live view with a freshly loaded registry. New domains
// get their persisted record back or a new unissued one; removed domains
// leave the live view but stay persisted.
func (s *Store) Sync(ctx context.Context, entries []model.DomainEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*slot, len(entries))
	order := make([]string, 0, len(entries))
	var created []model.CertificateRecord

	for _, e := range entries {
		if _, dup := next[e.Name]; dup {
			continue
		}
		order = append(order, e.Name)
		if sl, ok := s.live[e.Name]; ok {
			next[e.Name] = sl
			continue
		}
		if rec, ok := s.dormant[e.Name]; ok {
			next[e.Name] = &slot{rec: rec}
			delete(s.dormant, e.Name)
			continue
		}
		rec := model.NewCertificateRecord(e.Name, s.now())
		next[e.Name] = &slot{rec: rec}
		created = append(created, rec)
	}

	for name, sl := range s.live {
		if _, ok := next[name]; !ok {
			sl.mu.Lock()
			s.dormant[name] = sl.rec
			sl.mu.Unlock()
		}
	}

	s.live = next
	s.order = order

	for _, rec := range created {
		if err := s.repo.Save(ctx, rec); err != nil {
			return fmt.Errorf("create record for %s: %w", rec.Domain, err)
		}
	}
	if len(created) > 0 {
		s.logger.Info().Int("created", len(created)).Msg("created records for new domains")
	}
	return nil
}

func (s *Store) lookup(domain string) (*slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.live[domain]
	return sl, ok
}

// Get returns a copy of the record for a configured domain.
func (s *Store) Get(domain string) (model.CertificateRecord, error) {
	sl, ok := s.lookup(domain)
	if !ok {
		return model.CertificateRecord{}, fmt.Errorf("%s: %w", domain, model.ErrNotFound)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.rec.Clone(), nil
}

// List returns copies of every live record in registry load order.
func (s *Store) List() []model.CertificateRecord {
	s.mu.RLock()
	slots := make([]*slot, 0, len(s.order))
	for _, name := range s.order {
		slots = append(slots, s.live[name])
	}
	s.mu.RUnlock()

	out := make([]model.CertificateRecord, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		out = append(out, sl.rec.Clone())
		sl.mu.Unlock()
	}
	return out
}

// Upsert applies mutate to a copy of the domain's record and persists the
// result. The live record only changes once the write succeeded; an error
// from mutate aborts the transition.
func (s *Store) Upsert(ctx context.Context, domain string, mutate func(*model.CertificateRecord) error) (model.CertificateRecord, error) {
	sl, ok := s.lookup(domain)
	if !ok {
		return model.CertificateRecord{}, fmt.Errorf("%s: %w", domain, model.ErrNotFound)
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	next := sl.rec.Clone()
	if err := mutate(&next); err != nil {
		return model.CertificateRecord{}, err
	}
	next.Domain = domain
	next.UpdatedAt = s.now()

	if err := s.repo.Save(ctx, next); err != nil {
		return model.CertificateRecord{}, err
	}
	sl.rec = next
	return next.Clone(), nil
}

// Publish durably writes a new artifact generation and mirrors it when a
// mirror is configured. Mirror failures are logged and otherwise ignored.
func (s *Store) Publish(ctx context.Context, domain string, chain, key []byte) (ArtifactSet, error) {
	set, err := s.artifacts.Publish(domain, chain, key, s.now())
	if err != nil {
		return ArtifactSet{}, fmt.Errorf("publish %s: %w", domain, err)
	}
	if s.mirror != nil {
		if err := s.mirror.Put(ctx, domain, set.Generation, chain, key); err != nil {
			s.logger.Warn().Err(err).Str("domain", domain).Str("generation", set.Generation).Msg("artifact mirror upload failed")
		}
	}
	return set, nil
}

// Prune removes superseded generations, keeping current and one previous.
func (s *Store) Prune(domain, current string) error {
	return s.artifacts.Prune(domain, current, keepPreviousGenerations)
}

// ReadArtifact returns the content of a file a record points at.
func (s *Store) ReadArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

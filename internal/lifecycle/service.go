// Package lifecycle decides when certificates are issued or renewed and runs
// one worker per admitted domain.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/edvin/lazyacme/internal/acme"
	"github.com/edvin/lazyacme/internal/lock"
	"github.com/edvin/lazyacme/internal/metrics"
	"github.com/edvin/lazyacme/internal/model"
	"github.com/edvin/lazyacme/internal/platform"
	"github.com/edvin/lazyacme/internal/registry"
	"github.com/edvin/lazyacme/internal/store"
)

// Trigger names what caused an attempt.
type Trigger string

const (
	TriggerScheduler Trigger = "scheduler"
	TriggerAPI       Trigger = "api"
)

// IssueOutcome is the non-error result of RequestIssue.
type IssueOutcome string

const (
	OutcomeAdmitted     IssueOutcome = "admitted"
	OutcomeInProgress   IssueOutcome = "in_progress"
	OutcomeAlreadyValid IssueOutcome = "already_valid"
)

// ErrClosing is returned for requests that arrive after Shutdown started.
var ErrClosing = errors.New("service is shutting down")

var (
	errBusy   = errors.New("renewal already in progress")
	errNotDue = errors.New("renewal not due")
)

// Options tune the service. Zero values select the defaults.
type Options struct {
	Threshold     time.Duration
	MaxConcurrent int
	Now           func() time.Time
}

type Service struct {
	registry  *registry.Registry
	store     *store.Store
	locks     *lock.Table
	executor  acme.Executor
	logger    zerolog.Logger
	threshold time.Duration
	now       func() time.Time
	slots     *semaphore.Weighted

	// admitCtx is cancelled on shutdown and aborts workers still waiting for
	// a slot. execCtx is only cancelled when the drain deadline passes.
	admitCtx    context.Context
	stopAdmit   context.CancelFunc
	execCtx     context.Context
	stopExecute context.CancelFunc

	mu      sync.Mutex
	closing bool
	workers sync.WaitGroup
}

func NewService(reg *registry.Registry, st *store.Store, locks *lock.Table, executor acme.Executor, logger zerolog.Logger, opts Options) *Service {
	if opts.Threshold <= 0 {
		opts.Threshold = 30 * 24 * time.Hour
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{
		registry:  reg,
		store:     st,
		locks:     locks,
		executor:  executor,
		logger:    logger.With().Str("component", "lifecycle").Logger(),
		threshold: opts.Threshold,
		now:       opts.Now,
		slots:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
	s.admitCtx, s.stopAdmit = context.WithCancel(context.Background())
	s.execCtx, s.stopExecute = context.WithCancel(context.Background())
	return s
}

// Init creates missing records for the configured domains and repairs
// records left inconsistent by a previous run. It must complete before the
// scheduler or API start.
func (s *Service) Init(ctx context.Context) error {
	if err := s.store.Sync(ctx, s.registry.List()); err != nil {
		return fmt.Errorf("sync records: %w", err)
	}
	healed, err := s.store.Recover(ctx, s.threshold)
	if err != nil {
		return fmt.Errorf("recover records: %w", err)
	}
	for _, rec := range s.store.List() {
		if rec.NotAfter != nil {
			metrics.SetCertificateExpiry(rec.Domain, *rec.NotAfter)
		}
	}
	s.logger.Info().Int("domains", s.registry.Len()).Int("recovered", healed).Msg("certificate records ready")
	return nil
}

// Reload installs a new domain set and reconciles the records with it.
func (s *Service) Reload(ctx context.Context, entries []model.DomainEntry) error {
	removed := s.registry.Replace(entries)
	if err := s.store.Sync(ctx, entries); err != nil {
		return fmt.Errorf("sync records: %w", err)
	}
	for _, name := range removed {
		metrics.ForgetDomain(name)
	}
	s.logger.Info().Int("domains", len(entries)).Strs("removed", removed).Msg("domain configuration reloaded")
	return nil
}

// Domain returns the configured entry for name.
func (s *Service) Domain(name string) (model.DomainEntry, error) {
	e, ok := s.registry.Get(name)
	if !ok {
		return model.DomainEntry{}, fmt.Errorf("%s: %w", name, model.ErrNotFound)
	}
	return e, nil
}

// due reports whether rec should be admitted. A renewing record whose lock
// is not held was abandoned by a failed store write and is due again.
func (s *Service) due(rec model.CertificateRecord, now time.Time) bool {
	if rec.Status == model.StatusRenewing {
		return !s.locks.Held(rec.Domain)
	}
	return IsDue(rec, now, s.threshold)
}

// RequestIssue admits an on-demand issuance through the same path as the
// scheduler.
func (s *Service) RequestIssue(ctx context.Context, domain string) (IssueOutcome, error) {
	entry, err := s.Domain(domain)
	if err != nil {
		return "", err
	}
	if v, ok := s.executor.(acme.Validator); ok {
		if err := v.Validate(entry); err != nil {
			if !errors.Is(err, model.ErrConfigInvalid) {
				err = fmt.Errorf("%w: %v", model.ErrConfigInvalid, err)
			}
			return "", err
		}
	}

	rec, err := s.store.Get(domain)
	if err != nil {
		return "", err
	}
	if s.locks.Held(domain) {
		return OutcomeInProgress, nil
	}
	if !s.due(rec, s.now()) {
		return OutcomeAlreadyValid, nil
	}

	switch err := s.admit(ctx, entry, TriggerAPI); {
	case err == nil:
		return OutcomeAdmitted, nil
	case errors.Is(err, errBusy):
		return OutcomeInProgress, nil
	case errors.Is(err, errNotDue):
		return OutcomeAlreadyValid, nil
	default:
		return "", err
	}
}

// admit claims the domain lock, marks the record renewing and starts a
// worker. The due condition is checked again under the lock.
func (s *Service) admit(ctx context.Context, entry model.DomainEntry, trigger Trigger) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrClosing
	}
	s.workers.Add(1)
	s.mu.Unlock()

	if !s.locks.TryAcquire(entry.Name) {
		s.workers.Done()
		return errBusy
	}

	now := s.now()
	var previous model.Status
	_, err := s.store.Upsert(ctx, entry.Name, func(r *model.CertificateRecord) error {
		if r.Status != model.StatusRenewing && !IsDue(*r, now, s.threshold) {
			return errNotDue
		}
		previous = r.Status
		if previous == model.StatusRenewing {
			previous = model.StatusPending
			if r.HasArtifacts() {
				previous = model.StatusForExpiry(*r.NotAfter, now, s.threshold)
			}
		}
		r.Status = model.StatusRenewing
		return nil
	})
	if err != nil {
		s.locks.Release(entry.Name)
		s.workers.Done()
		return err
	}

	go s.work(entry, previous, trigger)
	return nil
}

// work runs one attempt. It owns the domain lock and always releases it.
func (s *Service) work(entry model.DomainEntry, previous model.Status, trigger Trigger) {
	defer s.workers.Done()
	defer s.locks.Release(entry.Name)

	metrics.RenewalStarted()
	defer metrics.RenewalFinished()

	logger := s.logger.With().
		Str("domain", entry.Name).
		Str("attempt_id", platform.NewID()).
		Str("trigger", string(trigger)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("renewal worker panicked")
			s.fail(logger, entry.Name, trigger, 0, &acme.Error{Kind: model.ErrorUnknown, Detail: "internal error during renewal"})
		}
	}()

	if err := s.slots.Acquire(s.admitCtx, 1); err != nil {
		s.revert(logger, entry.Name, previous)
		return
	}
	defer s.slots.Release(1)

	logger.Info().Str("provider", entry.DNSProvider).Msg("renewal started")
	start := time.Now()
	issued, err := s.executor.Execute(s.execCtx, entry)
	took := time.Since(start)
	if err != nil {
		s.fail(logger, entry.Name, trigger, took, err)
		return
	}
	s.succeed(logger, entry.Name, trigger, took, issued)
}

func (s *Service) succeed(logger zerolog.Logger, domain string, trigger Trigger, took time.Duration, issued *acme.Issued) {
	ctx := context.Background()

	set, err := s.store.Publish(ctx, domain, issued.Certificate, issued.PrivateKey)
	if err != nil {
		s.fail(logger, domain, trigger, took, &acme.Error{Kind: model.ErrorUnknown, Detail: "failed to store issued certificate", Err: err})
		return
	}

	now := s.now()
	notBefore, notAfter := issued.NotBefore, issued.NotAfter
	rec, err := s.store.Upsert(ctx, domain, func(r *model.CertificateRecord) error {
		r.Status = model.StatusForExpiry(notAfter, now, s.threshold)
		r.NotBefore, r.NotAfter = &notBefore, &notAfter
		r.CertPath, r.KeyPath = set.CertPath, set.KeyPath
		r.LastError = nil
		r.LastAttemptAt = &now
		r.LastSuccessAt = &now
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Str("generation", set.Generation).Msg("failed to record issued certificate")
		metrics.ObserveRenewal(string(trigger), metrics.OutcomeFailure, model.ErrorUnknown, took)
		return
	}

	if err := s.store.Prune(domain, set.Generation); err != nil {
		logger.Warn().Err(err).Msg("failed to prune old certificate generations")
	}

	metrics.ObserveRenewal(string(trigger), metrics.OutcomeSuccess, "", took)
	metrics.SetCertificateExpiry(domain, notAfter)
	logger.Info().
		Str("status", string(rec.Status)).
		Time("not_after", notAfter).
		Dur("duration", took).
		Msg("certificate issued")
}

func (s *Service) fail(logger zerolog.Logger, domain string, trigger Trigger, took time.Duration, err error) {
	kind := acme.KindOf(err)
	detail := err.Error()
	var ae *acme.Error
	if errors.As(err, &ae) && ae.Detail != "" {
		detail = ae.Detail
	}

	now := s.now()
	if _, uerr := s.store.Upsert(context.Background(), domain, func(r *model.CertificateRecord) error {
		r.Status = model.StatusFailed
		r.LastError = &model.LastError{Kind: kind, Message: detail}
		r.LastAttemptAt = &now
		return nil
	}); uerr != nil {
		logger.Error().Err(uerr).Msg("failed to record renewal failure")
	}

	metrics.ObserveRenewal(string(trigger), metrics.OutcomeFailure, kind, took)
	logger.Warn().
		Err(err).
		Str("kind", string(kind)).
		Bool("retryable", kind.Retryable()).
		Dur("duration", took).
		Msg("renewal failed")
}

// revert restores the status a record had before admission. Used for
// workers cancelled before they started.
func (s *Service) revert(logger zerolog.Logger, domain string, previous model.Status) {
	if _, err := s.store.Upsert(context.Background(), domain, func(r *model.CertificateRecord) error {
		r.Status = previous
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("failed to revert cancelled renewal")
		return
	}
	logger.Info().Str("status", string(previous)).Msg("renewal cancelled before start")
}

// Shutdown stops admitting work, cancels workers still waiting for a slot
// and waits for in-flight attempts. When ctx expires first the remaining
// executor invocations are cancelled and awaited.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stopAdmit()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stopExecute()
		return nil
	case <-ctx.Done():
		s.logger.Warn().Int("in_flight", s.locks.Len()).Msg("drain timeout reached, cancelling in-flight renewals")
		s.stopExecute()
		<-done
		return ctx.Err()
	}
}

// InFlight is the number of domains with an active worker.
func (s *Service) InFlight() int {
	return s.locks.Len()
}

package lifecycle

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/edvin/lazyacme/internal/acme"
	"github.com/edvin/lazyacme/internal/lock"
	"github.com/edvin/lazyacme/internal/model"
	"github.com/edvin/lazyacme/internal/registry"
	"github.com/edvin/lazyacme/internal/store"
)

const testThreshold = 30 * 24 * time.Hour

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func issue(t *testing.T, domain string, notAfter time.Time) *acme.Issued {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{"*." + domain, domain},
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	return &acme.Issued{
		Certificate: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PrivateKey:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		NotBefore:   template.NotBefore,
		NotAfter:    template.NotAfter,
	}
}

// fakeExecutor issues a 90 day certificate unless fail is set. When gate is
// non-nil every call blocks until it is closed or ctx is done.
type fakeExecutor struct {
	t     *testing.T
	clock *fakeClock
	calls atomic.Int32

	mu      sync.Mutex
	gate    chan struct{}
	started chan string
	fail    error
	panics  bool
}

func (f *fakeExecutor) Execute(ctx context.Context, entry model.DomainEntry) (*acme.Issued, error) {
	f.calls.Add(1)
	f.mu.Lock()
	gate, started, fail, panics := f.gate, f.started, f.fail, f.panics
	f.mu.Unlock()

	if started != nil {
		started <- entry.Name
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &acme.Error{Kind: model.ErrorTransient, Detail: "acme client interrupted", Err: ctx.Err()}
		}
	}
	if panics {
		panic("executor exploded")
	}
	if fail != nil {
		return nil, fail
	}
	return issue(f.t, entry.Name, f.clock.Now().Add(90*24*time.Hour)), nil
}

func (f *fakeExecutor) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeExecutor) block() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

type validatingExecutor struct {
	*fakeExecutor
	err error
}

func (v *validatingExecutor) Validate(model.DomainEntry) error { return v.err }

type harness struct {
	svc   *Service
	sched *Scheduler
	store *store.Store
	exec  *fakeExecutor
	clock *fakeClock
}

func newHarness(t *testing.T, maxConcurrent int, domains ...string) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
	exec := &fakeExecutor{t: t, clock: clock}
	return newHarnessWith(t, clock, exec, exec, maxConcurrent, domains...)
}

func newHarnessWith(t *testing.T, clock *fakeClock, fake *fakeExecutor, executor acme.Executor, maxConcurrent int, domains ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.NewFileRepository(filepath.Join(dir, "records"))
	require.NoError(t, err)
	artifacts, err := store.NewArtifacts(filepath.Join(dir, "certificates"))
	require.NoError(t, err)
	st := store.New(repo, artifacts, zerolog.Nop(), store.WithClock(clock.Now))

	entries := make([]model.DomainEntry, 0, len(domains))
	for _, d := range domains {
		entries = append(entries, model.DomainEntry{Name: d, DNSProvider: "cloudflare"})
	}

	svc := NewService(registry.New(entries), st, lock.NewTable(), executor, zerolog.Nop(), Options{
		Threshold:     testThreshold,
		MaxConcurrent: maxConcurrent,
		Now:           clock.Now,
	})
	ctx := context.Background()
	require.NoError(t, st.Open(ctx))
	require.NoError(t, svc.Init(ctx))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return &harness{
		svc:   svc,
		sched: NewScheduler(svc, time.Hour, zerolog.Nop()),
		store: st,
		exec:  fake,
		clock: clock,
	}
}

func (h *harness) waitStatus(t *testing.T, domain string, want model.Status) model.CertificateRecord {
	t.Helper()
	var rec model.CertificateRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = h.store.Get(domain)
		return err == nil && rec.Status == want && h.svc.InFlight() == 0
	}, 5*time.Second, 5*time.Millisecond, "domain %s never reached %s", domain, want)
	return rec
}

// makeValid drives domain through a successful issuance.
func (h *harness) makeValid(t *testing.T, domain string) model.CertificateRecord {
	t.Helper()
	outcome, err := h.svc.RequestIssue(context.Background(), domain)
	require.NoError(t, err)
	require.Equal(t, OutcomeAdmitted, outcome)
	return h.waitStatus(t, domain, model.StatusValid)
}

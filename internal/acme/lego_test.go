package acme

import (
	"context"
	"crypto/ecdsa"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/lazyacme/internal/model"
)

func newLegoExecutor(t *testing.T) (*LegoExecutor, string) {
	t.Helper()
	dir := t.TempDir()
	e := NewLegoExecutor(dir, filepath.Join(dir, "account.key"), "ops@example.com",
		"https://acme-staging-v02.api.letsencrypt.org/directory", time.Minute, zerolog.Nop())
	return e, dir
}

func TestLegoExecutor_ValidateRequiresCloudflare(t *testing.T) {
	e, _ := newLegoExecutor(t)

	err := e.Validate(model.DomainEntry{Name: "example.com", DNSProvider: "route53"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConfigInvalid)
	assert.Contains(t, err.Error(), "not supported")
}

func TestLegoExecutor_ValidateRequiresToken(t *testing.T) {
	e, dir := newLegoExecutor(t)
	entry := model.DomainEntry{Name: "example.com", DNSProvider: "cloudflare"}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cloudflare.dns.toml"),
		[]byte("cmd = \"lego run\"\napi_token = \"YOUR_CLOUDFLARE_API_TOKEN\"\n"), 0o600))
	err := e.Validate(entry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_token is not set")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cloudflare.dns.toml"),
		[]byte("cmd = \"lego run\"\napi_token = \"cf-token\"\n"), 0o600))
	assert.NoError(t, e.Validate(entry))
}

func TestLegoExecutor_AccountKeyPersisted(t *testing.T) {
	e, dir := newLegoExecutor(t)

	first, err := e.accountKey()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "account.key"))

	second, err := e.accountKey()
	require.NoError(t, err)
	require.IsType(t, &ecdsa.PrivateKey{}, first)
	assert.True(t, first.(*ecdsa.PrivateKey).Equal(second))
}

func TestLegoExecutor_TimedOutOrderBlocksNextOrder(t *testing.T) {
	e, dir := newLegoExecutor(t)
	e.timeout = 100 * time.Millisecond
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cloudflare.dns.toml"),
		[]byte("cmd = \"lego run\"\napi_token = \"cf-token\"\n"), 0o600))
	entry := model.DomainEntry{Name: "example.com", DNSProvider: "cloudflare"}

	chain, key := generateCert(t, "*.example.com", "example.com")
	release := make(chan struct{})
	finished := make(chan struct{})
	var calls atomic.Int32
	e.obtain = func(token string, domains []string) (*certificate.Resource, error) {
		assert.Equal(t, "cf-token", token)
		assert.Equal(t, []string{"*.example.com", "example.com"}, domains)
		if calls.Add(1) == 1 {
			defer close(finished)
			<-release
		}
		return &certificate.Resource{Certificate: chain, PrivateKey: key}, nil
	}

	_, err := e.Execute(context.Background(), entry)
	require.Error(t, err)
	assert.Equal(t, model.ErrorTransient, KindOf(err))

	// The first order is still in flight, so no second order may start.
	_, err = e.Execute(context.Background(), entry)
	require.Error(t, err)
	assert.Equal(t, model.ErrorTransient, KindOf(err))
	assert.Contains(t, err.Error(), "still running")
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	<-finished
	require.Eventually(t, func() bool {
		issued, err := e.Execute(context.Background(), entry)
		return err == nil && issued != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

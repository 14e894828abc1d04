package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/lazyacme/internal/model"
)

const threshold = 30 * 24 * time.Hour

func TestRecover_RenewingWithoutArtifactsBecomesPending(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Sync(ctx, entries("example.com")))
	_, err := s.Upsert(ctx, "example.com", func(r *model.CertificateRecord) error {
		r.Status = model.StatusRenewing
		return nil
	})
	require.NoError(t, err)

	healed, err := s.Recover(ctx, threshold)
	require.NoError(t, err)
	assert.Equal(t, 1, healed)

	rec, _ := s.Get("example.com")
	assert.Equal(t, model.StatusPending, rec.Status)
}

func TestRecover_RenewingWithArtifactsRestoresValidity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Sync(ctx, entries("example.com")))

	chain, key := generateCert(t, "example.com", time.Now().Add(60*24*time.Hour))
	set, err := s.Publish(ctx, "example.com", chain, key)
	require.NoError(t, err)
	notAfter := time.Now().Add(60 * 24 * time.Hour)
	_, err = s.Upsert(ctx, "example.com", func(r *model.CertificateRecord) error {
		r.Status = model.StatusRenewing
		r.CertPath, r.KeyPath, r.NotAfter = set.CertPath, set.KeyPath, &notAfter
		return nil
	})
	require.NoError(t, err)

	_, err = s.Recover(ctx, threshold)
	require.NoError(t, err)

	rec, _ := s.Get("example.com")
	assert.Equal(t, model.StatusValid, rec.Status)
	assert.Equal(t, set.CertPath, rec.CertPath)
}

func TestRecover_AdoptsNewerGeneration(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Sync(ctx, entries("example.com")))

	// A worker that crashed between publishing and updating its record.
	expiry := time.Now().Add(10 * 24 * time.Hour).Truncate(time.Second)
	chain, key := generateCert(t, "example.com", expiry)
	set, err := s.Publish(ctx, "example.com", chain, key)
	require.NoError(t, err)

	healed, err := s.Recover(ctx, threshold)
	require.NoError(t, err)
	assert.Equal(t, 1, healed)

	rec, _ := s.Get("example.com")
	assert.Equal(t, model.StatusExpiringSoon, rec.Status)
	assert.Equal(t, set.CertPath, rec.CertPath)
	require.NotNil(t, rec.NotAfter)
	assert.True(t, expiry.Equal(*rec.NotAfter))
	assert.NotNil(t, rec.LastSuccessAt)
}

func TestRecover_MissingFilesFallsBackToPending(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Sync(ctx, entries("example.com")))

	notAfter := time.Now().Add(60 * 24 * time.Hour)
	_, err := s.Upsert(ctx, "example.com", func(r *model.CertificateRecord) error {
		r.Status = model.StatusValid
		r.CertPath = dir + "/gone/fullchain.pem"
		r.KeyPath = dir + "/gone/privkey.pem"
		r.NotAfter = &notAfter
		return nil
	})
	require.NoError(t, err)

	_, err = s.Recover(ctx, threshold)
	require.NoError(t, err)

	rec, _ := s.Get("example.com")
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.False(t, rec.HasArtifacts())
}

func TestRecover_IgnoresArtifactForWrongDomain(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Sync(ctx, entries("example.com")))

	chain, key := generateCert(t, "other.org", time.Now().Add(60*24*time.Hour))
	_, err := s.Publish(ctx, "example.com", chain, key)
	require.NoError(t, err)

	healed, err := s.Recover(ctx, threshold)
	require.NoError(t, err)
	assert.Equal(t, 0, healed)

	rec, _ := s.Get("example.com")
	assert.Equal(t, model.StatusUnissued, rec.Status)
}

func TestRecover_ConsistentRecordUntouched(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Sync(ctx, entries("example.com")))

	expiry := time.Now().Add(60 * 24 * time.Hour)
	chain, key := generateCert(t, "example.com", expiry)
	set, err := s.Publish(ctx, "example.com", chain, key)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "example.com", func(r *model.CertificateRecord) error {
		r.Status = model.StatusFailed
		r.CertPath, r.KeyPath, r.NotAfter = set.CertPath, set.KeyPath, &expiry
		return nil
	})
	require.NoError(t, err)

	healed, err := s.Recover(ctx, threshold)
	require.NoError(t, err)
	assert.Equal(t, 0, healed)
	rec, _ := s.Get("example.com")
	assert.Equal(t, model.StatusFailed, rec.Status)
	_, statErr := os.Stat(rec.CertPath)
	assert.NoError(t, statErr)
}

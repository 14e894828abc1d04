package handler

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/lazyacme/internal/lifecycle"
	"github.com/edvin/lazyacme/internal/model"
)

// mockCertificateService implements CertificateService for handler tests.
type mockCertificateService struct {
	mock.Mock
}

func (m *mockCertificateService) Domain(name string) (model.DomainEntry, error) {
	args := m.Called(name)
	return args.Get(0).(model.DomainEntry), args.Error(1)
}

func (m *mockCertificateService) RequestIssue(ctx context.Context, domain string) (lifecycle.IssueOutcome, error) {
	args := m.Called(ctx, domain)
	return args.Get(0).(lifecycle.IssueOutcome), args.Error(1)
}

func (m *mockCertificateService) Status(domain string) (model.CertificateRecord, error) {
	args := m.Called(domain)
	return args.Get(0).(model.CertificateRecord), args.Error(1)
}

func (m *mockCertificateService) List() []model.CertificateRecord {
	args := m.Called()
	return args.Get(0).([]model.CertificateRecord)
}

func (m *mockCertificateService) FetchCertificate(ctx context.Context, domain string) (lifecycle.Artifact, error) {
	args := m.Called(ctx, domain)
	return args.Get(0).(lifecycle.Artifact), args.Error(1)
}

func (m *mockCertificateService) FetchKey(ctx context.Context, domain string) (lifecycle.Artifact, error) {
	args := m.Called(ctx, domain)
	return args.Get(0).(lifecycle.Artifact), args.Error(1)
}

type stubScheduler struct {
	state lifecycle.SchedulerState
}

func (s stubScheduler) State() lifecycle.SchedulerState { return s.state }

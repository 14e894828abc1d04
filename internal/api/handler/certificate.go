package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/lazyacme/internal/api/request"
	"github.com/edvin/lazyacme/internal/api/response"
	"github.com/edvin/lazyacme/internal/crypto"
	"github.com/edvin/lazyacme/internal/lifecycle"
	"github.com/edvin/lazyacme/internal/model"
)

// CertificateService is the part of the lifecycle service the certificate
// endpoints use.
type CertificateService interface {
	Domain(name string) (model.DomainEntry, error)
	RequestIssue(ctx context.Context, domain string) (lifecycle.IssueOutcome, error)
	Status(domain string) (model.CertificateRecord, error)
	List() []model.CertificateRecord
	FetchCertificate(ctx context.Context, domain string) (lifecycle.Artifact, error)
	FetchKey(ctx context.Context, domain string) (lifecycle.Artifact, error)
}

type Certificate struct {
	svc CertificateService
}

func NewCertificate(svc CertificateService) *Certificate {
	return &Certificate{svc: svc}
}

// CertificateStatus is the public view of a record. Artifact paths stay
// private to the daemon.
type CertificateStatus struct {
	Domain        string           `json:"domain"`
	DNSProvider   string           `json:"dns_provider,omitempty"`
	Status        model.Status     `json:"status"`
	NotBefore     *time.Time       `json:"not_before,omitempty"`
	NotAfter      *time.Time       `json:"not_after,omitempty"`
	LastError     *model.LastError `json:"last_error,omitempty"`
	LastAttemptAt *time.Time       `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time       `json:"last_success_at,omitempty"`
}

type IssueResponse struct {
	Domain  string                 `json:"domain"`
	Outcome lifecycle.IssueOutcome `json:"outcome"`
	Status  model.Status           `json:"status"`
}

type CertificateResponse struct {
	CertificateStatus
	CertificatePEM    string `json:"certificate_pem"`
	CertificateBase64 string `json:"certificate_base64"`
}

type KeyResponse struct {
	Domain    string       `json:"domain"`
	Status    model.Status `json:"status"`
	KeyPEM    string       `json:"key_pem"`
	KeyBase64 string       `json:"key_base64"`
}

func statusView(rec model.CertificateRecord, provider string) CertificateStatus {
	return CertificateStatus{
		Domain:        rec.Domain,
		DNSProvider:   provider,
		Status:        rec.Status,
		NotBefore:     rec.NotBefore,
		NotAfter:      rec.NotAfter,
		LastError:     rec.LastError,
		LastAttemptAt: rec.LastAttemptAt,
		LastSuccessAt: rec.LastSuccessAt,
	}
}

// Issue requests issuance or renewal of a domain's certificate. The work
// runs in the background; 202 means it was admitted or is already running.
func (h *Certificate) Issue(w http.ResponseWriter, r *http.Request) {
	var req request.IssueCertificate
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Normalize()

	entry, err := h.svc.Domain(req.Domain)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if req.DNS != "" && req.DNS != entry.DNSProvider {
		response.WriteErrorKind(w, http.StatusConflict, string(model.ErrorConfigInvalid),
			fmt.Sprintf("dns provider %q does not match configured provider %q", req.DNS, entry.DNSProvider))
		return
	}

	outcome, err := h.svc.RequestIssue(r.Context(), entry.Name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := IssueResponse{Domain: entry.Name, Outcome: outcome}
	if rec, err := h.svc.Status(entry.Name); err == nil {
		resp.Status = rec.Status
	}

	status := http.StatusAccepted
	if outcome == lifecycle.OutcomeAlreadyValid {
		status = http.StatusOK
	}
	response.WriteJSON(w, status, resp)
}

// wildcardParam parses the optional ?wildcard= query flag.
func wildcardParam(r *http.Request) (bool, error) {
	v := r.URL.Query().Get("wildcard")
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid wildcard value %q", v)
	}
	return b, nil
}

// hasWildcard reports whether the leaf of chain names *.domain.
func hasWildcard(chain []byte, domain string) bool {
	leaf, err := crypto.ParseLeaf(chain)
	if err != nil {
		return false
	}
	for _, n := range leaf.DNSNames {
		if strings.EqualFold(n, "*."+domain) {
			return true
		}
	}
	return false
}

func writeNoWildcard(w http.ResponseWriter, domain string) {
	response.WriteErrorKind(w, http.StatusNotFound, "not_found", fmt.Sprintf("%s: certificate does not cover *.%s", domain, domain))
}

// Get returns the last known-good certificate chain of a domain. With
// ?wildcard=true it is served only if the leaf covers *.domain.
func (h *Certificate) Get(w http.ResponseWriter, r *http.Request) {
	domain, err := request.RequireDomain(chi.URLParam(r, "domain"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	wildcard, err := wildcardParam(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	art, err := h.svc.FetchCertificate(r.Context(), domain)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if wildcard && !hasWildcard(art.PEM, domain) {
		writeNoWildcard(w, domain)
		return
	}

	response.WriteJSON(w, http.StatusOK, CertificateResponse{
		CertificateStatus: statusView(art.Record, h.provider(domain)),
		CertificatePEM:    string(art.PEM),
		CertificateBase64: base64.StdEncoding.EncodeToString(art.PEM),
	})
}

// GetKey returns the private key belonging to the chain served by Get.
func (h *Certificate) GetKey(w http.ResponseWriter, r *http.Request) {
	domain, err := request.RequireDomain(chi.URLParam(r, "domain"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	wildcard, err := wildcardParam(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if wildcard {
		cert, err := h.svc.FetchCertificate(r.Context(), domain)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if !hasWildcard(cert.PEM, domain) {
			writeNoWildcard(w, domain)
			return
		}
	}

	art, err := h.svc.FetchKey(r.Context(), domain)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	response.WriteJSON(w, http.StatusOK, KeyResponse{
		Domain:    art.Record.Domain,
		Status:    art.Record.Status,
		KeyPEM:    string(art.PEM),
		KeyBase64: base64.StdEncoding.EncodeToString(art.PEM),
	})
}

// List returns the status of every configured domain.
func (h *Certificate) List(w http.ResponseWriter, r *http.Request) {
	records := h.svc.List()
	items := make([]CertificateStatus, 0, len(records))
	for _, rec := range records {
		items = append(items, statusView(rec, h.provider(rec.Domain)))
	}
	response.WriteList(w, http.StatusOK, items, len(items))
}

func (h *Certificate) provider(domain string) string {
	if e, err := h.svc.Domain(domain); err == nil {
		return e.DNSProvider
	}
	return ""
}

// writeServiceError maps lifecycle errors to status codes. Unclassified
// errors are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		response.WriteErrorKind(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, model.ErrNotReady):
		response.WriteErrorKind(w, http.StatusTooEarly, "not_ready", err.Error())
	case errors.Is(err, model.ErrConfigInvalid):
		response.WriteErrorKind(w, http.StatusConflict, string(model.ErrorConfigInvalid), err.Error())
	case errors.Is(err, lifecycle.ErrClosing):
		response.WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		response.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

package request

// IssueCertificate asks for a certificate covering Domain and *.Domain. DNS
// optionally names the provider the caller expects to be configured.
type IssueCertificate struct {
	Domain string `json:"domain" validate:"required,fqdn"`
	DNS    string `json:"dns" validate:"omitempty,slug"`
}

// Normalize applies NormalizeDomain to the request's domain.
func (r *IssueCertificate) Normalize() {
	r.Domain = NormalizeDomain(r.Domain)
}

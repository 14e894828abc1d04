// Package acme drives an ACME client for one domain at a time and reduces
// its outcome to an issued key pair or a classified error.
package acme

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edvin/lazyacme/internal/crypto"
	"github.com/edvin/lazyacme/internal/model"
)

// Executor obtains a certificate for one domain. Implementations must honor
// ctx and return a *Error for every failure.
type Executor interface {
	Execute(ctx context.Context, entry model.DomainEntry) (*Issued, error)
}

// Validator is implemented by executors that can check a domain's provider
// configuration without contacting the CA.
type Validator interface {
	Validate(entry model.DomainEntry) error
}

// Issued is a verified certificate chain and its private key.
type Issued struct {
	Certificate []byte
	PrivateKey  []byte
	NotBefore   time.Time
	NotAfter    time.Time
}

// Error is a classified executor failure. Detail is safe to show to API
// clients; it never carries raw client output.
type Error struct {
	Kind   model.ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind model.ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf maps any error returned by an Executor to its kind.
func KindOf(err error) model.ErrorKind {
	var e *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, model.ErrConfigInvalid):
		return model.ErrorConfigInvalid
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return model.ErrorTransient
	}
	return model.ErrorUnknown
}

// finalize checks what the client produced. A zero exit without a usable key
// pair for the domain, or with a certificate already expired at now, is
// reported as unknown.
func finalize(domain string, chain, key []byte, now time.Time) (*Issued, error) {
	leaf, err := crypto.ValidateKeyPair(chain, key, domain)
	if err != nil {
		return nil, newError(model.ErrorUnknown, err, "client reported success but produced no usable certificate: %v", err)
	}
	if !leaf.NotAfter.After(now) {
		return nil, newError(model.ErrorUnknown, nil, "client reported success but the certificate expired at %s", leaf.NotAfter.UTC().Format(time.RFC3339))
	}
	return &Issued{
		Certificate: chain,
		PrivateKey:  key,
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
	}, nil
}

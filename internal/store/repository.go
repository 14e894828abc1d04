package store

import (
	"context"

	"github.com/edvin/lazyacme/internal/model"
)

// Repository persists certificate records. Implementations only need to be
// safe for concurrent use across different domains; writers for the same
// domain are serialized by the Store.
type Repository interface {
	LoadAll(ctx context.Context) ([]model.CertificateRecord, error)
	Save(ctx context.Context, rec model.CertificateRecord) error
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/lazyacme/internal/model"
)

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores records in the certificate_records table.
type PostgresRepository struct {
	db DB
}

func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) LoadAll(ctx context.Context) ([]model.CertificateRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT domain, status, not_before, not_after, cert_path, key_path,
		        last_error_kind, last_error_message, last_attempt_at, last_success_at, updated_at
		 FROM certificate_records ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("list certificate records: %w", err)
	}
	defer rows.Close()

	var records []model.CertificateRecord
	for rows.Next() {
		var rec model.CertificateRecord
		var status string
		var errKind, errMsg *string
		if err := rows.Scan(
			&rec.Domain, &status, &rec.NotBefore, &rec.NotAfter, &rec.CertPath, &rec.KeyPath,
			&errKind, &errMsg, &rec.LastAttemptAt, &rec.LastSuccessAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan certificate record: %w", err)
		}
		rec.Status = model.Status(status)
		if errKind != nil {
			rec.LastError = &model.LastError{Kind: model.ErrorKind(*errKind)}
			if errMsg != nil {
				rec.LastError.Message = *errMsg
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificate records: %w", err)
	}
	return records, nil
}

func (r *PostgresRepository) Save(ctx context.Context, rec model.CertificateRecord) error {
	var errKind, errMsg *string
	if rec.LastError != nil {
		k := string(rec.LastError.Kind)
		errKind, errMsg = &k, &rec.LastError.Message
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO certificate_records
		    (domain, status, not_before, not_after, cert_path, key_path,
		     last_error_kind, last_error_message, last_attempt_at, last_success_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (domain) DO UPDATE SET
		    status = EXCLUDED.status,
		    not_before = EXCLUDED.not_before,
		    not_after = EXCLUDED.not_after,
		    cert_path = EXCLUDED.cert_path,
		    key_path = EXCLUDED.key_path,
		    last_error_kind = EXCLUDED.last_error_kind,
		    last_error_message = EXCLUDED.last_error_message,
		    last_attempt_at = EXCLUDED.last_attempt_at,
		    last_success_at = EXCLUDED.last_success_at,
		    updated_at = EXCLUDED.updated_at`,
		rec.Domain, string(rec.Status), rec.NotBefore, rec.NotAfter, rec.CertPath, rec.KeyPath,
		errKind, errMsg, rec.LastAttemptAt, rec.LastSuccessAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save certificate record %s: %w", rec.Domain, err)
	}
	return nil
}

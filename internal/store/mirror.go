package store

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Mirror receives a copy of every published generation.
type Mirror interface {
	Put(ctx context.Context, domain, generation string, chain, key []byte) error
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror uploads artifacts to an S3-compatible bucket as
// <prefix>/<domain>/<generation>/{fullchain.pem,privkey.pem}.
type S3Mirror struct {
	client objectPutter
	bucket string
	prefix string
}

// S3MirrorConfig holds the connection settings of the mirror bucket.
type S3MirrorConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
}

func NewS3Mirror(cfg S3MirrorConfig) *S3Mirror {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.Endpoint != "",
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return &S3Mirror{client: s3.New(opts), bucket: cfg.Bucket, prefix: cfg.Prefix}
}

func (m *S3Mirror) Put(ctx context.Context, domain, generation string, chain, key []byte) error {
	objects := []struct {
		name string
		body []byte
	}{
		{chainFile, chain},
		{keyFile, key},
	}
	for _, o := range objects {
		objectKey := path.Join(m.prefix, domain, generation, o.name)
		_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(m.bucket),
			Key:                  aws.String(objectKey),
			Body:                 bytes.NewReader(o.body),
			ContentType:          aws.String("application/x-pem-file"),
			ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		})
		if err != nil {
			return fmt.Errorf("upload %s to bucket %s: %w", objectKey, m.bucket, err)
		}
	}
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

const crlContentType = "application/x-pem-file"

// s3API is the subset of the S3 client used by S3Storage.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ ObjectStorage = (*S3Storage)(nil)

// S3Config locates the CRL objects.
type S3Config struct {
	Bucket string
	Prefix string
	// PublicBaseURL is the HTTP prefix relying parties fetch CRLs from. When
	// empty, s3:// URLs are returned.
	PublicBaseURL string
}

// S3Storage publishes CRLs to an S3 bucket.
type S3Storage struct {
	client s3API
	cfg    S3Config
}

// NewS3Storage creates an S3 backed store.
func NewS3Storage(awsConfig aws.Config, cfg S3Config) *S3Storage {
	return &S3Storage{client: s3.NewFromConfig(awsConfig), cfg: cfg}
}

func (s *S3Storage) key(name string) string {
	return path.Join(s.cfg.Prefix, name)
}

// urlPrefix is what url prepends to an object name.
func (s *S3Storage) urlPrefix() string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimSuffix(s.cfg.PublicBaseURL, "/") + "/"
	}
	prefix := fmt.Sprintf("s3://%s/", s.cfg.Bucket)
	if p := strings.Trim(s.cfg.Prefix, "/"); p != "" {
		prefix += p + "/"
	}
	return prefix
}

func (s *S3Storage) url(name string) string {
	return s.urlPrefix() + name
}

// keyForURL maps a URL returned by Upload back to its object key.
func (s *S3Storage) keyForURL(url string) (string, error) {
	name, ok := strings.CutPrefix(url, s.urlPrefix())
	if !ok || name == "" || path.Clean(name) != name || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("url %s is not in bucket %s", url, s.cfg.Bucket)
	}
	return s.key(name), nil
}

func (s *S3Storage) put(ctx context.Context, name, pem string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.key(name)),
		Body:        strings.NewReader(pem),
		ContentType: aws.String(crlContentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to S3: %w", name, err)
	}
	return nil
}

// Upload stores the numbered CRL and refreshes the CA's latest alias.
func (s *S3Storage) Upload(ctx context.Context, caName string, crlNumber int64, pem string) (string, error) {
	name := CRLObjectName(caName, crlNumber)
	if err := s.put(ctx, name, pem); err != nil {
		return "", err
	}
	if err := s.put(ctx, LatestObjectName(caName), pem); err != nil {
		return "", err
	}

	log.Debug().
		Str("bucket", s.cfg.Bucket).
		Str("ca_name", caName).
		Str("key", s.key(name)).
		Int64("crl_number", crlNumber).
		Msg("Uploaded CRL to S3")

	return s.url(name), nil
}

// Download fetches the CRL at url.
func (s *S3Storage) Download(ctx context.Context, url string) (string, error) {
	key, err := s.keyForURL(url)
	if err != nil {
		return "", err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to download CRL: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read CRL: %w", err)
	}
	return string(data), nil
}

// Delete removes the CRL at url.
func (s *S3Storage) Delete(ctx context.Context, url string) error {
	key, err := s.keyForURL(url)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete CRL: %w", err)
	}
	return nil
}

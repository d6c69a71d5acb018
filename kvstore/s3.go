package kvstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/ruteri/tee-workorder-manager/interfaces"
)

// S3Store implements QueueStore on Amazon S3 or a compatible object store.
// Each table maps to a key prefix; Lookup lists objects under it. S3 offers
// read-after-write consistency for single keys, which is all the lifecycle's
// write ordering requires.
type S3Store struct {
	client     *s3.S3
	bucketName string
	prefix     string
	log        *slog.Logger
}

// NewS3Store creates an S3-backed store. Credentials may be empty, in which
// case the default AWS credential chain applies.
func NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Store, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Store{
		client:     s3.New(sess),
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
		log:        log,
	}, nil
}

// Set writes value under key in the named table.
func (s *S3Store) Set(ctx context.Context, table, key, value string) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(table, key)),
		Body:   bytes.NewReader([]byte(value)),
	})
	if err != nil {
		s.log.Error("Failed to put object", slog.String("table", table), slog.String("key", key), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// Get reads the value under key; interfaces.ErrKeyNotFound if absent.
func (s *S3Store) Get(ctx context.Context, table, key string) (string, error) {
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(table, key)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return "", interfaces.ErrKeyNotFound
		}
		return "", fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read object body: %w", err)
	}
	return string(data), nil
}

// Remove deletes key from the table. Absent keys are not an error.
func (s *S3Store) Remove(ctx context.Context, table, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(table, key)),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// Lookup lists all keys in the named table.
func (s *S3Store) Lookup(ctx context.Context, table string) ([]string, error) {
	tablePrefix := s.objectKey(table, "")

	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(tablePrefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.StringValue(obj.Key), tablePrefix))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return keys, nil
}

// Available checks the bucket is reachable.
func (s *S3Store) Available(ctx context.Context) bool {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	if err != nil {
		s.log.Warn("S3 store unavailable", slog.String("bucket", s.bucketName), "err", err)
		return false
	}
	return true
}

// Name returns an identifier for logging.
func (s *S3Store) Name() string {
	return fmt.Sprintf("s3-%s", s.bucketName)
}

func (s *S3Store) objectKey(table, key string) string {
	if s.prefix == "" {
		return path.Join(table, key) + trailingSlashIfEmpty(key)
	}
	return path.Join(s.prefix, table, key) + trailingSlashIfEmpty(key)
}

func trailingSlashIfEmpty(key string) string {
	if key == "" {
		return "/"
	}
	return ""
}

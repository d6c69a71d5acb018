package kvstore

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ruteri/tee-workorder-manager/interfaces"
)

// StoreFactory creates queue store backends from URI strings.
type StoreFactory struct {
	log *slog.Logger
}

// NewStoreFactory creates a new factory instance.
func NewStoreFactory(logger *slog.Logger) *StoreFactory {
	return &StoreFactory{log: logger}
}

// StoreFor creates a queue store from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - mem:// - In-process memory store, for tests and development
//   - file:// - Local filesystem storage
//   - vault:// - HashiCorp Vault KV v2 secrets engine
//   - s3:// - Amazon S3 or compatible object storage
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StoreFactory) StoreFor(locationURI string) (interfaces.QueueStore, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid store URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mem":
		return NewMemoryStore(), nil
	case "file":
		return sf.createFileStore(u)
	case "vault":
		return sf.createVaultStore(u)
	case "s3":
		return sf.createS3Store(u)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", u.Scheme)
	}
}

// createFileStore creates a file system store.
// URI format: file:///absolute/path/ or file://./relative/path/
func (sf *StoreFactory) createFileStore(u *url.URL) (interfaces.QueueStore, error) {
	sf.log.Debug("Creating file store", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", u.String())
	}

	return NewFileStore(path, sf.log)
}

// createVaultStore creates a Vault KV v2 store.
// URI format: vault://host:port/mount/path/?token=...&tls=true
// The token may instead come from the VAULT_TOKEN environment variable.
func (sf *StoreFactory) createVaultStore(u *url.URL) (interfaces.QueueStore, error) {
	sf.log.Debug("Creating Vault store", slog.String("uri", u.String()))

	query := u.Query()
	scheme := "http"
	if query.Get("tls") == "true" {
		scheme = "https"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	pathParts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(pathParts) < 2 || pathParts[0] == "" || pathParts[1] == "" {
		return nil, fmt.Errorf("invalid Vault URI, expected vault://host:port/mount/path")
	}

	return NewVaultStore(address, query.Get("token"), pathParts[0], pathParts[1], sf.log)
}

// createS3Store creates an S3 or S3-compatible store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=us-west-2&endpoint=custom.s3.com
// Without embedded credentials the default AWS credential chain applies.
func (sf *StoreFactory) createS3Store(u *url.URL) (interfaces.QueueStore, error) {
	sf.log.Debug("Creating S3 store", slog.String("uri", u.String()))

	bucketName := u.Host
	if bucketName == "" {
		return nil, fmt.Errorf("missing bucket name in S3 URI: %s", u.String())
	}
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	} else {
		sf.log.Debug("No credentials in S3 URI, using default AWS credential chain")
	}

	return NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey, sf.log)
}

package evidence

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/models"
	gerrors "github.com/chaoschain/gateway/internal/pkg/errors"
	"github.com/chaoschain/gateway/internal/pkg/ulid"
)

// Archive stores serialized evidence packages in content-addressed storage.
// Every failure from Put is operational: the upload may have landed, so the
// engine stalls and lets reconciliation decide. Put never causes FAILED.
type Archive interface {
	Put(ctx context.Context, pkg *models.EvidencePackage) (guard.StorageTxID, error)
	Exists(ctx context.Context, contentHash string) (bool, error)
}

// Storage metadata tag names. The tag set is part of the external contract
// and bit-exact.
const (
	tagVersion     = "ChaosChain-Version"
	tagStudio      = "ChaosChain-Studio"
	tagEpoch       = "ChaosChain-Epoch"
	tagAgent       = "ChaosChain-Agent"
	tagContentHash = "ChaosChain-ContentHash"
)

// S3Archive stores packages in an S3-compatible bucket keyed by content
// hash. Archival is idempotent: re-uploading an existing hash returns the
// same storage id without a second write.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiveConfig holds S3 connection settings.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO/LocalStack
	Prefix   string
}

// NewS3Archive creates an S3-backed archive.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *S3Archive) key(contentHash string) string {
	return a.prefix + "evidence/" + strings.TrimPrefix(contentHash, "0x")
}

// Put uploads the serialized package under its content hash.
func (a *S3Archive) Put(ctx context.Context, pkg *models.EvidencePackage) (guard.StorageTxID, error) {
	key := a.key(pkg.ContentHash)

	exists, err := a.Exists(ctx, pkg.ContentHash)
	if err != nil {
		return "", gerrors.Storage(err)
	}
	if exists {
		return guard.NewStorageTxID(key)
	}

	data, err := Serialize(pkg)
	if err != nil {
		// Serialization is in-memory and deterministic; this is not a
		// storage outage.
		return "", err
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			tagVersion:     models.EvidenceVersion,
			tagStudio:      pkg.Header.StudioAddress,
			tagEpoch:       strconv.FormatUint(pkg.Header.Epoch, 10),
			tagAgent:       pkg.Header.AgentAddress,
			tagContentHash: pkg.ContentHash,
		},
	})
	if err != nil {
		return "", gerrors.Storage(err)
	}

	return guard.NewStorageTxID(key)
}

// Exists checks whether a package with this content hash is archived.
func (a *S3Archive) Exists(ctx context.Context, contentHash string) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(contentHash)),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MemoryArchive keeps packages in memory; used in tests and the dev
// profile. It mints a fresh ULID per upload, so re-archiving an existing
// content hash yields an equivalent but not identical storage id.
type MemoryArchive struct {
	mu       sync.Mutex
	byHash   map[string]guard.StorageTxID
	objects  map[guard.StorageTxID][]byte
	failures int
}

// NewMemoryArchive creates an empty archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		byHash:  make(map[string]guard.StorageTxID),
		objects: make(map[guard.StorageTxID][]byte),
	}
}

// FailNext makes the next n Puts fail with a storage error. Test hook for
// outage scenarios.
func (a *MemoryArchive) FailNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = n
}

// Put archives the package in memory.
func (a *MemoryArchive) Put(ctx context.Context, pkg *models.EvidencePackage) (guard.StorageTxID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failures > 0 {
		a.failures--
		return "", gerrors.Storage(fmt.Errorf("storage rejecting uploads"))
	}

	data, err := Serialize(pkg)
	if err != nil {
		return "", err
	}

	id := guard.StorageTxID(ulid.New())
	a.byHash[pkg.ContentHash] = id
	a.objects[id] = data
	return id, nil
}

// Exists checks whether the content hash was archived.
func (a *MemoryArchive) Exists(_ context.Context, contentHash string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.byHash[contentHash]
	return ok, nil
}

// Get returns the archived bytes for a storage id. Test helper.
func (a *MemoryArchive) Get(id guard.StorageTxID) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.objects[id]
	return data, ok
}

// Count returns the number of stored objects. Test helper.
func (a *MemoryArchive) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.objects)
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	fwrollout "github.com/superfly/fwrollout"
)

// maxManifestSize bounds a manifest read; manifests are small JSON documents.
const maxManifestSize = 1 << 20

// objectAPI is the subset of the S3 client the registry uses.
type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds S3 registry configuration.
type S3Config struct {
	// Region is the AWS region (optional, defaults to us-east-1)
	Region string

	Bucket string

	// Prefix is the key prefix holding "<firmware id>.json" manifests.
	Prefix string
}

// S3 is a read-only FirmwareRegistry backed by JSON manifests in a bucket.
//
// The client uses the AWS SDK default credential chain, falling back to
// anonymous access when no access key is set in the environment.
type S3 struct {
	api    objectAPI
	bucket string
	prefix string
	logger logrus.FieldLogger
}

// NewS3 creates an S3 registry.
func NewS3(ctx context.Context, cfg S3Config, logger logrus.FieldLogger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 registry: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newS3(s3.NewFromConfig(awsCfg), cfg, logger), nil
}

func newS3(api objectAPI, cfg S3Config, logger logrus.FieldLogger) *S3 {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{
		api:    api,
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: logger.WithFields(logrus.Fields{"component": "registry", "bucket": cfg.Bucket}),
	}
}

func (r *S3) key(id string) string {
	return r.prefix + id + ".json"
}

func (r *S3) get(ctx context.Context, id string) (*fwrollout.FirmwareArtifact, error) {
	key := r.key(id)
	if err := validateS3Key(key); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", fwrollout.ErrFirmwareNotFound, id, err)
	}

	out, err := r.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", fwrollout.ErrFirmwareNotFound, id)
		}
		return nil, fmt.Errorf("failed to get manifest %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", key, err)
	}
	var a fwrollout.FirmwareArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", key, err)
	}
	if a.ID == "" {
		a.ID = id
	}
	return &a, nil
}

func (r *S3) list(ctx context.Context) ([]*fwrollout.FirmwareArtifact, error) {
	var ids []string
	paginator := s3.NewListObjectsV2Paginator(r.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(r.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list manifests: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || !strings.HasSuffix(*obj.Key, ".json") {
				continue
			}
			rel := strings.TrimPrefix(*obj.Key, r.prefix)
			if strings.Contains(rel, "/") {
				continue
			}
			ids = append(ids, strings.TrimSuffix(path.Base(rel), ".json"))
		}
	}
	slices.Sort(ids)

	r.logger.WithField("count", len(ids)).Debug("listed firmware manifests")

	out := make([]*fwrollout.FirmwareArtifact, 0, len(ids))
	for _, id := range ids {
		a, err := r.get(ctx, id)
		if err != nil {
			if errors.Is(err, fwrollout.ErrFirmwareNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// List returns every manifest under the prefix, in id order.
func (r *S3) List(ctx context.Context) ([]*fwrollout.FirmwareArtifact, error) {
	return r.list(ctx)
}

func (r *S3) Resolve(ctx context.Context, firmwareID string) (*fwrollout.FirmwareArtifact, error) {
	return r.get(ctx, firmwareID)
}

func (r *S3) ResolveVersion(ctx context.Context, deviceType, deviceModel, version string) (*fwrollout.FirmwareArtifact, error) {
	return resolveVersion(ctx, r, deviceType, deviceModel, version)
}

func (r *S3) CheckCompatibility(ctx context.Context, firmwareID, currentVersion string) (bool, error) {
	return checkCompatibility(ctx, r, firmwareID, currentVersion)
}

func (r *S3) GetChecksum(ctx context.Context, firmwareID string) (string, error) {
	return checksum(ctx, r, firmwareID)
}

// validateS3Key rejects keys that could escape the manifest prefix.
func validateS3Key(key string) error {
	if key == "" {
		return fmt.Errorf("S3 key cannot be empty")
	}
	if len(key) > 1024 {
		return fmt.Errorf("S3 key too long: %d characters (max 1024)", len(key))
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("S3 key contains path traversal: %s", key)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("S3 key should not start with /: %s", key)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("S3 key contains null byte")
	}
	return nil
}

var _ fwrollout.FirmwareRegistry = (*S3)(nil)

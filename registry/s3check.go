package registry

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// AccessCheck is the result of probing one S3 permission the registry needs.
type AccessCheck struct {
	Permission string
	Pass       bool
	Detail     string
}

// CheckAccess probes the bucket with the calls the registry makes: a list
// under the prefix, then a one byte read of the first manifest found. Each
// call gets its own timeout.
func (r *S3) CheckAccess(ctx context.Context, timeout time.Duration) []AccessCheck {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	var checks []AccessCheck
	var sample string
	{
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := r.api.ListObjectsV2(opCtx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(r.bucket),
			Prefix:  aws.String(r.prefix),
			MaxKeys: aws.Int32(100),
		})
		cancel()
		c := classify("s3:ListBucket", err)
		if err == nil {
			for _, obj := range out.Contents {
				if k := aws.ToString(obj.Key); strings.HasSuffix(k, ".json") {
					sample = k
					break
				}
			}
			c.Detail = "no manifests under prefix"
			if sample != "" {
				c.Detail = "sample manifest " + sample
			}
		}
		checks = append(checks, c)
	}

	if sample == "" {
		return checks
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := r.api.GetObject(opCtx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(sample),
		Range:  aws.String("bytes=0-0"),
	})
	c := classify("s3:GetObject", err)
	if err == nil && out.Body != nil {
		_, _ = io.CopyN(io.Discard, out.Body, 1)
		out.Body.Close()
		c.Detail = "read 1 byte"
	}
	return append(checks, c)
}

func classify(permission string, err error) AccessCheck {
	if err == nil {
		return AccessCheck{Permission: permission, Pass: true}
	}
	return AccessCheck{Permission: permission, Detail: strings.TrimSpace(err.Error())}
}

// MissingAccess returns an error naming every failed check.
func MissingAccess(checks []AccessCheck) error {
	var missing []string
	for _, c := range checks {
		if !c.Pass {
			missing = append(missing, c.Permission)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%d required permission(s) missing: %s", len(missing), strings.Join(missing, ", "))
}

// Package s3 implements the s3:// destination scheme. The destination URL
// carries the bucket and region (s3://bucket@region/prefix); credentials
// come from the standard AWS chain, with optional static overrides through
// BLOCKVAULT_S3_ACCESS_KEY / BLOCKVAULT_S3_SECRET_KEY and a custom
// endpoint through BLOCKVAULT_S3_ENDPOINT for S3-compatible stores.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/blockvault/blockvault/internal/objectstore"
	"github.com/blockvault/blockvault/internal/verror"
)

// Kind is the URL scheme this driver serves.
const Kind = "s3"

const (
	envAccessKey = "BLOCKVAULT_S3_ACCESS_KEY"
	envSecretKey = "BLOCKVAULT_S3_SECRET_KEY"
	envEndpoint  = "BLOCKVAULT_S3_ENDPOINT"
)

func init() {
	objectstore.Register(Kind, New)
}

// Driver implements objectstore.Driver on an S3 bucket.
type Driver struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	region   string
	prefix   string
}

// New opens an s3 destination and verifies the bucket is reachable.
func New(u *url.URL) (objectstore.Driver, error) {
	bucket := u.User.Username()
	region := u.Host
	if bucket == "" || region == "" {
		return nil, fmt.Errorf("s3 destination %q must look like s3://bucket@region/prefix", u.String())
	}

	ctx := context.Background()

	cfgOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if ak, sk := os.Getenv(envAccessKey), os.Getenv(envSecretKey); ak != "" && sk != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, sk, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint := os.Getenv(envEndpoint); endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	d := &Driver{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		region:   region,
		prefix:   strings.Trim(u.Path, "/"),
	}

	// missing bucket means the destination does not exist
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, verror.NotFound("destination bucket %s is not reachable in %s", bucket, region)
	}
	return d, nil
}

func (d *Driver) Kind() string {
	return Kind
}

func (d *Driver) URL() string {
	u := Kind + "://" + d.bucket + "@" + d.region + "/"
	if d.prefix != "" {
		u += d.prefix
	}
	return u
}

func (d *Driver) key(p string) string {
	if d.prefix == "" {
		return p
	}
	return path.Join(d.prefix, p)
}

func (d *Driver) FileExists(path string) bool {
	return d.FileSize(path) >= 0
}

func (d *Driver) FileSize(p string) int64 {
	out, err := d.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(p)),
	})
	if err != nil || out.ContentLength == nil {
		return -1
	}
	return *out.ContentLength
}

func (d *Driver) Read(p string) (io.ReadCloser, error) {
	out, err := d.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(p)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", d.bucket, d.key(p), err)
	}
	return out.Body, nil
}

// Write streams r through the transfer manager so large snapshot exports
// become multipart uploads.
func (d *Driver) Write(p string, r io.Reader) error {
	_, err := d.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(d.key(p)),
		Body:        r,
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", d.bucket, d.key(p), err)
	}
	return nil
}

// Remove deletes the object. S3 has no directories, so there is nothing to
// prune.
func (d *Driver) Remove(p string) error {
	_, err := d.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(p)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", d.bucket, d.key(p), err)
	}
	return nil
}

// List returns the immediate children of p, directories included.
func (d *Driver) List(p string) ([]string, error) {
	prefix := d.key(p) + "/"
	var names []string

	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", d.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			names = append(names, path.Base(*obj.Key))
		}
		for _, cp := range page.CommonPrefixes {
			names = append(names, path.Base(strings.TrimSuffix(*cp.Prefix, "/")))
		}
	}
	return names, nil
}

package backup

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader ships finished archives to off-site storage.
type Uploader interface {
	Upload(ctx context.Context, name, path string) error
}

// S3Options configures the optional S3-compatible replication target.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// S3Uploader copies archives into an S3-compatible bucket.
type S3Uploader struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Uploader builds the client and ensures the bucket exists.
func NewS3Uploader(ctx context.Context, o S3Options) (*S3Uploader, error) {
	cl, err := minio.New(o.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure: o.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	exists, err := cl.BucketExists(ctx, o.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", o.Bucket, err)
	}
	if !exists {
		if err := cl.MakeBucket(ctx, o.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", o.Bucket, err)
		}
	}
	return &S3Uploader{client: cl, bucket: o.Bucket, prefix: o.Prefix}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, name, path string) error {
	_, err := u.client.FPutObject(ctx, u.bucket, u.prefix+name, path, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}

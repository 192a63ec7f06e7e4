package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

const (
	minMultipartSize = 12 << 20
	maxDeleteBatch   = 1000
)

type S3Options struct {
	Type            string // "s3" or "r2"
	Bucket          string
	Region          string
	Endpoint        string
	AccountID       string // Cloudflare account, only for r2
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool

	// PublicBaseURL is where public objects can be fetched without signing
	PublicBaseURL string
}

type S3Gateway struct {
	C             *s3.Client
	Bucket        *string
	presign       *s3.PresignClient
	publicBaseURL string
}

// NewS3 connects to an S3 compatible bucket and makes sure it exists
func NewS3(ctx context.Context, o S3Options) (*S3Gateway, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			o.AccessKeyID,
			o.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(opts *s3.Options) {
		switch o.Type {
		case "r2":
			opts.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", o.AccountID))
			opts.Region = "auto"
		default:
			opts.Region = o.Region
			if o.Endpoint != "" {
				opts.BaseEndpoint = aws.String(o.Endpoint)
			}
		}

		opts.UsePathStyle = o.PathStyle
	})

	g := NewS3FromClient(client, o.Bucket, o.PublicBaseURL)

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: g.Bucket,
	})
	if err != nil {
		var apiErr smithy.APIError

		if errors.As(err, &apiErr) {
			if apiErr.ErrorCode() == "NotFound" {
				return nil, fmt.Errorf("bucket '%s' does not exist", o.Bucket)
			}
		}

		return nil, fmt.Errorf("failed to check if bucket exists, %w", err)
	}

	return g, nil
}

// NewS3FromClient wraps an already configured client
func NewS3FromClient(c *s3.Client, bucket, publicBaseURL string) *S3Gateway {
	return &S3Gateway{
		C:             c,
		Bucket:        aws.String(bucket),
		presign:       s3.NewPresignClient(c),
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
	}
}

func (g *S3Gateway) PresignPut(ctx context.Context, req PutRequest) (*PresignedUpload, error) {
	input := &s3.PutObjectInput{
		Bucket:        g.Bucket,
		Key:           aws.String(req.Key),
		ContentType:   aws.String(req.ContentType),
		ContentLength: aws.Int64(req.Size),
		Metadata:      req.Metadata,
	}

	input.CacheControl = cacheControl(req.Public)

	signed, err := g.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(req.TTL))
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload, %w", err)
	}

	out := &PresignedUpload{
		UploadURL: signed.URL,
		ExpiresAt: time.Now().Add(req.TTL),
	}

	if req.Public && g.publicBaseURL != "" {
		out.DownloadURL = g.PublicURL(req.Key)
		return out, nil
	}

	out.DownloadURL, err = g.PresignGet(ctx, req.Key, req.TTL, "")
	if err != nil {
		return nil, err
	}

	return out, nil
}

// PublicURL returns the unsigned URL of a key or an empty string when the
// bucket has no public endpoint configured
func (g *S3Gateway) PublicURL(key string) string {
	if g.publicBaseURL == "" {
		return ""
	}

	return g.publicBaseURL + "/" + key
}

func (g *S3Gateway) PresignGet(ctx context.Context, key string, ttl time.Duration, responseFilename string) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: g.Bucket,
		Key:    aws.String(key),
	}

	if responseFilename != "" {
		input.ResponseContentDisposition = aws.String(
			mime.FormatMediaType("attachment", map[string]string{"filename": responseFilename}),
		)
	}

	signed, err := g.presign.PresignGetObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign download, %w", err)
	}

	return signed.URL, nil
}

func (g *S3Gateway) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := g.C.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: g.Bucket,
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}

		return nil, fmt.Errorf("failed to head object, %w", err)
	}

	return &ObjectInfo{
		Key:          key,
		ContentType:  aws.ToString(out.ContentType),
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     out.Metadata,
	}, nil
}

func (g *S3Gateway) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.Head(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

func (g *S3Gateway) Delete(ctx context.Context, key string) error {
	_, err := g.C.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: g.Bucket,
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object, %w", err)
	}

	return nil
}

// DeleteMany removes keys in batches. S3 can delete at most 1000 objects
// in one request.
func (g *S3Gateway) DeleteMany(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(key)})
		}

		resp, err := g.C.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: g.Bucket,
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects, %w", err)
		}

		for _, e := range resp.Errors {
			if aws.ToString(e.Code) == "NoSuchKey" {
				continue
			}

			return fmt.Errorf("failed to delete object '%s', %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}

	return nil
}

func (g *S3Gateway) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := g.C.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     g.Bucket,
		CopySource: aws.String(aws.ToString(g.Bucket) + "/" + escapeKey(srcKey)),
		Key:        aws.String(dstKey),
	})
	if err != nil {
		if isNotFound(err) {
			return ErrObjectNotFound
		}

		return fmt.Errorf("failed to copy object, %w", err)
	}

	return nil
}

func (g *S3Gateway) Download(ctx context.Context, key string, w io.WriterAt) (int64, error) {
	d := manager.NewDownloader(g.C, func(d *manager.Downloader) {
		d.Concurrency = 5
		d.PartSize = 6 << 20
	})

	n, err := d.Download(ctx, w, &s3.GetObjectInput{
		Bucket: g.Bucket,
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrObjectNotFound
		}

		return 0, fmt.Errorf("failed to download object, %w", err)
	}

	return n, nil
}

// cacheControl is only set for public objects, private ones keep the
// bucket default
func cacheControl(public bool) *string {
	if !public {
		return nil
	}

	return aws.String("public, max-age=31536000, immutable")
}

func (g *S3Gateway) putInput(key string, body io.Reader, o ObjectOptions) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:       g.Bucket,
		Key:          aws.String(key),
		Body:         body,
		ContentType:  aws.String(o.ContentType),
		CacheControl: cacheControl(o.Public),
		Metadata:     o.Metadata,
	}
}

func (g *S3Gateway) Upload(ctx context.Context, key string, body io.Reader, o ObjectOptions) error {
	u := manager.NewUploader(g.C, func(u *manager.Uploader) {
		u.Concurrency = 5
		u.PartSize = minMultipartSize / 2
	})

	if _, err := u.Upload(ctx, g.putInput(key, body, o)); err != nil {
		return fmt.Errorf("failed to upload object, %w", err)
	}

	zap.L().Debug("Object uploaded", zap.String("key", key), zap.Bool("public", o.Public))
	return nil
}

func (g *S3Gateway) List(ctx context.Context, startAfter string, limit int) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  g.Bucket,
		MaxKeys: aws.Int32(int32(limit)),
	}
	if startAfter != "" {
		input.StartAfter = aws.String(startAfter)
	}

	out, err := g.C.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects, %w", err)
	}

	objects := make([]ObjectInfo, 0, len(out.Contents))
	for _, o := range out.Contents {
		objects = append(objects, ObjectInfo{
			Key:          aws.ToString(o.Key),
			Size:         aws.ToInt64(o.Size),
			LastModified: aws.ToTime(o.LastModified),
		})
	}

	return objects, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}

	return strings.Join(parts, "/")
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}

	return false
}

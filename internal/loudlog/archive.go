package loudlog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/zwfm-meter/internal/util"
)

// S3Config holds the archive bucket settings.
type S3Config struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// IsConfigured reports whether the bucket and credentials are set.
func (c *S3Config) IsConfigured() bool {
	return util.IsConfigured(c.Bucket, c.AccessKeyID, c.SecretAccessKey)
}

// objectStore is the subset of the S3 client the archive uses.
type objectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Archive stores finished log files in an S3 compatible bucket.
type Archive struct {
	client objectStore
	bucket string
	prefix string
}

// NewArchive creates an archive client for cfg. A custom endpoint switches
// to path-style addressing for MinIO and R2.
func NewArchive(cfg *S3Config) (*Archive, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("S3 is not configured")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	client := s3.New(s3.Options{}, func(o *s3.Options) {
		o.Credentials = creds
		o.Region = "auto"
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Key returns the object key for a local file.
func (a *Archive) Key(filePath string) string {
	return path.Join(a.prefix, "loudness", filepath.Base(filePath))
}

// Upload copies a local file to the bucket and returns its key.
func (a *Archive) Upload(ctx context.Context, filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", util.WrapError("read log file", err)
	}

	key := a.Key(filePath)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", util.WrapError("upload "+key, err)
	}
	return key, nil
}

// Cleanup deletes archived files dated before cutoff and returns how many
// were removed.
func (a *Archive) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	prefix := path.Join(a.prefix, "loudness") + "/"

	var deleted int
	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return deleted, util.WrapError("list archived logs", err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			date, ok := fileDate(path.Base(key))
			if !ok || !date.Before(cutoff) {
				continue
			}
			if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(a.bucket),
				Key:    obj.Key,
			}); err != nil {
				slog.Warn("loudness log: failed to delete archived file", "key", key, "error", err)
				continue
			}
			deleted++
		}

		if !aws.ToBool(out.IsTruncated) {
			return deleted, nil
		}
		token = out.NextContinuationToken
	}
}

// TestConnection uploads and removes a small marker object.
func (a *Archive) TestConnection(ctx context.Context) error {
	key := path.Join(a.prefix, fmt.Sprintf("test-connection-%d.txt", time.Now().UnixNano()))
	body := []byte("ZuidWest FM meter connection test")

	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}); err != nil {
		return util.WrapError("upload test file", err)
	}

	if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err != nil {
		slog.Warn("failed to delete test file", "key", key, "error", err)
	}
	return nil
}

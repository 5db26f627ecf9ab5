// Package s3mirror replicates quarantine pairs to an S3-compatible bucket.
// Artifacts are stored zstd-compressed so mirrored malware is never stored
// as an executable byte-for-byte copy.
package s3mirror

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"
)

const (
	artifactSuffix = ".zst"
	sidecarSuffix  = ".json"
)

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Mirror uploads quarantine pairs under prefix in bucket.
type Mirror struct {
	api    objectAPI
	bucket string
	prefix string
}

// New returns a mirror writing to bucket through client.
func New(client *s3.Client, bucket, prefix string) (*Mirror, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	return newMirror(client, bucket, prefix)
}

func newMirror(api objectAPI, bucket, prefix string) (*Mirror, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	return &Mirror{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// NewClientFromEnv initialises an S3 client from environment variables.
//
// Required environment variables:
//   - S3_ENDPOINT: host:port or full URL of the S3-compatible endpoint.
//   - S3_ACCESS_KEY / S3_SECRET_KEY: static credentials.
//
// Optional environment variables:
//   - S3_REGION (default "us-east-1").
//   - S3_DISABLE_TLS (bool; default false) to toggle TLS usage.
//   - S3_FORCE_PATH_STYLE (bool; default true).
func NewClientFromEnv(ctx context.Context) (*s3.Client, error) {
	endpoint := strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	accessKey := os.Getenv("S3_ACCESS_KEY")
	secretKey := os.Getenv("S3_SECRET_KEY")
	region := os.Getenv("S3_REGION")
	if region == "" {
		region = "us-east-1"
	}

	if endpoint == "" {
		return nil, errors.New("S3_ENDPOINT is required")
	}
	if accessKey == "" || secretKey == "" {
		return nil, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}

	disableTLS, _ := strconv.ParseBool(os.Getenv("S3_DISABLE_TLS"))
	forcePathStyle := true
	if v := strings.TrimSpace(os.Getenv("S3_FORCE_PATH_STYLE")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			forcePathStyle = parsed
		}
	}

	scheme := "https"
	if disableTLS {
		scheme = "http"
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = fmt.Sprintf("%s://%s", scheme, endpoint)
	}

	cfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

// Put uploads the compressed artifact and its sidecar.
func (m *Mirror) Put(ctx context.Context, name, artifactPath string, sidecar []byte) error {
	f, err := os.Open(artifactPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var compressed bytes.Buffer
	if err := compress(&compressed, f); err != nil {
		return fmt.Errorf("compress %s: %w", name, err)
	}

	if err := m.put(ctx, m.key(name+artifactSuffix), compressed.Bytes(), "application/zstd"); err != nil {
		return fmt.Errorf("upload artifact %s: %w", name, err)
	}
	if err := m.put(ctx, m.key(name+sidecarSuffix), sidecar, "application/json"); err != nil {
		return fmt.Errorf("upload metadata %s: %w", name, err)
	}
	return nil
}

// Delete removes both mirrored objects. Missing objects are not an error in S3.
func (m *Mirror) Delete(ctx context.Context, name string) error {
	var errs []error
	for _, key := range []string{m.key(name + artifactSuffix), m.key(name + sidecarSuffix)} {
		if _, err := m.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
		}); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Mirror) put(ctx context.Context, key string, body []byte, contentType string) error {
	sum := sha256.Sum256(body)
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	size := int64(len(body))

	_, err := m.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(m.bucket),
		Key:               aws.String(key),
		Body:              bytes.NewReader(body),
		ContentLength:     &size,
		ContentType:       aws.String(contentType),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
	})
	return err
}

func (m *Mirror) key(name string) string {
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

func compress(dst io.Writer, src io.Reader) error {
	encoder, err := zstd.NewWriter(dst)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := io.Copy(encoder, src); err != nil {
		_ = encoder.Close()
		return err
	}
	return encoder.Close()
}

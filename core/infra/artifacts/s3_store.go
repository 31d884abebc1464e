package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/cordum/remotecache/core/infra/config"
)

const (
	defaultS3Region = "us-east-1"
	unsignedPayload = "UNSIGNED-PAYLOAD"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type s3GetPresigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Store stores artifacts in an S3 bucket. Retention is enforced by the
// bucket's lifecycle rules.
type S3Store struct {
	client    S3API
	presigner s3GetPresigner
	creds     aws.CredentialsProvider
	signer    *v4.Signer
	bucket    string
	region    string
	endpoint  string
	pathStyle bool
	now       func() time.Time
}

// NewS3Store builds an S3 client from the default AWS credential chain,
// overridden by static keys and a custom endpoint when configured.
func NewS3Store(ctx context.Context, cfg config.StoreConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = defaultS3Region
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Store(client, s3.NewPresignClient(client), awsCfg.Credentials, awsCfg.Region, cfg), nil
}

func newS3Store(client S3API, presigner s3GetPresigner, creds aws.CredentialsProvider, region string, cfg config.StoreConfig) *S3Store {
	if region == "" {
		region = defaultS3Region
	}
	return &S3Store{
		client:    client,
		presigner: presigner,
		creds:     creds,
		signer:    v4.NewSigner(),
		bucket:    cfg.Bucket,
		region:    region,
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		pathStyle: cfg.UsePathStyle,
		now:       time.Now,
	}
}

// Put streams body to the bucket. The payload is sent unsigned so the body
// never has to be buffered for hashing.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, meta Metadata) error {
	in := &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Body:     body,
		Metadata: NormalizeMetadata(meta),
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)); err != nil {
		return classifyS3("put", err)
	}
	return nil
}

// Get opens the object body for streaming.
func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyObjectRead("get", err)
	}
	return &Object{
		Info: Info{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			ContentType:  aws.ToString(out.ContentType),
			ETag:         aws.ToString(out.ETag),
			LastModified: aws.ToTime(out.LastModified),
			Metadata:     NormalizeMetadata(out.Metadata),
		},
		Body: out.Body,
	}, nil
}

// Head reads object metadata only.
func (s *S3Store) Head(ctx context.Context, key string) (*Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyObjectRead("head", err)
	}
	return &Info{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
		Metadata:     NormalizeMetadata(out.Metadata),
	}, nil
}

// Ping issues HeadBucket.
func (s *S3Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return classifyS3("head bucket", err)
	}
	return nil
}

// PresignGet returns a time-limited download URL.
func (s *S3Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// PresignRequest signs a GET or PUT for key bound to the supplied headers.
func (s *S3Store) PresignRequest(ctx context.Context, method, key string, headers http.Header, expiry time.Duration) (string, error) {
	if method != http.MethodGet && method != http.MethodPut {
		return "", fmt.Errorf("presign: unsupported method %q", method)
	}
	u, err := s.objectURL(key)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("X-Amz-Expires", strconv.FormatInt(int64(expiry/time.Second), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("presign request: %w", err)
	}
	for name, values := range SignableHeaders(headers) {
		req.Header[name] = values
	}
	creds, err := s.creds.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve credentials: %w", err)
	}
	signed, _, err := s.signer.PresignHTTP(ctx, creds, req, unsignedPayload, "s3", s.region, s.now().UTC(),
		func(o *v4.SignerOptions) { o.DisableURIPathEscaping = true })
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", method, err)
	}
	return signed, nil
}

func (s *S3Store) objectURL(key string) (*url.URL, error) {
	if s.endpoint == "" {
		if s.pathStyle {
			return &url.URL{Scheme: "https", Host: "s3." + s.region + ".amazonaws.com", Path: "/" + s.bucket + "/" + key}, nil
		}
		return &url.URL{Scheme: "https", Host: s.bucket + ".s3." + s.region + ".amazonaws.com", Path: "/" + key}, nil
	}
	base, err := url.Parse(s.endpoint)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid s3 endpoint %q", s.endpoint)
	}
	if s.pathStyle {
		base.Path = strings.TrimRight(base.Path, "/") + "/" + s.bucket + "/" + key
	} else {
		base.Host = s.bucket + "." + base.Host
		base.Path = "/" + key
	}
	return base, nil
}

// classifyObjectRead reports 403 on an object read as a miss. Without
// s3:ListBucket, S3 answers HeadObject and GetObject on a missing key with 403
// rather than 404. Broken credentials still show through Ping and Put.
func classifyObjectRead(op string, err error) error {
	classified := classifyS3(op, err)
	if errors.Is(classified, backend.ErrForbidden) {
		return fmt.Errorf("s3 %s: %w (access denied on object read)", op, backend.ErrNotFound)
	}
	return classified
}

func classifyS3(op string, err error) error {
	var (
		notFound     *types.NotFound
		noSuchKey    *types.NoSuchKey
		noSuchBucket *types.NoSuchBucket
	)
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) || errors.As(err, &noSuchBucket) {
		return fmt.Errorf("s3 %s: %w", op, backend.ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("s3 %s: %w", op, backend.ErrNotFound)
		case "Forbidden", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("s3 %s: %w", op, backend.ErrForbidden)
		case "SlowDown", "ServiceUnavailable", "RequestTimeout":
			return backend.Unavailable("s3 "+op, err)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return fmt.Errorf("s3 %s: %w", op, backend.ErrNotFound)
		case http.StatusForbidden:
			return fmt.Errorf("s3 %s: %w", op, backend.ErrForbidden)
		case http.StatusServiceUnavailable:
			return backend.Unavailable("s3 "+op, err)
		}
	}
	if backend.IsUnavailable(err) {
		return backend.Unavailable("s3 "+op, err)
	}
	return fmt.Errorf("s3 %s: %w", op, err)
}

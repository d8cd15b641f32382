package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tanq16/partdl/internal/utils"
)

// S3Source serves s3://bucket/key URLs through ranged GetObject calls.
type S3Source struct {
	Profile string
	Region  string

	mu      sync.Mutex
	clients map[string]*s3.Client
}

func NewS3Source(profile, region string) *S3Source {
	return &S3Source{
		Profile: profile,
		Region:  region,
		clients: make(map[string]*s3.Client),
	}
}

func parseS3URL(raw string) (string, string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if parsed.Scheme != "s3" || parsed.Host == "" {
		return "", "", fmt.Errorf("invalid S3 URL %q, expected s3://bucket/key", raw)
	}
	key := strings.TrimPrefix(parsed.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("invalid S3 URL %q, missing object key", raw)
	}
	return parsed.Host, key, nil
}

func (s *S3Source) client(ctx context.Context, bucket string) (*s3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[bucket]; ok {
		return c, nil
	}
	log := utils.GetLogger("s3")
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if s.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(s.Profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	region := s.Region
	if region == "" {
		region = cfg.Region
	}
	if region == "" {
		probe := s3.NewFromConfig(cfg, func(o *s3.Options) { o.Region = "us-east-1" })
		region, err = manager.GetBucketRegion(ctx, probe, bucket)
		if err != nil {
			return nil, fmt.Errorf("error resolving bucket region: %w", err)
		}
		log.Debug().Str("bucket", bucket).Str("region", region).Msg("Resolved bucket region")
	}
	c := s3.NewFromConfig(cfg, func(o *s3.Options) { o.Region = region })
	s.clients[bucket] = c
	return c, nil
}

func (s *S3Source) Probe(ctx context.Context, raw string) (*Meta, error) {
	bucket, key, err := parseS3URL(raw)
	if err != nil {
		return nil, err
	}
	c, err := s.client(ctx, bucket)
	if err != nil {
		return nil, err
	}
	head, err := c.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(err)
	}
	return &Meta{
		Size:           aws.ToInt64(head.ContentLength),
		RangeSupported: true,
		FileName:       key[strings.LastIndex(key, "/")+1:],
		ETag:           aws.ToString(head.ETag),
	}, nil
}

func (s *S3Source) Open(ctx context.Context, raw, byteRange string) (io.ReadCloser, error) {
	bucket, key, err := parseS3URL(raw)
	if err != nil {
		return nil, err
	}
	c, err := s.client(ctx, bucket)
	if err != nil {
		return nil, err
	}
	out, err := c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(byteRange),
	})
	if err != nil {
		return nil, s3Error(err)
	}
	return out.Body, nil
}

func s3Error(err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

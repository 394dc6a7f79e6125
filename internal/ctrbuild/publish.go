package ctrbuild

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// R2Client wraps the S3 client for an R2-compatible release bucket.
type R2Client struct {
	Client     *s3.Client
	BucketName string
}

// NewR2Client initializes the client from CTRBUILD_R2_* configuration.
func NewR2Client(cfg *Config) (*R2Client, error) {
	accountID := cfg.Values["CTRBUILD_R2_ACCOUNT_ID"]
	accessKey := cfg.Values["CTRBUILD_R2_ACCESS_KEY_ID"]
	secretKey := cfg.Values["CTRBUILD_R2_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["CTRBUILD_R2_BUCKET_NAME"]

	if accountID == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("release bucket credentials missing in configuration " +
			"(CTRBUILD_R2_ACCOUNT_ID, CTRBUILD_R2_ACCESS_KEY_ID, CTRBUILD_R2_SECRET_ACCESS_KEY, CTRBUILD_R2_BUCKET_NAME)")
	}

	r2Resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
		}, nil
	})

	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithEndpointResolverWithOptions(r2Resolver),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		awsconfig.WithRegion("auto"),
	}
	if Debug {
		options = append(options, awsconfig.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load bucket config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &R2Client{Client: client, BucketName: bucketName}, nil
}

// UploadFile uploads one object to the release bucket.
func (r *R2Client) UploadFile(ctx context.Context, key string, body []byte) error {
	_, err := r.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.BucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	return err
}

// Publish uploads the dist archive and its checksum file under the package
// name. Failures are reported to the caller; there is no silent retry, the
// SDK's own transient-error handling is enough.
func Publish(ctx context.Context, cfg *Config, distPath, packageName string) error {
	client, err := NewR2Client(cfg)
	if err != nil {
		return err
	}

	for _, path := range []string{distPath, distPath + ".b3"} {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("nothing to publish: %w", err)
		}
		key := packageName + "/" + filepath.Base(path)
		colArrow.Print("-> ")
		colSuccess.Printf("Uploading %s (%d bytes)\n", key, len(data))
		if err := client.UploadFile(ctx, key, data); err != nil {
			return fmt.Errorf("upload of %s failed: %w", key, err)
		}
	}
	return nil
}

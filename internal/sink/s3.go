package sink

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pythonspeed/memtrail/internal/config"
	"github.com/pythonspeed/memtrail/pkg/fsx"
	"github.com/pythonspeed/memtrail/pkg/logx"
)

type s3Handler struct {
	*handler
	client       s3Client
	bucketConfig config.BucketConfig
	bucketExists map[string]bool
}

// s3Client is an interface that defines the methods for interacting with S3-compatible storage.
// It is used to abstract the MinIO client to expose limited functionalities, which also allows for mocking in tests.
type s3Client interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)

	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error

	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)

	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// minioClientWrapper is a wrapper around the MinIO client to implement the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (m *minioClientWrapper) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return m.client.BucketExists(ctx, bucketName)
}

func (m *minioClientWrapper) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	return m.client.MakeBucket(ctx, bucketName, opts)
}

func (m *minioClientWrapper) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return m.client.StatObject(ctx, bucketName, objectName, opts)
}

func (m *minioClientWrapper) FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return m.client.FPutObject(ctx, bucketName, objectName, filePath, opts)
}

// ensureBucketExists checks if the bucket exists in S3. If it doesn't exist, it creates the bucket.
func (s *s3Handler) ensureBucketExists(ctx context.Context) error {
	if _, exists := s.bucketExists[s.bucketConfig.Bucket]; exists {
		logx.As().Trace().
			Str("sink_type", s.Type()).
			Str("bucket", s.bucketConfig.Bucket).
			Msg("Bucket existence confirmed from cache")
		return nil
	}

	logx.As().Trace().
		Str("sink_type", s.Type()).
		Str("bucket", s.bucketConfig.Bucket).
		Msg("Checking if bucket exists")

	exists, err := s.client.BucketExists(ctx, s.bucketConfig.Bucket)
	if err != nil {
		return err
	}

	if !exists {
		logx.As().Trace().
			Str("sink_type", s.Type()).
			Str("bucket", s.bucketConfig.Bucket).
			Msg("Bucket does not exist, creating it")
		if err := s.client.MakeBucket(ctx, s.bucketConfig.Bucket, minio.MakeBucketOptions{Region: s.bucketConfig.Region}); err != nil {
			logx.As().Error().
				Str("sink_type", s.Type()).
				Str("bucket", s.bucketConfig.Bucket).
				Err(err).
				Msg("Failed to create bucket")
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		logx.As().Trace().
			Str("sink_type", s.Type()).
			Str("bucket", s.bucketConfig.Bucket).
			Msg("Bucket created successfully")
	}

	s.bucketExists[s.bucketConfig.Bucket] = true
	return nil
}

// syncWithBucket uploads a file to the S3 bucket. It skips the upload if the file already exists with the same checksum.
func (s *s3Handler) syncWithBucket(ctx context.Context, src, objectName string) (*UploadInfo, error) {
	logx.As().Info().
		Str("id", s.Info()).
		Str("src", src).
		Str("object", objectName).
		Str("bucket", s.bucketConfig.Bucket).
		Msg("Attempting to sync file with the bucket")

	localChecksum, err := fsx.FileMD5(src)
	if err != nil {
		logx.As().Error().
			Str("id", s.Info()).
			Str("src", src).
			Err(err).
			Msg("Failed to calculate local file checksum")
		return nil, fmt.Errorf("failed to calculate local checksum: %w", err)
	}

	attr, err := s.client.StatObject(ctx, s.bucketConfig.Bucket, objectName, minio.StatObjectOptions{})
	if err == nil && localChecksum == attr.ETag {
		logx.As().Info().
			Str("id", s.Info()).
			Str("src", src).
			Str("object", objectName).
			Str("md5", attr.ETag).
			Str("bucket", s.bucketConfig.Bucket).
			Time("last_modified", attr.LastModified).
			Msg("File already exists in bucket, skipping upload")
		return &UploadInfo{
			Src:          src,
			Dest:         attr.Key,
			ChecksumType: "md5",
			Checksum:     attr.ETag,
			Size:         attr.Size,
			LastModified: attr.LastModified,
		}, nil
	}

	logx.As().Debug().
		Str("id", s.Info()).
		Str("src", src).
		Str("object", objectName).
		Str("local_checksum", localChecksum).
		Str("bucket", s.bucketConfig.Bucket).
		Msg("Uploading file to bucket")

	info, err := s.client.FPutObject(ctx, s.bucketConfig.Bucket, objectName, src, minio.PutObjectOptions{
		SendContentMd5:        true,
		ConcurrentStreamParts: false,
	})
	if err != nil {
		logx.As().Error().
			Str("id", s.Info()).
			Str("src", src).
			Str("object", objectName).
			Str("bucket", s.bucketConfig.Bucket).
			Err(err).
			Msg("Failed to upload file to bucket")
		return nil, fmt.Errorf("failed to upload file to S3: %w", err)
	}

	logx.As().Info().
		Str("id", s.Info()).
		Str("src", src).
		Str("object", objectName).
		Str("checksum", info.ETag).
		Str("bucket", s.bucketConfig.Bucket).
		Time("last_modified", info.LastModified).
		Str("size", fmt.Sprintf("%d bytes", info.Size)).
		Str("sink_type", s.Type()).
		Msg("File uploaded successfully to the bucket")

	return &UploadInfo{
		Src:          src,
		Dest:         info.Key,
		ChecksumType: "md5",
		Checksum:     info.ETag,
		Size:         info.Size,
		LastModified: info.LastModified,
	}, nil
}

// NewS3 creates a new S3 sink.
//
// Parameters:
//   - id: A unique identifier for the sink.
//   - bucketConfig: The S3 bucket configuration.
//
// Returns:
//   - The sink, or an error if the configuration is invalid or the MinIO
//     client cannot be created.
func NewS3(id string, bucketConfig config.BucketConfig) (Sink, error) {
	if err := config.ValidateBucketConfig(bucketConfig); err != nil {
		logx.As().Error().
			Str("sink_type", TypeS3).
			Err(err).
			Msg("Invalid bucket configuration")
		return nil, err
	}

	client, err := minio.New(bucketConfig.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(bucketConfig.AccessKey, bucketConfig.SecretKey, ""),
		Secure: bucketConfig.UseSSL,
	})
	if err != nil {
		logx.As().Error().
			Str("sink_type", TypeS3).
			Err(err).
			Msg("Failed to create MinIO client")
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	logx.As().Trace().
		Str("sink_type", TypeS3).
		Str("endpoint", bucketConfig.Endpoint).
		Msg("MinIO client created successfully")

	s3 := &s3Handler{
		handler: &handler{
			id:         id,
			sinkType:   TypeS3,
			pathPrefix: bucketConfig.Prefix,
		},
		client:       &minioClientWrapper{client: client},
		bucketConfig: bucketConfig,
		bucketExists: make(map[string]bool),
	}

	s3.handler.preSync = s3.ensureBucketExists
	s3.handler.syncFile = s3.syncWithBucket

	logx.As().Debug().
		Str("id", s3.Info()).
		Str("sink_type", TypeS3).
		Str("bucket", bucketConfig.Bucket).
		Msg("S3 sink created successfully")

	return s3, nil
}

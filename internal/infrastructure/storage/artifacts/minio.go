package artifacts

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
)

// objectAPI is the slice of the minio client the store uses. Tests
// swap it for an in-memory fake.
type objectAPI interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (io.ReadCloser, error)
}

// newObjectAPI dials the real endpoint; swapped in tests.
var newObjectAPI = func(cfg config.ArtifactsConfig) (objectAPI, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "building minio client")
	}
	return minioAdapter{client}, nil
}

// minioAdapter narrows *minio.Client to objectAPI; GetObject needs the
// unpack because the concrete return type differs.
type minioAdapter struct {
	c *minio.Client
}

func (a minioAdapter) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return a.c.BucketExists(ctx, bucket)
}

func (a minioAdapter) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	return a.c.MakeBucket(ctx, bucket, opts)
}

func (a minioAdapter) PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return a.c.PutObject(ctx, bucket, object, r, size, opts)
}

func (a minioAdapter) GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	obj, err := a.c.GetObject(ctx, bucket, object, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// MinioStore keeps artifacts in one bucket under
// <request_id>/<name> and returns minio://bucket/key URIs.
type MinioStore struct {
	api    objectAPI
	bucket string
	logger logging.Logger
}

func NewMinioStore(cfg config.ArtifactsConfig, logger logging.Logger) (*MinioStore, error) {
	if logger == nil {
		logger = logging.Default()
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "dgf-artifacts"
	}
	api, err := newObjectAPI(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exists, err := api.BucketExists(ctx, bucket)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeServiceUnavailable, "checking artifacts bucket")
	}
	if !exists {
		if err := api.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "creating artifacts bucket "+bucket)
		}
		logger.Info("artifacts bucket created", logging.String("bucket", bucket))
	}

	return &MinioStore{api: api, bucket: bucket, logger: logger.Named("artifacts")}, nil
}

func (s *MinioStore) Put(ctx context.Context, requestID, name string, data []byte) (string, error) {
	key := sanitize(requestID) + "/" + sanitize(name)
	_, err := s.api.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "storing artifact "+key)
	}
	s.logger.Debug("artifact stored",
		logging.RequestID(requestID),
		logging.String("key", key),
		logging.Int("bytes", len(data)))
	return "minio://" + s.bucket + "/" + key, nil
}

func (s *MinioStore) Get(ctx context.Context, uri string) ([]byte, error) {
	rest, ok := strings.CutPrefix(uri, "minio://")
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeValidation, "uri %q is not a minio artifact", uri)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket != s.bucket {
		return nil, apperrors.Newf(apperrors.ErrCodeValidation, "uri %q targets a foreign bucket", uri)
	}
	obj, err := s.api.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "opening artifact "+key)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeNotFound, "reading artifact "+key)
	}
	return data, nil
}

func (s *MinioStore) Close() error { return nil }

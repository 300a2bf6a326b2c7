package storage

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"tidalsched/pkg/metrics"
	"tidalsched/pkg/resilience"
)

// maxSameSecondArtifacts caps the sequence suffix tried for one stem and timestamp.
const maxSameSecondArtifacts = 1000

// LocalArtifactStore writes artifacts into a single directory on the local filesystem.
type LocalArtifactStore struct {
	basePath string
}

// NewLocalArtifactStore creates the directory if needed.
func NewLocalArtifactStore(basePath string) (*LocalArtifactStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create log directory")
	}
	return &LocalArtifactStore{basePath: basePath}, nil
}

// Dir returns the artifact directory.
func (l *LocalArtifactStore) Dir() string {
	return l.basePath
}

// Store creates a new artifact file. Existing files are never opened for
// writing: if the name is taken by an earlier run in the same second, the
// next sequence suffix is tried.
func (l *LocalArtifactStore) Store(ctx context.Context, meta ArtifactMeta, body []byte) (string, error) {
	for seq := 1; seq <= maxSameSecondArtifacts; seq++ {
		p := filepath.Join(l.basePath, ArtifactName(meta.Stem, meta.StartedAt, seq))
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", errors.Wrap(err, "failed to create artifact")
		}

		_, werr := f.Write(body)
		cerr := f.Close()
		if werr != nil {
			return p, errors.Wrap(werr, "failed to write artifact")
		}
		if cerr != nil {
			return p, errors.Wrap(cerr, "failed to close artifact")
		}
		return p, nil
	}
	return "", errors.Wrapf(ErrNameExhausted, "%s at %s", meta.Stem, meta.StartedAt.Format(TimestampLayout))
}

// S3ArtifactArchive mirrors artifacts to S3-compatible storage.
type S3ArtifactArchive struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiveConfig holds S3 configuration
type S3ArchiveConfig struct {
	Bucket          string
	Prefix          string // e.g., "download_logs/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3ArtifactArchive creates a new S3-backed archive
func NewS3ArtifactArchive(ctx context.Context, cfg S3ArchiveConfig) (*S3ArtifactArchive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}

	// Custom credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &S3ArtifactArchive{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Key returns the object key for an artifact: <prefix><stem>/<name>.
func (s *S3ArtifactArchive) Key(meta ArtifactMeta) string {
	name := meta.Name
	if name == "" {
		name = ArtifactName(meta.Stem, meta.StartedAt, 1)
	}
	return s.prefix + path.Join(meta.Stem, name)
}

// Store uploads the artifact. The key is expected to be unique since the
// local store already settled the name.
func (s *S3ArtifactArchive) Store(ctx context.Context, meta ArtifactMeta, body []byte) (string, error) {
	key := s.Key(meta)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("text/plain"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to upload artifact to S3")
	}
	return "s3://" + s.bucket + "/" + key, nil
}

// TeeStore writes to a primary store and mirrors to an optional archive.
// Only the primary write decides success; archive failures are logged.
type TeeStore struct {
	primary ArtifactStore
	archive ArtifactStore
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// NewTeeStore combines primary and archive. archive may be nil.
func NewTeeStore(primary, archive ArtifactStore, breaker *resilience.CircuitBreaker, log *zap.Logger) *TeeStore {
	return &TeeStore{primary: primary, archive: archive, breaker: breaker, log: log}
}

func (t *TeeStore) Store(ctx context.Context, meta ArtifactMeta, body []byte) (string, error) {
	ref, err := t.primary.Store(ctx, meta, body)
	if err != nil || t.archive == nil {
		return ref, err
	}

	meta.Name = filepath.Base(ref)
	upload := func(ctx context.Context) error {
		remote, err := t.archive.Store(ctx, meta, body)
		if err == nil {
			t.log.Debug("Archived run log", zap.String("artifact", remote))
		}
		return err
	}

	if t.breaker != nil {
		err = t.breaker.Execute(ctx, upload)
	} else {
		err = upload(ctx)
	}
	if err != nil {
		metrics.ArchiveUploads.WithLabelValues("failure").Inc()
		t.log.Warn("Failed to archive run log", zap.String("artifact", ref), zap.Error(err))
	} else {
		metrics.ArchiveUploads.WithLabelValues("success").Inc()
	}
	return ref, nil
}

package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"git-reviewer/internal/config"
	"git-reviewer/internal/models"
)

// Report is the archived form of a finished review.
type Report struct {
	JobID               string        `json:"job_id"`
	OwnerID             string        `json:"owner_id"`
	RepositoryReference string        `json:"repo_url"`
	Status              models.Status `json:"status"`
	Result              models.Result `json:"review_content"`
	Stats               models.Stats  `json:"stats"`
}

// Key returns the object key used for a job's report.
func Key(jobID string) string {
	return fmt.Sprintf("reviews/%s.json", jobID)
}

func encode(job models.Job) ([]byte, error) {
	return json.MarshalIndent(Report{
		JobID:               job.ID,
		OwnerID:             job.OwnerID,
		RepositoryReference: job.RepositoryReference,
		Status:              job.Status,
		Result:              job.Result,
		Stats:               job.Result.Stats(),
	}, "", "  ")
}

// Archiver stores a finished job's report and returns where it was written.
type Archiver interface {
	Archive(ctx context.Context, job models.Job) (string, error)
}

// New picks an archiver from config: S3 when a bucket is set, a local directory when
// ARCHIVE_DIR is set, otherwise nil.
func New(ctx context.Context, cfg config.Config) (Archiver, error) {
	switch {
	case cfg.ArchiveS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3{client: client, bucket: cfg.ArchiveS3Bucket}, nil
	case cfg.ArchiveDir != "":
		return &Local{baseDir: cfg.ArchiveDir}, nil
	default:
		return nil, nil
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Local writes reports below a directory.
type Local struct {
	baseDir string
}

// NewLocal builds a directory archiver.
func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir}
}

func (l *Local) Archive(_ context.Context, job models.Job) (string, error) {
	body, err := encode(job)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	path := filepath.Join(l.baseDir, filepath.FromSlash(Key(job.ID)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3 puts reports into a bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

func (s *S3) Archive(ctx context.Context, job models.Job) (string, error) {
	body, err := encode(job)
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	key := Key(job.ID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

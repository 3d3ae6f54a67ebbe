// Package logs stores the per-request build logs and related-bundles
// documents, either on local disk or in an S3 bucket.
package logs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/config"
)

const (
	logsKeyPrefix           = "request_logs"
	relatedBundlesKeyPrefix = "related_bundles"
)

type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store owns the request logfiles and related-bundles documents. In S3
// mode logfiles are written to a scratch directory and archived to the
// bucket when the capture stops.
type Store struct {
	cfg       *config.Config
	log       *logrus.Entry
	awsClient s3Client
	logsDir   string
	formatter logrus.Formatter
	now       func() time.Time

	mu   sync.Mutex
	open map[int64]*os.File
}

// NewStore builds the log store. With IIB_AWS_S3_BUCKET_NAME set the
// ambient AWS credential chain must be able to reach the bucket.
func NewStore(ctx context.Context, cfg *config.Config, log *logrus.Entry) (*Store, error) {
	store := &Store{
		cfg:       cfg,
		log:       log,
		logsDir:   cfg.RequestLogsDir,
		formatter: &logrus.TextFormatter{FullTimestamp: true, DisableColors: true},
		now:       time.Now,
		open:      map[int64]*os.File{},
	}
	if cfg.AWSS3BucketName != "" {
		awsConfig, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create the AWS config: %w", err)
		}
		store.awsClient = s3.NewFromConfig(awsConfig)
		scratch, err := os.MkdirTemp("", "iib-request-logs-")
		if err != nil {
			return nil, fmt.Errorf("failed to create the log scratch directory: %w", err)
		}
		store.logsDir = scratch
	}
	return store, nil
}

// Enabled reports whether request logs are stored at all. When false
// the logs endpoint answers 404 and serialized requests carry no logs
// pointer.
func (s *Store) Enabled() bool {
	return s.cfg.RequestLogsDir != "" || s.cfg.AWSS3BucketName != ""
}

// RelatedBundlesEnabled reports whether related-bundles documents are
// stored.
func (s *Store) RelatedBundlesEnabled() bool {
	return s.cfg.RequestRelatedBundlesDir != "" || s.cfg.AWSS3BucketName != ""
}

// Ref builds the logs pointer serialized with a request.
func (s *Store) Ref(baseURL string, requestID int64, updated time.Time) *api.LogsRef {
	if !s.Enabled() {
		return nil
	}
	return &api.LogsRef{
		URL:        fmt.Sprintf("%s/api/v1/builds/%d/logs", strings.TrimSuffix(baseURL, "/"), requestID),
		Expiration: updated.Add(s.cfg.RequestLogsTTL()),
	}
}

// RelatedBundlesURL builds the related-bundles pointer for
// recursive-related-bundles requests.
func (s *Store) RelatedBundlesURL(baseURL string, requestID int64) string {
	if !s.RelatedBundlesEnabled() {
		return ""
	}
	return fmt.Sprintf("%s/api/v1/builds/%d/related_bundles", strings.TrimSuffix(baseURL, "/"), requestID)
}

// Decorate attaches the logs pointer, and where the request type
// produces one, the related-bundles pointer, to a request document
// before it is serialized.
func (s *Store) Decorate(baseURL string, doc api.BuildDocument) api.BuildDocument {
	envelope := doc.Envelope()
	envelope.Logs = s.Ref(baseURL, envelope.ID, envelope.Updated)
	url := s.RelatedBundlesURL(baseURL, envelope.ID)
	if url == "" {
		return doc
	}
	ref := &api.LogsRef{
		URL:        url,
		Expiration: envelope.Updated.Add(time.Duration(s.cfg.RequestDataDaysToLive) * 24 * time.Hour),
	}
	switch build := doc.(type) {
	case *api.RegenerateBundleBuild:
		build.RelatedBundles = ref
	case *api.RecursiveRelatedBundlesBuild:
		build.RelatedBundles = ref
	}
	return doc
}

func (s *Store) logPath(requestID int64) string {
	return filepath.Join(s.logsDir, fmt.Sprintf("%d.log", requestID))
}

// StartCapture opens the request's logfile. Until StopCapture, every
// log entry carrying a matching request_id field is appended to it.
func (s *Store) StartCapture(requestID int64) error {
	if !s.Enabled() {
		return nil
	}
	if err := os.MkdirAll(s.logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create the request logs directory: %w", err)
	}
	file, err := os.Create(s.logPath(requestID))
	if err != nil {
		return fmt.Errorf("failed to create the logfile for request %d: %w", requestID, err)
	}
	s.mu.Lock()
	s.open[requestID] = file
	s.mu.Unlock()
	return nil
}

// StopCapture closes the request's logfile and, in S3 mode, archives
// it to the bucket. Archiving is best-effort.
func (s *Store) StopCapture(ctx context.Context, requestID int64) {
	s.mu.Lock()
	file, ok := s.open[requestID]
	delete(s.open, requestID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := file.Close(); err != nil {
		s.log.WithError(err).WithField("request_id", requestID).Warning("Failed to close the request logfile")
	}
	if s.awsClient == nil {
		return
	}
	content, err := os.ReadFile(s.logPath(requestID))
	if err != nil {
		s.log.WithError(err).WithField("request_id", requestID).Warning("Failed to read the request logfile for archiving")
		return
	}
	_, err = s.awsClient.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.AWSS3BucketName),
		Key:    aws.String(fmt.Sprintf("%s/%d.log", logsKeyPrefix, requestID)),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		s.log.WithError(err).WithField("request_id", requestID).Warning("Failed to archive the request logfile")
		return
	}
	if err := os.Remove(s.logPath(requestID)); err != nil {
		s.log.WithError(err).WithField("request_id", requestID).Debug("Failed to remove the archived logfile")
	}
}

func (s *Store) append(requestID int64, entry *logrus.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, ok := s.open[requestID]
	if !ok {
		return nil
	}
	line, err := s.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = file.Write(line)
	return err
}

// GetLogs returns the plain-text logs of a request. Expired logs are
// gone, everything else that cannot be read is not found.
func (s *Store) GetLogs(ctx context.Context, requestID int64, updated time.Time) ([]byte, error) {
	if !s.Enabled() {
		return nil, api.NotFoundErrorf("The requested resource was not found")
	}
	if updated.Add(s.cfg.RequestLogsTTL()).Before(s.now()) {
		return nil, api.GoneErrorf("The logs for the build request %d have been removed due to expiration", requestID)
	}
	if s.awsClient != nil {
		return s.getObject(ctx, fmt.Sprintf("%s/%d.log", logsKeyPrefix, requestID))
	}
	content, err := os.ReadFile(filepath.Join(s.cfg.RequestLogsDir, fmt.Sprintf("%d.log", requestID)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, api.NotFoundErrorf("The requested resource was not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read the logs of request %d: %w", requestID, err)
	}
	return content, nil
}

// SaveRelatedBundles stores the related-bundles document of a
// recursive-related-bundles request.
func (s *Store) SaveRelatedBundles(ctx context.Context, requestID int64, bundles []string) error {
	document, err := json.Marshal(bundles)
	if err != nil {
		return fmt.Errorf("could not serialize the related bundles: %w", err)
	}
	name := fmt.Sprintf("%d_related_bundles.json", requestID)
	if s.awsClient != nil {
		_, err := s.awsClient.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.AWSS3BucketName),
			Key:    aws.String(fmt.Sprintf("%s/%s", relatedBundlesKeyPrefix, name)),
			Body:   bytes.NewReader(document),
		})
		if err != nil {
			return fmt.Errorf("failed to upload the related bundles of request %d: %w", requestID, err)
		}
		return nil
	}
	if s.cfg.RequestRelatedBundlesDir == "" {
		return fmt.Errorf("related bundle storage is not configured")
	}
	if err := os.MkdirAll(s.cfg.RequestRelatedBundlesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create the related bundles directory: %w", err)
	}
	path := filepath.Join(s.cfg.RequestRelatedBundlesDir, name)
	if err := os.WriteFile(path, document, 0o644); err != nil {
		return fmt.Errorf("failed to write the related bundles of request %d: %w", requestID, err)
	}
	return nil
}

// GetRelatedBundles returns the stored related-bundles document.
// Documents expire with the request data TTL.
func (s *Store) GetRelatedBundles(ctx context.Context, requestID int64, updated time.Time) ([]byte, error) {
	if !s.RelatedBundlesEnabled() {
		return nil, api.NotFoundErrorf("The requested resource was not found")
	}
	ttl := time.Duration(s.cfg.RequestDataDaysToLive) * 24 * time.Hour
	if updated.Add(ttl).Before(s.now()) {
		return nil, api.GoneErrorf("The related bundles for the build request %d have been removed due to expiration", requestID)
	}
	name := fmt.Sprintf("%d_related_bundles.json", requestID)
	if s.awsClient != nil {
		return s.getObject(ctx, fmt.Sprintf("%s/%s", relatedBundlesKeyPrefix, name))
	}
	content, err := os.ReadFile(filepath.Join(s.cfg.RequestRelatedBundlesDir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, api.NotFoundErrorf("The requested resource was not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read the related bundles of request %d: %w", requestID, err)
	}
	return content, nil
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, error) {
	result, err := s.awsClient.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.AWSS3BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		nsk := &s3types.NoSuchKey{}
		if errors.As(err, &nsk) {
			return nil, api.NotFoundErrorf("The requested resource was not found")
		}
		return nil, fmt.Errorf("failed to get %s from the %s bucket: %w", key, s.cfg.AWSS3BucketName, err)
	}
	defer result.Body.Close()
	content, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return content, nil
}

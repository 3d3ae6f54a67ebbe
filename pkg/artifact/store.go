// Package artifact moves the index.db database between the build
// workspace and the artifact registry as a single-file OCI artifact.
package artifact

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/file"
	orasregistry "oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/release-engineering/iib/pkg/config"
	"github.com/release-engineering/iib/pkg/registry"
)

const (
	// IndexDBMediaType is the layer media type of the index.db file.
	IndexDBMediaType = "application/x-sqlite3"

	artifactType = "application/vnd.iib.index-db"

	// IndexDBFileName is the file name inside the artifact and the
	// pulled directory.
	IndexDBFileName = "index.db"
)

// Option customizes a Store.
type Option func(*Store)

// WithCredentials sets basic credentials for the artifact registry.
func WithCredentials(username, password string) Option {
	return func(s *Store) {
		s.credential = auth.StaticCredential("", auth.Credential{Username: username, Password: password})
	}
}

// WithPlainHTTP allows plain HTTP registries.
func WithPlainHTTP() Option {
	return func(s *Store) { s.plainHTTP = true }
}

// WithInsecureSkipTLS skips TLS verification.
func WithInsecureSkipTLS() Option {
	return func(s *Store) { s.insecureSkipTLS = true }
}

// WithImageStreamCache routes index.db pulls through the
// ImageStream-backed cache when the digests agree.
func WithImageStreamCache(cache *ImageStreamCache) Option {
	return func(s *Store) { s.streamCache = cache }
}

// Store pulls and pushes OCI artifacts.
type Store struct {
	cfg             *config.Config
	credential      func(context.Context, string) (auth.Credential, error)
	plainHTTP       bool
	insecureSkipTLS bool
	streamCache     *ImageStreamCache
	log             *logrus.Entry
}

func NewStore(cfg *config.Config, options ...Option) *Store {
	store := &Store{
		cfg: cfg,
		log: logrus.WithField("component", "artifact"),
	}
	for _, option := range options {
		option(store)
	}
	return store
}

func (s *Store) httpClient() *http.Client {
	if !s.insecureSkipTLS {
		return retry.DefaultClient
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402
		},
	}
}

// repository splits ref into its repository and tag-or-digest parts
// and returns an authenticated client for the former.
func (s *Store) repository(ref string) (*remote.Repository, string, error) {
	parsed, err := orasregistry.ParseReference(ref)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse artifact reference %q: %w", ref, err)
	}
	repo, err := remote.NewRepository(parsed.Registry + "/" + parsed.Repository)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open the repository of %q: %w", ref, err)
	}
	repo.PlainHTTP = s.plainHTTP
	client := &auth.Client{
		Client: s.httpClient(),
		Cache:  auth.NewCache(),
	}
	if s.credential != nil {
		client.Credential = s.credential
	}
	repo.Client = client
	return repo, parsed.Reference, nil
}

// Pull downloads the artifact into a fresh subdirectory of baseDir and
// returns the subdirectory's absolute path. The subdirectory is
// removed again when the download fails.
func (s *Store) Pull(ctx context.Context, ref, baseDir string) (dir string, err error) {
	dir, err = os.MkdirTemp(baseDir, "artifact-")
	if err != nil {
		return "", fmt.Errorf("failed to create the artifact directory: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()
	if dir, err = filepath.Abs(dir); err != nil {
		return "", fmt.Errorf("failed to resolve the artifact directory: %w", err)
	}

	repo, reference, err := s.repository(ref)
	if err != nil {
		return "", err
	}
	target, err := file.New(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open the artifact directory: %w", err)
	}
	defer target.Close()
	if _, err = oras.Copy(ctx, repo, reference, target, reference, oras.DefaultCopyOptions); err != nil {
		return "", fmt.Errorf("failed to pull artifact %q: %w", ref, err)
	}
	return dir, nil
}

// Push uploads a single file as the artifact at ref. The annotations
// land on the artifact manifest.
func (s *Store) Push(ctx context.Context, ref, localPath, mediaType string, annotations map[string]string) error {
	if !filepath.IsAbs(localPath) {
		var err error
		if localPath, err = filepath.Abs(localPath); err != nil {
			return fmt.Errorf("failed to resolve %q: %w", localPath, err)
		}
	}
	source, err := file.New(filepath.Dir(localPath))
	if err != nil {
		return fmt.Errorf("failed to open the artifact source: %w", err)
	}
	defer source.Close()

	layer, err := source.Add(ctx, filepath.Base(localPath), mediaType, "")
	if err != nil {
		return fmt.Errorf("failed to stage %q: %w", localPath, err)
	}
	manifest, err := oras.PackManifest(ctx, source, oras.PackManifestVersion1_1, artifactType, oras.PackManifestOptions{
		Layers:              []ocispec.Descriptor{layer},
		ManifestAnnotations: annotations,
	})
	if err != nil {
		return fmt.Errorf("failed to pack the artifact manifest: %w", err)
	}

	repo, reference, err := s.repository(ref)
	if err != nil {
		return err
	}
	if err := source.Tag(ctx, manifest, reference); err != nil {
		return fmt.Errorf("failed to tag the artifact: %w", err)
	}
	if _, err := oras.Copy(ctx, source, reference, repo, reference, oras.DefaultCopyOptions); err != nil {
		return fmt.Errorf("failed to push artifact %q: %w", ref, err)
	}
	return nil
}

// Digest resolves the current manifest digest of ref.
func (s *Store) Digest(ctx context.Context, ref string) (string, error) {
	repo, reference, err := s.repository(ref)
	if err != nil {
		return "", err
	}
	descriptor, err := repo.Resolve(ctx, reference)
	if err != nil {
		return "", fmt.Errorf("failed to resolve artifact %q: %w", ref, err)
	}
	return descriptor.Digest.String(), nil
}

// Copy replicates src to dst without a local download. The usual shape
// is a digest-pinned source restored onto a tag.
func (s *Store) Copy(ctx context.Context, src, dst string) error {
	srcRepo, srcReference, err := s.repository(src)
	if err != nil {
		return err
	}
	dstRepo, dstReference, err := s.repository(dst)
	if err != nil {
		return err
	}
	if _, err := oras.Copy(ctx, srcRepo, srcReference, dstRepo, dstReference, oras.DefaultCopyOptions); err != nil {
		return fmt.Errorf("failed to copy artifact %q to %q: %w", src, dst, err)
	}
	return nil
}

// IndexDBPath returns the path of index.db inside a pulled artifact
// directory, failing when the artifact did not carry one.
func IndexDBPath(dir string) (string, error) {
	path := filepath.Join(dir, IndexDBFileName)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("the artifact did not contain %s: %w", IndexDBFileName, err)
	}
	return path, nil
}

// Ref maps an index pullspec to its index.db artifact reference.
func Ref(cfg *config.Config, fromIndex string) (string, error) {
	imageName, err := registry.ImageName(fromIndex)
	if err != nil {
		return "", err
	}
	branch, err := registry.Tag(fromIndex)
	if err != nil {
		return "", err
	}
	return cfg.IndexDBArtifactRef(imageName, branch), nil
}

// RequestRef is the request-scoped artifact reference, pushed for
// every build so the artifact of an unmerged change stays reachable.
func RequestRef(cfg *config.Config, fromIndex string, requestID int64) (string, error) {
	ref, err := Ref(cfg, fromIndex)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", ref, requestID), nil
}

package registry

import (
	"fmt"
	"strings"
	"time"

	manifesttool "github.com/estesp/manifest-tool/v2/pkg/registry"
	"github.com/estesp/manifest-tool/v2/pkg/types"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/wait"
)

// ManifestListEntry is one per-architecture image to stitch into a
// manifest list.
type ManifestListEntry struct {
	Image        string
	Architecture string
}

type ManifestListPusher interface {
	PushManifestList(target string, entries []ManifestListEntry) error
}

func NewManifestListPusher(logger *logrus.Entry, dockercfgPath string) ManifestListPusher {
	return &manifestListPusher{
		logger:        logger,
		dockercfgPath: dockercfgPath,
	}
}

type manifestListPusher struct {
	logger        *logrus.Entry
	dockercfgPath string
}

func (m manifestListPusher) PushManifestList(target string, entries []ManifestListEntry) error {
	srcImages := []types.ManifestEntry{}
	for _, entry := range entries {
		if entry.Architecture == "" {
			return fmt.Errorf("image %s has no architecture", entry.Image)
		}
		m.logger.Infof("Adding architecture %s: %s", entry.Architecture, entry.Image)
		srcImages = append(srcImages, types.ManifestEntry{
			Image: entry.Image,
			Platform: ocispec.Platform{
				OS:           "linux",
				Architecture: entry.Architecture,
			},
		})
	}

	if len(srcImages) == 0 {
		return fmt.Errorf("no source images to create manifest list for %s", target)
	}
	m.logger.Infof("Creating manifest list for %s with %d architectures", target, len(srcImages))

	// A pipeline can report its per-arch results before the registry
	// finishes serving the blobs, so missing-image errors are retried
	// with backoff.
	backoff := wait.Backoff{
		Duration: 5 * time.Second,
		Factor:   1.5,
		Steps:    10,
	}

	var digest string
	var length int
	var err error

	err = wait.ExponentialBackoff(backoff, func() (bool, error) {
		digest, length, err = manifesttool.PushManifestList(
			"", // username: token auth travels via the docker config
			"", // password
			types.YAMLInput{Image: target, Manifests: srcImages},
			false, // --ignore-missing: a missing architecture is an error
			true,  // --insecure
			false, // --plain-http
			types.Docker,
			m.dockercfgPath,
		)
		if err != nil {
			errStr := err.Error()
			if strings.Contains(errStr, "no image found in manifest list") ||
				strings.Contains(errStr, "inspect of image") ||
				strings.Contains(errStr, "failed to pull image") ||
				strings.Contains(errStr, "choosing an image from manifest list") {
				m.logger.Warnf("Images not yet available in registry, retrying: %v", err)
				return false, nil
			}
			return false, err
		}
		return true, nil
	})

	if err != nil {
		return fmt.Errorf("failed to push manifest list for %s after retries: %w", target, err)
	}
	m.logger.WithField("digest", digest).WithField("length", length).Infof("Successfully created manifest list for %s", target)

	return nil
}

// Package registry inspects and replicates container images. Reads of
// digest-pinned pullspecs are memoized through the cache region; tag
// reads always hit the registry because tags move.
package registry

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	"github.com/release-engineering/iib/pkg/cache"
)

// Option customizes a Client.
type Option func(*Client)

// WithInsecure allows plain HTTP registries.
func WithInsecure() Option {
	return func(c *Client) { c.insecure = true }
}

// Client reads from and writes to image registries.
type Client struct {
	region   *cache.Region
	insecure bool
}

func NewClient(region *cache.Region, options ...Option) *Client {
	client := &Client{region: region}
	for _, option := range options {
		option(client)
	}
	return client
}

func (c *Client) parse(pullspec string) (name.Reference, error) {
	var options []name.Option
	if c.insecure {
		options = append(options, name.Insecure)
	}
	ref, err := name.ParseReference(pullspec, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pullspec %q: %w", pullspec, err)
	}
	return ref, nil
}

func (c *Client) remoteOptions(ctx context.Context) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	}
}

// ImageMetadata is the memoized result of an image inspection.
type ImageMetadata struct {
	Digest        string            `json:"digest"`
	MediaType     string            `json:"media_type"`
	Architectures []string          `json:"architectures"`
	Labels        map[string]string `json:"labels"`
}

// Inspect returns the metadata of an image or manifest list.
func (c *Client) Inspect(ctx context.Context, pullspec string) (*ImageMetadata, error) {
	data, err := c.region.Memoize(ctx, "registry.Inspect", []string{pullspec}, func() ([]byte, error) {
		metadata, err := c.inspect(ctx, pullspec)
		if err != nil {
			return nil, err
		}
		return json.Marshal(metadata)
	})
	if err != nil {
		return nil, err
	}
	metadata := &ImageMetadata{}
	if err := json.Unmarshal(data, metadata); err != nil {
		return nil, fmt.Errorf("failed to decode cached metadata for %q: %w", pullspec, err)
	}
	return metadata, nil
}

func (c *Client) inspect(ctx context.Context, pullspec string) (*ImageMetadata, error) {
	ref, err := c.parse(pullspec)
	if err != nil {
		return nil, err
	}
	descriptor, err := remote.Get(ref, c.remoteOptions(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %q: %w", pullspec, err)
	}
	metadata := &ImageMetadata{
		Digest:    descriptor.Digest.String(),
		MediaType: string(descriptor.MediaType),
	}
	if descriptor.MediaType.IsIndex() {
		index, err := descriptor.ImageIndex()
		if err != nil {
			return nil, fmt.Errorf("failed to read the manifest list of %q: %w", pullspec, err)
		}
		manifest, err := index.IndexManifest()
		if err != nil {
			return nil, fmt.Errorf("failed to read the manifest list of %q: %w", pullspec, err)
		}
		var child v1.Image
		for _, entry := range manifest.Manifests {
			if entry.Platform == nil || entry.Platform.Architecture == "" || entry.Platform.Architecture == "unknown" {
				continue
			}
			metadata.Architectures = append(metadata.Architectures, entry.Platform.Architecture)
			if child == nil {
				if child, err = index.Image(entry.Digest); err != nil {
					return nil, fmt.Errorf("failed to read a child image of %q: %w", pullspec, err)
				}
			}
		}
		sort.Strings(metadata.Architectures)
		if child != nil {
			configFile, err := child.ConfigFile()
			if err != nil {
				return nil, fmt.Errorf("failed to read the image config of %q: %w", pullspec, err)
			}
			metadata.Labels = configFile.Config.Labels
		}
		return metadata, nil
	}
	image, err := descriptor.Image()
	if err != nil {
		return nil, fmt.Errorf("failed to read the image %q: %w", pullspec, err)
	}
	configFile, err := image.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("failed to read the image config of %q: %w", pullspec, err)
	}
	if configFile.Architecture != "" {
		metadata.Architectures = []string{configFile.Architecture}
	}
	metadata.Labels = configFile.Config.Labels
	return metadata, nil
}

// ResolveDigest returns the current manifest digest of a pullspec.
func (c *Client) ResolveDigest(ctx context.Context, pullspec string) (string, error) {
	data, err := c.region.Memoize(ctx, "registry.ResolveDigest", []string{pullspec}, func() ([]byte, error) {
		ref, err := c.parse(pullspec)
		if err != nil {
			return nil, err
		}
		descriptor, err := remote.Get(ref, c.remoteOptions(ctx)...)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve the digest of %q: %w", pullspec, err)
		}
		return []byte(descriptor.Digest.String()), nil
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Resolve pins a pullspec to its digest form.
func (c *Client) Resolve(ctx context.Context, pullspec string) (string, error) {
	if strings.Contains(pullspec, "@sha256:") {
		return pullspec, nil
	}
	digest, err := c.ResolveDigest(ctx, pullspec)
	if err != nil {
		return "", err
	}
	ref, err := c.parse(pullspec)
	if err != nil {
		return "", err
	}
	return ref.Context().Name() + "@" + digest, nil
}

// CopyAllManifests replicates src to dst. A manifest list is written
// whole so every architecture travels with it.
func (c *Client) CopyAllManifests(ctx context.Context, src, dst string) error {
	srcRef, err := c.parse(src)
	if err != nil {
		return err
	}
	dstRef, err := c.parse(dst)
	if err != nil {
		return err
	}
	descriptor, err := remote.Get(srcRef, c.remoteOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("failed to fetch %q: %w", src, err)
	}
	if descriptor.MediaType.IsIndex() {
		index, err := descriptor.ImageIndex()
		if err != nil {
			return fmt.Errorf("failed to read the manifest list of %q: %w", src, err)
		}
		if err := remote.WriteIndex(dstRef, index, c.remoteOptions(ctx)...); err != nil {
			return fmt.Errorf("failed to write %q: %w", dst, err)
		}
		return nil
	}
	image, err := descriptor.Image()
	if err != nil {
		return fmt.Errorf("failed to read the image %q: %w", src, err)
	}
	if err := remote.Write(dstRef, image, c.remoteOptions(ctx)...); err != nil {
		return fmt.Errorf("failed to write %q: %w", dst, err)
	}
	return nil
}

type clusterServiceVersion struct {
	Kind string `json:"kind"`
	Spec struct {
		RelatedImages []struct {
			Name  string `json:"name"`
			Image string `json:"image"`
		} `json:"relatedImages"`
	} `json:"spec"`
}

// RelatedImages reads the related images an operator bundle declares
// in its cluster service version manifest.
func (c *Client) RelatedImages(ctx context.Context, pullspec string) ([]string, error) {
	data, err := c.region.Memoize(ctx, "registry.RelatedImages", []string{pullspec}, func() ([]byte, error) {
		images, err := c.relatedImages(ctx, pullspec)
		if err != nil {
			return nil, err
		}
		return json.Marshal(images)
	})
	if err != nil {
		return nil, err
	}
	var images []string
	if err := json.Unmarshal(data, &images); err != nil {
		return nil, fmt.Errorf("failed to decode cached related images for %q: %w", pullspec, err)
	}
	return images, nil
}

func (c *Client) relatedImages(ctx context.Context, pullspec string) ([]string, error) {
	ref, err := c.parse(pullspec)
	if err != nil {
		return nil, err
	}
	image, err := remote.Image(ref, c.remoteOptions(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch the bundle %q: %w", pullspec, err)
	}
	filesystem := mutate.Extract(image)
	defer filesystem.Close()

	images := sets.New[string]()
	reader := tar.NewReader(filesystem)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read the bundle filesystem of %q: %w", pullspec, err)
		}
		cleaned := path.Clean(header.Name)
		if header.Typeflag != tar.TypeReg || !strings.HasPrefix(cleaned, "manifests/") {
			continue
		}
		if !strings.HasSuffix(cleaned, ".yaml") && !strings.HasSuffix(cleaned, ".yml") {
			continue
		}
		content, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to read %q from %q: %w", header.Name, pullspec, err)
		}
		var csv clusterServiceVersion
		// Non-CSV manifests live in the same directory.
		if err := yaml.Unmarshal(content, &csv); err != nil || csv.Kind != "ClusterServiceVersion" {
			continue
		}
		for _, related := range csv.Spec.RelatedImages {
			if related.Image != "" {
				images.Insert(related.Image)
			}
		}
	}
	return sets.List(images), nil
}

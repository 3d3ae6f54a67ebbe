package registry

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// ExtractConfigs writes the /configs tree of a file-based catalog
// image to dest, one directory per package.
func (c *Client) ExtractConfigs(ctx context.Context, pullspec, dest string) error {
	ref, err := c.parse(pullspec)
	if err != nil {
		return err
	}
	image, err := remote.Image(ref, c.remoteOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("failed to fetch the catalog image %q: %w", pullspec, err)
	}
	filesystem := mutate.Extract(image)
	defer filesystem.Close()

	found := false
	reader := tar.NewReader(filesystem)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read the catalog filesystem of %q: %w", pullspec, err)
		}
		cleaned := path.Clean(strings.TrimPrefix(header.Name, "/"))
		relative, ok := strings.CutPrefix(cleaned, "configs/")
		if !ok || relative == "" || strings.Contains(relative, "..") {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(relative))
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create %q: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create %q: %w", filepath.Dir(target), err)
			}
			content, err := io.ReadAll(reader)
			if err != nil {
				return fmt.Errorf("failed to read %q from %q: %w", header.Name, pullspec, err)
			}
			if err := os.WriteFile(target, content, 0o644); err != nil {
				return fmt.Errorf("failed to write %q: %w", target, err)
			}
		default:
			continue
		}
		found = true
	}
	if !found {
		return fmt.Errorf("the catalog image %q carries no configs directory", pullspec)
	}
	return nil
}

// RewriteBundle pushes a copy of a bundle image to dst with the given
// pullspec replacements applied to its operator manifests, returning
// the digest of the pushed image. With no replacements the bundle
// travels unchanged.
func (c *Client) RewriteBundle(ctx context.Context, src, dst string, replacements map[string]string) (string, error) {
	srcRef, err := c.parse(src)
	if err != nil {
		return "", err
	}
	dstRef, err := c.parse(dst)
	if err != nil {
		return "", err
	}
	image, err := remote.Image(srcRef, c.remoteOptions(ctx)...)
	if err != nil {
		return "", fmt.Errorf("failed to fetch the bundle %q: %w", src, err)
	}
	if len(replacements) > 0 {
		layer, changed, err := rewriteManifestsLayer(image, replacements)
		if err != nil {
			return "", fmt.Errorf("failed to rewrite the manifests of %q: %w", src, err)
		}
		if changed {
			image, err = mutate.AppendLayers(image, layer)
			if err != nil {
				return "", fmt.Errorf("failed to append the rewritten manifests to %q: %w", src, err)
			}
		}
	}
	if err := remote.Write(dstRef, image, c.remoteOptions(ctx)...); err != nil {
		return "", fmt.Errorf("failed to push the bundle %q: %w", dst, err)
	}
	digest, err := image.Digest()
	if err != nil {
		return "", fmt.Errorf("failed to compute the digest of %q: %w", dst, err)
	}
	return digest.String(), nil
}

// rewriteManifestsLayer builds a layer shadowing every manifest file
// that mentions a replaced pullspec. Layers stack, so only the changed
// files need to travel.
func rewriteManifestsLayer(image v1.Image, replacements map[string]string) (v1.Layer, bool, error) {
	filesystem := mutate.Extract(image)
	defer filesystem.Close()

	var buffer bytes.Buffer
	writer := tar.NewWriter(&buffer)
	changed := false
	reader := tar.NewReader(filesystem)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false, err
		}
		cleaned := path.Clean(strings.TrimPrefix(header.Name, "/"))
		if header.Typeflag != tar.TypeReg || !strings.HasPrefix(cleaned, "manifests/") {
			continue
		}
		content, err := io.ReadAll(reader)
		if err != nil {
			return nil, false, err
		}
		rewritten := string(content)
		for original, replacement := range replacements {
			rewritten = strings.ReplaceAll(rewritten, original, replacement)
		}
		if rewritten == string(content) {
			continue
		}
		changed = true
		if err := writer.WriteHeader(&tar.Header{
			Name: cleaned,
			Mode: 0o644,
			Size: int64(len(rewritten)),
		}); err != nil {
			return nil, false, err
		}
		if _, err := writer.Write([]byte(rewritten)); err != nil {
			return nil, false, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, false, err
	}
	if !changed {
		return nil, false, nil
	}
	content := buffer.Bytes()
	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	})
	if err != nil {
		return nil, false, err
	}
	return layer, true, nil
}

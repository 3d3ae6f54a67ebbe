package build

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/release-engineering/iib/pkg/api"
)

// bundlePackageLabel names the operator package a bundle belongs to.
const bundlePackageLabel = "operators.operatorframework.io.bundle.package.v1"

func (j *job) inspectionLimit() int {
	if j.cfg.BundleInspectionConcurrency > 0 {
		return j.cfg.BundleInspectionConcurrency
	}
	return 1
}

// validateBundles inspects every bundle with a bounded pool and records
// the operator to bundle mapping. With checkRelated, each bundle's
// declared related images must be digest pinned and reachable.
func (j *job) validateBundles(ctx context.Context, bundles []string, checkRelated bool) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(j.inspectionLimit())
	var mu sync.Mutex
	mapping := map[string][]string{}
	for _, bundle := range bundles {
		group.Go(func() error {
			metadata, err := j.images.Inspect(groupCtx, bundle)
			if err != nil {
				return fmt.Errorf("failed to inspect the bundle %q: %w", bundle, err)
			}
			if operator := metadata.Labels[bundlePackageLabel]; operator != "" {
				mu.Lock()
				mapping[operator] = append(mapping[operator], bundle)
				mu.Unlock()
			}
			if !checkRelated {
				return nil
			}
			return j.checkRelatedImages(groupCtx, bundle)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	for _, images := range mapping {
		sort.Strings(images)
	}
	return j.update(&api.UpdateRequest{BundleMapping: mapping})
}

// checkRelatedImages fails when a bundle declares a related image that
// is not pinned to a digest or cannot be fetched.
func (j *job) checkRelatedImages(ctx context.Context, bundle string) error {
	related, err := j.images.RelatedImages(ctx, bundle)
	if err != nil {
		return fmt.Errorf("failed to read the related images of %q: %w", bundle, err)
	}
	for _, image := range related {
		if !strings.Contains(image, "@sha256:") {
			return fmt.Errorf("the related image %q of bundle %q is not pinned to a digest", image, bundle)
		}
		if _, err := j.images.Inspect(ctx, image); err != nil {
			return fmt.Errorf("the related image %q of bundle %q is not available: %w", image, bundle, err)
		}
	}
	return nil
}

// relatedBundlesOf returns the related images of a bundle that are
// themselves operator bundles, inspected with the bounded pool.
func (j *job) relatedBundlesOf(ctx context.Context, bundle string) ([]string, error) {
	related, err := j.images.RelatedImages(ctx, bundle)
	if err != nil {
		return nil, fmt.Errorf("failed to read the related images of %q: %w", bundle, err)
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(j.inspectionLimit())
	bundles := make([]string, len(related))
	for i, image := range related {
		group.Go(func() error {
			metadata, err := j.images.Inspect(groupCtx, image)
			if err != nil {
				return fmt.Errorf("failed to inspect the related image %q of %q: %w", image, bundle, err)
			}
			if metadata.Labels[bundlePackageLabel] != "" {
				bundles[i] = image
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	var out []string
	for _, image := range bundles {
		if image != "" {
			out = append(out, image)
		}
	}
	return out, nil
}

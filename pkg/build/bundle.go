package build

import (
	"context"
	"fmt"
	"strconv"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/config"
)

// runRegenerateBundle rebuilds a bundle image outside the git and
// pipeline flow: the bundle's manifest pullspecs are replaced and the
// adjusted bundle is pushed straight to the IIB registry.
func (j *job) runRegenerateBundle(ctx context.Context, p *api.RegenerateBundleRequest) (string, error) {
	if err := j.phase(ctx, "Resolving the bundle image"); err != nil {
		return "", err
	}
	resolved, err := j.images.Resolve(ctx, p.FromBundleImage)
	if err != nil {
		return "", fmt.Errorf("failed to resolve the bundle image %q: %w", p.FromBundleImage, err)
	}
	if err := j.update(&api.UpdateRequest{FromBundleImageResolved: &resolved}); err != nil {
		return "", err
	}

	if j.logs.RelatedBundlesEnabled() {
		if err := j.phase(ctx, "Collecting the related bundles"); err != nil {
			return "", err
		}
		related, err := j.relatedBundlesOf(ctx, resolved)
		if err != nil {
			return "", err
		}
		if err := j.logs.SaveRelatedBundles(j.stateCtx, j.requestID, related); err != nil {
			j.log.WithError(err).Warning("Failed to save the related bundles document")
		}
	}

	if err := j.phase(ctx, "Regenerating the bundle image"); err != nil {
		return "", err
	}
	destination := config.ExpandTemplate(j.cfg.ImagePushTemplate, map[string]string{
		"registry":   j.cfg.Registry,
		"request_id": strconv.FormatInt(j.requestID, 10),
	})
	if _, err := j.images.RewriteBundle(ctx, resolved, destination, p.BundleReplacements); err != nil {
		return "", fmt.Errorf("failed to regenerate the bundle: %w", err)
	}
	if err := j.update(&api.UpdateRequest{BundleImage: &destination}); err != nil {
		return "", err
	}
	return completedReason, nil
}

// runRecursiveRelatedBundles walks the related-bundles closure of a
// parent bundle breadth first and stores the discovered pullspecs as
// the request's output document. The parent comes first; visited
// bundles are never walked twice, so reference cycles terminate.
func (j *job) runRecursiveRelatedBundles(ctx context.Context, p *api.RecursiveRelatedBundlesRequest) (string, error) {
	if err := j.phase(ctx, "Resolving the parent bundle image"); err != nil {
		return "", err
	}
	resolved, err := j.images.Resolve(ctx, p.ParentBundleImage)
	if err != nil {
		return "", fmt.Errorf("failed to resolve the parent bundle image %q: %w", p.ParentBundleImage, err)
	}
	if err := j.update(&api.UpdateRequest{ParentBundleImageResolved: &resolved}); err != nil {
		return "", err
	}

	if err := j.phase(ctx, "Walking the related bundles"); err != nil {
		return "", err
	}
	discovered := []string{p.ParentBundleImage}
	seen := sets.New[string](resolved)
	queue := []string{resolved}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("the build was interrupted: %w", err)
		}
		var next []string
		for _, bundle := range queue {
			children, err := j.relatedBundlesOf(ctx, bundle)
			if err != nil {
				return "", err
			}
			for _, child := range children {
				if seen.Has(child) {
					continue
				}
				seen.Insert(child)
				discovered = append(discovered, child)
				next = append(next, child)
			}
		}
		queue = next
	}

	if err := j.logs.SaveRelatedBundles(j.stateCtx, j.requestID, discovered); err != nil {
		return "", fmt.Errorf("failed to save the related bundles document: %w", err)
	}
	j.log.WithField("bundles", len(discovered)).Info("Stored the related bundles document")
	return completedReason, nil
}

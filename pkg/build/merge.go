package build

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/release-engineering/iib/pkg/api"
)

// ocpVersionsLabel constrains the OpenShift releases a bundle may join.
const ocpVersionsLabel = "com.redhat.openshift.versions"

func (j *job) runMergeIndexImage(ctx context.Context, p *api.MergeIndexImageRequest) (string, error) {
	var sourceResolved string
	return j.runIndexBuild(ctx, &indexBuild{
		fromIndex:         p.TargetIndex,
		binaryImage:       p.BinaryImage,
		distributionScope: p.DistributionScope,
		buildTags:         p.BuildTags,
		overwrite:         p.OverwriteTargetIndex,
		recordResolved: func(update *api.UpdateRequest, resolved string) {
			update.TargetIndexResolved = &resolved
		},
		resolveExtra: func(ctx context.Context, update *api.UpdateRequest) error {
			resolved, err := j.images.Resolve(ctx, p.SourceFromIndex)
			if err != nil {
				return fmt.Errorf("failed to resolve the source index %q: %w", p.SourceFromIndex, err)
			}
			sourceResolved = resolved
			update.SourceFromIndexResolved = &resolved
			return nil
		},
		mutate: func(ctx context.Context, ws *workspace) error {
			missing, err := j.bundlesMissingInTarget(ctx, sourceResolved, ws, p.IgnoreBundleOCPVersion)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				if err := j.opm.AddBundles(ctx, ws.indexDB, missing, p.GraphUpdateMode); err != nil {
					return err
				}
			}
			if len(p.DeprecationList) > 0 {
				if err := j.opm.DeprecateBundles(ctx, ws.indexDB, p.DeprecationList); err != nil {
					return err
				}
			}
			return j.opm.Migrate(ctx, ws.indexDB, ws.configsDir)
		},
	})
}

// renderedBundle is the slice of an olm.bundle blob the merge needs.
type renderedBundle struct {
	Schema  string `json:"schema"`
	Package string `json:"package"`
	Image   string `json:"image"`
}

func parseRenderedBundles(data []byte) ([]renderedBundle, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	var bundles []renderedBundle
	for {
		var blob renderedBundle
		if err := decoder.Decode(&blob); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to decode the rendered catalog: %w", err)
		}
		if blob.Schema == "olm.bundle" && blob.Image != "" {
			bundles = append(bundles, blob)
		}
	}
	return bundles, nil
}

// bundlesMissingInTarget renders both catalogs and returns the source
// bundles the staged target does not carry. Unless the request opted
// out, bundles whose version label excludes the target's OpenShift
// release are skipped.
func (j *job) bundlesMissingInTarget(ctx context.Context, source string, ws *workspace, ignoreOCPVersion bool) ([]string, error) {
	sourceRendered, err := j.opm.Render(ctx, source)
	if err != nil {
		return nil, err
	}
	sourceBundles, err := parseRenderedBundles(sourceRendered)
	if err != nil {
		return nil, err
	}
	targetRendered, err := j.opm.Render(ctx, ws.configsDir)
	if err != nil {
		return nil, err
	}
	targetBundles, err := parseRenderedBundles(targetRendered)
	if err != nil {
		return nil, err
	}

	target, err := parseOCPVersion(ws.branch)
	filterVersions := !ignoreOCPVersion
	if filterVersions && err != nil {
		j.log.WithField("branch", ws.branch).Info("The catalog branch names no OpenShift release, merging all bundles")
		filterVersions = false
	}

	present := sets.New[string]()
	for _, bundle := range targetBundles {
		present.Insert(bundle.Image)
	}
	var missing []string
	for _, bundle := range sourceBundles {
		if present.Has(bundle.Image) {
			continue
		}
		if filterVersions {
			ok, err := j.supportsOCPVersion(ctx, bundle.Image, target)
			if err != nil {
				return nil, err
			}
			if !ok {
				j.log.WithField("bundle", bundle.Image).Info("Skipping a bundle outside the target OpenShift version range")
				continue
			}
		}
		missing = append(missing, bundle.Image)
	}
	sort.Strings(missing)
	return missing, nil
}

func (j *job) supportsOCPVersion(ctx context.Context, bundle string, target ocpVersion) (bool, error) {
	metadata, err := j.images.Inspect(ctx, bundle)
	if err != nil {
		return false, fmt.Errorf("failed to inspect the bundle %q: %w", bundle, err)
	}
	label := metadata.Labels[ocpVersionsLabel]
	if label == "" {
		return true, nil
	}
	ok, err := ocpVersionMatches(label, target)
	if err != nil {
		return false, fmt.Errorf("the bundle %q carries an invalid %s label: %w", bundle, ocpVersionsLabel, err)
	}
	return ok, nil
}

// ocpVersionMatches evaluates the com.redhat.openshift.versions label
// grammar against a target release: "=v4.6" pins a single release,
// "v4.5-v4.7" is a closed range, "v4.5,v4.6" enumerates releases with
// the lowest acting as the minimum and a bare "v4.5" means that release
// and everything after it.
func ocpVersionMatches(label string, target ocpVersion) (bool, error) {
	label = strings.TrimSpace(label)
	switch {
	case strings.HasPrefix(label, "="):
		pinned, err := parseOCPVersion(strings.TrimPrefix(label, "="))
		if err != nil {
			return false, err
		}
		return pinned == target, nil
	case strings.Contains(label, "-"):
		parts := strings.SplitN(label, "-", 2)
		low, err := parseOCPVersion(parts[0])
		if err != nil {
			return false, err
		}
		high, err := parseOCPVersion(parts[1])
		if err != nil {
			return false, err
		}
		return !target.less(low) && !high.less(target), nil
	case strings.Contains(label, ","):
		minimum := ocpVersion{}
		for i, part := range strings.Split(label, ",") {
			version, err := parseOCPVersion(part)
			if err != nil {
				return false, err
			}
			if i == 0 || version.less(minimum) {
				minimum = version
			}
		}
		return !target.less(minimum), nil
	default:
		minimum, err := parseOCPVersion(label)
		if err != nil {
			return false, err
		}
		return !target.less(minimum), nil
	}
}

type ocpVersion struct {
	major int
	minor int
}

func (v ocpVersion) less(other ocpVersion) bool {
	if v.major != other.major {
		return v.major < other.major
	}
	return v.minor < other.minor
}

func parseOCPVersion(s string) (ocpVersion, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "v")
	parts := strings.SplitN(trimmed, ".", 3)
	if len(parts) < 2 {
		return ocpVersion{}, fmt.Errorf("invalid OpenShift version %q", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return ocpVersion{}, fmt.Errorf("invalid OpenShift version %q", s)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return ocpVersion{}, fmt.Errorf("invalid OpenShift version %q", s)
	}
	return ocpVersion{major: major, minor: minor}, nil
}

package build

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/release-engineering/iib/pkg/api"
)

func (j *job) runAdd(ctx context.Context, p *api.AddRequest) (string, error) {
	b := &indexBuild{
		fromIndex:         p.FromIndex,
		binaryImage:       p.BinaryImage,
		distributionScope: p.DistributionScope,
		addArches:         p.AddArches,
		buildTags:         p.BuildTags,
		overwrite:         p.OverwriteFromIndex,
		recordResolved: func(update *api.UpdateRequest, resolved string) {
			update.FromIndexResolved = &resolved
		},
		mutate: func(ctx context.Context, ws *workspace) error {
			if len(p.Bundles) > 0 {
				if err := j.opm.AddBundles(ctx, ws.indexDB, p.Bundles, p.GraphUpdateMode); err != nil {
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
	}
	if len(p.Bundles) > 0 {
		b.validate = func(ctx context.Context) error {
			return j.validateBundles(ctx, p.Bundles, p.CheckRelatedImages)
		}
	}
	return j.runIndexBuild(ctx, b)
}

func (j *job) runRm(ctx context.Context, p *api.RmRequest) (string, error) {
	return j.runIndexBuild(ctx, &indexBuild{
		fromIndex:         p.FromIndex,
		binaryImage:       p.BinaryImage,
		distributionScope: p.DistributionScope,
		addArches:         p.AddArches,
		buildTags:         p.BuildTags,
		overwrite:         p.OverwriteFromIndex,
		recordResolved: func(update *api.UpdateRequest, resolved string) {
			update.FromIndexResolved = &resolved
		},
		mutate: func(ctx context.Context, ws *workspace) error {
			if err := j.opm.RemoveOperators(ctx, ws.indexDB, p.Operators); err != nil {
				return err
			}
			return j.opm.Migrate(ctx, ws.indexDB, ws.configsDir)
		},
	})
}

func (j *job) runCreateEmptyIndex(ctx context.Context, p *api.CreateEmptyIndexRequest) (string, error) {
	return j.runIndexBuild(ctx, &indexBuild{
		fromIndex:   p.FromIndex,
		binaryImage: p.BinaryImage,
		extraLabels: p.Labels,
		recordResolved: func(update *api.UpdateRequest, resolved string) {
			update.FromIndexResolved = &resolved
		},
		mutate: func(ctx context.Context, ws *workspace) error {
			operators, err := listPackages(ws.configsDir)
			if err != nil {
				return err
			}
			if len(operators) > 0 {
				if err := j.opm.RemoveOperators(ctx, ws.indexDB, operators); err != nil {
					return err
				}
			}
			return j.opm.Migrate(ctx, ws.indexDB, ws.configsDir)
		},
	})
}

func (j *job) runFbcOperations(ctx context.Context, p *api.FbcOperationsRequest) (string, error) {
	resolvedFragments := make([]string, len(p.FbcFragments))
	return j.runIndexBuild(ctx, &indexBuild{
		fromIndex:         p.FromIndex,
		binaryImage:       p.BinaryImage,
		distributionScope: p.DistributionScope,
		addArches:         p.AddArches,
		buildTags:         p.BuildTags,
		overwrite:         p.OverwriteFromIndex,
		recordResolved: func(update *api.UpdateRequest, resolved string) {
			update.FromIndexResolved = &resolved
		},
		resolveExtra: func(ctx context.Context, update *api.UpdateRequest) error {
			for i, fragment := range p.FbcFragments {
				resolved, err := j.images.Resolve(ctx, fragment)
				if err != nil {
					return fmt.Errorf("failed to resolve the fbc fragment %q: %w", fragment, err)
				}
				resolvedFragments[i] = resolved
			}
			update.FbcFragmentsResolved = resolvedFragments
			return nil
		},
		mutate: func(ctx context.Context, ws *workspace) error {
			for _, fragment := range resolvedFragments {
				staging, err := os.MkdirTemp(ws.root, "fragment-")
				if err != nil {
					return fmt.Errorf("failed to stage the fbc fragment: %w", err)
				}
				if err := j.images.ExtractConfigs(ctx, fragment, staging); err != nil {
					return err
				}
				if err := overlayCatalogDir(staging, ws.configsDir); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

// deprecationSchema is the slice of an olm.deprecations blob the build
// needs: the package it applies to.
type deprecationSchema struct {
	Schema  string `json:"schema"`
	Package string `json:"package"`
}

func (j *job) runAddDeprecations(ctx context.Context, p *api.AddDeprecationsRequest) (string, error) {
	return j.runIndexBuild(ctx, &indexBuild{
		fromIndex:   p.FromIndex,
		binaryImage: p.BinaryImage,
		buildTags:   p.BuildTags,
		overwrite:   p.OverwriteFromIndex,
		recordResolved: func(update *api.UpdateRequest, resolved string) {
			update.FromIndexResolved = &resolved
		},
		mutate: func(ctx context.Context, ws *workspace) error {
			operators := sets.New[string](p.Operators...)
			for _, raw := range p.DeprecationSchemas {
				var schema deprecationSchema
				if err := json.Unmarshal([]byte(raw), &schema); err != nil {
					return fmt.Errorf("failed to decode a deprecation schema: %w", err)
				}
				if schema.Package == "" {
					return fmt.Errorf("a deprecation schema does not name its package")
				}
				if !operators.Has(schema.Package) {
					return fmt.Errorf("the deprecation schema for package %q does not match the operators list", schema.Package)
				}
				dir := filepath.Join(ws.configsDir, schema.Package)
				if _, err := os.Stat(dir); err != nil {
					return fmt.Errorf("the package %q is not in the index: %w", schema.Package, err)
				}
				path := filepath.Join(dir, "deprecations.json")
				if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
					return fmt.Errorf("failed to write the deprecation schema for %q: %w", schema.Package, err)
				}
			}
			return nil
		},
	})
}

// listPackages reads the package names of a file-based catalog, one
// directory per package.
func listPackages(configsDir string) ([]string, error) {
	entries, err := os.ReadDir(configsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list the catalog packages: %w", err)
	}
	var packages []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			packages = append(packages, entry.Name())
		}
	}
	return packages, nil
}

// overlayCatalogDir lays the packages of an extracted catalog fragment
// over the staged catalog. A package carried by the fragment replaces
// the staged package wholesale.
func overlayCatalogDir(fragmentDir, configsDir string) error {
	entries, err := os.ReadDir(fragmentDir)
	if err != nil {
		return fmt.Errorf("failed to read the extracted fragment: %w", err)
	}
	for _, entry := range entries {
		source := filepath.Join(fragmentDir, entry.Name())
		target := filepath.Join(configsDir, entry.Name())
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to replace the package %q: %w", entry.Name(), err)
		}
		if entry.IsDir() {
			if err := os.CopyFS(target, os.DirFS(source)); err != nil {
				return fmt.Errorf("failed to copy the package %q: %w", entry.Name(), err)
			}
			continue
		}
		data, err := os.ReadFile(source)
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", source, err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %q: %w", target, err)
		}
	}
	return nil
}

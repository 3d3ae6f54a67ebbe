package api

// The store hands back whatever the driver recorded, which for a fresh
// request means nil slices and maps. Serialized documents always carry
// empty collections instead, so every build type normalizes itself
// before encoding.

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func emptyMapIfNil[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}

func (b *Build) normalize() {
	b.Arches = emptyIfNil(b.Arches)
}

func (b *IndexImageBuild) normalize() {
	b.BuildTags = emptyIfNil(b.BuildTags)
}

// Normalize replaces nil collections with empty ones so the encoded
// document is stable regardless of how the build was loaded.
func (b *AddBuild) Normalize() {
	b.Build.normalize()
	b.IndexImageBuild.normalize()
	b.Bundles = emptyIfNil(b.Bundles)
	b.BundleMapping = emptyMapIfNil(b.BundleMapping)
	b.DeprecationList = emptyIfNil(b.DeprecationList)
}

// Normalize replaces nil collections with empty ones.
func (b *RmBuild) Normalize() {
	b.Build.normalize()
	b.IndexImageBuild.normalize()
	b.RemovedOperators = emptyIfNil(b.RemovedOperators)
}

// Normalize replaces nil collections with empty ones.
func (b *RegenerateBundleBuild) Normalize() {
	b.Build.normalize()
	b.BundleReplacements = emptyMapIfNil(b.BundleReplacements)
}

// Normalize replaces nil collections with empty ones.
func (b *MergeIndexImageBuild) Normalize() {
	b.Build.normalize()
	b.IndexImageBuild.normalize()
	b.DeprecationList = emptyIfNil(b.DeprecationList)
}

// Normalize replaces nil collections with empty ones.
func (b *CreateEmptyIndexBuild) Normalize() {
	b.Build.normalize()
	b.IndexImageBuild.normalize()
	b.Labels = emptyMapIfNil(b.Labels)
}

// Normalize replaces nil collections with empty ones.
func (b *FbcOperationsBuild) Normalize() {
	b.Build.normalize()
	b.IndexImageBuild.normalize()
	b.FbcFragments = emptyIfNil(b.FbcFragments)
	b.FbcFragmentsResolved = emptyIfNil(b.FbcFragmentsResolved)
}

// Normalize replaces nil collections with empty ones.
func (b *AddDeprecationsBuild) Normalize() {
	b.Build.normalize()
	b.IndexImageBuild.normalize()
	b.Operators = emptyIfNil(b.Operators)
	b.DeprecationSchemas = emptyIfNil(b.DeprecationSchemas)
}

// Normalize replaces nil collections with empty ones.
func (b *RecursiveRelatedBundlesBuild) Normalize() {
	b.Build.normalize()
}

package database

import (
	"encoding/json"
	"time"
)

// requestRow is the common envelope of one request joined with its
// current state, user, batch and image references.
type requestRow struct {
	ID                             int64           `db:"id"`
	Type                           string          `db:"type"`
	BatchID                        int64           `db:"batch_id"`
	BatchAnnotations               json.RawMessage `db:"batch_annotations"`
	Username                       *string         `db:"username"`
	State                          *string         `db:"state"`
	StateReason                    *string         `db:"state_reason"`
	Updated                        *time.Time      `db:"updated"`
	BinaryImage                    *string         `db:"binary_image"`
	BinaryImageResolved            *string         `db:"binary_image_resolved"`
	IndexImage                     *string         `db:"index_image"`
	IndexImageResolved             *string         `db:"index_image_resolved"`
	InternalIndexImageCopy         *string         `db:"internal_index_image_copy"`
	InternalIndexImageCopyResolved *string         `db:"internal_index_image_copy_resolved"`
	DistributionScope              *string         `db:"distribution_scope"`
}

type addRow struct {
	FromIndex           *string         `db:"from_index"`
	FromIndexResolved   *string         `db:"from_index_resolved"`
	Organization        *string         `db:"organization"`
	OmpsOperatorVersion *string         `db:"omps_operator_version"`
	GraphUpdateMode     *string         `db:"graph_update_mode"`
	CheckRelatedImages  bool            `db:"check_related_images"`
	ForceBackport       bool            `db:"force_backport"`
	BundleMapping       json.RawMessage `db:"bundle_mapping"`
}

type rmRow struct {
	FromIndex         *string `db:"from_index"`
	FromIndexResolved *string `db:"from_index_resolved"`
}

type regenerateBundleRow struct {
	FromBundleImage         *string         `db:"from_bundle_image"`
	FromBundleImageResolved *string         `db:"from_bundle_image_resolved"`
	BundleImage             *string         `db:"bundle_image"`
	Organization            *string         `db:"organization"`
	BundleReplacements      json.RawMessage `db:"bundle_replacements"`
}

type mergeIndexImageRow struct {
	SourceFromIndex         *string `db:"source_from_index"`
	SourceFromIndexResolved *string `db:"source_from_index_resolved"`
	TargetIndex             *string `db:"target_index"`
	TargetIndexResolved     *string `db:"target_index_resolved"`
	IgnoreBundleOCPVersion  bool    `db:"ignore_bundle_ocp_version"`
}

type createEmptyIndexRow struct {
	FromIndex         *string         `db:"from_index"`
	FromIndexResolved *string         `db:"from_index_resolved"`
	Labels            json.RawMessage `db:"labels"`
	OutputFbc         bool            `db:"output_fbc"`
}

type fbcOperationsRow struct {
	FromIndex         *string `db:"from_index"`
	FromIndexResolved *string `db:"from_index_resolved"`
	UsedFbcFragment   bool    `db:"used_fbc_fragment"`
}

type addDeprecationsRow struct {
	FromIndex         *string `db:"from_index"`
	FromIndexResolved *string `db:"from_index_resolved"`
}

type recursiveRelatedBundlesRow struct {
	ParentBundleImage         *string `db:"parent_bundle_image"`
	ParentBundleImageResolved *string `db:"parent_bundle_image_resolved"`
	Organization              *string `db:"organization"`
}

type stateRow struct {
	State       string    `db:"state"`
	StateReason *string   `db:"state_reason"`
	Updated     time.Time `db:"updated"`
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Package api holds the request model shared by the web plane, the
// dispatcher and the workers: the typed request payloads a client may
// submit, the build documents the service serves back, and the error
// taxonomy the HTTP layer translates into status codes.
package api

import (
	"encoding/json"
	"time"
)

// RequestType discriminates the polymorphic request model. The value is
// stored with the request row and drives which side table and which
// serializer apply.
type RequestType string

const (
	TypeAdd                     RequestType = "add"
	TypeRm                      RequestType = "rm"
	TypeRegenerateBundle        RequestType = "regenerate-bundle"
	TypeMergeIndexImage         RequestType = "merge-index-image"
	TypeCreateEmptyIndex        RequestType = "create-empty-index"
	TypeFbcOperations           RequestType = "fbc-operations"
	TypeAddDeprecations         RequestType = "add-deprecations"
	TypeRecursiveRelatedBundles RequestType = "recursive-related-bundles"
)

// RequestTypes lists every valid request type.
func RequestTypes() []RequestType {
	return []RequestType{
		TypeAdd,
		TypeRm,
		TypeRegenerateBundle,
		TypeMergeIndexImage,
		TypeCreateEmptyIndex,
		TypeFbcOperations,
		TypeAddDeprecations,
		TypeRecursiveRelatedBundles,
	}
}

// StateName is the coarse lifecycle state of a request.
type StateName string

const (
	StateInProgress StateName = "in_progress"
	StateComplete   StateName = "complete"
	StateFailed     StateName = "failed"
)

// StateReasonInitiated is the reason recorded with the initial state of
// every request created through the API.
const StateReasonInitiated = "The request was initiated"

// ValidStates returns the recognized states in alphabetical order, the
// order used when reporting an invalid state back to a caller.
func ValidStates() []StateName {
	return []StateName{StateComplete, StateFailed, StateInProgress}
}

// IsValidState reports whether s names a known request state.
func IsValidState(s StateName) bool {
	switch s {
	case StateInProgress, StateComplete, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether a request in state s may never change state
// again. Terminal states accept reason updates but no transitions.
func (s StateName) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// DistributionScope is the intended audience of the built index.
type DistributionScope string

const (
	ScopeProd  DistributionScope = "prod"
	ScopeStage DistributionScope = "stage"
	ScopeDev   DistributionScope = "dev"
)

// IsValidDistributionScope reports whether scope is one of prod, stage
// or dev. The empty scope is valid on input; the server defaults it.
func IsValidDistributionScope(scope DistributionScope) bool {
	switch scope {
	case ScopeProd, ScopeStage, ScopeDev:
		return true
	}
	return false
}

// GraphUpdateMode controls how opm updates the upgrade graph when
// adding bundles.
type GraphUpdateMode string

const (
	GraphModeReplaces        GraphUpdateMode = "replaces"
	GraphModeSemver          GraphUpdateMode = "semver"
	GraphModeSemverSkippatch GraphUpdateMode = "semver-skippatch"
)

// IsValidGraphUpdateMode reports whether mode is a recognized graph
// update mode.
func IsValidGraphUpdateMode(mode GraphUpdateMode) bool {
	switch mode {
	case GraphModeReplaces, GraphModeSemver, GraphModeSemverSkippatch:
		return true
	}
	return false
}

// SecretPayloadFields names every inbound field that must never appear
// in a serialized request or in a dispatch log line.
func SecretPayloadFields() []string {
	return []string{"cnr_token", "overwrite_from_index_token", "overwrite_target_index_token", "registry_auths"}
}

// LogsRef points a client at the plain-text logs for a request. It is
// only populated when the server is configured with a request logs
// directory.
type LogsRef struct {
	URL        string    `json:"url"`
	Expiration time.Time `json:"expiration"`
}

// StateHistoryEntry is one recorded state transition. Verbose build
// documents carry the full history ordered oldest to newest.
type StateHistoryEntry struct {
	State       StateName `json:"state"`
	StateReason string    `json:"state_reason"`
	Updated     time.Time `json:"updated"`
}

// Build is the envelope common to every serialized request.
type Build struct {
	ID               int64               `json:"id"`
	Arches           []string            `json:"arches"`
	Batch            int64               `json:"batch"`
	BatchAnnotations json.RawMessage     `json:"batch_annotations,omitempty"`
	RequestType      RequestType         `json:"request_type"`
	User             *string             `json:"user"`
	State            StateName           `json:"state"`
	StateReason      string              `json:"state_reason"`
	Updated          time.Time           `json:"updated"`
	Logs             *LogsRef            `json:"logs,omitempty"`
	StateHistory     []StateHistoryEntry `json:"state_history,omitempty"`
}

// IndexImageBuild carries the image references shared by every request
// type that produces an index image.
type IndexImageBuild struct {
	BinaryImage                    string            `json:"binary_image"`
	BinaryImageResolved            string            `json:"binary_image_resolved"`
	IndexImage                     string            `json:"index_image"`
	IndexImageResolved             string            `json:"index_image_resolved"`
	InternalIndexImageCopy         string            `json:"internal_index_image_copy"`
	InternalIndexImageCopyResolved string            `json:"internal_index_image_copy_resolved"`
	BuildTags                      []string          `json:"build_tags"`
	DistributionScope              DistributionScope `json:"distribution_scope"`
}

// AddBuild is the serialized form of an add request.
type AddBuild struct {
	Build
	IndexImageBuild
	Bundles             []string            `json:"bundles"`
	BundleMapping       map[string][]string `json:"bundle_mapping"`
	DeprecationList     []string            `json:"deprecation_list"`
	FromIndex           string              `json:"from_index"`
	FromIndexResolved   string              `json:"from_index_resolved"`
	Organization        string              `json:"organization"`
	OmpsOperatorVersion string              `json:"omps_operator_version"`
	GraphUpdateMode     GraphUpdateMode     `json:"graph_update_mode"`
	CheckRelatedImages  bool                `json:"check_related_images"`
}

// RmBuild is the serialized form of an rm request.
type RmBuild struct {
	Build
	IndexImageBuild
	FromIndex         string   `json:"from_index"`
	FromIndexResolved string   `json:"from_index_resolved"`
	RemovedOperators  []string `json:"removed_operators"`
}

// RegenerateBundleBuild is the serialized form of a regenerate-bundle
// request.
type RegenerateBundleBuild struct {
	Build
	BundleImage             string            `json:"bundle_image"`
	FromBundleImage         string            `json:"from_bundle_image"`
	FromBundleImageResolved string            `json:"from_bundle_image_resolved"`
	Organization            string            `json:"organization"`
	BundleReplacements      map[string]string `json:"bundle_replacements"`
	RelatedBundles          *LogsRef          `json:"related_bundles,omitempty"`
}

// MergeIndexImageBuild is the serialized form of a merge-index-image
// request.
type MergeIndexImageBuild struct {
	Build
	IndexImageBuild
	DeprecationList         []string `json:"deprecation_list"`
	SourceFromIndex         string   `json:"source_from_index"`
	SourceFromIndexResolved string   `json:"source_from_index_resolved"`
	TargetIndex             string   `json:"target_index"`
	TargetIndexResolved     string   `json:"target_index_resolved"`
	IgnoreBundleOCPVersion  bool     `json:"ignore_bundle_ocp_version"`
}

// CreateEmptyIndexBuild is the serialized form of a create-empty-index
// request.
type CreateEmptyIndexBuild struct {
	Build
	IndexImageBuild
	FromIndex         string            `json:"from_index"`
	FromIndexResolved string            `json:"from_index_resolved"`
	Labels            map[string]string `json:"labels"`
	OutputFbc         bool              `json:"output_fbc"`
}

// FbcOperationsBuild is the serialized form of an fbc-operations
// request. It carries the union of the two historical fragment shapes,
// the plural fragment list plus the legacy single-fragment marker; see
// DESIGN.md for the schema discrepancy this preserves.
type FbcOperationsBuild struct {
	Build
	IndexImageBuild
	FromIndex            string   `json:"from_index"`
	FromIndexResolved    string   `json:"from_index_resolved"`
	FbcFragments         []string `json:"fbc_fragments"`
	FbcFragmentsResolved []string `json:"fbc_fragments_resolved"`
	UsedFbcFragment      bool     `json:"used_fbc_fragment"`
}

// AddDeprecationsBuild is the serialized form of an add-deprecations
// request.
type AddDeprecationsBuild struct {
	Build
	IndexImageBuild
	FromIndex          string   `json:"from_index"`
	FromIndexResolved  string   `json:"from_index_resolved"`
	Operators          []string `json:"operators"`
	DeprecationSchemas []string `json:"deprecation_schemas"`
}

// RecursiveRelatedBundlesBuild is the serialized form of a
// recursive-related-bundles request.
type RecursiveRelatedBundlesBuild struct {
	Build
	ParentBundleImage         string   `json:"parent_bundle_image"`
	ParentBundleImageResolved string   `json:"parent_bundle_image_resolved"`
	Organization              string   `json:"organization"`
	RelatedBundles            *LogsRef `json:"related_bundles,omitempty"`
}

// BuildDocument is implemented by every serialized request form; it
// exposes the shared envelope for layers that only care about identity
// and state.
type BuildDocument interface {
	Envelope() *Build
	Normalize()
}

func (b *AddBuild) Envelope() *Build                     { return &b.Build }
func (b *RmBuild) Envelope() *Build                      { return &b.Build }
func (b *RegenerateBundleBuild) Envelope() *Build        { return &b.Build }
func (b *MergeIndexImageBuild) Envelope() *Build         { return &b.Build }
func (b *CreateEmptyIndexBuild) Envelope() *Build        { return &b.Build }
func (b *FbcOperationsBuild) Envelope() *Build           { return &b.Build }
func (b *AddDeprecationsBuild) Envelope() *Build         { return &b.Build }
func (b *RecursiveRelatedBundlesBuild) Envelope() *Build { return &b.Build }

// Pagination is the page metadata attached to every list response.
type Pagination struct {
	First    string  `json:"first"`
	Last     string  `json:"last"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Page     int     `json:"page"`
	Pages    int     `json:"pages"`
	PerPage  int     `json:"per_page"`
	Total    int     `json:"total"`
}

// BuildList is the paged response of GET /builds. Items hold the
// type-specific build documents.
type BuildList struct {
	Items []any      `json:"items"`
	Meta  Pagination `json:"meta"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// BatchDocument summarizes a batch on the message bus.
type BatchDocument struct {
	Batch       int64           `json:"batch"`
	Annotations json.RawMessage `json:"annotations"`
	Requests    []BatchRequest  `json:"requests"`
	RequestIDs  []int64         `json:"request_ids"`
	State       StateName       `json:"state"`
	User        *string         `json:"user"`
}

// BatchRequest is the per-request stub inside a BatchDocument.
type BatchRequest struct {
	ID           int64       `json:"id"`
	Organization string      `json:"organization,omitempty"`
	RequestType  RequestType `json:"request_type"`
}

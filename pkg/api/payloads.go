package api

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// ValidationOptions carries the server-side context payload validation
// depends on: whether the caller may overwrite indexes without a token
// and whether the server can default a missing binary image.
type ValidationOptions struct {
	// PrivilegedUser is true for callers on the privileged user list.
	PrivilegedUser bool
	// ForceOverwriteFromIndex mirrors IIB_FORCE_OVERWRITE_FROM_INDEX:
	// overwrite is permitted without a token for any authenticated
	// caller.
	ForceOverwriteFromIndex bool
	// BinaryImageConfigured is true when IIB_BINARY_IMAGE_CONFIG can
	// supply a default binary image for the request's scope.
	BinaryImageConfigured bool
}

// Payload is a typed request body accepted by one of the build
// endpoints.
type Payload interface {
	// Type names the request type the payload creates.
	Type() RequestType
	// Validate applies the cross-field rules for the payload.
	Validate(opts ValidationOptions) error
	// Overwrite reports whether the request replaces its input index
	// tag and therefore needs serial scheduling.
	Overwrite() bool
}

// decodeStrict unmarshals data into payload after rejecting any key not
// in allowed. Unknown keys are reported alphabetically so the message
// is stable.
func decodeStrict(data []byte, payload any, allowed sets.Set[string]) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return ValidationErrorf("The request body must be a JSON object")
	}
	var unknown []string
	for key := range raw {
		if !allowed.Has(key) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return ValidationErrorf("The following parameters are invalid: %s", strings.Join(unknown, ", "))
	}
	if err := json.Unmarshal(data, payload); err != nil {
		if typeErr, ok := err.(*json.UnmarshalTypeError); ok && typeErr.Field != "" {
			return ValidationErrorf("The value for %q is not of type %s", typeErr.Field, typeErr.Type)
		}
		return ValidationErrorf("The request body is not valid JSON: %v", err)
	}
	return nil
}

func requireNonEmptyStrings(field string, values []string) error {
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			return ValidationErrorf("The %q parameter must be a list of non-empty strings", field)
		}
	}
	return nil
}

// validateOverwriteParams implements the shared overwrite option rules:
// a token is useless without the flag, and the flag without a token is
// reserved for privileged callers unless overwriting is forced
// server-wide.
func validateOverwriteParams(opts ValidationOptions, flagName, tokenName string, flag bool, token string) error {
	if token != "" && !flag {
		return ValidationErrorf("The %q parameter is useless without %q", tokenName, flagName)
	}
	if flag && token == "" && !opts.PrivilegedUser && !opts.ForceOverwriteFromIndex {
		return AuthorizationErrorf("You must be a privileged user to set %q", flagName)
	}
	return nil
}

func validateBinaryImage(opts ValidationOptions, binaryImage string) error {
	if binaryImage == "" && !opts.BinaryImageConfigured {
		return ValidationErrorf("The %q parameter must be a non-empty string", "binary_image")
	}
	return nil
}

func validateDistributionScope(scope DistributionScope) error {
	if scope != "" && !IsValidDistributionScope(scope) {
		return ValidationErrorf("The %q parameter must be one of %s", "distribution_scope",
			`"dev", "prod" or "stage"`)
	}
	return nil
}

// AddRequest is the payload of POST /builds/add.
type AddRequest struct {
	Bundles                 []string          `json:"bundles"`
	BinaryImage             string            `json:"binary_image"`
	FromIndex               string            `json:"from_index"`
	AddArches               []string          `json:"add_arches"`
	Organization            string            `json:"organization"`
	CnrToken                string            `json:"cnr_token"`
	ForceBackport           bool              `json:"force_backport"`
	OverwriteFromIndex      bool              `json:"overwrite_from_index"`
	OverwriteFromIndexToken string            `json:"overwrite_from_index_token"`
	DistributionScope       DistributionScope `json:"distribution_scope"`
	DeprecationList         []string          `json:"deprecation_list"`
	BuildTags               []string          `json:"build_tags"`
	GraphUpdateMode         GraphUpdateMode   `json:"graph_update_mode"`
	CheckRelatedImages      bool              `json:"check_related_images"`
}

var addRequestParams = sets.New[string](
	"bundles", "binary_image", "from_index", "add_arches", "organization",
	"cnr_token", "force_backport", "overwrite_from_index",
	"overwrite_from_index_token", "distribution_scope", "deprecation_list",
	"build_tags", "graph_update_mode", "check_related_images",
)

// ParseAddRequest decodes an add payload, rejecting unknown parameters.
func ParseAddRequest(data []byte) (*AddRequest, error) {
	payload := &AddRequest{}
	if err := decodeStrict(data, payload, addRequestParams); err != nil {
		return nil, err
	}
	return payload, nil
}

func (p *AddRequest) Type() RequestType { return TypeAdd }

func (p *AddRequest) Overwrite() bool { return p.OverwriteFromIndex }

func (p *AddRequest) Validate(opts ValidationOptions) error {
	if p.FromIndex == "" && len(p.AddArches) == 0 {
		return ValidationErrorf("One of %q or %q must be specified", "from_index", "add_arches")
	}
	if len(p.Bundles) == 0 {
		if p.FromIndex == "" {
			return ValidationErrorf("The %q parameter is required when no bundles are specified", "from_index")
		}
		if p.BinaryImage == "" && !opts.BinaryImageConfigured {
			return ValidationErrorf("The %q parameter is required when no bundles are specified", "binary_image")
		}
	}
	for _, field := range []struct {
		name   string
		values []string
	}{
		{"bundles", p.Bundles},
		{"add_arches", p.AddArches},
		{"deprecation_list", p.DeprecationList},
		{"build_tags", p.BuildTags},
	} {
		if err := requireNonEmptyStrings(field.name, field.values); err != nil {
			return err
		}
	}
	if err := validateBinaryImage(opts, p.BinaryImage); err != nil {
		return err
	}
	if err := validateDistributionScope(p.DistributionScope); err != nil {
		return err
	}
	if p.GraphUpdateMode != "" && !IsValidGraphUpdateMode(p.GraphUpdateMode) {
		return ValidationErrorf("The %q parameter must be one of %s", "graph_update_mode",
			`"replaces", "semver" or "semver-skippatch"`)
	}
	if p.CnrToken != "" && p.Organization == "" {
		return ValidationErrorf("The %q parameter is useless without %q", "cnr_token", "organization")
	}
	return validateOverwriteParams(opts, "overwrite_from_index", "overwrite_from_index_token",
		p.OverwriteFromIndex, p.OverwriteFromIndexToken)
}

// RmRequest is the payload of POST /builds/rm.
type RmRequest struct {
	Operators               []string          `json:"operators"`
	BinaryImage             string            `json:"binary_image"`
	FromIndex               string            `json:"from_index"`
	AddArches               []string          `json:"add_arches"`
	OverwriteFromIndex      bool              `json:"overwrite_from_index"`
	OverwriteFromIndexToken string            `json:"overwrite_from_index_token"`
	DistributionScope       DistributionScope `json:"distribution_scope"`
	BuildTags               []string          `json:"build_tags"`
}

var rmRequestParams = sets.New[string](
	"operators", "binary_image", "from_index", "add_arches",
	"overwrite_from_index", "overwrite_from_index_token",
	"distribution_scope", "build_tags",
)

// ParseRmRequest decodes an rm payload, rejecting unknown parameters.
func ParseRmRequest(data []byte) (*RmRequest, error) {
	payload := &RmRequest{}
	if err := decodeStrict(data, payload, rmRequestParams); err != nil {
		return nil, err
	}
	return payload, nil
}

func (p *RmRequest) Type() RequestType { return TypeRm }

func (p *RmRequest) Overwrite() bool { return p.OverwriteFromIndex }

func (p *RmRequest) Validate(opts ValidationOptions) error {
	if len(p.Operators) == 0 {
		return ValidationErrorf("The %q parameter is required and must not be empty", "operators")
	}
	if err := requireNonEmptyStrings("operators", p.Operators); err != nil {
		return err
	}
	if p.FromIndex == "" {
		return ValidationErrorf("The %q parameter is required", "from_index")
	}
	if err := requireNonEmptyStrings("build_tags", p.BuildTags); err != nil {
		return err
	}
	if err := validateBinaryImage(opts, p.BinaryImage); err != nil {
		return err
	}
	if err := validateDistributionScope(p.DistributionScope); err != nil {
		return err
	}
	return validateOverwriteParams(opts, "overwrite_from_index", "overwrite_from_index_token",
		p.OverwriteFromIndex, p.OverwriteFromIndexToken)
}

// RegenerateBundleRequest is the payload of POST
// /builds/regenerate-bundle.
type RegenerateBundleRequest struct {
	FromBundleImage    string            `json:"from_bundle_image"`
	Organization       string            `json:"organization"`
	RegistryAuths      json.RawMessage   `json:"registry_auths"`
	BundleReplacements map[string]string `json:"bundle_replacements"`
}

var regenerateBundleRequestParams = sets.New[string](
	"from_bundle_image", "organization", "registry_auths", "bundle_replacements",
)

// ParseRegenerateBundleRequest decodes a regenerate-bundle payload,
// rejecting unknown parameters.
func ParseRegenerateBundleRequest(data []byte) (*RegenerateBundleRequest, error) {
	payload := &RegenerateBundleRequest{}
	if err := decodeStrict(data, payload, regenerateBundleRequestParams); err != nil {
		return nil, err
	}
	return payload, nil
}

func (p *RegenerateBundleRequest) Type() RequestType { return TypeRegenerateBundle }

func (p *RegenerateBundleRequest) Overwrite() bool { return false }

func (p *RegenerateBundleRequest) Validate(ValidationOptions) error {
	if p.FromBundleImage == "" {
		return ValidationErrorf("The %q parameter is required", "from_bundle_image")
	}
	for original, replacement := range p.BundleReplacements {
		if original == "" || replacement == "" {
			return ValidationErrorf("The %q parameter must map non-empty pull specifications", "bundle_replacements")
		}
	}
	return nil
}

// MergeIndexImageRequest is the payload of POST
// /builds/merge-index-image.
type MergeIndexImageRequest struct {
	SourceFromIndex           string            `json:"source_from_index"`
	TargetIndex               string            `json:"target_index"`
	BinaryImage               string            `json:"binary_image"`
	DeprecationList           []string          `json:"deprecation_list"`
	DistributionScope         DistributionScope `json:"distribution_scope"`
	OverwriteTargetIndex      bool              `json:"overwrite_target_index"`
	OverwriteTargetIndexToken string            `json:"overwrite_target_index_token"`
	BuildTags                 []string          `json:"build_tags"`
	GraphUpdateMode           GraphUpdateMode   `json:"graph_update_mode"`
	IgnoreBundleOCPVersion    bool              `json:"ignore_bundle_ocp_version"`
}

var mergeIndexImageRequestParams = sets.New[string](
	"source_from_index", "target_index", "binary_image", "deprecation_list",
	"distribution_scope", "overwrite_target_index",
	"overwrite_target_index_token", "build_tags", "graph_update_mode",
	"ignore_bundle_ocp_version",
)

// ParseMergeIndexImageRequest decodes a merge payload, rejecting
// unknown parameters.
func ParseMergeIndexImageRequest(data []byte) (*MergeIndexImageRequest, error) {
	payload := &MergeIndexImageRequest{}
	if err := decodeStrict(data, payload, mergeIndexImageRequestParams); err != nil {
		return nil, err
	}
	return payload, nil
}

func (p *MergeIndexImageRequest) Type() RequestType { return TypeMergeIndexImage }

func (p *MergeIndexImageRequest) Overwrite() bool { return p.OverwriteTargetIndex }

func (p *MergeIndexImageRequest) Validate(opts ValidationOptions) error {
	if p.SourceFromIndex == "" {
		return ValidationErrorf("The %q parameter is required", "source_from_index")
	}
	if p.TargetIndex == "" {
		return ValidationErrorf("The %q parameter is required", "target_index")
	}
	if err := requireNonEmptyStrings("deprecation_list", p.DeprecationList); err != nil {
		return err
	}
	if err := requireNonEmptyStrings("build_tags", p.BuildTags); err != nil {
		return err
	}
	if err := validateBinaryImage(opts, p.BinaryImage); err != nil {
		return err
	}
	if err := validateDistributionScope(p.DistributionScope); err != nil {
		return err
	}
	if p.GraphUpdateMode != "" && !IsValidGraphUpdateMode(p.GraphUpdateMode) {
		return ValidationErrorf("The %q parameter must be one of %s", "graph_update_mode",
			`"replaces", "semver" or "semver-skippatch"`)
	}
	return validateOverwriteParams(opts, "overwrite_target_index", "overwrite_target_index_token",
		p.OverwriteTargetIndex, p.OverwriteTargetIndexToken)
}

// CreateEmptyIndexRequest is the payload of POST
// /builds/create-empty-index.
type CreateEmptyIndexRequest struct {
	FromIndex   string            `json:"from_index"`
	BinaryImage string            `json:"binary_image"`
	Labels      map[string]string `json:"labels"`
	OutputFbc   bool              `json:"output_fbc"`
}

var createEmptyIndexRequestParams = sets.New[string](
	"from_index", "binary_image", "labels", "output_fbc",
)

// ParseCreateEmptyIndexRequest decodes a create-empty-index payload,
// rejecting unknown parameters.
func ParseCreateEmptyIndexRequest(data []byte) (*CreateEmptyIndexRequest, error) {
	payload := &CreateEmptyIndexRequest{}
	if err := decodeStrict(data, payload, createEmptyIndexRequestParams); err != nil {
		return nil, err
	}
	return payload, nil
}

func (p *CreateEmptyIndexRequest) Type() RequestType { return TypeCreateEmptyIndex }

func (p *CreateEmptyIndexRequest) Overwrite() bool { return false }

func (p *CreateEmptyIndexRequest) Validate(opts ValidationOptions) error {
	if p.FromIndex == "" {
		return ValidationErrorf("The %q parameter is required", "from_index")
	}
	for key := range p.Labels {
		if key == "" {
			return ValidationErrorf("The %q parameter must not contain empty keys", "labels")
		}
	}
	return validateBinaryImage(opts, p.BinaryImage)
}

// FbcOperationsRequest is the payload of POST /builds/fbc-operations.
type FbcOperationsRequest struct {
	FbcFragments            []string          `json:"fbc_fragments"`
	FromIndex               string            `json:"from_index"`
	BinaryImage             string            `json:"binary_image"`
	AddArches               []string          `json:"add_arches"`
	OverwriteFromIndex      bool              `json:"overwrite_from_index"`
	OverwriteFromIndexToken string            `json:"overwrite_from_index_token"`
	DistributionScope       DistributionScope `json:"distribution_scope"`
	BuildTags               []string          `json:"build_tags"`
}

var fbcOperationsRequestParams = sets.New[string](
	"fbc_fragments", "from_index", "binary_image", "add_arches",
	"overwrite_from_index", "overwrite_from_index_token",
	"distribution_scope", "build_tags",
)

// ParseFbcOperationsRequest decodes an fbc-operations payload,
// rejecting unknown parameters.
func ParseFbcOperationsRequest(data []byte) (*FbcOperationsRequest, error) {
	payload := &FbcOperationsRequest{}
	if err := decodeStrict(data, payload, fbcOperationsRequestParams); err != nil {
		return nil, err
	}
	return payload, nil
}

func (p *FbcOperationsRequest) Type() RequestType { return TypeFbcOperations }

func (p *FbcOperationsRequest) Overwrite() bool { return p.OverwriteFromIndex }

func (p *FbcOperationsRequest) Validate(opts ValidationOptions) error {
	if len(p.FbcFragments) == 0 {
		return ValidationErrorf("The %q parameter is required and must not be empty", "fbc_fragments")
	}
	if err := requireNonEmptyStrings("fbc_fragments", p.FbcFragments); err != nil {
		return err
	}
	if p.FromIndex == "" {
		return ValidationErrorf("The %q parameter is required", "from_index")
	}
	if err := requireNonEmptyStrings("add_arches", p.AddArches); err != nil {
		return err
	}
	if err := requireNonEmptyStrings("build_tags", p.BuildTags); err != nil {
		return err
	}
	if err := validateBinaryImage(opts, p.BinaryImage); err != nil {
		return err
	}
	if err := validateDistributionScope(p.DistributionScope); err != nil {
		return err
	}
	return validateOverwriteParams(opts, "overwrite_from_index", "overwrite_from_index_token",
		p.OverwriteFromIndex, p.OverwriteFromIndexToken)
}

// AddDeprecationsRequest is the payload of POST
// /builds/add-deprecations.
type AddDeprecationsRequest struct {
	FromIndex               string   `json:"from_index"`
	BinaryImage             string   `json:"binary_image"`
	Operators               []string `json:"operators"`
	DeprecationSchemas      []string `json:"deprecation_schemas"`
	OverwriteFromIndex      bool     `json:"overwrite_from_index"`
	OverwriteFromIndexToken string   `json:"overwrite_from_index_token"`
	BuildTags               []string `json:"build_tags"`
}

var addDeprecationsRequestParams = sets.New[string](
	"from_index", "binary_image", "operators", "deprecation_schemas",
	"overwrite_from_index", "overwrite_from_index_token", "build_tags",
)

// ParseAddDeprecationsRequest decodes an add-deprecations payload,
// rejecting unknown parameters.
func ParseAddDeprecationsRequest(data []byte) (*AddDeprecationsRequest, error) {
	payload := &AddDeprecationsRequest{}
	if err := decodeStrict(data, payload, addDeprecationsRequestParams); err != nil {
		return nil, err
	}
	return payload, nil
}

func (p *AddDeprecationsRequest) Type() RequestType { return TypeAddDeprecations }

func (p *AddDeprecationsRequest) Overwrite() bool { return p.OverwriteFromIndex }

func (p *AddDeprecationsRequest) Validate(opts ValidationOptions) error {
	if p.FromIndex == "" {
		return ValidationErrorf("The %q parameter is required", "from_index")
	}
	if len(p.Operators) == 0 {
		return ValidationErrorf("The %q parameter is required and must not be empty", "operators")
	}
	if err := requireNonEmptyStrings("operators", p.Operators); err != nil {
		return err
	}
	if len(p.DeprecationSchemas) == 0 {
		return ValidationErrorf("The %q parameter is required and must not be empty", "deprecation_schemas")
	}
	for _, schema := range p.DeprecationSchemas {
		if !json.Valid([]byte(schema)) {
			return ValidationErrorf("Each entry of %q must be a valid JSON document", "deprecation_schemas")
		}
	}
	if err := requireNonEmptyStrings("build_tags", p.BuildTags); err != nil {
		return err
	}
	if err := validateBinaryImage(opts, p.BinaryImage); err != nil {
		return err
	}
	return validateOverwriteParams(opts, "overwrite_from_index", "overwrite_from_index_token",
		p.OverwriteFromIndex, p.OverwriteFromIndexToken)
}

// RecursiveRelatedBundlesRequest is the payload of POST
// /builds/recursive-related-bundles.
type RecursiveRelatedBundlesRequest struct {
	ParentBundleImage string          `json:"parent_bundle_image"`
	Organization      string          `json:"organization"`
	RegistryAuths     json.RawMessage `json:"registry_auths"`
}

var recursiveRelatedBundlesRequestParams = sets.New[string](
	"parent_bundle_image", "organization", "registry_auths",
)

// ParseRecursiveRelatedBundlesRequest decodes a
// recursive-related-bundles payload, rejecting unknown parameters.
func ParseRecursiveRelatedBundlesRequest(data []byte) (*RecursiveRelatedBundlesRequest, error) {
	payload := &RecursiveRelatedBundlesRequest{}
	if err := decodeStrict(data, payload, recursiveRelatedBundlesRequestParams); err != nil {
		return nil, err
	}
	return payload, nil
}

func (p *RecursiveRelatedBundlesRequest) Type() RequestType { return TypeRecursiveRelatedBundles }

func (p *RecursiveRelatedBundlesRequest) Overwrite() bool { return false }

func (p *RecursiveRelatedBundlesRequest) Validate(ValidationOptions) error {
	if p.ParentBundleImage == "" {
		return ValidationErrorf("The %q parameter is required", "parent_bundle_image")
	}
	return nil
}

// BatchRequestPayload is the payload of the batch endpoints. Each entry
// of BuildRequests is parsed by the per-type parser selected by the
// endpoint.
type BatchRequestPayload struct {
	BuildRequests []json.RawMessage `json:"build_requests"`
	Annotations   json.RawMessage   `json:"annotations"`
}

var batchRequestParams = sets.New[string]("build_requests", "annotations")

// ParseBatchRequest decodes a batch payload, rejecting unknown
// parameters.
func ParseBatchRequest(data []byte) (*BatchRequestPayload, error) {
	payload := &BatchRequestPayload{}
	if err := decodeStrict(data, payload, batchRequestParams); err != nil {
		return nil, err
	}
	if len(payload.BuildRequests) == 0 {
		return nil, ValidationErrorf("The %q parameter is required and must not be empty", "build_requests")
	}
	return payload, nil
}

// UpdateRequest is the worker-only payload of PATCH /builds/<id>. Every
// field is optional; nil pointers leave the stored value untouched.
type UpdateRequest struct {
	Arches                         []string            `json:"arches"`
	BundleMapping                  map[string][]string `json:"bundle_mapping"`
	BinaryImageResolved            *string             `json:"binary_image_resolved"`
	BundleImage                    *string             `json:"bundle_image"`
	FromBundleImageResolved        *string             `json:"from_bundle_image_resolved"`
	FromIndexResolved              *string             `json:"from_index_resolved"`
	FbcFragmentsResolved           []string            `json:"fbc_fragments_resolved"`
	IndexImage                     *string             `json:"index_image"`
	IndexImageResolved             *string             `json:"index_image_resolved"`
	InternalIndexImageCopy         *string             `json:"internal_index_image_copy"`
	InternalIndexImageCopyResolved *string             `json:"internal_index_image_copy_resolved"`
	DistributionScope              *DistributionScope  `json:"distribution_scope"`
	OmpsOperatorVersion            *string             `json:"omps_operator_version"`
	ParentBundleImageResolved      *string             `json:"parent_bundle_image_resolved"`
	SourceFromIndexResolved        *string             `json:"source_from_index_resolved"`
	TargetIndexResolved            *string             `json:"target_index_resolved"`
	State                          *StateName          `json:"state"`
	StateReason                    *string             `json:"state_reason"`
}

// SetFields names every field the payload carries, in wire naming.
// The store matches them against the fields the request type supports.
func (p *UpdateRequest) SetFields() []string {
	var fields []string
	add := func(name string, set bool) {
		if set {
			fields = append(fields, name)
		}
	}
	add("arches", p.Arches != nil)
	add("bundle_mapping", p.BundleMapping != nil)
	add("binary_image_resolved", p.BinaryImageResolved != nil)
	add("bundle_image", p.BundleImage != nil)
	add("from_bundle_image_resolved", p.FromBundleImageResolved != nil)
	add("from_index_resolved", p.FromIndexResolved != nil)
	add("fbc_fragments_resolved", p.FbcFragmentsResolved != nil)
	add("index_image", p.IndexImage != nil)
	add("index_image_resolved", p.IndexImageResolved != nil)
	add("internal_index_image_copy", p.InternalIndexImageCopy != nil)
	add("internal_index_image_copy_resolved", p.InternalIndexImageCopyResolved != nil)
	add("distribution_scope", p.DistributionScope != nil)
	add("omps_operator_version", p.OmpsOperatorVersion != nil)
	add("parent_bundle_image_resolved", p.ParentBundleImageResolved != nil)
	add("source_from_index_resolved", p.SourceFromIndexResolved != nil)
	add("target_index_resolved", p.TargetIndexResolved != nil)
	add("state", p.State != nil)
	add("state_reason", p.StateReason != nil)
	return fields
}

var updateRequestParams = sets.New[string](
	"arches", "bundle_mapping", "binary_image_resolved", "bundle_image",
	"from_bundle_image_resolved", "from_index_resolved",
	"fbc_fragments_resolved", "index_image", "index_image_resolved",
	"internal_index_image_copy", "internal_index_image_copy_resolved",
	"distribution_scope", "omps_operator_version",
	"parent_bundle_image_resolved", "source_from_index_resolved",
	"target_index_resolved", "state", "state_reason",
)

// ParseUpdateRequest decodes a worker PATCH payload, rejecting unknown
// parameters and enforcing that state and state_reason travel together.
func ParseUpdateRequest(data []byte) (*UpdateRequest, error) {
	payload := &UpdateRequest{}
	if err := decodeStrict(data, payload, updateRequestParams); err != nil {
		return nil, err
	}
	if (payload.State == nil) != (payload.StateReason == nil) {
		return nil, ValidationErrorf("The %q and %q parameters must be set together", "state", "state_reason")
	}
	if payload.State != nil && !IsValidState(*payload.State) {
		return nil, ValidationErrorf("The state %q is invalid. It must be one of: %s.",
			*payload.State, joinStates(ValidStates()))
	}
	if payload.DistributionScope != nil && !IsValidDistributionScope(*payload.DistributionScope) {
		return nil, ValidationErrorf("The %q parameter must be one of %s", "distribution_scope",
			`"dev", "prod" or "stage"`)
	}
	return payload, nil
}

func joinStates(states []StateName) string {
	parts := make([]string, 0, len(states))
	for _, state := range states {
		parts = append(parts, string(state))
	}
	return strings.Join(parts, ", ")
}

// JoinValidStates renders the valid states alphabetically for error
// messages.
func JoinValidStates() string {
	return joinStates(ValidStates())
}

// RedactedArgs renders a payload for the dispatch log line with every
// secret field masked.
func RedactedArgs(payload Payload) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%s request", payload.Type())
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return fmt.Sprintf("%s request", payload.Type())
	}
	for _, field := range SecretPayloadFields() {
		value, ok := args[field]
		if !ok || value == nil || value == "" {
			continue
		}
		args[field] = "*****"
	}
	redacted, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%s request", payload.Type())
	}
	return string(redacted)
}

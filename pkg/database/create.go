package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/release-engineering/iib/pkg/api"
)

// CreateRequests persists a batch of validated payloads atomically:
// one new batch row, one request per payload in submission order, each
// with its initial in_progress state. Single-request endpoints pass a
// one-element slice. The returned ids follow payload order.
func (s *Store) CreateRequests(ctx context.Context, user *string, annotations json.RawMessage, payloads []api.Payload) (requestIDs []int64, batchID int64, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin a transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = tx.GetContext(ctx, &batchID,
		`INSERT INTO batch (annotations) VALUES ($1) RETURNING id`, nullableJSON(annotations)); err != nil {
		return nil, 0, fmt.Errorf("failed to create a batch: %w", err)
	}

	userID, err := ensureUser(ctx, tx, user)
	if err != nil {
		return nil, 0, err
	}

	for _, payload := range payloads {
		var requestID int64
		requestID, err = s.createRequest(ctx, tx, batchID, userID, payload)
		if err != nil {
			return nil, 0, err
		}
		requestIDs = append(requestIDs, requestID)
	}

	if err = tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit the transaction: %w", err)
	}
	return requestIDs, batchID, nil
}

func (s *Store) createRequest(ctx context.Context, tx *sqlx.Tx, batchID int64, userID *int64, payload api.Payload) (int64, error) {
	common, err := commonColumnsFor(ctx, tx, payload)
	if err != nil {
		return 0, err
	}

	var requestID int64
	if err := tx.GetContext(ctx, &requestID,
		`INSERT INTO request (type, batch_id, user_id, binary_image_id, distribution_scope)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		string(payload.Type()), batchID, userID, common.binaryImageID, common.distributionScope); err != nil {
		return 0, fmt.Errorf("failed to create the request: %w", err)
	}

	if err := s.insertTypeRows(ctx, tx, requestID, payload); err != nil {
		return 0, err
	}
	if err := s.attachBuildTags(ctx, tx, requestID, common.buildTags); err != nil {
		return 0, err
	}
	if err := appendStateTx(ctx, tx, requestID, api.StateInProgress, api.StateReasonInitiated); err != nil {
		return 0, err
	}
	return requestID, nil
}

type commonColumns struct {
	binaryImageID     *int64
	distributionScope *string
	buildTags         []string
}

func commonColumnsFor(ctx context.Context, tx *sqlx.Tx, payload api.Payload) (commonColumns, error) {
	var common commonColumns
	var binaryImage string
	var scope api.DistributionScope
	switch p := payload.(type) {
	case *api.AddRequest:
		binaryImage, scope, common.buildTags = p.BinaryImage, p.DistributionScope, p.BuildTags
	case *api.RmRequest:
		binaryImage, scope, common.buildTags = p.BinaryImage, p.DistributionScope, p.BuildTags
	case *api.MergeIndexImageRequest:
		binaryImage, scope, common.buildTags = p.BinaryImage, p.DistributionScope, p.BuildTags
	case *api.CreateEmptyIndexRequest:
		binaryImage = p.BinaryImage
	case *api.FbcOperationsRequest:
		binaryImage, scope, common.buildTags = p.BinaryImage, p.DistributionScope, p.BuildTags
	case *api.AddDeprecationsRequest:
		binaryImage, common.buildTags = p.BinaryImage, p.BuildTags
	case *api.RegenerateBundleRequest, *api.RecursiveRelatedBundlesRequest:
	default:
		return common, fmt.Errorf("unsupported payload type %T", payload)
	}
	binaryImageID, err := ensureOptionalImage(ctx, tx, binaryImage)
	if err != nil {
		return common, err
	}
	common.binaryImageID = binaryImageID
	if scope != "" {
		value := string(scope)
		common.distributionScope = &value
	}
	return common, nil
}

func (s *Store) insertTypeRows(ctx context.Context, tx *sqlx.Tx, requestID int64, payload api.Payload) error {
	switch p := payload.(type) {
	case *api.AddRequest:
		return insertAdd(ctx, tx, requestID, p)
	case *api.RmRequest:
		return insertRm(ctx, tx, requestID, p)
	case *api.RegenerateBundleRequest:
		return insertRegenerateBundle(ctx, tx, requestID, p)
	case *api.MergeIndexImageRequest:
		return insertMergeIndexImage(ctx, tx, requestID, p)
	case *api.CreateEmptyIndexRequest:
		return insertCreateEmptyIndex(ctx, tx, requestID, p)
	case *api.FbcOperationsRequest:
		return insertFbcOperations(ctx, tx, requestID, p)
	case *api.AddDeprecationsRequest:
		return insertAddDeprecations(ctx, tx, requestID, p)
	case *api.RecursiveRelatedBundlesRequest:
		return insertRecursiveRelatedBundles(ctx, tx, requestID, p)
	}
	return fmt.Errorf("unsupported payload type %T", payload)
}

func insertAdd(ctx context.Context, tx *sqlx.Tx, requestID int64, p *api.AddRequest) error {
	fromIndexID, err := ensureOptionalImage(ctx, tx, p.FromIndex)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO request_add (request_id, from_index_id, organization, graph_update_mode, check_related_images, force_backport)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		requestID, fromIndexID, nullableString(p.Organization), nullableString(string(p.GraphUpdateMode)),
		p.CheckRelatedImages, p.ForceBackport); err != nil {
		return fmt.Errorf("failed to create the add request: %w", err)
	}
	for position, bundle := range p.Bundles {
		imageID, err := ensureImage(ctx, tx, bundle)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_add_bundle (request_id, image_id, position) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			requestID, imageID, position); err != nil {
			return fmt.Errorf("failed to attach bundle %q: %w", bundle, err)
		}
	}
	for _, bundle := range p.DeprecationList {
		imageID, err := ensureImage(ctx, tx, bundle)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_add_bundle_deprecation (request_id, image_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			requestID, imageID); err != nil {
			return fmt.Errorf("failed to attach deprecation %q: %w", bundle, err)
		}
	}
	return nil
}

func insertRm(ctx context.Context, tx *sqlx.Tx, requestID int64, p *api.RmRequest) error {
	fromIndexID, err := ensureOptionalImage(ctx, tx, p.FromIndex)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO request_rm (request_id, from_index_id) VALUES ($1, $2)`,
		requestID, fromIndexID); err != nil {
		return fmt.Errorf("failed to create the rm request: %w", err)
	}
	for _, operator := range p.Operators {
		operatorID, err := ensureOperator(ctx, tx, operator)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_rm_operator (request_id, operator_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			requestID, operatorID); err != nil {
			return fmt.Errorf("failed to attach operator %q: %w", operator, err)
		}
	}
	return nil
}

func insertRegenerateBundle(ctx context.Context, tx *sqlx.Tx, requestID int64, p *api.RegenerateBundleRequest) error {
	fromBundleImageID, err := ensureImage(ctx, tx, p.FromBundleImage)
	if err != nil {
		return err
	}
	replacements, err := marshalMap(p.BundleReplacements)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO request_regenerate_bundle (request_id, from_bundle_image_id, organization, bundle_replacements)
		 VALUES ($1, $2, $3, $4)`,
		requestID, fromBundleImageID, nullableString(p.Organization), replacements); err != nil {
		return fmt.Errorf("failed to create the regenerate-bundle request: %w", err)
	}
	return nil
}

func insertMergeIndexImage(ctx context.Context, tx *sqlx.Tx, requestID int64, p *api.MergeIndexImageRequest) error {
	sourceID, err := ensureImage(ctx, tx, p.SourceFromIndex)
	if err != nil {
		return err
	}
	targetID, err := ensureImage(ctx, tx, p.TargetIndex)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO request_merge_index_image (request_id, source_from_index_id, target_index_id, ignore_bundle_ocp_version)
		 VALUES ($1, $2, $3, $4)`,
		requestID, sourceID, targetID, p.IgnoreBundleOCPVersion); err != nil {
		return fmt.Errorf("failed to create the merge-index-image request: %w", err)
	}
	for _, bundle := range p.DeprecationList {
		imageID, err := ensureImage(ctx, tx, bundle)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_merge_bundle_deprecation (request_id, image_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			requestID, imageID); err != nil {
			return fmt.Errorf("failed to attach deprecation %q: %w", bundle, err)
		}
	}
	return nil
}

func insertCreateEmptyIndex(ctx context.Context, tx *sqlx.Tx, requestID int64, p *api.CreateEmptyIndexRequest) error {
	fromIndexID, err := ensureImage(ctx, tx, p.FromIndex)
	if err != nil {
		return err
	}
	labels, err := marshalMap(p.Labels)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO request_create_empty_index (request_id, from_index_id, labels, output_fbc)
		 VALUES ($1, $2, $3, $4)`,
		requestID, fromIndexID, labels, p.OutputFbc); err != nil {
		return fmt.Errorf("failed to create the create-empty-index request: %w", err)
	}
	return nil
}

func insertFbcOperations(ctx context.Context, tx *sqlx.Tx, requestID int64, p *api.FbcOperationsRequest) error {
	fromIndexID, err := ensureImage(ctx, tx, p.FromIndex)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO request_fbc_operations (request_id, from_index_id, used_fbc_fragment) VALUES ($1, $2, $3)`,
		requestID, fromIndexID, len(p.FbcFragments) > 0); err != nil {
		return fmt.Errorf("failed to create the fbc-operations request: %w", err)
	}
	for position, fragment := range p.FbcFragments {
		imageID, err := ensureImage(ctx, tx, fragment)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_fbc_fragment (request_id, image_id, position) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			requestID, imageID, position); err != nil {
			return fmt.Errorf("failed to attach fbc fragment %q: %w", fragment, err)
		}
	}
	return nil
}

func insertAddDeprecations(ctx context.Context, tx *sqlx.Tx, requestID int64, p *api.AddDeprecationsRequest) error {
	fromIndexID, err := ensureImage(ctx, tx, p.FromIndex)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO request_add_deprecations (request_id, from_index_id) VALUES ($1, $2)`,
		requestID, fromIndexID); err != nil {
		return fmt.Errorf("failed to create the add-deprecations request: %w", err)
	}
	for _, operator := range p.Operators {
		operatorID, err := ensureOperator(ctx, tx, operator)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_add_deprecations_operator (request_id, operator_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			requestID, operatorID); err != nil {
			return fmt.Errorf("failed to attach operator %q: %w", operator, err)
		}
	}
	for _, schema := range p.DeprecationSchemas {
		var schemaID int64
		if err := tx.GetContext(ctx, &schemaID,
			`INSERT INTO deprecation_schema (schema) VALUES ($1) RETURNING id`, schema); err != nil {
			return fmt.Errorf("failed to store a deprecation schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_add_deprecations_schema (request_id, deprecation_schema_id) VALUES ($1, $2)`,
			requestID, schemaID); err != nil {
			return fmt.Errorf("failed to attach a deprecation schema: %w", err)
		}
	}
	return nil
}

func insertRecursiveRelatedBundles(ctx context.Context, tx *sqlx.Tx, requestID int64, p *api.RecursiveRelatedBundlesRequest) error {
	parentID, err := ensureImage(ctx, tx, p.ParentBundleImage)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO request_recursive_related_bundles (request_id, parent_bundle_image_id, organization)
		 VALUES ($1, $2, $3)`,
		requestID, parentID, nullableString(p.Organization)); err != nil {
		return fmt.Errorf("failed to create the recursive-related-bundles request: %w", err)
	}
	return nil
}

// attachBuildTags records the request's build tags after checking the
// scheduling interlock: a tag held by a request still in progress may
// not be claimed again.
func (s *Store) attachBuildTags(ctx context.Context, tx *sqlx.Tx, requestID int64, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`SELECT DISTINCT bt.name
		 FROM build_tag bt
		 JOIN request_build_tag rbt ON rbt.build_tag_id = bt.id
		 JOIN request r ON r.id = rbt.request_id
		 JOIN request_state rs ON rs.id = r.current_state_id
		 WHERE bt.name IN (?) AND rs.state = 'in_progress'`, tags)
	if err != nil {
		return fmt.Errorf("failed to build the tag interlock query: %w", err)
	}
	var held []string
	if err := tx.SelectContext(ctx, &held, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to check the build tag interlock: %w", err)
	}
	if len(held) > 0 {
		sort.Strings(held)
		return api.ValidationErrorf(
			"The following build tags are already held by requests in progress: %s", strings.Join(held, ", "))
	}
	for position, tag := range tags {
		tagID, err := ensureBuildTag(ctx, tx, tag)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_build_tag (request_id, build_tag_id, position) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			requestID, tagID, position); err != nil {
			return fmt.Errorf("failed to attach build tag %q: %w", tag, err)
		}
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	value := string(raw)
	return &value
}

func marshalMap[V any](m map[string]V) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode a JSON column: %w", err)
	}
	value := string(encoded)
	return &value, nil
}

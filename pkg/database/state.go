package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/release-engineering/iib/pkg/api"
)

// appendStateTx inserts a new state row and points the request at it.
// The insert comes first so the row id exists before the reference is
// updated.
func appendStateTx(ctx context.Context, tx *sqlx.Tx, requestID int64, state api.StateName, reason string) error {
	var stateID int64
	if err := tx.GetContext(ctx, &stateID,
		`INSERT INTO request_state (request_id, state, state_reason) VALUES ($1, $2, $3) RETURNING id`,
		requestID, string(state), reason); err != nil {
		return fmt.Errorf("failed to record the state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE request SET current_state_id = $2 WHERE id = $1`, requestID, stateID); err != nil {
		return fmt.Errorf("failed to point the request at its new state: %w", err)
	}
	return nil
}

// lockCurrentState locks the request row and returns its current
// state, or a NotFoundError for an unknown id.
func lockCurrentState(ctx context.Context, tx *sqlx.Tx, requestID int64) (sql.NullString, error) {
	var current sql.NullString
	err := tx.GetContext(ctx, &current,
		`SELECT rs.state
		 FROM request r
		 LEFT JOIN request_state rs ON rs.id = r.current_state_id
		 WHERE r.id = $1
		 FOR UPDATE OF r`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return current, api.NotFoundErrorf("The requested resource was not found")
	}
	if err != nil {
		return current, fmt.Errorf("failed to lock request %d: %w", requestID, err)
	}
	return current, nil
}

// checkTransition enforces the state machine: a terminal request may
// only refresh its reason at the same state.
func checkTransition(current sql.NullString, next api.StateName) error {
	if !api.IsValidState(next) {
		return api.ValidationErrorf("The state %q is invalid. It must be one of: %s.", next, api.JoinValidStates())
	}
	if current.Valid && api.StateName(current.String).Terminal() && api.StateName(current.String) != next {
		return api.ValidationErrorf("A %s request cannot change states to %s", current.String, next)
	}
	return nil
}

// AddState transitions a request, appending to its state history. The
// terminal states accept same-state reason updates only.
func (s *Store) AddState(ctx context.Context, requestID int64, state api.StateName, reason string) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin a transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	current, err := lockCurrentState(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if err = checkTransition(current, state); err != nil {
		return err
	}
	if err = appendStateTx(ctx, tx, requestID, state, reason); err != nil {
		return err
	}
	return tx.Commit()
}

// updatableFields lists the worker-writable fields per request type on
// top of the ones every type accepts.
var (
	commonUpdatableFields = sets.New[string]("arches", "state", "state_reason")
	indexUpdatableFields  = sets.New[string](
		"binary_image_resolved", "index_image", "index_image_resolved",
		"internal_index_image_copy", "internal_index_image_copy_resolved",
		"distribution_scope",
	)
	typeUpdatableFields = map[api.RequestType]sets.Set[string]{
		api.TypeAdd: indexUpdatableFields.Union(sets.New[string](
			"from_index_resolved", "bundle_mapping", "omps_operator_version")),
		api.TypeRm: indexUpdatableFields.Union(sets.New[string]("from_index_resolved")),
		api.TypeRegenerateBundle: sets.New[string](
			"bundle_image", "from_bundle_image_resolved"),
		api.TypeMergeIndexImage: indexUpdatableFields.Union(sets.New[string](
			"source_from_index_resolved", "target_index_resolved")),
		api.TypeCreateEmptyIndex: indexUpdatableFields.Union(sets.New[string]("from_index_resolved")),
		api.TypeFbcOperations: indexUpdatableFields.Union(sets.New[string](
			"from_index_resolved", "fbc_fragments_resolved")),
		api.TypeAddDeprecations:         indexUpdatableFields.Union(sets.New[string]("from_index_resolved")),
		api.TypeRecursiveRelatedBundles: sets.New[string]("parent_bundle_image_resolved"),
	}
)

// UpdateRequest applies a worker's partial update. Fields the request
// type does not carry are rejected.
func (s *Store) UpdateRequest(ctx context.Context, requestID int64, update *api.UpdateRequest) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin a transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := lockCurrentState(ctx, tx, requestID)
	if err != nil {
		return err
	}
	var requestType string
	if err = tx.GetContext(ctx, &requestType,
		`SELECT type FROM request WHERE id = $1`, requestID); err != nil {
		return fmt.Errorf("failed to load the request type: %w", err)
	}

	allowed := commonUpdatableFields.Union(typeUpdatableFields[api.RequestType(requestType)])
	var rejected []string
	for _, field := range update.SetFields() {
		if !allowed.Has(field) {
			rejected = append(rejected, field)
		}
	}
	if len(rejected) > 0 {
		sort.Strings(rejected)
		return api.ValidationErrorf("The fields %s are not supported for the %s request type",
			strings.Join(rejected, ", "), requestType)
	}

	if update.Arches != nil {
		if err = replaceArchitectures(ctx, tx, requestID, update.Arches); err != nil {
			return err
		}
	}
	if err = updateCommonImages(ctx, tx, requestID, update); err != nil {
		return err
	}
	if err = updateTypeColumns(ctx, tx, requestID, api.RequestType(requestType), update); err != nil {
		return err
	}
	if update.State != nil {
		if err = checkTransition(current, *update.State); err != nil {
			return err
		}
		if err = appendStateTx(ctx, tx, requestID, *update.State, *update.StateReason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func replaceArchitectures(ctx context.Context, tx *sqlx.Tx, requestID int64, arches []string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM request_architecture WHERE request_id = $1`, requestID); err != nil {
		return fmt.Errorf("failed to clear architectures: %w", err)
	}
	for _, arch := range arches {
		archID, err := ensureArchitecture(ctx, tx, arch)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_architecture (request_id, architecture_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			requestID, archID); err != nil {
			return fmt.Errorf("failed to attach architecture %q: %w", arch, err)
		}
	}
	return nil
}

func updateCommonImages(ctx context.Context, tx *sqlx.Tx, requestID int64, update *api.UpdateRequest) error {
	imageColumns := []struct {
		column string
		value  *string
	}{
		{"binary_image_resolved_id", update.BinaryImageResolved},
		{"index_image_id", update.IndexImage},
		{"index_image_resolved_id", update.IndexImageResolved},
		{"internal_index_image_copy_id", update.InternalIndexImageCopy},
		{"internal_index_image_copy_resolved_id", update.InternalIndexImageCopyResolved},
	}
	for _, img := range imageColumns {
		if img.value == nil {
			continue
		}
		imageID, err := ensureImage(ctx, tx, *img.value)
		if err != nil {
			return err
		}
		query := fmt.Sprintf(`UPDATE request SET %s = $2 WHERE id = $1`, img.column)
		if _, err := tx.ExecContext(ctx, query, requestID, imageID); err != nil {
			return fmt.Errorf("failed to update %s: %w", img.column, err)
		}
	}
	if update.DistributionScope != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE request SET distribution_scope = $2 WHERE id = $1`,
			requestID, string(*update.DistributionScope)); err != nil {
			return fmt.Errorf("failed to update the distribution scope: %w", err)
		}
	}
	return nil
}

func updateTypeColumns(ctx context.Context, tx *sqlx.Tx, requestID int64, requestType api.RequestType, update *api.UpdateRequest) error {
	updateImageColumn := func(table, column string, value *string) error {
		if value == nil {
			return nil
		}
		imageID, err := ensureImage(ctx, tx, *value)
		if err != nil {
			return err
		}
		query := fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE request_id = $1`, table, column)
		if _, err := tx.ExecContext(ctx, query, requestID, imageID); err != nil {
			return fmt.Errorf("failed to update %s.%s: %w", table, column, err)
		}
		return nil
	}

	switch requestType {
	case api.TypeAdd:
		if err := updateImageColumn("request_add", "from_index_resolved_id", update.FromIndexResolved); err != nil {
			return err
		}
		if update.BundleMapping != nil {
			mapping, err := marshalMap(update.BundleMapping)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE request_add SET bundle_mapping = $2 WHERE request_id = $1`,
				requestID, mapping); err != nil {
				return fmt.Errorf("failed to update the bundle mapping: %w", err)
			}
		}
		if update.OmpsOperatorVersion != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE request_add SET omps_operator_version = $2 WHERE request_id = $1`,
				requestID, *update.OmpsOperatorVersion); err != nil {
				return fmt.Errorf("failed to update the omps operator version: %w", err)
			}
		}
	case api.TypeRm:
		return updateImageColumn("request_rm", "from_index_resolved_id", update.FromIndexResolved)
	case api.TypeRegenerateBundle:
		if err := updateImageColumn("request_regenerate_bundle", "bundle_image_id", update.BundleImage); err != nil {
			return err
		}
		return updateImageColumn("request_regenerate_bundle", "from_bundle_image_resolved_id", update.FromBundleImageResolved)
	case api.TypeMergeIndexImage:
		if err := updateImageColumn("request_merge_index_image", "source_from_index_resolved_id", update.SourceFromIndexResolved); err != nil {
			return err
		}
		return updateImageColumn("request_merge_index_image", "target_index_resolved_id", update.TargetIndexResolved)
	case api.TypeCreateEmptyIndex:
		return updateImageColumn("request_create_empty_index", "from_index_resolved_id", update.FromIndexResolved)
	case api.TypeFbcOperations:
		if err := updateImageColumn("request_fbc_operations", "from_index_resolved_id", update.FromIndexResolved); err != nil {
			return err
		}
		for position, resolved := range update.FbcFragmentsResolved {
			imageID, err := ensureImage(ctx, tx, resolved)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE request_fbc_fragment SET resolved_image_id = $3 WHERE request_id = $1 AND position = $2`,
				requestID, position, imageID); err != nil {
				return fmt.Errorf("failed to update fbc fragment %d: %w", position, err)
			}
		}
	case api.TypeAddDeprecations:
		return updateImageColumn("request_add_deprecations", "from_index_resolved_id", update.FromIndexResolved)
	case api.TypeRecursiveRelatedBundles:
		return updateImageColumn("request_recursive_related_bundles", "parent_bundle_image_resolved_id", update.ParentBundleImageResolved)
	}
	return nil
}

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/release-engineering/iib/pkg/api"
)

const envelopeColumns = `
SELECT r.id, r.type, r.batch_id, b.annotations AS batch_annotations,
       u.username AS username,
       rs.state AS state, rs.state_reason AS state_reason, rs.updated AS updated,
       bi.pull_specification AS binary_image,
       bir.pull_specification AS binary_image_resolved,
       ii.pull_specification AS index_image,
       iir.pull_specification AS index_image_resolved,
       iic.pull_specification AS internal_index_image_copy,
       iicr.pull_specification AS internal_index_image_copy_resolved,
       r.distribution_scope
FROM request r
JOIN batch b ON b.id = r.batch_id
LEFT JOIN iib_user u ON u.id = r.user_id
LEFT JOIN request_state rs ON rs.id = r.current_state_id
LEFT JOIN image bi ON bi.id = r.binary_image_id
LEFT JOIN image bir ON bir.id = r.binary_image_resolved_id
LEFT JOIN image ii ON ii.id = r.index_image_id
LEFT JOIN image iir ON iir.id = r.index_image_resolved_id
LEFT JOIN image iic ON iic.id = r.internal_index_image_copy_id
LEFT JOIN image iicr ON iicr.id = r.internal_index_image_copy_resolved_id`

// GetBuild loads the typed document of one request. Verbose documents
// additionally carry the full state history, oldest first.
func (s *Store) GetBuild(ctx context.Context, requestID int64, verbose bool) (api.BuildDocument, error) {
	var row requestRow
	err := s.db.GetContext(ctx, &row, envelopeColumns+` WHERE r.id = $1`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NotFoundErrorf("The requested resource was not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load request %d: %w", requestID, err)
	}
	return s.assembleBuild(ctx, &row, verbose)
}

// ListFilter narrows and pages the build listing.
type ListFilter struct {
	State   string
	Batch   int64
	User    string
	Page    int
	PerPage int
	Verbose bool
}

// ListBuilds returns one page of typed documents, newest request
// first, plus the total match count.
func (s *Store) ListBuilds(ctx context.Context, filter ListFilter) ([]api.BuildDocument, int, error) {
	var conditions []string
	var args []any
	appendCondition := func(condition string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}
	if filter.State != "" {
		appendCondition("rs.state = $%d", filter.State)
	}
	if filter.Batch > 0 {
		appendCondition("r.batch_id = $%d", filter.Batch)
	}
	if filter.User != "" {
		appendCondition("u.username = $%d", filter.User)
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := `SELECT COUNT(*) FROM request r
		LEFT JOIN iib_user u ON u.id = r.user_id
		LEFT JOIN request_state rs ON rs.id = r.current_state_id` + where
	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count requests: %w", err)
	}

	pageArgs := append(args, filter.PerPage, (filter.Page-1)*filter.PerPage)
	listQuery := fmt.Sprintf("%s%s ORDER BY r.id DESC LIMIT $%d OFFSET $%d",
		envelopeColumns, where, len(args)+1, len(args)+2)
	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, listQuery, pageArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to list requests: %w", err)
	}

	items := make([]api.BuildDocument, 0, len(rows))
	for i := range rows {
		item, err := s.assembleBuild(ctx, &rows[i], filter.Verbose)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	return items, total, nil
}

func (s *Store) assembleBuild(ctx context.Context, row *requestRow, verbose bool) (api.BuildDocument, error) {
	envelope, err := s.loadEnvelope(ctx, row, verbose)
	if err != nil {
		return nil, err
	}
	var build api.BuildDocument
	switch api.RequestType(row.Type) {
	case api.TypeAdd:
		build, err = s.loadAdd(ctx, row, envelope)
	case api.TypeRm:
		build, err = s.loadRm(ctx, row, envelope)
	case api.TypeRegenerateBundle:
		build, err = s.loadRegenerateBundle(ctx, row, envelope)
	case api.TypeMergeIndexImage:
		build, err = s.loadMergeIndexImage(ctx, row, envelope)
	case api.TypeCreateEmptyIndex:
		build, err = s.loadCreateEmptyIndex(ctx, row, envelope)
	case api.TypeFbcOperations:
		build, err = s.loadFbcOperations(ctx, row, envelope)
	case api.TypeAddDeprecations:
		build, err = s.loadAddDeprecations(ctx, row, envelope)
	case api.TypeRecursiveRelatedBundles:
		build, err = s.loadRecursiveRelatedBundles(ctx, row, envelope)
	default:
		return nil, fmt.Errorf("unknown request type %q for request %d", row.Type, row.ID)
	}
	if err != nil {
		return nil, err
	}
	build.Normalize()
	return build, nil
}

func (s *Store) loadEnvelope(ctx context.Context, row *requestRow, verbose bool) (api.Build, error) {
	envelope := api.Build{
		ID:               row.ID,
		Batch:            row.BatchID,
		BatchAnnotations: row.BatchAnnotations,
		RequestType:      api.RequestType(row.Type),
		User:             row.Username,
		State:            api.StateName(derefString(row.State)),
		StateReason:      derefString(row.StateReason),
		Updated:          derefTime(row.Updated),
	}
	if err := s.db.SelectContext(ctx, &envelope.Arches,
		`SELECT a.name FROM architecture a
		 JOIN request_architecture ra ON ra.architecture_id = a.id
		 WHERE ra.request_id = $1 ORDER BY a.name`, row.ID); err != nil {
		return envelope, fmt.Errorf("failed to load architectures: %w", err)
	}
	if verbose {
		var states []stateRow
		if err := s.db.SelectContext(ctx, &states,
			`SELECT state, state_reason, updated FROM request_state
			 WHERE request_id = $1 ORDER BY updated, id`, row.ID); err != nil {
			return envelope, fmt.Errorf("failed to load the state history: %w", err)
		}
		for _, state := range states {
			envelope.StateHistory = append(envelope.StateHistory, api.StateHistoryEntry{
				State:       api.StateName(state.State),
				StateReason: derefString(state.StateReason),
				Updated:     state.Updated,
			})
		}
	}
	return envelope, nil
}

func (s *Store) loadIndexImageBuild(ctx context.Context, row *requestRow) (api.IndexImageBuild, error) {
	build := api.IndexImageBuild{
		BinaryImage:                    derefString(row.BinaryImage),
		BinaryImageResolved:            derefString(row.BinaryImageResolved),
		IndexImage:                     derefString(row.IndexImage),
		IndexImageResolved:             derefString(row.IndexImageResolved),
		InternalIndexImageCopy:         derefString(row.InternalIndexImageCopy),
		InternalIndexImageCopyResolved: derefString(row.InternalIndexImageCopyResolved),
		DistributionScope:              api.DistributionScope(derefString(row.DistributionScope)),
	}
	if err := s.db.SelectContext(ctx, &build.BuildTags,
		`SELECT bt.name FROM build_tag bt
		 JOIN request_build_tag rbt ON rbt.build_tag_id = bt.id
		 WHERE rbt.request_id = $1 ORDER BY rbt.position`, row.ID); err != nil {
		return build, fmt.Errorf("failed to load build tags: %w", err)
	}
	return build, nil
}

func (s *Store) imageList(ctx context.Context, query string, requestID int64) ([]string, error) {
	var images []string
	if err := s.db.SelectContext(ctx, &images, query, requestID); err != nil {
		return nil, fmt.Errorf("failed to load an image list: %w", err)
	}
	return images, nil
}

func (s *Store) loadAdd(ctx context.Context, row *requestRow, envelope api.Build) (*api.AddBuild, error) {
	var side addRow
	if err := s.db.GetContext(ctx, &side,
		`SELECT fi.pull_specification AS from_index,
		        fir.pull_specification AS from_index_resolved,
		        ra.organization, ra.omps_operator_version, ra.graph_update_mode,
		        ra.check_related_images, ra.force_backport, ra.bundle_mapping
		 FROM request_add ra
		 LEFT JOIN image fi ON fi.id = ra.from_index_id
		 LEFT JOIN image fir ON fir.id = ra.from_index_resolved_id
		 WHERE ra.request_id = $1`, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load the add request: %w", err)
	}
	indexBuild, err := s.loadIndexImageBuild(ctx, row)
	if err != nil {
		return nil, err
	}
	bundles, err := s.imageList(ctx,
		`SELECT i.pull_specification FROM image i
		 JOIN request_add_bundle rab ON rab.image_id = i.id
		 WHERE rab.request_id = $1 ORDER BY rab.position`, row.ID)
	if err != nil {
		return nil, err
	}
	deprecations, err := s.imageList(ctx,
		`SELECT i.pull_specification FROM image i
		 JOIN request_add_bundle_deprecation rabd ON rabd.image_id = i.id
		 WHERE rabd.request_id = $1 ORDER BY i.id`, row.ID)
	if err != nil {
		return nil, err
	}
	var bundleMapping map[string][]string
	if len(side.BundleMapping) > 0 {
		if err := json.Unmarshal(side.BundleMapping, &bundleMapping); err != nil {
			return nil, fmt.Errorf("failed to decode the bundle mapping: %w", err)
		}
	}
	return &api.AddBuild{
		Build:               envelope,
		IndexImageBuild:     indexBuild,
		Bundles:             bundles,
		BundleMapping:       bundleMapping,
		DeprecationList:     deprecations,
		FromIndex:           derefString(side.FromIndex),
		FromIndexResolved:   derefString(side.FromIndexResolved),
		Organization:        derefString(side.Organization),
		OmpsOperatorVersion: derefString(side.OmpsOperatorVersion),
		GraphUpdateMode:     api.GraphUpdateMode(derefString(side.GraphUpdateMode)),
		CheckRelatedImages:  side.CheckRelatedImages,
	}, nil
}

func (s *Store) loadRm(ctx context.Context, row *requestRow, envelope api.Build) (*api.RmBuild, error) {
	var side rmRow
	if err := s.db.GetContext(ctx, &side,
		`SELECT fi.pull_specification AS from_index,
		        fir.pull_specification AS from_index_resolved
		 FROM request_rm rr
		 LEFT JOIN image fi ON fi.id = rr.from_index_id
		 LEFT JOIN image fir ON fir.id = rr.from_index_resolved_id
		 WHERE rr.request_id = $1`, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load the rm request: %w", err)
	}
	indexBuild, err := s.loadIndexImageBuild(ctx, row)
	if err != nil {
		return nil, err
	}
	var operators []string
	if err := s.db.SelectContext(ctx, &operators,
		`SELECT o.name FROM operator o
		 JOIN request_rm_operator rro ON rro.operator_id = o.id
		 WHERE rro.request_id = $1 ORDER BY o.name`, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load operators: %w", err)
	}
	return &api.RmBuild{
		Build:             envelope,
		IndexImageBuild:   indexBuild,
		FromIndex:         derefString(side.FromIndex),
		FromIndexResolved: derefString(side.FromIndexResolved),
		RemovedOperators:  operators,
	}, nil
}

func (s *Store) loadRegenerateBundle(ctx context.Context, row *requestRow, envelope api.Build) (*api.RegenerateBundleBuild, error) {
	var side regenerateBundleRow
	if err := s.db.GetContext(ctx, &side,
		`SELECT fbi.pull_specification AS from_bundle_image,
		        fbir.pull_specification AS from_bundle_image_resolved,
		        bi.pull_specification AS bundle_image,
		        rrb.organization, rrb.bundle_replacements
		 FROM request_regenerate_bundle rrb
		 LEFT JOIN image fbi ON fbi.id = rrb.from_bundle_image_id
		 LEFT JOIN image fbir ON fbir.id = rrb.from_bundle_image_resolved_id
		 LEFT JOIN image bi ON bi.id = rrb.bundle_image_id
		 WHERE rrb.request_id = $1`, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load the regenerate-bundle request: %w", err)
	}
	var replacements map[string]string
	if len(side.BundleReplacements) > 0 {
		if err := json.Unmarshal(side.BundleReplacements, &replacements); err != nil {
			return nil, fmt.Errorf("failed to decode bundle replacements: %w", err)
		}
	}
	return &api.RegenerateBundleBuild{
		Build:                   envelope,
		BundleImage:             derefString(side.BundleImage),
		FromBundleImage:         derefString(side.FromBundleImage),
		FromBundleImageResolved: derefString(side.FromBundleImageResolved),
		Organization:            derefString(side.Organization),
		BundleReplacements:      replacements,
	}, nil
}

func (s *Store) loadMergeIndexImage(ctx context.Context, row *requestRow, envelope api.Build) (*api.MergeIndexImageBuild, error) {
	var side mergeIndexImageRow
	if err := s.db.GetContext(ctx, &side,
		`SELECT sfi.pull_specification AS source_from_index,
		        sfir.pull_specification AS source_from_index_resolved,
		        ti.pull_specification AS target_index,
		        tir.pull_specification AS target_index_resolved,
		        rmi.ignore_bundle_ocp_version
		 FROM request_merge_index_image rmi
		 LEFT JOIN image sfi ON sfi.id = rmi.source_from_index_id
		 LEFT JOIN image sfir ON sfir.id = rmi.source_from_index_resolved_id
		 LEFT JOIN image ti ON ti.id = rmi.target_index_id
		 LEFT JOIN image tir ON tir.id = rmi.target_index_resolved_id
		 WHERE rmi.request_id = $1`, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load the merge-index-image request: %w", err)
	}
	indexBuild, err := s.loadIndexImageBuild(ctx, row)
	if err != nil {
		return nil, err
	}
	deprecations, err := s.imageList(ctx,
		`SELECT i.pull_specification FROM image i
		 JOIN request_merge_bundle_deprecation rmbd ON rmbd.image_id = i.id
		 WHERE rmbd.request_id = $1 ORDER BY i.id`, row.ID)
	if err != nil {
		return nil, err
	}
	return &api.MergeIndexImageBuild{
		Build:                   envelope,
		IndexImageBuild:         indexBuild,
		DeprecationList:         deprecations,
		SourceFromIndex:         derefString(side.SourceFromIndex),
		SourceFromIndexResolved: derefString(side.SourceFromIndexResolved),
		TargetIndex:             derefString(side.TargetIndex),
		TargetIndexResolved:     derefString(side.TargetIndexResolved),
		IgnoreBundleOCPVersion:  side.IgnoreBundleOCPVersion,
	}, nil
}

func (s *Store) loadCreateEmptyIndex(ctx context.Context, row *requestRow, envelope api.Build) (*api.CreateEmptyIndexBuild, error) {
	var side createEmptyIndexRow
	if err := s.db.GetContext(ctx, &side,
		`SELECT fi.pull_specification AS from_index,
		        fir.pull_specification AS from_index_resolved,
		        rcei.labels, rcei.output_fbc
		 FROM request_create_empty_index rcei
		 LEFT JOIN image fi ON fi.id = rcei.from_index_id
		 LEFT JOIN image fir ON fir.id = rcei.from_index_resolved_id
		 WHERE rcei.request_id = $1`, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load the create-empty-index request: %w", err)
	}
	indexBuild, err := s.loadIndexImageBuild(ctx, row)
	if err != nil {
		return nil, err
	}
	var labels map[string]string
	if len(side.Labels) > 0 {
		if err := json.Unmarshal(side.Labels, &labels); err != nil {
			return nil, fmt.Errorf("failed to decode labels: %w", err)
		}
	}
	return &api.CreateEmptyIndexBuild{
		Build:             envelope,
		IndexImageBuild:   indexBuild,
		FromIndex:         derefString(side.FromIndex),
		FromIndexResolved: derefString(side.FromIndexResolved),
		Labels:            labels,
		OutputFbc:         side.OutputFbc,
	}, nil
}

func (s *Store) loadFbcOperations(ctx context.Context, row *requestRow, envelope api.Build) (*api.FbcOperationsBuild, error) {
	var side fbcOperationsRow
	if err := s.db.GetContext(ctx, &side,
		`SELECT fi.pull_specification AS from_index,
		        fir.pull_specification AS from_index_resolved,
		        rfo.used_fbc_fragment
		 FROM request_fbc_operations rfo
		 LEFT JOIN image fi ON fi.id = rfo.from_index_id
		 LEFT JOIN image fir ON fir.id = rfo.from_index_resolved_id
		 WHERE rfo.request_id = $1`, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load the fbc-operations request: %w", err)
	}
	indexBuild, err := s.loadIndexImageBuild(ctx, row)
	if err != nil {
		return nil, err
	}
	fragments, err := s.imageList(ctx,
		`SELECT i.pull_specification FROM image i
		 JOIN request_fbc_fragment rff ON rff.image_id = i.id
		 WHERE rff.request_id = $1 ORDER BY rff.position`, row.ID)
	if err != nil {
		return nil, err
	}
	resolved, err := s.imageList(ctx,
		`SELECT i.pull_specification FROM image i
		 JOIN request_fbc_fragment rff ON rff.resolved_image_id = i.id
		 WHERE rff.request_id = $1 ORDER BY rff.position`, row.ID)
	if err != nil {
		return nil, err
	}
	return &api.FbcOperationsBuild{
		Build:                envelope,
		IndexImageBuild:      indexBuild,
		FromIndex:            derefString(side.FromIndex),
		FromIndexResolved:    derefString(side.FromIndexResolved),
		FbcFragments:         fragments,
		FbcFragmentsResolved: resolved,
		UsedFbcFragment:      side.UsedFbcFragment,
	}, nil
}

func (s *Store) loadAddDeprecations(ctx context.Context, row *requestRow, envelope api.Build) (*api.AddDeprecationsBuild, error) {
	var side addDeprecationsRow
	if err := s.db.GetContext(ctx, &side,
		`SELECT fi.pull_specification AS from_index,
		        fir.pull_specification AS from_index_resolved
		 FROM request_add_deprecations rad
		 LEFT JOIN image fi ON fi.id = rad.from_index_id
		 LEFT JOIN image fir ON fir.id = rad.from_index_resolved_id
		 WHERE rad.request_id = $1`, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load the add-deprecations request: %w", err)
	}
	indexBuild, err := s.loadIndexImageBuild(ctx, row)
	if err != nil {
		return nil, err
	}
	var operators []string
	if err := s.db.SelectContext(ctx, &operators,
		`SELECT o.name FROM operator o
		 JOIN request_add_deprecations_operator rado ON rado.operator_id = o.id
		 WHERE rado.request_id = $1 ORDER BY o.name`, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load operators: %w", err)
	}
	var schemas []string
	if err := s.db.SelectContext(ctx, &schemas,
		`SELECT ds.schema FROM deprecation_schema ds
		 JOIN request_add_deprecations_schema rads ON rads.deprecation_schema_id = ds.id
		 WHERE rads.request_id = $1 ORDER BY ds.id`, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load deprecation schemas: %w", err)
	}
	return &api.AddDeprecationsBuild{
		Build:              envelope,
		IndexImageBuild:    indexBuild,
		FromIndex:          derefString(side.FromIndex),
		FromIndexResolved:  derefString(side.FromIndexResolved),
		Operators:          operators,
		DeprecationSchemas: schemas,
	}, nil
}

func (s *Store) loadRecursiveRelatedBundles(ctx context.Context, row *requestRow, envelope api.Build) (*api.RecursiveRelatedBundlesBuild, error) {
	var side recursiveRelatedBundlesRow
	if err := s.db.GetContext(ctx, &side,
		`SELECT pbi.pull_specification AS parent_bundle_image,
		        pbir.pull_specification AS parent_bundle_image_resolved,
		        rrrb.organization
		 FROM request_recursive_related_bundles rrrb
		 LEFT JOIN image pbi ON pbi.id = rrrb.parent_bundle_image_id
		 LEFT JOIN image pbir ON pbir.id = rrrb.parent_bundle_image_resolved_id
		 WHERE rrrb.request_id = $1`, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load the recursive-related-bundles request: %w", err)
	}
	return &api.RecursiveRelatedBundlesBuild{
		Build:                     envelope,
		ParentBundleImage:         derefString(side.ParentBundleImage),
		ParentBundleImageResolved: derefString(side.ParentBundleImageResolved),
		Organization:              derefString(side.Organization),
	}, nil
}

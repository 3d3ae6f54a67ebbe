package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/release-engineering/iib/pkg/api"
)

type batchRequestRow struct {
	ID           int64   `db:"id"`
	Type         string  `db:"type"`
	Username     *string `db:"username"`
	State        *string `db:"state"`
	Organization *string `db:"organization"`
}

// GetBatchDocument assembles the message-bus view of a batch: its
// request stubs in submission order plus the derived state, which is
// the coarsest of the member states.
func (s *Store) GetBatchDocument(ctx context.Context, batchID int64) (*api.BatchDocument, error) {
	var annotations json.RawMessage
	err := s.db.GetContext(ctx, &annotations,
		`SELECT annotations FROM batch WHERE id = $1`, batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.NotFoundErrorf("The requested resource was not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %d: %w", batchID, err)
	}

	var rows []batchRequestRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT r.id, r.type, u.username, rs.state,
		        COALESCE(ra.organization, rrb.organization, rrrb.organization) AS organization
		 FROM request r
		 LEFT JOIN iib_user u ON u.id = r.user_id
		 LEFT JOIN request_state rs ON rs.id = r.current_state_id
		 LEFT JOIN request_add ra ON ra.request_id = r.id
		 LEFT JOIN request_regenerate_bundle rrb ON rrb.request_id = r.id
		 LEFT JOIN request_recursive_related_bundles rrrb ON rrrb.request_id = r.id
		 WHERE r.batch_id = $1 ORDER BY r.id`, batchID); err != nil {
		return nil, fmt.Errorf("failed to load the batch requests: %w", err)
	}

	document := &api.BatchDocument{
		Batch:       batchID,
		Annotations: annotations,
		State:       api.StateComplete,
	}
	var anyFailed bool
	for _, row := range rows {
		document.Requests = append(document.Requests, api.BatchRequest{
			ID:           row.ID,
			Organization: derefString(row.Organization),
			RequestType:  api.RequestType(row.Type),
		})
		document.RequestIDs = append(document.RequestIDs, row.ID)
		if document.User == nil && row.Username != nil {
			document.User = row.Username
		}
		switch api.StateName(derefString(row.State)) {
		case api.StateInProgress:
			document.State = api.StateInProgress
		case api.StateFailed:
			anyFailed = true
		}
	}
	if document.State != api.StateInProgress && anyFailed {
		document.State = api.StateFailed
	}
	return document, nil
}
